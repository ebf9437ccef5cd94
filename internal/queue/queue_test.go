package queue

import "testing"

func TestNormalizeRetryIntervalsDefaults(t *testing.T) {
	got := NormalizeRetryIntervals(3, nil)
	want := []int{30, 30, 30}
	if !equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestNormalizeRetryIntervalsDropsNonPositive(t *testing.T) {
	got := NormalizeRetryIntervals(3, []int{0, -5, 10})
	want := []int{10, 10, 10}
	if !equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestNormalizeRetryIntervalsSingleRetry(t *testing.T) {
	got := NormalizeRetryIntervals(1, []int{5, 10, 15})
	want := []int{5}
	if !equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestNormalizeRetryIntervalsTruncates(t *testing.T) {
	got := NormalizeRetryIntervals(2, []int{5, 10, 15})
	want := []int{5, 10}
	if !equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func equal(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
