package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const killSwitchKey = "agents_enabled"

// RedisBackend is the production queue backend. It plays the role the
// original system gave to python-rq's Queue: a Redis list for FIFO
// dispatch, a processing list plus per-job lease key standing in for
// rq's job-timeout monitoring, a delayed ZSET standing in for rq's
// Retry(max, interval), and result/failure outcome keys with the same
// TTLs rq's result_ttl/failure_ttl give a finished job's status.
type RedisBackend struct {
	client         *redis.Client
	queueName      string
	processingName string
	delayedName    string

	retryMax          int
	retryIntervals    []int
	jobTimeoutSeconds int
	resultTTLSeconds  int
	failureTTLSeconds int
}

func NewRedisBackend(client *redis.Client, queueName string, retryMax int, retryIntervals []int, jobTimeoutSeconds, resultTTLSeconds, failureTTLSeconds int) *RedisBackend {
	return &RedisBackend{
		client:            client,
		queueName:         queueName,
		processingName:    queueName + ":processing",
		delayedName:       queueName + ":delayed",
		retryMax:          retryMax,
		retryIntervals:    NormalizeRetryIntervals(retryMax, retryIntervals),
		jobTimeoutSeconds: jobTimeoutSeconds,
		resultTTLSeconds:  resultTTLSeconds,
		failureTTLSeconds: failureTTLSeconds,
	}
}

func (b *RedisBackend) leaseKey(jobID string) string   { return "lease:" + jobID }
func (b *RedisBackend) retryKey(jobID string) string   { return "retries:" + jobID }
func (b *RedisBackend) outcomeKey(jobID string) string { return "outcome:" + jobID }

func (b *RedisBackend) Enqueue(ctx context.Context, jobID string) error {
	return b.client.RPush(ctx, b.queueName, jobID).Err()
}

// Pop moves the next job id from the main queue into a processing list
// and stamps a lease key that expires after jobTimeoutSeconds. A worker
// that crashes mid-job leaves the entry in the processing list with no
// live lease; RequeueStale later finds it from there.
func (b *RedisBackend) Pop(ctx context.Context) (string, error) {
	jobID, err := b.client.RPopLPush(ctx, b.queueName, b.processingName).Result()
	if err == redis.Nil {
		return "", ErrEmpty
	}
	if err != nil {
		return "", err
	}
	timeout := time.Duration(b.jobTimeoutSeconds) * time.Second
	if err := b.client.Set(ctx, b.leaseKey(jobID), "1", timeout).Err(); err != nil {
		return "", err
	}
	return jobID, nil
}

// Ack removes a successfully processed job from the processing list,
// clears its lease and retry count, and records a completed outcome
// for resultTTLSeconds.
func (b *RedisBackend) Ack(ctx context.Context, jobID string) error {
	if err := b.client.LRem(ctx, b.processingName, 1, jobID).Err(); err != nil {
		return err
	}
	if err := b.client.Del(ctx, b.leaseKey(jobID)).Err(); err != nil {
		return err
	}
	if err := b.client.Del(ctx, b.retryKey(jobID)).Err(); err != nil {
		return err
	}
	return b.recordOutcome(ctx, jobID, "completed", b.resultTTLSeconds)
}

// Retry schedules a bounded retry for a job whose dispatch loop call
// returned an error, sharing the same attempt budget a stale-lease
// requeue draws from. Returns false once retries are exhausted.
func (b *RedisBackend) Retry(ctx context.Context, jobID string) (bool, error) {
	_ = b.client.LRem(ctx, b.processingName, 1, jobID).Err()
	_ = b.client.Del(ctx, b.leaseKey(jobID)).Err()
	return b.scheduleOrDrop(ctx, jobID)
}

func (b *RedisBackend) recordOutcome(ctx context.Context, jobID, status string, ttlSeconds int) error {
	return b.client.Set(ctx, b.outcomeKey(jobID), status, time.Duration(ttlSeconds)*time.Second).Err()
}

// scheduleOrDrop increments jobID's attempt counter and either puts it
// on the delayed ZSET at its backoff interval or, past retryMax,
// records a failed outcome and reports it exhausted.
func (b *RedisBackend) scheduleOrDrop(ctx context.Context, jobID string) (bool, error) {
	attempt, err := b.client.Incr(ctx, b.retryKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	if int(attempt) > b.retryMax {
		_ = b.client.Del(ctx, b.retryKey(jobID)).Err()
		if err := b.recordOutcome(ctx, jobID, "failed", b.failureTTLSeconds); err != nil {
			return false, err
		}
		return false, nil
	}

	delaySeconds := b.retryIntervals[attempt-1]
	score := float64(time.Now().Add(time.Duration(delaySeconds) * time.Second).Unix())
	if err := b.client.ZAdd(ctx, b.delayedName, redis.Z{Score: score, Member: jobID}).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// RequeueStale scans the processing list for entries with no live
// lease key, meaning their worker crashed or hung past
// jobTimeoutSeconds. Each either gets a bounded retry scheduled or, if
// exhausted, is reported back so the caller can mark it failed in the
// job store (the queue package has no store access of its own).
func (b *RedisBackend) RequeueStale(ctx context.Context) ([]string, error) {
	entries, err := b.client.LRange(ctx, b.processingName, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	var exhausted []string
	for _, jobID := range entries {
		exists, err := b.client.Exists(ctx, b.leaseKey(jobID)).Result()
		if err != nil {
			return exhausted, err
		}
		if exists > 0 {
			continue
		}
		if err := b.client.LRem(ctx, b.processingName, 1, jobID).Err(); err != nil {
			return exhausted, err
		}
		scheduled, err := b.scheduleOrDrop(ctx, jobID)
		if err != nil {
			return exhausted, err
		}
		if !scheduled {
			exhausted = append(exhausted, jobID)
		}
	}
	return exhausted, nil
}

// PromoteDelayed moves every delayed job whose backoff has elapsed back
// onto the main queue for redispatch.
func (b *RedisBackend) PromoteDelayed(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().Unix())
	due, err := b.client.ZRangeByScore(ctx, b.delayedName, &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return err
	}
	for _, jobID := range due {
		if err := b.client.RPush(ctx, b.queueName, jobID).Err(); err != nil {
			return err
		}
		if err := b.client.ZRem(ctx, b.delayedName, jobID).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (b *RedisBackend) Size(ctx context.Context) (int, error) {
	n, err := b.client.LLen(ctx, b.queueName).Result()
	return int(n), err
}

func (b *RedisBackend) SetKillSwitch(ctx context.Context, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	return b.client.Set(ctx, killSwitchKey, value, 0).Err()
}

func (b *RedisBackend) AgentsEnabled(ctx context.Context) (bool, error) {
	value, err := b.client.Get(ctx, killSwitchKey).Result()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(value), "true"), nil
}

// lockTimeout bounds how long a WithLock key can stay held before Redis
// expires it on its own, guarding against a crashed holder never releasing.
const lockTimeout = 30 * time.Second

// WithLock acquires a non-blocking Redis lock (SET NX PX) and runs action
// if acquired, always releasing it afterward.
func (b *RedisBackend) WithLock(ctx context.Context, key string, action func() error) (bool, error) {
	ok, err := b.client.SetNX(ctx, "lock:"+key, "1", lockTimeout).Result()
	if err != nil || !ok {
		return false, err
	}
	defer b.client.Del(ctx, "lock:"+key)
	return true, action()
}
