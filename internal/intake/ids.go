package intake

import (
	"math/rand"

	"github.com/google/uuid"
)

func newJobID() string {
	return uuid.NewString()
}

// localIssueNumber is the fallback synthetic issue number when no
// SimulatedForge is wired in, mirroring the original's
// uuid4().int % 2_000_000_000 + 1 shape without needing a uuid parse.
func localIssueNumber() int {
	return rand.Intn(2_000_000_000) + 1
}
