package idgen

import (
	"crypto/rand"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a time-ordered entity id.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// ULID returns a lexically sortable identifier.
func ULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

var (
	processOnce sync.Once
	processID   string
)

// ProcessID identifies this process as a runner. It is stable for the
// lifetime of the process and unique across restarts.
func ProcessID() string {
	processOnce.Do(func() {
		processID = fmt.Sprintf("pid-%d-%s", os.Getpid(), ULID())
	})
	return processID
}
