package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const trackingPrefix = "GRV-"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewTrackingID returns the human-facing grievance code, e.g. GRV-7ZK1M4Q9XA.
// It is drawn from the random half of a fresh ULID so it never reveals the
// record id or its creation time.
func NewTrackingID() string {
	id := ulid.Make()
	s := id.String()
	return trackingPrefix + s[len(s)-10:]
}
