// Package schedule decides when the relay severs a session. State is shared
// by every session of the process: bytes relayed, disconnects issued and the
// switch into stable mode.
package schedule

import (
	"context"
	"fmt"
)

// Byte thresholds a session must exceed before it is severed. The first
// eligibility check of the process uses the lower one, whatever its outcome.
const (
	FirstThreshold      int64 = 25000
	SubsequentThreshold int64 = 37000
)

// Store abstracts the shared scheduler state.
type Store interface {
	// Account adds n relayed bytes to the process total.
	Account(ctx context.Context, n int64) (Snapshot, error)
	// Check decides whether a session that has relayed sessionBytes should be
	// severed now, and records the disconnect when it should.
	Check(ctx context.Context, sessionBytes int64) (Decision, error)
	Snapshot(ctx context.Context) (Snapshot, error)
	Close() error
}

// Snapshot is a point-in-time copy of the scheduler state.
type Snapshot struct {
	TotalBytes     int64 `json:"total_bytes"`
	Disconnects    int   `json:"disconnects"`
	Planned        int   `json:"planned"`
	Completed      bool  `json:"completed"`
	FirstCheckDone bool  `json:"first_check_done"`
}

// Mode renders the state the way relay log lines report it.
func (s Snapshot) Mode() string {
	if s.Completed {
		return "STABLE"
	}
	return fmt.Sprintf("DISCONNECT_MODE(%d/%d)", s.Disconnects, s.Planned)
}

// Decision is the outcome of one Check.
type Decision struct {
	Disconnect bool
	Threshold  int64 // zero once stable
	Number     int   // disconnect number when Disconnect is set, 1-based
	Planned    int
	Completed  bool // this disconnect completed the plan
}

// NewStore returns the Redis-backed store when redisAddr is set and the
// in-memory store otherwise.
func NewStore(planned int, redisAddr, redisPassword string, redisDB int) (Store, error) {
	if redisAddr == "" {
		return NewMemoryStore(planned), nil
	}
	return NewRedisStore(planned, redisAddr, redisPassword, redisDB)
}
