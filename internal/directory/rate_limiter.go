package directory

import (
	"sync"
	"time"
)

type Operation string

const (
	OpCreate        Operation = "create"
	OpJoin          Operation = "join"
	OpQuickJoin     Operation = "quick_join"
	OpQuery         Operation = "query"
	OpGet           Operation = "get"
	OpUpdateSession Operation = "update_session"
	OpUpdatePlayer  Operation = "update_player"
	OpHeartbeat     Operation = "heartbeat"
	OpLeave         Operation = "leave"
)

// DefaultLimits is the minimum spacing between two calls of an operation on the same session.
func DefaultLimits() map[Operation]time.Duration {
	return map[Operation]time.Duration{
		OpCreate:        time.Second,
		OpJoin:          time.Second,
		OpQuickJoin:     time.Second,
		OpQuery:         time.Second,
		OpGet:           time.Second,
		OpUpdateSession: 500 * time.Millisecond,
		OpUpdatePlayer:  500 * time.Millisecond,
		OpHeartbeat:     5 * time.Second,
	}
}

// rateLimiter refuses calls that come too soon after the previous one of the same kind,
// and calls for a session that already has one running.
type rateLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	spacing map[Operation]time.Duration
	last    map[string]time.Time
	busy    map[string]struct{}
}

func newRateLimiter(spacing map[Operation]time.Duration, now func() time.Time) *rateLimiter {
	return &rateLimiter{
		now:     now,
		spacing: spacing,
		last:    make(map[string]time.Time),
		busy:    make(map[string]struct{}),
	}
}

// acquire admits one call. The returned release must be called when the call is done.
func (l *rateLimiter) acquire(op Operation, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if key != "" {
		if _, ok := l.busy[key]; ok {
			return nil, newError(StatusRateLimited, "a call for %s is already running", key)
		}
	}

	now := l.now()
	opKey := string(op) + "/" + key
	if last, ok := l.last[opKey]; ok {
		if wait := l.spacing[op] - now.Sub(last); wait > 0 {
			return nil, newError(StatusRateLimited, "%s rate limited, retry in %s", op, wait)
		}
	}
	l.last[opKey] = now

	if key == "" {
		return func() {}, nil
	}
	l.busy[key] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.busy, key)
		l.mu.Unlock()
	}, nil
}
