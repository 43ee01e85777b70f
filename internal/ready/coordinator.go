// Package ready implements the ready check that gates the countdown into a game.
package ready

import (
	"time"

	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/logger"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/session"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/utils"
)

type State int

const (
	Checking State = iota
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Checking:
		return "Checking"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

// Roster is the part of the session model the coordinator samples.
type Roster interface {
	Players() []*session.Player
}

type Options struct {
	Timeout        time.Duration
	CancelBuffer   time.Duration // cancellations this close to the timeout are ignored
	SampleInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		Timeout:        5 * time.Second,
		CancelBuffer:   500 * time.Millisecond,
		SampleInterval: 500 * time.Millisecond,
	}
}

type Coordinator struct {
	roster     Roster
	opts       Options
	onComplete func(State)

	elapsed     time.Duration
	sinceSample time.Duration
	state       State
	disposed    bool
	unsubscribe func()
}

func New(roster Roster, opts Options, onComplete func(State)) *Coordinator {
	return &Coordinator{roster: roster, opts: opts, onComplete: onComplete}
}

// Start subscribes Tick to every step of sched.
func (c *Coordinator) Start(sched scheduler.Scheduler) {
	if c.unsubscribe != nil || c.state != Checking || c.disposed {
		return
	}
	c.unsubscribe = sched.Subscribe(c.Tick, 0)
	logger.DebugF("Ready check started, timeout %s", utils.Seconds(c.opts.Timeout))
}

func (c *Coordinator) State() State { return c.state }

func (c *Coordinator) Elapsed() time.Duration { return c.elapsed }

// Tick accumulates dt and samples the roster every SampleInterval.
func (c *Coordinator) Tick(dt time.Duration) {
	if c.state != Checking || c.disposed {
		return
	}
	c.elapsed += dt
	c.sinceSample += dt
	if c.sinceSample < c.opts.SampleInterval {
		return
	}
	c.sinceSample = 0
	c.sample()
}

func (c *Coordinator) sample() {
	players := c.roster.Players()
	remaining := c.opts.Timeout - c.elapsed

	if remaining > c.opts.CancelBuffer {
		for _, p := range players {
			if p.Status().Is(session.StatusCancelled) {
				logger.InfoF("Ready check cancelled by %s", p.ID())
				c.finish(Failed)
				return
			}
		}
	}

	allReady := len(players) > 0
	for _, p := range players {
		if !p.Status().Is(session.StatusReady) {
			allReady = false
			break
		}
	}
	if allReady {
		c.finish(Succeeded)
		return
	}

	if c.elapsed >= c.opts.Timeout {
		logger.InfoF("Ready check timed out after %s", utils.Seconds(c.elapsed))
		c.finish(Failed)
	}
}

func (c *Coordinator) finish(result State) {
	c.state = result
	c.Dispose()
	if c.onComplete != nil {
		cb := c.onComplete
		c.onComplete = nil
		cb(result)
	}
}

// Dispose unsubscribes from the scheduler. Safe to call repeatedly and after completion.
// A coordinator disposed while checking never reports a result.
func (c *Coordinator) Dispose() {
	c.disposed = true
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.state == Checking {
		c.onComplete = nil
	}
}
