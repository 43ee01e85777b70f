// Package syncer keeps the local session model consistent with the directory.
//
// The engine runs on the scheduler's tick. Directory calls are the only blocking work: each runs
// off the tick path and reports back through a completion channel that the next tick drains, so
// the session model is only ever touched from the tick goroutine. At most one call is outstanding
// at any time; everything requested meanwhile waits in a FIFO queue.
package syncer

import (
	"context"
	"time"

	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/directory"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/logger"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/session"
)

const completionBuffer = 16

type Options struct {
	QueryInterval     time.Duration
	HeartbeatInterval time.Duration
	PushInterval      time.Duration
	CallTimeout       time.Duration
}

func DefaultOptions() Options {
	return Options{
		QueryInterval:     1500 * time.Millisecond,
		HeartbeatInterval: 8 * time.Second,
		PushInterval:      time.Second,
		CallTimeout:       10 * time.Second,
	}
}

// Op is one directory call. Run executes off the tick path and must not touch the session model;
// the apply func it returns is run on the tick path. Done, when set, is called on the tick path
// with the call's error.
type Op struct {
	Name string
	Run  func(ctx context.Context, dir directory.Service) (apply func(), err error)
	Done func(err error)
}

type completion struct {
	generation uint64
	op         Op
	apply      func()
	err        error
}

type Engine struct {
	dir     directory.Service
	model   *session.Session
	sched   scheduler.Scheduler
	opts    Options
	onError func(error)
	spawn   func(func())

	ctx         context.Context
	cancel      context.CancelFunc
	completions chan completion
	unsubscribe func()

	tracking   bool
	sessionID  string
	generation uint64

	inFlight    bool
	queue       []Op
	queryQueued bool

	pendingPlayer     session.PlayerField
	pendingSession    session.SessionField
	unconfirmedPlayer session.PlayerField

	sinceQuery     time.Duration
	sinceHeartbeat time.Duration
	sincePush      time.Duration
}

type Option func(*Engine)

// WithSpawn replaces how directory calls are started. The default runs each call on its own goroutine.
func WithSpawn(spawn func(func())) Option {
	return func(e *Engine) { e.spawn = spawn }
}

func New(dir directory.Service, model *session.Session, sched scheduler.Scheduler, opts Options, onError func(error), options ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		dir:         dir,
		model:       model,
		sched:       sched,
		opts:        opts,
		onError:     onError,
		spawn:       func(f func()) { go f() },
		ctx:         ctx,
		cancel:      cancel,
		completions: make(chan completion, completionBuffer),
	}
	for _, o := range options {
		o(e)
	}
	return e
}

func (e *Engine) Tracking() bool    { return e.tracking }
func (e *Engine) SessionID() string { return e.sessionID }
func (e *Engine) InFlight() bool    { return e.inFlight }
func (e *Engine) Queued() int       { return len(e.queue) }

// BeginTracking starts the poll/push cycle for sessionID. Tracking the same session again is a no-op.
func (e *Engine) BeginTracking(sessionID string) {
	if e.tracking && e.sessionID == sessionID {
		return
	}
	if e.tracking {
		e.EndTracking()
	}
	logger.InfoF("Tracking session %s", sessionID)
	e.tracking = true
	e.sessionID = sessionID
	e.sinceQuery = e.opts.QueryInterval
	e.sinceHeartbeat = 0
	e.sincePush = e.opts.PushInterval
	e.subscribe()
}

// EndTracking stops the cycle. Queued work is dropped and calls still in flight complete as no-ops.
func (e *Engine) EndTracking() {
	if !e.tracking {
		return
	}
	logger.InfoF("Stopped tracking session %s", e.sessionID)
	e.tracking = false
	e.sessionID = ""
	e.generation++
	e.queue = nil
	e.queryQueued = false
	e.pendingPlayer = session.FieldNone
	e.pendingSession = session.SessionNone
	e.unconfirmedPlayer = session.FieldNone
	if !e.inFlight {
		e.unsubscribeTick()
	}
}

// Close ends tracking and cancels calls in flight.
func (e *Engine) Close() {
	e.EndTracking()
	e.unsubscribeTick()
	e.cancel()
}

// PushPlayerDelta marks local player fields for the next push. The host flag belongs to the directory.
func (e *Engine) PushPlayerDelta(fields session.PlayerField) {
	if !e.tracking {
		return
	}
	e.pendingPlayer |= fields &^ session.FieldHost
}

func (e *Engine) PushSessionDelta(fields session.SessionField) {
	if !e.tracking {
		return
	}
	e.pendingSession |= fields
}

// Submit runs a one-shot directory call through the single-flight guard. It works without tracking.
func (e *Engine) Submit(op Op) {
	e.subscribe()
	e.enqueue(op)
}

// OnTick first applies finished calls, then performs at most one of: flushing pending pushes,
// starting a retrieval, or sending a heartbeat.
func (e *Engine) OnTick(dt time.Duration) {
	e.drain()

	if !e.tracking {
		if !e.inFlight && len(e.queue) == 0 {
			e.unsubscribeTick()
		}
		return
	}

	e.sinceQuery += dt
	e.sinceHeartbeat += dt
	e.sincePush += dt

	switch {
	case e.hasPending() && e.sincePush >= e.opts.PushInterval:
		e.sincePush = 0
		e.flush()
	case e.sinceQuery >= e.opts.QueryInterval && !e.queryQueued:
		// the interval restarts when the retrieval completes
		e.queryQueued = true
		e.enqueue(e.retrieveOp())
	case e.model.IsHost() && e.sinceHeartbeat >= e.opts.HeartbeatInterval:
		e.sinceHeartbeat = 0
		e.enqueue(e.heartbeatOp())
	}
}

func (e *Engine) subscribe() {
	if e.unsubscribe == nil {
		e.unsubscribe = e.sched.Subscribe(e.OnTick, 0)
	}
}

func (e *Engine) unsubscribeTick() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

func (e *Engine) hasPending() bool {
	if e.model.IsHost() {
		return e.pendingPlayer != session.FieldNone || e.pendingSession != session.SessionNone
	}
	return e.pendingPlayer != session.FieldNone
}

func (e *Engine) enqueue(op Op) {
	if e.inFlight {
		e.queue = append(e.queue, op)
		return
	}
	e.issue(op)
}

func (e *Engine) issue(op Op) {
	e.inFlight = true
	generation := e.generation
	ctx, cancel := context.WithTimeout(e.ctx, e.opts.CallTimeout)
	logger.DebugF("Directory call %s started", op.Name)
	e.spawn(func() {
		defer cancel()
		apply, err := op.Run(ctx, e.dir)
		e.completions <- completion{generation: generation, op: op, apply: apply, err: err}
	})
}

// drain handles the completions that were ready when the tick began.
func (e *Engine) drain() {
	for n := len(e.completions); n > 0; n-- {
		e.complete(<-e.completions)
	}
}

// complete applies one finished call and starts the next queued one. The guard stays held while
// the result is applied so calls submitted from callbacks join the back of the queue.
func (e *Engine) complete(c completion) {
	if c.generation == e.generation {
		if c.err != nil {
			e.report(c.op.Name, c.err)
		} else if c.apply != nil {
			c.apply()
		}
		if c.op.Done != nil {
			c.op.Done(c.err)
		}
	} else {
		logger.DebugF("Dropping stale result of %s", c.op.Name)
	}

	e.inFlight = false
	if len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.issue(next)
	}
}

func (e *Engine) report(name string, err error) {
	if directory.IsRateLimited(err) {
		logger.DebugF("Directory call %s rate limited: %v", name, err)
		return
	}
	logger.WarnF("Directory call %s failed: %v", name, err)
	if e.onError != nil {
		e.onError(err)
	}
}

// flush queues the pending pushes. The host pushes the session record before its player record.
func (e *Engine) flush() {
	if e.model.IsHost() && e.pendingSession != session.SessionNone {
		fields := e.pendingSession
		e.pendingSession = session.SessionNone
		e.enqueue(e.sessionPushOp(fields))
	} else if !e.model.IsHost() && e.pendingSession != session.SessionNone {
		logger.DebugF("Discarding session delta %08b, only the host pushes the session", e.pendingSession)
		e.pendingSession = session.SessionNone
	}

	if e.pendingPlayer != session.FieldNone {
		fields := e.pendingPlayer
		e.pendingPlayer = session.FieldNone
		e.unconfirmedPlayer |= fields
		e.enqueue(e.playerPushOp(fields))
	}
}

func (e *Engine) retrieveOp() Op {
	id := e.sessionID
	var snap session.Snapshot
	return Op{
		Name: "get " + id,
		Run: func(ctx context.Context, dir directory.Service) (func(), error) {
			var err error
			snap, err = dir.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			return func() {
				e.model.Merge(snap, session.MergeOptions{LocalPending: e.pendingPlayer | e.unconfirmedPlayer})
			}, nil
		},
		Done: func(error) {
			e.queryQueued = false
			e.sinceQuery = 0
		},
	}
}

func (e *Engine) heartbeatOp() Op {
	id := e.sessionID
	return Op{
		Name: "heartbeat " + id,
		Run: func(ctx context.Context, dir directory.Service) (func(), error) {
			return nil, dir.Heartbeat(ctx, id)
		},
	}
}

func (e *Engine) sessionPushOp(fields session.SessionField) Op {
	id := e.sessionID
	update := directory.SessionUpdateFrom(e.model, fields)
	return Op{
		Name: "update session " + id,
		Run: func(ctx context.Context, dir directory.Service) (func(), error) {
			return nil, dir.UpdateSession(ctx, id, update)
		},
		Done: func(err error) {
			if err != nil {
				e.pendingSession |= fields
			}
		},
	}
}

func (e *Engine) playerPushOp(fields session.PlayerField) Op {
	id := e.sessionID
	local := e.model.LocalPlayer()
	playerID := local.ID()
	update := directory.PlayerUpdateFrom(local, fields)
	return Op{
		Name: "update player " + playerID,
		Run: func(ctx context.Context, dir directory.Service) (func(), error) {
			return nil, dir.UpdatePlayer(ctx, id, playerID, update)
		},
		Done: func(err error) {
			e.unconfirmedPlayer &^= fields
			if err != nil {
				e.pendingPlayer |= fields
			}
		},
	}
}
