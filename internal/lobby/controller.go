// Package lobby turns player intents into directory calls, relay sessions and ready checks.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/directory"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/logger"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/ready"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/relay"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/session"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/syncer"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/wire"
)

var (
	ErrBusy         = errors.New("another lobby request is in progress")
	ErrInSession    = errors.New("already in a session")
	ErrNotInSession = errors.New("not in a session")
	ErrNotHost      = errors.New("only the host can do this")
	ErrKicked       = errors.New("removed from the session")
	ErrNameTooLong  = fmt.Errorf("name exceeds %d bytes", wire.MaxFieldLength)
	ErrWrongState   = errors.New("not allowed in the current session state")
)

// leaveRetryDelay is how long a shutdown leave waits before retrying a rate limited call.
const leaveRetryDelay = 250 * time.Millisecond

type Options struct {
	MaxPlayers      int
	RelayRetryDelay time.Duration
	Sync            syncer.Options
	Relay           relay.Options
	Ready           ready.Options
}

func DefaultOptions() Options {
	return Options{
		MaxPlayers:      4,
		RelayRetryDelay: 5 * time.Second,
		Sync:            syncer.DefaultOptions(),
		Relay:           relay.DefaultOptions(),
		Ready:           ready.DefaultOptions(),
	}
}

type Controller struct {
	dir       directory.Service
	model     *session.Session
	sched     scheduler.Scheduler
	alloc     relay.AllocationService
	newDriver func() relay.Driver
	opts      Options

	engine    *syncer.Engine
	joinCache *relay.JoinCache
	spawn     func(func())
	onError   func(error)
	onState   func(session.State)

	transport   *relay.Transport
	coordinator *ready.Coordinator
	busy        bool
	unsubscribe func()
	cancelRetry func()
	lastState   session.State
}

type Option func(*Controller)

func WithJoinCache(cache *relay.JoinCache) Option {
	return func(c *Controller) { c.joinCache = cache }
}

// WithSpawn replaces how directory and allocation calls are started.
func WithSpawn(spawn func(func())) Option {
	return func(c *Controller) { c.spawn = spawn }
}

func New(dir directory.Service, model *session.Session, sched scheduler.Scheduler, alloc relay.AllocationService, newDriver func() relay.Driver, opts Options, options ...Option) *Controller {
	c := &Controller{
		dir:       dir,
		model:     model,
		sched:     sched,
		alloc:     alloc,
		newDriver: newDriver,
		opts:      opts,
	}
	for _, o := range options {
		o(c)
	}
	var engineOpts []syncer.Option
	if c.spawn != nil {
		engineOpts = append(engineOpts, syncer.WithSpawn(c.spawn))
	}
	c.engine = syncer.New(dir, model, sched, opts.Sync, c.reportError, engineOpts...)
	return c
}

// OnError registers the user-visible error channel.
func (c *Controller) OnError(fn func(error)) { c.onError = fn }

// OnStateChange registers a callback for session lifecycle changes seen by this peer.
func (c *Controller) OnStateChange(fn func(session.State)) { c.onState = fn }

func (c *Controller) Model() *session.Session        { return c.model }
func (c *Controller) Engine() *syncer.Engine         { return c.engine }
func (c *Controller) Transport() *relay.Transport    { return c.transport }
func (c *Controller) ReadyCheck() *ready.Coordinator { return c.coordinator }
func (c *Controller) Busy() bool                     { return c.busy }

func (c *Controller) reportError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Controller) checkIdle() error {
	if c.busy {
		return ErrBusy
	}
	if c.model.InSession() {
		return ErrInSession
	}
	return nil
}

// enterOp runs a directory call that yields a session the local player belongs to.
func (c *Controller) enterOp(name string, call func(ctx context.Context, dir directory.Service) (session.Snapshot, error)) {
	c.busy = true
	c.engine.Submit(syncer.Op{
		Name: name,
		Run: func(ctx context.Context, dir directory.Service) (func(), error) {
			snap, err := call(ctx, dir)
			if err != nil {
				return nil, err
			}
			return func() { c.enter(snap) }, nil
		},
		Done: func(error) { c.busy = false },
	})
}

func (c *Controller) Create(name string, private bool, filter session.Color) error {
	if err := c.checkIdle(); err != nil {
		return err
	}
	req := directory.CreateRequest{
		Name:       name,
		MaxPlayers: c.opts.MaxPlayers,
		Private:    private,
		Filter:     filter,
		Host:       c.model.LocalPlayer().Snapshot(),
	}
	c.enterOp("create", func(ctx context.Context, dir directory.Service) (session.Snapshot, error) {
		return dir.Create(ctx, req)
	})
	return nil
}

func (c *Controller) JoinByID(sessionID string) error {
	if err := c.checkIdle(); err != nil {
		return err
	}
	local := c.model.LocalPlayer().Snapshot()
	c.enterOp("join "+sessionID, func(ctx context.Context, dir directory.Service) (session.Snapshot, error) {
		return dir.JoinByID(ctx, sessionID, local)
	})
	return nil
}

func (c *Controller) JoinByCode(code string) error {
	if err := c.checkIdle(); err != nil {
		return err
	}
	local := c.model.LocalPlayer().Snapshot()
	c.enterOp("join code "+code, func(ctx context.Context, dir directory.Service) (session.Snapshot, error) {
		return dir.JoinByCode(ctx, code, local)
	})
	return nil
}

func (c *Controller) QuickJoin(filter session.Color) error {
	if err := c.checkIdle(); err != nil {
		return err
	}
	req := directory.QuickJoinRequest{Filter: filter, Player: c.model.LocalPlayer().Snapshot()}
	c.enterOp("quick join", func(ctx context.Context, dir directory.Service) (session.Snapshot, error) {
		return dir.QuickJoin(ctx, req)
	})
	return nil
}

// Query lists open sessions. fn receives the result on the tick goroutine.
func (c *Controller) Query(filter session.Color, limit int, fn func([]directory.Summary)) {
	req := directory.QueryRequest{Filter: filter, Limit: limit}
	c.engine.Submit(syncer.Op{
		Name: "query",
		Run: func(ctx context.Context, dir directory.Service) (func(), error) {
			summaries, err := dir.Query(ctx, req)
			if err != nil {
				return nil, err
			}
			return func() { fn(summaries) }, nil
		},
	})
}

func (c *Controller) enter(snap session.Snapshot) {
	c.model.Merge(snap, session.MergeOptions{})
	c.lastState = c.model.State()
	logger.InfoF("Entered session %s (%s) as %s", snap.ID, snap.JoinCode, c.role())
	c.engine.BeginTracking(snap.ID)
	if c.unsubscribe == nil {
		c.unsubscribe = c.sched.Subscribe(c.update, 0)
	}
	c.startRelay()
}

func (c *Controller) role() relay.Role {
	if c.model.IsHost() {
		return relay.RoleHost
	}
	return relay.RoleClient
}

func (c *Controller) setLocalStatus(status session.Status) {
	local := c.model.LocalPlayer()
	if local.Status() == status {
		return
	}
	local.SetStatus(status)
	c.engine.PushPlayerDelta(session.FieldStatus)
}

func (c *Controller) startRelay() {
	c.setLocalStatus(c.model.LocalPlayer().Status().Without(session.StatusConnected | session.StatusDisconnected).With(session.StatusConnecting))

	var options []relay.Option
	if c.joinCache != nil {
		options = append(options, relay.WithJoinCache(c.joinCache))
	}
	if c.spawn != nil {
		options = append(options, relay.WithSpawn(c.spawn))
	}
	transport := relay.New(c.role(), c.alloc, c.newDriver(), c.model, c.sched, c.opts.Relay, relay.Hooks{
		OnComplete:  c.onRelayComplete,
		OnRelayCode: func(string) { c.engine.PushSessionDelta(session.SessionRelayCode) },
		OnLifecycle: c.onLifecycle,
		OnLost:      c.onRelayLost,
	}, options...)
	c.transport = transport
	if err := transport.Start(context.Background()); err != nil {
		c.reportError(err)
	}
}

func (c *Controller) onRelayComplete(ok bool) {
	if ok {
		c.setLocalStatus(c.model.LocalPlayer().Status().Without(session.StatusConnecting).With(session.StatusConnected))
		return
	}
	c.reportError(fmt.Errorf("relay connection failed, retrying in %s", c.opts.RelayRetryDelay))
	c.scheduleRetry()
}

func (c *Controller) onRelayLost() {
	c.reportError(errors.New("lost the relay connection, reconnecting"))
	c.scheduleRetry()
}

// scheduleRetry redoes the join sequence once RelayRetryDelay has passed.
func (c *Controller) scheduleRetry() {
	if c.cancelRetry != nil {
		return
	}
	c.cancelRetry = c.sched.Subscribe(func(time.Duration) {
		c.stopRetry()
		c.retry()
	}, c.opts.RelayRetryDelay)
}

func (c *Controller) stopRetry() {
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
}

func (c *Controller) retry() {
	if !c.model.InSession() {
		return
	}
	if c.model.IsHost() {
		logger.InfoF("Retrying relay as host of %s", c.model.ID())
		c.startRelay()
		return
	}
	sessionID := c.model.ID()
	local := c.model.LocalPlayer().Snapshot()
	logger.InfoF("Rejoining session %s", sessionID)
	c.engine.Submit(syncer.Op{
		Name: "rejoin " + sessionID,
		Run: func(ctx context.Context, dir directory.Service) (func(), error) {
			snap, err := dir.JoinByID(ctx, sessionID, local)
			if err != nil {
				return nil, err
			}
			return func() {
				if c.model.ID() == sessionID {
					c.enter(snap)
				}
			}, nil
		},
		Done: func(err error) {
			if err != nil && c.model.ID() == sessionID {
				c.scheduleRetry()
			}
		},
	})
}

func (c *Controller) onLifecycle(msg wire.MessageType) {
	logger.InfoF("Host announced %s", msg)
	switch msg {
	case wire.StartCountdown:
		c.startReadyCheck()
	case wire.CancelCountdown:
		c.stopReadyCheck()
		c.clearReady()
	case wire.ConfirmInGame:
		c.stopReadyCheck()
		c.setLocalStatus(c.model.LocalPlayer().Status().With(session.StatusInGame))
	case wire.EndInGame:
		c.setLocalStatus(c.model.LocalPlayer().Status().Without(session.StatusInGame | session.StatusReady | session.StatusCancelled))
	}
}

// update watches the merged model on every frame: removal from the roster, state changes
// pushed through the directory, and, on the host, the countdown trigger.
func (c *Controller) update(time.Duration) {
	if !c.model.InSession() {
		return
	}
	if c.model.Player(c.model.LocalPlayer().ID()) == nil {
		logger.WarnF("Local player is no longer in session %s", c.model.ID())
		c.teardown()
		c.reportError(ErrKicked)
		return
	}

	if state := c.model.State(); state != c.lastState {
		previous := c.lastState
		c.lastState = state
		c.onStateChanged(previous, state)
	}

	if c.model.IsHost() && c.model.State() == session.StateLobby && c.coordinator == nil &&
		c.model.AllPlayersHave(session.StatusReady) {
		c.beginCountdown()
	}
}

func (c *Controller) onStateChanged(previous, state session.State) {
	logger.InfoF("Session %s moved from %s to %s", c.model.ID(), previous, state)
	switch state {
	case session.StateCountDown:
		c.startReadyCheck()
	case session.StateLobby:
		c.stopReadyCheck()
		if previous == session.StateCountDown {
			c.clearReady()
		}
	case session.StateInGame:
		c.stopReadyCheck()
	}
	if c.onState != nil {
		c.onState(state)
	}
}

func (c *Controller) beginCountdown() {
	logger.InfoF("Every player is ready, starting the countdown")
	c.model.SetState(session.StateCountDown)
	c.lastState = session.StateCountDown
	c.engine.PushSessionDelta(session.SessionState)
	c.broadcast(wire.StartCountdown)
	c.startReadyCheck()
	if c.onState != nil {
		c.onState(session.StateCountDown)
	}
}

func (c *Controller) broadcast(msg wire.MessageType) {
	if c.transport == nil {
		return
	}
	if err := c.transport.BroadcastLifecycle(msg); err != nil {
		logger.WarnF("Fail to broadcast %s: %v", msg, err)
	}
}

func (c *Controller) startReadyCheck() {
	if c.coordinator != nil {
		return
	}
	c.coordinator = ready.New(c.model, c.opts.Ready, c.onReadyComplete)
	c.coordinator.Start(c.sched)
}

func (c *Controller) stopReadyCheck() {
	if c.coordinator != nil {
		c.coordinator.Dispose()
		c.coordinator = nil
	}
}

func (c *Controller) onReadyComplete(result ready.State) {
	c.coordinator = nil
	logger.InfoF("Ready check finished: %s", result)
	if !c.model.IsHost() {
		return
	}
	if result == ready.Succeeded {
		c.model.SetState(session.StateInGame)
		c.lastState = session.StateInGame
		c.engine.PushSessionDelta(session.SessionState)
		c.broadcast(wire.ConfirmInGame)
		c.setLocalStatus(c.model.LocalPlayer().Status().With(session.StatusInGame))
	} else {
		c.model.SetState(session.StateLobby)
		c.lastState = session.StateLobby
		c.engine.PushSessionDelta(session.SessionState)
		c.broadcast(wire.CancelCountdown)
		c.clearReady()
	}
	if c.onState != nil {
		c.onState(c.model.State())
	}
}

// clearReady drops the ready and cancelled bits of every player in the local model.
func (c *Controller) clearReady() {
	local := c.model.LocalPlayer()
	for _, p := range c.model.Players() {
		if p == local {
			continue
		}
		p.SetStatus(p.Status().Without(session.StatusReady | session.StatusCancelled))
	}
	c.setLocalStatus(local.Status().Without(session.StatusReady | session.StatusCancelled))
}

func (c *Controller) SetName(name string) error {
	if len(name) > wire.MaxFieldLength {
		return ErrNameTooLong
	}
	c.model.LocalPlayer().SetName(name)
	c.engine.PushPlayerDelta(session.FieldName)
	return nil
}

func (c *Controller) SetEmote(emote session.Emote) error {
	if !emote.Valid() {
		return fmt.Errorf("emote %d is not valid", emote)
	}
	c.model.LocalPlayer().SetEmote(emote)
	c.engine.PushPlayerDelta(session.FieldEmote)
	return nil
}

func (c *Controller) SetReady() error {
	if !c.model.InSession() {
		return ErrNotInSession
	}
	if c.model.State() == session.StateInGame {
		return ErrWrongState
	}
	c.setLocalStatus(c.model.LocalPlayer().Status().Without(session.StatusCancelled).With(session.StatusReady))
	return nil
}

func (c *Controller) CancelReady() error {
	if !c.model.InSession() {
		return ErrNotInSession
	}
	c.setLocalStatus(c.model.LocalPlayer().Status().Without(session.StatusReady).With(session.StatusCancelled))
	return nil
}

func (c *Controller) SetFilter(filter session.Color) error {
	if !c.model.InSession() {
		return ErrNotInSession
	}
	if !c.model.IsHost() {
		return ErrNotHost
	}
	c.model.SetFilter(filter)
	c.engine.PushSessionDelta(session.SessionFilter)
	return nil
}

func (c *Controller) EndGame() error {
	if !c.model.InSession() {
		return ErrNotInSession
	}
	if !c.model.IsHost() {
		return ErrNotHost
	}
	if c.model.State() != session.StateInGame {
		return ErrWrongState
	}
	c.model.SetState(session.StateLobby)
	c.lastState = session.StateLobby
	c.engine.PushSessionDelta(session.SessionState)
	c.broadcast(wire.EndInGame)
	c.setLocalStatus(c.model.LocalPlayer().Status().Without(session.StatusInGame | session.StatusReady | session.StatusCancelled))
	if c.onState != nil {
		c.onState(session.StateLobby)
	}
	return nil
}

// Leave closes the relay, stops syncing, tells the directory and empties the model.
func (c *Controller) Leave() error {
	if !c.model.InSession() {
		return ErrNotInSession
	}
	sessionID, playerID := c.model.ID(), c.model.LocalPlayer().ID()
	c.teardown()
	c.engine.Submit(syncer.Op{
		Name: "leave " + sessionID,
		Run: func(ctx context.Context, dir directory.Service) (func(), error) {
			return nil, dir.Leave(ctx, sessionID, playerID)
		},
	})
	return nil
}

func (c *Controller) teardown() {
	logger.InfoF("Leaving session %s", c.model.ID())
	c.stopRetry()
	c.stopReadyCheck()
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	c.engine.EndTracking()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.model.Reset()
	c.lastState = session.StateLobby
}

// Invoke lets the controller be registered as a shutdown step. It leaves the session and waits
// for the directory to acknowledge, up to ctx.
func (c *Controller) Invoke(ctx context.Context) error {
	if !c.model.InSession() {
		c.engine.Close()
		return nil
	}
	sessionID, playerID := c.model.ID(), c.model.LocalPlayer().ID()
	c.teardown()
	c.engine.Close()
	err := c.dir.Leave(ctx, sessionID, playerID)
	if directory.IsRateLimited(err) {
		// a sync call cancelled by Close can still hold the session's slot
		logger.DebugF("Leave of %s rate limited, retrying", sessionID)
		select {
		case <-ctx.Done():
			return fmt.Errorf("leave session %s: %w", sessionID, ctx.Err())
		case <-time.After(leaveRetryDelay):
		}
		err = c.dir.Leave(ctx, sessionID, playerID)
	}
	if err != nil && !directory.IsNotFound(err) {
		return fmt.Errorf("leave session %s: %w", sessionID, err)
	}
	return nil
}
