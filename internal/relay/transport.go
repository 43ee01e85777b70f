package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/logger"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/session"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/wire"
)

type Role uint8

const (
	RoleHost Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "client"
}

type State uint8

const (
	StateUnbound State = iota
	StateBinding
	StateBound
	StateListening
	StateConnecting
	StateConnected
	StateClosed
	StateFailed
)

var stateNames = map[State]string{
	StateUnbound:    "Unbound",
	StateBinding:    "Binding",
	StateBound:      "Bound",
	StateListening:  "Listening",
	StateConnecting: "Connecting",
	StateConnected:  "Connected",
	StateClosed:     "Closed",
	StateFailed:     "Failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

var (
	ErrNotHost          = errors.New("only the host broadcasts lifecycle messages")
	ErrNotLifecycle     = errors.New("message type is not a lifecycle message")
	ErrConnectTimeout   = errors.New("relay connect timed out")
	ErrConnectRefused   = errors.New("relay refused the connection")
	ErrBindFailed       = errors.New("relay bind failed")
	ErrTransportStarted = errors.New("transport already started")
)

type Options struct {
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
}

func DefaultOptions() Options {
	return Options{
		KeepAlive:      time.Second,
		ConnectTimeout: 10 * time.Second,
		CallTimeout:    10 * time.Second,
	}
}

// Hooks are called on the tick goroutine. Any of them may be nil.
type Hooks struct {
	// OnComplete reports the outcome of the handshake, exactly once per Start.
	OnComplete func(ok bool)
	// OnRelayCode fires on the host after the relay join code was written to the session.
	OnRelayCode func(code string)
	// OnLifecycle delivers host lifecycle broadcasts to a client.
	OnLifecycle func(t wire.MessageType)
	// OnLost fires when an established client link or the host allocation goes away.
	OnLost func()
}

type result struct {
	generation uint64
	step       string
	alloc      Allocation
	code       string
	err        error
}

// Transport moves player state between the peers of a session. The host holds one link per
// client and forwards what each client sends to the others; a client holds a single link to
// the host.
type Transport struct {
	role   Role
	alloc  AllocationService
	driver Driver
	model  *session.Session
	sched  scheduler.Scheduler
	opts   Options
	hooks  Hooks
	cache  *JoinCache
	spawn  func(func())

	ctx         context.Context
	cancel      context.CancelFunc
	results     chan result
	generation  uint64
	unsubscribe func()
	unsubLocal  func()

	state       State
	completed   bool
	waitingCode bool
	joinCode    string
	links       []ConnID
	linkPlayers map[ConnID]string
	sinceSend   time.Duration
	connecting  time.Duration
}

type Option func(*Transport)

// WithJoinCache lets clients reuse resolved join codes across attempts.
func WithJoinCache(cache *JoinCache) Option {
	return func(t *Transport) { t.cache = cache }
}

// WithSpawn replaces how allocation calls are started. The default runs each on its own goroutine.
func WithSpawn(spawn func(func())) Option {
	return func(t *Transport) { t.spawn = spawn }
}

func New(role Role, alloc AllocationService, driver Driver, model *session.Session, sched scheduler.Scheduler, opts Options, hooks Hooks, options ...Option) *Transport {
	t := &Transport{
		role:        role,
		alloc:       alloc,
		driver:      driver,
		model:       model,
		sched:       sched,
		opts:        opts,
		hooks:       hooks,
		spawn:       func(f func()) { go f() },
		results:     make(chan result, 4),
		linkPlayers: make(map[ConnID]string),
	}
	for _, o := range options {
		o(t)
	}
	return t
}

func (t *Transport) Role() Role     { return t.role }
func (t *Transport) State() State   { return t.state }
func (t *Transport) Links() []ConnID { return append([]ConnID(nil), t.links...) }

func (t *Transport) tag() string {
	return t.role.String() + ":" + t.model.LocalPlayer().ID()
}

// Start begins the handshake. The host allocates and publishes a relay code; the client waits
// for a relay code to appear in the session and joins it.
func (t *Transport) Start(ctx context.Context) error {
	if t.state != StateUnbound || t.unsubscribe != nil {
		return ErrTransportStarted
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.unsubscribe = t.sched.Subscribe(t.Update, 0)
	t.unsubLocal = t.model.LocalPlayer().Subscribe(t.onLocalChange)

	if t.role == RoleHost {
		maxConnections := max(t.model.MaxPlayers()-1, 1)
		logger.InfoF("[%s] Allocating relay for %d connections", t.tag(), maxConnections)
		t.call("allocate", func(ctx context.Context) result {
			alloc, err := t.alloc.Allocate(ctx, maxConnections)
			return result{alloc: alloc, err: err}
		})
		return nil
	}
	t.waitingCode = true
	return nil
}

// Update runs on the fast loop: async results, then driver events, then link upkeep and keep-alive.
func (t *Transport) Update(dt time.Duration) {
	for n := len(t.results); n > 0; n-- {
		t.handleResult(<-t.results)
	}
	if t.state == StateClosed || t.state == StateFailed {
		return
	}

	if t.waitingCode {
		if code := t.model.RelayCode(); code != "" {
			t.waitingCode = false
			t.join(code)
		}
	}
	if t.state == StateUnbound {
		return
	}

	t.driver.Pump()

	switch t.state {
	case StateBinding:
		switch t.driver.BindState() {
		case Bound:
			t.onBound()
		case BindFailed:
			t.fail(ErrBindFailed)
			return
		}
	case StateConnecting:
		t.connecting += dt
		switch t.driver.ConnectionState(t.links[0]) {
		case ConnConnected:
			t.state = StateConnected
			logger.InfoF("[%s] Connected to host", t.tag())
			t.complete(true)
			t.sendFullState(t.links[0])
		case ConnDisconnected:
			t.fail(ErrConnectRefused)
			return
		default:
			if t.connecting >= t.opts.ConnectTimeout {
				t.fail(ErrConnectTimeout)
				return
			}
		}
	}

	if t.role == RoleHost && t.state >= StateListening && t.driver.BindState() == BindFailed {
		t.lose()
		return
	}

	if t.role == RoleHost {
		t.acceptLinks()
		t.pruneLinks()
	}

	for {
		ev, ok := t.driver.PopEvent()
		if !ok {
			break
		}
		switch ev.Type {
		case EventData:
			t.dispatch(ev.Conn, ev.Data)
		case EventDisconnect:
			t.dropLink(ev.Conn)
		}
		if t.state == StateClosed || t.state == StateFailed {
			return
		}
	}

	if t.role == RoleClient && t.state == StateConnected && t.driver.ConnectionState(t.links[0]) != ConnConnected {
		t.lose()
		return
	}

	t.keepAlive(dt)
}

// BroadcastLifecycle sends a session lifecycle message from the host to every client.
func (t *Transport) BroadcastLifecycle(msg wire.MessageType) error {
	if t.role != RoleHost {
		return ErrNotHost
	}
	if !msg.Lifecycle() {
		return fmt.Errorf("%s: %w", msg, ErrNotLifecycle)
	}
	data, err := wire.Encode(wire.Frame{Type: msg, SenderID: t.model.LocalPlayer().ID()})
	if err != nil {
		return err
	}
	logger.InfoF("[%s] Broadcasting %s", t.tag(), msg)
	t.broadcast(data)
	return nil
}

// Close tears the transport down. A connected client tells the host it is leaving first.
func (t *Transport) Close() {
	if t.state == StateClosed {
		return
	}
	if t.role == RoleClient && t.state == StateConnected {
		if data, err := wire.Encode(wire.Frame{Type: wire.PlayerDisconnect, SenderID: t.model.LocalPlayer().ID()}); err == nil {
			t.broadcast(data)
		}
	}
	logger.InfoF("[%s] Closing relay transport", t.tag())
	t.teardown()
	t.state = StateClosed
}

func (t *Transport) teardown() {
	t.generation++
	t.waitingCode = false
	if t.unsubscribe != nil {
		t.unsubscribe()
		t.unsubscribe = nil
	}
	if t.unsubLocal != nil {
		t.unsubLocal()
		t.unsubLocal = nil
	}
	for _, id := range t.links {
		t.driver.Disconnect(id)
	}
	t.links = nil
	clear(t.linkPlayers)
	if err := t.driver.Close(); err != nil {
		logger.WarnF("[%s] Fail to close relay driver: %v", t.tag(), err)
	}
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Transport) fail(err error) {
	logger.ErrorF("[%s] Relay handshake failed in state %s: %v", t.tag(), t.state, err)
	if t.role == RoleClient && t.joinCode != "" {
		t.cache.Remove(t.joinCode)
	}
	t.teardown()
	t.state = StateFailed
	t.complete(false)
}

func (t *Transport) lose() {
	if t.role == RoleHost {
		logger.WarnF("[%s] Lost the relay allocation", t.tag())
	} else {
		logger.WarnF("[%s] Lost the link to the host", t.tag())
	}
	t.teardown()
	t.state = StateClosed
	if t.hooks.OnLost != nil {
		t.hooks.OnLost()
	}
}

func (t *Transport) complete(ok bool) {
	if t.completed {
		return
	}
	t.completed = true
	if t.hooks.OnComplete != nil {
		t.hooks.OnComplete(ok)
	}
}

func (t *Transport) call(step string, run func(ctx context.Context) result) {
	generation := t.generation
	ctx, cancel := context.WithTimeout(t.ctx, t.opts.CallTimeout)
	t.spawn(func() {
		defer cancel()
		res := run(ctx)
		res.generation = generation
		res.step = step
		t.results <- res
	})
}

func (t *Transport) handleResult(res result) {
	if res.generation != t.generation {
		logger.DebugF("[%s] Dropping stale %s result", t.tag(), res.step)
		return
	}
	if res.err != nil {
		t.fail(fmt.Errorf("%s: %w", res.step, res.err))
		return
	}
	switch res.step {
	case "allocate":
		allocationID := res.alloc.ID
		t.call("join code", func(ctx context.Context) result {
			code, err := t.alloc.GetJoinCode(ctx, allocationID)
			return result{alloc: res.alloc, code: code, err: err}
		})
	case "join code":
		logger.InfoF("[%s] Relay join code %s", t.tag(), res.code)
		t.model.SetRelayCode(res.code)
		if t.hooks.OnRelayCode != nil {
			t.hooks.OnRelayCode(res.code)
		}
		t.bind(res.alloc)
	case "join":
		t.cache.Add(res.code, res.alloc)
		t.bind(res.alloc)
	}
}

func (t *Transport) join(code string) {
	t.joinCode = code
	if alloc, ok := t.cache.Get(code); ok {
		logger.DebugF("[%s] Join code %s resolved from cache", t.tag(), code)
		t.bind(alloc)
		return
	}
	logger.InfoF("[%s] Joining relay with code %s", t.tag(), code)
	t.call("join", func(ctx context.Context) result {
		alloc, err := t.alloc.Join(ctx, code)
		return result{alloc: alloc, code: code, err: err}
	})
}

func (t *Transport) bind(alloc Allocation) {
	if err := t.driver.Bind(alloc); err != nil {
		t.fail(err)
		return
	}
	t.state = StateBinding
}

func (t *Transport) onBound() {
	t.state = StateBound
	if t.role == RoleHost {
		if err := t.driver.Listen(); err != nil {
			t.fail(err)
			return
		}
		t.state = StateListening
		logger.InfoF("[%s] Listening for clients", t.tag())
		t.complete(true)
		return
	}
	id, err := t.driver.Connect()
	if err != nil {
		t.fail(err)
		return
	}
	t.links = []ConnID{id}
	t.connecting = 0
	t.state = StateConnecting
}

func (t *Transport) acceptLinks() {
	for {
		id, ok := t.driver.Accept()
		if !ok {
			return
		}
		if len(t.links) == 0 {
			t.sinceSend = 0
		}
		t.links = append(t.links, id)
		t.state = StateConnected
		logger.InfoF("[%s] Accepted link %d", t.tag(), id)
		for _, p := range t.model.Players() {
			t.sendPlayer(id, p, session.FieldName|session.FieldEmote|session.FieldStatus)
		}
	}
}

func (t *Transport) pruneLinks() {
	for _, id := range append([]ConnID(nil), t.links...) {
		if t.driver.ConnectionState(id) != ConnConnected {
			t.dropLink(id)
		}
	}
}

// dropLink forgets a link. On the host the player behind it is marked disconnected and the
// remaining clients are told.
func (t *Transport) dropLink(id ConnID) {
	idx := -1
	for i, l := range t.links {
		if l == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	if t.role == RoleClient {
		t.lose()
		return
	}

	t.links = append(t.links[:idx], t.links[idx+1:]...)
	t.driver.Disconnect(id)
	playerID := t.linkPlayers[id]
	delete(t.linkPlayers, id)
	logger.InfoF("[%s] Link %d of player %q dropped", t.tag(), id, playerID)
	if playerID == "" {
		return
	}
	if p := t.model.Player(playerID); p != nil && !p.Status().Is(session.StatusDisconnected) {
		p.SetStatus(p.Status().With(session.StatusDisconnected))
		if data, err := wire.Encode(wire.Frame{Type: wire.PlayerDisconnect, SenderID: playerID}); err == nil {
			t.broadcast(data)
		}
	}
}

func (t *Transport) dispatch(from ConnID, data []byte) {
	frame, err := wire.Decode(data)
	if err != nil {
		logger.WarnF("[%s] Dropping malformed frame from link %d: %v", t.tag(), from, err)
		return
	}
	if frame.SenderID == t.model.LocalPlayer().ID() {
		return
	}
	if t.role == RoleHost {
		if _, known := t.linkPlayers[from]; !known {
			t.linkPlayers[from] = frame.SenderID
		}
	}
	if frame.Type == wire.Ping {
		return
	}
	if frame.Type.Lifecycle() {
		if t.role == RoleHost {
			logger.WarnF("[%s] Ignoring %s from client %s", t.tag(), frame.Type, frame.SenderID)
			return
		}
		if t.hooks.OnLifecycle != nil {
			t.hooks.OnLifecycle(frame.Type)
		}
		return
	}

	p := t.model.Player(frame.SenderID)
	if p == nil {
		logger.DebugF("[%s] Skipping %s from unknown player %s", t.tag(), frame.Type, frame.SenderID)
		return
	}
	switch frame.Type {
	case wire.PlayerName:
		p.SetName(frame.Text)
	case wire.Emote:
		if emote := session.Emote(frame.Value); emote.Valid() {
			p.SetEmote(emote)
		}
	case wire.ReadyState:
		p.SetStatus(session.Status(frame.Value))
	case wire.PlayerDisconnect:
		p.SetStatus(p.Status().With(session.StatusDisconnected))
	}

	if t.role == RoleHost {
		for _, id := range t.links {
			if id == from {
				continue
			}
			if err := t.driver.Send(id, data); err != nil {
				logger.WarnF("[%s] Fail to forward %s to link %d: %v", t.tag(), frame.Type, id, err)
			}
		}
	}
}

func (t *Transport) onLocalChange(p *session.Player) {
	fields := p.Changed() &^ session.FieldHost
	if fields == session.FieldNone || len(t.links) == 0 {
		return
	}
	if t.state != StateConnected {
		return
	}
	for _, id := range t.links {
		t.sendPlayer(id, p, fields)
	}
	t.sinceSend = 0
}

func (t *Transport) sendFullState(id ConnID) {
	t.sendPlayer(id, t.model.LocalPlayer(), session.FieldName|session.FieldEmote|session.FieldStatus)
	t.sinceSend = 0
}

func (t *Transport) sendPlayer(id ConnID, p *session.Player, fields session.PlayerField) {
	for _, data := range playerFrames(p, fields) {
		if err := t.driver.Send(id, data); err != nil {
			logger.WarnF("[%s] Fail to send to link %d: %v", t.tag(), id, err)
			return
		}
	}
}

func playerFrames(p *session.Player, fields session.PlayerField) [][]byte {
	var frames [][]byte
	add := func(data []byte, err error) {
		if err != nil {
			logger.WarnF("Fail to encode frame for player %s: %v", p.ID(), err)
			return
		}
		frames = append(frames, data)
	}
	if fields&session.FieldName != 0 {
		add(wire.NewString(wire.PlayerName, p.ID(), p.Name()))
	}
	if fields&session.FieldEmote != 0 {
		add(wire.NewByte(wire.Emote, p.ID(), byte(p.Emote())))
	}
	if fields&session.FieldStatus != 0 {
		add(wire.NewByte(wire.ReadyState, p.ID(), byte(p.Status())))
	}
	return frames
}

func (t *Transport) broadcast(data []byte) {
	for _, id := range t.links {
		if err := t.driver.Send(id, data); err != nil {
			logger.WarnF("[%s] Fail to send to link %d: %v", t.tag(), id, err)
		}
	}
	t.sinceSend = 0
}

// keepAlive pings every link once per interval without other traffic.
func (t *Transport) keepAlive(dt time.Duration) {
	if t.state != StateConnected || len(t.links) == 0 || t.opts.KeepAlive <= 0 {
		return
	}
	t.sinceSend += dt
	if t.sinceSend < t.opts.KeepAlive {
		return
	}
	data, err := wire.NewPing(t.model.LocalPlayer().ID())
	if err != nil {
		logger.WarnF("[%s] Fail to encode ping: %v", t.tag(), err)
		return
	}
	t.broadcast(data)
}
