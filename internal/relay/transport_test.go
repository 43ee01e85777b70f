package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/session"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frame = 50 * time.Millisecond

// tap records what a driver sends.
type tap struct {
	Driver
	sent map[ConnID][][]byte
}

func newTap(d Driver) *tap { return &tap{Driver: d, sent: make(map[ConnID][][]byte)} }

func (t *tap) Send(id ConnID, data []byte) error {
	t.sent[id] = append(t.sent[id], append([]byte(nil), data...))
	return t.Driver.Send(id, data)
}

func (t *tap) count(id ConnID, msg wire.MessageType) int {
	n := 0
	for _, data := range t.sent[id] {
		if f, err := wire.Decode(data); err == nil && f.Type == msg {
			n++
		}
	}
	return n
}

// countingAllocations counts Join calls.
type countingAllocations struct {
	AllocationService
	mu    sync.Mutex
	joins int
}

func (c *countingAllocations) Join(ctx context.Context, code string) (Allocation, error) {
	c.mu.Lock()
	c.joins++
	c.mu.Unlock()
	return c.AllocationService.Join(ctx, code)
}

type peer struct {
	model     *session.Session
	driver    *tap
	transport *Transport
	results   []bool
	lifecycle []wire.MessageType
	lost      int
}

type lobby struct {
	loop  *scheduler.Loop
	relay *MemoryRelay
	ids   []string
}

func newLobby(ids ...string) *lobby {
	return &lobby{loop: scheduler.NewLoop(), relay: NewMemoryRelay(), ids: ids}
}

func immediate(f func()) { f() }

// peer builds the model of one participant. ids[0] hosts.
func (l *lobby) peer(id string, alloc AllocationService, options ...Option) *peer {
	model := session.New(session.NewPlayer(id, "p-"+id, id == l.ids[0]), session.WithClock(&session.ManualClock{T: 1}))
	snap := session.Snapshot{ID: "s1", HostID: l.ids[0], MaxPlayers: 4}
	for _, pid := range l.ids {
		snap.Players = append(snap.Players, session.PlayerSnapshot{ID: pid, Name: "p-" + pid, Status: session.StatusConnecting, IsHost: pid == l.ids[0]})
	}
	model.Merge(snap, session.MergeOptions{})

	if alloc == nil {
		alloc = l.relay
	}
	role := RoleClient
	if id == l.ids[0] {
		role = RoleHost
	}
	p := &peer{model: model, driver: newTap(l.relay.NewDriver())}
	opts := DefaultOptions()
	p.transport = New(role, alloc, p.driver, model, l.loop, opts, Hooks{
		OnComplete:  func(ok bool) { p.results = append(p.results, ok) },
		OnLifecycle: func(t wire.MessageType) { p.lifecycle = append(p.lifecycle, t) },
		OnLost:      func() { p.lost++ },
	}, append([]Option{WithSpawn(immediate)}, options...)...)
	return p
}

func (l *lobby) step(n int) {
	for i := 0; i < n; i++ {
		l.loop.Step(frame)
	}
}

// connect starts the host, hands its relay code to every client and waits for all links.
func (l *lobby) connect(t *testing.T, host *peer, clients ...*peer) {
	t.Helper()
	require.NoError(t, host.transport.Start(context.Background()))
	l.step(3)
	require.Equal(t, StateListening, host.transport.State())
	code := host.model.RelayCode()
	require.NotEmpty(t, code)

	for _, c := range clients {
		c.model.SetRelayCode(code)
		require.NoError(t, c.transport.Start(context.Background()))
	}
	l.step(6)
	for _, c := range clients {
		require.Equal(t, StateConnected, c.transport.State())
	}
	require.Len(t, host.transport.Links(), len(clients))
}

func TestHandshakeCompletesOnce(t *testing.T) {
	l := newLobby("h", "c1")
	host, client := l.peer("h", nil), l.peer("c1", nil)
	var published []string
	host.transport.hooks.OnRelayCode = func(code string) { published = append(published, code) }

	l.connect(t, host, client)
	assert.Equal(t, []bool{true}, host.results)
	assert.Equal(t, []bool{true}, client.results)
	assert.Equal(t, []string{host.model.RelayCode()}, published)
	assert.Equal(t, StateConnected, host.transport.State())
	assert.ErrorIs(t, host.transport.Start(context.Background()), ErrTransportStarted)

	l.step(5)
	assert.Equal(t, []bool{true}, host.results)
	assert.Equal(t, []bool{true}, client.results)
}

func TestFullStateIsExchangedOnConnect(t *testing.T) {
	l := newLobby("h", "c1", "c2")
	host, c1 := l.peer("h", nil), l.peer("c1", nil)
	host.model.Player("c2").SetName("Zed")
	c1.model.LocalPlayer().SetEmote(session.EmoteShock)

	l.connect(t, host, c1)
	l.step(2)
	assert.Equal(t, "Zed", c1.model.Player("c2").Name(), "the host sends its roster to a new link")
	assert.Equal(t, session.EmoteShock, host.model.Player("c1").Emote(), "a client sends its state once connected")
}

func TestLocalChangesReachEveryPeer(t *testing.T) {
	l := newLobby("h", "c1", "c2")
	host, c1, c2 := l.peer("h", nil), l.peer("c1", nil), l.peer("c2", nil)
	l.connect(t, host, c1, c2)
	l.step(2)
	clear(host.driver.sent)

	c1.model.LocalPlayer().SetName("Nova")
	c1.model.LocalPlayer().SetStatus(session.StatusConnected | session.StatusReady)
	l.step(2)
	assert.Equal(t, "Nova", host.model.Player("c1").Name())
	assert.Equal(t, "Nova", c2.model.Player("c1").Name(), "the host forwards client frames")
	assert.Equal(t, session.StatusConnected|session.StatusReady, c2.model.Player("c1").Status())
	for id, playerID := range host.transport.linkPlayers {
		forwarded := host.driver.count(id, wire.PlayerName)
		if playerID == "c1" {
			assert.Zero(t, forwarded, "frames are not echoed to their sender")
		} else {
			assert.Equal(t, 1, forwarded)
		}
	}

	host.model.LocalPlayer().SetEmote(session.EmoteLove)
	l.step(2)
	assert.Equal(t, session.EmoteLove, c1.model.Player("h").Emote())
	assert.Equal(t, session.EmoteLove, c2.model.Player("h").Emote())
}

func TestDispatchSkipsOwnUnknownAndMalformed(t *testing.T) {
	l := newLobby("h", "c1")
	host, client := l.peer("h", nil), l.peer("c1", nil)
	l.connect(t, host, client)
	link := host.transport.Links()[0]

	spoof, err := wire.NewString(wire.PlayerName, "c1", "Spoofed")
	require.NoError(t, err)
	ghost, err := wire.NewString(wire.PlayerName, "ghost", "Boo")
	require.NoError(t, err)
	require.NoError(t, host.driver.Send(link, spoof))
	require.NoError(t, host.driver.Send(link, ghost))
	require.NoError(t, host.driver.Send(link, []byte{byte(wire.PlayerName), 9, 'x'}))
	l.step(2)

	assert.Equal(t, "p-c1", client.model.LocalPlayer().Name())
	assert.Nil(t, client.model.Player("ghost"))
	assert.Equal(t, 2, client.model.PlayerCount())
	assert.Equal(t, StateConnected, client.transport.State())
}

func TestLifecycleBroadcast(t *testing.T) {
	l := newLobby("h", "c1")
	host, client := l.peer("h", nil), l.peer("c1", nil)
	l.connect(t, host, client)

	require.NoError(t, host.transport.BroadcastLifecycle(wire.StartCountdown))
	require.NoError(t, host.transport.BroadcastLifecycle(wire.ConfirmInGame))
	l.step(2)
	assert.Equal(t, []wire.MessageType{wire.StartCountdown, wire.ConfirmInGame}, client.lifecycle)

	assert.ErrorIs(t, host.transport.BroadcastLifecycle(wire.PlayerName), ErrNotLifecycle)
	assert.ErrorIs(t, client.transport.BroadcastLifecycle(wire.EndInGame), ErrNotHost)
}

func TestClientCloseMarksPlayerDisconnected(t *testing.T) {
	l := newLobby("h", "c1", "c2")
	host, c1, c2 := l.peer("h", nil), l.peer("c1", nil), l.peer("c2", nil)
	l.connect(t, host, c1, c2)

	c1.transport.Close()
	c1.transport.Close()
	assert.Equal(t, StateClosed, c1.transport.State())
	l.step(3)

	assert.True(t, host.model.Player("c1").Status().Is(session.StatusDisconnected))
	assert.True(t, c2.model.Player("c1").Status().Is(session.StatusDisconnected))
	assert.Len(t, host.transport.Links(), 1)
	assert.Zero(t, c1.lost, "closing is not losing the link")
}

func TestSeveredLinkIsPruned(t *testing.T) {
	l := newLobby("h", "c1")
	host, client := l.peer("h", nil), l.peer("c1", nil)
	l.connect(t, host, client)

	l.relay.Sever(host.driver.Driver.(*MemoryDriver), host.transport.Links()[0])
	l.step(2)
	assert.Empty(t, host.transport.Links())
	assert.True(t, host.model.Player("c1").Status().Is(session.StatusDisconnected))
	assert.Equal(t, 1, client.lost)
	assert.Equal(t, StateClosed, client.transport.State())
}

func TestBindFailureReportsOnce(t *testing.T) {
	l := newLobby("h")
	host := l.peer("h", nil)
	l.relay.FailBind(true)

	require.NoError(t, host.transport.Start(context.Background()))
	l.step(5)
	assert.Equal(t, []bool{false}, host.results)
	assert.Equal(t, StateFailed, host.transport.State())
	assert.Equal(t, 0, l.loop.Len())
}

func TestRefusedConnectDropsCachedJoin(t *testing.T) {
	l := newLobby("h", "c1")
	host := l.peer("h", nil)
	cache := NewJoinCache(4, time.Minute)
	counter := &countingAllocations{AllocationService: l.relay}

	first := l.peer("c1", counter, WithJoinCache(cache))
	l.connect(t, host, first)
	assert.Equal(t, 1, counter.joins)
	assert.Equal(t, 1, cache.Len())
	first.transport.Close()

	second := l.peer("c1", counter, WithJoinCache(cache))
	second.model.SetRelayCode(host.model.RelayCode())
	l.relay.FailConnect(true)
	require.NoError(t, second.transport.Start(context.Background()))
	l.step(4)
	assert.Equal(t, 1, counter.joins, "the cached allocation is reused")
	assert.Equal(t, []bool{false}, second.results)
	assert.Equal(t, 0, cache.Len(), "a failed attempt forgets the join code")
}

// stall keeps every link connecting.
type stall struct{ Driver }

func (stall) ConnectionState(ConnID) ConnState { return ConnConnecting }

func TestConnectTimeout(t *testing.T) {
	l := newLobby("h", "c1")
	host := l.peer("h", nil)
	require.NoError(t, host.transport.Start(context.Background()))
	l.step(3)

	client := l.peer("c1", nil)
	client.transport.driver = stall{Driver: l.relay.NewDriver()}
	client.transport.opts.ConnectTimeout = time.Second
	client.model.SetRelayCode(host.model.RelayCode())
	require.NoError(t, client.transport.Start(context.Background()))

	l.step(10)
	assert.Empty(t, client.results)
	l.step(15)
	assert.Equal(t, []bool{false}, client.results)
	assert.Equal(t, StateFailed, client.transport.State())
}

// dying reports the allocation as failed once dead is set.
type dying struct {
	Driver
	dead bool
}

func (d *dying) BindState() BindState {
	if d.dead {
		return BindFailed
	}
	return d.Driver.BindState()
}

func TestHostReportsLostAllocation(t *testing.T) {
	l := newLobby("h", "c1")
	host, client := l.peer("h", nil), l.peer("c1", nil)
	l.connect(t, host, client)

	d := &dying{Driver: host.transport.driver}
	host.transport.driver = d
	l.step(5)
	assert.Zero(t, host.lost)

	d.dead = true
	l.step(1)
	assert.Equal(t, 1, host.lost)
	assert.Equal(t, StateClosed, host.transport.State())
	assert.Equal(t, []bool{true}, host.results)
	assert.Empty(t, host.transport.Links())

	l.step(2)
	assert.Equal(t, 1, host.lost, "reported once")
	assert.Equal(t, 1, client.lost)
	assert.Equal(t, StateClosed, client.transport.State())
	assert.Equal(t, 0, l.loop.Len())
}

func TestKeepAliveOnePingPerInterval(t *testing.T) {
	l := newLobby("h", "c1", "c2")
	host, c1, c2 := l.peer("h", nil), l.peer("c1", nil), l.peer("c2", nil)
	l.connect(t, host, c1, c2)
	l.step(2)
	clear(host.driver.sent)
	clear(c1.driver.sent)

	// five seconds without other traffic
	l.step(100)
	for _, id := range host.transport.Links() {
		assert.Equal(t, 5, host.driver.count(id, wire.Ping), "link %d", id)
		assert.Len(t, host.driver.sent[id], 5, "nothing but pings was sent")
	}
	require.Len(t, c1.transport.Links(), 1)
	toHost := c1.transport.Links()[0]
	assert.Equal(t, 5, c1.driver.count(toHost, wire.Ping), "the client pings on its own interval")
	assert.Len(t, c1.driver.sent[toHost], 5)

	clear(host.driver.sent)
	for i := 0; i < 10; i++ {
		host.model.LocalPlayer().SetEmote(session.Emote(i%2 + 1))
		l.step(10)
	}
	for _, id := range host.transport.Links() {
		assert.Zero(t, host.driver.count(id, wire.Ping), "traffic every half second needs no keep-alive")
	}
}

func TestCloseDropsLateAllocation(t *testing.T) {
	l := newLobby("h")
	var pending []func()
	host := l.peer("h", nil, WithSpawn(func(f func()) { pending = append(pending, f) }))
	require.NoError(t, host.transport.Start(context.Background()))
	require.Len(t, pending, 1)

	host.transport.Close()
	pending[0]()
	l.step(2)
	assert.Empty(t, host.model.RelayCode())
	assert.Empty(t, host.results)
	assert.Equal(t, 0, l.loop.Len())
}
