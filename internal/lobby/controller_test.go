package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/database"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/directory"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/relay"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frame = 50 * time.Millisecond

type world struct {
	loop  *scheduler.Loop
	svc   *directory.LocalService
	relay *relay.MemoryRelay
	opts  Options
}

type player struct {
	*Controller
	errs   []error
	states []session.State
}

func newWorld() *world {
	opts := DefaultOptions()
	opts.RelayRetryDelay = time.Second
	return &world{
		loop:  scheduler.NewLoop(),
		svc:   directory.NewLocalService(database.NewMemoryStore(), directory.LocalOptions{Limits: map[directory.Operation]time.Duration{}}),
		relay: relay.NewMemoryRelay(),
		opts:  opts,
	}
}

func (w *world) player(id, name string) *player {
	model := session.New(session.NewPlayer(id, name, false))
	p := &player{}
	p.Controller = New(w.svc, model, w.loop, w.relay, func() relay.Driver { return w.relay.NewDriver() }, w.opts,
		WithSpawn(func(f func()) { f() }), WithJoinCache(relay.NewJoinCache(4, time.Minute)))
	p.OnError(func(err error) { p.errs = append(p.errs, err) })
	p.OnStateChange(func(s session.State) { p.states = append(p.states, s) })
	return p
}

func (w *world) stepUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for i := 0; i < 400; i++ {
		if cond() {
			return
		}
		w.loop.Step(frame)
	}
	require.FailNow(t, "condition not reached: "+what)
}

func (w *world) step(d time.Duration) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += frame {
		w.loop.Step(frame)
	}
}

func connected(p *player) bool {
	return p.Transport() != nil && p.Transport().State() == relay.StateConnected
}

// lobbyOf creates a session hosted by host and joins every client to it over the relay.
func (w *world) lobbyOf(t *testing.T, host *player, clients ...*player) {
	t.Helper()
	require.NoError(t, host.Create("room", false, session.ColorGreen))
	w.stepUntil(t, "host listening", func() bool {
		return host.Transport() != nil && host.Transport().State() >= relay.StateListening
	})
	for _, c := range clients {
		require.NoError(t, c.JoinByCode(host.Model().JoinCode()))
	}
	w.stepUntil(t, "clients connected", func() bool {
		for _, c := range clients {
			if !connected(c) || host.Model().Player(c.Model().LocalPlayer().ID()) == nil {
				return false
			}
		}
		return len(host.Transport().Links()) == len(clients)
	})
}

func TestCreateAndJoin(t *testing.T) {
	w := newWorld()
	host, guest := w.player("h", "Host"), w.player("g", "Guest")
	w.lobbyOf(t, host, guest)

	assert.True(t, host.Model().IsHost())
	assert.False(t, guest.Model().IsHost())
	assert.Equal(t, host.Model().ID(), guest.Model().ID())
	assert.NotEmpty(t, guest.Model().RelayCode())
	assert.True(t, host.Model().LocalPlayer().Status().Is(session.StatusConnected))
	assert.True(t, guest.Model().LocalPlayer().Status().Is(session.StatusConnected))
	assert.False(t, guest.Model().LocalPlayer().Status().Is(session.StatusConnecting))
	assert.Equal(t, "Guest", host.Model().Player("g").Name())

	assert.ErrorIs(t, guest.Create("again", false, session.ColorNone), ErrInSession)
	assert.ErrorIs(t, guest.SetFilter(session.ColorBlue), ErrNotHost)
	assert.ErrorIs(t, guest.EndGame(), ErrNotHost)
	assert.Empty(t, host.errs)
	assert.Empty(t, guest.errs)
}

func TestLocalEditsReachThePeers(t *testing.T) {
	w := newWorld()
	host, guest := w.player("h", "Host"), w.player("g", "Guest")
	w.lobbyOf(t, host, guest)

	require.NoError(t, guest.SetName("Nova"))
	require.NoError(t, guest.SetEmote(session.EmoteLove))
	w.stepUntil(t, "edits relayed", func() bool {
		g := host.Model().Player("g")
		return g.Name() == "Nova" && g.Emote() == session.EmoteLove
	})

	require.NoError(t, host.SetFilter(session.ColorBlue))
	w.stepUntil(t, "filter merged", func() bool { return guest.Model().Filter() == session.ColorBlue })

	w.step(3 * time.Second)
	assert.Equal(t, "Nova", host.Model().Player("g").Name())
	assert.Equal(t, session.EmoteLove, host.Model().Player("g").Emote())
	snap, err := w.svc.Get(context.Background(), host.Model().ID())
	require.NoError(t, err)
	for _, p := range snap.Players {
		if p.ID == "g" {
			assert.Equal(t, "Nova", p.Name)
			assert.Equal(t, session.EmoteLove, p.Emote)
		}
	}
	assert.ErrorIs(t, guest.SetName(string(make([]byte, 256))), ErrNameTooLong)
	assert.Error(t, guest.SetEmote(session.Emote(42)))
}

func TestCountdownStartsWhenEveryoneIsReady(t *testing.T) {
	w := newWorld()
	host, guest := w.player("h", "Host"), w.player("g", "Guest")
	w.lobbyOf(t, host, guest)

	require.NoError(t, guest.SetReady())
	require.NoError(t, host.SetReady())
	w.stepUntil(t, "countdown", func() bool { return host.Model().State() != session.StateLobby })
	w.stepUntil(t, "in game", func() bool { return host.Model().State() == session.StateInGame })

	w.stepUntil(t, "guest confirmed", func() bool {
		return guest.Model().LocalPlayer().Status().Is(session.StatusInGame)
	})
	assert.Contains(t, host.states, session.StateCountDown)
	assert.Contains(t, host.states, session.StateInGame)
	w.stepUntil(t, "guest merged in game", func() bool { return guest.Model().State() == session.StateInGame })

	require.NoError(t, host.EndGame())
	w.step(2 * frame)
	assert.Equal(t, session.StateLobby, host.Model().State())
	assert.False(t, guest.Model().LocalPlayer().Status().Is(session.StatusInGame|session.StatusReady))
	assert.ErrorIs(t, host.EndGame(), ErrWrongState)
}

func TestCancelDuringCountdownReturnsToLobby(t *testing.T) {
	w := newWorld()
	host, guest := w.player("h", "Host"), w.player("g", "Guest")
	w.lobbyOf(t, host, guest)

	require.NoError(t, guest.SetReady())
	require.NoError(t, host.SetReady())
	w.stepUntil(t, "countdown", func() bool { return host.Model().State() == session.StateCountDown })
	require.NotNil(t, host.ReadyCheck())

	require.NoError(t, host.CancelReady())
	w.stepUntil(t, "back in lobby", func() bool { return host.Model().State() == session.StateLobby })
	assert.Nil(t, host.ReadyCheck())
	assert.False(t, host.Model().LocalPlayer().Status().Is(session.StatusReady|session.StatusCancelled))

	w.step(2 * frame)
	assert.False(t, guest.Model().LocalPlayer().Status().Is(session.StatusReady), "the guest clears its ready flag")
	w.stepUntil(t, "guest back in lobby", func() bool {
		return guest.Model().State() == session.StateLobby && guest.ReadyCheck() == nil
	})
	assert.False(t, guest.Model().LocalPlayer().Status().Is(session.StatusReady))
}

func TestKickedPlayerLeavesLocally(t *testing.T) {
	w := newWorld()
	host, guest := w.player("h", "Host"), w.player("g", "Guest")
	w.lobbyOf(t, host, guest)

	require.NoError(t, w.svc.Leave(context.Background(), host.Model().ID(), "g"))
	w.stepUntil(t, "kick noticed", func() bool { return !guest.Model().InSession() })
	require.NotEmpty(t, guest.errs)
	assert.ErrorIs(t, guest.errs[len(guest.errs)-1], ErrKicked)
	assert.Nil(t, guest.Transport())
	assert.False(t, guest.Engine().Tracking())
	assert.Equal(t, 1, guest.Model().PlayerCount())
}

func TestLeave(t *testing.T) {
	w := newWorld()
	host, guest := w.player("h", "Host"), w.player("g", "Guest")
	w.lobbyOf(t, host, guest)
	sessionID := host.Model().ID()

	require.NoError(t, guest.Leave())
	assert.False(t, guest.Model().InSession())
	assert.ErrorIs(t, guest.Leave(), ErrNotInSession)

	w.stepUntil(t, "guest gone from host roster", func() bool { return host.Model().Player("g") == nil })
	snap, err := w.svc.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Len(t, snap.Players, 1)
	assert.ErrorIs(t, guest.SetReady(), ErrNotInSession)
}

func TestRelayFailureIsRetried(t *testing.T) {
	w := newWorld()
	host := w.player("h", "Host")
	w.relay.FailBind(true)
	require.NoError(t, host.Create("room", false, session.ColorNone))
	w.stepUntil(t, "relay failure reported", func() bool { return len(host.errs) > 0 })
	assert.Equal(t, relay.StateFailed, host.Transport().State())

	w.relay.FailBind(false)
	w.stepUntil(t, "relay up after retry", func() bool { return host.Transport().State() == relay.StateListening })
	assert.Len(t, host.errs, 1)
}

func TestQueryAndQuickJoin(t *testing.T) {
	w := newWorld()
	host, guest := w.player("h", "Host"), w.player("g", "Guest")
	require.NoError(t, host.Create("room", false, session.ColorOrange))
	w.stepUntil(t, "created", func() bool { return host.Model().InSession() })

	var summaries []directory.Summary
	guest.Query(session.ColorOrange, 10, func(s []directory.Summary) { summaries = s })
	w.stepUntil(t, "query answered", func() bool { return summaries != nil })
	require.Len(t, summaries, 1)
	assert.Equal(t, host.Model().ID(), summaries[0].ID)

	require.NoError(t, guest.QuickJoin(session.ColorOrange))
	assert.ErrorIs(t, guest.QuickJoin(session.ColorOrange), ErrBusy)
	w.stepUntil(t, "joined", func() bool { return guest.Model().InSession() })
	assert.Equal(t, host.Model().ID(), guest.Model().ID())
}

// limitedLeaves refuses the first failures Leave calls as rate limited.
type limitedLeaves struct {
	directory.Service
	failures int
	leaves   int
}

func (l *limitedLeaves) Leave(ctx context.Context, sessionID, playerID string) error {
	l.leaves++
	if l.leaves <= l.failures {
		return &directory.Error{Status: directory.StatusRateLimited, Message: "slow down"}
	}
	return l.Service.Leave(ctx, sessionID, playerID)
}

func TestShutdownLeaveRetriesRateLimitedCall(t *testing.T) {
	w := newWorld()
	host := w.player("h", "Host")
	require.NoError(t, host.Create("room", false, session.ColorNone))
	w.stepUntil(t, "created", func() bool { return host.Model().InSession() })
	sessionID := host.Model().ID()

	limited := &limitedLeaves{Service: w.svc, failures: 1}
	host.dir = limited
	require.NoError(t, host.Invoke(context.Background()))
	assert.Equal(t, 2, limited.leaves)
	_, err := w.svc.Get(context.Background(), sessionID)
	assert.True(t, directory.IsNotFound(err), "the empty session is removed")
}

func TestShutdownLeaveGivesUpAfterOneRetry(t *testing.T) {
	w := newWorld()
	host := w.player("h", "Host")
	require.NoError(t, host.Create("room", false, session.ColorNone))
	w.stepUntil(t, "created", func() bool { return host.Model().InSession() })

	limited := &limitedLeaves{Service: w.svc, failures: 2}
	host.dir = limited
	err := host.Invoke(context.Background())
	require.Error(t, err)
	assert.True(t, directory.IsRateLimited(err))
	assert.Equal(t, 2, limited.leaves)
}
