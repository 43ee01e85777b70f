package ready

import (
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/scheduler"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roster []*session.Player

func (r roster) Players() []*session.Player { return r }

func newRoster(n int) roster {
	r := make(roster, 0, n)
	for i := 0; i < n; i++ {
		p := session.NewPlayer(string(rune('0'+i)), "p", i == 0)
		p.SetStatus(session.StatusConnected)
		r = append(r, p)
	}
	return r
}

type event struct {
	at     time.Duration
	player int
	status session.Status
}

// simulate steps a coordinator in 100ms increments, applying events as their time passes.
func simulate(t *testing.T, r roster, events []event, until time.Duration) (State, time.Duration, int) {
	t.Helper()
	loop := scheduler.NewLoop()
	var result State
	var calls int
	var finishedAt time.Duration

	c := New(r, DefaultOptions(), func(s State) {
		calls++
		result = s
	})
	c.Start(loop)

	const step = 100 * time.Millisecond
	for now := time.Duration(0); now < until; now += step {
		for _, e := range events {
			if e.at > now && e.at <= now+step {
				r[e.player].SetStatus(r[e.player].Status().With(e.status))
			}
		}
		loop.Step(step)
		if calls > 0 && finishedAt == 0 {
			finishedAt = now + step
		}
	}
	require.Equal(t, 0, loop.Len(), "coordinator must unsubscribe when done")
	return result, finishedAt, calls
}

func TestLateCancelStillFails(t *testing.T) {
	result, at, calls := simulate(t, newRoster(3), []event{
		{200 * time.Millisecond, 0, session.StatusReady},
		{300 * time.Millisecond, 1, session.StatusReady},
		{4900 * time.Millisecond, 2, session.StatusCancelled},
	}, 8*time.Second)

	assert.Equal(t, Failed, result)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 5*time.Second, at, "a cancel inside the buffer waits for the timeout")
}

func TestAllReadyBeforeTimeoutSucceeds(t *testing.T) {
	result, at, calls := simulate(t, newRoster(3), []event{
		{200 * time.Millisecond, 0, session.StatusReady},
		{300 * time.Millisecond, 1, session.StatusReady},
		{4400 * time.Millisecond, 2, session.StatusReady},
	}, 8*time.Second)

	assert.Equal(t, Succeeded, result)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 4500*time.Millisecond, at)
}

func TestEarlyCancelFailsFast(t *testing.T) {
	result, at, _ := simulate(t, newRoster(2), []event{
		{100 * time.Millisecond, 0, session.StatusReady},
		{1200 * time.Millisecond, 1, session.StatusCancelled},
	}, 8*time.Second)

	assert.Equal(t, Failed, result)
	assert.Equal(t, 1500*time.Millisecond, at)
}

func TestCancelBeatsReady(t *testing.T) {
	r := newRoster(1)
	r[0].SetStatus(session.StatusReady | session.StatusCancelled)
	result, at, _ := simulate(t, r, nil, 2*time.Second)
	assert.Equal(t, Failed, result)
	assert.Equal(t, 500*time.Millisecond, at)
}

func TestDisposeIsIdempotent(t *testing.T) {
	loop := scheduler.NewLoop()
	var calls int
	c := New(newRoster(1), DefaultOptions(), func(State) { calls++ })
	c.Start(loop)
	c.Dispose()
	c.Dispose()
	assert.Equal(t, 0, loop.Len())

	for i := 0; i < 100; i++ {
		loop.Step(100 * time.Millisecond)
		c.Tick(100 * time.Millisecond)
	}
	assert.Equal(t, 0, calls, "a disposed check never reports")
	assert.Equal(t, Checking, c.State())
}

func TestDisposeAfterCompletion(t *testing.T) {
	loop := scheduler.NewLoop()
	r := newRoster(1)
	r[0].SetStatus(session.StatusReady)
	var calls int
	c := New(r, DefaultOptions(), func(State) { calls++ })
	c.Start(loop)
	loop.Step(time.Second)
	c.Dispose()
	loop.Step(time.Second)

	assert.Equal(t, Succeeded, c.State())
	assert.Equal(t, 1, calls)
}
