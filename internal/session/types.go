// Package session holds the shared, mutable model of one lobby: the session record,
// its roster of players, and the timestamp-aware merge of directory snapshots.
//
// The model is not safe for concurrent use. It is mutated only from the scheduler tick.
package session

import (
	"strings"
	"sync/atomic"
	"time"
)

// Status is a set of connection/ready bits. Several bits may be set at once.
type Status uint8

const (
	StatusConnecting Status = 1 << iota
	StatusConnected
	StatusReady
	StatusInGame
	StatusDisconnected
	StatusCancelled

	StatusNone Status = 0
)

var statusNames = []struct {
	bit  Status
	name string
}{
	{StatusConnecting, "Connecting"},
	{StatusConnected, "Connected"},
	{StatusReady, "Ready"},
	{StatusInGame, "InGame"},
	{StatusDisconnected, "Disconnected"},
	{StatusCancelled, "Cancelled"},
}

// Is reports whether any bit of mask is set.
func (s Status) Is(mask Status) bool { return s&mask != 0 }

func (s Status) With(mask Status) Status    { return s | mask }
func (s Status) Without(mask Status) Status { return s &^ mask }

func (s Status) String() string {
	if s == StatusNone {
		return "None"
	}
	var parts []string
	for _, n := range statusNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

type Emote byte

const (
	EmoteNone Emote = iota
	EmoteSmile
	EmoteFrown
	EmoteShock
	EmoteLove
)

var emoteNames = map[Emote]string{
	EmoteNone:  "None",
	EmoteSmile: "Smile",
	EmoteFrown: "Frown",
	EmoteShock: "Shock",
	EmoteLove:  "Love",
}

func (e Emote) String() string {
	if name, ok := emoteNames[e]; ok {
		return name
	}
	return "Unknown"
}

func (e Emote) Valid() bool {
	_, ok := emoteNames[e]
	return ok
}

func ParseEmote(name string) (Emote, bool) {
	for e, n := range emoteNames {
		if strings.EqualFold(n, name) {
			return e, true
		}
	}
	return EmoteNone, false
}

// State is the session lifecycle.
type State byte

const (
	StateLobby State = iota
	StateCountDown
	StateInGame
)

func (s State) String() string {
	switch s {
	case StateLobby:
		return "Lobby"
	case StateCountDown:
		return "CountDown"
	case StateInGame:
		return "InGame"
	}
	return "Unknown"
}

// Color is the session filter tag used by query and quick join.
type Color byte

const (
	ColorNone Color = iota
	ColorOrange
	ColorGreen
	ColorBlue
)

var colorNames = map[Color]string{
	ColorNone:   "None",
	ColorOrange: "Orange",
	ColorGreen:  "Green",
	ColorBlue:   "Blue",
}

func (c Color) String() string {
	if name, ok := colorNames[c]; ok {
		return name
	}
	return "Unknown"
}

func ParseColor(name string) (Color, bool) {
	for c, n := range colorNames {
		if strings.EqualFold(n, name) {
			return c, true
		}
	}
	return ColorNone, false
}

// PlayerField marks which player fields a mutation touched.
type PlayerField uint8

const (
	FieldName PlayerField = 1 << iota
	FieldEmote
	FieldStatus
	FieldHost

	FieldNone PlayerField = 0
	FieldAll              = FieldName | FieldEmote | FieldStatus | FieldHost
)

// SessionField marks session-level fields for delta pushes.
type SessionField uint8

const (
	SessionState SessionField = 1 << iota
	SessionFilter
	SessionRelayCode
	SessionName
	SessionPrivate

	SessionNone SessionField = 0
)

// Clock yields logical timestamps for last-write-wins fields.
type Clock interface {
	Now() int64
}

// WallClock stamps with unix nanoseconds and never returns the same value twice.
type WallClock struct {
	last atomic.Int64
}

func (c *WallClock) Now() int64 {
	for {
		now := time.Now().UnixNano()
		last := c.last.Load()
		if now <= last {
			now = last + 1
		}
		if c.last.CompareAndSwap(last, now) {
			return now
		}
	}
}

// ManualClock is a settable clock for tests and simulations.
type ManualClock struct {
	T int64
}

func (c *ManualClock) Now() int64 {
	return c.T
}

func (c *ManualClock) Advance(d int64) {
	c.T += d
}
