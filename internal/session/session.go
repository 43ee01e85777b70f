package session

import (
	"slices"
	"strings"

	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/logger"
)

// Snapshot is the directory's view of a session. Edit fields are the logical
// timestamps of the matching last-write-wins fields.
type Snapshot struct {
	ID            string           `json:"id"`
	JoinCode      string           `json:"join_code"`
	RelayCode     string           `json:"relay_code"`
	RelayCodeEdit int64            `json:"relay_code_edit"`
	Name          string           `json:"name"`
	Private       bool             `json:"private"`
	MaxPlayers    int              `json:"max_players"`
	State         State            `json:"state"`
	StateEdit     int64            `json:"state_edit"`
	Filter        Color            `json:"filter"`
	FilterEdit    int64            `json:"filter_edit"`
	HostID        string           `json:"host_id"`
	Players       []PlayerSnapshot `json:"players"`
}

// MergeOptions tune Merge.
type MergeOptions struct {
	// LocalPending lists local player fields edited locally and not yet pushed.
	// Merge keeps their local values.
	LocalPending PlayerField
}

// Session is the mutable session record plus its roster.
type Session struct {
	clock Clock

	id            string
	joinCode      string
	relayCode     string
	relayCodeEdit int64
	name          string
	private       bool
	maxPlayers    int
	state         State
	stateEdit     int64
	filter        Color
	filterEdit    int64
	hostID        string

	players     map[string]*Player
	playerUnsub map[string]func()
	local       *Player

	batching  int
	dirty     bool
	observers notifier[*Session]
}

type Option func(*Session)

func WithClock(clock Clock) Option {
	return func(s *Session) { s.clock = clock }
}

// New creates an empty session holding only the local player.
func New(local *Player, opts ...Option) *Session {
	s := &Session{
		clock:       &WallClock{},
		players:     make(map[string]*Player),
		playerUnsub: make(map[string]func()),
		local:       local,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.attach(local)
	return s
}

func (s *Session) ID() string            { return s.id }
func (s *Session) JoinCode() string      { return s.joinCode }
func (s *Session) RelayCode() string     { return s.relayCode }
func (s *Session) RelayCodeEdit() int64  { return s.relayCodeEdit }
func (s *Session) Name() string          { return s.name }
func (s *Session) Private() bool         { return s.private }
func (s *Session) MaxPlayers() int       { return s.maxPlayers }
func (s *Session) State() State          { return s.state }
func (s *Session) StateEdit() int64      { return s.stateEdit }
func (s *Session) Filter() Color         { return s.filter }
func (s *Session) FilterEdit() int64     { return s.filterEdit }
func (s *Session) HostID() string        { return s.hostID }
func (s *Session) LocalPlayer() *Player  { return s.local }
func (s *Session) Player(id string) *Player {
	return s.players[id]
}

func (s *Session) PlayerCount() int { return len(s.players) }

// InSession reports whether the model currently tracks a directory session.
func (s *Session) InSession() bool { return s.id != "" }

// IsHost reports whether the local player hosts the session.
func (s *Session) IsHost() bool {
	return s.local != nil && s.hostID != "" && s.hostID == s.local.ID()
}

// Players returns the roster ordered by id.
func (s *Session) Players() []*Player {
	result := make([]*Player, 0, len(s.players))
	for _, p := range s.players {
		result = append(result, p)
	}
	slices.SortFunc(result, func(a, b *Player) int { return strings.Compare(a.id, b.id) })
	return result
}

// AllPlayersHave reports whether the roster is non-empty and every player has a bit of mask.
func (s *Session) AllPlayersHave(mask Status) bool {
	if len(s.players) == 0 {
		return false
	}
	for _, p := range s.players {
		if !p.status.Is(mask) {
			return false
		}
	}
	return true
}

// AnyPlayerHas reports whether some player has a bit of mask.
func (s *Session) AnyPlayerHas(mask Status) bool {
	for _, p := range s.players {
		if p.status.Is(mask) {
			return true
		}
	}
	return false
}

// Subscribe registers fn for session mutations, including mutations of any rostered player.
func (s *Session) Subscribe(fn func(*Session)) func() {
	return s.observers.subscribe(fn)
}

// Batch runs fn and raises at most one change notification for everything it mutated.
func (s *Session) Batch(fn func()) {
	s.batching++
	defer func() {
		s.batching--
		if s.batching == 0 && s.dirty {
			s.dirty = false
			s.observers.notify(s)
		}
	}()
	fn()
}

func (s *Session) changed() {
	if s.batching > 0 {
		s.dirty = true
		return
	}
	s.observers.notify(s)
}

func (s *Session) SetID(id string) {
	if s.id == id {
		return
	}
	s.id = id
	s.changed()
}

func (s *Session) SetJoinCode(code string) {
	if s.joinCode == code {
		return
	}
	s.joinCode = code
	s.changed()
}

func (s *Session) SetName(name string) {
	if s.name == name {
		return
	}
	s.name = name
	s.changed()
}

func (s *Session) SetPrivate(private bool) {
	if s.private == private {
		return
	}
	s.private = private
	s.changed()
}

func (s *Session) SetMaxPlayers(n int) {
	if s.maxPlayers == n {
		return
	}
	s.maxPlayers = n
	s.changed()
}

func (s *Session) SetHostID(id string) {
	if s.hostID == id {
		return
	}
	s.hostID = id
	s.changed()
}

// SetState, SetFilter and SetRelayCode stamp their field with the current logical time.
func (s *Session) SetState(state State) {
	if s.state == state {
		return
	}
	s.state = state
	s.stateEdit = s.clock.Now()
	s.changed()
}

func (s *Session) SetFilter(filter Color) {
	if s.filter == filter {
		return
	}
	s.filter = filter
	s.filterEdit = s.clock.Now()
	s.changed()
}

func (s *Session) SetRelayCode(code string) {
	if s.relayCode == code {
		return
	}
	s.relayCode = code
	s.relayCodeEdit = s.clock.Now()
	s.changed()
}

// AddPlayer inserts p. A duplicate id is logged and ignored.
func (s *Session) AddPlayer(p *Player) bool {
	if p == nil {
		return false
	}
	if _, ok := s.players[p.id]; ok {
		logger.WarnF("Player %s is already in the roster, ignoring add", p.id)
		return false
	}
	s.attach(p)
	s.changed()
	return true
}

// RemovePlayer drops the player with id. An absent id is logged and ignored.
func (s *Session) RemovePlayer(id string) bool {
	if _, ok := s.players[id]; !ok {
		logger.WarnF("Player %s is not in the roster, ignoring remove", id)
		return false
	}
	s.detach(id)
	s.changed()
	return true
}

func (s *Session) attach(p *Player) {
	if p == nil {
		return
	}
	s.players[p.id] = p
	s.playerUnsub[p.id] = p.Subscribe(func(*Player) { s.changed() })
}

func (s *Session) detach(id string) {
	if unsub, ok := s.playerUnsub[id]; ok {
		unsub()
		delete(s.playerUnsub, id)
	}
	delete(s.players, id)
}

// Reset clears the session and re-inserts the local player, all in one notification.
func (s *Session) Reset() {
	s.Batch(func() {
		for id := range s.players {
			s.detach(id)
		}
		s.id = ""
		s.joinCode = ""
		s.relayCode = ""
		s.relayCodeEdit = 0
		s.name = ""
		s.private = false
		s.maxPlayers = 0
		s.state = StateLobby
		s.stateEdit = 0
		s.filter = ColorNone
		s.filterEdit = 0
		s.hostID = ""
		if s.local != nil {
			s.local.SetHost(false)
			s.local.SetStatus(StatusNone)
			s.local.SetEmote(EmoteNone)
			s.attach(s.local)
		}
		s.dirty = true
	})
}

// Snapshot renders the session as the directory would store it.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:            s.id,
		JoinCode:      s.joinCode,
		RelayCode:     s.relayCode,
		RelayCodeEdit: s.relayCodeEdit,
		Name:          s.name,
		Private:       s.private,
		MaxPlayers:    s.maxPlayers,
		State:         s.state,
		StateEdit:     s.stateEdit,
		Filter:        s.filter,
		FilterEdit:    s.filterEdit,
		HostID:        s.hostID,
	}
	for _, p := range s.Players() {
		snap.Players = append(snap.Players, p.Snapshot())
	}
	return snap
}
