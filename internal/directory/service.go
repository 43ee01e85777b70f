// Package directory talks to the session directory: the polled, rate-limited service
// through which players find sessions and publish their state.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/session"
)

const StatusRateLimited = http.StatusTooManyRequests

// Error is a non-success status reported by the directory.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("directory: status %d", e.Status)
	}
	return fmt.Sprintf("directory: status %d: %s", e.Status, e.Message)
}

func newError(status int, format string, v ...any) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, v...)}
}

func statusOf(err error) int {
	var de *Error
	if errors.As(err, &de) {
		return de.Status
	}
	return 0
}

// IsRateLimited reports whether err is the directory refusing a call for exceeding its rate limit.
func IsRateLimited(err error) bool { return statusOf(err) == StatusRateLimited }

func IsNotFound(err error) bool { return statusOf(err) == http.StatusNotFound }

type CreateRequest struct {
	Name       string                 `json:"name"`
	MaxPlayers int                    `json:"max_players"`
	Private    bool                   `json:"private"`
	Filter     session.Color          `json:"filter"`
	Host       session.PlayerSnapshot `json:"host"`
}

type QuickJoinRequest struct {
	Filter session.Color          `json:"filter"`
	Player session.PlayerSnapshot `json:"player"`
}

type QueryRequest struct {
	Filter session.Color
	Limit  int
}

// Summary is one row of a session listing.
type Summary struct {
	ID         string
	Name       string
	Filter     session.Color
	Players    int
	MaxPlayers int
}

// SessionUpdate carries the session fields a host pushes. Nil fields are left alone.
// Edit values are the logical timestamps of the matching fields.
type SessionUpdate struct {
	State         *session.State `json:"state,omitempty"`
	StateEdit     int64          `json:"state_edit,omitempty"`
	Filter        *session.Color `json:"filter,omitempty"`
	FilterEdit    int64          `json:"filter_edit,omitempty"`
	RelayCode     *string        `json:"relay_code,omitempty"`
	RelayCodeEdit int64          `json:"relay_code_edit,omitempty"`
	Name          *string        `json:"name,omitempty"`
	Private       *bool          `json:"private,omitempty"`
}

func (u SessionUpdate) Empty() bool {
	return u.State == nil && u.Filter == nil && u.RelayCode == nil && u.Name == nil && u.Private == nil
}

// PlayerUpdate carries the fields a player pushes about itself. Nil fields are left alone.
type PlayerUpdate struct {
	Name   *string         `json:"name,omitempty"`
	Emote  *session.Emote  `json:"emote,omitempty"`
	Status *session.Status `json:"status,omitempty"`
}

func (u PlayerUpdate) Empty() bool {
	return u.Name == nil && u.Emote == nil && u.Status == nil
}

// SessionUpdateFrom builds the update for the given fields of s.
func SessionUpdateFrom(s *session.Session, fields session.SessionField) SessionUpdate {
	var u SessionUpdate
	if fields&session.SessionState != 0 {
		state := s.State()
		u.State, u.StateEdit = &state, s.StateEdit()
	}
	if fields&session.SessionFilter != 0 {
		filter := s.Filter()
		u.Filter, u.FilterEdit = &filter, s.FilterEdit()
	}
	if fields&session.SessionRelayCode != 0 {
		code := s.RelayCode()
		u.RelayCode, u.RelayCodeEdit = &code, s.RelayCodeEdit()
	}
	if fields&session.SessionName != 0 {
		name := s.Name()
		u.Name = &name
	}
	if fields&session.SessionPrivate != 0 {
		private := s.Private()
		u.Private = &private
	}
	return u
}

// PlayerUpdateFrom builds the update for the given fields of p. The host flag is owned by
// the directory and never pushed.
func PlayerUpdateFrom(p *session.Player, fields session.PlayerField) PlayerUpdate {
	var u PlayerUpdate
	if fields&session.FieldName != 0 {
		name := p.Name()
		u.Name = &name
	}
	if fields&session.FieldEmote != 0 {
		emote := p.Emote()
		u.Emote = &emote
	}
	if fields&session.FieldStatus != 0 {
		status := p.Status()
		u.Status = &status
	}
	return u
}

// Service is the directory contract. Every call may block and honours ctx.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (session.Snapshot, error)
	JoinByID(ctx context.Context, sessionID string, player session.PlayerSnapshot) (session.Snapshot, error)
	JoinByCode(ctx context.Context, joinCode string, player session.PlayerSnapshot) (session.Snapshot, error)
	QuickJoin(ctx context.Context, req QuickJoinRequest) (session.Snapshot, error)
	Query(ctx context.Context, req QueryRequest) ([]Summary, error)
	Get(ctx context.Context, sessionID string) (session.Snapshot, error)
	UpdateSession(ctx context.Context, sessionID string, update SessionUpdate) error
	UpdatePlayer(ctx context.Context, sessionID, playerID string, update PlayerUpdate) error
	Heartbeat(ctx context.Context, sessionID string) error
	Leave(ctx context.Context, sessionID, playerID string) error
}
