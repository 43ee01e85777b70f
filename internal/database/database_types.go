package database

import (
	"context"
	"errors"
	"time"

	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/session"
)

const SessionCollectionName = "sessions"

var (
	ErrIDEmpty  = errors.New("session id is empty")
	ErrNotFound = errors.New("document does not exist")
	ErrConflict = errors.New("document was modified by another writer")
)

type PlayerDocument struct {
	ID     string `bson:"id"`
	Name   string `bson:"name"`
	Emote  byte   `bson:"emote"`
	Status byte   `bson:"status"`
	IsHost bool   `bson:"is_host"`
}

// SessionDocument is a session as the local directory persists it.
type SessionDocument struct {
	ID            string           `bson:"_id"`
	JoinCode      string           `bson:"join_code"`
	RelayCode     string           `bson:"relay_code"`
	RelayCodeEdit int64            `bson:"relay_code_edit"`
	Name          string           `bson:"name"`
	Private       bool             `bson:"private"`
	MaxPlayers    int              `bson:"max_players"`
	State         byte             `bson:"state"`
	StateEdit     int64            `bson:"state_edit"`
	Filter        byte             `bson:"filter"`
	FilterEdit    int64            `bson:"filter_edit"`
	HostID        string           `bson:"host_id"`
	Players       []PlayerDocument `bson:"players"`
	LastHeartbeat time.Time        `bson:"last_heartbeat"`
	Version       int64            `bson:"version"`
}

// Query selects session documents. Zero values match everything.
type Query struct {
	JoinCode string
	// Open restricts the result to public sessions in the lobby with a free seat.
	Open bool
	// Filter restricts the result to a filter colour. ColorNone matches any.
	Filter session.Color
	// StaleBefore restricts the result to sessions whose last heartbeat is older.
	StaleBefore time.Time
	Limit       int
}

// Store persists session documents for the self-hosted directory.
//
// Save is a compare-and-swap on Version: it writes only when the stored document still has
// doc.Version (0 for a document that must not exist yet), then increments doc.Version.
// Otherwise it returns ErrConflict and the caller reloads.
type Store interface {
	Get(ctx context.Context, id string) (*SessionDocument, error)
	Save(ctx context.Context, doc *SessionDocument) error
	Delete(ctx context.Context, id string) error
	Find(ctx context.Context, query Query) ([]*SessionDocument, error)
}

func (d *SessionDocument) Player(id string) *PlayerDocument {
	for i := range d.Players {
		if d.Players[i].ID == id {
			return &d.Players[i]
		}
	}
	return nil
}

func (d *SessionDocument) RemovePlayer(id string) bool {
	for i := range d.Players {
		if d.Players[i].ID == id {
			d.Players = append(d.Players[:i], d.Players[i+1:]...)
			return true
		}
	}
	return false
}

func (d *SessionDocument) Full() bool {
	return len(d.Players) >= d.MaxPlayers
}

func (d *SessionDocument) matches(q Query) bool {
	if q.JoinCode != "" && d.JoinCode != q.JoinCode {
		return false
	}
	if q.Open && (d.Private || d.Full() || session.State(d.State) != session.StateLobby) {
		return false
	}
	if q.Filter != session.ColorNone && session.Color(d.Filter) != q.Filter {
		return false
	}
	if !q.StaleBefore.IsZero() && !d.LastHeartbeat.Before(q.StaleBefore) {
		return false
	}
	return true
}

func (d *SessionDocument) clone() *SessionDocument {
	c := *d
	c.Players = append([]PlayerDocument(nil), d.Players...)
	return &c
}

func (d *SessionDocument) Snapshot() session.Snapshot {
	snap := session.Snapshot{
		ID:            d.ID,
		JoinCode:      d.JoinCode,
		RelayCode:     d.RelayCode,
		RelayCodeEdit: d.RelayCodeEdit,
		Name:          d.Name,
		Private:       d.Private,
		MaxPlayers:    d.MaxPlayers,
		State:         session.State(d.State),
		StateEdit:     d.StateEdit,
		Filter:        session.Color(d.Filter),
		FilterEdit:    d.FilterEdit,
		HostID:        d.HostID,
	}
	for _, p := range d.Players {
		snap.Players = append(snap.Players, session.PlayerSnapshot{
			ID:     p.ID,
			Name:   p.Name,
			Emote:  session.Emote(p.Emote),
			Status: session.Status(p.Status),
			IsHost: p.IsHost,
		})
	}
	return snap
}

func PlayerDocumentFrom(p session.PlayerSnapshot) PlayerDocument {
	return PlayerDocument{
		ID:     p.ID,
		Name:   p.Name,
		Emote:  byte(p.Emote),
		Status: byte(p.Status),
		IsHost: p.IsHost,
	}
}
