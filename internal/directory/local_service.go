package directory

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/database"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/logger"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/session"
)

const (
	joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	joinCodeLength   = 6
	joinCodeAttempts = 8
	maxPlayersLimit  = 255
	saveAttempts     = 4
)

type LocalOptions struct {
	// Limits overrides DefaultLimits. A missing operation is not limited.
	Limits map[Operation]time.Duration
	// Expiry is how long a session survives without a heartbeat. Zero disables expiry.
	Expiry time.Duration
	Now    func() time.Time
}

// LocalService is a self-hosted directory over a session document store.
type LocalService struct {
	store   database.Store
	limiter *rateLimiter
	expiry  time.Duration
	now     func() time.Time
}

func NewLocalService(store database.Store, opts LocalOptions) *LocalService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Limits == nil {
		opts.Limits = DefaultLimits()
	}
	return &LocalService{
		store:   store,
		limiter: newRateLimiter(opts.Limits, opts.Now),
		expiry:  opts.Expiry,
		now:     opts.Now,
	}
}

func storeError(err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return newError(http.StatusNotFound, "session not found")
	}
	return err
}

func newJoinCode() string {
	code := make([]byte, joinCodeLength)
	for i := range code {
		code[i] = joinCodeAlphabet[rand.IntN(len(joinCodeAlphabet))]
	}
	return string(code)
}

func (s *LocalService) uniqueJoinCode(ctx context.Context) (string, error) {
	for i := 0; i < joinCodeAttempts; i++ {
		code := newJoinCode()
		found, err := s.store.Find(ctx, database.Query{JoinCode: code, Limit: 1})
		if err != nil {
			return "", err
		}
		if len(found) == 0 {
			return code, nil
		}
	}
	return "", newError(http.StatusServiceUnavailable, "could not allocate a join code")
}

func (s *LocalService) expired(doc *database.SessionDocument) bool {
	return s.expiry > 0 && s.now().Sub(doc.LastHeartbeat) > s.expiry
}

func (s *LocalService) load(ctx context.Context, id string) (*database.SessionDocument, error) {
	doc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeError(err)
	}
	if s.expired(doc) {
		return nil, newError(http.StatusNotFound, "session expired")
	}
	return doc, nil
}

// mutate applies edit to doc and saves it. When another writer saved the session first it
// reloads the document and applies edit again. edit returns false when there is nothing to save.
func (s *LocalService) mutate(ctx context.Context, doc *database.SessionDocument, edit func(*database.SessionDocument) (bool, error)) (*database.SessionDocument, error) {
	for attempt := 1; ; attempt++ {
		changed, err := edit(doc)
		if err != nil || !changed {
			return doc, err
		}
		err = s.store.Save(ctx, doc)
		if !errors.Is(err, database.ErrConflict) {
			return doc, err
		}
		if attempt == saveAttempts {
			return nil, newError(http.StatusConflict, "session %s is busy, try again", doc.ID)
		}
		logger.DebugF("Session %s changed under us, retrying (%d/%d)", doc.ID, attempt, saveAttempts)
		if doc, err = s.store.Get(ctx, doc.ID); err != nil {
			return nil, storeError(err)
		}
	}
}

func (s *LocalService) Create(ctx context.Context, req CreateRequest) (session.Snapshot, error) {
	release, err := s.limiter.acquire(OpCreate, req.Host.ID)
	if err != nil {
		return session.Snapshot{}, err
	}
	defer release()

	if req.Host.ID == "" {
		return session.Snapshot{}, newError(http.StatusBadRequest, "host player id is empty")
	}
	if req.MaxPlayers < 1 || req.MaxPlayers > maxPlayersLimit {
		return session.Snapshot{}, newError(http.StatusBadRequest, "max players must be within 1..%d", maxPlayersLimit)
	}

	code, err := s.uniqueJoinCode(ctx)
	if err != nil {
		return session.Snapshot{}, err
	}

	host := database.PlayerDocumentFrom(req.Host)
	host.IsHost = true
	doc := &database.SessionDocument{
		ID:            uuid.NewString(),
		JoinCode:      code,
		Name:          req.Name,
		Private:       req.Private,
		MaxPlayers:    req.MaxPlayers,
		Filter:        byte(req.Filter),
		HostID:        req.Host.ID,
		Players:       []database.PlayerDocument{host},
		LastHeartbeat: s.now(),
	}
	if err = s.store.Save(ctx, doc); err != nil {
		return session.Snapshot{}, err
	}
	logger.InfoF("Session %s created by %s, join code %s", doc.ID, req.Host.ID, code)
	return doc.Snapshot(), nil
}

func (s *LocalService) join(ctx context.Context, doc *database.SessionDocument, player session.PlayerSnapshot) (session.Snapshot, error) {
	if player.ID == "" {
		return session.Snapshot{}, newError(http.StatusBadRequest, "player id is empty")
	}
	doc, err := s.mutate(ctx, doc, func(doc *database.SessionDocument) (bool, error) {
		if doc.Player(player.ID) != nil {
			return false, nil
		}
		if doc.Full() {
			return false, newError(http.StatusConflict, "session is full")
		}
		if session.State(doc.State) != session.StateLobby {
			return false, newError(http.StatusConflict, "session is already playing")
		}
		joined := database.PlayerDocumentFrom(player)
		joined.IsHost = false
		doc.Players = append(doc.Players, joined)
		return true, nil
	})
	if err != nil {
		return session.Snapshot{}, err
	}
	logger.InfoF("Player %s joined session %s", player.ID, doc.ID)
	return doc.Snapshot(), nil
}

func (s *LocalService) JoinByID(ctx context.Context, sessionID string, player session.PlayerSnapshot) (session.Snapshot, error) {
	release, err := s.limiter.acquire(OpJoin, sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}
	defer release()

	doc, err := s.load(ctx, sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}
	if doc.Private && doc.Player(player.ID) == nil {
		return session.Snapshot{}, newError(http.StatusForbidden, "private sessions are joined by code")
	}
	return s.join(ctx, doc, player)
}

func (s *LocalService) JoinByCode(ctx context.Context, joinCode string, player session.PlayerSnapshot) (session.Snapshot, error) {
	release, err := s.limiter.acquire(OpJoin, joinCode)
	if err != nil {
		return session.Snapshot{}, err
	}
	defer release()

	found, err := s.store.Find(ctx, database.Query{JoinCode: joinCode, Limit: 1})
	if err != nil {
		return session.Snapshot{}, err
	}
	if len(found) == 0 || s.expired(found[0]) {
		return session.Snapshot{}, newError(http.StatusNotFound, "no session with join code %s", joinCode)
	}
	return s.join(ctx, found[0], player)
}

func (s *LocalService) QuickJoin(ctx context.Context, req QuickJoinRequest) (session.Snapshot, error) {
	release, err := s.limiter.acquire(OpQuickJoin, req.Player.ID)
	if err != nil {
		return session.Snapshot{}, err
	}
	defer release()

	found, err := s.store.Find(ctx, database.Query{Open: true, Filter: req.Filter})
	if err != nil {
		return session.Snapshot{}, err
	}
	for _, doc := range found {
		if s.expired(doc) {
			continue
		}
		snap, err := s.join(ctx, doc, req.Player)
		if statusOf(err) == http.StatusConflict {
			continue
		}
		return snap, err
	}
	return session.Snapshot{}, newError(http.StatusNotFound, "no session available")
}

func (s *LocalService) Query(ctx context.Context, req QueryRequest) ([]Summary, error) {
	release, err := s.limiter.acquire(OpQuery, "")
	if err != nil {
		return nil, err
	}
	defer release()

	found, err := s.store.Find(ctx, database.Query{Open: true, Filter: req.Filter, Limit: req.Limit})
	if err != nil {
		return nil, err
	}
	summaries := make([]Summary, 0, len(found))
	for _, doc := range found {
		if s.expired(doc) {
			continue
		}
		summaries = append(summaries, Summary{
			ID:         doc.ID,
			Name:       doc.Name,
			Filter:     session.Color(doc.Filter),
			Players:    len(doc.Players),
			MaxPlayers: doc.MaxPlayers,
		})
	}
	return summaries, nil
}

func (s *LocalService) Get(ctx context.Context, sessionID string) (session.Snapshot, error) {
	release, err := s.limiter.acquire(OpGet, sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}
	defer release()

	doc, err := s.load(ctx, sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}
	return doc.Snapshot(), nil
}

// UpdateSession applies the non-nil fields. A timestamped field older than the stored one is ignored.
func (s *LocalService) UpdateSession(ctx context.Context, sessionID string, update SessionUpdate) error {
	release, err := s.limiter.acquire(OpUpdateSession, sessionID)
	if err != nil {
		return err
	}
	defer release()

	doc, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, doc, func(doc *database.SessionDocument) (bool, error) {
		if update.State != nil && update.StateEdit >= doc.StateEdit {
			doc.State, doc.StateEdit = byte(*update.State), update.StateEdit
		}
		if update.Filter != nil && update.FilterEdit >= doc.FilterEdit {
			doc.Filter, doc.FilterEdit = byte(*update.Filter), update.FilterEdit
		}
		if update.RelayCode != nil && update.RelayCodeEdit >= doc.RelayCodeEdit {
			doc.RelayCode, doc.RelayCodeEdit = *update.RelayCode, update.RelayCodeEdit
		}
		if update.Name != nil {
			doc.Name = *update.Name
		}
		if update.Private != nil {
			doc.Private = *update.Private
		}
		return true, nil
	})
	return err
}

func (s *LocalService) UpdatePlayer(ctx context.Context, sessionID, playerID string, update PlayerUpdate) error {
	release, err := s.limiter.acquire(OpUpdatePlayer, sessionID)
	if err != nil {
		return err
	}
	defer release()

	doc, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, doc, func(doc *database.SessionDocument) (bool, error) {
		player := doc.Player(playerID)
		if player == nil {
			return false, newError(http.StatusNotFound, "player %s is not in session %s", playerID, sessionID)
		}
		if update.Name != nil {
			player.Name = *update.Name
		}
		if update.Emote != nil {
			player.Emote = byte(*update.Emote)
		}
		if update.Status != nil {
			player.Status = byte(*update.Status)
		}
		return true, nil
	})
	return err
}

func (s *LocalService) Heartbeat(ctx context.Context, sessionID string) error {
	release, err := s.limiter.acquire(OpHeartbeat, sessionID)
	if err != nil {
		return err
	}
	defer release()

	doc, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, doc, func(doc *database.SessionDocument) (bool, error) {
		doc.LastHeartbeat = s.now()
		return true, nil
	})
	return err
}

// Leave removes the player. The session is deleted when it empties; when the host leaves,
// the remaining player with the lowest id becomes host.
func (s *LocalService) Leave(ctx context.Context, sessionID, playerID string) error {
	release, err := s.limiter.acquire(OpLeave, sessionID)
	if err != nil {
		return err
	}
	defer release()

	doc, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return storeError(err)
	}
	doc, err = s.mutate(ctx, doc, func(doc *database.SessionDocument) (bool, error) {
		if !doc.RemovePlayer(playerID) {
			return false, newError(http.StatusNotFound, "player %s is not in session %s", playerID, sessionID)
		}
		if len(doc.Players) == 0 {
			return false, nil
		}
		if doc.HostID == playerID {
			next := &doc.Players[0]
			for i := range doc.Players {
				if doc.Players[i].ID < next.ID {
					next = &doc.Players[i]
				}
			}
			next.IsHost = true
			doc.HostID = next.ID
			logger.InfoF("Host of session %s migrated to %s", sessionID, next.ID)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	logger.InfoF("Player %s left session %s", playerID, sessionID)

	if len(doc.Players) == 0 {
		logger.InfoF("Session %s is empty, removing", sessionID)
		return storeError(s.store.Delete(ctx, sessionID))
	}
	return nil
}

// Sweep deletes sessions whose heartbeat is older than the expiry.
func (s *LocalService) Sweep(ctx context.Context) (int, error) {
	if s.expiry <= 0 {
		return 0, nil
	}
	stale, err := s.store.Find(ctx, database.Query{StaleBefore: s.now().Add(-s.expiry)})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, doc := range stale {
		if err = s.store.Delete(ctx, doc.ID); err != nil && !errors.Is(err, database.ErrNotFound) {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		logger.InfoF("Expired %d sessions", removed)
	}
	return removed, nil
}
