package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/logger"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/session"
	"github.com/tidwall/gjson"
)

// HTTPClient is the REST adapter for a remote directory.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (gjson.Result, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("encoding %s %s request: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("building %s %s request: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	startTime := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("reading %s %s response: %w", method, path, err)
	}
	logger.DebugF("Directory %s %s -> %d in %v", method, path, resp.StatusCode, time.Since(startTime))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := gjson.GetBytes(data, "error.message").String()
		if message == "" {
			message = gjson.GetBytes(data, "message").String()
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return gjson.Result{}, &Error{Status: resp.StatusCode, Message: message}
	}
	if len(data) == 0 {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("%s %s: response is not valid JSON", method, path)
	}
	return gjson.ParseBytes(data), nil
}

func parsePlayer(r gjson.Result) session.PlayerSnapshot {
	return session.PlayerSnapshot{
		ID:     r.Get("id").String(),
		Name:   r.Get("name").String(),
		Emote:  session.Emote(r.Get("emote").Uint()),
		Status: session.Status(r.Get("status").Uint()),
		IsHost: r.Get("is_host").Bool(),
	}
}

func parseSnapshot(r gjson.Result) session.Snapshot {
	if inner := r.Get("session"); inner.IsObject() {
		r = inner
	}
	snap := session.Snapshot{
		ID:            r.Get("id").String(),
		JoinCode:      r.Get("join_code").String(),
		RelayCode:     r.Get("relay_code").String(),
		RelayCodeEdit: r.Get("relay_code_edit").Int(),
		Name:          r.Get("name").String(),
		Private:       r.Get("private").Bool(),
		MaxPlayers:    int(r.Get("max_players").Int()),
		State:         session.State(r.Get("state").Uint()),
		StateEdit:     r.Get("state_edit").Int(),
		Filter:        session.Color(r.Get("filter").Uint()),
		FilterEdit:    r.Get("filter_edit").Int(),
		HostID:        r.Get("host_id").String(),
	}
	r.Get("players").ForEach(func(_, value gjson.Result) bool {
		snap.Players = append(snap.Players, parsePlayer(value))
		return true
	})
	return snap
}

func (c *HTTPClient) snapshot(ctx context.Context, method, path string, body any) (session.Snapshot, error) {
	result, err := c.do(ctx, method, path, body)
	if err != nil {
		return session.Snapshot{}, err
	}
	snap := parseSnapshot(result)
	if snap.ID == "" {
		return session.Snapshot{}, fmt.Errorf("%s %s: response carries no session id", method, path)
	}
	return snap, nil
}

func (c *HTTPClient) Create(ctx context.Context, req CreateRequest) (session.Snapshot, error) {
	return c.snapshot(ctx, http.MethodPost, "/sessions", req)
}

func (c *HTTPClient) JoinByID(ctx context.Context, sessionID string, player session.PlayerSnapshot) (session.Snapshot, error) {
	return c.snapshot(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/join", player)
}

func (c *HTTPClient) JoinByCode(ctx context.Context, joinCode string, player session.PlayerSnapshot) (session.Snapshot, error) {
	body := struct {
		JoinCode string                 `json:"join_code"`
		Player   session.PlayerSnapshot `json:"player"`
	}{joinCode, player}
	return c.snapshot(ctx, http.MethodPost, "/sessions/join", body)
}

func (c *HTTPClient) QuickJoin(ctx context.Context, req QuickJoinRequest) (session.Snapshot, error) {
	return c.snapshot(ctx, http.MethodPost, "/sessions/quick-join", req)
}

func (c *HTTPClient) Query(ctx context.Context, req QueryRequest) ([]Summary, error) {
	params := url.Values{}
	if req.Filter != session.ColorNone {
		params.Set("filter", strconv.Itoa(int(req.Filter)))
	}
	if req.Limit > 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}
	path := "/sessions"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	result, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var summaries []Summary
	result.Get("sessions").ForEach(func(_, value gjson.Result) bool {
		summaries = append(summaries, Summary{
			ID:         value.Get("id").String(),
			Name:       value.Get("name").String(),
			Filter:     session.Color(value.Get("filter").Uint()),
			Players:    int(value.Get("players").Int()),
			MaxPlayers: int(value.Get("max_players").Int()),
		})
		return true
	})
	return summaries, nil
}

func (c *HTTPClient) Get(ctx context.Context, sessionID string) (session.Snapshot, error) {
	return c.snapshot(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil)
}

func (c *HTTPClient) UpdateSession(ctx context.Context, sessionID string, update SessionUpdate) error {
	_, err := c.do(ctx, http.MethodPatch, "/sessions/"+url.PathEscape(sessionID), update)
	return err
}

func (c *HTTPClient) UpdatePlayer(ctx context.Context, sessionID, playerID string, update PlayerUpdate) error {
	path := "/sessions/" + url.PathEscape(sessionID) + "/players/" + url.PathEscape(playerID)
	_, err := c.do(ctx, http.MethodPatch, path, update)
	return err
}

func (c *HTTPClient) Heartbeat(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/heartbeat", nil)
	return err
}

func (c *HTTPClient) Leave(ctx context.Context, sessionID, playerID string) error {
	path := "/sessions/" + url.PathEscape(sessionID) + "/players/" + url.PathEscape(playerID)
	_, err := c.do(ctx, http.MethodDelete, path, nil)
	return err
}
