// Package relay connects the players of a session through a relay service.
package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/logger"
	"github.com/tidwall/gjson"
)

// Allocation is a reserved slot on a relay server.
type Allocation struct {
	ID       string
	Endpoint string
	Key      []byte
	// ConnectionData identifies this peer to the relay.
	ConnectionData []byte
	// HostConnectionData identifies the host a client connects to. Empty for host allocations.
	HostConnectionData []byte
}

// AllocationService reserves relay allocations and resolves join codes.
type AllocationService interface {
	Allocate(ctx context.Context, maxConnections int) (Allocation, error)
	GetJoinCode(ctx context.Context, allocationID string) (string, error)
	Join(ctx context.Context, joinCode string) (Allocation, error)
}

// ServiceError is a non-success status reported by the allocation service.
type ServiceError struct {
	Status  int
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("relay allocation: status %d: %s", e.Status, e.Message)
}

// AllocationClient is the REST adapter for a relay allocation service.
type AllocationClient struct {
	baseURL string
	token   string
	region  string
	client  *http.Client
}

func NewAllocationClient(baseURL, token, region string, timeout time.Duration) *AllocationClient {
	return &AllocationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		region:  region,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *AllocationClient) post(ctx context.Context, path string, body any) (gjson.Result, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encoding %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("building %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("POST %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("reading %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := gjson.GetBytes(payload, "detail").String()
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return gjson.Result{}, &ServiceError{Status: resp.StatusCode, Message: message}
	}
	if !gjson.ValidBytes(payload) {
		return gjson.Result{}, fmt.Errorf("POST %s: response is not valid JSON", path)
	}
	return gjson.ParseBytes(payload), nil
}

func decodeBytes(r gjson.Result) []byte {
	if !r.Exists() {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(r.String())
	if err != nil {
		logger.WarnF("Relay allocation field is not base64: %v", err)
		return nil
	}
	return data
}

func parseAllocation(r gjson.Result) (Allocation, error) {
	if inner := r.Get("allocation"); inner.IsObject() {
		r = inner
	}
	alloc := Allocation{
		ID:                 r.Get("allocation_id").String(),
		Endpoint:           r.Get("relay_url").String(),
		Key:                decodeBytes(r.Get("key")),
		ConnectionData:     decodeBytes(r.Get("connection_data")),
		HostConnectionData: decodeBytes(r.Get("host_connection_data")),
	}
	if alloc.ID == "" || alloc.Endpoint == "" {
		return Allocation{}, fmt.Errorf("allocation response is missing allocation_id or relay_url")
	}
	return alloc, nil
}

func (c *AllocationClient) Allocate(ctx context.Context, maxConnections int) (Allocation, error) {
	result, err := c.post(ctx, "/allocations", map[string]any{"max_connections": maxConnections, "region": c.region})
	if err != nil {
		return Allocation{}, err
	}
	return parseAllocation(result)
}

func (c *AllocationClient) GetJoinCode(ctx context.Context, allocationID string) (string, error) {
	result, err := c.post(ctx, "/allocations/"+url.PathEscape(allocationID)+"/join-code", struct{}{})
	if err != nil {
		return "", err
	}
	code := result.Get("join_code").String()
	if code == "" {
		return "", fmt.Errorf("join code response for %s is empty", allocationID)
	}
	return code, nil
}

func (c *AllocationClient) Join(ctx context.Context, joinCode string) (Allocation, error) {
	result, err := c.post(ctx, "/joins", map[string]string{"join_code": joinCode})
	if err != nil {
		return Allocation{}, err
	}
	return parseAllocation(result)
}

// JoinCache remembers resolved join codes so a retried join skips the allocation service.
type JoinCache struct {
	lru *expirable.LRU[string, Allocation]
}

func NewJoinCache(size int, ttl time.Duration) *JoinCache {
	return &JoinCache{lru: expirable.NewLRU[string, Allocation](size, nil, ttl)}
}

func (c *JoinCache) Get(code string) (Allocation, bool) {
	if c == nil {
		return Allocation{}, false
	}
	return c.lru.Get(code)
}

func (c *JoinCache) Add(code string, alloc Allocation) {
	if c != nil {
		c.lru.Add(code, alloc)
	}
}

func (c *JoinCache) Remove(code string) {
	if c != nil {
		c.lru.Remove(code)
	}
}

func (c *JoinCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
