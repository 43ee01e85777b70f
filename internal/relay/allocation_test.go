package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocationClient(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("secret-key"))
	mux := http.NewServeMux()
	mux.HandleFunc("POST /allocations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 3, body["max_connections"])
		assert.Equal(t, "eu", body["region"])
		_, _ = w.Write([]byte(`{"allocation":{"allocation_id":"a1","relay_url":"wss://relay/a1","key":"` + key + `","connection_data":"AQID"}}`))
	})
	mux.HandleFunc("POST /allocations/{id}/join-code", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "a1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"allocation not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"join_code":"QX7K2M"}`))
	})
	mux.HandleFunc("POST /joins", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["join_code"] != "QX7K2M" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"allocation_id":"a2","relay_url":"wss://relay/a2","host_connection_data":"AQID"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx := context.Background()
	client := NewAllocationClient(server.URL+"/", "token", "eu", 5*time.Second)

	alloc, err := client.Allocate(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, Allocation{ID: "a1", Endpoint: "wss://relay/a1", Key: []byte("secret-key"), ConnectionData: []byte{1, 2, 3}}, alloc)

	code, err := client.GetJoinCode(ctx, alloc.ID)
	require.NoError(t, err)
	assert.Equal(t, "QX7K2M", code)

	_, err = client.GetJoinCode(ctx, "missing")
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Status)
	assert.Equal(t, "allocation not found", se.Message)

	joined, err := client.Join(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "a2", joined.ID)
	assert.Equal(t, []byte{1, 2, 3}, joined.HostConnectionData)

	_, err = client.Join(ctx, "WRONG1")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Not Found", se.Message)
}

func TestAllocationClientRejectsIncompleteResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"allocation_id":"a1"}`))
	}))
	defer server.Close()

	_, err := NewAllocationClient(server.URL, "", "", time.Second).Allocate(context.Background(), 1)
	assert.Error(t, err)
}

func TestMemoryRelayJoinCodes(t *testing.T) {
	ctx := context.Background()
	relay := NewMemoryRelay()
	alloc, err := relay.Allocate(ctx, 3)
	require.NoError(t, err)

	code, err := relay.GetJoinCode(ctx, alloc.ID)
	require.NoError(t, err)
	assert.Len(t, code, 6)
	again, err := relay.GetJoinCode(ctx, alloc.ID)
	require.NoError(t, err)
	assert.Equal(t, code, again, "one code per allocation")

	joined, err := relay.Join(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, alloc.ID, string(joined.HostConnectionData))

	_, err = relay.Join(ctx, "NOPE00")
	assert.ErrorIs(t, err, ErrUnknownJoinCode)
	_, err = relay.GetJoinCode(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownJoinCode)
}

func TestJoinCache(t *testing.T) {
	cache := NewJoinCache(2, time.Minute)
	cache.Add("A", Allocation{ID: "1"})
	cache.Add("B", Allocation{ID: "2"})
	cache.Add("C", Allocation{ID: "3"})

	_, ok := cache.Get("A")
	assert.False(t, ok, "the oldest entry is evicted")
	alloc, ok := cache.Get("C")
	require.True(t, ok)
	assert.Equal(t, "3", alloc.ID)

	cache.Remove("C")
	assert.Equal(t, 1, cache.Len())

	var none *JoinCache
	none.Add("A", Allocation{})
	_, ok = none.Get("A")
	assert.False(t, ok)
	assert.Zero(t, none.Len())
}
