package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type endpoint struct {
	conn *websocket.Conn
	id   ConnID
}

// fakeRelay routes envelopes between the sockets bound to it.
type fakeRelay struct {
	mu        sync.Mutex
	listeners map[string]*websocket.Conn
	routes    map[endpoint]endpoint
	next      ConnID
}

func newFakeRelay(t *testing.T) (*fakeRelay, string) {
	t.Helper()
	relay := &fakeRelay{listeners: make(map[string]*websocket.Conn), routes: make(map[endpoint]endpoint), next: 100}
	server := httptest.NewServer(http.HandlerFunc(relay.serve))
	t.Cleanup(server.Close)
	return relay, "ws" + strings.TrimPrefix(server.URL, "http")
}

func (r *fakeRelay) listening(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.listeners[id]
	return ok
}

func (r *fakeRelay) write(conn *websocket.Conn, control byte, id ConnID, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageBinary, encodeEnvelope(control, id, payload))
}

func (r *fakeRelay) serve(w http.ResponseWriter, req *http.Request) {
	if !strings.HasPrefix(req.Header.Get("Authorization"), "Bearer ") || req.Header.Get("X-Relay-Allocation") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	allocationID := req.Header.Get("X-Relay-Allocation")
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.CloseNow() }()

	for {
		_, data, err := conn.Read(req.Context())
		if err != nil {
			return
		}
		control, id, payload, err := decodeEnvelope(data)
		if err != nil {
			continue
		}
		r.mu.Lock()
		switch control {
		case ctrlListen:
			r.listeners[allocationID] = conn
		case ctrlConnect:
			host, ok := r.listeners[string(payload)]
			if !ok {
				r.write(conn, ctrlDisconnect, id, nil)
				break
			}
			r.next++
			client, server := endpoint{conn, id}, endpoint{host, r.next}
			r.routes[client] = server
			r.routes[server] = client
			r.write(host, ctrlConnect, server.id, nil)
			r.write(conn, ctrlConnect, id, nil)
		case ctrlData:
			if peer, ok := r.routes[endpoint{conn, id}]; ok {
				r.write(peer.conn, ctrlData, peer.id, payload)
			}
		case ctrlDisconnect:
			if peer, ok := r.routes[endpoint{conn, id}]; ok {
				delete(r.routes, endpoint{conn, id})
				delete(r.routes, peer)
				r.write(peer.conn, ctrlDisconnect, peer.id, nil)
			}
		}
		r.mu.Unlock()
	}
}

func bound(t *testing.T, d *WebsocketDriver) {
	t.Helper()
	require.Eventually(t, func() bool {
		d.Pump()
		return d.BindState() == Bound
	}, 2*time.Second, 10*time.Millisecond)
}

func nextEvent(t *testing.T, d *WebsocketDriver) Event {
	t.Helper()
	var got Event
	require.Eventually(t, func() bool {
		d.Pump()
		ev, ok := d.PopEvent()
		got = ev
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestEnvelope(t *testing.T) {
	buf := encodeEnvelope(ctrlData, 0x01020304, []byte("hi"))
	assert.Equal(t, []byte{ctrlData, 1, 2, 3, 4, 'h', 'i'}, buf)

	control, id, payload, err := decodeEnvelope(buf)
	require.NoError(t, err)
	assert.Equal(t, ctrlData, control)
	assert.Equal(t, ConnID(0x01020304), id)
	assert.Equal(t, []byte("hi"), payload)

	_, _, _, err = decodeEnvelope([]byte{ctrlConnect, 0, 0})
	assert.ErrorIs(t, err, ErrShortEnvelope)
}

func TestWebsocketDriverThroughRelay(t *testing.T) {
	relay, url := newFakeRelay(t)

	host := NewWebsocketDriver(DefaultWebsocketOptions())
	defer func() { _ = host.Close() }()
	require.NoError(t, host.Bind(Allocation{ID: "host", Endpoint: url, Key: []byte("k")}))
	assert.ErrorIs(t, host.Bind(Allocation{ID: "host", Endpoint: url}), ErrAlreadyBound)
	bound(t, host)
	require.NoError(t, host.Listen())
	require.Eventually(t, func() bool { return relay.listening("host") }, 2*time.Second, 10*time.Millisecond)

	client := NewWebsocketDriver(DefaultWebsocketOptions())
	defer func() { _ = client.Close() }()
	_, err := client.Connect()
	assert.ErrorIs(t, err, ErrNotBound)
	require.NoError(t, client.Bind(Allocation{ID: "client", Endpoint: url, Key: []byte("k"), HostConnectionData: []byte("host")}))
	bound(t, client)

	id, err := client.Connect()
	require.NoError(t, err)
	assert.Equal(t, ConnConnecting, client.ConnectionState(id))
	assert.ErrorIs(t, client.Send(id, []byte("early")), ErrNotConnected)

	var accepted ConnID
	require.Eventually(t, func() bool {
		client.Pump()
		host.Pump()
		if accepted == 0 {
			accepted, _ = host.Accept()
		}
		return accepted != 0 && client.ConnectionState(id) == ConnConnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ConnConnected, host.ConnectionState(accepted))

	require.NoError(t, client.Send(id, []byte("hello")))
	ev := nextEvent(t, host)
	assert.Equal(t, Event{Type: EventData, Conn: accepted, Data: []byte("hello")}, ev)

	require.NoError(t, host.Send(accepted, []byte("welcome")))
	ev = nextEvent(t, client)
	assert.Equal(t, Event{Type: EventData, Conn: id, Data: []byte("welcome")}, ev)

	host.Disconnect(accepted)
	assert.Equal(t, ConnDisconnected, host.ConnectionState(accepted))
	ev = nextEvent(t, client)
	assert.Equal(t, Event{Type: EventDisconnect, Conn: id}, ev)
	assert.Equal(t, ConnDisconnected, client.ConnectionState(id))
}

func TestWebsocketConnectWithoutListener(t *testing.T) {
	_, url := newFakeRelay(t)
	client := NewWebsocketDriver(DefaultWebsocketOptions())
	defer func() { _ = client.Close() }()
	require.NoError(t, client.Bind(Allocation{ID: "client", Endpoint: url, Key: []byte("k"), HostConnectionData: []byte("nobody")}))
	bound(t, client)

	id, err := client.Connect()
	require.NoError(t, err)
	ev := nextEvent(t, client)
	assert.Equal(t, EventDisconnect, ev.Type)
	assert.Equal(t, ConnDisconnected, client.ConnectionState(id))
}

func TestWebsocketBindRejected(t *testing.T) {
	_, url := newFakeRelay(t)
	d := NewWebsocketDriver(DefaultWebsocketOptions())
	require.NoError(t, d.Bind(Allocation{Endpoint: url}))
	require.Eventually(t, func() bool {
		d.Pump()
		return d.BindState() == BindFailed
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Bind(Allocation{ID: "x", Endpoint: url}), ErrDriverClosed)
}
