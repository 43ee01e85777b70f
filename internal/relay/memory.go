package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/logger"
)

// MemoryRelay is an in-process relay service. It hands out allocations and join codes and
// links the drivers created from it. All drivers of one relay share its lock.
type MemoryRelay struct {
	mu          sync.Mutex
	allocations map[string]Allocation
	codes       map[string]string
	listeners   map[string]*MemoryDriver
	nextConn    ConnID

	failBind    bool
	failConnect bool
}

func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{
		allocations: make(map[string]Allocation),
		codes:       make(map[string]string),
		listeners:   make(map[string]*MemoryDriver),
	}
}

// FailBind makes every following bind fail.
func (r *MemoryRelay) FailBind(fail bool) {
	r.mu.Lock()
	r.failBind = fail
	r.mu.Unlock()
}

// FailConnect makes every following connect attempt get refused.
func (r *MemoryRelay) FailConnect(fail bool) {
	r.mu.Lock()
	r.failConnect = fail
	r.mu.Unlock()
}

func (r *MemoryRelay) Allocate(ctx context.Context, maxConnections int) (Allocation, error) {
	if err := ctx.Err(); err != nil {
		return Allocation{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	alloc := Allocation{
		ID:             id,
		Endpoint:       "memory://" + id,
		Key:            []byte(id),
		ConnectionData: []byte(id),
	}
	r.allocations[id] = alloc
	logger.DebugF("Memory relay allocated %s for %d connections", id, maxConnections)
	return alloc, nil
}

func (r *MemoryRelay) GetJoinCode(ctx context.Context, allocationID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.allocations[allocationID]; !ok {
		return "", fmt.Errorf("allocation %s: %w", allocationID, ErrUnknownJoinCode)
	}
	for code, id := range r.codes {
		if id == allocationID {
			return code, nil
		}
	}
	for {
		code := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
		if _, taken := r.codes[code]; !taken {
			r.codes[code] = allocationID
			return code, nil
		}
	}
}

func (r *MemoryRelay) Join(ctx context.Context, joinCode string) (Allocation, error) {
	if err := ctx.Err(); err != nil {
		return Allocation{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	hostID, ok := r.codes[joinCode]
	if !ok {
		return Allocation{}, fmt.Errorf("join code %s: %w", joinCode, ErrUnknownJoinCode)
	}
	id := uuid.NewString()
	alloc := Allocation{
		ID:                 id,
		Endpoint:           "memory://" + id,
		Key:                []byte(id),
		ConnectionData:     []byte(id),
		HostConnectionData: []byte(hostID),
	}
	r.allocations[id] = alloc
	return alloc, nil
}

func (r *MemoryRelay) NewDriver() *MemoryDriver {
	return &MemoryDriver{relay: r, links: newLinkRegistry("memory")}
}

// Sever drops the link on both ends without telling either side.
func (r *MemoryRelay) Sever(d *MemoryDriver, id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := d.links.get(id)
	if !ok {
		return
	}
	l.state = ConnDisconnected
	if l.peer != nil {
		if pl, ok := l.peer.links.get(l.peerConn); ok {
			pl.state = ConnDisconnected
		}
	}
}

func (r *MemoryRelay) newConnID() ConnID {
	r.nextConn++
	return r.nextConn
}

// MemoryDriver is a Driver linked through a MemoryRelay.
type MemoryDriver struct {
	relay *MemoryRelay

	alloc      Allocation
	bind       BindState
	listening  bool
	closed     bool
	links      *linkRegistry
	connecting []ConnID
	incoming   []ConnID
	inbox      []Event
	events     []Event
}

func (d *MemoryDriver) Bind(alloc Allocation) error {
	d.relay.mu.Lock()
	defer d.relay.mu.Unlock()
	if d.closed {
		return ErrDriverClosed
	}
	if d.bind == Binding || d.bind == Bound {
		return ErrAlreadyBound
	}
	d.alloc = alloc
	d.bind = Binding
	d.links.tag = alloc.ID
	return nil
}

func (d *MemoryDriver) BindState() BindState {
	d.relay.mu.Lock()
	defer d.relay.mu.Unlock()
	return d.bind
}

func (d *MemoryDriver) Listen() error {
	d.relay.mu.Lock()
	defer d.relay.mu.Unlock()
	if d.bind != Bound {
		return ErrNotBound
	}
	d.listening = true
	d.relay.listeners[d.alloc.ID] = d
	logger.DebugF("[%s] Listening for links", d.alloc.ID)
	return nil
}

func (d *MemoryDriver) Connect() (ConnID, error) {
	d.relay.mu.Lock()
	defer d.relay.mu.Unlock()
	if d.bind != Bound {
		return 0, ErrNotBound
	}
	id := d.relay.newConnID()
	d.links.add(id, &link{state: ConnConnecting})
	d.connecting = append(d.connecting, id)
	return id, nil
}

func (d *MemoryDriver) Accept() (ConnID, bool) {
	d.relay.mu.Lock()
	defer d.relay.mu.Unlock()
	if len(d.incoming) == 0 {
		return 0, false
	}
	id := d.incoming[0]
	d.incoming = d.incoming[1:]
	return id, true
}

// Pump completes a pending bind, resolves pending connects and surfaces delivered data.
func (d *MemoryDriver) Pump() {
	r := d.relay
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.closed {
		return
	}

	if d.bind == Binding {
		_, known := r.allocations[d.alloc.ID]
		if r.failBind || !known {
			d.bind = BindFailed
		} else {
			d.bind = Bound
		}
	}

	for _, id := range d.connecting {
		l, ok := d.links.get(id)
		if !ok {
			continue
		}
		host := r.listeners[string(d.alloc.HostConnectionData)]
		if r.failConnect || host == nil || host.closed {
			l.state = ConnDisconnected
			continue
		}
		hostConn := r.newConnID()
		host.links.add(hostConn, &link{state: ConnConnected, peer: d, peerConn: id})
		host.incoming = append(host.incoming, hostConn)
		l.state = ConnConnected
		l.peer = host
		l.peerConn = hostConn
	}
	d.connecting = nil

	d.events = append(d.events, d.inbox...)
	d.inbox = nil
}

func (d *MemoryDriver) PopEvent() (Event, bool) {
	d.relay.mu.Lock()
	defer d.relay.mu.Unlock()
	if len(d.events) == 0 {
		return Event{}, false
	}
	ev := d.events[0]
	d.events = d.events[1:]
	return ev, true
}

func (d *MemoryDriver) ConnectionState(id ConnID) ConnState {
	d.relay.mu.Lock()
	defer d.relay.mu.Unlock()
	return d.links.state(id)
}

func (d *MemoryDriver) Send(id ConnID, data []byte) error {
	d.relay.mu.Lock()
	defer d.relay.mu.Unlock()
	l, ok := d.links.get(id)
	if !ok || l.state != ConnConnected || l.peer == nil {
		return fmt.Errorf("link %d: %w", id, ErrNotConnected)
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	l.peer.inbox = append(l.peer.inbox, Event{Type: EventData, Conn: l.peerConn, Data: payload})
	return nil
}

func (d *MemoryDriver) Disconnect(id ConnID) {
	d.relay.mu.Lock()
	defer d.relay.mu.Unlock()
	d.disconnect(id)
}

func (d *MemoryDriver) disconnect(id ConnID) {
	l, ok := d.links.remove(id)
	if !ok || l.peer == nil {
		return
	}
	if pl, ok := l.peer.links.get(l.peerConn); ok && pl.state == ConnConnected {
		pl.state = ConnDisconnected
		l.peer.inbox = append(l.peer.inbox, Event{Type: EventDisconnect, Conn: l.peerConn})
	}
}

func (d *MemoryDriver) Close() error {
	d.relay.mu.Lock()
	defer d.relay.mu.Unlock()
	if d.closed {
		return nil
	}
	for _, id := range d.links.ids() {
		d.disconnect(id)
	}
	if d.listening && d.relay.listeners[d.alloc.ID] == d {
		delete(d.relay.listeners, d.alloc.ID)
	}
	d.closed = true
	d.bind = BindUnbound
	d.events = nil
	d.inbox = nil
	return nil
}
