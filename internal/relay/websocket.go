package relay

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/logger"
)

// Relay envelope controls. Every websocket message is [control][conn id, 4 bytes BE][payload].
const (
	ctrlData byte = iota
	ctrlConnect
	ctrlDisconnect
	ctrlListen
)

const envelopeHeader = 5

var ErrShortEnvelope = errors.New("relay envelope shorter than its header")

func encodeEnvelope(control byte, id ConnID, payload []byte) []byte {
	buf := make([]byte, envelopeHeader, envelopeHeader+len(payload))
	buf[0] = control
	binary.BigEndian.PutUint32(buf[1:], uint32(id))
	return append(buf, payload...)
}

func decodeEnvelope(buf []byte) (byte, ConnID, []byte, error) {
	if len(buf) < envelopeHeader {
		return 0, 0, nil, ErrShortEnvelope
	}
	return buf[0], ConnID(binary.BigEndian.Uint32(buf[1:envelopeHeader])), buf[envelopeHeader:], nil
}

type WebsocketOptions struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	ReadBuffer   int
}

func DefaultWebsocketOptions() WebsocketOptions {
	return WebsocketOptions{
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		SendBuffer:   256,
		ReadBuffer:   256,
	}
}

type dialResult struct {
	conn *websocket.Conn
	err  error
}

// WebsocketDriver speaks the relay envelope over one websocket per allocation. A reader and a
// writer goroutine own the socket; everything else runs on the caller's tick.
type WebsocketDriver struct {
	opts WebsocketOptions

	alloc     Allocation
	bind      BindState
	listening bool
	links     *linkRegistry
	nextConn  ConnID
	incoming  []ConnID
	events    []Event

	ctx       context.Context
	cancel    context.CancelFunc
	dialed    chan dialResult
	conn      *websocket.Conn
	inbound   chan []byte
	outbound  chan []byte
	readErr   chan error
	written   chan struct{}
	closeOnce sync.Once
}

func NewWebsocketDriver(opts WebsocketOptions) *WebsocketDriver {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebsocketDriver{
		opts:     opts,
		links:    newLinkRegistry("relay"),
		ctx:      ctx,
		cancel:   cancel,
		dialed:   make(chan dialResult, 1),
		inbound:  make(chan []byte, opts.ReadBuffer),
		outbound: make(chan []byte, opts.SendBuffer),
		readErr:  make(chan error, 1),
		written:  make(chan struct{}),
	}
}

func (d *WebsocketDriver) Bind(alloc Allocation) error {
	if d.ctx.Err() != nil {
		return ErrDriverClosed
	}
	if d.bind == Binding || d.bind == Bound {
		return ErrAlreadyBound
	}
	d.alloc = alloc
	d.bind = Binding
	d.links.tag = alloc.ID

	header := http.Header{}
	header.Set("Authorization", "Bearer "+base64.StdEncoding.EncodeToString(alloc.Key))
	header.Set("X-Relay-Allocation", alloc.ID)
	header.Set("X-Relay-Connection", base64.StdEncoding.EncodeToString(alloc.ConnectionData))

	go func() {
		ctx, cancel := context.WithTimeout(d.ctx, d.opts.DialTimeout)
		defer cancel()
		conn, _, err := websocket.Dial(ctx, alloc.Endpoint, &websocket.DialOptions{HTTPHeader: header})
		d.dialed <- dialResult{conn: conn, err: err}
	}()
	return nil
}

func (d *WebsocketDriver) BindState() BindState { return d.bind }

func (d *WebsocketDriver) Listen() error {
	if d.bind != Bound {
		return ErrNotBound
	}
	if err := d.enqueue(encodeEnvelope(ctrlListen, 0, nil)); err != nil {
		return err
	}
	d.listening = true
	return nil
}

func (d *WebsocketDriver) Connect() (ConnID, error) {
	if d.bind != Bound {
		return 0, ErrNotBound
	}
	d.nextConn++
	id := d.nextConn
	if err := d.enqueue(encodeEnvelope(ctrlConnect, id, d.alloc.HostConnectionData)); err != nil {
		return 0, err
	}
	d.links.add(id, &link{state: ConnConnecting})
	return id, nil
}

func (d *WebsocketDriver) Accept() (ConnID, bool) {
	if len(d.incoming) == 0 {
		return 0, false
	}
	id := d.incoming[0]
	d.incoming = d.incoming[1:]
	return id, true
}

func (d *WebsocketDriver) Pump() {
	if d.bind == Binding {
		select {
		case res := <-d.dialed:
			if res.err != nil {
				logger.ErrorF("[%s] Fail to bind relay allocation, details: %v", d.alloc.ID, res.err)
				d.bind = BindFailed
				return
			}
			d.conn = res.conn
			d.bind = Bound
			logger.InfoF("[%s] Bound to relay %s", d.alloc.ID, d.alloc.Endpoint)
			go d.readLoop()
			go d.writeLoop()
		default:
			return
		}
	}
	if d.bind != Bound {
		return
	}

	for n := len(d.inbound); n > 0; n-- {
		d.handleEnvelope(<-d.inbound)
	}

	select {
	case <-d.readErr:
		for _, id := range d.links.ids() {
			d.links.remove(id)
			d.events = append(d.events, Event{Type: EventDisconnect, Conn: id})
		}
		d.bind = BindFailed
	default:
	}
}

func (d *WebsocketDriver) handleEnvelope(buf []byte) {
	control, id, payload, err := decodeEnvelope(buf)
	if err != nil {
		logger.WarnF("[%s] Dropping relay message: %v", d.alloc.ID, err)
		return
	}
	switch control {
	case ctrlConnect:
		if l, ok := d.links.get(id); ok {
			if l.state == ConnConnecting {
				l.state = ConnConnected
				logger.InfoF("[%s] Link %d connected", d.alloc.ID, id)
			}
			return
		}
		if !d.listening {
			logger.WarnF("[%s] Unexpected link %d while not listening", d.alloc.ID, id)
			return
		}
		d.links.add(id, &link{state: ConnConnected})
		d.incoming = append(d.incoming, id)
	case ctrlData:
		if d.links.state(id) != ConnConnected {
			return
		}
		d.events = append(d.events, Event{Type: EventData, Conn: id, Data: payload})
	case ctrlDisconnect:
		if _, ok := d.links.remove(id); ok {
			d.events = append(d.events, Event{Type: EventDisconnect, Conn: id})
		}
	case ctrlListen:
	default:
		logger.WarnF("[%s] Unknown relay control %d", d.alloc.ID, control)
	}
}

func (d *WebsocketDriver) PopEvent() (Event, bool) {
	if len(d.events) == 0 {
		return Event{}, false
	}
	ev := d.events[0]
	d.events = d.events[1:]
	return ev, true
}

func (d *WebsocketDriver) ConnectionState(id ConnID) ConnState { return d.links.state(id) }

func (d *WebsocketDriver) Send(id ConnID, data []byte) error {
	if d.links.state(id) != ConnConnected {
		return fmt.Errorf("link %d: %w", id, ErrNotConnected)
	}
	return d.enqueue(encodeEnvelope(ctrlData, id, data))
}

func (d *WebsocketDriver) Disconnect(id ConnID) {
	if _, ok := d.links.remove(id); !ok {
		return
	}
	if err := d.enqueue(encodeEnvelope(ctrlDisconnect, id, nil)); err != nil {
		logger.WarnF("[%s] Fail to announce disconnect of link %d: %v", d.alloc.ID, id, err)
	}
}

func (d *WebsocketDriver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		for _, id := range d.links.ids() {
			d.links.remove(id)
		}
		if d.conn != nil {
			d.flush(d.opts.WriteTimeout)
			err = d.conn.Close(websocket.StatusNormalClosure, "")
			if isClosedError(err) {
				err = nil
			}
		}
		d.cancel()
		select {
		case res := <-d.dialed:
			if res.conn != nil {
				_ = res.conn.CloseNow()
			}
		default:
		}
		d.bind = BindUnbound
		d.events = nil
	})
	return err
}

// flush gives the writer up to timeout to send what is queued, so a leaving peer's last frames go out.
func (d *WebsocketDriver) flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for len(d.outbound) > 0 && time.Now().Before(deadline) {
		select {
		case <-d.written:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (d *WebsocketDriver) enqueue(buf []byte) error {
	if d.ctx.Err() != nil {
		return ErrDriverClosed
	}
	select {
	case d.outbound <- buf:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (d *WebsocketDriver) readLoop() {
	for {
		typ, data, err := d.conn.Read(d.ctx)
		if err != nil {
			if d.ctx.Err() == nil {
				logReadError(d.alloc.ID, err)
			}
			d.readErr <- err
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		select {
		case d.inbound <- data:
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *WebsocketDriver) writeLoop() {
	defer close(d.written)
	for {
		select {
		case <-d.ctx.Done():
			return
		case buf := <-d.outbound:
			ctx, cancel := context.WithTimeout(d.ctx, d.opts.WriteTimeout)
			err := d.conn.Write(ctx, websocket.MessageBinary, buf)
			cancel()
			if err != nil {
				if !isClosedError(err) {
					logger.ErrorF("[%s] Fail to send data, details: %v", d.alloc.ID, err)
				}
				return
			}
			logger.DebugF("[%s] Send %d bytes to relay", d.alloc.ID, len(buf))
		}
	}
}
