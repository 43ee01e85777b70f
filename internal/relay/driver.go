package relay

import "errors"

// ConnID names one link on a driver. Ids are local to the driver that issued them.
type ConnID uint32

type ConnState uint8

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "Connecting"
	case ConnConnected:
		return "Connected"
	}
	return "Disconnected"
}

type BindState uint8

const (
	BindUnbound BindState = iota
	Binding
	Bound
	BindFailed
)

func (s BindState) String() string {
	switch s {
	case Binding:
		return "Binding"
	case Bound:
		return "Bound"
	case BindFailed:
		return "BindFailed"
	}
	return "Unbound"
}

type EventType uint8

const (
	EventData EventType = iota
	EventDisconnect
)

// Event is one inbound driver event, surfaced by Pump and consumed with PopEvent.
type Event struct {
	Type EventType
	Conn ConnID
	Data []byte
}

var (
	ErrNotBound        = errors.New("driver is not bound")
	ErrAlreadyBound    = errors.New("driver is already bound")
	ErrNotConnected    = errors.New("link is not connected")
	ErrDriverClosed    = errors.New("driver is closed")
	ErrSendBufferFull  = errors.New("send buffer is full")
	ErrUnknownJoinCode = errors.New("unknown relay join code")
)

// Driver is the low-level relay link layer. Every method is called from the tick goroutine.
// Bind and Connect only start their work; progress becomes visible after a later Pump.
type Driver interface {
	Bind(alloc Allocation) error
	BindState() BindState
	// Listen makes a bound driver accept incoming links.
	Listen() error
	// Connect opens a link to the host named by the bound allocation.
	Connect() (ConnID, error)
	// Accept returns the next incoming link that has not been handed out yet.
	Accept() (ConnID, bool)
	Pump()
	PopEvent() (Event, bool)
	ConnectionState(id ConnID) ConnState
	Send(id ConnID, data []byte) error
	Disconnect(id ConnID)
	Close() error
}
