// Package wire implements the binary frame format exchanged over the relay link.
//
// Frame layout: [1 byte type][1 byte sender id length][sender id][payload].
// String payloads are [1 byte length][bytes], byte payloads are a single byte,
// and the remaining types carry no payload.
package wire

import "errors"

// MessageType identifies a relay frame.
type MessageType byte

const (
	Ping             MessageType = iota // keep-alive, no payload
	PlayerName                          // string payload
	Emote                               // byte payload, session.Emote
	ReadyState                          // byte payload, session.Status bits
	StartCountdown                      // host broadcast
	CancelCountdown                     // host broadcast
	ConfirmInGame                       // host broadcast
	EndInGame                           // host broadcast
	PlayerDisconnect                    // client to host on leave, host forwards
)

// MaxFieldLength is the ceiling imposed by the single-byte length fields.
const MaxFieldLength = 255

var messageTypeMap = map[MessageType]string{
	Ping:             "PING",
	PlayerName:       "PLAYER_NAME",
	Emote:            "EMOTE",
	ReadyState:       "READY_STATE",
	StartCountdown:   "START_COUNTDOWN",
	CancelCountdown:  "CANCEL_COUNTDOWN",
	ConfirmInGame:    "CONFIRM_IN_GAME",
	EndInGame:        "END_IN_GAME",
	PlayerDisconnect: "PLAYER_DISCONNECT",
}

func (t MessageType) String() string {
	if name, ok := messageTypeMap[t]; ok {
		return name
	}
	return "UNKNOWN"
}

func (t MessageType) Valid() bool {
	_, ok := messageTypeMap[t]
	return ok
}

// Lifecycle reports whether t is one of the host-broadcast session lifecycle types.
func (t MessageType) Lifecycle() bool {
	switch t {
	case StartCountdown, CancelCountdown, ConfirmInGame, EndInGame:
		return true
	}
	return false
}

type payloadShape byte

const (
	shapeNone payloadShape = iota
	shapeString
	shapeByte
)

func (t MessageType) shape() payloadShape {
	switch t {
	case PlayerName:
		return shapeString
	case Emote, ReadyState:
		return shapeByte
	}
	return shapeNone
}

var (
	ErrFieldTooLong   = errors.New("field exceeds 255 bytes")
	ErrUnknownType    = errors.New("unknown message type")
	ErrShortBuffer    = errors.New("declared length exceeds remaining buffer")
	ErrEmptySenderID  = errors.New("sender id is empty")
	ErrPayloadMissing = errors.New("payload missing for message type")
)

// Frame is one decoded relay message.
type Frame struct {
	Type     MessageType
	SenderID string
	Text     string // PlayerName
	Value    byte   // Emote, ReadyState
}
