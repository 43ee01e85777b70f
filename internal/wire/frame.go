package wire

import "fmt"

// Encode serializes f. Payload fields not used by f.Type are ignored.
func Encode(f Frame) ([]byte, error) {
	if !f.Type.Valid() {
		return nil, fmt.Errorf("encode type %d: %w", f.Type, ErrUnknownType)
	}
	if f.SenderID == "" {
		return nil, ErrEmptySenderID
	}

	packet := make([]byte, 0, 3+len(f.SenderID)+len(f.Text))
	packet = append(packet, byte(f.Type))
	packet, err := appendField(packet, f.SenderID)
	if err != nil {
		return nil, fmt.Errorf("sender id: %w", err)
	}

	switch f.Type.shape() {
	case shapeString:
		packet, err = appendField(packet, f.Text)
		if err != nil {
			return nil, fmt.Errorf("%s payload: %w", f.Type, err)
		}
	case shapeByte:
		packet = append(packet, f.Value)
	}
	return packet, nil
}

func NewPing(senderID string) ([]byte, error) {
	return Encode(Frame{Type: Ping, SenderID: senderID})
}

func NewString(t MessageType, senderID, text string) ([]byte, error) {
	return Encode(Frame{Type: t, SenderID: senderID, Text: text})
}

func NewByte(t MessageType, senderID string, value byte) ([]byte, error) {
	return Encode(Frame{Type: t, SenderID: senderID, Value: value})
}

// Decode parses one frame. Malformed input returns an error and never panics;
// callers drop the frame and keep the link open.
func Decode(buf []byte) (Frame, error) {
	r := newReader(buf)
	result := Frame{}

	typeByte, err := r.readByte()
	if err != nil {
		return result, fmt.Errorf("message type: %w", err)
	}
	result.Type = MessageType(typeByte)
	if !result.Type.Valid() {
		return result, fmt.Errorf("decode type %d: %w", typeByte, ErrUnknownType)
	}

	sender, err := r.readField()
	if err != nil {
		return result, fmt.Errorf("sender id: %w", err)
	}
	if sender == "" {
		return result, ErrEmptySenderID
	}
	result.SenderID = sender

	switch result.Type.shape() {
	case shapeString:
		text, err := r.readField()
		if err != nil {
			return result, fmt.Errorf("%s payload: %w", result.Type, err)
		}
		result.Text = text
	case shapeByte:
		value, err := r.readByte()
		if err != nil {
			return result, fmt.Errorf("%s payload: %w", result.Type, ErrPayloadMissing)
		}
		result.Value = value
	}

	return result, nil
}
