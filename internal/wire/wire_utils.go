package wire

import "fmt"

// reader walks a frame buffer without ever indexing past its end.
type reader struct {
	context    []byte
	contextLen int
	currentPtr int
}

func newReader(buf []byte) *reader {
	return &reader{context: buf, contextLen: len(buf)}
}

func (r *reader) remaining() int {
	return r.contextLen - r.currentPtr
}

func (r *reader) readByte() (byte, error) {
	if r.currentPtr >= r.contextLen {
		return 0, fmt.Errorf("read byte at %d: %w", r.currentPtr, ErrShortBuffer)
	}
	b := r.context[r.currentPtr]
	r.currentPtr++
	return b, nil
}

func (r *reader) readBytes(length int) ([]byte, error) {
	if length < 0 || r.currentPtr+length > r.contextLen {
		return nil, fmt.Errorf("read %d bytes at %d (len=%d): %w", length, r.currentPtr, r.contextLen, ErrShortBuffer)
	}
	data := r.context[r.currentPtr : r.currentPtr+length]
	r.currentPtr += length
	return data, nil
}

// readField reads a [1 byte length][bytes] field.
func (r *reader) readField() (string, error) {
	length, err := r.readByte()
	if err != nil {
		return "", err
	}
	data, err := r.readBytes(int(length))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func appendField(dst []byte, value string) ([]byte, error) {
	if len(value) > MaxFieldLength {
		return dst, fmt.Errorf("%q: %w", truncate(value), ErrFieldTooLong)
	}
	dst = append(dst, byte(len(value)))
	return append(dst, value...), nil
}

func truncate(s string) string {
	if len(s) <= 16 {
		return s
	}
	return s[:16] + "..."
}
