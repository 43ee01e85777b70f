package wire

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlayerNameRoundTrip(t *testing.T) {
	data, err := NewString(PlayerName, "42", "Nova")
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(PlayerName), 2, '4', '2', 4, 'N', 'o', 'v', 'a'}, data)

	frame, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, PlayerName, frame.Type)
	assert.Equal(t, "42", frame.SenderID)
	assert.Equal(t, "Nova", frame.Text)
}

func TestByteAndBarePayloads(t *testing.T) {
	tests := []struct {
		frame  Frame
		expect []byte
	}{
		{Frame{Type: Ping, SenderID: "a"}, []byte{0x00, 1, 'a'}},
		{Frame{Type: Emote, SenderID: "a", Value: 3}, []byte{0x02, 1, 'a', 3}},
		{Frame{Type: ReadyState, SenderID: "ab", Value: 0x04}, []byte{0x03, 2, 'a', 'b', 0x04}},
		{Frame{Type: StartCountdown, SenderID: "h"}, []byte{0x04, 1, 'h'}},
		{Frame{Type: PlayerDisconnect, SenderID: "c"}, []byte{0x08, 1, 'c'}},
	}

	for _, tt := range tests {
		encoded, err := Encode(tt.frame)
		require.NoError(t, err)
		if !bytes.Equal(encoded, tt.expect) {
			t.Errorf("type=%s expected=%x actual=%x", tt.frame.Type, tt.expect, encoded)
		}
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, tt.frame, decoded)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"unknown type", []byte{0x7F, 1, 'a'}},
		{"sender longer than buffer", []byte{byte(Ping), 5, 'a', 'b'}},
		{"missing sender length", []byte{byte(Ping)}},
		{"empty sender", []byte{byte(Ping), 0}},
		{"string longer than buffer", []byte{byte(PlayerName), 1, 'a', 9, 'N', 'o'}},
		{"missing string length", []byte{byte(PlayerName), 1, 'a'}},
		{"missing byte payload", []byte{byte(Emote), 1, 'a'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := Decode(tt.input)
				assert.Error(t, err)
			})
		})
	}
}

func TestEncodeEnforcesFieldCeiling(t *testing.T) {
	long := strings.Repeat("x", 256)

	_, err := NewPing(long)
	assert.ErrorIs(t, err, ErrFieldTooLong)

	_, err = NewString(PlayerName, "42", long)
	assert.ErrorIs(t, err, ErrFieldTooLong)

	data, err := NewString(PlayerName, "42", long[:255])
	require.NoError(t, err)
	frame, err := Decode(data)
	require.NoError(t, err)
	assert.Len(t, frame.Text, 255)

	_, err = Encode(Frame{Type: MessageType(200), SenderID: "42"})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestMessageTypeNames(t *testing.T) {
	assert.Equal(t, "PLAYER_NAME", PlayerName.String())
	assert.Equal(t, "UNKNOWN", MessageType(99).String())
	assert.True(t, ConfirmInGame.Lifecycle())
	assert.False(t, PlayerDisconnect.Lifecycle())
}
