package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncodeDecodeRoundTrip verifies that encoding and decoding are inverse
// operations across frame types and payload sizes.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		f    *Frame
	}{
		{
			name: "HELLO with control payload",
			f:    &Frame{Type: TypeHello, SessionID: ControlSession, Payload: Marshal(Hello{Version: 1, MaxPayload: 4096})},
		},
		{
			name: "PING with no payload",
			f:    &Frame{Type: TypePing, SessionID: ControlSession},
		},
		{
			name: "SESSION_DATA with small payload",
			f:    &Frame{Type: TypeSessionData, SessionID: 0xDEADBEEF, Payload: []byte("hello world")},
		},
		{
			name: "SESSION_DATA with max payload",
			f:    &Frame{Type: TypeSessionData, SessionID: 42, Payload: make([]byte, DefaultMaxPayload)},
		},
		{
			name: "SESSION_CLOSE with empty payload",
			f:    &Frame{Type: TypeSessionClose, SessionID: 7, Payload: []byte{}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := Encode(tc.f)
			decoded, err := Decode(encoded, DefaultMaxPayload)
			require.NoError(t, err)

			assert.Equal(t, tc.f.Type, decoded.Type)
			assert.Equal(t, tc.f.SessionID, decoded.SessionID)
			if len(tc.f.Payload) == 0 {
				assert.Empty(t, decoded.Payload)
			} else {
				assert.Equal(t, tc.f.Payload, decoded.Payload)
			}
		})
	}
}

// TestDecodeTooShort verifies that inputs shorter than a full header are
// rejected with a ProtocolError.
func TestDecodeTooShort(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"1 byte", []byte{0x01}},
		{"8 bytes (one less than HeaderSize)", make([]byte, 8)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data, DefaultMaxPayload)
			require.Error(t, err)
			var perr *ProtocolError
			assert.ErrorAs(t, err, &perr)
		})
	}
}

// TestDecodeLengthMismatch verifies that a length prefix disagreeing with
// the bytes on the wire is a ProtocolError, not a truncated frame.
func TestDecodeLengthMismatch(t *testing.T) {
	data := Encode(&Frame{Type: TypeSessionData, SessionID: 1, Payload: []byte("abcdef")})

	// Declare two fewer bytes than are present.
	binary.BigEndian.PutUint32(data[0:4], uint32(len(data)-lengthSize-2))
	_, err := Decode(data, DefaultMaxPayload)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)

	// Declare more bytes than are present.
	binary.BigEndian.PutUint32(data[0:4], uint32(len(data)-lengthSize+10))
	_, err = Decode(data, DefaultMaxPayload)
	require.ErrorAs(t, err, &perr)
}

// TestDecodeOversizedPayload verifies the negotiated payload bound.
func TestDecodeOversizedPayload(t *testing.T) {
	data := Encode(&Frame{Type: TypeSessionData, SessionID: 1, Payload: make([]byte, 101)})

	_, err := Decode(data, 100)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)

	f, err := Decode(data, 101)
	require.NoError(t, err)
	assert.Len(t, f.Payload, 101)
}

// TestDecodeUnknownType verifies that an unenumerated type tag is rejected.
func TestDecodeUnknownType(t *testing.T) {
	data := Encode(&Frame{Type: TypePing, SessionID: 0})
	data[4] = 0xFF

	_, err := Decode(data, DefaultMaxPayload)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

// TestControlPayloadUnmarshal verifies that malformed control bodies yield
// a ProtocolError rather than a raw JSON error.
func TestControlPayloadUnmarshal(t *testing.T) {
	var hello Hello
	err := Unmarshal([]byte("{not json"), &hello)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)

	require.NoError(t, Unmarshal(Marshal(Hello{Version: 3}), &hello))
	assert.Equal(t, uint16(3), hello.Version)
}
