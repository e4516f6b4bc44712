package protocol

import (
	"encoding/binary"
	"fmt"
)

// ProtocolError reports a framing violation: bad length prefix, oversized
// payload, or unknown frame type. The connection manager treats it as fatal
// for the current connection but never for the process.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Encode serializes a frame. The length prefix covers the type byte, the
// session id and the payload. Encode is pure and safe for concurrent use.
func Encode(f *Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+4+len(f.Payload)))
	buf[4] = f.Type
	binary.BigEndian.PutUint32(buf[5:9], f.SessionID)
	if len(f.Payload) > 0 {
		copy(buf[HeaderSize:], f.Payload)
	}
	return buf
}

// Decode deserializes one frame. maxPayload is the negotiated payload
// bound; a declared length that disagrees with the bytes available, exceeds
// the bound, or carries an unknown type yields a ProtocolError and no frame.
func Decode(data []byte, maxPayload int) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, protocolErrorf("frame too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	declared := binary.BigEndian.Uint32(data[0:4])
	if int(declared) != len(data)-lengthSize {
		return nil, protocolErrorf("length prefix %d disagrees with %d bytes on the wire", declared, len(data)-lengthSize)
	}
	payloadLen := len(data) - HeaderSize
	if payloadLen > maxPayload {
		return nil, protocolErrorf("payload of %d bytes exceeds negotiated maximum %d", payloadLen, maxPayload)
	}
	t := data[4]
	if !validType(t) {
		return nil, protocolErrorf("unknown frame type 0x%02x", t)
	}
	f := &Frame{
		Type:      t,
		SessionID: binary.BigEndian.Uint32(data[5:9]),
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		copy(f.Payload, data[HeaderSize:])
	}
	return f, nil
}
