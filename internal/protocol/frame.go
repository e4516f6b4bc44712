// Package protocol defines the tunnel wire format: length-prefixed frames
// multiplexing many logical sessions over one ordered byte stream.
package protocol

import "strconv"

// Frame type constants.
const (
	TypeHello         uint8 = 0x01 // client → relay: protocol version offer
	TypeHelloAck      uint8 = 0x02 // relay → client: version + max frame size accept
	TypeRegister      uint8 = 0x03 // client → relay: identity + service table
	TypeUpdateTable   uint8 = 0x04 // client → relay: service table diff
	TypeRedirect      uint8 = 0x05 // relay → client: reconnect to another relay
	TypeScanNetwork   uint8 = 0x06 // relay → client: run a discovery cycle now
	TypeStatusReq     uint8 = 0x07 // relay → client: status probe
	TypeStatusResp    uint8 = 0x08 // client → relay: session counts, uptime, traffic
	TypeSessionOpen   uint8 = 0x09 // relay → client: open session to a service id
	TypeSessionData   uint8 = 0x0A // both directions: session payload bytes
	TypeSessionClose  uint8 = 0x0B // both directions: session teardown
	TypeSessionReject uint8 = 0x0C // client → relay: open refused
	TypePing          uint8 = 0x0D
	TypePong          uint8 = 0x0E
)

// ControlSession is the session id reserved for control traffic.
const ControlSession uint32 = 0

// Header layout: Length(4) covering Type(1) + SessionID(4) + payload.
const (
	lengthSize = 4
	HeaderSize = lengthSize + 1 + 4
)

// DefaultMaxPayload is the frame payload bound offered in HELLO; the relay
// may negotiate it down in HELLO_ACK.
const DefaultMaxPayload = 64 * 1024

// Frame is one unit of the tunnel protocol. SessionID 0 addresses the
// control channel; any other value addresses a session proxy.
type Frame struct {
	Type      uint8
	SessionID uint32
	Payload   []byte
}

var typeNames = map[uint8]string{
	TypeHello:         "HELLO",
	TypeHelloAck:      "HELLO_ACK",
	TypeRegister:      "REGISTER",
	TypeUpdateTable:   "UPDATE_SERVICE_TABLE",
	TypeRedirect:      "REDIRECT",
	TypeScanNetwork:   "SCAN_NETWORK",
	TypeStatusReq:     "STATUS_REQUEST",
	TypeStatusResp:    "STATUS_RESPONSE",
	TypeSessionOpen:   "SESSION_OPEN",
	TypeSessionData:   "SESSION_DATA",
	TypeSessionClose:  "SESSION_CLOSE",
	TypeSessionReject: "SESSION_REJECT",
	TypePing:          "PING",
	TypePong:          "PONG",
}

// TypeName returns the wire name of a frame type.
func TypeName(t uint8) string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "UNKNOWN(0x" + strconv.FormatUint(uint64(t), 16) + ")"
}

func validType(t uint8) bool {
	_, ok := typeNames[t]
	return ok
}
