package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/camtun/camtun/internal/svctable"
)

// Version is the protocol revision offered in HELLO. The relay acks the
// highest revision it shares with the client.
const Version uint16 = 1

// Control payload bodies, JSON-encoded. Data frames carry raw bytes; only
// control-plane messages pay the JSON cost.

// Hello is the HELLO payload.
type Hello struct {
	Version    uint16 `json:"version"`
	MaxPayload uint32 `json:"maxPayload"`
}

// HelloAck is the HELLO_ACK payload, acking both HELLO and REGISTER.
type HelloAck struct {
	Version    uint16 `json:"version"`
	MaxPayload uint32 `json:"maxPayload,omitempty"`
}

// Register is the REGISTER payload: client identity plus the full service
// table snapshot.
type Register struct {
	ClientID string               `json:"clientId"`
	MAC      string               `json:"mac,omitempty"`
	Services []svctable.Entry     `json:"services"`
	Hosts    []svctable.HostPorts `json:"hosts,omitempty"`
}

// Redirect is the REDIRECT payload naming the next relay to connect to.
type Redirect struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// SessionOpen is the SESSION_OPEN payload; the session id itself travels in
// the frame header.
type SessionOpen struct {
	ServiceID uint32 `json:"serviceId"`
}

// Reject reason codes carried in SESSION_REJECT.
const (
	RejectNotFound          = "not_found"
	RejectResourceExhausted = "resource_exhausted"
)

// Reject is the SESSION_REJECT payload.
type Reject struct {
	Reason string `json:"reason"`
}

// Status is the STATUS_RESPONSE payload. BytesSent/BytesRecv count tunnel
// frames; the session counters cover live session traffic only.
type Status struct {
	UptimeSeconds         int64          `json:"uptimeSeconds"`
	OpenSessions          int            `json:"openSessions"`
	PerService            map[uint32]int `json:"perService,omitempty"`
	BytesSent             int64          `json:"bytesSent"`
	BytesRecv             int64          `json:"bytesRecv"`
	SessionBytesToLocal   int64          `json:"sessionBytesToLocal"`
	SessionBytesFromLocal int64          `json:"sessionBytesFromLocal"`
}

// Marshal encodes a control body into a frame payload.
func Marshal(body interface{}) []byte {
	data, err := json.Marshal(body)
	if err != nil {
		// Control bodies are plain structs; a marshal failure is a bug.
		panic(fmt.Sprintf("protocol: marshal control body: %v", err))
	}
	return data
}

// Unmarshal decodes a control frame payload into body.
func Unmarshal(payload []byte, body interface{}) error {
	if err := json.Unmarshal(payload, body); err != nil {
		return protocolErrorf("malformed control payload: %v", err)
	}
	return nil
}
