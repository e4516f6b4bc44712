// Package session owns the lifecycle of relay-initiated sessions: admission
// against the service table and configured caps, and bidirectional byte
// relay between each session's local socket and the tunnel writer path.
package session

import (
	"strconv"
	"sync/atomic"

	"github.com/camtun/camtun/internal/protocol"
)

// FrameWriter is the tunnel's serialized outbound path. WriteFrame enqueues
// a frame for transmission and reports false when the connection is down
// and the frame was discarded. MaxPayload is the negotiated per-frame
// payload bound; no frame handed to WriteFrame may carry more.
type FrameWriter interface {
	WriteFrame(f *protocol.Frame) bool
	MaxPayload() int
}

// State of a session.
type State int32

const (
	StateOpening State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

type stateVar struct {
	v atomic.Int32
}

func (s *stateVar) get() State   { return State(s.v.Load()) }
func (s *stateVar) set(st State) { s.v.Store(int32(st)) }
