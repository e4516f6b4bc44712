package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/camtun/camtun/internal/protocol"
	"github.com/camtun/camtun/internal/util"
)

const (
	inboxSize = 64        // inbound SESSION_DATA backlog per session
	maxChunk  = 16 * 1024 // local read size per SESSION_DATA frame
)

// Proxy relays bytes for one session between its local socket and the
// tunnel. It is the only writer to that socket; inbound payloads are
// applied in the exact order they were delivered.
type Proxy struct {
	id        uint32
	serviceID uint32
	addr      string
	w         FrameWriter

	inbox chan []byte
	done  chan struct{}

	cancel  context.CancelFunc
	mu      sync.Mutex
	conn    net.Conn
	state   stateVar
	noClose atomic.Bool // suppress the outbound SESSION_CLOSE on teardown

	bytesToLocal   atomic.Int64
	bytesFromLocal atomic.Int64
}

func newProxy(id, serviceID uint32, addr string, w FrameWriter) *Proxy {
	p := &Proxy{
		id:        id,
		serviceID: serviceID,
		addr:      addr,
		w:         w,
		inbox:     make(chan []byte, inboxSize),
		done:      make(chan struct{}),
	}
	p.state.set(StateOpening)
	return p
}

// ID returns the relay-assigned session id.
func (p *Proxy) ID() uint32 { return p.id }

// deliver hands an inbound payload to the proxy, preserving arrival order.
// Blocks when the session is alive but its inbox is full, applying
// backpressure on the shared reader rather than reordering or loss.
func (p *Proxy) deliver(payload []byte) {
	select {
	case p.inbox <- payload:
	case <-p.done:
	}
}

// closeFromRelay tears the session down without echoing SESSION_CLOSE: the
// relay initiated the close and must not receive it back.
func (p *Proxy) closeFromRelay() {
	p.noClose.Store(true)
	p.shutdown()
}

// forceClose tears the session down without any frame: the connection the
// frame would travel on is gone.
func (p *Proxy) forceClose() {
	p.noClose.Store(true)
	p.shutdown()
}

func (p *Proxy) shutdown() {
	p.state.set(StateClosing)
	p.mu.Lock()
	conn := p.conn
	cancel := p.cancel
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// run dials the local service and relays bytes until either side closes.
// Invoked on its own goroutine; onExit removes the session from the
// registry when the proxy is fully torn down.
func (p *Proxy) run(parentCtx context.Context, dialTimeout time.Duration, onExit func(*Proxy)) {
	ctx, cancel := context.WithCancel(parentCtx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()
	defer close(p.done)
	defer func() {
		p.state.set(StateClosed)
		if !p.noClose.Load() {
			p.w.WriteFrame(&protocol.Frame{Type: protocol.TypeSessionClose, SessionID: p.id})
		}
		onExit(p)
	}()

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		util.LogWarning("[session %d] dial %s failed: %v", p.id, p.addr, err)
		return
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	defer conn.Close()

	if p.state.get() != StateOpening {
		// Torn down while dialing.
		return
	}
	p.state.set(StateOpen)
	util.LogDebug("[session %d] open to %s", p.id, p.addr)

	// Local socket → tunnel. Exits on read error or socket close; cancels
	// the shared context so the main loop follows.
	localDone := make(chan struct{})
	go func() {
		defer close(localDone)
		defer cancel()
		// Frame payloads must stay within the negotiated bound.
		chunk := maxChunk
		if mp := p.w.MaxPayload(); mp > 0 && mp < chunk {
			chunk = mp
		}
		buf := make([]byte, chunk)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				payload := make([]byte, n)
				copy(payload, buf[:n])
				p.bytesFromLocal.Add(int64(n))
				if !p.w.WriteFrame(&protocol.Frame{
					Type:      protocol.TypeSessionData,
					SessionID: p.id,
					Payload:   payload,
				}) {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Tunnel → local socket, in delivery order.
	for {
		select {
		case payload := <-p.inbox:
			if _, err := conn.Write(payload); err != nil {
				util.LogDebug("[session %d] local write error: %v", p.id, err)
				return
			}
			p.bytesToLocal.Add(int64(len(payload)))
		case <-ctx.Done():
			return
		case <-localDone:
			return
		}
	}
}
