package session

import (
	"context"
	"sync"
	"time"

	"github.com/camtun/camtun/internal/protocol"
	"github.com/camtun/camtun/internal/svctable"
	"github.com/camtun/camtun/internal/util"
)

// Registry is the sole owner of session state. It admits SESSION_OPEN
// requests against the service table and the configured caps, routes
// inbound session frames to the matching proxy, and tears sessions down.
type Registry struct {
	table       *svctable.Table
	w           FrameWriter
	maxTotal    int
	maxPerSvc   int
	dialTimeout time.Duration

	mu       sync.Mutex
	sessions map[uint32]*Proxy
}

// NewRegistry creates an empty registry. w is the tunnel's serialized
// writer path; all frames the registry and its proxies emit go through it.
func NewRegistry(table *svctable.Table, w FrameWriter, maxTotal, maxPerService int, dialTimeout time.Duration) *Registry {
	return &Registry{
		table:       table,
		w:           w,
		maxTotal:    maxTotal,
		maxPerSvc:   maxPerService,
		dialTimeout: dialTimeout,
		sessions:    make(map[uint32]*Proxy),
	}
}

// HandleOpen admits or rejects a SESSION_OPEN. Rejections are explicit
// protocol replies; nothing below this level ever disturbs the tunnel.
// On admission the session is registered immediately, reserving its id,
// and the local dial proceeds on the proxy's own goroutine so a slow
// service cannot stall the connection reader.
func (r *Registry) HandleOpen(ctx context.Context, sessionID, serviceID uint32) {
	reject := func(reason string) {
		util.LogDebug("[session %d] rejected (%s)", sessionID, reason)
		r.w.WriteFrame(&protocol.Frame{
			Type:      protocol.TypeSessionReject,
			SessionID: sessionID,
			Payload:   protocol.Marshal(protocol.Reject{Reason: reason}),
		})
	}

	entry, ok := r.table.Resolve(serviceID)
	if !ok {
		reject(protocol.RejectNotFound)
		return
	}

	r.mu.Lock()
	if _, exists := r.sessions[sessionID]; exists {
		r.mu.Unlock()
		// The id is still registered in some state; it must not be reused.
		reject(protocol.RejectResourceExhausted)
		return
	}
	if len(r.sessions) >= r.maxTotal || r.countForServiceLocked(serviceID) >= r.maxPerSvc {
		r.mu.Unlock()
		reject(protocol.RejectResourceExhausted)
		return
	}
	p := newProxy(sessionID, serviceID, entry.Addr(), r.w)
	r.sessions[sessionID] = p
	r.mu.Unlock()

	util.Stats.AddSession()
	go p.run(ctx, r.dialTimeout, r.remove)
}

// Deliver routes an inbound SESSION_DATA payload to its session. Payloads
// for unknown sessions are dropped with a debug log; stale frames are
// expected around session teardown.
func (r *Registry) Deliver(sessionID uint32, payload []byte) {
	r.mu.Lock()
	p, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		util.LogDebug("[session %d] data for unknown session dropped", sessionID)
		return
	}
	p.deliver(payload)
}

// HandleClose processes a relay-sent SESSION_CLOSE: the local socket is
// closed and the session removed without echoing SESSION_CLOSE back.
func (r *Registry) HandleClose(sessionID uint32) {
	r.mu.Lock()
	p, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	p.closeFromRelay()
}

// CloseAll force-closes every session without sending frames. Used when
// the connection itself is gone.
func (r *Registry) CloseAll() {
	for _, p := range r.snapshot() {
		p.forceClose()
	}
}

// Shutdown is the graceful path: best-effort SESSION_CLOSE for every open
// session, then force-close, bounded by ctx.
func (r *Registry) Shutdown(ctx context.Context) {
	proxies := r.snapshot()
	for _, p := range proxies {
		r.w.WriteFrame(&protocol.Frame{Type: protocol.TypeSessionClose, SessionID: p.ID()})
	}
	for _, p := range proxies {
		p.forceClose()
	}
	for _, p := range proxies {
		select {
		case <-p.done:
		case <-ctx.Done():
			return
		}
	}
}

// Counts returns the number of registered sessions, total and per service.
func (r *Registry) Counts() (int, map[uint32]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	perSvc := make(map[uint32]int)
	for _, p := range r.sessions {
		perSvc[p.serviceID]++
	}
	return len(r.sessions), perSvc
}

// Traffic returns cumulative byte counters summed over live sessions.
func (r *Registry) Traffic() (toLocal, fromLocal int64) {
	for _, p := range r.snapshot() {
		toLocal += p.bytesToLocal.Load()
		fromLocal += p.bytesFromLocal.Load()
	}
	return toLocal, fromLocal
}

func (r *Registry) snapshot() []*Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Proxy, 0, len(r.sessions))
	for _, p := range r.sessions {
		out = append(out, p)
	}
	return out
}

func (r *Registry) remove(p *Proxy) {
	r.mu.Lock()
	if cur, ok := r.sessions[p.id]; ok && cur == p {
		delete(r.sessions, p.id)
	}
	r.mu.Unlock()
	util.Stats.RemoveSession()
	util.LogDebug("[session %d] closed (%d bytes in, %d bytes out)",
		p.id, p.bytesToLocal.Load(), p.bytesFromLocal.Load())
}

func (r *Registry) countForServiceLocked(serviceID uint32) int {
	n := 0
	for _, p := range r.sessions {
		if p.serviceID == serviceID {
			n++
		}
	}
	return n
}
