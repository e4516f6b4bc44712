// Package tunnel owns the single persistent connection to the relay: the
// connect/handshake/register state machine, reconnection backoff, the
// serialized writer path, frame dispatch, and the control channel.
package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/camtun/camtun/internal/config"
	"github.com/camtun/camtun/internal/discovery"
	"github.com/camtun/camtun/internal/protocol"
	"github.com/camtun/camtun/internal/session"
	"github.com/camtun/camtun/internal/state"
	"github.com/camtun/camtun/internal/svctable"
	"github.com/camtun/camtun/internal/util"
)

const (
	outboxSize       = 256
	handshakeTimeout = 30 * time.Second
	drainTimeout     = 3 * time.Second
)

// errRedirect signals that the current connection was abandoned because the
// relay ordered a redirect; the reconnect happens with zero delay.
var errRedirect = errors.New("redirected by relay")

// Manager drives the tunnel connection lifecycle. It implements
// session.FrameWriter: every outbound frame, control or data, funnels
// through its single writer goroutine to preserve total ordering.
type Manager struct {
	cfg      config.Config
	clk      clock.Clock
	table    *svctable.Table
	engine   *discovery.Engine
	ident    *state.State
	registry *session.Registry
	policy   *reconnectPolicy
	control  *control

	state atomic.Int32

	mu         sync.RWMutex
	targetHost string
	targetPort uint16
	redirected bool
	outbox     chan *protocol.Frame
	connDone   chan struct{}

	maxPayload  atomic.Int64
	lastPong    atomic.Int64 // unix nanos of the most recent PONG
	activeSince atomic.Int64 // unix nanos; 0 while not Active
	startedAt   time.Time

	// set by register, consumed by active; both run on the Run goroutine
	registerOverflow []svctable.Entry
}

// NewManager creates a manager targeting the configured relay. The session
// registry is attached afterwards via SetRegistry (it needs the manager as
// its frame writer).
func NewManager(cfg config.Config, clk clock.Clock, table *svctable.Table, engine *discovery.Engine, ident *state.State) *Manager {
	m := &Manager{
		cfg:        cfg,
		clk:        clk,
		table:      table,
		engine:     engine,
		ident:      ident,
		targetHost: cfg.RelayHost,
		targetPort: cfg.RelayPort,
		policy:     newReconnectPolicy(cfg.BackoffFloor, cfg.BackoffCeiling, cfg.BackoffJitter, cfg.StableResetAfter, clk),
		startedAt:  clk.Now(),
	}
	m.maxPayload.Store(int64(cfg.MaxFramePayload))
	m.control = newControl(m)
	return m
}

// SetRegistry attaches the session registry. Must be called before Run.
func (m *Manager) SetRegistry(r *session.Registry) {
	m.registry = r
}

// OnDiff registers an observer invoked for every table diff forwarded to
// the relay. The app layer uses it to keep the cached table on disk.
func (m *Manager) OnDiff(fn func(svctable.Diff)) {
	m.control.onDiff = fn
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	if prev != s {
		util.LogDebug("connection: %s → %s", prev, s)
	}
}

// Uptime returns how long the connection has been Active, or zero.
func (m *Manager) Uptime() time.Duration {
	since := m.activeSince.Load()
	if since == 0 {
		return 0
	}
	return m.clk.Since(time.Unix(0, since))
}

// Redirect points the next connection attempt at a new relay. Called by the
// control channel on REDIRECT.
func (m *Manager) Redirect(host string, port uint16) {
	m.mu.Lock()
	m.targetHost = host
	m.targetPort = port
	m.redirected = true
	m.mu.Unlock()
	util.LogInfo("relay redirect to %s:%d", host, port)
}

func (m *Manager) target() (string, uint16) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.targetHost, m.targetPort
}

func (m *Manager) takeRedirect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.redirected
	m.redirected = false
	return r
}

// MaxPayload returns the frame payload bound negotiated in HELLO_ACK, the
// configured default before any negotiation.
func (m *Manager) MaxPayload() int {
	return int(m.maxPayload.Load())
}

// WriteFrame enqueues a frame on the serialized writer path. Returns false
// when no connection is up; the frame is discarded, matching the contract
// that a lost connection drops all queued output.
func (m *Manager) WriteFrame(f *protocol.Frame) bool {
	m.mu.RLock()
	out, done := m.outbox, m.connDone
	m.mu.RUnlock()
	if out == nil {
		return false
	}
	select {
	case out <- f:
		return true
	case <-done:
		return false
	}
}

// Run drives the reconnection loop until ctx is cancelled. Every failure
// path funnels through Backoff; a pending redirect skips the delay.
func (m *Manager) Run(ctx context.Context) error {
	for {
		err := m.runOnce(ctx)
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return ctx.Err()
		}

		m.policy.NoteDisconnect()
		m.setState(StateBackoff)

		if errors.Is(err, errRedirect) || m.takeRedirect() {
			m.policy.Reset()
			continue
		}

		delay := m.policy.Next()
		util.LogInfo("connection lost (%v), retrying in %s", err, delay.Round(time.Millisecond))
		timer := m.clk.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			m.setState(StateDisconnected)
			return ctx.Err()
		}
	}
}

// runOnce performs one full connection attempt: resolve, connect,
// handshake, register, then the active phase until failure or shutdown.
func (m *Manager) runOnce(ctx context.Context) error {
	host, port := m.target()
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	m.setState(StateResolving)
	if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}

	m.setState(StateConnecting)
	u := url.URL{Scheme: "wss", Host: addr, Path: "/tunnel"}
	tlsConfig := m.cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: m.serverName(host)}
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  tlsConfig,
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer ws.Close()
	util.LogInfo("connected to relay %s", addr)

	m.setState(StateHandshaking)
	if err := m.handshake(ws); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	m.setState(StateRegistering)
	if err := m.register(ws); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	return m.active(ctx, ws)
}

// serverName selects the TLS identity to verify: the configured override,
// or the relay hostname itself.
func (m *Manager) serverName(host string) string {
	if m.cfg.ServerName != "" {
		return m.cfg.ServerName
	}
	return host
}

// handshake exchanges HELLO / HELLO_ACK and adopts the negotiated frame
// payload bound.
func (m *Manager) handshake(ws *websocket.Conn) error {
	hello := protocol.Hello{Version: protocol.Version, MaxPayload: uint32(m.cfg.MaxFramePayload)}
	if err := writeDirect(ws, &protocol.Frame{Type: protocol.TypeHello, Payload: protocol.Marshal(hello)}); err != nil {
		return err
	}
	f, err := m.readHandshakeFrame(ws)
	if err != nil {
		return err
	}
	if f.Type != protocol.TypeHelloAck {
		return fmt.Errorf("expected HELLO_ACK, got %s", protocol.TypeName(f.Type))
	}
	var ack protocol.HelloAck
	if err := protocol.Unmarshal(f.Payload, &ack); err != nil {
		return err
	}
	if ack.Version != protocol.Version {
		return fmt.Errorf("relay speaks protocol version %d, want %d", ack.Version, protocol.Version)
	}
	negotiated := m.cfg.MaxFramePayload
	if ack.MaxPayload > 0 && int(ack.MaxPayload) < negotiated {
		negotiated = int(ack.MaxPayload)
	}
	m.maxPayload.Store(int64(negotiated))
	return nil
}

// register announces identity plus the current service table and waits for
// the relay's ack. A table too large for one frame is trimmed to the
// negotiated payload bound; the remaining entries follow as
// UPDATE_SERVICE_TABLE frames once the writer path is up.
func (m *Manager) register(ws *websocket.Conn) error {
	m.control.drainPending()
	reg := protocol.Register{
		ClientID: m.ident.ClientID,
		MAC:      m.ident.MAC,
		Services: m.table.Snapshot(),
		Hosts:    m.table.Hosts(),
	}
	maxPayload := m.MaxPayload()
	payload := protocol.Marshal(reg)
	if len(payload) > maxPayload {
		// The per-host summary is advisory; shed it before shedding entries.
		reg.Hosts = nil
		payload = protocol.Marshal(reg)
	}
	var overflow []svctable.Entry
	for len(payload) > maxPayload && len(reg.Services) > 0 {
		last := len(reg.Services) - 1
		overflow = append(overflow, reg.Services[last])
		reg.Services = reg.Services[:last]
		payload = protocol.Marshal(reg)
	}
	// overflow was collected tail-first; restore id order.
	for i, j := 0, len(overflow)-1; i < j; i, j = i+1, j-1 {
		overflow[i], overflow[j] = overflow[j], overflow[i]
	}
	m.registerOverflow = overflow

	if err := writeDirect(ws, &protocol.Frame{Type: protocol.TypeRegister, Payload: payload}); err != nil {
		return err
	}
	f, err := m.readHandshakeFrame(ws)
	if err != nil {
		return err
	}
	if f.Type != protocol.TypeHelloAck {
		return fmt.Errorf("expected registration ack, got %s", protocol.TypeName(f.Type))
	}
	return nil
}

// active runs the Active phase: writer, keepalive and diff forwarding on
// their own goroutines, frame dispatch on this one. Returns when the
// connection fails, the relay redirects, or ctx asks for shutdown.
func (m *Manager) active(ctx context.Context, ws *websocket.Conn) error {
	connCtx, cancelCause := context.WithCancelCause(context.Background())
	defer cancelCause(nil)

	outbox := make(chan *protocol.Frame, outboxSize)
	connDone := make(chan struct{})
	m.mu.Lock()
	m.outbox = outbox
	m.connDone = connDone
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.outbox = nil
		m.connDone = nil
		m.mu.Unlock()
		close(connDone)
		m.activeSince.Store(0)
		// The connection is gone: sessions are dropped without
		// SESSION_CLOSE frames.
		m.registry.CloseAll()
		m.setState(StateDisconnected)
	}()

	m.setState(StateActive)
	m.policy.NoteActive()
	now := m.clk.Now()
	m.activeSince.Store(now.UnixNano())
	m.lastPong.Store(now.UnixNano())

	fail := func(err error) { cancelCause(err) }
	go m.writeLoop(connCtx, ws, outbox, fail)
	go m.keepAliveLoop(connCtx, fail)
	go m.control.forwardDiffs(connCtx)

	if len(m.registerOverflow) > 0 {
		m.sendTableEntries(m.registerOverflow)
		m.registerOverflow = nil
	}

	readErr := make(chan error, 1)
	go func() { readErr <- m.readLoop(connCtx, ws) }()

	select {
	case err := <-readErr:
		return err
	case <-ctx.Done():
		m.shutdownGraceful(outbox)
		ws.Close()
		return ctx.Err()
	case <-connCtx.Done():
		ws.Close()
		return context.Cause(connCtx)
	}
}

// readLoop is the single reader: it decodes inbound frames and dispatches
// them to the control channel or the matching session proxy. A framing
// violation closes the connection; it never takes the process down.
func (m *Manager) readLoop(ctx context.Context, ws *websocket.Conn) error {
	maxPayload := int(m.maxPayload.Load())
	ws.SetReadLimit(int64(maxPayload + protocol.HeaderSize))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		util.Stats.AddRecv(len(data))
		f, err := protocol.Decode(data, maxPayload)
		if err != nil {
			util.LogWarning("dropping connection: %v", err)
			return err
		}

		switch f.Type {
		case protocol.TypeSessionOpen:
			var open protocol.SessionOpen
			if err := protocol.Unmarshal(f.Payload, &open); err != nil {
				return err
			}
			m.registry.HandleOpen(ctx, f.SessionID, open.ServiceID)
		case protocol.TypeSessionData:
			m.registry.Deliver(f.SessionID, f.Payload)
		case protocol.TypeSessionClose:
			m.registry.HandleClose(f.SessionID)
		default:
			if f.SessionID != protocol.ControlSession {
				util.LogDebug("%s frame on session %d dropped", protocol.TypeName(f.Type), f.SessionID)
				continue
			}
			if err := m.control.handle(f); err != nil {
				return err
			}
		}
	}
}

// sendTableEntries announces entries as UPDATE_SERVICE_TABLE frames, as
// many per frame as the negotiated payload bound admits.
func (m *Manager) sendTableEntries(entries []svctable.Entry) {
	maxPayload := m.MaxPayload()
	for len(entries) > 0 {
		n := len(entries)
		payload := protocol.Marshal(svctable.Diff{Added: entries[:n]})
		for len(payload) > maxPayload && n > 1 {
			n--
			payload = protocol.Marshal(svctable.Diff{Added: entries[:n]})
		}
		m.WriteFrame(&protocol.Frame{Type: protocol.TypeUpdateTable, Payload: payload})
		entries = entries[n:]
	}
}

// shutdownGraceful signals SESSION_CLOSE for all open sessions and lets the
// writer drain, bounded by drainTimeout. Best effort: process exit is never
// blocked indefinitely.
func (m *Manager) shutdownGraceful(outbox chan *protocol.Frame) {
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	m.registry.Shutdown(drainCtx)
	for len(outbox) > 0 && drainCtx.Err() == nil {
		time.Sleep(10 * time.Millisecond)
	}
}

// writeDirect encodes and sends one frame outside the writer path. Only
// used before the Active phase, while no writer goroutine exists.
func writeDirect(ws *websocket.Conn, f *protocol.Frame) error {
	data := protocol.Encode(f)
	util.Stats.AddSent(len(data))
	return ws.WriteMessage(websocket.BinaryMessage, data)
}

// readHandshakeFrame reads one frame under a deadline, for the handshake
// and registration exchanges.
func (m *Manager) readHandshakeFrame(ws *websocket.Conn) (*protocol.Frame, error) {
	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer ws.SetReadDeadline(time.Time{})
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data, m.cfg.MaxFramePayload)
}
