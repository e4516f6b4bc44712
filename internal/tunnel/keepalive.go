package tunnel

import (
	"context"
	"errors"

	"github.com/camtun/camtun/internal/protocol"
)

// keepAliveLoop sends PING on a fixed interval and requires a PONG within
// the (shorter) keepalive timeout. A missed PONG fails the connection,
// which sends the state machine to Backoff.
func (m *Manager) keepAliveLoop(ctx context.Context, fail func(error)) {
	ticker := m.clk.Ticker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sentAt := m.clk.Now()
			m.WriteFrame(&protocol.Frame{Type: protocol.TypePing})

			timer := m.clk.Timer(m.cfg.KeepAliveTimeout)
			select {
			case <-timer.C:
				if m.lastPong.Load() < sentAt.UnixNano() {
					fail(errors.New("keepalive: no PONG within " + m.cfg.KeepAliveTimeout.String()))
					return
				}
			case <-ctx.Done():
				timer.Stop()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// notePong records a PONG arrival. Called from the reader path.
func (m *Manager) notePong() {
	m.lastPong.Store(m.clk.Now().UnixNano())
}
