package tunnel

import (
	"context"

	"github.com/camtun/camtun/internal/protocol"
	"github.com/camtun/camtun/internal/svctable"
	"github.com/camtun/camtun/internal/util"
)

// control interprets and produces session-0 traffic once the connection is
// Active. Handshake and registration frames are handled by the connection
// manager itself, before the reader path exists.
type control struct {
	m      *Manager
	onDiff func(svctable.Diff) // optional observer, e.g. state persistence
}

func newControl(m *Manager) *control {
	return &control{m: m}
}

// handle processes one inbound control frame. Returning an error tears the
// connection down (errRedirect for the redirect path, protocol errors for
// malformed payloads).
func (c *control) handle(f *protocol.Frame) error {
	switch f.Type {
	case protocol.TypePong:
		c.m.notePong()
		return nil

	case protocol.TypePing:
		c.m.WriteFrame(&protocol.Frame{Type: protocol.TypePong})
		return nil

	case protocol.TypeScanNetwork:
		util.LogInfo("relay requested a network scan")
		c.m.engine.TriggerScan()
		return nil

	case protocol.TypeStatusReq:
		c.sendStatus()
		return nil

	case protocol.TypeRedirect:
		var r protocol.Redirect
		if err := protocol.Unmarshal(f.Payload, &r); err != nil {
			return err
		}
		c.m.Redirect(r.Host, r.Port)
		return errRedirect

	case protocol.TypeHelloAck:
		// Repeated ack while Active: harmless.
		return nil

	default:
		util.LogDebug("unhandled control frame %s", protocol.TypeName(f.Type))
		return nil
	}
}

// sendStatus replies to STATUS_REQUEST with session counts, uptime and
// traffic counters.
func (c *control) sendStatus() {
	open, perSvc := c.m.registry.Counts()
	toLocal, fromLocal := c.m.registry.Traffic()
	status := protocol.Status{
		UptimeSeconds:         int64(c.m.Uptime().Seconds()),
		OpenSessions:          open,
		PerService:            perSvc,
		BytesSent:             util.Stats.BytesSent.Load(),
		BytesRecv:             util.Stats.BytesRecv.Load(),
		SessionBytesToLocal:   toLocal,
		SessionBytesFromLocal: fromLocal,
	}
	c.m.WriteFrame(&protocol.Frame{Type: protocol.TypeStatusResp, Payload: protocol.Marshal(status)})
}

// drainPending discards diffs that accumulated while no connection was
// Active. The observer still sees them; the relay gets the full table in
// REGISTER instead.
func (c *control) drainPending() {
	for {
		select {
		case diff := <-c.m.engine.Diffs():
			if c.onDiff != nil {
				c.onDiff(diff)
			}
		default:
			return
		}
	}
}

// forwardDiffs relays service table diffs produced by the discovery engine
// to the relay, in the order they were applied, for as long as this
// connection lives. Diffs raised while no connection is Active are not
// replayed: the next REGISTER carries the full table, which supersedes
// them.
func (c *control) forwardDiffs(ctx context.Context) {
	for {
		select {
		case diff := <-c.m.engine.Diffs():
			if c.onDiff != nil {
				c.onDiff(diff)
			}
			c.m.WriteFrame(&protocol.Frame{
				Type:    protocol.TypeUpdateTable,
				Payload: protocol.Marshal(diff),
			})
		case <-ctx.Done():
			return
		}
	}
}
