package tunnel

import (
	"context"

	"github.com/gorilla/websocket"

	"github.com/camtun/camtun/internal/protocol"
	"github.com/camtun/camtun/internal/util"
)

// writeLoop is the single-writer goroutine for one connection. Draining the
// outbox from exactly one goroutine gives total ordering of all outbound
// frames without a lock on every write. Exits when the connection context
// is cancelled; frames still queued at that point are discarded.
func (m *Manager) writeLoop(ctx context.Context, ws *websocket.Conn, outbox <-chan *protocol.Frame, fail func(error)) {
	for {
		select {
		case f := <-outbox:
			data := protocol.Encode(f)
			if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				util.LogDebug("write %s failed: %v", protocol.TypeName(f.Type), err)
				fail(err)
				return
			}
			util.Stats.AddSent(len(data))
		case <-ctx.Done():
			return
		}
	}
}
