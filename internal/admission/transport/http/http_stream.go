// Package httptransport provides the admin event stream.
package httptransport

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
)

// handleStream upgrades to a websocket and pushes admission events until
// the client disconnects. The subscription buffer drops events rather than
// block the broker, so a slow consumer sees gaps, never stalls.
func (t *HTTPTransport) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.authorizeAdmin(w, r) {
		return
	}

	events, cancel := t.broker.Subscribe()
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		if t.logger != nil {
			t.logger.Error("websocket accept failed", map[string]any{"error": err.Error()})
		}
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// CloseRead cancels the context when the client goes away; the stream
	// only ever writes.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
