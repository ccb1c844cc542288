package api

import (
	"encoding/json"
	"net/http"

	"golang.org/x/net/websocket"
)

// eventsHandler bridges engine events onto a websocket as JSON frames, one
// event per frame. The connection closes when the client goes away or the
// subscription is drained and closed.
func eventsHandler(eng OCREngine) http.Handler {
	return websocket.Handler(func(ws *websocket.Conn) {
		defer ws.Close()

		events, unsubscribe := eng.Events().Subscribe()
		defer unsubscribe()

		for ev := range events {
			frame, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := websocket.Message.Send(ws, string(frame)); err != nil {
				return
			}
		}
	})
}
