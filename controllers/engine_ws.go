package controller

import (
	"log"
	"time"

	"github.com/gofiber/websocket/v2"

	"reachflow/worker"
)

// HandleEngineProgressWS streams pass results to a connected client.
// Each connection gets its own subscription; dropping the connection
// drops the subscription.
func HandleEngineProgressWS(hub *worker.ProgressHub) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		defer c.Close()

		sub := hub.Subscribe()
		defer hub.Unsubscribe(sub)

		// Reader goroutine: its only job is to notice the peer going
		// away, since we never expect inbound frames.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		keepalive := time.NewTicker(30 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case result, ok := <-sub:
				if !ok {
					return
				}
				if err := c.WriteJSON(result); err != nil {
					log.Printf("Error writing JSON: %v", err)
					return
				}
			case <-keepalive.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-gone:
				return
			}
		}
	}
}
