package main

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetpulse/fleetpulse/simulator/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The dashboard runs on a different origin in local dev.
		return true
	},
}

// streamHandler upgrades to WebSocket and registers the connection with the
// hub. When dropEvery is positive the connection is severed after that long,
// regardless of health, to exercise the client's reconnect path. Fleet state
// survives drops untouched; the reconnecting client simply reseeds.
func streamHandler(hub *Hub, dropEvery time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("stream: upgrade failed: %v", err)
			return
		}

		hub.Register(conn)
		defer hub.Unregister(conn)

		if dropEvery > 0 {
			timer := time.AfterFunc(dropEvery, func() {
				observability.ForcedDrops.Inc()
				conn.Close()
			})
			defer timer.Stop()
		}

		// Observers never send application frames; the read loop exists to
		// notice the close and release the registration.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}
