package main

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetpulse/fleetpulse/simulator/observability"
	"github.com/fleetpulse/fleetpulse/telemetry"
)

const maxConnections = 200

const writeTimeout = 5 * time.Second

// Hub fans every telemetry event out to all connected observers. Delivery is
// best-effort: a write failure drops the observer, never the event stream.
// A single run loop serializes registration, removal and broadcasting, so
// each connection has exactly one writer.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	count      atomic.Int64

	// snapshot provides the full-fleet seed sent to each observer before
	// any telemetry.
	snapshot func() []telemetry.Device
}

func NewHub(snapshot func() []telemetry.Device) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan []byte, 1024),
		snapshot:   snapshot,
	}
}

// Run drives the hub until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			if len(h.clients) >= maxConnections {
				conn.Close()
				log.Printf("hub: connection rejected, max connections (%d) reached", maxConnections)
				continue
			}
			// Seed first so the observer starts from a complete snapshot;
			// every event broadcast afterwards postdates it.
			seed := telemetry.Seed(h.snapshot())
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(seed); err != nil {
				log.Printf("hub: seed write failed: %v", err)
				conn.Close()
				continue
			}
			h.clients[conn] = struct{}{}
			h.sync()
			log.Printf("hub: observer connected, total %d", len(h.clients))

		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				h.sync()
				log.Printf("hub: observer disconnected, total %d", len(h.clients))
			}

		case data := <-h.broadcast:
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					observability.BroadcastFailures.Inc()
					delete(h.clients, conn)
					conn.Close()
				}
			}
			h.sync()
		}
	}
}

// Broadcast queues one event for delivery to every current observer.
func (h *Hub) Broadcast(msg telemetry.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("hub: marshal: %v", err)
		return
	}
	h.broadcast <- data
}

// ClientCount returns the number of connected observers. The fleet generator
// idles while this is zero.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// Register hands a freshly upgraded connection to the hub.
func (h *Hub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a connection; safe to call for already-removed ones.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

func (h *Hub) sync() {
	h.count.Store(int64(len(h.clients)))
	observability.ConnectedClients.Set(float64(len(h.clients)))
}

func (h *Hub) shutdown() {
	log.Printf("hub: shutting down with %d observers", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	h.sync()
}
