package client

import (
	"encoding/json"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetpulse/fleetpulse/telemetry"
)

// State is the channel's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handlers is the callback contract the channel exposes upstream. OnSeed
// fires once per connection with the cleaned full-fleet snapshot; OnTelemetry
// fires for every valid incremental event, in arrival order, never
// concurrently.
type Handlers struct {
	OnSeed      func(devices []telemetry.Device)
	OnTelemetry func(p telemetry.Patch)
}

// ChannelOptions tunes the channel; zero values take the defaults below.
type ChannelOptions struct {
	Dialer *websocket.Dialer
	Clock  Clock

	// Reconnect delay is ReconnectMin plus a uniform random fraction of
	// ReconnectJitter, spreading clients out after a mass disconnect.
	ReconnectMin    time.Duration
	ReconnectJitter time.Duration
}

// Channel maintains one logical connection to the broadcast channel,
// rebuilding it with randomized backoff whenever it drops. Every failure is
// recoverable; the only terminal state is an explicit Close.
type Channel struct {
	url      string
	handlers Handlers
	dialer   *websocket.Dialer
	clk      Clock
	rmin     time.Duration
	rjitter  time.Duration
	randFn   func() float64

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	reconnect Timer
	seeded    bool
	closed    bool
}

// Connect starts a channel against url (ws:// or wss://) with default
// options and returns immediately; the connection is established in the
// background.
func Connect(url string, h Handlers) *Channel {
	return ConnectWith(url, h, ChannelOptions{})
}

// ConnectWith is Connect with explicit options.
func ConnectWith(url string, h Handlers, opts ChannelOptions) *Channel {
	c := &Channel{
		url:      url,
		handlers: h,
		dialer:   opts.Dialer,
		clk:      opts.Clock,
		rmin:     opts.ReconnectMin,
		rjitter:  opts.ReconnectJitter,
		randFn:   rand.Float64,
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.clk == nil {
		c.clk = SystemClock
	}
	if c.rmin == 0 {
		c.rmin = time.Second
	}
	if c.rjitter == 0 {
		c.rjitter = 2 * time.Second
	}
	go c.open()
	return c
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears the channel down: any pending reconnect is cancelled and the
// live transport closed. Idempotent. In-flight control commands are a
// separate request path and are not affected.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.state = StateDisconnected
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// open runs one connection lifetime: dial, read until failure, then hand off
// to the reconnect scheduler. It is the only goroutine invoking handlers, so
// callbacks are serialized in arrival order.
func (c *Channel) open() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		log.Printf("channel: dial %s: %v", c.url, err)
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.seeded = false
	c.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		c.handle(data)
	}
	conn.Close()

	c.mu.Lock()
	c.conn = nil
	c.state = StateDisconnected
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.scheduleReconnect()
	}
}

func (c *Channel) scheduleReconnect() {
	delay := c.rmin + time.Duration(c.randFn()*float64(c.rjitter))
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.state = StateDisconnected
	c.reconnect = c.clk.AfterFunc(delay, c.open)
	log.Printf("channel: reconnecting in %v", delay.Round(time.Millisecond))
}

// handle parses one frame. Malformed frames are logged and dropped; the
// channel stays open.
func (c *Channel) handle(data []byte) {
	var msg telemetry.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("channel: dropping malformed frame: %v", err)
		return
	}
	switch msg.Type {
	case telemetry.TypeSeed:
		c.mu.Lock()
		if c.seeded {
			c.mu.Unlock()
			log.Printf("channel: dropping repeated seed on same connection")
			return
		}
		c.seeded = true
		c.mu.Unlock()
		if c.handlers.OnSeed != nil {
			c.handlers.OnSeed(c.cleanSeed(msg.Devices))
		}
	case telemetry.TypeTelemetry:
		if strings.TrimSpace(msg.DeviceID) == "" {
			log.Printf("channel: dropping telemetry without device id")
			return
		}
		if c.handlers.OnTelemetry != nil {
			c.handlers.OnTelemetry(msg.Patch())
		}
	default:
		log.Printf("channel: dropping frame of unknown type %q", msg.Type)
	}
}

// cleanSeed defensively normalizes a seed list: devices without an id are
// dropped, a missing status becomes online, a missing timestamp becomes now.
// Non-numeric metrics already decoded to unknown.
func (c *Channel) cleanSeed(devices []telemetry.Device) []telemetry.Device {
	now := c.clk.Now().UnixMilli()
	out := make([]telemetry.Device, 0, len(devices))
	for _, d := range devices {
		if strings.TrimSpace(d.ID) == "" {
			continue
		}
		if d.Status == "" {
			d.Status = telemetry.StatusOnline
		}
		if d.TS == 0 {
			d.TS = now
		}
		out = append(out, d)
	}
	if len(out) != len(devices) {
		log.Printf("channel: seed cleaned %d -> %d devices", len(devices), len(out))
	}
	return out
}
