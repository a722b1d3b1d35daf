// Package fleet simulates a device fleet and emits a deliberately imperfect
// telemetry stream: duplicated and out-of-order events are injected at
// configurable rates so the consuming side has something real to reconcile.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/fleetpulse/fleetpulse/simulator/observability"
	"github.com/fleetpulse/fleetpulse/telemetry"
)

// replayBufferMax bounds the buffer of recently emitted events that
// out-of-order injection replays from.
const replayBufferMax = 2000

// oooPickWindow limits out-of-order replay to the oldest entries of the
// buffer so the injected event is meaningfully behind the live stream.
const oooPickWindow = 100

var (
	// ErrNotFound reports a reboot against an unknown device id.
	ErrNotFound = errors.New("device not found")
	// ErrBusy reports a transient refusal; the caller may retry with a new
	// attempt. Fleet state is untouched and no telemetry is emitted.
	ErrBusy = errors.New("device busy")
)

// Broadcaster is the outbound side of the simulator: a best-effort one-to-many
// push channel. ClientCount gates event generation so the fleet idles while
// nobody is watching.
type Broadcaster interface {
	Broadcast(msg telemetry.Message)
	ClientCount() int
}

// Config tunes the simulation. Zero values fall back to the defaults below.
type Config struct {
	Devices         int     // fleet size
	EventsPerSecond int     // target generation rate
	DupRate         float64 // probability of re-sending an event, in [0,1]
	OOORate         float64 // probability of replaying an old event, in [0,1]
	// BusyRate is the probability a reboot is refused as busy. Zero means
	// the default (0.15); a negative value disables busy refusals.
	BusyRate float64

	// Reboot recovery delay window. A rebooting device comes back online
	// after RebootDelayMin plus a uniform fraction of RebootDelayJitter.
	RebootDelayMin    time.Duration
	RebootDelayJitter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Devices <= 0 {
		c.Devices = 2000
	}
	if c.EventsPerSecond <= 0 {
		c.EventsPerSecond = 1200
	}
	if c.BusyRate == 0 {
		c.BusyRate = 0.15
	}
	if c.RebootDelayMin == 0 {
		c.RebootDelayMin = 1500 * time.Millisecond
	}
	if c.RebootDelayJitter == 0 {
		c.RebootDelayJitter = time.Second
	}
	c.DupRate = clamp01(c.DupRate)
	c.OOORate = clamp01(c.OOORate)
	c.BusyRate = clamp01(c.BusyRate)
	return c
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Fleet owns the canonical device table and the global sequence counter.
// All mutation happens under one lock, so events are strictly sequential
// and every emitted frame carries a unique, increasing seq.
type Fleet struct {
	cfg  Config
	sink Broadcaster

	mu      sync.Mutex
	devices []telemetry.Device
	index   map[string]int
	seq     uint64
	replay  []telemetry.Message
	rng     *rand.Rand

	now func() int64 // unix ms, swappable in tests
}

// New builds a fleet with randomized initial state. A nil rng gets a
// time-seeded source.
func New(cfg Config, sink Broadcaster, rng *rand.Rand) *Fleet {
	cfg = cfg.withDefaults()
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	f := &Fleet{
		cfg:   cfg,
		sink:  sink,
		index: make(map[string]int, cfg.Devices),
		rng:   rng,
		now:   func() int64 { return time.Now().UnixMilli() },
	}
	now := f.now()
	for i := 0; i < cfg.Devices; i++ {
		d := telemetry.Device{
			ID:     fmt.Sprintf("dev-%06d", i+1),
			Status: telemetry.StatusOnline,
			CPU:    telemetry.Pct(rng.Intn(80)),
			RAM:    telemetry.Pct(rng.Intn(80)),
			TS:     now,
		}
		if rng.Float64() < 0.02 {
			d.Status = telemetry.StatusOffline
		}
		f.index[d.ID] = len(f.devices)
		f.devices = append(f.devices, d)
	}
	return f
}

// Snapshot returns a copy of the full device table, used to seed new
// observers before they receive incremental telemetry.
func (f *Fleet) Snapshot() []telemetry.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]telemetry.Device, len(f.devices))
	copy(out, f.devices)
	return out
}

// Run generates telemetry until the context is cancelled. The tick interval
// derives from the configured events-per-second target, floored at 20ms.
func (f *Fleet) Run(ctx context.Context) {
	interval := time.Second / time.Duration(f.cfg.EventsPerSecond)
	if interval < 20*time.Millisecond {
		interval = 20 * time.Millisecond
	}
	log.Printf("fleet: %d devices, tick %v, dup=%.3f ooo=%.3f",
		f.cfg.Devices, interval, f.cfg.DupRate, f.cfg.OOORate)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.sink.ClientCount() == 0 {
				continue
			}
			f.Tick()
		}
	}
}

// Tick perturbs one random device and emits its telemetry, injecting faults
// per the configured rates. Exported so tests can drive the generator
// without the ticker.
func (f *Fleet) Tick() {
	f.mu.Lock()
	i := f.rng.Intn(len(f.devices))
	d := &f.devices[i]
	d.CPU = telemetry.Pct(telemetry.ClampPct(d.CPU.Value + f.rng.Intn(11) - 5))
	d.RAM = telemetry.Pct(telemetry.ClampPct(d.RAM.Value + f.rng.Intn(11) - 5))
	if f.rng.Float64() < 0.01 {
		if d.Status == telemetry.StatusOnline {
			d.Status = telemetry.StatusOffline
		} else if d.Status == telemetry.StatusOffline {
			d.Status = telemetry.StatusOnline
		}
	}
	d.TS = f.now()

	f.seq++
	ev := telemetry.Telemetry(*d, f.seq)

	f.replay = append(f.replay, ev)
	if len(f.replay) > replayBufferMax {
		f.replay = f.replay[1:]
	}

	var past *telemetry.Message
	if f.rng.Float64() < f.cfg.OOORate && len(f.replay) > 5 {
		j := f.rng.Intn(min(len(f.replay), oooPickWindow))
		p := f.replay[j]
		past = &p
	}
	dup := f.rng.Float64() < f.cfg.DupRate
	dupDelay := time.Duration(5+f.rng.Intn(25)) * time.Millisecond
	f.mu.Unlock()

	// The stale event goes out before the current one, so observers see a
	// genuine reordering rather than a trailing duplicate.
	if past != nil {
		observability.EventsInjected.WithLabelValues("out_of_order").Inc()
		f.sink.Broadcast(*past)
	}
	observability.EventsEmitted.Inc()
	f.sink.Broadcast(ev)
	if dup {
		time.AfterFunc(dupDelay, func() {
			observability.EventsInjected.WithLabelValues("duplicate").Inc()
			f.sink.Broadcast(ev)
		})
	}
}

// Reboot applies a reboot command to a device: it transitions to rebooting
// immediately and back to online after a randomized recovery delay, each
// transition emitting telemetry. A busy refusal leaves state untouched and
// emits nothing.
func (f *Fleet) Reboot(id string) error {
	f.mu.Lock()
	i, ok := f.index[id]
	if !ok {
		f.mu.Unlock()
		return ErrNotFound
	}
	if f.rng.Float64() < f.cfg.BusyRate {
		f.mu.Unlock()
		return ErrBusy
	}
	d := &f.devices[i]
	d.Status = telemetry.StatusRebooting
	d.TS = f.now()
	f.seq++
	ev := telemetry.Telemetry(*d, f.seq)
	delay := f.cfg.RebootDelayMin + time.Duration(f.rng.Int63n(int64(f.cfg.RebootDelayJitter)))
	f.mu.Unlock()

	f.sink.Broadcast(ev)
	time.AfterFunc(delay, func() { f.recover(id) })
	return nil
}

func (f *Fleet) recover(id string) {
	f.mu.Lock()
	i, ok := f.index[id]
	if !ok {
		f.mu.Unlock()
		return
	}
	d := &f.devices[i]
	d.Status = telemetry.StatusOnline
	d.TS = f.now()
	f.seq++
	ev := telemetry.Telemetry(*d, f.seq)
	f.mu.Unlock()

	f.sink.Broadcast(ev)
}
