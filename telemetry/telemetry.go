// Package telemetry defines the wire and data model shared by the fleet
// simulator and the dashboard client: device snapshots, telemetry patches,
// the seed/telemetry JSON envelopes, and the merge rules that make the
// client store convergent under duplicated and reordered delivery.
package telemetry

import (
	"encoding/json"
	"strconv"
)

// Status is the lifecycle state of a device.
type Status string

const (
	StatusOnline    Status = "online"
	StatusOffline   Status = "offline"
	StatusError     Status = "error"
	StatusRebooting Status = "rebooting"
)

// Percent is an optional integer percentage in [0,100]. The zero value means
// "unknown" — absence is not the same as zero. Non-numeric wire values decode
// as unknown rather than failing the whole frame.
type Percent struct {
	Value int
	Valid bool
}

// Pct returns a known percentage value.
func Pct(v int) Percent { return Percent{Value: v, Valid: true} }

// IsZero reports whether the value is unknown, so `omitzero` drops it.
func (p Percent) IsZero() bool { return !p.Valid }

func (p Percent) MarshalJSON() ([]byte, error) {
	if !p.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(p.Value)), nil
}

func (p *Percent) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		// Unmarshal treats null as a no-op for numbers, which would turn
		// "unknown" into a known zero.
		*p = Percent{}
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		// Tolerate strings, nulls and other junk shapes: coerce to unknown.
		*p = Percent{}
		return nil
	}
	*p = Percent{Value: int(f), Valid: true}
	return nil
}

// ClampPct clamps v to the [0,100] range.
func ClampPct(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Device is one device's state. On the server it is the canonical record; on
// the client it is the reconciled copy. LastSeq is the highest sequence
// number applied to this device, zero when no ordering constraint has been
// established yet (the global counter starts at 1).
type Device struct {
	ID      string  `json:"id"`
	Status  Status  `json:"status"`
	CPU     Percent `json:"cpu,omitzero"`
	RAM     Percent `json:"ram,omitzero"`
	TS      int64   `json:"ts,omitzero"` // unix milliseconds of last update
	LastSeq uint64  `json:"lastSeq,omitzero"`
}

// Metrics is the nested metrics object of a telemetry frame.
type Metrics struct {
	CPU Percent `json:"cpu,omitzero"`
	RAM Percent `json:"ram,omitzero"`
}

// Patch is one telemetry delta for a single device. Every field except
// DeviceID is an optional override: the zero value means the field is absent
// and the stored value must be kept.
type Patch struct {
	DeviceID string
	Status   Status // "" = absent
	CPU      Percent
	RAM      Percent
	TS       int64  // 0 = absent
	Seq      uint64 // 0 = absent
}

// NewDevice materializes a first-seen device from a patch. Status defaults
// to online, the timestamp to now (unix ms) when the patch carries none.
func NewDevice(p Patch, now int64) Device {
	d := Device{
		ID:      p.DeviceID,
		Status:  p.Status,
		CPU:     p.CPU,
		RAM:     p.RAM,
		TS:      p.TS,
		LastSeq: p.Seq,
	}
	if d.Status == "" {
		d.Status = StatusOnline
	}
	if d.TS == 0 {
		d.TS = now
	}
	return d
}

// Apply merges a patch into an existing device under sequence gating and
// returns the next state. The second result is false when the patch was
// rejected as a duplicate or out-of-order event, in which case the returned
// device is the input unchanged.
//
// Gating compares only when both sides carry a sequence number: a patch with
// seq equal to LastSeq is an exact duplicate, a lower seq is stale. Patches
// without a seq always merge; this leaves non-seq telemetry unprotected
// against staleness, which matches the wire contract.
func Apply(d Device, p Patch) (Device, bool) {
	if p.Seq != 0 && d.LastSeq != 0 && p.Seq <= d.LastSeq {
		return d, false
	}
	if p.Status != "" {
		d.Status = p.Status
	}
	if p.CPU.Valid {
		d.CPU = p.CPU
	}
	if p.RAM.Valid {
		d.RAM = p.RAM
	}
	if p.TS != 0 {
		d.TS = p.TS
	}
	if p.Seq != 0 {
		d.LastSeq = p.Seq
	}
	return d, true
}

// Message type discriminators.
const (
	TypeSeed      = "seed"
	TypeTelemetry = "telemetry"
)

// Message is the broadcast-channel envelope. Seed frames carry Devices;
// telemetry frames carry the remaining fields.
type Message struct {
	Type string `json:"type"`

	Devices []Device `json:"devices,omitempty"`

	Seq      uint64   `json:"seq,omitzero"`
	DeviceID string   `json:"deviceId,omitempty"`
	Status   Status   `json:"status,omitempty"`
	Metrics  *Metrics `json:"metrics,omitempty"`
	TS       int64    `json:"ts,omitzero"`
}

// Seed builds a seed frame for a full fleet snapshot.
func Seed(devices []Device) Message {
	return Message{Type: TypeSeed, Devices: devices}
}

// Telemetry builds a telemetry frame from a device's current state.
func Telemetry(d Device, seq uint64) Message {
	return Message{
		Type:     TypeTelemetry,
		Seq:      seq,
		DeviceID: d.ID,
		Status:   d.Status,
		Metrics:  &Metrics{CPU: d.CPU, RAM: d.RAM},
		TS:       d.TS,
	}
}

// Patch converts a telemetry frame into a store patch.
func (m Message) Patch() Patch {
	p := Patch{
		DeviceID: m.DeviceID,
		Status:   m.Status,
		TS:       m.TS,
		Seq:      m.Seq,
	}
	if m.Metrics != nil {
		p.CPU = m.Metrics.CPU
		p.RAM = m.Metrics.RAM
	}
	return p
}
