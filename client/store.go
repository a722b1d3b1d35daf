package client

import (
	"strings"
	"sync"
	"time"

	"github.com/fleetpulse/fleetpulse/telemetry"
)

// Store is the client-side reconciliation store: an ordered device table
// (first-seen order, newly discovered devices surface at the front) that
// converges to the fleet's state under an at-least-once, partially reordered
// event stream. Sequence gating and merge rules live in the telemetry
// package; the store adds ordering, lookup, filtering and the in-flight
// command flags.
type Store struct {
	mu       sync.RWMutex
	devices  []telemetry.Device
	index    map[string]int
	filter   string
	inFlight map[string]bool

	now func() int64 // unix ms, swappable in tests
}

func NewStore() *Store {
	return &Store{
		index:    make(map[string]int),
		inFlight: make(map[string]bool),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// SetDevices wholesale-replaces the device table, preserving the given
// order. Used for seed application only; devices absent from the new list
// are discarded.
func (s *Store) SetDevices(list []telemetry.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = make([]telemetry.Device, len(list))
	copy(s.devices, list)
	s.index = make(map[string]int, len(list))
	for i, d := range s.devices {
		s.index[d.ID] = i
	}
}

// Upsert applies one telemetry patch. Unknown devices are inserted at the
// front; known devices merge under sequence gating. Returns false when the
// patch was rejected (blank id, duplicate or stale seq).
func (s *Store) Upsert(p telemetry.Patch) bool {
	if strings.TrimSpace(p.DeviceID) == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[p.DeviceID]
	if !ok {
		d := telemetry.NewDevice(p, s.now())
		s.devices = append([]telemetry.Device{d}, s.devices...)
		for id := range s.index {
			s.index[id]++
		}
		s.index[d.ID] = 0
		return true
	}

	next, applied := telemetry.Apply(s.devices[i], p)
	if !applied {
		return false
	}
	s.devices[i] = next
	return true
}

// Device returns the stored state for id.
func (s *Store) Device(id string) (telemetry.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return telemetry.Device{}, false
	}
	return s.devices[i], true
}

// Devices returns a copy of the full table in store order.
func (s *Store) Devices() []telemetry.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]telemetry.Device, len(s.devices))
	copy(out, s.devices)
	return out
}

// Len reports the number of known devices.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// SetFilter sets the free-text filter used by FilteredDevices. Filtering is
// a derived view; it never mutates the table.
func (s *Store) SetFilter(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = v
}

// Filter returns the current filter text.
func (s *Store) Filter() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter
}

// FilteredDevices returns the devices whose id or status contains the filter
// text, case-insensitively. An empty filter matches everything.
func (s *Store) FilteredDevices() []telemetry.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.filter == "" {
		out := make([]telemetry.Device, len(s.devices))
		copy(out, s.devices)
		return out
	}
	needle := strings.ToLower(s.filter)
	var out []telemetry.Device
	for _, d := range s.devices {
		if strings.Contains(strings.ToLower(d.ID), needle) ||
			strings.Contains(strings.ToLower(string(d.Status)), needle) {
			out = append(out, d)
		}
	}
	return out
}

// BeginInFlight atomically sets the outstanding-command flag for a device,
// returning false when a command is already outstanding. Submission gating
// goes through this so two racing callers cannot both pass.
func (s *Store) BeginInFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[id] {
		return false
	}
	s.inFlight[id] = true
	return true
}

// SetInFlight marks or clears the outstanding-command flag for a device.
// Independent from telemetry merging; it drives submission gating and
// optimistic display only.
func (s *Store) SetInFlight(id string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v {
		s.inFlight[id] = true
	} else {
		delete(s.inFlight, id)
	}
}

// InFlight reports whether a command is outstanding for id.
func (s *Store) InFlight(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inFlight[id]
}
