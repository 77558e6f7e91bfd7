package device

import (
	"log/slog"
	"sync"
	"time"
)

// Store holds the merged snapshot for every known device. Both the polling
// and push channels write through Apply; field-level last-write-wins is safe
// because each source only carries fields it actually received.
type Store struct {
	mu      sync.RWMutex
	devices map[string]*Snapshot
	bus     *EventBus
	log     *slog.Logger
	now     func() time.Time
}

// NewStore creates a store wired to the event bus.
func NewStore(bus *EventBus, log *slog.Logger) *Store {
	return &Store{
		devices: make(map[string]*Snapshot),
		bus:     bus,
		log:     log,
		now:     time.Now,
	}
}

// Apply merges the update into the device's snapshot, creating the snapshot
// on first contact, and publishes the merged result. Fields absent from the
// update are left untouched.
func (s *Store) Apply(deviceID string, upd Update) Snapshot {
	s.mu.Lock()
	snap, ok := s.devices[deviceID]
	if !ok {
		snap = &Snapshot{DeviceID: deviceID}
		s.devices[deviceID] = snap
	}
	snap.merge(upd, s.now())
	merged := snap.clone()
	s.mu.Unlock()

	s.bus.Publish(Event{DeviceID: deviceID, Snapshot: merged})
	return merged
}

// Get returns a copy of the snapshot for a device.
func (s *Store) Get(deviceID string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.devices[deviceID]
	if !ok {
		return Snapshot{}, false
	}
	return snap.clone(), true
}

// All returns copies of every known snapshot.
func (s *Store) All() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.devices))
	for _, snap := range s.devices {
		out = append(out, snap.clone())
	}
	return out
}

// Forget drops a device no longer reported by discovery.
func (s *Store) Forget(deviceID string) {
	s.mu.Lock()
	delete(s.devices, deviceID)
	s.mu.Unlock()
}
