// Package registry tracks which devices are currently reachable.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/lanbeam/lanbeam/internal/protocol"
)

// LivenessWindow is how long a device stays reachable after its last
// register, update, or signaling activity.
const LivenessWindow = 300 * time.Second

// Patch carries the mutable fields of a device update. Nil fields are
// left untouched.
type Patch struct {
	Name   *string
	Status *string
}

// Registry owns all device records. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*protocol.Device
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]*protocol.Device),
		now:     time.Now,
	}
}

// Register upserts a device record, resets its status to available and
// stamps last-seen.
func (r *Registry) Register(id, name, deviceType string) protocol.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, exists := r.devices[id]
	if !exists {
		dev = &protocol.Device{ID: id}
		r.devices[id] = dev
	}
	dev.Name = name
	dev.Type = deviceType
	dev.Status = protocol.StatusAvailable
	dev.LastSeen = r.now()
	return *dev
}

// Update applies a patch to an existing device and stamps last-seen.
// Unknown ids are ignored.
func (r *Registry) Update(id string, patch Patch) (protocol.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, exists := r.devices[id]
	if !exists {
		return protocol.Device{}, false
	}
	if patch.Name != nil {
		dev.Name = *patch.Name
	}
	if patch.Status != nil {
		dev.Status = *patch.Status
	}
	dev.LastSeen = r.now()
	return *dev, true
}

// MarkOffline flips a device to offline without removing its record.
func (r *Registry) MarkOffline(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dev, exists := r.devices[id]; exists {
		dev.Status = protocol.StatusOffline
	}
}

// Get returns a copy of the device record.
func (r *Registry) Get(id string) (protocol.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, exists := r.devices[id]
	if !exists {
		return protocol.Device{}, false
	}
	return *dev, true
}

// ListReachable returns every device whose stored status is not offline and
// whose last-seen falls within the liveness window, excluding excludeID.
// Results are sorted by name for stable output.
func (r *Registry) ListReachable(excludeID string) []protocol.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-LivenessWindow)
	reachable := make([]protocol.Device, 0, len(r.devices))
	for id, dev := range r.devices {
		if id == excludeID {
			continue
		}
		if dev.Status == protocol.StatusOffline || dev.LastSeen.Before(cutoff) {
			continue
		}
		reachable = append(reachable, *dev)
	}
	sort.Slice(reachable, func(i, j int) bool {
		return reachable[i].Name < reachable[j].Name
	})
	return reachable
}
