package printer

import (
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/marc/sdcp_bridge/database"
	"github.com/marc/sdcp_bridge/sdcp"
)

const (
	registryNamespace = "registry"
	devicesKey        = "connected_devices"
	statusesKey       = "device_statuses"
)

// Registry is the durable store of devices the user has added and the
// last known status of each. Mutations persist synchronously; a
// persistence failure is logged but the in-memory state still updates.
type Registry struct {
	mu       sync.RWMutex
	store    *database.Store
	devices  []sdcp.PrinterDevice // insertion order
	statuses map[string]sdcp.PrintStatus
}

// NewRegistry creates a registry backed by the given store, loading
// any previously persisted devices and statuses.
func NewRegistry(store *database.Store) *Registry {
	r := &Registry{
		store:    store,
		statuses: make(map[string]sdcp.PrintStatus),
	}

	if data, ok := store.Get(registryNamespace, devicesKey); ok {
		if err := json.Unmarshal(data, &r.devices); err != nil {
			log.Printf("Warning: failed to load persisted devices: %v", err)
			r.devices = nil
		}
	}
	if data, ok := store.Get(registryNamespace, statusesKey); ok {
		if err := json.Unmarshal(data, &r.statuses); err != nil {
			log.Printf("Warning: failed to load persisted statuses: %v", err)
			r.statuses = make(map[string]sdcp.PrintStatus)
		}
	}

	return r
}

// Add registers a device. Adding an id that is already registered is a
// no-op.
func (r *Registry) Add(device sdcp.PrinterDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.devices {
		if d.Equal(device) {
			return
		}
	}
	r.devices = append(r.devices, device)
	r.persistDevices()
}

// Remove deletes a device and its cached status.
func (r *Registry) Remove(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.devices[:0]
	for _, d := range r.devices {
		if d.ID != deviceID {
			kept = append(kept, d)
		}
	}
	r.devices = kept
	delete(r.statuses, deviceID)
	r.persistDevices()
	r.persistStatuses()
}

// ListConnected returns the registered devices in insertion order.
func (r *Registry) ListConnected() []sdcp.PrinterDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]sdcp.PrinterDevice, len(r.devices))
	copy(out, r.devices)
	return out
}

// Device returns the registered device with the given id.
func (r *Registry) Device(deviceID string) (sdcp.PrinterDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.devices {
		if d.ID == deviceID {
			return d, true
		}
	}
	return sdcp.PrinterDevice{}, false
}

// KnownIDs returns the set of registered device ids, usable as a
// discovery exclusion set.
func (r *Registry) KnownIDs() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make(map[string]bool, len(r.devices))
	for _, d := range r.devices {
		ids[d.ID] = true
	}
	return ids
}

// CacheStatus overwrites the cached status for a device.
func (r *Registry) CacheStatus(deviceID string, status sdcp.PrintStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.statuses[deviceID] = status
	r.persistStatuses()
}

// LastKnownStatus returns the cached status for a device, if any.
func (r *Registry) LastKnownStatus(deviceID string) (sdcp.PrintStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.statuses[deviceID]
	return s, ok
}

func (r *Registry) persistDevices() {
	data, err := json.Marshal(r.devices)
	if err == nil {
		err = r.store.Put(registryNamespace, devicesKey, data)
	}
	if err != nil {
		log.Printf("Warning: persisting device list failed: %v", err)
	}
}

func (r *Registry) persistStatuses() {
	data, err := json.Marshal(r.statuses)
	if err == nil {
		err = r.store.Put(registryNamespace, statusesKey, data)
	}
	if err != nil {
		log.Printf("Warning: persisting device statuses failed: %v", err)
	}
}
