// Package device tracks the logical devices wired to relay channels.
//
// A device is a named load (pump, heater, light, fan) bound to a hardware
// channel. Several devices may share a channel; state changes keep them in
// sync. The registry is in-memory; a persistence collaborator saves the
// layout after every mutation and restores it at startup.
package device

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
)

// Device is one entry in the enclosure layout.
type Device struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`

	// Layout positions (percent) for the floor-plan UI.
	X        int `json:"x"`
	Y        int `json:"y"`
	XMobile  int `json:"x_mobile"`
	YMobile  int `json:"y_mobile"`
	Rotation int `json:"rotation"`

	// Active is the current on/off state.
	Active bool `json:"state"`
	// Channel is the relay channel (1..15); 0 means unassigned.
	Channel int `json:"ch"`
	// Enabled devices participate in routines and accept toggles.
	Enabled bool `json:"enabled"`
}

// Persister saves and restores the device layout. Load failure is tolerated:
// the registry starts empty.
type Persister interface {
	SaveDevices(devices []Device) error
	LoadDevices() ([]Device, error)
}

// Registry holds the device layout behind a mutex.
type Registry struct {
	mu      sync.Mutex
	devices []Device
	store   Persister

	// newID generates device ids; injectable for deterministic tests.
	newID func(kind string) string
}

// NewRegistry creates a registry backed by the given persister (nil for a
// purely in-memory registry).
func NewRegistry(store Persister) *Registry {
	return &Registry{
		store: store,
		newID: func(kind string) string {
			return fmt.Sprintf("%s%04d", kind, 1000+rand.Intn(9000))
		},
	}
}

// SetIDFunc overrides id generation. Tests use this for stable ids.
func (r *Registry) SetIDFunc(fn func(kind string) string) {
	r.newID = fn
}

// Load restores the persisted layout. A load failure leaves the registry
// empty and is logged, not fatal.
func (r *Registry) Load() {
	if r.store == nil {
		return
	}
	devices, err := r.store.LoadDevices()
	if err != nil {
		log.Printf("device: load layout failed, starting empty: %v", err)
		return
	}
	r.mu.Lock()
	r.devices = devices
	r.mu.Unlock()
	log.Printf("device: loaded %d devices", len(devices))
}

// save persists the layout. Caller holds r.mu.
func (r *Registry) save() {
	if r.store == nil {
		return
	}
	if err := r.store.SaveDevices(append([]Device(nil), r.devices...)); err != nil {
		log.Printf("device: save layout failed: %v", err)
	}
}

// Create adds a new device of the given type at a layout position.
func (r *Registry) Create(kind string, x, y int) Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := Device{
		ID:      r.newID(kind),
		Type:    kind,
		Name:    "New Device",
		X:       x,
		Y:       y,
		XMobile: x,
		YMobile: y,
		Enabled: true,
	}
	r.devices = append(r.devices, d)
	r.save()
	return d
}

// Get returns a device by id.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// List returns a copy of all devices.
func (r *Registry) List() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Device(nil), r.devices...)
}

// UpdateDetails sets a device's name and channel binding.
func (r *Registry) UpdateDetails(id, name string, channel int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.devices {
		if r.devices[i].ID == id {
			r.devices[i].Name = name
			r.devices[i].Channel = channel
			r.save()
			return true
		}
	}
	return false
}

// Move updates a device's layout position.
func (r *Registry) Move(id string, x, y int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.devices {
		if r.devices[i].ID == id {
			r.devices[i].X = x
			r.devices[i].Y = y
			r.save()
			return true
		}
	}
	return false
}

// SetEnabled flips a device's participation flag.
func (r *Registry) SetEnabled(id string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.devices {
		if r.devices[i].ID == id {
			r.devices[i].Enabled = enabled
			r.save()
			return true
		}
	}
	return false
}

// Delete removes a device.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.devices {
		if r.devices[i].ID == id {
			r.devices = append(r.devices[:i], r.devices[i+1:]...)
			r.save()
			return true
		}
	}
	return false
}

// Toggle flips a device's active state and returns its channel (0 when the
// device is unknown or disabled). Every device sharing the channel is kept
// in sync, since they are physically the same line.
func (r *Registry) Toggle(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := -1
	for i := range r.devices {
		if r.devices[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 || !r.devices[idx].Enabled {
		return 0
	}
	newState := !r.devices[idx].Active
	r.applyState(idx, newState)
	r.save()
	return r.devices[idx].Channel
}

// SetState sets a device's active state explicitly, with channel sync.
// Turning a disabled device ON is rejected; turning it OFF is allowed.
func (r *Registry) SetState(id string, state bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := -1
	for i := range r.devices {
		if r.devices[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 || (!r.devices[idx].Enabled && state) {
		return 0
	}
	r.applyState(idx, state)
	r.save()
	return r.devices[idx].Channel
}

// applyState writes a state to the device and all others on its channel.
// Caller holds r.mu.
func (r *Registry) applyState(idx int, state bool) {
	ch := r.devices[idx].Channel
	if ch > 0 {
		for i := range r.devices {
			if r.devices[i].Channel == ch {
				r.devices[i].Active = state
			}
		}
		return
	}
	r.devices[idx].Active = state
}

// SyncChannel marks every device on a channel with the given state, without
// persisting. Used when the relay driver reports a state change that did not
// originate from the registry.
func (r *Registry) SyncChannel(channel int, state bool) {
	if channel <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.devices {
		if r.devices[i].Channel == channel {
			r.devices[i].Active = state
		}
	}
}
