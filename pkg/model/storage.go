package model

import (
	"errors"
	"sync"

	"github.com/gladhorn/hupnp/pkg/upnp"
)

// Storage errors.
var (
	ErrDuplicateUDN   = errors.New("duplicate UDN")
	ErrDeviceNotFound = errors.New("device not found")
)

// Storage is the in-process registry of root devices, keyed by UDN. Both
// peers use it: the host for published devices, the control point for
// discovered ones. A single lock guards the mutation set; lookups return
// snapshots so callers never hold the lock across I/O.
type Storage struct {
	mu    sync.RWMutex
	roots map[string]*Device
}

// NewStorage creates an empty registry.
func NewStorage() *Storage {
	return &Storage{roots: make(map[string]*Device)}
}

// Add registers a root device. No device anywhere in the registry may
// share a UDN with any device of the added tree.
func (s *Storage) Add(root *Device) error {
	newUDNs := make(map[string]bool)
	root.Walk(func(d *Device) {
		newUDNs[d.UDN().String()] = true
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.roots {
		var clash bool
		existing.Walk(func(d *Device) {
			if newUDNs[d.UDN().String()] {
				clash = true
			}
		})
		if clash {
			return ErrDuplicateUDN
		}
	}
	s.roots[root.UDN().String()] = root
	return nil
}

// Remove unregisters a root device and returns it. The tree is not
// disposed; the caller decides whether removal cascades.
func (s *Storage) Remove(udn upnp.UDN) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, ok := s.roots[udn.String()]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	delete(s.roots, udn.String())
	return root, nil
}

// RootDevices returns a snapshot of the registered root devices.
func (s *Storage) RootDevices() []*Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Device, 0, len(s.roots))
	for _, root := range s.roots {
		out = append(out, root)
	}
	return out
}

// SearchByUDN locates a device (root or embedded) by UDN.
func (s *Storage) SearchByUDN(udn upnp.UDN) (*Device, bool) {
	for _, root := range s.RootDevices() {
		if d, ok := root.FindByUDN(udn); ok {
			return d, true
		}
	}
	return nil, false
}

// SearchByType returns every device whose type satisfies the wanted type.
func (s *Storage) SearchByType(wanted upnp.ResourceType) []*Device {
	var out []*Device
	for _, root := range s.RootDevices() {
		root.Walk(func(d *Device) {
			if d.DeviceType().CompatibleWith(wanted) {
				out = append(out, d)
			}
		})
	}
	return out
}

// SearchServicesByType returns every service whose type satisfies the
// wanted type.
func (s *Storage) SearchServicesByType(wanted upnp.ResourceType) []*Service {
	var out []*Service
	for _, root := range s.RootDevices() {
		root.Walk(func(d *Device) {
			out = append(out, d.ServicesByType(wanted)...)
		})
	}
	return out
}

// HasUDN reports whether any device in the registry carries the UDN.
func (s *Storage) HasUDN(udn upnp.UDN) bool {
	_, ok := s.SearchByUDN(udn)
	return ok
}

// Count returns the number of root devices.
func (s *Storage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.roots)
}
