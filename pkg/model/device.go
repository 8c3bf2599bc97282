package model

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gladhorn/hupnp/pkg/upnp"
)

// Device errors.
var (
	ErrDuplicateService = errors.New("duplicate service ID")
	ErrDeviceDisposed   = errors.New("device disposed")
)

// Device is one node of the device tree: its metadata, its services, and
// its embedded devices. The parent pointer is a non-owning back reference;
// a root device has a nil parent and owns the whole subtree.
type Device struct {
	mu sync.RWMutex

	info     upnp.DeviceInfo
	parent   *Device
	services []*Service
	embedded []*Device
	disposed bool
}

// NewDevice creates a device node from its metadata.
func NewDevice(info upnp.DeviceInfo) *Device {
	return &Device{info: info}
}

// Info returns the device metadata.
func (d *Device) Info() upnp.DeviceInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info
}

// UDN returns the device's unique device name.
func (d *Device) UDN() upnp.UDN {
	return d.info.UDN
}

// DeviceType returns the device's type URN.
func (d *Device) DeviceType() upnp.ResourceType {
	return d.info.DeviceType
}

// Parent returns the parent device, or nil for a root device.
func (d *Device) Parent() *Device {
	return d.parent
}

// Root returns the root of the tree this device belongs to.
func (d *Device) Root() *Device {
	root := d
	for root.parent != nil {
		root = root.parent
	}
	return root
}

// IsRoot reports whether the device is a root device.
func (d *Device) IsRoot() bool {
	return d.parent == nil
}

// AddService attaches a service. The service ID must be unique within the
// device.
func (d *Device) AddService(svc *Service) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disposed {
		return ErrDeviceDisposed
	}
	for _, existing := range d.services {
		if existing.info.ServiceID.String() == svc.info.ServiceID.String() {
			return fmt.Errorf("%w: %s", ErrDuplicateService, svc.info.ServiceID)
		}
	}
	svc.parent = d
	d.services = append(d.services, svc)
	return nil
}

// AddEmbeddedDevice attaches an embedded device.
func (d *Device) AddEmbeddedDevice(child *Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disposed {
		return ErrDeviceDisposed
	}
	child.parent = d
	d.embedded = append(d.embedded, child)
	return nil
}

// Services returns the device's own services in declaration order.
func (d *Device) Services() []*Service {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.disposed {
		return nil
	}
	out := make([]*Service, len(d.services))
	copy(out, d.services)
	return out
}

// EmbeddedDevices returns the device's direct embedded devices.
func (d *Device) EmbeddedDevices() []*Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.disposed {
		return nil
	}
	out := make([]*Device, len(d.embedded))
	copy(out, d.embedded)
	return out
}

// ServiceByID returns the service with the given service ID, searching
// this device only.
func (d *Device) ServiceByID(id upnp.ServiceID) (*Service, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.disposed {
		return nil, false
	}
	for _, svc := range d.services {
		if svc.info.ServiceID.String() == id.String() {
			return svc, true
		}
	}
	return nil, false
}

// ServicesByType returns services of this device whose type satisfies the
// wanted type (same name, version greater or equal).
func (d *Device) ServicesByType(wanted upnp.ResourceType) []*Service {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.disposed {
		return nil
	}
	var out []*Service
	for _, svc := range d.services {
		if svc.info.ServiceType.CompatibleWith(wanted) {
			out = append(out, svc)
		}
	}
	return out
}

// FindByUDN returns the device with the given UDN in this subtree.
func (d *Device) FindByUDN(udn upnp.UDN) (*Device, bool) {
	if d.IsDisposed() {
		return nil, false
	}
	if d.info.UDN.String() == udn.String() {
		return d, true
	}
	for _, child := range d.EmbeddedDevices() {
		if found, ok := child.FindByUDN(udn); ok {
			return found, ok
		}
	}
	return nil, false
}

// Walk visits this device and every embedded device, depth first.
func (d *Device) Walk(visit func(*Device)) {
	if d.IsDisposed() {
		return
	}
	visit(d)
	for _, child := range d.EmbeddedDevices() {
		child.Walk(visit)
	}
}

// FindService locates a service anywhere in the subtree by service ID.
func (d *Device) FindService(id upnp.ServiceID) (*Service, bool) {
	var found *Service
	d.Walk(func(dev *Device) {
		if found != nil {
			return
		}
		if svc, ok := dev.ServiceByID(id); ok {
			found = svc
		}
	})
	return found, found != nil
}

// ResourceIdentifiers enumerates the SSDP resource identifiers this tree
// advertises: "upnp:rootdevice" (for a root), every device's UDN and
// device type, and every distinct service type. The identifier count per
// advertisement burst follows directly from this list.
func (d *Device) ResourceIdentifiers() []upnp.USN {
	var out []upnp.USN
	if d.IsRoot() {
		out = append(out, upnp.NewUSN(d.UDN(), upnp.RootDeviceResource()))
	}

	d.Walk(func(dev *Device) {
		udn := dev.UDN()
		out = append(out, upnp.NewUSN(udn, upnp.ResourceIdentifier{}))
		out = append(out, upnp.NewUSN(udn, upnp.TypeResource(dev.DeviceType())))
		// One entry per distinct service type within the device.
		seen := make(map[string]bool)
		for _, svc := range dev.Services() {
			serviceType := svc.Info().ServiceType
			if seen[serviceType.String()] {
				continue
			}
			seen[serviceType.String()] = true
			out = append(out, upnp.NewUSN(udn, upnp.TypeResource(serviceType)))
		}
	})
	return out
}

// SetIconURLs rewrites the icon URLs of the device metadata, in icon
// order. Extra URLs are ignored.
func (d *Device) SetIconURLs(urls []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.info.Icons {
		if i < len(urls) {
			d.info.Icons[i].URL = urls[i]
		}
	}
}

// Dispose marks the whole subtree disposed. Accessors on disposed nodes
// return empty results; the nodes become reclaimable when the last
// external handle is dropped.
func (d *Device) Dispose() {
	d.mu.Lock()
	services := d.services
	embedded := d.embedded
	d.disposed = true
	d.mu.Unlock()

	for _, svc := range services {
		svc.Dispose()
	}
	for _, child := range embedded {
		child.Dispose()
	}
}

// IsDisposed reports whether the device has been disposed.
func (d *Device) IsDisposed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.disposed
}

// DeviceSetup is a hook that finishes a freshly built device, typically
// attaching action invokers to its services.
type DeviceSetup func(*Device) error

// DeviceFactory resolves a device type to the setup hook for devices of
// that type. It replaces subclassing: hosts register factories instead of
// deriving device types.
type DeviceFactory func(deviceType upnp.ResourceType) DeviceSetup
