package upnp

import (
	"errors"
	"strings"
)

// USN errors.
var (
	ErrInvalidUSN = errors.New("invalid USN")
)

// ResourceKind discriminates the resource part of a USN or notification
// target.
type ResourceKind uint8

const (
	// ResourceNone means the identifier carries no resource part.
	ResourceNone ResourceKind = iota
	// ResourceRootDevice is the literal "upnp:rootdevice".
	ResourceRootDevice
	// ResourceUDN is a bare device UDN.
	ResourceUDN
	// ResourceResourceType is a device or service type URN.
	ResourceResourceType
	// ResourceAll is the search target "ssdp:all".
	ResourceAll
)

const (
	rootDeviceTarget = "upnp:rootdevice"
	allTarget        = "ssdp:all"
)

// ResourceIdentifier is the resource half of a USN and the value space of
// the SSDP NT and ST headers: "upnp:rootdevice", a UDN, a resource type
// URN, or (as a search target only) "ssdp:all".
type ResourceIdentifier struct {
	kind ResourceKind
	udn  UDN
	rt   ResourceType
}

// RootDeviceResource returns the "upnp:rootdevice" identifier.
func RootDeviceResource() ResourceIdentifier {
	return ResourceIdentifier{kind: ResourceRootDevice}
}

// AllResource returns the "ssdp:all" search target.
func AllResource() ResourceIdentifier {
	return ResourceIdentifier{kind: ResourceAll}
}

// UDNResource returns an identifier naming a specific device.
func UDNResource(udn UDN) ResourceIdentifier {
	return ResourceIdentifier{kind: ResourceUDN, udn: udn}
}

// TypeResource returns an identifier naming a device or service type.
func TypeResource(rt ResourceType) ResourceIdentifier {
	return ResourceIdentifier{kind: ResourceResourceType, rt: rt}
}

// ParseResourceIdentifier parses the value of an NT or ST header.
func ParseResourceIdentifier(s string) (ResourceIdentifier, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == rootDeviceTarget:
		return RootDeviceResource(), nil
	case s == allTarget:
		return AllResource(), nil
	case strings.HasPrefix(s, "uuid:"):
		udn, err := ParseUDN(s)
		if err != nil {
			return ResourceIdentifier{}, err
		}
		return UDNResource(udn), nil
	default:
		rt, err := ParseResourceType(s)
		if err != nil {
			return ResourceIdentifier{}, err
		}
		return TypeResource(rt), nil
	}
}

// Kind returns the identifier kind.
func (r ResourceIdentifier) Kind() ResourceKind { return r.kind }

// UDN returns the device UDN for ResourceUDN identifiers.
func (r ResourceIdentifier) UDN() UDN { return r.udn }

// Type returns the resource type for ResourceResourceType identifiers.
func (r ResourceIdentifier) Type() ResourceType { return r.rt }

// IsZero reports whether the identifier is absent.
func (r ResourceIdentifier) IsZero() bool { return r.kind == ResourceNone }

// String returns the header form of the identifier.
func (r ResourceIdentifier) String() string {
	switch r.kind {
	case ResourceRootDevice:
		return rootDeviceTarget
	case ResourceAll:
		return allTarget
	case ResourceUDN:
		return r.udn.String()
	case ResourceResourceType:
		return r.rt.String()
	default:
		return ""
	}
}

// USN is a Unique Service Name: a device UDN plus an optional resource
// identifier, serialized as "<udn>::<resource>".
type USN struct {
	udn      UDN
	resource ResourceIdentifier
}

// NewUSN composes a USN from a UDN and a resource identifier. A zero
// resource yields a bare-UDN USN.
func NewUSN(udn UDN, resource ResourceIdentifier) USN {
	return USN{udn: udn, resource: resource}
}

// ParseUSN parses a USN header value.
func ParseUSN(s string) (USN, error) {
	s = strings.TrimSpace(s)

	udnPart, resourcePart, found := strings.Cut(s, "::")
	udn, err := ParseUDN(udnPart)
	if err != nil {
		return USN{}, ErrInvalidUSN
	}
	if !found {
		return USN{udn: udn}, nil
	}

	resource, err := ParseResourceIdentifier(resourcePart)
	if err != nil || resource.Kind() == ResourceAll {
		return USN{}, ErrInvalidUSN
	}
	return USN{udn: udn, resource: resource}, nil
}

// UDN returns the device part of the USN.
func (u USN) UDN() UDN { return u.udn }

// Resource returns the resource part, which may be zero.
func (u USN) Resource() ResourceIdentifier { return u.resource }

// IsZero reports whether the USN is the zero value.
func (u USN) IsZero() bool { return u.udn.IsZero() }

// String returns the "<udn>::<resource>" form, or the bare UDN when no
// resource is set.
func (u USN) String() string {
	if u.resource.IsZero() {
		return u.udn.String()
	}
	return u.udn.String() + "::" + u.resource.String()
}
