package upnp

import (
	"errors"
	"strconv"
	"strings"
)

// ResourceType errors.
var (
	ErrInvalidResourceType = errors.New("invalid resource type")
)

// TypeCategory classifies a resource type URN.
type TypeCategory uint8

const (
	// CategoryUnknown is the zero value for an unparsed type.
	CategoryUnknown TypeCategory = iota
	// StandardDeviceType is a device type in the schemas-upnp-org domain.
	StandardDeviceType
	// VendorDeviceType is a device type in a vendor domain.
	VendorDeviceType
	// StandardServiceType is a service type in the schemas-upnp-org domain.
	StandardServiceType
	// VendorServiceType is a service type in a vendor domain.
	VendorServiceType
)

// String returns the category name.
func (c TypeCategory) String() string {
	switch c {
	case StandardDeviceType:
		return "StandardDeviceType"
	case VendorDeviceType:
		return "VendorDeviceType"
	case StandardServiceType:
		return "StandardServiceType"
	case VendorServiceType:
		return "VendorServiceType"
	default:
		return "Unknown"
	}
}

const standardDomain = "schemas-upnp-org"

// ResourceType is a device or service type URN of the form
// "urn:<domain>:device:<name>:<version>" or
// "urn:<domain>:service:<name>:<version>".
// Equality is by full string; version comparisons compare the trailing
// integer only.
type ResourceType struct {
	value    string
	domain   string
	name     string
	version  int
	category TypeCategory
}

// ParseResourceType parses a device or service type URN.
func ParseResourceType(s string) (ResourceType, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 5 || parts[0] != "urn" {
		return ResourceType{}, ErrInvalidResourceType
	}

	domain, kind, name := parts[1], parts[2], parts[3]
	if domain == "" || name == "" {
		return ResourceType{}, ErrInvalidResourceType
	}

	version, err := strconv.Atoi(parts[4])
	if err != nil || version < 0 {
		return ResourceType{}, ErrInvalidResourceType
	}

	var category TypeCategory
	switch kind {
	case "device":
		category = VendorDeviceType
		if domain == standardDomain {
			category = StandardDeviceType
		}
	case "service":
		category = VendorServiceType
		if domain == standardDomain {
			category = StandardServiceType
		}
	default:
		return ResourceType{}, ErrInvalidResourceType
	}

	return ResourceType{
		value:    s,
		domain:   domain,
		name:     name,
		version:  version,
		category: category,
	}, nil
}

// IsZero reports whether the type is the zero value.
func (t ResourceType) IsZero() bool { return t.value == "" }

// Domain returns the URN domain, for example "schemas-upnp-org".
func (t ResourceType) Domain() string { return t.domain }

// Name returns the type name, for example "SwitchPower".
func (t ResourceType) Name() string { return t.name }

// Version returns the trailing version number.
func (t ResourceType) Version() int { return t.version }

// Category returns the type category.
func (t ResourceType) Category() TypeCategory { return t.category }

// IsDeviceType reports whether the URN names a device type.
func (t ResourceType) IsDeviceType() bool {
	return t.category == StandardDeviceType || t.category == VendorDeviceType
}

// IsServiceType reports whether the URN names a service type.
func (t ResourceType) IsServiceType() bool {
	return t.category == StandardServiceType || t.category == VendorServiceType
}

// String returns the full URN.
func (t ResourceType) String() string { return t.value }

// CompatibleWith reports whether a resource of this type satisfies a search
// or reference for the wanted type: same domain, kind and name, and an
// implemented version greater than or equal to the wanted version.
func (t ResourceType) CompatibleWith(wanted ResourceType) bool {
	return t.domain == wanted.domain &&
		t.name == wanted.name &&
		t.IsDeviceType() == wanted.IsDeviceType() &&
		t.version >= wanted.version
}
