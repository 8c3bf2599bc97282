package upnp

import (
	"fmt"
)

// Recommended maximum field lengths from the UPnP Device Architecture.
// Exceeding them is a warning, never an error: deployed devices routinely
// overflow these and control points must interoperate regardless.
const (
	maxFriendlyNameLen     = 64
	maxManufacturerLen     = 64
	maxModelDescriptionLen = 128
	maxModelNameLen        = 32
	maxModelNumberLen      = 32
	maxSerialNumberLen     = 64
)

// Icon is a device icon advertised in a description document. Bytes is
// populated by the control point after fetching the icon, and is nil on
// the serving side when the icon comes from disk.
type Icon struct {
	MimeType string
	Width    int
	Height   int
	Depth    int
	URL      string
	Bytes    []byte
}

// DeviceInfo is the device metadata block of a description document.
// Values are set once at parse or configuration time and treated as
// immutable afterwards.
type DeviceInfo struct {
	DeviceType       ResourceType
	FriendlyName     string
	Manufacturer     string
	ManufacturerURL  string
	ModelDescription string
	ModelName        string
	ModelNumber      string
	ModelURL         string
	SerialNumber     string
	UDN              UDN
	UPC              string
	Icons            []Icon
	PresentationURL  string
}

// Validate checks mandatory fields and returns the non-fatal warnings the
// UDA field-length recommendations produce. In strict mode the tolerant
// 13-character UPC form is rejected instead of warned.
func (d *DeviceInfo) Validate(strict bool) ([]string, error) {
	if d.DeviceType.IsZero() || !d.DeviceType.IsDeviceType() {
		return nil, fmt.Errorf("%w: missing or bad deviceType", ErrInvalidDeviceDescription)
	}
	if d.FriendlyName == "" {
		return nil, fmt.Errorf("%w: missing friendlyName", ErrInvalidDeviceDescription)
	}
	if d.Manufacturer == "" {
		return nil, fmt.Errorf("%w: missing manufacturer", ErrInvalidDeviceDescription)
	}
	if d.ModelName == "" {
		return nil, fmt.Errorf("%w: missing modelName", ErrInvalidDeviceDescription)
	}
	if d.UDN.IsZero() {
		return nil, fmt.Errorf("%w: missing UDN", ErrInvalidDeviceDescription)
	}

	var warnings []string
	checkLen := func(field, value string, max int) {
		if len(value) > max {
			warnings = append(warnings,
				fmt.Sprintf("%s exceeds %d characters: %q", field, max, value))
		}
	}
	checkLen("friendlyName", d.FriendlyName, maxFriendlyNameLen)
	checkLen("manufacturer", d.Manufacturer, maxManufacturerLen)
	checkLen("modelDescription", d.ModelDescription, maxModelDescriptionLen)
	checkLen("modelName", d.ModelName, maxModelNameLen)
	checkLen("modelNumber", d.ModelNumber, maxModelNumberLen)
	checkLen("serialNumber", d.SerialNumber, maxSerialNumberLen)

	if d.UPC != "" {
		ok, warning := validateUPC(d.UPC)
		if !ok {
			if strict {
				return nil, fmt.Errorf("%w: bad UPC %q", ErrInvalidDeviceDescription, d.UPC)
			}
			warnings = append(warnings, fmt.Sprintf("UPC is not 12 digits: %q", d.UPC))
		} else if warning != "" && strict {
			return nil, fmt.Errorf("%w: bad UPC %q", ErrInvalidDeviceDescription, d.UPC)
		} else if warning != "" {
			warnings = append(warnings, warning)
		}
	}

	return warnings, nil
}

// validateUPC accepts a 12-digit UPC. A 13-character form with a hyphen or
// space in position 6 is tolerated with a warning because some vendors
// print the separator into the description document.
func validateUPC(upc string) (ok bool, warning string) {
	switch len(upc) {
	case 12:
		if allDigits(upc) {
			return true, ""
		}
		return false, ""
	case 13:
		sep := upc[6]
		if sep != '-' && sep != ' ' {
			return false, ""
		}
		if allDigits(upc[:6]) && allDigits(upc[7:]) {
			return true, fmt.Sprintf("UPC contains a separator: %q", upc)
		}
		return false, ""
	default:
		return false, ""
	}
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

// ServiceInfo is the per-service metadata block of a description document.
type ServiceInfo struct {
	ServiceID   ServiceID
	ServiceType ResourceType
	SCPDURL     string
	ControlURL  string
	EventSubURL string
	// Evented is true when the service declares at least one evented
	// state variable.
	Evented bool
}

// Validate checks the mandatory service fields.
func (s *ServiceInfo) Validate() error {
	if s.ServiceID.IsZero() {
		return fmt.Errorf("%w: missing serviceId", ErrInvalidServiceDescription)
	}
	if s.ServiceType.IsZero() || !s.ServiceType.IsServiceType() {
		return fmt.Errorf("%w: missing or bad serviceType", ErrInvalidServiceDescription)
	}
	if s.SCPDURL == "" {
		return fmt.Errorf("%w: missing SCPDURL", ErrInvalidServiceDescription)
	}
	if s.ControlURL == "" {
		return fmt.Errorf("%w: missing controlURL", ErrInvalidServiceDescription)
	}
	return nil
}
