package upnp

import (
	"errors"
	"testing"
)

func TestParseUDN(t *testing.T) {
	udn, err := ParseUDN("uuid:5d794fc2-5c5e-4460-a023-f04a51363300")
	if err != nil {
		t.Fatalf("ParseUDN failed: %v", err)
	}
	if udn.UUID() != "5d794fc2-5c5e-4460-a023-f04a51363300" {
		t.Errorf("UUID() = %q", udn.UUID())
	}
	if !udn.IsStrict() {
		t.Error("IsStrict() = false for well-formed UUID")
	}

	// Non-UUID suffix is valid but not strict.
	udn, err = ParseUDN("uuid:not-a-real-uuid")
	if err != nil {
		t.Fatalf("ParseUDN failed: %v", err)
	}
	if udn.IsStrict() {
		t.Error("IsStrict() = true for malformed UUID suffix")
	}

	for _, bad := range []string{"", "uuid:", "urn:something", "5d794fc2"} {
		if _, err := ParseUDN(bad); !errors.Is(err, ErrInvalidUDN) {
			t.Errorf("ParseUDN(%q) = %v, want ErrInvalidUDN", bad, err)
		}
	}
}

func TestParseResourceType(t *testing.T) {
	tests := []struct {
		in       string
		category TypeCategory
		name     string
		version  int
	}{
		{"urn:schemas-upnp-org:device:BinaryLight:1", StandardDeviceType, "BinaryLight", 1},
		{"urn:schemas-upnp-org:service:SwitchPower:1", StandardServiceType, "SwitchPower", 1},
		{"urn:acme-com:device:Toaster:2", VendorDeviceType, "Toaster", 2},
		{"urn:acme-com:service:Heat:10", VendorServiceType, "Heat", 10},
	}
	for _, tt := range tests {
		rt, err := ParseResourceType(tt.in)
		if err != nil {
			t.Fatalf("ParseResourceType(%q) failed: %v", tt.in, err)
		}
		if rt.Category() != tt.category {
			t.Errorf("%q category = %v, want %v", tt.in, rt.Category(), tt.category)
		}
		if rt.Name() != tt.name || rt.Version() != tt.version {
			t.Errorf("%q parsed as %s:%d", tt.in, rt.Name(), rt.Version())
		}
		if rt.String() != tt.in {
			t.Errorf("String() = %q, want %q", rt.String(), tt.in)
		}
	}

	for _, bad := range []string{
		"",
		"urn:schemas-upnp-org:device:BinaryLight",
		"urn:schemas-upnp-org:gadget:BinaryLight:1",
		"urn:schemas-upnp-org:device:BinaryLight:one",
		"schemas-upnp-org:device:BinaryLight:1",
	} {
		if _, err := ParseResourceType(bad); err == nil {
			t.Errorf("ParseResourceType(%q) succeeded, want error", bad)
		}
	}
}

func TestResourceTypeCompatibleWith(t *testing.T) {
	v2, _ := ParseResourceType("urn:schemas-upnp-org:service:SwitchPower:2")
	v1, _ := ParseResourceType("urn:schemas-upnp-org:service:SwitchPower:1")
	other, _ := ParseResourceType("urn:schemas-upnp-org:service:Dimming:1")

	if !v2.CompatibleWith(v1) {
		t.Error("v2 should satisfy a search for v1")
	}
	if v1.CompatibleWith(v2) {
		t.Error("v1 should not satisfy a search for v2")
	}
	if v2.CompatibleWith(other) {
		t.Error("different names must not match")
	}
}

func TestParseServiceID(t *testing.T) {
	id, err := ParseServiceID("urn:upnp-org:serviceId:SwitchPower")
	if err != nil {
		t.Fatalf("ParseServiceID failed: %v", err)
	}
	if !id.IsStandard() || id.Suffix() != "SwitchPower" {
		t.Errorf("parsed %q suffix=%q standard=%v", id, id.Suffix(), id.IsStandard())
	}

	// Deployed devices emit serviceID with odd casing.
	if _, err := ParseServiceID("urn:upnp-org:serviceID:SwitchPower"); err != nil {
		t.Errorf("case-insensitive serviceId token rejected: %v", err)
	}

	if _, err := ParseServiceID("urn:upnp-org:service:SwitchPower"); err == nil {
		t.Error("service token accepted as serviceId")
	}
}

func TestParseUSN(t *testing.T) {
	usn, err := ParseUSN("uuid:X::urn:schemas-upnp-org:device:T:1")
	if err != nil {
		t.Fatalf("ParseUSN failed: %v", err)
	}
	if usn.UDN().String() != "uuid:X" {
		t.Errorf("UDN() = %q, want uuid:X", usn.UDN())
	}
	if usn.Resource().Type().String() != "urn:schemas-upnp-org:device:T:1" {
		t.Errorf("Resource().Type() = %q", usn.Resource().Type())
	}

	usn, err = ParseUSN("uuid:X::upnp:rootdevice")
	if err != nil {
		t.Fatalf("ParseUSN failed: %v", err)
	}
	if usn.Resource().Kind() != ResourceRootDevice {
		t.Errorf("Resource().Kind() = %v, want root device", usn.Resource().Kind())
	}

	usn, err = ParseUSN("uuid:X")
	if err != nil {
		t.Fatalf("bare-UDN USN rejected: %v", err)
	}
	if !usn.Resource().IsZero() {
		t.Error("bare-UDN USN should have no resource part")
	}

	if _, err := ParseUSN("uuid:X::ssdp:all"); err == nil {
		t.Error("ssdp:all accepted as USN resource")
	}
}

func TestUSNRoundTrip(t *testing.T) {
	for _, s := range []string{
		"uuid:X::upnp:rootdevice",
		"uuid:X::urn:schemas-upnp-org:service:SwitchPower:1",
		"uuid:X::uuid:X",
		"uuid:X",
	} {
		usn, err := ParseUSN(s)
		if err != nil {
			t.Fatalf("ParseUSN(%q) failed: %v", s, err)
		}
		if usn.String() != s {
			t.Errorf("round trip %q -> %q", s, usn.String())
		}
	}
}

func TestProductTokensConforming(t *testing.T) {
	pt := ParseProductTokens("Foo/1.0 UPnP/1.1 Bar/2.0")
	if !pt.IsValid() || pt.IsNonStandard() {
		t.Fatalf("conforming value: valid=%v nonstandard=%v", pt.IsValid(), pt.IsNonStandard())
	}
	if got := pt.UPnPToken(); got != NewProductToken("UPnP", "1.1") {
		t.Errorf("UPnPToken() = %v", got)
	}
	if pt.OSToken().Token != "Foo" || pt.ProductToken().Token != "Bar" {
		t.Errorf("os=%v product=%v", pt.OSToken(), pt.ProductToken())
	}
	if pt.UPnPToken().MajorVersion() != 1 || pt.UPnPToken().MinorVersion() != 1 {
		t.Errorf("version split = %d.%d",
			pt.UPnPToken().MajorVersion(), pt.UPnPToken().MinorVersion())
	}
}

func TestProductTokensTolerant(t *testing.T) {
	// Comma-delimited variant.
	pt := ParseProductTokens("Foo/1.0, UPnP/1.0, Bar/2.0")
	if !pt.IsValid() || !pt.IsNonStandard() {
		t.Fatalf("comma variant: valid=%v nonstandard=%v", pt.IsValid(), pt.IsNonStandard())
	}
	if pt.UPnPToken().Version != "1.0" {
		t.Errorf("UPnPToken() = %v", pt.UPnPToken())
	}

	// Garbage around a recoverable UPnP token.
	pt = ParseProductTokens("SomeRandomServer UPnP/1.1")
	if !pt.IsValid() || !pt.IsNonStandard() {
		t.Fatalf("regex fallback: valid=%v nonstandard=%v", pt.IsValid(), pt.IsNonStandard())
	}
	if pt.UPnPToken() != NewProductToken("UPnP", "1.1") {
		t.Errorf("UPnPToken() = %v", pt.UPnPToken())
	}

	// Nothing recoverable.
	pt = ParseProductTokens("plain text with no tokens")
	if pt.IsValid() {
		t.Error("unrecoverable value reported valid")
	}
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("192.168.1.10:1900")
	if err != nil {
		t.Fatalf("ParseEndpoint failed: %v", err)
	}
	if ep.Host() != "192.168.1.10" || ep.Port() != 1900 {
		t.Errorf("parsed %q:%d", ep.Host(), ep.Port())
	}
	if ep.String() != "192.168.1.10:1900" {
		t.Errorf("String() = %q", ep.String())
	}

	for _, bad := range []string{"", "hostonly", ":80", "host:notaport", "host:99999"} {
		if _, err := ParseEndpoint(bad); err == nil {
			t.Errorf("ParseEndpoint(%q) succeeded, want error", bad)
		}
	}
}

func TestDeviceInfoValidate(t *testing.T) {
	deviceType, _ := ParseResourceType("urn:schemas-upnp-org:device:BinaryLight:1")
	udn, _ := ParseUDN("uuid:5d794fc2-5c5e-4460-a023-f04a51363300")

	info := DeviceInfo{
		DeviceType:   deviceType,
		FriendlyName: "Hall Light",
		Manufacturer: "Acme",
		ModelName:    "BL-100",
		UDN:          udn,
		UPC:          "123456789012",
	}
	warnings, err := info.Validate(true)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}

	// Overlong friendly name warns but does not fail.
	long := info
	long.FriendlyName = string(make([]byte, 70))
	warnings, err = long.Validate(false)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(warnings) == 0 {
		t.Error("overlong friendlyName produced no warning")
	}

	// Missing mandatory field fails.
	missing := info
	missing.Manufacturer = ""
	if _, err := missing.Validate(false); !errors.Is(err, ErrInvalidDeviceDescription) {
		t.Errorf("missing manufacturer: err = %v", err)
	}
}

func TestUPCForms(t *testing.T) {
	base := DeviceInfo{
		FriendlyName: "x", Manufacturer: "x", ModelName: "x",
	}
	base.DeviceType, _ = ParseResourceType("urn:schemas-upnp-org:device:X:1")
	base.UDN, _ = ParseUDN("uuid:a")

	// Separator form is tolerated outside strict mode.
	tolerant := base
	tolerant.UPC = "123456-789012"
	warnings, err := tolerant.Validate(false)
	if err != nil {
		t.Fatalf("tolerant UPC rejected: %v", err)
	}
	if len(warnings) != 1 {
		t.Errorf("tolerant UPC warnings = %v", warnings)
	}
	if _, err := tolerant.Validate(true); err == nil {
		t.Error("strict mode accepted separator UPC")
	}

	junk := base
	junk.UPC = "12345"
	if warnings, err := junk.Validate(false); err != nil || len(warnings) != 1 {
		t.Errorf("short UPC: warnings=%v err=%v", warnings, err)
	}
}

func TestActionError(t *testing.T) {
	e := NewActionError(CodeArgumentValueOutOfRange, "")
	if e.Description != "Argument Value Out of Range" {
		t.Errorf("Description = %q", e.Description)
	}
	if e.HTTPStatus() != 601 {
		t.Errorf("HTTPStatus() = %d", e.HTTPStatus())
	}

	vendor := NewActionError(812, "vendor things")
	if vendor.HTTPStatus() != 812 || vendor.ReasonPhrase() != "Error" {
		t.Errorf("vendor code: status=%d phrase=%q", vendor.HTTPStatus(), vendor.ReasonPhrase())
	}
}
