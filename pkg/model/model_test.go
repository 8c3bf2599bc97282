package model

import (
	"errors"
	"testing"

	"github.com/gladhorn/hupnp/pkg/upnp"
)

func mustType(t *testing.T, s string) upnp.ResourceType {
	t.Helper()
	rt, err := upnp.ParseResourceType(s)
	if err != nil {
		t.Fatalf("ParseResourceType(%q) failed: %v", s, err)
	}
	return rt
}

func mustUDN(t *testing.T, s string) upnp.UDN {
	t.Helper()
	udn, err := upnp.ParseUDN(s)
	if err != nil {
		t.Fatalf("ParseUDN(%q) failed: %v", s, err)
	}
	return udn
}

func mustServiceID(t *testing.T, s string) upnp.ServiceID {
	t.Helper()
	id, err := upnp.ParseServiceID(s)
	if err != nil {
		t.Fatalf("ParseServiceID(%q) failed: %v", s, err)
	}
	return id
}

// switchPowerService builds the canonical test service: a SwitchPower with
// an evented boolean Status and a non-evented Target.
func switchPowerService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(upnp.ServiceInfo{
		ServiceID:   mustServiceID(t, "urn:upnp-org:serviceId:SwitchPower"),
		ServiceType: mustType(t, "urn:schemas-upnp-org:service:SwitchPower:1"),
		SCPDURL:     "/scpd.xml",
		ControlURL:  "/control",
		EventSubURL: "/event",
	})
	if err := svc.AddStateVariable(&StateVariable{
		Name: "Status", Type: TypeBoolean, Eventing: UnicastOnly, DefaultValue: "0",
	}); err != nil {
		t.Fatal(err)
	}
	if err := svc.AddStateVariable(&StateVariable{
		Name: "Target", Type: TypeBoolean, DefaultValue: "0",
	}); err != nil {
		t.Fatal(err)
	}
	return svc
}

func lightDevice(t *testing.T, udn string) *Device {
	t.Helper()
	device := NewDevice(upnp.DeviceInfo{
		DeviceType:   mustType(t, "urn:schemas-upnp-org:device:BinaryLight:1"),
		FriendlyName: "Test Light",
		Manufacturer: "Acme",
		ModelName:    "BL-100",
		UDN:          mustUDN(t, udn),
	})
	if err := device.AddService(switchPowerService(t)); err != nil {
		t.Fatal(err)
	}
	return device
}

func TestDataTypeValidation(t *testing.T) {
	tests := []struct {
		dataType DataType
		value    string
		ok       bool
	}{
		{TypeUI1, "255", true},
		{TypeUI1, "256", false},
		{TypeUI1, "-1", false},
		{TypeI2, "-32768", true},
		{TypeI2, "40000", false},
		{TypeBoolean, "1", true},
		{TypeBoolean, "maybe", false},
		{TypeChar, "x", true},
		{TypeChar, "xy", false},
		{TypeString, "anything at all", true},
		{TypeDate, "2024-05-02", true},
		{TypeDate, "05/02/2024", false},
		{TypeDateTime, "2024-05-02T10:30:00", true},
		{TypeTime, "10:30:00", true},
		{TypeBinBase64, "aGVsbG8=", true},
		{TypeBinBase64, "!!!", false},
		{TypeBinHex, "deadbeef", true},
		{TypeBinHex, "xyz", false},
		{TypeUUID, "5d794fc2-5c5e-4460-a023-f04a51363300", true},
		{TypeUUID, "nope", false},
		{TypeFixed14_4, "3.1415", true},
	}
	for _, tt := range tests {
		v := StateVariable{Name: "V", Type: tt.dataType}
		err := v.ValidateValue(tt.value)
		if tt.ok && err != nil {
			t.Errorf("%s %q rejected: %v", tt.dataType, tt.value, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%s %q accepted", tt.dataType, tt.value)
		}
	}
}

func TestParseDataType(t *testing.T) {
	for name, want := range map[string]DataType{
		"ui4": TypeUI4, "string": TypeString, "dateTime.tz": TypeDateTimeTZ,
		"bin.base64": TypeBinBase64, "fixed.14.4": TypeFixed14_4,
	} {
		got, err := ParseDataType(name)
		if err != nil || got != want {
			t.Errorf("ParseDataType(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseDataType("quaternion"); !errors.Is(err, ErrUnknownDataType) {
		t.Errorf("unknown type err = %v", err)
	}
}

func TestAllowedValuesAndRange(t *testing.T) {
	listVar := StateVariable{
		Name: "Mode", Type: TypeString,
		AllowedValues: []string{"Off", "On", "Auto"},
	}
	if err := listVar.ValidateValue("Auto"); err != nil {
		t.Errorf("allowed value rejected: %v", err)
	}
	if err := listVar.ValidateValue("Standby"); !errors.Is(err, ErrValueNotAllowed) {
		t.Errorf("disallowed value err = %v", err)
	}

	rangeVar := StateVariable{
		Name: "Level", Type: TypeUI2,
		Range: AllowedRange{Min: "0", Max: "100", Step: "1"},
	}
	if err := rangeVar.ValidateValue("55"); err != nil {
		t.Errorf("in-range value rejected: %v", err)
	}
	if err := rangeVar.ValidateValue("101"); !errors.Is(err, ErrValueOutOfRange) {
		t.Errorf("out-of-range err = %v", err)
	}
}

func TestServiceUniqueNames(t *testing.T) {
	svc := switchPowerService(t)

	err := svc.AddStateVariable(&StateVariable{Name: "Status", Type: TypeString})
	if !errors.Is(err, ErrDuplicateStateVariable) {
		t.Errorf("duplicate variable err = %v", err)
	}

	if err := svc.AddAction(&Action{Name: "SetTarget"}); err != nil {
		t.Fatal(err)
	}
	if err := svc.AddAction(&Action{Name: "SetTarget"}); !errors.Is(err, ErrDuplicateAction) {
		t.Errorf("duplicate action err = %v", err)
	}
}

func TestServiceSetValueObservers(t *testing.T) {
	svc := switchPowerService(t)

	var got [][]StateChange
	svc.OnStateChange(func(_ *Service, changes []StateChange) {
		got = append(got, changes)
	})

	if err := svc.SetValue("Status", "1"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if len(got) != 1 || got[0][0] != (StateChange{Variable: "Status", Value: "1"}) {
		t.Fatalf("observer saw %v", got)
	}

	// Unchanged value produces no notification.
	if err := svc.SetValue("Status", "1"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("no-op set notified observers: %v", got)
	}

	// Batch commit is atomic and ordered by declaration.
	if err := svc.SetValues(map[string]string{"Target": "1", "Status": "0"}); err != nil {
		t.Fatalf("SetValues failed: %v", err)
	}
	last := got[len(got)-1]
	if len(last) != 2 || last[0].Variable != "Status" || last[1].Variable != "Target" {
		t.Errorf("batch changes = %v", last)
	}

	// Invalid batch commits nothing.
	before := len(got)
	err := svc.SetValues(map[string]string{"Status": "1", "Target": "maybe"})
	if err == nil {
		t.Fatal("invalid batch accepted")
	}
	if len(got) != before {
		t.Error("failed batch reached observers")
	}
	if v, _ := svc.Value("Status"); v != "0" {
		t.Errorf("failed batch mutated Status = %q", v)
	}
}

func TestServiceImmutable(t *testing.T) {
	svc := switchPowerService(t)
	svc.SetImmutable(true)

	if err := svc.SetValue("Status", "1"); !errors.Is(err, ErrImmutableStateVariable) {
		t.Errorf("immutable SetValue err = %v", err)
	}

	// NOTIFY ingestion still applies, without lexical validation.
	applied, unknown := svc.ApplyNotify(map[string]string{"Status": "1", "Bogus": "x"})
	if len(applied) != 1 || applied[0].Value != "1" {
		t.Errorf("applied = %v", applied)
	}
	if len(unknown) != 1 || unknown[0] != "Bogus" {
		t.Errorf("unknown = %v", unknown)
	}
}

func TestServiceEventedValues(t *testing.T) {
	svc := switchPowerService(t)
	values := svc.EventedValues()
	if len(values) != 1 || values[0] != (StateChange{Variable: "Status", Value: "0"}) {
		t.Errorf("EventedValues() = %v", values)
	}
	if !svc.IsEvented() {
		t.Error("IsEvented() = false")
	}
}

func TestDeviceTree(t *testing.T) {
	root := lightDevice(t, "uuid:root")
	child := lightDevice(t, "uuid:child")
	if err := root.AddEmbeddedDevice(child); err != nil {
		t.Fatal(err)
	}

	if !root.IsRoot() || child.IsRoot() {
		t.Error("root/child confusion")
	}
	if child.Root() != root || child.Parent() != root {
		t.Error("parent back reference broken")
	}

	found, ok := root.FindByUDN(mustUDN(t, "uuid:child"))
	if !ok || found != child {
		t.Error("FindByUDN failed")
	}

	svc, ok := root.FindService(mustServiceID(t, "urn:upnp-org:serviceId:SwitchPower"))
	if !ok || svc.Device() != root {
		t.Error("FindService failed")
	}

	err := root.AddService(switchPowerService(t))
	if !errors.Is(err, ErrDuplicateService) {
		t.Errorf("duplicate service err = %v", err)
	}
}

func TestResourceIdentifiers(t *testing.T) {
	root := lightDevice(t, "uuid:root")
	child := lightDevice(t, "uuid:child")
	if err := root.AddEmbeddedDevice(child); err != nil {
		t.Fatal(err)
	}

	ids := root.ResourceIdentifiers()
	// rootdevice + per device (UDN + type + 1 service type) * 2 devices.
	if len(ids) != 1+3+3 {
		t.Fatalf("got %d identifiers: %v", len(ids), ids)
	}
	if ids[0].String() != "uuid:root::upnp:rootdevice" {
		t.Errorf("first identifier = %s", ids[0])
	}
}

func TestDispose(t *testing.T) {
	root := lightDevice(t, "uuid:root")
	svc := root.Services()[0]

	root.Dispose()

	if !root.IsDisposed() || !svc.IsDisposed() {
		t.Error("dispose did not cascade")
	}
	if got := root.Services(); got != nil {
		t.Errorf("Services() on disposed = %v", got)
	}
	if _, ok := svc.Value("Status"); ok {
		t.Error("Value() on disposed service succeeded")
	}
	if err := svc.SetValue("Status", "1"); !errors.Is(err, ErrServiceDisposed) {
		t.Errorf("SetValue on disposed err = %v", err)
	}
}

func TestStorage(t *testing.T) {
	storage := NewStorage()

	root := lightDevice(t, "uuid:root")
	if err := storage.Add(root); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := storage.Add(lightDevice(t, "uuid:root")); !errors.Is(err, ErrDuplicateUDN) {
		t.Errorf("duplicate add err = %v", err)
	}

	if _, ok := storage.SearchByUDN(mustUDN(t, "uuid:root")); !ok {
		t.Error("SearchByUDN failed")
	}

	wanted := mustType(t, "urn:schemas-upnp-org:device:BinaryLight:1")
	if got := storage.SearchByType(wanted); len(got) != 1 {
		t.Errorf("SearchByType = %v", got)
	}
	serviceType := mustType(t, "urn:schemas-upnp-org:service:SwitchPower:1")
	if got := storage.SearchServicesByType(serviceType); len(got) != 1 {
		t.Errorf("SearchServicesByType = %v", got)
	}

	removed, err := storage.Remove(mustUDN(t, "uuid:root"))
	if err != nil || removed != root {
		t.Fatalf("Remove = %v, %v", removed, err)
	}
	if storage.Count() != 0 {
		t.Errorf("Count() = %d after removal", storage.Count())
	}
}
