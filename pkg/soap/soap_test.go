package soap

import (
	"bytes"
	"errors"
	"regexp"
	"testing"

	"github.com/gladhorn/hupnp/pkg/model"
	"github.com/gladhorn/hupnp/pkg/upnp"
)

func switchPowerType(t *testing.T) upnp.ResourceType {
	t.Helper()
	rt, err := upnp.ParseResourceType("urn:schemas-upnp-org:service:SwitchPower:1")
	if err != nil {
		t.Fatal(err)
	}
	return rt
}

func TestActionHeader(t *testing.T) {
	header := ActionHeader(switchPowerType(t), "SetTarget")
	want := `"urn:schemas-upnp-org:service:SwitchPower:1#SetTarget"`
	if header != want {
		t.Errorf("header = %s, want %s", header, want)
	}

	serviceType, action, err := ParseActionHeader(header)
	if err != nil {
		t.Fatalf("ParseActionHeader failed: %v", err)
	}
	if serviceType.Name() != "SwitchPower" || action != "SetTarget" {
		t.Errorf("parsed %s#%s", serviceType, action)
	}

	if _, _, err := ParseActionHeader(`"no-hash-here"`); err == nil {
		t.Error("bad header accepted")
	}
}

func TestRequestRoundTrip(t *testing.T) {
	serviceType := switchPowerType(t)
	args := []Arg{{Name: "newTargetValue", Value: "1"}, {Name: "note", Value: "a<b&c"}}

	body := EncodeRequest(serviceType, "SetTarget", args)

	action, decoded, err := DecodeRequest(body)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if action != "SetTarget" {
		t.Errorf("action = %q", action)
	}
	if len(decoded) != 2 || decoded[0] != args[0] || decoded[1] != args[1] {
		t.Errorf("decoded = %v", decoded)
	}

	// Re-encoding the decoded request reproduces the canonical bytes.
	again := EncodeRequest(serviceType, "SetTarget", decoded)
	if !bytes.Equal(body, again) {
		t.Error("re-encoded request differs from original")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	serviceType := switchPowerType(t)
	body := EncodeResponse(serviceType, "GetStatus", []Arg{{Name: "ResultStatus", Value: "1"}})

	args, err := DecodeResponse(body, "GetStatus")
	if err != nil {
		t.Fatalf("DecodeResponse failed: %v", err)
	}
	if len(args) != 1 || args[0].Value != "1" {
		t.Errorf("args = %v", args)
	}

	// A response for another action is rejected.
	if _, err := DecodeResponse(body, "SetTarget"); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("wrong wrapper err = %v", err)
	}
}

func TestFaultEnvelope(t *testing.T) {
	fault := EncodeFault(upnp.NewActionError(upnp.CodeArgumentValueInvalid, ""))

	for _, required := range []string{
		"<faultcode>s:Client</faultcode>",
		"<faultstring>UPnPError</faultstring>",
		"<errorCode>600</errorCode>",
	} {
		if !bytes.Contains(fault, []byte(required)) {
			t.Errorf("fault envelope missing %q:\n%s", required, fault)
		}
	}

	_, err := DecodeResponse(fault, "SetTarget")
	var actionErr *upnp.ActionError
	if !errors.As(err, &actionErr) {
		t.Fatalf("err = %v, want ActionError", err)
	}
	if actionErr.Code != upnp.CodeArgumentValueInvalid {
		t.Errorf("code = %d", actionErr.Code)
	}
}

func newSwitchPower(t *testing.T) *model.Service {
	t.Helper()
	serviceID, _ := upnp.ParseServiceID("urn:upnp-org:serviceId:SwitchPower")
	svc := model.NewService(upnp.ServiceInfo{
		ServiceID:   serviceID,
		ServiceType: switchPowerType(t),
		SCPDURL:     "/scpd.xml", ControlURL: "/control", EventSubURL: "/event",
	})
	if err := svc.AddStateVariable(&model.StateVariable{
		Name: "Target", Type: model.TypeBoolean,
	}); err != nil {
		t.Fatal(err)
	}
	if err := svc.AddStateVariable(&model.StateVariable{
		Name: "Level", Type: model.TypeUI1,
		Range: model.AllowedRange{Min: "0", Max: "100"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := svc.AddAction(&model.Action{
		Name: "SetTarget",
		Arguments: []model.Argument{
			{Name: "newTargetValue", Direction: model.DirectionIn, RelatedStateVariable: "Target"},
			{Name: "newLevel", Direction: model.DirectionIn, RelatedStateVariable: "Level"},
		},
	}); err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestValidateInputs(t *testing.T) {
	svc := newSwitchPower(t)
	action, _ := svc.Action("SetTarget")

	if err := ValidateInputs(svc, action, map[string]string{
		"newTargetValue": "1", "newLevel": "50",
	}); err != nil {
		t.Errorf("valid inputs rejected: %v", err)
	}

	err := ValidateInputs(svc, action, map[string]string{"newTargetValue": "1"})
	if err == nil || err.Code != upnp.CodeInvalidArgs {
		t.Errorf("missing argument = %v", err)
	}

	err = ValidateInputs(svc, action, map[string]string{
		"newTargetValue": "maybe", "newLevel": "50",
	})
	if err == nil || err.Code != upnp.CodeArgumentValueInvalid {
		t.Errorf("type mismatch = %v", err)
	}

	err = ValidateInputs(svc, action, map[string]string{
		"newTargetValue": "1", "newLevel": "150",
	})
	if err == nil || err.Code != upnp.CodeArgumentValueOutOfRange {
		t.Errorf("range violation = %v", err)
	}
}

func TestEncodeRequestNamespace(t *testing.T) {
	body := EncodeRequest(switchPowerType(t), "SetTarget", nil)

	pattern := regexp.MustCompile(
		`<u:SetTarget xmlns:u="urn:schemas-upnp-org:service:SwitchPower:1">`)
	if !pattern.Match(body) {
		t.Errorf("missing namespaced wrapper:\n%s", body)
	}
}
