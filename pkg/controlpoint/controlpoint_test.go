package controlpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gladhorn/hupnp/pkg/model"
	"github.com/gladhorn/hupnp/pkg/transport"
	"github.com/gladhorn/hupnp/pkg/upnp"
)

const testDescription = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <specVersion><major>1</major><minor>0</minor></specVersion>
  <device>
    <deviceType>urn:schemas-upnp-org:device:BinaryLight:1</deviceType>
    <friendlyName>Remote Light</friendlyName>
    <manufacturer>Acme</manufacturer>
    <modelName>BL-100</modelName>
    <UDN>uuid:remote-1</UDN>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:SwitchPower:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:SwitchPower</serviceId>
        <SCPDURL>/scpd.xml</SCPDURL>
        <controlURL>/control</controlURL>
        <eventSubURL>/event</eventSubURL>
      </service>
    </serviceList>
  </device>
</root>`

const testSCPD = `<?xml version="1.0"?>
<scpd xmlns="urn:schemas-upnp-org:service-1-0">
  <specVersion><major>1</major><minor>0</minor></specVersion>
  <actionList>
    <action>
      <name>SetTarget</name>
      <argumentList>
        <argument>
          <name>newTargetValue</name>
          <direction>in</direction>
          <relatedStateVariable>Target</relatedStateVariable>
        </argument>
      </argumentList>
    </action>
  </actionList>
  <serviceStateTable>
    <stateVariable sendEvents="no">
      <name>Target</name>
      <dataType>boolean</dataType>
    </stateVariable>
    <stateVariable sendEvents="yes">
      <name>Status</name>
      <dataType>boolean</dataType>
      <defaultValue>0</defaultValue>
    </stateVariable>
  </serviceStateTable>
</scpd>`

// fakeDevice serves a description, an SCPD and an icon over a plain
// transport server, standing in for a remote device host.
func fakeDevice(t *testing.T, description, scpd string) (*transport.Server, string) {
	t.Helper()
	server := transport.NewServer(transport.ServerConfig{Address: "127.0.0.1:0"})
	server.Handle("GET", "/description.xml", func(*transport.Request, net.Addr) *transport.Response {
		resp := transport.NewResponse(200, "")
		resp.Body = []byte(description)
		return resp
	})
	server.Handle("GET", "/scpd.xml", func(*transport.Request, net.Addr) *transport.Response {
		resp := transport.NewResponse(200, "")
		resp.Body = []byte(scpd)
		return resp
	})
	if err := server.Start(); err != nil {
		t.Fatalf("fake device start failed: %v", err)
	}
	t.Cleanup(server.Stop)
	location := fmt.Sprintf("http://127.0.0.1:%d/description.xml", server.Port())
	return server, location
}

func TestBuilderBuildsTree(t *testing.T) {
	_, location := fakeDevice(t, testDescription, testSCPD)

	b := newBuilder(nil, nil, false)
	defer b.close()

	root, owner, err := b.build(location)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if !owner {
		t.Error("single build not owner")
	}

	if root.Info().FriendlyName != "Remote Light" {
		t.Errorf("info = %+v", root.Info())
	}

	services := root.Services()
	if len(services) != 1 {
		t.Fatalf("services = %d", len(services))
	}
	svc := services[0]

	// URLs are rewritten to absolute form against the location.
	info := svc.Info()
	if !strings.HasPrefix(info.ControlURL, "http://127.0.0.1:") {
		t.Errorf("control URL = %q", info.ControlURL)
	}
	if !strings.HasSuffix(info.EventSubURL, "/event") {
		t.Errorf("event URL = %q", info.EventSubURL)
	}

	// The SCPD populated schema and actions; values are immutable.
	if _, ok := svc.Action("SetTarget"); !ok {
		t.Error("SetTarget missing")
	}
	if value, _ := svc.Value("Status"); value != "0" {
		t.Errorf("Status default = %q", value)
	}
	if err := svc.SetValue("Status", "1"); err == nil {
		t.Error("mirrored service writable")
	}

	// Remote invokers are attached (they would fail at I/O here, not
	// with 602).
	action, _ := svc.Action("SetTarget")
	_, actionErr := action.Invoke(context.Background(), map[string]string{"newTargetValue": "1"})
	if actionErr != nil && actionErr.Code == upnp.CodeOptionalActionNotImplemented {
		t.Error("no remote invoker attached")
	}
}

func TestBuilderStrictVsTolerantSCPD(t *testing.T) {
	broken := strings.Replace(testSCPD,
		"<relatedStateVariable>Target</relatedStateVariable>", "", 1)
	_, location := fakeDevice(t, testDescription, broken)

	strict := newBuilder(nil, nil, true)
	defer strict.close()
	if _, _, err := strict.build(location); !errors.Is(err, upnp.ErrInvalidServiceDescription) {
		t.Errorf("strict build err = %v", err)
	}

	tolerant := newBuilder(nil, nil, false)
	defer tolerant.close()
	root, _, err := tolerant.build(location)
	if err != nil {
		t.Fatalf("tolerant build failed: %v", err)
	}
	svc := root.Services()[0]
	if _, ok := svc.Action("SetTarget"); ok {
		t.Error("offending action present in tolerant build")
	}
	if _, ok := svc.StateVariable("Status"); !ok {
		t.Error("valid variable missing in tolerant build")
	}
}

func TestBuilderRetriesExhausted(t *testing.T) {
	b := newBuilder(nil, nil, false)
	defer b.close()

	// Nothing listens here; the three attempts all fail.
	_, _, err := b.build("http://127.0.0.1:1/description.xml")
	if !errors.Is(err, upnp.ErrCommunications) {
		t.Errorf("err = %v, want ErrCommunications", err)
	}
}

func TestBuilderDeduplicatesConcurrentTriggers(t *testing.T) {
	var hits atomic.Int32
	server := transport.NewServer(transport.ServerConfig{Address: "127.0.0.1:0"})
	server.Handle("GET", "/description.xml", func(*transport.Request, net.Addr) *transport.Response {
		hits.Add(1)
		resp := transport.NewResponse(200, "")
		resp.Body = []byte(testDescription)
		return resp
	})
	server.Handle("GET", "/scpd.xml", func(*transport.Request, net.Addr) *transport.Response {
		resp := transport.NewResponse(200, "")
		resp.Body = []byte(testSCPD)
		return resp
	})
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	defer server.Stop()
	location := fmt.Sprintf("http://127.0.0.1:%d/description.xml", server.Port())

	b := newBuilder(nil, nil, false)
	defer b.close()

	results := make(chan bool, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, owner, err := b.build(location)
			results <- owner && err == nil
		}()
	}

	owners := 0
	for i := 0; i < 4; i++ {
		if <-results {
			owners++
		}
	}
	// Concurrent triggers may race past each other, but the common case
	// collapses into few tasks and the description is not fetched once
	// per trigger.
	if owners == 0 {
		t.Error("no owner among concurrent builds")
	}
	if got := int(hits.Load()); got > owners {
		t.Errorf("description fetched %d times for %d tasks", got, owners)
	}
}

func TestShouldFetch(t *testing.T) {
	cp := &ControlPoint{
		known:  make(map[string]*knownDevice),
		failed: make(map[string]time.Time),
	}

	udn, _ := upnp.ParseUDN("uuid:remote-1")
	usn := upnp.NewUSN(udn, upnp.RootDeviceResource())

	// Unknown device: fetch.
	if !cp.shouldFetch(usn, 1) {
		t.Error("unknown device not fetched")
	}

	// Known device with the same boot id: skip.
	deviceType, _ := upnp.ParseResourceType("urn:schemas-upnp-org:device:BinaryLight:1")
	root := model.NewDevice(upnp.DeviceInfo{
		DeviceType: deviceType, FriendlyName: "x", Manufacturer: "x",
		ModelName: "x", UDN: udn,
	})
	cp.known[udn.String()] = &knownDevice{root: root, bootID: 1}
	if cp.shouldFetch(usn, 1) {
		t.Error("known device refetched without restart")
	}

	// Higher BOOTID signals a restart: rebuild.
	if !cp.shouldFetch(usn, 2) {
		t.Error("restarted device not refetched")
	}
}

func TestInterestFilter(t *testing.T) {
	interest, _ := upnp.ParseResourceType("urn:schemas-upnp-org:service:SwitchPower:1")
	cp := &ControlPoint{
		known:  make(map[string]*knownDevice),
		failed: make(map[string]time.Time),
		config: Config{Interests: []upnp.ResourceType{interest}},
	}

	udn, _ := upnp.ParseUDN("uuid:remote-1")

	matching, _ := upnp.ParseResourceType("urn:schemas-upnp-org:service:SwitchPower:2")
	if !cp.shouldFetch(upnp.NewUSN(udn, upnp.TypeResource(matching)), 1) {
		t.Error("matching advertisement filtered out")
	}

	other, _ := upnp.ParseResourceType("urn:schemas-upnp-org:service:Dimming:1")
	if cp.shouldFetch(upnp.NewUSN(udn, upnp.TypeResource(other)), 1) {
		t.Error("non-matching advertisement fetched")
	}

	// Untyped advertisements defer to the typed ones of the burst.
	if cp.shouldFetch(upnp.NewUSN(udn, upnp.RootDeviceResource()), 1) {
		t.Error("untyped advertisement fetched despite filter")
	}
}
