package hupnp_test

import (
	"context"
	"testing"
	"time"

	"github.com/gladhorn/hupnp/pkg/controlpoint"
	"github.com/gladhorn/hupnp/pkg/eventing"
	"github.com/gladhorn/hupnp/pkg/host"
	"github.com/gladhorn/hupnp/pkg/model"
	"github.com/gladhorn/hupnp/pkg/ssdp"
	"github.com/gladhorn/hupnp/pkg/upnp"
)

// newLight builds the canonical test device: a BinaryLight exposing a
// SwitchPower service with an evented boolean Status.
func newLight(t *testing.T, udn string) *model.Device {
	t.Helper()

	deviceType, _ := upnp.ParseResourceType("urn:schemas-upnp-org:device:BinaryLight:1")
	parsedUDN, err := upnp.ParseUDN(udn)
	if err != nil {
		t.Fatal(err)
	}
	device := model.NewDevice(upnp.DeviceInfo{
		DeviceType:   deviceType,
		FriendlyName: "Integration Light",
		Manufacturer: "Acme",
		ModelName:    "BL-100",
		UDN:          parsedUDN,
	})

	serviceID, _ := upnp.ParseServiceID("urn:upnp-org:serviceId:SwitchPower")
	serviceType, _ := upnp.ParseResourceType("urn:schemas-upnp-org:service:SwitchPower:1")
	svc := model.NewService(upnp.ServiceInfo{
		ServiceID:   serviceID,
		ServiceType: serviceType,
		SCPDURL:     "scpd.xml", ControlURL: "control", EventSubURL: "event",
	})
	if err := svc.AddStateVariable(&model.StateVariable{
		Name: "Status", Type: model.TypeBoolean, Eventing: model.UnicastOnly, DefaultValue: "0",
	}); err != nil {
		t.Fatal(err)
	}
	if err := svc.AddStateVariable(&model.StateVariable{
		Name: "Target", Type: model.TypeBoolean, DefaultValue: "0",
	}); err != nil {
		t.Fatal(err)
	}
	if err := svc.AddAction(&model.Action{
		Name: "SetTarget",
		Arguments: []model.Argument{
			{Name: "newTargetValue", Direction: model.DirectionIn, RelatedStateVariable: "Target"},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := device.AddService(svc); err != nil {
		t.Fatal(err)
	}
	return device
}

func lightFactory(deviceType upnp.ResourceType) model.DeviceSetup {
	if deviceType.Name() != "BinaryLight" {
		return nil
	}
	return func(device *model.Device) error {
		for _, svc := range device.Services() {
			service := svc
			if setTarget, ok := service.Action("SetTarget"); ok {
				setTarget.SetInvoker(func(_ context.Context, inputs map[string]string) (map[string]string, *upnp.ActionError) {
					if err := service.SetValues(map[string]string{
						"Target": inputs["newTargetValue"],
						"Status": inputs["newTargetValue"],
					}); err != nil {
						return nil, upnp.NewActionError(upnp.CodeActionFailed, err.Error())
					}
					return map[string]string{}, nil
				})
			}
		}
		return nil
	}
}

// TestE2E_PublishDiscoverInvokeEvent runs the host and a control point in
// one process over a shared SSDP socket: publish, discover, invoke,
// observe the event, then byebye.
func TestE2E_PublishDiscoverInvokeEvent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	socket, err := ssdp.NewSocket(ssdp.SocketConfig{})
	if err != nil {
		t.Skipf("no SSDP socket available: %v", err)
	}
	defer socket.Stop()

	// Device host with one light.
	deviceHost, err := host.NewDeviceHost(host.Config{
		Address:            "127.0.0.1:0",
		Factory:            lightFactory,
		Socket:             socket,
		CacheControlMaxAge: 60,
	})
	if err != nil {
		t.Fatalf("NewDeviceHost failed: %v", err)
	}
	if _, err := deviceHost.AddDevice(host.DeviceConfig{Root: newLight(t, "uuid:e2e-a")}); err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}

	// Control point sharing the socket.
	cp, err := controlpoint.NewControlPoint(controlpoint.Config{
		Address: "127.0.0.1:0",
		Socket:  socket,
	})
	if err != nil {
		t.Fatalf("NewControlPoint failed: %v", err)
	}
	defer cp.Stop()

	// Both peers registered their handlers; the shared socket starts
	// once.
	if err := socket.Start(); err != nil {
		t.Fatalf("socket start failed: %v", err)
	}
	if err := deviceHost.Start(); err != nil {
		t.Fatalf("host start failed: %v", err)
	}
	defer deviceHost.Stop()

	added := make(chan *model.Device, 1)
	removed := make(chan *model.Device, 1)
	cp.OnDeviceAdded(func(device *model.Device) {
		select {
		case added <- device:
		default:
		}
	})
	cp.OnDeviceRemoved(func(device *model.Device) {
		select {
		case removed <- device:
		default:
		}
	})

	if err := cp.Start(); err != nil {
		t.Fatalf("control point start failed: %v", err)
	}

	// Discovery: the device tree appears within 5 seconds.
	var mirror *model.Device
	select {
	case mirror = <-added:
	case <-time.After(5 * time.Second):
		t.Fatal("device not discovered within 5s")
	}
	if mirror.UDN().String() != "uuid:e2e-a" {
		t.Fatalf("discovered %s", mirror.UDN())
	}

	services := mirror.Services()
	if len(services) != 1 {
		t.Fatalf("mirrored services = %d", len(services))
	}
	svc := services[0]
	if value, _ := svc.Value("Status"); value != "0" {
		t.Errorf("initial mirrored Status = %q", value)
	}

	// Eventing: subscribe and watch for the change.
	events := make(chan model.StateChange, 8)
	svc.OnStateChange(func(_ *model.Service, changes []model.StateChange) {
		for _, change := range changes {
			events <- change
		}
	})

	sub, err := cp.Subscribe(svc)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if sub.Status() != eventing.Subscribed {
		t.Fatalf("subscription status = %v", sub.Status())
	}

	// Action invocation: SetTarget(true) flips the host's Status.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	outputs, err := cp.Invoke(ctx, svc, "SetTarget", map[string]string{"newTargetValue": "1"})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if len(outputs) != 0 {
		t.Errorf("outputs = %v", outputs)
	}

	hostSvc := deviceHost.Storage().RootDevices()[0].Services()[0]
	if value, _ := hostSvc.Value("Status"); value != "1" {
		t.Errorf("host Status = %q after SetTarget", value)
	}

	// The change arrives as a NOTIFY within 5 seconds (the initial
	// snapshot may deliver Status=0 first).
	deadline := time.After(5 * time.Second)
waitEvent:
	for {
		select {
		case change := <-events:
			if change.Variable == "Status" && change.Value == "1" {
				break waitEvent
			}
		case <-deadline:
			t.Fatal("Status change event not received within 5s")
		}
	}

	// Byebye: stopping the host removes the mirror.
	deviceHost.Stop()
	select {
	case gone := <-removed:
		if gone.UDN().String() != "uuid:e2e-a" {
			t.Errorf("removed %s", gone.UDN())
		}
		if !gone.IsDisposed() {
			t.Error("removed device not disposed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device not removed within 2s of byebye")
	}
}

// TestE2E_SearchResponse verifies the search path: a control point
// started after the host discovers it via M-SEARCH responses.
func TestE2E_SearchResponse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	socket, err := ssdp.NewSocket(ssdp.SocketConfig{})
	if err != nil {
		t.Skipf("no SSDP socket available: %v", err)
	}
	defer socket.Stop()

	deviceHost, err := host.NewDeviceHost(host.Config{
		Address: "127.0.0.1:0",
		Factory: lightFactory,
		Socket:  socket,
		// No byebye pass: its absence must not affect discovery.
		ByeByeOnStart: false,
	})
	if err != nil {
		t.Fatalf("NewDeviceHost failed: %v", err)
	}
	if _, err := deviceHost.AddDevice(host.DeviceConfig{Root: newLight(t, "uuid:e2e-b")}); err != nil {
		t.Fatal(err)
	}

	cp, err := controlpoint.NewControlPoint(controlpoint.Config{
		Address: "127.0.0.1:0",
		Socket:  socket,
	})
	if err != nil {
		t.Fatalf("NewControlPoint failed: %v", err)
	}
	defer cp.Stop()

	if err := socket.Start(); err != nil {
		t.Fatalf("socket start failed: %v", err)
	}
	if err := deviceHost.Start(); err != nil {
		t.Fatalf("host start failed: %v", err)
	}
	defer deviceHost.Stop()

	// Let the initial alive burst pass so the search response path is
	// what the control point sees.
	time.Sleep(500 * time.Millisecond)

	added := make(chan *model.Device, 1)
	cp.OnDeviceAdded(func(device *model.Device) {
		select {
		case added <- device:
		default:
		}
	})
	if err := cp.Start(); err != nil {
		t.Fatalf("control point start failed: %v", err)
	}

	rootTarget, _ := upnp.ParseResourceIdentifier("upnp:rootdevice")
	if err := cp.Search(rootTarget, 2); err != nil {
		t.Fatalf("search failed: %v", err)
	}

	select {
	case mirror := <-added:
		if mirror.UDN().String() != "uuid:e2e-b" {
			t.Errorf("discovered %s", mirror.UDN())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("device not discovered via search within 5s")
	}
}
