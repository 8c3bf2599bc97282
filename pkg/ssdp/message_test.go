package ssdp

import (
	"errors"
	"strings"
	"testing"

	"github.com/gladhorn/hupnp/pkg/model"
	"github.com/gladhorn/hupnp/pkg/upnp"
)

func mustUSN(t *testing.T, s string) upnp.USN {
	t.Helper()
	usn, err := upnp.ParseUSN(s)
	if err != nil {
		t.Fatalf("ParseUSN(%q) failed: %v", s, err)
	}
	return usn
}

func mustTarget(t *testing.T, s string) upnp.ResourceIdentifier {
	t.Helper()
	target, err := upnp.ParseResourceIdentifier(s)
	if err != nil {
		t.Fatalf("ParseResourceIdentifier(%q) failed: %v", s, err)
	}
	return target
}

func TestParseAlive(t *testing.T) {
	raw := "NOTIFY * HTTP/1.1\r\n" +
		"HOST: 239.255.255.250:1900\r\n" +
		"CACHE-CONTROL: max-age=1800\r\n" +
		"LOCATION: http://192.168.1.10:49152/description.xml\r\n" +
		"NT: upnp:rootdevice\r\n" +
		"NTS: ssdp:alive\r\n" +
		"SERVER: linux/1.0 UPnP/1.1 HUPnP/1.0\r\n" +
		"USN: uuid:a::upnp:rootdevice\r\n" +
		"BOOTID.UPNP.ORG: 7\r\n" +
		"CONFIGID.UPNP.ORG: 3\r\n" +
		"X-EXPERIMENTAL: ignored\r\n" +
		"\r\n"

	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	alive, ok := msg.(*Alive)
	if !ok {
		t.Fatalf("parsed %T", msg)
	}
	if alive.MaxAge != 1800 || alive.BootID != 7 || alive.ConfigID != 3 {
		t.Errorf("alive = %+v", alive)
	}
	if alive.NT.Kind() != upnp.ResourceRootDevice {
		t.Errorf("NT = %v", alive.NT)
	}
	if alive.USN.UDN().String() != "uuid:a" {
		t.Errorf("USN = %v", alive.USN)
	}
	if alive.Server.UPnPToken().Version != "1.1" {
		t.Errorf("server tokens = %v", alive.Server)
	}
}

func TestParseMalformedCacheControlDropsMessage(t *testing.T) {
	raw := "NOTIFY * HTTP/1.1\r\n" +
		"HOST: 239.255.255.250:1900\r\n" +
		"CACHE-CONTROL: max-age=soon\r\n" +
		"LOCATION: http://192.168.1.10:49152/description.xml\r\n" +
		"NT: upnp:rootdevice\r\n" +
		"NTS: ssdp:alive\r\n" +
		"USN: uuid:a::upnp:rootdevice\r\n" +
		"\r\n"

	if _, err := Parse([]byte(raw)); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("err = %v, want ErrMalformedMessage", err)
	}
}

func TestParseSearchManRequired(t *testing.T) {
	good := "M-SEARCH * HTTP/1.1\r\n" +
		"HOST: 239.255.255.250:1900\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 20\r\n" +
		"ST: ssdp:all\r\n" +
		"\r\n"
	msg, err := Parse([]byte(good))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	search := msg.(*SearchRequest)
	if search.MX != MaxMXSeconds {
		t.Errorf("MX = %d, want clamped to %d", search.MX, MaxMXSeconds)
	}
	if search.ST.Kind() != upnp.ResourceAll {
		t.Errorf("ST = %v", search.ST)
	}

	bad := strings.Replace(good, "MAN: \"ssdp:discover\"\r\n", "", 1)
	if _, err := Parse([]byte(bad)); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("missing MAN err = %v", err)
	}
}

func TestParseForeignDatagram(t *testing.T) {
	if _, err := Parse([]byte("GET / HTTP/1.1\r\n\r\n")); !errors.Is(err, ErrNotSSDP) {
		t.Errorf("err = %v, want ErrNotSSDP", err)
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	messages := []any{
		&Alive{
			MaxAge:   300,
			Location: "http://192.168.1.10:49152/description.xml",
			NT:       mustTarget(t, "urn:schemas-upnp-org:device:BinaryLight:1"),
			Server:   DefaultServerTokens(),
			USN:      mustUSN(t, "uuid:a::urn:schemas-upnp-org:device:BinaryLight:1"),
			BootID:   2,
			ConfigID: 1,
		},
		&ByeBye{
			NT:  mustTarget(t, "upnp:rootdevice"),
			USN: mustUSN(t, "uuid:a::upnp:rootdevice"),
		},
		&Update{
			Location:   "http://192.168.1.10:49152/description.xml",
			NT:         mustTarget(t, "upnp:rootdevice"),
			USN:        mustUSN(t, "uuid:a::upnp:rootdevice"),
			BootID:     2,
			NextBootID: 3,
		},
		&SearchRequest{ST: mustTarget(t, "uuid:a"), MX: 3},
		&SearchResponse{
			MaxAge:   1800,
			Location: "http://192.168.1.10:49152/description.xml",
			Server:   DefaultServerTokens(),
			ST:       mustTarget(t, "upnp:rootdevice"),
			USN:      mustUSN(t, "uuid:a::upnp:rootdevice"),
		},
	}

	for _, original := range messages {
		parsed, err := Parse(Format(original))
		if err != nil {
			t.Fatalf("round trip of %T failed: %v", original, err)
		}

		switch m := original.(type) {
		case *Alive:
			got := parsed.(*Alive)
			if got.MaxAge != m.MaxAge || got.Location != m.Location ||
				got.NT.String() != m.NT.String() || got.USN.String() != m.USN.String() ||
				got.BootID != m.BootID || got.ConfigID != m.ConfigID {
				t.Errorf("alive round trip: %+v != %+v", got, m)
			}
		case *ByeBye:
			got := parsed.(*ByeBye)
			if got.NT.String() != m.NT.String() || got.USN.String() != m.USN.String() {
				t.Errorf("byebye round trip: %+v != %+v", got, m)
			}
		case *Update:
			got := parsed.(*Update)
			if got.BootID != m.BootID || got.NextBootID != m.NextBootID {
				t.Errorf("update round trip: %+v != %+v", got, m)
			}
		case *SearchRequest:
			got := parsed.(*SearchRequest)
			if got.ST.String() != m.ST.String() || got.MX != m.MX {
				t.Errorf("search round trip: %+v != %+v", got, m)
			}
		case *SearchResponse:
			got := parsed.(*SearchResponse)
			if got.MaxAge != m.MaxAge || got.ST.String() != m.ST.String() ||
				got.USN.String() != m.USN.String() {
				t.Errorf("response round trip: %+v != %+v", got, m)
			}
		}
	}
}

func buildTree(t *testing.T) *model.Device {
	t.Helper()
	deviceType, _ := upnp.ParseResourceType("urn:schemas-upnp-org:device:BinaryLight:2")
	udn, _ := upnp.ParseUDN("uuid:a")
	root := model.NewDevice(upnp.DeviceInfo{
		DeviceType: deviceType, FriendlyName: "Light", Manufacturer: "Acme",
		ModelName: "BL", UDN: udn,
	})

	serviceID, _ := upnp.ParseServiceID("urn:upnp-org:serviceId:SwitchPower")
	serviceType, _ := upnp.ParseResourceType("urn:schemas-upnp-org:service:SwitchPower:1")
	svc := model.NewService(upnp.ServiceInfo{
		ServiceID: serviceID, ServiceType: serviceType,
		SCPDURL: "/scpd.xml", ControlURL: "/control", EventSubURL: "/event",
	})
	if err := root.AddService(svc); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestMatchingResources(t *testing.T) {
	root := buildTree(t)

	// ssdp:all matches everything: rootdevice + UDN + device type +
	// service type.
	if got := matchingResources(root, mustTarget(t, "ssdp:all")); len(got) != 4 {
		t.Errorf("ssdp:all matched %d resources", len(got))
	}

	if got := matchingResources(root, mustTarget(t, "upnp:rootdevice")); len(got) != 1 {
		t.Errorf("upnp:rootdevice matched %d", len(got))
	}

	if got := matchingResources(root, mustTarget(t, "uuid:a")); len(got) != 1 {
		t.Errorf("uuid matched %d", len(got))
	}
	if got := matchingResources(root, mustTarget(t, "uuid:b")); len(got) != 0 {
		t.Errorf("foreign uuid matched %d", len(got))
	}

	// Searching for a lower device version matches the implemented one.
	if got := matchingResources(root, mustTarget(t, "urn:schemas-upnp-org:device:BinaryLight:1")); len(got) != 1 {
		t.Errorf("versioned search matched %d", len(got))
	} else if got[0].Resource().Type().Version() != 2 {
		t.Errorf("reply advertises version %d, want implemented 2", got[0].Resource().Type().Version())
	}

	// Searching for a higher version matches nothing.
	if got := matchingResources(root, mustTarget(t, "urn:schemas-upnp-org:device:BinaryLight:3")); len(got) != 0 {
		t.Errorf("future version matched %d", len(got))
	}

	if got := matchingResources(root, mustTarget(t, "urn:schemas-upnp-org:service:SwitchPower:1")); len(got) != 1 {
		t.Errorf("service search matched %d", len(got))
	}
}

func TestBurstSize(t *testing.T) {
	root := buildTree(t)
	// rootdevice + UDN + device type + service type.
	if got := len(root.ResourceIdentifiers()); got != 4 {
		t.Errorf("burst contains %d identifiers, want 4", got)
	}
}
