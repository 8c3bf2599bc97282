package description

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"

	"github.com/gladhorn/hupnp/pkg/model"
	"github.com/gladhorn/hupnp/pkg/upnp"
)

// Device description document types, mirroring UDA §2.3.
// The XMLName carries no namespace constraint: deployed devices omit or
// misspell the xmlns, and parsing must tolerate that. Serialization sets
// the namespace explicitly.
type xmlRoot struct {
	XMLName     xml.Name       `xml:"root"`
	Xmlns       string         `xml:"xmlns,attr,omitempty"`
	SpecVersion xmlSpecVersion `xml:"specVersion"`
	URLBase     string         `xml:"URLBase,omitempty"`
	Device      xmlDevice      `xml:"device"`
}

const deviceNamespace = "urn:schemas-upnp-org:device-1-0"

type xmlSpecVersion struct {
	Major int `xml:"major"`
	Minor int `xml:"minor"`
}

type xmlDevice struct {
	DeviceType       string       `xml:"deviceType"`
	FriendlyName     string       `xml:"friendlyName"`
	Manufacturer     string       `xml:"manufacturer"`
	ManufacturerURL  string       `xml:"manufacturerURL,omitempty"`
	ModelDescription string       `xml:"modelDescription,omitempty"`
	ModelName        string       `xml:"modelName"`
	ModelNumber      string       `xml:"modelNumber,omitempty"`
	ModelURL         string       `xml:"modelURL,omitempty"`
	SerialNumber     string       `xml:"serialNumber,omitempty"`
	UDN              string       `xml:"UDN"`
	UPC              string       `xml:"UPC,omitempty"`
	IconList         *xmlIconList `xml:"iconList,omitempty"`
	ServiceList      *xmlSvcList  `xml:"serviceList,omitempty"`
	DeviceList       *xmlDevList  `xml:"deviceList,omitempty"`
	PresentationURL  string       `xml:"presentationURL,omitempty"`
}

type xmlIconList struct {
	Icons []xmlIcon `xml:"icon"`
}

type xmlIcon struct {
	MimeType string `xml:"mimetype"`
	Width    int    `xml:"width"`
	Height   int    `xml:"height"`
	Depth    int    `xml:"depth"`
	URL      string `xml:"url"`
}

type xmlSvcList struct {
	Services []xmlService `xml:"service"`
}

type xmlService struct {
	ServiceType string `xml:"serviceType"`
	ServiceID   string `xml:"serviceId"`
	SCPDURL     string `xml:"SCPDURL"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
}

type xmlDevList struct {
	Devices []xmlDevice `xml:"device"`
}

// Result carries the outcome of a device-description parse: the model
// tree (services still without SCPDs) and the non-fatal warnings tolerant
// mode collected.
type Result struct {
	Root *model.Device
	// BaseURL resolves the relative URLs of the document: the URLBase
	// element when present, the location the document was fetched from
	// otherwise.
	BaseURL  *url.URL
	Warnings []string
}

// ParseDevice parses a device description document fetched from location.
func ParseDevice(data []byte, location string, strict bool) (*Result, error) {
	var doc xmlRoot
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", upnp.ErrInvalidDeviceDescription, err)
	}

	base, err := baseURL(doc.URLBase, location)
	if err != nil {
		return nil, err
	}

	result := &Result{BaseURL: base}
	root, err := result.buildDevice(&doc.Device, strict)
	if err != nil {
		return nil, err
	}
	result.Root = root
	return result, nil
}

func baseURL(urlBase, location string) (*url.URL, error) {
	raw := urlBase
	if raw == "" {
		raw = location
	}
	base, err := url.Parse(raw)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("%w: unusable base URL %q", upnp.ErrInvalidDeviceDescription, raw)
	}
	return base, nil
}

// ResolveURL resolves a possibly relative document URL against the base.
func ResolveURL(base *url.URL, ref string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("%w: URL %q", upnp.ErrInvalidDeviceDescription, ref)
	}
	return base.ResolveReference(parsed).String(), nil
}

func (r *Result) buildDevice(doc *xmlDevice, strict bool) (*model.Device, error) {
	deviceType, err := upnp.ParseResourceType(doc.DeviceType)
	if err != nil {
		return nil, fmt.Errorf("%w: deviceType %q", upnp.ErrInvalidDeviceDescription, doc.DeviceType)
	}
	udn, err := upnp.ParseUDN(doc.UDN)
	if err != nil {
		return nil, fmt.Errorf("%w: UDN %q", upnp.ErrInvalidDeviceDescription, doc.UDN)
	}

	info := upnp.DeviceInfo{
		DeviceType:       deviceType,
		FriendlyName:     doc.FriendlyName,
		Manufacturer:     doc.Manufacturer,
		ManufacturerURL:  doc.ManufacturerURL,
		ModelDescription: doc.ModelDescription,
		ModelName:        doc.ModelName,
		ModelNumber:      doc.ModelNumber,
		ModelURL:         doc.ModelURL,
		SerialNumber:     doc.SerialNumber,
		UDN:              udn,
		UPC:              doc.UPC,
		PresentationURL:  doc.PresentationURL,
	}
	if doc.IconList != nil {
		for _, icon := range doc.IconList.Icons {
			info.Icons = append(info.Icons, upnp.Icon{
				MimeType: icon.MimeType,
				Width:    icon.Width,
				Height:   icon.Height,
				Depth:    icon.Depth,
				URL:      icon.URL,
			})
		}
	}

	warnings, err := info.Validate(strict)
	if err != nil {
		if strict {
			return nil, err
		}
		// Tolerant mode keeps the device as long as the identifiers
		// parsed; the mandatory-field warning is recorded instead.
		r.Warnings = append(r.Warnings, err.Error())
	}
	r.Warnings = append(r.Warnings, warnings...)

	device := model.NewDevice(info)

	if doc.ServiceList != nil {
		for _, svc := range doc.ServiceList.Services {
			service, err := r.buildService(&svc)
			if err != nil {
				if strict {
					return nil, err
				}
				r.Warnings = append(r.Warnings, err.Error())
				continue
			}
			if err := device.AddService(service); err != nil {
				if strict {
					return nil, fmt.Errorf("%w: %v", upnp.ErrInvalidDeviceDescription, err)
				}
				r.Warnings = append(r.Warnings, err.Error())
			}
		}
	}

	if doc.DeviceList != nil {
		for i := range doc.DeviceList.Devices {
			child, err := r.buildDevice(&doc.DeviceList.Devices[i], strict)
			if err != nil {
				if strict {
					return nil, err
				}
				r.Warnings = append(r.Warnings, err.Error())
				continue
			}
			if err := device.AddEmbeddedDevice(child); err != nil {
				return nil, fmt.Errorf("%w: %v", upnp.ErrInvalidDeviceDescription, err)
			}
		}
	}

	return device, nil
}

func (r *Result) buildService(doc *xmlService) (*model.Service, error) {
	serviceType, err := upnp.ParseResourceType(doc.ServiceType)
	if err != nil {
		return nil, fmt.Errorf("%w: serviceType %q", upnp.ErrInvalidServiceDescription, doc.ServiceType)
	}
	serviceID, err := upnp.ParseServiceID(doc.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("%w: serviceId %q", upnp.ErrInvalidServiceDescription, doc.ServiceID)
	}

	info := upnp.ServiceInfo{
		ServiceID:   serviceID,
		ServiceType: serviceType,
		SCPDURL:     doc.SCPDURL,
		ControlURL:  doc.ControlURL,
		EventSubURL: doc.EventSubURL,
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return model.NewService(info), nil
}

// SerializeDevice renders a device tree back into a description document.
// The URLBase element is emitted only when explicitly provided, matching
// UDA 1.1 guidance.
func SerializeDevice(root *model.Device, urlBase string) ([]byte, error) {
	doc := xmlRoot{
		Xmlns:       deviceNamespace,
		SpecVersion: xmlSpecVersion{Major: 1, Minor: 1},
		URLBase:     urlBase,
		Device:      deviceToXML(root),
	}

	out, err := xml.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", upnp.ErrInvalidDeviceDescription, err)
	}
	return append([]byte(xml.Header), out...), nil
}

func deviceToXML(device *model.Device) xmlDevice {
	info := device.Info()
	doc := xmlDevice{
		DeviceType:       info.DeviceType.String(),
		FriendlyName:     info.FriendlyName,
		Manufacturer:     info.Manufacturer,
		ManufacturerURL:  info.ManufacturerURL,
		ModelDescription: info.ModelDescription,
		ModelName:        info.ModelName,
		ModelNumber:      info.ModelNumber,
		ModelURL:         info.ModelURL,
		SerialNumber:     info.SerialNumber,
		UDN:              info.UDN.String(),
		UPC:              info.UPC,
		PresentationURL:  info.PresentationURL,
	}

	if len(info.Icons) > 0 {
		doc.IconList = &xmlIconList{}
		for _, icon := range info.Icons {
			doc.IconList.Icons = append(doc.IconList.Icons, xmlIcon{
				MimeType: icon.MimeType,
				Width:    icon.Width,
				Height:   icon.Height,
				Depth:    icon.Depth,
				URL:      icon.URL,
			})
		}
	}

	services := device.Services()
	if len(services) > 0 {
		doc.ServiceList = &xmlSvcList{}
		for _, svc := range services {
			info := svc.Info()
			doc.ServiceList.Services = append(doc.ServiceList.Services, xmlService{
				ServiceType: info.ServiceType.String(),
				ServiceID:   info.ServiceID.String(),
				SCPDURL:     info.SCPDURL,
				ControlURL:  info.ControlURL,
				EventSubURL: info.EventSubURL,
			})
		}
	}

	children := device.EmbeddedDevices()
	if len(children) > 0 {
		doc.DeviceList = &xmlDevList{}
		for _, child := range children {
			doc.DeviceList.Devices = append(doc.DeviceList.Devices, deviceToXML(child))
		}
	}

	return doc
}
