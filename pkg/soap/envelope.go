package soap

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gladhorn/hupnp/pkg/upnp"
)

// SOAP constants.
const (
	envelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"
	encodingNS = "http://schemas.xmlsoap.org/soap/encoding/"

	// ContentType is the media type of every SOAP message UPnP sends.
	ContentType = `text/xml; charset="utf-8"`
)

// Envelope errors.
var (
	ErrMalformedEnvelope = errors.New("malformed SOAP envelope")
)

// Arg is one named action argument value in declared order.
type Arg struct {
	Name  string
	Value string
}

// ActionHeader renders the SOAPACTION header value for an action.
func ActionHeader(serviceType upnp.ResourceType, actionName string) string {
	return fmt.Sprintf("%q", serviceType.String()+"#"+actionName)
}

// ParseActionHeader splits a SOAPACTION header value into service type
// and action name.
func ParseActionHeader(value string) (upnp.ResourceType, string, error) {
	value = strings.Trim(strings.TrimSpace(value), `"`)
	typePart, action, found := strings.Cut(value, "#")
	if !found || action == "" {
		return upnp.ResourceType{}, "", fmt.Errorf("%w: SOAPACTION %q", ErrMalformedEnvelope, value)
	}
	serviceType, err := upnp.ParseResourceType(typePart)
	if err != nil {
		return upnp.ResourceType{}, "", fmt.Errorf("%w: SOAPACTION %q", ErrMalformedEnvelope, value)
	}
	return serviceType, action, nil
}

// EncodeRequest renders an action invocation envelope.
func EncodeRequest(serviceType upnp.ResourceType, actionName string, args []Arg) []byte {
	return encodeBody(serviceType, actionName, args)
}

// EncodeResponse renders an action response envelope
// (<u:ActionNameResponse>).
func EncodeResponse(serviceType upnp.ResourceType, actionName string, args []Arg) []byte {
	return encodeBody(serviceType, actionName+"Response", args)
}

func encodeBody(serviceType upnp.ResourceType, wrapper string, args []Arg) []byte {
	var sb strings.Builder
	sb.WriteString(xml.Header)
	sb.WriteString(`<s:Envelope xmlns:s="` + envelopeNS + `" s:encodingStyle="` + encodingNS + `">`)
	sb.WriteString("\n<s:Body>\n")
	sb.WriteString(`<u:` + wrapper + ` xmlns:u="` + serviceType.String() + `">`)
	sb.WriteString("\n")
	for _, arg := range args {
		sb.WriteString("<" + arg.Name + ">")
		xml.EscapeText(&sb, []byte(arg.Value))
		sb.WriteString("</" + arg.Name + ">\n")
	}
	sb.WriteString("</u:" + wrapper + ">\n")
	sb.WriteString("</s:Body>\n</s:Envelope>\n")
	return []byte(sb.String())
}

// EncodeFault renders the UPnP SOAP fault envelope for an action error.
func EncodeFault(actionErr *upnp.ActionError) []byte {
	var sb strings.Builder
	sb.WriteString(xml.Header)
	sb.WriteString(`<s:Envelope xmlns:s="` + envelopeNS + `" s:encodingStyle="` + encodingNS + `">`)
	sb.WriteString("\n<s:Body>\n<s:Fault>\n")
	sb.WriteString("<faultcode>s:Client</faultcode>\n")
	sb.WriteString("<faultstring>UPnPError</faultstring>\n")
	sb.WriteString("<detail>\n")
	sb.WriteString(`<UPnPError xmlns="urn:schemas-upnp-org:control-1-0">`)
	sb.WriteString("\n<errorCode>" + strconv.Itoa(actionErr.Code) + "</errorCode>\n")
	sb.WriteString("<errorDescription>")
	xml.EscapeText(&sb, []byte(actionErr.Description))
	sb.WriteString("</errorDescription>\n")
	sb.WriteString("</UPnPError>\n</detail>\n</s:Fault>\n</s:Body>\n</s:Envelope>\n")
	return []byte(sb.String())
}

// DecodeRequest extracts the action name and argument values from an
// invocation envelope. Argument order follows the document.
func DecodeRequest(body []byte) (actionName string, args []Arg, err error) {
	wrapper, args, err := decodeBody(body)
	if err != nil {
		return "", nil, err
	}
	return wrapper, args, nil
}

// DecodeResponse extracts the output arguments of an action response, or
// the carried fault as an *upnp.ActionError.
func DecodeResponse(body []byte, actionName string) ([]Arg, error) {
	wrapper, args, err := decodeBody(body)
	if err != nil {
		return nil, err
	}

	if wrapper == "Fault" {
		return nil, faultFromArgs(body)
	}
	if wrapper != actionName+"Response" {
		return nil, fmt.Errorf("%w: wrapper %q, want %sResponse", ErrMalformedEnvelope, wrapper, actionName)
	}
	return args, nil
}

// decodeBody pulls the first element inside s:Body and its child
// elements as name/value pairs.
func decodeBody(body []byte) (wrapper string, args []Arg, err error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))

	if err := skipToElement(decoder, "Envelope"); err != nil {
		return "", nil, err
	}
	if err := skipToElement(decoder, "Body"); err != nil {
		return "", nil, err
	}

	// The wrapper element: <u:ActionName> / <u:ActionNameResponse> /
	// <s:Fault>.
	start, err := nextStartElement(decoder)
	if err != nil {
		return "", nil, err
	}
	wrapper = start.Name.Local

	for {
		token, err := decoder.Token()
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		switch t := token.(type) {
		case xml.StartElement:
			value, err := elementText(decoder, t.Name)
			if err != nil {
				return "", nil, err
			}
			args = append(args, Arg{Name: t.Name.Local, Value: value})
		case xml.EndElement:
			if t.Name.Local == wrapper {
				return wrapper, args, nil
			}
		}
	}
}

// faultFromArgs re-parses a fault body for the UPnPError detail.
func faultFromArgs(body []byte) error {
	var fault struct {
		Body struct {
			Fault struct {
				Detail struct {
					UPnPError struct {
						ErrorCode        int    `xml:"errorCode"`
						ErrorDescription string `xml:"errorDescription"`
					} `xml:"UPnPError"`
				} `xml:"detail"`
			} `xml:"Fault"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(body, &fault); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	detail := fault.Body.Fault.Detail.UPnPError
	if detail.ErrorCode == 0 {
		return fmt.Errorf("%w: fault without UPnPError detail", ErrMalformedEnvelope)
	}
	return upnp.NewActionError(detail.ErrorCode, detail.ErrorDescription)
}

func skipToElement(decoder *xml.Decoder, local string) error {
	for {
		token, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, local)
			}
			return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		if start, ok := token.(xml.StartElement); ok && start.Name.Local == local {
			return nil
		}
	}
}

func nextStartElement(decoder *xml.Decoder) (xml.StartElement, error) {
	for {
		token, err := decoder.Token()
		if err != nil {
			return xml.StartElement{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		if start, ok := token.(xml.StartElement); ok {
			return start, nil
		}
	}
}

// elementText consumes the element's character data up to its end tag.
func elementText(decoder *xml.Decoder, name xml.Name) (string, error) {
	var sb strings.Builder
	depth := 1
	for depth > 0 {
		token, err := decoder.Token()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		switch t := token.(type) {
		case xml.CharData:
			if depth == 1 {
				sb.Write(t)
			}
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
	}
	_ = name
	return sb.String(), nil
}
