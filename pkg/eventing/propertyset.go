package eventing

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gladhorn/hupnp/pkg/model"
)

// GENA header values.
const (
	// NTEvent is the NT header value of every GENA message.
	NTEvent = "upnp:event"

	// NTSPropChange is the NTS value of a NOTIFY carrying a property set.
	NTSPropChange = "upnp:propchange"

	// propertySetNS is the namespace of the event body.
	propertySetNS = "urn:schemas-upnp-org:event-1-0"
)

// Property-set errors.
var (
	ErrMalformedPropertySet = errors.New("malformed property set")
)

// EncodePropertySet renders the event body carrying the given changes.
func EncodePropertySet(changes []model.StateChange) []byte {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	sb.WriteString("\n<e:propertyset xmlns:e=\"" + propertySetNS + "\">\n")
	for _, change := range changes {
		sb.WriteString("<e:property><" + change.Variable + ">")
		xml.EscapeText(&sb, []byte(change.Value))
		sb.WriteString("</" + change.Variable + "></e:property>\n")
	}
	sb.WriteString("</e:propertyset>\n")
	return []byte(sb.String())
}

// DecodePropertySet extracts the variable/value pairs of an event body in
// document order.
func DecodePropertySet(body []byte) ([]model.StateChange, error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))

	var changes []model.StateChange
	inProperty := false
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPropertySet, err)
		}

		switch t := token.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "propertyset":
			case t.Name.Local == "property":
				inProperty = true
			case inProperty:
				var value string
				if err := decoder.DecodeElement(&value, &t); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrMalformedPropertySet, err)
				}
				changes = append(changes, model.StateChange{Variable: t.Name.Local, Value: value})
			}
		case xml.EndElement:
			if t.Name.Local == "property" {
				inProperty = false
			}
		}
	}

	if len(changes) == 0 && !bytes.Contains(body, []byte("propertyset")) {
		return nil, fmt.Errorf("%w: no propertyset element", ErrMalformedPropertySet)
	}
	return changes, nil
}

// ParseTimeoutHeader parses "Second-N" (case-insensitive) or "infinite".
// Zero means the header was absent or unusable and the callee picks.
func ParseTimeoutHeader(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if strings.EqualFold(value, "infinite") {
		return InfiniteTimeout
	}
	rest, ok := cutPrefixFold(value, "Second-")
	if !ok {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(rest, "%d", &seconds); err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// FormatTimeoutHeader renders "Second-N".
func FormatTimeoutHeader(d time.Duration) string {
	return fmt.Sprintf("Second-%d", int(d.Seconds()))
}

// ParseCallbackHeader splits a CALLBACK value "<url1><url2>..." into URLs.
func ParseCallbackHeader(values []string) []string {
	var out []string
	for _, value := range values {
		for {
			open := strings.IndexByte(value, '<')
			if open < 0 {
				break
			}
			close := strings.IndexByte(value[open:], '>')
			if close < 0 {
				break
			}
			url := strings.TrimSpace(value[open+1 : open+close])
			if url != "" {
				out = append(out, url)
			}
			value = value[open+close+1:]
		}
	}
	return out
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}
