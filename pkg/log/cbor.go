package log

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Capture-stream format. A capture is a CBOR sequence: one header record
// followed by Event records with integer keys. The header lets readers
// reject foreign files and captures from incompatible library versions.
const (
	captureMagic   = "hupnp-capture"
	captureVersion = 1
)

// Capture errors.
var (
	// ErrAmbiguousEvent indicates an Event carrying more than one
	// payload. A UPnP protocol event is exactly one of datagram, HTTP
	// message, subscription event or error; anything else is a bug in
	// the emitting layer and is refused rather than captured.
	ErrAmbiguousEvent = errors.New("event carries more than one payload")

	// ErrUnsupportedCapture indicates a capture written by a newer
	// library version.
	ErrUnsupportedCapture = errors.New("unsupported capture version")
)

// captureHeader is the first record of every capture stream.
type captureHeader struct {
	Magic   string `cbor:"1,keyasint"`
	Version int    `cbor:"2,keyasint"`
}

// PayloadKind names the payload an Event carries.
type PayloadKind uint8

const (
	// PayloadNone is an event with no typed payload (bare state marks).
	PayloadNone PayloadKind = iota
	// PayloadDatagram is an SSDP datagram summary.
	PayloadDatagram
	// PayloadHTTP is an HTTP message summary.
	PayloadHTTP
	// PayloadSubscription is a GENA subscription transition or delivery.
	PayloadSubscription
	// PayloadError is an error at any layer.
	PayloadError
)

// String returns the payload kind name.
func (k PayloadKind) String() string {
	switch k {
	case PayloadDatagram:
		return "DATAGRAM"
	case PayloadHTTP:
		return "HTTP"
	case PayloadSubscription:
		return "SUBSCRIPTION"
	case PayloadError:
		return "ERROR"
	default:
		return "NONE"
	}
}

// Payload classifies the event by the payload it carries, or reports an
// ambiguous event carrying several.
func (e *Event) Payload() (PayloadKind, error) {
	kind := PayloadNone
	set := func(k PayloadKind) error {
		if kind != PayloadNone {
			return fmt.Errorf("%w: %s and %s", ErrAmbiguousEvent, kind, k)
		}
		kind = k
		return nil
	}

	if e.Datagram != nil {
		if err := set(PayloadDatagram); err != nil {
			return kind, err
		}
	}
	if e.HTTP != nil {
		if err := set(PayloadHTTP); err != nil {
			return kind, err
		}
	}
	if e.Subscription != nil {
		if err := set(PayloadSubscription); err != nil {
			return kind, err
		}
	}
	if e.Error != nil {
		if err := set(PayloadError); err != nil {
			return kind, err
		}
	}
	return kind, nil
}

// logEncMode is the CBOR encoder mode for capture streams: deterministic
// encoding with nanosecond timestamps, so identical protocol runs produce
// byte-comparable captures.
var logEncMode = func() cbor.EncMode {
	mode, err := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("capture encoder mode: %v", err))
	}
	return mode
}()

// logDecMode is the forgiving decoder mode: captures from other builds
// may carry extra fields, and partial reads of truncated files should
// yield the events that did land.
var logDecMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("capture decoder mode: %v", err))
	}
	return mode
}()

// EncodeEvent encodes one Event as a capture record. Ambiguous events are
// refused with ErrAmbiguousEvent.
func EncodeEvent(event Event) ([]byte, error) {
	if _, err := event.Payload(); err != nil {
		return nil, err
	}
	return logEncMode.Marshal(event)
}

// DecodeEvent decodes one capture record into an Event.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := logDecMode.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// encodeCaptureHeader renders the stream header record.
func encodeCaptureHeader() ([]byte, error) {
	return logEncMode.Marshal(captureHeader{Magic: captureMagic, Version: captureVersion})
}

// decodeCaptureHeader tries to read a raw record as the stream header.
// ok is false when the record is not a header (legacy headerless capture,
// or an Event record).
func decodeCaptureHeader(raw []byte) (header captureHeader, ok bool) {
	if err := logDecMode.Unmarshal(raw, &header); err != nil {
		return captureHeader{}, false
	}
	return header, header.Magic == captureMagic
}
