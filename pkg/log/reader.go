package log

import (
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Filter specifies criteria for filtering capture events.
// Empty/nil fields match all events for that criterion.
type Filter struct {
	// Direction filters by message direction.
	Direction *Direction

	// Layer filters by protocol layer.
	Layer *Layer

	// Category filters by event category.
	Category *Category

	// Payload filters by the payload kind an event carries.
	Payload *PayloadKind

	// TimeStart filters events at or after this time.
	TimeStart *time.Time

	// TimeEnd filters events before this time.
	TimeEnd *time.Time

	// UDN filters by device.
	UDN string

	// ServiceID filters by service.
	ServiceID string
}

// matches returns true if the event matches all filter criteria.
func (f *Filter) matches(event Event) bool {
	if f.Direction != nil && event.Direction != *f.Direction {
		return false
	}
	if f.Layer != nil && event.Layer != *f.Layer {
		return false
	}
	if f.Category != nil && event.Category != *f.Category {
		return false
	}
	if f.Payload != nil {
		kind, err := event.Payload()
		if err != nil || kind != *f.Payload {
			return false
		}
	}
	if f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart) {
		return false
	}
	if f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd) {
		return false
	}
	if f.UDN != "" && event.UDN != f.UDN {
		return false
	}
	if f.ServiceID != "" && event.ServiceID != f.ServiceID {
		return false
	}
	return true
}

// Reader reads protocol events from a capture file, validating the
// stream header and streaming records so large captures never load
// whole.
type Reader struct {
	file          *os.File
	decoder       *cbor.Decoder
	filter        Filter
	headerChecked bool
}

// NewReader creates a Reader that reads all events from the capture.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader creates a Reader that reads events matching the filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{
		file:    f,
		decoder: logDecMode.NewDecoder(f),
		filter:  filter,
	}, nil
}

// Next returns the next event matching the filter.
// It returns io.EOF when the end of the capture is reached.
func (r *Reader) Next() (Event, error) {
	for {
		var raw cbor.RawMessage
		if err := r.decoder.Decode(&raw); err != nil {
			return Event{}, err
		}

		// The first record should be the capture header. Captures from
		// builds predating the header start directly with an event.
		if !r.headerChecked {
			r.headerChecked = true
			if header, ok := decodeCaptureHeader(raw); ok {
				if header.Version > captureVersion {
					return Event{}, ErrUnsupportedCapture
				}
				continue
			}
		}

		event, err := DecodeEvent(raw)
		if err != nil {
			// A record that is neither header nor event; skip it the
			// way the decoder options skip unknown fields.
			continue
		}
		if r.filter.matches(event) {
			return event, nil
		}
	}
}

// All reads every remaining event matching the filter.
func (r *Reader) All() ([]Event, error) {
	var events []Event
	for {
		event, err := r.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, event)
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
