package ssdp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gladhorn/hupnp/pkg/transport"
	"github.com/gladhorn/hupnp/pkg/upnp"
)

// Multicast constants.
const (
	// MulticastAddress is the SSDP multicast group.
	MulticastAddress = "239.255.255.250"

	// Port is the SSDP port.
	Port = 1900

	// MulticastEndpoint is "group:port" as carried in HOST headers.
	MulticastEndpoint = MulticastAddress + ":1900"

	// MaxMXSeconds caps the search-reply delay regardless of the MX a
	// searcher requests.
	MaxMXSeconds = 5
)

// Message parse errors.
var (
	ErrMalformedMessage = errors.New("malformed SSDP message")
	ErrNotSSDP          = errors.New("not an SSDP message")
)

// NTS values.
const (
	ntsAlive  = "ssdp:alive"
	ntsByeBye = "ssdp:byebye"
	ntsUpdate = "ssdp:update"
)

// Alive is an "NTS: ssdp:alive" announcement.
type Alive struct {
	MaxAge   int
	Location string
	NT       upnp.ResourceIdentifier
	Server   upnp.ProductTokens
	USN      upnp.USN
	BootID   int
	ConfigID int
}

// ByeBye is an "NTS: ssdp:byebye" announcement.
type ByeBye struct {
	NT     upnp.ResourceIdentifier
	USN    upnp.USN
	BootID int
}

// Update is an "NTS: ssdp:update" announcement advertising a bumped boot
// id without a restart.
type Update struct {
	Location   string
	NT         upnp.ResourceIdentifier
	USN        upnp.USN
	BootID     int
	NextBootID int
	ConfigID   int
}

// SearchRequest is an M-SEARCH.
type SearchRequest struct {
	ST upnp.ResourceIdentifier
	MX int
}

// SearchResponse is the unicast 200 reply to an M-SEARCH.
type SearchResponse struct {
	MaxAge   int
	Date     time.Time
	Location string
	Server   upnp.ProductTokens
	ST       upnp.ResourceIdentifier
	USN      upnp.USN
	BootID   int
	ConfigID int
}

// Parse decodes one SSDP datagram into an *Alive, *ByeBye, *Update,
// *SearchRequest or *SearchResponse. Messages that are recognizably SSDP
// but violate a mandatory rule (bad CACHE-CONTROL, missing MAN, unknown
// NTS) are dropped with ErrMalformedMessage.
func Parse(datagram []byte) (any, error) {
	lines := strings.Split(string(datagram), "\r\n")
	if len(lines) == 0 {
		return nil, ErrNotSSDP
	}
	startLine := strings.TrimSpace(lines[0])

	header := transport.NewHeader()
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found || name == "" {
			// Unknown or junk lines are ignored for forward
			// compatibility.
			continue
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	switch {
	case strings.HasPrefix(startLine, "NOTIFY "):
		return parseNotify(header)
	case strings.HasPrefix(startLine, "M-SEARCH "):
		return parseSearch(header)
	case strings.HasPrefix(startLine, "HTTP/1.1 200") || strings.HasPrefix(startLine, "HTTP/1.0 200"):
		return parseSearchResponse(header)
	default:
		return nil, ErrNotSSDP
	}
}

func parseNotify(h *transport.Header) (any, error) {
	nt, err := upnp.ParseResourceIdentifier(h.Get(transport.HeaderNT))
	if err != nil {
		return nil, fmt.Errorf("%w: NT %q", ErrMalformedMessage, h.Get(transport.HeaderNT))
	}
	usn, err := upnp.ParseUSN(h.Get(transport.HeaderUSN))
	if err != nil {
		return nil, fmt.Errorf("%w: USN %q", ErrMalformedMessage, h.Get(transport.HeaderUSN))
	}

	switch h.Get(transport.HeaderNTS) {
	case ntsAlive:
		maxAge, err := parseMaxAge(h.Get(transport.HeaderCacheControl))
		if err != nil {
			return nil, err
		}
		location := h.Get(transport.HeaderLocation)
		if location == "" {
			return nil, fmt.Errorf("%w: missing LOCATION", ErrMalformedMessage)
		}
		return &Alive{
			MaxAge:   maxAge,
			Location: location,
			NT:       nt,
			Server:   upnp.ParseProductTokens(h.Get(transport.HeaderServer)),
			USN:      usn,
			BootID:   parseOptionalInt(h.Get(transport.HeaderBootID)),
			ConfigID: parseOptionalInt(h.Get(transport.HeaderConfigID)),
		}, nil

	case ntsByeBye:
		return &ByeBye{
			NT:     nt,
			USN:    usn,
			BootID: parseOptionalInt(h.Get(transport.HeaderBootID)),
		}, nil

	case ntsUpdate:
		return &Update{
			Location:   h.Get(transport.HeaderLocation),
			NT:         nt,
			USN:        usn,
			BootID:     parseOptionalInt(h.Get(transport.HeaderBootID)),
			NextBootID: parseOptionalInt(h.Get(transport.HeaderNextBootID)),
			ConfigID:   parseOptionalInt(h.Get(transport.HeaderConfigID)),
		}, nil

	default:
		return nil, fmt.Errorf("%w: NTS %q", ErrMalformedMessage, h.Get(transport.HeaderNTS))
	}
}

func parseSearch(h *transport.Header) (any, error) {
	if h.Get(transport.HeaderMAN) != `"ssdp:discover"` {
		return nil, fmt.Errorf("%w: MAN %q", ErrMalformedMessage, h.Get(transport.HeaderMAN))
	}
	st, err := upnp.ParseResourceIdentifier(h.Get(transport.HeaderST))
	if err != nil {
		return nil, fmt.Errorf("%w: ST %q", ErrMalformedMessage, h.Get(transport.HeaderST))
	}

	mx := parseOptionalInt(h.Get(transport.HeaderMX))
	if mx < 1 {
		mx = 1
	}
	if mx > MaxMXSeconds {
		mx = MaxMXSeconds
	}
	return &SearchRequest{ST: st, MX: mx}, nil
}

func parseSearchResponse(h *transport.Header) (any, error) {
	maxAge, err := parseMaxAge(h.Get(transport.HeaderCacheControl))
	if err != nil {
		return nil, err
	}
	st, err := upnp.ParseResourceIdentifier(h.Get(transport.HeaderST))
	if err != nil {
		return nil, fmt.Errorf("%w: ST %q", ErrMalformedMessage, h.Get(transport.HeaderST))
	}
	usn, err := upnp.ParseUSN(h.Get(transport.HeaderUSN))
	if err != nil {
		return nil, fmt.Errorf("%w: USN %q", ErrMalformedMessage, h.Get(transport.HeaderUSN))
	}
	location := h.Get(transport.HeaderLocation)
	if location == "" {
		return nil, fmt.Errorf("%w: missing LOCATION", ErrMalformedMessage)
	}

	date, _ := time.Parse(time.RFC1123, h.Get(transport.HeaderDate))
	return &SearchResponse{
		MaxAge:   maxAge,
		Date:     date,
		Location: location,
		Server:   upnp.ParseProductTokens(h.Get(transport.HeaderServer)),
		ST:       st,
		USN:      usn,
		BootID:   parseOptionalInt(h.Get(transport.HeaderBootID)),
		ConfigID: parseOptionalInt(h.Get(transport.HeaderConfigID)),
	}, nil
}

// parseMaxAge extracts N from "max-age=N". A missing or malformed value
// is a mandatory-rule violation: the whole message is dropped.
func parseMaxAge(cacheControl string) (int, error) {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(strings.TrimSpace(name), "max-age") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: CACHE-CONTROL %q", ErrMalformedMessage, cacheControl)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: CACHE-CONTROL %q", ErrMalformedMessage, cacheControl)
}

func parseOptionalInt(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// Format renders an outgoing message as a datagram. It accepts the same
// five message types Parse produces.
func Format(msg any) []byte {
	var sb strings.Builder
	writeHeader := func(name, value string) {
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(value)
		sb.WriteString("\r\n")
	}

	switch m := msg.(type) {
	case *Alive:
		sb.WriteString("NOTIFY * HTTP/1.1\r\n")
		writeHeader(transport.HeaderHost, MulticastEndpoint)
		writeHeader(transport.HeaderCacheControl, fmt.Sprintf("max-age=%d", m.MaxAge))
		writeHeader(transport.HeaderLocation, m.Location)
		writeHeader(transport.HeaderNT, m.NT.String())
		writeHeader(transport.HeaderNTS, ntsAlive)
		writeHeader(transport.HeaderServer, m.Server.String())
		writeHeader(transport.HeaderUSN, m.USN.String())
		if m.BootID > 0 {
			writeHeader(transport.HeaderBootID, strconv.Itoa(m.BootID))
			writeHeader(transport.HeaderConfigID, strconv.Itoa(m.ConfigID))
		}

	case *ByeBye:
		sb.WriteString("NOTIFY * HTTP/1.1\r\n")
		writeHeader(transport.HeaderHost, MulticastEndpoint)
		writeHeader(transport.HeaderNT, m.NT.String())
		writeHeader(transport.HeaderNTS, ntsByeBye)
		writeHeader(transport.HeaderUSN, m.USN.String())
		if m.BootID > 0 {
			writeHeader(transport.HeaderBootID, strconv.Itoa(m.BootID))
		}

	case *Update:
		sb.WriteString("NOTIFY * HTTP/1.1\r\n")
		writeHeader(transport.HeaderHost, MulticastEndpoint)
		writeHeader(transport.HeaderLocation, m.Location)
		writeHeader(transport.HeaderNT, m.NT.String())
		writeHeader(transport.HeaderNTS, ntsUpdate)
		writeHeader(transport.HeaderUSN, m.USN.String())
		writeHeader(transport.HeaderBootID, strconv.Itoa(m.BootID))
		writeHeader(transport.HeaderNextBootID, strconv.Itoa(m.NextBootID))
		if m.ConfigID > 0 {
			writeHeader(transport.HeaderConfigID, strconv.Itoa(m.ConfigID))
		}

	case *SearchRequest:
		sb.WriteString("M-SEARCH * HTTP/1.1\r\n")
		writeHeader(transport.HeaderHost, MulticastEndpoint)
		writeHeader(transport.HeaderMAN, `"ssdp:discover"`)
		writeHeader(transport.HeaderMX, strconv.Itoa(m.MX))
		writeHeader(transport.HeaderST, m.ST.String())

	case *SearchResponse:
		sb.WriteString("HTTP/1.1 200 OK\r\n")
		writeHeader(transport.HeaderCacheControl, fmt.Sprintf("max-age=%d", m.MaxAge))
		date := m.Date
		if date.IsZero() {
			date = time.Now()
		}
		writeHeader(transport.HeaderDate, transport.FormatDate(date))
		writeHeader(transport.HeaderEXT, "")
		writeHeader(transport.HeaderLocation, m.Location)
		writeHeader(transport.HeaderServer, m.Server.String())
		writeHeader(transport.HeaderST, m.ST.String())
		writeHeader(transport.HeaderUSN, m.USN.String())
		if m.BootID > 0 {
			writeHeader(transport.HeaderBootID, strconv.Itoa(m.BootID))
			writeHeader(transport.HeaderConfigID, strconv.Itoa(m.ConfigID))
		}
	}

	sb.WriteString("\r\n")
	return []byte(sb.String())
}
