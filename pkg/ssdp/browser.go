package ssdp

import (
	"net"
	"sync"

	"github.com/gladhorn/hupnp/pkg/log"
	"github.com/gladhorn/hupnp/pkg/upnp"
)

// BrowserConfig configures the control-point side of the socket.
type BrowserConfig struct {
	// Logger for protocol logging (optional).
	Logger log.Logger
}

// Browser feeds a control point: it emits M-SEARCH requests and
// dispatches advertisements and search responses to registered callbacks.
type Browser struct {
	logger log.Logger
	socket *Socket

	mu               sync.Mutex
	onAlive          func(*Alive, *net.UDPAddr)
	onByeBye         func(*ByeBye, *net.UDPAddr)
	onUpdate         func(*Update, *net.UDPAddr)
	onSearchResponse func(*SearchResponse, *net.UDPAddr)
}

// NewBrowser creates a browser over a socket.
func NewBrowser(socket *Socket, config BrowserConfig) *Browser {
	b := &Browser{
		logger: log.OrNoop(config.Logger),
		socket: socket,
	}
	socket.AddHandler(b.handle)
	return b
}

// OnAlive registers the callback for alive announcements.
func (b *Browser) OnAlive(fn func(*Alive, *net.UDPAddr)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onAlive = fn
}

// OnByeBye registers the callback for byebye announcements.
func (b *Browser) OnByeBye(fn func(*ByeBye, *net.UDPAddr)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onByeBye = fn
}

// OnUpdate registers the callback for update announcements.
func (b *Browser) OnUpdate(fn func(*Update, *net.UDPAddr)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onUpdate = fn
}

// OnSearchResponse registers the callback for search responses.
func (b *Browser) OnSearchResponse(fn func(*SearchResponse, *net.UDPAddr)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSearchResponse = fn
}

// Search multicasts an M-SEARCH for the given target. Responses arrive
// asynchronously through OnSearchResponse within mx seconds.
func (b *Browser) Search(st upnp.ResourceIdentifier, mx int) error {
	if mx < 1 {
		mx = 1
	}
	if mx > MaxMXSeconds {
		mx = MaxMXSeconds
	}
	return b.socket.SendMulticast(&SearchRequest{ST: st, MX: mx})
}

// SearchAll multicasts an M-SEARCH for every resource.
func (b *Browser) SearchAll(mx int) error {
	return b.Search(upnp.AllResource(), mx)
}

func (b *Browser) handle(msg any, src *net.UDPAddr) {
	b.mu.Lock()
	onAlive, onByeBye := b.onAlive, b.onByeBye
	onUpdate, onSearchResponse := b.onUpdate, b.onSearchResponse
	b.mu.Unlock()

	switch m := msg.(type) {
	case *Alive:
		if onAlive != nil {
			onAlive(m, src)
		}
	case *ByeBye:
		if onByeBye != nil {
			onByeBye(m, src)
		}
	case *Update:
		if onUpdate != nil {
			onUpdate(m, src)
		}
	case *SearchResponse:
		if onSearchResponse != nil {
			onSearchResponse(m, src)
		}
	}
}
