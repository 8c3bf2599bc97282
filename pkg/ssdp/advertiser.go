package ssdp

import (
	"math/rand"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/gladhorn/hupnp/pkg/log"
	"github.com/gladhorn/hupnp/pkg/model"
	"github.com/gladhorn/hupnp/pkg/upnp"
)

// Advertisement defaults and bounds.
const (
	// DefaultAdvertisementCount is how many times each announcement
	// burst is repeated.
	DefaultAdvertisementCount = 2

	// DefaultMaxAge is the advertised CACHE-CONTROL max-age.
	DefaultMaxAge = 1800

	// MinMaxAge and MaxMaxAge clamp configured max-age values.
	MinMaxAge = 5
	MaxMaxAge = 86400
)

// AdvertiserConfig configures the host-side announcer.
type AdvertiserConfig struct {
	// AdvertisementCount repeats each burst (default: 2).
	AdvertisementCount int

	// MaxAge is the advertised cache lifetime in seconds, clamped to
	// [5, 86400] (default: 1800).
	MaxAge int

	// Server is the SERVER header token sequence.
	Server upnp.ProductTokens

	// BootID and ConfigID are the UPnP 1.1 instance identifiers. A zero
	// BootID omits both headers (UPnP 1.0 behavior).
	BootID   int
	ConfigID int

	// ByeByeOnStart clears stale observer state with a byebye pass
	// before the first alive burst.
	ByeByeOnStart bool

	// LocationFor resolves the description URL of a root device as
	// reachable by the peer at the given address.
	LocationFor func(root *model.Device, peer *net.UDPAddr) string

	// Logger for protocol logging (optional).
	Logger log.Logger
}

// DefaultServerTokens returns the SERVER header value announcing this
// library.
func DefaultServerTokens() upnp.ProductTokens {
	return upnp.NewProductTokens(
		upnp.NewProductToken(runtime.GOOS, "1.0"),
		upnp.NewProductToken("UPnP", "1.0"),
		upnp.NewProductToken("HUPnP", "1.0"),
	)
}

// Advertiser announces the devices of a host: alive bursts on publish,
// periodic re-announcement at half the advertised lifetime, byebye on
// stop, and unicast replies to matching searches.
type Advertiser struct {
	config  AdvertiserConfig
	logger  log.Logger
	socket  *Socket
	storage *model.Storage

	mu      sync.Mutex
	rng     *rand.Rand
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewAdvertiser creates an advertiser over a socket and the host's device
// storage.
func NewAdvertiser(socket *Socket, storage *model.Storage, config AdvertiserConfig) *Advertiser {
	if config.AdvertisementCount <= 0 {
		config.AdvertisementCount = DefaultAdvertisementCount
	}
	if config.MaxAge == 0 {
		config.MaxAge = DefaultMaxAge
	}
	if config.MaxAge < MinMaxAge {
		config.MaxAge = MinMaxAge
	}
	if config.MaxAge > MaxMaxAge {
		config.MaxAge = MaxMaxAge
	}
	if !config.Server.IsValid() {
		config.Server = DefaultServerTokens()
	}

	a := &Advertiser{
		config:  config,
		logger:  log.OrNoop(config.Logger),
		socket:  socket,
		storage: storage,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	socket.AddHandler(a.handle)
	return a
}

// Start begins announcing: an optional byebye pass, the initial alive
// bursts, and the re-announcement cycle at maxAge/2.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return upnp.ErrAlreadyInitialized
	}
	a.started = true
	a.stopCh = make(chan struct{})
	a.mu.Unlock()

	if a.config.ByeByeOnStart {
		a.announceByeBye()
	}
	a.announceAlive()

	a.wg.Add(1)
	go a.reannounceLoop()
	return nil
}

// Stop ends the re-announcement cycle and emits the final byebye bursts.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	close(a.stopCh)
	a.mu.Unlock()

	a.wg.Wait()
	a.announceByeBye()
}

// AnnounceDevice emits the alive bursts for one freshly published root.
func (a *Advertiser) AnnounceDevice(root *model.Device, peerHint *net.UDPAddr) {
	a.burst(root, func(usn upnp.USN) any {
		return &Alive{
			MaxAge:   a.config.MaxAge,
			Location: a.config.LocationFor(root, peerHint),
			NT:       notificationType(usn),
			Server:   a.config.Server,
			USN:      usn,
			BootID:   a.config.BootID,
			ConfigID: a.config.ConfigID,
		}
	}, nil)
}

// ByeByeDevice emits the byebye bursts for one root being withdrawn.
func (a *Advertiser) ByeByeDevice(root *model.Device) {
	a.burst(root, func(usn upnp.USN) any {
		return &ByeBye{NT: notificationType(usn), USN: usn, BootID: a.config.BootID}
	}, nil)
}

func (a *Advertiser) announceAlive() {
	for _, root := range a.storage.RootDevices() {
		a.AnnounceDevice(root, nil)
	}
}

func (a *Advertiser) announceByeBye() {
	for _, root := range a.storage.RootDevices() {
		a.ByeByeDevice(root)
	}
}

// burst sends one message per resource identifier of the tree, repeated
// AdvertisementCount times.
func (a *Advertiser) burst(root *model.Device, build func(upnp.USN) any, to *net.UDPAddr) {
	identifiers := root.ResourceIdentifiers()
	for repeat := 0; repeat < a.config.AdvertisementCount; repeat++ {
		for _, usn := range identifiers {
			msg := build(usn)
			var err error
			if to == nil {
				err = a.socket.SendMulticast(msg)
			} else {
				err = a.socket.SendUnicast(msg, to)
			}
			if err != nil {
				return
			}
		}
	}
}

func (a *Advertiser) reannounceLoop() {
	defer a.wg.Done()

	interval := time.Duration(a.config.MaxAge) * time.Second / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.announceAlive()
		case <-a.stopCh:
			return
		}
	}
}

// handle answers M-SEARCH requests whose target matches a local resource.
func (a *Advertiser) handle(msg any, src *net.UDPAddr) {
	search, ok := msg.(*SearchRequest)
	if !ok {
		return
	}

	a.mu.Lock()
	started := a.started
	stopCh := a.stopCh
	var delay time.Duration
	if search.MX > 0 {
		delay = time.Duration(a.rng.Int63n(int64(search.MX) * int64(time.Second)))
	}
	a.mu.Unlock()
	if !started {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		// Unicast replies are delayed uniformly in [0, MX] to spread
		// responder load, per UDA.
		select {
		case <-time.After(delay):
		case <-stopCh:
			return
		}

		for _, root := range a.storage.RootDevices() {
			for _, usn := range matchingResources(root, search.ST) {
				response := &SearchResponse{
					MaxAge:   a.config.MaxAge,
					Location: a.config.LocationFor(root, src),
					Server:   a.config.Server,
					ST:       notificationType(usn),
					USN:      usn,
					BootID:   a.config.BootID,
					ConfigID: a.config.ConfigID,
				}
				if err := a.socket.SendUnicast(response, src); err != nil {
					return
				}
			}
		}
	}()
}

// matchingResources applies the UDA search-target match rules to one
// tree: ssdp:all matches every resource, upnp:rootdevice only the root
// entry, a UDN its device, and a type any resource whose implemented
// version is at least the searched version.
func matchingResources(root *model.Device, st upnp.ResourceIdentifier) []upnp.USN {
	var out []upnp.USN
	for _, usn := range root.ResourceIdentifiers() {
		resource := usn.Resource()
		switch st.Kind() {
		case upnp.ResourceAll:
			out = append(out, usn)
		case upnp.ResourceRootDevice:
			if resource.Kind() == upnp.ResourceRootDevice {
				out = append(out, usn)
			}
		case upnp.ResourceUDN:
			if resource.IsZero() && usn.UDN().String() == st.UDN().String() {
				out = append(out, usn)
			}
		case upnp.ResourceResourceType:
			if resource.Kind() == upnp.ResourceResourceType &&
				resource.Type().CompatibleWith(st.Type()) {
				out = append(out, usn)
			}
		}
	}
	return out
}

// notificationType derives the NT/ST header value from a USN: the
// resource part when present, the bare UDN otherwise.
func notificationType(usn upnp.USN) upnp.ResourceIdentifier {
	if usn.Resource().IsZero() {
		return upnp.UDNResource(usn.UDN())
	}
	return usn.Resource()
}
