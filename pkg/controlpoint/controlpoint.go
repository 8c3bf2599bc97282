package controlpoint

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gladhorn/hupnp/pkg/eventing"
	"github.com/gladhorn/hupnp/pkg/log"
	"github.com/gladhorn/hupnp/pkg/model"
	"github.com/gladhorn/hupnp/pkg/soap"
	"github.com/gladhorn/hupnp/pkg/ssdp"
	"github.com/gladhorn/hupnp/pkg/transport"
	"github.com/gladhorn/hupnp/pkg/upnp"
)

// Config configures a ControlPoint.
type Config struct {
	// Address is the callback HTTP listen address (empty picks an
	// ephemeral port on all interfaces).
	Address string

	// Interface restricts SSDP to one network interface.
	Interface string

	// StrictParsing rejects nonconforming remote documents instead of
	// tolerating them.
	StrictParsing bool

	// AllowLocalStateWrites leaves mirrored state variables writable by
	// the application. Off by default: remote state changes arrive only
	// through NOTIFY ingestion.
	AllowLocalStateWrites bool

	// RequestedSubscriptionTimeout is the TIMEOUT asked of publishers.
	RequestedSubscriptionTimeout time.Duration

	// WorkerCount bounds the callback server's handler pool.
	WorkerCount int

	// Interests restricts builds to advertisements matching one of the
	// given types (with version at least the interest's). Empty means
	// every advertisement is interesting.
	Interests []upnp.ResourceType

	// Socket shares an existing SSDP socket with other components in
	// this process. When nil the control point binds its own.
	Socket *ssdp.Socket

	// Logger for protocol logging (optional).
	Logger log.Logger
}

// knownDevice is the bookkeeping for one installed root.
type knownDevice struct {
	root        *model.Device
	location    string
	bootID      int
	expiryTimer *time.Timer
}

// ControlPoint discovers devices, mirrors them locally, invokes their
// actions and subscribes to their events.
type ControlPoint struct {
	config Config
	logger log.Logger

	storage    *model.Storage
	socket     *ssdp.Socket
	ownsSocket bool
	browser    *ssdp.Browser
	server     *transport.Server
	client     *transport.Client
	builder    *builder
	subs       *eventing.Manager
	flag       *transport.ShutdownFlag

	mu      sync.Mutex
	known   map[string]*knownDevice // root UDN -> bookkeeping
	failed  map[string]time.Time    // location -> failure time
	started bool

	onDeviceAdded   func(*model.Device)
	onDeviceRemoved func(*model.Device)
	onBuildFailed   func(udn upnp.UDN, location string, reason error)
}

// NewControlPoint creates a control point. Nothing reaches the network
// until Start.
func NewControlPoint(config Config) (*ControlPoint, error) {
	logger := log.OrNoop(config.Logger)

	socket := config.Socket
	ownsSocket := false
	if socket == nil {
		var err error
		socket, err = ssdp.NewSocket(ssdp.SocketConfig{Interface: config.Interface, Logger: logger})
		if err != nil {
			return nil, err
		}
		ownsSocket = true
	}

	flag := transport.NewShutdownFlag()
	cp := &ControlPoint{
		config:     config,
		logger:     logger,
		storage:    model.NewStorage(),
		socket:     socket,
		ownsSocket: ownsSocket,
		client:     transport.NewClient(flag, logger),
		builder:    newBuilder(flag, logger, config.StrictParsing),
		flag:       flag,
		known:      make(map[string]*knownDevice),
		failed:     make(map[string]time.Time),
	}

	cp.server = transport.NewServer(transport.ServerConfig{
		Address:     config.Address,
		WorkerCount: config.WorkerCount,
		Logger:      logger,
	})

	cp.subs = eventing.NewManager(cp.client, cp.server, eventing.ManagerConfig{
		RequestedTimeout: config.RequestedSubscriptionTimeout,
		Logger:           logger,
	})

	cp.browser = ssdp.NewBrowser(socket, ssdp.BrowserConfig{Logger: logger})
	cp.browser.OnAlive(cp.handleAlive)
	cp.browser.OnByeBye(cp.handleByeBye)
	cp.browser.OnUpdate(cp.handleUpdate)
	cp.browser.OnSearchResponse(cp.handleSearchResponse)

	return cp, nil
}

// OnDeviceAdded registers the callback fired after a device tree is
// installed.
func (cp *ControlPoint) OnDeviceAdded(fn func(*model.Device)) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.onDeviceAdded = fn
}

// OnDeviceRemoved registers the callback fired after a device is removed
// (byebye or expiry).
func (cp *ControlPoint) OnDeviceRemoved(fn func(*model.Device)) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.onDeviceRemoved = fn
}

// OnBuildFailed registers the callback fired once when a build task
// fails.
func (cp *ControlPoint) OnBuildFailed(fn func(udn upnp.UDN, location string, reason error)) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.onBuildFailed = fn
}

// Storage returns the registry of mirrored devices.
func (cp *ControlPoint) Storage() *model.Storage { return cp.storage }

// Devices returns the mirrored root devices.
func (cp *ControlPoint) Devices() []*model.Device { return cp.storage.RootDevices() }

// Start brings the control point up and issues an initial search for all
// resources.
func (cp *ControlPoint) Start() error {
	cp.mu.Lock()
	if cp.started {
		cp.mu.Unlock()
		return upnp.ErrAlreadyInitialized
	}
	cp.started = true
	cp.mu.Unlock()

	if err := cp.server.Start(); err != nil {
		return err
	}
	if cp.ownsSocket {
		if err := cp.socket.Start(); err != nil {
			cp.server.Stop()
			return err
		}
	}
	return cp.browser.SearchAll(3)
}

// Search issues an M-SEARCH for a specific target.
func (cp *ControlPoint) Search(st upnp.ResourceIdentifier, mx int) error {
	return cp.browser.Search(st, mx)
}

// Stop takes the control point down: subscriptions are cancelled bounded
// by a short timeout, the callback server drains, and the socket closes.
func (cp *ControlPoint) Stop() {
	cp.mu.Lock()
	if !cp.started {
		cp.mu.Unlock()
		return
	}
	cp.started = false
	known := cp.known
	cp.known = make(map[string]*knownDevice)
	cp.mu.Unlock()

	cp.CancelAll(2 * time.Second)
	cp.flag.Trigger()

	for _, device := range known {
		if device.expiryTimer != nil {
			device.expiryTimer.Stop()
		}
	}

	cp.server.Stop()
	cp.builder.close()
	cp.client.Close()
	if cp.ownsSocket {
		cp.socket.Stop()
	}
}

// CancelAll attempts UNSUBSCRIBE on every subscription, bounded by the
// given timeout.
func (cp *ControlPoint) CancelAll(timeout time.Duration) {
	cp.subs.CancelAll(timeout)
}

// Subscribe opens a GENA subscription against a mirrored service.
func (cp *ControlPoint) Subscribe(svc *model.Service) (*eventing.Subscription, error) {
	eventSubURL := svc.Info().EventSubURL
	if eventSubURL == "" {
		return nil, fmt.Errorf("%w: service has no event URL", upnp.ErrInvalidConfiguration)
	}
	return cp.subs.Subscribe(svc, eventSubURL)
}

// Unsubscribe cancels a subscription.
func (cp *ControlPoint) Unsubscribe(sub *eventing.Subscription) error {
	return cp.subs.Unsubscribe(sub)
}

// Invoke calls an action on a mirrored service.
func (cp *ControlPoint) Invoke(ctx context.Context, svc *model.Service, actionName string, inputs map[string]string) (map[string]string, error) {
	return soap.Call(ctx, cp.client, svc.Info().ControlURL, svc, actionName, inputs)
}

// shouldFetch decides whether an advertisement triggers a build: the
// advertisement must pass the interest filter, and either the UDN is
// unknown or the advertised BOOTID signals a device restart (the stored
// tree is then torn down and rebuilt).
func (cp *ControlPoint) shouldFetch(usn upnp.USN, bootID int) bool {
	if !cp.interested(usn) {
		return false
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	for _, device := range cp.known {
		if _, ok := device.root.FindByUDN(usn.UDN()); ok {
			return bootID > device.bootID
		}
	}
	return true
}

// interested applies the configured type filter.
func (cp *ControlPoint) interested(usn upnp.USN) bool {
	if len(cp.config.Interests) == 0 {
		return true
	}
	resource := usn.Resource()
	if resource.Kind() != upnp.ResourceResourceType {
		// Root-device and bare-UDN advertisements cannot be filtered by
		// type; let the typed advertisements of the same burst decide.
		return false
	}
	for _, interest := range cp.config.Interests {
		if resource.Type().CompatibleWith(interest) {
			return true
		}
	}
	return false
}

func (cp *ControlPoint) handleAlive(msg *ssdp.Alive, _ *net.UDPAddr) {
	cp.trigger(msg.USN, msg.Location, msg.MaxAge, msg.BootID)
}

func (cp *ControlPoint) handleSearchResponse(msg *ssdp.SearchResponse, _ *net.UDPAddr) {
	cp.trigger(msg.USN, msg.Location, msg.MaxAge, msg.BootID)
}

func (cp *ControlPoint) handleUpdate(msg *ssdp.Update, _ *net.UDPAddr) {
	// ssdp:update advertises the next boot id: rebuild as a restart.
	cp.trigger(msg.USN, msg.Location, ssdp.DefaultMaxAge, msg.NextBootID)
}

// failureHoldoff suppresses rebuild attempts for a location after a
// failed task, so the repeats of the same announcement burst do not pile
// up; the next burst retries.
const failureHoldoff = 5 * time.Second

func (cp *ControlPoint) trigger(usn upnp.USN, location string, maxAge, bootID int) {
	cp.mu.Lock()
	started := cp.started
	recentFailure := time.Since(cp.failed[location]) < failureHoldoff
	cp.mu.Unlock()
	if !started || recentFailure {
		return
	}
	if !cp.shouldFetch(usn, bootID) {
		// A re-announcement of an installed device restarts its expiry.
		cp.mu.Lock()
		for _, device := range cp.known {
			if _, ok := device.root.FindByUDN(usn.UDN()); ok && maxAge > 0 &&
				device.expiryTimer != nil && device.expiryTimer.Stop() {
				device.expiryTimer.Reset(time.Duration(maxAge) * time.Second)
			}
		}
		cp.mu.Unlock()
		return
	}

	go cp.buildAndInstall(usn, location, maxAge, bootID)
}

func (cp *ControlPoint) markFailed(location string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.failed[location] = time.Now()
}

// buildAndInstall runs one build task and installs the result. Completed
// builds insert atomically; a failure is reported once per task, by the
// trigger that owned it.
func (cp *ControlPoint) buildAndInstall(usn upnp.USN, location string, maxAge, bootID int) {
	root, owner, err := cp.builder.build(location)
	if err != nil {
		if owner {
			cp.markFailed(location)
			cp.reportBuildFailed(usn.UDN(), location, err)
		}
		return
	}

	// The advertised UDN must exist in the built tree.
	if _, ok := root.FindByUDN(usn.UDN()); !ok {
		cp.reportBuildFailed(usn.UDN(), location,
			fmt.Errorf("%w: advertised UDN %s not in description", upnp.ErrInvalidDeviceDescription, usn.UDN()))
		return
	}

	rootUDN := root.UDN().String()

	cp.mu.Lock()
	previous, exists := cp.known[rootUDN]
	if exists {
		if bootID <= previous.bootID {
			// A parallel task for another LOCATION of the same device
			// already installed the tree.
			cp.mu.Unlock()
			return
		}
		cp.removeLocked(previous)
	}
	cp.mu.Unlock()

	if exists {
		// The device restarted: tear the stale tree down before the
		// rebuilt one takes its place.
		cp.teardown(previous.root)
		cp.dispatchRemoved(previous.root)
	}

	if !cp.config.AllowLocalStateWrites {
		root.Walk(func(device *model.Device) {
			for _, svc := range device.Services() {
				svc.SetImmutable(true)
			}
		})
	}

	if err := cp.storage.Add(root); err != nil {
		// Lost an install race; the winner's tree serves.
		return
	}

	device := &knownDevice{root: root, location: location, bootID: bootID}
	if maxAge > 0 {
		device.expiryTimer = time.AfterFunc(time.Duration(maxAge)*time.Second, func() {
			cp.expire(rootUDN)
		})
	}

	cp.mu.Lock()
	cp.known[rootUDN] = device
	fn := cp.onDeviceAdded
	cp.mu.Unlock()

	cp.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerDescription,
		Category:  log.CategoryState,
		LocalRole: log.RoleControlPoint,
		UDN:       rootUDN,
	})
	if fn != nil {
		fn(root)
	}
}

func (cp *ControlPoint) handleByeBye(msg *ssdp.ByeBye, _ *net.UDPAddr) {
	cp.removeByUDN(msg.USN.UDN())
}

// expire removes a device whose advertised lifetime lapsed without a
// re-announcement. No unsubscribe messages go out; the device is assumed
// gone.
func (cp *ControlPoint) expire(rootUDN string) {
	cp.mu.Lock()
	device, ok := cp.known[rootUDN]
	if ok {
		cp.removeLocked(device)
	}
	cp.mu.Unlock()
	if ok {
		cp.teardown(device.root)
		cp.dispatchRemoved(device.root)
	}
}

// removeByUDN removes the root owning the given UDN.
func (cp *ControlPoint) removeByUDN(udn upnp.UDN) {
	cp.mu.Lock()
	var device *knownDevice
	for _, candidate := range cp.known {
		if _, ok := candidate.root.FindByUDN(udn); ok {
			device = candidate
			break
		}
	}
	if device != nil {
		cp.removeLocked(device)
	}
	cp.mu.Unlock()

	if device != nil {
		cp.teardown(device.root)
		cp.dispatchRemoved(device.root)
	}
}

// removeLocked unregisters bookkeeping; the caller holds cp.mu.
func (cp *ControlPoint) removeLocked(device *knownDevice) {
	if device.expiryTimer != nil {
		device.expiryTimer.Stop()
	}
	delete(cp.known, device.root.UDN().String())
}

// teardown cascades a removal: subscriptions die without wire messages,
// the tree leaves storage and is disposed.
func (cp *ControlPoint) teardown(root *model.Device) {
	root.Walk(func(device *model.Device) {
		for _, svc := range device.Services() {
			cp.subs.DropService(svc)
		}
	})
	cp.storage.Remove(root.UDN())
	root.Dispose()
}

func (cp *ControlPoint) dispatchRemoved(root *model.Device) {
	cp.mu.Lock()
	fn := cp.onDeviceRemoved
	cp.mu.Unlock()
	if fn != nil {
		fn(root)
	}
}

func (cp *ControlPoint) reportBuildFailed(udn upnp.UDN, location string, reason error) {
	cp.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerDescription,
		Category:  log.CategoryError,
		LocalRole: log.RoleControlPoint,
		UDN:       udn.String(),
		Error:     &log.ErrorEventData{Message: reason.Error(), Context: location},
	})

	cp.mu.Lock()
	fn := cp.onBuildFailed
	cp.mu.Unlock()
	if fn != nil {
		fn(udn, location, reason)
	}
}
