package host

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gladhorn/hupnp/pkg/description"
	"github.com/gladhorn/hupnp/pkg/eventing"
	"github.com/gladhorn/hupnp/pkg/log"
	"github.com/gladhorn/hupnp/pkg/model"
	"github.com/gladhorn/hupnp/pkg/soap"
	"github.com/gladhorn/hupnp/pkg/ssdp"
	"github.com/gladhorn/hupnp/pkg/transport"
	"github.com/gladhorn/hupnp/pkg/upnp"
)

// actionTimeout bounds one invoker run.
const actionTimeout = 30 * time.Second

// publishedDevice is the serving state of one published root: the cached
// document bytes its HTTP routes return.
type publishedDevice struct {
	root        *model.Device
	basePath    string
	descriptionXML []byte
	scpds       map[string][]byte // scpd path -> bytes
	icons       map[string][]byte // icon path -> bytes
}

// DeviceHost publishes root devices: SSDP announcements, description
// serving, SOAP control and GENA eventing.
type DeviceHost struct {
	config Config
	logger log.Logger

	storage    *model.Storage
	server     *transport.Server
	client     *transport.Client
	socket     *ssdp.Socket
	ownsSocket bool
	advertiser *ssdp.Advertiser
	notifier   *eventing.Notifier
	mdns       *ssdp.MDNSAdvertiser

	mu        sync.Mutex
	published map[string]*publishedDevice // UDN -> serving state
	started   bool
}

// NewDeviceHost creates a host. Devices are added with AddDevice; nothing
// reaches the network until Start.
func NewDeviceHost(config Config) (*DeviceHost, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := log.OrNoop(config.Logger)
	storage := model.NewStorage()

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

	h := &DeviceHost{
		config:     config,
		logger:     logger,
		storage:    storage,
		socket:     socket,
		ownsSocket: ownsSocket,
		client:     transport.NewClient(nil, logger),
		published:  make(map[string]*publishedDevice),
	}

	h.server = transport.NewServer(transport.ServerConfig{
		Address:     config.Address,
		WorkerCount: config.WorkerCount,
		Logger:      logger,
	})

	h.advertiser = ssdp.NewAdvertiser(socket, storage, ssdp.AdvertiserConfig{
		AdvertisementCount: config.AdvertisementCount,
		MaxAge:             config.CacheControlMaxAge,
		BootID:             config.BootID,
		ConfigID:           config.ConfigID,
		ByeByeOnStart:      config.ByeByeOnStart,
		LocationFor:        h.locationFor,
		Logger:             logger,
	})

	h.notifier = eventing.NewNotifier(h.client, eventing.NotifierConfig{
		MaxTimeout: config.MaxSubscriptionTimeout,
		Server:     ssdp.DefaultServerTokens(),
		Logger:     logger,
	})

	if config.EnableMDNS {
		h.mdns = ssdp.NewMDNSAdvertiser(ssdp.MDNSAdvertiserConfig{Interface: config.Interface})
	}

	return h, nil
}

// Storage returns the host's device registry.
func (h *DeviceHost) Storage() *model.Storage { return h.storage }

// Port returns the HTTP serving port, valid after Start.
func (h *DeviceHost) Port() uint16 { return h.server.Port() }

// Start brings the host onto the network: HTTP serving, SSDP receive,
// eventing, and the announcement lifecycle for every published device.
func (h *DeviceHost) Start() error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return upnp.ErrAlreadyInitialized
	}
	h.started = true
	h.mu.Unlock()

	if err := h.server.Start(); err != nil {
		return err
	}
	if h.ownsSocket {
		if err := h.socket.Start(); err != nil {
			h.server.Stop()
			return err
		}
	}
	if err := h.notifier.Start(); err != nil {
		return err
	}
	if err := h.advertiser.Start(); err != nil {
		return err
	}

	if h.mdns != nil {
		for _, published := range h.snapshotPublished() {
			location := h.locationFor(published.root, nil)
			_ = h.mdns.Advertise(published.root, h.server.Port(), location)
		}
	}

	h.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerHTTP,
		Category:  log.CategoryState,
		LocalRole: log.RoleHost,
	})
	return nil
}

// Stop withdraws the host: byebye bursts, then the HTTP server drains and
// the sockets close. After Stop returns nothing is emitted.
func (h *DeviceHost) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	h.mu.Unlock()

	h.advertiser.Stop()
	h.notifier.Stop()
	h.server.Stop()
	h.client.Close()
	if h.mdns != nil {
		h.mdns.StopAll()
	}
	if h.ownsSocket {
		h.socket.Stop()
	}
}

// AddDevice publishes a root device from its configuration. With a
// running host the device is announced immediately.
func (h *DeviceHost) AddDevice(cfg DeviceConfig) (*model.Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	root := cfg.Root
	icons := make(map[string][]byte)
	if root == nil {
		var err error
		root, err = h.buildFromFiles(&cfg, icons)
		if err != nil {
			return nil, err
		}
	} else {
		collectIconBytes(root, icons)
	}

	if h.config.Factory != nil {
		var setupErr error
		root.Walk(func(device *model.Device) {
			if setupErr != nil {
				return
			}
			if setup := h.config.Factory(device.DeviceType()); setup != nil {
				if err := setup(device); err != nil {
					setupErr = err
				}
			}
		})
		if setupErr != nil {
			return nil, fmt.Errorf("%w: device setup: %v", upnp.ErrInvalidConfiguration, setupErr)
		}
	}

	published, err := h.publish(root, icons)
	if err != nil {
		return nil, err
	}

	if err := h.storage.Add(root); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.published[root.UDN().String()] = published
	started := h.started
	h.mu.Unlock()

	if started {
		h.advertiser.AnnounceDevice(root, nil)
		if h.mdns != nil {
			_ = h.mdns.Advertise(root, h.server.Port(), h.locationFor(root, nil))
		}
	}
	return root, nil
}

// RemoveDevice withdraws a published root: byebye bursts, subscription
// teardown, storage removal and disposal of the tree.
func (h *DeviceHost) RemoveDevice(udn upnp.UDN) error {
	root, err := h.storage.Remove(udn)
	if err != nil {
		return err
	}

	h.mu.Lock()
	delete(h.published, udn.String())
	started := h.started
	h.mu.Unlock()

	if started {
		h.advertiser.ByeByeDevice(root)
	}
	if h.mdns != nil {
		h.mdns.Withdraw(root)
	}

	root.Walk(func(device *model.Device) {
		for _, svc := range device.Services() {
			h.notifier.CancelService(svc)
		}
	})
	root.Dispose()
	return nil
}

// buildFromFiles parses a description document and its SCPDs from disk.
func (h *DeviceHost) buildFromFiles(cfg *DeviceConfig, icons map[string][]byte) (*model.Device, error) {
	data, err := os.ReadFile(cfg.DescriptionPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", upnp.ErrInvalidDeviceDescription, err)
	}

	result, err := description.ParseDevice(data, "file:///"+cfg.DescriptionPath, h.config.StrictParsing)
	if err != nil {
		return nil, err
	}
	for _, warning := range result.Warnings {
		h.logWarning(warning)
	}

	var parseErr error
	result.Root.Walk(func(device *model.Device) {
		for _, svc := range device.Services() {
			if parseErr != nil {
				return
			}
			path, ok := cfg.SCPDPaths[svc.Info().ServiceID.String()]
			if !ok {
				parseErr = fmt.Errorf("%w: no SCPD for %s", upnp.ErrInvalidConfiguration, svc.Info().ServiceID)
				return
			}
			scpd, err := os.ReadFile(path)
			if err != nil {
				parseErr = fmt.Errorf("%w: %v", upnp.ErrInvalidServiceDescription, err)
				return
			}
			warnings, err := description.ParseSCPD(scpd, svc, h.config.StrictParsing)
			if err != nil {
				parseErr = err
				return
			}
			for _, warning := range warnings {
				h.logWarning(warning)
			}
		}
	})
	if parseErr != nil {
		return nil, parseErr
	}

	for iconURL, path := range cfg.IconPaths {
		bytes, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: icon %s: %v", upnp.ErrInvalidConfiguration, iconURL, err)
		}
		icons[iconURL] = bytes
	}
	return result.Root, nil
}

// collectIconBytes pulls inline icon bytes out of an in-memory tree.
func collectIconBytes(root *model.Device, icons map[string][]byte) {
	root.Walk(func(device *model.Device) {
		for _, icon := range device.Info().Icons {
			if len(icon.Bytes) > 0 {
				icons[icon.URL] = icon.Bytes
			}
		}
	})
}

// publish rewrites document URLs to served paths, caches the serialized
// documents, and registers the HTTP routes.
func (h *DeviceHost) publish(root *model.Device, iconBytes map[string][]byte) (*publishedDevice, error) {
	basePath := "/upnp/" + url.PathEscape(root.UDN().String())
	published := &publishedDevice{
		root:     root,
		basePath: basePath,
		scpds:    make(map[string][]byte),
		icons:    make(map[string][]byte),
	}

	serviceIndex := 0
	var serializeErr error
	root.Walk(func(device *model.Device) {
		// Icon URLs become /icon/<n> under the device base path.
		var iconURLs []string
		for _, icon := range device.Info().Icons {
			iconPath := fmt.Sprintf("%s/icon/%d", basePath, len(published.icons))
			published.icons[iconPath] = iconBytes[icon.URL]
			iconURLs = append(iconURLs, iconPath)
		}
		device.SetIconURLs(iconURLs)

		for _, svc := range device.Services() {
			servicePath := fmt.Sprintf("%s/svc%d", basePath, serviceIndex)
			serviceIndex++

			scpdPath := servicePath + "/scpd.xml"
			controlPath := servicePath + "/control"
			eventPath := servicePath + "/event"
			svc.SetDocumentURLs(scpdPath, controlPath, eventPath)

			scpd, err := description.SerializeSCPD(svc)
			if err != nil {
				serializeErr = err
				return
			}
			published.scpds[scpdPath] = scpd

			h.registerServiceRoutes(svc, scpdPath, controlPath, eventPath, published)
			h.notifier.Attach(svc)
		}
	})
	if serializeErr != nil {
		return nil, serializeErr
	}

	descriptionXML, err := description.SerializeDevice(root, "")
	if err != nil {
		return nil, err
	}
	published.descriptionXML = descriptionXML

	descriptionPath := basePath + "/description.xml"
	h.server.Handle("GET", descriptionPath, func(req *transport.Request, _ net.Addr) *transport.Response {
		return xmlResponse(published.descriptionXML)
	})
	for iconPath := range published.icons {
		path := iconPath
		h.server.Handle("GET", path, func(req *transport.Request, _ net.Addr) *transport.Response {
			resp := transport.NewResponse(200, "")
			resp.Body = published.icons[path]
			return resp
		})
	}
	return published, nil
}

func (h *DeviceHost) registerServiceRoutes(svc *model.Service, scpdPath, controlPath, eventPath string, published *publishedDevice) {
	h.server.Handle("GET", scpdPath, func(req *transport.Request, _ net.Addr) *transport.Response {
		return xmlResponse(published.scpds[scpdPath])
	})
	h.server.Handle("POST", controlPath, func(req *transport.Request, _ net.Addr) *transport.Response {
		return h.handleControl(req, svc)
	})
	h.server.Handle("SUBSCRIBE", eventPath, func(req *transport.Request, _ net.Addr) *transport.Response {
		return h.notifier.HandleSubscribe(req, svc)
	})
	h.server.Handle("UNSUBSCRIBE", eventPath, func(req *transport.Request, _ net.Addr) *transport.Response {
		return h.notifier.HandleUnsubscribe(req)
	})
}

// handleControl decodes a SOAP invocation, runs the invoker and encodes
// the result or the fault.
func (h *DeviceHost) handleControl(req *transport.Request, svc *model.Service) *transport.Response {
	_, actionName, err := soap.ParseActionHeader(req.Header.Get(transport.HeaderSOAPAction))
	if err != nil {
		return faultResponse(upnp.NewActionError(upnp.CodeInvalidAction, ""))
	}

	decodedAction, args, err := soap.DecodeRequest(req.Body)
	if err != nil {
		return faultResponse(upnp.NewActionError(upnp.CodeInvalidArgs, ""))
	}
	// A body naming a different action than SOAPACTION is an unknown
	// action, not a bad argument.
	if decodedAction != actionName {
		return faultResponse(upnp.NewActionError(upnp.CodeInvalidAction, ""))
	}

	action, ok := svc.Action(actionName)
	if !ok {
		return faultResponse(upnp.NewActionError(upnp.CodeInvalidAction, ""))
	}

	inputs := make(map[string]string, len(args))
	for _, arg := range args {
		inputs[arg.Name] = arg.Value
	}
	if actionErr := soap.ValidateInputs(svc, action, inputs); actionErr != nil {
		return faultResponse(actionErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	outputs, actionErr := action.Invoke(ctx, inputs)
	if actionErr != nil {
		return faultResponse(actionErr)
	}

	var outArgs []soap.Arg
	for _, arg := range action.OutputArguments() {
		outArgs = append(outArgs, soap.Arg{Name: arg.Name, Value: outputs[arg.Name]})
	}

	resp := transport.NewResponse(200, "")
	resp.Header.Set(transport.HeaderContentType, soap.ContentType)
	resp.Header.Set(transport.HeaderEXT, "")
	resp.Header.Set(transport.HeaderServer, ssdp.DefaultServerTokens().String())
	resp.Body = soap.EncodeResponse(svc.Info().ServiceType, actionName, outArgs)
	return resp
}

// locationFor renders the description URL of a root device as reachable
// by the given peer.
func (h *DeviceHost) locationFor(root *model.Device, peer *net.UDPAddr) string {
	ip := h.localIPFor(peer)
	hostPort := net.JoinHostPort(ip, strconv.Itoa(int(h.server.Port())))
	return fmt.Sprintf("http://%s/upnp/%s/description.xml", hostPort, url.PathEscape(root.UDN().String()))
}

// localIPFor picks the address peers should dial: the server's bound IP
// when it is specific, otherwise the local address routable toward the
// peer, otherwise the first unicast address.
func (h *DeviceHost) localIPFor(peer *net.UDPAddr) string {
	if addr, ok := h.server.Addr().(*net.TCPAddr); ok && addr.IP != nil && !addr.IP.IsUnspecified() {
		return addr.IP.String()
	}
	if peer != nil {
		if conn, err := net.Dial("udp", peer.String()); err == nil {
			defer conn.Close()
			if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
				return addr.IP.String()
			}
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err == nil {
		var loopback string
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			if ipNet.IP.IsLoopback() {
				loopback = ipNet.IP.String()
				continue
			}
			return ipNet.IP.String()
		}
		if loopback != "" {
			return loopback
		}
	}
	return "127.0.0.1"
}

func (h *DeviceHost) snapshotPublished() []*publishedDevice {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*publishedDevice, 0, len(h.published))
	for _, published := range h.published {
		out = append(out, published)
	}
	return out
}

func (h *DeviceHost) logWarning(message string) {
	h.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerDescription,
		Category:  log.CategoryNonStandard,
		LocalRole: log.RoleHost,
		Error:     &log.ErrorEventData{Message: message},
	})
}

func xmlResponse(body []byte) *transport.Response {
	resp := transport.NewResponse(200, "")
	resp.Header.Set(transport.HeaderContentType, soap.ContentType)
	resp.Body = body
	return resp
}

// faultResponse maps an action error onto the HTTP response per the UPnP
// fault table: the status echoes the UPnP code with its reason phrase.
func faultResponse(actionErr *upnp.ActionError) *transport.Response {
	resp := transport.NewResponse(actionErr.HTTPStatus(), actionErr.ReasonPhrase())
	resp.Header.Set(transport.HeaderContentType, soap.ContentType)
	resp.Header.Set(transport.HeaderEXT, "")
	resp.Body = soap.EncodeFault(actionErr)
	return resp
}
