package ssdp

import (
	"fmt"
	"net"
	"sync"

	"github.com/enbility/zeroconf/v3"

	"github.com/gladhorn/hupnp/pkg/model"
)

// mDNS co-advertisement constants.
const (
	mdnsServiceType = "_upnp._tcp"
	mdnsDomain      = "local."
)

// MDNSAdvertiserConfig configures the DNS-SD co-advertiser.
type MDNSAdvertiserConfig struct {
	// Interface restricts advertising to one network interface.
	// Empty string means all interfaces.
	Interface string

	// TTL is the DNS record TTL in seconds (0 uses the zeroconf default).
	TTL uint32
}

// MDNSAdvertiser publishes hosted root devices over DNS-SD in addition
// to SSDP, for observers that browse mDNS instead of multicast UDP. TXT
// records carry the UDN and the description URL.
type MDNSAdvertiser struct {
	config MDNSAdvertiserConfig

	mu      sync.Mutex
	servers map[string]*zeroconf.Server // keyed by UDN
}

// NewMDNSAdvertiser creates an mDNS co-advertiser.
func NewMDNSAdvertiser(config MDNSAdvertiserConfig) *MDNSAdvertiser {
	return &MDNSAdvertiser{
		config:  config,
		servers: make(map[string]*zeroconf.Server),
	}
}

func (a *MDNSAdvertiser) interfaces() []net.Interface {
	if a.config.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.config.Interface)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise registers one root device. The instance name is the friendly
// name; port is the description server port and location the description
// URL.
func (a *MDNSAdvertiser) Advertise(root *model.Device, port uint16, location string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	udn := root.UDN().String()
	if server, exists := a.servers[udn]; exists {
		server.Shutdown()
		delete(a.servers, udn)
	}

	info := root.Info()
	txt := []string{
		"udn=" + udn,
		"location=" + location,
		"devicetype=" + info.DeviceType.String(),
	}

	var opts []zeroconf.ServerOption
	if a.config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(a.config.TTL))
	}

	server, err := zeroconf.Register(
		info.FriendlyName,
		mdnsServiceType,
		mdnsDomain,
		int(port),
		txt,
		a.interfaces(),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service for %s: %w", udn, err)
	}

	a.servers[udn] = server
	return nil
}

// Withdraw removes the registration for one root device.
func (a *MDNSAdvertiser) Withdraw(root *model.Device) {
	a.mu.Lock()
	defer a.mu.Unlock()

	udn := root.UDN().String()
	if server, exists := a.servers[udn]; exists {
		server.Shutdown()
		delete(a.servers, udn)
	}
}

// StopAll withdraws every registration.
func (a *MDNSAdvertiser) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for udn, server := range a.servers {
		server.Shutdown()
		delete(a.servers, udn)
	}
}
