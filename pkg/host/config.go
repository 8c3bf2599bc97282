package host

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gladhorn/hupnp/pkg/log"
	"github.com/gladhorn/hupnp/pkg/model"
	"github.com/gladhorn/hupnp/pkg/ssdp"
	"github.com/gladhorn/hupnp/pkg/upnp"
)

// Config configures a DeviceHost.
type Config struct {
	// Address is the HTTP listen address ("ip:port"; empty picks an
	// ephemeral port on all interfaces).
	Address string

	// Interface restricts SSDP to one network interface.
	Interface string

	// AdvertisementCount repeats each SSDP burst (default: 2).
	AdvertisementCount int

	// CacheControlMaxAge is the advertised lifetime in seconds, clamped
	// to [5, 86400] (default: 1800).
	CacheControlMaxAge int

	// StrictParsing rejects description documents from disk that violate
	// mandatory rules instead of tolerating them.
	StrictParsing bool

	// WorkerCount bounds the HTTP handler pool.
	WorkerCount int

	// MaxSubscriptionTimeout bounds granted GENA timeouts.
	MaxSubscriptionTimeout time.Duration

	// BootID and ConfigID are the UPnP 1.1 instance identifiers.
	BootID   int
	ConfigID int

	// Factory resolves a device type to a setup hook attaching action
	// invokers. Optional; devices without a factory entry serve 602 for
	// every action.
	Factory model.DeviceFactory

	// EnableMDNS co-advertises published root devices over DNS-SD.
	EnableMDNS bool

	// ByeByeOnStart clears stale observer state before the first alive
	// burst. The zero value leaves it off; LoadConfig turns it on when the
	// file does not set it.
	ByeByeOnStart bool

	// Socket shares an existing SSDP socket with other components in
	// this process. When nil the host binds its own.
	Socket *ssdp.Socket

	// Logger for protocol logging (optional).
	Logger log.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.AdvertisementCount < 0 {
		return fmt.Errorf("%w: negative advertisement count", upnp.ErrInvalidConfiguration)
	}
	if c.CacheControlMaxAge < 0 {
		return fmt.Errorf("%w: negative cache max-age", upnp.ErrInvalidConfiguration)
	}
	if c.WorkerCount < 0 {
		return fmt.Errorf("%w: negative worker count", upnp.ErrInvalidConfiguration)
	}
	return nil
}

// DeviceConfig describes one root device to publish: either an in-memory
// tree or description documents on disk.
type DeviceConfig struct {
	// Root is a ready-made device tree. Mutually exclusive with
	// DescriptionPath.
	Root *model.Device

	// DescriptionPath points at a device description document.
	DescriptionPath string

	// SCPDPaths maps service IDs of the description to SCPD documents.
	// Required with DescriptionPath.
	SCPDPaths map[string]string

	// IconPaths maps icon URLs of the description to image files.
	IconPaths map[string]string
}

// Validate checks the device configuration.
func (c *DeviceConfig) Validate() error {
	switch {
	case c.Root == nil && c.DescriptionPath == "":
		return fmt.Errorf("%w: neither device tree nor description path", upnp.ErrInvalidConfiguration)
	case c.Root != nil && c.DescriptionPath != "":
		return fmt.Errorf("%w: both device tree and description path", upnp.ErrInvalidConfiguration)
	case c.DescriptionPath != "" && len(c.SCPDPaths) == 0:
		return fmt.Errorf("%w: description path without SCPD paths", upnp.ErrInvalidConfiguration)
	}
	return nil
}

// fileConfig is the YAML shape of a host configuration file.
type fileConfig struct {
	Address            string `yaml:"address"`
	Interface          string `yaml:"interface"`
	AdvertisementCount int    `yaml:"advertisementCount"`
	CacheControlMaxAge int    `yaml:"cacheControlMaxAge"`
	StrictParsing      bool   `yaml:"strictParsing"`
	WorkerCount        int    `yaml:"workerCount"`
	MaxTimeoutSeconds  int    `yaml:"maxSubscriptionTimeoutSeconds"`
	EnableMDNS         bool   `yaml:"enableMDNS"`
	ByeByeOnStart      *bool  `yaml:"byeByeOnStart"`

	Devices []fileDeviceConfig `yaml:"devices"`
}

type fileDeviceConfig struct {
	Description string            `yaml:"description"`
	SCPDs       map[string]string `yaml:"scpds"`
	Icons       map[string]string `yaml:"icons"`
}

// LoadConfig reads a host configuration file.
func LoadConfig(path string) (Config, []DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, nil, fmt.Errorf("%w: %v", upnp.ErrInvalidConfiguration, err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Config{}, nil, fmt.Errorf("%w: %s: %v", upnp.ErrInvalidConfiguration, path, err)
	}

	config := Config{
		Address:            file.Address,
		Interface:          file.Interface,
		AdvertisementCount: file.AdvertisementCount,
		CacheControlMaxAge: file.CacheControlMaxAge,
		StrictParsing:      file.StrictParsing,
		WorkerCount:        file.WorkerCount,
		EnableMDNS:         file.EnableMDNS,
		ByeByeOnStart:      file.ByeByeOnStart == nil || *file.ByeByeOnStart,
	}
	if file.MaxTimeoutSeconds > 0 {
		config.MaxSubscriptionTimeout = time.Duration(file.MaxTimeoutSeconds) * time.Second
	}

	devices := make([]DeviceConfig, 0, len(file.Devices))
	for _, dev := range file.Devices {
		deviceConfig := DeviceConfig{
			DescriptionPath: dev.Description,
			SCPDPaths:       dev.SCPDs,
			IconPaths:       dev.Icons,
		}
		if err := deviceConfig.Validate(); err != nil {
			return Config{}, nil, err
		}
		devices = append(devices, deviceConfig)
	}

	if err := config.Validate(); err != nil {
		return Config{}, nil, err
	}
	return config, devices, nil
}
