package vmm

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keelvm/keel/internal/vhost"
)

// Config is the declarative machine description. Zero values take
// defaults from ApplyDefaults; Validate reports the first bad field by
// path.
type Config struct {
	Name string `yaml:"name"`

	// CPUs is the vCPU count.
	CPUs int `yaml:"cpus"`

	// MemoryMiB is the guest RAM size.
	MemoryMiB uint64 `yaml:"memory_mib"`

	// Kernel is a bzImage path. Empty means no boot loader runs (a
	// restore target, or a test shell).
	Kernel    string `yaml:"kernel,omitempty"`
	Initramfs string `yaml:"initramfs,omitempty"`
	Cmdline   string `yaml:"cmdline,omitempty"`

	Devices []DeviceConfig `yaml:"devices,omitempty"`

	// PauseTimeout bounds cooperative pause (vCPU park + device
	// quiesce). MigrateTimeout bounds each migration phase.
	PauseTimeout   time.Duration `yaml:"pause_timeout,omitempty"`
	MigrateTimeout time.Duration `yaml:"migrate_timeout,omitempty"`
}

// DeviceConfig describes one attached device.
type DeviceConfig struct {
	// ID names the device for detach and migration manifests.
	ID string `yaml:"id"`

	// Type is one of blk, net, fs, console, vhost-blk.
	Type string `yaml:"type"`

	// Path: block image (blk), host directory (fs).
	Path     string `yaml:"path,omitempty"`
	ReadOnly bool   `yaml:"read_only,omitempty"`

	// Socket is the vhost-user control socket (vhost-blk).
	Socket string `yaml:"socket,omitempty"`

	// DisconnectPolicy: "reset" (default) or "fail" (vhost-blk).
	DisconnectPolicy string `yaml:"disconnect_policy,omitempty"`

	// MAC for net devices; generated when empty.
	MAC string `yaml:"mac,omitempty"`

	// Tap attaches a net device to a kernel TAP link of that name
	// instead of the user-mode network.
	Tap string `yaml:"tap,omitempty"`

	// User-mode network services (net devices without a tap).
	DHCP     bool              `yaml:"dhcp,omitempty"`
	DNS      bool              `yaml:"dns,omitempty"`
	Hosts    map[string]string `yaml:"hosts,omitempty"`    // DNS name -> IPv4
	Forwards map[uint16]string `yaml:"forwards,omitempty"` // gateway port -> host addr

	// Tag is the virtio-fs mount tag.
	Tag string `yaml:"tag,omitempty"`

	// FeatureMask clears the given advertised feature bits before
	// negotiation. Zero means no override.
	FeatureMask uint64 `yaml:"feature_mask,omitempty"`
}

const (
	DefaultPauseTimeout   = 5 * time.Second
	DefaultMigrateTimeout = 30 * time.Second

	minMemoryMiB = 1
	maxCPUs      = 256
)

var deviceTypes = map[string]bool{
	"blk":       true,
	"net":       true,
	"fs":        true,
	"console":   true,
	"vhost-blk": true,
}

// LoadConfig reads and validates a YAML machine description.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("vmm: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML machine description, applies defaults and
// validates it.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("vmm: parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.CPUs == 0 {
		c.CPUs = 1
	}
	if c.MemoryMiB == 0 {
		c.MemoryMiB = 128
	}
	if c.PauseTimeout == 0 {
		c.PauseTimeout = DefaultPauseTimeout
	}
	if c.MigrateTimeout == 0 {
		c.MigrateTimeout = DefaultMigrateTimeout
	}
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.ID == "" {
			d.ID = fmt.Sprintf("%s%d", d.Type, i)
		}
		if d.Type == "fs" && d.Tag == "" {
			d.Tag = d.ID
		}
	}
}

// Validate checks the description, reporting the first offending field
// by its YAML path.
func (c *Config) Validate() error {
	if c.CPUs < 1 || c.CPUs > maxCPUs {
		return fmt.Errorf("vmm: cpus: %d outside [1, %d]", c.CPUs, maxCPUs)
	}
	if c.MemoryMiB < minMemoryMiB {
		return fmt.Errorf("vmm: memory_mib: %d below minimum %d", c.MemoryMiB, minMemoryMiB)
	}
	if c.Initramfs != "" && c.Kernel == "" {
		return fmt.Errorf("vmm: initramfs: set without kernel")
	}
	seen := map[string]bool{}
	for i, d := range c.Devices {
		path := fmt.Sprintf("devices[%d]", i)
		if err := d.validate(path); err != nil {
			return err
		}
		if seen[d.ID] {
			return fmt.Errorf("vmm: %s.id: duplicate device id %q", path, d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

func (d *DeviceConfig) validate(path string) error {
	if !deviceTypes[d.Type] {
		return fmt.Errorf("vmm: %s.type: unknown device type %q", path, d.Type)
	}
	if d.ID == "" {
		return fmt.Errorf("vmm: %s.id: device needs an id", path)
	}
	switch d.Type {
	case "blk":
		if d.Path == "" {
			return fmt.Errorf("vmm: %s.path: blk device needs an image path", path)
		}
	case "fs":
		if d.Path == "" {
			return fmt.Errorf("vmm: %s.path: fs device needs a host directory", path)
		}
	case "net":
		if d.MAC != "" {
			if _, err := net.ParseMAC(d.MAC); err != nil {
				return fmt.Errorf("vmm: %s.mac: %w", path, err)
			}
		}
		for name, addr := range d.Hosts {
			ip := net.ParseIP(addr)
			if ip == nil || ip.To4() == nil {
				return fmt.Errorf("vmm: %s.hosts: %q maps to %q, want an IPv4 address", path, name, addr)
			}
		}
		if d.Tap != "" && (d.DHCP || d.DNS || len(d.Hosts) > 0 || len(d.Forwards) > 0) {
			return fmt.Errorf("vmm: %s: tap attachment does not carry user-mode network services", path)
		}
	case "vhost-blk":
		if d.Socket == "" {
			return fmt.Errorf("vmm: %s.socket: vhost device needs a backend socket", path)
		}
		if d.DisconnectPolicy != "" {
			if _, err := vhost.ParseDisconnectPolicy(d.DisconnectPolicy); err != nil {
				return fmt.Errorf("vmm: %s.disconnect_policy: %w", path, err)
			}
		}
	}
	return nil
}

// MemoryBytes returns the configured RAM size in bytes.
func (c Config) MemoryBytes() uint64 { return c.MemoryMiB << 20 }
