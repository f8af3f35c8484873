package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/powerhive/minerctl/pkg/miner"
)

// ErrUnsupportedFleetFormat is returned for fleet files that are neither
// YAML nor TOML.
var ErrUnsupportedFleetFormat = errors.New("unsupported fleet file format")

// Credentials for one device. Empty fields fall back to the defaults.
type Credentials struct {
	Username string `yaml:"username,omitempty" toml:"username,omitempty"`
	Password string `yaml:"password,omitempty" toml:"password,omitempty"`
}

// FleetHost is one known device. Vendor may be empty, in which case the
// device is detected on first use.
type FleetHost struct {
	Host     string       `yaml:"host" toml:"host"`
	Port     int          `yaml:"port,omitempty" toml:"port,omitempty"`
	Vendor   string       `yaml:"vendor,omitempty" toml:"vendor,omitempty"`
	Name     string       `yaml:"name,omitempty" toml:"name,omitempty"`
	Username string       `yaml:"username,omitempty" toml:"username,omitempty"`
	Password string       `yaml:"password,omitempty" toml:"password,omitempty"`
	Pools    []miner.Pool `yaml:"pools,omitempty" toml:"pools,omitempty"`
}

// Handle returns the device identity. The vendor is VendorUnknown when the
// file does not name a supported one.
func (h FleetHost) Handle() miner.Handle {
	port := h.Port
	if port == 0 {
		port = miner.DefaultPort
	}
	return miner.Handle{Host: h.Host, Port: port, Vendor: miner.ParseVendor(strings.ToLower(h.Vendor))}
}

// Fleet is the parsed fleet file.
type Fleet struct {
	Defaults Credentials `yaml:"defaults" toml:"defaults"`
	Hosts    []FleetHost `yaml:"hosts" toml:"hosts"`
}

// LoadFleet reads a fleet file, choosing the decoder by extension.
func LoadFleet(path string) (*Fleet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fleet file: %w", err)
	}
	return ParseFleet(data, filepath.Ext(path))
}

// ParseFleet decodes a fleet document. ext is ".yaml", ".yml" or ".toml".
func ParseFleet(data []byte, ext string) (*Fleet, error) {
	var fleet Fleet
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fleet); err != nil {
			return nil, fmt.Errorf("failed to parse fleet file: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &fleet); err != nil {
			return nil, fmt.Errorf("failed to parse fleet file: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFleetFormat, ext)
	}

	seen := make(map[string]bool, len(fleet.Hosts))
	for i, h := range fleet.Hosts {
		host := strings.TrimSpace(h.Host)
		if host == "" {
			return nil, fmt.Errorf("fleet host %d has no address", i)
		}
		if seen[host] {
			return nil, fmt.Errorf("fleet host %s listed twice", host)
		}
		seen[host] = true
		fleet.Hosts[i].Host = host
	}
	return &fleet, nil
}

// Lookup returns the entry for host.
func (f *Fleet) Lookup(host string) (FleetHost, bool) {
	if f == nil {
		return FleetHost{}, false
	}
	for _, h := range f.Hosts {
		if h.Host == host {
			return h, true
		}
	}
	return FleetHost{}, false
}

// Addresses returns every host in file order.
func (f *Fleet) Addresses() []string {
	if f == nil {
		return nil
	}
	out := make([]string, len(f.Hosts))
	for i, h := range f.Hosts {
		out[i] = h.Host
	}
	return out
}

// CredentialsFor resolves credentials for host: the host entry first, then
// the fleet defaults, then fallback.
func (f *Fleet) CredentialsFor(host string, fallback Credentials) Credentials {
	out := fallback
	if f == nil {
		return out
	}
	if f.Defaults.Username != "" {
		out.Username = f.Defaults.Username
	}
	if f.Defaults.Password != "" {
		out.Password = f.Defaults.Password
	}
	if h, ok := f.Lookup(host); ok {
		if h.Username != "" {
			out.Username = h.Username
		}
		if h.Password != "" {
			out.Password = h.Password
		}
	}
	return out
}
