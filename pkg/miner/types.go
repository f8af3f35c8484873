package miner

import (
	"net"
	"strconv"
)

// DefaultPort is the cgminer-style socket API port used by every vendor.
const DefaultPort = 4028

// Vendor identifies a manufacturer or firmware family.
type Vendor string

const (
	VendorAntminer   Vendor = "antminer"
	VendorWhatsminer Vendor = "whatsminer"
	VendorAvalon     Vendor = "avalon"
	VendorMinerva    Vendor = "minerva"
	VendorMinera     Vendor = "minera"
	VendorVNish      Vendor = "vnish"
	VendorUnknown    Vendor = "unknown"
)

// Vendors lists every supported vendor in detection priority order.
var Vendors = []Vendor{
	VendorAntminer,
	VendorVNish,
	VendorWhatsminer,
	VendorAvalon,
	VendorMinerva,
	VendorMinera,
}

// ParseVendor returns the vendor for name, or VendorUnknown.
func ParseVendor(name string) Vendor {
	for _, v := range Vendors {
		if string(v) == name {
			return v
		}
	}
	return VendorUnknown
}

// Handle identifies one physical miner.
type Handle struct {
	Host   string
	Port   int
	Vendor Vendor
}

// Addr returns host:port of the socket API.
func (h Handle) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

func (h Handle) String() string {
	return string(h.Vendor) + "@" + h.Addr()
}

// Pool is one upstream mining pool. Position in a slice is its priority.
type Pool struct {
	URL      string  `json:"url" yaml:"url" toml:"url"`
	Username string  `json:"username" yaml:"username" toml:"username"`
	Password *string `json:"password,omitempty" yaml:"password,omitempty" toml:"password,omitempty"`
}

// NewPool is a shorthand for a pool with a password.
func NewPool(url, username, password string) Pool {
	return Pool{URL: url, Username: username, Password: &password}
}

// PasswordOrEmpty returns the password or "" when unset.
func (p Pool) PasswordOrEmpty() string {
	if p.Password == nil {
		return ""
	}
	return *p.Password
}
