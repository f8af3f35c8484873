// Package inventory persists detected devices and their last status reading
// in SQLite so later commands can skip detection.
package inventory

import (
	"time"

	"github.com/powerhive/minerctl/pkg/miner"
)

// Device is the last known identity of a host.
type Device struct {
	ID         int64        `json:"id"`
	Host       string       `json:"host"`
	Port       int          `json:"port"`
	Vendor     miner.Vendor `json:"vendor"`
	Model      string       `json:"model,omitempty"`
	MACAddress string       `json:"mac_address,omitempty"`
	IsOnline   bool         `json:"is_online"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	LastSeenAt time.Time    `json:"last_seen_at"`
}

// Handle returns the handle to rebuild a client without detection.
func (d *Device) Handle() miner.Handle {
	return miner.Handle{Host: d.Host, Port: d.Port, Vendor: d.Vendor}
}

// Reading is one status snapshot.
type Reading struct {
	ID            int64     `json:"-"`
	DeviceID      int64     `json:"-"`
	HashrateTHs   float64   `json:"hashrate_ths"`
	PowerW        float64   `json:"power_w"`
	EfficiencyJTH float64   `json:"efficiency_jth"`
	TemperatureC  float64   `json:"temperature_c"`
	Sleeping      bool      `json:"sleeping"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Filter narrows ListDevices.
type Filter struct {
	Vendor     miner.Vendor // empty means all
	OnlineOnly bool
}
