// Package miner provides the vendor-neutral capability interface for ASIC
// miners together with the shared data shapes, error taxonomy and rating
// table used by every vendor implementation.
package miner

import "context"

// Miner is the uniform capability set implemented once per vendor.
// Units: hashrates are TH/s, power is W, efficiency is J/TH, temperature is °C
// and fan speeds are RPM.
type Miner interface {
	// Handle returns the immutable identity of the device.
	Handle() Handle

	// Model returns the normalized hardware model (e.g. "s19pro", "M30S", "1246").
	Model(ctx context.Context) (string, error)

	// Authenticate stores credentials and verifies them against the device.
	Authenticate(ctx context.Context, username, password string) error

	// Reboot restarts the device.
	Reboot(ctx context.Context) error

	Hashrate(ctx context.Context) (float64, error)
	NameplateRate(ctx context.Context) (float64, error)
	Power(ctx context.Context) (float64, error)
	Efficiency(ctx context.Context) (float64, error)
	Temperature(ctx context.Context) (float64, error)
	FanSpeeds(ctx context.Context) ([]int, error)

	// Pools returns the configured pools ordered by priority.
	Pools(ctx context.Context) ([]Pool, error)
	SetPools(ctx context.Context, pools []Pool) error

	// Sleep reports whether hashing is suspended.
	Sleep(ctx context.Context) (bool, error)
	SetSleep(ctx context.Context, sleep bool) error

	// Blink reports whether the identification LED is flashing.
	Blink(ctx context.Context) (bool, error)
	SetBlink(ctx context.Context, blink bool) error

	Logs(ctx context.Context) ([]string, error)
	MAC(ctx context.Context) (string, error)
	DNS(ctx context.Context) ([]string, error)

	// Errors returns human-readable fault descriptions extracted from the
	// device's logs or error registers.
	Errors(ctx context.Context) ([]string, error)
}
