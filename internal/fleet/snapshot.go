package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/powerhive/minerctl/pkg/miner"
)

// Snapshot is every reading of one device at one point in time. The expr
// tags name the fields available to --where filters.
type Snapshot struct {
	Host        string    `json:"host" expr:"host"`
	Port        int       `json:"port" expr:"port"`
	Vendor      string    `json:"vendor" expr:"vendor"`
	Model       string    `json:"model,omitempty" expr:"model"`
	Hashrate    float64   `json:"hashrate_ths" expr:"hashrate"`
	Nameplate   float64   `json:"nameplate_ths" expr:"nameplate"`
	Performance float64   `json:"performance_pct" expr:"performance"`
	Power       float64   `json:"power_w" expr:"power"`
	Efficiency  float64   `json:"efficiency_jth" expr:"efficiency"`
	Temperature float64   `json:"temperature_c" expr:"temperature"`
	Fans        []int     `json:"fans_rpm,omitempty" expr:"fans"`
	Sleeping    bool      `json:"sleeping" expr:"sleeping"`
	MAC         string    `json:"mac,omitempty" expr:"mac"`
	Errors      []string  `json:"errors,omitempty" expr:"errors"`
	Warnings    []string  `json:"warnings,omitempty" expr:"warnings"`
	CollectedAt time.Time `json:"collected_at" expr:"collected_at"`
}

// Identity builds a snapshot holding only what detection knows.
func Identity(h miner.Handle, model string) *Snapshot {
	return &Snapshot{Host: h.Host, Port: h.Port, Vendor: string(h.Vendor), Model: model, CollectedAt: time.Now()}
}

// Collect reads everything the device offers. Only a failed hashrate read
// fails the collection; other failures become warnings. Readings the vendor
// does not support are left at their zero value.
func Collect(ctx context.Context, m miner.Miner) (*Snapshot, error) {
	snap := Identity(m.Handle(), "")

	hashrate, err := m.Hashrate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read hashrate: %w", err)
	}
	snap.Hashrate = hashrate

	var errs error
	read := func(name string, fn func() error) {
		if err := fn(); err != nil && !errors.Is(err, miner.ErrNotSupported) {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	read("model", func() (err error) { snap.Model, err = m.Model(ctx); return })
	read("nameplate", func() (err error) { snap.Nameplate, err = m.NameplateRate(ctx); return })
	read("power", func() (err error) { snap.Power, err = m.Power(ctx); return })
	read("efficiency", func() (err error) { snap.Efficiency, err = m.Efficiency(ctx); return })
	read("temperature", func() (err error) { snap.Temperature, err = m.Temperature(ctx); return })
	read("fans", func() (err error) { snap.Fans, err = m.FanSpeeds(ctx); return })
	read("sleep", func() (err error) { snap.Sleeping, err = m.Sleep(ctx); return })
	read("mac", func() (err error) { snap.MAC, err = m.MAC(ctx); return })
	read("errors", func() (err error) { snap.Errors, err = m.Errors(ctx); return })

	if snap.Nameplate > 0 {
		snap.Performance = snap.Hashrate / snap.Nameplate * 100
	}
	for _, err := range multierr.Errors(errs) {
		snap.Warnings = append(snap.Warnings, err.Error())
	}
	return snap, nil
}
