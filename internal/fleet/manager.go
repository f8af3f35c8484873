// Package fleet resolves hosts to authenticated miner clients and runs
// operations across many of them.
package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/powerhive/minerctl/internal/config"
	"github.com/powerhive/minerctl/pkg/detect"
	"github.com/powerhive/minerctl/pkg/inventory"
	"github.com/powerhive/minerctl/pkg/miner"
)

// Manager resolves hosts using, in order, the fleet file, the inventory and
// live detection.
type Manager struct {
	dispatcher  *detect.Dispatcher
	fleet       *config.Fleet
	store       *inventory.Store
	defaults    config.Credentials
	concurrency int
	logger      *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithFleet sets the fleet file contents.
func WithFleet(f *config.Fleet) Option {
	return func(m *Manager) {
		m.fleet = f
	}
}

// WithStore enables the inventory.
func WithStore(s *inventory.Store) Option {
	return func(m *Manager) {
		m.store = s
	}
}

// WithCredentials sets the credentials used when the fleet file has none.
func WithCredentials(username, password string) Option {
	return func(m *Manager) {
		m.defaults = config.Credentials{Username: username, Password: password}
	}
}

// WithConcurrency bounds the number of hosts handled at once.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager.
func NewManager(d *detect.Dispatcher, opts ...Option) *Manager {
	m := &Manager{
		dispatcher:  d,
		concurrency: 50,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the inventory, or nil.
func (m *Manager) Store() *inventory.Store {
	return m.store
}

// Hosts returns the hosts named in the fleet file.
func (m *Manager) Hosts() []string {
	return m.fleet.Addresses()
}

// Resolve returns the handle for host without touching the network when
// the fleet file or the inventory already knows its vendor.
func (m *Manager) Resolve(ctx context.Context, host string) (miner.Handle, error) {
	port := miner.DefaultPort
	if entry, ok := m.fleet.Lookup(host); ok {
		h := entry.Handle()
		if h.Vendor != miner.VendorUnknown {
			return h, nil
		}
		port = h.Port
	}

	if m.store != nil {
		d, err := m.store.GetDevice(ctx, host)
		if err != nil {
			return miner.Handle{}, err
		}
		if d != nil && d.Vendor != miner.VendorUnknown {
			return d.Handle(), nil
		}
	}

	return m.Detect(ctx, host, port)
}

// Detect always probes host and records the result in the inventory.
func (m *Manager) Detect(ctx context.Context, host string, port int) (miner.Handle, error) {
	h, err := m.dispatcher.DetectHandle(ctx, host, port)
	if err != nil {
		m.markOffline(ctx, host)
		return miner.Handle{}, err
	}
	m.Remember(ctx, h, "", "")
	return h, nil
}

// Remember records h in the inventory. Empty model and mac keep the stored
// values. Inventory failures are logged, not returned.
func (m *Manager) Remember(ctx context.Context, h miner.Handle, model, mac string) *inventory.Device {
	if m.store == nil {
		return nil
	}
	d := &inventory.Device{Host: h.Host, Port: h.Port, Vendor: h.Vendor, Model: model, MACAddress: mac}
	if err := m.store.UpsertDevice(ctx, d); err != nil {
		m.logger.Warn("failed to record device", zap.String("host", h.Host), zap.Error(err))
		return nil
	}
	return d
}

func (m *Manager) markOffline(ctx context.Context, host string) {
	if m.store == nil {
		return
	}
	if err := m.store.SetOnline(ctx, host, false); err != nil {
		m.logger.Warn("failed to mark device offline", zap.String("host", host), zap.Error(err))
	}
}

// Open resolves host, builds its client and authenticates when a password
// is known.
func (m *Manager) Open(ctx context.Context, host string) (miner.Miner, error) {
	h, err := m.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	client, err := m.dispatcher.Build(h)
	if err != nil {
		return nil, err
	}

	creds := m.fleet.CredentialsFor(host, m.defaults)
	if creds.Password == "" {
		return client, nil
	}
	if err := client.Authenticate(ctx, creds.Username, creds.Password); err != nil {
		if miner.IsConnectionError(err) {
			m.markOffline(ctx, host)
		}
		return nil, err
	}
	return client, nil
}

// ForEach opens every host and runs fn on it with bounded concurrency.
// Failures are collected per host and returned together.
func (m *Manager) ForEach(ctx context.Context, hosts []string, fn func(context.Context, miner.Miner) error) error {
	var (
		mu   sync.Mutex
		errs error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, host := range hosts {
		g.Go(func() error {
			err := m.run(gctx, host, fn)
			if err != nil {
				m.logger.Debug("host failed", zap.String("host", host), zap.Error(err))
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", host, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return multierr.Append(errs, err)
	}
	return errs
}

func (m *Manager) run(ctx context.Context, host string, fn func(context.Context, miner.Miner) error) error {
	client, err := m.Open(ctx, host)
	if err != nil {
		return err
	}
	return fn(ctx, client)
}

// Status collects a snapshot from every host, records it in the inventory
// and keeps the ones accepted by keep (nil keeps all). Snapshots are ordered
// by host.
func (m *Manager) Status(ctx context.Context, hosts []string, keep Filter) ([]*Snapshot, error) {
	var (
		mu        sync.Mutex
		snapshots []*Snapshot
	)

	err := m.ForEach(ctx, hosts, func(ctx context.Context, client miner.Miner) error {
		snap, err := Collect(ctx, client)
		if err != nil {
			return err
		}
		m.record(ctx, client.Handle(), snap)
		if keep != nil && !keep(snap) {
			return nil
		}
		mu.Lock()
		snapshots = append(snapshots, snap)
		mu.Unlock()
		return nil
	})

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Host < snapshots[j].Host })
	return snapshots, err
}

func (m *Manager) record(ctx context.Context, h miner.Handle, snap *Snapshot) {
	d := m.Remember(ctx, h, snap.Model, snap.MAC)
	if d == nil {
		return
	}
	r := &inventory.Reading{
		DeviceID:      d.ID,
		HashrateTHs:   snap.Hashrate,
		PowerW:        snap.Power,
		EfficiencyJTH: snap.Efficiency,
		TemperatureC:  snap.Temperature,
		Sleeping:      snap.Sleeping,
		RecordedAt:    snap.CollectedAt,
	}
	if err := m.store.RecordReading(ctx, r); err != nil {
		m.logger.Warn("failed to record reading", zap.String("host", h.Host), zap.Error(err))
	}
}
