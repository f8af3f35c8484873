package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhive/minerctl/internal/config"
	"github.com/powerhive/minerctl/pkg/detect"
	"github.com/powerhive/minerctl/pkg/inventory"
	"github.com/powerhive/minerctl/pkg/miner"
	"github.com/powerhive/minerctl/pkg/transport"
)

const avalonStats = `{"STATUS":[{"STATUS":"S","When":1700000000,"Code":70,"Msg":"CGMiner stats","Description":"cgminer 4.11.1"}],"STATS":[{"STATS":0,"ID":"AVA100","Elapsed":3600,"MM ID0":"Ver[1246-81] Temp[31]"}],"id":1}`

// fakeMiner returns fixed readings and records credentials.
type fakeMiner struct {
	handle   miner.Handle
	hashrate float64
	hashErr  error
	tempErr  error
	authErr  error

	mu       sync.Mutex
	password string
}

var _ miner.Miner = (*fakeMiner)(nil)

func (f *fakeMiner) Handle() miner.Handle                           { return f.handle }
func (f *fakeMiner) Model(context.Context) (string, error)          { return "1246", nil }
func (f *fakeMiner) Reboot(context.Context) error                   { return nil }
func (f *fakeMiner) NameplateRate(context.Context) (float64, error) { return 100, nil }
func (f *fakeMiner) Power(context.Context) (float64, error)         { return 3400, nil }
func (f *fakeMiner) Efficiency(context.Context) (float64, error) {
	return 34, nil
}
func (f *fakeMiner) FanSpeeds(context.Context) ([]int, error)     { return []int{4000, 4100}, nil }
func (f *fakeMiner) Pools(context.Context) ([]miner.Pool, error)  { return nil, nil }
func (f *fakeMiner) SetPools(context.Context, []miner.Pool) error { return nil }
func (f *fakeMiner) Sleep(context.Context) (bool, error)          { return false, nil }
func (f *fakeMiner) SetSleep(context.Context, bool) error         { return nil }
func (f *fakeMiner) Blink(context.Context) (bool, error)          { return false, miner.ErrNotSupported }
func (f *fakeMiner) SetBlink(context.Context, bool) error         { return miner.ErrNotSupported }
func (f *fakeMiner) Logs(context.Context) ([]string, error)       { return nil, nil }
func (f *fakeMiner) MAC(context.Context) (string, error)          { return "aa:bb:cc:dd:ee:ff", nil }
func (f *fakeMiner) DNS(context.Context) ([]string, error)        { return nil, miner.ErrNotSupported }
func (f *fakeMiner) Errors(context.Context) ([]string, error)     { return []string{"Fan 1 failed"}, nil }

func (f *fakeMiner) Authenticate(_ context.Context, _, password string) error {
	if f.authErr != nil {
		return f.authErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.password = password
	return nil
}

func (f *fakeMiner) Hashrate(context.Context) (float64, error) {
	return f.hashrate, f.hashErr
}

func (f *fakeMiner) Temperature(context.Context) (float64, error) {
	return 65, f.tempErr
}

type harness struct {
	mu     sync.Mutex
	built  map[string]*fakeMiner
	tweak  func(*fakeMiner)
	store  *inventory.Store
	manage *Manager
}

func newHarness(t *testing.T, fleet *config.Fleet, opts ...Option) *harness {
	t.Helper()
	h := &harness{built: map[string]*fakeMiner{}}

	tc, err := transport.New()
	require.NoError(t, err)

	factory := func(handle miner.Handle, _ *transport.Client) miner.Miner {
		f := &fakeMiner{handle: handle, hashrate: 95}
		if h.tweak != nil {
			h.tweak(f)
		}
		h.mu.Lock()
		h.built[handle.Host] = f
		h.mu.Unlock()
		return f
	}
	d := detect.NewDispatcher(tc, detect.WithFactories(map[miner.Vendor]detect.Factory{
		miner.VendorAntminer: factory,
		miner.VendorAvalon:   factory,
	}))

	h.store, err = inventory.Open(filepath.Join(t.TempDir(), "minerctl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.store.Close() })

	opts = append([]Option{WithFleet(fleet), WithStore(h.store)}, opts...)
	h.manage = NewManager(d, opts...)
	return h
}

func (h *harness) miner(host string) *fakeMiner {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.built[host]
}

// serveSocket answers every socket connection with reply.
func serveSocket(t *testing.T, reply string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				var cmd map[string]any
				if json.NewDecoder(conn).Decode(&cmd) == nil {
					_, _ = io.WriteString(conn, reply+"\x00")
				}
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestResolveUsesFleetVendor(t *testing.T) {
	fleet := &config.Fleet{Hosts: []config.FleetHost{{Host: "10.0.0.1", Vendor: "antminer"}}}
	h := newHarness(t, fleet)

	handle, err := h.manage.Resolve(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, miner.Handle{Host: "10.0.0.1", Port: miner.DefaultPort, Vendor: miner.VendorAntminer}, handle)
}

func TestResolveDetectsAndRemembers(t *testing.T) {
	port := serveSocket(t, avalonStats)
	fleet := &config.Fleet{Hosts: []config.FleetHost{{Host: "127.0.0.1", Port: port}}}
	h := newHarness(t, fleet)
	ctx := context.Background()

	handle, err := h.manage.Resolve(ctx, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, miner.VendorAvalon, handle.Vendor)

	d, err := h.store.GetDevice(ctx, "127.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, handle, d.Handle())
	assert.True(t, d.IsOnline)

	// Without the fleet entry the inventory answers.
	h.manage.fleet = nil
	again, err := h.manage.Resolve(ctx, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, handle, again)
}

func TestOpenAuthenticatesWithFleetCredentials(t *testing.T) {
	fleet := &config.Fleet{
		Defaults: config.Credentials{Username: "root", Password: "fleet"},
		Hosts: []config.FleetHost{
			{Host: "10.0.0.1", Vendor: "antminer"},
			{Host: "10.0.0.2", Vendor: "antminer", Password: "own"},
		},
	}
	h := newHarness(t, fleet, WithCredentials("env", "env"))
	ctx := context.Background()

	_, err := h.manage.Open(ctx, "10.0.0.1")
	require.NoError(t, err)
	_, err = h.manage.Open(ctx, "10.0.0.2")
	require.NoError(t, err)

	assert.Equal(t, "fleet", h.miner("10.0.0.1").password)
	assert.Equal(t, "own", h.miner("10.0.0.2").password)
}

func TestForEachCollectsPerHostErrors(t *testing.T) {
	fleet := &config.Fleet{Hosts: []config.FleetHost{
		{Host: "10.0.0.1", Vendor: "antminer"},
		{Host: "10.0.0.2", Vendor: "antminer"},
	}}
	h := newHarness(t, fleet, WithCredentials("root", "root"))
	h.tweak = func(f *fakeMiner) {
		if f.handle.Host == "10.0.0.2" {
			f.authErr = miner.ErrUnauthorized
		}
	}

	var (
		mu   sync.Mutex
		seen []string
	)
	err := h.manage.ForEach(context.Background(), []string{"10.0.0.1", "10.0.0.2"}, func(_ context.Context, m miner.Miner) error {
		mu.Lock()
		seen = append(seen, m.Handle().Host)
		mu.Unlock()
		return nil
	})
	assert.Equal(t, []string{"10.0.0.1"}, seen)
	require.Error(t, err)
	assert.ErrorIs(t, err, miner.ErrUnauthorized)
	assert.Contains(t, err.Error(), "10.0.0.2: ")
}

func TestStatusRecordsAndFilters(t *testing.T) {
	fleet := &config.Fleet{Hosts: []config.FleetHost{
		{Host: "10.0.0.2", Vendor: "antminer"},
		{Host: "10.0.0.1", Vendor: "avalon"},
		{Host: "10.0.0.3", Vendor: "antminer"},
	}}
	h := newHarness(t, fleet)
	h.tweak = func(f *fakeMiner) {
		switch f.handle.Host {
		case "10.0.0.1":
			f.hashrate = 50
			f.tempErr = errors.New("sensor offline")
		case "10.0.0.3":
			f.hashErr = miner.ErrTimeout
		}
	}
	ctx := context.Background()

	keep, err := CompileFilter(`vendor == "antminer" || hashrate < 60`)
	require.NoError(t, err)

	snaps, err := h.manage.Status(ctx, h.manage.Hosts(), keep)
	assert.ErrorIs(t, err, miner.ErrTimeout)
	require.Len(t, snaps, 2)
	assert.Equal(t, "10.0.0.1", snaps[0].Host)
	assert.Equal(t, "10.0.0.2", snaps[1].Host)

	assert.Equal(t, []string{"temperature: sensor offline"}, snaps[0].Warnings)
	assert.Equal(t, 50.0, snaps[0].Performance)
	assert.Equal(t, []string{"Fan 1 failed"}, snaps[1].Errors)

	d, err := h.store.GetDevice(ctx, "10.0.0.2")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "1246", d.Model)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", d.MACAddress)

	r, err := h.store.LatestReading(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 95.0, r.HashrateTHs)
	assert.Equal(t, 3400.0, r.PowerW)

	d, err = h.store.GetDevice(ctx, "10.0.0.3")
	require.NoError(t, err)
	assert.Nil(t, d, "failed collections are not recorded")
}
