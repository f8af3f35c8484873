package detect

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/powerhive/minerctl/internal/netutil"
	"github.com/powerhive/minerctl/pkg/miner"
)

// Discovered is one identified host.
type Discovered struct {
	Handle       miner.Handle
	Miner        miner.Miner
	DiscoveredAt time.Time
}

// ScanResult contains the results of a network scan.
type ScanResult struct {
	// Miners is the list of identified miners, ordered by host.
	Miners []Discovered

	// Errors contains detection failures keyed by host.
	Errors map[string]error

	// Duration is how long the scan took.
	Duration time.Duration

	// ScannedHosts is the number of hosts that were scanned.
	ScannedHosts int

	// ResponsiveHosts is the number of hosts that passed the port check.
	ResponsiveHosts int
}

// ScanOptions configures network scanning behavior.
type ScanOptions struct {
	// Concurrency is the maximum number of concurrent detections (default: 50).
	Concurrency int

	// Port is the socket API port (default: miner.DefaultPort).
	Port int

	// PortCheck dials Port before detection and skips hosts that refuse it.
	// Miners whose socket API is down are then missed.
	PortCheck bool

	// PortTimeout bounds each port check (default: 2s).
	PortTimeout time.Duration
}

// DefaultScanOptions returns the default scan options.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		Concurrency: 50,
		Port:        miner.DefaultPort,
		PortTimeout: 2 * time.Second,
	}
}

// Scanner runs detection over many hosts.
type Scanner struct {
	dispatcher *Dispatcher
	opts       ScanOptions
	logger     *zap.Logger
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithConcurrency sets the maximum concurrent detections.
func WithConcurrency(concurrency int) ScannerOption {
	return func(s *Scanner) {
		s.opts.Concurrency = concurrency
	}
}

// WithPort sets the socket API port.
func WithPort(port int) ScannerOption {
	return func(s *Scanner) {
		s.opts.Port = port
	}
}

// WithPortCheck enables the TCP pre-filter.
func WithPortCheck(timeout time.Duration) ScannerOption {
	return func(s *Scanner) {
		s.opts.PortCheck = true
		if timeout > 0 {
			s.opts.PortTimeout = timeout
		}
	}
}

// NewScanner creates a scanner that detects through d.
func NewScanner(d *Dispatcher, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		dispatcher: d,
		opts:       DefaultScanOptions(),
		logger:     d.logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.opts.Concurrency < 1 {
		s.opts.Concurrency = 1
	}

	return s
}

// Scan expands targets (CIDR blocks, "start-end" ranges or hosts) and
// detects every host.
func (s *Scanner) Scan(ctx context.Context, targets ...string) (*ScanResult, error) {
	hosts, err := netutil.ParseTargets(targets)
	if err != nil {
		return nil, err
	}
	return s.ScanHosts(ctx, hosts)
}

// ScanHosts detects the given hosts.
func (s *Scanner) ScanHosts(ctx context.Context, hosts []string) (*ScanResult, error) {
	start := time.Now()

	result := &ScanResult{
		Errors:       make(map[string]error),
		ScannedHosts: len(hosts),
	}

	responsive := hosts
	if s.opts.PortCheck {
		ps := netutil.NewPortScanner(
			netutil.WithScanTimeout(s.opts.PortTimeout),
			netutil.WithScanConcurrency(s.opts.Concurrency),
		)
		responsive = ps.ScanHosts(ctx, hosts, s.opts.Port)
	}
	result.ResponsiveHosts = len(responsive)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.opts.Concurrency)

	for _, host := range responsive {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			m, err := s.dispatcher.Detect(ctx, host, s.opts.Port)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[host] = err
				return nil
			}
			result.Miners = append(result.Miners, Discovered{
				Handle:       m.Handle(),
				Miner:        m,
				DiscoveredAt: time.Now(),
			})
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Miners, func(i, j int) bool {
		return result.Miners[i].Handle.Host < result.Miners[j].Handle.Host
	})
	result.Duration = time.Since(start)

	s.logger.Debug("scan finished",
		zap.Int("scanned", result.ScannedHosts),
		zap.Int("responsive", result.ResponsiveHosts),
		zap.Int("miners", len(result.Miners)),
		zap.Duration("duration", result.Duration))

	return result, ctx.Err()
}
