package netutil

import (
	"context"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// PortScanner scans TCP ports on network hosts.
type PortScanner struct {
	timeout     time.Duration
	concurrency int
}

// PortScannerOption configures a PortScanner.
type PortScannerOption func(*PortScanner)

// WithScanTimeout sets the timeout for each port scan attempt.
func WithScanTimeout(timeout time.Duration) PortScannerOption {
	return func(ps *PortScanner) {
		ps.timeout = timeout
	}
}

// WithScanConcurrency sets the maximum number of concurrent scans.
func WithScanConcurrency(concurrency int) PortScannerOption {
	return func(ps *PortScanner) {
		ps.concurrency = concurrency
	}
}

// NewPortScanner creates a new port scanner.
func NewPortScanner(opts ...PortScannerOption) *PortScanner {
	ps := &PortScanner{
		timeout:     2 * time.Second,
		concurrency: 100,
	}

	for _, opt := range opts {
		opt(ps)
	}

	if ps.concurrency < 1 {
		ps.concurrency = 1
	}

	return ps
}

// IsPortOpen checks if a TCP port is open on the given host.
func (ps *PortScanner) IsPortOpen(ctx context.Context, host string, port int) bool {
	dialer := &net.Dialer{
		Timeout: ps.timeout,
	}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ScanHosts scans a list of hosts for an open port and returns hosts with
// the port open, in input order. Hosts not yet dialed when ctx ends are
// reported closed.
func (ps *PortScanner) ScanHosts(ctx context.Context, hosts []string, port int) []string {
	open := make([]bool, len(hosts))

	var g errgroup.Group
	g.SetLimit(ps.concurrency)
	for i, host := range hosts {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			open[i] = ps.IsPortOpen(ctx, host, port)
			return nil
		})
	}
	_ = g.Wait()

	var openHosts []string
	for i, ok := range open {
		if ok {
			openHosts = append(openHosts, hosts[i])
		}
	}
	return openHosts
}
