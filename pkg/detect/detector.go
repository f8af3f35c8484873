// Package detect identifies the vendor behind an address and builds the
// matching miner.Miner.
package detect

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/powerhive/minerctl/pkg/antminer"
	"github.com/powerhive/minerctl/pkg/avalon"
	"github.com/powerhive/minerctl/pkg/cgminer"
	"github.com/powerhive/minerctl/pkg/miner"
	"github.com/powerhive/minerctl/pkg/minerva"
	"github.com/powerhive/minerctl/pkg/transport"
	"github.com/powerhive/minerctl/pkg/vnish"
	"github.com/powerhive/minerctl/pkg/whatsminer"
)

// Factory builds the client for a detected vendor.
type Factory func(h miner.Handle, tc *transport.Client) miner.Miner

// DefaultFactories maps every supported vendor to its client.
var DefaultFactories = map[miner.Vendor]Factory{
	miner.VendorAntminer: func(h miner.Handle, tc *transport.Client) miner.Miner {
		return antminer.New(h, tc)
	},
	miner.VendorVNish: func(h miner.Handle, tc *transport.Client) miner.Miner {
		return vnish.New(h, tc)
	},
	miner.VendorWhatsminer: func(h miner.Handle, tc *transport.Client) miner.Miner {
		return whatsminer.New(h, tc)
	},
	miner.VendorAvalon: func(h miner.Handle, tc *transport.Client) miner.Miner {
		return avalon.New(h, tc)
	},
	miner.VendorMinerva: func(h miner.Handle, tc *transport.Client) miner.Miner {
		return minerva.New(h, tc)
	},
	miner.VendorMinera: func(h miner.Handle, tc *transport.Client) miner.Miner {
		return minerva.NewMinera(h, tc)
	},
}

var (
	digestChallenge = regexp.MustCompile(`^[Dd]igest`)
	minervaTitle    = regexp.MustCompile(`Minerva(.|\n)+umi`)
	whatsminerTitle = regexp.MustCompile(`<title>WhatsMiner`)
)

// Dispatcher probes hosts and builds clients through its factory table.
// Detection never sends credentials.
type Dispatcher struct {
	transport *transport.Client
	factories map[miner.Vendor]Factory
	logger    *zap.Logger

	httpRoot  func(host string) string
	httpsRoot func(host string) string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithFactories replaces the vendor factory table.
func WithFactories(factories map[miner.Vendor]Factory) Option {
	return func(d *Dispatcher) {
		d.factories = factories
	}
}

// WithHTTPRoots sends the HTTP probes to fixed roots instead of
// http://host and https://host.
func WithHTTPRoots(httpRoot, httpsRoot string) Option {
	return func(d *Dispatcher) {
		d.httpRoot = func(string) string { return strings.TrimSuffix(httpRoot, "/") }
		d.httpsRoot = func(string) string { return strings.TrimSuffix(httpsRoot, "/") }
	}
}

// NewDispatcher creates a Dispatcher on top of tc.
func NewDispatcher(tc *transport.Client, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport: tc,
		factories: DefaultFactories,
		logger:    tc.Logger().Named("detect"),
		httpRoot:  func(host string) string { return "http://" + host },
		httpsRoot: func(host string) string { return "https://" + host },
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Detect identifies the miner at host and returns its client. Port 0 means
// miner.DefaultPort.
func (d *Dispatcher) Detect(ctx context.Context, host string, port int) (miner.Miner, error) {
	h, err := d.DetectHandle(ctx, host, port)
	if err != nil {
		return nil, err
	}
	return d.Build(h)
}

// Build creates the client for a handle whose vendor is already known.
func (d *Dispatcher) Build(h miner.Handle) (miner.Miner, error) {
	if h.Port == 0 {
		h.Port = miner.DefaultPort
	}
	factory, ok := d.factories[h.Vendor]
	if !ok {
		return nil, fmt.Errorf("%w: %s", miner.ErrUnknownMinerType, h.Vendor)
	}
	return factory(h, d.transport), nil
}

// DetectHandle runs the socket probe and, when it does not identify the
// host, the HTTP probe.
func (d *Dispatcher) DetectHandle(ctx context.Context, host string, port int) (miner.Handle, error) {
	if host == "" {
		return miner.Handle{}, miner.ErrNoHost
	}
	if port == 0 {
		port = miner.DefaultPort
	}
	h := miner.Handle{Host: host, Port: port}
	logger := d.logger.With(zap.String("host", host), zap.Int("port", port))

	vendor, err := d.probeSocket(ctx, host, port)
	if err == nil && vendor != miner.VendorUnknown {
		logger.Debug("identified by socket", zap.String("vendor", string(vendor)))
		h.Vendor = vendor
		return h, nil
	}
	if err != nil {
		logger.Debug("socket probe failed", zap.Error(err))
	}

	vendor, err = d.probeHTTP(ctx, host, logger)
	if err != nil {
		return miner.Handle{}, fmt.Errorf("failed to detect %s: %w", host, err)
	}
	logger.Debug("identified by http", zap.String("vendor", string(vendor)))
	h.Vendor = vendor
	return h, nil
}

// probeSocket sends "stats" and classifies the reply. VendorUnknown with a
// nil error means the reply was understood but matched nobody.
func (d *Dispatcher) probeSocket(ctx context.Context, host string, port int) (miner.Vendor, error) {
	resp, err := d.transport.Exec(ctx, host, port, transport.Command{Command: "stats"})
	if err != nil {
		return miner.VendorUnknown, err
	}

	reply, err := cgminer.ParseReply(cgminer.Sanitize(resp))
	if err != nil {
		return miner.VendorUnknown, err
	}

	if reply.Bare != nil {
		st := reply.Bare
		if st.Status == cgminer.StatusError && st.Code == 14 &&
			strings.Contains(strings.ToLower(st.Description), "whatsminer") {
			return miner.VendorWhatsminer, nil
		}
		return miner.VendorUnknown, nil
	}

	if err := cgminer.CheckStatus(miner.VendorUnknown, "stats", reply.Stats.Status); err != nil {
		return miner.VendorUnknown, err
	}

	for _, section := range reply.Stats.Stats {
		switch section.Kind() {
		case cgminer.SectionAntminerVersion:
			return d.antminerVariant(ctx, host), nil
		case cgminer.SectionAvalon:
			return miner.VendorAvalon, nil
		case cgminer.SectionDevice:
			if typ, _ := section.String("Type"); typ == "Minerva" {
				return d.minervaVariant(ctx, host), nil
			}
			return miner.VendorUnknown, nil
		}
	}
	return miner.VendorUnknown, nil
}

// antminerVariant tells VNish apart from stock firmware with one
// unauthenticated request.
func (d *Dispatcher) antminerVariant(ctx context.Context, host string) miner.Vendor {
	if _, err := vnish.Probe(ctx, d.transport.HTTP(), d.httpRoot(host)+"/api/v1"); err == nil {
		return miner.VendorVNish
	}
	return miner.VendorAntminer
}

// minervaVariant asks for the Minera front page: only four-fan units serve it.
func (d *Dispatcher) minervaVariant(ctx context.Context, host string) miner.Vendor {
	resp, err := d.do(ctx, http.MethodGet, d.httpRoot(host)+"/index.php")
	if err != nil {
		return miner.VendorUnknown
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return miner.VendorMinerva
	case http.StatusOK:
		return miner.VendorMinera
	}
	return miner.VendorUnknown
}

// probeHTTP runs the vendor checks in priority order. Only the initial HEAD
// surfaces transport errors; later probes that fail are non-matches.
func (d *Dispatcher) probeHTTP(ctx context.Context, host string, logger *zap.Logger) (miner.Vendor, error) {
	root := d.httpRoot(host)

	resp, err := d.do(ctx, http.MethodHead, root+"/")
	if err != nil {
		return miner.VendorUnknown, err
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && digestChallenge.MatchString(resp.Header.Get("WWW-Authenticate")) {
		return miner.VendorAntminer, nil
	}

	if _, err := vnish.Probe(ctx, d.transport.HTTP(), root+"/api/v1"); err == nil {
		return miner.VendorVNish, nil
	}

	if status, body, err := d.get(ctx, d.httpsRoot(host)+"/"); err == nil && status == http.StatusOK && minervaTitle.Match(body) {
		return miner.VendorMinerva, nil
	}

	if resp, err := d.do(ctx, http.MethodHead, root+"/index.php/app/stats"); err == nil {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return miner.VendorMinera, nil
		}
	}

	if status, body, err := d.get(ctx, root+"/cgi-bin/luci"); err == nil && status == http.StatusForbidden && whatsminerTitle.Match(body) {
		logger.Warn("whatsminer identified by web ui, socket api did not answer")
		return miner.VendorWhatsminer, nil
	}

	return miner.VendorUnknown, miner.ErrUnknownMinerType
}

func (d *Dispatcher) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return transport.Do(d.transport.HTTP(), req)
}

func (d *Dispatcher) get(ctx context.Context, url string) (int, []byte, error) {
	resp, err := d.do(ctx, http.MethodGet, url)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, transport.Classify(err)
	}
	return resp.StatusCode, body, nil
}
