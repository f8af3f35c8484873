// Package transport owns the shared HTTP client and the raw socket
// primitives used to talk to miners.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/powerhive/minerctl/pkg/miner"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	UserAgent             = "minerctl/0.1"
)

// Client is shared by every device handle derived from it. Its HTTP
// connection pool and cookie jar are safe for concurrent use.
type Client struct {
	connectTimeout time.Duration
	requestTimeout time.Duration
	logger         *zap.Logger

	dialer *net.Dialer
	http   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithConnectTimeout bounds TCP connection establishment.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.connectTimeout = timeout
	}
}

// WithRequestTimeout bounds a whole request/response exchange.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithLogger sets the logger for debug output.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Client.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		connectTimeout: DefaultConnectTimeout,
		requestTimeout: DefaultRequestTimeout,
		logger:         zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	c.dialer = &net.Dialer{Timeout: c.connectTimeout}
	c.http = &http.Client{
		Timeout: c.requestTimeout,
		Jar:     jar,
		Transport: &userAgentTransport{base: &http.Transport{
			Proxy:       http.ProxyFromEnvironment,
			DialContext: c.dialContext,
			// Miner web UIs ship self-signed certificates.
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
		}},
	}

	return c, nil
}

// HTTP returns the shared HTTP client.
func (c *Client) HTTP() *http.Client {
	return c.http
}

// HTTPWith returns a client that shares the pool, jar and timeout of the
// shared client but routes requests through wrap.
func (c *Client) HTTPWith(wrap func(http.RoundTripper) http.RoundTripper) *http.Client {
	return &http.Client{
		Timeout:   c.http.Timeout,
		Jar:       c.http.Jar,
		Transport: wrap(c.http.Transport),
	}
}

// Logger returns the client's logger.
func (c *Client) Logger() *zap.Logger {
	return c.logger
}

// RequestTimeout returns the configured end-to-end timeout.
func (c *Client) RequestTimeout() time.Duration {
	return c.requestTimeout
}

func (c *Client) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

// Do sends an HTTP request with hc and maps transport failures onto the
// miner error taxonomy. The response is returned for any status code.
func Do(hc *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, Classify(err)
	}
	return resp, nil
}

// Classify wraps a network error with ErrTimeout, ErrConnectionRefused or
// ErrRequestFailed.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, miner.ErrTimeout) || errors.Is(err, miner.ErrConnectionRefused) || errors.Is(err, miner.ErrRequestFailed) {
		return err
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w", miner.ErrTimeout, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %w", miner.ErrConnectionRefused, err)
	default:
		return fmt.Errorf("%w: %w", miner.ErrRequestFailed, err)
	}
}

type userAgentTransport struct {
	base http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", UserAgent)
	}
	return t.base.RoundTrip(req)
}
