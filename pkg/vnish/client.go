// Package vnish implements miner.Miner for Antminers running VNish firmware.
package vnish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/powerhive/minerctl/pkg/auth"
	"github.com/powerhive/minerctl/pkg/cache"
	"github.com/powerhive/minerctl/pkg/errclass"
	"github.com/powerhive/minerctl/pkg/miner"
	"github.com/powerhive/minerctl/pkg/transport"
)

// Client talks to the VNish REST API. Reads are open; control endpoints need
// the bearer token from /unlock and some also an x-api-key registered by
// the client itself.
type Client struct {
	handle     miner.Handle
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	bearer     *auth.Bearer

	mu       sync.Mutex
	password string

	keyMu  sync.Mutex
	apiKey string

	info     *cache.Cell[*MinerInfo]
	status   *cache.Cell[*MinerStatus]
	summary  *cache.Cell[*Summary]
	settings *cache.Cell[*Settings]
	logs     *cache.Cell[[]string]
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the http://host/api/v1 endpoint root.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// BaseURL returns the API root for host.
func BaseURL(host string) string {
	return fmt.Sprintf("http://%s/api/v1", host)
}

// New creates a VNish client.
func New(h miner.Handle, tc *transport.Client, opts ...Option) *Client {
	c := &Client{
		handle:     h,
		baseURL:    BaseURL(h.Host),
		httpClient: tc.HTTP(),
		logger:     tc.Logger().With(zap.String("host", h.Host), zap.String("vendor", string(h.Vendor))),
		info:       cache.New[*MinerInfo](),
		status:     cache.New[*MinerStatus](),
		summary:    cache.New[*Summary](),
		settings:   cache.New[*Settings](),
		logs:       cache.New[[]string](),
	}
	c.bearer = auth.NewBearer(c.unlock)

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Handle returns the device handle.
func (c *Client) Handle() miner.Handle {
	return c.handle
}

func (c *Client) invalidateAll() {
	cache.Invalidate(c.info, c.status, c.summary, c.settings, c.logs)
}

// requestOptions configures an HTTP request.
type requestOptions struct {
	method       string
	endpoint     string
	body         any
	result       any
	requiresAuth bool
	requiresKey  bool
	isText       bool // response is plain text, not JSON
}

// request performs an API call. Authenticated calls renew a rejected token
// once; keyed calls also replace a rejected API key once.
func (c *Client) request(ctx context.Context, opts requestOptions) error {
	if !opts.requiresAuth {
		return c.send(ctx, opts, "", "")
	}

	attempt := func() error {
		var key string
		if opts.requiresKey {
			k, err := c.EnsureAPIKey(ctx)
			if err != nil {
				return err
			}
			key = k
		}
		return c.bearer.Do(ctx, func(token string) error {
			return c.send(ctx, opts, token, key)
		})
	}

	err := attempt()
	if opts.requiresKey && errors.Is(err, errKeyRejected) {
		c.logger.Debug("api key rejected, registering a new one", zap.String("endpoint", opts.endpoint))
		c.clearAPIKey()
		err = attempt()
	}
	if errors.Is(err, errKeyRejected) {
		return fmt.Errorf("%w: %w", miner.ErrUnauthorized, err)
	}
	return err
}

func (c *Client) send(ctx context.Context, opts requestOptions, token, key string) error {
	var bodyReader io.Reader
	if opts.body != nil {
		bodyBytes, err := json.Marshal(opts.body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, opts.method, c.baseURL+opts.endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if opts.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if opts.isText {
		req.Header.Set("Accept", "*/*")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if key != "" {
		req.Header.Set("x-api-key", key)
	}

	resp, err := transport.Do(c.httpClient, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return transport.Classify(err)
	}

	if resp.StatusCode >= 400 {
		return statusError(resp.StatusCode, opts.endpoint, bodyBytes, key != "")
	}

	if opts.result == nil {
		return nil
	}
	if opts.isText {
		if strPtr, ok := opts.result.(*string); ok {
			*strPtr = string(bodyBytes)
			return nil
		}
	}
	if len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, opts.result); err != nil {
			return fmt.Errorf("%w: failed to parse %s: %w", miner.ErrInvalidResponse, opts.endpoint, err)
		}
	}
	return nil
}

// GetInfo returns detailed miner information.
func (c *Client) GetInfo(ctx context.Context) (*MinerInfo, error) {
	return c.info.Get(ctx, func(ctx context.Context) (*MinerInfo, error) {
		var result MinerInfo
		err := c.request(ctx, requestOptions{
			method:   http.MethodGet,
			endpoint: "/info",
			result:   &result,
		})
		if err != nil {
			return nil, err
		}
		return &result, nil
	})
}

// GetStatus returns the current miner status.
func (c *Client) GetStatus(ctx context.Context) (*MinerStatus, error) {
	return c.status.Get(ctx, func(ctx context.Context) (*MinerStatus, error) {
		var result MinerStatus
		err := c.request(ctx, requestOptions{
			method:   http.MethodGet,
			endpoint: "/status",
			result:   &result,
		})
		if err != nil {
			return nil, err
		}
		return &result, nil
	})
}

// GetSummary returns the mining summary.
func (c *Client) GetSummary(ctx context.Context) (*Summary, error) {
	return c.summary.Get(ctx, func(ctx context.Context) (*Summary, error) {
		var result Summary
		err := c.request(ctx, requestOptions{
			method:       http.MethodGet,
			endpoint:     "/summary",
			result:       &result,
			requiresAuth: true,
		})
		if err != nil {
			return nil, err
		}
		return &result, nil
	})
}

// GetSettings returns the pool part of the miner configuration.
func (c *Client) GetSettings(ctx context.Context) (*Settings, error) {
	return c.settings.Get(ctx, func(ctx context.Context) (*Settings, error) {
		var result Settings
		err := c.request(ctx, requestOptions{
			method:   http.MethodGet,
			endpoint: "/settings",
			result:   &result,
		})
		if err != nil {
			return nil, err
		}
		return &result, nil
	})
}

// SaveSettings updates miner configuration.
func (c *Client) SaveSettings(ctx context.Context, settings *SettingsUpdate) error {
	return c.request(ctx, requestOptions{
		method:       http.MethodPost,
		endpoint:     "/settings",
		body:         settings,
		requiresAuth: true,
		requiresKey:  true,
	})
}

// StartMining starts mining operations.
func (c *Client) StartMining(ctx context.Context) error {
	return c.request(ctx, requestOptions{
		method:       http.MethodPost,
		endpoint:     "/mining/start",
		requiresAuth: true,
	})
}

// StopMining stops mining operations.
func (c *Client) StopMining(ctx context.Context) error {
	return c.request(ctx, requestOptions{
		method:       http.MethodPost,
		endpoint:     "/mining/stop",
		requiresAuth: true,
	})
}

// FindMiner toggles the miner's LED for physical identification and
// returns the new state.
func (c *Client) FindMiner(ctx context.Context) (bool, error) {
	var result FindMinerResponse
	err := c.request(ctx, requestOptions{
		method:   http.MethodPost,
		endpoint: "/find-miner",
		result:   &result,
	})
	return result.On, err
}

// GetMinerLogs returns the miner log as text.
func (c *Client) GetMinerLogs(ctx context.Context) (string, error) {
	var result string
	err := c.request(ctx, requestOptions{
		method:       http.MethodGet,
		endpoint:     "/logs/miner",
		result:       &result,
		requiresAuth: true,
		isText:       true,
	})
	return result, err
}

func (c *Client) Model(ctx context.Context) (string, error) {
	info, err := c.GetInfo(ctx)
	if err != nil {
		return "", err
	}
	if info.Model == "" {
		return "", fmt.Errorf("%w: info has no model", miner.ErrInvalidResponse)
	}
	return miner.NormalizeModel(info.Model), nil
}

// Authenticate unlocks the API with password. VNish has no user names.
func (c *Client) Authenticate(ctx context.Context, _, password string) error {
	c.mu.Lock()
	c.password = password
	c.mu.Unlock()

	c.bearer.Clear()
	c.clearAPIKey()
	c.invalidateAll()
	if _, err := c.bearer.Token(ctx); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	c.logger.Debug("authenticated")
	return nil
}

// Reboot reboots the miner system. VNish acknowledges before going down, but
// a dropped connection also counts.
func (c *Client) Reboot(ctx context.Context) error {
	err := c.request(ctx, requestOptions{
		method:       http.MethodPost,
		endpoint:     "/system/reboot",
		requiresAuth: true,
		requiresKey:  true,
	})
	if err != nil && !miner.IsConnectionError(err) {
		return fmt.Errorf("failed to reboot: %w", err)
	}
	c.invalidateAll()
	c.logger.Info("reboot requested")
	return nil
}

// Hashrate returns the instant hashrate in TH/s.
func (c *Client) Hashrate(ctx context.Context) (float64, error) {
	s, err := c.GetSummary(ctx)
	if err != nil {
		return 0, err
	}
	return s.Miner.InstantHashrate / 1000, nil
}

func (c *Client) NameplateRate(ctx context.Context) (float64, error) {
	s, err := c.GetSummary(ctx)
	if err != nil {
		return 0, err
	}
	return s.Miner.HRNominal / 1000, nil
}

func (c *Client) Power(ctx context.Context) (float64, error) {
	s, err := c.GetSummary(ctx)
	if err != nil {
		return 0, err
	}
	return float64(s.Miner.PowerConsumption), nil
}

// Efficiency is live J/TH, or the model's rating while not hashing.
func (c *Client) Efficiency(ctx context.Context) (float64, error) {
	power, err := c.Power(ctx)
	if err != nil {
		return 0, err
	}
	hr, err := c.Hashrate(ctx)
	if err != nil {
		return 0, err
	}
	if power > 0 && hr > 0 {
		return power / hr, nil
	}
	model, err := c.Model(ctx)
	if err != nil {
		return 0, err
	}
	r, err := miner.LookupRating(miner.VendorVNish, model)
	if err != nil {
		return 0, err
	}
	return miner.EfficiencyOf(power, hr, r), nil
}

// Temperature returns the hottest PCB sensor.
func (c *Client) Temperature(ctx context.Context) (float64, error) {
	s, err := c.GetSummary(ctx)
	if err != nil {
		return 0, err
	}
	return float64(s.Miner.PCBTemp.Max), nil
}

func (c *Client) FanSpeeds(ctx context.Context) ([]int, error) {
	s, err := c.GetSummary(ctx)
	if err != nil {
		return nil, err
	}
	return s.Miner.Cooling.Fans.RPMs(), nil
}

func (c *Client) Pools(ctx context.Context) ([]miner.Pool, error) {
	s, err := c.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	pools := make([]miner.Pool, 0, len(s.Miner.Pools))
	for _, p := range s.Miner.Pools {
		if p.URL == "" {
			continue
		}
		pools = append(pools, miner.NewPool(p.URL, p.User, p.Pass))
	}
	return pools, nil
}

func (c *Client) SetPools(ctx context.Context, pools []miner.Pool) error {
	update := &SettingsUpdate{Miner: MinerSettings{Pools: make([]PoolSetting, len(pools))}}
	for i, p := range pools {
		update.Miner.Pools[i] = PoolSetting{URL: p.URL, User: p.Username, Pass: p.PasswordOrEmpty()}
	}
	if err := c.SaveSettings(ctx, update); err != nil {
		return fmt.Errorf("failed to set pools: %w", err)
	}
	c.settings.Invalidate()
	return nil
}

// Sleep reports whether mining is stopped.
func (c *Client) Sleep(ctx context.Context) (bool, error) {
	s, err := c.GetStatus(ctx)
	if err != nil {
		return false, err
	}
	return s.MinerState == StateStopped, nil
}

func (c *Client) SetSleep(ctx context.Context, sleep bool) error {
	op := c.StartMining
	if sleep {
		op = c.StopMining
	}
	if err := op(ctx); err != nil {
		return fmt.Errorf("failed to set sleep: %w", err)
	}
	cache.Invalidate(c.status, c.summary)
	return nil
}

func (c *Client) Blink(ctx context.Context) (bool, error) {
	s, err := c.GetStatus(ctx)
	if err != nil {
		return false, err
	}
	return s.FindMiner, nil
}

// SetBlink toggles find-miner when the LED is not already in the wanted
// state. The endpoint only toggles, so the reported state is checked.
func (c *Client) SetBlink(ctx context.Context, blink bool) error {
	current, err := c.Blink(ctx)
	if err != nil {
		return fmt.Errorf("failed to set blink: %w", err)
	}
	if current == blink {
		return nil
	}

	on, err := c.FindMiner(ctx)
	if err != nil {
		return fmt.Errorf("failed to set blink: %w", err)
	}
	c.status.Invalidate()
	if on != blink {
		return fmt.Errorf("failed to set blink: %w: led reported on=%t", miner.ErrRequestFailed, on)
	}
	return nil
}

func (c *Client) Logs(ctx context.Context) ([]string, error) {
	return c.logs.Get(ctx, func(ctx context.Context) ([]string, error) {
		text, err := c.GetMinerLogs(ctx)
		if err != nil {
			return nil, err
		}
		return strings.Split(strings.TrimRight(text, "\n"), "\n"), nil
	})
}

func (c *Client) MAC(ctx context.Context) (string, error) {
	info, err := c.GetInfo(ctx)
	if err != nil {
		return "", err
	}
	return strings.ToLower(info.System.NetworkStatus.MAC), nil
}

func (c *Client) DNS(ctx context.Context) ([]string, error) {
	info, err := c.GetInfo(ctx)
	if err != nil {
		return nil, err
	}
	return info.System.NetworkStatus.DNS, nil
}

// Errors classifies the miner log with the stock Antminer rules; VNish runs
// the same bmminer underneath.
func (c *Client) Errors(ctx context.Context) ([]string, error) {
	lines, err := c.Logs(ctx)
	if err != nil {
		return nil, err
	}
	return errclass.Classify(strings.Join(lines, "\n"), errclass.Antminer), nil
}

var _ miner.Miner = (*Client)(nil)
