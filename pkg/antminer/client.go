package antminer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/powerhive/minerctl/pkg/auth"
	"github.com/powerhive/minerctl/pkg/cache"
	"github.com/powerhive/minerctl/pkg/errclass"
	"github.com/powerhive/minerctl/pkg/miner"
	"github.com/powerhive/minerctl/pkg/transport"
)

// Client talks to one Antminer. Reads are cached per handle until a
// mutation invalidates them.
type Client struct {
	handle     miner.Handle
	baseURL    string
	auth       *auth.DigestAuth
	httpClient *http.Client
	logger     *zap.Logger

	sysInfo *cache.Cell[*SystemInfo]
	conf    *cache.Cell[*MinerConfig]
	stats   *cache.Cell[*StatsData]
	summary *cache.Cell[*SummaryData]
	blink   *cache.Cell[bool]
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the http://host/cgi-bin endpoint root.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// New creates an Antminer client sharing tc's connection pool.
func New(h miner.Handle, tc *transport.Client, opts ...Option) *Client {
	c := &Client{
		handle:  h,
		baseURL: fmt.Sprintf("http://%s/cgi-bin", h.Host),
		auth:    auth.NewDigestAuth("", ""),
		logger:  tc.Logger().With(zap.String("host", h.Host), zap.String("vendor", string(h.Vendor))),
		sysInfo: cache.New[*SystemInfo](),
		conf:    cache.New[*MinerConfig](),
		stats:   cache.New[*StatsData](),
		summary: cache.New[*SummaryData](),
		blink:   cache.New[bool](),
	}
	c.httpClient = tc.HTTPWith(func(rt http.RoundTripper) http.RoundTripper {
		return &auth.DigestTransport{Auth: c.auth, Transport: rt}
	})

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
	cache.Invalidate(c.sysInfo, c.conf, c.stats, c.summary, c.blink)
}

// do sends req and returns the body of a 200 response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := transport.Do(c.httpClient, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transport.Classify(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &miner.StatusError{StatusCode: resp.StatusCode, Endpoint: req.URL.Path, Body: string(body)}
	}

	return body, nil
}

// request performs a GET and decodes the JSON response into result.
func (c *Client) request(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("%w: failed to parse %s: %w", miner.ErrInvalidResponse, endpoint, err)
	}
	return nil
}

// requestText performs a GET and returns the body as text.
func (c *Client) requestText(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "*/*")

	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// postRequest POSTs body as JSON and checks the ConfigResponse verdict.
func (c *Client) postRequest(ctx context.Context, endpoint string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	respBody, err := c.do(req)
	if err != nil {
		return err
	}

	var result ConfigResponse
	if len(respBody) > 0 && json.Unmarshal(respBody, &result) == nil && strings.EqualFold(result.Stats, "error") {
		return &miner.APIError{Vendor: c.handle.Vendor, Command: endpoint, Message: result.Code + " " + result.Msg}
	}
	return nil
}

// GetSystemInfo returns system information.
func (c *Client) GetSystemInfo(ctx context.Context) (*SystemInfo, error) {
	return c.sysInfo.Get(ctx, func(ctx context.Context) (*SystemInfo, error) {
		var result SystemInfo
		if err := c.request(ctx, "/get_system_info.cgi", &result); err != nil {
			return nil, err
		}
		return &result, nil
	})
}

// GetMinerConfig returns the miner configuration.
func (c *Client) GetMinerConfig(ctx context.Context) (*MinerConfig, error) {
	return c.conf.Get(ctx, func(ctx context.Context) (*MinerConfig, error) {
		var result MinerConfig
		if err := c.request(ctx, "/get_miner_conf.cgi", &result); err != nil {
			return nil, err
		}
		return &result, nil
	})
}

// GetStats returns the first entry of stats.cgi, or an empty entry when the
// miner is not hashing.
func (c *Client) GetStats(ctx context.Context) (*StatsData, error) {
	return c.stats.Get(ctx, func(ctx context.Context) (*StatsData, error) {
		var result StatsResponse
		if err := c.request(ctx, "/stats.cgi", &result); err != nil {
			return nil, err
		}
		if len(result.Stats) == 0 {
			return &StatsData{}, nil
		}
		return &result.Stats[0], nil
	})
}

// GetSummary returns the first entry of summary.cgi, or an empty entry
// when the miner is not hashing.
func (c *Client) GetSummary(ctx context.Context) (*SummaryData, error) {
	return c.summary.Get(ctx, func(ctx context.Context) (*SummaryData, error) {
		var result SummaryResponse
		if err := c.request(ctx, "/summary.cgi", &result); err != nil {
			return nil, err
		}
		if len(result.Summary) == 0 {
			return &SummaryData{}, nil
		}
		return &result.Summary[0], nil
	})
}

// SetMinerConfig replaces the miner configuration.
func (c *Client) SetMinerConfig(ctx context.Context, conf *MinerConfig) error {
	if err := c.postRequest(ctx, "/set_miner_conf.cgi", conf); err != nil {
		return fmt.Errorf("failed to set miner config: %w", err)
	}
	cache.Invalidate(c.conf, c.stats, c.summary)
	return nil
}

// Model returns the normalized model, e.g. "s19pro".
func (c *Client) Model(ctx context.Context) (string, error) {
	info, err := c.GetSystemInfo(ctx)
	if err != nil {
		return "", err
	}
	return miner.NormalizeModel(info.MinerType), nil
}

// Authenticate stores the digest credentials and verifies them against
// get_miner_conf.cgi.
func (c *Client) Authenticate(ctx context.Context, username, password string) error {
	c.auth.SetCredentials(username, password)
	c.invalidateAll()

	if _, err := c.GetMinerConfig(ctx); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	c.logger.Debug("authenticated")
	return nil
}

// Reboot requests a restart. The firmware drops the connection instead of
// answering, so only a failed exchange counts as success.
func (c *Client) Reboot(ctx context.Context) error {
	_, err := c.requestText(ctx, "/reboot.cgi")
	if err := miner.RebootResult(err); err != nil {
		return err
	}
	c.invalidateAll()
	return nil
}

// Hashrate returns the 5s hashrate in TH/s.
func (c *Client) Hashrate(ctx context.Context) (float64, error) {
	sum, err := c.GetSummary(ctx)
	if err != nil {
		return 0, err
	}
	return sum.Rate5s / 1000, nil
}

// NameplateRate returns the ideal hashrate in TH/s.
func (c *Client) NameplateRate(ctx context.Context) (float64, error) {
	stats, err := c.GetStats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.RateIdeal / 1000, nil
}

func (c *Client) rating(ctx context.Context) (miner.Rating, error) {
	model, err := c.Model(ctx)
	if err != nil {
		return miner.Rating{}, err
	}
	return miner.LookupRating(miner.VendorAntminer, model)
}

// Power estimates the draw in watts from the hashrate and model rating.
func (c *Client) Power(ctx context.Context) (float64, error) {
	r, err := c.rating(ctx)
	if err != nil {
		return 0, err
	}
	hr, err := c.Hashrate(ctx)
	if err != nil {
		return 0, err
	}
	return miner.EstimatePower(hr, r), nil
}

// Efficiency returns J/TH.
func (c *Client) Efficiency(ctx context.Context) (float64, error) {
	r, err := c.rating(ctx)
	if err != nil {
		return 0, err
	}
	hr, err := c.Hashrate(ctx)
	if err != nil {
		return 0, err
	}
	return miner.EfficiencyOf(miner.EstimatePower(hr, r), hr, r), nil
}

// Temperature returns the mean PCB temperature over all chains.
func (c *Client) Temperature(ctx context.Context) (float64, error) {
	stats, err := c.GetStats(ctx)
	if err != nil {
		return 0, err
	}

	var sum float64
	var n int
	for _, chain := range stats.Chain {
		for _, t := range chain.TempPCB {
			sum += float64(t)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

// FanSpeeds returns fan RPMs.
func (c *Client) FanSpeeds(ctx context.Context) ([]int, error) {
	stats, err := c.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	return append([]int(nil), stats.Fan...), nil
}

// Pools returns the configured pools in priority order.
func (c *Client) Pools(ctx context.Context) ([]miner.Pool, error) {
	conf, err := c.GetMinerConfig(ctx)
	if err != nil {
		return nil, err
	}

	pools := make([]miner.Pool, 0, len(conf.Pools))
	for _, p := range conf.Pools {
		pools = append(pools, miner.NewPool(p.URL, p.User, p.Pass))
	}
	return pools, nil
}

// currentConfig reads the configuration past the cache. The cell is left
// alone; SetMinerConfig empties it once the change is accepted.
func (c *Client) currentConfig(ctx context.Context) (*MinerConfig, error) {
	var conf MinerConfig
	if err := c.request(ctx, "/get_miner_conf.cgi", &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

// SetPools replaces the pool list, keeping the rest of the configuration.
func (c *Client) SetPools(ctx context.Context, pools []miner.Pool) error {
	conf, err := c.currentConfig(ctx)
	if err != nil {
		return err
	}

	conf.Pools = conf.Pools[:0]
	for _, p := range pools {
		conf.Pools = append(conf.Pools, PoolConfig{URL: p.URL, User: p.Username, Pass: p.PasswordOrEmpty()})
	}
	return c.SetMinerConfig(ctx, conf)
}

// Sleep reports whether the hashboards are in sleep mode.
func (c *Client) Sleep(ctx context.Context) (bool, error) {
	conf, err := c.GetMinerConfig(ctx)
	if err != nil {
		return false, err
	}
	return conf.Sleeping(), nil
}

// SetSleep switches between sleep and normal mining.
func (c *Client) SetSleep(ctx context.Context, sleep bool) error {
	conf, err := c.currentConfig(ctx)
	if err != nil {
		return err
	}

	mode := 0
	if sleep {
		mode = 1
	}
	conf.MinerMode = &mode
	return c.SetMinerConfig(ctx, conf)
}

// Blink reports whether the locate LED is flashing.
func (c *Client) Blink(ctx context.Context) (bool, error) {
	return c.blink.Get(ctx, func(ctx context.Context) (bool, error) {
		var result BlinkStatus
		if err := c.request(ctx, "/get_blink_status.cgi", &result); err != nil {
			return false, err
		}
		return result.Blink, nil
	})
}

// SetBlink toggles the locate LED.
func (c *Client) SetBlink(ctx context.Context, blink bool) error {
	if err := c.postRequest(ctx, "/blink.cgi", map[string]bool{"blink": blink}); err != nil {
		return fmt.Errorf("failed to set blink: %w", err)
	}
	c.blink.Invalidate()
	return nil
}

// Logs returns the kernel and miner log, one entry per line.
func (c *Client) Logs(ctx context.Context) ([]string, error) {
	text, err := c.requestText(ctx, "/log.cgi")
	if err != nil {
		return nil, err
	}
	return splitLines(text), nil
}

// MAC returns the hardware address.
func (c *Client) MAC(ctx context.Context) (string, error) {
	info, err := c.GetSystemInfo(ctx)
	if err != nil {
		return "", err
	}
	return info.MACAddr, nil
}

// DNS returns the configured name servers.
func (c *Client) DNS(ctx context.Context) ([]string, error) {
	info, err := c.GetSystemInfo(ctx)
	if err != nil {
		return nil, err
	}
	return info.DNS(), nil
}

// Errors classifies the log against the Antminer fault table.
func (c *Client) Errors(ctx context.Context) ([]string, error) {
	lines, err := c.Logs(ctx)
	if err != nil {
		return nil, err
	}
	return errclass.Classify(strings.Join(lines, "\n"), errclass.Antminer), nil
}

func splitLines(text string) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

var _ miner.Miner = (*Client)(nil)
