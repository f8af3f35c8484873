package minerva

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
	"github.com/powerhive/minerctl/pkg/cgminer"
	"github.com/powerhive/minerctl/pkg/errclass"
	"github.com/powerhive/minerctl/pkg/miner"
	"github.com/powerhive/minerctl/pkg/transport"
)

// MaxPools is the number of pool slots changePool accepts.
const MaxPools = 3

// Client talks to the REST API of a two-fan MinerVa.
type Client struct {
	handle     miner.Handle
	transport  *transport.Client
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	bearer     *auth.Bearer

	mu       sync.Mutex
	username string
	password string

	model    *cache.Cell[string]
	summary  *cache.Cell[*SummaryData]
	temp     *cache.Cell[*TempAndSpeed]
	pools    *cache.Cell[[]miner.Pool]
	workMode *cache.Cell[map[string]any]
	network  *cache.Cell[*Network]
	logs     *cache.Cell[[]string]
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the https://host/api/v1 endpoint root.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// New creates a MinerVa REST client.
func New(h miner.Handle, tc *transport.Client, opts ...Option) *Client {
	c := &Client{
		handle:     h,
		transport:  tc,
		baseURL:    fmt.Sprintf("https://%s/api/v1", h.Host),
		httpClient: tc.HTTP(),
		logger:     tc.Logger().With(zap.String("host", h.Host), zap.String("vendor", string(h.Vendor))),
		model:      cache.New[string](),
		summary:    cache.New[*SummaryData](),
		temp:       cache.New[*TempAndSpeed](),
		pools:      cache.New[[]miner.Pool](),
		workMode:   cache.New[map[string]any](),
		network:    cache.New[*Network](),
		logs:       cache.New[[]string](),
	}
	c.bearer = auth.NewBearer(c.login)

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
	cache.Invalidate(c.model, c.summary, c.temp, c.pools, c.workMode, c.network, c.logs)
}

// send performs one request and returns the body of a 2xx response.
func (c *Client) send(ctx context.Context, method, endpoint, token string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := transport.Do(c.httpClient, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transport.Classify(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &miner.StatusError{StatusCode: resp.StatusCode, Endpoint: endpoint, Body: string(data)}
	}
	return data, nil
}

// decode unwraps the envelope into result. A string in place of the
// payload is the device's error message.
func (c *Client) decode(endpoint string, data []byte, result any) error {
	var env Response
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: failed to parse %s: %w", miner.ErrInvalidResponse, endpoint, err)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, result); err != nil {
		var msg string
		if json.Unmarshal(env.Data, &msg) == nil {
			if msg == "" {
				msg = env.Message
			}
			return &miner.APIError{Vendor: miner.VendorMinerva, Command: endpoint, Code: env.Code, Message: msg}
		}
		return fmt.Errorf("%w: failed to parse %s: %w", miner.ErrInvalidResponse, endpoint, err)
	}
	return nil
}

// call sends an authenticated request; a rejected token is replaced once.
func (c *Client) call(ctx context.Context, method, endpoint string, body, result any) error {
	return c.bearer.Do(ctx, func(token string) error {
		data, err := c.send(ctx, method, endpoint, token, body)
		if err != nil {
			return err
		}
		return c.decode(endpoint, data, result)
	})
}

func (c *Client) login(ctx context.Context) (string, error) {
	c.mu.Lock()
	creds := LoginRequest{Username: c.username, Password: c.password}
	c.mu.Unlock()
	if creds.Username == "" && creds.Password == "" {
		return "", fmt.Errorf("%w: no credentials", miner.ErrUnauthorized)
	}

	data, err := c.send(ctx, http.MethodPost, "/auth/login", "", creds)
	if err != nil {
		return "", err
	}
	var login LoginData
	if err := c.decode("/auth/login", data, &login); err != nil {
		var apiErr *miner.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%w: %w", miner.ErrUnauthorized, apiErr)
		}
		return "", err
	}
	return login.AccessToken, nil
}

// Model returns the model from the socket API's devdetails.
func (c *Client) Model(ctx context.Context) (string, error) {
	return c.model.Get(ctx, func(ctx context.Context) (string, error) {
		resp, err := c.transport.Exec(ctx, c.handle.Host, c.handle.Port, transport.Command{Command: "devdetails"})
		if err != nil {
			return "", err
		}
		var dd cgminer.DevDetails
		if err := cgminer.Unmarshal(resp, &dd); err != nil {
			return "", err
		}
		if err := cgminer.CheckStatus(miner.VendorMinerva, "devdetails", dd.Status); err != nil {
			return "", err
		}
		if len(dd.DevDetails) == 0 || dd.DevDetails[0].Model == "" {
			return "", fmt.Errorf("%w: devdetails has no model", miner.ErrInvalidResponse)
		}
		return dd.DevDetails[0].Model, nil
	})
}

// Authenticate logs in and keeps the credentials for re-login.
func (c *Client) Authenticate(ctx context.Context, username, password string) error {
	c.mu.Lock()
	c.username, c.password = username, password
	c.mu.Unlock()

	c.bearer.Clear()
	c.invalidateAll()
	if _, err := c.bearer.Token(ctx); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	c.logger.Debug("authenticated")
	return nil
}

// Reboot restarts cgminer's host. The device either acknowledges or drops
// the connection while going down; both count.
func (c *Client) Reboot(ctx context.Context) error {
	err := c.call(ctx, http.MethodPost, "/cgminer/reboot", nil, nil)
	if err != nil && !miner.IsConnectionError(err) {
		return fmt.Errorf("failed to reboot: %w", err)
	}
	c.invalidateAll()
	return nil
}

// GetSummary returns the cgminer summary. A stopped miner answers with an
// error message, reported as an empty entry.
func (c *Client) GetSummary(ctx context.Context) (*SummaryData, error) {
	return c.summary.Get(ctx, func(ctx context.Context) (*SummaryData, error) {
		var entries []SummaryData
		err := c.call(ctx, http.MethodGet, "/cgminer/summary", nil, &entries)
		var apiErr *miner.APIError
		if errors.As(err, &apiErr) {
			c.logger.Debug("summary unavailable", zap.String("message", apiErr.Message))
			return &SummaryData{}, nil
		}
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return &SummaryData{}, nil
		}
		return &entries[0], nil
	})
}

// GetTempAndSpeed returns the temperature and fan readings.
func (c *Client) GetTempAndSpeed(ctx context.Context) (*TempAndSpeed, error) {
	return c.temp.Get(ctx, func(ctx context.Context) (*TempAndSpeed, error) {
		var ts TempAndSpeed
		if err := c.call(ctx, http.MethodGet, "/systemInfo/tempAndSpeed", nil, &ts); err != nil {
			return nil, err
		}
		return &ts, nil
	})
}

// GetNetwork returns the network configuration.
func (c *Client) GetNetwork(ctx context.Context) (*Network, error) {
	return c.network.Get(ctx, func(ctx context.Context) (*Network, error) {
		var n Network
		if err := c.call(ctx, http.MethodGet, "/systemInfo/network", nil, &n); err != nil {
			return nil, err
		}
		return &n, nil
	})
}

// Hashrate returns the 5s hashrate in TH/s.
func (c *Client) Hashrate(ctx context.Context) (float64, error) {
	sum, err := c.GetSummary(ctx)
	if err != nil {
		return 0, err
	}
	return float64(sum.MHS5s) / 1e6, nil
}

func (c *Client) rating(ctx context.Context) (miner.Rating, error) {
	model, err := c.Model(ctx)
	if err != nil {
		return miner.Rating{}, err
	}
	return miner.LookupRating(miner.VendorMinerva, model)
}

// NameplateRate returns the rated hashrate of the model. The API does not
// report one.
func (c *Client) NameplateRate(ctx context.Context) (float64, error) {
	r, err := c.rating(ctx)
	if err != nil {
		return 0, err
	}
	return r.RatedTHs, nil
}

// Power estimates the draw from the hashrate and the rated efficiency.
func (c *Client) Power(ctx context.Context) (float64, error) {
	hr, err := c.Hashrate(ctx)
	if err != nil {
		return 0, err
	}
	r, err := c.rating(ctx)
	if err != nil {
		return 0, err
	}
	return miner.EstimatePower(hr, r), nil
}

func (c *Client) Efficiency(ctx context.Context) (float64, error) {
	power, err := c.Power(ctx)
	if err != nil {
		return 0, err
	}
	hr, err := c.Hashrate(ctx)
	if err != nil {
		return 0, err
	}
	r, err := c.rating(ctx)
	if err != nil {
		return 0, err
	}
	return miner.EfficiencyOf(power, hr, r), nil
}

func (c *Client) Temperature(ctx context.Context) (float64, error) {
	ts, err := c.GetTempAndSpeed(ctx)
	if err != nil {
		return 0, err
	}
	return ts.Temperature, nil
}

func (c *Client) FanSpeeds(ctx context.Context) ([]int, error) {
	ts, err := c.GetTempAndSpeed(ctx)
	if err != nil {
		return nil, err
	}
	return []int{ts.Fan1Speed, ts.Fan2Speed}, nil
}

// Pools returns the configured pools, skipping empty slots. Passwords are
// not exposed.
func (c *Client) Pools(ctx context.Context) ([]miner.Pool, error) {
	return c.pools.Get(ctx, func(ctx context.Context) ([]miner.Pool, error) {
		var ps PoolSettings
		if err := c.call(ctx, http.MethodGet, "/cgminer/poolsInSetting", nil, &ps); err != nil {
			return nil, err
		}
		var pools []miner.Pool
		for _, p := range [][2]string{
			{ps.Pool1URL, ps.Pool1User},
			{ps.Pool2URL, ps.Pool2User},
			{ps.Pool3URL, ps.Pool3User},
		} {
			if p[0] == "" {
				continue
			}
			pools = append(pools, miner.Pool{URL: p[0], Username: p[1]})
		}
		return pools, nil
	})
}

// SetPools writes up to MaxPools pools; unused slots are cleared.
func (c *Client) SetPools(ctx context.Context, pools []miner.Pool) error {
	if len(pools) > MaxPools {
		return fmt.Errorf("%w: at most %d pools", miner.ErrNotSupported, MaxPools)
	}
	slots := make([]miner.Pool, MaxPools)
	copy(slots, pools)

	req := ChangePoolRequest{
		Pool0URL: slots[0].URL, Pool0User: slots[0].Username, Pool0Pwd: slots[0].PasswordOrEmpty(),
		Pool1URL: slots[1].URL, Pool1User: slots[1].Username, Pool1Pwd: slots[1].PasswordOrEmpty(),
		Pool2URL: slots[2].URL, Pool2User: slots[2].Username, Pool2Pwd: slots[2].PasswordOrEmpty(),
	}
	if err := c.call(ctx, http.MethodPost, "/cgminer/changePool", req, nil); err != nil {
		return fmt.Errorf("failed to change pools: %w", err)
	}
	c.pools.Invalidate()
	return nil
}

// GetWorkMode returns the work mode object as the device reports it, so it
// can be written back with only the mask changed.
func (c *Client) GetWorkMode(ctx context.Context) (map[string]any, error) {
	return c.workMode.Get(ctx, func(ctx context.Context) (map[string]any, error) {
		mode := map[string]any{}
		if err := c.call(ctx, http.MethodGet, "/cgminer/workMode", nil, &mode); err != nil {
			return nil, err
		}
		return mode, nil
	})
}

// Sleep reports whether every hashboard is masked off.
func (c *Client) Sleep(ctx context.Context) (bool, error) {
	mode, err := c.GetWorkMode(ctx)
	if err != nil {
		return false, err
	}
	mask, ok := mode["mask"].(string)
	if !ok {
		return false, fmt.Errorf("%w: work mode without mask", miner.ErrInvalidResponse)
	}
	return mask == maskSleep, nil
}

// SetSleep masks all hashboards off, or all on.
func (c *Client) SetSleep(ctx context.Context, sleep bool) error {
	current, err := c.GetWorkMode(ctx)
	if err != nil {
		return fmt.Errorf("failed to set sleep: %w", err)
	}
	mode := make(map[string]any, len(current)+1)
	for k, v := range current {
		mode[k] = v
	}
	mode["mask"] = maskAll
	if sleep {
		mode["mask"] = maskSleep
	}

	if err := c.call(ctx, http.MethodPost, "/cgminer/setWorkMode", mode, nil); err != nil {
		return fmt.Errorf("failed to set sleep: %w", err)
	}
	cache.Invalidate(c.workMode, c.summary)
	return nil
}

func (c *Client) Blink(context.Context) (bool, error) {
	return false, fmt.Errorf("%w: minerva blink", miner.ErrNotSupported)
}

func (c *Client) SetBlink(context.Context, bool) error {
	return fmt.Errorf("%w: minerva blink", miner.ErrNotSupported)
}

// Logs returns the cgminer log.
func (c *Client) Logs(ctx context.Context) ([]string, error) {
	return c.logs.Get(ctx, func(ctx context.Context) ([]string, error) {
		var lines []string
		if err := c.call(ctx, http.MethodGet, "/cgminer/log", nil, &lines); err != nil {
			return nil, err
		}
		return lines, nil
	})
}

func (c *Client) MAC(ctx context.Context) (string, error) {
	n, err := c.GetNetwork(ctx)
	if err != nil {
		return "", err
	}
	return n.HardwareAddress, nil
}

func (c *Client) DNS(ctx context.Context) ([]string, error) {
	n, err := c.GetNetwork(ctx)
	if err != nil {
		return nil, err
	}
	return n.Servers(), nil
}

// Errors classifies the cgminer log.
func (c *Client) Errors(ctx context.Context) ([]string, error) {
	lines, err := c.Logs(ctx)
	if err != nil {
		return nil, err
	}
	return errclass.Classify(strings.Join(lines, "\n"), errclass.Minerva), nil
}

var _ miner.Miner = (*Client)(nil)
