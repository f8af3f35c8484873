package whatsminer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/powerhive/minerctl/pkg/auth"
	"github.com/powerhive/minerctl/pkg/cache"
	"github.com/powerhive/minerctl/pkg/cgminer"
	"github.com/powerhive/minerctl/pkg/errclass"
	"github.com/powerhive/minerctl/pkg/miner"
	"github.com/powerhive/minerctl/pkg/transport"
)

// MaxPools is the number of pool slots update_pools accepts.
const MaxPools = 3

var (
	modelPattern   = regexp.MustCompile(`<td.+>Model</td>\s*<td>WhatsMiner ([a-zA-Z0-9+]+)(?:_V.+)?</td>`)
	processPattern = regexp.MustCompile(`.COMMAND" value="(cg|bt)miner" />`)
)

// Client talks to one Whatsminer.
type Client struct {
	handle    miner.Handle
	transport *transport.Client
	webURL    string
	logger    *zap.Logger
	session   *auth.Encrypted

	model     *cache.Cell[string]
	summary   *cache.Cell[*SummaryEntry]
	minerInfo *cache.Cell[*MinerInfo]
	pools     *cache.Cell[[]miner.Pool]
	sleep     *cache.Cell[bool]
}

// Option configures a Client.
type Option func(*Client)

// WithWebURL overrides the https://host root of the LuCI interface.
func WithWebURL(url string) Option {
	return func(c *Client) {
		c.webURL = strings.TrimSuffix(url, "/")
	}
}

// WithSessionOptions configures the encrypted session, e.g. its clock.
func WithSessionOptions(opts ...auth.EncryptedOption) Option {
	return func(c *Client) {
		c.session = auth.NewEncrypted(c.challenge, opts...)
	}
}

// New creates a Whatsminer client.
func New(h miner.Handle, tc *transport.Client, opts ...Option) *Client {
	c := &Client{
		handle:    h,
		transport: tc,
		webURL:    "https://" + h.Host,
		logger:    tc.Logger().With(zap.String("host", h.Host), zap.String("vendor", string(h.Vendor))),
		model:     cache.New[string](),
		summary:   cache.New[*SummaryEntry](),
		minerInfo: cache.New[*MinerInfo](),
		pools:     cache.New[[]miner.Pool](),
		sleep:     cache.New[bool](),
	}
	c.session = auth.NewEncrypted(c.challenge)

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
	cache.Invalidate(c.model, c.summary, c.minerInfo, c.pools, c.sleep)
}

// exec sends a plain command and returns the sanitized response.
func (c *Client) exec(ctx context.Context, cmd string) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{"cmd": cmd})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	resp, err := c.transport.SendRecv(ctx, c.handle.Host, c.handle.Port, payload)
	if err != nil {
		return nil, err
	}
	return cgminer.Sanitize(resp), nil
}

// reply sends a plain Whatsminer specific command and checks its status.
func (c *Client) reply(ctx context.Context, cmd string) (*Reply, error) {
	resp, err := c.exec(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var r Reply
	if err := json.Unmarshal(resp, &r); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", miner.ErrInvalidResponse, cmd, err)
	}
	if !r.OK() {
		return nil, c.apiError(cmd, &r)
	}
	return &r, nil
}

func (c *Client) apiError(cmd string, r *Reply) error {
	apiErr := &miner.APIError{Vendor: miner.VendorWhatsminer, Command: cmd, Code: r.Code, Message: r.Message()}
	if r.Code == codeTokenInvalid || r.Code == codeTokenOverused {
		return fmt.Errorf("%w: %w", miner.ErrTokenExpired, apiErr)
	}
	return apiErr
}

// challenge runs get_token for the encrypted session.
func (c *Client) challenge(ctx context.Context) (auth.Challenge, error) {
	r, err := c.reply(ctx, "get_token")
	if err != nil {
		return auth.Challenge{}, err
	}
	var ch auth.Challenge
	if err := json.Unmarshal(r.Msg, &ch); err != nil {
		return auth.Challenge{}, fmt.Errorf("%w: get_token: %w", miner.ErrInvalidResponse, err)
	}
	return ch, nil
}

// privileged seals cmd with the session, sends it and opens the reply. A
// stale token is refreshed once.
func (c *Client) privileged(ctx context.Context, cmd map[string]any) (*Reply, error) {
	name, _ := cmd["cmd"].(string)

	var result *Reply
	err := c.session.Do(ctx, func(s *auth.Session) error {
		payload, err := s.Seal(cmd)
		if err != nil {
			return err
		}
		resp, err := c.transport.SendRecv(ctx, c.handle.Host, c.handle.Port, payload)
		if err != nil {
			return err
		}
		resp = cgminer.Sanitize(resp)

		var plain Reply
		if json.Unmarshal(resp, &plain) == nil && plain.Status != "" {
			// Errors come back unencrypted.
			if !plain.OK() {
				return c.apiError(name, &plain)
			}
			result = &plain
			return nil
		}

		opened, err := s.Open(resp)
		if err != nil {
			return err
		}
		var r Reply
		if err := json.Unmarshal(cgminer.Sanitize(opened), &r); err != nil {
			return fmt.Errorf("%w: %s: %w", miner.ErrInvalidResponse, name, err)
		}
		if !r.OK() {
			return c.apiError(name, &r)
		}
		result = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// web performs a request against the LuCI interface and returns the body
// of a 200 response.
func (c *Client) web(ctx context.Context, method, path string, form url.Values) (string, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.webURL+path, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := transport.Do(c.transport.HTTP(), req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transport.Classify(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &miner.StatusError{StatusCode: resp.StatusCode, Endpoint: path}
	}
	return string(data), nil
}

// Model scrapes the model name from the LuCI overview page.
func (c *Client) Model(ctx context.Context) (string, error) {
	return c.model.Get(ctx, func(ctx context.Context) (string, error) {
		page, err := c.web(ctx, http.MethodGet, "/cgi-bin/luci/admin/status/overview", nil)
		if err != nil {
			return "", err
		}
		m := modelPattern.FindStringSubmatch(page)
		if m == nil {
			return "", fmt.Errorf("%w: model not found on overview page", miner.ErrInvalidResponse)
		}
		return m[1], nil
	})
}

// Authenticate logs into LuCI, which the model and sleep checks need, and
// derives the API session from the same password.
func (c *Client) Authenticate(ctx context.Context, username, password string) error {
	form := url.Values{"luci_username": {username}, "luci_password": {password}}
	if _, err := c.web(ctx, http.MethodPost, "/cgi-bin/luci", form); err != nil {
		if errors.Is(err, miner.ErrRequestFailed) && !miner.IsConnectionError(err) {
			err = fmt.Errorf("%w: %w", miner.ErrUnauthorized, err)
		}
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	c.session.SetPassword(password)
	c.invalidateAll()
	if _, err := c.session.Session(ctx); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	c.logger.Debug("authenticated")
	return nil
}

// Reboot sends the encrypted reboot command. The firmware either
// acknowledges before restarting or drops the connection; both count.
func (c *Client) Reboot(ctx context.Context) error {
	if _, err := c.session.Session(ctx); err != nil {
		return err
	}
	_, err := c.privileged(ctx, map[string]any{"cmd": "reboot"})
	if err != nil && !miner.IsConnectionError(err) {
		return err
	}
	c.invalidateAll()
	return nil
}

// GetSummary returns the summary entry. A miner that is not hashing answers
// with a bare status, reported as an empty entry.
func (c *Client) GetSummary(ctx context.Context) (*SummaryEntry, error) {
	return c.summary.Get(ctx, func(ctx context.Context) (*SummaryEntry, error) {
		resp, err := c.exec(ctx, "summary")
		if err != nil {
			return nil, err
		}
		reply, err := cgminer.ParseReply(resp)
		if err != nil {
			return nil, err
		}
		if reply.Bare != nil {
			return &SummaryEntry{}, nil
		}

		var sum Summary
		if err := cgminer.Unmarshal(resp, &sum); err != nil {
			return nil, err
		}
		if err := cgminer.CheckStatus(miner.VendorWhatsminer, "summary", sum.Status); err != nil {
			return nil, err
		}
		if len(sum.Summary) == 0 {
			return &SummaryEntry{}, nil
		}
		return &sum.Summary[0], nil
	})
}

// GetMinerInfo returns network and LED details. Older firmwares reject the
// command; that is reported as a nil MinerInfo.
func (c *Client) GetMinerInfo(ctx context.Context) (*MinerInfo, error) {
	return c.minerInfo.Get(ctx, func(ctx context.Context) (*MinerInfo, error) {
		r, err := c.reply(ctx, "get_miner_info")
		if err != nil {
			var apiErr *miner.APIError
			if errors.As(err, &apiErr) {
				return nil, nil
			}
			return nil, err
		}
		var info MinerInfo
		if err := json.Unmarshal(r.Msg, &info); err != nil {
			return nil, fmt.Errorf("%w: get_miner_info: %w", miner.ErrInvalidResponse, err)
		}
		return &info, nil
	})
}

// Hashrate returns the realtime hashrate in TH/s.
func (c *Client) Hashrate(ctx context.Context) (float64, error) {
	sum, err := c.GetSummary(ctx)
	if err != nil {
		return 0, err
	}
	return float64(sum.HSRT) / 1e6, nil
}

// NameplateRate returns the factory hashrate in TH/s.
func (c *Client) NameplateRate(ctx context.Context) (float64, error) {
	sum, err := c.GetSummary(ctx)
	if err != nil {
		return 0, err
	}
	return float64(sum.FactoryGHS) / 1000, nil
}

// Power returns the reported draw in watts.
func (c *Client) Power(ctx context.Context) (float64, error) {
	sum, err := c.GetSummary(ctx)
	if err != nil {
		return 0, err
	}
	return float64(sum.Power), nil
}

// Efficiency returns J/TH from live figures, or the model rating when the
// miner is idle.
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
	r, err := miner.LookupRating(miner.VendorWhatsminer, model)
	if err != nil {
		return 0, err
	}
	return miner.EfficiencyOf(power, hr, r), nil
}

// Temperature returns the board temperature.
func (c *Client) Temperature(ctx context.Context) (float64, error) {
	sum, err := c.GetSummary(ctx)
	if err != nil {
		return 0, err
	}
	return float64(sum.Temperature), nil
}

// FanSpeeds returns the intake and exhaust fan RPMs.
func (c *Client) FanSpeeds(ctx context.Context) ([]int, error) {
	sum, err := c.GetSummary(ctx)
	if err != nil {
		return nil, err
	}
	return []int{int(sum.FanSpeedIn), int(sum.FanSpeedOut)}, nil
}

// Pools returns the configured pools. The API does not expose passwords.
func (c *Client) Pools(ctx context.Context) ([]miner.Pool, error) {
	return c.pools.Get(ctx, func(ctx context.Context) ([]miner.Pool, error) {
		resp, err := c.exec(ctx, "pools")
		if err != nil {
			return nil, err
		}
		var p cgminer.Pools
		if err := cgminer.Unmarshal(resp, &p); err != nil {
			return nil, err
		}
		if err := cgminer.CheckStatus(miner.VendorWhatsminer, "pools", p.Status); err != nil {
			return nil, err
		}
		pools := make([]miner.Pool, 0, len(p.Pools))
		for _, e := range p.Pools {
			pools = append(pools, miner.Pool{URL: e.URL, Username: e.User})
		}
		return pools, nil
	})
}

// SetPools writes up to MaxPools pools; unused slots are cleared.
func (c *Client) SetPools(ctx context.Context, pools []miner.Pool) error {
	if len(pools) > MaxPools {
		return fmt.Errorf("%w: at most %d pools", miner.ErrNotSupported, MaxPools)
	}

	cmd := map[string]any{"cmd": "update_pools"}
	for i := 0; i < MaxPools; i++ {
		var p miner.Pool
		if i < len(pools) {
			p = pools[i]
		}
		n := i + 1
		cmd[fmt.Sprintf("pool%d", n)] = p.URL
		cmd[fmt.Sprintf("worker%d", n)] = p.Username
		cmd[fmt.Sprintf("passwd%d", n)] = p.PasswordOrEmpty()
	}

	if _, err := c.privileged(ctx, cmd); err != nil {
		return fmt.Errorf("failed to update pools: %w", err)
	}
	c.pools.Invalidate()
	return nil
}

// Sleep reports whether mining is stopped. When the status command says the
// miner is off, the process list is checked as well, since cgminer based
// firmwares do not maintain the flag.
func (c *Client) Sleep(ctx context.Context) (bool, error) {
	return c.sleep.Get(ctx, func(ctx context.Context) (bool, error) {
		r, err := c.reply(ctx, "status")
		if err != nil {
			return false, err
		}
		var st MinerStatus
		if err := json.Unmarshal(r.Msg, &st); err != nil {
			return false, fmt.Errorf("%w: status: %w", miner.ErrInvalidResponse, err)
		}
		if !st.Off() {
			return false, nil
		}

		page, err := c.web(ctx, http.MethodGet, "/cgi-bin/luci/admin/status/processes", nil)
		if err != nil {
			return false, err
		}
		return !processPattern.MatchString(page), nil
	})
}

// SetSleep powers the hashboards off or on.
func (c *Client) SetSleep(ctx context.Context, sleep bool) error {
	cmd := map[string]any{"cmd": "power_on"}
	if sleep {
		cmd = map[string]any{"cmd": "power_off", "respbefore": "true"}
	}
	if _, err := c.privileged(ctx, cmd); err != nil {
		return fmt.Errorf("failed to set sleep: %w", err)
	}
	cache.Invalidate(c.sleep, c.summary)
	return nil
}

// Blink reports whether the LED is under manual control.
func (c *Client) Blink(ctx context.Context) (bool, error) {
	info, err := c.GetMinerInfo(ctx)
	if err != nil || info == nil {
		return false, err
	}
	return info.LEDStat != "auto", nil
}

// SetBlink flashes the red LED or returns it to automatic mode.
func (c *Client) SetBlink(ctx context.Context, blink bool) error {
	cmd := map[string]any{"cmd": "set_led", "param": "auto"}
	if blink {
		cmd = map[string]any{"cmd": "set_led", "color": "red", "period": 1000, "duration": 500, "start": 0}
	}
	if _, err := c.privileged(ctx, cmd); err != nil {
		return fmt.Errorf("failed to set blink: %w", err)
	}
	c.minerInfo.Invalidate()
	return nil
}

// Logs is not available over the API.
func (c *Client) Logs(context.Context) ([]string, error) {
	return nil, fmt.Errorf("%w: whatsminer logs", miner.ErrNotSupported)
}

// MAC returns the hardware address, falling back to the summary on
// firmwares without get_miner_info.
func (c *Client) MAC(ctx context.Context) (string, error) {
	info, err := c.GetMinerInfo(ctx)
	if err != nil {
		return "", err
	}
	if info != nil && info.MAC != "" {
		return info.MAC, nil
	}

	sum, err := c.GetSummary(ctx)
	if err != nil {
		return "", err
	}
	if sum.MAC == "" {
		return "", fmt.Errorf("%w: no MAC reported", miner.ErrInvalidResponse)
	}
	return sum.MAC, nil
}

// DNS returns the configured name servers.
func (c *Client) DNS(ctx context.Context) ([]string, error) {
	info, err := c.GetMinerInfo(ctx)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("%w: get_miner_info unavailable", miner.ErrNotSupported)
	}
	return info.DNSServers(), nil
}

// Errors classifies the active error codes.
func (c *Client) Errors(ctx context.Context) ([]string, error) {
	resp, err := c.exec(ctx, "get_error_code")
	if err != nil {
		return nil, err
	}

	var r Reply
	if err := json.Unmarshal(resp, &r); err != nil {
		repaired := strings.NewReplacer("[", "{", "]", "}").Replace(string(resp))
		if err := json.Unmarshal([]byte(repaired), &r); err != nil {
			return nil, fmt.Errorf("%w: get_error_code: %w", miner.ErrInvalidResponse, err)
		}
	}
	if !r.OK() {
		return nil, c.apiError("get_error_code", &r)
	}

	codes, err := ParseErrorCodes(r.Msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", miner.ErrInvalidResponse, err)
	}
	return errclass.Classify(strings.Join(codes, "\n"), errclass.Whatsminer), nil
}

var _ miner.Miner = (*Client)(nil)
