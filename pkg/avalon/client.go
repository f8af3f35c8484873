package avalon

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/powerhive/minerctl/pkg/cache"
	"github.com/powerhive/minerctl/pkg/cgminer"
	"github.com/powerhive/minerctl/pkg/cgtext"
	"github.com/powerhive/minerctl/pkg/miner"
	"github.com/powerhive/minerctl/pkg/transport"
)

// Client talks to one Avalon controller. The socket API needs no
// credentials.
type Client struct {
	handle    miner.Handle
	transport *transport.Client
	logger    *zap.Logger

	version *cache.Cell[*VersionInfo]
	estats  *cache.Cell[*EStats]
	sleep   *cache.Cell[bool]
	blink   *cache.Cell[bool]
}

// New creates an Avalon client.
func New(h miner.Handle, tc *transport.Client) *Client {
	return &Client{
		handle:    h,
		transport: tc,
		logger:    tc.Logger().With(zap.String("host", h.Host), zap.String("vendor", string(h.Vendor))),
		version:   cache.New[*VersionInfo](),
		estats:    cache.New[*EStats](),
		sleep:     cache.New[bool](),
		blink:     cache.New[bool](),
	}
}

// Handle returns the device handle.
func (c *Client) Handle() miner.Handle {
	return c.handle
}

func (c *Client) invalidateAll() {
	cache.Invalidate(c.version, c.estats, c.sleep, c.blink)
}

func (c *Client) exec(ctx context.Context, command, parameter string) ([]byte, error) {
	resp, err := c.transport.Exec(ctx, c.handle.Host, c.handle.Port, transport.Command{Command: command, Parameter: parameter})
	if err != nil {
		return nil, err
	}
	return cgminer.Sanitize(resp), nil
}

// ascset runs an ascset sub-command on device 0 and returns its status,
// which must carry the expected code letter.
func (c *Client) ascset(ctx context.Context, parameter string, want cgminer.StatusCode) (cgminer.Status, error) {
	resp, err := c.exec(ctx, "ascset", "0,"+parameter)
	if err != nil {
		return cgminer.Status{}, err
	}
	var cmd cgminer.Command
	if err := cgminer.Unmarshal(resp, &cmd); err != nil {
		return cgminer.Status{}, err
	}
	st := cmd.First()
	if st.Status != want {
		return cgminer.Status{}, &miner.APIError{Vendor: miner.VendorAvalon, Command: "ascset " + parameter, Code: st.Code, Message: st.Msg}
	}
	return st, nil
}

// GetVersion returns the decoded version reply.
func (c *Client) GetVersion(ctx context.Context) (*VersionInfo, error) {
	return c.version.Get(ctx, func(ctx context.Context) (*VersionInfo, error) {
		resp, err := c.exec(ctx, "version", "")
		if err != nil {
			return nil, err
		}
		var v cgminer.Version
		if err := cgminer.Unmarshal(resp, &v); err != nil {
			return nil, err
		}
		if err := cgminer.CheckStatus(miner.VendorAvalon, "version", v.Status); err != nil {
			return nil, err
		}
		return ParseVersion(&v)
	})
}

// GetEStats returns the controller text status from the estats reply.
func (c *Client) GetEStats(ctx context.Context) (*EStats, error) {
	return c.estats.Get(ctx, func(ctx context.Context) (*EStats, error) {
		resp, err := c.exec(ctx, "estats", "")
		if err != nil {
			return nil, err
		}
		var stats cgminer.Stats
		if err := cgminer.Unmarshal(resp, &stats); err != nil {
			return nil, err
		}
		if err := cgminer.CheckStatus(miner.VendorAvalon, "estats", stats.Status); err != nil {
			return nil, err
		}

		for _, section := range stats.Stats {
			if section.Kind() != cgminer.SectionAvalon {
				continue
			}
			text, ok := section.String(cgminer.AvalonKey)
			if !ok {
				return nil, fmt.Errorf("%w: %s is not a string", miner.ErrInvalidResponse, cgminer.AvalonKey)
			}
			var e EStats
			if err := cgtext.Unmarshal([]byte(text), &e); err != nil {
				return nil, fmt.Errorf("%w: %w", miner.ErrInvalidResponse, err)
			}
			return &e, nil
		}
		return nil, fmt.Errorf("%w: estats without %s", miner.ErrInvalidResponse, cgminer.AvalonKey)
	})
}

// Model returns the controller model, e.g. "1246".
func (c *Client) Model(ctx context.Context) (string, error) {
	v, err := c.GetVersion(ctx)
	if err != nil {
		return "", err
	}
	return v.Model, nil
}

// Authenticate has nothing to verify; the socket API is open.
func (c *Client) Authenticate(context.Context, string, string) error {
	c.invalidateAll()
	return nil
}

// Reboot sends the reboot command without waiting: the controller restarts
// before answering.
func (c *Client) Reboot(ctx context.Context) error {
	if err := c.send(ctx, "0,reboot,0"); err != nil {
		return fmt.Errorf("failed to reboot: %w", err)
	}
	c.invalidateAll()
	c.logger.Info("reboot requested")
	return nil
}

func (c *Client) send(ctx context.Context, parameter string) error {
	payload, err := json.Marshal(transport.Command{Command: "ascset", Parameter: parameter})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	return c.transport.Send(ctx, c.handle.Host, c.handle.Port, payload)
}

// Hashrate returns the measured hashrate in TH/s.
func (c *Client) Hashrate(ctx context.Context) (float64, error) {
	e, err := c.GetEStats(ctx)
	if err != nil {
		return 0, err
	}
	return e.GHSmm / 1000, nil
}

// NameplateRate returns the rated hashrate encoded in the model string.
func (c *Client) NameplateRate(ctx context.Context) (float64, error) {
	v, err := c.GetVersion(ctx)
	if err != nil {
		return 0, err
	}
	return v.RatedTHs, nil
}

// Power returns the PSU output in watts.
func (c *Client) Power(ctx context.Context) (float64, error) {
	e, err := c.GetEStats(ctx)
	if err != nil {
		return 0, err
	}
	ps, err := e.PowerSupply()
	if err != nil {
		return 0, err
	}
	return float64(ps.Power), nil
}

// Efficiency returns J/TH from the PSU reading, or the model rating when
// the controller is idle.
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
	r, err := miner.LookupRating(miner.VendorAvalon, model)
	if err != nil {
		return 0, err
	}
	return miner.EfficiencyOf(power, hr, r), nil
}

// Temperature returns the intake temperature.
func (c *Client) Temperature(ctx context.Context) (float64, error) {
	e, err := c.GetEStats(ctx)
	if err != nil {
		return 0, err
	}
	return float64(e.Temp), nil
}

// FanSpeeds returns the four fan speeds.
func (c *Client) FanSpeeds(ctx context.Context) ([]int, error) {
	e, err := c.GetEStats(ctx)
	if err != nil {
		return nil, err
	}
	return e.Fans(), nil
}

func (c *Client) Pools(context.Context) ([]miner.Pool, error) {
	return nil, fmt.Errorf("%w: avalon pools", miner.ErrNotSupported)
}

func (c *Client) SetPools(context.Context, []miner.Pool) error {
	return fmt.Errorf("%w: avalon pools", miner.ErrNotSupported)
}

// Sleep reports whether the hashboards are unpowered.
func (c *Client) Sleep(ctx context.Context) (bool, error) {
	return c.sleep.Get(ctx, func(ctx context.Context) (bool, error) {
		st, err := c.ascset(ctx, "hashpower", cgminer.StatusInfo)
		if err != nil {
			return false, err
		}
		var info struct {
			PS []int `cgtext:"PS"`
		}
		if err := parseSetInfo(st.Msg, &info); err != nil {
			return false, err
		}
		ps, err := ParsePowerSupply(info.PS)
		if err != nil {
			return false, err
		}
		return ps.Power == 0, nil
	})
}

// SetSleep cuts hashboard power. The firmware has no command to restore it,
// so waking reboots the controller.
func (c *Client) SetSleep(ctx context.Context, sleep bool) error {
	if !sleep {
		return c.Reboot(ctx)
	}
	if _, err := c.ascset(ctx, "hashpower,0", cgminer.StatusInfo); err != nil {
		return fmt.Errorf("failed to set sleep: %w", err)
	}
	cache.Invalidate(c.sleep, c.estats)
	return nil
}

// Blink reports whether the locator LED is lit.
func (c *Client) Blink(ctx context.Context) (bool, error) {
	return c.blink.Get(ctx, func(ctx context.Context) (bool, error) {
		st, err := c.ascset(ctx, "led,1-255", cgminer.StatusInfo)
		if err != nil {
			return false, err
		}
		var info struct {
			LED int `cgtext:"LED"`
		}
		if err := parseSetInfo(st.Msg, &info); err != nil {
			return false, err
		}
		return info.LED > 0, nil
	})
}

// SetBlink switches the locator LED.
func (c *Client) SetBlink(ctx context.Context, blink bool) error {
	parameter := "led,0"
	if blink {
		parameter = "led,1"
	}
	if _, err := c.ascset(ctx, parameter, cgminer.StatusSuccess); err != nil {
		return fmt.Errorf("failed to set blink: %w", err)
	}
	c.blink.Invalidate()
	return nil
}

func (c *Client) Logs(context.Context) ([]string, error) {
	return nil, fmt.Errorf("%w: avalon logs", miner.ErrNotSupported)
}

// MAC returns the controller's hardware address.
func (c *Client) MAC(ctx context.Context) (string, error) {
	v, err := c.GetVersion(ctx)
	if err != nil {
		return "", err
	}
	if v.MAC == "" {
		return "", fmt.Errorf("%w: no MAC reported", miner.ErrInvalidResponse)
	}
	return v.MAC, nil
}

func (c *Client) DNS(context.Context) ([]string, error) {
	return nil, fmt.Errorf("%w: avalon dns", miner.ErrNotSupported)
}

func (c *Client) Errors(context.Context) ([]string, error) {
	return nil, fmt.Errorf("%w: avalon errors", miner.ErrNotSupported)
}

var _ miner.Miner = (*Client)(nil)
