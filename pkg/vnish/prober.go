package vnish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/powerhive/minerctl/pkg/miner"
	"github.com/powerhive/minerctl/pkg/transport"
)

// ErrNotVNishFirmware indicates the host is not running VNish firmware.
var ErrNotVNishFirmware = errors.New("host is not running VNish firmware")

// Probe identifies VNish firmware with one unauthenticated GET of
// baseURL/info. It returns the info document when fw_name names VNish and
// ErrNotVNishFirmware for any other answer.
func Probe(ctx context.Context, hc *http.Client, baseURL string) (*MinerInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/info", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := transport.Do(hc, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrNotVNishFirmware
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, transport.Classify(err)
	}

	var info MinerInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotVNishFirmware, miner.ErrInvalidResponse)
	}
	if !strings.Contains(strings.ToLower(info.FWName), "vnish") {
		return nil, ErrNotVNishFirmware
	}
	return &info, nil
}
