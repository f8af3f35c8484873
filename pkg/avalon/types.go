// Package avalon controls Canaan Avalon miners over the cgminer socket API.
// Live readings come from the bracketed text status Avalon firmware embeds
// in the estats reply.
package avalon

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/powerhive/minerctl/pkg/cgminer"
	"github.com/powerhive/minerctl/pkg/cgtext"
	"github.com/powerhive/minerctl/pkg/miner"
)

// EStats is the "MM ID0" text status of the controller.
type EStats struct {
	Elapsed int       `cgtext:"Elapsed"`
	Temp    int       `cgtext:"Temp"`
	TMax    int       `cgtext:"TMax"`
	TAvg    int       `cgtext:"TAvg"`
	Fan1    int       `cgtext:"Fan1"`
	Fan2    int       `cgtext:"Fan2"`
	Fan3    int       `cgtext:"Fan3"`
	Fan4    int       `cgtext:"Fan4"`
	GHSspd  float64   `cgtext:"GHSspd"`
	GHSmm   float64   `cgtext:"GHSmm"`
	GHSavg  float64   `cgtext:"GHSavg"`
	Led     int       `cgtext:"Led"`
	MTmax   []int     `cgtext:"MTmax"`
	PS      []int     `cgtext:"PS"`
	MGHS    []float64 `cgtext:"MGHS"`
}

// Fans returns the four fan speeds in RPM.
func (e *EStats) Fans() []int {
	return []int{e.Fan1, e.Fan2, e.Fan3, e.Fan4}
}

// PowerSupply returns the decoded PS readings.
func (e *EStats) PowerSupply() (PowerSupply, error) {
	return ParsePowerSupply(e.PS)
}

// PowerSupply is the PSU report. Voltages are transmitted in hundredths.
type PowerSupply struct {
	Err         int
	VoltControl float64
	VoltHash    float64
	Current     int
	Power       int
	SetVoltHash float64
}

// ParsePowerSupply decodes the PS list: error, control voltage, hash
// voltage, current, power, target hash voltage. Newer firmwares append
// extra fields, which are ignored.
func ParsePowerSupply(ps []int) (PowerSupply, error) {
	if len(ps) < 6 {
		return PowerSupply{}, fmt.Errorf("%w: PS has %d fields", miner.ErrInvalidResponse, len(ps))
	}
	return PowerSupply{
		Err:         ps[0],
		VoltControl: float64(ps[1]) / 100,
		VoltHash:    float64(ps[2]) / 100,
		Current:     ps[3],
		Power:       ps[4],
		SetVoltHash: float64(ps[5]) / 100,
	}, nil
}

var setInfoPattern = regexp.MustCompile(`[A-Za-z]\w*\[.*$`)

// parseSetInfo decodes the bracketed part of an ascset information reply,
// e.g. "ASC 0 set info: PS[0 1197 1249 260 3247 1248]".
func parseSetInfo(msg string, v any) error {
	text := setInfoPattern.FindString(strings.TrimSpace(msg))
	if text == "" {
		return fmt.Errorf("%w: unexpected ascset reply %q", miner.ErrInvalidResponse, msg)
	}
	if err := cgtext.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("%w: %w", miner.ErrInvalidResponse, err)
	}
	return nil
}

var modelPattern = regexp.MustCompile(`^([\w\d]+)-(\d+)`)

// VersionInfo is the part of the version reply the client uses.
type VersionInfo struct {
	Model    string
	RatedTHs float64
	MAC      string
}

// ParseVersion extracts the model, the rated hashrate encoded in the MODEL
// suffix ("1246-81" is an 81 TH/s 1246) and the MAC address.
func ParseVersion(v *cgminer.Version) (*VersionInfo, error) {
	if len(v.Version) == 0 {
		return nil, fmt.Errorf("%w: empty VERSION", miner.ErrInvalidResponse)
	}
	entry := v.Version[0]

	var model string
	if err := json.Unmarshal(entry["MODEL"], &model); err != nil {
		return nil, fmt.Errorf("%w: MODEL: %w", miner.ErrInvalidResponse, err)
	}
	m := modelPattern.FindStringSubmatch(model)
	if m == nil {
		return nil, fmt.Errorf("%w: unrecognised model %q", miner.ErrInvalidResponse, model)
	}
	rated, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: model suffix %q", miner.ErrInvalidResponse, m[2])
	}

	info := &VersionInfo{Model: m[1], RatedTHs: rated}

	var mac string
	if raw, ok := entry["MAC"]; ok && json.Unmarshal(raw, &mac) == nil {
		info.MAC = formatMAC(mac)
	}
	return info, nil
}

// formatMAC inserts colons into the bare hex address the firmware reports.
func formatMAC(mac string) string {
	mac = strings.ToLower(strings.TrimSpace(mac))
	if strings.Contains(mac, ":") || len(mac)%2 != 0 {
		return mac
	}
	parts := make([]string, 0, len(mac)/2)
	for i := 0; i < len(mac); i += 2 {
		parts = append(parts, mac[i:i+2])
	}
	return strings.Join(parts, ":")
}
