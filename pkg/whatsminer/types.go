// Package whatsminer implements miner.Miner for MicroBT Whatsminer devices.
// Reads use the plain socket API; writes are sealed with the token session
// of package auth. The LuCI web interface supplies the model and process
// list.
package whatsminer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/powerhive/minerctl/pkg/cgminer"
)

// Status codes that mean the session token is no longer accepted.
const (
	codeTokenInvalid  = 135
	codeTokenOverused = 136
)

// Reply is the bare status form used by every Whatsminer specific command:
// STATUS is a string and Msg carries the payload or an error text.
type Reply struct {
	Status      cgminer.StatusCode `json:"STATUS"`
	When        cgminer.Number     `json:"When"`
	Code        int                `json:"Code"`
	Msg         json.RawMessage    `json:"Msg"`
	Description string             `json:"Description"`
}

// OK reports whether the command succeeded.
func (r *Reply) OK() bool {
	return r.Status == cgminer.StatusSuccess || r.Status == cgminer.StatusInfo
}

// Message returns Msg when it is a plain string.
func (r *Reply) Message() string {
	var s string
	if json.Unmarshal(r.Msg, &s) == nil {
		return s
	}
	return string(r.Msg)
}

// Summary is the response to the summary command.
type Summary struct {
	Status  []cgminer.Status `json:"STATUS"`
	Summary []SummaryEntry   `json:"SUMMARY"`
}

// SummaryEntry carries hashrates in MH/s and the power and cooling figures.
type SummaryEntry struct {
	Elapsed     cgminer.Number `json:"Elapsed"`
	MHSav       cgminer.Number `json:"MHS av"`
	MHS5s       cgminer.Number `json:"MHS 5s"`
	HSRT        cgminer.Number `json:"HS RT"`
	Temperature cgminer.Number `json:"Temperature"`
	FanSpeedIn  cgminer.Number `json:"Fan Speed In"`
	FanSpeedOut cgminer.Number `json:"Fan Speed Out"`
	Power       cgminer.Number `json:"Power"`
	PowerRT     cgminer.Number `json:"Power_RT"`
	PowerMode   string         `json:"Power Mode"`
	FactoryGHS  cgminer.Number `json:"Factory GHS"`
	MAC         string         `json:"MAC"`
}

// MinerInfo is the Msg of get_miner_info.
type MinerInfo struct {
	IP      string `json:"ip"`
	Proto   string `json:"proto"`
	Netmask string `json:"netmask"`
	Gateway string `json:"gateway"`
	DNS     string `json:"dns"`
	MAC     string `json:"mac"`
	LEDStat string `json:"ledstat"`
}

// DNSServers splits the space or comma separated server list.
func (m *MinerInfo) DNSServers() []string {
	return strings.FieldsFunc(m.DNS, func(r rune) bool {
		return r == ' ' || r == ','
	})
}

// Flag is a boolean that firmwares send either as a JSON bool or a string.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = false
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("invalid flag %q: %w", data, err)
	}
	*f = Flag(b)
	return nil
}

// MinerStatus is the Msg of the status command.
type MinerStatus struct {
	BTMinerOff Flag   `json:"btmineroff"`
	MinerOff   Flag   `json:"mineroff"`
	Firmware   string `json:"FirmwareVersion"`
}

// Off reports whether the mining process has been stopped.
func (s *MinerStatus) Off() bool {
	return bool(s.BTMinerOff || s.MinerOff)
}

// ParseErrorCodes extracts the codes of a get_error_code Msg. Firmwares send
// either a list of single-entry objects or, invalidly, a list of bare
// "code":"time" pairs.
func ParseErrorCodes(msg json.RawMessage) ([]string, error) {
	var body struct {
		ErrorCode json.RawMessage `json:"error_code"`
	}

	if err := json.Unmarshal(msg, &body); err != nil {
		repaired := strings.NewReplacer("[", "{", "]", "}").Replace(string(msg))
		if err := json.Unmarshal([]byte(repaired), &body); err != nil {
			return nil, fmt.Errorf("failed to parse error codes: %w", err)
		}
	}

	set := map[string]struct{}{}
	var list []map[string]string
	var obj map[string]string
	switch {
	case len(body.ErrorCode) == 0:
	case json.Unmarshal(body.ErrorCode, &list) == nil:
		for _, entry := range list {
			for code := range entry {
				set[code] = struct{}{}
			}
		}
	case json.Unmarshal(body.ErrorCode, &obj) == nil:
		for code := range obj {
			set[code] = struct{}{}
		}
	default:
		return nil, fmt.Errorf("failed to parse error codes: unexpected %s", body.ErrorCode)
	}

	codes := make([]string, 0, len(set))
	for code := range set {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes, nil
}
