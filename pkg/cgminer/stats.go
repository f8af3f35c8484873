package cgminer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/powerhive/minerctl/pkg/miner"
)

// SectionKind classifies one element of a STATS array.
type SectionKind int

const (
	SectionUnknown SectionKind = iota
	SectionPool
	SectionAvalon
	SectionDevice
	SectionAntminerVersion
)

// AvalonKey is the STATS key under which Avalon firmware embeds its
// bracketed text status.
const AvalonKey = "MM ID0"

// Section is one element of a STATS array, kept undecoded.
type Section map[string]json.RawMessage

// Has reports whether every key is present.
func (s Section) Has(keys ...string) bool {
	for _, k := range keys {
		if _, ok := s[k]; !ok {
			return false
		}
	}
	return true
}

// String returns the string value of key.
func (s Section) String(key string) (string, bool) {
	raw, ok := s[key]
	if !ok {
		return "", false
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	return v, true
}

// Kind classifies the section. Checks run in a fixed order: pool
// statistics, Avalon text status, generic device statistics (optionally
// typed), then the Antminer version banner.
func (s Section) Kind() SectionKind {
	switch {
	case s.Has("Pool Calls"):
		return SectionPool
	case s.Has(AvalonKey):
		return SectionAvalon
	case s.Has("STATS", "ID", "Elapsed"):
		return SectionDevice
	case s.Has("CompileTime") && (s.Has("BMMiner") || s.Has("Miner")):
		return SectionAntminerVersion
	}
	return SectionUnknown
}

// Stats is the response to the "stats" command.
type Stats struct {
	Status []Status  `json:"STATUS"`
	Stats  []Section `json:"STATS"`
}

// Reply is a socket response sniffed into one of its two top-level forms:
// a STATUS array with payload, or a bare status object.
type Reply struct {
	Stats *Stats
	Bare  *Status
}

// ParseReply sniffs the top-level STATUS field.
func ParseReply(data []byte) (*Reply, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%w: %w", miner.ErrInvalidResponse, err)
	}

	raw, ok := top["STATUS"]
	if !ok {
		return nil, fmt.Errorf("%w: missing STATUS", miner.ErrInvalidResponse)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty STATUS", miner.ErrInvalidResponse)
	}

	switch raw[0] {
	case '[':
		var stats Stats
		if err := json.Unmarshal(data, &stats); err != nil {
			return nil, fmt.Errorf("%w: %w", miner.ErrInvalidResponse, err)
		}
		return &Reply{Stats: &stats}, nil
	case '"':
		var st Status
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("%w: %w", miner.ErrInvalidResponse, err)
		}
		return &Reply{Bare: &st}, nil
	}
	return nil, fmt.Errorf("%w: unexpected STATUS %s", miner.ErrInvalidResponse, raw)
}

var (
	bareFloat     = regexp.MustCompile(`:\s*(-?inf|nan)\s*([,}\]])`)
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// Sanitize repairs the invalid JSON some firmwares emit: bare inf/nan
// values and trailing commas.
func Sanitize(data []byte) []byte {
	data = bareFloat.ReplaceAll(data, []byte(`:"$1"$2`))
	return trailingComma.ReplaceAll(data, []byte(`$1`))
}

// Unmarshal sanitizes data and decodes it into v, mapping failures to
// miner.ErrInvalidResponse.
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(Sanitize(data), v); err != nil {
		return fmt.Errorf("%w: %w", miner.ErrInvalidResponse, err)
	}
	return nil
}

// CheckStatus returns an APIError unless STATUS[0] reports success.
func CheckStatus(vendor miner.Vendor, command string, statuses []Status) error {
	if len(statuses) == 0 {
		return fmt.Errorf("%w: %s returned no STATUS", miner.ErrInvalidResponse, command)
	}
	if st := statuses[0]; !st.OK() {
		return &miner.APIError{Vendor: vendor, Command: command, Code: st.Code, Message: st.Msg}
	}
	return nil
}
