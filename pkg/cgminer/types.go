// Package cgminer holds the JSON records of the cgminer-derived socket API
// shared by most miner firmwares, and the helpers to recognise them.
package cgminer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// StatusCode is the one-letter outcome of a socket command.
type StatusCode string

const (
	StatusWarning StatusCode = "W"
	StatusInfo    StatusCode = "I"
	StatusSuccess StatusCode = "S"
	StatusError   StatusCode = "E"
	StatusFatal   StatusCode = "F"
)

// Number accepts a JSON number or a numeric string; firmwares disagree.
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", data, err)
	}
	*n = Number(f)
	return nil
}

// Status is one entry of the STATUS array.
type Status struct {
	Status      StatusCode `json:"STATUS"`
	When        Number     `json:"When"`
	Code        int        `json:"Code"`
	Msg         string     `json:"Msg"`
	Description string     `json:"Description"`
}

// OK reports whether the command succeeded.
func (s Status) OK() bool {
	return s.Status == StatusSuccess || s.Status == StatusInfo
}

// Command is the response to any command: the STATUS array plus the id.
type Command struct {
	Status []Status `json:"STATUS"`
	ID     int      `json:"id"`
}

// First returns STATUS[0] or a zero Status.
func (c Command) First() Status {
	if len(c.Status) == 0 {
		return Status{}
	}
	return c.Status[0]
}

// Summary is the response to the "summary" command.
type Summary struct {
	Status  []Status       `json:"STATUS"`
	Summary []SummaryEntry `json:"SUMMARY"`
}

// SummaryEntry carries the hashrate fields common to cgminer forks.
type SummaryEntry struct {
	Elapsed  Number `json:"Elapsed"`
	MHSav    Number `json:"MHS av"`
	MHS5s    Number `json:"MHS 5s"`
	Accepted Number `json:"Accepted"`
	Rejected Number `json:"Rejected"`
}

// Pools is the response to the "pools" command.
type Pools struct {
	Status []Status    `json:"STATUS"`
	Pools  []PoolEntry `json:"POOLS"`
}

// PoolEntry is one configured pool.
type PoolEntry struct {
	Pool     int    `json:"POOL"`
	URL      string `json:"URL"`
	User     string `json:"User"`
	Status   string `json:"Status"`
	Priority int    `json:"Priority"`
}

// DevDetails is the response to the "devdetails" command.
type DevDetails struct {
	Status     []Status          `json:"STATUS"`
	DevDetails []DevDetailsEntry `json:"DEVDETAILS"`
}

// DevDetailsEntry describes one device.
type DevDetailsEntry struct {
	Name   string `json:"Name"`
	ID     int    `json:"ID"`
	Driver string `json:"Driver"`
	Model  string `json:"Model"`
}

// Version is the response to the "version" command.
type Version struct {
	Status  []Status                     `json:"STATUS"`
	Version []map[string]json.RawMessage `json:"VERSION"`
}
