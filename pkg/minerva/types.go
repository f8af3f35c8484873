// Package minerva controls MinerVa miners. Two-fan units run a custom
// https REST API with bearer tokens (Client); four-fan units run the Minera
// PHP front end (Minera).
package minerva

import (
	"encoding/json"
	"strings"

	"github.com/powerhive/minerctl/pkg/cgminer"
)

// Response is the envelope of every REST reply. Failures carry a message
// string in Data instead of the expected payload.
type Response struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// LoginData is the payload of /auth/login.
type LoginData struct {
	AccessToken string `json:"accessToken"`
}

// LoginRequest is the body of /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SummaryData is one entry of /cgminer/summary.
type SummaryData struct {
	Elapsed  cgminer.Number `json:"Elapsed"`
	MHS5s    cgminer.Number `json:"MHS 5s"`
	MHSav    cgminer.Number `json:"MHS av"`
	Accepted cgminer.Number `json:"Accepted"`
	Rejected cgminer.Number `json:"Rejected"`
}

// TempAndSpeed is the payload of /systemInfo/tempAndSpeed.
type TempAndSpeed struct {
	Fan1Speed   int     `json:"fan1Speed"`
	Fan2Speed   int     `json:"fan2Speed"`
	Temperature float64 `json:"temperature"`
}

// PoolSettings is the payload of /cgminer/poolsInSetting. Slots are
// numbered from 1 here and from 0 in ChangePoolRequest.
type PoolSettings struct {
	Pool1URL  string `json:"pool1url"`
	Pool1User string `json:"pool1user"`
	Pool2URL  string `json:"pool2url"`
	Pool2User string `json:"pool2user"`
	Pool3URL  string `json:"pool3url"`
	Pool3User string `json:"pool3user"`
}

// ChangePoolRequest is the body of /cgminer/changePool.
type ChangePoolRequest struct {
	Pool0URL  string `json:"pool0url"`
	Pool0User string `json:"pool0user"`
	Pool0Pwd  string `json:"pool0pwd"`
	Pool1URL  string `json:"pool1url"`
	Pool1User string `json:"pool1user"`
	Pool1Pwd  string `json:"pool1pwd"`
	Pool2URL  string `json:"pool2url"`
	Pool2User string `json:"pool2user"`
	Pool2Pwd  string `json:"pool2pwd"`
}

// Network is the payload of /systemInfo/network.
type Network struct {
	DHCP4           bool   `json:"dhcp4"`
	DNS             string `json:"dns"`
	DNSBak          string `json:"dnsBak"`
	Gateway         string `json:"gateway"`
	HardwareAddress string `json:"hardwareAddress"`
	InterfaceName   string `json:"interfaceName"`
	IP              string `json:"ip"`
	Netmask         string `json:"netmask"`
}

// Servers returns the primary and backup name servers that are set.
func (n *Network) Servers() []string {
	var out []string
	for _, s := range []string{n.DNS, n.DNSBak} {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Work mode masks select the enabled hashboards.
const (
	maskSleep = "0x0"
	maskAll   = "0xf"
)

// MineraStats is the reply of Minera's /app/stats. A stopped miner answers
// with notrunning set and no totals.
type MineraStats struct {
	NotRunning bool         `json:"notrunning"`
	Totals     *DeviceTotal `json:"totals"`
	MACAddr    string       `json:"mac_addr"`
	Ifconfig   Ifconfig     `json:"ifconfig"`
	Temp       float64      `json:"temp"`
	Miner      string       `json:"miner"`
	Pools      []MineraPool `json:"pools"`
}

// Running reports whether the stats carry live figures.
func (s *MineraStats) Running() bool {
	return !s.NotRunning && s.Totals != nil
}

// DeviceTotal sums the boards. Hashrate is in H/s.
type DeviceTotal struct {
	Temperature float64 `json:"temperature"`
	Frequency   int     `json:"frequency"`
	Accepted    int     `json:"accepted"`
	Rejected    int     `json:"rejected"`
	HWErrors    int     `json:"hw_errors"`
	Shares      int     `json:"shares"`
	Hashrate    float64 `json:"hashrate"`
	LastShare   int64   `json:"last_share"`
}

// Ifconfig is the network block of MineraStats.
type Ifconfig struct {
	MAC  string `json:"mac"`
	Mask string `json:"mask"`
	IP   string `json:"ip"`
	GW   string `json:"gw"`
	DNS  string `json:"dns"`
	DHCP string `json:"dhcp"`
}

// MineraPool is a pool as reported by running stats. Passwords are reduced
// to a flag.
type MineraPool struct {
	Priority int    `json:"priority"`
	URL      string `json:"url"`
	Active   bool   `json:"active"`
	User     string `json:"user"`
	Pass     bool   `json:"pass"`
}
