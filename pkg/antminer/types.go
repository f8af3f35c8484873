// Package antminer implements miner.Miner for Bitmain Antminer stock
// firmware through its digest-protected /cgi-bin API.
package antminer

import "strings"

// SystemInfo is the response of get_system_info.cgi.
type SystemInfo struct {
	MinerType  string `json:"minertype"`
	NetType    string `json:"nettype"`
	MACAddr    string `json:"macaddr"`
	Hostname   string `json:"hostname"`
	IPAddress  string `json:"ipaddress"`
	Netmask    string `json:"netmask"`
	Gateway    string `json:"gateway"`
	DNSServers string `json:"dnsservers"`

	SystemFilesystemVersion string `json:"system_filesystem_version"`
	FirmwareType            string `json:"firmware_type"`
	Algorithm               string `json:"Algorithm"`
	Serinum                 string `json:"serinum"`
}

// DNS splits the space or comma separated server list.
func (s *SystemInfo) DNS() []string {
	return strings.FieldsFunc(s.DNSServers, func(r rune) bool {
		return r == ' ' || r == ','
	})
}

// MinerConfig is the response of get_miner_conf.cgi and the body of
// set_miner_conf.cgi.
type MinerConfig struct {
	Pools []PoolConfig `json:"pools"`

	BitmainFanCtrl  bool   `json:"bitmain-fan-ctrl"`
	BitmainFanPWM   string `json:"bitmain-fan-pwm"`
	BitmainFreq     string `json:"bitmain-freq,omitempty"`
	BitmainVoltage  string `json:"bitmain-voltage,omitempty"`
	BitmainWorkMode string `json:"bitmain-work-mode,omitempty"`

	// MinerMode is only sent: 0 runs the hashboards, 1 puts them to sleep.
	MinerMode *int `json:"miner-mode,omitempty"`
}

// Sleeping reports whether the configured work mode is sleep.
func (c *MinerConfig) Sleeping() bool {
	return c.BitmainWorkMode == "1"
}

// PoolConfig is one configured pool.
type PoolConfig struct {
	URL  string `json:"url"`
	User string `json:"user"`
	Pass string `json:"pass"`
}

// APIStatus is the status header of stats.cgi and summary.cgi.
type APIStatus struct {
	Status     string `json:"STATUS"`
	When       int64  `json:"when"`
	Msg        string `json:"Msg"`
	APIVersion string `json:"api_version"`
}

// StatsResponse is the response of stats.cgi.
type StatsResponse struct {
	Status APIStatus   `json:"STATUS"`
	Stats  []StatsData `json:"STATS"`
}

// StatsData holds rates in GH/s, fan RPM and per-chain sensors.
type StatsData struct {
	Elapsed   int     `json:"elapsed"`
	Rate5s    float64 `json:"rate_5s"`
	RateAvg   float64 `json:"rate_avg"`
	RateIdeal float64 `json:"rate_ideal"`
	RateUnit  string  `json:"rate_unit"`
	ChainNum  int     `json:"chain_num"`
	FanNum    int     `json:"fan_num"`
	Fan       []int   `json:"fan"`
	Chain     []Chain `json:"chain"`
}

// Chain is one hashboard.
type Chain struct {
	Index     int     `json:"index"`
	FreqAvg   int     `json:"freq_avg"`
	RateIdeal float64 `json:"rate_ideal"`
	RateReal  float64 `json:"rate_real"`
	AsicNum   int     `json:"asic_num"`
	TempPIC   []int   `json:"temp_pic"`
	TempPCB   []int   `json:"temp_pcb"`
	TempChip  []int   `json:"temp_chip"`
	HW        int     `json:"hw"`
	SN        string  `json:"sn"`
}

// SummaryResponse is the response of summary.cgi.
type SummaryResponse struct {
	Status  APIStatus     `json:"STATUS"`
	Summary []SummaryData `json:"SUMMARY"`
}

// SummaryData holds rates in GH/s.
type SummaryData struct {
	Elapsed   int          `json:"elapsed"`
	Rate5s    float64      `json:"rate_5s"`
	RateAvg   float64      `json:"rate_avg"`
	RateIdeal float64      `json:"rate_ideal"`
	RateUnit  string       `json:"rate_unit"`
	HWAll     int          `json:"hw_all"`
	Status    []StatusItem `json:"status"`
}

// StatusItem is one health check of summary.cgi.
type StatusItem struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

// BlinkStatus is the response of get_blink_status.cgi.
type BlinkStatus struct {
	Blink bool `json:"blink"`
}

// ConfigResponse is the response of the POST configuration endpoints.
type ConfigResponse struct {
	Stats string `json:"stats"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
}
