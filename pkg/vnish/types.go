package vnish

import "encoding/json"

// UnlockRequest is the request body for authentication.
type UnlockRequest struct {
	Password string `json:"pw"`
}

// UnlockResponse contains the bearer token from authentication.
type UnlockResponse struct {
	Token string `json:"token"`
}

// NetworkStatus contains network configuration details.
type NetworkStatus struct {
	MAC      string   `json:"mac"`
	DHCP     bool     `json:"dhcp"`
	IP       string   `json:"ip"`
	Netmask  string   `json:"netmask"`
	Gateway  string   `json:"gateway"`
	DNS      []string `json:"dns"`
	Hostname string   `json:"hostname"`
}

// SystemInfo contains system-level information.
type SystemInfo struct {
	OS                string        `json:"os"`
	MinerName         string        `json:"miner_name"`
	FileSystemVersion string        `json:"file_system_version"`
	NetworkStatus     NetworkStatus `json:"network_status"`
	Uptime            string        `json:"uptime"`
}

// MinerInfo contains detailed miner information.
type MinerInfo struct {
	Miner     string     `json:"miner"`
	Model     string     `json:"model"`
	FWName    string     `json:"fw_name"`
	FWVersion string     `json:"fw_version"`
	Platform  string     `json:"platform"`
	Algorithm string     `json:"algorithm"`
	HRMeasure string     `json:"hr_measure"`
	System    SystemInfo `json:"system"`
	Serial    string     `json:"serial"`
}

// Miner states reported in MinerStatus.
const (
	StateMining   = "mining"
	StateStopped  = "stopped"
	StateFailure  = "failure"
	StateStarting = "starting"
)

// MinerStatus contains the current miner operational status.
type MinerStatus struct {
	MinerState      string `json:"miner_state"`
	MinerStateTime  int    `json:"miner_state_time"`
	Description     string `json:"description"`
	FailureCode     int    `json:"failure_code"`
	FindMiner       bool   `json:"find_miner"`
	RestartRequired bool   `json:"restart_required"`
	RebootRequired  bool   `json:"reboot_required"`
	Unlocked        bool   `json:"unlocked"`
}

// TempRange contains min/max temperature values.
type TempRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Pool contains mining pool status.
type Pool struct {
	ID       int    `json:"id"`
	URL      string `json:"url"`
	User     string `json:"user"`
	Status   string `json:"status"`
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
}

// Fan contains individual fan status (object format from newer VNish versions).
type Fan struct {
	ID     int    `json:"id"`
	RPM    int    `json:"rpm"`
	Status string `json:"status"`
	MaxRPM int    `json:"max_rpm"`
}

// FanData handles both VNish fan response formats:
// - Legacy: array of ints [5400, 5300, ...]
// - Modern: array of objects [{"rpm": 5400, "status": "ok"}, ...]
type FanData []Fan

// UnmarshalJSON implements custom unmarshaling for flexible fan data.
func (f *FanData) UnmarshalJSON(data []byte) error {
	var fans []Fan
	if err := json.Unmarshal(data, &fans); err == nil {
		*f = fans
		return nil
	}

	var rpms []int
	if err := json.Unmarshal(data, &rpms); err != nil {
		return err
	}

	*f = make([]Fan, len(rpms))
	for i, rpm := range rpms {
		status := "ok"
		if rpm == 0 {
			status = "failed"
		}
		(*f)[i] = Fan{RPM: rpm, Status: status}
	}
	return nil
}

// RPMs returns the fan speeds.
func (f FanData) RPMs() []int {
	out := make([]int, len(f))
	for i, fan := range f {
		out[i] = fan.RPM
	}
	return out
}

// Cooling contains cooling status information.
type Cooling struct {
	FanNum  int     `json:"fan_num"`
	Fans    FanData `json:"fans"`
	FanDuty int     `json:"fan_duty"`
}

// MinerSummary contains the miner summary data. Hashrates are in GH/s.
type MinerSummary struct {
	MinerStatus      MinerStatus `json:"miner_status"`
	MinerType        string      `json:"miner_type"`
	AverageHashrate  float64     `json:"average_hashrate"`
	InstantHashrate  float64     `json:"instant_hashrate"`
	HRNominal        float64     `json:"hr_nominal"`
	PCBTemp          TempRange   `json:"pcb_temp"`
	ChipTemp         TempRange   `json:"chip_temp"`
	PowerConsumption int         `json:"power_consumption"`
	PowerEfficiency  float64     `json:"power_efficiency"`
	HWErrors         int         `json:"hw_errors"`
	Pools            []Pool      `json:"pools"`
	Cooling          Cooling     `json:"cooling"`
}

// Summary is the top-level summary response.
type Summary struct {
	Miner MinerSummary `json:"miner"`
}

// PoolSetting is a configured pool in the settings document.
type PoolSetting struct {
	URL  string `json:"url"`
	User string `json:"user"`
	Pass string `json:"pass"`
}

// MinerMiscSettings contains miscellaneous miner settings.
type MinerMiscSettings struct {
	QuietMode bool `json:"quiet_mode,omitempty"`
}

// MinerSettings contains miner-specific settings.
type MinerSettings struct {
	Pools []PoolSetting      `json:"pools,omitempty"`
	Misc  *MinerMiscSettings `json:"misc,omitempty"`
}

// Settings is the part of the configuration document the client reads.
type Settings struct {
	Miner MinerSettings `json:"miner"`
}

// SettingsUpdate is the request body for updating settings. Only the
// sections present are changed.
type SettingsUpdate struct {
	Miner MinerSettings `json:"miner"`
}

// FindMinerResponse is the response for find-miner LED toggle.
type FindMinerResponse struct {
	On bool `json:"on"`
}

// APIKeyRequest is the request for creating/deleting API keys.
type APIKeyRequest struct {
	Key         string `json:"key"`
	Description string `json:"description,omitempty"`
}

// ErrorResponse contains an error message from the API.
type ErrorResponse struct {
	Err string `json:"err"`
}
