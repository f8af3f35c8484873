package vnish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhive/minerctl/pkg/miner"
	"github.com/powerhive/minerctl/pkg/transport"
)

const (
	testPassword = "admin"

	infoReply     = `{"miner":"Antminer S19j Pro","model":"Antminer S19j Pro","fw_name":"Vnish","fw_version":"1.2.6","platform":"xil","algorithm":"sha256d","hr_measure":"GH/s","system":{"os":"GNU/Linux","miner_name":"s19jpro","network_status":{"mac":"0A:1B:2C:3D:4E:5F","dhcp":true,"ip":"10.0.0.5","netmask":"255.255.255.0","gateway":"10.0.0.1","dns":["10.0.0.1","8.8.8.8"],"hostname":"s19"},"uptime":"1h"}}`
	summaryReply  = `{"miner":{"miner_status":{"miner_state":"mining"},"miner_type":"Antminer S19j Pro","average_hashrate":103500.5,"instant_hashrate":104000,"hr_nominal":104000,"pcb_temp":{"min":40,"max":62},"chip_temp":{"min":55,"max":78},"power_consumption":3068,"power_efficiency":29.5,"hw_errors":3,"pools":[],"cooling":{"fan_num":4,"fans":[{"id":0,"rpm":5400,"status":"ok"},{"id":1,"rpm":5460,"status":"ok"},{"id":2,"rpm":5520,"status":"ok"},{"id":3,"rpm":5400,"status":"ok"}],"fan_duty":60}}}`
	settingsReply = `{"miner":{"pools":[{"url":"stratum+tcp://a:3333","user":"w.a","pass":"x"},{"url":"","user":"","pass":""}],"misc":{"quiet_mode":false}},"network":{"hostname":"s19"}}`
	minerLog      = "[2024] load chain 2 ...\n[2024] chain 2 EEPROM error\n[2024] ERROR_FAN_LOST\n"
)

// fakeVNish serves the VNish API with bearer tokens from /unlock and API keys
// registered through /apikeys.
type fakeVNish struct {
	mu       sync.Mutex
	tokens   int
	token    string
	keys     map[string]bool
	state    string
	find     bool
	settings []byte
	calls    map[string]int
}

func newFakeVNish(t *testing.T) (*fakeVNish, *Client) {
	t.Helper()
	f := &fakeVNish{keys: map[string]bool{}, state: StateMining, calls: map[string]int{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/unlock", func(w http.ResponseWriter, r *http.Request) {
		var req UnlockRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != testPassword {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"err":"wrong password"}`)
			return
		}
		f.mu.Lock()
		f.tokens++
		f.token = fmt.Sprintf("tok-%d", f.tokens)
		token := f.token
		f.mu.Unlock()
		_, _ = fmt.Fprintf(w, `{"token":%q}`, token)
	})
	mux.HandleFunc("/api/v1/info", f.open(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, infoReply)
	}))
	mux.HandleFunc("/api/v1/status", f.open(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `{"miner_state":%q,"find_miner":%t,"unlocked":false}`, f.state, f.find)
	}))
	mux.HandleFunc("/api/v1/find-miner", f.open(func(w http.ResponseWriter, r *http.Request) {
		f.find = !f.find
		_, _ = fmt.Fprintf(w, `{"on":%t}`, f.find)
	}))
	mux.HandleFunc("/api/v1/summary", f.authed(false, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, summaryReply)
	}))
	mux.HandleFunc("/api/v1/logs/miner", f.authed(false, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, minerLog)
	}))
	mux.HandleFunc("/api/v1/apikeys", f.authed(false, func(w http.ResponseWriter, r *http.Request) {
		var req APIKeyRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.keys[req.Key] = true
	}))
	mux.HandleFunc("/api/v1/mining/stop", f.authed(false, func(w http.ResponseWriter, r *http.Request) {
		f.state = StateStopped
	}))
	mux.HandleFunc("/api/v1/mining/start", f.authed(false, func(w http.ResponseWriter, r *http.Request) {
		f.state = StateMining
	}))
	mux.HandleFunc("/api/v1/system/reboot", f.authed(true, func(w http.ResponseWriter, r *http.Request) {}))
	mux.HandleFunc("/api/v1/settings", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			f.open(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, settingsReply)
			})(w, r)
			return
		}
		f.authed(true, func(w http.ResponseWriter, r *http.Request) {
			f.settings, _ = io.ReadAll(r.Body)
		})(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	tc, err := transport.New()
	require.NoError(t, err)
	h := miner.Handle{Host: "127.0.0.1", Port: miner.DefaultPort, Vendor: miner.VendorVNish}
	return f, New(h, tc, WithBaseURL(srv.URL+"/api/v1"))
}

func (f *fakeVNish) open(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls[r.URL.Path]++
		next(w, r)
	}
}

func (f *fakeVNish) authed(keyed bool, next http.HandlerFunc) http.HandlerFunc {
	return f.open(func(w http.ResponseWriter, r *http.Request) {
		if f.token == "" || r.Header.Get("Authorization") != "Bearer "+f.token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if keyed && !f.keys[r.Header.Get("x-api-key")] {
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"err":"invalid api key"}`)
			return
		}
		next(w, r)
	})
}

func (f *fakeVNish) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeVNish) logins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens
}

func TestReadings(t *testing.T) {
	_, c := newFakeVNish(t)
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx, "", testPassword))

	model, err := c.Model(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s19jpro", model)

	hr, err := c.Hashrate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 104.0, hr, 1e-9)

	np, err := c.NameplateRate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 104.0, np, 1e-9)

	power, err := c.Power(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3068.0, power)

	eff, err := c.Efficiency(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 3068.0/104, eff, 1e-9)

	temp, err := c.Temperature(ctx)
	require.NoError(t, err)
	assert.Equal(t, 62.0, temp)

	fans, err := c.FanSpeeds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{5400, 5460, 5520, 5400}, fans)

	mac, err := c.MAC(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0a:1b:2c:3d:4e:5f", mac)

	dns, err := c.DNS(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "8.8.8.8"}, dns)

	pools, err := c.Pools(ctx)
	require.NoError(t, err)
	assert.Equal(t, []miner.Pool{miner.NewPool("stratum+tcp://a:3333", "w.a", "x")}, pools)
}

func TestLegacyFanFormat(t *testing.T) {
	var cooling Cooling
	require.NoError(t, json.Unmarshal([]byte(`{"fan_num":2,"fans":[5400,0]}`), &cooling))
	assert.Equal(t, []int{5400, 0}, cooling.Fans.RPMs())
	assert.Equal(t, "failed", cooling.Fans[1].Status)
}

func TestUnlockRejected(t *testing.T) {
	_, c := newFakeVNish(t)

	err := c.Authenticate(context.Background(), "", "wrong")
	assert.ErrorIs(t, err, miner.ErrUnauthorized)

	var se *miner.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "wrong password", se.Body)
}

func TestSummaryNeedsPassword(t *testing.T) {
	_, c := newFakeVNish(t)

	_, err := c.Hashrate(context.Background())
	assert.ErrorIs(t, err, miner.ErrUnauthorized)
}

func TestSetPoolsRegistersAPIKey(t *testing.T) {
	f, c := newFakeVNish(t)
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx, "", testPassword))

	require.NoError(t, c.SetPools(ctx, []miner.Pool{
		miner.NewPool("stratum+tcp://x:1", "w.x", "px"),
		{URL: "stratum+tcp://y:2", Username: "w.y"},
	}))
	assert.Equal(t, 1, f.count("/api/v1/apikeys"))

	f.mu.Lock()
	sent := f.settings
	f.mu.Unlock()
	assert.JSONEq(t, `{"miner":{"pools":[{"url":"stratum+tcp://x:1","user":"w.x","pass":"px"},{"url":"stratum+tcp://y:2","user":"w.y","pass":""}]}}`, string(sent))

	// The key is reused.
	require.NoError(t, c.SetPools(ctx, nil))
	assert.Equal(t, 1, f.count("/api/v1/apikeys"))
}

func TestRejectedAPIKeyIsReplacedOnce(t *testing.T) {
	f, c := newFakeVNish(t)
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx, "", testPassword))
	require.NoError(t, c.Reboot(ctx))

	f.mu.Lock()
	f.keys = map[string]bool{}
	f.mu.Unlock()

	require.NoError(t, c.Reboot(ctx))
	assert.Equal(t, 2, f.count("/api/v1/apikeys"))
	assert.Equal(t, 3, f.count("/api/v1/system/reboot"))
	assert.Equal(t, 1, f.logins(), "a rejected key keeps the token")
}

func TestExpiredTokenIsRenewed(t *testing.T) {
	f, c := newFakeVNish(t)
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx, "", testPassword))

	f.mu.Lock()
	f.token = "gone"
	f.mu.Unlock()

	_, err := c.Temperature(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.logins())
}

func TestSleep(t *testing.T) {
	f, c := newFakeVNish(t)
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx, "", testPassword))

	sleeping, err := c.Sleep(ctx)
	require.NoError(t, err)
	assert.False(t, sleeping)

	require.NoError(t, c.SetSleep(ctx, true))
	sleeping, err = c.Sleep(ctx)
	require.NoError(t, err)
	assert.True(t, sleeping, "status is refetched after a change")

	require.NoError(t, c.SetSleep(ctx, false))
	assert.Equal(t, 1, f.count("/api/v1/mining/start"))
}

func TestSetBlinkTogglesOnlyOnChange(t *testing.T) {
	f, c := newFakeVNish(t)
	ctx := context.Background()

	require.NoError(t, c.SetBlink(ctx, false))
	assert.Zero(t, f.count("/api/v1/find-miner"))

	require.NoError(t, c.SetBlink(ctx, true))
	assert.Equal(t, 1, f.count("/api/v1/find-miner"))

	on, err := c.Blink(ctx)
	require.NoError(t, err)
	assert.True(t, on)
}

func TestLogsAndErrors(t *testing.T) {
	_, c := newFakeVNish(t)
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx, "", testPassword))

	logs, err := c.Logs(ctx)
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	errs, err := c.Errors(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Chain 2 EEPROM error", "Fan lost"}, errs)
}

func TestProbe(t *testing.T) {
	_, c := newFakeVNish(t)
	tc, err := transport.New()
	require.NoError(t, err)

	info, err := Probe(context.Background(), tc.HTTP(), c.baseURL)
	require.NoError(t, err)
	assert.Equal(t, "1.2.6", info.FWVersion)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"fw_name":"Braiins"}`)
	}))
	defer srv.Close()
	_, err = Probe(context.Background(), tc.HTTP(), srv.URL)
	assert.ErrorIs(t, err, ErrNotVNishFirmware)
}

func TestGenerateAPIKey(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.True(t, ValidateAPIKey(key))
}
