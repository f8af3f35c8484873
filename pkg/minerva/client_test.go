package minerva

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhive/minerctl/pkg/miner"
	"github.com/powerhive/minerctl/pkg/transport"
)

const (
	testPassword = "secret"

	devDetailsReply = `{"STATUS":[{"STATUS":"S","When":1700000000,"Code":69,"Msg":"Device Details","Description":"cgminer 4.11.1"}],"DEVDETAILS":[{"DEVDETAILS":0,"Name":"MVA","ID":0,"Driver":"minerva","Kernel":"","Model":"MV7"}],"id":1}`
	summaryData     = `[{"Elapsed":3600,"MHS av":94000000.12,"MHS 5s":95000000,"Accepted":120,"Rejected":1}]`
	workModeData    = `{"mask":"0xf","freq":600,"voltage":1350}`
	logData         = `["[2024-01-01 00:00:01] Error: fan 1 failed","[2024-01-01 00:00:02] init chip2/3 timeout","[2024-01-01 00:00:03] all good"]`
	networkData     = `{"dhcp4":true,"dns":"10.0.0.1","dnsBak":"","gateway":"10.0.0.1","hardwareAddress":"00:0a:35:00:00:07","interfaceName":"eth0","ip":"10.0.0.9","netmask":"255.255.255.0"}`
)

// fakeMinerva serves the REST API behind bearer tokens issued by
// /auth/login.
type fakeMinerva struct {
	mu       sync.Mutex
	token    string
	logins   int32
	summary  string
	posted   map[string][]byte
	workMode string
}

func newFakeMinerva(t *testing.T) (*fakeMinerva, *Client) {
	t.Helper()
	f := &fakeMinerva{summary: summaryData, posted: map[string][]byte{}, workMode: workModeData}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", f.login)
	f.handle(mux, "/api/v1/cgminer/summary", func() string { return f.summary })
	f.handle(mux, "/api/v1/systemInfo/tempAndSpeed", func() string { return `{"fan1Speed":4800,"fan2Speed":4920,"temperature":63.5}` })
	f.handle(mux, "/api/v1/cgminer/poolsInSetting", func() string {
		return `{"pool1url":"stratum+tcp://a:3333","pool1user":"w.a","pool2url":"stratum+tcp://b:3333","pool2user":"w.b","pool3url":"","pool3user":""}`
	})
	f.handle(mux, "/api/v1/cgminer/changePool", func() string { return `"ok"` })
	f.handle(mux, "/api/v1/cgminer/workMode", func() string { return f.workMode })
	f.handle(mux, "/api/v1/cgminer/setWorkMode", func() string { return `"ok"` })
	f.handle(mux, "/api/v1/cgminer/log", func() string { return logData })
	f.handle(mux, "/api/v1/systemInfo/network", func() string { return networkData })
	f.handle(mux, "/api/v1/cgminer/reboot", func() string { return `"rebooting"` })

	srv := httptest.NewTLSServer(mux)
	t.Cleanup(srv.Close)

	tc, err := transport.New()
	require.NoError(t, err)
	h := miner.Handle{Host: "127.0.0.1", Port: serveSocket(t, devDetailsReply), Vendor: miner.VendorMinerva}
	return f, New(h, tc, WithBaseURL(srv.URL+"/api/v1"))
}

func (f *fakeMinerva) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Password != testPassword {
		_, _ = io.WriteString(w, `{"code":401,"message":"failed","data":"invalid username or password"}`)
		return
	}
	n := atomic.AddInt32(&f.logins, 1)
	f.mu.Lock()
	f.token = fmt.Sprintf("token-%d", n)
	f.mu.Unlock()
	_, _ = fmt.Fprintf(w, `{"code":200,"message":"success","data":{"accessToken":"token-%d"}}`, n)
}

func (f *fakeMinerva) handle(mux *http.ServeMux, path string, data func() string) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		valid := f.token != "" && r.Header.Get("Authorization") == "Bearer "+f.token
		f.mu.Unlock()
		if !valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.posted[path] = body
			f.mu.Unlock()
		}
		f.mu.Lock()
		payload := data()
		f.mu.Unlock()
		_, _ = fmt.Fprintf(w, `{"code":200,"message":"success","data":%s}`, payload)
	})
}

// expire makes the server forget the issued token.
func (f *fakeMinerva) expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = "expired"
}

func (f *fakeMinerva) body(path string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posted[path]
}

// serveSocket answers every socket connection with reply.
func serveSocket(t *testing.T, reply string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				var cmd map[string]any
				if json.NewDecoder(conn).Decode(&cmd) == nil {
					_, _ = io.WriteString(conn, reply)
				}
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestReadings(t *testing.T) {
	_, c := newFakeMinerva(t)
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx, "admin", testPassword))

	model, err := c.Model(ctx)
	require.NoError(t, err)
	assert.Equal(t, "MV7", model)

	hr, err := c.Hashrate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 95.0, hr, 1e-9)

	np, err := c.NameplateRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, np)

	power, err := c.Power(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 95*34.0, power, 1e-6)

	eff, err := c.Efficiency(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 34.0, eff, 1e-9)

	temp, err := c.Temperature(ctx)
	require.NoError(t, err)
	assert.Equal(t, 63.5, temp)

	fans, err := c.FanSpeeds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{4800, 4920}, fans)

	mac, err := c.MAC(ctx)
	require.NoError(t, err)
	assert.Equal(t, "00:0a:35:00:00:07", mac)

	dns, err := c.DNS(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1"}, dns)

	pools, err := c.Pools(ctx)
	require.NoError(t, err)
	assert.Equal(t, []miner.Pool{
		{URL: "stratum+tcp://a:3333", Username: "w.a"},
		{URL: "stratum+tcp://b:3333", Username: "w.b"},
	}, pools)
}

func TestLoginRejected(t *testing.T) {
	_, c := newFakeMinerva(t)

	err := c.Authenticate(context.Background(), "admin", "wrong")
	assert.ErrorIs(t, err, miner.ErrUnauthorized)

	var apiErr *miner.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid username or password", apiErr.Message)
}

func TestReadWithoutCredentials(t *testing.T) {
	_, c := newFakeMinerva(t)

	_, err := c.Temperature(context.Background())
	assert.ErrorIs(t, err, miner.ErrUnauthorized)
}

func TestRejectedTokenIsRenewedOnce(t *testing.T) {
	f, c := newFakeMinerva(t)
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx, "admin", testPassword))

	f.expire()
	temp, err := c.Temperature(ctx)
	require.NoError(t, err)
	assert.Equal(t, 63.5, temp)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.logins))
}

func TestStoppedMinerReportsZeroHashrate(t *testing.T) {
	f, c := newFakeMinerva(t)
	f.summary = `"cgminer is not running"`
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx, "admin", testPassword))

	hr, err := c.Hashrate(ctx)
	require.NoError(t, err)
	assert.Zero(t, hr)

	eff, err := c.Efficiency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 34.0, eff, "idle efficiency falls back to the rating")
}

func TestSetPools(t *testing.T) {
	f, c := newFakeMinerva(t)
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx, "admin", testPassword))

	require.NoError(t, c.SetPools(ctx, []miner.Pool{miner.NewPool("stratum+tcp://x:1", "w.x", "px")}))

	var sent ChangePoolRequest
	require.NoError(t, json.Unmarshal(f.body("/api/v1/cgminer/changePool"), &sent))
	assert.Equal(t, ChangePoolRequest{Pool0URL: "stratum+tcp://x:1", Pool0User: "w.x", Pool0Pwd: "px"}, sent)

	err := c.SetPools(ctx, make([]miner.Pool, 4))
	assert.ErrorIs(t, err, miner.ErrNotSupported)
}

func TestSleepTogglesMask(t *testing.T) {
	f, c := newFakeMinerva(t)
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx, "admin", testPassword))

	sleeping, err := c.Sleep(ctx)
	require.NoError(t, err)
	assert.False(t, sleeping)

	require.NoError(t, c.SetSleep(ctx, true))
	assert.JSONEq(t, `{"mask":"0x0","freq":600,"voltage":1350}`, string(f.body("/api/v1/cgminer/setWorkMode")))

	f.mu.Lock()
	f.workMode = `{"mask":"0x0","freq":600,"voltage":1350}`
	f.mu.Unlock()

	sleeping, err = c.Sleep(ctx)
	require.NoError(t, err)
	assert.True(t, sleeping, "work mode is refetched after a change")
}

func TestLogsAndErrors(t *testing.T) {
	_, c := newFakeMinerva(t)
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx, "admin", testPassword))

	logs, err := c.Logs(ctx)
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	errs, err := c.Errors(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Failed to init board 2 chip 3", "Fan 1 failed"}, errs)
}

func TestReboot(t *testing.T) {
	_, c := newFakeMinerva(t)
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx, "admin", testPassword))
	assert.NoError(t, c.Reboot(ctx))

	_, err := c.Blink(ctx)
	assert.ErrorIs(t, err, miner.ErrNotSupported)
}
