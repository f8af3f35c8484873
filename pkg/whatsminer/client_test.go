package whatsminer

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhive/minerctl/pkg/auth"
	"github.com/powerhive/minerctl/pkg/miner"
	"github.com/powerhive/minerctl/pkg/transport"
)

const (
	testPassword = "admin"

	summaryReply = `{"STATUS":[{"STATUS":"S","Msg":"Summary"}],"SUMMARY":[{"Elapsed":3600,"MHS av":84100000.5,"HS RT":84000000,"Temperature":72.5,"Fan Speed In":4200,"Fan Speed Out":4350,"Power":3360,"Factory GHS":86000,"MAC":"C6:07:1C:00:00:01","Chip Temp Max":inf,}],"id":1}`
	poolsReply   = `{"STATUS":[{"STATUS":"S","Msg":"2 Pool(s)"}],"POOLS":[{"POOL":0,"URL":"stratum+tcp://a:3333","User":"w.a","Priority":0},{"POOL":1,"URL":"stratum+tcp://b:3333","User":"w.b","Priority":1}],"id":1}`
	infoReply    = `{"STATUS":"S","When":1,"Code":131,"Msg":{"ip":"10.0.0.7","proto":"dhcp","netmask":"255.255.255.0","gateway":"10.0.0.1","dns":"10.0.0.1 8.8.8.8","mac":"C6:07:1C:00:00:01","ledstat":"auto"},"Description":""}`
)

var testChallenge = auth.Challenge{Salt: "BQ5hoXV9", Time: "4166", NewSalt: "Pd0jB5Rz"}

// fakeMiner answers socket commands. Encrypted commands are opened with a
// session derived the same way the device does.
type fakeMiner struct {
	t        *testing.T
	session  *auth.Session
	handle   func(f *fakeMiner, cmd map[string]any) string
	tokens   int32
	mu       sync.Mutex
	received []map[string]any
}

func newFakeMiner(t *testing.T, handle func(f *fakeMiner, cmd map[string]any) string) (*fakeMiner, int) {
	t.Helper()
	s, err := auth.NewSession(testPassword, testChallenge, time.Now())
	require.NoError(t, err)
	f := &fakeMiner{t: t, session: s, handle: handle}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f, ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeMiner) serve(conn net.Conn) {
	defer conn.Close()

	var req map[string]any
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		return
	}

	if data, ok := req["data"].(string); ok {
		plain, err := f.session.Decrypt(data)
		if err != nil {
			return
		}
		req = nil
		if err := json.Unmarshal(plain, &req); err != nil {
			return
		}
	}

	if req["cmd"] == "get_token" {
		atomic.AddInt32(&f.tokens, 1)
		msg, _ := json.Marshal(testChallenge)
		_, _ = io.WriteString(conn, `{"STATUS":"S","When":1,"Code":134,"Msg":`+string(msg)+`,"Description":""}`)
		return
	}

	f.mu.Lock()
	f.received = append(f.received, req)
	f.mu.Unlock()

	resp := f.handle(f, req)
	if resp == "" {
		return
	}
	_, _ = io.WriteString(conn, resp)
}

// sealed wraps a plain reply the way the device encrypts answers.
func (f *fakeMiner) sealed(reply string) string {
	out, _ := json.Marshal(map[string]string{"enc": f.session.Encrypt([]byte(reply))})
	return string(out)
}

func (f *fakeMiner) last() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.received) == 0 {
		return nil
	}
	return f.received[len(f.received)-1]
}

func newWeb(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/luci", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("luci_password") != testPassword {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/cgi-bin/luci/admin/status/overview", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<tr><td width=\"33%\">Model</td>\n<td>WhatsMiner M30S+_V20</td></tr>")
	})
	mux.HandleFunc("/cgi-bin/luci/admin/status/processes", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<input type="hidden" name="cbid.COMMAND" value="/usr/bin/monitor" />`)
	})
	srv := httptest.NewTLSServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, port int, web *httptest.Server) *Client {
	t.Helper()
	tc, err := transport.New(transport.WithRequestTimeout(2 * time.Second))
	require.NoError(t, err)
	h := miner.Handle{Host: "127.0.0.1", Port: port, Vendor: miner.VendorWhatsminer}
	return New(h, tc, WithWebURL(web.URL))
}

func TestReadings(t *testing.T) {
	_, port := newFakeMiner(t, func(f *fakeMiner, cmd map[string]any) string {
		switch cmd["cmd"] {
		case "summary":
			return summaryReply
		case "pools":
			return poolsReply
		case "get_miner_info":
			return infoReply
		}
		return `{"STATUS":"E","Code":14,"Msg":"invalid cmd"}`
	})
	c := newTestClient(t, port, newWeb(t))
	ctx := context.Background()

	hr, err := c.Hashrate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 84.0, hr, 1e-9)

	np, err := c.NameplateRate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 86.0, np, 1e-9)

	power, err := c.Power(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 3360.0, power, 1e-9)

	eff, err := c.Efficiency(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 40.0, eff, 1e-9)

	temp, err := c.Temperature(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 72.5, temp, 1e-9)

	fans, err := c.FanSpeeds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{4200, 4350}, fans)

	pools, err := c.Pools(ctx)
	require.NoError(t, err)
	require.Len(t, pools, 2)
	assert.Equal(t, "stratum+tcp://b:3333", pools[1].URL)
	assert.Nil(t, pools[1].Password)

	mac, err := c.MAC(ctx)
	require.NoError(t, err)
	assert.Equal(t, "C6:07:1C:00:00:01", mac)

	dns, err := c.DNS(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "8.8.8.8"}, dns)

	blink, err := c.Blink(ctx)
	require.NoError(t, err)
	assert.False(t, blink)

	model, err := c.Model(ctx)
	require.NoError(t, err)
	assert.Equal(t, "M30S+", model)

	_, err = c.Logs(ctx)
	assert.ErrorIs(t, err, miner.ErrNotSupported)
}

func TestIdleSummaryReportsZero(t *testing.T) {
	_, port := newFakeMiner(t, func(f *fakeMiner, _ map[string]any) string {
		return `{"STATUS":"E","When":1,"Code":23,"Msg":"btminer not running","Description":""}`
	})
	c := newTestClient(t, port, newWeb(t))

	hr, err := c.Hashrate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, hr)
}

func TestOlderFirmwareMACFallsBackToSummary(t *testing.T) {
	_, port := newFakeMiner(t, func(f *fakeMiner, cmd map[string]any) string {
		if cmd["cmd"] == "summary" {
			return summaryReply
		}
		return `{"STATUS":"E","When":1,"Code":14,"Msg":"invalid cmd","Description":""}`
	})
	c := newTestClient(t, port, newWeb(t))

	mac, err := c.MAC(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "C6:07:1C:00:00:01", mac)

	_, err = c.DNS(context.Background())
	assert.ErrorIs(t, err, miner.ErrNotSupported)
}

func TestMalformedMinerInfoIsReported(t *testing.T) {
	_, port := newFakeMiner(t, func(f *fakeMiner, cmd map[string]any) string {
		if cmd["cmd"] == "summary" {
			return summaryReply
		}
		return `{"STATUS":"S","When":1,"Code":131,"Msg":["garbage"],"Description":""}`
	})
	c := newTestClient(t, port, newWeb(t))

	_, err := c.DNS(context.Background())
	assert.ErrorIs(t, err, miner.ErrInvalidResponse)
	assert.NotErrorIs(t, err, miner.ErrNotSupported)

	_, err = c.MAC(context.Background())
	assert.ErrorIs(t, err, miner.ErrInvalidResponse, "MAC does not fall back to the summary")
}

func TestSetPoolsIsSealed(t *testing.T) {
	f, port := newFakeMiner(t, func(f *fakeMiner, cmd map[string]any) string {
		if cmd["cmd"] == "update_pools" {
			return f.sealed(`{"STATUS":"S","When":1,"Code":131,"Msg":"","Description":""}`)
		}
		return poolsReply
	})
	c := newTestClient(t, port, newWeb(t))
	ctx := context.Background()

	require.NoError(t, c.Authenticate(ctx, "admin", testPassword))
	require.NoError(t, c.SetPools(ctx, []miner.Pool{miner.NewPool("stratum+tcp://x:1", "w.x", "px")}))

	sent := f.last()
	assert.Equal(t, "update_pools", sent["cmd"])
	assert.Equal(t, f.session.Token(), sent["token"])
	assert.Equal(t, "stratum+tcp://x:1", sent["pool1"])
	assert.Equal(t, "px", sent["passwd1"])
	assert.Equal(t, "", sent["pool2"])
	assert.Equal(t, "", sent["worker3"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.tokens))

	err := c.SetPools(ctx, make([]miner.Pool, 4))
	assert.ErrorIs(t, err, miner.ErrNotSupported)
}

func TestStaleTokenIsRefreshedOnce(t *testing.T) {
	var calls int32
	f, port := newFakeMiner(t, func(f *fakeMiner, cmd map[string]any) string {
		if atomic.AddInt32(&calls, 1) == 1 {
			return `{"STATUS":"E","When":1,"Code":135,"Msg":"check token error","Description":""}`
		}
		return f.sealed(`{"STATUS":"S","When":1,"Code":131,"Msg":"","Description":""}`)
	})
	c := newTestClient(t, port, newWeb(t))
	ctx := context.Background()

	require.NoError(t, c.Authenticate(ctx, "admin", testPassword))
	require.NoError(t, c.SetBlink(ctx, true))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.tokens))
	assert.Equal(t, "red", f.last()["color"])
}

func TestTokenRejectedTwiceIsTerminal(t *testing.T) {
	_, port := newFakeMiner(t, func(f *fakeMiner, _ map[string]any) string {
		return `{"STATUS":"E","When":1,"Code":136,"Msg":"token over max times","Description":""}`
	})
	c := newTestClient(t, port, newWeb(t))
	ctx := context.Background()

	require.NoError(t, c.Authenticate(ctx, "admin", testPassword))
	err := c.SetSleep(ctx, true)
	assert.ErrorIs(t, err, miner.ErrTokenExpired)
}

func TestExpiredSessionIsRederived(t *testing.T) {
	now := time.Now()
	f, port := newFakeMiner(t, func(f *fakeMiner, _ map[string]any) string {
		return f.sealed(`{"STATUS":"S","When":1,"Code":131,"Msg":"","Description":""}`)
	})
	tc, err := transport.New()
	require.NoError(t, err)
	h := miner.Handle{Host: "127.0.0.1", Port: port, Vendor: miner.VendorWhatsminer}
	c := New(h, tc, WithWebURL(newWeb(t).URL), WithSessionOptions(auth.WithClock(func() time.Time { return now })))
	ctx := context.Background()

	require.NoError(t, c.Authenticate(ctx, "admin", testPassword))
	require.NoError(t, c.SetSleep(ctx, false))
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.tokens))

	now = now.Add(31 * time.Minute)
	require.NoError(t, c.SetSleep(ctx, false))
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.tokens))
}

func TestAuthenticateRejected(t *testing.T) {
	_, port := newFakeMiner(t, func(f *fakeMiner, _ map[string]any) string { return "" })
	c := newTestClient(t, port, newWeb(t))

	err := c.Authenticate(context.Background(), "admin", "wrong")
	assert.ErrorIs(t, err, miner.ErrUnauthorized)
}

func TestRebootAcceptsDroppedConnection(t *testing.T) {
	_, port := newFakeMiner(t, func(f *fakeMiner, _ map[string]any) string { return "" })
	c := newTestClient(t, port, newWeb(t))
	ctx := context.Background()

	require.NoError(t, c.Authenticate(ctx, "admin", testPassword))
	assert.NoError(t, c.Reboot(ctx))
}

func TestSleepChecksProcessList(t *testing.T) {
	_, port := newFakeMiner(t, func(f *fakeMiner, _ map[string]any) string {
		return `{"STATUS":"S","When":1,"Code":131,"Msg":{"btmineroff":"true","FirmwareVersion":"20220101"},"Description":""}`
	})
	c := newTestClient(t, port, newWeb(t))

	sleeping, err := c.Sleep(context.Background())
	require.NoError(t, err)
	assert.True(t, sleeping)
}

func TestErrorsAcceptsInvalidCodeList(t *testing.T) {
	_, port := newFakeMiner(t, func(f *fakeMiner, _ map[string]any) string {
		return `{"STATUS":"S","When":1,"Code":133,"Msg":{"error_code":["111":"2022-10-20 09:18:54","2010":"1970-01-02 08:00:04"]},"Description":""}`
	})
	c := newTestClient(t, port, newWeb(t))

	errs, err := c.Errors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"All pools disabled", "Fan 1 speed error"}, errs)
}

func TestParseErrorCodes(t *testing.T) {
	codes, err := ParseErrorCodes(json.RawMessage(`{"error_code":[{"530":"t"},{"111":"t"},{"530":"t2"}]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"111", "530"}, codes)

	codes, err = ParseErrorCodes(json.RawMessage(`{"error_code":[]}`))
	require.NoError(t, err)
	assert.Empty(t, codes)
}
