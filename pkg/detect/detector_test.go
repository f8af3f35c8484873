package detect

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhive/minerctl/pkg/antminer"
	"github.com/powerhive/minerctl/pkg/avalon"
	"github.com/powerhive/minerctl/pkg/miner"
	"github.com/powerhive/minerctl/pkg/minerva"
	"github.com/powerhive/minerctl/pkg/transport"
	"github.com/powerhive/minerctl/pkg/vnish"
	"github.com/powerhive/minerctl/pkg/whatsminer"
)

const (
	antminerStats = `{"STATUS":[{"STATUS":"S","When":1700000000,"Code":70,"Msg":"CGMiner stats","Description":"cgminer 1.0.0"}],"STATS":[{"BMMiner":"2.0.0 rwglr","Miner":"uart_trans.1.3","CompileTime":"Thu Dec 17 18:22:10 CST 2020","Type":"Antminer S19j Pro"},{"STATS":0,"ID":"BC50","Elapsed":3600}],"id":1}`
	avalonStats   = `{"STATUS":[{"STATUS":"S","When":1700000000,"Code":70,"Msg":"CGMiner stats","Description":"cgminer 4.11.1"}],"STATS":[{"STATS":0,"ID":"AVA100","Elapsed":3600,"MM ID0":"Ver[1246-81] Temp[31]"},{"STATS":1,"ID":"POOL0","Elapsed":3600,"Pool Calls":0}],"id":1}`
	minervaStats  = `{"STATUS":[{"STATUS":"S","When":1700000000,"Code":70,"Msg":"CGMiner stats","Description":"cgminer 4.11.1"}],"STATS":[{"STATS":0,"ID":"MVA0","Elapsed":3600,"Type":"Minerva"}],"id":1}`
	otherStats    = `{"STATUS":[{"STATUS":"S","When":1700000000,"Code":70,"Msg":"CGMiner stats","Description":"cgminer 4.11.1"}],"STATS":[{"STATS":0,"ID":"X0","Elapsed":3600,"Type":"Other"}],"id":1}`
	deniedStats   = `{"STATUS":[{"STATUS":"E","When":1700000000,"Code":45,"Msg":"Access denied to 'stats' command","Description":"cgminer 4.11.1"}],"id":1}`
	whatsminerErr = `{"STATUS":"E","When":"0","Code":14,"Msg":"invalid cmd","Description":"whatsminer v1.1"}`
)

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
					_, _ = io.WriteString(conn, reply+"\x00")
				}
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// closedPort returns a port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// fakeWeb serves the same mux over http and https and counts requests.
type fakeWeb struct {
	requests atomic.Int32
	http     *httptest.Server
	https    *httptest.Server
}

func newFakeWeb(t *testing.T, routes map[string]http.HandlerFunc) *fakeWeb {
	t.Helper()
	f := &fakeWeb{}

	mux := http.NewServeMux()
	for pattern, h := range routes {
		mux.HandleFunc(pattern, h)
	}
	counted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		mux.ServeHTTP(w, r)
	})

	f.http = httptest.NewServer(counted)
	f.https = httptest.NewTLSServer(counted)
	t.Cleanup(f.http.Close)
	t.Cleanup(f.https.Close)
	return f
}

func newDispatcher(t *testing.T, web *fakeWeb) *Dispatcher {
	t.Helper()
	tc, err := transport.New(
		transport.WithConnectTimeout(time.Second),
		transport.WithRequestTimeout(2*time.Second),
	)
	require.NoError(t, err)
	return NewDispatcher(tc, WithHTTPRoots(web.http.URL, web.https.URL))
}

func vnishInfo(w http.ResponseWriter, r *http.Request) {
	_, _ = io.WriteString(w, `{"model":"Antminer S19j Pro","fw_name":"Vnish","fw_version":"1.2.6"}`)
}

func status(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}
}

func TestSocketMatchSkipsHTTP(t *testing.T) {
	web := newFakeWeb(t, nil)
	d := newDispatcher(t, web)

	m, err := d.Detect(context.Background(), "127.0.0.1", serveSocket(t, avalonStats))
	require.NoError(t, err)
	assert.IsType(t, &avalon.Client{}, m)
	assert.Equal(t, miner.VendorAvalon, m.Handle().Vendor)
	assert.Zero(t, web.requests.Load())
}

func TestWhatsminerBareStatus(t *testing.T) {
	web := newFakeWeb(t, nil)
	d := newDispatcher(t, web)

	m, err := d.Detect(context.Background(), "127.0.0.1", serveSocket(t, whatsminerErr))
	require.NoError(t, err)
	assert.IsType(t, &whatsminer.Client{}, m)
	assert.Zero(t, web.requests.Load())
}

func TestAntminerVariant(t *testing.T) {
	t.Run("vnish", func(t *testing.T) {
		web := newFakeWeb(t, map[string]http.HandlerFunc{"/api/v1/info": vnishInfo})
		d := newDispatcher(t, web)

		m, err := d.Detect(context.Background(), "127.0.0.1", serveSocket(t, antminerStats))
		require.NoError(t, err)
		assert.IsType(t, &vnish.Client{}, m)
		assert.Equal(t, int32(1), web.requests.Load())
	})

	t.Run("stock", func(t *testing.T) {
		web := newFakeWeb(t, nil)
		d := newDispatcher(t, web)

		m, err := d.Detect(context.Background(), "127.0.0.1", serveSocket(t, antminerStats))
		require.NoError(t, err)
		assert.IsType(t, &antminer.Client{}, m)
		assert.Equal(t, int32(1), web.requests.Load())
	})
}

func TestMinervaVariant(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   miner.Vendor
	}{
		{"custom interface", http.StatusNotFound, miner.VendorMinerva},
		{"minera", http.StatusOK, miner.VendorMinera},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			web := newFakeWeb(t, map[string]http.HandlerFunc{"/index.php": status(tt.status)})
			d := newDispatcher(t, web)

			h, err := d.DetectHandle(context.Background(), "127.0.0.1", serveSocket(t, minervaStats))
			require.NoError(t, err)
			assert.Equal(t, tt.want, h.Vendor)
			assert.Equal(t, int32(1), web.requests.Load())
		})
	}

	t.Run("undecided falls back to http", func(t *testing.T) {
		web := newFakeWeb(t, map[string]http.HandlerFunc{"/index.php": status(http.StatusInternalServerError)})
		d := newDispatcher(t, web)

		_, err := d.Detect(context.Background(), "127.0.0.1", serveSocket(t, minervaStats))
		assert.ErrorIs(t, err, miner.ErrUnknownMinerType)
	})

	t.Run("minera builds its client", func(t *testing.T) {
		web := newFakeWeb(t, map[string]http.HandlerFunc{"/index.php": status(http.StatusOK)})
		d := newDispatcher(t, web)

		m, err := d.Detect(context.Background(), "127.0.0.1", serveSocket(t, minervaStats))
		require.NoError(t, err)
		assert.IsType(t, &minerva.Minera{}, m)
	})
}

func TestHTTPProbe(t *testing.T) {
	tests := []struct {
		name   string
		routes map[string]http.HandlerFunc
		want   miner.Vendor
	}{
		{
			name: "digest challenge",
			routes: map[string]http.HandlerFunc{"/{$}": func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("WWW-Authenticate", `Digest realm="antMiner Configuration", nonce="abc", qop="auth"`)
				w.WriteHeader(http.StatusUnauthorized)
			}},
			want: miner.VendorAntminer,
		},
		{
			name:   "vnish info",
			routes: map[string]http.HandlerFunc{"/api/v1/info": vnishInfo},
			want:   miner.VendorVNish,
		},
		{
			name: "minerva title",
			routes: map[string]http.HandlerFunc{"/{$}": func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, "<html><head><title>Minerva</title>\n<script src=\"/umi.js\"></script></head></html>")
			}},
			want: miner.VendorMinerva,
		},
		{
			name:   "minera stats",
			routes: map[string]http.HandlerFunc{"/index.php/app/stats": status(http.StatusOK)},
			want:   miner.VendorMinera,
		},
		{
			name: "whatsminer luci",
			routes: map[string]http.HandlerFunc{"/cgi-bin/luci": func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
				_, _ = io.WriteString(w, "<html><head><title>WhatsMiner - LuCI</title></head></html>")
			}},
			want: miner.VendorWhatsminer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			web := newFakeWeb(t, tt.routes)
			d := newDispatcher(t, web)

			h, err := d.DetectHandle(context.Background(), "127.0.0.1", closedPort(t))
			require.NoError(t, err)
			assert.Equal(t, tt.want, h.Vendor)
		})
	}
}

func TestNothingMatches(t *testing.T) {
	web := newFakeWeb(t, nil)
	d := newDispatcher(t, web)

	_, err := d.Detect(context.Background(), "127.0.0.1", serveSocket(t, otherStats))
	assert.ErrorIs(t, err, miner.ErrUnknownMinerType)
}

func TestSocketAPIErrorFallsBackToHTTP(t *testing.T) {
	web := newFakeWeb(t, map[string]http.HandlerFunc{"/api/v1/info": vnishInfo})
	d := newDispatcher(t, web)

	h, err := d.DetectHandle(context.Background(), "127.0.0.1", serveSocket(t, deniedStats))
	require.NoError(t, err)
	assert.Equal(t, miner.VendorVNish, h.Vendor)
}

func TestUnreachableHost(t *testing.T) {
	tc, err := transport.New(transport.WithConnectTimeout(time.Second))
	require.NoError(t, err)
	dead := "http://127.0.0.1:" + itoa(closedPort(t))
	d := NewDispatcher(tc, WithHTTPRoots(dead, dead))

	_, err = d.Detect(context.Background(), "127.0.0.1", closedPort(t))
	assert.ErrorIs(t, err, miner.ErrConnectionRefused)
	assert.NotErrorIs(t, err, miner.ErrUnknownMinerType)

	_, err = d.Detect(context.Background(), "", 0)
	assert.ErrorIs(t, err, miner.ErrNoHost)
}

func TestBuildUsesFactoryTable(t *testing.T) {
	tc, err := transport.New()
	require.NoError(t, err)

	var built miner.Handle
	d := NewDispatcher(tc, WithFactories(map[miner.Vendor]Factory{
		miner.VendorAvalon: func(h miner.Handle, tc *transport.Client) miner.Miner {
			built = h
			return avalon.New(h, tc)
		},
	}))

	_, err = d.Build(miner.Handle{Host: "10.0.0.2", Vendor: miner.VendorAvalon})
	require.NoError(t, err)
	assert.Equal(t, miner.DefaultPort, built.Port)

	_, err = d.Build(miner.Handle{Host: "10.0.0.2", Vendor: miner.VendorWhatsminer})
	assert.ErrorIs(t, err, miner.ErrUnknownMinerType)
}
