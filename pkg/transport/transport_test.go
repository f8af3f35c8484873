package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerhive/minerctl/pkg/miner"
)

// serveOnce accepts one connection, records the request and replies.
func serveOnce(t *testing.T, reply []byte, hold time.Duration) (string, int, <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	got := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		got <- buf[:n]
		time.Sleep(hold)
		_, _ = conn.Write(reply)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, got
}

func TestExecStripsNulBytes(t *testing.T) {
	host, port, got := serveOnce(t, []byte("{\"STATUS\":\"S\"}\x00"), 0)

	c, err := New()
	require.NoError(t, err)

	resp, err := c.Exec(context.Background(), host, port, Command{Command: "stats"})
	require.NoError(t, err)
	assert.Equal(t, `{"STATUS":"S"}`, string(resp))
	assert.JSONEq(t, `{"command":"stats"}`, string(<-got))
}

func TestSendRecvTimeout(t *testing.T) {
	host, port, _ := serveOnce(t, []byte("late"), time.Second)

	c, err := New(WithRequestTimeout(100 * time.Millisecond))
	require.NoError(t, err)

	_, err = c.SendRecv(context.Background(), host, port, []byte("{}"))
	assert.ErrorIs(t, err, miner.ErrTimeout)
}

func TestSendRecvConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c, err := New()
	require.NoError(t, err)

	_, err = c.SendRecv(context.Background(), "127.0.0.1", port, []byte("{}"))
	assert.ErrorIs(t, err, miner.ErrConnectionRefused)
	assert.True(t, miner.IsConnectionError(err))
}

func TestSendRecvEmptyReplyIsConnectionFailure(t *testing.T) {
	host, port, _ := serveOnce(t, []byte("\x00"), 0)

	c, err := New()
	require.NoError(t, err)

	_, err = c.SendRecv(context.Background(), host, port, []byte("{}"))
	assert.ErrorIs(t, err, miner.ErrRequestFailed)
	assert.True(t, miner.IsConnectionError(err))
}

func TestSendDoesNotWaitForReply(t *testing.T) {
	host, port, got := serveOnce(t, nil, time.Second)

	c, err := New(WithRequestTimeout(100 * time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, c.Send(context.Background(), host, port, []byte(`{"command":"ascset"}`)))
	assert.Equal(t, `{"command":"ascset"}`, string(<-got))
}

func TestHTTPClientSetsUserAgent(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	c, err := New()
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := Do(c.HTTP(), req)
	require.NoError(t, err, "self-signed certificates are accepted")
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, UserAgent, string(body))
}

func TestClassifyHTTPRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c, err := New()
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodHead, "http://127.0.0.1:"+strconv.Itoa(port)+"/", nil)
	require.NoError(t, err)
	_, err = Do(c.HTTP(), req)
	assert.ErrorIs(t, err, miner.ErrConnectionRefused)
}
