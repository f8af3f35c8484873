package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/powerhive/minerctl/pkg/miner"
)

// Command is a cgminer-style socket API request.
type Command struct {
	Command   string `json:"command"`
	Parameter string `json:"parameter,omitempty"`
}

// SendRecv opens a connection, writes payload and reads until the peer
// closes. NUL bytes are stripped from the response and an empty response is
// a request failure. The whole exchange is bounded by the request timeout;
// a timeout is not retried.
func (c *Client) SendRecv(ctx context.Context, host string, port int, payload []byte) ([]byte, error) {
	conn, err := c.open(ctx, host, port)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.Write(payload); err != nil {
		return nil, Classify(fmt.Errorf("failed to write to %s: %w", conn.RemoteAddr(), err))
	}

	resp, err := io.ReadAll(conn)
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to read from %s: %w", conn.RemoteAddr(), err))
	}

	resp = bytes.ReplaceAll(resp, []byte{0}, nil)
	if len(resp) == 0 {
		// The peer hung up without answering.
		return nil, fmt.Errorf("%w: empty response from %s", miner.ErrRequestFailed, conn.RemoteAddr())
	}
	c.logger.Debug("socket exchange",
		zap.String("host", host),
		zap.Int("port", port),
		zap.Int("sent", len(payload)),
		zap.Int("received", len(resp)))
	return resp, nil
}

// Send writes payload without waiting for a response.
func (c *Client) Send(ctx context.Context, host string, port int, payload []byte) error {
	conn, err := c.open(ctx, host, port)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write(payload); err != nil {
		return Classify(fmt.Errorf("failed to write to %s: %w", conn.RemoteAddr(), err))
	}
	return nil
}

// Exec marshals cmd as JSON and performs SendRecv.
func (c *Client) Exec(ctx context.Context, host string, port int, cmd Command) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	return c.SendRecv(ctx, host, port, payload)
}

func (c *Client) open(ctx context.Context, host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to connect to %s: %w", addr, err))
	}

	deadline := time.Now().Add(c.requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, Classify(err)
	}

	// Abort blocking reads when the caller gives up.
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
		return &ctxConn{Conn: conn, stop: stop}, nil
	}
	return conn, nil
}

type ctxConn struct {
	net.Conn
	stop func() bool
}

func (c *ctxConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
