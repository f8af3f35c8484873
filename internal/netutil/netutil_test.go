package netutil

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCIDR(t *testing.T) {
	ips, err := ParseCIDR("192.168.1.0/30")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.1", "192.168.1.2"}, ips)

	_, err = ParseCIDR("10.0.0.0/8")
	assert.Error(t, err)

	_, err = ParseCIDR("not-a-cidr")
	assert.Error(t, err)
}

func TestParseRange(t *testing.T) {
	ips, err := ParseRange("10.0.0.254", "10.0.1.1")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.254", "10.0.0.255", "10.0.1.0", "10.0.1.1"}, ips)

	_, err = ParseRange("10.0.0.5", "10.0.0.1")
	assert.Error(t, err)
}

func TestParseTargets(t *testing.T) {
	hosts, err := ParseTargets([]string{"10.0.0.1-10.0.0.3", "10.0.0.2", "miner-7.local", "10.0.1.0/30"})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "miner-7.local", "10.0.1.1", "10.0.1.2"}, hosts)

	_, err = ParseTargets([]string{" "})
	assert.Error(t, err)
}

func TestScanHosts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedPort := closed.Addr().(*net.TCPAddr).Port
	closed.Close()

	ps := NewPortScanner(WithScanTimeout(time.Second), WithScanConcurrency(2))
	assert.Equal(t, []string{"127.0.0.1"}, ps.ScanHosts(context.Background(), []string{"127.0.0.1"}, port))
	assert.Empty(t, ps.ScanHosts(context.Background(), []string{"127.0.0.1"}, closedPort))
}
