package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/errors"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/rpc"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/server"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestProbeLiveDaemon(t *testing.T) {
	addr := startDaemon(t)
	assert.True(t, server.Probe(context.Background(), addr))
}

func TestProbeDeadEndpoint(t *testing.T) {
	addr := rpc.Address{Scheme: rpc.SchemeTCP, Object: server.CoreName, Host: "127.0.0.1", Port: freePort(t)}
	assert.False(t, server.Probe(context.Background(), addr))
}

func TestServerProcessAttachesToRunningDaemon(t *testing.T) {
	addr := startDaemon(t)

	handle, err := server.ServerProcess(context.Background(), server.BootstrapParams{
		Host:   addr.Host,
		Port:   addr.Port,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	assert.False(t, handle.Owned())
	assert.Equal(t, addr.Port, handle.Addr.Port)

	// Closing a non-owning handle never touches the daemon.
	require.NoError(t, handle.Close())
	assert.True(t, server.Probe(context.Background(), addr))
}

func TestServerProcessSpawnTimeout(t *testing.T) {
	handle, err := server.ServerProcess(context.Background(), server.BootstrapParams{
		Host:    "127.0.0.1",
		Port:    freePort(t),
		Timeout: 300 * time.Millisecond,
		Command: []string{"sleep", "5"},
		Logger:  zap.NewNop(),
	})
	require.Error(t, err)
	assert.Nil(t, handle)
	var timeout *errors.TimeoutError
	assert.ErrorAs(t, err, &timeout)
}
