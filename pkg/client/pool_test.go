package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/codec"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/mmcore"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/rpc"
)

func startEchoServer(t *testing.T) rpc.Address {
	t.Helper()
	srv, err := rpc.Listen("127.0.0.1:0", rpc.ServerParams{Logger: zap.NewNop()})
	require.NoError(t, err)
	srv.RegisterObject("test.Echo", rpc.DispatchFunc(func(_ context.Context, _ string, args []any) (any, error) {
		if len(args) == 0 {
			return nil, nil
		}
		return args[0], nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)
	t.Cleanup(func() { srv.Close() })

	return rpc.Address{Scheme: rpc.SchemeTCP, Object: "test.Echo", Host: "127.0.0.1", Port: srv.Port()}
}

func newEchoPool(t *testing.T, capacity int) *Pool {
	t.Helper()
	pool := NewPool(PoolParams{
		Addr:     startEchoServer(t),
		Capacity: capacity,
		Codec:    codec.NewRegistry(codec.Params{Logger: zap.NewNop()}),
		Logger:   zap.NewNop(),
	})
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestPoolReusesConnOnSameGoroutine(t *testing.T) {
	pool := newEchoPool(t, 2)
	ctx := context.Background()

	first, err := pool.Conn(ctx)
	require.NoError(t, err)
	second, err := pool.Conn(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestPoolSeparatesGoroutines(t *testing.T) {
	pool := newEchoPool(t, 2)
	ctx := context.Background()

	mine, err := pool.Conn(ctx)
	require.NoError(t, err)

	theirs := make(chan *rpc.Conn, 1)
	go func() {
		conn, err := pool.Conn(ctx)
		assert.NoError(t, err)
		theirs <- conn
	}()

	select {
	case other := <-theirs:
		assert.NotSame(t, mine, other)
	case <-time.After(time.Second):
		t.Fatal("goroutine never acquired a connection")
	}
}

func TestPoolCallRoundTripsDomainValues(t *testing.T) {
	pool := newEchoPool(t, 2)

	result, err := pool.Call(context.Background(), "echo", mmcore.CameraDevice)
	require.NoError(t, err)
	assert.Equal(t, mmcore.CameraDevice, result)

	result, err = pool.Call(context.Background(), "echo", "plain string")
	require.NoError(t, err)
	assert.Equal(t, "plain string", result)
}

func TestPoolCallAfterClose(t *testing.T) {
	pool := newEchoPool(t, 2)
	conn, err := pool.Conn(context.Background())
	require.NoError(t, err)
	require.NoError(t, pool.Close())

	_, err = conn.Call(context.Background(), "test.Echo", "echo", nil)
	assert.ErrorIs(t, err, rpc.ErrConnClosed)
}
