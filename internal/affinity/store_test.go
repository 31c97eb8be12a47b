package affinity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/rpc"
)

func startServer(t *testing.T) rpc.Address {
	t.Helper()
	srv, err := rpc.Listen("127.0.0.1:0", rpc.ServerParams{Logger: zap.NewNop()})
	require.NoError(t, err)
	srv.RegisterObject("test.Object", rpc.DispatchFunc(func(_ context.Context, _ string, args []any) (any, error) {
		return args, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)
	t.Cleanup(func() { srv.Close() })

	return rpc.Address{Scheme: rpc.SchemeTCP, Object: "test.Object", Host: "127.0.0.1", Port: srv.Port()}
}

func dialer(t *testing.T, addr rpc.Address, dials *int) func() (*rpc.Conn, error) {
	return func() (*rpc.Conn, error) {
		*dials++
		return rpc.DialConn(context.Background(), addr)
	}
}

func TestAcquireReusesPerThread(t *testing.T) {
	addr := startServer(t)
	store := NewStore(4)
	defer store.Close()

	dials := 0
	first, err := store.Acquire(1, dialer(t, addr, &dials))
	require.NoError(t, err)
	again, err := store.Acquire(1, dialer(t, addr, &dials))
	require.NoError(t, err)

	assert.Same(t, first, again)
	assert.Equal(t, 1, dials)
	assert.Equal(t, int64(1), first.Owner())
}

func TestAcquireDialsPerThread(t *testing.T) {
	addr := startServer(t)
	store := NewStore(4)
	defer store.Close()

	dials := 0
	a, err := store.Acquire(1, dialer(t, addr, &dials))
	require.NoError(t, err)
	b, err := store.Acquire(2, dialer(t, addr, &dials))
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, dials)
	assert.Equal(t, 2, store.Len())
}

func TestAcquireEvictsAndRepurposes(t *testing.T) {
	addr := startServer(t)
	store := NewStore(2)
	defer store.Close()

	dials := 0
	first, err := store.Acquire(1, dialer(t, addr, &dials))
	require.NoError(t, err)
	second, err := store.Acquire(2, dialer(t, addr, &dials))
	require.NoError(t, err)

	// Touch 2 so 1 becomes least recently used.
	_, err = store.Acquire(2, dialer(t, addr, &dials))
	require.NoError(t, err)

	// A third thread repurposes thread 1's connection instead of dialing.
	third, err := store.Acquire(3, dialer(t, addr, &dials))
	require.NoError(t, err)
	assert.Same(t, first, third)
	assert.Equal(t, 2, dials)
	assert.Equal(t, int64(3), third.Owner())
	assert.Equal(t, 2, store.Len())

	// The repurposed connection was never closed.
	result, err := third.Call(context.Background(), addr.Object, "echo", []any{"ok"})
	require.NoError(t, err)
	assert.Equal(t, []any{"ok"}, result)

	// The evicted thread's next access succeeds too. The store is still
	// full, so it takes over the current least-recently-used connection
	// (thread 2's) rather than dialing.
	back, err := store.Acquire(1, dialer(t, addr, &dials))
	require.NoError(t, err)
	assert.Same(t, second, back)
	assert.Equal(t, 2, dials)
	assert.Equal(t, int64(1), back.Owner())
}

func TestEvictedThreadRedialsWithSpareCapacity(t *testing.T) {
	addr := startServer(t)
	store := NewStore(3)
	defer store.Close()

	dials := 0
	first, err := store.Acquire(1, dialer(t, addr, &dials))
	require.NoError(t, err)
	_, err = store.Acquire(2, dialer(t, addr, &dials))
	require.NoError(t, err)
	_, err = store.Acquire(2, dialer(t, addr, &dials))
	require.NoError(t, err)

	// Threads 3 and 4 fill the store and then evict thread 1.
	_, err = store.Acquire(3, dialer(t, addr, &dials))
	require.NoError(t, err)
	repurposed, err := store.Acquire(4, dialer(t, addr, &dials))
	require.NoError(t, err)
	assert.Same(t, first, repurposed)
	assert.Equal(t, 3, dials)

	// Once thread 4 in turn loses its entry, thread 1's slot frees up and
	// its next access dials a genuinely fresh connection.
	store.mu.Lock()
	delete(store.entries, 4)
	store.mu.Unlock()

	fresh, err := store.Acquire(1, dialer(t, addr, &dials))
	require.NoError(t, err)
	assert.NotSame(t, first, fresh)
	assert.Equal(t, 4, dials)
	assert.Equal(t, int64(1), fresh.Owner())
}

func TestStoreCloseTearsDown(t *testing.T) {
	addr := startServer(t)
	store := NewStore(2)

	dials := 0
	conn, err := store.Acquire(1, dialer(t, addr, &dials))
	require.NoError(t, err)
	require.NoError(t, store.Close())
	assert.Equal(t, 0, store.Len())

	_, err = conn.Call(context.Background(), addr.Object, "echo", nil)
	assert.ErrorIs(t, err, rpc.ErrConnClosed)
}

func TestDialFailureDoesNotInsert(t *testing.T) {
	store := NewStore(2)
	defer store.Close()

	bad := rpc.Address{Scheme: rpc.SchemeTCP, Object: "test.Object", Host: "127.0.0.1", Port: 1}
	_, err := store.Acquire(1, func() (*rpc.Conn, error) {
		return rpc.DialConn(context.Background(), bad)
	})
	require.Error(t, err)
	assert.Equal(t, 0, store.Len())
}
