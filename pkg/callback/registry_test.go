package callback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/codec"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/mmcore"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/rpc"
)

// fakeListener plays the client side: an RPC server that records every
// receive_server_callback delivery.
type fakeListener struct {
	srv  *rpc.Server
	addr rpc.Address

	mu       sync.Mutex
	received [][]any
}

func newFakeListener(t *testing.T) *fakeListener {
	t.Helper()
	srv, err := rpc.Listen("127.0.0.1:0", rpc.ServerParams{Logger: zap.NewNop()})
	require.NoError(t, err)

	l := &fakeListener{
		srv: srv,
		addr: rpc.Address{
			Scheme: rpc.SchemeTCP,
			Object: HandlerObject,
			Host:   "127.0.0.1",
			Port:   srv.Port(),
		},
	}
	srv.RegisterObject(HandlerObject, rpc.DispatchFunc(func(_ context.Context, method string, args []any) (any, error) {
		assert.Equal(t, ReceiveMethod, method)
		l.mu.Lock()
		l.received = append(l.received, args)
		l.mu.Unlock()
		return nil, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)
	t.Cleanup(func() { srv.Close() })
	return l
}

func (l *fakeListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.received)
}

func (l *fakeListener) last() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.received) == 0 {
		return nil
	}
	return l.received[len(l.received)-1]
}

func newTestRegistry(t *testing.T) (*Registry, *mmcore.Signaler) {
	t.Helper()
	source := mmcore.NewSignaler("somethingHappened", "somethingElse")
	reg := NewRegistry(RegistryParams{
		Source: source,
		Codec:  codec.NewRegistry(codec.Params{Logger: zap.NewNop()}),
		Logger: zap.NewNop(),
	})
	t.Cleanup(reg.Close)
	return reg, source
}

func TestEmitDeliversToConnectedHandler(t *testing.T) {
	reg, source := newTestRegistry(t)
	listener := newFakeListener(t)

	require.NoError(t, reg.Connect(context.Background(), listener.addr.String(), "handler-1"))
	assert.Equal(t, []string{"handler-1"}, reg.HandlerIDs())

	source.Emit("somethingHappened", "detail", 7)

	require.Eventually(t, func() bool { return listener.count() == 1 }, time.Second, time.Millisecond)
	args := listener.last()
	require.GreaterOrEqual(t, len(args), 2)
	assert.Equal(t, "handler-1", args[0])
	assert.Equal(t, "somethingHappened", args[1])
	assert.Equal(t, "detail", args[2])
}

func TestConnectBadListenerURI(t *testing.T) {
	reg, _ := newTestRegistry(t)
	assert.Error(t, reg.Connect(context.Background(), "not a uri", "handler-1"))
	assert.Error(t, reg.Connect(context.Background(), "mmrpc:mmcore.callbacks@127.0.0.1:1", "handler-1"))
	assert.Empty(t, reg.HandlerIDs())
}

func TestReconnectReplacesHandler(t *testing.T) {
	reg, source := newTestRegistry(t)
	old := newFakeListener(t)
	replacement := newFakeListener(t)

	require.NoError(t, reg.Connect(context.Background(), old.addr.String(), "handler-1"))
	require.NoError(t, reg.Connect(context.Background(), replacement.addr.String(), "handler-1"))
	assert.Equal(t, []string{"handler-1"}, reg.HandlerIDs())

	source.Emit("somethingHappened")
	require.Eventually(t, func() bool { return replacement.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, old.count())
}

func TestDeadHandlerRemovedSilently(t *testing.T) {
	reg, source := newTestRegistry(t)
	dead := newFakeListener(t)
	alive := newFakeListener(t)

	require.NoError(t, reg.Connect(context.Background(), dead.addr.String(), "dead"))
	require.NoError(t, reg.Connect(context.Background(), alive.addr.String(), "alive"))

	// Kill the first listener outright; its delivery connection drops.
	dead.srv.Close()

	require.Eventually(t, func() bool {
		ids := reg.HandlerIDs()
		return len(ids) == 1 && ids[0] == "alive"
	}, time.Second, time.Millisecond)

	// Surviving handlers keep receiving.
	source.Emit("somethingElse", "still here")
	require.Eventually(t, func() bool { return alive.count() == 1 }, time.Second, time.Millisecond)
}

func TestEmitDropsWhenHandlerBacklogFull(t *testing.T) {
	reg, _ := newTestRegistry(t)
	listener := newFakeListener(t)

	conn, err := rpc.DialConn(context.Background(), listener.addr)
	require.NoError(t, err)

	// A handler with no delivery loop and no queue room stands in for a
	// subscriber that stopped draining.
	stalled := &handler{
		id:    "stalled",
		conn:  conn,
		queue: make(chan emission),
		done:  make(chan struct{}),
	}
	reg.mu.Lock()
	reg.handlers[stalled.id] = stalled
	reg.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		reg.Emit("somethingHappened", "lost")
		reg.Emit("somethingHappened", "also lost")
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full handler queue")
	}

	// The dropped events cost the handler nothing but the payloads.
	assert.Contains(t, reg.HandlerIDs(), "stalled")
	assert.Equal(t, 0, listener.count())
}

func TestDisconnectStopsDelivery(t *testing.T) {
	reg, source := newTestRegistry(t)
	listener := newFakeListener(t)

	require.NoError(t, reg.Connect(context.Background(), listener.addr.String(), "handler-1"))
	reg.Disconnect("handler-1")
	assert.Empty(t, reg.HandlerIDs())

	source.Emit("somethingHappened")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, listener.count())
}
