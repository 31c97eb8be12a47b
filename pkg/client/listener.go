// Package client provides the thread-affine proxy pool, the core and
// runner proxies, and the process-wide callback listener that re-emits
// server events on client-local signals.
package client

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/callback"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/codec"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/errors"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/mmcore"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/rpc"
)

// CallbackListener is the client's inbound event endpoint: a small RPC
// server on an ephemeral loopback port that the daemon dials back into.
// One listener serves every proxy in the process.
type CallbackListener struct {
	srv  *rpc.Server
	addr rpc.Address
	enc  *codec.Registry
	log  *zap.Logger

	mu        sync.Mutex
	signalers map[string]*mmcore.Signaler
}

// NewCallbackListener starts a listener on 127.0.0.1:0.
func NewCallbackListener(enc *codec.Registry, logger *zap.Logger) (*CallbackListener, error) {
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	srv, err := rpc.Listen("127.0.0.1:0", rpc.ServerParams{Logger: logger})
	if err != nil {
		return nil, err
	}
	l := &CallbackListener{
		srv: srv,
		addr: rpc.Address{
			Scheme: rpc.SchemeTCP,
			Object: callback.HandlerObject,
			Host:   "127.0.0.1",
			Port:   srv.Port(),
		},
		enc:       enc,
		log:       logger.With(zap.String("component", "callback-listener")),
		signalers: make(map[string]*mmcore.Signaler),
	}
	srv.RegisterObject(callback.HandlerObject, rpc.DispatchFunc(l.dispatch))
	go srv.Serve(context.Background())
	return l, nil
}

// URI is the address the daemon should dial back to.
func (l *CallbackListener) URI() string { return l.addr.String() }

// Register attaches a signaler and returns the handler identity the server
// will address deliveries with.
func (l *CallbackListener) Register(sig *mmcore.Signaler) string {
	id := uuid.NewString()
	l.mu.Lock()
	l.signalers[id] = sig
	l.mu.Unlock()
	return id
}

// Unregister detaches a handler identity.
func (l *CallbackListener) Unregister(id string) {
	l.mu.Lock()
	delete(l.signalers, id)
	l.mu.Unlock()
}

// dispatch handles receive_server_callback(handler_id, signal_name,
// args...) and re-emits on the local signaler.
func (l *CallbackListener) dispatch(_ context.Context, method string, args []any) (any, error) {
	if method != callback.ReceiveMethod {
		return nil, &errors.UnknownMethodError{Object: callback.HandlerObject, Method: method}
	}
	if len(args) < 2 {
		return nil, &errors.DecodeError{Tag: callback.ReceiveMethod, Reason: "missing handler id or signal name"}
	}
	handlerID, ok := codec.AsString(args[0])
	if !ok {
		return nil, &errors.DecodeError{Tag: callback.ReceiveMethod, Reason: "bad handler id"}
	}
	signalName, ok := codec.AsString(args[1])
	if !ok {
		return nil, &errors.DecodeError{Tag: callback.ReceiveMethod, Reason: "bad signal name"}
	}

	l.mu.Lock()
	sig := l.signalers[handlerID]
	l.mu.Unlock()
	if sig == nil {
		l.log.Warn("event for unknown handler", zap.String("handler", handlerID))
		return nil, nil
	}

	payload, err := l.enc.DecodeArgs(args[2:])
	if err != nil {
		l.log.Error("cannot decode event payload",
			zap.String("event", signalName), zap.Error(err))
		return nil, err
	}
	sig.Emit(signalName, payload...)
	return nil, nil
}

// Close stops the listener.
func (l *CallbackListener) Close() error { return l.srv.Close() }

var (
	processListener     *CallbackListener
	processListenerErr  error
	processListenerOnce sync.Once
)

// listener returns the per-process CallbackListener, starting it on first
// use.
func listener(logger *zap.Logger) (*CallbackListener, error) {
	processListenerOnce.Do(func() {
		processListener, processListenerErr = NewCallbackListener(sharedCodec(logger), logger)
	})
	return processListener, processListenerErr
}
