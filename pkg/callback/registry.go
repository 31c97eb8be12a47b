// Package callback fans server-side domain events out to subscribed
// client-side handlers over their own dedicated connections.
package callback

import (
	"context"
	"sync"

	"github.com/petermattis/goid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/codec"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/errors"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/mmcore"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/rpc"
)

const (
	// HandlerObject is the object name every client-side callback listener
	// registers its dispatcher under.
	HandlerObject = "mmcore.callbacks"
	// ReceiveMethod is the single entry point of that dispatcher.
	ReceiveMethod = "receive_server_callback"

	defaultQueueSize = 256
)

// EventSource is the surface the registry consumes from a domain object: an
// enumerable set of named events, each connectable.
type EventSource interface {
	EventNames() []string
	Connect(name string, h mmcore.Handler)
}

type emission struct {
	name string
	args []any
}

type handler struct {
	id    string
	conn  *rpc.Conn
	queue chan emission
	done  chan struct{}
	once  sync.Once
}

func (h *handler) stop() {
	h.once.Do(func() { close(h.done) })
}

// RegistryParams configures a Registry.
type RegistryParams struct {
	// Source is the event-emitting domain object to relay from.
	Source EventSource
	// Codec encodes emission payloads.
	Codec *codec.Registry
	// QueueSize bounds each handler's delivery backlog; a handler that
	// falls further behind loses events rather than stalling the rest.
	QueueSize int

	Logger *zap.Logger
}

// Registry tracks the client handlers subscribed to one event source. One
// relay per event name feeds Emit; each handler gets a delivery goroutine,
// so emission never blocks the domain object and a dead handler only hurts
// itself.
type Registry struct {
	enc       *codec.Registry
	log       *zap.Logger
	queueSize int

	mu       sync.Mutex
	handlers map[string]*handler
}

// NewRegistry subscribes one internal relay per event name on the source.
func NewRegistry(params RegistryParams) *Registry {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	queueSize := params.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	reg := &Registry{
		enc:       params.Codec,
		log:       logger.With(zap.String("component", "callback-registry")),
		queueSize: queueSize,
		handlers:  make(map[string]*handler),
	}
	for _, name := range params.Source.EventNames() {
		name := name
		params.Source.Connect(name, func(args ...any) {
			reg.Emit(name, args...)
		})
	}
	return reg
}

// Connect dials back to a client listener and registers it for delivery.
func (r *Registry) Connect(ctx context.Context, listenerURI, handlerID string) error {
	addr, err := rpc.ParseAddress(listenerURI)
	if err != nil {
		return err
	}
	conn, err := rpc.DialConn(ctx, addr)
	if err != nil {
		return err
	}

	h := &handler{
		id:    handlerID,
		conn:  conn,
		queue: make(chan emission, r.queueSize),
		done:  make(chan struct{}),
	}

	r.mu.Lock()
	if old, exists := r.handlers[handlerID]; exists {
		old.stop()
		old.conn.Close()
	}
	r.handlers[handlerID] = h
	r.mu.Unlock()

	go r.deliverLoop(h)
	r.log.Info("callback handler connected",
		zap.String("handler", handlerID), zap.String("listener", listenerURI))
	return nil
}

// Disconnect removes a handler and closes its delivery connection.
func (r *Registry) Disconnect(handlerID string) {
	r.mu.Lock()
	h, exists := r.handlers[handlerID]
	delete(r.handlers, handlerID)
	r.mu.Unlock()

	if exists {
		h.stop()
		h.conn.Close()
	}
}

// HandlerIDs snapshots the currently registered handler identities.
func (r *Registry) HandlerIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Keys(r.handlers)
}

// Emit forwards one event to every registered handler. It encodes once,
// enqueues per handler, and returns without waiting for delivery. A handler
// whose queue is full loses this event: the drop is logged, the handler
// stays registered, and neither the emitting object nor other handlers
// stall on it.
func (r *Registry) Emit(name string, args ...any) {
	encoded, err := r.enc.EncodeArgs(args)
	if err != nil {
		r.log.Error("cannot encode event payload", zap.String("event", name), zap.Error(err))
		return
	}

	r.mu.Lock()
	snapshot := lo.Values(r.handlers)
	r.mu.Unlock()

	for _, h := range snapshot {
		select {
		case h.queue <- emission{name: name, args: encoded}:
		case <-h.done:
		default:
			r.log.Warn("handler backlog full, dropping event",
				zap.String("handler", h.id), zap.String("event", name))
		}
	}
}

// deliverLoop drains one handler's queue in emission order. A communication
// failure means the client is gone: the handler is removed silently. Any
// other failure is a per-handler emission error; delivery continues.
func (r *Registry) deliverLoop(h *handler) {
	h.conn.Claim(goid.Get())
	for {
		select {
		case <-h.done:
			return
		case <-h.conn.Done():
			r.dropDead(h, "connection closed by peer")
			return
		case e := <-h.queue:
			err := h.conn.Notify(HandlerObject, ReceiveMethod, append([]any{h.id, e.name}, e.args...))
			if err != nil {
				if errors.IsCommunication(err) || err == rpc.ErrConnClosed {
					r.dropDead(h, err.Error())
					return
				}
				r.log.Error("event delivery failed",
					zap.String("handler", h.id), zap.String("event", e.name), zap.Error(err))
			}
		}
	}
}

func (r *Registry) dropDead(h *handler, reason string) {
	r.mu.Lock()
	if r.handlers[h.id] == h {
		delete(r.handlers, h.id)
	}
	r.mu.Unlock()
	h.stop()
	h.conn.Close()
	r.log.Info("removed unreachable callback handler",
		zap.String("handler", h.id), zap.String("reason", reason))
}

// Close disconnects every handler.
func (r *Registry) Close() {
	r.mu.Lock()
	snapshot := lo.Values(r.handlers)
	r.handlers = make(map[string]*handler)
	r.mu.Unlock()

	for _, h := range snapshot {
		h.stop()
		h.conn.Close()
	}
}
