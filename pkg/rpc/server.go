package rpc

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/errors"
)

// Dispatcher is the explicit method surface of one served object. There is
// no reflective attribute fallback: every callable method is routed here by
// name.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, args []any) (any, error)
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, method string, args []any) (any, error)

func (f DispatchFunc) Dispatch(ctx context.Context, method string, args []any) (any, error) {
	return f(ctx, method, args)
}

// ErrorEncoder renders an error into the fields of an error frame. The
// server package installs a codec-backed encoder so registered domain errors
// round-trip by kind.
type ErrorEncoder func(err error) map[string]any

// ServerParams configures a Server.
type ServerParams struct {
	// EnableWebSocket serves WebSocket upgrades on WebSocketEndpoint instead
	// of raw framed TCP. One server speaks one framing.
	EnableWebSocket bool

	ErrorEncoder ErrorEncoder
	Logger       *zap.Logger
}

// Server accepts connections and dispatches request frames to registered
// objects. Each connection gets a reader goroutine; each in-flight request
// gets its own worker, so slow calls never block the connection.
type Server struct {
	listener  net.Listener
	params    ServerParams
	encodeErr ErrorEncoder
	log       *zap.Logger

	mu      sync.RWMutex
	objects map[string]Dispatcher

	transports sync.Map // Transport -> struct{}
	httpServer *http.Server
	closed     atomic.Bool
}

// Listen binds a Server to hostport ("host:0" picks an ephemeral port).
func Listen(hostport string, params ServerParams) (*Server, error) {
	listener, err := net.Listen("tcp", hostport)
	if err != nil {
		return nil, err
	}
	return NewServer(listener, params), nil
}

// NewServer wraps an existing listener.
func NewServer(listener net.Listener, params ServerParams) *Server {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	encodeErr := params.ErrorEncoder
	if encodeErr == nil {
		encodeErr = func(err error) map[string]any {
			return map[string]any{"message": err.Error()}
		}
	}
	return &Server{
		listener:  listener,
		params:    params,
		encodeErr: encodeErr,
		log:       logger.With(zap.String("component", "rpc-server")),
		objects:   make(map[string]Dispatcher),
	}
}

// RegisterObject exposes d under the given well-known object name.
// Registering a name twice replaces the previous dispatcher.
func (s *Server) RegisterObject(name string, d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = d
}

func (s *Server) lookup(name string) (Dispatcher, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.objects[name]
	return d, ok
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Port returns the bound TCP port.
func (s *Server) Port() int { return s.listener.Addr().(*net.TCPAddr).Port }

// Serve runs the accept loop until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	if s.params.EnableWebSocket {
		return s.serveWebSocket(ctx)
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		go s.serveTransport(ctx, newTCPTransport(conn))
	}
}

func (s *Server) serveWebSocket(ctx context.Context) error {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketEndpoint, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		s.serveTransport(ctx, newWSTransport(conn))
	})
	s.httpServer = &http.Server{Handler: mux}
	err := s.httpServer.Serve(s.listener)
	if s.closed.Load() || err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) serveTransport(ctx context.Context, t Transport) {
	s.transports.Store(t, struct{}{})
	defer func() {
		s.transports.Delete(t)
		t.Close()
	}()

	for {
		msg, err := t.ReadMessage()
		if err != nil {
			return
		}
		f, err := unmarshalFrame(msg)
		if err != nil {
			s.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch f.typ {
		case frameRequest:
			go s.handleRequest(ctx, t, f)
		case frameNotify:
			// Notify frames carry event deliveries; dispatching inline keeps
			// one connection's deliveries in the sender's emission order.
			s.handleNotify(ctx, f)
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, t Transport, f frame) {
	result, err := s.dispatch(ctx, f.body)
	if err != nil {
		body, encErr := encodeErrorBody(s.encodeErr(err))
		if encErr != nil {
			s.log.Error("cannot encode error frame", zap.Error(encErr))
			body, _ = encodeErrorBody(map[string]any{"message": err.Error()})
		}
		if writeErr := t.WriteMessage(marshalFrame(frame{typ: frameError, id: f.id, body: body})); writeErr != nil {
			s.log.Warn("cannot write error frame", zap.Error(writeErr))
		}
		return
	}

	body, err := encodeResponse(result)
	if err != nil {
		body, _ = encodeErrorBody(s.encodeErr(&errors.EncodeError{TypeName: "response"}))
		t.WriteMessage(marshalFrame(frame{typ: frameError, id: f.id, body: body}))
		return
	}
	if err := t.WriteMessage(marshalFrame(frame{typ: frameResponse, id: f.id, body: body})); err != nil {
		s.log.Warn("cannot write response frame", zap.Error(err))
	}
}

func (s *Server) handleNotify(ctx context.Context, f frame) {
	if _, err := s.dispatch(ctx, f.body); err != nil {
		s.log.Warn("notify dispatch failed", zap.Error(err))
	}
}

func (s *Server) dispatch(ctx context.Context, body []byte) (any, error) {
	req, err := decodeRequest(body)
	if err != nil {
		return nil, &errors.DecodeError{Tag: "request", Reason: err.Error()}
	}
	d, ok := s.lookup(req.Object)
	if !ok {
		return nil, &errors.UnknownMethodError{Object: req.Object, Method: req.Method}
	}
	return d.Dispatch(ctx, req.Method, req.Args)
}

// Close shuts the listener and all live transports.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	var err error
	if s.httpServer != nil {
		err = multierr.Append(err, s.httpServer.Close())
	}
	err = multierr.Append(err, s.listener.Close())
	s.transports.Range(func(key, _ any) bool {
		err = multierr.Append(err, key.(Transport).Close())
		return true
	})
	return err
}
