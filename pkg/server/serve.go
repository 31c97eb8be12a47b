package server

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/codec"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/rpc"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/shm"
)

// ServeParams configures a daemon.
type ServeParams struct {
	Host string // default DefaultHost
	Port int    // default DefaultPort; 0 picks an ephemeral port

	// InlineArrays sends frame payloads inside the envelope instead of
	// through shared memory. Required when clients are on other machines.
	InlineArrays bool

	// EnableWebSocket serves the WebSocket framing instead of raw TCP.
	EnableWebSocket bool

	Logger *zap.Logger

	// Ready, when non-nil, receives the facade's bound address once the
	// daemon is accepting calls.
	Ready chan<- rpc.Address
}

// Serve blocks, running a bridge daemon until ctx is cancelled: it builds
// the core, the facade, and the codec context, registers the two well-known
// objects, and runs the accept loop.
func Serve(ctx context.Context, params ServeParams) error {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	host := params.Host
	if host == "" {
		host = DefaultHost
	}
	port := params.Port
	if port == 0 && params.Ready == nil {
		port = DefaultPort
	}

	var segments *shm.Registry
	var arrays codec.ArrayStrategy
	if params.InlineArrays {
		arrays = codec.InlineArrays{}
	} else {
		segments = shm.NewRegistry(shm.RegistryParams{Logger: logger})
		arrays = codec.NewSharedMemoryArrays(segments)
	}

	scheme := rpc.SchemeTCP
	if params.EnableWebSocket {
		scheme = rpc.SchemeWS
	}

	var facade *RemoteCore
	enc := codec.NewRegistry(codec.Params{
		// The facade's URI is the explicit replacement for any ambient
		// "current daemon" reference in back-reference encoding.
		CoreURI: func() string { return facade.URI() },
		Arrays:  arrays,
		Logger:  logger,
	})

	srv, err := rpc.Listen(fmt.Sprintf("%s:%d", host, port), rpc.ServerParams{
		EnableWebSocket: params.EnableWebSocket,
		ErrorEncoder:    enc.EncodeError,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	addr := rpc.Address{Scheme: scheme, Object: CoreName, Host: host, Port: srv.Port()}
	facade = NewRemoteCore(FacadeParams{Addr: addr, Codec: enc, Logger: logger})
	srv.RegisterObject(CoreName, facade)
	srv.RegisterObject(RunnerName, facade.Runner())

	logger.Info("mmcore daemon listening",
		zap.String("core", addr.String()),
		zap.String("runner", facade.Runner().URI()))

	if params.Ready != nil {
		params.Ready <- addr
	}

	err = srv.Serve(ctx)
	facade.Close()
	if segments != nil {
		err = multierr.Append(err, segments.Close())
	}
	return err
}
