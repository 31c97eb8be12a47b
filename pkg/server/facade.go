// Package server wraps the automation core behind the RPC object surface
// and owns daemon bootstrap and liveness.
package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/callback"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/codec"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/errors"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/mmcore"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/rpc"
)

// Well-known object names and the bridge daemon defaults.
const (
	CoreName   = "mmcore.Core"
	RunnerName = "mmcore.mda.Runner"

	DefaultHost = "127.0.0.1"
	DefaultPort = 54333

	// PingReply is the fixed acknowledgement of the liveness probe.
	PingReply = "pong"
)

// DefaultURI is the core facade's address on a default daemon.
func DefaultURI() string {
	return rpc.Address{Scheme: rpc.SchemeTCP, Object: CoreName, Host: DefaultHost, Port: DefaultPort}.String()
}

// FacadeParams configures a RemoteCore.
type FacadeParams struct {
	// Addr is the endpoint the facade is served on; the runner sub-object
	// shares it under RunnerName, and back-reference envelopes embed it.
	Addr   rpc.Address
	Codec  *codec.Registry
	Logger *zap.Logger
}

// RemoteCore exposes the automation core's method surface to the RPC
// server. It owns a private callback fan-out and the lifecycle of the
// dependent sequence-runner sub-object.
type RemoteCore struct {
	core      *mmcore.Core
	runner    *RemoteRunner
	enc       *codec.Registry
	callbacks *callback.Registry
	addr      rpc.Address
	log       *zap.Logger
}

// NewRemoteCore builds the facade, the runner sub-object, and both callback
// registries. Construction failures surface to whoever starts the daemon.
func NewRemoteCore(params FacadeParams) *RemoteCore {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	core := mmcore.NewCore(mmcore.CoreParams{Logger: logger})
	runner := mmcore.NewRunner(mmcore.RunnerParams{Core: core, Logger: logger})

	rc := &RemoteCore{
		core: core,
		enc:  params.Codec,
		addr: params.Addr.WithObject(CoreName),
		log:  logger.With(zap.String("component", "remote-core")),
		callbacks: callback.NewRegistry(callback.RegistryParams{
			Source: core.Events(),
			Codec:  params.Codec,
			Logger: logger,
		}),
	}
	rc.runner = &RemoteRunner{
		runner: runner,
		enc:    params.Codec,
		addr:   params.Addr.WithObject(RunnerName),
		log:    logger.With(zap.String("component", "remote-runner")),
		callbacks: callback.NewRegistry(callback.RegistryParams{
			Source: runner.Events(),
			Codec:  params.Codec,
			Logger: logger,
		}),
	}
	return rc
}

// Runner returns the dependent sequence-runner facade.
func (rc *RemoteCore) Runner() *RemoteRunner { return rc.runner }

// URI returns the facade's own address string; codec registration threads
// this through to back-reference envelopes.
func (rc *RemoteCore) URI() string { return rc.addr.String() }

// Close tears down both callback registries.
func (rc *RemoteCore) Close() {
	rc.callbacks.Close()
	rc.runner.callbacks.Close()
}

// Dispatch implements rpc.Dispatcher: the explicit, named method surface of
// the core object.
func (rc *RemoteCore) Dispatch(ctx context.Context, method string, rawArgs []any) (any, error) {
	args, err := rc.enc.DecodeArgs(rawArgs)
	if err != nil {
		return nil, err
	}

	switch method {
	case "ping":
		return PingReply, nil

	case "get_mda_runner_uri":
		return rc.runner.addr.String(), nil

	case "connect_client_side_callback":
		listenerURI, handlerID, err := twoStrings(method, args)
		if err != nil {
			return nil, err
		}
		return nil, rc.callbacks.Connect(ctx, listenerURI, handlerID)

	case "disconnect_client_side_callback":
		handlerID, err := oneString(method, args)
		if err != nil {
			return nil, err
		}
		rc.callbacks.Disconnect(handlerID)
		return nil, nil

	case "loadSystemConfiguration":
		return nil, rc.core.LoadSystemConfiguration()

	case "getLoadedDevices":
		return rc.enc.EncodeValue(rc.core.GetLoadedDevices())

	case "getDeviceType":
		device, err := oneString(method, args)
		if err != nil {
			return nil, err
		}
		dtype, err := rc.core.GetDeviceType(device)
		if err != nil {
			return nil, err
		}
		return rc.enc.EncodeValue(dtype)

	case "getDevicePropertyNames":
		device, err := oneString(method, args)
		if err != nil {
			return nil, err
		}
		names, err := rc.core.GetDevicePropertyNames(device)
		if err != nil {
			return nil, err
		}
		return rc.enc.EncodeValue(names)

	case "getProperty":
		device, property, err := twoStrings(method, args)
		if err != nil {
			return nil, err
		}
		return rc.core.GetProperty(device, property)

	case "getPropertyType":
		device, property, err := twoStrings(method, args)
		if err != nil {
			return nil, err
		}
		ptype, err := rc.core.GetPropertyType(device, property)
		if err != nil {
			return nil, err
		}
		return rc.enc.EncodeValue(ptype)

	case "setProperty":
		if len(args) != 3 {
			return nil, badArgs(method, "want (device, property, value)")
		}
		device, ok1 := codec.AsString(args[0])
		property, ok2 := codec.AsString(args[1])
		value, ok3 := codec.AsString(args[2])
		if !ok1 || !ok2 || !ok3 {
			return nil, badArgs(method, "want (device, property, value)")
		}
		return nil, rc.core.SetProperty(device, property, value)

	case "getPropertyObject":
		device, property, err := twoStrings(method, args)
		if err != nil {
			return nil, err
		}
		return rc.enc.EncodeValue(rc.core.GetPropertyObject(device, property))

	case "getConfigGroupState":
		group, err := oneString(method, args)
		if err != nil {
			return nil, err
		}
		cfg, err := rc.core.GetConfigGroupState(group)
		if err != nil {
			return nil, err
		}
		return rc.enc.EncodeValue(cfg)

	case "getConfigGroupObject":
		group, err := oneString(method, args)
		if err != nil {
			return nil, err
		}
		return rc.enc.EncodeValue(mmcore.NewConfigGroup(group, rc.core))

	case "snapImage":
		return nil, rc.core.SnapImage()

	case "getImage":
		frame, err := rc.core.GetImage()
		if err != nil {
			return nil, err
		}
		return rc.enc.EncodeValue(frame)

	case "run_mda":
		// Returns nothing heavyweight: the sequence runs server-side and
		// frames arrive through the callback registry.
		if len(args) != 2 {
			return nil, badArgs(method, "want (sequence, block)")
		}
		seq, ok := args[0].(mmcore.Sequence)
		if !ok {
			return nil, badArgs(method, "first argument must be a sequence")
		}
		block, _ := args[1].(bool)
		if block {
			return nil, rc.runner.runner.Run(seq)
		}
		rc.runner.runner.RunAsync(seq)
		return nil, nil

	default:
		return nil, &errors.UnknownMethodError{Object: CoreName, Method: method}
	}
}

// RemoteRunner exposes the sequence runner as its own addressable object.
type RemoteRunner struct {
	runner    *mmcore.Runner
	enc       *codec.Registry
	callbacks *callback.Registry
	addr      rpc.Address
	log       *zap.Logger
}

// URI returns the runner's own address string.
func (rr *RemoteRunner) URI() string { return rr.addr.String() }

// Dispatch implements rpc.Dispatcher for the runner object.
func (rr *RemoteRunner) Dispatch(ctx context.Context, method string, rawArgs []any) (any, error) {
	args, err := rr.enc.DecodeArgs(rawArgs)
	if err != nil {
		return nil, err
	}

	switch method {
	case "ping":
		return PingReply, nil

	case "connect_client_side_callback":
		listenerURI, handlerID, err := twoStrings(method, args)
		if err != nil {
			return nil, err
		}
		return nil, rr.callbacks.Connect(ctx, listenerURI, handlerID)

	case "disconnect_client_side_callback":
		handlerID, err := oneString(method, args)
		if err != nil {
			return nil, err
		}
		rr.callbacks.Disconnect(handlerID)
		return nil, nil

	case "run":
		if len(args) != 1 {
			return nil, badArgs(method, "want (sequence)")
		}
		seq, ok := args[0].(mmcore.Sequence)
		if !ok {
			return nil, badArgs(method, "argument must be a sequence")
		}
		return nil, rr.runner.Run(seq)

	case "cancel":
		rr.runner.Cancel()
		return nil, nil

	case "is_running":
		return rr.runner.IsRunning(), nil

	default:
		return nil, &errors.UnknownMethodError{Object: RunnerName, Method: method}
	}
}

func badArgs(method, want string) error {
	return &errors.DecodeError{Tag: method, Reason: fmt.Sprintf("bad arguments: %s", want)}
}

func oneString(method string, args []any) (string, error) {
	if len(args) != 1 {
		return "", badArgs(method, "want one string")
	}
	s, ok := codec.AsString(args[0])
	if !ok {
		return "", badArgs(method, "want one string")
	}
	return s, nil
}

func twoStrings(method string, args []any) (string, string, error) {
	if len(args) != 2 {
		return "", "", badArgs(method, "want two strings")
	}
	a, ok1 := codec.AsString(args[0])
	b, ok2 := codec.AsString(args[1])
	if !ok1 || !ok2 {
		return "", "", badArgs(method, "want two strings")
	}
	return a, b, nil
}
