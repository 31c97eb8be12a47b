package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/codec"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/errors"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/mmcore"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/rpc"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/server"
)

// ProxyParams configures Connect.
type ProxyParams struct {
	Host string // default server.DefaultHost
	Port int    // default server.DefaultPort

	// WebSocket dials the WebSocket framing instead of raw TCP.
	WebSocket bool

	// PoolCapacity bounds the per-goroutine connection pool of each proxy;
	// <= 0 means affinity.DefaultCapacity.
	PoolCapacity int

	Logger *zap.Logger
}

var (
	sharedCodecOnce sync.Once
	sharedCodecReg  *codec.Registry

	instMu    sync.Mutex
	instances = make(map[string]*CoreProxy)
)

// sharedCodec returns the process-wide client registry. Decoded
// back-references resolve through the instance table, so a handle decoded
// anywhere in the process lands on the proxy already talking to its core.
func sharedCodec(logger *zap.Logger) *codec.Registry {
	sharedCodecOnce.Do(func() {
		sharedCodecReg = codec.NewRegistry(codec.Params{
			Resolver: func(coreURI string) (mmcore.CoreClient, error) {
				p, err := Instance(coreURI)
				if err != nil {
					return nil, err
				}
				return p.Client(), nil
			},
			Arrays: codec.InlineArrays{},
			Logger: logger,
		})
	})
	return sharedCodecReg
}

// Connect dials a daemon and returns its core proxy, reusing an existing
// proxy for the same address.
func Connect(ctx context.Context, params ProxyParams) (*CoreProxy, error) {
	host := params.Host
	if host == "" {
		host = server.DefaultHost
	}
	port := params.Port
	if port == 0 {
		port = server.DefaultPort
	}
	scheme := rpc.SchemeTCP
	if params.WebSocket {
		scheme = rpc.SchemeWS
	}
	addr := rpc.Address{Scheme: scheme, Object: server.CoreName, Host: host, Port: port}
	return instanceFor(ctx, addr, params)
}

// Instance returns the process-wide proxy for a core URI, dialing one if
// none exists yet. This is how decoded back-references find their core.
func Instance(coreURI string) (*CoreProxy, error) {
	addr, err := rpc.ParseAddress(coreURI)
	if err != nil {
		return nil, err
	}
	return instanceFor(context.Background(), addr.WithObject(server.CoreName), ProxyParams{})
}

func instanceFor(ctx context.Context, addr rpc.Address, params ProxyParams) (*CoreProxy, error) {
	key := addr.String()

	instMu.Lock()
	if p, ok := instances[key]; ok {
		instMu.Unlock()
		return p, nil
	}
	instMu.Unlock()

	p, err := newCoreProxy(ctx, addr, params)
	if err != nil {
		return nil, err
	}

	instMu.Lock()
	if prior, ok := instances[key]; ok {
		// Lost the race; keep the first proxy.
		instMu.Unlock()
		p.teardown()
		return prior, nil
	}
	instances[key] = p
	instMu.Unlock()
	return p, nil
}

// CoreProxy is the client-side stand-in for the daemon's automation core.
// Each calling goroutine gets its own connection from the pool; events
// arrive through the process listener and re-emit on Events().
type CoreProxy struct {
	addr      rpc.Address
	pool      *Pool
	enc       *codec.Registry
	events    *mmcore.Signaler
	handlerID string
	mda       *RunnerProxy
	log       *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func newCoreProxy(ctx context.Context, addr rpc.Address, params ProxyParams) (*CoreProxy, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	enc := sharedCodec(logger)

	lst, err := listener(logger)
	if err != nil {
		return nil, err
	}

	p := &CoreProxy{
		addr:   addr,
		enc:    enc,
		events: mmcore.NewSignaler(mmcore.CoreEventNames()...),
		log:    logger.With(zap.String("core", addr.String())),
		pool: NewPool(PoolParams{
			Addr:     addr,
			Capacity: params.PoolCapacity,
			Codec:    enc,
			Logger:   logger,
		}),
	}

	p.handlerID = lst.Register(p.events)
	if _, err := p.pool.Call(ctx, "connect_client_side_callback", lst.URI(), p.handlerID); err != nil {
		lst.Unregister(p.handlerID)
		p.pool.Close()
		return nil, err
	}

	runnerURI, err := p.MDARunnerURI(ctx)
	if err != nil {
		p.teardown()
		return nil, err
	}
	runnerAddr, err := rpc.ParseAddress(runnerURI)
	if err != nil {
		p.teardown()
		return nil, err
	}
	p.mda, err = newRunnerProxy(ctx, runnerAddr, params, enc, logger)
	if err != nil {
		p.teardown()
		return nil, err
	}
	return p, nil
}

// URI returns the core object's address string.
func (p *CoreProxy) URI() string { return p.addr.String() }

// CoreURI implements the back-reference context: handles bound to this
// proxy re-encode with the remote core's URI.
func (p *CoreProxy) CoreURI() string { return p.addr.String() }

// Events returns the proxy's local view of the core's signals.
func (p *CoreProxy) Events() *mmcore.Signaler { return p.events }

// MDA returns the proxy for the daemon's sequence runner.
func (p *CoreProxy) MDA() *RunnerProxy { return p.mda }

// Client returns the proxy's mmcore.CoreClient view, used when decoded
// handles need a core to call through.
func (p *CoreProxy) Client() mmcore.CoreClient { return boundCore{p} }

// Ping runs the liveness round trip.
func (p *CoreProxy) Ping(ctx context.Context) (string, error) {
	raw, err := p.pool.Call(ctx, "ping")
	if err != nil {
		return "", err
	}
	return asResultString("ping", raw)
}

// LoadSystemConfiguration loads the daemon's demo device set.
func (p *CoreProxy) LoadSystemConfiguration(ctx context.Context) error {
	_, err := p.pool.Call(ctx, "loadSystemConfiguration")
	return err
}

// GetLoadedDevices lists the device labels currently loaded.
func (p *CoreProxy) GetLoadedDevices(ctx context.Context) ([]string, error) {
	raw, err := p.pool.Call(ctx, "getLoadedDevices")
	if err != nil {
		return nil, err
	}
	devices, ok := codec.AsStringSlice(raw)
	if !ok {
		return nil, resultTypeErr("getLoadedDevices", raw)
	}
	return devices, nil
}

// GetDeviceType reports the kind of a loaded device.
func (p *CoreProxy) GetDeviceType(ctx context.Context, device string) (mmcore.DeviceType, error) {
	raw, err := p.pool.Call(ctx, "getDeviceType", device)
	if err != nil {
		return mmcore.UnknownType, err
	}
	dtype, ok := raw.(mmcore.DeviceType)
	if !ok {
		return mmcore.UnknownType, resultTypeErr("getDeviceType", raw)
	}
	return dtype, nil
}

// GetDevicePropertyNames lists a device's property names.
func (p *CoreProxy) GetDevicePropertyNames(ctx context.Context, device string) ([]string, error) {
	raw, err := p.pool.Call(ctx, "getDevicePropertyNames", device)
	if err != nil {
		return nil, err
	}
	names, ok := codec.AsStringSlice(raw)
	if !ok {
		return nil, resultTypeErr("getDevicePropertyNames", raw)
	}
	return names, nil
}

// GetProperty reads a device property.
func (p *CoreProxy) GetProperty(ctx context.Context, device, property string) (string, error) {
	raw, err := p.pool.Call(ctx, "getProperty", device, property)
	if err != nil {
		return "", err
	}
	return asResultString("getProperty", raw)
}

// SetProperty writes a device property.
func (p *CoreProxy) SetProperty(ctx context.Context, device, property, value string) error {
	_, err := p.pool.Call(ctx, "setProperty", device, property, value)
	return err
}

// GetPropertyType reports a property's value type.
func (p *CoreProxy) GetPropertyType(ctx context.Context, device, property string) (mmcore.PropertyType, error) {
	raw, err := p.pool.Call(ctx, "getPropertyType", device, property)
	if err != nil {
		return mmcore.PropUndef, err
	}
	ptype, ok := raw.(mmcore.PropertyType)
	if !ok {
		return mmcore.PropUndef, resultTypeErr("getPropertyType", raw)
	}
	return ptype, nil
}

// GetPropertyObject returns a live handle to one device property. The
// decoded handle is bound back to this proxy through its embedded core URI.
func (p *CoreProxy) GetPropertyObject(ctx context.Context, device, property string) (mmcore.DeviceProperty, error) {
	raw, err := p.pool.Call(ctx, "getPropertyObject", device, property)
	if err != nil {
		return mmcore.DeviceProperty{}, err
	}
	prop, ok := raw.(mmcore.DeviceProperty)
	if !ok {
		return mmcore.DeviceProperty{}, resultTypeErr("getPropertyObject", raw)
	}
	return prop, nil
}

// GetConfigGroupState reads a configuration group's current settings.
func (p *CoreProxy) GetConfigGroupState(ctx context.Context, group string) (mmcore.Configuration, error) {
	raw, err := p.pool.Call(ctx, "getConfigGroupState", group)
	if err != nil {
		return nil, err
	}
	cfg, ok := raw.(mmcore.Configuration)
	if !ok {
		return nil, resultTypeErr("getConfigGroupState", raw)
	}
	return cfg, nil
}

// GetConfigGroupObject returns a live handle to one configuration group.
func (p *CoreProxy) GetConfigGroupObject(ctx context.Context, group string) (mmcore.ConfigGroup, error) {
	raw, err := p.pool.Call(ctx, "getConfigGroupObject", group)
	if err != nil {
		return mmcore.ConfigGroup{}, err
	}
	cg, ok := raw.(mmcore.ConfigGroup)
	if !ok {
		return mmcore.ConfigGroup{}, resultTypeErr("getConfigGroupObject", raw)
	}
	return cg, nil
}

// SnapImage acquires one frame into the daemon's circular buffer.
func (p *CoreProxy) SnapImage(ctx context.Context) error {
	_, err := p.pool.Call(ctx, "snapImage")
	return err
}

// GetImage fetches the last snapped frame.
func (p *CoreProxy) GetImage(ctx context.Context) (*mmcore.NDArray, error) {
	raw, err := p.pool.Call(ctx, "getImage")
	if err != nil {
		return nil, err
	}
	arr, ok := raw.(*mmcore.NDArray)
	if !ok {
		return nil, resultTypeErr("getImage", raw)
	}
	return arr, nil
}

// RunMDA starts a timed acquisition on the daemon. With block the call
// returns when the sequence finishes; without it the call returns at once
// and progress arrives through the runner's events.
func (p *CoreProxy) RunMDA(ctx context.Context, seq mmcore.Sequence, block bool) error {
	_, err := p.pool.Call(ctx, "run_mda", seq, block)
	return err
}

// MDARunnerURI asks the daemon for the runner object's address.
func (p *CoreProxy) MDARunnerURI(ctx context.Context) (string, error) {
	raw, err := p.pool.Call(ctx, "get_mda_runner_uri")
	if err != nil {
		return "", err
	}
	return asResultString("get_mda_runner_uri", raw)
}

// Close unsubscribes from the daemon, tears down pooled connections, and
// forgets the instance. Safe to call more than once.
func (p *CoreProxy) Close() error {
	p.closeOnce.Do(func() {
		instMu.Lock()
		delete(instances, p.addr.String())
		instMu.Unlock()

		ctx := context.Background()
		var err error
		if p.mda != nil {
			err = multierr.Append(err, p.mda.close(ctx))
		}
		if _, callErr := p.pool.Call(ctx, "disconnect_client_side_callback", p.handlerID); callErr != nil {
			p.log.Warn("disconnect callback failed", zap.Error(callErr))
		}
		if lst, lerr := listener(p.log); lerr == nil {
			lst.Unregister(p.handlerID)
		}
		p.closeErr = multierr.Append(err, p.pool.Close())
	})
	return p.closeErr
}

// teardown releases local resources without the remote disconnect; used on
// half-constructed proxies.
func (p *CoreProxy) teardown() {
	if lst, err := listener(p.log); err == nil {
		lst.Unregister(p.handlerID)
	}
	p.pool.Close()
}

// boundCore adapts a CoreProxy to the mmcore.CoreClient surface that
// decoded handles call through.
type boundCore struct {
	p *CoreProxy
}

func (b boundCore) CoreURI() string { return b.p.CoreURI() }

func (b boundCore) GetProperty(device, property string) (string, error) {
	return b.p.GetProperty(context.Background(), device, property)
}

func (b boundCore) SetProperty(device, property, value string) error {
	return b.p.SetProperty(context.Background(), device, property, value)
}

func (b boundCore) GetConfigGroupState(group string) (mmcore.Configuration, error) {
	return b.p.GetConfigGroupState(context.Background(), group)
}

// RunnerProxy is the client-side stand-in for the daemon's sequence runner.
type RunnerProxy struct {
	addr      rpc.Address
	pool      *Pool
	events    *mmcore.Signaler
	handlerID string
	log       *zap.Logger
}

func newRunnerProxy(ctx context.Context, addr rpc.Address, params ProxyParams, enc *codec.Registry, logger *zap.Logger) (*RunnerProxy, error) {
	lst, err := listener(logger)
	if err != nil {
		return nil, err
	}
	rp := &RunnerProxy{
		addr:   addr,
		events: mmcore.NewSignaler(mmcore.RunnerEventNames()...),
		log:    logger.With(zap.String("runner", addr.String())),
		pool: NewPool(PoolParams{
			Addr:     addr,
			Capacity: params.PoolCapacity,
			Codec:    enc,
			Logger:   logger,
		}),
	}
	rp.handlerID = lst.Register(rp.events)
	if _, err := rp.pool.Call(ctx, "connect_client_side_callback", lst.URI(), rp.handlerID); err != nil {
		lst.Unregister(rp.handlerID)
		rp.pool.Close()
		return nil, err
	}
	return rp, nil
}

// URI returns the runner object's address string.
func (rp *RunnerProxy) URI() string { return rp.addr.String() }

// Events returns the proxy's local view of the runner's signals.
func (rp *RunnerProxy) Events() *mmcore.Signaler { return rp.events }

// Run executes a sequence, blocking until it finishes or is canceled.
func (rp *RunnerProxy) Run(ctx context.Context, seq mmcore.Sequence) error {
	_, err := rp.pool.Call(ctx, "run", seq)
	return err
}

// Cancel requests cooperative cancellation of the running sequence.
func (rp *RunnerProxy) Cancel(ctx context.Context) error {
	_, err := rp.pool.Call(ctx, "cancel")
	return err
}

// IsRunning reports whether a sequence is executing.
func (rp *RunnerProxy) IsRunning(ctx context.Context) (bool, error) {
	raw, err := rp.pool.Call(ctx, "is_running")
	if err != nil {
		return false, err
	}
	running, ok := raw.(bool)
	if !ok {
		return false, resultTypeErr("is_running", raw)
	}
	return running, nil
}

func (rp *RunnerProxy) close(ctx context.Context) error {
	if _, err := rp.pool.Call(ctx, "disconnect_client_side_callback", rp.handlerID); err != nil {
		rp.log.Warn("disconnect callback failed", zap.Error(err))
	}
	if lst, err := listener(rp.log); err == nil {
		lst.Unregister(rp.handlerID)
	}
	return rp.pool.Close()
}

func asResultString(method string, raw any) (string, error) {
	s, ok := codec.AsString(raw)
	if !ok {
		return "", resultTypeErr(method, raw)
	}
	return s, nil
}

func resultTypeErr(method string, raw any) error {
	return &errors.DecodeError{Tag: method, Reason: fmt.Sprintf("unexpected result type %T", raw)}
}
