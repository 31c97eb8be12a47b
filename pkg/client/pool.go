package client

import (
	"context"

	"github.com/petermattis/goid"
	"go.uber.org/zap"

	"github.com/pymmcore-plus/pymmcore-remote/internal/affinity"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/codec"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/rpc"
)

// PoolParams configures a Pool.
type PoolParams struct {
	Addr     rpc.Address
	Capacity int // <= 0 means affinity.DefaultCapacity
	Codec    *codec.Registry
	Logger   *zap.Logger
}

// Pool hands each calling goroutine its own connection to one remote
// object, dialing lazily and bounding the total through the affinity
// store. Encoding and the remote call itself happen outside the store's
// lock, so a slow call on one goroutine never stalls the others.
type Pool struct {
	addr  rpc.Address
	enc   *codec.Registry
	store *affinity.Store
	log   *zap.Logger
}

// NewPool builds a pool for the object named in params.Addr.
func NewPool(params PoolParams) *Pool {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	return &Pool{
		addr:  params.Addr,
		enc:   params.Codec,
		store: affinity.NewStore(params.Capacity),
		log:   logger.With(zap.String("pool", params.Addr.Object)),
	}
}

// Addr returns the remote object address this pool serves.
func (p *Pool) Addr() rpc.Address { return p.addr }

// Conn returns the calling goroutine's connection, dialing one if needed.
func (p *Pool) Conn(ctx context.Context) (*rpc.Conn, error) {
	tid := goid.Get()
	return p.store.Acquire(tid, func() (*rpc.Conn, error) {
		p.log.Debug("dialing for goroutine", zap.Int64("goid", tid))
		return rpc.DialConn(ctx, p.addr, rpc.WithErrorDecoder(p.enc.DecodeError))
	})
}

// Call encodes args, invokes method on the goroutine's own connection, and
// decodes the result.
func (p *Pool) Call(ctx context.Context, method string, args ...any) (any, error) {
	encoded, err := p.enc.EncodeArgs(args)
	if err != nil {
		return nil, err
	}
	conn, err := p.Conn(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := conn.Call(ctx, p.addr.Object, method, encoded)
	if err != nil {
		return nil, err
	}
	return p.enc.DecodeValue(raw)
}

// Close tears down every pooled connection.
func (p *Pool) Close() error { return p.store.Close() }
