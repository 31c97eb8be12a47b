package rpc

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/errors"
)

// ErrConnClosed is returned by calls issued after the connection closed.
var ErrConnClosed = stderrors.New("rpc: connection closed")

// ErrorDecoder turns an error-frame body back into a typed error. The client
// package installs a codec-backed decoder so domain errors keep their kind.
type ErrorDecoder func(fields map[string]any) error

// ConnOption configures a dialed connection.
type ConnOption func(*Conn)

// WithErrorDecoder installs the decoder applied to error frames.
func WithErrorDecoder(dec ErrorDecoder) ConnOption {
	return func(c *Conn) { c.decodeErr = dec }
}

type pendingResult struct {
	value any
	err   error
}

// Conn is the client half of one RPC connection. A connection carries
// strictly ordered request/response pairs and is owned by one calling thread
// at a time; ownership moves via Claim when the pool repurposes it.
type Conn struct {
	addr      Address
	transport Transport
	decodeErr ErrorDecoder

	pending  sync.Map // request id -> chan pendingResult
	nextID   atomic.Uint32
	owner    atomic.Int64
	closed   atomic.Bool
	readDone chan struct{}
}

// DialConn connects to the endpoint in addr. An unreachable daemon surfaces
// as a ConnectionError with remediation text.
func DialConn(ctx context.Context, addr Address, opts ...ConnOption) (*Conn, error) {
	transport, err := DialTransport(ctx, addr)
	if err != nil {
		return nil, &errors.ConnectionError{Addr: addr.HostPort(), Cause: err}
	}
	c := &Conn{
		addr:      addr,
		transport: transport,
		decodeErr: defaultErrorDecoder,
		readDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c, nil
}

func defaultErrorDecoder(fields map[string]any) error {
	msg, _ := fields["message"].(string)
	kind, _ := fields["kind"].(string)
	return &errors.RemoteError{Kind: kind, Message: msg}
}

// Addr returns the address this connection was dialed for.
func (c *Conn) Addr() Address { return c.addr }

// Claim transfers ownership of the connection to the calling thread
// identified by tid. The connection itself is not torn down, so server-side
// subscriptions keyed to it survive the transfer.
func (c *Conn) Claim(tid int64) { c.owner.Store(tid) }

// Owner returns the id of the thread currently owning the connection.
func (c *Conn) Owner() int64 { return c.owner.Load() }

// Call invokes method on the named remote object and blocks until the
// response or error frame for this request arrives.
func (c *Conn) Call(ctx context.Context, object, method string, args []any) (any, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}

	body, err := encodeRequest(object, method, args)
	if err != nil {
		return nil, &errors.EncodeError{TypeName: object + "." + method + " args"}
	}

	id := c.nextID.Add(1)
	ch := make(chan pendingResult, 1)
	c.pending.Store(id, ch)
	defer c.pending.Delete(id)

	if err := c.transport.WriteMessage(marshalFrame(frame{typ: frameRequest, id: id, body: body})); err != nil {
		return nil, &errors.CommunicationError{Op: "call " + method, Cause: err}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.readDone:
		return nil, ErrConnClosed
	case res := <-ch:
		return res.value, res.err
	}
}

// Notify sends a one-way message; no response frame is expected.
func (c *Conn) Notify(object, method string, args []any) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	body, err := encodeRequest(object, method, args)
	if err != nil {
		return &errors.EncodeError{TypeName: object + "." + method + " args"}
	}
	if err := c.transport.WriteMessage(marshalFrame(frame{typ: frameNotify, body: body})); err != nil {
		return &errors.CommunicationError{Op: "notify " + method, Cause: err}
	}
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.readDone)
	for {
		msg, err := c.transport.ReadMessage()
		if err != nil {
			return
		}
		f, err := unmarshalFrame(msg)
		if err != nil {
			continue
		}
		ch, ok := c.pending.Load(f.id)
		if !ok {
			continue
		}
		resCh := ch.(chan pendingResult)
		switch f.typ {
		case frameResponse:
			value, err := decodeResponse(f.body)
			resCh <- pendingResult{value: value, err: err}
		case frameError:
			fields, err := decodeErrorBody(f.body)
			if err != nil {
				resCh <- pendingResult{err: err}
				break
			}
			resCh <- pendingResult{err: c.decodeErr(fields)}
		}
	}
}

// Done is closed once the read loop exits, whether by Close or peer failure.
func (c *Conn) Done() <-chan struct{} { return c.readDone }

// Close tears down the transport. Safe to call more than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.transport.Close()
}
