// Package rpc implements the wire layer of the bridge: endpoint addressing,
// frame encoding, the TCP and WebSocket transports, the client-side
// connection, and the server-side object registry and accept loop.
package rpc

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/errors"
)

const (
	// SchemeTCP addresses an object reachable over the framed TCP transport.
	SchemeTCP = "mmrpc"
	// SchemeWS addresses an object reachable over the WebSocket transport.
	SchemeWS = "mmrpc+ws"

	// WebSocketEndpoint is the HTTP path WebSocket peers upgrade on.
	WebSocketEndpoint = "/rpc"
)

// Address identifies a remotely reachable object. Immutable once created.
type Address struct {
	Scheme string
	Object string
	Host   string
	Port   int
}

// ParseAddress parses "{scheme}:{object-name}@{host}:{port}".
func ParseAddress(uri string) (Address, error) {
	scheme, rest, ok := strings.Cut(uri, ":")
	if !ok || scheme == "" {
		return Address{}, &errors.InvalidAddressError{URI: uri, Reason: "missing scheme"}
	}
	if scheme != SchemeTCP && scheme != SchemeWS {
		return Address{}, &errors.InvalidAddressError{URI: uri, Reason: fmt.Sprintf("unknown scheme %q", scheme)}
	}
	object, hostport, ok := strings.Cut(rest, "@")
	if !ok || object == "" {
		return Address{}, &errors.InvalidAddressError{URI: uri, Reason: "missing object name"}
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, &errors.InvalidAddressError{URI: uri, Reason: err.Error()}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, &errors.InvalidAddressError{URI: uri, Reason: fmt.Sprintf("bad port %q", portStr)}
	}
	return Address{Scheme: scheme, Object: object, Host: host, Port: port}, nil
}

// String renders the canonical URI form.
func (a Address) String() string {
	return fmt.Sprintf("%s:%s@%s", a.Scheme, a.Object, a.HostPort())
}

// HostPort returns the dialable "host:port" part.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// WithObject returns a copy of a addressing a different object at the same
// endpoint.
func (a Address) WithObject(name string) Address {
	a.Object = name
	return a
}
