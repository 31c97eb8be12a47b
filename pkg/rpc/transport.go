package rpc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport moves whole frames between peers. WriteMessage is safe for
// concurrent use; ReadMessage must be called from a single goroutine.
type Transport interface {
	WriteMessage(msg []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

// DialTransport opens a transport to addr's endpoint, choosing the framing
// from the address scheme.
func DialTransport(ctx context.Context, addr Address) (Transport, error) {
	switch addr.Scheme {
	case SchemeWS:
		url := fmt.Sprintf("ws://%s%s", addr.HostPort(), WebSocketEndpoint)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return newWSTransport(conn), nil
	default:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr.HostPort())
		if err != nil {
			return nil, err
		}
		return newTCPTransport(conn), nil
	}
}

// tcpTransport length-prefixes each frame with a 4-byte big-endian size.
type tcpTransport struct {
	conn    net.Conn
	writeMu sync.Mutex
	header  [4]byte
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{conn: conn}
}

func (t *tcpTransport) WriteMessage(msg []byte) error {
	buf := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(msg)))
	copy(buf[4:], msg)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.conn.Write(buf)
	return err
}

func (t *tcpTransport) ReadMessage() ([]byte, error) {
	if _, err := io.ReadFull(t.conn, t.header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(t.header[:])
	if size == 0 || size > maxFrameSize {
		return nil, fmt.Errorf("frame size %d out of range", size)
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(t.conn, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// wsTransport carries each frame as one binary WebSocket message.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	conn.SetReadLimit(maxFrameSize)
	return &wsTransport{conn: conn}
}

func (t *wsTransport) WriteMessage(msg []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, msg)
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		msgType, msg, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		return msg, nil
	}
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
