package rpc

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type frameType uint8

const (
	frameRequest  frameType = 0x01
	frameResponse frameType = 0x02
	frameError    frameType = 0x03
	frameNotify   frameType = 0x04
)

// maxFrameSize caps a single frame at 64 MiB; full-resolution camera frames
// travel through shared memory, not the RPC channel, so anything larger is a
// protocol violation.
const maxFrameSize = 64 * 1024 * 1024

// frame layout: [1 type][4 request-id][body]. The TCP transport adds its own
// length prefix; WebSocket messages are already delimited.
type frame struct {
	typ  frameType
	id   uint32
	body []byte
}

// requestBody is the msgpack shape of request and notify frames.
type requestBody struct {
	Object string `msgpack:"o"`
	Method string `msgpack:"m"`
	Args   []any  `msgpack:"a"`
}

// responseBody is the msgpack shape of response frames.
type responseBody struct {
	Result any `msgpack:"r"`
}

func marshalFrame(f frame) []byte {
	buf := make([]byte, 5+len(f.body))
	buf[0] = byte(f.typ)
	buf[1] = byte(f.id >> 24)
	buf[2] = byte(f.id >> 16)
	buf[3] = byte(f.id >> 8)
	buf[4] = byte(f.id)
	copy(buf[5:], f.body)
	return buf
}

func unmarshalFrame(msg []byte) (frame, error) {
	if len(msg) < 5 {
		return frame{}, fmt.Errorf("short frame: %d bytes", len(msg))
	}
	return frame{
		typ:  frameType(msg[0]),
		id:   uint32(msg[1])<<24 | uint32(msg[2])<<16 | uint32(msg[3])<<8 | uint32(msg[4]),
		body: msg[5:],
	}, nil
}

func encodeRequest(object, method string, args []any) ([]byte, error) {
	return msgpack.Marshal(requestBody{Object: object, Method: method, Args: args})
}

func decodeRequest(body []byte) (requestBody, error) {
	var req requestBody
	err := msgpack.Unmarshal(body, &req)
	return req, err
}

func encodeResponse(result any) ([]byte, error) {
	return msgpack.Marshal(responseBody{Result: result})
}

func decodeResponse(body []byte) (any, error) {
	var resp responseBody
	if err := msgpack.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func encodeErrorBody(fields map[string]any) ([]byte, error) {
	return msgpack.Marshal(fields)
}

func decodeErrorBody(body []byte) (map[string]any, error) {
	var fields map[string]any
	err := msgpack.Unmarshal(body, &fields)
	return fields, err
}
