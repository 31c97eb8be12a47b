package codec

import (
	"go.uber.org/zap"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/errors"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/mmcore"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/shm"
)

const ndarrayTag = "mmcore.NDArray"

// ArrayStrategy chooses how a large numeric array's payload crosses the
// process boundary. Strategies only differ on the encode side; decode
// accepts either form, so call sites never change when the strategy does.
type ArrayStrategy interface {
	Encode(arr *mmcore.NDArray) (map[string]any, error)
}

func asNDArray(v any) (*mmcore.NDArray, bool) {
	switch arr := v.(type) {
	case *mmcore.NDArray:
		return arr, true
	case mmcore.NDArray:
		return &arr, true
	default:
		return nil, false
	}
}

func shapeFields(arr *mmcore.NDArray) (shape []any) {
	shape = make([]any, len(arr.Shape))
	for i, dim := range arr.Shape {
		shape[i] = dim
	}
	return shape
}

// InlineArrays serializes the raw bytes directly into the envelope. This is
// the only strategy that works across machines.
type InlineArrays struct{}

func (InlineArrays) Encode(arr *mmcore.NDArray) (map[string]any, error) {
	data := make([]byte, len(arr.Data))
	copy(data, arr.Data)
	return map[string]any{
		"data":  data,
		"shape": shapeFields(arr),
		"dtype": arr.DType,
	}, nil
}

// SharedMemoryArrays copies the payload into a named shared segment and
// sends only the segment's name, shape, and element type. Sender and
// receiver must share a machine. Sent segments stay alive in the registry's
// bounded history until pushed out; the receiver releases its mapping
// immediately after copying.
type SharedMemoryArrays struct {
	Segments *shm.Registry
}

// NewSharedMemoryArrays builds the strategy around a segment registry.
func NewSharedMemoryArrays(segments *shm.Registry) SharedMemoryArrays {
	return SharedMemoryArrays{Segments: segments}
}

func (s SharedMemoryArrays) Encode(arr *mmcore.NDArray) (map[string]any, error) {
	seg, err := shm.Create(len(arr.Data))
	if err != nil {
		return nil, err
	}
	copy(seg.Bytes(), arr.Data)
	s.Segments.Track(seg)
	return map[string]any{
		"shm":   seg.Name(),
		"shape": shapeFields(arr),
		"dtype": arr.DType,
	}, nil
}

// decodeArray reverses either strategy's envelope into a private copy.
func (r *Registry) decodeArray(fields map[string]any) (*mmcore.NDArray, error) {
	shape, ok := AsIntSlice(fields["shape"])
	if !ok {
		return nil, &errors.DecodeError{Tag: ndarrayTag, Reason: "missing shape"}
	}
	dtype, ok := AsString(fields["dtype"])
	if !ok || mmcore.DTypeSize(dtype) == 0 {
		return nil, &errors.DecodeError{Tag: ndarrayTag, Reason: "missing or unknown dtype"}
	}
	arr := &mmcore.NDArray{Shape: shape, DType: dtype}

	if name, ok := AsString(fields["shm"]); ok {
		seg, err := shm.Open(name)
		if err != nil {
			return nil, &errors.DecodeError{Tag: ndarrayTag, Reason: err.Error()}
		}
		data := make([]byte, seg.Size())
		copy(data, seg.Bytes())
		if err := seg.Release(); err != nil {
			r.log.Warn("failed to release received segment", zap.String("name", name), zap.Error(err))
		}
		arr.Data = data
	} else if raw, ok := AsBytes(fields["data"]); ok {
		data := make([]byte, len(raw))
		copy(data, raw)
		arr.Data = data
	} else {
		return nil, &errors.DecodeError{Tag: ndarrayTag, Reason: "neither shm nor data present"}
	}

	if arr.NBytes() != len(arr.Data) {
		return nil, &errors.DecodeError{Tag: ndarrayTag, Reason: "payload size does not match shape and dtype"}
	}
	return arr, nil
}
