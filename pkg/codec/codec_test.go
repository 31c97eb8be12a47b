package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/errors"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/mmcore"
)

// fakeCore records calls so back-reference handles can be exercised without
// a live daemon.
type fakeCore struct {
	uri    string
	values map[string]string
}

func (f *fakeCore) CoreURI() string { return f.uri }

func (f *fakeCore) GetProperty(device, property string) (string, error) {
	return f.values[device+"/"+property], nil
}

func (f *fakeCore) SetProperty(device, property, value string) error {
	f.values[device+"/"+property] = value
	return nil
}

func (f *fakeCore) GetConfigGroupState(string) (mmcore.Configuration, error) {
	return mmcore.Configuration{{Device: "Camera", Property: "Binning", Value: "1"}}, nil
}

func newTestRegistry(t *testing.T, resolve Resolver) *Registry {
	t.Helper()
	return NewRegistry(Params{
		CoreURI:  func() string { return "mmrpc:mmcore.Core@127.0.0.1:54333" },
		Resolver: resolve,
		Logger:   zap.NewNop(),
	})
}

// wireTrip pushes the encoded form through msgpack, the way a real frame
// would travel, before decoding.
func wireTrip(t *testing.T, reg *Registry, v any) any {
	t.Helper()
	encoded, err := reg.EncodeValue(v)
	require.NoError(t, err)

	raw, err := msgpack.Marshal(encoded)
	require.NoError(t, err)
	var wire any
	require.NoError(t, msgpack.Unmarshal(raw, &wire))

	decoded, err := reg.DecodeValue(wire)
	require.NoError(t, err)
	return decoded
}

func TestScalarsPassThrough(t *testing.T) {
	reg := newTestRegistry(t, nil)
	assert.Equal(t, "hello", wireTrip(t, reg, "hello"))
	assert.Equal(t, true, wireTrip(t, reg, true))

	n, ok := AsInt(wireTrip(t, reg, 42))
	require.True(t, ok)
	assert.Equal(t, 42, n)
}

func TestEnumRoundTrip(t *testing.T) {
	reg := newTestRegistry(t, nil)
	assert.Equal(t, mmcore.CameraDevice, wireTrip(t, reg, mmcore.CameraDevice))
	assert.Equal(t, mmcore.PropFloat, wireTrip(t, reg, mmcore.PropFloat))
}

func TestDurationRoundTrip(t *testing.T) {
	reg := newTestRegistry(t, nil)
	assert.Equal(t, 250*time.Millisecond, wireTrip(t, reg, 250*time.Millisecond))
}

func TestSequenceRoundTrip(t *testing.T) {
	reg := newTestRegistry(t, nil)
	seq := mmcore.Sequence{UID: "abc-123", Interval: time.Second, Loops: 5}
	assert.Equal(t, seq, wireTrip(t, reg, seq))
}

func TestConfigurationRoundTrip(t *testing.T) {
	reg := newTestRegistry(t, nil)
	cfg := mmcore.Configuration{
		{Device: "Camera", Property: "Binning", Value: "1"},
		{Device: "Camera", Property: "Exposure", Value: "10.0"},
	}
	assert.Equal(t, cfg, wireTrip(t, reg, cfg))
}

func TestMetadataRoundTrip(t *testing.T) {
	reg := newTestRegistry(t, nil)
	meta := mmcore.Metadata{"PixelSizeUm": "0.65", "Camera": "Camera"}
	assert.Equal(t, meta, wireTrip(t, reg, meta))
}

func TestFrameEventRoundTrip(t *testing.T) {
	reg := newTestRegistry(t, nil)
	event := mmcore.FrameEvent{Index: map[string]int{"t": 3}, SequenceUID: "seq-1"}
	assert.Equal(t, event, wireTrip(t, reg, event))
}

func TestBackReferenceResolvesThroughResolver(t *testing.T) {
	core := &fakeCore{
		uri:    "mmrpc:mmcore.Core@127.0.0.1:54333",
		values: map[string]string{"Camera/Exposure": "10.0"},
	}
	resolved := 0
	reg := newTestRegistry(t, func(uri string) (mmcore.CoreClient, error) {
		resolved++
		assert.Equal(t, core.uri, uri)
		return core, nil
	})

	prop := mmcore.NewDeviceProperty("Camera", "Exposure", core)
	decoded := wireTrip(t, reg, prop)

	handle, ok := decoded.(mmcore.DeviceProperty)
	require.True(t, ok)
	assert.Equal(t, "Camera", handle.Device)
	assert.Equal(t, "Exposure", handle.Name)

	value, err := handle.Value()
	require.NoError(t, err)
	assert.Equal(t, "10.0", value)

	// A second handle for the same core reuses the memoized resolution.
	wireTrip(t, reg, mmcore.NewConfigGroup("Channel", core))
	assert.Equal(t, 1, resolved)
}

func TestBackReferenceWithoutResolverFails(t *testing.T) {
	core := &fakeCore{uri: "mmrpc:mmcore.Core@127.0.0.1:54333"}
	reg := newTestRegistry(t, nil)

	encoded, err := reg.EncodeValue(mmcore.NewDeviceProperty("Camera", "Gain", core))
	require.NoError(t, err)
	_, err = reg.DecodeValue(encoded)
	require.Error(t, err)
	var decErr *errors.DecodeError
	assert.ErrorAs(t, err, &decErr)
}

func TestEncodeUnsupportedType(t *testing.T) {
	reg := newTestRegistry(t, nil)
	type opaque struct{ ch chan int }
	_, err := reg.EncodeValue(opaque{})
	var encErr *errors.EncodeError
	require.ErrorAs(t, err, &encErr)
}

func TestDecodeUnknownTag(t *testing.T) {
	reg := newTestRegistry(t, nil)
	_, err := reg.DecodeValue(map[string]any{classKey: "not.Registered"})
	var decErr *errors.DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, "not.Registered", decErr.Tag)
}

func TestContainersRecurse(t *testing.T) {
	reg := newTestRegistry(t, nil)
	decoded := wireTrip(t, reg, []any{"a", mmcore.CameraDevice, time.Second})
	list, ok := decoded.([]any)
	require.True(t, ok)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0])
	assert.Equal(t, mmcore.CameraDevice, list[1])
	assert.Equal(t, time.Second, list[2])
}

func TestInlineArrayRoundTrip(t *testing.T) {
	reg := newTestRegistry(t, nil)
	arr := &mmcore.NDArray{
		Shape: []int{2, 3},
		DType: "uint16",
		Data:  []byte{1, 0, 2, 0, 3, 0, 4, 0, 5, 0, 6, 0},
	}
	decoded := wireTrip(t, reg, arr)
	got, ok := decoded.(*mmcore.NDArray)
	require.True(t, ok)
	assert.Equal(t, arr.Shape, got.Shape)
	assert.Equal(t, arr.DType, got.DType)
	assert.Equal(t, arr.Data, got.Data)

	// The receiver owns a private copy.
	got.Data[0] = 0xFF
	assert.Equal(t, byte(1), arr.Data[0])
}

func TestArrayRejectsSizeMismatch(t *testing.T) {
	reg := newTestRegistry(t, nil)
	_, err := reg.DecodeValue(map[string]any{
		classKey: "mmcore.NDArray",
		"shape":  []any{4, 4},
		"dtype":  "uint16",
		"data":   []byte{1, 2, 3},
	})
	var decErr *errors.DecodeError
	require.ErrorAs(t, err, &decErr)
}

func TestErrorRoundTripKeepsKind(t *testing.T) {
	reg := newTestRegistry(t, nil)

	fields := reg.EncodeError(&mmcore.DeviceError{Msg: "shutter stuck"})
	raw, err := msgpack.Marshal(fields)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, msgpack.Unmarshal(raw, &wire))

	decoded := reg.DecodeError(wire)
	var devErr *mmcore.DeviceError
	require.ErrorAs(t, decoded, &devErr)
	assert.Equal(t, "shutter stuck", devErr.Msg)
}

func TestErrorRoundTripDegradesUnknownKind(t *testing.T) {
	reg := newTestRegistry(t, nil)

	fields := reg.EncodeError(assert.AnError)
	decoded := reg.DecodeError(fields)
	var remote *errors.RemoteError
	require.ErrorAs(t, decoded, &remote)
	assert.Contains(t, remote.Message, assert.AnError.Error())
}
