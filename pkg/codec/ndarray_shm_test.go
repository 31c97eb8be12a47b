//go:build unix

package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/mmcore"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/shm"
)

func newShmRegistry(t *testing.T, segments *shm.Registry) *Registry {
	t.Helper()
	return NewRegistry(Params{
		CoreURI: func() string { return "mmrpc:mmcore.Core@127.0.0.1:54333" },
		Arrays:  NewSharedMemoryArrays(segments),
		Logger:  zap.NewNop(),
	})
}

func TestSharedMemoryArrayRoundTrip(t *testing.T) {
	segments := shm.NewRegistry(shm.RegistryParams{Logger: zap.NewNop()})
	t.Cleanup(func() { segments.Close() })

	sender := newShmRegistry(t, segments)
	receiver := newTestRegistry(t, nil)

	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i * 7)
	}
	arr := &mmcore.NDArray{Shape: []int{4, 8}, DType: "uint16", Data: data}

	encoded, err := sender.EncodeValue(arr)
	require.NoError(t, err)
	fields, ok := encoded.(map[string]any)
	require.True(t, ok)
	name, ok := fields["shm"].(string)
	require.True(t, ok)
	assert.NotContains(t, fields, "data")
	assert.Equal(t, 1, segments.Len())

	raw, err := msgpack.Marshal(encoded)
	require.NoError(t, err)
	var wire any
	require.NoError(t, msgpack.Unmarshal(raw, &wire))

	decoded, err := receiver.DecodeValue(wire)
	require.NoError(t, err)
	got, ok := decoded.(*mmcore.NDArray)
	require.True(t, ok)
	assert.Equal(t, arr.Shape, got.Shape)
	assert.Equal(t, arr.DType, got.DType)
	assert.Equal(t, arr.Data, got.Data)

	// The receiver unmapped and unlinked the segment after copying.
	_, err = shm.Open(name)
	require.Error(t, err)

	// Sender-side teardown tolerates the receiver's unlink.
	require.NoError(t, segments.Close())
	assert.Equal(t, 0, segments.Len())
}

func TestSharedMemoryRetentionReclaimsSent(t *testing.T) {
	segments := shm.NewRegistry(shm.RegistryParams{Retain: 2, Logger: zap.NewNop()})
	t.Cleanup(func() { segments.Close() })
	sender := newShmRegistry(t, segments)

	var names []string
	for i := 0; i < 3; i++ {
		arr := &mmcore.NDArray{Shape: []int{2}, DType: "uint16", Data: []byte{byte(i), 0, byte(i + 1), 0}}
		encoded, err := sender.EncodeValue(arr)
		require.NoError(t, err)
		names = append(names, encoded.(map[string]any)["shm"].(string))
	}

	// Only the two most recent segments survive; the oldest was reclaimed.
	assert.Equal(t, 2, segments.Len())
	_, err := shm.Open(names[0])
	assert.Error(t, err)

	seg, err := shm.Open(names[2])
	require.NoError(t, err)
	require.NoError(t, seg.Release())
}
