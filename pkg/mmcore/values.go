package mmcore

import (
	"fmt"
	"time"
)

// NDArray is a dense numeric array (an image frame, typically uint16).
type NDArray struct {
	Shape []int
	DType string
	Data  []byte
}

// dtypeSizes maps element-type names to byte widths.
var dtypeSizes = map[string]int{
	"uint8":   1,
	"int8":    1,
	"uint16":  2,
	"int16":   2,
	"uint32":  4,
	"int32":   4,
	"float32": 4,
	"uint64":  8,
	"int64":   8,
	"float64": 8,
}

// DTypeSize returns the byte width of an element-type name, 0 if unknown.
func DTypeSize(dtype string) int { return dtypeSizes[dtype] }

// NBytes is the payload size implied by shape and dtype.
func (a *NDArray) NBytes() int {
	n := DTypeSize(a.DType)
	for _, dim := range a.Shape {
		n *= dim
	}
	return n
}

// Clone deep-copies the array.
func (a *NDArray) Clone() *NDArray {
	data := make([]byte, len(a.Data))
	copy(data, a.Data)
	shape := make([]int, len(a.Shape))
	copy(shape, a.Shape)
	return &NDArray{Shape: shape, DType: a.DType, Data: data}
}

// Metadata is the free-form annotation attached to each acquired frame.
type Metadata map[string]string

// ConfigSetting is one (device, property, value) triple of a configuration.
type ConfigSetting struct {
	Device   string
	Property string
	Value    string
}

// Configuration is an ordered set of config settings, as returned by
// GetConfigGroupState.
type Configuration []ConfigSetting

// CoreClient is the calling surface a decoded back-reference value needs.
// Server-side it is the Core itself; client-side it is a live proxy
// resolved from the embedded core URI.
type CoreClient interface {
	GetProperty(device, property string) (string, error)
	SetProperty(device, property, value string) error
	GetConfigGroupState(group string) (Configuration, error)
}

// DeviceProperty is a handle to one device property. It carries a
// non-owning reference to whichever core it belongs to, so a handle decoded
// on the client stays callable.
type DeviceProperty struct {
	Device string
	Name   string

	core CoreClient
}

// NewDeviceProperty binds a property handle to a core.
func NewDeviceProperty(device, name string, core CoreClient) DeviceProperty {
	return DeviceProperty{Device: device, Name: name, core: core}
}

// Core returns the core this handle is bound to.
func (p DeviceProperty) Core() CoreClient { return p.core }

// Value reads the property through the bound core.
func (p DeviceProperty) Value() (string, error) {
	return p.core.GetProperty(p.Device, p.Name)
}

// SetValue writes the property through the bound core.
func (p DeviceProperty) SetValue(value string) error {
	return p.core.SetProperty(p.Device, p.Name, value)
}

// ConfigGroup is a handle to a named configuration group, bound to a core
// the same way DeviceProperty is.
type ConfigGroup struct {
	Name string

	core CoreClient
}

// NewConfigGroup binds a config-group handle to a core.
func NewConfigGroup(name string, core CoreClient) ConfigGroup {
	return ConfigGroup{Name: name, core: core}
}

// Core returns the core this handle is bound to.
func (g ConfigGroup) Core() CoreClient { return g.core }

// State reads the group's current settings through the bound core.
func (g ConfigGroup) State() (Configuration, error) {
	return g.core.GetConfigGroupState(g.Name)
}

// Sequence describes a timed acquisition: Loops frames, Interval apart.
type Sequence struct {
	UID      string
	Interval time.Duration
	Loops    int
}

// FrameEvent identifies one frame's position within a sequence.
type FrameEvent struct {
	Index       map[string]int
	SequenceUID string
}

// DeviceError is the domain error kind raised by the automation core. A
// codec is registered for it, so clients can still match it by type after a
// round trip.
type DeviceError struct {
	Msg string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error: %s", e.Msg)
}
