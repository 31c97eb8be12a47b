package mmcore

import (
	"encoding/binary"
	"sort"
	"sync"

	"go.uber.org/zap"
)

const (
	demoImageWidth  = 512
	demoImageHeight = 512
)

// CoreParams configures a Core.
type CoreParams struct {
	Logger *zap.Logger
}

type propRecord struct {
	value string
	ptype PropertyType
}

type deviceRecord struct {
	dtype DeviceType
	props map[string]*propRecord
}

// Core is the simulated automation core: a set of named devices with typed
// string properties, a demo camera, and config groups. All methods are safe
// for concurrent use.
type Core struct {
	log    *zap.Logger
	events *Signaler

	mu           sync.RWMutex
	devices      map[string]*deviceRecord
	configGroups map[string]Configuration
	lastFrame    *NDArray
	snapCount    uint64
}

// NewCore builds an empty core; call LoadSystemConfiguration to populate the
// demo device set.
func NewCore(params CoreParams) *Core {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	return &Core{
		log:          logger.With(zap.String("component", "mmcore")),
		events:       NewSignaler(CoreEventNames()...),
		devices:      make(map[string]*deviceRecord),
		configGroups: make(map[string]Configuration),
	}
}

// Events exposes the core's event surface.
func (c *Core) Events() *Signaler { return c.events }

// LoadSystemConfiguration loads the demo device set and emits
// systemConfigurationLoaded.
func (c *Core) LoadSystemConfiguration() error {
	c.mu.Lock()
	c.devices = map[string]*deviceRecord{
		"Camera": {
			dtype: CameraDevice,
			props: map[string]*propRecord{
				"Exposure": {value: "10.0", ptype: PropFloat},
				"Binning":  {value: "1", ptype: PropInteger},
				"Gain":     {value: "0", ptype: PropFloat},
			},
		},
		"Z": {
			dtype: StageDevice,
			props: map[string]*propRecord{
				"Position": {value: "0.0", ptype: PropFloat},
			},
		},
		"XY": {
			dtype: XYStageDevice,
			props: map[string]*propRecord{
				"X": {value: "0.0", ptype: PropFloat},
				"Y": {value: "0.0", ptype: PropFloat},
			},
		},
		"Shutter": {
			dtype: ShutterDevice,
			props: map[string]*propRecord{
				"State": {value: "0", ptype: PropInteger},
			},
		},
		"Objective": {
			dtype: StateDevice,
			props: map[string]*propRecord{
				"Label": {value: "Nikon 10X S Fluor", ptype: PropString},
			},
		},
	}
	c.configGroups = map[string]Configuration{
		"Channel": {
			{Device: "Camera", Property: "Gain", Value: "0"},
			{Device: "Shutter", Property: "State", Value: "0"},
		},
		"System": {
			{Device: "Camera", Property: "Binning", Value: "1"},
		},
	}
	c.mu.Unlock()

	c.log.Info("system configuration loaded")
	c.events.Emit(EventSystemConfigurationLoaded)
	return nil
}

// GetLoadedDevices lists device labels in sorted order.
func (c *Core) GetLoadedDevices() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	labels := make([]string, 0, len(c.devices))
	for label := range c.devices {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// GetDeviceType reports the type of a loaded device.
func (c *Core) GetDeviceType(device string) (DeviceType, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.devices[device]
	if !ok {
		return UnknownType, &DeviceError{Msg: "no device with label " + device}
	}
	return rec.dtype, nil
}

// GetDevicePropertyNames lists a device's property names in sorted order.
func (c *Core) GetDevicePropertyNames(device string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.devices[device]
	if !ok {
		return nil, &DeviceError{Msg: "no device with label " + device}
	}
	names := make([]string, 0, len(rec.props))
	for name := range rec.props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Core) property(device, property string) (*propRecord, error) {
	rec, ok := c.devices[device]
	if !ok {
		return nil, &DeviceError{Msg: "no device with label " + device}
	}
	prop, ok := rec.props[property]
	if !ok {
		return nil, &DeviceError{Msg: "device " + device + " has no property " + property}
	}
	return prop, nil
}

// GetProperty reads a device property value.
func (c *Core) GetProperty(device, property string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	prop, err := c.property(device, property)
	if err != nil {
		return "", err
	}
	return prop.value, nil
}

// GetPropertyType reports the declared type of a device property.
func (c *Core) GetPropertyType(device, property string) (PropertyType, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	prop, err := c.property(device, property)
	if err != nil {
		return PropUndef, err
	}
	return prop.ptype, nil
}

// SetProperty writes a device property and emits propertyChanged.
func (c *Core) SetProperty(device, property, value string) error {
	c.mu.Lock()
	prop, err := c.property(device, property)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	prop.value = value
	c.mu.Unlock()

	c.events.Emit(EventPropertyChanged, device, property, value)
	return nil
}

// GetPropertyObject returns a callable handle bound to this core.
func (c *Core) GetPropertyObject(device, property string) DeviceProperty {
	return NewDeviceProperty(device, property, c)
}

// GetConfigGroupState returns the current settings of a config group.
func (c *Core) GetConfigGroupState(group string) (Configuration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.configGroups[group]
	if !ok {
		return nil, &DeviceError{Msg: "no config group named " + group}
	}
	out := make(Configuration, len(cfg))
	copy(out, cfg)
	return out, nil
}

// SnapImage acquires one frame from the demo camera and emits imageSnapped.
func (c *Core) SnapImage() error {
	c.mu.Lock()
	if _, ok := c.devices["Camera"]; !ok {
		c.mu.Unlock()
		return &DeviceError{Msg: "no camera device loaded"}
	}
	c.snapCount++
	c.lastFrame = renderFrame(demoImageWidth, demoImageHeight, c.snapCount)
	c.mu.Unlock()

	c.events.Emit(EventImageSnapped)
	return nil
}

// GetImage returns the most recently snapped frame.
func (c *Core) GetImage() (*NDArray, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastFrame == nil {
		return nil, &DeviceError{Msg: "no image available; call SnapImage first"}
	}
	return c.lastFrame.Clone(), nil
}

// renderFrame produces a deterministic uint16 gradient, offset per snap so
// consecutive frames differ.
func renderFrame(width, height int, seed uint64) *NDArray {
	data := make([]byte, width*height*2)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := uint16((uint64(x) + uint64(y) + seed*17) & 0xffff)
			binary.LittleEndian.PutUint16(data[(y*width+x)*2:], v)
		}
	}
	return &NDArray{Shape: []int{height, width}, DType: "uint16", Data: data}
}
