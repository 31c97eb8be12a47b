package mmcore

// DeviceType classifies a loaded device.
type DeviceType int

const (
	UnknownType DeviceType = iota
	CameraDevice
	StageDevice
	XYStageDevice
	ShutterDevice
	StateDevice
	CoreDevice
)

func (t DeviceType) String() string {
	switch t {
	case CameraDevice:
		return "Camera"
	case StageDevice:
		return "Stage"
	case XYStageDevice:
		return "XYStage"
	case ShutterDevice:
		return "Shutter"
	case StateDevice:
		return "State"
	case CoreDevice:
		return "Core"
	default:
		return "Unknown"
	}
}

// PropertyType describes how a device property's string value should be
// interpreted.
type PropertyType int

const (
	PropUndef PropertyType = iota
	PropString
	PropFloat
	PropInteger
)

func (t PropertyType) String() string {
	switch t {
	case PropString:
		return "String"
	case PropFloat:
		return "Float"
	case PropInteger:
		return "Integer"
	default:
		return "Undef"
	}
}
