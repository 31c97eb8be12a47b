package codec

import (
	"reflect"
	"time"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/errors"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/mmcore"
)

// coreURIProvider is implemented by client-side proxies so a back-reference
// handle that already points at a remote core re-encodes with that core's
// URI instead of the local one.
type coreURIProvider interface {
	CoreURI() string
}

func registerDefaults(reg *Registry) {
	reg.Register(deviceTypeCodec{})
	reg.Register(propertyTypeCodec{})
	reg.Register(durationCodec{})
	reg.Register(devicePropertyCodec{})
	reg.Register(configGroupCodec{})
	reg.Register(configurationCodec{})
	reg.Register(metadataCodec{})
	reg.Register(sequenceCodec{})
	reg.Register(frameEventCodec{})
	reg.Register(deviceErrorCodec{})
}

// backRefURI picks the core URI to embed for a back-reference value bound
// to core. A handle bound to a remote proxy keeps that proxy's URI; a
// handle bound to the locally served core uses the registry's own context.
func backRefURI(reg *Registry, core mmcore.CoreClient) (string, bool) {
	if provider, ok := core.(coreURIProvider); ok {
		return provider.CoreURI(), true
	}
	if reg.coreURI != nil {
		return reg.coreURI(), true
	}
	return "", false
}

// deviceTypeCodec keeps DeviceType a typed enumeration across the wire; a
// naive pass-through would degrade it to a bare integer on the far side.
type deviceTypeCodec struct{}

func (deviceTypeCodec) Tag() string        { return "mmcore.DeviceType" }
func (deviceTypeCodec) Type() reflect.Type { return reflect.TypeOf(mmcore.UnknownType) }

func (deviceTypeCodec) Encode(_ *Registry, v any) (map[string]any, error) {
	return map[string]any{"value": int(v.(mmcore.DeviceType))}, nil
}

func (c deviceTypeCodec) Decode(_ *Registry, fields map[string]any) (any, error) {
	n, ok := AsInt(fields["value"])
	if !ok {
		return nil, &errors.DecodeError{Tag: c.Tag(), Reason: "missing enum value"}
	}
	return mmcore.DeviceType(n), nil
}

type propertyTypeCodec struct{}

func (propertyTypeCodec) Tag() string        { return "mmcore.PropertyType" }
func (propertyTypeCodec) Type() reflect.Type { return reflect.TypeOf(mmcore.PropUndef) }

func (propertyTypeCodec) Encode(_ *Registry, v any) (map[string]any, error) {
	return map[string]any{"value": int(v.(mmcore.PropertyType))}, nil
}

func (c propertyTypeCodec) Decode(_ *Registry, fields map[string]any) (any, error) {
	n, ok := AsInt(fields["value"])
	if !ok {
		return nil, &errors.DecodeError{Tag: c.Tag(), Reason: "missing enum value"}
	}
	return mmcore.PropertyType(n), nil
}

type durationCodec struct{}

func (durationCodec) Tag() string        { return "time.Duration" }
func (durationCodec) Type() reflect.Type { return reflect.TypeOf(time.Duration(0)) }

func (durationCodec) Encode(_ *Registry, v any) (map[string]any, error) {
	return map[string]any{"ns": int64(v.(time.Duration))}, nil
}

func (c durationCodec) Decode(_ *Registry, fields map[string]any) (any, error) {
	ns, ok := AsInt64(fields["ns"])
	if !ok {
		return nil, &errors.DecodeError{Tag: c.Tag(), Reason: "missing ns field"}
	}
	return time.Duration(ns), nil
}

// devicePropertyCodec carries a property handle as its identifying fields
// plus the URI of the core it belongs to. Decoding resolves a live proxy
// for that URI, so the handle stays callable on the far side.
type devicePropertyCodec struct{}

func (devicePropertyCodec) Tag() string        { return "mmcore.DeviceProperty" }
func (devicePropertyCodec) Type() reflect.Type { return reflect.TypeOf(mmcore.DeviceProperty{}) }

func (c devicePropertyCodec) Encode(reg *Registry, v any) (map[string]any, error) {
	prop := v.(mmcore.DeviceProperty)
	uri, ok := backRefURI(reg, prop.Core())
	if !ok {
		return nil, &errors.EncodeError{TypeName: c.Tag() + " (no core URI in context)"}
	}
	return map[string]any{
		"device_label":  prop.Device,
		"property_name": prop.Name,
		"core_uri":      uri,
	}, nil
}

func (c devicePropertyCodec) Decode(reg *Registry, fields map[string]any) (any, error) {
	device, ok := AsString(fields["device_label"])
	if !ok {
		return nil, &errors.DecodeError{Tag: c.Tag(), Reason: "missing device_label"}
	}
	name, ok := AsString(fields["property_name"])
	if !ok {
		return nil, &errors.DecodeError{Tag: c.Tag(), Reason: "missing property_name"}
	}
	uri, _ := AsString(fields["core_uri"])
	core, err := reg.resolveCore(uri)
	if err != nil {
		return nil, err
	}
	return mmcore.NewDeviceProperty(device, name, core), nil
}

type configGroupCodec struct{}

func (configGroupCodec) Tag() string        { return "mmcore.ConfigGroup" }
func (configGroupCodec) Type() reflect.Type { return reflect.TypeOf(mmcore.ConfigGroup{}) }

func (c configGroupCodec) Encode(reg *Registry, v any) (map[string]any, error) {
	group := v.(mmcore.ConfigGroup)
	uri, ok := backRefURI(reg, group.Core())
	if !ok {
		return nil, &errors.EncodeError{TypeName: c.Tag() + " (no core URI in context)"}
	}
	return map[string]any{
		"group_name": group.Name,
		"core_uri":   uri,
	}, nil
}

func (c configGroupCodec) Decode(reg *Registry, fields map[string]any) (any, error) {
	name, ok := AsString(fields["group_name"])
	if !ok {
		return nil, &errors.DecodeError{Tag: c.Tag(), Reason: "missing group_name"}
	}
	uri, _ := AsString(fields["core_uri"])
	core, err := reg.resolveCore(uri)
	if err != nil {
		return nil, err
	}
	return mmcore.NewConfigGroup(name, core), nil
}

type configurationCodec struct{}

func (configurationCodec) Tag() string        { return "mmcore.Configuration" }
func (configurationCodec) Type() reflect.Type { return reflect.TypeOf(mmcore.Configuration{}) }

func (configurationCodec) Encode(_ *Registry, v any) (map[string]any, error) {
	cfg := v.(mmcore.Configuration)
	settings := make([]any, len(cfg))
	for i, s := range cfg {
		settings[i] = []any{s.Device, s.Property, s.Value}
	}
	return map[string]any{"settings": settings}, nil
}

func (c configurationCodec) Decode(_ *Registry, fields map[string]any) (any, error) {
	items, ok := fields["settings"].([]any)
	if !ok {
		return nil, &errors.DecodeError{Tag: c.Tag(), Reason: "missing settings"}
	}
	cfg := make(mmcore.Configuration, len(items))
	for i, item := range items {
		triple, ok := AsStringSlice(item)
		if !ok || len(triple) != 3 {
			return nil, &errors.DecodeError{Tag: c.Tag(), Reason: "malformed setting"}
		}
		cfg[i] = mmcore.ConfigSetting{Device: triple[0], Property: triple[1], Value: triple[2]}
	}
	return cfg, nil
}

type metadataCodec struct{}

func (metadataCodec) Tag() string        { return "mmcore.Metadata" }
func (metadataCodec) Type() reflect.Type { return reflect.TypeOf(mmcore.Metadata{}) }

func (metadataCodec) Encode(_ *Registry, v any) (map[string]any, error) {
	meta := v.(mmcore.Metadata)
	items := make(map[string]any, len(meta))
	for key, value := range meta {
		items[key] = value
	}
	return map[string]any{"items": items}, nil
}

func (c metadataCodec) Decode(_ *Registry, fields map[string]any) (any, error) {
	items, ok := AsStringMap(fields["items"])
	if !ok {
		return nil, &errors.DecodeError{Tag: c.Tag(), Reason: "missing items"}
	}
	return mmcore.Metadata(items), nil
}

type sequenceCodec struct{}

func (sequenceCodec) Tag() string        { return "mmcore.Sequence" }
func (sequenceCodec) Type() reflect.Type { return reflect.TypeOf(mmcore.Sequence{}) }

func (sequenceCodec) Encode(_ *Registry, v any) (map[string]any, error) {
	seq := v.(mmcore.Sequence)
	return map[string]any{
		"uid":         seq.UID,
		"interval_ns": int64(seq.Interval),
		"loops":       seq.Loops,
	}, nil
}

func (c sequenceCodec) Decode(_ *Registry, fields map[string]any) (any, error) {
	uid, ok := AsString(fields["uid"])
	if !ok {
		return nil, &errors.DecodeError{Tag: c.Tag(), Reason: "missing uid"}
	}
	interval, ok := AsDuration(fields["interval_ns"])
	if !ok {
		return nil, &errors.DecodeError{Tag: c.Tag(), Reason: "missing interval_ns"}
	}
	loops, ok := AsInt(fields["loops"])
	if !ok {
		return nil, &errors.DecodeError{Tag: c.Tag(), Reason: "missing loops"}
	}
	return mmcore.Sequence{UID: uid, Interval: interval, Loops: loops}, nil
}

type frameEventCodec struct{}

func (frameEventCodec) Tag() string        { return "mmcore.FrameEvent" }
func (frameEventCodec) Type() reflect.Type { return reflect.TypeOf(mmcore.FrameEvent{}) }

func (frameEventCodec) Encode(_ *Registry, v any) (map[string]any, error) {
	event := v.(mmcore.FrameEvent)
	index := make(map[string]any, len(event.Index))
	for axis, pos := range event.Index {
		index[axis] = pos
	}
	return map[string]any{
		"index":        index,
		"sequence_uid": event.SequenceUID,
	}, nil
}

func (c frameEventCodec) Decode(_ *Registry, fields map[string]any) (any, error) {
	index, ok := AsIntMap(fields["index"])
	if !ok {
		return nil, &errors.DecodeError{Tag: c.Tag(), Reason: "missing index"}
	}
	uid, ok := AsString(fields["sequence_uid"])
	if !ok {
		return nil, &errors.DecodeError{Tag: c.Tag(), Reason: "missing sequence_uid"}
	}
	return mmcore.FrameEvent{Index: index, SequenceUID: uid}, nil
}

// deviceErrorCodec lets the core's own error kind survive the round trip,
// so client code can still match on *mmcore.DeviceError.
type deviceErrorCodec struct{}

func (deviceErrorCodec) Tag() string        { return "mmcore.DeviceError" }
func (deviceErrorCodec) Type() reflect.Type { return reflect.TypeOf(&mmcore.DeviceError{}) }

func (deviceErrorCodec) Encode(_ *Registry, v any) (map[string]any, error) {
	return map[string]any{"msg": v.(*mmcore.DeviceError).Msg}, nil
}

func (c deviceErrorCodec) Decode(_ *Registry, fields map[string]any) (any, error) {
	msg, ok := AsString(fields["msg"])
	if !ok {
		return nil, &errors.DecodeError{Tag: c.Tag(), Reason: "missing msg"}
	}
	return &mmcore.DeviceError{Msg: msg}, nil
}
