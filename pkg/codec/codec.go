// Package codec translates domain values into wire-safe envelopes and back.
// Every envelope carries a "__class__" tag naming the codec that decodes it;
// large arrays go through a pluggable strategy (shared memory on one
// machine, inline bytes across machines).
package codec

import (
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/errors"
	"github.com/pymmcore-plus/pymmcore-remote/pkg/mmcore"
)

// classKey tags an envelope with the codec that produced it.
const classKey = "__class__"

// ValueCodec encodes one domain type into envelope fields and back.
type ValueCodec interface {
	Tag() string
	Type() reflect.Type
	Encode(reg *Registry, v any) (map[string]any, error)
	Decode(reg *Registry, fields map[string]any) (any, error)
}

// Resolver obtains a live core proxy for a back-reference URI. The client
// package installs one; decoding a back-reference without a reachable
// daemon fails with a ConnectionError rather than yielding a dead handle.
type Resolver func(coreURI string) (mmcore.CoreClient, error)

// Params configures a Registry. The explicit fields replace any ambient
// "current daemon" state: the server threads its own URI through CoreURI,
// the client threads proxy resolution through Resolver.
type Params struct {
	// CoreURI reports the address of the locally served core, embedded into
	// back-reference envelopes. Server side only.
	CoreURI func() string

	// Resolver turns an embedded core URI back into a live proxy. Client
	// side only; resolutions are memoized per URI.
	Resolver Resolver

	// Arrays selects the large-array strategy. Defaults to InlineArrays.
	Arrays ArrayStrategy

	Logger *zap.Logger
}

// Registry holds the registered value codecs for one end of the bridge.
type Registry struct {
	coreURI func() string
	arrays  ArrayStrategy
	log     *zap.Logger

	mu      sync.RWMutex
	byTag   map[string]ValueCodec
	byType  map[reflect.Type]ValueCodec
	resolve Resolver
	proxies map[string]mmcore.CoreClient
}

// NewRegistry builds a registry with the default codecs installed.
func NewRegistry(params Params) *Registry {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	arrays := params.Arrays
	if arrays == nil {
		arrays = InlineArrays{}
	}
	reg := &Registry{
		coreURI: params.CoreURI,
		arrays:  arrays,
		log:     logger.With(zap.String("component", "codec")),
		byTag:   make(map[string]ValueCodec),
		byType:  make(map[reflect.Type]ValueCodec),
		resolve: params.Resolver,
		proxies: make(map[string]mmcore.CoreClient),
	}
	registerDefaults(reg)
	return reg
}

// Register installs a codec. Registering an already-known tag is a no-op,
// so startup paths may register freely.
func (r *Registry) Register(c ValueCodec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byTag[c.Tag()]; exists {
		return
	}
	r.byTag[c.Tag()] = c
	r.byType[c.Type()] = c
}

func (r *Registry) codecForTag(tag string) (ValueCodec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byTag[tag]
	return c, ok
}

func (r *Registry) codecForType(t reflect.Type) (ValueCodec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byType[t]
	return c, ok
}

// resolveCore memoizes proxy resolution per core URI.
func (r *Registry) resolveCore(uri string) (mmcore.CoreClient, error) {
	r.mu.Lock()
	resolve := r.resolve
	if proxy, ok := r.proxies[uri]; ok {
		r.mu.Unlock()
		return proxy, nil
	}
	r.mu.Unlock()

	if resolve == nil {
		return nil, &errors.DecodeError{Tag: "core_uri", Reason: "no proxy resolver configured"}
	}
	proxy, err := resolve(uri)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.proxies[uri] = proxy
	r.mu.Unlock()
	return proxy, nil
}

// EncodeValue turns a domain value into its wire form: scalars pass
// through, registered types become tagged envelopes, containers recurse.
func (r *Registry) EncodeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	// Arrays take the strategy path, not a plain codec.
	if arr, ok := asNDArray(v); ok {
		fields, err := r.arrays.Encode(arr)
		if err != nil {
			return nil, err
		}
		fields[classKey] = ndarrayTag
		return fields, nil
	}

	if c, ok := r.codecForType(reflect.TypeOf(v)); ok {
		fields, err := c.Encode(r, v)
		if err != nil {
			return nil, err
		}
		fields[classKey] = c.Tag()
		return fields, nil
	}

	switch value := v.(type) {
	case bool, string, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return value, nil
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			enc, err := r.EncodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case []string:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = item
		}
		return out, nil
	case []int:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = item
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, item := range value {
			enc, err := r.EncodeValue(item)
			if err != nil {
				return nil, err
			}
			out[key] = enc
		}
		return out, nil
	default:
		return nil, &errors.EncodeError{TypeName: reflect.TypeOf(v).String()}
	}
}

// EncodeArgs encodes a call's argument list.
func (r *Registry) EncodeArgs(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, arg := range args {
		enc, err := r.EncodeValue(arg)
		if err != nil {
			return nil, err
		}
		out[i] = enc
	}
	return out, nil
}

// DecodeValue reverses EncodeValue, dispatching tagged envelopes to their
// registered codecs.
func (r *Registry) DecodeValue(v any) (any, error) {
	switch value := v.(type) {
	case map[string]any:
		if rawTag, ok := value[classKey]; ok {
			tag, _ := AsString(rawTag)
			if tag == ndarrayTag {
				return r.decodeArray(value)
			}
			c, ok := r.codecForTag(tag)
			if !ok {
				return nil, &errors.DecodeError{Tag: tag}
			}
			return c.Decode(r, value)
		}
		out := make(map[string]any, len(value))
		for key, item := range value {
			dec, err := r.DecodeValue(item)
			if err != nil {
				return nil, err
			}
			out[key] = dec
		}
		return out, nil
	case map[any]any:
		// Some msgpack encoders produce untyped map keys; normalize and
		// take the map[string]any path.
		out := make(map[string]any, len(value))
		for key, item := range value {
			name, ok := key.(string)
			if !ok {
				return nil, &errors.DecodeError{Tag: "map", Reason: "non-string map key"}
			}
			out[name] = item
		}
		return r.DecodeValue(out)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			dec, err := r.DecodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	default:
		return v, nil
	}
}

// DecodeArgs decodes a call's argument list.
func (r *Registry) DecodeArgs(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, arg := range args {
		dec, err := r.DecodeValue(arg)
		if err != nil {
			return nil, err
		}
		out[i] = dec
	}
	return out, nil
}

// EncodeError renders err into error-frame fields: a registered domain
// error keeps its kind via its envelope, anything else degrades to a
// message-only form.
func (r *Registry) EncodeError(err error) map[string]any {
	if c, ok := r.codecForType(reflect.TypeOf(err)); ok {
		if fields, encErr := c.Encode(r, err); encErr == nil {
			fields[classKey] = c.Tag()
			return fields
		}
	}
	return map[string]any{
		"kind":    reflect.TypeOf(err).String(),
		"message": err.Error(),
	}
}

// DecodeError reverses EncodeError on the receiving side.
func (r *Registry) DecodeError(fields map[string]any) error {
	if rawTag, ok := fields[classKey]; ok {
		tag, _ := AsString(rawTag)
		if c, ok := r.codecForTag(tag); ok {
			decoded, err := c.Decode(r, fields)
			if err == nil {
				if derr, ok := decoded.(error); ok {
					return derr
				}
			}
		}
	}
	msg, _ := AsString(fields["message"])
	kind, _ := AsString(fields["kind"])
	return &errors.RemoteError{Kind: kind, Message: msg}
}
