// Package mmcore is the domain side of the bridge: a simulated microscope
// automation core with string properties, a demo device set, and a timed
// acquisition sequence runner. It stands in for the real device layer and
// knows nothing about being proxied.
package mmcore

import (
	"sync"

	"github.com/samber/lo"
)

// Handler receives one event emission.
type Handler func(args ...any)

// Signal is one named event stream. Emission iterates a snapshot of the
// handler list, so a handler disconnecting mid-emission is safe.
type Signal struct {
	name string

	mu       sync.Mutex
	handlers []Handler
}

// Name returns the signal's event name.
func (s *Signal) Name() string { return s.name }

// Connect appends a handler. Handlers run synchronously on the emitting
// goroutine in connection order.
func (s *Signal) Connect(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Emit delivers args to every connected handler.
func (s *Signal) Emit(args ...any) {
	s.mu.Lock()
	snapshot := lo.Map(s.handlers, func(h Handler, _ int) Handler { return h })
	s.mu.Unlock()

	for _, h := range snapshot {
		h(args...)
	}
}

// Signaler is an enumerable set of named signals, the event surface the
// callback registry subscribes to.
type Signaler struct {
	names   []string
	signals map[string]*Signal
}

// NewSignaler builds a signaler with one signal per name.
func NewSignaler(names ...string) *Signaler {
	signals := make(map[string]*Signal, len(names))
	for _, name := range names {
		signals[name] = &Signal{name: name}
	}
	return &Signaler{names: names, signals: signals}
}

// EventNames enumerates the signals in declaration order.
func (sg *Signaler) EventNames() []string {
	return lo.Map(sg.names, func(n string, _ int) string { return n })
}

// Signal returns the named signal, or nil if the name is unknown.
func (sg *Signaler) Signal(name string) *Signal {
	return sg.signals[name]
}

// Connect attaches h to the named signal. Unknown names are ignored so a
// subscriber built from a newer event enumeration stays compatible.
func (sg *Signaler) Connect(name string, h Handler) {
	if sig := sg.signals[name]; sig != nil {
		sig.Connect(h)
	}
}

// Emit fires the named signal if it exists.
func (sg *Signaler) Emit(name string, args ...any) {
	if sig := sg.signals[name]; sig != nil {
		sig.Emit(args...)
	}
}

// Core event names.
const (
	EventSystemConfigurationLoaded = "systemConfigurationLoaded"
	EventImageSnapped              = "imageSnapped"
	EventPropertyChanged           = "propertyChanged"
)

// Sequence runner event names.
const (
	EventSequenceStarted  = "sequenceStarted"
	EventFrameReady       = "frameReady"
	EventSequenceFinished = "sequenceFinished"
	EventSequenceCanceled = "sequenceCanceled"
)

// CoreEventNames lists the automation core's event surface.
func CoreEventNames() []string {
	return []string{
		EventSystemConfigurationLoaded,
		EventImageSnapped,
		EventPropertyChanged,
	}
}

// RunnerEventNames lists the sequence runner's event surface.
func RunnerEventNames() []string {
	return []string{
		EventSequenceStarted,
		EventFrameReady,
		EventSequenceFinished,
		EventSequenceCanceled,
	}
}
