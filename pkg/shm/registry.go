//go:build unix

package shm

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultRetain is how many recently-sent segments a sender keeps alive
// before reclaiming the oldest.
const DefaultRetain = 15

// RegistryParams configures a Registry.
type RegistryParams struct {
	// Retain bounds the number of tracked segments; zero means
	// DefaultRetain.
	Retain int
	Logger *zap.Logger
}

// Registry is the sender-side lifecycle tracker for shared segments. A
// segment stays mapped until the bounded history pushes it out, which gives
// the receiver time to copy the payload; the receiver releases its own
// mapping independently, and double release is harmless.
type Registry struct {
	retain int
	log    *zap.Logger

	mu       sync.Mutex
	segments []*Segment
}

// NewRegistry builds a registry with bounded retention.
func NewRegistry(params RegistryParams) *Registry {
	retain := params.Retain
	if retain <= 0 {
		retain = DefaultRetain
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	return &Registry{
		retain: retain,
		log:    logger.With(zap.String("component", "shm-registry")),
	}
}

// Track takes ownership of a freshly sent segment, reclaiming the oldest
// tracked segments beyond the retention bound.
func (r *Registry) Track(seg *Segment) {
	r.mu.Lock()
	r.segments = append(r.segments, seg)
	var evicted []*Segment
	for len(r.segments) > r.retain {
		evicted = append(evicted, r.segments[0])
		r.segments = r.segments[1:]
	}
	r.mu.Unlock()

	for _, old := range evicted {
		if err := old.Release(); err != nil {
			r.log.Warn("failed to reclaim segment", zap.String("name", old.Name()), zap.Error(err))
		}
	}
}

// Len reports how many segments are currently tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.segments)
}

// Close releases every tracked segment.
func (r *Registry) Close() error {
	r.mu.Lock()
	segments := r.segments
	r.segments = nil
	r.mu.Unlock()

	var err error
	for _, seg := range segments {
		err = multierr.Append(err, seg.Release())
	}
	return err
}
