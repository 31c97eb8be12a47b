package mmcore

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// cancelPollInterval bounds how long a cancel request can go unnoticed while
// the runner waits out a time point.
const cancelPollInterval = 20 * time.Millisecond

// NewSequence builds a sequence with a fresh UID.
func NewSequence(interval time.Duration, loops int) Sequence {
	return Sequence{UID: uuid.NewString(), Interval: interval, Loops: loops}
}

// RunnerParams configures a Runner.
type RunnerParams struct {
	Core   *Core
	Logger *zap.Logger
}

// Runner executes timed acquisition sequences against a core. Cancellation
// is cooperative: the flag is checked between steps and while waiting out a
// time interval, never mid-exposure.
type Runner struct {
	core   *Core
	log    *zap.Logger
	events *Signaler

	runMu    sync.Mutex
	running  atomic.Bool
	canceled atomic.Bool
}

// NewRunner builds a runner bound to a core.
func NewRunner(params RunnerParams) *Runner {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	return &Runner{
		core:   params.Core,
		log:    logger.With(zap.String("component", "mda-runner")),
		events: NewSignaler(RunnerEventNames()...),
	}
}

// Events exposes the runner's event surface.
func (r *Runner) Events() *Signaler { return r.events }

// IsRunning reports whether a sequence is currently executing.
func (r *Runner) IsRunning() bool { return r.running.Load() }

// Cancel requests that the current sequence stop before its next step.
// Callers observe completion by polling IsRunning.
func (r *Runner) Cancel() { r.canceled.Store(true) }

// Run executes seq to completion (or cancellation) on the calling
// goroutine. Only one sequence runs at a time; concurrent Run calls queue.
func (r *Runner) Run(seq Sequence) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if seq.Loops <= 0 {
		return fmt.Errorf("sequence %s has no time points", seq.UID)
	}
	if seq.UID == "" {
		seq.UID = uuid.NewString()
	}

	r.running.Store(true)
	r.canceled.Store(false)
	defer r.running.Store(false)

	r.log.Info("sequence started",
		zap.String("uid", seq.UID),
		zap.Int("loops", seq.Loops),
		zap.Duration("interval", seq.Interval))
	r.events.Emit(EventSequenceStarted, seq)

	for t := 0; t < seq.Loops; t++ {
		if t > 0 && !r.waitInterval(seq.Interval) {
			break
		}
		if r.canceled.Load() {
			break
		}

		if err := r.core.SnapImage(); err != nil {
			r.events.Emit(EventSequenceFinished, seq)
			return err
		}
		frame, err := r.core.GetImage()
		if err != nil {
			r.events.Emit(EventSequenceFinished, seq)
			return err
		}

		event := FrameEvent{Index: map[string]int{"t": t}, SequenceUID: seq.UID}
		meta := Metadata{
			"mda_event_index": strconv.Itoa(t),
			"width":           strconv.Itoa(frame.Shape[1]),
			"height":          strconv.Itoa(frame.Shape[0]),
		}
		r.events.Emit(EventFrameReady, frame, event, meta)
	}

	if r.canceled.Load() {
		r.log.Info("sequence canceled", zap.String("uid", seq.UID))
		r.events.Emit(EventSequenceCanceled, seq)
	}
	r.events.Emit(EventSequenceFinished, seq)
	return nil
}

// RunAsync starts seq on a background goroutine and returns immediately.
func (r *Runner) RunAsync(seq Sequence) {
	go func() {
		if err := r.Run(seq); err != nil {
			r.log.Warn("sequence failed", zap.String("uid", seq.UID), zap.Error(err))
		}
	}()
}

// waitInterval sleeps out one time point in short slices so a cancel request
// takes effect within cancelPollInterval. Returns false if canceled.
func (r *Runner) waitInterval(interval time.Duration) bool {
	deadline := time.Now().Add(interval)
	for {
		if r.canceled.Load() {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if remaining > cancelPollInterval {
			remaining = cancelPollInterval
		}
		time.Sleep(remaining)
	}
}
