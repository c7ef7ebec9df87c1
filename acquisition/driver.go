// Package acquisition runs the capture loop: polling instrument readiness,
// pulling synchronized waveform sets, retaining them in history and driving
// the filter graph.
package acquisition

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wavecap/wavecap/session"
	"github.com/wavecap/wavecap/trigger"
	"github.com/wavecap/wavecap/waveform"
	"go.uber.org/zap"
)

const defaultPollInterval = 50 * time.Millisecond

var capturesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
	Subsystem: "wavecap_acquisition",
	Name:      "captures_processed",
	Help:      "Total number of synchronized capture sets pulled and processed.",
})

var captureErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Subsystem: "wavecap_acquisition",
	Name:      "capture_errors",
	Help:      "Total number of capture cycles that produced an error.",
})

func init() {
	prometheus.MustRegister(capturesProcessed)
	prometheus.MustRegister(captureErrors)
}

// CaptureHook observes completed capture cycles, e.g. render invalidation or
// downstream notification. Hooks run on the processing goroutine after the
// waveform data lock is released; they must not block for long.
type CaptureHook func(tp waveform.TimePoint)

// Driver couples the trigger controller to the session. Two goroutines
// cooperate: the poll loop watches readiness, and the processing loop
// downloads and evaluates. They are linked by an unbuffered ready/processed
// handshake, so at most one capture set is ever outstanding — a depth-1
// pipeline, not a queue. Captures cannot pile up when processing is slower
// than the instruments.
type Driver struct {
	log        *zap.SugaredLogger
	session    *session.Context
	controller *trigger.Controller

	pollInterval time.Duration
	ready        chan struct{}
	processed    chan struct{}

	mu    sync.Mutex
	hooks []CaptureHook

	captureCount uint64
}

func NewDriver(sess *session.Context, controller *trigger.Controller) *Driver {
	return &Driver{
		log:          zap.L().Sugar().With("service", "acquisition"),
		session:      sess,
		controller:   controller,
		pollInterval: defaultPollInterval,
		ready:        make(chan struct{}),
		processed:    make(chan struct{}),
	}
}

// AddCaptureHook registers a hook for every completed capture cycle.
func (d *Driver) AddCaptureHook(hook CaptureHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, hook)
}

// CaptureCount is the number of capture cycles processed since start.
func (d *Driver) CaptureCount() uint64 {
	return atomic.LoadUint64(&d.captureCount)
}

func (d *Driver) Controller() *trigger.Controller {
	return d.controller
}

func (d *Driver) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	d.log.Debug("Initializing acquisition driver..")

	var inner sync.WaitGroup
	inner.Add(2)
	go d.pollLoop(ctx, &inner)
	go d.processLoop(ctx, &inner)
	inner.Wait()

	d.log.Info("Closed acquisition driver")
}

// pollLoop watches instrument readiness. After signaling a ready capture it
// blocks until the processing loop hands the token back, which is what
// bounds the pipeline at depth one.
func (d *Driver) pollLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !d.controller.Armed() {
			// Captures arriving while disarmed are stale by definition.
			d.controller.DiscardPending()
			continue
		}
		if !d.controller.CheckForPendingWaveforms() {
			continue
		}

		select {
		case d.ready <- struct{}{}:
		case <-ctx.Done():
			return
		}
		select {
		case <-d.processed:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Driver) processLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.ready:
		}

		tp := d.processCapture()

		d.mu.Lock()
		hooks := make([]CaptureHook, len(d.hooks))
		copy(hooks, d.hooks)
		d.mu.Unlock()
		for _, hook := range hooks {
			hook(tp)
		}

		select {
		case d.processed <- struct{}{}:
		case <-ctx.Done():
			return
		}
	}
}

// processCapture pulls one synchronized waveform set from every instrument,
// retains it in history and re-evaluates the filter graph. The whole cycle
// runs under the waveform data lock so no reader observes a torn buffer set.
func (d *Driver) processCapture() waveform.TimePoint {
	tp := timePointNow()

	d.session.Lock()
	d.downloadWaveforms()

	for _, inst := range d.controller.Scopes() {
		if err := d.session.RetainCurrent(inst, tp); err != nil {
			captureErrors.Inc()
			d.log.Warnw("retaining capture in history", "instrument", inst.Name(), "error", err)
		}
	}

	if err := d.session.Registry().RefreshAll(); err != nil {
		captureErrors.Inc()
		d.log.Warnw("filter graph evaluation", "error", err)
	}
	d.session.Unlock()

	d.controller.CaptureProcessed()
	capturesProcessed.Inc()
	atomic.AddUint64(&d.captureCount, 1)
	return tp
}

// downloadWaveforms detaches every current buffer first, then pops the
// pending capture from each instrument. Detach must complete across all
// instruments before any pop so a popped buffer never lands on a stream
// still holding the previous cycle's data. Caller holds the waveform data
// lock.
func (d *Driver) downloadWaveforms() {
	scopes := d.controller.Scopes()
	for _, inst := range scopes {
		for _, ch := range inst.Channels() {
			for stream := 0; stream < ch.StreamCount(); stream++ {
				ch.Detach(stream)
			}
		}
	}
	for _, inst := range scopes {
		inst.PopPendingWaveform()
	}
}

func timePointNow() waveform.TimePoint {
	now := time.Now()
	return waveform.TimePoint{
		Sec:  now.Unix(),
		Fsec: int64(now.Nanosecond()) * 1000000,
	}
}
