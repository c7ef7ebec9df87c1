// Package trigger coordinates arming, polling and re-synchronizing captures
// across multiple independent instruments, so that N instruments behave like
// one logical trigger source. No instrument's capture is consumed until every
// instrument in the group holds a matching one.
package trigger

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wavecap/wavecap/scope"
	"go.uber.org/zap"
)

// Type selects how a trigger cycle is requested.
type Type int

const (
	// TypeNormal is continuous triggering; with more than one instrument it
	// degrades to lock-stepped single triggers (free-run).
	TypeNormal Type = iota
	TypeSingle
	TypeForced
)

// State is the controller's position in the synchronization protocol.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateWaitingSecondaries
	StateAllTriggered
	StateTimeoutReset
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateWaitingSecondaries:
		return "waiting-secondaries"
	case StateAllTriggered:
		return "all-triggered"
	case StateTimeoutReset:
		return "timeout-reset"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	// defaultArmTimeout must exceed the instrument transport's own socket
	// timeout, or we would retry while the transport is still deciding.
	defaultArmTimeout = 3 * time.Second

	// defaultDesyncTimeout bounds how long secondaries may trail the primary
	// in free-run mode. A liveness heuristic: a merely slow instrument is
	// indistinguishable from a desynchronized one.
	defaultDesyncTimeout = 1 * time.Second

	defaultArmPollInterval = 10 * time.Millisecond
	defaultMaxArmRetries   = 3
)

var armCycles = prometheus.NewCounter(prometheus.CounterOpts{
	Subsystem: "wavecap_trigger",
	Name:      "arm_cycles_total",
	Help:      "Total number of trigger arm cycles.",
})

var armTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
	Subsystem: "wavecap_trigger",
	Name:      "arm_timeouts_total",
	Help:      "Total number of secondary arm confirmation timeouts.",
})

var desyncResets = prometheus.NewCounter(prometheus.CounterOpts{
	Subsystem: "wavecap_trigger",
	Name:      "desync_resets_total",
	Help:      "Total number of free-run desynchronization resets.",
})

func init() {
	prometheus.MustRegister(armCycles, armTimeouts, desyncResets)
}

// Controller presents arm, stop and readiness over a group of instruments as
// single operations. Instrument index 0 is the primary; its trigger output
// drives the secondaries' trigger inputs.
type Controller struct {
	log    *zap.SugaredLogger
	scopes []scope.Instrument

	mu             sync.Mutex
	state          State
	armed          bool
	oneShot        bool
	freeRun        bool
	primaryTrigger time.Time

	armTimeout      time.Duration
	desyncTimeout   time.Duration
	armPollInterval time.Duration
	maxArmRetries   int

	// injected for tests
	now   func() time.Time
	sleep func(time.Duration)
}

func NewController(scopes []scope.Instrument) *Controller {
	return &Controller{
		log:             zap.L().Sugar().With("service", "trigger-controller"),
		scopes:          scopes,
		state:           StateIdle,
		armTimeout:      defaultArmTimeout,
		desyncTimeout:   defaultDesyncTimeout,
		armPollInterval: defaultArmPollInterval,
		maxArmRetries:   defaultMaxArmRetries,
		now:             time.Now,
		sleep:           time.Sleep,
	}
}

func (c *Controller) Scopes() []scope.Instrument {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]scope.Instrument, len(c.scopes))
	copy(out, c.scopes)
	return out
}

// AddScopes appends instruments to the trigger group while it runs, e.g. when
// an imported session joins the acquisition. Index order is preserved, so the
// existing primary stays the primary.
func (c *Controller) AddScopes(scopes ...scope.Instrument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopes = append(c.scopes, scopes...)
}

func (c *Controller) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

func (c *Controller) OneShot() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.oneShot
}

func (c *Controller) FreeRun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freeRun
}

func (c *Controller) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) hasOnlineScopes() bool {
	for _, s := range c.scopes {
		if !s.IsOffline() {
			return true
		}
	}
	return false
}

// Arm arms every instrument in the group as one logical trigger event.
//
// With more than one instrument the ordering is critical: secondaries are
// armed before the primary so the primary cannot fire an event the
// secondaries would miss, and everything runs in single-trigger mode so the
// primary cannot re-arm while a secondary waveform download is still in
// flight.
func (c *Controller) Arm(t Type) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armLocked(t)
}

func (c *Controller) armLocked(t Type) error {
	armCycles.Inc()

	c.oneShot = t == TypeSingle || t == TypeForced
	c.primaryTrigger = time.Time{}
	c.freeRun = !c.oneShot && c.countOnline() > 1

	// No hardware: produce a synthetic armed state so manually injected or
	// imported data still flows through the pipeline.
	if !c.hasOnlineScopes() {
		c.armed = true
		c.state = StateArmed
		return nil
	}

	online := c.onlineScopes()

	// Make sure nothing is armed and no stale capture can match the new arm
	// cycle.
	if len(online) > 1 {
		for i := len(online) - 1; i >= 0; i-- {
			if online[i].PeekTriggerArmed() {
				online[i].Stop()
			}
			if online[i].HasPendingWaveforms() {
				c.log.Warnw("instrument had pending waveforms before arming", "scope", online[i].Name())
				online[i].ClearPendingWaveforms()
			}
		}
	}

	for i := len(online) - 1; i >= 0; i-- {
		s := online[i]

		if i > 0 {
			// Secondaries always use single trigger synced to the primary's
			// trigger output.
			s.StartSingleTrigger()

			if err := c.confirmArmed(s); err != nil {
				c.state = StateTimeoutReset
				c.armed = false
				return err
			}

			// Armed. Drop whatever residual garbage queued between the
			// pre-arm clear and now.
			s.ClearPendingWaveforms()
			continue
		}

		switch t {
		case TypeNormal:
			if len(online) > 1 {
				s.StartSingleTrigger()
			} else {
				s.Start()
			}
		case TypeSingle:
			s.StartSingleTrigger()
		case TypeForced:
			s.ForceTrigger()
		}
	}

	c.armed = true
	c.state = StateArmed
	return nil
}

// confirmArmed polls a secondary until it acknowledges the arm command. On
// timeout the instrument is stopped and re-armed rather than blocking
// forever; instruments that already confirmed are left alone.
func (c *Controller) confirmArmed(s scope.Instrument) error {
	start := c.now()
	retries := 0
	for !s.PeekTriggerArmed() {
		if c.now().Sub(start) > c.armTimeout {
			armTimeouts.Inc()
			retries++
			if retries > c.maxArmRetries {
				return fmt.Errorf("instrument %s did not arm after %d retries", s.Name(), c.maxArmRetries)
			}
			c.log.Warnw("timeout waiting for instrument to arm, retrying", "scope", s.Name(), "attempt", retries)
			s.Stop()
			s.StartSingleTrigger()
			start = c.now()
		}
		c.sleep(c.armPollInterval)
	}
	return nil
}

func (c *Controller) countOnline() int {
	n := 0
	for _, s := range c.scopes {
		if !s.IsOffline() {
			n++
		}
	}
	return n
}

func (c *Controller) onlineScopes() []scope.Instrument {
	out := make([]scope.Instrument, 0, len(c.scopes))
	for _, s := range c.scopes {
		if !s.IsOffline() {
			out = append(out, s)
		}
	}
	return out
}

// Stop disarms every instrument. Idempotent, safe with no trigger
// outstanding, and always clears the instrument-side pending queues so a
// later re-arm cannot observe stale data.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	c.armed = false
	c.freeRun = false
	c.state = StateIdle
	for _, s := range c.scopes {
		if s.IsOffline() {
			continue
		}
		s.Stop()
		s.ClearPendingWaveforms()
	}
}

// DiscardPending drops queued captures on every instrument, offline ones
// included. The acquisition driver calls this each poll cycle while
// disarmed; leaving them queued could fake a trigger after the user asked to
// stop.
func (c *Controller) DiscardPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.scopes {
		s.ClearPendingWaveforms()
	}
}

// CheckForPendingWaveforms reports whether a synchronized waveform event is
// ready: every online instrument holds a pending capture. In free-run mode it
// also enforces the desync bound, resetting the whole group when a secondary
// trails the primary by more than the tolerance.
func (c *Controller) CheckForPendingWaveforms() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.armed {
		return false
	}

	// No hardware to poll: the synthetic ready state lets the buffer pull
	// and filter graph run on injected data.
	if !c.hasOnlineScopes() {
		return true
	}

	online := c.onlineScopes()
	allPending := true
	for _, s := range online {
		if !s.HasPendingWaveforms() {
			allPending = false
		}
	}

	if c.freeRun {
		// Track when the primary fired; secondaries must follow within the
		// desync tolerance or the group is considered desynchronized.
		if c.primaryTrigger.IsZero() && online[0].HasPendingWaveforms() {
			c.primaryTrigger = c.now()
		}

		if !allPending && !c.primaryTrigger.IsZero() {
			wait := c.now().Sub(c.primaryTrigger)
			if wait > c.desyncTimeout {
				desyncResets.Inc()
				c.log.Warnw("timed out waiting for secondary instruments to trigger, resetting",
					"waited", wait)

				c.stopLocked()
				for _, s := range online {
					s.ClearPendingWaveforms()
				}
				if err := c.armLocked(TypeNormal); err != nil {
					c.log.Warnw("re-arm after desync reset failed", "error", err)
				}
				return false
			}
		}
	}

	if !allPending {
		if online[0].HasPendingWaveforms() {
			c.state = StateWaitingSecondaries
		}
		return false
	}

	c.state = StateAllTriggered
	return true
}

// CaptureProcessed tells the controller one waveform cycle has been fully
// consumed. A one-shot cycle without hardware disarms here; online one-shot
// instruments disarm themselves. In free-run mode the instruments also
// disarmed themselves on firing (they run lock-stepped single triggers), so
// the next cycle starts with a full re-arm.
func (c *Controller) CaptureProcessed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.primaryTrigger = time.Time{}
	if !c.hasOnlineScopes() && c.oneShot {
		c.armed = false
		c.state = StateIdle
		return
	}
	if c.freeRun && c.hasOnlineScopes() {
		if err := c.armLocked(TypeNormal); err != nil {
			c.log.Warnw("re-arm after processed capture failed", "error", err)
		}
		return
	}
	if c.armed {
		c.state = StateArmed
	}
}
