// Package scope defines the instrument boundary: the capability contract the
// acquisition core consumes, and a mock implementation used for offline
// sessions and imported data. Real transports (SCPI over TCP, USB, ...) live
// outside this module and only need to satisfy Instrument.
package scope

// Instrument is a per-instrument handle exposing the arm/stop/poll/pop
// operations the trigger controller drives. Implementations own their
// transport; the core never sees wire traffic.
type Instrument interface {
	Name() string

	// Stop disarms the trigger. Must be idempotent and safe to call with no
	// trigger outstanding.
	Stop()

	// Start arms the trigger in continuous mode.
	Start()

	// StartSingleTrigger arms for exactly one capture.
	StartSingleTrigger()

	// ForceTrigger arms and immediately fires once.
	ForceTrigger()

	// PeekTriggerArmed reports whether the instrument has acknowledged the
	// arm command, without consuming anything.
	PeekTriggerArmed() bool

	// HasPendingWaveforms reports whether at least one captured waveform is
	// queued instrument-side.
	HasPendingWaveforms() bool

	// ClearPendingWaveforms discards every queued capture.
	ClearPendingWaveforms()

	// PopPendingWaveform dequeues the oldest capture and attaches its buffers
	// to this instrument's channels. Streams must be detached beforehand.
	PopPendingWaveform()

	// IsOffline reports whether the instrument has no live hardware behind it
	// (imported or manually injected data only).
	IsOffline() bool

	Channels() []*Channel
}
