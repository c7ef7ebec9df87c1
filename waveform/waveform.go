package waveform

import "fmt"

const (
	// FsPerSecond is the number of femtoseconds in one second.
	FsPerSecond int64 = 1000000000000000

	// FsPerPicosecond converts legacy picosecond-resolution metadata.
	FsPerPicosecond int64 = 1000
)

// Kind distinguishes the sample payload carried by a buffer or channel.
type Kind int

const (
	KindAnalog Kind = iota
	KindDigital
)

func (k Kind) String() string {
	switch k {
	case KindAnalog:
		return "analog"
	case KindDigital:
		return "digital"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String, used when reading persisted
// channel descriptions.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "analog", "":
		return KindAnalog, nil
	case "digital":
		return KindDigital, nil
	default:
		return KindAnalog, fmt.Errorf("unknown waveform kind %q", s)
	}
}

// TimePoint is the absolute start time of a capture: whole seconds plus a
// femtosecond remainder. Comparable and totally ordered.
type TimePoint struct {
	Sec  int64
	Fsec int64
}

func (t TimePoint) Before(o TimePoint) bool {
	return t.Sec < o.Sec || (t.Sec == o.Sec && t.Fsec < o.Fsec)
}

func (t TimePoint) After(o TimePoint) bool {
	return o.Before(t)
}

func (t TimePoint) IsZero() bool {
	return t.Sec == 0 && t.Fsec == 0
}

// Buffer holds one capture (or one filter output) for a single stream.
//
// Samples are stored sparsely: Offsets[i] is the start of sample i in
// timescale units, Durations[i] its length. Offsets must be non-decreasing
// and non-overlapping. A dense-packed buffer has Offsets[i]==i and
// Durations[i]==1 for every i; DensePacked marks that case so consumers can
// skip the indirection, it is not a separate representation.
type Buffer struct {
	Kind Kind

	// Timescale is the duration of one sample interval in femtoseconds.
	Timescale int64

	// Start is the absolute trigger time of the capture.
	Start TimePoint

	// TriggerPhase is the sub-sample offset of the trigger point, in
	// femtoseconds.
	TriggerPhase int64

	DensePacked bool

	Offsets   []int64
	Durations []int64

	// Exactly one of Analog/Digital is populated, selected by Kind.
	Analog  []float32
	Digital []bool
}

func NewAnalogBuffer(n int) *Buffer {
	b := &Buffer{Kind: KindAnalog}
	b.Resize(n)
	return b
}

func NewDigitalBuffer(n int) *Buffer {
	b := &Buffer{Kind: KindDigital}
	b.Resize(n)
	return b
}

func (b *Buffer) Len() int {
	if b.Kind == KindDigital {
		return len(b.Digital)
	}
	return len(b.Analog)
}

// Resize grows or shrinks all parallel sequences to n samples.
func (b *Buffer) Resize(n int) {
	b.Offsets = resizeInt64(b.Offsets, n)
	b.Durations = resizeInt64(b.Durations, n)
	switch b.Kind {
	case KindAnalog:
		if cap(b.Analog) >= n {
			b.Analog = b.Analog[:n]
		} else {
			s := make([]float32, n)
			copy(s, b.Analog)
			b.Analog = s
		}
	case KindDigital:
		if cap(b.Digital) >= n {
			b.Digital = b.Digital[:n]
		} else {
			s := make([]bool, n)
			copy(s, b.Digital)
			b.Digital = s
		}
	}
}

func resizeInt64(s []int64, n int) []int64 {
	if cap(s) >= n {
		return s[:n]
	}
	out := make([]int64, n)
	copy(out, s)
	return out
}

// FillDense initializes Offsets/Durations to the implicit dense values and
// sets the DensePacked flag.
func (b *Buffer) FillDense() {
	for i := range b.Offsets {
		b.Offsets[i] = int64(i)
		b.Durations[i] = 1
	}
	b.DensePacked = true
}

// DetectDensePacked checks whether the buffer is dense-packed by inspecting
// only the first and last samples. Offsets are guaranteed monotonic and
// non-overlapping, so a full scan is unnecessary. A buffer that is contiguous
// at both ends but has interior gaps will be misclassified; this is a known
// approximation, accepted for performance.
func (b *Buffer) DetectDensePacked() bool {
	n := b.Len()
	if n == 0 {
		return true
	}
	last := n - 1
	return b.Offsets[0] == 0 &&
		b.Offsets[last] == int64(last) &&
		b.Durations[last] == 1
}

// Duration returns the total span of the capture in timescale units.
func (b *Buffer) Duration() int64 {
	n := b.Len()
	if n == 0 {
		return 0
	}
	return b.Offsets[n-1] + b.Durations[n-1]
}
