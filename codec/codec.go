// Package codec implements the on-disk sample encodings for waveform buffers
// and the parallel per-stream loader used during session restore.
//
// Two formats exist. sparsev1 stores one record per sample: int64 offset,
// int64 duration, then the sample value. densev1 stores the bare sample
// array; offsets and durations are implicit. Both are little-endian. Analog
// samples are IEEE754 32-bit floats, digital samples a single byte.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wavecap/wavecap/waveform"
)

const (
	FormatSparseV1 = "sparsev1"
	FormatDenseV1  = "densev1"
)

// ErrUnknownFormat rejects a sample file whose format tag this build does not
// understand. The failure is scoped to the one stream; the session loader
// keeps going.
type ErrUnknownFormat struct {
	Format string
}

func (e ErrUnknownFormat) Error() string {
	return fmt.Sprintf("unknown waveform sample format %q, perhaps this file was created by a newer version", e.Format)
}

var decodedSamples = prometheus.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "wavecap_codec",
	Name:      "decoded_samples_total",
	Help:      "Total number of samples decoded from disk.",
}, []string{"format"})

var encodedSamples = prometheus.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "wavecap_codec",
	Name:      "encoded_samples_total",
	Help:      "Total number of samples encoded to disk.",
}, []string{"format"})

func init() {
	prometheus.MustRegister(decodedSamples, encodedSamples)
}

func sampleSize(kind waveform.Kind) int {
	if kind == waveform.KindAnalog {
		return 4
	}
	return 1
}

// PreferredFormat picks the denser encoding when the buffer allows it.
func PreferredFormat(b *waveform.Buffer) string {
	if b.DensePacked {
		return FormatDenseV1
	}
	return FormatSparseV1
}

// Encode serializes the buffer's samples in the given format.
func Encode(b *waveform.Buffer, format string) ([]byte, error) {
	n := b.Len()
	switch format {
	case FormatSparseV1:
		record := 16 + sampleSize(b.Kind)
		out := make([]byte, n*record)
		for i := 0; i < n; i++ {
			off := i * record
			binary.LittleEndian.PutUint64(out[off:], uint64(b.Offsets[i]))
			binary.LittleEndian.PutUint64(out[off+8:], uint64(b.Durations[i]))
			putSample(out[off+16:], b, i)
		}
		encodedSamples.WithLabelValues(format).Add(float64(n))
		return out, nil

	case FormatDenseV1:
		if !b.DensePacked {
			return nil, fmt.Errorf("cannot encode sparse buffer as %s", FormatDenseV1)
		}
		size := sampleSize(b.Kind)
		out := make([]byte, n*size)
		for i := 0; i < n; i++ {
			putSample(out[i*size:], b, i)
		}
		encodedSamples.WithLabelValues(format).Add(float64(n))
		return out, nil

	default:
		return nil, ErrUnknownFormat{Format: format}
	}
}

func putSample(dst []byte, b *waveform.Buffer, i int) {
	if b.Kind == waveform.KindAnalog {
		binary.LittleEndian.PutUint32(dst, math.Float32bits(b.Analog[i]))
	} else if b.Digital[i] {
		dst[0] = 1
	} else {
		dst[0] = 0
	}
}

// Decode deserializes raw sample data into a buffer of the given kind.
// Metadata fields (timescale, start time, trigger phase) are the caller's
// concern; they come from the metadata document, not the sample file.
func Decode(data []byte, kind waveform.Kind, format string) (*waveform.Buffer, error) {
	switch format {
	case FormatSparseV1:
		return decodeSparse(data, kind)
	case FormatDenseV1:
		return decodeDense(data, kind)
	default:
		return nil, ErrUnknownFormat{Format: format}
	}
}

func decodeSparse(data []byte, kind waveform.Kind) (*waveform.Buffer, error) {
	record := 16 + sampleSize(kind)
	if len(data)%record != 0 {
		return nil, fmt.Errorf("%s: %d trailing bytes, file is truncated or corrupt", FormatSparseV1, len(data)%record)
	}
	n := len(data) / record
	b := newBuffer(kind, n)
	for i := 0; i < n; i++ {
		off := i * record
		b.Offsets[i] = int64(binary.LittleEndian.Uint64(data[off:]))
		b.Durations[i] = int64(binary.LittleEndian.Uint64(data[off+8:]))
		getSample(data[off+16:], b, i)
	}

	// The source guarantees monotonic non-overlapping records, so density is
	// decidable from the boundary samples alone.
	if n > 0 && b.DetectDensePacked() {
		b.DensePacked = true
	}
	decodedSamples.WithLabelValues(FormatSparseV1).Add(float64(n))
	return b, nil
}

func decodeDense(data []byte, kind waveform.Kind) (*waveform.Buffer, error) {
	size := sampleSize(kind)
	if len(data)%size != 0 {
		return nil, fmt.Errorf("%s: %d trailing bytes, file is truncated or corrupt", FormatDenseV1, len(data)%size)
	}
	n := len(data) / size
	b := newBuffer(kind, n)
	for i := 0; i < n; i++ {
		getSample(data[i*size:], b, i)
	}
	b.FillDense()
	decodedSamples.WithLabelValues(FormatDenseV1).Add(float64(n))
	return b, nil
}

func newBuffer(kind waveform.Kind, n int) *waveform.Buffer {
	if kind == waveform.KindDigital {
		return waveform.NewDigitalBuffer(n)
	}
	return waveform.NewAnalogBuffer(n)
}

func getSample(src []byte, b *waveform.Buffer, i int) {
	if b.Kind == waveform.KindAnalog {
		b.Analog[i] = math.Float32frombits(binary.LittleEndian.Uint32(src))
	} else {
		b.Digital[i] = src[0] != 0
	}
}
