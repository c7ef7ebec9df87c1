package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wavecap/wavecap/waveform"
)

func denseAnalog(samples ...float32) *waveform.Buffer {
	b := waveform.NewAnalogBuffer(len(samples))
	copy(b.Analog, samples)
	b.FillDense()
	b.Timescale = 1000
	return b
}

func TestNewKernelUnknownType(t *testing.T) {
	_, err := NewKernel("quantum-entangler", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quantum-entangler")
}

func TestSubtractKernel(t *testing.T) {
	k, err := NewKernel("subtract", nil)
	require.NoError(t, err)

	a := denseAnalog(5, 3, 1)
	b := denseAnalog(1, 1, 1)
	outs, err := k.Evaluate(nil, []*waveform.Buffer{a, b})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, []float32{4, 2, 0}, outs[0].Analog)
	assert.Equal(t, a.Timescale, outs[0].Timescale)
	assert.True(t, outs[0].DensePacked)

	_, err = k.Evaluate(nil, []*waveform.Buffer{a})
	assert.Error(t, err)
}

func TestThresholdKernel(t *testing.T) {
	k, err := NewKernel("threshold", map[string]interface{}{
		"threshold":  "1.5", // weakly typed on purpose, as documents decode
		"hysteresis": 1.0,
	})
	require.NoError(t, err)

	in := denseAnalog(0, 2.5, 1.2, 0.5, 3)
	outs, err := k.Evaluate(nil, []*waveform.Buffer{in})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, waveform.KindDigital, outs[0].Kind)
	// rising edge at 2.0, falling at 1.0 with the configured hysteresis
	assert.Equal(t, []bool{false, true, true, false, true}, outs[0].Digital)
}

func TestFFTKernel(t *testing.T) {
	k, err := NewKernel("fft", nil)
	require.NoError(t, err)

	// Constant signal: all energy lands in the DC bin.
	in := denseAnalog(1, 1, 1, 1)
	outs, err := k.Evaluate(nil, []*waveform.Buffer{in})
	require.NoError(t, err)
	require.Len(t, outs, 1)

	out := outs[0]
	require.Equal(t, 3, out.Len())
	assert.InDelta(t, 4.0, float64(out.Analog[0]), 1e-6)
	assert.InDelta(t, 0.0, float64(out.Analog[1]), 1e-6)
	assert.True(t, out.DensePacked)
}

func TestFFTKernelRejectsSparse(t *testing.T) {
	k, err := NewKernel("fft", nil)
	require.NoError(t, err)

	sparse := waveform.NewAnalogBuffer(2)
	copy(sparse.Offsets, []int64{0, 5})
	copy(sparse.Durations, []int64{1, 1})

	_, err = k.Evaluate(nil, []*waveform.Buffer{sparse})
	assert.Error(t, err)
}
