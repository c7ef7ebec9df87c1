package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wavecap/wavecap/waveform"
)

func TestDenseRoundTripAnalog(t *testing.T) {
	b := waveform.NewAnalogBuffer(5)
	copy(b.Analog, []float32{0.5, -1.25, 3, 0, 42.5})
	b.FillDense()

	data, err := Encode(b, FormatDenseV1)
	require.NoError(t, err)
	require.Len(t, data, 5*4)

	out, err := Decode(data, waveform.KindAnalog, FormatDenseV1)
	require.NoError(t, err)
	assert.Equal(t, b.Analog, out.Analog)
	assert.True(t, out.DensePacked)
	for i := 0; i < 5; i++ {
		assert.Equal(t, int64(i), out.Offsets[i])
		assert.Equal(t, int64(1), out.Durations[i])
	}
}

func TestDenseRoundTripDigital(t *testing.T) {
	b := waveform.NewDigitalBuffer(4)
	copy(b.Digital, []bool{true, false, true, true})
	b.FillDense()

	data, err := Encode(b, FormatDenseV1)
	require.NoError(t, err)

	out, err := Decode(data, waveform.KindDigital, FormatDenseV1)
	require.NoError(t, err)
	assert.Equal(t, b.Digital, out.Digital)
	assert.True(t, out.DensePacked)
}

func TestSparseRoundTrip(t *testing.T) {
	b := waveform.NewAnalogBuffer(3)
	copy(b.Offsets, []int64{0, 10, 25})
	copy(b.Durations, []int64{5, 5, 1})
	copy(b.Analog, []float32{1, 2, 3})

	data, err := Encode(b, FormatSparseV1)
	require.NoError(t, err)
	require.Len(t, data, 3*20)

	out, err := Decode(data, waveform.KindAnalog, FormatSparseV1)
	require.NoError(t, err)
	assert.Equal(t, b.Offsets, out.Offsets)
	assert.Equal(t, b.Durations, out.Durations)
	assert.Equal(t, b.Analog, out.Analog)
	assert.False(t, out.DensePacked)
}

func TestSparseDecodeDetectsDensity(t *testing.T) {
	b := waveform.NewAnalogBuffer(4)
	b.FillDense()
	b.DensePacked = false // force the sparse encoding path

	data, err := Encode(b, FormatSparseV1)
	require.NoError(t, err)

	out, err := Decode(data, waveform.KindAnalog, FormatSparseV1)
	require.NoError(t, err)
	assert.True(t, out.DensePacked)
}

// Density runs off the boundary samples only. A sparse buffer whose interior
// has a gap but whose ends look contiguous is misclassified as dense; that is
// the documented approximation, pinned here.
func TestSparseDecodeDensityFalsePositive(t *testing.T) {
	b := waveform.NewAnalogBuffer(4)
	copy(b.Offsets, []int64{0, 2, 2, 3})
	copy(b.Durations, []int64{1, 1, 1, 1})

	data, err := Encode(b, FormatSparseV1)
	require.NoError(t, err)

	out, err := Decode(data, waveform.KindAnalog, FormatSparseV1)
	require.NoError(t, err)
	assert.True(t, out.DensePacked)
}

func TestDecodeTruncatedFileFails(t *testing.T) {
	b := waveform.NewAnalogBuffer(3)
	copy(b.Offsets, []int64{0, 1, 2})
	copy(b.Durations, []int64{1, 1, 1})
	copy(b.Analog, []float32{1, 2, 3})

	data, err := Encode(b, FormatSparseV1)
	require.NoError(t, err)

	// A short final record must surface, not yield a silently shortened capture.
	_, err = Decode(data[:len(data)-3], waveform.KindAnalog, FormatSparseV1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated")

	b.FillDense()
	data, err = Encode(b, FormatDenseV1)
	require.NoError(t, err)
	_, err = Decode(data[:len(data)-1], waveform.KindAnalog, FormatDenseV1)
	assert.Error(t, err)
}

func TestUnknownFormat(t *testing.T) {
	_, err := Decode(nil, waveform.KindAnalog, "fancyv9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fancyv9")

	_, err = Encode(waveform.NewAnalogBuffer(1), "fancyv9")
	assert.Error(t, err)
}

func TestEncodeSparseBufferAsDenseFails(t *testing.T) {
	b := waveform.NewAnalogBuffer(2)
	copy(b.Offsets, []int64{0, 10})
	copy(b.Durations, []int64{1, 1})

	_, err := Encode(b, FormatDenseV1)
	assert.Error(t, err)
}

func TestPreferredFormat(t *testing.T) {
	dense := waveform.NewAnalogBuffer(2)
	dense.FillDense()
	assert.Equal(t, FormatDenseV1, PreferredFormat(dense))

	sparse := waveform.NewAnalogBuffer(2)
	assert.Equal(t, FormatSparseV1, PreferredFormat(sparse))
}
