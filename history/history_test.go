package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wavecap/wavecap/waveform"
)

func testEntry(t *testing.T, sec int64, samples ...float32) Entry {
	t.Helper()
	buf := waveform.NewAnalogBuffer(len(samples))
	copy(buf.Analog, samples)
	buf.FillDense()
	buf.Timescale = 2000
	buf.TriggerPhase = 250

	e, err := NewEntry(
		waveform.TimePoint{Sec: sec, Fsec: 42},
		map[StreamKey]*waveform.Buffer{{Channel: 0, Stream: 0}: buf},
	)
	require.NoError(t, err)
	return e
}

func TestEntryRoundTrip(t *testing.T) {
	e := testEntry(t, 100, 1, 2, 3)

	data, err := e.Marshal()
	require.NoError(t, err)

	var out Entry
	require.NoError(t, out.Unmarshal(data))
	assert.Equal(t, waveform.TimePoint{Sec: 100, Fsec: 42}, out.Time())

	bufs, err := out.Buffers()
	require.NoError(t, err)
	buf := bufs[StreamKey{Channel: 0, Stream: 0}]
	require.NotNil(t, buf)
	assert.Equal(t, []float32{1, 2, 3}, buf.Analog)
	assert.Equal(t, int64(2000), buf.Timescale)
	assert.Equal(t, int64(250), buf.TriggerPhase)
	assert.True(t, buf.DensePacked)
}

func TestStoreAppendAndLast(t *testing.T) {
	s := NewStore("demo", NewMemoryBackend(), 5)
	defer s.Close()

	require.NoError(t, s.Append(testEntry(t, 1, 1)))
	require.NoError(t, s.Append(testEntry(t, 2, 2)))
	require.NoError(t, s.Append(testEntry(t, 3, 3)))

	entries, err := s.Last(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].Sec)
	assert.Equal(t, int64(2), entries[1].Sec)

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStoreEvictsOldest(t *testing.T) {
	s := NewStore("demo", NewMemoryBackend(), 2)
	defer s.Close()

	for sec := int64(1); sec <= 4; sec++ {
		require.NoError(t, s.Append(testEntry(t, sec, float32(sec))))
	}

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := s.Last(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(4), entries[0].Sec)
	assert.Equal(t, int64(3), entries[1].Sec)
}

func TestStoreNewestIgnoresAppendOrder(t *testing.T) {
	s := NewStore("demo", NewMemoryBackend(), 10)
	defer s.Close()

	// Restored sessions may append out of trigger-time order.
	require.NoError(t, s.Append(testEntry(t, 30, 1)))
	require.NoError(t, s.Append(testEntry(t, 10, 2)))
	require.NoError(t, s.Append(testEntry(t, 20, 3)))

	newest, found, err := s.Newest()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(30), newest.Sec)
}

func TestStoreAt(t *testing.T) {
	s := NewStore("demo", NewMemoryBackend(), 10)
	defer s.Close()

	require.NoError(t, s.Append(testEntry(t, 7, 1)))

	e, found, err := s.At(waveform.TimePoint{Sec: 7, Fsec: 42})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(7), e.Sec)

	_, found, err = s.At(waveform.TimePoint{Sec: 8})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetMaxDepthEvicts(t *testing.T) {
	s := NewStore("demo", NewMemoryBackend(), 10)
	defer s.Close()

	for sec := int64(1); sec <= 5; sec++ {
		require.NoError(t, s.Append(testEntry(t, sec, 0)))
	}
	require.NoError(t, s.SetMaxDepth(2))

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDiskBackend(t *testing.T) {
	dir := t.TempDir()

	backend, err := NewDiskBackend(dir)
	require.NoError(t, err)
	s := NewStore("demo", backend, 3)

	require.NoError(t, s.Append(testEntry(t, 1, 1)))
	require.NoError(t, s.Append(testEntry(t, 2, 2)))

	entries, err := s.Last(5)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].Sec)

	require.NoError(t, s.Close())
}
