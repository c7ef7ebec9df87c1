package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wavecap/wavecap/waveform"
)

func TestAttachRequiresDetach(t *testing.T) {
	ch := NewChannel("ch0", waveform.KindAnalog, 0, 1)

	first := waveform.NewAnalogBuffer(8)
	require.NoError(t, ch.Attach(first, 0))
	assert.Same(t, first, ch.Data(0))

	second := waveform.NewAnalogBuffer(8)
	assert.Error(t, ch.Attach(second, 0))

	released := ch.Detach(0)
	assert.Same(t, first, released)
	assert.Nil(t, ch.Data(0))
	require.NoError(t, ch.Attach(second, 0))
}

func TestAttachUnknownStream(t *testing.T) {
	ch := NewChannel("ch0", waveform.KindAnalog, 0, 2)
	assert.Error(t, ch.Attach(waveform.NewAnalogBuffer(1), 2))
	assert.Nil(t, ch.Data(5))
	assert.Nil(t, ch.Detach(-1))
}

func TestMarkDeleted(t *testing.T) {
	ch := NewChannel("ch0", waveform.KindDigital, 0, 1)
	require.NoError(t, ch.Attach(waveform.NewDigitalBuffer(4), 0))

	ch.MarkDeleted()
	assert.True(t, ch.Deleted())
	assert.Nil(t, ch.Data(0))
}

func TestStreamDescriptorString(t *testing.T) {
	ch := NewChannel("vin", waveform.KindAnalog, 0, 2)
	assert.Equal(t, "vin", StreamDescriptor{Channel: ch}.String())
	assert.Equal(t, "vin.1", StreamDescriptor{Channel: ch, Stream: 1}.String())
	assert.Equal(t, "<nil>", StreamDescriptor{}.String())
}

func TestMockPendingQueue(t *testing.T) {
	ch := NewChannel("ch0", waveform.KindAnalog, 0, 1)
	m := NewMock("demo", []*Channel{ch})

	assert.True(t, m.IsOffline())
	assert.False(t, m.HasPendingWaveforms())

	buf := waveform.NewAnalogBuffer(4)
	m.Inject(Capture{{Channel: ch, Stream: 0}: buf})
	assert.True(t, m.HasPendingWaveforms())

	m.PopPendingWaveform()
	assert.Same(t, buf, ch.Data(0))
	assert.False(t, m.HasPendingWaveforms())
}

func TestMockStopClearsPending(t *testing.T) {
	ch := NewChannel("ch0", waveform.KindAnalog, 0, 1)
	m := NewMock("demo", []*Channel{ch})

	m.StartSingleTrigger()
	assert.True(t, m.PeekTriggerArmed())

	m.Inject(Capture{{Channel: ch, Stream: 0}: waveform.NewAnalogBuffer(1)})
	m.Stop()
	assert.False(t, m.PeekTriggerArmed())
	assert.False(t, m.HasPendingWaveforms())

	// Stop with nothing outstanding is fine.
	m.Stop()
}
