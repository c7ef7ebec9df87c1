package acquisition

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wavecap/wavecap/graph"
	"github.com/wavecap/wavecap/scope"
	"github.com/wavecap/wavecap/session"
	"github.com/wavecap/wavecap/trigger"
	"github.com/wavecap/wavecap/waveform"
)

func newTestRig(t *testing.T) (*scope.Mock, *session.Context, *trigger.Controller, *Driver) {
	t.Helper()
	mock := scope.NewMock("mock0", []*scope.Channel{
		scope.NewChannel("CH1", waveform.KindAnalog, 0, 1),
	})
	sess := session.NewContext(nil)
	require.NoError(t, sess.AddScope(mock))
	ctrl := trigger.NewController([]scope.Instrument{mock})
	d := NewDriver(sess, ctrl)
	d.pollInterval = time.Millisecond
	return mock, sess, ctrl, d
}

func testCapture(mock *scope.Mock) scope.Capture {
	buf := waveform.NewAnalogBuffer(4)
	buf.Timescale = 1000
	for i := range buf.Analog {
		buf.Analog[i] = float32(i)
	}
	buf.FillDense()
	return scope.Capture{
		{Channel: mock.Channels()[0], Stream: 0}: buf,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestDriverProcessesSingleCapture(t *testing.T) {
	mock, sess, ctrl, d := newTestRig(t)

	var hookCalls uint64
	d.AddCaptureHook(func(waveform.TimePoint) {
		atomic.AddUint64(&hookCalls, 1)
	})

	// Arm and inject before the loop starts so the first poll tick already
	// sees a complete capture.
	require.NoError(t, ctrl.Arm(trigger.TypeSingle))
	mock.Inject(testCapture(mock))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go d.Run(ctx, &wg)

	waitFor(t, func() bool { return d.CaptureCount() == 1 })
	cancel()
	wg.Wait()

	assert.NotNil(t, mock.Channels()[0].Data(0))
	assert.Equal(t, uint64(1), atomic.LoadUint64(&hookCalls))
	// One-shot offline capture disarms after processing.
	assert.False(t, ctrl.Armed())

	store := sess.History(mock)
	n, err := store.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDriverDiscardsPendingWhileDisarmed(t *testing.T) {
	mock, _, ctrl, d := newTestRig(t)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go d.Run(ctx, &wg)

	// Pending data arriving without an armed trigger is stale.
	mock.Inject(testCapture(mock))
	waitFor(t, func() bool { return !mock.HasPendingWaveforms() })
	cancel()
	wg.Wait()

	assert.False(t, ctrl.Armed())
	assert.Nil(t, mock.Channels()[0].Data(0))
	assert.Zero(t, d.CaptureCount())
}

func TestDriverEvaluatesFiltersPerCapture(t *testing.T) {
	mock, sess, ctrl, d := newTestRig(t)

	kernel, err := graph.NewKernel("fft", nil)
	require.NoError(t, err)
	node := graph.NewNode("spectrum", kernel)
	node.SetInputs([]scope.StreamDescriptor{{Channel: mock.Channels()[0], Stream: 0}})
	sess.Registry().Add(node)

	require.NoError(t, ctrl.Arm(trigger.TypeSingle))
	mock.Inject(testCapture(mock))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go d.Run(ctx, &wg)

	waitFor(t, func() bool { return d.CaptureCount() == 1 })
	cancel()
	wg.Wait()

	assert.False(t, node.Dirty())
	// Magnitude half-spectrum of 4 samples has 3 bins.
	out := node.Output().Data(0)
	require.NotNil(t, out)
	assert.Equal(t, 3, out.Len())
}

func TestDriverRetainsAbsorbedInstrumentCapture(t *testing.T) {
	_, sess, ctrl, d := newTestRig(t)

	// A second session, as produced by the import watcher, folds into the
	// running one. Its instrument must join the trigger group.
	imported := scope.NewMock("import0", []*scope.Channel{
		scope.NewChannel("CH1", waveform.KindAnalog, 0, 1),
	})
	other := session.NewContext(nil)
	require.NoError(t, other.AddScope(imported))
	added := sess.Absorb(other)
	require.Len(t, added, 1)
	ctrl.AddScopes(added...)

	require.NoError(t, ctrl.Arm(trigger.TypeSingle))
	imported.Inject(testCapture(imported))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go d.Run(ctx, &wg)

	waitFor(t, func() bool { return d.CaptureCount() == 1 })
	cancel()
	wg.Wait()

	// The injected capture was popped and retained like any native scope's.
	assert.NotNil(t, imported.Channels()[0].Data(0))
	store := sess.History(imported)
	require.NotNil(t, store)
	n, err := store.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRateSampler(t *testing.T) {
	var count uint64
	rs := NewRateSampler(func() uint64 { return atomic.LoadUint64(&count) })
	defer rs.Close()
	assert.Equal(t, 0, rs.GetSample())
}
