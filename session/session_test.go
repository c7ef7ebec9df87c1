package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wavecap/wavecap/codec"
	"github.com/wavecap/wavecap/graph"
	"github.com/wavecap/wavecap/scope"
	"github.com/wavecap/wavecap/waveform"
)

func TestIDTable(t *testing.T) {
	table := NewIDTable()
	a, b := &struct{ int }{1}, &struct{ int }{2}

	idA := table.Emplace(a)
	idB := table.Emplace(b)
	assert.NotEqual(t, idA, idB)
	assert.Equal(t, idA, table.Emplace(a))

	obj, found := table.Lookup(idB)
	require.True(t, found)
	assert.Same(t, b, obj)

	table.Bind(42, "late")
	obj, found = table.Lookup(42)
	require.True(t, found)
	assert.Equal(t, "late", obj)
	assert.Greater(t, table.Emplace(&struct{ int }{3}), 42)
}

func newTestMock(name string) *scope.Mock {
	return scope.NewMock(name, []*scope.Channel{
		scope.NewChannel("CH1", waveform.KindAnalog, 0, 1),
		scope.NewChannel("CH2", waveform.KindAnalog, 1, 1),
	})
}

func rampBuffer(n int) *waveform.Buffer {
	buf := waveform.NewAnalogBuffer(n)
	buf.Timescale = 1000
	for i := 0; i < n; i++ {
		buf.Analog[i] = float32(i)
	}
	buf.FillDense()
	return buf
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bench"+FileExtension)

	ctx := NewContext(nil)
	inst := newTestMock("mock0")
	require.NoError(t, ctx.AddScope(inst))

	ch0, ch1 := inst.Channels()[0], inst.Channels()[1]

	diffKernel, err := graph.NewKernel("subtract", nil)
	require.NoError(t, err)
	diff := graph.NewNode("diff", diffKernel)
	diff.SetInputs([]scope.StreamDescriptor{
		{Channel: ch0, Stream: 0},
		{Channel: ch1, Stream: 0},
	})
	ctx.Registry().Add(diff)

	params := map[string]interface{}{"threshold": 1.5, "hysteresis": 0.5}
	clkKernel, err := graph.NewKernel("threshold", params)
	require.NoError(t, err)
	clk := graph.NewNode("clk", clkKernel)
	require.NoError(t, clk.SetParams(params))
	clk.SetInputs([]scope.StreamDescriptor{{Channel: diff.Output(), Stream: 0}})
	ctx.Registry().Add(clk)

	tp := waveform.TimePoint{Sec: 1700000000, Fsec: 123456}
	buf := rampBuffer(8)
	buf.Start = tp
	require.NoError(t, ch0.Attach(buf, 0))

	ctx.Lock()
	require.NoError(t, ctx.RetainCurrent(inst, tp))
	ctx.Unlock()

	require.NoError(t, Save(ctx, path))

	loaded, err := Load(path, LoadOptions{LoadWaveforms: true})
	require.NoError(t, err)
	defer loaded.Close()

	scopes := loaded.Scopes()
	require.Len(t, scopes, 1)
	assert.Equal(t, "mock0", scopes[0].Name())
	assert.True(t, scopes[0].IsOffline())
	require.Len(t, scopes[0].Channels(), 2)
	assert.Equal(t, "CH1", scopes[0].Channels()[0].Name)
	assert.Equal(t, "CH2", scopes[0].Channels()[1].Name)

	nodes := loaded.Registry().Nodes()
	require.Len(t, nodes, 2)
	byName := make(map[string]*graph.Node)
	for _, n := range nodes {
		byName[n.Name()] = n
	}
	require.Contains(t, byName, "diff")
	require.Contains(t, byName, "clk")
	assert.Equal(t, "threshold", byName["clk"].KernelKind())
	assert.InDelta(t, 1.5, byName["clk"].Params()["threshold"], 1e-9)

	// The chained input must resolve to the restored upstream node's
	// output, not to a raw channel.
	clkInputs := byName["clk"].Inputs()
	require.Len(t, clkInputs, 1)
	assert.Same(t, byName["diff"].Output(), clkInputs[0].Channel)

	diffInputs := byName["diff"].Inputs()
	require.Len(t, diffInputs, 2)
	assert.Same(t, scopes[0].Channels()[0], diffInputs[0].Channel)
	assert.Same(t, scopes[0].Channels()[1], diffInputs[1].Channel)

	// The newest capture replays as current data.
	store := loaded.History(scopes[0])
	n, err := store.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	restored := scopes[0].Channels()[0].Data(0)
	require.NotNil(t, restored)
	assert.Equal(t, tp, restored.Start)
	assert.Equal(t, buf.Analog, restored.Analog)
	assert.Equal(t, int64(1000), restored.Timescale)
}

func TestLoadWiresForwardReferences(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fwd"+FileExtension)

	// The downstream decode is serialized before its producer; wiring only
	// succeeds if all nodes exist before inputs resolve.
	doc := `
instruments:
  - id: 1
    name: mock0
    transport: "null"
    channels:
      - id: 2
        index: 0
        name: CH1
        kind: analog
decodes:
  - id: 10
    protocol: threshold
    name: downstream
    params:
      threshold: 0.5
    inputs:
      - channel: 11
  - id: 11
    protocol: subtract
    name: upstream
    inputs:
      - channel: 2
      - channel: 2
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	ctx, err := Load(path, LoadOptions{})
	require.NoError(t, err)
	defer ctx.Close()

	byName := make(map[string]*graph.Node)
	for _, n := range ctx.Registry().Nodes() {
		byName[n.Name()] = n
	}
	require.Contains(t, byName, "upstream")
	require.Contains(t, byName, "downstream")

	inputs := byName["downstream"].Inputs()
	require.Len(t, inputs, 1)
	assert.Same(t, byName["upstream"].Output(), inputs[0].Channel)
}

func TestLoadSkipsUnknownProtocol(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unknown"+FileExtension)

	doc := `
instruments:
  - id: 1
    name: mock0
    transport: "null"
    channels:
      - id: 2
        index: 0
        name: CH1
        kind: analog
decodes:
  - id: 10
    protocol: no-such-protocol
    name: broken
    inputs:
      - channel: 2
  - id: 11
    protocol: fft
    name: spectrum
    inputs:
      - channel: 2
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	ctx, err := Load(path, LoadOptions{})
	require.NotNil(t, ctx)
	defer ctx.Close()

	assert.Error(t, err)
	nodes := ctx.Registry().Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "spectrum", nodes[0].Name())
}

func TestLoadMalformedFileLeavesNothingBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken"+FileExtension)
	require.NoError(t, os.WriteFile(path, []byte("{{not yaml"), 0644))

	ctx, err := Load(path, LoadOptions{})
	assert.Error(t, err)
	assert.Nil(t, ctx)
}

func TestLoadLegacyPicosecondTimebase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy"+FileExtension)

	doc := `
instruments:
  - id: 1
    name: legacy0
    transport: "null"
    channels:
      - id: 2
        index: 0
        name: CH1
        kind: analog
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	// Hand-build a legacy data directory: picosecond time fields, no format
	// tag on the channel entry.
	dataDir := dataDirFor(path)
	wfDir := filepath.Join(dataDir, "scope_0_waveforms", "waveform_1")
	require.NoError(t, os.MkdirAll(wfDir, 0755))

	buf := rampBuffer(4)
	buf.DensePacked = false // legacy files are always sparse records
	encoded := encodeSparse(t, buf)
	require.NoError(t, os.WriteFile(filepath.Join(wfDir, "channel_0.bin"), encoded, 0644))

	meta := `
waveforms:
  - id: 1
    timestamp: 1700000000
    time_psec: 250
    channels:
      - index: 0
        timescale: 1000
        trigphase: 10.5
`
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "scope_0_metadata.yml"), []byte(meta), 0644))

	ctx, err := Load(path, LoadOptions{LoadWaveforms: true})
	require.NoError(t, err)
	defer ctx.Close()

	restored := ctx.Scopes()[0].Channels()[0].Data(0)
	require.NotNil(t, restored)
	assert.Equal(t, int64(250*1000), restored.Start.Fsec)
	assert.Equal(t, int64(1000*1000), restored.Timescale)
	// Fractional picoseconds survive the femtosecond conversion.
	assert.Equal(t, int64(10500), restored.TriggerPhase)
	assert.Equal(t, buf.Analog, restored.Analog)
}

func TestLoadRetainsWaveformWithOneBadStream(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial"+FileExtension)

	doc := `
instruments:
  - id: 1
    name: mock0
    transport: "null"
    channels:
      - id: 2
        index: 0
        name: CH1
        kind: analog
      - id: 3
        index: 1
        name: CH2
        kind: analog
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	dataDir := dataDirFor(path)
	wfDir := filepath.Join(dataDir, "scope_0_waveforms", "waveform_1")
	require.NoError(t, os.MkdirAll(wfDir, 0755))

	buf := rampBuffer(4)
	require.NoError(t, os.WriteFile(filepath.Join(wfDir, "channel_0.bin"), encodeSparse(t, buf), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(wfDir, "channel_1.bin"), []byte("garbage"), 0644))

	meta := `
waveforms:
  - id: 1
    timestamp: 1700000000
    time_fsec: 0
    channels:
      - index: 0
        timescale: 1000
        format: sparsev1
      - index: 1
        timescale: 1000
        format: fancyv9
`
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "scope_0_metadata.yml"), []byte(meta), 0644))

	ctx, err := Load(path, LoadOptions{LoadWaveforms: true})
	require.NotNil(t, ctx)
	defer ctx.Close()

	// The unknown format is an error for that stream only.
	assert.Error(t, err)

	// The sibling stream is still retained and replayed as current data.
	store := ctx.History(ctx.Scopes()[0])
	n, lerr := store.Len()
	require.NoError(t, lerr)
	assert.Equal(t, 1, n)

	chans := ctx.Scopes()[0].Channels()
	require.NotNil(t, chans[0].Data(0))
	assert.Equal(t, buf.Analog, chans[0].Data(0).Analog)
	assert.Nil(t, chans[1].Data(0))
}

func encodeSparse(t *testing.T, buf *waveform.Buffer) []byte {
	t.Helper()
	data, err := codec.Encode(buf, codec.FormatSparseV1)
	require.NoError(t, err)
	return data
}

func TestSaveWipesStaleScopeData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wipe"+FileExtension)

	staleDir := filepath.Join(dataDirFor(path), "scope_7_waveforms")
	require.NoError(t, os.MkdirAll(staleDir, 0755))

	ctx := NewContext(nil)
	require.NoError(t, ctx.AddScope(newTestMock("mock0")))
	require.NoError(t, Save(ctx, path))

	_, err := os.Stat(staleDir)
	assert.True(t, os.IsNotExist(err))
}
