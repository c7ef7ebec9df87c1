package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wavecap/wavecap/codec"
	"github.com/wavecap/wavecap/graph"
	"github.com/wavecap/wavecap/history"
	"github.com/wavecap/wavecap/scope"
	"github.com/wavecap/wavecap/waveform"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Connector establishes a live instrument connection for a persisted
// instrument entry. When it is nil or fails, the loader degrades to an
// offline placeholder instead of aborting the load.
type Connector func(name, transport, args string) (scope.Instrument, error)

// LoadOptions tunes session restoration.
type LoadOptions struct {
	// LoadWaveforms restores retained captures from the data directory into
	// history and replays the newest one.
	LoadWaveforms bool

	// Reconnect attempts live connections via Connector instead of going
	// straight to offline placeholders.
	Reconnect bool
	Connector Connector

	// Backends allocates history storage per instrument. Defaults to the
	// in-memory backend.
	Backends history.BackendGenerator

	Progress codec.ProgressFunc
}

// Load restores a session from a document on disk. The document is parsed in
// full before any session state is constructed, so an unreadable or malformed
// file never tears down an existing setup. Filters are restored in two
// passes: every node is created first, then inputs are wired, so forward
// references between decodes resolve regardless of serialization order.
func Load(path string, opts LoadOptions) (*Context, error) {
	log := zap.L().Sugar().With("service", "session-loader", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}
	doc, err := parseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("parsing session file: %w", err)
	}

	ctx := NewContext(opts.Backends)
	ctx.uiConfig = doc.UIConfig
	table := NewIDTable()

	var errs error
	for _, cfg := range doc.Instruments {
		inst, ierr := connectInstrument(cfg, opts, log)
		if ierr != nil {
			errs = multierr.Append(errs, ierr)
			continue
		}
		if err := ctx.AddScope(inst); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		table.Bind(cfg.ID, inst)
		bindChannels(table, inst, cfg)
	}

	errs = multierr.Append(errs, loadDecodes(ctx, table, doc.Decodes, log))

	if opts.LoadWaveforms {
		errs = multierr.Append(errs, loadWaveforms(ctx, dataDirFor(path), opts.Progress, log))
	}
	return ctx, errs
}

// dataDirFor maps a session file path to its waveform data directory.
func dataDirFor(path string) string {
	return strings.TrimSuffix(path, FileExtension) + dataDirSuffix
}

func connectInstrument(cfg InstrumentConfig, opts LoadOptions, log *zap.SugaredLogger) (scope.Instrument, error) {
	if opts.Reconnect && opts.Connector != nil {
		inst, err := opts.Connector(cfg.Name, cfg.Transport, cfg.Args)
		if err == nil {
			return inst, nil
		}
		log.Warnw("reconnect failed, loading instrument offline",
			"instrument", cfg.Name, "transport", cfg.Transport, "error", err)
	}

	channels := make([]*scope.Channel, 0, len(cfg.Channels))
	for _, chCfg := range cfg.Channels {
		kind, err := waveform.ParseKind(chCfg.Kind)
		if err != nil {
			return nil, fmt.Errorf("instrument %s channel %d: %w", cfg.Name, chCfg.Index, err)
		}
		streams := chCfg.Streams
		if streams <= 0 {
			streams = 1
		}
		channels = append(channels, scope.NewChannel(chCfg.Name, kind, chCfg.Index, streams))
	}
	return scope.NewMock(cfg.Name, channels), nil
}

// bindChannels maps persisted channel identifiers onto the instrument's live
// channels, matching by hardware index. Live channels carry persisted names.
func bindChannels(table *IDTable, inst scope.Instrument, cfg InstrumentConfig) {
	byIndex := make(map[int]*scope.Channel)
	for _, ch := range inst.Channels() {
		byIndex[ch.Index] = ch
	}
	for _, chCfg := range cfg.Channels {
		ch := byIndex[chCfg.Index]
		if ch == nil {
			continue
		}
		ch.Name = chCfg.Name
		if chCfg.Streams > ch.StreamCount() {
			ch.SetStreamCount(chCfg.Streams)
		}
		table.Bind(chCfg.ID, ch)
	}
}

// loadDecodes restores the filter graph. Pass one instantiates nodes from
// protocol and parameters; pass two wires inputs through the identifier
// table. A decode with an unknown protocol is skipped with a warning rather
// than failing the whole session.
func loadDecodes(ctx *Context, table *IDTable, decodes []DecodeConfig, log *zap.SugaredLogger) error {
	var errs error

	loaded := make([]*graph.Node, 0, len(decodes))
	loadedCfg := make([]DecodeConfig, 0, len(decodes))
	for _, cfg := range decodes {
		kernel, err := graph.NewKernel(cfg.Protocol, cfg.Params)
		if err != nil {
			log.Warnw("skipping decode with unknown protocol",
				"decode", cfg.Name, "protocol", cfg.Protocol, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("decode %s: %w", cfg.Name, err))
			continue
		}
		node := graph.NewNode(cfg.Name, kernel)
		if err := node.SetParams(cfg.Params); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("decode %s: %w", cfg.Name, err))
			continue
		}
		ctx.Registry().Add(node)
		table.Bind(cfg.ID, node)
		loaded = append(loaded, node)
		loadedCfg = append(loadedCfg, cfg)
	}

	for i, node := range loaded {
		inputs := make([]scope.StreamDescriptor, 0, len(loadedCfg[i].Inputs))
		for _, in := range loadedCfg[i].Inputs {
			obj, found := table.Lookup(in.Channel)
			if !found {
				errs = multierr.Append(errs,
					fmt.Errorf("decode %s: input references unknown id %d", node.Name(), in.Channel))
				continue
			}
			switch src := obj.(type) {
			case *scope.Channel:
				inputs = append(inputs, scope.StreamDescriptor{Channel: src, Stream: in.Stream})
			case *graph.Node:
				inputs = append(inputs, scope.StreamDescriptor{Channel: src.Output(), Stream: in.Stream})
			default:
				errs = multierr.Append(errs,
					fmt.Errorf("decode %s: id %d is not a stream source", node.Name(), in.Channel))
			}
		}
		node.SetInputs(inputs)
	}
	return errs
}

// loadWaveforms restores retained captures into each instrument's history
// and replays the newest one as current data. Sample files for a capture's
// channels load in parallel. Legacy documents store times and timescales at
// picosecond resolution; they are normalized to femtoseconds here.
func loadWaveforms(ctx *Context, dataDir string, progress codec.ProgressFunc, log *zap.SugaredLogger) error {
	var errs error

	for idx, inst := range ctx.Scopes() {
		metaPath := filepath.Join(dataDir, fmt.Sprintf("scope_%d_metadata.yml", idx))
		data, err := os.ReadFile(metaPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		meta, err := parseScopeMetadata(data)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("parsing %s: %w", metaPath, err))
			continue
		}

		store := ctx.History(inst)
		channels := channelsByIndex(inst)
		for _, wf := range meta.Waveforms {
			entry, lerr := loadWaveform(dataDir, idx, wf, channels, progress)
			if lerr != nil {
				errs = multierr.Append(errs, lerr)
			}
			if len(entry.Streams) == 0 {
				continue
			}
			if err := store.Append(entry); err != nil {
				errs = multierr.Append(errs, err)
			}
		}

		newest, found, err := store.Newest()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if found {
			ctx.Lock()
			if err := ctx.JumpTo(inst, newest.Time()); err != nil {
				errs = multierr.Append(errs, err)
			}
			ctx.Unlock()
		}
		log.Infow("restored waveform history", "instrument", inst.Name(), "captures", len(meta.Waveforms))
	}
	return errs
}

func channelsByIndex(inst scope.Instrument) map[int]*scope.Channel {
	out := make(map[int]*scope.Channel)
	for _, ch := range inst.Channels() {
		out[ch.Index] = ch
	}
	return out
}

// loadWaveform decodes one retained capture. A stream that fails to decode is
// dropped and reported; the entry still carries every stream that decoded, so
// one corrupt file cannot discard its siblings. The entry is empty only when
// no stream survived.
func loadWaveform(dataDir string, scopeIdx int, wf WaveformMetadata, channels map[int]*scope.Channel, progress codec.ProgressFunc) (history.Entry, error) {
	tp := waveform.TimePoint{Sec: wf.Timestamp}
	legacy := false
	switch {
	case wf.TimeFsec != nil:
		tp.Fsec = *wf.TimeFsec
	case wf.TimePsec != nil:
		tp.Fsec = *wf.TimePsec * waveform.FsPerPicosecond
		legacy = true
	}

	dir := filepath.Join(dataDir, fmt.Sprintf("scope_%d_waveforms", scopeIdx), fmt.Sprintf("waveform_%d", wf.ID))

	var errs error
	tasks := make([]codec.LoadTask, 0, len(wf.Channels))
	keys := make([]history.StreamKey, 0, len(wf.Channels))
	metas := make([]ChannelMetadata, 0, len(wf.Channels))
	for _, chMeta := range wf.Channels {
		ch := channels[chMeta.Index]
		if ch == nil {
			errs = multierr.Append(errs, fmt.Errorf("waveform %d references unknown channel %d", wf.ID, chMeta.Index))
			continue
		}
		format := chMeta.Format
		if format == "" {
			format = codec.FormatSparseV1
		}
		tasks = append(tasks, codec.LoadTask{
			Path:   filepath.Join(dir, sampleFileName(chMeta.Index, chMeta.Stream)),
			Kind:   ch.Kind,
			Format: format,
		})
		keys = append(keys, history.StreamKey{Channel: chMeta.Index, Stream: chMeta.Stream})
		metas = append(metas, chMeta)
	}

	results := codec.LoadStreams(tasks, progress)
	buffers := make(map[history.StreamKey]*waveform.Buffer, len(results))
	for i, res := range results {
		if res.Err != nil {
			errs = multierr.Append(errs, fmt.Errorf("waveform %d channel %d: %w", wf.ID, keys[i].Channel, res.Err))
			continue
		}
		buf := res.Buffer
		chMeta := metas[i]
		buf.Timescale = chMeta.Timescale
		buf.Start = tp
		if legacy {
			buf.Timescale *= waveform.FsPerPicosecond
			buf.TriggerPhase = int64(chMeta.TrigPhase * float64(waveform.FsPerPicosecond))
		} else {
			buf.TriggerPhase = int64(chMeta.TrigPhase)
		}
		buffers[keys[i]] = buf
	}
	if len(buffers) == 0 {
		return history.Entry{}, errs
	}
	entry, err := history.NewEntry(tp, buffers)
	if err != nil {
		return history.Entry{}, multierr.Append(errs, err)
	}
	return entry, errs
}

// sampleFileName is the per-stream binary file name inside a waveform
// directory. Stream zero keeps the historical suffix-free form.
func sampleFileName(channel, stream int) string {
	if stream > 0 {
		return fmt.Sprintf("channel_%d_stream%d.bin", channel, stream)
	}
	return fmt.Sprintf("channel_%d.bin", channel)
}
