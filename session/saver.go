package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wavecap/wavecap/scope"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// transporter is implemented by instruments that know how to re-establish
// their connection. Anything else is persisted as a null connection and
// loads offline.
type transporter interface {
	Transport() (transport, args string)
}

// Save persists the session: the document next to a data directory holding
// per-instrument metadata and the retained captures' sample files. A fresh
// identifier table is built for every save, so object identifiers are stable
// within one document but not across saves.
func Save(ctx *Context, path string) error {
	log := zap.L().Sugar().With("service", "session-saver", "path", path)

	ctx.Lock()
	defer ctx.Unlock()

	table := NewIDTable()
	doc := buildDocument(ctx, table)

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("serializing session: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}

	dataDir := dataDirFor(path)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return err
	}
	if err := wipeScopeData(dataDir); err != nil {
		return err
	}

	var errs error
	for idx, inst := range ctx.scopes {
		if err := saveWaveforms(ctx, dataDir, idx, inst); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs == nil {
		log.Infow("session saved", "instruments", len(ctx.scopes), "decodes", len(doc.Decodes))
	}
	return errs
}

func buildDocument(ctx *Context, table *IDTable) *Document {
	doc := &Document{}
	if node, ok := ctx.uiConfig.(yaml.Node); ok {
		doc.UIConfig = node
	}

	for _, inst := range ctx.scopes {
		transport, args := "null", ""
		if t, ok := inst.(transporter); ok {
			transport, args = t.Transport()
		}
		cfg := InstrumentConfig{
			ID:        table.Emplace(inst),
			Name:      inst.Name(),
			Transport: transport,
			Args:      args,
		}
		for _, ch := range inst.Channels() {
			cfg.Channels = append(cfg.Channels, ChannelConfig{
				ID:      table.Emplace(ch),
				Index:   ch.Index,
				Name:    ch.Name,
				Kind:    ch.Kind.String(),
				Streams: ch.StreamCount(),
			})
		}
		doc.Instruments = append(doc.Instruments, cfg)
	}

	registry := ctx.registry
	for _, node := range registry.Nodes() {
		cfg := DecodeConfig{
			ID:       table.Emplace(node),
			Protocol: node.KernelKind(),
			Name:     node.Name(),
			Params:   node.Params(),
		}
		if len(cfg.Params) == 0 {
			cfg.Params = nil
		}
		for _, in := range node.Inputs() {
			// Node outputs are persisted under the producing node's
			// identifier, raw channels under their own.
			var id int
			if owner := registry.Owner(in.Channel); owner != nil {
				id = table.Emplace(owner)
			} else {
				id = table.Emplace(in.Channel)
			}
			cfg.Inputs = append(cfg.Inputs, InputConfig{Channel: id, Stream: in.Stream})
		}
		doc.Decodes = append(doc.Decodes, cfg)
	}
	return doc
}

// wipeScopeData removes stale per-instrument entries from a previous save so
// renumbered instruments never leave orphaned captures behind.
func wipeScopeData(dataDir string) error {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "scope_") {
			if err := os.RemoveAll(filepath.Join(dataDir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// saveWaveforms writes one instrument's history: a metadata document plus
// one binary file per stream. History records already carry the encoded
// sample payload, so saving is a straight copy-out.
func saveWaveforms(ctx *Context, dataDir string, scopeIdx int, inst scope.Instrument) error {
	store := ctx.histories[inst]
	if store == nil {
		return nil
	}
	count, err := store.Len()
	if err != nil {
		return err
	}
	entries, err := store.Last(count)
	if err != nil {
		return err
	}
	// Last is newest-first; the metadata document lists captures in
	// chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	meta := &ScopeMetadata{}
	for i, entry := range entries {
		wfID := i + 1
		dir := filepath.Join(dataDir,
			fmt.Sprintf("scope_%d_waveforms", scopeIdx), fmt.Sprintf("waveform_%d", wfID))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}

		fsec := entry.Fsec
		wfMeta := WaveformMetadata{
			ID:        wfID,
			Timestamp: entry.Sec,
			TimeFsec:  &fsec,
		}
		for _, rec := range entry.Streams {
			name := sampleFileName(rec.Channel, rec.Stream)
			if err := os.WriteFile(filepath.Join(dir, name), rec.Samples, 0644); err != nil {
				return err
			}
			wfMeta.Channels = append(wfMeta.Channels, ChannelMetadata{
				Index:     rec.Channel,
				Stream:    rec.Stream,
				Timescale: rec.Timescale,
				TrigPhase: float64(rec.TriggerPhase),
				Format:    rec.Format,
			})
		}
		meta.Waveforms = append(meta.Waveforms, wfMeta)
	}

	data, err := yaml.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, fmt.Sprintf("scope_%d_metadata.yml", scopeIdx)), data, 0644)
}
