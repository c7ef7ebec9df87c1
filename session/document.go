package session

import (
	"gopkg.in/yaml.v3"
)

// FileExtension identifies saved sessions; the waveform data directory sits
// next to the file with a _data suffix.
const (
	FileExtension = ".wavesession"
	dataDirSuffix = "_data"
)

// Document is the persisted session configuration. The decodes section is
// written in two conceptual passes on load (parameters first, then input
// wiring) because serialization order is not guaranteed to respect
// dependencies. ui_config is carried opaquely for the display layer.
type Document struct {
	Instruments []InstrumentConfig `yaml:"instruments"`
	Decodes     []DecodeConfig     `yaml:"decodes,omitempty"`
	UIConfig    yaml.Node          `yaml:"ui_config,omitempty"`
}

type InstrumentConfig struct {
	ID        int             `yaml:"id"`
	Name      string          `yaml:"name"`
	Transport string          `yaml:"transport"`
	Args      string          `yaml:"args,omitempty"`
	Channels  []ChannelConfig `yaml:"channels"`
}

type ChannelConfig struct {
	ID      int    `yaml:"id"`
	Index   int    `yaml:"index"`
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Streams int    `yaml:"streams,omitempty"`
}

type DecodeConfig struct {
	ID       int                    `yaml:"id"`
	Protocol string                 `yaml:"protocol"`
	Name     string                 `yaml:"name"`
	Params   map[string]interface{} `yaml:"params,omitempty"`
	Inputs   []InputConfig          `yaml:"inputs"`
}

// InputConfig references the producing entity by document identifier: a raw
// channel or another decode node.
type InputConfig struct {
	Channel int `yaml:"channel"`
	Stream  int `yaml:"stream,omitempty"`
}

// ScopeMetadata is the per-instrument companion document listing retained
// waveform events and their per-channel sample metadata.
type ScopeMetadata struct {
	Waveforms []WaveformMetadata `yaml:"waveforms"`
}

type WaveformMetadata struct {
	ID        int   `yaml:"id"`
	Timestamp int64 `yaml:"timestamp"`

	// TimeFsec is the sub-second remainder in femtoseconds. Legacy documents
	// carry time_psec instead, at picosecond resolution.
	TimeFsec *int64 `yaml:"time_fsec,omitempty"`
	TimePsec *int64 `yaml:"time_psec,omitempty"`

	Channels []ChannelMetadata `yaml:"channels"`
}

type ChannelMetadata struct {
	Index     int   `yaml:"index"`
	Stream    int   `yaml:"stream,omitempty"`
	Timescale int64 `yaml:"timescale"`

	// TrigPhase is femtoseconds in current documents; in legacy
	// picosecond-timebase documents it is a fractional picosecond count.
	TrigPhase float64 `yaml:"trigphase"`

	// Format tags the sample encoding. Empty in documents predating the tag,
	// which always used sparsev1.
	Format string `yaml:"format,omitempty"`
}

func parseDocument(data []byte) (*Document, error) {
	doc := &Document{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func parseScopeMetadata(data []byte) (*ScopeMetadata, error) {
	meta := &ScopeMetadata{}
	if err := yaml.Unmarshal(data, meta); err != nil {
		return nil, err
	}
	return meta, nil
}
