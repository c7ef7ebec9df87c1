package history

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/wavecap/wavecap/codec"
	"github.com/wavecap/wavecap/waveform"
	"go.uber.org/zap"
)

var retainedEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Subsystem: "wavecap_history",
	Name:      "retained_entries",
	Help:      "Number of captures currently retained per instrument.",
}, []string{"scope"})

func init() {
	prometheus.MustRegister(retainedEntries)
}

// StreamRecord is one persisted stream of a retained capture. Samples carry
// the codec encoding named by Format.
type StreamRecord struct {
	Channel      int    `msgpack:"channel" json:"channel"`
	Stream       int    `msgpack:"stream" json:"stream"`
	Kind         int    `msgpack:"kind" json:"kind"`
	Format       string `msgpack:"format" json:"format"`
	Timescale    int64  `msgpack:"timescale" json:"timescale"`
	TriggerPhase int64  `msgpack:"trigphase" json:"trigphase"`
	Samples      []byte `msgpack:"samples" json:"-"`
}

// Entry is one retained capture: a synchronized set of streams sharing a
// trigger time.
type Entry struct {
	Sec     int64          `msgpack:"sec" json:"sec"`
	Fsec    int64          `msgpack:"fsec" json:"fsec"`
	Streams []StreamRecord `msgpack:"streams" json:"streams"`
}

func (e *Entry) Time() waveform.TimePoint {
	return waveform.TimePoint{Sec: e.Sec, Fsec: e.Fsec}
}

func (e *Entry) String() (string, error) {
	b, err := json.Marshal(&e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (e *Entry) Marshal() ([]byte, error) {
	return msgpack.Marshal(&e)
}

func (e *Entry) Unmarshal(bytes []byte) error {
	return msgpack.Unmarshal(bytes, &e)
}

// NewEntry snapshots the given buffers into a retainable capture. Streams
// are recorded in channel/stream order so serialized entries are stable.
func NewEntry(tp waveform.TimePoint, buffers map[StreamKey]*waveform.Buffer) (Entry, error) {
	keys := make([]StreamKey, 0, len(buffers))
	for key := range buffers {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Channel != keys[j].Channel {
			return keys[i].Channel < keys[j].Channel
		}
		return keys[i].Stream < keys[j].Stream
	})

	e := Entry{Sec: tp.Sec, Fsec: tp.Fsec}
	for _, key := range keys {
		buf := buffers[key]
		format := codec.PreferredFormat(buf)
		data, err := codec.Encode(buf, format)
		if err != nil {
			return Entry{}, fmt.Errorf("encoding channel %d stream %d: %w", key.Channel, key.Stream, err)
		}
		e.Streams = append(e.Streams, StreamRecord{
			Channel:      key.Channel,
			Stream:       key.Stream,
			Kind:         int(buf.Kind),
			Format:       format,
			Timescale:    buf.Timescale,
			TriggerPhase: buf.TriggerPhase,
			Samples:      data,
		})
	}
	return e, nil
}

// StreamKey addresses a stream by index, decoupled from live channel objects
// so entries stay valid after a channel is deleted.
type StreamKey struct {
	Channel int
	Stream  int
}

// Buffers decodes the entry back into waveform buffers.
func (e *Entry) Buffers() (map[StreamKey]*waveform.Buffer, error) {
	out := make(map[StreamKey]*waveform.Buffer, len(e.Streams))
	for _, rec := range e.Streams {
		buf, err := codec.Decode(rec.Samples, waveform.Kind(rec.Kind), rec.Format)
		if err != nil {
			return nil, fmt.Errorf("decoding channel %d stream %d: %w", rec.Channel, rec.Stream, err)
		}
		buf.Timescale = rec.Timescale
		buf.TriggerPhase = rec.TriggerPhase
		buf.Start = e.Time()
		out[StreamKey{Channel: rec.Channel, Stream: rec.Stream}] = buf
	}
	return out, nil
}

// Store retains the last maxDepth captures of one instrument. Keys are
// monotonic ULIDs so backend order is arrival order; the trigger TimePoint is
// part of the entry, not the key, because captures may arrive out of time
// order when a session is restored.
type Store struct {
	scopeName string
	log       *zap.SugaredLogger

	mu       sync.Mutex
	backend  Backend
	maxDepth int
	entropy  *ulid.MonotonicEntropy
}

const DefaultMaxDepth = 10

func NewStore(scopeName string, backend Backend, maxDepth int) *Store {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Store{
		scopeName: scopeName,
		log:       zap.L().Sugar().With("service", "history", "scope", scopeName),
		backend:   backend,
		maxDepth:  maxDepth,
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// SetMaxDepth adjusts retention, evicting oldest entries if needed.
func (s *Store) SetMaxDepth(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 {
		n = 1
	}
	s.maxDepth = n
	return s.evictLocked()
}

func (s *Store) Append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := ulid.New(ulid.Now(), s.entropy)
	if err != nil {
		return err
	}
	key, err := id.MarshalBinary()
	if err != nil {
		return err
	}
	value, err := e.Marshal()
	if err != nil {
		return err
	}
	if err := s.backend.Set(key, value); err != nil {
		return err
	}
	if err := s.evictLocked(); err != nil {
		return err
	}

	count, err := s.backend.Count()
	if err != nil {
		return err
	}
	retainedEntries.WithLabelValues(s.scopeName).Set(float64(count))
	return nil
}

func (s *Store) evictLocked() error {
	for {
		count, err := s.backend.Count()
		if err != nil {
			return err
		}
		if count <= s.maxDepth {
			return nil
		}
		if err := s.backend.DeleteFirst(); err != nil {
			return err
		}
	}
}

// Last returns up to n entries, newest first.
func (s *Store) Last(n int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.backend.GetLast(n)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(raw))
	for i, data := range raw {
		if err := entries[i].Unmarshal(data); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// Newest returns the entry with the most recent trigger TimePoint, which is
// not necessarily the last appended.
func (s *Store) Newest() (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.backend.All()
	if err != nil {
		return Entry{}, false, err
	}
	var newest Entry
	found := false
	for _, data := range raw {
		var e Entry
		if err := e.Unmarshal(data); err != nil {
			return Entry{}, false, err
		}
		if !found || e.Time().After(newest.Time()) {
			newest = e
			found = true
		}
	}
	return newest, found, nil
}

// At looks up the entry captured at the exact trigger time.
func (s *Store) At(tp waveform.TimePoint) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.backend.All()
	if err != nil {
		return Entry{}, false, err
	}
	for _, data := range raw {
		var e Entry
		if err := e.Unmarshal(data); err != nil {
			return Entry{}, false, err
		}
		if e.Time() == tp {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (s *Store) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Count()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Close()
}
