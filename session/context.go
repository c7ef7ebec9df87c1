// Package session owns the live acquisition state and its persistence: the
// instrument set, the filter registry, per-instrument capture history, and
// the load/save orchestration over session documents and binary sample
// files.
package session

import (
	"fmt"
	"sync"

	"github.com/wavecap/wavecap/graph"
	"github.com/wavecap/wavecap/history"
	"github.com/wavecap/wavecap/scope"
	"github.com/wavecap/wavecap/waveform"
	"go.uber.org/zap"
)

// Context is one open session. Registries are owned here, not
// process-global, so closing a session tears everything down.
//
// The embedded mutex is the waveform data lock guarding attach/detach, graph
// re-evaluation and buffer pull. It is acquired once at each entry point
// (acquisition driver cycle, loader, saver); internal helpers assume it is
// held rather than re-locking.
type Context struct {
	mu  sync.Mutex
	log *zap.SugaredLogger

	scopes     []scope.Instrument
	registry   *graph.Registry
	histories  map[scope.Instrument]*history.Store
	backendGen history.BackendGenerator

	// uiConfig is opaque display-layer state restored on load and written
	// back on save.
	uiConfig interface{}
}

func NewContext(backendGen history.BackendGenerator) *Context {
	if backendGen == nil {
		backendGen = history.NewMemoryBackendGenerator()
	}
	return &Context{
		log:        zap.L().Sugar().With("service", "session"),
		registry:   graph.NewRegistry(),
		histories:  make(map[scope.Instrument]*history.Store),
		backendGen: backendGen,
	}
}

// Lock acquires the waveform data lock.
func (c *Context) Lock() { c.mu.Lock() }

// Unlock releases the waveform data lock.
func (c *Context) Unlock() { c.mu.Unlock() }

func (c *Context) Registry() *graph.Registry { return c.registry }

func (c *Context) Scopes() []scope.Instrument {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]scope.Instrument, len(c.scopes))
	copy(out, c.scopes)
	return out
}

// AddScope registers an instrument and allocates its history store.
func (c *Context) AddScope(s scope.Instrument) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addScopeLocked(s)
}

func (c *Context) addScopeLocked(s scope.Instrument) error {
	backend, err := c.backendGen(fmt.Sprintf("scope_%d", len(c.scopes)))
	if err != nil {
		return fmt.Errorf("allocating history for %s: %w", s.Name(), err)
	}
	c.scopes = append(c.scopes, s)
	c.histories[s] = history.NewStore(s.Name(), backend, history.DefaultMaxDepth)
	return nil
}

func (c *Context) History(s scope.Instrument) *history.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.histories[s]
}

// RetainCurrent snapshots every attached buffer of the instrument into its
// history store. Caller holds the waveform data lock.
func (c *Context) RetainCurrent(s scope.Instrument, tp waveform.TimePoint) error {
	store := c.histories[s]
	if store == nil {
		return fmt.Errorf("instrument %s has no history store", s.Name())
	}

	buffers := make(map[history.StreamKey]*waveform.Buffer)
	for _, ch := range s.Channels() {
		for stream := 0; stream < ch.StreamCount(); stream++ {
			if buf := ch.Data(stream); buf != nil {
				buffers[history.StreamKey{Channel: ch.Index, Stream: stream}] = buf
			}
		}
	}
	if len(buffers) == 0 {
		return nil
	}

	entry, err := history.NewEntry(tp, buffers)
	if err != nil {
		return err
	}
	return store.Append(entry)
}

// JumpTo replays the capture taken at tp as the instrument's current data.
// Caller holds the waveform data lock.
func (c *Context) JumpTo(s scope.Instrument, tp waveform.TimePoint) error {
	store := c.histories[s]
	if store == nil {
		return fmt.Errorf("instrument %s has no history store", s.Name())
	}
	entry, found, err := store.At(tp)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no capture at %d.%d in history of %s", tp.Sec, tp.Fsec, s.Name())
	}

	buffers, err := entry.Buffers()
	if err != nil {
		return err
	}

	channels := make(map[int]*scope.Channel)
	for _, ch := range s.Channels() {
		channels[ch.Index] = ch
		for stream := 0; stream < ch.StreamCount(); stream++ {
			ch.Detach(stream)
		}
	}
	for key, buf := range buffers {
		ch := channels[key.Channel]
		if ch == nil {
			c.log.Warnw("history entry references unknown channel", "channel", key.Channel)
			continue
		}
		if err := ch.Attach(buf, key.Stream); err != nil {
			return err
		}
	}
	return nil
}

// Absorb moves another session's instruments, filters and history into this
// one, leaving the other empty. Used by the import watcher to fold a dropped
// session file into the running session. The absorbed instruments are
// returned so the caller can register them with the trigger group.
func (c *Context) Absorb(other *Context) []scope.Instrument {
	other.mu.Lock()
	scopes := other.scopes
	histories := other.histories
	other.scopes = nil
	other.histories = make(map[scope.Instrument]*history.Store)
	other.mu.Unlock()

	other.registry.Transfer(c.registry)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopes = append(c.scopes, scopes...)
	for inst, store := range histories {
		c.histories[inst] = store
	}
	return scopes
}

// Close tears the session down: history stores are closed and filter outputs
// marked deleted so stray references fail closed.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.registry.Nodes() {
		c.registry.Remove(n)
	}
	for _, store := range c.histories {
		if err := store.Close(); err != nil {
			c.log.Warnw("closing history store", "error", err)
		}
	}
	c.histories = make(map[scope.Instrument]*history.Store)
	c.scopes = nil
}
