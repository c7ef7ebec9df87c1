package scope

import (
	"sync"

	"github.com/google/uuid"
	"github.com/wavecap/wavecap/waveform"
	"go.uber.org/zap"
)

// Capture is one synchronized set of buffers, keyed by stream.
type Capture map[StreamDescriptor]*waveform.Buffer

// Mock is an instrument without hardware behind it. It reports IsOffline and
// serves captures that were injected by the session loader, the import
// watcher or tests. It satisfies the full Instrument contract so the rest of
// the pipeline is indifferent to its nature.
type Mock struct {
	name     string
	id       uuid.UUID
	channels []*Channel
	log      *zap.SugaredLogger

	mu      sync.Mutex
	pending []Capture
	armed   bool
	single  bool
}

func NewMock(name string, channels []*Channel) *Mock {
	return &Mock{
		name:     name,
		id:       uuid.New(),
		channels: channels,
		log:      zap.L().Sugar().With("service", "mock-scope", "scope", name),
	}
}

func (m *Mock) Name() string { return m.name }

func (m *Mock) ID() uuid.UUID { return m.id }

func (m *Mock) IsOffline() bool { return true }

// Transport describes how to reconnect. An offline instrument has no
// transport; sessions persisting it record a null connection.
func (m *Mock) Transport() (string, string) { return "null", "" }

func (m *Mock) Channels() []*Channel { return m.channels }

func (m *Mock) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = false
	m.pending = nil
}

func (m *Mock) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = true
	m.single = false
}

func (m *Mock) StartSingleTrigger() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = true
	m.single = true
}

func (m *Mock) ForceTrigger() {
	m.StartSingleTrigger()
}

func (m *Mock) PeekTriggerArmed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}

func (m *Mock) HasPendingWaveforms() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) > 0
}

func (m *Mock) ClearPendingWaveforms() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
}

// Inject queues a capture as if the hardware had triggered.
func (m *Mock) Inject(c Capture) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, c)
}

func (m *Mock) PopPendingWaveform() {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	cap := m.pending[0]
	m.pending = m.pending[1:]
	if m.single {
		m.armed = false
	}
	m.mu.Unlock()

	for desc, buf := range cap {
		if err := desc.Channel.Attach(buf, desc.Stream); err != nil {
			m.log.Warnw("dropping waveform for occupied stream", "stream", desc.String(), "error", err)
		}
	}
}
