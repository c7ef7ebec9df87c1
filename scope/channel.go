package scope

import (
	"fmt"
	"sync"

	"github.com/wavecap/wavecap/waveform"
)

// Channel is one addressable signal source: a physical instrument input or a
// filter output. A channel exposes one or more streams, each of which holds
// at most one current waveform buffer.
type Channel struct {
	Name  string
	Kind  waveform.Kind
	Index int

	mu      sync.Mutex
	streams []*waveform.Buffer
	deleted bool
}

func NewChannel(name string, kind waveform.Kind, index, streamCount int) *Channel {
	if streamCount < 1 {
		streamCount = 1
	}
	return &Channel{
		Name:    name,
		Kind:    kind,
		Index:   index,
		streams: make([]*waveform.Buffer, streamCount),
	}
}

func (c *Channel) StreamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// SetStreamCount grows or shrinks the stream set. Buffers on removed streams
// are dropped.
func (c *Channel) SetStreamCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 1 {
		n = 1
	}
	for len(c.streams) < n {
		c.streams = append(c.streams, nil)
	}
	c.streams = c.streams[:n]
}

// Data returns the buffer currently attached to the stream, or nil.
func (c *Channel) Data(stream int) *waveform.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stream < 0 || stream >= len(c.streams) {
		return nil
	}
	return c.streams[stream]
}

// Detach releases the current buffer of the stream and returns it. The caller
// decides whether the buffer lives on in history or is dropped.
func (c *Channel) Detach(stream int) *waveform.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stream < 0 || stream >= len(c.streams) {
		return nil
	}
	old := c.streams[stream]
	c.streams[stream] = nil
	return old
}

// Attach makes b the current buffer of the stream. The stream must be empty;
// a previous buffer has to be explicitly detached first so its ownership
// hand-off to history is never implicit.
func (c *Channel) Attach(b *waveform.Buffer, stream int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stream < 0 || stream >= len(c.streams) {
		return fmt.Errorf("channel %s has no stream %d", c.Name, stream)
	}
	if c.streams[stream] != nil {
		return fmt.Errorf("channel %s stream %d already has a buffer attached", c.Name, stream)
	}
	c.streams[stream] = b
	return nil
}

// MarkDeleted flags the channel as gone. Filter nodes referencing it fail
// closed instead of reading stale data.
func (c *Channel) MarkDeleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = true
	for i := range c.streams {
		c.streams[i] = nil
	}
}

func (c *Channel) Deleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleted
}

// StreamDescriptor addresses one stream of one channel. It is the addressing
// unit shared by the trigger controller, the filter graph and persistence.
type StreamDescriptor struct {
	Channel *Channel
	Stream  int
}

func (s StreamDescriptor) String() string {
	if s.Channel == nil {
		return "<nil>"
	}
	if s.Stream == 0 {
		return s.Channel.Name
	}
	return fmt.Sprintf("%s.%d", s.Channel.Name, s.Stream)
}

// Data returns the buffer currently attached to the addressed stream.
func (s StreamDescriptor) Data() *waveform.Buffer {
	if s.Channel == nil {
		return nil
	}
	return s.Channel.Data(s.Stream)
}
