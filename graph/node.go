// Package graph maintains the derived-signal computation DAG and its
// dependency-aware parallel re-evaluation. Nodes wrap a compute kernel,
// consume streams (raw instrument channels or other nodes' outputs) and
// publish their results as streams of their own output channel.
package graph

import (
	"sync"

	"github.com/google/uuid"
	"github.com/wavecap/wavecap/scope"
	"github.com/wavecap/wavecap/waveform"
	"go.uber.org/zap"
)

// Kernel is the compute contract of a filter node. Implementations must be
// safe for concurrent use; independent nodes evaluate in parallel.
type Kernel interface {
	Kind() string
	OutputKind() waveform.Kind
	OutputStreams() int

	// Evaluate produces one buffer per output stream from the given inputs.
	// Inputs arrive in declaration order and are never nil.
	Evaluate(cache *AnalysisCache, inputs []*waveform.Buffer) ([]*waveform.Buffer, error)
}

// Node is one filter in the graph. It carries a dirty flag marking its output
// stale relative to inputs/parameters, and a reference count of external
// views used for garbage collection.
type Node struct {
	id     uuid.UUID
	name   string
	kernel Kernel
	output *scope.Channel
	log    *zap.SugaredLogger

	mu     sync.Mutex
	inputs []scope.StreamDescriptor
	params map[string]interface{}
	dirty  bool
	refs   int
}

func NewNode(name string, kernel Kernel) *Node {
	return &Node{
		id:     uuid.New(),
		name:   name,
		kernel: kernel,
		output: scope.NewChannel(name, kernel.OutputKind(), -1, kernel.OutputStreams()),
		log:    zap.L().Sugar().With("service", "filter-node", "node", name),
		dirty:  true,
	}
}

func (n *Node) ID() uuid.UUID { return n.id }

func (n *Node) Name() string { return n.name }

func (n *Node) KernelKind() string { return n.kernel.Kind() }

// Output is the channel carrying this node's result streams.
func (n *Node) Output() *scope.Channel { return n.output }

func (n *Node) Inputs() []scope.StreamDescriptor {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]scope.StreamDescriptor, len(n.inputs))
	copy(out, n.inputs)
	return out
}

// SetInputs rewires the node and marks it stale.
func (n *Node) SetInputs(inputs []scope.StreamDescriptor) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inputs = make([]scope.StreamDescriptor, len(inputs))
	copy(n.inputs, inputs)
	n.dirty = true
}

// Params returns the loosely-typed parameter set the kernel was built from.
// Persisted as-is in session documents.
func (n *Node) Params() map[string]interface{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]interface{}, len(n.params))
	for k, v := range n.params {
		out[k] = v
	}
	return out
}

// SetParams rebuilds the kernel with new parameters and marks the node
// stale. The kernel kind is fixed for the node's lifetime.
func (n *Node) SetParams(params map[string]interface{}) error {
	kind := n.KernelKind()
	kernel, err := NewKernel(kind, params)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.kernel = kernel
	n.params = make(map[string]interface{}, len(params))
	for k, v := range params {
		n.params[k] = v
	}
	n.dirty = true
	return nil
}

func (n *Node) SetDirty() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dirty = true
}

func (n *Node) Dirty() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dirty
}

// AddRef records one more external view depending on this node.
func (n *Node) AddRef() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refs++
}

// Release drops one external view. The registry's garbage collector destroys
// nodes whose count reaches zero.
func (n *Node) Release() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.refs > 0 {
		n.refs--
	}
}

func (n *Node) Refs() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.refs
}

// RefreshIfDirty recomputes the node's output streams unless they are already
// current. A dangling input (deleted channel, or a stream with no data) fails
// closed: the node produces no output and stays dirty, it never reads freed
// data. Successful recomputation always clears the dirty flag, whether or not
// the output changed.
func (n *Node) RefreshIfDirty(cache *AnalysisCache) error {
	n.mu.Lock()
	if !n.dirty {
		n.mu.Unlock()
		return nil
	}
	inputs := make([]scope.StreamDescriptor, len(n.inputs))
	copy(inputs, n.inputs)
	n.mu.Unlock()

	bufs := make([]*waveform.Buffer, len(inputs))
	for i, in := range inputs {
		if in.Channel == nil || in.Channel.Deleted() {
			n.log.Debugw("input channel gone, failing closed", "input", i)
			n.dropOutputs()
			return nil
		}
		buf := in.Data()
		if buf == nil {
			n.dropOutputs()
			return nil
		}
		bufs[i] = buf
	}

	outs, err := n.kernel.Evaluate(cache, bufs)
	if err != nil {
		n.dropOutputs()
		return err
	}

	for stream, buf := range outs {
		n.output.Detach(stream)
		if buf == nil {
			continue
		}
		if aerr := n.output.Attach(buf, stream); aerr != nil {
			return aerr
		}
	}

	n.mu.Lock()
	n.dirty = false
	n.mu.Unlock()
	return nil
}

func (n *Node) dropOutputs() {
	for i := 0; i < n.output.StreamCount(); i++ {
		n.output.Detach(i)
	}
}
