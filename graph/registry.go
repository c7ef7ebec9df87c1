package graph

import (
	"sync"

	"github.com/wavecap/wavecap/scope"
	"go.uber.org/zap"
)

// Registry is the session-owned set of live filter nodes. Node creation and
// destruction is a separate concern from sample-data mutation, so the
// registry carries its own (non-reentrant) lock, independent of the session's
// waveform lock.
type Registry struct {
	log *zap.SugaredLogger

	mu     sync.Mutex
	nodes  []*Node
	owners map[*scope.Channel]*Node
	cache  *AnalysisCache
}

func NewRegistry() *Registry {
	return &Registry{
		log:    zap.L().Sugar().With("service", "filter-registry"),
		owners: make(map[*scope.Channel]*Node),
		cache:  NewAnalysisCache(),
	}
}

func (r *Registry) Add(n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = append(r.nodes, n)
	r.owners[n.Output()] = n
}

// Remove destroys a node. Its output channel is marked deleted so downstream
// nodes fail closed instead of reading freed buffers.
func (r *Registry) Remove(n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(n)
}

func (r *Registry) removeLocked(n *Node) {
	for i, cand := range r.nodes {
		if cand == n {
			r.nodes = append(r.nodes[:i], r.nodes[i+1:]...)
			break
		}
	}
	delete(r.owners, n.Output())
	n.Output().MarkDeleted()
}

// Transfer moves every node into another registry, leaving this one empty.
// Unlike Remove, outputs stay live; the nodes keep producing under the new
// owner.
func (r *Registry) Transfer(dst *Registry) int {
	r.mu.Lock()
	nodes := r.nodes
	r.nodes = nil
	r.owners = make(map[*scope.Channel]*Node)
	r.mu.Unlock()

	for _, n := range nodes {
		dst.Add(n)
	}
	return len(nodes)
}

// Nodes returns a stable snapshot of the current working set.
func (r *Registry) Nodes() []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// Owner resolves the node producing the given channel, or nil for raw
// instrument channels.
func (r *Registry) Owner(ch *scope.Channel) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owners[ch]
}

func (r *Registry) Cache() *AnalysisCache { return r.cache }

// GarbageCollect removes nodes no external view depends on. Removal can
// orphan further nodes, so it loops to a fixed point.
func (r *Registry) GarbageCollect() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for {
		var victim *Node
		for _, n := range r.nodes {
			if n.Refs() == 0 && !r.referencedLocked(n) {
				victim = n
				break
			}
		}
		if victim == nil {
			return removed
		}
		r.log.Debugw("garbage collecting filter node", "node", victim.Name())
		r.removeLocked(victim)
		removed++
	}
}

func (r *Registry) referencedLocked(n *Node) bool {
	for _, other := range r.nodes {
		if other == n {
			continue
		}
		for _, in := range other.Inputs() {
			if in.Channel == n.Output() {
				return true
			}
		}
	}
	return false
}
