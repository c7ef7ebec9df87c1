package graph

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

var nodesEvaluated = prometheus.NewCounter(prometheus.CounterOpts{
	Subsystem: "wavecap_graph",
	Name:      "nodes_evaluated_total",
	Help:      "Total number of filter node recomputations.",
})

var refreshCycles = prometheus.NewCounter(prometheus.CounterOpts{
	Subsystem: "wavecap_graph",
	Name:      "refresh_cycles_total",
	Help:      "Total number of filter graph refresh passes.",
})

func init() {
	prometheus.MustRegister(nodesEvaluated, refreshCycles)
}

// CycleError reports filter nodes caught in a dependency cycle. Such nodes
// are excluded from evaluation; the rest of the graph still runs.
type CycleError struct {
	Cycles [][]string
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Cycles))
	for i, cyc := range e.Cycles {
		parts[i] = strings.Join(cyc, " -> ")
	}
	return fmt.Sprintf("filter graph contains dependency cycles: %s", strings.Join(parts, "; "))
}

// RefreshAll marks every node stale, wipes the analysis cache and
// re-evaluates the whole graph.
func (r *Registry) RefreshAll() error {
	nodes := r.Nodes()
	r.cache.Clear()
	for _, n := range nodes {
		n.SetDirty()
	}
	return r.evaluate(nodes)
}

// RefreshDirty re-evaluates only nodes already marked stale (individually,
// when their inputs or parameters changed). Clean nodes are skipped.
func (r *Registry) RefreshDirty() error {
	return r.evaluate(r.Nodes())
}

// evaluate levels the working set into ordered blocks and runs them: blocks
// sequentially, nodes within a block in bounded parallel fan-out. Block 0
// holds nodes fed only by raw instrument channels; block k holds nodes whose
// unresolved inputs were all satisfied by blocks < k. An empty graph is a
// no-op pass.
func (r *Registry) evaluate(nodes []*Node) error {
	refreshCycles.Inc()
	if len(nodes) == 0 {
		return nil
	}

	blocks, cyclic := r.level(nodes)

	var errs error
	limit := runtime.GOMAXPROCS(0)
	for _, block := range blocks {
		sem := make(chan struct{}, limit)
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, n := range block {
			wg.Add(1)
			sem <- struct{}{}
			go func(n *Node) {
				defer wg.Done()
				defer func() { <-sem }()
				wasDirty := n.Dirty()
				if err := n.RefreshIfDirty(r.cache); err != nil {
					mu.Lock()
					errs = multierr.Append(errs, fmt.Errorf("filter %s: %w", n.Name(), err))
					mu.Unlock()
					return
				}
				if wasDirty {
					nodesEvaluated.Inc()
				}
			}(n)
		}
		wg.Wait()
	}

	if len(cyclic) > 0 {
		errs = multierr.Append(errs, r.reportCycles(nodes, cyclic))
	}
	return errs
}

// level partitions nodes into dependency blocks by repeatedly pulling nodes
// whose remaining inputs all resolve outside the working set. Nodes left over
// when no progress is possible sit on a cycle.
func (r *Registry) level(nodes []*Node) (blocks [][]*Node, cyclic []*Node) {
	working := make(map[*Node]bool, len(nodes))
	order := make([]*Node, len(nodes))
	copy(order, nodes)
	for _, n := range nodes {
		working[n] = true
	}

	for len(working) > 0 {
		var block []*Node
		for _, n := range order {
			if !working[n] {
				continue
			}
			ready := true
			for _, in := range n.Inputs() {
				if owner := r.Owner(in.Channel); owner != nil && working[owner] {
					ready = false
					break
				}
			}
			if ready {
				block = append(block, n)
			}
		}

		if len(block) == 0 {
			for _, n := range order {
				if working[n] {
					cyclic = append(cyclic, n)
				}
			}
			return blocks, cyclic
		}

		for _, n := range block {
			delete(working, n)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// reportCycles names the actual cycles among the stranded nodes so the
// condition is diagnosable instead of silently dropping the nodes.
func (r *Registry) reportCycles(all []*Node, cyclic []*Node) error {
	g := simple.NewDirectedGraph()
	ids := make(map[*Node]int64, len(all))
	byID := make(map[int64]*Node, len(all))
	for i, n := range all {
		ids[n] = int64(i)
		byID[int64(i)] = n
		g.AddNode(simple.Node(int64(i)))
	}
	for _, n := range all {
		for _, in := range n.Inputs() {
			owner := r.Owner(in.Channel)
			if owner == nil || owner == n {
				continue
			}
			g.SetEdge(simple.Edge{F: simple.Node(ids[owner]), T: simple.Node(ids[n])})
		}
	}

	err := &CycleError{}
	for _, cyc := range topo.DirectedCyclesIn(g) {
		names := make([]string, 0, len(cyc))
		for _, gn := range cyc {
			names = append(names, byID[gn.ID()].Name())
		}
		err.Cycles = append(err.Cycles, names)
	}

	// DirectedCyclesIn cannot see self-loops introduced by a node feeding on
	// its own output stream; cover the stranded set regardless.
	if len(err.Cycles) == 0 {
		names := make([]string, 0, len(cyclic))
		for _, n := range cyclic {
			names = append(names, n.Name())
		}
		sort.Strings(names)
		err.Cycles = append(err.Cycles, names)
	}

	r.log.Warnw("filter graph contains cycles, cyclic nodes were not evaluated", "error", err.Error())
	return err
}
