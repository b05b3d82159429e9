package algorithm

import (
	"sort"

	"github.com/a6ar55/file-sync/internal/model"
)

// VectorClockOps provides operations on vector clocks
type VectorClockOps struct{}

// NewVectorClockOps creates a new VectorClockOps
func NewVectorClockOps() *VectorClockOps {
	return &VectorClockOps{}
}

// Compare compares two vector clocks. Entries absent from either side are
// treated as zero, so {A:2} and {B:3} come out concurrent.
func (v *VectorClockOps) Compare(a, b model.VectorClock) model.VectorClockComparison {
	allNodes := make(map[string]bool, len(a)+len(b))
	for nodeID := range a {
		allNodes[nodeID] = true
	}
	for nodeID := range b {
		allNodes[nodeID] = true
	}

	aGreater := false
	bGreater := false

	for nodeID := range allNodes {
		ta := a.Get(nodeID)
		tb := b.Get(nodeID)

		if ta > tb {
			aGreater = true
		} else if tb > ta {
			bGreater = true
		}
	}

	switch {
	case aGreater && bGreater:
		return model.VectorClockConcurrent
	case aGreater:
		return model.VectorClockAfter
	case bGreater:
		return model.VectorClockBefore
	default:
		return model.VectorClockEqual
	}
}

// Merge merges multiple vector clocks, taking the maximum of each component
func (v *VectorClockOps) Merge(clocks ...model.VectorClock) model.VectorClock {
	merged := make(model.VectorClock)
	for _, clock := range clocks {
		for nodeID, ts := range clock {
			if ts > merged[nodeID] {
				merged[nodeID] = ts
			}
		}
	}
	return merged
}

// Increment returns a copy of vc with the given node's component advanced
// by one
func (v *VectorClockOps) Increment(vc model.VectorClock, nodeID string) model.VectorClock {
	out := vc.Copy()
	out[nodeID]++
	return out
}

// IsConcurrentWithAny reports whether vc is concurrent with any of the given
// clocks
func (v *VectorClockOps) IsConcurrentWithAny(vc model.VectorClock, clocks []model.VectorClock) bool {
	for _, other := range clocks {
		if v.Compare(vc, other) == model.VectorClockConcurrent {
			return true
		}
	}
	return false
}

// Dominates reports whether a is componentwise >= b
func (v *VectorClockOps) Dominates(a, b model.VectorClock) bool {
	cmp := v.Compare(a, b)
	return cmp == model.VectorClockAfter || cmp == model.VectorClockEqual
}

// CausalSort orders events consistently with happens-before. It runs a Kahn
// topological sort over the DAG with an edge u -> v whenever u's clock is
// strictly before v's; ties are broken by (timestamp, event_id) so the
// output is a deterministic total order refining the partial one.
func (v *VectorClockOps) CausalSort(events []model.Event) []model.Event {
	n := len(events)
	if n <= 1 {
		out := make([]model.Event, n)
		copy(out, events)
		return out
	}

	succ := make([][]int, n)
	indegree := make([]int, n)

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if v.Compare(events[i].VectorClock, events[j].VectorClock) == model.VectorClockBefore {
				succ[i] = append(succ[i], j)
				indegree[j]++
			}
		}
	}

	less := func(a, b int) bool {
		ea, eb := events[a], events[b]
		if !ea.Timestamp.Equal(eb.Timestamp) {
			return ea.Timestamp.Before(eb.Timestamp)
		}
		return ea.EventID < eb.EventID
	}

	ready := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	sort.Slice(ready, func(a, b int) bool { return less(ready[a], ready[b]) })

	out := make([]model.Event, 0, n)
	for len(ready) > 0 {
		idx := ready[0]
		ready = ready[1:]
		out = append(out, events[idx])

		for _, next := range succ[idx] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Slice(ready, func(a, b int) bool { return less(ready[a], ready[b]) })
	}

	// Equal clocks produce no edges and cannot form cycles, so every event
	// is emitted exactly once.
	return out
}
