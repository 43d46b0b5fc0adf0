// Package router implements the Bundle Router (spec.md §4.C): a pure,
// peer-local graph search that assembles open segments into priced
// multi-modal bundles. It never mutates store state and never returns an
// error; an unreachable destination simply yields an empty result, the
// way the teacher's orderbook walks price levels without touching
// account state.
package router

import (
	"context"
	"sort"

	"github.com/uhyunpark/hyperlicked/pkg/maas"
)

// Options are the enumerated knobs of spec.md §4.C, each with its
// documented default applied by WithDefaults.
type Options struct {
	MaxTransfers        int
	TimeTolerance       maas.Tick
	NearnessEpsilon     float64
	TimeWindow          maas.Tick
	ModeFilter          map[string]bool
	MaxResults          int
	PerSegmentDiscount  float64
	MaxDiscountRate     float64
	WaitPenaltyWeight   float64
}

// WithDefaults fills zero-valued fields with spec.md's documented defaults.
func (o Options) WithDefaults() Options {
	if o.MaxTransfers == 0 {
		o.MaxTransfers = 3
	}
	if o.TimeTolerance == 0 {
		o.TimeTolerance = 5
	}
	if o.NearnessEpsilon == 0 {
		o.NearnessEpsilon = 0.5
	}
	if o.MaxResults == 0 {
		o.MaxResults = 10
	}
	if o.PerSegmentDiscount == 0 {
		o.PerSegmentDiscount = 0.05
	}
	if o.MaxDiscountRate == 0 {
		o.MaxDiscountRate = 0.15
	}
	if o.WaitPenaltyWeight == 0 {
		o.WaitPenaltyWeight = 0.5
	}
	return o
}

// edge is a segment viewed as a directed graph edge between grouped nodes.
type edge struct {
	seg    maas.Segment
	fromID int
	toID   int
}

// Build runs the DFS-based bundle search described in spec.md §4.C over a
// caller-provided snapshot (taken by the Marketplace Store without the
// router ever touching the store's lock). Returns an empty, non-nil slice
// when no path reaches destination or ctx is cancelled mid-search.
func Build(ctx context.Context, snapshot []maas.Segment, origin, destination maas.Point, startTime maas.Tick, opts Options) []maas.Bundle {
	opts = opts.WithDefaults()

	nodes, nodeOf := groupNodes(snapshot, opts.NearnessEpsilon)
	edges := make(map[int][]edge)
	for _, seg := range snapshot {
		if seg.DepartTime < startTime {
			continue
		}
		if opts.TimeWindow > 0 && seg.DepartTime > startTime+opts.TimeWindow {
			continue
		}
		if opts.ModeFilter != nil && len(opts.ModeFilter) > 0 && !opts.ModeFilter[seg.Mode] {
			continue
		}
		from := nodeOf(seg.Origin)
		to := nodeOf(seg.Destination)
		edges[from] = append(edges[from], edge{seg: seg, fromID: from, toID: to})
	}

	startNode := -1
	for i, p := range nodes {
		if p.Near(origin, opts.NearnessEpsilon) {
			startNode = i
			break
		}
	}
	if startNode == -1 {
		return []maas.Bundle{}
	}

	var paths [][]maas.Segment
	visited := make(map[string]bool)
	var walk func(node int, arriveAt maas.Tick, path []maas.Segment)
	walk = func(node int, arriveAt maas.Tick, path []maas.Segment) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if len(path) > 0 && nodes[node].Near(destination, opts.NearnessEpsilon) {
			cp := make([]maas.Segment, len(path))
			copy(cp, path)
			paths = append(paths, cp)
		}
		if len(path) >= opts.MaxTransfers {
			return
		}
		for _, e := range edges[node] {
			if visited[e.seg.SegmentID] {
				continue
			}
			if len(path) > 0 {
				prev := path[len(path)-1]
				if e.seg.DepartTime < prev.ArriveTime {
					continue
				}
				if e.seg.DepartTime-prev.ArriveTime > opts.TimeTolerance {
					continue
				}
			}
			visited[e.seg.SegmentID] = true
			walk(e.toID, e.seg.ArriveTime, append(path, e.seg))
			visited[e.seg.SegmentID] = false
		}
	}
	walk(startNode, startTime, nil)
	if ctx.Err() != nil {
		return []maas.Bundle{}
	}

	bundles := make([]maas.Bundle, 0, len(paths))
	for _, path := range paths {
		bundles = append(bundles, buildBundle(path, opts))
	}

	sort.Slice(bundles, func(i, j int) bool {
		if bundles[i].UtilityScore != bundles[j].UtilityScore {
			return bundles[i].UtilityScore > bundles[j].UtilityScore
		}
		return bundles[i].BundleID < bundles[j].BundleID
	})

	if len(bundles) > opts.MaxResults {
		bundles = bundles[:opts.MaxResults]
	}
	return bundles
}

func buildBundle(path []maas.Segment, opts Options) maas.Bundle {
	ids := make([]string, len(path))
	modes := make([]string, len(path))
	basePrice := 0.0
	for i, seg := range path {
		ids[i] = seg.SegmentID
		modes[i] = seg.Mode
		basePrice += seg.Price
	}

	discount := float64(len(path)-1) * opts.PerSegmentDiscount
	if discount > opts.MaxDiscountRate {
		discount = opts.MaxDiscountRate
	}
	if discount < 0 {
		discount = 0
	}
	finalPrice := basePrice * (1 - discount)

	first, last := path[0], path[len(path)-1]
	totalDuration := float64(last.ArriveTime - first.DepartTime)
	utility := -(finalPrice + opts.WaitPenaltyWeight*totalDuration)

	return maas.Bundle{
		BundleID:               maas.StableHash(ids),
		Segments:               ids,
		Origin:                 first.Origin,
		Destination:            last.Destination,
		DepartTime:             first.DepartTime,
		ArriveTime:             last.ArriveTime,
		BasePrice:              basePrice,
		Discount:               discount,
		FinalPrice:             finalPrice,
		NumSegments:            len(path),
		Modes:                  modes,
		UtilityScore:           utility,
		PrimaryOfferID:         first.SegmentID,
		RepresentativeProvider: first.ProviderID,
	}
}

// groupNodes clusters segment endpoints into ε-equivalence classes and
// returns a lookup function mapping any Point to its node index,
// assigning a fresh node for points outside ε of every existing node.
func groupNodes(snapshot []maas.Segment, eps float64) ([]maas.Point, func(maas.Point) int) {
	var nodes []maas.Point
	lookup := func(p maas.Point) int {
		for i, n := range nodes {
			if n.Near(p, eps) {
				return i
			}
		}
		nodes = append(nodes, p)
		return len(nodes) - 1
	}
	for _, seg := range snapshot {
		lookup(seg.Origin)
		lookup(seg.Destination)
	}
	return nodes, lookup
}
