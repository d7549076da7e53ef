// Package fusion combines ranked lists from heterogeneous search systems
// using Reciprocal Rank Fusion.
package fusion

import "sort"

// DefaultK is the standard RRF rank constant
const DefaultK = 60

// RankedItem is one entry of a system's ranked list, best first
type RankedItem struct {
	ID    string
	Score float64
}

// List is a single system's ranking with an optional weight.
// Weights at or below zero are treated as 1.
type List struct {
	System string
	Weight float64
	Items  []RankedItem
}

// Options tunes the fused output
type Options struct {
	// K is the RRF rank constant; zero means DefaultK
	K int
	// MinConsensus drops items appearing in fewer than this many lists
	MinConsensus int
	// MaxResults truncates the fused list; zero means unlimited
	MaxResults int
	// MinScore drops items whose fused score falls below it
	MinScore float64
}

// Result is a fused item with its provenance across systems
type Result struct {
	ID               string
	RRFScore         float64
	SystemScores     map[string]float64
	SystemRanks      map[string]int
	AppearsInSystems int
}

// Fuse merges the lists by rrfScore(item) = Σ w_i · 1/(k + rank_i) over the
// lists containing the item, ranks 1-based. Ties break by consensus count
// descending, then by the best single-system rank, then by id, so the
// output order is deterministic and independent of input list order.
func Fuse(lists []List, opts Options) []Result {
	k := opts.K
	if k <= 0 {
		k = DefaultK
	}

	type entry struct {
		result   Result
		bestRank int
	}
	merged := make(map[string]*entry)

	for _, list := range lists {
		weight := list.Weight
		if weight <= 0 {
			weight = 1
		}
		for i, item := range list.Items {
			rank := i + 1
			e, ok := merged[item.ID]
			if !ok {
				e = &entry{
					result: Result{
						ID:           item.ID,
						SystemScores: make(map[string]float64),
						SystemRanks:  make(map[string]int),
					},
					bestRank: rank,
				}
				merged[item.ID] = e
			}
			e.result.RRFScore += weight / float64(k+rank)
			e.result.SystemScores[list.System] = item.Score
			e.result.SystemRanks[list.System] = rank
			e.result.AppearsInSystems++
			if rank < e.bestRank {
				e.bestRank = rank
			}
		}
	}

	entries := make([]*entry, 0, len(merged))
	for _, e := range merged {
		if opts.MinConsensus > 0 && e.result.AppearsInSystems < opts.MinConsensus {
			continue
		}
		if opts.MinScore > 0 && e.result.RRFScore < opts.MinScore {
			continue
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.result.RRFScore != b.result.RRFScore {
			return a.result.RRFScore > b.result.RRFScore
		}
		if a.result.AppearsInSystems != b.result.AppearsInSystems {
			return a.result.AppearsInSystems > b.result.AppearsInSystems
		}
		if a.bestRank != b.bestRank {
			return a.bestRank < b.bestRank
		}
		return a.result.ID < b.result.ID
	})

	if opts.MaxResults > 0 && len(entries) > opts.MaxResults {
		entries = entries[:opts.MaxResults]
	}

	out := make([]Result, len(entries))
	for i, e := range entries {
		out[i] = e.result
	}
	return out
}
