package fusion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuse_ScoreMath(t *testing.T) {
	lists := []List{
		{System: "vector", Items: []RankedItem{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.5}}},
		{System: "fulltext", Items: []RankedItem{{ID: "a", Score: 0.8}}},
	}

	results := Fuse(lists, Options{})
	require.Len(t, results, 2)

	// a appears at rank 1 in both lists
	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 1.0/61+1.0/61, results[0].RRFScore, 1e-12)
	assert.Equal(t, 2, results[0].AppearsInSystems)
	assert.Equal(t, 1, results[0].SystemRanks["vector"])
	assert.Equal(t, 1, results[0].SystemRanks["fulltext"])
	assert.InDelta(t, 0.9, results[0].SystemScores["vector"], 1e-12)

	// b appears only at rank 2 in the vector list
	assert.Equal(t, "b", results[1].ID)
	assert.InDelta(t, 1.0/62, results[1].RRFScore, 1e-12)
	assert.Equal(t, 1, results[1].AppearsInSystems)
}

func TestFuse_Weights(t *testing.T) {
	lists := []List{
		{System: "vector", Weight: 2.0, Items: []RankedItem{{ID: "a"}}},
		{System: "fulltext", Weight: 0.5, Items: []RankedItem{{ID: "b"}}},
	}

	results := Fuse(lists, Options{})
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 2.0/61, results[0].RRFScore, 1e-12)
	assert.Equal(t, "b", results[1].ID)
	assert.InDelta(t, 0.5/61, results[1].RRFScore, 1e-12)
}

func TestFuse_PermutationInvariance(t *testing.T) {
	l1 := List{System: "vector", Items: []RankedItem{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	l2 := List{System: "fulltext", Items: []RankedItem{{ID: "c"}, {ID: "a"}}}
	l3 := List{System: "bm25", Items: []RankedItem{{ID: "b"}, {ID: "d"}}}

	orders := [][]List{
		{l1, l2, l3},
		{l3, l1, l2},
		{l2, l3, l1},
	}

	var baseline []string
	for i, lists := range orders {
		results := Fuse(lists, Options{})
		ids := make([]string, len(results))
		for j, r := range results {
			ids[j] = r.ID
		}
		if i == 0 {
			baseline = ids
			continue
		}
		assert.Equal(t, baseline, ids, "permutation %d changed fused order", i)
	}
}

func TestFuse_Options(t *testing.T) {
	lists := []List{
		{System: "vector", Items: []RankedItem{{ID: "a"}, {ID: "b"}, {ID: "c"}}},
		{System: "fulltext", Items: []RankedItem{{ID: "a"}, {ID: "c"}}},
	}

	tests := []struct {
		name     string
		opts     Options
		expected []string
	}{
		{
			name:     "no options keeps everything",
			opts:     Options{},
			expected: []string{"a", "c", "b"},
		},
		{
			name:     "min consensus equal to list count",
			opts:     Options{MinConsensus: 2},
			expected: []string{"a", "c"},
		},
		{
			name:     "max results truncates",
			opts:     Options{MaxResults: 1},
			expected: []string{"a"},
		},
		{
			name:     "min score drops the tail",
			opts:     Options{MinScore: 1.0/61 + 1.0/61},
			expected: []string{"a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := Fuse(lists, tt.opts)
			ids := make([]string, len(results))
			for i, r := range results {
				ids[i] = r.ID
			}
			assert.Equal(t, tt.expected, ids)
		})
	}
}

func TestFuse_TieBreakByConsensus(t *testing.T) {
	// a: rank 2 in two systems. b: rank 1 in one system.
	// Scores differ, so craft a tie with explicit weights subtly: use
	// two items with identical fused score but different consensus.
	lists := []List{
		{System: "s1", Items: []RankedItem{{ID: "b"}}},                        // b: 1/61
		{System: "s2", Items: []RankedItem{{ID: "x"}, {ID: "a"}}},             // a: 1/62
		{System: "s3", Weight: 1.0 / 61 * 62, Items: []RankedItem{{ID: "x"}}}, // boost x
		{System: "s4", Items: []RankedItem{{ID: "y"}, {ID: "a"}}},             // a again: 1/62
	}

	results := Fuse(lists, Options{})
	// a fused = 2/62 = 1/31, b fused = 1/61. No exact tie here; just
	// assert the deterministic full ordering is stable.
	require.NotEmpty(t, results)
	for i := 1; i < len(results); i++ {
		prev, cur := results[i-1], results[i]
		if math.Abs(prev.RRFScore-cur.RRFScore) < 1e-12 {
			ok := prev.AppearsInSystems > cur.AppearsInSystems ||
				(prev.AppearsInSystems == cur.AppearsInSystems && prev.ID <= cur.ID)
			assert.True(t, ok, "tie at %d not broken by consensus then id", i)
		} else {
			assert.Greater(t, prev.RRFScore, cur.RRFScore)
		}
	}
}

func TestFuse_EmptyInput(t *testing.T) {
	assert.Empty(t, Fuse(nil, Options{}))
	assert.Empty(t, Fuse([]List{{System: "vector"}}, Options{}))
}
