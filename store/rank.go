package store

import (
	"cmp"
	"math"
	"slices"

	"contractrag/types"
)

// cosineDistance is 1 - cos(a, b). A zero vector, or one of a different
// length, is at distance 1 from everything.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func compareScored(a, b types.ScoredChunk) int {
	return cmp.Or(
		cmp.Compare(a.Distance, b.Distance),
		cmp.Compare(a.DocumentID, b.DocumentID),
		cmp.Compare(a.Index, b.Index),
	)
}

// rankTop orders candidates by distance then (document_id, chunk_index),
// keeps the first topK and numbers them from 1.
func rankTop(cands []types.ScoredChunk, topK int) []types.ScoredChunk {
	slices.SortFunc(cands, compareScored)
	if len(cands) > topK {
		cands = cands[:topK]
	}
	for i := range cands {
		cands[i].Rank = i + 1
	}
	return cands
}

func allowList(filter []string) func(string) bool {
	if filter == nil {
		return func(string) bool { return true }
	}
	set := make(map[string]struct{}, len(filter))
	for _, id := range filter {
		set[id] = struct{}{}
	}
	return func(id string) bool {
		_, ok := set[id]
		return ok
	}
}

func checkNearest(dim int, query []float32, topK int) error {
	if topK < 1 {
		return types.InvalidArgument("top_k must be at least 1, got %d", topK)
	}
	if len(query) != dim {
		return types.DimensionMismatch(dim, len(query))
	}
	return nil
}

func checkChunks(dim int, chunks []types.Chunk) error {
	for _, c := range chunks {
		if len(c.Embedding) != dim {
			return types.DimensionMismatch(dim, len(c.Embedding))
		}
	}
	return nil
}
