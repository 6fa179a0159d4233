package retrieval

import (
	"container/heap"
	"math"
	"time"
)

// Cosine returns the cosine similarity of a and b. It is 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, aSq, bSq float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		aSq += x * x
		bSq += y * y
	}
	if aSq == 0 || bSq == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(aSq) * math.Sqrt(bSq)))
}

type scored struct {
	result    Result
	createdAt time.Time
}

// worse orders candidates by score, then by age: an older note ranks below a
// newer one with the same score.
func worse(a, b scored) bool {
	if a.result.Score != b.result.Score {
		return a.result.Score < b.result.Score
	}
	return a.createdAt.Before(b.createdAt)
}

// scoredHeap is a min-heap keeping the worst of the current top-K at the root.
type scoredHeap []scored

func (h scoredHeap) Len() int            { return len(h) }
func (h scoredHeap) Less(i, j int) bool  { return worse(h[i], h[j]) }
func (h scoredHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x interface{}) { *h = append(*h, x.(scored)) }
func (h *scoredHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// topK returns the k best candidates, best first. k <= 0 keeps all of them.
func topK(cands []scored, k int) []Result {
	if k <= 0 || k > len(cands) {
		k = len(cands)
	}
	h := make(scoredHeap, 0, k)
	for _, c := range cands {
		if h.Len() < k {
			heap.Push(&h, c)
		} else if k > 0 && worse(h[0], c) {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}
	out := make([]Result, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(scored).result
	}
	return out
}
