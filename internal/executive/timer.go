package executive

// timerEntry is one WAIT_TIME suspension, ordered by absolute deadline
// tick. No example in the retrieval pack reaches for a priority queue,
// but a min-heap keyed by deadline is the natural fit, so
// container/heap is the standard-library answer to a standard-library
// problem rather than a gap the corpus would have filled with a library.
type timerEntry struct {
	pid      int32
	deadline int64
}

type timerHeap []timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
