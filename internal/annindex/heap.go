package annindex

// minCandHeap is a min-heap of candidates ordered by ascending distance,
// used as the "to explore" frontier in searchLayer.
type minCandHeap []candidate

func (h minCandHeap) Len() int            { return len(h) }
func (h minCandHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minCandHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minCandHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *minCandHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// maxCandHeap is a max-heap of candidates ordered by descending distance,
// used to keep the ef best results found so far in searchLayer: the root is
// always the worst of the retained set, so it's cheap to evict when a
// better candidate is found.
type maxCandHeap []candidate

func (h maxCandHeap) Len() int            { return len(h) }
func (h maxCandHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxCandHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxCandHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *maxCandHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
