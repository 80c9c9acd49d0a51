package sched

import "container/heap"

// entry is one queued system. seq breaks weight ties in arrival order so
// equal-weight systems are not starved.
type entry struct {
	sys System
	seq uint64
}

// entryHeap is a max-heap by weight: the heaviest systems are served
// first so the longest jobs start early.
type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].sys.Weight != h[j].sys.Weight {
		return h[i].sys.Weight > h[j].sys.Weight
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return it
}

var _ heap.Interface = (*entryHeap)(nil)
