package index

import "container/heap"

// priorityQueue is a binary heap over T ordered by lessFn. With a "less"
// function it pops the smallest element first.
type priorityQueue[T any] struct {
	items  []T
	lessFn func(a, b T) bool
}

func newQueue[T any](lessFn func(a, b T) bool, capacity int) *priorityQueue[T] {
	return &priorityQueue[T]{items: make([]T, 0, capacity), lessFn: lessFn}
}

func (pq *priorityQueue[T]) Len() int           { return len(pq.items) }
func (pq *priorityQueue[T]) Less(i, j int) bool { return pq.lessFn(pq.items[i], pq.items[j]) }
func (pq *priorityQueue[T]) Swap(i, j int)      { pq.items[i], pq.items[j] = pq.items[j], pq.items[i] }

func (pq *priorityQueue[T]) Push(x any) {
	pq.items = append(pq.items, x.(T))
}

func (pq *priorityQueue[T]) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	pq.items = old[:n-1]
	return item
}

func (pq *priorityQueue[T]) push(v T) { heap.Push(pq, v) }
func (pq *priorityQueue[T]) pop() T   { return heap.Pop(pq).(T) }
func (pq *priorityQueue[T]) top() T   { return pq.items[0] }

// topK keeps the k best neighbors seen so far.
type topK struct {
	k     int
	worst *priorityQueue[Neighbor] // max-heap by (distance, id)
}

func newTopK(k int) *topK {
	return &topK{k: k, worst: newQueue(func(a, b Neighbor) bool { return less(b, a) }, k+1)}
}

func (t *topK) offer(n Neighbor) {
	if t.worst.Len() < t.k {
		t.worst.push(n)
		return
	}
	if less(n, t.worst.top()) {
		t.worst.pop()
		t.worst.push(n)
	}
}

// sorted returns the kept neighbors in ascending order.
func (t *topK) sorted() []Neighbor {
	out := make([]Neighbor, t.worst.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = t.worst.pop()
	}
	return out
}
