// Package heap provides a generic binary min-heap whose items track their own
// position, so removal and reprioritization of an arbitrary item are O(log n)
// instead of requiring a linear scan.
package heap

// Indexed is implemented by items stored in a Heap. SetHeapIndex is called by
// the heap whenever the item moves; HeapIndex must return the last value set.
// A fresh item must report -1 until it is pushed.
type Indexed interface {
	HeapIndex() int
	SetHeapIndex(int)
}

type Heap[T Indexed] struct {
	items []T
	less  func(a, b T) bool
}

func New[T Indexed](less func(a, b T) bool) *Heap[T] {
	return &Heap[T]{less: less}
}

func (h *Heap[T]) Len() int { return len(h.items) }

func (h *Heap[T]) Push(item T) {
	h.items = append(h.items, item)
	item.SetHeapIndex(len(h.items) - 1)
	h.siftUp(len(h.items) - 1)
}

// Pop removes and returns the minimum item. The second return value is false
// when the heap is empty.
func (h *Heap[T]) Pop() (T, bool) {
	var zero T
	if len(h.items) == 0 {
		return zero, false
	}
	top := h.items[0]
	h.removeAt(0)
	return top, true
}

func (h *Heap[T]) Peek() (T, bool) {
	var zero T
	if len(h.items) == 0 {
		return zero, false
	}
	return h.items[0], true
}

// Remove deletes the item from the heap if present.
func (h *Heap[T]) Remove(item T) bool {
	i := item.HeapIndex()
	if i < 0 || i >= len(h.items) {
		return false
	}
	h.removeAt(i)
	return true
}

// Fix restores heap order after the item's priority changed in place.
func (h *Heap[T]) Fix(item T) bool {
	i := item.HeapIndex()
	if i < 0 || i >= len(h.items) {
		return false
	}
	if !h.siftDown(i) {
		h.siftUp(i)
	}
	return true
}

func (h *Heap[T]) removeAt(i int) {
	last := len(h.items) - 1
	h.swap(i, last)
	h.items[last].SetHeapIndex(-1)
	h.items = h.items[:last]
	if i < last {
		if !h.siftDown(i) {
			h.siftUp(i)
		}
	}
}

func (h *Heap[T]) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !h.less(h.items[i], h.items[p]) {
			break
		}
		h.swap(i, p)
		i = p
	}
}

func (h *Heap[T]) siftDown(i int) bool {
	moved := false
	n := len(h.items)
	for {
		smallest := i
		if l := 2*i + 1; l < n && h.less(h.items[l], h.items[smallest]) {
			smallest = l
		}
		if r := 2*i + 2; r < n && h.less(h.items[r], h.items[smallest]) {
			smallest = r
		}
		if smallest == i {
			return moved
		}
		h.swap(i, smallest)
		i = smallest
		moved = true
	}
}

func (h *Heap[T]) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].SetHeapIndex(i)
	h.items[j].SetHeapIndex(j)
}
