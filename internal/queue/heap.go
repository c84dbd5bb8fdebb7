package queue

import (
	"container/heap"
	"sort"
)

// queuedTask wraps a task with its heap slot.
type queuedTask struct {
	task  *Task
	index int
}

// taskHeap orders tasks by priority (higher first), then FIFO on creation
// time.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].task.CreatedAt.Before(h[j].task.CreatedAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*queuedTask)
	item.index = n
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// pending is one queue's ordered backlog.
type pending struct {
	heap taskHeap
}

func newPending() *pending {
	p := &pending{}
	heap.Init(&p.heap)
	return p
}

func (p *pending) push(t *Task) {
	heap.Push(&p.heap, &queuedTask{task: t})
}

// pop removes and returns the highest priority task, or nil when empty.
func (p *pending) pop() *Task {
	if len(p.heap) == 0 {
		return nil
	}
	return heap.Pop(&p.heap).(*queuedTask).task
}

func (p *pending) len() int { return len(p.heap) }

// list returns task snapshots in execution order without disturbing the
// heap.
func (p *pending) list() []Task {
	out := make([]Task, 0, len(p.heap))
	for _, qt := range p.heap {
		out = append(out, qt.task.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (p *pending) clear() int {
	n := len(p.heap)
	for i := range p.heap {
		p.heap[i] = nil
	}
	p.heap = p.heap[:0]
	return n
}
