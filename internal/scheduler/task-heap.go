package scheduler

import (
	"container/heap"
	"strings"
	"time"

	"github.com/kode4food/switchyard/pkg/util"
)

type (
	// Task is a scheduled function with its due time. A task with a path
	// is keyed, so it can be replaced or cancelled
	Task struct {
		Func  TaskFunc
		At    time.Time
		Path  []string
		id    string
		index int
	}

	// TaskHeap orders tasks by due time and indexes keyed tasks by path
	TaskHeap struct {
		items  []*Task
		byID   map[string]*Task
		byPath *util.PathTree[*Task]
	}
)

// NewTaskHeap creates an empty task heap
func NewTaskHeap() *TaskHeap {
	return &TaskHeap{
		byID:   map[string]*Task{},
		byPath: util.NewPathTree[*Task](),
	}
}

// Insert adds t, or moves the pending task with the same path to t's time
// and function
func (h *TaskHeap) Insert(t *Task) {
	if t == nil || t.Func == nil || t.At.IsZero() {
		return
	}
	if len(t.Path) > 0 {
		t.id = pathID(t.Path)
		if cur, ok := h.byID[t.id]; ok {
			cur.Func = t.Func
			cur.At = t.At
			heap.Fix(h, cur.index)
			return
		}
	}
	heap.Push(h, t)
}

// PopTask removes and returns the earliest task
func (h *TaskHeap) PopTask() *Task {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*Task)
}

// PopDue removes the earliest task along with every task due no later than
// now or than that earliest task, in due order
func (h *TaskHeap) PopDue(now time.Time) []*Task {
	first := h.PopTask()
	if first == nil {
		return nil
	}
	limit := now
	if first.At.After(limit) {
		limit = first.At
	}
	res := []*Task{first}
	for {
		next := h.Peek()
		if next == nil || next.At.After(limit) {
			return res
		}
		res = append(res, h.PopTask())
	}
}

// Peek returns the earliest task without removing it
func (h *TaskHeap) Peek() *Task {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

// Cancel removes the keyed task at path
func (h *TaskHeap) Cancel(path []string) {
	if len(path) == 0 {
		return
	}
	if t, ok := h.byID[pathID(path)]; ok {
		heap.Remove(h, t.index)
	}
}

// CancelPrefix removes every keyed task under prefix
func (h *TaskHeap) CancelPrefix(prefix []string) {
	if len(prefix) == 0 {
		return
	}
	h.byPath.DetachWith(prefix, func(t *Task) {
		delete(h.byID, t.id)
		heap.Remove(h, t.index)
	})
}

// Len implements heap.Interface
func (h *TaskHeap) Len() int {
	return len(h.items)
}

// Less implements heap.Interface
func (h *TaskHeap) Less(i, j int) bool {
	return h.items[i].At.Before(h.items[j].At)
}

// Swap implements heap.Interface
func (h *TaskHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

// Push implements heap.Interface
func (h *TaskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(h.items)
	h.items = append(h.items, t)
	if len(t.Path) == 0 {
		return
	}
	if t.id == "" {
		t.id = pathID(t.Path)
	}
	h.byID[t.id] = t
	h.byPath.Insert(t.Path, t)
}

// Pop implements heap.Interface
func (h *TaskHeap) Pop() any {
	n := len(h.items)
	if n == 0 {
		return nil
	}
	t := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	t.index = -1
	if len(t.Path) > 0 {
		delete(h.byID, t.id)
		h.byPath.Remove(t.Path)
	}
	return t
}

func pathID(path []string) string {
	return strings.Join(path, "\x00")
}
