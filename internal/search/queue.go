package search

import (
	"container/heap"
	"time"
)

// request is one pending name. Handles that asked for the same name share it.
type request struct {
	name     string
	id       uint32
	attempt  int
	deadline time.Time
	seq      uint64
	index    int
	handles  []*Handle
}

// queue orders pending requests by deadline, then by insertion so requests
// due together keep their order.
type queue []*request

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if !q[i].deadline.Equal(q[j].deadline) {
		return q[i].deadline.Before(q[j].deadline)
	}
	return q[i].seq < q[j].seq
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	r := x.(*request)
	r.index = len(*q)
	*q = append(*q, r)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*q = old[:n-1]
	return r
}

// popDue removes every request whose deadline is at or before now, in order.
func (q *queue) popDue(now time.Time) []*request {
	var due []*request
	for q.Len() > 0 && !(*q)[0].deadline.After(now) {
		due = append(due, heap.Pop(q).(*request))
	}
	return due
}

func (q *queue) remove(r *request) {
	if r.index >= 0 && r.index < q.Len() && (*q)[r.index] == r {
		heap.Remove(q, r.index)
	}
}
