// ABOUTME: Min-heap availability queue ordered by load with enrollment tie-break.
// ABOUTME: Entries are versioned; stale ones are lazily evicted at pop time.

package roster

import "container/heap"

// entry is one heap element. The (load, seq) pair it carries is a
// snapshot from push time; validity is checked against the agent's
// current version at pop time instead of reordering the heap on every
// load change.
type entry struct {
	agentID string
	load    int
	seq     uint64
	version uint64
}

// availQueue implements heap.Interface. Least-loaded first; ties broken
// by earliest enrollment so ordering is stable and starvation-free.
type availQueue []*entry

func (q availQueue) Len() int { return len(q) }

func (q availQueue) Less(i, j int) bool {
	if q[i].load != q[j].load {
		return q[i].load < q[j].load
	}
	return q[i].seq < q[j].seq
}

func (q availQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *availQueue) Push(x any) { *q = append(*q, x.(*entry)) }

func (q *availQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

func (q *availQueue) push(e *entry) { heap.Push(q, e) }

func (q *availQueue) pop() *entry {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*entry)
}
