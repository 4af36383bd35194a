// Package workqueue holds the tasks a server has accepted but not yet
// delivered. Tasks are indexed by work type; within a type, targeted tasks
// live in per-(target, type) buckets, untargeted single-process tasks in a
// per-type priority heap, and parallel tasks in a side table.
//
// Dequeue order within a bucket or heap is priority descending, then
// oldest first. The queue is owned by a single server goroutine.
package workqueue

import (
	"container/heap"

	"golang.org/x/exp/slices"
)

// WorkUnit is one queued task: a descriptor plus its opaque payload.
type WorkUnit struct {
	// ID is unique per server.
	ID int64
	// seq is the enqueue sequence number; older units win priority ties.
	seq int64

	Type        int32
	Putter      int32
	Priority    int32
	Answer      int32
	Target      int32 // comm.RankAny or a worker rank
	Parallelism int32
	Payload     []byte
}

const rankAny = -100 // mirrors comm.RankAny; workers target comm's value

type wuHeap []*WorkUnit

func (h wuHeap) Len() int { return len(h) }
func (h wuHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h wuHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *wuHeap) Push(x any)   { *h = append(*h, x.(*WorkUnit)) }
func (h *wuHeap) Pop() any {
	old := *h
	n := len(old)
	wu := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return wu
}

type targetKey struct {
	target int32
	typ    int32
}

// Queue is the per-server pool of pending tasks.
type Queue struct {
	ntypes int

	// untargeted holds one priority heap per type.
	untargeted []wuHeap

	// targeted buckets tasks that may only run on one worker.
	targeted map[targetKey]*wuHeap

	// parallel holds multi-process tasks per type, released only when
	// enough workers are parked.
	parallel map[int32][]*WorkUnit

	nextID  int64
	nextSeq int64

	targetedCount int
}

// New creates a queue for ntypes work types.
func New(ntypes int) *Queue {
	return &Queue{
		ntypes:     ntypes,
		untargeted: make([]wuHeap, ntypes),
		targeted:   make(map[targetKey]*wuHeap),
		parallel:   make(map[int32][]*WorkUnit),
	}
}

// UniqueID allocates a server-local work unit id.
func (q *Queue) UniqueID() int64 {
	q.nextID++
	return q.nextID
}

// Add enqueues a task. The unit's ID should come from UniqueID; Add
// assigns its age.
func (q *Queue) Add(wu *WorkUnit) {
	wu.seq = q.nextSeq
	q.nextSeq++
	switch {
	case wu.Parallelism > 1:
		q.parallel[wu.Type] = append(q.parallel[wu.Type], wu)
	case wu.Target != rankAny:
		key := targetKey{target: wu.Target, typ: wu.Type}
		h, ok := q.targeted[key]
		if !ok {
			h = &wuHeap{}
			q.targeted[key] = h
		}
		heap.Push(h, wu)
		q.targetedCount++
	default:
		heap.Push(&q.untargeted[wu.Type], wu)
	}
}

// Get pops the best matching single-process task for a worker: targeted
// to that rank first, then the highest-priority untargeted task. Returns
// nil when nothing matches.
func (q *Queue) Get(target int, typ int32) *WorkUnit {
	key := targetKey{target: int32(target), typ: typ}
	if h, ok := q.targeted[key]; ok && h.Len() > 0 {
		wu := heap.Pop(h).(*WorkUnit)
		if h.Len() == 0 {
			delete(q.targeted, key)
		}
		q.targetedCount--
		return wu
	}
	if int(typ) < len(q.untargeted) && q.untargeted[typ].Len() > 0 {
		return heap.Pop(&q.untargeted[typ]).(*WorkUnit)
	}
	return nil
}

// PopParallel scans the parallel side table for a task whose demand the
// caller can satisfy; ready reports whether parallelism workers of the
// type are available. The matched unit is removed and returned.
func (q *Queue) PopParallel(ready func(typ, parallelism int32) bool) *WorkUnit {
	for typ, units := range q.parallel {
		for i, wu := range units {
			if ready(wu.Type, wu.Parallelism) {
				q.parallel[typ] = slices.Delete(units, i, i+1)
				if len(q.parallel[typ]) == 0 {
					delete(q.parallel, typ)
				}
				return wu
			}
		}
	}
	return nil
}

// TypeCounts returns the number of stealable (untargeted) tasks per type,
// including parallel tasks.
func (q *Queue) TypeCounts() []int32 {
	counts := make([]int32, q.ntypes)
	for t := 0; t < q.ntypes; t++ {
		counts[t] = int32(q.untargeted[t].Len() + len(q.parallel[int32(t)]))
	}
	return counts
}

// Size returns the total number of queued tasks.
func (q *Queue) Size() int {
	n := q.targetedCount
	for t := range q.untargeted {
		n += q.untargeted[t].Len()
	}
	for _, units := range q.parallel {
		n += len(units)
	}
	return n
}

// Steal removes half, rounded up, of the stealable tasks of each type, bounded
// by maxBytes of cumulative payload. Targeted tasks are never stolen.
// Types the stealer is starved of (zero pending per stealerCounts) are
// taken first.
func (q *Queue) Steal(stealerCounts []int32, maxBytes int) []*WorkUnit {
	order := make([]int32, 0, q.ntypes)
	for t := int32(0); t < int32(q.ntypes); t++ {
		order = append(order, t)
	}
	slices.SortStableFunc(order, func(a, b int32) int {
		ca, cb := stealerCount(stealerCounts, a), stealerCount(stealerCounts, b)
		switch {
		case ca < cb:
			return -1
		case ca > cb:
			return 1
		}
		return 0
	})

	var stolen []*WorkUnit
	budget := maxBytes
	for _, t := range order {
		have := q.untargeted[t].Len() + len(q.parallel[t])
		take := (have + 1) / 2
		for i := 0; i < take && budget >= 0; i++ {
			var wu *WorkUnit
			if q.untargeted[t].Len() > 0 {
				wu = heap.Pop(&q.untargeted[t]).(*WorkUnit)
			} else if units := q.parallel[t]; len(units) > 0 {
				wu = units[0]
				q.parallel[t] = slices.Delete(units, 0, 1)
				if len(q.parallel[t]) == 0 {
					delete(q.parallel, t)
				}
			} else {
				break
			}
			budget -= len(wu.Payload)
			if budget < 0 && len(stolen) > 0 {
				// Over budget: put it back and stop.
				q.Add(wu)
				return stolen
			}
			stolen = append(stolen, wu)
		}
	}
	return stolen
}

func stealerCount(counts []int32, t int32) int32 {
	if int(t) < len(counts) {
		return counts[t]
	}
	return 0
}
