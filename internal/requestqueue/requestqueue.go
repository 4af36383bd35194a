// Package requestqueue holds the worker ranks parked on a server waiting
// for work: each entry is a rank and the work type it requested. Workers
// wait here until a matching Put arrives or stolen work is enqueued.
//
// The queue is owned by a single server goroutine.
package requestqueue

import "golang.org/x/exp/slices"

// Queue indexes parked requests by type (FIFO per type) with a rank side
// table for targeted lookup and removal.
type Queue struct {
	ntypes int
	fifos  [][]int       // per-type FIFO of parked ranks
	byRank map[int]int32 // rank → requested type
}

// New creates a queue for ntypes work types.
func New(ntypes int) *Queue {
	return &Queue{
		ntypes: ntypes,
		fifos:  make([][]int, ntypes),
		byRank: make(map[int]int32),
	}
}

// Add parks a rank requesting the given type. A rank parks at most once;
// re-adding an already parked rank is ignored.
func (q *Queue) Add(rank int, typ int32) {
	if _, parked := q.byRank[rank]; parked {
		return
	}
	q.byRank[rank] = typ
	q.fifos[typ] = append(q.fifos[typ], rank)
}

// MatchTarget removes and returns true if the specific rank is parked
// with the given type. Used for targeted puts.
func (q *Queue) MatchTarget(rank int, typ int32) bool {
	parkedType, parked := q.byRank[rank]
	if !parked || parkedType != typ {
		return false
	}
	q.remove(rank, typ)
	return true
}

// MatchType removes and returns the longest-waiting rank parked with the
// given type.
func (q *Queue) MatchType(typ int32) (int, bool) {
	if int(typ) >= len(q.fifos) || len(q.fifos[typ]) == 0 {
		return 0, false
	}
	rank := q.fifos[typ][0]
	q.remove(rank, typ)
	return rank, true
}

// ParallelWorkers removes and returns parallelism ranks parked with the
// given type, oldest first, or reports false without removing anything.
func (q *Queue) ParallelWorkers(typ int32, parallelism int) ([]int, bool) {
	if int(typ) >= len(q.fifos) || len(q.fifos[typ]) < parallelism {
		return nil, false
	}
	ranks := slices.Clone(q.fifos[typ][:parallelism])
	for _, rank := range ranks {
		q.remove(rank, typ)
	}
	return ranks, true
}

// Remove unparks a rank regardless of type, reporting whether it was
// parked. Used when a worker shuts down.
func (q *Queue) Remove(rank int) bool {
	typ, parked := q.byRank[rank]
	if !parked {
		return false
	}
	q.remove(rank, typ)
	return true
}

func (q *Queue) remove(rank int, typ int32) {
	delete(q.byRank, rank)
	fifo := q.fifos[typ]
	if i := slices.Index(fifo, rank); i >= 0 {
		q.fifos[typ] = slices.Delete(fifo, i, i+1)
	}
}

// Contains reports whether the rank is parked.
func (q *Queue) Contains(rank int) bool {
	_, parked := q.byRank[rank]
	return parked
}

// Size returns the number of parked ranks.
func (q *Queue) Size() int { return len(q.byRank) }

// CountType returns the number of ranks parked with the given type.
func (q *Queue) CountType(typ int32) int {
	if int(typ) >= len(q.fifos) {
		return 0
	}
	return len(q.fifos[typ])
}

// TypeCounts returns the per-type parked counts.
func (q *Queue) TypeCounts() []int32 {
	counts := make([]int32, q.ntypes)
	for t := range q.fifos {
		counts[t] = int32(len(q.fifos[t]))
	}
	return counts
}

// Request is a parked entry: a rank and the work type it asked for.
type Request struct {
	Rank int
	Type int32
}

// Parked returns a snapshot of every parked request, oldest first within
// each type. Used to re-run matching after stolen work arrives.
func (q *Queue) Parked() []Request {
	var reqs []Request
	for t := range q.fifos {
		for _, rank := range q.fifos[t] {
			reqs = append(reqs, Request{Rank: rank, Type: int32(t)})
		}
	}
	return reqs
}

// Drain removes and returns every parked rank. Used at shutdown to send
// each waiting worker its shutdown response.
func (q *Queue) Drain() []int {
	var ranks []int
	for t := range q.fifos {
		ranks = append(ranks, q.fifos[t]...)
		q.fifos[t] = nil
	}
	q.byRank = make(map[int]int32)
	return ranks
}
