// Package queue implements the distributed string queue used by the
// walker and the dynamic removal strategy. Each rank holds a local
// backlog; load balancing happens internally by alternating bounded
// local processing with collective rebalance rounds, so callers only
// enqueue, supply a process function, and drive the Begin/Finalize
// lifecycle.
package queue

import (
	"bytes"

	"github.com/pfstools/drm/internal/comm"
)

// processBatch bounds how many local items a rank consumes between
// rebalance rounds. Smaller values rebalance more eagerly, larger ones
// amortize the collectives better.
const processBatch = 64

// ProcessFunc consumes one dequeued item. It may enqueue further work
// on the same queue.
type ProcessFunc func(q *Queue, item string)

// Queue is one rank's handle on the distributed queue.
type Queue struct {
	c       comm.Comm
	process ProcessFunc
	items   []string
}

// New creates a queue over the given fabric endpoint.
func New(c comm.Comm, process ProcessFunc) *Queue {
	return &Queue{c: c, process: process}
}

// Enqueue appends an item to this rank's local backlog. Items carry no
// cross-rank ordering guarantee.
func (q *Queue) Enqueue(item string) {
	q.items = append(q.items, item)
}

func (q *Queue) dequeue() (string, bool) {
	n := len(q.items)
	if n == 0 {
		return "", false
	}
	item := q.items[n-1]
	q.items = q.items[:n-1]
	return item, true
}

// Begin runs the queue to completion. The create callback, when
// non-nil, seeds the queue on every rank before processing starts;
// callers that want a single seeder guard on rank themselves. Begin
// returns the number of items this rank processed.
//
// Every rank of the fabric must call Begin on its own queue instance:
// the processing loop is collective.
func (q *Queue) Begin(create func(*Queue)) uint64 {
	if create != nil {
		create(q)
	}

	var processed uint64
	for {
		for i := 0; i < processBatch; i++ {
			item, ok := q.dequeue()
			if !ok {
				break
			}
			q.process(q, item)
			processed++
		}

		remaining := q.c.AllreduceUint64(comm.Sum, uint64(len(q.items)))
		if remaining == 0 {
			break
		}
		q.rebalance()
	}
	return processed
}

// Finalize synchronizes the ranks and releases the backlog. The queue
// may be reused with a fresh Begin afterwards.
func (q *Queue) Finalize() {
	q.c.Barrier()
	q.items = nil
}

// rebalance spreads the global backlog evenly across ranks: with the
// queue's items numbered globally in rank order, rank i becomes
// responsible for an even contiguous block, and items move to their
// owner in one alltoallv. Ranks that just emptied their backlog pick up
// work from the ones still loaded.
func (q *Queue) rebalance() {
	ranks := q.c.Size()
	myCount := uint64(len(q.items))
	offset := q.c.ExscanSum(myCount)

	counts := q.c.AllgatherUint64(myCount)
	var allCount uint64
	for _, n := range counts {
		allCount += n
	}

	low := allCount / uint64(ranks)
	extra := allCount - low*uint64(ranks)

	// Pack each local item for the rank that owns its global index.
	bufs := make([]bytes.Buffer, ranks)
	for i, item := range q.items {
		g := offset + uint64(i)
		var dest uint64
		if g < extra*(low+1) {
			dest = g / (low + 1)
		} else {
			dest = extra + (g-extra*(low+1))/low
		}
		bufs[dest].WriteString(item)
		bufs[dest].WriteByte(0)
	}
	payloads := make([][]byte, ranks)
	for i := range bufs {
		payloads[i] = bufs[i].Bytes()
	}

	recv := q.c.Alltoallv(payloads)

	q.items = q.items[:0]
	for _, chunk := range recv {
		for len(chunk) > 0 {
			end := bytes.IndexByte(chunk, 0)
			q.items = append(q.items, string(chunk[:end]))
			chunk = chunk[end+1:]
		}
	}
}
