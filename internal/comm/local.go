package comm

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Fabric is the in-process implementation of the collective fabric:
// ranks are goroutines inside one process and every collective is a
// rendezvous of all of them. All collectives are built on a single
// generation-counted exchange in which each rank deposits a contribution
// and receives a snapshot of everyone's.
type Fabric struct {
	size int

	mu        sync.Mutex
	cond      *sync.Cond
	slots     []any
	published []any
	arrived   int
	gen       uint64
}

// NewFabric creates a fabric with the given number of ranks.
func NewFabric(size int) *Fabric {
	if size < 1 {
		panic(fmt.Sprintf("comm: invalid fabric size %d", size))
	}
	f := &Fabric{
		size:  size,
		slots: make([]any, size),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Size returns the number of ranks in the fabric.
func (f *Fabric) Size() int { return f.size }

// Comm returns the endpoint for the given rank.
func (f *Fabric) Comm(rank int) Comm {
	if rank < 0 || rank >= f.size {
		panic(fmt.Sprintf("comm: rank %d out of range [0,%d)", rank, f.size))
	}
	return &endpoint{f: f, rank: rank}
}

// Run starts one goroutine per rank, invokes fn with that rank's
// endpoint, and waits for all of them. The first non-nil error is
// returned.
func (f *Fabric) Run(fn func(Comm) error) error {
	var g errgroup.Group
	for rank := 0; rank < f.size; rank++ {
		c := f.Comm(rank)
		g.Go(func() error {
			return fn(c)
		})
	}
	return g.Wait()
}

// exchange deposits in for rank and returns the slice of all ranks'
// contributions once everyone has arrived. The last rank to arrive
// snapshots the slots and opens the next generation, so a fast rank may
// begin the following exchange while slow ranks are still picking up
// this one.
func (f *Fabric) exchange(rank int, in any) []any {
	f.mu.Lock()
	defer f.mu.Unlock()

	gen := f.gen
	f.slots[rank] = in
	f.arrived++
	if f.arrived == f.size {
		out := make([]any, f.size)
		copy(out, f.slots)
		f.published = out
		f.arrived = 0
		f.gen++
		f.cond.Broadcast()
		return out
	}
	for f.gen == gen {
		f.cond.Wait()
	}
	return f.published
}

type endpoint struct {
	f    *Fabric
	rank int
}

func (e *endpoint) Rank() int { return e.rank }
func (e *endpoint) Size() int { return e.f.size }

func (e *endpoint) Barrier() {
	e.f.exchange(e.rank, nil)
}

func (e *endpoint) Bcast(root int, data []byte) []byte {
	var in any
	if e.rank == root {
		in = data
	}
	all := e.f.exchange(e.rank, in)
	out, _ := all[root].([]byte)
	return out
}

func (e *endpoint) BcastUint64s(root int, vals []uint64) []uint64 {
	var in any
	if e.rank == root {
		in = vals
	}
	all := e.f.exchange(e.rank, in)
	out, _ := all[root].([]uint64)
	return out
}

func (e *endpoint) AllreduceUint64(op ReduceOp, v uint64) uint64 {
	all := e.f.exchange(e.rank, v)
	acc := all[0].(uint64)
	for _, x := range all[1:] {
		u := x.(uint64)
		switch op {
		case Sum:
			acc += u
		case Max:
			if u > acc {
				acc = u
			}
		case Min:
			if u < acc {
				acc = u
			}
		}
	}
	return acc
}

func (e *endpoint) ExscanSum(v uint64) uint64 {
	all := e.f.exchange(e.rank, v)
	var acc uint64
	for _, x := range all[:e.rank] {
		acc += x.(uint64)
	}
	return acc
}

func (e *endpoint) Allgather(data []byte) [][]byte {
	all := e.f.exchange(e.rank, data)
	out := make([][]byte, e.f.size)
	for i, x := range all {
		out[i], _ = x.([]byte)
	}
	return out
}

func (e *endpoint) AllgatherUint64(v uint64) []uint64 {
	all := e.f.exchange(e.rank, v)
	out := make([]uint64, e.f.size)
	for i, x := range all {
		out[i] = x.(uint64)
	}
	return out
}

func (e *endpoint) Alltoall(send []int) []int {
	if len(send) != e.f.size {
		panic(fmt.Sprintf("comm: alltoall send length %d != ranks %d", len(send), e.f.size))
	}
	all := e.f.exchange(e.rank, send)
	out := make([]int, e.f.size)
	for i, x := range all {
		out[i] = x.([]int)[e.rank]
	}
	return out
}

func (e *endpoint) Alltoallv(send [][]byte) [][]byte {
	if len(send) != e.f.size {
		panic(fmt.Sprintf("comm: alltoallv send length %d != ranks %d", len(send), e.f.size))
	}
	all := e.f.exchange(e.rank, send)
	out := make([][]byte, e.f.size)
	for i, x := range all {
		out[i] = x.([][]byte)[e.rank]
	}
	return out
}
