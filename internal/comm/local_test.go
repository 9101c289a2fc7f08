package comm

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
)

func TestBarrierAndBcast(t *testing.T) {
	f := NewFabric(4)
	err := f.Run(func(c Comm) error {
		for round := 0; round < 100; round++ {
			var data []byte
			if c.Rank() == 1 {
				data = []byte(fmt.Sprintf("round-%d", round))
			}
			got := c.Bcast(1, data)
			want := fmt.Sprintf("round-%d", round)
			if string(got) != want {
				return fmt.Errorf("rank %d round %d: got %q, want %q", c.Rank(), round, got, want)
			}
			c.Barrier()
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAllreduce(t *testing.T) {
	f := NewFabric(5)
	err := f.Run(func(c Comm) error {
		v := uint64(c.Rank() + 1) // 1..5
		if got := c.AllreduceUint64(Sum, v); got != 15 {
			return fmt.Errorf("sum: got %d, want 15", got)
		}
		if got := c.AllreduceUint64(Max, v); got != 5 {
			return fmt.Errorf("max: got %d, want 5", got)
		}
		if got := c.AllreduceUint64(Min, v); got != 1 {
			return fmt.Errorf("min: got %d, want 1", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestExscanSum(t *testing.T) {
	f := NewFabric(4)
	err := f.Run(func(c Comm) error {
		got := c.ExscanSum(uint64(10 * (c.Rank() + 1)))
		// contributions 10,20,30,40 -> prefix sums 0,10,30,60
		want := []uint64{0, 10, 30, 60}[c.Rank()]
		if got != want {
			return fmt.Errorf("rank %d: got %d, want %d", c.Rank(), got, want)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAlltoall(t *testing.T) {
	f := NewFabric(3)
	err := f.Run(func(c Comm) error {
		send := make([]int, 3)
		for d := range send {
			send[d] = c.Rank()*10 + d
		}
		recv := c.Alltoall(send)
		for s, v := range recv {
			if want := s*10 + c.Rank(); v != want {
				return fmt.Errorf("rank %d from %d: got %d, want %d", c.Rank(), s, v, want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAlltoallv(t *testing.T) {
	f := NewFabric(3)
	err := f.Run(func(c Comm) error {
		send := make([][]byte, 3)
		for d := range send {
			send[d] = []byte(fmt.Sprintf("%d->%d", c.Rank(), d))
		}
		recv := c.Alltoallv(send)
		for s, chunk := range recv {
			want := fmt.Sprintf("%d->%d", s, c.Rank())
			if !bytes.Equal(chunk, []byte(want)) {
				return fmt.Errorf("rank %d from %d: got %q, want %q", c.Rank(), s, chunk, want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAllgather(t *testing.T) {
	f := NewFabric(4)
	err := f.Run(func(c Comm) error {
		vals := c.AllgatherUint64(uint64(c.Rank() * c.Rank()))
		for i, v := range vals {
			if want := uint64(i * i); v != want {
				return fmt.Errorf("slot %d: got %d, want %d", i, v, want)
			}
		}
		chunks := c.Allgather([]byte{byte('a' + c.Rank())})
		for i, chunk := range chunks {
			if len(chunk) != 1 || chunk[0] != byte('a'+i) {
				return fmt.Errorf("slot %d: got %q", i, chunk)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestBarrierOrdering checks that no rank leaves a barrier before every
// rank has entered it.
func TestBarrierOrdering(t *testing.T) {
	const ranks = 6
	f := NewFabric(ranks)
	var mu sync.Mutex
	entered := 0

	err := f.Run(func(c Comm) error {
		for round := 0; round < 50; round++ {
			mu.Lock()
			entered++
			mu.Unlock()

			c.Barrier()

			mu.Lock()
			if entered < (round+1)*ranks {
				mu.Unlock()
				return fmt.Errorf("rank %d left barrier %d early (%d entries)", c.Rank(), round, entered)
			}
			mu.Unlock()

			c.Barrier()
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
