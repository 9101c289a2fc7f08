package remove

import (
	"bytes"
	"path/filepath"

	"github.com/pfstools/drm/internal/comm"
	"github.com/pfstools/drm/internal/queue"
)

// packItem appends the wire form of one removal item: a 1-byte action
// tag followed by the NUL-terminated path.
func packItem(b *bytes.Buffer, tag byte, path string) {
	b.WriteByte(tag)
	b.WriteString(path)
	b.WriteByte(0)
}

// deleteWire deletes every item in the received payloads and returns
// how many were processed.
func (e *Engine) deleteWire(recv [][]byte) uint64 {
	var count uint64
	for _, chunk := range recv {
		for len(chunk) > 0 {
			end := bytes.IndexByte(chunk, 0)
			tag := chunk[0]
			path := string(chunk[1:end])
			e.removeTagged(tag, path)
			count++
			chunk = chunk[end+1:]
		}
	}
	return count
}

// exchangeAndDelete runs the alltoall/alltoallv pair over the per-rank
// payloads and deletes what arrives.
func (e *Engine) exchangeAndDelete(payloads []bytes.Buffer) uint64 {
	ranks := e.c.Size()
	sendSizes := make([]int, ranks)
	send := make([][]byte, ranks)
	for i := range payloads {
		send[i] = payloads[i].Bytes()
		sendSizes[i] = len(send[i])
	}

	recvSizes := e.c.Alltoall(sendSizes)
	recv := e.c.Alltoallv(send)
	for i, chunk := range recv {
		if len(chunk) != recvSizes[i] {
			e.log.Errorf("alltoallv size mismatch from rank %d: %d != %d",
				i, len(chunk), recvSizes[i])
		}
	}
	return e.deleteWire(recv)
}

// spreadDest returns the rank owning global index g when allCount items
// are split into even contiguous blocks: low = allCount/ranks with the
// first extra ranks taking one more.
func spreadDest(g, low, extra uint64) uint64 {
	if g < extra*(low+1) {
		return g / (low + 1)
	}
	return extra + (g-extra*(low+1))/low
}

// removeSpread balances this depth's items evenly across ranks by
// global position, then deletes what it receives.
func (e *Engine) removeSpread(depth int) uint64 {
	ranks := uint64(e.c.Size())
	idxs := e.byDepth[depth]
	myCount := uint64(len(idxs))

	allCount := e.c.AllreduceUint64(comm.Sum, myCount)
	offset := e.c.ExscanSum(myCount)

	low := allCount / ranks
	extra := allCount - low*ranks

	payloads := make([]bytes.Buffer, ranks)
	for j, idx := range idxs {
		it := &e.items[idx]
		dest := spreadDest(offset+uint64(j), low, extra)
		packItem(&payloads[dest], tagFor(it.typ), it.path)
	}
	return e.exchangeAndDelete(payloads)
}

// removeHashmap routes every item to hash(dirname(path)) mod ranks so
// siblings cluster on the same rank, then deletes what it receives.
func (e *Engine) removeHashmap(depth int) uint64 {
	ranks := uint32(e.c.Size())

	payloads := make([]bytes.Buffer, ranks)
	for _, idx := range e.byDepth[depth] {
		it := &e.items[idx]
		dest := jenkinsHash([]byte(filepath.Dir(it.path))) % ranks
		packItem(&payloads[dest], tagFor(it.typ), it.path)
	}
	return e.exchangeAndDelete(payloads)
}

// removeQueue feeds this depth's items through the distributed work
// queue for dynamic load balancing. Wire form inside the queue is the
// same tag-prefixed string the other strategies exchange.
func (e *Engine) removeQueue(depth int) uint64 {
	q := queue.New(e.c, func(_ *queue.Queue, item string) {
		e.removeTagged(item[0], item[1:])
	})
	processed := q.Begin(func(q *queue.Queue) {
		for _, idx := range e.byDepth[depth] {
			it := &e.items[idx]
			q.Enqueue(string(tagFor(it.typ)) + it.path)
		}
	})
	q.Finalize()
	return processed
}

// jenkinsHash is the Bob Jenkins one-at-a-time hash.
func jenkinsHash(key []byte) uint32 {
	var hash uint32
	for _, b := range key {
		hash += uint32(b)
		hash += hash << 10
		hash ^= hash >> 6
	}
	hash += hash << 3
	hash ^= hash >> 11
	hash += hash << 15
	return hash
}
