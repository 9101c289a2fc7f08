package remove

import (
	"bytes"
	"sort"
)

type taggedPath struct {
	path string
	tag  byte
}

// removeSort globally sorts this depth's items by path (ascending
// byte-lex) with a sample sort over the fabric and deletes the slice
// each rank ends up holding. Neighboring paths share directories, so a
// rank touches few of them.
func (e *Engine) removeSort(depth int) uint64 {
	ranks := e.c.Size()

	local := make([]taggedPath, 0, len(e.byDepth[depth]))
	for _, idx := range e.byDepth[depth] {
		it := &e.items[idx]
		local = append(local, taggedPath{path: it.path, tag: tagFor(it.typ)})
	}
	sort.Slice(local, func(i, j int) bool { return local[i].path < local[j].path })

	if ranks == 1 {
		var count uint64
		for _, tp := range local {
			e.removeTagged(tp.tag, tp.path)
			count++
		}
		return count
	}

	// Regular sampling: every rank contributes up to `ranks` evenly
	// spaced local paths, everyone gathers and sorts them identically,
	// and the ranks-1 splitters cut the key space into per-rank blocks.
	var sample bytes.Buffer
	for k := 0; k < ranks && len(local) > 0; k++ {
		idx := k * len(local) / ranks
		sample.WriteString(local[idx].path)
		sample.WriteByte(0)
	}
	gathered := e.c.Allgather(sample.Bytes())

	var all []string
	for _, chunk := range gathered {
		for len(chunk) > 0 {
			end := bytes.IndexByte(chunk, 0)
			all = append(all, string(chunk[:end]))
			chunk = chunk[end+1:]
		}
	}
	sort.Strings(all)

	splitters := make([]string, 0, ranks-1)
	if len(all) > 0 {
		for i := 1; i < ranks; i++ {
			splitters = append(splitters, all[i*len(all)/ranks])
		}
	}

	payloads := make([]bytes.Buffer, ranks)
	for _, tp := range local {
		dest := sort.SearchStrings(splitters, tp.path)
		packItem(&payloads[dest], tp.tag, tp.path)
	}

	sendSizes := make([]int, ranks)
	send := make([][]byte, ranks)
	for i := range payloads {
		send[i] = payloads[i].Bytes()
		sendSizes[i] = len(send[i])
	}
	e.c.Alltoall(sendSizes)
	recv := e.c.Alltoallv(send)

	mine := make([]taggedPath, 0)
	for _, chunk := range recv {
		for len(chunk) > 0 {
			end := bytes.IndexByte(chunk, 0)
			mine = append(mine, taggedPath{path: string(chunk[1:end]), tag: chunk[0]})
			chunk = chunk[end+1:]
		}
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].path < mine[j].path })

	var count uint64
	for _, tp := range mine {
		e.removeTagged(tp.tag, tp.path)
		count++
	}
	return count
}
