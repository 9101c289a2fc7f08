package inventory

import (
	"fmt"
	"time"

	"github.com/pfstools/drm/internal/identity"
)

// printEdge is how many records each rank prints from the head and the
// tail of its share.
const printEdge = 10

const stampLayout = "2006-01-02T15:04:05"

// Print writes this rank's first and last records to stdout, with a
// <snip> marker between. Stat buffers resolve uid/gid through the id
// tables; an id with no account entry shows its decimal rendering in
// the name slot.
func Print(rank int, p *Packed, users, groups *identity.Table) {
	n := int(p.Count)
	for i := 0; i < n; i++ {
		if i >= printEdge && n-i > printEdge {
			if i == printEdge {
				fmt.Println("<snip>")
			}
			continue
		}
		if p.Stat {
			st := p.StatAt(i)
			fmt.Printf("Rank %d: Mode=%x UID=%d(%s) GID=%d(%s) Access=%s Modify=%s Create=%s Size=%d File=%s\n",
				rank, st.Mode,
				st.UID, users.NameFromID(st.UID),
				st.GID, groups.NameFromID(st.GID),
				stamp(st.Atime), stamp(st.Mtime), stamp(st.Ctime),
				st.Size, p.PathAt(i))
		} else {
			fmt.Printf("Rank %d: Type=%d File=%s\n", rank, p.TypeAt(i), p.PathAt(i))
		}
	}
}

func stamp(epoch int64) string {
	return time.Unix(epoch, 0).Format(stampLayout)
}
