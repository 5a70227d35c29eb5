package schedqueue

import (
	"time"

	"github.com/relaycore/kumogo/internal/mtamsg"
)

// skipItem is one entry in the skip-list strategy's stand-in structure: a
// binary min-heap ordered by due time. A real skip list offers the same
// ordered-pop contract this core actually needs (cheapest-due-first);
// container/heap gives that without a third-party dependency for a data
// structure none of the pack's examples implement.
type skipItem struct {
	due time.Time
	msg *mtamsg.Message
}

type skipHeap []*skipItem

func (h skipHeap) Len() int            { return len(h) }
func (h skipHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h skipHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *skipHeap) Push(x interface{}) { *h = append(*h, x.(*skipItem)) }
func (h *skipHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// peekDue returns the earliest due time currently on the heap.
func (h skipHeap) peekDue() (time.Time, bool) {
	if len(h) == 0 {
		return time.Time{}, false
	}
	return h[0].due, true
}
