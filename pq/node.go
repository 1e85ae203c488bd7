package pq

import (
	"sync/atomic"
	"unsafe"

	"github.com/Ratbuyer/pq/internal/cline"
)

// Node is one skip-list element. Its next[] slots pack the successor
// pointer and a logical-deletion mark into a single CAS-able reference
// (internal/cline.AtomicMarked) so that marking a node and reading its
// current successor never observe a torn update (spec.md §9). Only
// next[0]'s mark bit is ever the authority on whether a node is logically
// deleted (invariant 3); next[l>0] carry the same packed type for
// uniformity but their mark component is never set.
type Node struct {
	key   uint64
	value unsafe.Pointer
	level int

	next []*cline.AtomicMarked[Node]

	// inserting is true from the moment a node commits at level 0 until its
	// higher-level links are fully wired (or abandoned because the node was
	// deleted mid-insert). DeleteMin's batch restructure must not physically
	// unlink a node above level 0 while this is true (spec.md §4.2, §9).
	inserting atomic.Bool

	_ cline.Pad
}

func newNextArray(n int) []*cline.AtomicMarked[Node] {
	arr := make([]*cline.AtomicMarked[Node], n)
	for i := range arr {
		arr[i] = cline.NewAtomicMarked[Node](nil)
	}
	return arr
}

func (n *Node) loadNextAt(l int) (succ *Node, marked bool) {
	return n.next[l].Load()
}

func (n *Node) storeNextAt(l int, succ *Node, marked bool) {
	n.next[l].Store(succ, marked)
}

func (n *Node) casNextAt(l int, oldSucc *Node, oldMarked bool, newSucc *Node, newMarked bool) bool {
	return n.next[l].CompareAndSwap(oldSucc, oldMarked, newSucc, newMarked)
}

// isDeleted reports whether this node is logically deleted, per invariant 3:
// the mark bit of its own next[0] field.
func (n *Node) isDeleted() bool {
	_, marked := n.next[0].Load()
	return marked
}
