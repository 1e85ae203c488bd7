// Package pq implements a lock-free, concurrent priority queue backed by a
// skip list ordered on a uint64 key (min first). Deletion is logical: a
// DeleteMin only marks the next[0] slot of the lowest-key live node; physical
// unlinking is deferred and performed in batches so that a burst of
// DeleteMin calls pays for splicing once instead of on every call. Node
// lifetime is governed by package smr: no node is physically reused until
// every registered thread has passed the epoch boundary that makes it safe.
package pq

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/Ratbuyer/pq/internal/cline"
	"github.com/Ratbuyer/pq/smr"
)

// MaxLevel bounds how many levels a node can participate in. With p=1/2 level
// selection, 32 levels comfortably covers any queue that fits in memory.
const MaxLevel = 32

const (
	headKey = uint64(0)
	tailKey = ^uint64(0)
)

// KeyError reports an attempt to Insert a reserved sentinel key.
type KeyError struct {
	Key uint64
	Op  string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("pq: %s: key %d is reserved for the head/tail sentinels", e.Op, e.Key)
}

// Stats is a read-only snapshot of queue activity, for observability only.
type Stats struct {
	Inserts         uint64
	DeleteMins      uint64
	EmptyDeleteMins uint64
	Restructures    uint64
	Unlinked        uint64
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithLogger attaches a structured logger. pq logs restructure batches at
// Debug; it logs nothing above that (empty DeleteMin and CAS retries are
// expected traffic, not events, per spec.md §7).
func WithLogger(l *zap.SugaredLogger) Option {
	return func(q *Queue) { q.log = l }
}

// Queue is a lock-free, concurrent min-priority-queue. The zero value is not
// usable; construct with New.
type Queue struct {
	head, tail *Node

	dom          *smr.Domain
	allocByLevel [MaxLevel + 1]smr.AllocatorID

	// maxOffset bounds how many already-marked nodes a DeleteMin will step
	// over before triggering a batch restructure (spec.md §4.2).
	maxOffset int

	rngMu sync.Mutex
	rng   *rand.Rand

	inserts, deleteMins, emptyDeleteMins, restructures, unlinked atomic.Uint64

	log *zap.SugaredLogger
}

// New constructs an empty queue. maxOffset bounds how many logically-deleted
// nodes DeleteMin tolerates stepping over before it pays to splice them out;
// 0 restructures whenever a DeleteMin steps over at least one marked node,
// larger values amortize
// the splice cost across more calls at the expense of a longer level-0 walk.
// dom is the SMR domain that will own this queue's node allocators; every
// goroutine that calls Insert/DeleteMin must first smr.Domain.Register()
// against the same dom.
func New(maxOffset int, dom *smr.Domain, opts ...Option) *Queue {
	q := &Queue{
		dom:       dom,
		maxOffset: maxOffset,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(q)
	}

	for lvl := 1; lvl <= MaxLevel; lvl++ {
		lvl := lvl
		q.allocByLevel[lvl] = dom.AddAllocator(
			func() unsafe.Pointer {
				return unsafe.Pointer(&Node{next: newNextArray(lvl), level: lvl})
			},
			func(ptr unsafe.Pointer) {
				n := (*Node)(ptr)
				n.value = nil
				n.inserting.Store(false)
				for i := range n.next {
					n.next[i].Store(nil, false)
				}
			},
		)
	}

	q.head = &Node{key: headKey, level: MaxLevel, next: newNextArray(MaxLevel)}
	q.tail = &Node{key: tailKey, level: MaxLevel, next: newNextArray(MaxLevel)}
	for l := 0; l < MaxLevel; l++ {
		q.head.next[l].Store(q.tail, false)
	}
	return q
}

// Stats returns a point-in-time snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Inserts:         q.inserts.Load(),
		DeleteMins:      q.deleteMins.Load(),
		EmptyDeleteMins: q.emptyDeleteMins.Load(),
		Restructures:    q.restructures.Load(),
		Unlinked:        q.unlinked.Load(),
	}
}

// Close releases the queue's sentinel references. It requires no concurrent
// Insert/DeleteMin calls in flight; node reclamation remains governed by the
// shared smr.Domain regardless.
func (q *Queue) Close() {
	q.head = nil
	q.tail = nil
}

func (q *Queue) randomLevel() int {
	q.rngMu.Lock()
	defer q.rngMu.Unlock()
	level := 1
	for level < MaxLevel && q.rng.Float64() < 0.5 {
		level++
	}
	return level
}

func (q *Queue) allocNode(th *smr.Thread, level int) *Node {
	return (*Node)(th.Alloc(q.allocByLevel[level]))
}

func (q *Queue) freeNode(th *smr.Thread, n *Node) {
	th.Free(q.allocByLevel[n.level], unsafe.Pointer(n))
}

// Insert adds a (key, value) pair. Duplicate keys are permitted and do not
// collapse; ties between equal keys are broken arbitrarily. key must not be
// the reserved head or tail sentinel value, or Insert panics with *KeyError.
//
// Insert commits atomically at level 0 (the point after which the key is
// visible to DeleteMin), then best-effort links the remaining levels. If the
// node is logically deleted before its higher levels are wired — an
// unlucky race with a DeleteMin/restructure pair — it stops wiring further
// levels rather than link a dead node back in.
func (q *Queue) Insert(th *smr.Thread, key uint64, value unsafe.Pointer) {
	if key == headKey || key == tailKey {
		panic(&KeyError{Key: key, Op: "Insert"})
	}

	th.CriticalEnter()
	defer th.CriticalExit()

	level := q.randomLevel()
	node := q.allocNode(th, level)
	node.key = key
	node.value = value
	node.level = level
	node.inserting.Store(true)

	var preds, succs [MaxLevel]*Node
	q.locatePreds(key, preds[:], succs[:])
	for l := 0; l < level; l++ {
		node.storeNextAt(l, succs[l], false)
	}

	for !preds[0].casNextAt(0, succs[0], false, node, false) {
		q.locatePreds(key, preds[:], succs[:])
		for l := 0; l < level; l++ {
			node.storeNextAt(l, succs[l], false)
		}
	}
	q.inserts.Add(1)

	for l := 1; l < level; l++ {
		for {
			if node.isDeleted() {
				node.inserting.Store(false)
				return
			}
			if preds[l].casNextAt(l, succs[l], false, node, false) {
				break
			}
			q.locatePreds(key, preds[:], succs[:])
			node.storeNextAt(l, succs[l], false)
		}
	}
	node.inserting.Store(false)
}

// DeleteMin removes and returns the value of the live node with the smallest
// key. It reports false if the queue held no live node. DeleteMin walks
// level 0 from head, skipping nodes already marked deleted by a concurrent
// DeleteMin, and CAS-marks the first unmarked node it reaches. When the
// number of already-marked nodes it had to step over exceeds maxOffset, it
// triggers a batch restructure that splices all of them out of every level
// in one pass.
func (q *Queue) DeleteMin(th *smr.Thread) (value unsafe.Pointer, ok bool) {
	th.CriticalEnter()
	defer th.CriticalExit()

	skipped := 0
	curr, _ := q.head.loadNextAt(0)
	for curr != q.tail {
		next, marked := curr.loadNextAt(0)
		if marked {
			skipped++
			curr = next
			continue
		}
		if curr.casNextAt(0, next, false, next, true) {
			q.deleteMins.Add(1)
			v := curr.value
			if skipped > q.maxOffset {
				q.restructure(th, curr)
			}
			return v, true
		}
		// Lost the race to mark this exact node; re-read it. A concurrent
		// Insert may have changed its next[0] pointer too, not just the mark
		// bit, but either way the reloaded node is re-evaluated from scratch
		// next iteration, so the loop still converges.
	}
	q.emptyDeleteMins.Add(1)
	return nil, false
}

// locatePreds fills preds[l]/succs[l] for every level with, respectively,
// the last unmarked node with key < the target and the node immediately
// after it at that level (mark stripped). While descending it helps along
// any marked node it encounters by CAS-splicing it out of the level it is
// currently scanning; on a losing CAS it restarts the whole walk from head,
// per the standard lock-free skip-list search-with-helping protocol.
func (q *Queue) locatePreds(key uint64, preds, succs []*Node) {
restart:
	pred := q.head
	for l := MaxLevel - 1; l >= 0; l-- {
		curr, _ := pred.loadNextAt(l)
		for curr != q.tail && curr.isDeleted() {
			next, _ := curr.loadNextAt(l)
			if !pred.casNextAt(l, curr, false, next, false) {
				goto restart
			}
			curr = next
		}
		for curr != q.tail && curr.key < key {
			pred = curr
			next, _ := pred.loadNextAt(l)
			for next != q.tail && next.isDeleted() {
				after, _ := next.loadNextAt(l)
				if !pred.casNextAt(l, next, false, after, false) {
					goto restart
				}
				next = after
			}
			curr = next
		}
		preds[l] = pred
		succs[l] = curr
	}
}

// restructure splices out, at every level, the run of logically-deleted
// nodes with key < x.key, freeing each one via SMR once it has been
// unlinked from every level it participated in. x is the first live node
// found after the one DeleteMin just marked: everything strictly between
// head and x at a given level is dead and safe to remove, except a node
// still mid-Insert (node.inserting), at which restructure stops the whole
// run — at every level, including 0 — and leaves the remainder for a
// future call.
func (q *Queue) restructure(th *smr.Thread, justMarked *Node) {
	x, _ := justMarked.loadNextAt(0)
	for x != q.tail {
		_, marked := x.loadNextAt(0)
		if !marked {
			break
		}
		x, _ = x.loadNextAt(0)
	}

	q.restructures.Add(1)
	before := q.unlinked.Load()
	for l := MaxLevel - 1; l >= 0; l-- {
		for {
			curr, _ := q.head.loadNextAt(l)
			if curr == x {
				break
			}
			if !curr.isDeleted() {
				// Live node reached before x: either a concurrent insert
				// landed here, or curr is on a level x does not reach.
				// Either way it must not be unlinked.
				break
			}
			if curr.inserting.Load() {
				// Still mid-Insert: Insert may still wire it into higher
				// levels, so unlinking it here (even at level 0, where
				// freeNode would hand it back to SMR) would leave those
				// higher levels pointing at a freed node. Leave the whole
				// run for a later restructure once it settles.
				break
			}
			next, _ := curr.loadNextAt(l)
			if !q.head.casNextAt(l, curr, false, next, false) {
				continue
			}
			if l == 0 {
				q.unlinked.Add(1)
				q.freeNode(th, curr)
			}
		}
	}

	if q.log != nil {
		q.log.Debugw("pq: batch restructure", "unlinked", q.unlinked.Load()-before)
	}
}
