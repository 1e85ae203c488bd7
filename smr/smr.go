// Package smr implements epoch-based safe memory reclamation for lock-free
// readers of pq's skip list. It gives every goroutine a per-thread
// descriptor, batches nodes a goroutine unlinks into an epoch-indexed
// deferred-free ring, and only recycles them once every other registered
// thread has been observed to pass through two epoch boundaries.
//
// Call sequence for any goroutine that will touch a pq.Queue: Register once,
// Deregister once at teardown, and bracket every operation that dereferences
// a node with CriticalEnter/CriticalExit (pq.Queue does this internally, so
// callers only need to Register/Deregister).
package smr

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/Ratbuyer/pq/internal/cline"
)

// NumEpochs is the size of the deferred-free ring: current, previous, and
// two-back. A chunk freed in epoch e is only recycled once the global epoch
// has advanced to e+2.
const NumEpochs = 3

// AllocatorID identifies a typed allocator registered with a Domain.
type AllocatorID int32

// MisuseError reports a programmer error: operating on a thread that was
// never registered, double-deregistering, or unbalanced critical sections.
// Per spec.md §7 these are fatal; they are surfaced as panics carrying this
// error so a test harness can recover() and assert on them if it wants to.
type MisuseError struct {
	Op  string
	Msg string
}

func (e *MisuseError) Error() string {
	return fmt.Sprintf("smr: %s: %s", e.Op, e.Msg)
}

type allocator struct {
	newFn func() unsafe.Pointer
	hook  func(unsafe.Pointer)
}

// Stats is a read-only snapshot for observability; it is not on any hot path.
type Stats struct {
	GlobalEpoch   uint64
	ThreadsActive int
}

// Option configures a Domain at InitGC time.
type Option func(*Domain)

// WithLogger attaches a structured logger. Epoch advances and registry churn
// are logged at Debug; nothing in smr logs above that level, matching
// spec.md §7 ("nothing is logged by the core").
func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Domain) { d.log = l }
}

// Domain is the process-wide (or test-wide) singleton created by InitGC. It
// owns the global epoch counter, the typed-allocator table, and the
// registry of live per-thread descriptors.
type Domain struct {
	globalEpoch atomic.Uint64

	// threads is a copy-on-write snapshot updated only by Register/Deregister
	// under registryMu. tryAdvance, called on every outermost CriticalEnter,
	// reads it without taking registryMu at all, so critical-section entry
	// never contends with registration — only Register/Deregister contend
	// with each other on registryMu. The hot paths are not entirely
	// lock-free: Alloc, Free and reclaim take the per-thread Thread.mu.
	registryMu sync.Mutex
	threads    atomic.Pointer[[]*Thread]

	nextThreadID atomic.Uint64
	nextAllocID  atomic.Int32
	allocators   *xsync.MapOf[AllocatorID, *allocator]

	log *zap.SugaredLogger
}

// InitGC initializes the reclamation subsystem. It is safe to create more
// than one Domain (e.g. one per test); there is no hidden process-wide
// global beyond what the caller holds onto.
func InitGC(opts ...Option) *Domain {
	d := &Domain{
		allocators: xsync.NewMapOf[AllocatorID, *allocator](),
	}
	empty := []*Thread{}
	d.threads.Store(&empty)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Close tears down the domain. It is a no-op: outstanding deferred frees and
// free-lists are not drained (neither here nor by Deregister); their chunks
// are released by the Go garbage collector once the Domain and its Thread
// descriptors are no longer reachable.
func (d *Domain) Close() {}

// AddAllocator registers a new typed allocator and returns its id. newFn
// constructs one fresh, zeroed chunk (typically `unsafe.Pointer(new(T))` for
// whatever type T the caller is pooling) and is only called when every
// thread's own free-list is empty. hook, if non-nil, runs once per chunk
// immediately before it is pushed onto the free-list, i.e. once it is
// certain no thread can still hold a live reference. hook must not call
// Alloc or Free; smr does not detect that misuse.
//
// Routing allocation through a constructor function rather than a raw byte
// size keeps chunks as ordinary, fully-typed Go heap objects — required
// here because pq.Node holds live Go pointers (its next[] slice), and Go's
// garbage collector only scans pointers inside objects it allocated as such;
// reinterpreting a raw cache-line-aligned byte buffer as a pointer-
// containing struct would hide those pointers from the collector.
func (d *Domain) AddAllocator(newFn func() unsafe.Pointer, hook func(unsafe.Pointer)) AllocatorID {
	id := AllocatorID(d.nextAllocID.Add(1) - 1)
	d.allocators.Store(id, &allocator{newFn: newFn, hook: hook})
	return id
}

// Register creates and publishes a new per-thread descriptor. Every
// goroutine that will call pq operations must Register before its first
// call and Deregister at teardown.
func (d *Domain) Register() *Thread {
	th := &Thread{
		dom:   d,
		id:    d.nextThreadID.Add(1),
		types: make(map[AllocatorID]*typeState),
	}
	th.registered.Store(true)

	d.registryMu.Lock()
	old := d.threads.Load()
	next := make([]*Thread, 0, len(*old)+1)
	next = append(next, *old...)
	next = append(next, th)
	d.threads.Store(&next)
	d.registryMu.Unlock()

	if d.log != nil {
		d.log.Debugw("smr: thread registered", "thread", th.id)
	}
	return th
}

// Stats returns a point-in-time snapshot of domain-wide counters.
func (d *Domain) Stats() Stats {
	threads := d.threads.Load()
	n := 0
	if threads != nil {
		n = len(*threads)
	}
	return Stats{GlobalEpoch: d.globalEpoch.Load(), ThreadsActive: n}
}

// tryAdvance is called at the outermost CriticalEnter of any thread. It
// advances the global epoch by exactly one step if every other registered
// thread is either quiescent or has already published the current global
// epoch as its local epoch (spec.md §4.1's epoch protocol). On success it
// reclaims the deferred-free bucket that has just become two epochs old.
func (d *Domain) tryAdvance() {
	g := d.globalEpoch.Load()
	threadsPtr := d.threads.Load()
	if threadsPtr == nil {
		return
	}
	threads := *threadsPtr
	for _, t := range threads {
		if t.active.Load() && t.localEpoch.Load() != g {
			return
		}
	}
	if !d.globalEpoch.CompareAndSwap(g, g+1) {
		return
	}
	if d.log != nil {
		d.log.Debugw("smr: epoch advanced", "epoch", g+1)
	}
	// Threads now active at the new global epoch g+1 Free into bucket
	// (g+1)%NumEpochs (see Free below), so that bucket is not yet safe to
	// drain. The bucket that has aged out two full epochs is (g+2)%NumEpochs
	// (equivalently (g-1)%NumEpochs, written this way to avoid unsigned
	// underflow at g==0): nothing can still be writing into it, and no
	// thread active at g or g+1 can hold a reference freed that long ago.
	d.reclaim((g+2)%NumEpochs, threads)
}

// reclaim moves the deferred-free bucket at the given ring index, across
// every thread and every allocator type, onto that thread's free-list,
// running each allocator's pre-free hook first.
func (d *Domain) reclaim(bucket uint64, threads []*Thread) {
	for _, t := range threads {
		t.mu.Lock()
		var drained []drainedBatch
		for id, ts := range t.types {
			if len(ts.deferred[bucket]) == 0 {
				continue
			}
			drained = append(drained, drainedBatch{id: id, ptrs: ts.deferred[bucket]})
			ts.deferred[bucket] = nil
		}
		t.mu.Unlock()

		// Hooks run with the thread's mutex released, so a (spec-violating)
		// hook that calls back into Alloc/Free on this same thread blocks
		// and contends normally instead of self-deadlocking on a
		// non-reentrant mutex.
		for _, batch := range drained {
			a, ok := d.allocators.Load(batch.id)
			if ok && a.hook != nil {
				for _, ptr := range batch.ptrs {
					a.hook(ptr)
				}
			}
			t.mu.Lock()
			ts := t.typeStateLocked(batch.id)
			ts.free = append(ts.free, batch.ptrs...)
			t.mu.Unlock()
		}
	}
}

type drainedBatch struct {
	id   AllocatorID
	ptrs []unsafe.Pointer
}

// typeState holds one thread's bookkeeping for one allocator type: the
// 3-slot deferred-free ring and the reusable free-list.
type typeState struct {
	deferred [NumEpochs][]unsafe.Pointer
	free     []unsafe.Pointer
}

// Thread is a per-goroutine SMR descriptor. It must not be shared across
// goroutines: depth is not synchronized because only the owning goroutine
// ever calls CriticalEnter/CriticalExit/Alloc/Free on it, matching
// spec.md §3 ("one per-thread descriptor").
type Thread struct {
	dom   *Domain
	id    uint64
	_     cline.Pad

	depth      int
	active     atomic.Bool
	localEpoch atomic.Uint64
	registered atomic.Bool

	mu    sync.Mutex
	types map[AllocatorID]*typeState
}

func (th *Thread) assertRegistered(op string) {
	if !th.registered.Load() {
		panic(&MisuseError{Op: op, Msg: "thread is not registered (or already deregistered)"})
	}
}

// Deregister removes the thread from the domain's registry. It must not be
// called while the thread is inside a critical section, and must be called
// exactly once.
func (th *Thread) Deregister() {
	if !th.registered.CompareAndSwap(true, false) {
		panic(&MisuseError{Op: "Deregister", Msg: "thread already deregistered"})
	}
	if th.depth != 0 {
		panic(&MisuseError{Op: "Deregister", Msg: "thread deregistered while inside a critical section"})
	}

	d := th.dom
	d.registryMu.Lock()
	old := *d.threads.Load()
	next := make([]*Thread, 0, len(old))
	for _, t := range old {
		if t != th {
			next = append(next, t)
		}
	}
	d.threads.Store(&next)
	d.registryMu.Unlock()

	if d.log != nil {
		d.log.Debugw("smr: thread deregistered", "thread", th.id)
	}
}

// CriticalEnter begins (or extends, if already nested) a critical section.
// All PQ node dereferences must happen while inside one. Epoch advance is
// only attempted at the outermost enter.
func (th *Thread) CriticalEnter() {
	th.assertRegistered("CriticalEnter")
	th.depth++
	if th.depth == 1 {
		g := th.dom.globalEpoch.Load()
		th.localEpoch.Store(g)
		th.active.Store(true)
		th.dom.tryAdvance()
	}
}

// CriticalExit ends (or un-nests) a critical section.
func (th *Thread) CriticalExit() {
	if th.depth == 0 {
		panic(&MisuseError{Op: "CriticalExit", Msg: "unbalanced CriticalExit (no matching CriticalEnter)"})
	}
	th.depth--
	if th.depth == 0 {
		th.active.Store(false)
	}
}

// InCritical reports whether the calling thread currently holds a critical
// section.
func (th *Thread) InCritical() bool { return th.depth > 0 }

// typeStateLocked returns (lazily creating) the per-type bookkeeping for id.
// Caller must hold th.mu.
func (th *Thread) typeStateLocked(id AllocatorID) *typeState {
	ts, ok := th.types[id]
	if !ok {
		ts = &typeState{}
		th.types[id] = ts
	}
	return ts
}

// Alloc returns a chunk sized for allocator id, reusing a freed chunk from
// this thread's own free-list when one is available.
func (th *Thread) Alloc(id AllocatorID) unsafe.Pointer {
	th.mu.Lock()
	ts := th.typeStateLocked(id)
	if n := len(ts.free); n > 0 {
		ptr := ts.free[n-1]
		ts.free = ts.free[:n-1]
		th.mu.Unlock()
		return ptr
	}
	th.mu.Unlock()

	a, ok := th.dom.allocators.Load(id)
	if !ok {
		panic(&MisuseError{Op: "Alloc", Msg: "unknown allocator id"})
	}
	return a.newFn()
}

// Free marks ptr as garbage belonging to the thread's current local epoch.
// It must be called from inside a critical section (so the thread's
// published local epoch is current) and must not be reused by the caller
// afterwards.
func (th *Thread) Free(id AllocatorID, ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	if th.depth == 0 {
		panic(&MisuseError{Op: "Free", Msg: "Free called outside a critical section"})
	}
	bucket := th.localEpoch.Load() % NumEpochs
	th.mu.Lock()
	ts := th.typeStateLocked(id)
	ts.deferred[bucket] = append(ts.deferred[bucket], ptr)
	th.mu.Unlock()
}
