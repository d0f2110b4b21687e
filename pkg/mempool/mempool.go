// Package mempool implements the page pool and object pool: a capped
// lock-free global page free list with a sync.Pool taking the pages
// returned once that list is full, and an object pool that carves
// fixed-size slabs out of those pages onto one shared free list.
package mempool

import (
	"sync"
	"sync/atomic"
)

// PageSize is the block size vended by PagePool, matching the typical
// OS page size the framework is tuned for.
const PageSize = 4096

// pageNode is one entry of the lock-free global free list, linked via
// atomic compare-and-swap on the head pointer.
type pageNode struct {
	buf  []byte
	next atomic.Pointer[pageNode]
}

// PagePool hands out PageSize byte slices. Returned pages go first onto
// a lock-free global free list capped at maxGlobal pages; pages
// returned while that list is full go into a sync.Pool, whose retention
// is left to the Go runtime. There is no per-goroutine free list with
// a cap of its own.
type PagePool struct {
	local     sync.Pool
	head      atomic.Pointer[pageNode]
	size      atomic.Int64
	maxGlobal int64
	disabled  atomic.Bool
}

// NewPagePool returns a page pool whose global free list holds at most
// maxGlobal pages.
func NewPagePool(maxGlobal int64) *PagePool {
	p := &PagePool{maxGlobal: maxGlobal}
	p.local.New = func() any {
		return make([]byte, PageSize)
	}
	return p
}

// Get returns a PageSize buffer, taking it from the global free list
// first, then from the sync.Pool, which allocates a fresh page when it
// has none to give.
func (p *PagePool) Get() []byte {
	if p.disabled.Load() {
		return make([]byte, PageSize)
	}
	if n := p.head.Load(); n != nil {
		for {
			next := n.next.Load()
			if p.head.CompareAndSwap(n, next) {
				p.size.Add(-1)
				return n.buf
			}
			n = p.head.Load()
			if n == nil {
				break
			}
		}
	}
	return p.local.Get().([]byte)
}

// Put returns buf to the pool. Buffers not of PageSize are dropped
// rather than risking a caller corrupting the pool's size invariant.
func (p *PagePool) Put(buf []byte) {
	if p.disabled.Load() || len(buf) != PageSize {
		return
	}
	if p.size.Load() >= p.maxGlobal {
		p.local.Put(buf)
		return
	}
	n := &pageNode{buf: buf}
	for {
		head := p.head.Load()
		n.next.Store(head)
		if p.head.CompareAndSwap(head, n) {
			p.size.Add(1)
			return
		}
	}
}

// Disable forces every Get to allocate fresh and every Put to drop
// its argument, for deterministic tests that care about allocation
// counts rather than pooling behavior.
func (p *PagePool) Disable() {
	p.disabled.Store(true)
}

// ThreadPolicy parameterizes an ObjectPool's shared free list: how many
// returned objects it retains (cache_limit) before Put drops further
// returns, and how many fresh objects it carves from the page pool at a
// time when the list runs dry (alloc_unit). The pool keeps no
// per-goroutine cache; the policy applies to the one shared list.
type ThreadPolicy struct {
	CacheLimit int
	AllocUnit  int
}

// ObjectPool vends fixed-size slabs carved from Pages obtained through
// a PagePool. Free slabs live on one mutex-guarded list shared by every
// caller; there is no per-caller cache.
type ObjectPool struct {
	objSize  int
	pages    *PagePool
	policy   ThreadPolicy
	mu       sync.Mutex
	global   [][]byte
	disabled atomic.Bool
}

// NewObjectPool returns an object pool carving objSize-byte slabs out
// of pages from pages, governed by policy.
func NewObjectPool(objSize int, pages *PagePool, policy ThreadPolicy) *ObjectPool {
	if policy.CacheLimit <= 0 {
		policy.CacheLimit = 1
	}
	if policy.AllocUnit <= 0 {
		policy.AllocUnit = 1
	}
	return &ObjectPool{objSize: objSize, pages: pages, policy: policy}
}

// Get returns one objSize-byte slab from the shared free list, carving
// policy.AllocUnit fresh slabs from the page pool when the list is
// empty.
func (o *ObjectPool) Get() []byte {
	if o.disabled.Load() {
		return make([]byte, o.objSize)
	}

	o.mu.Lock()
	if len(o.global) == 0 {
		o.refillLocked()
	}
	if len(o.global) == 0 {
		o.mu.Unlock()
		return make([]byte, o.objSize)
	}
	obj := o.global[len(o.global)-1]
	o.global = o.global[:len(o.global)-1]
	o.mu.Unlock()
	return obj
}

// refillLocked carves policy.AllocUnit fresh objects out of pages from
// the backing page pool. Caller must hold o.mu.
func (o *ObjectPool) refillLocked() {
	perPage := PageSize / o.objSize
	if perPage == 0 {
		perPage = 1
	}
	pagesNeeded := (o.policy.AllocUnit + perPage - 1) / perPage
	carved := 0
	for i := 0; i < pagesNeeded; i++ {
		page := o.pages.Get()
		for off := 0; off+o.objSize <= len(page) && carved < o.policy.AllocUnit; off += o.objSize {
			o.global = append(o.global, page[off:off+o.objSize])
			carved++
		}
	}
}

// Put returns obj to the pool. Once the free list holds
// policy.CacheLimit objects it drops the reference instead of growing
// the list further.
func (o *ObjectPool) Put(obj []byte) {
	if o.disabled.Load() || len(obj) != o.objSize {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.global) >= o.policy.CacheLimit {
		return
	}
	o.global = append(o.global, obj)
}

// Disable forces Get to allocate fresh and Put to drop, for tests.
func (o *ObjectPool) Disable() {
	o.disabled.Store(true)
}
