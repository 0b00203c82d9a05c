// Package kheap implements the kernel heap: a first-fit free-list allocator
// over a growable virtual region. It mirrors the shape of the original
// kernel's heap.c (magic-tagged blocks, end-of-block canary, lock-protected
// growth, up-to-three-way split for aligned allocations) rather than Go's
// own garbage-collected heap, because kernel data structures living below
// the scheduler (port queues, message copies) must be explicitly freed with
// a predictable, auditable failure mode.
//
// Blocks are addressed by a synthetic virtual address rather than a raw Go
// pointer: this package models the heap's bookkeeping (address order,
// canary placement, coalescing, growth) precisely, while the payload bytes
// themselves live in ordinary Go-heap-backed slices — there is no unsafe
// pointer arithmetic into kernel memory here, matching the rest of this
// module's policy of expressing hardware-adjacent invariants in portable Go.
package kheap

import (
	"sync"

	"rastakernel/mem"
	"rastakernel/util"
)

const (
	magicAllocated uint32 = 0xABCDEF01
	magicFree      uint32 = 0x12345678
	canaryValue    uint64 = 0x7778798081828384

	// headerOverhead is the accounted size of a block header, matching the
	// original kernel's struct heap_block_header.
	headerOverhead = 16
	canarySize     = 8
)

// Ptr is an opaque handle to a live allocation, analogous to a C pointer
// into the heap. It is only ever compared or passed to Free.
type Ptr uintptr

// block is one node of the singly linked free list, ordered by addr.
type block struct {
	addr      Ptr
	size      int // header + payload + canary
	magic     uint32
	allocated bool
	next      *block
	payload   []byte // len == size - headerOverhead - canarySize
	canary    uint64
}

func (b *block) valid() bool {
	if b.allocated {
		return b.magic == magicAllocated
	}
	return b.magic == magicFree
}

func (b *block) payloadCap() int {
	return b.size - headerOverhead - canarySize
}

func newBlock(addr Ptr, size int) *block {
	if size < headerOverhead+canarySize {
		panic("kheap: block too small")
	}
	return &block{
		addr:    addr,
		size:    size,
		magic:   magicFree,
		payload: make([]byte, size-headerOverhead-canarySize),
		canary:  canaryValue,
	}
}

// Mapper is satisfied by the VMM. Growing the heap asks the PMM for a frame
// and the VMM to map it contiguously after the heap's last block — mem and
// vm both sit below kheap in the dependency order (spec.md §9).
type Mapper interface {
	MapPage(va uintptr, pa mem.Pa_t, flags uint) bool
}

// Heap_t is the kernel-wide free-list allocator. The zero value is not
// usable; construct with Init.
type Heap_t struct {
	mu      sync.Mutex
	start   Ptr
	size    int
	maxSize int
	head    *block
	mapper  Mapper
	pmm     *mem.Physmem_t
}

// Info summarizes the live state of the heap for diagnostics and tests.
type Info struct {
	Start Ptr
	Size  int
	Free  int
}

// Init creates a heap of the given initial size (bytes) at a synthetic
// starting address, allowed to Grow up to maxSize. mapper/pmm are used only
// by Grow; Init itself does not allocate any physical memory.
func Init(start Ptr, size, maxSize int, mapper Mapper, pmm *mem.Physmem_t) *Heap_t {
	if size <= 0 || size%mem.PGSIZE != 0 {
		panic("kheap: size must be a nonzero multiple of the page size")
	}
	h := &Heap_t{
		start:   start,
		size:    size,
		maxSize: maxSize,
		mapper:  mapper,
		pmm:     pmm,
	}
	h.head = newBlock(start, size)
	return h
}

func (h *Heap_t) lastBlock() *block {
	b := h.head
	for b.next != nil {
		if !b.valid() {
			panic("kheap: corrupt block in list")
		}
		b = b.next
	}
	return b
}

func (h *Heap_t) prevBlock(target *block) *block {
	if target == h.head {
		return nil
	}
	for b := h.head; b != nil; b = b.next {
		if b.next == target {
			return b
		}
	}
	return nil
}

// Info reports the heap's total size and the sum of free payload bytes.
func (h *Heap_t) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	var free int
	for b := h.head; b != nil; b = b.next {
		if !b.allocated {
			free += b.payloadCap()
		}
	}
	return Info{Start: h.start, Size: h.size, Free: free}
}

// Grow extends the heap by at least delta bytes (rounded up to whole
// pages), allocating frames from the PMM and mapping them contiguously
// after the last block. It returns the number of bytes actually added,
// which may be less than requested (or zero) if maxSize or physical memory
// is exhausted.
func (h *Heap_t) Grow(delta int) int {
	want := util.Roundup(delta, mem.PGSIZE)
	last := h.lastBlock()
	endVA := uintptr(last.addr) + uintptr(last.size)

	added := 0
	for added < want {
		if h.size+mem.PGSIZE > h.maxSize {
			break
		}
		pa := h.pmm.Alloc()
		if pa == mem.INVALID_FRAME {
			break
		}
		va := endVA + uintptr(added)
		if !h.mapper.MapPage(va, pa, pteWritable) {
			h.pmm.Free(pa)
			break
		}
		added += mem.PGSIZE
		h.size += mem.PGSIZE
	}
	if added == 0 {
		return 0
	}

	nb := newBlock(Ptr(endVA), added)
	last.next = nb
	if !last.allocated {
		merge(last, nb)
	}
	return added
}

// pteWritable is the permission bit passed to Mapper.MapPage: the value of
// vm.PTE_W (kheap only needs "present + writable, kernel-only", and vm's Map
// adds PTE_P itself for a non-user mapping).
const pteWritable = 1 << 1

func merge(dst, src *block) {
	if dst.magic != src.magic {
		panic("kheap: merge of blocks with different magic")
	}
	dst.size += src.size
	dst.next = src.next
	dst.payload = append(dst.payload, src.payload...)
}

// AllocAligned finds or creates a free block that can hold size bytes and
// whose address (the returned Ptr) is aligned to alignment, splitting the host
// block into up to three pieces (leading remainder, the allocated block,
// trailing remainder) exactly as the original kernel's
// heap_alloc_block_aligned. It returns nil if no block can be carved out
// even after growing the heap as far as maxSize allows.
func (h *Heap_t) AllocAligned(size, alignment int) (Ptr, []byte) {
	if size <= 0 {
		panic("kheap: bad alloc size")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		if b, data := h.tryAlloc(size, alignment); b != 0 {
			return b, data
		}
		if h.Grow(size+headerOverhead+canarySize) == 0 {
			return 0, nil
		}
	}
}

// Alloc is AllocAligned with the natural (8-byte) alignment.
func (h *Heap_t) Alloc(size int) (Ptr, []byte) {
	return h.AllocAligned(size, 8)
}

func (h *Heap_t) tryAlloc(size, alignment int) (Ptr, []byte) {
	need := size + headerOverhead + canarySize
	for b := h.head; b != nil; b = b.next {
		if !b.valid() {
			panic("kheap: corrupt block")
		}
		if b.allocated || b.size < need {
			continue
		}
		dataStart := alignUp(uintptr(b.addr), uintptr(alignment))
		// misaligned: need room for a leading free block (header-sized at
		// minimum) plus the allocated block, so step to the next aligned
		// address until the leading remainder is big enough.
		for dataStart != uintptr(b.addr) && dataStart-uintptr(b.addr) < headerOverhead+canarySize {
			dataStart += uintptr(alignment)
		}
		lead := int(dataStart) - int(b.addr)
		if lead == 0 {
			return h.splitHead(b, size)
		}
		total := b.size
		leadSize := lead // the free remainder before the allocated block
		if total < leadSize+need {
			continue
		}
		leadBlock := newBlock(b.addr, leadSize)
		leadBlock.next = b.next // temporary; fixed below
		midAddr := Ptr(int(b.addr) + leadSize)
		remaining := total - leadSize
		if remaining > need+headerOverhead+canarySize {
			midBlock := newBlock(midAddr, need)
			tailAddr := Ptr(int(midAddr) + need)
			tailBlock := newBlock(tailAddr, remaining-need)
			leadBlock.next = midBlock
			midBlock.next = tailBlock
			tailBlock.next = b.next
			midBlock.allocated = true
			midBlock.magic = magicAllocated
			h.replace(b, leadBlock)
			return midBlock.addr, midBlock.payload
		}
		midBlock := newBlock(midAddr, remaining)
		leadBlock.next = midBlock
		midBlock.next = b.next
		midBlock.allocated = true
		midBlock.magic = magicAllocated
		h.replace(b, leadBlock)
		return midBlock.addr, midBlock.payload
	}
	return 0, nil
}

func (h *Heap_t) splitHead(b *block, size int) (Ptr, []byte) {
	need := size + headerOverhead + canarySize
	remaining := b.size - need
	if remaining > headerOverhead+canarySize {
		tailAddr := Ptr(int(b.addr) + need)
		tail := newBlock(tailAddr, remaining)
		tail.next = b.next
		b.size = need
		b.next = tail
		b.payload = b.payload[:b.payloadCap()]
	}
	b.allocated = true
	b.magic = magicAllocated
	if len(b.payload) > size {
		b.payload = b.payload[:b.payloadCap()]
	}
	return b.addr, b.payload
}

// replace swaps old (still referenced by its previous neighbour, or head)
// for the new chain starting at repl.
func (h *Heap_t) replace(old, repl *block) {
	if old == h.head {
		h.head = repl
		return
	}
	prev := h.prevBlock(old)
	if prev == nil {
		panic("kheap: block not found during replace")
	}
	prev.next = repl
}

func alignUp(v, a uintptr) uintptr {
	return (v + a - 1) &^ (a - 1)
}

// Free releases the allocation at ptr. Double-free or an invalid pointer
// panics (bad magic); buffer overrun (a stomped canary) panics too — both
// are unrecoverable programmer errors, matching the original's heap_free.
func (h *Heap_t) Free(ptr Ptr) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var target *block
	for b := h.head; b != nil; b = b.next {
		if b.addr == ptr {
			target = b
			break
		}
	}
	if target == nil {
		panic("kheap: free of unknown pointer")
	}
	if target.magic == magicFree {
		panic("kheap: double free")
	}
	if target.magic != magicAllocated {
		panic("kheap: free of invalid block")
	}
	if target.canary != canaryValue {
		panic("kheap: buffer overrun detected")
	}

	target.allocated = false
	target.magic = magicFree

	if prev := h.prevBlock(target); prev != nil && !prev.allocated {
		merge(prev, target)
		target = prev
	}
	if target.next != nil && !target.next.allocated {
		merge(target, target.next)
	}
}
