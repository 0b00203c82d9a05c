// Package mem implements the physical memory manager (PMM): tracking which
// 4 KiB frames of RAM are free, reserved, or allocated. It is the lowest
// layer of the kernel — kheap and vm are both built on top of it — and owns
// no knowledge of virtual addresses or page tables.
package mem

import (
	"sync"

	"rastakernel/util"
)

/// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page/frame in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks the in-page offset bits of an address.
const PGOFFSET Pa_t = Pa_t(PGSIZE) - 1

/// PGMASK masks the frame-number bits of an address.
const PGMASK Pa_t = ^PGOFFSET

/// Pa_t is a physical address. It is always page-aligned when it names a
/// frame, per the PMM's invariants.
type Pa_t uintptr

/// INVALID_FRAME is returned by Alloc when no frame is available.
const INVALID_FRAME Pa_t = ^Pa_t(0)

func pagealigned(p Pa_t) bool {
	return p&PGOFFSET == 0
}

/// region_t is one contiguous, page-aligned span of physical memory known to
/// the kernel at boot, together with a one-bit-per-frame allocation map.
type region_t struct {
	base Pa_t
	npg  int
	bits []uint64 // bit set => frame allocated or reserved
}

func newRegion(base Pa_t, npg int) *region_t {
	return &region_t{
		base: base,
		npg:  npg,
		bits: make([]uint64, (npg+63)/64),
	}
}

func (r *region_t) contains(p Pa_t) bool {
	return p >= r.base && p < r.base+Pa_t(r.npg*PGSIZE)
}

func (r *region_t) idx(p Pa_t) int {
	return int((p - r.base) / Pa_t(PGSIZE))
}

func (r *region_t) test(i int) bool {
	return r.bits[i/64]&(1<<uint(i%64)) != 0
}

func (r *region_t) set(i int) {
	r.bits[i/64] |= 1 << uint(i%64)
}

func (r *region_t) clear(i int) {
	r.bits[i/64] &^= 1 << uint(i%64)
}

// lowest clear bit, or -1
func (r *region_t) findFree() int {
	for w := range r.bits {
		word := r.bits[w]
		if word == ^uint64(0) {
			continue
		}
		for b := 0; b < 64; b++ {
			i := w*64 + b
			if i >= r.npg {
				return -1
			}
			if word&(1<<uint(b)) == 0 {
				return i
			}
		}
	}
	return -1
}

/// RegionSummary describes one registered region, for boot-time reporting.
type RegionSummary struct {
	Base Pa_t
	Len  int // bytes
}

/// Physmem_t is the kernel-wide physical frame allocator. The zero value is
/// not usable; construct with Init.
type Physmem_t struct {
	sync.Mutex
	regions []*region_t
}

/// Physmem is the global PMM instance, installed by Init at boot.
var Physmem = &Physmem_t{}

/// Init registers the available physical memory regions discovered from the
/// multiboot memory map. addr/lengths need not be page-aligned; Init rounds
/// them in, matching the original's add_region (round up the start, truncate
/// the length). It returns a summary per region for the boot log.
func (p *Physmem_t) Init(avail []RegionSummary) []RegionSummary {
	p.Lock()
	defer p.Unlock()

	p.regions = p.regions[:0]
	var out []RegionSummary
	for _, a := range avail {
		start := util.Roundup(a.Base, Pa_t(PGSIZE))
		shrink := start - a.Base
		length := a.Len
		if shrink > Pa_t(length) {
			continue
		}
		length -= int(shrink)
		length = util.Rounddown(length, PGSIZE)
		if length <= 0 {
			continue
		}
		npg := length / PGSIZE
		p.regions = append(p.regions, newRegion(start, npg))
		out = append(out, RegionSummary{Base: start, Len: length})
	}
	return out
}

func (p *Physmem_t) find(page Pa_t) (*region_t, int, bool) {
	for _, r := range p.regions {
		if r.contains(page) {
			return r, r.idx(page), true
		}
	}
	return nil, 0, false
}

/// Exists reports whether page falls within some registered available
/// region. page must be page-aligned.
func (p *Physmem_t) Exists(page Pa_t) bool {
	if !pagealigned(page) {
		panic("mem: unaligned page")
	}
	p.Lock()
	defer p.Unlock()
	_, _, ok := p.find(page)
	return ok
}

/// Reserve permanently marks page unavailable for Alloc. Reserving an
/// already-reserved (or allocated) page is a programmer error and panics —
/// the PMM has no way to distinguish "still needed" reservations, so double
/// reservation always indicates a bookkeeping bug in the caller.
func (p *Physmem_t) Reserve(page Pa_t) {
	if !pagealigned(page) {
		panic("mem: unaligned page")
	}
	p.Lock()
	defer p.Unlock()
	r, i, ok := p.find(page)
	if !ok {
		panic("mem: reserve of unknown page")
	}
	if r.test(i) {
		panic("mem: double reserve")
	}
	r.set(i)
}

/// Reserved reports whether page is currently unavailable for Alloc
/// (reserved or allocated — the PMM does not distinguish the two after the
/// fact, matching pmm_reserved in the original kernel). A page outside any
/// registered region is reported as reserved (conservatively unavailable).
func (p *Physmem_t) Reserved(page Pa_t) bool {
	if !pagealigned(page) {
		panic("mem: unaligned page")
	}
	p.Lock()
	defer p.Unlock()
	r, i, ok := p.find(page)
	if !ok {
		return true
	}
	return r.test(i)
}

/// Free returns page to the free pool. Freeing a page that is not currently
/// allocated is a programmer error and panics.
func (p *Physmem_t) Free(page Pa_t) {
	if !pagealigned(page) {
		panic("mem: unaligned page")
	}
	p.Lock()
	defer p.Unlock()
	r, i, ok := p.find(page)
	if !ok {
		panic("mem: free of unknown page")
	}
	if !r.test(i) {
		panic("mem: double free")
	}
	r.clear(i)
}

/// Alloc returns the lowest-indexed free frame in the first region
/// (registration order) that has one, or INVALID_FRAME if RAM is exhausted.
func (p *Physmem_t) Alloc() Pa_t {
	p.Lock()
	defer p.Unlock()
	for _, r := range p.regions {
		if i := r.findFree(); i >= 0 {
			r.set(i)
			return r.base + Pa_t(i*PGSIZE)
		}
	}
	return INVALID_FRAME
}

/// Pg_t is a page-sized array of words, used for page tables and other
/// page-granularity kernel data.
type Pg_t [PGSIZE / 4]uint32

/// Bytepg_t is a page viewed as raw bytes.
type Bytepg_t [PGSIZE]byte
