// Package vm implements the per-task virtual memory manager: two-level
// x86-32 page directories with a recursive self-mapping, map/unmap/remap,
// transient windows for editing address spaces that are not current, and
// deep-copy clone/destroy for fork and task reaping.
//
// There is no real CPU here, so "physical memory" is a package-level table
// of byte-addressable frames keyed by mem.Pa_t, and a directory/page table
// is simply the frame the PMM gave it, read and written at 4-byte word
// offsets. The recursive mapping, the fixed virtual windows it implies, and
// the deep-copy clone semantics are all expressed as address arithmetic
// exactly as they would be against real page tables, so the bookkeeping and
// its invariants are identical to the hardware-backed version.
package vm

import (
	"encoding/binary"
	"sync"

	"rastakernel/mem"
)

const (
	PageSize        = mem.PGSIZE
	EntriesPerTable = 1024

	// KernelVirtBase is the start of the shared high kernel mapping,
	// identical in every address space.
	KernelVirtBase uintptr = 0xC0000000

	// RecursiveBase is the virtual window where PDE i's page table is
	// mapped at RecursiveBase + i*PageSize. The directory itself appears
	// at DirWindow, the last page of that window.
	RecursiveBase uintptr = 0xFFC00000
	DirWindow     uintptr = 0xFFFFF000

	recursivePDE = EntriesPerTable - 1

	transientBase  uintptr = 0xFFB00000
	transientSlots         = 256
)

var kernelPDEStart = dirIndex(KernelVirtBase)

// PTE/PDE flag bits, matching the original kernel's vmm.h layout.
const (
	PTE_P uint32 = 1 << 0
	PTE_W uint32 = 1 << 1
	PTE_U uint32 = 1 << 2
	PTE_A uint32 = 1 << 5
	PTE_D uint32 = 1 << 6

	pteAddrMask  uint32 = 0xFFFFF000
	pteFlagsMask uint32 = 0x00000FFF
)

func dirIndex(va uintptr) int   { return int(va >> 22) }
func tableIndex(va uintptr) int { return int((va >> 12) & 0x3ff) }

// frame store: simulated physical RAM, one Bytepg_t per frame actually
// touched. Directory and page table content lives here at 4-byte stride;
// so does deep-copied page content for clone.
var frames = struct {
	mu   sync.Mutex
	data map[mem.Pa_t]*mem.Bytepg_t
}{data: map[mem.Pa_t]*mem.Bytepg_t{}}

func frameAt(pa mem.Pa_t) *mem.Bytepg_t {
	frames.mu.Lock()
	defer frames.mu.Unlock()
	f, ok := frames.data[pa]
	if !ok {
		f = &mem.Bytepg_t{}
		frames.data[pa] = f
	}
	return f
}

func zeroFrame(pa mem.Pa_t) {
	frames.mu.Lock()
	defer frames.mu.Unlock()
	frames.data[pa] = &mem.Bytepg_t{}
}

func readWord(pa mem.Pa_t, idx int) uint32 {
	f := frameAt(pa)
	return binary.LittleEndian.Uint32(f[idx*4 : idx*4+4])
}

func writeWord(pa mem.Pa_t, idx int, v uint32) {
	f := frameAt(pa)
	binary.LittleEndian.PutUint32(f[idx*4:idx*4+4], v)
}

func copyFrame(dst, src mem.Pa_t) {
	d := frameAt(dst)
	s := frameAt(src)
	*d = *s
}

// ReadFrame and WriteFrame give direct access to a frame's simulated
// content, for callers (ELF loading, tests) that need to place bytes at a
// physical frame independent of any particular mapping.
func ReadFrame(pa mem.Pa_t) []byte {
	f := frameAt(pa)
	out := make([]byte, PageSize)
	copy(out, f[:])
	return out
}

func WriteFrame(pa mem.Pa_t, data []byte) {
	f := frameAt(pa)
	copy(f[:], data)
}

// AddrSpace_t is one task's address space: a page directory plus the page
// tables it references, and the set of transient windows it currently
// owns. The zero value is not usable; construct with Init or NewAddrSpace.
type AddrSpace_t struct {
	mu      sync.Mutex
	dirPA   mem.Pa_t
	pmm     *mem.Physmem_t
	flushes int

	transient map[uintptr]mem.Pa_t
	nextSlot  int
	freeSlots []int
}

var (
	vmMu    sync.Mutex
	current *AddrSpace_t
)

func (as *AddrSpace_t) dirEntry(di int) uint32     { return readWord(as.dirPA, di) }
func (as *AddrSpace_t) setDirEntry(di int, v uint32) { writeWord(as.dirPA, di, v) }

// PhysicalAddr reports the physical frame backing this address space's own
// page directory.
func (as *AddrSpace_t) PhysicalAddr() mem.Pa_t { return as.dirPA }

// Init creates the first address space at boot: an empty directory with
// only the recursive self-mapping installed, and marks it current. There
// is no prior address space to inherit kernel mappings from; the caller
// populates the shared low/high regions with Map before any task forks
// from this one.
func Init(pmm *mem.Physmem_t) *AddrSpace_t {
	dirPA := pmm.Alloc()
	if dirPA == mem.INVALID_FRAME {
		panic("vm: out of memory initializing the first address space")
	}
	zeroFrame(dirPA)
	as := &AddrSpace_t{dirPA: dirPA, pmm: pmm}
	as.setDirEntry(recursivePDE, uint32(dirPA)|PTE_P|PTE_W)

	vmMu.Lock()
	current = as
	vmMu.Unlock()
	return as
}

// NewAddrSpace creates a fresh, empty-of-user-mappings address space and
// populates its shared low/high kernel PDEs from the currently active
// address space. Used by kernel-task bootstrap paths that want a clean
// address space without cloning a parent's user mappings.
func NewAddrSpace(pmm *mem.Physmem_t) *AddrSpace_t {
	dirPA := pmm.Alloc()
	if dirPA == mem.INVALID_FRAME {
		return nil
	}
	zeroFrame(dirPA)
	as := &AddrSpace_t{dirPA: dirPA, pmm: pmm}
	as.setDirEntry(recursivePDE, uint32(dirPA)|PTE_P|PTE_W)
	CopyKernelMappingsInto(as)
	return as
}

// Map installs a present mapping for va -> pa with the given PTE flags
// (PTE_P is added automatically), allocating a page table frame if this
// directory entry is not yet present. Mapping an already-present va is a
// programmer error and panics, matching the original kernel's abort() on
// the same condition.
func (as *AddrSpace_t) Map(va uintptr, pa mem.Pa_t, flags uint32) bool {
	if va%uintptr(PageSize) != 0 || uintptr(pa)%uintptr(PageSize) != 0 {
		panic("vm: unaligned address")
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	di, ti := dirIndex(va), tableIndex(va)
	de := as.dirEntry(di)
	var tablePA mem.Pa_t
	if de&PTE_P == 0 {
		tablePA = as.pmm.Alloc()
		if tablePA == mem.INVALID_FRAME {
			return false
		}
		zeroFrame(tablePA)
		as.setDirEntry(di, uint32(tablePA)|PTE_P|PTE_W|PTE_U)
	} else {
		tablePA = mem.Pa_t(de & pteAddrMask)
	}

	if readWord(tablePA, ti)&PTE_P != 0 {
		panic("vm: va already mapped")
	}
	writeWord(tablePA, ti, uint32(pa)|flags|PTE_P)
	return true
}

// MapPage adapts Map to kheap.Mapper, so the kernel heap can grow without
// importing this package directly.
func (as *AddrSpace_t) MapPage(va uintptr, pa mem.Pa_t, flags uint) bool {
	return as.Map(va, pa, uint32(flags))
}

// Unmap clears the present bit for va. Unmapping a va whose PDE or PTE is
// not present is a programmer error and panics.
func (as *AddrSpace_t) Unmap(va uintptr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()

	di, ti := dirIndex(va), tableIndex(va)
	de := as.dirEntry(di)
	if de&PTE_P == 0 {
		panic("vm: unmap of a va with no page table")
	}
	tablePA := mem.Pa_t(de & pteAddrMask)
	pte := readWord(tablePA, ti)
	if pte&PTE_P == 0 {
		panic("vm: unmap of an unmapped va")
	}
	writeWord(tablePA, ti, pte&^PTE_P)
	as.flushes++
	return true
}

// Remap changes the PTE flags for an already-present va, keeping its
// physical frame.
func (as *AddrSpace_t) Remap(va uintptr, flags uint32) bool {
	as.mu.Lock()
	defer as.mu.Unlock()

	di, ti := dirIndex(va), tableIndex(va)
	de := as.dirEntry(di)
	if de&PTE_P == 0 {
		panic("vm: remap of a va with no page table")
	}
	tablePA := mem.Pa_t(de & pteAddrMask)
	pte := readWord(tablePA, ti)
	if pte&PTE_P == 0 {
		panic("vm: remap of an unmapped va")
	}
	writeWord(tablePA, ti, (pte&pteAddrMask)|flags|PTE_P)
	as.flushes++
	return true
}

// Flush records a TLB invalidation request for va. There is no real TLB to
// invalidate; the count exists so tests can assert that callers flush
// after every edit, as the original does around every map/unmap/remap.
func (as *AddrSpace_t) Flush(va uintptr) {
	as.mu.Lock()
	as.flushes++
	as.mu.Unlock()
}

func (as *AddrSpace_t) resolve(va uintptr) (uint32, bool) {
	di, ti := dirIndex(va), tableIndex(va)
	de := as.dirEntry(di)
	if de&PTE_P == 0 {
		return 0, false
	}
	tablePA := mem.Pa_t(de & pteAddrMask)
	pte := readWord(tablePA, ti)
	if pte&PTE_P == 0 {
		return 0, false
	}
	return pte, true
}

// GetPhysical returns the frame va is mapped to, if any.
func (as *AddrSpace_t) GetPhysical(va uintptr) (mem.Pa_t, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, ok := as.resolve(va)
	if !ok {
		return 0, false
	}
	return mem.Pa_t(pte & pteAddrMask), true
}

// GetFlags returns the PTE flag bits for va, if mapped.
func (as *AddrSpace_t) GetFlags(va uintptr) (uint32, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, ok := as.resolve(va)
	if !ok {
		return 0, false
	}
	return pte & pteFlagsMask, true
}

func copyKernelMappingsLocked(dst, src *AddrSpace_t) {
	if src == nil {
		return
	}
	dst.setDirEntry(0, src.dirEntry(0))
	for di := kernelPDEStart; di < recursivePDE; di++ {
		dst.setDirEntry(di, src.dirEntry(di))
	}
}

// CopyKernelMappingsInto overwrites dst's shared low and high kernel PDE
// range with the currently active address space's entries, so a kernel
// heap growth since dst was created becomes visible in it.
func CopyKernelMappingsInto(dst *AddrSpace_t) {
	vmMu.Lock()
	defer vmMu.Unlock()
	copyKernelMappingsLocked(dst, current)
}

// Switch installs as as the active address space, first refreshing its
// kernel mappings from the outgoing one, and returns the address space
// that was active before the call.
func Switch(as *AddrSpace_t) *AddrSpace_t {
	vmMu.Lock()
	defer vmMu.Unlock()
	copyKernelMappingsLocked(as, current)
	prev := current
	current = as
	return prev
}

// Current returns the currently active address space, or nil before boot
// has called Init.
func Current() *AddrSpace_t {
	vmMu.Lock()
	defer vmMu.Unlock()
	return current
}

// CloneAddressSpace produces a deep copy of as: the shared low PDE and the
// shared high kernel range are copied by reference (identical entries,
// same backing frames), and every present user page in [4 MiB, kernel
// start) is copied to a freshly allocated frame. This is never
// copy-on-write. It returns nil if the PMM runs out of frames partway
// through — the caller is expected to treat that as fork failure, not a
// partially-built address space (any frames already allocated during the
// failed clone are leaked to keep this path simple; exhaustion here is
// already a fatal condition for the caller).
func (as *AddrSpace_t) CloneAddressSpace() *AddrSpace_t {
	as.mu.Lock()
	defer as.mu.Unlock()

	newDirPA := as.pmm.Alloc()
	if newDirPA == mem.INVALID_FRAME {
		return nil
	}
	zeroFrame(newDirPA)
	clone := &AddrSpace_t{dirPA: newDirPA, pmm: as.pmm}

	clone.setDirEntry(0, as.dirEntry(0))

	for di := 1; di < kernelPDEStart; di++ {
		srcDE := as.dirEntry(di)
		if srcDE&PTE_P == 0 {
			continue
		}
		srcTablePA := mem.Pa_t(srcDE & pteAddrMask)
		dstTablePA := as.pmm.Alloc()
		if dstTablePA == mem.INVALID_FRAME {
			return nil
		}
		zeroFrame(dstTablePA)

		for ti := 0; ti < EntriesPerTable; ti++ {
			srcPTE := readWord(srcTablePA, ti)
			if srcPTE&PTE_P == 0 {
				continue
			}
			srcFrame := mem.Pa_t(srcPTE & pteAddrMask)
			flags := srcPTE & pteFlagsMask
			dstFrame := as.pmm.Alloc()
			if dstFrame == mem.INVALID_FRAME {
				return nil
			}
			copyFrame(dstFrame, srcFrame)
			writeWord(dstTablePA, ti, uint32(dstFrame)|flags)
		}
		clone.setDirEntry(di, uint32(dstTablePA)|(srcDE&pteFlagsMask))
	}

	for di := kernelPDEStart; di < recursivePDE; di++ {
		clone.setDirEntry(di, as.dirEntry(di))
	}
	clone.setDirEntry(recursivePDE, uint32(newDirPA)|PTE_P|PTE_W)

	return clone
}

// DestroyAddressSpace frees every user frame and user page-table frame,
// then the directory frame itself. The shared low PDE and the shared high
// kernel range are never freed here — they are owned by whichever address
// space outlives this one.
func (as *AddrSpace_t) DestroyAddressSpace() {
	as.mu.Lock()
	defer as.mu.Unlock()

	for di := 1; di < kernelPDEStart; di++ {
		de := as.dirEntry(di)
		if de&PTE_P == 0 {
			continue
		}
		tablePA := mem.Pa_t(de & pteAddrMask)
		for ti := 0; ti < EntriesPerTable; ti++ {
			pte := readWord(tablePA, ti)
			if pte&PTE_P != 0 {
				as.pmm.Free(mem.Pa_t(pte & pteAddrMask))
			}
		}
		as.pmm.Free(tablePA)
	}
	as.pmm.Free(as.dirPA)
}

// ClearUserRange unmaps and frees every present page in the user region
// [4 MiB, kernel start), as exec does when replacing a task's image. Page
// table frames themselves are left in place, empty, for reuse.
func (as *AddrSpace_t) ClearUserRange() {
	as.mu.Lock()
	defer as.mu.Unlock()

	for di := 1; di < kernelPDEStart; di++ {
		de := as.dirEntry(di)
		if de&PTE_P == 0 {
			continue
		}
		tablePA := mem.Pa_t(de & pteAddrMask)
		for ti := 0; ti < EntriesPerTable; ti++ {
			pte := readWord(tablePA, ti)
			if pte&PTE_P != 0 {
				as.pmm.Free(mem.Pa_t(pte & pteAddrMask))
				writeWord(tablePA, ti, pte&^PTE_P)
			}
		}
	}
}

// TransientMap allocates a private virtual window in as, points it at pa
// with the given flags, and returns the window's address. Windows are
// drawn from a fixed-size arena just below the recursive-mapping region
// and are reused only after TransientUnmap.
func (as *AddrSpace_t) TransientMap(pa mem.Pa_t, flags uint32) uintptr {
	as.mu.Lock()
	var slot int
	if n := len(as.freeSlots); n > 0 {
		slot = as.freeSlots[n-1]
		as.freeSlots = as.freeSlots[:n-1]
	} else {
		if as.nextSlot >= transientSlots {
			as.mu.Unlock()
			panic("vm: transient window arena exhausted")
		}
		slot = as.nextSlot
		as.nextSlot++
	}
	va := transientBase + uintptr(slot)*uintptr(PageSize)
	if as.transient == nil {
		as.transient = make(map[uintptr]mem.Pa_t)
	}
	as.transient[va] = pa
	as.mu.Unlock()

	as.Map(va, pa, flags)
	return va
}

// TransientUnmap releases a window previously returned by TransientMap.
// Unmapping a window this address space does not own is a programmer
// error and panics.
func (as *AddrSpace_t) TransientUnmap(va uintptr) {
	as.mu.Lock()
	_, ok := as.transient[va]
	if !ok {
		as.mu.Unlock()
		panic("vm: unmap of a transient window this address space does not own")
	}
	delete(as.transient, va)
	slot := int((va - transientBase) / uintptr(PageSize))
	as.freeSlots = append(as.freeSlots, slot)
	as.mu.Unlock()

	as.Unmap(va)
}
