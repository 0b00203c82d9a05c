package vm

import "testing"

import "rastakernel/mem"

func freshPMM(npages int) *mem.Physmem_t {
	p := &mem.Physmem_t{}
	p.Init([]mem.RegionSummary{{Base: 0x400000, Len: npages * mem.PGSIZE}})
	return p
}

func TestMapGetPhysicalConsistentWithPMM(t *testing.T) {
	p := freshPMM(8)
	as := Init(p)

	pa := p.Alloc()
	va := uintptr(0x500000)
	if !as.Map(va, pa, PTE_W|PTE_U) {
		t.Fatalf("map failed")
	}
	got, ok := as.GetPhysical(va)
	if !ok || got != pa {
		t.Fatalf("get_physical mismatch: got %x ok=%v want %x", got, ok, pa)
	}
	if !p.Reserved(pa) {
		t.Fatalf("mapped frame must be allocated per pmm")
	}
}

func TestMapAlreadyMappedPanics(t *testing.T) {
	p := freshPMM(8)
	as := Init(p)
	pa := p.Alloc()
	va := uintptr(0x500000)
	as.Map(va, pa, PTE_W)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic remapping a present va")
		}
	}()
	as.Map(va, p.Alloc(), PTE_W)
}

func TestUnmapClearsPresentBit(t *testing.T) {
	p := freshPMM(8)
	as := Init(p)
	pa := p.Alloc()
	va := uintptr(0x500000)
	as.Map(va, pa, PTE_W)
	as.Unmap(va)
	if _, ok := as.GetPhysical(va); ok {
		t.Fatalf("expected unmapped va to resolve to nothing")
	}
}

func TestCloneIsDeepCopyNotCOW(t *testing.T) {
	p := freshPMM(32)
	parent := Init(p)

	pa := p.Alloc()
	va := uintptr(0x500000)
	parent.Map(va, pa, PTE_W|PTE_U)
	WriteFrame(pa, []byte("parent data"))

	child := parent.CloneAddressSpace()
	if child == nil {
		t.Fatalf("clone failed")
	}

	childPA, ok := child.GetPhysical(va)
	if !ok {
		t.Fatalf("expected child to inherit the mapping")
	}
	if childPA == pa {
		t.Fatalf("clone must allocate a distinct frame, not share the parent's")
	}

	WriteFrame(pa, []byte("mutated by parent"))
	childBytes := ReadFrame(childPA)
	if string(childBytes[:len("parent data")]) != "parent data" {
		t.Fatalf("child frame content changed after parent wrote its own frame: isolation violated")
	}
}

func TestCloneSharesKernelPDEsByReference(t *testing.T) {
	p := freshPMM(32)
	parent := Init(p)

	kva := KernelVirtBase
	kpa := p.Alloc()
	parent.Map(kva, kpa, PTE_W)

	child := parent.CloneAddressSpace()
	got, ok := child.GetPhysical(kva)
	if !ok || got != kpa {
		t.Fatalf("expected shared kernel mapping to be identical, got %x ok=%v want %x", got, ok, kpa)
	}
}

func TestDestroyFreesUserFramesOnly(t *testing.T) {
	p := freshPMM(32)
	parent := Init(p)

	uva := uintptr(0x500000)
	upa := p.Alloc()
	parent.Map(uva, upa, PTE_W|PTE_U)

	kva := KernelVirtBase
	kpa := p.Alloc()
	parent.Map(kva, kpa, PTE_W)

	child := parent.CloneAddressSpace()
	child.DestroyAddressSpace()

	if p.Reserved(kpa) == false {
		t.Fatalf("shared kernel frame must survive destruction of a clone")
	}
	if !p.Reserved(upa) {
		t.Fatalf("parent's own user frame must be untouched by destroying the clone")
	}
}

func TestTransientMapRoundTrip(t *testing.T) {
	p := freshPMM(8)
	as := Init(p)

	pa := p.Alloc()
	WriteFrame(pa, []byte("hello"))

	win := as.TransientMap(pa, PTE_W)
	got, ok := as.GetPhysical(win)
	if !ok || got != pa {
		t.Fatalf("transient window did not resolve to target frame")
	}
	as.TransientUnmap(win)
	if _, ok := as.GetPhysical(win); ok {
		t.Fatalf("expected transient window to be unmapped after TransientUnmap")
	}
}

func TestTransientUnmapForeignWindowPanics(t *testing.T) {
	p := freshPMM(8)
	as := Init(p)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic unmapping a window never returned by TransientMap")
		}
	}()
	as.TransientUnmap(transientBase + 7*uintptr(PageSize))
}

func TestSwitchPropagatesKernelMappings(t *testing.T) {
	p := freshPMM(16)
	first := Init(p)

	kva := KernelVirtBase
	kpa := p.Alloc()
	first.Map(kva, kpa, PTE_W)

	second := NewAddrSpace(p)
	if got, ok := second.GetPhysical(kva); !ok || got != kpa {
		t.Fatalf("expected NewAddrSpace to copy the kernel mappings active at its creation")
	}

	// a later kernel mapping in first, under a kernel PDE second did not
	// copy, must become visible in second once it becomes current and is
	// refreshed by Switch.
	kva2 := KernelVirtBase + uintptr(EntriesPerTable*PageSize)
	kpa2 := p.Alloc()
	first.Map(kva2, kpa2, PTE_W)

	Switch(first)
	Switch(second)
	if got, ok := second.GetPhysical(kva2); !ok || got != kpa2 {
		t.Fatalf("expected switch to refresh kernel mappings from the outgoing address space")
	}
}
