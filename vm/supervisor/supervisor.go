// Package supervisor maintains page tables on behalf of guest address
// spaces. It exposes creation and destruction of address spaces and a
// POSIX-like map/unmap interface, backed by a buddy allocator over the
// simulated physical memory.
package supervisor

import (
	"fmt"
	"log"

	"github.com/Humber-186/membox/buddy"
	"github.com/Humber-186/membox/pmem"
	"github.com/Humber-186/membox/recording"
	"github.com/Humber-186/membox/vm"
)

// DefaultMmapHint is the virtual address where the free-region search
// starts when the caller passes no hint.
const DefaultMmapHint = 0x91000000

// mmapSearchBound caps the number of candidate windows the free-region
// search probes before giving up.
const mmapSearchBound = 4096

// A Supervisor owns the page tables and all physical pages of the
// address spaces it creates. Guests hold only opaque handles: the
// physical address of a root page table and virtual addresses within
// it.
//
// Address-returning operations report failure as 0; the buddy
// allocator guarantees no real page lives at address 0. Misuse and
// page-table corruption panic.
type Supervisor struct {
	name   string
	mem    pmem.Memory
	format *vm.Format
	logger *log.Logger
	rec    recording.Recorder

	translator *vm.Translator
	buddy      *buddy.Allocator

	vPageUsage uint64
	roots      map[uint64]bool
}

// Name returns the name the supervisor was built with.
func (s *Supervisor) Name() string {
	return s.name
}

// Translator returns the stateless translator that guests can use to
// resolve addresses and copy data in and out of mapped regions.
func (s *Supervisor) Translator() *vm.Translator {
	return s.translator
}

// CreatePageTable creates an empty address space and returns the
// physical address of its root page table, or 0 if physical memory is
// exhausted.
func (s *Supervisor) CreatePageTable() uint64 {
	root := s.buddy.Allocate(0)
	if root == 0 {
		s.logger.Printf("%s: cannot allocate a page-table root", s.name)
		return 0
	}

	if s.roots[root] {
		panic(fmt.Sprintf("root 0x%x is already live", root))
	}

	if err := s.mem.Fill(root, 0, vm.PageSize); err != nil {
		s.logger.Printf(
			"%s: cannot zero new page table at 0x%x: %v", s.name, root, err)
		s.buddy.Free(root, 0)
		return 0
	}

	s.roots[root] = true
	s.record("create", 0, 0, 0, root)

	return root
}

// DestroyPageTable destroys an address space: all mapped data pages,
// all intermediate page tables, and the root itself return to the
// buddy allocator.
func (s *Supervisor) DestroyPageTable(root uint64) error {
	s.mustBeRoot(root)

	if err := s.destroyOneLevel(root, s.format.Levels-1); err != nil {
		return err
	}

	delete(s.roots, root)
	s.record("destroy", root, 0, 0, 0)

	return nil
}

// destroyOneLevel releases every page reachable from the page table at
// ptAddr, then the page table itself.
func (s *Supervisor) destroyOneLevel(ptAddr uint64, level int) error {
	f := s.format
	for pteAddr := ptAddr; pteAddr < ptAddr+vm.PageSize; pteAddr += f.PTESize {
		pte, err := s.translator.ReadPTE(pteAddr)
		if err != nil {
			s.logger.Printf(
				"%s: cannot read PTE at 0x%x during destroy: %v",
				s.name, pteAddr, err)
			return err
		}

		if vm.Extract(pte, f.PTE.V) == 0 {
			continue
		}

		if vm.Extract(pte, f.PTE.XWR) != 0 {
			// Leaf. The supervisor never creates superpages, so one
			// above level 0 means the table is corrupt.
			if level != 0 {
				s.logger.Panicf(
					"%s: superpage leaf at level %d during destroy, pt=0x%x",
					s.name, level, ptAddr)
			}

			paddr := vm.Extract(pte, f.PTE.PPNFull) << 12
			s.buddy.Free(paddr, 0)
			s.decrementVPageUsage()
			continue
		}

		if level == 0 {
			s.logger.Panicf(
				"%s: non-leaf PTE at level 0 during destroy, pt=0x%x",
				s.name, ptAddr)
		}

		nextPT := vm.Extract(pte, f.PTE.PPNFull) << 12
		if err := s.destroyOneLevel(nextPT, level-1); err != nil {
			return err
		}
	}

	s.buddy.Free(ptAddr, 0)

	return nil
}

// Mmap maps a region of ceil(size/PageSize) fresh pages into the
// address space and returns its page-aligned start address, or 0 on
// failure. The hint is advisory: the region starts at the first window
// of unmapped pages at or above it. A call that cannot be completed
// leaves the address space unchanged.
func (s *Supervisor) Mmap(root, hint uint64, size uint64) uint64 {
	s.mustBeRoot(root)

	if size == 0 {
		s.logger.Printf("%s: mmap called with size 0", s.name)
		return 0
	}

	va := hint - hint%vm.PageSize
	if va == 0 {
		va = DefaultMmapHint
	}
	numPages := (size + vm.PageSize - 1) / vm.PageSize

	va, found := s.findFreeRegion(root, va, numPages)
	if !found {
		s.logger.Printf(
			"%s: mmap found no free region of %d pages near 0x%x, root=0x%x",
			s.name, numPages, hint, root)
		return 0
	}

	for k := uint64(0); k < numPages; k++ {
		if err := s.allocOnePage(root, va+k*vm.PageSize); err != nil {
			s.logger.Printf(
				"%s: mmap failed at page %d of %d, rolling back: %v",
				s.name, k, numPages, err)
			for undo := uint64(0); undo < k; undo++ {
				if err := s.freeOnePage(root, va+undo*vm.PageSize); err != nil {
					s.logger.Panicf(
						"%s: mmap rollback failed at va=0x%x: %v",
						s.name, va+undo*vm.PageSize, err)
				}
			}
			return 0
		}
	}

	s.record("mmap", root, va, size, va)

	return va
}

// findFreeRegion probes for numPages consecutive unmapped pages,
// advancing one page at a time for at most mmapSearchBound windows.
func (s *Supervisor) findFreeRegion(
	root, va uint64,
	numPages uint64,
) (uint64, bool) {
	for i := 0; i < mmapSearchBound; i++ {
		free := true
		for k := uint64(0); k < numPages; k++ {
			if s.translator.Translate(root, va+k*vm.PageSize) != 0 {
				free = false
				break
			}
		}
		if free {
			return va, true
		}
		va += vm.PageSize
	}

	return 0, false
}

// Munmap unmaps the pages of [va, va+size). The address must be
// page-aligned and every page in the region must be mapped.
func (s *Supervisor) Munmap(root, va uint64, size uint64) error {
	s.mustBeRoot(root)
	if va%vm.PageSize != 0 {
		panic(fmt.Sprintf("munmap at unaligned address 0x%x", va))
	}
	if size == 0 {
		s.logger.Printf("%s: munmap called with size 0", s.name)
		return fmt.Errorf("munmap with size 0")
	}

	numPages := (size + vm.PageSize - 1) / vm.PageSize
	for k := uint64(0); k < numPages; k++ {
		if err := s.freeOnePage(root, va+k*vm.PageSize); err != nil {
			s.logger.Printf(
				"%s: munmap failed at va=0x%x, root=0x%x: %v",
				s.name, va+k*vm.PageSize, root, err)
			return err
		}
	}

	s.record("munmap", root, va, size, 0)

	return nil
}

// VMemUsage returns the number of bytes currently mapped, summed over
// all live address spaces.
func (s *Supervisor) VMemUsage() uint64 {
	return s.vPageUsage * vm.PageSize
}

// PMemUsage returns the number of physical bytes currently allocated:
// root pages, intermediate page tables, and data pages.
func (s *Supervisor) PMemUsage() uint64 {
	return s.buddy.Usage()
}

// stagedPTE is a page-table entry waiting for the commit phase of
// allocOnePage.
type stagedPTE struct {
	addr uint64
	pte  uint64
}

// allocOnePage maps one fresh data page at va, allocating intermediate
// page tables as needed. The insertion is transactional: either the
// page table ends up with the full chain and the leaf committed, or
// every page allocated by this call is returned to the buddy.
func (s *Supervisor) allocOnePage(root, va uint64) error {
	s.mustBeRoot(root)
	if va%vm.PageSize != 0 {
		panic(fmt.Sprintf("allocating at unaligned address 0x%x", va))
	}
	if s.translator.Translate(root, va) != 0 {
		panic(fmt.Sprintf("allocating at already-mapped address 0x%x", va))
	}

	f := s.format

	// Phase 1: walk down until the first missing level.
	ptAddr := root
	var pteAddr uint64
	level := f.Levels - 1
	for ; level >= 0; level-- {
		pteAddr = ptAddr + vm.Extract(va, f.VA.VPN[level])*f.PTESize
		pte, err := s.translator.ReadPTE(pteAddr)
		if err != nil {
			s.logger.Panicf(
				"%s: cannot read PTE at 0x%x, root=0x%x, va=0x%x: %v",
				s.name, pteAddr, root, va, err)
		}

		if vm.Extract(pte, f.PTE.V) == 0 {
			break
		}
		if vm.Extract(pte, f.PTE.R) == 0 && vm.Extract(pte, f.PTE.W) == 1 {
			s.logger.Printf(
				"%s: malformed PTE with R=0,W=1, root=0x%x, va=0x%x",
				s.name, root, va)
			return fmt.Errorf("malformed PTE at va 0x%x", va)
		}
		if vm.Extract(pte, f.PTE.XWR) != 0 {
			panic(fmt.Sprintf(
				"leaf PTE at va 0x%x despite vacancy check", va))
		}
		if level == 0 {
			s.logger.Panicf(
				"%s: non-leaf PTE at level 0, root=0x%x, va=0x%x",
				s.name, root, va)
		}
		ptAddr = vm.Extract(pte, f.PTE.PPNFull) << 12
	}

	// Phase 2: stage the missing page tables and the data page.
	var allocated []uint64
	var commits []stagedPTE

	rollback := func() {
		for _, page := range allocated {
			s.buddy.Free(page, 0)
		}
	}

	for level > 0 {
		newPT := s.buddy.Allocate(0)
		if newPT == 0 {
			rollback()
			return fmt.Errorf("out of physical memory for page tables")
		}
		allocated = append(allocated, newPT)

		pte := vm.Insert(0, f.PTE.PPNFull, newPT>>12)
		pte = vm.Insert(pte, f.PTE.V, 1)
		commits = append(commits, stagedPTE{pteAddr, pte})

		level--
		pteAddr = newPT + vm.Extract(va, f.VA.VPN[level])*f.PTESize
	}

	dataPage := s.buddy.Allocate(0)
	if dataPage == 0 {
		rollback()
		return fmt.Errorf("out of physical memory for data page")
	}
	allocated = append(allocated, dataPage)

	leaf := vm.Insert(0, f.PTE.PPNFull, dataPage>>12)
	leaf = vm.Insert(leaf, f.PTE.V, 1)
	leaf = vm.Insert(leaf, f.PTE.R, 1)
	leaf = vm.Insert(leaf, f.PTE.W, 1)
	leaf = vm.Insert(leaf, f.PTE.X, 1)
	commits = append(commits, stagedPTE{pteAddr, leaf})

	// Phase 3: commit. New page tables must be zeroed before the PTE
	// write that makes them reachable.
	for _, page := range allocated[:len(allocated)-1] {
		if err := s.mem.Fill(page, 0, vm.PageSize); err != nil {
			s.logger.Printf(
				"%s: cannot zero new page table at 0x%x: %v",
				s.name, page, err)
			rollback()
			return err
		}
	}
	for i, c := range commits {
		if err := s.translator.WritePTE(c.addr, c.pte); err != nil {
			s.logger.Printf(
				"%s: cannot write PTE at 0x%x: %v", s.name, c.addr, err)
			for _, done := range commits[:i] {
				_ = s.translator.WritePTE(done.addr, 0)
			}
			rollback()
			return err
		}
	}

	s.vPageUsage++

	return nil
}

// freeOnePage unmaps the page at va and returns its data page to the
// buddy. Intermediate page tables are kept even when they become
// empty; they are released only by DestroyPageTable.
func (s *Supervisor) freeOnePage(root, va uint64) error {
	s.mustBeRoot(root)
	if va%vm.PageSize != 0 {
		panic(fmt.Sprintf("freeing at unaligned address 0x%x", va))
	}
	if s.translator.Translate(root, va) == 0 {
		panic(fmt.Sprintf("freeing unmapped address 0x%x", va))
	}

	f := s.format
	ptAddr := root
	for level := f.Levels - 1; level >= 0; level-- {
		pteAddr := ptAddr + vm.Extract(va, f.VA.VPN[level])*f.PTESize
		pte, err := s.translator.ReadPTE(pteAddr)
		if err != nil {
			s.logger.Panicf(
				"%s: cannot read PTE at 0x%x, root=0x%x, va=0x%x: %v",
				s.name, pteAddr, root, va, err)
		}

		if vm.Extract(pte, f.PTE.V) == 0 {
			s.logger.Panicf(
				"%s: invalid PTE while freeing mapped va=0x%x, root=0x%x",
				s.name, va, root)
		}
		if vm.Extract(pte, f.PTE.R) == 0 && vm.Extract(pte, f.PTE.W) == 1 {
			s.logger.Panicf(
				"%s: malformed PTE with R=0,W=1, root=0x%x, va=0x%x",
				s.name, root, va)
		}

		if vm.Extract(pte, f.PTE.XWR) != 0 {
			if level != 0 {
				s.logger.Panicf(
					"%s: superpage leaf at level %d while freeing va=0x%x",
					s.name, level, va)
			}

			paddr := vm.Extract(pte, f.PTE.PPNFull) << 12
			if paddr == 0 {
				panic("leaf PTE references the null page")
			}
			s.buddy.Free(paddr, 0)

			if err := s.translator.WritePTE(pteAddr, 0); err != nil {
				s.logger.Printf(
					"%s: cannot clear PTE at 0x%x: %v", s.name, pteAddr, err)
				return err
			}

			s.decrementVPageUsage()
			return nil
		}

		if level == 0 {
			s.logger.Panicf(
				"%s: non-leaf PTE at level 0, root=0x%x, va=0x%x",
				s.name, root, va)
		}
		ptAddr = vm.Extract(pte, f.PTE.PPNFull) << 12
	}

	panic("page-table walk fell through all levels")
}

func (s *Supervisor) decrementVPageUsage() {
	if s.vPageUsage == 0 {
		panic("virtual page usage underflow")
	}
	s.vPageUsage--
}

// mustBeRoot validates a root handle passed in by a guest.
func (s *Supervisor) mustBeRoot(root uint64) {
	if root%vm.PageSize != 0 {
		panic(fmt.Sprintf("root 0x%x is not page-aligned", root))
	}
	if !s.roots[root] {
		panic(fmt.Sprintf("root 0x%x is not a live page table", root))
	}
}

func (s *Supervisor) record(
	kind string,
	root, va, size, result uint64,
) {
	if s.rec == nil {
		return
	}
	s.rec.Record(recording.Op{
		Kind:   kind,
		Root:   root,
		VAddr:  va,
		Size:   size,
		Result: result,
	})
}
