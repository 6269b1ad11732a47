package vm

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/Humber-186/membox/pmem"
)

// A Translator resolves virtual addresses the way the hardware MMU
// would: by walking a guest page table stored in physical memory. The
// walk only reads. WritePTE is the primitive the supervisor uses to
// mutate page tables, and CopyToGuest writes guest data pages.
type Translator struct {
	mem    pmem.Memory
	format *Format
	logger *log.Logger
}

// NewTranslator creates a Translator for the given format. A nil
// logger falls back to the default logger.
func NewTranslator(
	mem pmem.Memory,
	format *Format,
	logger *log.Logger,
) *Translator {
	if logger == nil {
		logger = log.Default()
	}

	return &Translator{
		mem:    mem,
		format: format,
		logger: logger,
	}
}

// Format returns the translation scheme the Translator walks.
func (t *Translator) Format() *Format {
	return t.format
}

// ReadPTE reads the page-table entry stored at the given physical
// address as a 64-bit word.
func (t *Translator) ReadPTE(addr uint64) (uint64, error) {
	raw, err := t.mem.Read(addr, t.format.PTESize)
	if err != nil {
		return 0, err
	}

	if t.format.PTESize == 4 {
		return uint64(binary.LittleEndian.Uint32(raw)), nil
	}
	return binary.LittleEndian.Uint64(raw), nil
}

// WritePTE stores a page-table entry at the given physical address.
func (t *Translator) WritePTE(addr uint64, pte uint64) error {
	raw := make([]byte, t.format.PTESize)
	if t.format.PTESize == 4 {
		binary.LittleEndian.PutUint32(raw, uint32(pte))
	} else {
		binary.LittleEndian.PutUint64(raw, pte)
	}
	return t.mem.Write(addr, raw)
}

// Translate walks the page table rooted at root and returns the
// physical address that va maps to, or 0 if the address is unmapped.
// The supervisor also uses the 0 return as a vacancy probe, so a miss
// is not logged. A malformed page table is memory corruption and
// panics.
func (t *Translator) Translate(root, va uint64) uint64 {
	if root%PageSize != 0 {
		panic(fmt.Sprintf("page-table root 0x%x is not page-aligned", root))
	}

	f := t.format
	ptAddr := root
	for level := f.Levels - 1; level >= 0; level-- {
		pteAddr := ptAddr + Extract(va, f.VA.VPN[level])*f.PTESize
		pte, err := t.ReadPTE(pteAddr)
		if err != nil {
			t.logger.Panicf(
				"%s: cannot read PTE at 0x%x, root=0x%x, va=0x%x: %v",
				f.Name, pteAddr, root, va, err)
		}

		if Extract(pte, f.PTE.V) == 0 {
			// Unmapped. A hardware MMU would raise a page fault here.
			return 0
		}

		if Extract(pte, f.PTE.R) == 0 && Extract(pte, f.PTE.W) == 1 {
			t.logger.Panicf(
				"%s: malformed PTE with R=0,W=1, root=0x%x, va=0x%x",
				f.Name, root, va)
		}

		if Extract(pte, f.PTE.R) == 1 || Extract(pte, f.PTE.X) == 1 {
			return t.composeLeafAddr(pte, va, level, root)
		}

		// Non-leaf entry names the next-level table.
		if level == 0 {
			t.logger.Panicf(
				"%s: non-leaf PTE at level 0, root=0x%x, va=0x%x",
				f.Name, root, va)
		}
		ptAddr = Extract(pte, f.PTE.PPNFull) << 12
	}

	panic("page-table walk fell through all levels")
}

func (t *Translator) composeLeafAddr(
	pte, va uint64,
	level int,
	root uint64,
) uint64 {
	f := t.format
	pa := Insert(0, f.PA.PageOffset, Extract(va, f.VA.PageOffset))

	// A leaf above level 0 is a superpage; the PPN fields below its
	// level come from the virtual address. The check logs a superpage
	// whose PTE.PPN[level] field is nonzero; the PTE's lower PPN fields
	// are not inspected.
	for i := 0; i < level; i++ {
		if Extract(pte, f.PTE.PPN[level]) != 0 {
			t.logger.Printf(
				"%s: superpage PTE with nonzero PPN[%d], root=0x%x, va=0x%x",
				f.Name, level, root, va)
		}
		pa = Insert(pa, f.PA.PPN[i], Extract(va, f.VA.VPN[i]))
	}
	for i := level; i < f.Levels; i++ {
		pa = Insert(pa, f.PA.PPN[i], Extract(pte, f.PTE.PPN[i]))
	}

	if pa == 0 {
		panic("translation resolved to the null physical address")
	}

	return pa
}

// CopyToGuest writes src into the guest address space at dst,
// splitting the access at page boundaries. All touched pages must be
// mapped.
func (t *Translator) CopyToGuest(root, dst uint64, src []byte) error {
	offset := uint64(0)
	size := uint64(len(src))
	for offset < size {
		va := dst + offset
		chunk := min(size-offset, PageSize-va%PageSize)

		pa := t.Translate(root, va)
		if pa == 0 {
			t.logger.Printf(
				"%s: copy to guest: va=0x%x is not mapped, root=0x%x",
				t.format.Name, va, root)
			return fmt.Errorf("virtual address 0x%x is not mapped", va)
		}

		if err := t.mem.Write(pa, src[offset:offset+chunk]); err != nil {
			t.logger.Printf(
				"%s: copy to guest: write at pa=0x%x failed: %v",
				t.format.Name, pa, err)
			return err
		}

		offset += chunk
	}

	return nil
}

// CopyFromGuest reads n bytes from the guest address space at src,
// splitting the access at page boundaries. All touched pages must be
// mapped.
func (t *Translator) CopyFromGuest(
	root, src uint64,
	n uint64,
) ([]byte, error) {
	res := make([]byte, n)
	offset := uint64(0)
	for offset < n {
		va := src + offset
		chunk := min(n-offset, PageSize-va%PageSize)

		pa := t.Translate(root, va)
		if pa == 0 {
			t.logger.Printf(
				"%s: copy from guest: va=0x%x is not mapped, root=0x%x",
				t.format.Name, va, root)
			return nil, fmt.Errorf("virtual address 0x%x is not mapped", va)
		}

		data, err := t.mem.Read(pa, chunk)
		if err != nil {
			t.logger.Printf(
				"%s: copy from guest: read at pa=0x%x failed: %v",
				t.format.Name, pa, err)
			return nil, err
		}
		copy(res[offset:offset+chunk], data)

		offset += chunk
	}

	return res, nil
}
