// Package vm models RISC-V SV-style paged virtual memory. It provides
// the bit-layout descriptors of the SV32 and SV39 translation schemes
// and a page-table walker that is generic over them.
package vm

// PageSize is the page size in bytes, shared by all supported formats.
const PageSize = 4096

// VARanges locates the fields of a virtual address.
type VARanges struct {
	PageOffset BitRange
	VPN        []BitRange
}

// PARanges locates the fields of a physical address.
type PARanges struct {
	PageOffset BitRange
	PPNFull    BitRange
	PPN        []BitRange
}

// PTERanges locates the fields of a page-table entry.
type PTERanges struct {
	V, R, W, X, U, G, A, D BitRange
	XWR                    BitRange
	RSW                    BitRange
	PPNFull                BitRange
	PPN                    []BitRange
}

// A Format describes one SV translation scheme: how many levels the
// page table has, how wide addresses and entries are, and where each
// field lives. The walker and the supervisor are written once against
// this record, so a variant is just an instantiation.
type Format struct {
	Name    string
	Levels  int
	VAWidth uint8

	// PTESize is the size of one page-table entry in bytes. A page
	// table holds PageSize/PTESize entries.
	PTESize uint64

	VA  VARanges
	PA  PARanges
	PTE PTERanges
}

// EntriesPerTable returns the number of PTEs in one page table.
func (f *Format) EntriesPerTable() uint64 {
	return PageSize / f.PTESize
}

// SV32 is the two-level 32-bit scheme with 32-bit PTEs.
var SV32 = &Format{
	Name:    "SV32",
	Levels:  2,
	VAWidth: 32,
	PTESize: 4,
	VA: VARanges{
		PageOffset: BitRange{11, 0},
		VPN: []BitRange{
			{21, 12},
			{31, 22},
		},
	},
	PA: PARanges{
		PageOffset: BitRange{11, 0},
		PPNFull:    BitRange{33, 12},
		PPN: []BitRange{
			{20, 12},
			{29, 21},
		},
	},
	PTE: PTERanges{
		V: BitRange{0, 0},
		R: BitRange{1, 1},
		W: BitRange{2, 2},
		X: BitRange{3, 3},
		U: BitRange{4, 4},
		G: BitRange{5, 5},
		A: BitRange{6, 6},
		D: BitRange{7, 7},

		XWR:     BitRange{3, 1},
		RSW:     BitRange{9, 8},
		PPNFull: BitRange{31, 10},
		PPN: []BitRange{
			{19, 10},
			{31, 20},
		},
	},
}

// SV39 is the three-level scheme with 39-bit virtual addresses and
// 64-bit PTEs. The PBMT and N fields exist in the architecture but are
// not inspected here.
var SV39 = &Format{
	Name:    "SV39",
	Levels:  3,
	VAWidth: 39,
	PTESize: 8,
	VA: VARanges{
		PageOffset: BitRange{11, 0},
		VPN: []BitRange{
			{20, 12},
			{29, 21},
			{38, 30},
		},
	},
	PA: PARanges{
		PageOffset: BitRange{11, 0},
		PPNFull:    BitRange{55, 12},
		PPN: []BitRange{
			{20, 12},
			{29, 21},
			{55, 30},
		},
	},
	PTE: PTERanges{
		V: BitRange{0, 0},
		R: BitRange{1, 1},
		W: BitRange{2, 2},
		X: BitRange{3, 3},
		U: BitRange{4, 4},
		G: BitRange{5, 5},
		A: BitRange{6, 6},
		D: BitRange{7, 7},

		XWR:     BitRange{3, 1},
		RSW:     BitRange{9, 8},
		PPNFull: BitRange{53, 10},
		PPN: []BitRange{
			{18, 10},
			{27, 19},
			{53, 28},
		},
	},
}
