package vm_test

import (
	"io"
	"log"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/Humber-186/membox/pmem"
	"github.com/Humber-186/membox/vm"
)

func leafPTE(f *vm.Format, paddr uint64) uint64 {
	pte := vm.Insert(0, f.PTE.PPNFull, paddr>>12)
	pte = vm.Insert(pte, f.PTE.V, 1)
	pte = vm.Insert(pte, f.PTE.R, 1)
	pte = vm.Insert(pte, f.PTE.W, 1)
	pte = vm.Insert(pte, f.PTE.X, 1)
	return pte
}

func nonLeafPTE(f *vm.Format, paddr uint64) uint64 {
	pte := vm.Insert(0, f.PTE.PPNFull, paddr>>12)
	pte = vm.Insert(pte, f.PTE.V, 1)
	return pte
}

var _ = Describe("Translator", func() {
	var (
		mem    *pmem.Sim
		logger *log.Logger
	)

	BeforeEach(func() {
		mem = pmem.NewSim(1 << 24)
		logger = log.New(io.Discard, "", 0)
	})

	Context("with the SV39 format", func() {
		var tr *vm.Translator

		const (
			root    = uint64(0x10000)
			l1Table = uint64(0x20000)
			l0Table = uint64(0x30000)
		)

		BeforeEach(func() {
			tr = vm.NewTranslator(mem, vm.SV39, logger)
		})

		link := func(va uint64, dataPage uint64) {
			f := vm.SV39
			vpn2 := vm.Extract(va, f.VA.VPN[2])
			vpn1 := vm.Extract(va, f.VA.VPN[1])
			vpn0 := vm.Extract(va, f.VA.VPN[0])

			Expect(tr.WritePTE(root+vpn2*8,
				nonLeafPTE(f, l1Table))).To(Succeed())
			Expect(tr.WritePTE(l1Table+vpn1*8,
				nonLeafPTE(f, l0Table))).To(Succeed())
			Expect(tr.WritePTE(l0Table+vpn0*8,
				leafPTE(f, dataPage))).To(Succeed())
		}

		It("should walk three levels to a leaf", func() {
			va := uint64(1<<30 | 2<<21 | 3<<12 | 0x45)
			link(va, 0x40000)

			Expect(tr.Translate(root, va)).To(Equal(uint64(0x40045)))
		})

		It("should return 0 for an unmapped address", func() {
			Expect(tr.Translate(root, 0x1234_5000)).To(BeZero())
		})

		It("should return 0 when only the last level is missing", func() {
			va := uint64(1<<30 | 2<<21 | 3<<12)
			link(va, 0x40000)

			// Same L0 table, different slot.
			missing := uint64(1<<30 | 2<<21 | 7<<12)
			Expect(tr.Translate(root, missing)).To(BeZero())
		})

		It("should compose superpage addresses from the VPN", func() {
			f := vm.SV39
			va := uint64(2<<30 | 5<<21 | 3<<12 | 0x7)

			vpn2 := vm.Extract(va, f.VA.VPN[2])
			vpn1 := vm.Extract(va, f.VA.VPN[1])
			Expect(tr.WritePTE(root+vpn2*8,
				nonLeafPTE(f, l1Table))).To(Succeed())
			Expect(tr.WritePTE(l1Table+vpn1*8,
				leafPTE(f, 0x80_0000))).To(Succeed())

			Expect(tr.Translate(root, va)).
				To(Equal(uint64(0x80_0000 | 3<<12 | 0x7)))
		})

		It("should panic on a PTE with R=0 W=1", func() {
			f := vm.SV39
			va := uint64(1 << 30)
			pte := vm.Insert(0, f.PTE.V, 1)
			pte = vm.Insert(pte, f.PTE.W, 1)
			vpn2 := vm.Extract(va, f.VA.VPN[2])
			Expect(tr.WritePTE(root+vpn2*8, pte)).To(Succeed())

			Expect(func() { tr.Translate(root, va) }).To(Panic())
		})

		It("should panic on a non-leaf PTE at level 0", func() {
			f := vm.SV39
			va := uint64(1<<30 | 2<<21 | 3<<12)
			vpn2 := vm.Extract(va, f.VA.VPN[2])
			vpn1 := vm.Extract(va, f.VA.VPN[1])
			vpn0 := vm.Extract(va, f.VA.VPN[0])
			Expect(tr.WritePTE(root+vpn2*8,
				nonLeafPTE(f, l1Table))).To(Succeed())
			Expect(tr.WritePTE(l1Table+vpn1*8,
				nonLeafPTE(f, l0Table))).To(Succeed())
			Expect(tr.WritePTE(l0Table+vpn0*8,
				nonLeafPTE(f, 0x40000))).To(Succeed())

			Expect(func() { tr.Translate(root, va) }).To(Panic())
		})

		It("should panic on an unaligned root", func() {
			Expect(func() { tr.Translate(root+8, 0x1000) }).To(Panic())
		})

		It("should copy to and from the guest across page boundaries",
			func() {
				vaBase := uint64(1<<30 | 2<<21 | 3<<12)
				link(vaBase, 0x40000)
				link(vaBase+vm.PageSize, 0x50000)

				data := make([]byte, 64)
				for i := range data {
					data[i] = byte(i + 1)
				}

				va := vaBase + vm.PageSize - 32
				Expect(tr.CopyToGuest(root, va, data)).To(Succeed())

				got, err := tr.CopyFromGuest(root, va, 64)
				Expect(err).ToNot(HaveOccurred())
				Expect(got).To(Equal(data))

				// The split halves landed on the two data pages.
				first, _ := mem.Read(0x40000+vm.PageSize-32, 32)
				second, _ := mem.Read(0x50000, 32)
				Expect(first).To(Equal(data[:32]))
				Expect(second).To(Equal(data[32:]))
			})

		It("should fail the copy helpers on unmapped addresses", func() {
			err := tr.CopyToGuest(root, 0x7000_0000, []byte{1, 2, 3})
			Expect(err).To(HaveOccurred())

			_, err = tr.CopyFromGuest(root, 0x7000_0000, 3)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("with the SV32 format", func() {
		var tr *vm.Translator

		const (
			root    = uint64(0x10000)
			l0Table = uint64(0x20000)
		)

		BeforeEach(func() {
			tr = vm.NewTranslator(mem, vm.SV32, logger)
		})

		It("should walk two levels to a leaf", func() {
			f := vm.SV32
			va := uint64(5<<22 | 7<<12 | 0x10)

			vpn1 := vm.Extract(va, f.VA.VPN[1])
			vpn0 := vm.Extract(va, f.VA.VPN[0])
			Expect(tr.WritePTE(root+vpn1*4,
				nonLeafPTE(f, l0Table))).To(Succeed())
			Expect(tr.WritePTE(l0Table+vpn0*4,
				leafPTE(f, 0x40000))).To(Succeed())

			Expect(tr.Translate(root, va)).To(Equal(uint64(0x40010)))
		})

		It("should store PTEs little-endian", func() {
			Expect(tr.WritePTE(0x8000, 0x0403_0201)).To(Succeed())

			raw, err := mem.Read(0x8000, 4)
			Expect(err).ToNot(HaveOccurred())
			Expect(raw).To(Equal([]byte{0x01, 0x02, 0x03, 0x04}))

			pte, err := tr.ReadPTE(0x8000)
			Expect(err).ToNot(HaveOccurred())
			Expect(pte).To(Equal(uint64(0x0403_0201)))
		})
	})

	Context("when physical memory fails", func() {
		It("should panic on a PTE read error", func() {
			mockCtrl := gomock.NewController(GinkgoT())
			defer mockCtrl.Finish()

			mockMem := NewMockMemory(mockCtrl)
			mockMem.EXPECT().
				Read(gomock.Any(), gomock.Any()).
				Return(nil, io.ErrUnexpectedEOF)

			tr := vm.NewTranslator(mockMem, vm.SV39, logger)

			Expect(func() { tr.Translate(0x10000, 0x1000) }).To(Panic())
		})
	})
})
