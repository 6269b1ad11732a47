package pmem_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Humber-186/membox/pmem"
)

var _ = Describe("Sim", func() {
	var mem *pmem.Sim

	BeforeEach(func() {
		mem = pmem.NewSim(1 << 20)
	})

	It("should report capacity and address floor", func() {
		Expect(mem.Capacity()).To(Equal(uint64(1 << 20)))
		Expect(mem.AddrFloor()).To(Equal(uint64(4096)))
	})

	It("should read back what was written", func() {
		Expect(mem.Write(0x2000, []byte{1, 2, 3, 4})).To(Succeed())

		data, err := mem.Read(0x2000, 4)
		Expect(err).ToNot(HaveOccurred())
		Expect(data).To(Equal([]byte{1, 2, 3, 4}))
	})

	It("should read and write across page boundaries", func() {
		Expect(mem.Write(0x2ffe, []byte{1, 2, 3, 4})).To(Succeed())

		data, err := mem.Read(0x2ffe, 4)
		Expect(err).ToNot(HaveOccurred())
		Expect(data).To(Equal([]byte{1, 2, 3, 4}))
	})

	It("should return zero for untouched memory", func() {
		data, err := mem.Read(0x5000, 8)
		Expect(err).ToNot(HaveOccurred())
		Expect(data).To(Equal(make([]byte, 8)))
	})

	It("should apply a byte-wise write mask", func() {
		Expect(mem.Write(0x3000, []byte{9, 9, 9, 9})).To(Succeed())
		Expect(mem.WriteMasked(0x3000,
			[]byte{1, 2, 3, 4},
			[]bool{true, false, true, false},
		)).To(Succeed())

		data, err := mem.Read(0x3000, 4)
		Expect(err).ToNot(HaveOccurred())
		Expect(data).To(Equal([]byte{1, 9, 3, 9}))
	})

	It("should fill a range with one value", func() {
		Expect(mem.Fill(0x2ff0, 0xab, 32)).To(Succeed())

		data, err := mem.Read(0x2ff0, 32)
		Expect(err).ToNot(HaveOccurred())
		for _, b := range data {
			Expect(b).To(Equal(byte(0xab)))
		}
	})

	It("should reject accesses below the address floor", func() {
		Expect(mem.Write(0, []byte{1})).ToNot(Succeed())
		Expect(mem.Fill(4095, 0, 1)).ToNot(Succeed())

		_, err := mem.Read(0x800, 8)
		Expect(err).To(HaveOccurred())
	})

	It("should reject accesses beyond the capacity", func() {
		Expect(mem.Write((1<<20)-2, []byte{1, 2, 3})).ToNot(Succeed())

		_, err := mem.Read(1<<20, 1)
		Expect(err).To(HaveOccurred())
	})

	It("should treat alloc and free as range checks", func() {
		Expect(mem.Alloc(0x4000, 4096)).To(Succeed())
		Expect(mem.Free(0x4000, 4096)).To(Succeed())
		Expect(mem.Alloc(0, 4096)).ToNot(Succeed())
	})
})
