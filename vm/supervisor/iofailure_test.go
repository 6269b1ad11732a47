package supervisor_test

import (
	"errors"
	"io"
	"log"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/Humber-186/membox/pmem"
	"github.com/Humber-186/membox/vm"
	"github.com/Humber-186/membox/vm/supervisor"
)

var errBackingStore = errors.New("backing store failure")

var _ = Describe("Supervisor with failing physical memory", func() {
	var (
		mockCtrl *gomock.Controller
		mockMem  *MockMemory
		real     *pmem.Sim
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		real = pmem.NewSim(1 << 23)

		mockMem = NewMockMemory(mockCtrl)
		mockMem.EXPECT().Capacity().Return(real.Capacity()).AnyTimes()
		mockMem.EXPECT().
			Read(gomock.Any(), gomock.Any()).
			DoAndReturn(real.Read).
			AnyTimes()
		mockMem.EXPECT().
			Write(gomock.Any(), gomock.Any()).
			DoAndReturn(real.Write).
			AnyTimes()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should fail create when the root cannot be zeroed", func() {
		mockMem.EXPECT().
			Fill(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(errBackingStore)

		sv := supervisor.MakeBuilder().
			WithMemory(mockMem).
			WithFormat(vm.SV39).
			WithLogger(log.New(io.Discard, "", 0)).
			Build("SV39Supervisor")

		Expect(sv.CreatePageTable()).To(BeZero())
		Expect(sv.PMemUsage()).To(BeZero())
	})

	It("should roll back alloc when an intermediate cannot be zeroed",
		func() {
			// The first fill (the root in create) succeeds; the next
			// one (the new intermediate table in mmap) fails.
			fills := 0
			mockMem.EXPECT().
				Fill(gomock.Any(), gomock.Any(), gomock.Any()).
				DoAndReturn(func(addr uint64, v byte, n uint64) error {
					fills++
					if fills > 1 {
						return errBackingStore
					}
					return real.Fill(addr, v, n)
				}).
				AnyTimes()

			sv := supervisor.MakeBuilder().
				WithMemory(mockMem).
				WithFormat(vm.SV39).
				WithLogger(log.New(io.Discard, "", 0)).
				Build("SV39Supervisor")

			root := sv.CreatePageTable()
			Expect(root).ToNot(BeZero())

			pmemBefore := sv.PMemUsage()
			vmemBefore := sv.VMemUsage()

			Expect(sv.Mmap(root, 0x10000, vm.PageSize)).To(BeZero())

			Expect(sv.PMemUsage()).To(Equal(pmemBefore))
			Expect(sv.VMemUsage()).To(Equal(vmemBefore))
		})
})
