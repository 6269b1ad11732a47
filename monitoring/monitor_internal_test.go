package monitoring

import (
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Humber-186/membox/pmem"
	"github.com/Humber-186/membox/vm"
	"github.com/Humber-186/membox/vm/supervisor"
)

var _ = Describe("Monitor", func() {
	var (
		m  *Monitor
		sv *supervisor.Supervisor
	)

	BeforeEach(func() {
		sv = supervisor.MakeBuilder().
			WithMemory(pmem.NewSim(1 << 24)).
			WithFormat(vm.SV39).
			WithLogger(log.New(io.Discard, "", 0)).
			Build("SV39Supervisor")

		m = NewMonitor()
		m.RegisterSupervisor(sv)
	})

	It("should register supervisors", func() {
		Expect(m.supervisors).To(HaveLen(1))
	})

	It("should list supervisor names", func() {
		w := httptest.NewRecorder()
		r := httptest.NewRequest("GET", "/api/supervisors", nil)

		m.listSupervisors(w, r)

		Expect(w.Body.String()).To(Equal(`["SV39Supervisor"]`))
	})

	It("should report usage counters", func() {
		root := sv.CreatePageTable()
		Expect(sv.Mmap(root, 0x1000, 2*vm.PageSize)).ToNot(BeZero())

		w := httptest.NewRecorder()
		r := httptest.NewRequest("GET", "/api/usage", nil)

		m.listUsage(w, r)

		var rsp []usageRsp
		Expect(json.Unmarshal(w.Body.Bytes(), &rsp)).To(Succeed())
		Expect(rsp).To(HaveLen(1))
		Expect(rsp[0].Name).To(Equal("SV39Supervisor"))
		Expect(rsp[0].VMemUsage).To(Equal(uint64(2 * vm.PageSize)))
		Expect(rsp[0].PMemUsage).To(Equal(sv.PMemUsage()))
	})

	It("should reject a port number below 1000", func() {
		m.WithPortNumber(80)
		Expect(m.portNumber).To(Equal(0))

		m.WithPortNumber(8080)
		Expect(m.portNumber).To(Equal(8080))
	})
})
