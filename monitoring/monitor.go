// Package monitoring turns a running simulation into a small web
// server so that the state of the memory subsystem can be inspected
// from a browser while a workload runs.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/Humber-186/membox/vm/supervisor"
)

// Monitor serves the state of registered supervisors over HTTP.
type Monitor struct {
	portNumber  int
	actualPort  int
	supervisors []*supervisor.Supervisor
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor. Ports below
// 1000 are rejected and replaced with a random port.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n",
			portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterSupervisor registers a supervisor to be monitored.
func (m *Monitor) RegisterSupervisor(sv *supervisor.Supervisor) {
	m.supervisors = append(m.supervisors, sv)
}

// StartServer starts serving the monitoring API.
func (m *Monitor) StartServer() {
	r := mux.NewRouter()
	r.HandleFunc("/api/usage", m.listUsage)
	r.HandleFunc("/api/supervisors", m.listSupervisors)
	r.HandleFunc("/api/supervisor/{name}", m.listSupervisorDetails)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	http.Handle("/", r)

	actualPort := ":0"
	if m.portNumber >= 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	m.actualPort = listener.Addr().(*net.TCPAddr).Port
	fmt.Fprintf(os.Stderr,
		"Monitoring simulation with http://localhost:%d\n", m.actualPort)

	go func() {
		err = http.Serve(listener, nil)
		dieOnErr(err)
	}()
}

// OpenDashboard opens the served URL in the default browser.
func (m *Monitor) OpenDashboard() {
	err := browser.OpenURL(
		"http://localhost:" + strconv.Itoa(m.actualPort) + "/api/usage")
	dieOnErr(err)
}

type usageRsp struct {
	Name      string `json:"name"`
	VMemUsage uint64 `json:"vmem_usage"`
	PMemUsage uint64 `json:"pmem_usage"`
}

func (m *Monitor) listUsage(w http.ResponseWriter, _ *http.Request) {
	rsp := make([]usageRsp, 0, len(m.supervisors))
	for _, sv := range m.supervisors {
		rsp = append(rsp, usageRsp{
			Name:      sv.Name(),
			VMemUsage: sv.VMemUsage(),
			PMemUsage: sv.PMemUsage(),
		})
	}

	bytes, err := json.Marshal(rsp)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func (m *Monitor) listSupervisors(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprint(w, "[")
	for i, sv := range m.supervisors {
		if i > 0 {
			fmt.Fprint(w, ",")
		}

		fmt.Fprintf(w, "%q", sv.Name())
	}
	fmt.Fprint(w, "]")
}

func (m *Monitor) listSupervisorDetails(
	w http.ResponseWriter,
	r *http.Request,
) {
	name := mux.Vars(r)["name"]

	sv := m.findSupervisorOr404(w, name)
	if sv == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(sv)
	serializer.SetMaxDepth(1)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

func (m *Monitor) findSupervisorOr404(
	w http.ResponseWriter,
	name string,
) *supervisor.Supervisor {
	for _, sv := range m.supervisors {
		if sv.Name() == name {
			return sv
		}
	}

	w.WriteHeader(http.StatusNotFound)
	_, err := w.Write([]byte("Supervisor not found"))
	dieOnErr(err)

	return nil
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	rsp := resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	}

	bytes, err := json.Marshal(rsp)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	dieOnErr(err)

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	bytes, err := json.Marshal(prof)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
