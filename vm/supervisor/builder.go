package supervisor

import (
	"log"

	"github.com/Humber-186/membox/buddy"
	"github.com/Humber-186/membox/pmem"
	"github.com/Humber-186/membox/recording"
	"github.com/Humber-186/membox/vm"
)

// A Builder can build supervisors.
type Builder struct {
	mem      pmem.Memory
	format   *vm.Format
	logger   *log.Logger
	recorder recording.Recorder
	maxOrder uint8
}

// MakeBuilder creates a new builder with default parameters: the SV39
// format and a buddy allocator with maximum order 11.
func MakeBuilder() Builder {
	return Builder{
		format:   vm.SV39,
		maxOrder: 11,
	}
}

// WithMemory sets the physical memory the supervisor manages.
func (b Builder) WithMemory(mem pmem.Memory) Builder {
	b.mem = mem
	return b
}

// WithFormat sets the translation scheme.
func (b Builder) WithFormat(format *vm.Format) Builder {
	b.format = format
	return b
}

// WithLogger sets the logger for error reporting.
func (b Builder) WithLogger(logger *log.Logger) Builder {
	b.logger = logger
	return b
}

// WithRecorder sets the recorder that receives one entry per
// successful operation.
func (b Builder) WithRecorder(rec recording.Recorder) Builder {
	b.recorder = rec
	return b
}

// WithMaxOrder sets the maximum buddy order, bounding the largest
// physically contiguous block at 2^maxOrder pages.
func (b Builder) WithMaxOrder(order uint8) Builder {
	b.maxOrder = order
	return b
}

// Build returns a newly created supervisor managing the whole physical
// memory.
func (b Builder) Build(name string) *Supervisor {
	if b.mem == nil {
		panic("supervisor requires a physical memory")
	}

	logger := b.logger
	if logger == nil {
		logger = log.Default()
	}

	totalPages := b.mem.Capacity() / vm.PageSize

	return &Supervisor{
		name:       name,
		mem:        b.mem,
		format:     b.format,
		logger:     logger,
		rec:        b.recorder,
		translator: vm.NewTranslator(b.mem, b.format, logger),
		buddy:      buddy.NewAllocator(uint32(totalPages), b.maxOrder),
		roots:      make(map[uint64]bool),
	}
}
