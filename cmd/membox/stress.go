package main

import (
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/Humber-186/membox/monitoring"
	"github.com/Humber-186/membox/pmem"
	"github.com/Humber-186/membox/recording"
	"github.com/Humber-186/membox/vm"
	"github.com/Humber-186/membox/vm/supervisor"
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Run a randomized mixed workload against a shadow model.",
	Run: func(cmd *cobra.Command, args []string) {
		seed, _ := cmd.Flags().GetInt64("seed")
		if seed == 0 {
			seed = time.Now().UnixNano()
		}

		numActions, _ := cmd.Flags().GetInt("num-actions")
		pmemSize, _ := cmd.Flags().GetUint64("pmem-size")
		useSV32, _ := cmd.Flags().GetBool("sv32")
		record, _ := cmd.Flags().GetBool("record")
		monitor, _ := cmd.Flags().GetBool("monitor")
		open, _ := cmd.Flags().GetBool("open")

		format := vm.SV39
		if useSV32 {
			format = vm.SV32
		}

		runStress(stressConfig{
			seed:       seed,
			numActions: numActions,
			pmemSize:   pmemSizeFromEnv(pmemSize),
			format:     format,
			record:     record,
			monitor:    monitor,
			open:       open,
		})
	},
}

func init() {
	stressCmd.Flags().Int64("seed", 0, "random seed, 0 picks one")
	stressCmd.Flags().Int("num-actions", 100000, "number of actions")
	stressCmd.Flags().Uint64("pmem-size", 1<<32,
		"simulated physical memory size in bytes")
	stressCmd.Flags().Bool("sv32", false,
		"use the two-level 32-bit scheme instead of SV39")
	stressCmd.Flags().Bool("record", false,
		"record operations into a SQLite database")
	stressCmd.Flags().Bool("monitor", false,
		"serve live usage counters over HTTP")
	stressCmd.Flags().Bool("open", false,
		"open the monitoring dashboard in a browser")
	rootCmd.AddCommand(stressCmd)
}

type stressConfig struct {
	seed       int64
	numActions int
	pmemSize   uint64
	format     *vm.Format
	record     bool
	monitor    bool
	open       bool
}

type stressRegion struct {
	va   uint64
	size uint64
	data []byte
}

//nolint:funlen,gocyclo
func runStress(cfg stressConfig) {
	fmt.Printf("stress: format=%s seed=%d actions=%d pmem=%d\n",
		cfg.format.Name, cfg.seed, cfg.numActions, cfg.pmemSize)

	builder := supervisor.MakeBuilder().
		WithMemory(pmem.NewSim(cfg.pmemSize)).
		WithFormat(cfg.format)

	if cfg.record {
		rec := recording.NewSQLiteRecorder(recordPathFromEnv(""))
		defer rec.Flush()
		builder = builder.WithRecorder(rec)
	}

	sv := builder.Build(cfg.format.Name + "Supervisor")
	tr := sv.Translator()

	if cfg.monitor {
		m := monitoring.NewMonitor()
		m.RegisterSupervisor(sv)
		m.StartServer()
		if cfg.open {
			m.OpenDashboard()
		}
	}

	r := rand.New(rand.NewSource(cfg.seed))
	shadow := make(map[uint64][]*stressRegion)
	roots := make([]uint64, 0)
	readbacks := 0

	if root := sv.CreatePageTable(); root != 0 {
		roots = append(roots, root)
	}

	for i := 0; i < cfg.numActions; i++ {
		switch action := r.Intn(100); {
		case action < 1:
			if root := sv.CreatePageTable(); root != 0 {
				roots = append(roots, root)
			}

		case action < 2:
			if len(roots) == 0 {
				continue
			}
			idx := r.Intn(len(roots))
			root := roots[idx]
			if err := sv.DestroyPageTable(root); err != nil {
				log.Fatalf("destroy failed: %v", err)
			}
			roots = append(roots[:idx], roots[idx+1:]...)
			delete(shadow, root)

		case action < 10:
			if len(roots) == 0 {
				continue
			}
			root := roots[r.Intn(len(roots))]

			hint := uint64(r.Intn(1000)) * vm.PageSize
			size := uint64(1 + r.Intn(8192))
			va := sv.Mmap(root, hint, size)
			if va == 0 {
				continue
			}

			data := make([]byte, size)
			r.Read(data)
			if err := tr.CopyToGuest(root, va, data); err != nil {
				log.Fatalf("guest write failed: %v", err)
			}
			shadow[root] = append(shadow[root],
				&stressRegion{va: va, size: size, data: data})

		case action < 18:
			if len(roots) == 0 {
				continue
			}
			root := roots[r.Intn(len(roots))]
			if len(shadow[root]) == 0 {
				continue
			}
			idx := r.Intn(len(shadow[root]))
			reg := shadow[root][idx]
			if err := sv.Munmap(root, reg.va, reg.size); err != nil {
				log.Fatalf("munmap failed: %v", err)
			}
			shadow[root] = append(
				shadow[root][:idx], shadow[root][idx+1:]...)

		default:
			if len(roots) == 0 {
				continue
			}
			root := roots[r.Intn(len(roots))]
			if len(shadow[root]) == 0 {
				continue
			}
			reg := shadow[root][r.Intn(len(shadow[root]))]
			got, err := tr.CopyFromGuest(root, reg.va, reg.size)
			if err != nil {
				log.Fatalf("guest read failed: %v", err)
			}
			for j := range got {
				if got[j] != reg.data[j] {
					log.Fatalf(
						"readback mismatch at root=0x%x va=0x%x offset %d",
						root, reg.va, j)
				}
			}
			readbacks++
		}
	}

	for _, root := range roots {
		if err := sv.DestroyPageTable(root); err != nil {
			log.Fatalf("final destroy failed: %v", err)
		}
	}

	fmt.Printf("verified %d readbacks\n", readbacks)
	fmt.Printf("final usage: vmem=%d pmem=%d\n",
		sv.VMemUsage(), sv.PMemUsage())

	if sv.VMemUsage() != 0 || sv.PMemUsage() != 0 {
		log.Fatal("usage counters did not return to zero")
	}
}
