package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/Humber-186/membox/pmem"
	"github.com/Humber-186/membox/vm"
	"github.com/Humber-186/membox/vm/supervisor"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a small map-write-read-unmap cycle.",
	Run: func(cmd *cobra.Command, args []string) {
		format := vm.SV39
		if useSV32, _ := cmd.Flags().GetBool("sv32"); useSV32 {
			format = vm.SV32
		}

		runDemo(format)
	},
}

func init() {
	demoCmd.Flags().Bool("sv32", false,
		"use the two-level 32-bit scheme instead of SV39")
	rootCmd.AddCommand(demoCmd)
}

func runDemo(format *vm.Format) {
	mem := pmem.NewSim(pmemSizeFromEnv(1 << 32))
	sv := supervisor.MakeBuilder().
		WithMemory(mem).
		WithFormat(format).
		Build(format.Name + "Supervisor")
	tr := sv.Translator()

	root := sv.CreatePageTable()
	if root == 0 {
		log.Fatal("cannot create an address space")
	}

	data := []byte("Hello, World!\x00")
	va := sv.Mmap(root, 0x1000, uint64(len(data)))
	if va == 0 {
		log.Fatal("cannot map a region")
	}

	if err := tr.CopyToGuest(root, va, data); err != nil {
		log.Fatalf("cannot write to the guest: %v", err)
	}

	readBack, err := tr.CopyFromGuest(root, va, uint64(len(data)))
	if err != nil {
		log.Fatalf("cannot read from the guest: %v", err)
	}

	fmt.Printf("%s: va=0x%x -> pa=0x%x, read back %q\n",
		format.Name, va, tr.Translate(root, va), readBack)
	fmt.Printf("vmem usage: %d bytes, pmem usage: %d bytes\n",
		sv.VMemUsage(), sv.PMemUsage())

	if err := sv.Munmap(root, va, uint64(len(data))); err != nil {
		log.Fatalf("munmap failed: %v", err)
	}
	if err := sv.DestroyPageTable(root); err != nil {
		log.Fatalf("destroy failed: %v", err)
	}

	fmt.Printf("after teardown: vmem=%d, pmem=%d\n",
		sv.VMemUsage(), sv.PMemUsage())
}
