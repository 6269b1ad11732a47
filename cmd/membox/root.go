// The membox command exercises the simulated virtual-memory subsystem
// from the command line.
package main

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "membox",
	Short: "Membox simulates a RISC-V SV32/SV39 paged virtual-memory subsystem.",
	Long: `Membox simulates a RISC-V paged virtual-memory subsystem: a ` +
		`page-table walker, a supervisor with a POSIX-like mmap/munmap ` +
		`interface, and a buddy allocator over a simulated physical memory.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Optional .env configuration; absence is fine.
		_ = godotenv.Load()
	},
}

// Execute runs the root command and exits with status 1 if it fails.
// Child commands register themselves in their init functions.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// pmemSizeFromEnv returns the physical memory size to simulate, taking
// MEMBOX_PMEM_SIZE (bytes) into account.
func pmemSizeFromEnv(fallback uint64) uint64 {
	v := os.Getenv("MEMBOX_PMEM_SIZE")
	if v == "" {
		return fallback
	}

	size, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return fallback
	}
	return size
}

// recordPathFromEnv returns the recording database path, taking
// MEMBOX_RECORD_PATH into account.
func recordPathFromEnv(fallback string) string {
	if v := os.Getenv("MEMBOX_RECORD_PATH"); v != "" {
		return v
	}
	return fallback
}
