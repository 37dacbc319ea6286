// Command bootsim runs the kernel's frame allocator, page table mapper and
// heap arena on the host against a simulated machine described by a TOML
// file:
//
//	heap_size = 0xa00000
//
//	[[region]]
//	start = 0x0
//	end = 0x1000000
//	kind = "usable"
//
//	[[alloc]]
//	size = 4096
//	align = 4096
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"biboy/kernel/mm"
	"biboy/kernel/mm/heap"
	"biboy/kernel/mm/pmm"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

// configArg loads the config file named by the only positional argument.
func configArg(f *flag.FlagSet) (*config, subcommands.ExitStatus) {
	if f.NArg() != 1 {
		f.Usage()
		return nil, subcommands.ExitUsageError
	}

	cfg, err := loadConfig(f.Arg(0))
	if err != nil {
		logrus.WithError(err).Error("invalid config")
		return nil, subcommands.ExitFailure
	}
	return cfg, subcommands.ExitSuccess
}

// mapCmd implements subcommands.Command for the "map" command.
type mapCmd struct{}

func (*mapCmd) Name() string             { return "map" }
func (*mapCmd) Synopsis() string         { return "print the memory map and the usable frame count" }
func (*mapCmd) Usage() string            { return "map <config.toml>\n" }
func (*mapCmd) SetFlags(_ *flag.FlagSet) {}

func (*mapCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, status := configArg(f)
	if cfg == nil {
		return status
	}

	printMap(os.Stdout, cfg)
	return subcommands.ExitSuccess
}

func printMap(w io.Writer, cfg *config) {
	regions := cfg.memoryMap()
	frames := pmm.NewBootMemAllocator(regions)

	pmm.PrintMemoryMap(w, regions)
	fmt.Fprintf(w, "usable frames: %d\n", frames.TotalFrames())
}

// runCmd implements subcommands.Command for the "run" and "verify"
// commands. verify additionally checks the resulting page tables.
type runCmd struct {
	verify bool
}

func (c *runCmd) Name() string {
	if c.verify {
		return "verify"
	}
	return "run"
}

func (c *runCmd) Synopsis() string {
	if c.verify {
		return "run the simulation and check every heap page translation"
	}
	return "map the heap window and replay the allocation script"
}

func (c *runCmd) Usage() string          { return c.Name() + " <config.toml>\n" }
func (*runCmd) SetFlags(_ *flag.FlagSet) {}

func (c *runCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, status := configArg(f)
	if cfg == nil {
		return status
	}

	if err := simulate(os.Stdout, cfg, c.verify); err != nil {
		logrus.WithError(err).Error("simulation failed")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// simulate boots a simulated machine described by cfg and writes a report
// to w.
func simulate(w io.Writer, cfg *config, verify bool) error {
	m, err := newMachine(cfg)
	if err != nil {
		return err
	}
	defer m.close()

	mapErr := m.mapHeap()
	fmt.Fprintf(w, "heap: 0x%x-0x%x, %d pages mapped, %d frame requests, %d flushes\n",
		cfg.HeapStart, cfg.HeapStart+cfg.HeapSize, m.mapped, m.frames.Issued(), m.flushed)
	if mapErr != nil {
		return mapErr
	}

	var arena heap.Arena
	results, err := m.runScript(&arena)
	for i, res := range results {
		switch {
		case res.Err != "":
			fmt.Fprintf(w, "alloc %d: size=%d align=%d: %s\n", i, res.Size, res.Align, res.Err)
		case res.Freed:
			fmt.Fprintf(w, "alloc %d: size=%d align=%d: 0x%x (freed)\n", i, res.Size, res.Align, res.Addr)
		default:
			fmt.Fprintf(w, "alloc %d: size=%d align=%d: 0x%x\n", i, res.Size, res.Align, res.Addr)
		}
	}
	if err != nil {
		return err
	}

	stats := arena.Stats()
	fmt.Fprintf(w, "arena: %d allocations, %dKb free, largest free block %d bytes, %d bytes leaked\n",
		stats.Allocations, uintptr(stats.FreeBytes)/mm.Kb, stats.LargestFree, stats.LeakedBytes)

	if !verify {
		return nil
	}

	if err = m.verifyHeap(); err != nil {
		return err
	}
	fmt.Fprintf(w, "verified %d pages\n", m.mapped)
	return nil
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&mapCmd{}, "")
	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&runCmd{verify: true}, "")
	subcommands.ImportantFlag("debug")

	flag.Parse()
	if *debug {
		logrus.SetLevel(logrus.TraceLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
