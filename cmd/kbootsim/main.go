// Command kbootsim drives the bootloader core against a YAML fixture
// instead of real firmware, wiring internal/simplatform's in-memory
// Platform into internal/platform.System the same way a BIOS or UEFI
// entry point would, but with arch.Jump replaced by a logging fake instead
// of a real mode switch (spec.md §9: "tests install a fake that records the
// args it was given"). It exists to exercise the full dataflow of spec.md
// §2 end to end without any hardware.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kboot-go/kboot/internal/arch/amd64"
	"github.com/kboot-go/kboot/internal/bootproto"
	"github.com/kboot-go/kboot/internal/linuxboot"
	"github.com/kboot-go/kboot/internal/phys"
	"github.com/kboot-go/kboot/internal/platform"
	"github.com/kboot-go/kboot/internal/simplatform"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kbootsim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fixturePath := flag.String("fixture", "", "path to a simplatform YAML fixture (required)")
	arenaSize := flag.Uint64("arena", 256*1024*1024, "bytes of simulated physical memory to mmap")
	verbose := flag.Bool("v", false, "print console output to stderr even on success")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `kbootsim - run the bootloader core against an in-memory fixture

USAGE:
  kbootsim -fixture FILE.yaml

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *fixturePath == "" {
		flag.Usage()
		return fmt.Errorf("-fixture is required")
	}
	data, err := os.ReadFile(*fixturePath)
	if err != nil {
		return fmt.Errorf("reading fixture: %w", err)
	}
	fixture, err := simplatform.LoadFixture(data)
	if err != nil {
		return err
	}
	p, err := simplatform.NewPlatform(fixture)
	if err != nil {
		return err
	}

	alloc, err := phys.NewSelfManaged(4096, *arenaSize)
	if err != nil {
		return fmt.Errorf("allocating simulated physical memory: %w", err)
	}
	defer alloc.Close()
	p.ResolveMemory(alloc.MinAddr())

	sys := platform.New(p, alloc)

	var trampolineArgs *bootproto.TrampolineArgs
	arch := &amd64.Arch{
		Alloc:       alloc,
		LongModeCPU: true,
		Jump: func(args bootproto.TrampolineArgs) error {
			captured := args
			trampolineArgs = &captured
			return nil
		},
	}
	sys.NativeLoader = bootproto.NewLoader(arch, alloc)
	sys.LinuxLoader = linuxboot.NewLoader(alloc,
		func(entry32, zeroPageAddr uint64) error {
			fmt.Fprintf(os.Stderr, "kbootsim: legacy entry at %#x, zero page at %#x (simulated, not jumping)\n", entry32, zeroPageAddr)
			return nil
		},
		func(handoverAddr, systemTable, zeroPageAddr uint64) error {
			fmt.Fprintf(os.Stderr, "kbootsim: EFI handover entry at %#x (simulated, not jumping)\n", handoverAddr)
			return nil
		},
	)

	err = sys.Run()
	if *verbose {
		fmt.Fprint(os.Stderr, p.ConsoleOutput())
	}
	if err != nil {
		fmt.Fprint(os.Stderr, p.ConsoleOutput())
		return err
	}
	if trampolineArgs != nil {
		fmt.Printf("boot handed off: entry=%#x cr3=%#x stack=%#x\n", trampolineArgs.Entry, trampolineArgs.KernelCR3, trampolineArgs.StackPointer)
	}
	return nil
}
