// anyos-kernel boots the simulated multi-CPU kernel and runs its
// scheduler loops until interrupted. A boot-info file (the fixed-layout
// structure a real bootloader would leave in memory) can be supplied
// with --bootinfo; without one, a stub boot structure is synthesized
// from --ram-mb.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anyos-project/corekernel/internal/boot"
	"github.com/anyos-project/corekernel/internal/kernelboot"
	"github.com/anyos-project/corekernel/internal/logging"
)

var (
	flagCPUs        int
	flagRAMMB       int
	flagBootInfo    string
	flagDiskSectors uint64
	flagTickMS      int
	flagPinAffinity bool
	flagDebug       bool
)

func main() {
	root := &cobra.Command{
		Use:   "anyos-kernel",
		Short: "Boot and run the simulated kernel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}
	root.Flags().IntVar(&flagCPUs, "cpus", 2, "number of simulated CPUs")
	root.Flags().IntVar(&flagRAMMB, "ram-mb", 64, "simulated RAM size in MiB (ignored with --bootinfo)")
	root.Flags().StringVar(&flagBootInfo, "bootinfo", "", "path to an encoded boot-info file")
	root.Flags().Uint64Var(&flagDiskSectors, "disk-sectors", 32768, "simulated SCSI disk size in 512-byte sectors (0 disables)")
	root.Flags().IntVar(&flagTickMS, "tick-ms", 10, "scheduler timer-tick interval in milliseconds")
	root.Flags().BoolVar(&flagPinAffinity, "pin-affinity", false, "pin each simulated CPU's goroutine to a host CPU")
	root.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	level := logging.LevelInfo
	if flagDebug {
		level = logging.LevelDebug
	}
	logger := logging.NewLogger(&logging.Config{Level: level, Output: os.Stderr})

	info, err := loadBootInfo()
	if err != nil {
		return err
	}

	sys, err := kernelboot.BringUp(kernelboot.Config{
		Info:        info,
		NumCPUs:     flagCPUs,
		Logger:      logger,
		DiskSectors: flagDiskSectors,
		PinAffinity: flagPinAffinity,
	})
	if err != nil {
		return err
	}
	defer sys.Close()

	interval := time.Duration(flagTickMS) * time.Millisecond

	logger.Infof("anyos-kernel: running, ^C to stop")
	return sys.Sched.Run(ctx, func(cpu int) {
		sys.Sched.Tick(cpu)
		if sys.VMM.ActiveCR3(cpu) == sys.VMM.KernelCR3() {
			if n, err := sys.VMM.DrainDeferred(cpu, sys.Sched.IsLive); err == nil && n > 0 {
				logger.Debugf("anyos-kernel: cpu %d drained %d deferred address spaces", cpu, n)
			}
		}
		if cpu == 0 {
			sys.Desktop.Tick(ctx, time.Now(), 64)
		}
		time.Sleep(interval)
	})
}

func loadBootInfo() (boot.Info, error) {
	if flagBootInfo == "" {
		return kernelboot.StubInfo(uint64(flagRAMMB) << 20), nil
	}
	buf, err := os.ReadFile(flagBootInfo)
	if err != nil {
		return boot.Info{}, err
	}
	return boot.Decode(buf)
}
