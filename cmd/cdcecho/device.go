package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ardnew/cdcecho/config"
	"github.com/ardnew/cdcecho/firmware"
	"github.com/ardnew/cdcecho/heartbeat"
	"github.com/ardnew/cdcecho/link/fifo"
	"github.com/ardnew/cdcecho/pkg"
)

func newDeviceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Run the echo device",
		Long: `Run the echo device until interrupted.

With the fifo link the device creates device-<id>/ under the bus directory
and waits for a host process (cdcecho host) to attach. With the mem link the
device runs against an in-process host, exactly like the sim command.

A transport overflow is fatal: the device logs it and exits with status 2.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if a.cfg.Link.Kind == config.LinkMem {
				return runSim(ctx, cmd.OutOrStdout(), a.cfg, defaultSimOptions)
			}
			return serveFIFO(ctx, a.cfg, a.halt)
		},
	}

	flags := cmd.Flags()
	flags.String("link", config.LinkFIFO, "link kind: fifo or mem")
	flags.String("bus-dir", "", "bus directory shared with the host (fifo link)")
	flags.Int("packet", 0, "echo packet buffer size in bytes")
	flags.Bool("trace", false, "log the payload of every echoed packet")
	a.bind("link.kind", flags.Lookup("link"))
	a.bind("link.bus_dir", flags.Lookup("bus-dir"))
	a.bind("buffers.packet", flags.Lookup("packet"))
	a.bind("diagnostics.trace", flags.Lookup("trace"))
	return cmd
}

func serveFIFO(ctx context.Context, cfg *config.Config, halt func(error)) error {
	acm, err := firmware.NewACM(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Link.BusDir, 0o755); err != nil {
		return fmt.Errorf("create bus dir: %w", err)
	}
	bus := fifo.New(cfg.Link.BusDir, acm)
	if err := bus.Open(); err != nil {
		return err
	}
	defer bus.Close()

	fw, err := firmware.New(firmware.Components{
		Poller:    bus,
		Transport: acm,
		Output:    &heartbeat.LogOutput{Name: "status"},
		Timer:     heartbeat.SleepTimer{},
	}, cfg, firmware.WithHalt(func(err error) {
		bus.Close()
		halt(err)
	}))
	if err != nil {
		return err
	}

	pkg.LogInfo(pkg.ComponentCLI, "device ready", "deviceDir", bus.DeviceDir())
	if err := fw.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
