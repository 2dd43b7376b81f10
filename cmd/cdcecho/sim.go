package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ardnew/cdcecho/config"
	"github.com/ardnew/cdcecho/echo"
	"github.com/ardnew/cdcecho/firmware"
	"github.com/ardnew/cdcecho/heartbeat"
	"github.com/ardnew/cdcecho/link"
	"github.com/ardnew/cdcecho/link/mem"
	"github.com/ardnew/cdcecho/pkg"
)

// simOptions is the script the simulated host follows.
type simOptions struct {
	Cycles   int // Attach, enumerate, echo, detach cycles
	Messages int // Messages echoed per cycle
	Size     int // Bytes per message
}

var defaultSimOptions = simOptions{Cycles: 3, Messages: 4, Size: 100}

func newSimCmd(a *app) *cobra.Command {
	opts := defaultSimOptions

	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run the device against a scripted in-process host",
		Long: `Run the echo device on an in-process bus together with a host that
repeatedly attaches, enumerates the device, echoes a number of messages and
detaches again. A summary is printed at the end.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Cycles < 0 || opts.Messages < 0 || opts.Size < 0 {
				return fmt.Errorf("negative script parameter: %w", pkg.ErrInvalidParameter)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSim(ctx, cmd.OutOrStdout(), a.cfg, opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.Cycles, "cycles", opts.Cycles, "connect/disconnect cycles")
	flags.IntVar(&opts.Messages, "messages", opts.Messages, "messages echoed per cycle")
	flags.IntVar(&opts.Size, "size", opts.Size, "bytes per message")
	flags.Int("packet", 0, "echo packet buffer size in bytes")
	flags.Bool("trace", false, "log the payload of every echoed packet")
	a.bind("buffers.packet", flags.Lookup("packet"))
	a.bind("diagnostics.trace", flags.Lookup("trace"))
	return cmd
}

func runSim(ctx context.Context, w io.Writer, cfg *config.Config, opts simOptions) error {
	acm, err := firmware.NewACM(cfg)
	if err != nil {
		return err
	}
	bus := mem.New(acm)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	fw, err := firmware.New(firmware.Components{
		Poller:    bus,
		Transport: acm,
		Output:    &heartbeat.LogOutput{Name: "status"},
		Timer:     heartbeat.SleepTimer{},
	}, cfg, firmware.WithHalt(func(error) { cancel() }))
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fw.Serve(runCtx)
	}()

	scriptErr := runScript(runCtx, bus.Host(), acm.MaxPacketSize(), opts)
	cancel()
	serveErr := <-done

	var fatal *echo.FatalError
	if errors.As(serveErr, &fatal) {
		return serveErr
	}

	stats := fw.Stats()
	busStats := bus.Stats()
	r := report{title: "cdcecho simulation"}
	r.add("cycles", opts.Cycles)
	r.add("connections", stats.Echo.Connections)
	r.add("disconnects", stats.Echo.Disconnects)
	r.add("packets echoed", stats.Echo.Packets)
	r.add("bytes echoed", stats.Echo.Bytes)
	r.add("control transfers", busStats.Controls)
	r.add("stalls", busStats.Stalls)
	r.add("heartbeat toggles", stats.Toggles)
	for _, ts := range stats.Tasks {
		r.add("task "+ts.Name+" resumes", ts.Resumes)
	}
	r.add("result", status(scriptErr == nil))
	r.render(w)

	return scriptErr
}

func runScript(ctx context.Context, h link.Host, packetSize int, opts simOptions) error {
	for cycle := 1; cycle <= opts.Cycles; cycle++ {
		if err := h.Attach(ctx); err != nil {
			return fmt.Errorf("cycle %d: attach: %w", cycle, err)
		}
		if _, err := link.Enumerate(ctx, h); err != nil {
			return fmt.Errorf("cycle %d: %w", cycle, err)
		}
		for m := 1; m <= opts.Messages; m++ {
			if err := link.Echo(ctx, h, message(cycle, m, opts.Size), packetSize); err != nil {
				return fmt.Errorf("cycle %d message %d: %w", cycle, m, err)
			}
		}
		if err := h.Detach(ctx); err != nil {
			return fmt.Errorf("cycle %d: detach: %w", cycle, err)
		}
		pkg.LogInfo(pkg.ComponentCLI, "cycle complete", "cycle", cycle)
	}
	return nil
}

// message returns size bytes of recognizable text for one echo.
func message(cycle, n, size int) []byte {
	pattern := fmt.Appendf(nil, "[cycle %d message %d] ", cycle, n)
	return bytes.Repeat(pattern, size/len(pattern)+1)[:size]
}
