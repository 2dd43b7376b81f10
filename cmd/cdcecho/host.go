package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ardnew/cdcecho/link"
	"github.com/ardnew/cdcecho/link/fifo"
	"github.com/ardnew/cdcecho/pkg"
	"github.com/ardnew/cdcecho/pkg/usbid"
)

type hostOptions struct {
	Message string
	Count   int
	Wait    time.Duration
	Timeout time.Duration
	Detach  bool
	USBIDs  string
}

func newHostCmd(a *app) *cobra.Command {
	opts := hostOptions{
		Message: "hello, cdcecho",
		Count:   1,
		Wait:    5 * time.Second,
		Timeout: 10 * time.Second,
		Detach:  true,
	}

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Enumerate a device on a FIFO bus and verify that it echoes",
		Long: `Connect to the first device found in the bus directory, enumerate it the
way an operating system would, send the message the requested number of
times and check that every packet comes back unchanged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			h, err := dialWait(ctx, a.cfg.Link.BusDir, opts.Wait)
			if err != nil {
				return err
			}
			defer h.Close()

			if err := h.Attach(ctx); err != nil {
				return fmt.Errorf("attach: %w", err)
			}
			dev, err := link.Enumerate(ctx, h)
			if err != nil {
				return err
			}

			var echoErr error
			for i := 0; i < opts.Count && echoErr == nil; i++ {
				echoErr = link.Echo(ctx, h, []byte(opts.Message), a.cfg.Device.MaxPacketSize)
			}

			if opts.Detach {
				if err := h.Detach(ctx); err != nil {
					pkg.LogWarn(pkg.ComponentCLI, "detach failed", "error", err)
				}
			}

			r := report{title: "cdcecho host"}
			r.add("device", h.Dir())
			r.add("id", fmt.Sprintf("%04x:%04x", dev.Info.VendorID, dev.Info.ProductID))
			r.add("usb", fmt.Sprintf("%x.%02x", dev.Info.USBVersion>>8, dev.Info.USBVersion&0xff))
			if vendor, product := lookupNames(opts.USBIDs, dev.Info.VendorID, dev.Info.ProductID); vendor != "" {
				r.add("vendor name", vendor)
				if product != "" {
					r.add("product name", product)
				}
			}
			r.add("manufacturer", dev.Manufacturer)
			r.add("product", dev.Product)
			r.add("serial", dev.SerialNumber)
			r.add("echoed", fmt.Sprintf("%d x %d bytes", opts.Count, len(opts.Message)))
			r.add("result", status(echoErr == nil))
			r.render(cmd.OutOrStdout())
			return echoErr
		},
	}

	flags := cmd.Flags()
	flags.String("bus-dir", "", "bus directory shared with the device")
	flags.StringVarP(&opts.Message, "message", "m", opts.Message, "message to echo")
	flags.IntVarP(&opts.Count, "count", "n", opts.Count, "number of times to echo the message")
	flags.DurationVar(&opts.Wait, "wait", opts.Wait, "how long to wait for a device to appear")
	flags.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "overall timeout")
	flags.BoolVar(&opts.Detach, "detach", opts.Detach, "detach the device when done")
	flags.StringVar(&opts.USBIDs, "usb-ids", "", "usb.ids database used to name the device (default: system copy)")
	a.bind("link.bus_dir", flags.Lookup("bus-dir"))
	return cmd
}

// lookupNames resolves the device IDs against the usb.ids database. The names
// are decoration only, so a missing database is not an error.
func lookupNames(path string, vid, pid uint16) (string, string) {
	paths := usbid.DefaultPaths
	if path != "" {
		paths = []string{path}
	}
	db := usbid.New()
	if _, err := db.LoadFile(paths...); err != nil {
		pkg.LogDebug(pkg.ComponentCLI, "usb.ids not loaded", "error", err)
		return "", ""
	}
	return db.Vendor(vid), db.Product(vid, pid)
}

// dialWait polls busDir until a device appears or wait elapses.
func dialWait(ctx context.Context, busDir string, wait time.Duration) (*fifo.Host, error) {
	deadline := time.Now().Add(wait)
	for {
		h, err := fifo.Dial(busDir)
		if err == nil {
			return h, nil
		}
		if !retryable(err) || time.Now().After(deadline) {
			return nil, fmt.Errorf("no device in %s: %w", busDir, err)
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// retryable reports whether err means the device has not finished setting up
// its bus directory yet.
func retryable(err error) bool {
	return errors.Is(err, pkg.ErrNoDevice) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENXIO)
}
