package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ardnew/cdcecho/config"
	"github.com/ardnew/cdcecho/pkg"
	"github.com/ardnew/cdcecho/pkg/prof"
)

// app carries state shared by every command.
type app struct {
	v          *viper.Viper
	configPath string
	cfg        *config.Config
	logFile    io.Closer
	profile    *prof.Session

	// exit ends the process after a fatal device error.
	exit func(code int)

	// bindings maps flags to configuration keys. Several commands bind the
	// same key, so only the running command's flags are bound to viper.
	bindings map[*pflag.Flag]string
}

func newApp() *app {
	return &app{v: viper.New(), bindings: map[*pflag.Flag]string{}, exit: os.Exit}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cdcecho",
		Short: "USB CDC-ACM echo device",
		Long: `cdcecho emulates a USB serial device that echoes every packet the host
sends, together with the host-side tools to drive it.

The device runs three cooperative tasks: the bus poll task, the echo task
and a heartbeat that blinks a status LED.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to YAML config file")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("log-file", "", "write the log to a rotated file instead of stderr")
	a.bind("log.level", flags.Lookup("log-level"))
	a.bind("log.format", flags.Lookup("log-format"))
	a.bind("log.file", flags.Lookup("log-file"))
	flags.String("cpu-profile", "", "write a CPU profile to this file")
	flags.String("heap-profile", "", "write a heap profile to this file on exit")
	a.bind("diagnostics.cpu_profile", flags.Lookup("cpu-profile"))
	a.bind("diagnostics.heap_profile", flags.Lookup("heap-profile"))

	root.AddCommand(newDeviceCmd(a), newHostCmd(a), newSimCmd(a))
	return root
}

func (a *app) bind(key string, flag *pflag.Flag) {
	a.bindings[flag] = key
}

func (a *app) load(cmd *cobra.Command) error {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key, ok := a.bindings[f]; ok && bindErr == nil {
			if err := a.v.BindPFlag(key, f); err != nil {
				bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
			}
		}
	})
	if bindErr != nil {
		return bindErr
	}

	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	pkg.SetLogLevel(pkg.ParseLogLevel(cfg.Log.Level))
	if cfg.Log.Format == "json" {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	} else {
		pkg.SetLogFormat(pkg.LogFormatText)
	}

	if cfg.Log.File != "" {
		lj := &lumberjack.Logger{
			Filename:   filepath.Clean(cfg.Log.File),
			MaxSize:    max(cfg.Log.Rotation.MaxSizeMB, 1),
			MaxBackups: cfg.Log.Rotation.MaxBackups,
			MaxAge:     cfg.Log.Rotation.MaxAgeDays,
			Compress:   cfg.Log.Rotation.Compress,
		}
		pkg.SetLogOutput(lj)
		a.logFile = lj
	}

	opts := prof.Options{CPU: cfg.Diagnostics.CPUProfile, Heap: cfg.Diagnostics.HeapProfile}
	if opts.Enabled() {
		if a.profile, err = prof.Start(opts); err != nil {
			return err
		}
	}

	pkg.LogDebug(pkg.ComponentCLI, "configuration loaded", "link", cfg.Link.Kind, "file", a.v.ConfigFileUsed())
	return nil
}

// close releases what load acquired. It runs after the command, whether or
// not the command failed.
func (a *app) close() error {
	var errs []error
	if a.profile != nil {
		errs = append(errs, a.profile.Stop())
		a.profile = nil
	}
	if a.logFile != nil {
		pkg.SetLogOutput(os.Stderr)
		errs = append(errs, a.logFile.Close())
		a.logFile = nil
	}
	return errors.Join(errs...)
}

// halt is the firmware halt hook: the profile and log file are flushed
// before the process exits with status 2.
func (a *app) halt(err error) {
	if cerr := a.close(); cerr != nil {
		fmt.Fprintln(os.Stderr, "cdcecho: close:", cerr)
	}
	a.exit(2)
}
