// fibfs - synthetic FUSE filesystem whose files all read "hoge"
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/radryc/fibfs/internal/config"
	"github.com/radryc/fibfs/internal/diag"
	fibfuse "github.com/radryc/fibfs/internal/fuse"
	"github.com/radryc/fibfs/internal/metrics"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "fibfs:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}
	if err := parseFlags(&cfg, args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(os.Stderr, cfg.LogFormat, cfg.Debug)
	slog.SetDefault(logger)

	logger.Info("starting fibfs",
		"mount", cfg.Mountpoint,
		"options", cfg.MountOptions(),
		"max_inodes", cfg.MaxInodes,
		"uid", cfg.UID,
		"gid", cfg.GID,
	)

	m := metrics.New()
	fsys := fibfuse.New(cfg,
		fibfuse.WithLogger(logger),
		fibfuse.WithMetrics(m),
	)
	if err := m.RegisterLiveRecords(func() float64 { return float64(fsys.LiveRecords()) }); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	if err := fsys.Mount(cfg.Mountpoint); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.DiagAddr != "" {
		srv := diag.New(fsys, m.Handler(), logger)
		g.Go(func() error {
			return srv.ListenAndServe(ctx, cfg.DiagAddr)
		})
	}

	// Unmount on signal, or when the diagnostics server fails.
	g.Go(func() error {
		<-ctx.Done()
		if fsys.State() != fibfuse.StateMounted {
			return nil
		}
		logger.Info("unmounting", "mount", cfg.Mountpoint)
		return unmount(fsys, logger)
	})

	// Kernel session ended, e.g. fusermount -u.
	g.Go(func() error {
		fsys.Wait()
		stop()
		return nil
	})

	err = g.Wait()
	logger.Info("filesystem unmounted")
	return err
}

// unmount retries while the mount is busy.
func unmount(fsys *fibfuse.Filesystem, logger *slog.Logger) error {
	const attempts = 5
	var err error
	for i := range attempts {
		if err = fsys.Unmount(); err == nil || errors.Is(err, fibfuse.ErrNotMounted) {
			return nil
		}
		logger.Warn("unmount failed, retrying", "attempt", i+1, "error", err)
		time.Sleep(time.Second)
	}
	return err
}

func parseFlags(cfg *config.Config, args []string) error {
	uid, gid := cfg.UID, cfg.GID
	if uid == 0 && gid == 0 {
		uid, gid = uint32(os.Getuid()), uint32(os.Getgid())
	}

	flagSet := pflag.NewFlagSet("fibfs", pflag.ContinueOnError)
	flagSet.StringVarP(&cfg.Mountpoint, "mount", "m", cfg.Mountpoint, "mount point (or first argument)")
	options := flagSet.StringP("options", "o", "", "comma separated mount options; kmsg_bytes=N is accepted, others go to the kernel")
	flagSet.Int64Var(&cfg.MaxInodes, "max-inodes", cfg.MaxInodes, "maximum number of live inodes, 0 for no limit")
	flagSet.IntVar(&cfg.RecordBytes, "record-bytes", cfg.RecordBytes, "private buffer size allocated per file")
	flagSet.Uint32Var(&cfg.UID, "uid", uid, "owner of every node")
	flagSet.Uint32Var(&cfg.GID, "gid", gid, "group of every node")
	flagSet.BoolVar(&cfg.AllowOther, "allow-other", cfg.AllowOther, "allow other users to access the mount")
	flagSet.DurationVar(&cfg.AttrTimeout, "attr-timeout", cfg.AttrTimeout, "kernel attribute cache timeout")
	flagSet.DurationVar(&cfg.EntryTimeout, "entry-timeout", cfg.EntryTimeout, "kernel entry cache timeout")
	flagSet.StringVar(&cfg.DiagAddr, "diag-addr", cfg.DiagAddr, "serve diagnostics and metrics on this address")
	flagSet.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: tint, text or json")
	flagSet.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	flagSet.BoolVar(&cfg.FuseDebug, "fuse-debug", cfg.FuseDebug, "dump the FUSE protocol to stdout")

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *options != "" {
		if err := cfg.ParseMountOptions(*options); err != nil {
			return err
		}
	}

	rest := flagSet.Args()
	if cfg.Mountpoint == "" && len(rest) > 0 {
		cfg.Mountpoint, rest = rest[0], rest[1:]
	}
	if len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return nil
}

func newLogger(w io.Writer, format string, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	case "text":
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	default:
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}))
	}
}
