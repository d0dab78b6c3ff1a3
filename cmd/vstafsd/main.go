// Command vstafsd mounts a VSTa filesystem image and serves the message
// protocol over it until told to stop. The buffer cache's background
// flush goroutine and the foreground request dispatcher run for the
// lifetime of the process; a termination signal shuts both down in order.
// A device error does not stop the process: the background goroutine logs
// a failed flush, and a foreground call returns the error to its caller.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vsta/vstafs/internal/blockdev"
	"github.com/vsta/vstafs/internal/config"
	"github.com/vsta/vstafs/internal/proto"
	"github.com/vsta/vstafs/internal/session"
	"github.com/vsta/vstafs/internal/vfs"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		logrus.WithError(err).Fatal("vstafsd failed")
	}
}

func rootCmd() *cobra.Command {
	cfg := config.DefaultDaemon()
	cmd := &cobra.Command{
		Use:   "vstafsd",
		Short: "Serve a VSTa filesystem image over the message protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg config.Daemon) error {
	log := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dev, err := blockdev.OpenFileDevice(cfg.DevicePath, cfg.Direct)
	if err != nil {
		return err
	}

	fs, err := vfs.Mount(ctx, dev, vfs.MountOptions{
		CacheCapacity: cfg.CacheCapacity,
		QIODepth:      cfg.QIODepth,
		Log:           log,
	})
	if err != nil {
		dev.Close()
		return err
	}

	mountHandle := fs.NewHandle()
	if err := fs.DrainReclaim(ctx, mountHandle); err != nil {
		log.WithError(err).Warn("failed to drain fsck reclaim queue at mount")
	}

	sessions, err := session.Open(cfg.SessionDBPath, 0)
	if err != nil {
		log.WithError(err).Warn("failed to open admin/introspection store, continuing without it")
		sessions = nil
	}

	// The message protocol itself (internal/proto) is transport-agnostic:
	// it takes a Request and returns a Reply with no assumptions about how
	// the two travel between client and server. Wiring server.Handle to a
	// concrete listener (a Unix socket, a framed pipe) is left to whatever
	// embeds this binary; vstafsd's job here is mounting the image and
	// keeping the cache's background goroutine alive for the process
	// lifetime.
	server := proto.NewServer(fs, log)
	server.Sessions = sessions

	log.WithField("device", cfg.DevicePath).Info("vstafsd mounted, serving requests")

	<-ctx.Done()
	log.Info("shutting down")

	if sessions != nil {
		sessions.Close()
	}
	if err := fs.Close(context.Background()); err != nil {
		log.WithError(err).Error("error flushing filesystem on shutdown")
		return err
	}
	return nil
}

func newLogger(level string) *logrus.Entry {
	logger := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logrus.NewEntry(logger)
}
