// Command fsck checks (and optionally repairs) a VSTa filesystem image. It
// runs offline, directly against the device, and never assumes anything
// else has the image mounted.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vsta/vstafs/internal/blockdev"
	"github.com/vsta/vstafs/internal/fsck"
	"github.com/vsta/vstafs/internal/session"
)

var (
	autoFix   bool
	direct    bool
	sessionDB string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		logrus.WithError(err).Fatal("fsck failed")
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fsck <path>",
		Short: "Check and repair a VSTa filesystem image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFsck(cmd.Context(), args[0])
		},
	}
	cmd.Flags().BoolVarP(&autoFix, "yes", "y", false, "apply every proposed repair without prompting")
	cmd.Flags().BoolVar(&direct, "direct", false, "open the device with O_DIRECT where supported")
	cmd.Flags().StringVar(&sessionDB, "session-db", "", "optional admin bbolt database to append this run's repair ledger entry to")
	return cmd
}

func runFsck(ctx context.Context, path string) error {
	dev, err := blockdev.OpenFileDevice(path, direct)
	if err != nil {
		return err
	}
	defer dev.Close()

	checker := fsck.NewChecker(dev, fsck.Options{
		AutoFix: autoFix,
		In:      os.Stdin,
		Out:     os.Stdout,
	})

	report, err := checker.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("fsck: %d file(s), %d director(y/ies) checked\n", report.TotalFiles, report.TotalDirs)
	for _, e := range report.Errors {
		fmt.Printf("  error: %s\n", e)
	}
	for _, r := range report.Repairs {
		fmt.Printf("  repair: %s\n", r)
	}
	if len(report.LostBlocks) > 0 {
		fmt.Printf("  %d lost sector(s) found\n", len(report.LostBlocks))
	}

	if sessionDB != "" {
		if err := recordRun(sessionDB, report); err != nil {
			logrus.WithError(err).Warn("fsck: failed to record run in session db")
		}
	}

	if len(report.Errors) > 0 {
		os.Exit(1)
	}
	return nil
}

func recordRun(path string, report *fsck.Report) error {
	s, err := session.Open(path, 2*time.Second)
	if err != nil {
		return err
	}
	defer s.Close()

	entriesTombed := 0
	for _, r := range report.Repairs {
		if len(r) >= 6 && r[:6] == "tombed" {
			entriesTombed++
		}
	}
	return s.RecordRepair(session.RepairEntry{
		RanAt:          time.Now(),
		SectorsReclaim: len(report.LostBlocks),
		EntriesTombed:  entriesTombed,
		Errors:         report.Errors,
	})
}
