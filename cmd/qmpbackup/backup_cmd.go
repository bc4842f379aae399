package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qmpbackup/qmpbackup/backup"
	"github.com/qmpbackup/qmpbackup/imgtool"
	"github.com/qmpbackup/qmpbackup/layout"
	"github.com/qmpbackup/qmpbackup/qmperrors"
)

func newBackupCmd() *cobra.Command {
	var (
		level            string
		target           string
		exclude          string
		include          string
		agentSocket      string
		quiesce          bool
		monthly          bool
		noSubdir         bool
		noTimestamp      bool
		noSymlink        bool
		compress         bool
		includeRaw       bool
		speedLimit       int64
		uuidStr          string
		removeDelay      int
		blockdevAIO      string
		blockdevNoCache  bool
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Run one full, incremental, copy, or auto backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(cmd); err != nil {
				return err
			}
			if exclude != "" && include != "" {
				return fmt.Errorf("--exclude and --include are mutually exclusive")
			}
			if includeRaw && backup.Level(level) == backup.LevelCopy {
				return qmperrors.NewConfigError("--include-raw cannot be combined with --level copy")
			}

			root, err := layout.NewRoot(target, noSubdir, monthly)
			if err != nil {
				return err
			}

			rc := backup.RunConfig{
				Level:              backup.Level(level),
				Include:            splitList(include),
				Exclude:            splitList(exclude),
				Compress:           compress,
				SpeedLimit:         speedLimit,
				AIO:                blockdevAIO,
				CacheDisable:       blockdevNoCache,
				IncludeRaw:         includeRaw,
				TargetRoot:         target,
				NoSubdir:           noSubdir,
				NoTimestamp:        noTimestamp,
				NoSymlink:          noSymlink,
				Monthly:            monthly,
				RemoveDelaySeconds: removeDelay,
				UUID:               uuidStr,
				AgentSocket:        agentSocket,
				Quiesce:            quiesce,
			}

			ctx, cancel := backup.NewCancellation(context.Background())
			mon, err := dialMonitor(ctx)
			if err != nil {
				return err
			}
			defer mon.Close()

			stopSig := installSignalHandler(cancel, mon)
			defer stopSig()

			tools := &imgtool.Runner{}
			result, err := backup.Run(ctx, mon, tools, root, rc, cancel)
			if err != nil {
				return err
			}

			for _, d := range result.Devices {
				fmt.Printf("%s: %s\n", d.Device, d.TargetPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&level, "level", "auto", "backup level: full, inc, copy, auto")
	cmd.Flags().StringVar(&target, "target", "", "target directory (required)")
	cmd.Flags().StringVar(&exclude, "exclude", "", "comma-separated device/node ids to exclude")
	cmd.Flags().StringVar(&include, "include", "", "comma-separated device/node ids to include")
	cmd.Flags().StringVar(&agentSocket, "agent-socket", "", "path to guest agent socket")
	cmd.Flags().BoolVar(&quiesce, "quiesce", false, "freeze guest filesystems during backup")
	cmd.Flags().BoolVar(&monthly, "monthly", false, "roll backups into YYYY-MM subdirectories")
	cmd.Flags().BoolVar(&noSubdir, "no-subdir", false, "don't create a per-device subdirectory")
	cmd.Flags().BoolVar(&noTimestamp, "no-timestamp", false, "place a timestamp-free FULL-<basename> symlink to the latest full/copy backup")
	cmd.Flags().BoolVar(&noSymlink, "no-symlink", false, "never create the no-timestamp symlink")
	cmd.Flags().BoolVar(&compress, "compress", false, "compress the backup target image")
	cmd.Flags().BoolVar(&includeRaw, "include-raw", false, "also back up raw-format devices")
	cmd.Flags().Int64Var(&speedLimit, "speed-limit", 0, "throughput ceiling in bytes/s (0 = unlimited)")
	cmd.Flags().StringVar(&uuidStr, "uuid", "", "use this UUID instead of generating one (level=full only)")
	cmd.Flags().IntVar(&removeDelay, "remove-delay", 0, "seconds to wait before removing stale fleecing state")
	cmd.Flags().StringVar(&blockdevAIO, "blockdev-aio", "", "AIO backend for target images: threads or io_uring")
	cmd.Flags().BoolVar(&blockdevNoCache, "blockdev-disable-cache", false, "disable the page cache for target images")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
