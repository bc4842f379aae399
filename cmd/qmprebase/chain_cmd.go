package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qmpbackup/qmpbackup/imgtool"
	"github.com/qmpbackup/qmpbackup/restore"
)

// newChainCmd builds one of the four chain-collapsing subcommands;
// name selects which restore.* function RunE calls.
func newChainCmd(name, short string) *cobra.Command {
	var (
		dir        string
		until      string
		dryRun     bool
		filter     string
		rateLimit  int64
		targetfile string
	)

	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(cmd); err != nil {
				return err
			}
			if name == "merge" && targetfile == "" {
				return fmt.Errorf("merge requires --targetfile")
			}

			opts := restore.RunOpts{
				Until:     until,
				Filter:    filter,
				DryRun:    dryRun,
				RateLimit: rateLimit,
				SkipCheck: skipCheck,
			}
			tools := &imgtool.Runner{}
			ctx := context.Background()

			switch name {
			case "rebase":
				return restore.Rebase(ctx, tools, dir, opts)
			case "commit":
				return restore.Commit(ctx, tools, dir, opts)
			case "merge":
				return restore.Merge(ctx, tools, dir, targetfile, opts)
			case "snapshotrebase":
				return restore.SnapshotRebase(ctx, tools, dir, opts)
			default:
				return fmt.Errorf("unknown chain mode %q", name)
			}
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "backup chain directory (required)")
	cmd.Flags().StringVar(&until, "until", "", "stop the chain at this entry, inclusive")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print tool invocations without side effects")
	cmd.Flags().StringVar(&filter, "filter", "", "only entries whose filename contains this substring participate")
	cmd.Flags().Int64Var(&rateLimit, "rate-limit", 0, "bytes/s forwarded to the commit invocation")
	if name == "merge" {
		cmd.Flags().StringVar(&targetfile, "targetfile", "", "output image for the merged chain (required)")
	}
	_ = cmd.MarkFlagRequired("dir")

	return cmd
}
