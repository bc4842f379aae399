package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/qmpbackup/qmpbackup/device"
	"github.com/qmpbackup/qmpbackup/monitor"
	"github.com/qmpbackup/qmpbackup/qmpops"
)

func newCleanupCmd() *cobra.Command {
	var (
		removeBitmap bool
		uuidStr      string
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale bitmaps left behind by an aborted run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(cmd); err != nil {
				return err
			}
			if !removeBitmap {
				return fmt.Errorf("cleanup requires --remove-bitmap")
			}

			ctx := context.Background()
			mon, err := dialMonitor(ctx)
			if err != nil {
				return err
			}
			defer mon.Close()

			return removeMatchingBitmaps(mon, uuidStr)
		},
	}

	cmd.Flags().BoolVar(&removeBitmap, "remove-bitmap", false, "remove qmpbackup-owned dirty bitmaps")
	cmd.Flags().StringVar(&uuidStr, "uuid", "", "only remove bitmaps for this run UUID")
	return cmd
}

// removeMatchingBitmaps removes every dirty bitmap whose name carries
// the orchestrator's prefix, optionally restricted to one UUID's
// suffix (spec.md §8 scenario 5 "Cleanup bitmaps").
func removeMatchingBitmaps(m *monitor.Client, uuidStr string) error {
	raw, err := qmpops.QueryBlock(m)
	if err != nil {
		return err
	}

	var firstErr error
	raw.ForEach(func(_, dev gjson.Result) bool {
		node := dev.Get("inserted.node-name").String()
		if node == "" {
			return true
		}
		dev.Get("inserted.dirty-bitmaps").ForEach(func(_, bm gjson.Result) bool {
			name := bm.Get("name").String()
			if !strings.HasPrefix(name, device.ReservedNodePrefix) {
				return true
			}
			if uuidStr != "" && !strings.HasSuffix(name, uuidStr) {
				return true
			}
			if _, err := qmpops.BitmapRemove(m, node, name); err != nil && firstErr == nil {
				firstErr = err
			}
			return true
		})
		return true
	})
	return firstErr
}
