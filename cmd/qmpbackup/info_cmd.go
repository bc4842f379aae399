package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/qmpbackup/qmpbackup/qmpops"
)

func newInfoCmd() *cobra.Command {
	var show string

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show current blockdev graph or dirty-bitmap state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(cmd); err != nil {
				return err
			}

			ctx := context.Background()
			mon, err := dialMonitor(ctx)
			if err != nil {
				return err
			}
			defer mon.Close()

			switch show {
			case "blockdev":
				res, err := qmpops.QueryNamedBlockNodes(mon)
				if err != nil {
					return err
				}
				fmt.Println(res.Raw)
			case "bitmaps":
				res, err := qmpops.QueryBlock(mon)
				if err != nil {
					return err
				}
				printBitmaps(res)
			default:
				return fmt.Errorf("--show must be blockdev or bitmaps, got %q", show)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&show, "show", "", "what to show: blockdev or bitmaps (required)")
	_ = cmd.MarkFlagRequired("show")
	return cmd
}

// printBitmaps renders each device's dirty bitmaps from a raw
// query-block return payload.
func printBitmaps(devices gjson.Result) {
	devices.ForEach(func(_, dev gjson.Result) bool {
		node := dev.Get("inserted.node-name").String()
		if node == "" {
			return true
		}
		dev.Get("inserted.dirty-bitmaps").ForEach(func(_, bm gjson.Result) bool {
			fmt.Printf("%s: %s recording=%t persistent=%t busy=%t\n",
				node, bm.Get("name").String(), bm.Get("recording").Bool(),
				bm.Get("persistent").Bool(), bm.Get("busy").Bool())
			return true
		})
		return true
	})
}
