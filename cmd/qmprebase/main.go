// Command qmprebase applies chain-collapsing operations (rebase,
// commit, merge, snapshotrebase) over a directory of backup images
// produced by qmpbackup.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/qmpbackup/qmpbackup/qmpbackupcfg"
	"github.com/qmpbackup/qmpbackup/restore"
)

var (
	skipCheck  bool
	configPath string
	verbose    bool
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "qmprebase",
		Short: "Collapse a qmpbackup chain in place, or restore it non-destructively",
	}
	root.PersistentFlags().BoolVar(&skipCheck, "skip-check", false, "skip the per-file qemu-img check pre-flight")
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default /etc/qmpbackup/config.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newChainCmd("rebase", "Rewrite each INC's backing-file pointer onto its predecessor"),
		newChainCmd("commit", "Rebase, then commit each INC into its predecessor"),
		newChainCmd("merge", "Non-destructive commit into a copy of the chain"),
		newChainCmd("snapshotrebase", "Rebase, recording a named internal snapshot at each step"),
	)
	return root
}

func setupLogging(cmd *cobra.Command) error {
	v := viper.New()
	if err := qmpbackupcfg.BindConfig(cmd, v, configPath); err != nil {
		return err
	}
	level := qmpbackupcfg.ParseLevel("info")
	if verbose || v.GetBool("verbose") {
		level = qmpbackupcfg.ParseLevel("debug")
	}
	restore.SetLogger(qmpbackupcfg.NewLogger(level))
	return nil
}
