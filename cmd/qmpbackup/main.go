// Command qmpbackup drives one backup, info, or cleanup invocation
// against a running hypervisor's QMP socket.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/qmpbackup/qmpbackup/backup"
	"github.com/qmpbackup/qmpbackup/monitor"
	"github.com/qmpbackup/qmpbackup/qmpbackupcfg"
)

const dialTimeout = 5 * time.Second

var (
	socketPath string
	configPath string
	verbose    bool
	logFile    string
	useSyslog  bool
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
		Use:   "qmpbackup",
		Short: "Live block-device backup over a QEMU monitor socket",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "", "path to QMP socket (required)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default /etc/qmpbackup/config.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this rotated file")
	root.PersistentFlags().BoolVar(&useSyslog, "syslog", false, "also write logs to syslog")
	_ = root.MarkPersistentFlagRequired("socket")

	root.AddCommand(newBackupCmd(), newInfoCmd(), newCleanupCmd())
	return root
}

// setupLogging binds the config file, resolves the effective log
// level and destinations, and installs the package logger used by
// backup.Run.
func setupLogging(cmd *cobra.Command) error {
	v := viper.New()
	if err := qmpbackupcfg.BindConfig(cmd, v, configPath); err != nil {
		return err
	}

	level := qmpbackupcfg.ParseLevel("info")
	if verbose || v.GetBool("verbose") {
		level = qmpbackupcfg.ParseLevel("debug")
	}

	var dests []io.Writer
	if f := v.GetString("log-file"); f != "" && logFile == "" {
		logFile = f
	}
	if logFile != "" {
		dests = append(dests, qmpbackupcfg.LogFileWriter(logFile, 50, 5, 30))
	}
	if useSyslog || v.GetBool("syslog") {
		w, err := qmpbackupcfg.SyslogWriter("qmpbackup")
		if err != nil {
			return err
		}
		dests = append(dests, w)
	}

	backup.SetLogger(qmpbackupcfg.NewLogger(level, dests...))
	return nil
}

func dialMonitor(ctx context.Context) (*monitor.Client, error) {
	return monitor.Dial(ctx, socketPath, dialTimeout)
}

// installSignalHandler wires SIGINT/SIGTERM to the cancellation token
// and a best-effort cancel of every reserved-prefix block job (spec.md
// §5 "Cancellation"). The returned func stops the handler goroutine.
func installSignalHandler(cancel *backup.Cancellation, m backup.Monitor) context.CancelFunc {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	stop := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			cancel.Trigger()
			if err := backup.CancelReservedJobs(m); err != nil {
				fmt.Fprintln(os.Stderr, "cancel reserved jobs:", err)
			}
		case <-stop:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(stop)
	}
}
