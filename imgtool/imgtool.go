// Package imgtool drives the hypervisor's external image tool
// (qemu-img) for create/info/check/rebase/commit/snapshot operations.
// It is a thin, synchronous subprocess runner: build argv, run, capture
// output, translate a non-zero exit into a qmperrors.ToolError.
package imgtool

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"

	"github.com/qmpbackup/qmpbackup/qmperrors"
)

// Runner executes qemu-img (or a compatible substitute) invocations.
type Runner struct {
	// Binary defaults to "qemu-img" when empty.
	Binary string
}

// Result carries the outcome of one tool invocation.
type Result struct {
	Argv     []string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

func (r *Runner) bin() string {
	if r.Binary != "" {
		return r.Binary
	}
	return "qemu-img"
}

// Run executes argv (without the binary name) and returns its Result.
// A non-zero exit is reported as a qmperrors.ToolError unless tolerate
// is true, in which case the caller inspects Result.ExitCode itself.
func (r *Runner) Run(ctx context.Context, tolerate bool, argv ...string) (Result, error) {
	full := append([]string{r.bin()}, argv...)
	cmd := exec.CommandContext(ctx, full[0], full[1:]...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Argv: full, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if err == nil {
		return res, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
		if tolerate {
			return res, nil
		}
		return res, qmperrors.NewToolError(full, res.ExitCode, res.Stderr)
	}
	return res, qmperrors.NewToolError(full, -1, []byte(err.Error()))
}

// CreateOpts configures a qemu-img create invocation.
type CreateOpts struct {
	Format         string
	Target         string
	SizeBytes      int64  // 0 when BackingFile is set (size is inherited)
	BackingFile    string // empty for FULL images (no backing file)
	BackingFormat  string
	Compat         string
	ClusterSize    int64
	LazyRefcounts  bool
}

// Create builds and runs "qemu-img create", threading the qcow2
// compat/cluster_size/lazy_refcounts options captured from the source
// image's info blob (layout.SaveConfig) so new target images match the
// source's on-disk format (image.py:65-98).
func (r *Runner) Create(ctx context.Context, opts CreateOpts) (Result, error) {
	argv := []string{"create", "-f", opts.Format}
	if opts.BackingFile != "" {
		argv = append(argv, "-b", opts.BackingFile, "-F", opts.BackingFormat)
	}

	var o []string
	if opts.Compat != "" {
		o = append(o, "compat="+opts.Compat)
	}
	if opts.ClusterSize > 0 {
		o = append(o, "cluster_size="+itoa(opts.ClusterSize))
	}
	if opts.LazyRefcounts {
		o = append(o, "lazy_refcounts=on")
	}
	for _, kv := range o {
		argv = append(argv, "-o", kv)
	}

	argv = append(argv, opts.Target)
	if opts.SizeBytes > 0 {
		argv = append(argv, itoa(opts.SizeBytes))
	}
	return r.Run(ctx, false, argv...)
}

// Info runs "qemu-img info --output json --force-share" and returns
// the raw JSON blob (image.py's get_info()).
func (r *Runner) Info(ctx context.Context, filename string) ([]byte, error) {
	res, err := r.Run(ctx, false, "info", filename, "--output", "json", "--force-share")
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

// Check runs "qemu-img check" for the restore engine's optional
// per-file consistency pre-check.
func (r *Runner) Check(ctx context.Context, filename string) (Result, error) {
	return r.Run(ctx, false, "check", filename)
}

// Rebase runs "qemu-img rebase -u" to rewrite image's backing-file
// pointer to backingFile without copying data.
func (r *Runner) Rebase(ctx context.Context, image, backingFile, backingFormat string) (Result, error) {
	return r.Run(ctx, false, "rebase", "-f", "qcow2", "-F", backingFormat, "-b", backingFile, image, "-u")
}

// Commit runs "qemu-img commit", optionally rate-limited (bytes/s),
// merging image into its backing file (spec.md §4.G: rate-limit is
// forwarded only to commit).
func (r *Runner) Commit(ctx context.Context, image string, rateLimitBytesPerSec int64) (Result, error) {
	argv := []string{"commit"}
	if rateLimitBytesPerSec > 0 {
		argv = append(argv, "-r", itoa(rateLimitBytesPerSec))
	}
	argv = append(argv, image)
	return r.Run(ctx, false, argv...)
}

// Snapshot runs "qemu-img snapshot -c name" to create an internal
// qcow2 snapshot, used by the snapshotrebase restore mode.
func (r *Runner) Snapshot(ctx context.Context, image, name string) (Result, error) {
	return r.Run(ctx, false, "snapshot", "-c", name, image)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
