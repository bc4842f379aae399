package restore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/qmpbackup/qmpbackup/imgtool"
	"github.com/qmpbackup/qmpbackup/qmperrors"
)

// RunOpts carries the restore CLI's common flags into every mode.
type RunOpts struct {
	Until     string
	Filter    string
	DryRun    bool
	RateLimit int64
	SkipCheck bool
}

func (o RunOpts) planOpts() PlanOpts {
	return PlanOpts{Until: o.Until, Filter: o.Filter}
}

// checkChain runs the optional per-file qemu-img check pre-flight
// (spec.md §4.F, default on, disabled with --skip-check).
func checkChain(ctx context.Context, tools *imgtool.Runner, entries []ChainEntry, skip bool) error {
	if skip {
		return nil
	}
	for _, e := range entries {
		if _, err := tools.Check(ctx, e.Path); err != nil {
			return fmt.Errorf("consistency check failed for %s: %w", e.Path, err)
		}
	}
	return nil
}

// rebaseChain rewrites each INC's backing-file pointer onto its
// immediate predecessor, in chain order. Under DryRun it only logs
// what would run.
func rebaseChain(ctx context.Context, tools *imgtool.Runner, entries []ChainEntry, dryRun bool) error {
	for i := 1; i < len(entries); i++ {
		predecessor := entries[i-1]
		if dryRun {
			log.Info("would rebase", "image", entries[i].Path, "onto", predecessor.Path)
			continue
		}
		if _, err := tools.Rebase(ctx, entries[i].Path, predecessor.Path, "qcow2"); err != nil {
			return err
		}
	}
	return nil
}

// placeImageSymlink drops an "image" symlink in dir's parent directory
// pointing at tip; Rebase, Commit and SnapshotRebase call it on success,
// Merge does not (spec.md §6 "Persisted state layout").
func placeImageSymlink(dir string, tip ChainEntry) error {
	link := filepath.Join(filepath.Dir(dir), "image")
	_ = os.Remove(link)
	if err := os.Symlink(tip.Path, link); err != nil {
		return qmperrors.NewFilesystemError("symlink %s -> %s: %v", link, tip.Path, err)
	}
	return nil
}

// Rebase rewrites the backing-file chain in place, without merging any
// data (spec.md §4.F "rebase").
func Rebase(ctx context.Context, tools *imgtool.Runner, dir string, opts RunOpts) error {
	entries, err := Plan(dir, opts.planOpts())
	if err != nil {
		return err
	}
	if err := checkChain(ctx, tools, entries, opts.SkipCheck); err != nil {
		return err
	}
	if opts.DryRun {
		return rebaseChain(ctx, tools, entries, true)
	}
	if err := rebaseChain(ctx, tools, entries, false); err != nil {
		return err
	}
	return placeImageSymlink(dir, entries[len(entries)-1])
}

// Commit rebases the chain, then commits each INC into its
// predecessor from newest to oldest, collapsing the chain into the
// FULL image (spec.md §4.F "commit").
func Commit(ctx context.Context, tools *imgtool.Runner, dir string, opts RunOpts) error {
	entries, err := Plan(dir, opts.planOpts())
	if err != nil {
		return err
	}
	if err := checkChain(ctx, tools, entries, opts.SkipCheck); err != nil {
		return err
	}
	if opts.DryRun {
		if err := rebaseChain(ctx, tools, entries, true); err != nil {
			return err
		}
		for i := len(entries) - 1; i >= 1; i-- {
			log.Info("would commit", "image", entries[i].Path, "into", entries[i-1].Path)
		}
		return nil
	}

	if err := rebaseChain(ctx, tools, entries, false); err != nil {
		return err
	}
	for i := len(entries) - 1; i >= 1; i-- {
		if _, err := tools.Commit(ctx, entries[i].Path, opts.RateLimit); err != nil {
			return err
		}
	}
	return placeImageSymlink(dir, entries[0])
}

// Merge is the non-destructive variant of Commit: it copies the FULL
// to targetfile, stages copies of every INC, rebases and commits the
// staged copies, and leaves every original file byte-for-byte
// untouched (spec.md §4.F "merge", §8 scenario 6).
func Merge(ctx context.Context, tools *imgtool.Runner, dir, targetfile string, opts RunOpts) error {
	entries, err := Plan(dir, opts.planOpts())
	if err != nil {
		return err
	}
	if err := checkChain(ctx, tools, entries, opts.SkipCheck); err != nil {
		return err
	}
	if opts.DryRun {
		log.Info("would copy", "from", entries[0].Path, "to", targetfile)
		for i := 1; i < len(entries); i++ {
			log.Info("would stage and commit", "image", entries[i].Path)
		}
		return nil
	}

	if err := copyFile(entries[0].Path, targetfile); err != nil {
		return err
	}
	if len(entries) == 1 {
		return nil
	}

	stageDir, err := os.MkdirTemp(filepath.Dir(targetfile), "qmprebase-merge-*")
	if err != nil {
		return qmperrors.NewFilesystemError("create merge staging directory: %v", err)
	}
	defer os.RemoveAll(stageDir)

	staged := make([]string, len(entries))
	staged[0] = targetfile
	for i := 1; i < len(entries); i++ {
		dst := filepath.Join(stageDir, filepath.Base(entries[i].Path))
		if err := copyFile(entries[i].Path, dst); err != nil {
			return err
		}
		staged[i] = dst
	}

	for i := 1; i < len(staged); i++ {
		if _, err := tools.Rebase(ctx, staged[i], staged[i-1], "qcow2"); err != nil {
			return err
		}
	}
	for i := len(staged) - 1; i >= 1; i-- {
		if _, err := tools.Commit(ctx, staged[i], opts.RateLimit); err != nil {
			return err
		}
	}
	return nil
}

// SnapshotRebase rebases the chain like Rebase, then records one named
// internal qcow2 snapshot per entry so each backup point remains
// individually recoverable; the FULL's snapshot is always named
// "FULL-BACKUP", every INC's snapshot is named "<Kind>-<epoch>".
func SnapshotRebase(ctx context.Context, tools *imgtool.Runner, dir string, opts RunOpts) error {
	entries, err := Plan(dir, opts.planOpts())
	if err != nil {
		return err
	}
	if err := checkChain(ctx, tools, entries, opts.SkipCheck); err != nil {
		return err
	}
	if opts.DryRun {
		return rebaseChain(ctx, tools, entries, true)
	}

	if err := rebaseChain(ctx, tools, entries, false); err != nil {
		return err
	}
	if _, err := tools.Snapshot(ctx, entries[0].Path, "FULL-BACKUP"); err != nil {
		return err
	}
	for i := 1; i < len(entries); i++ {
		name := fmt.Sprintf("%s-%d", entries[i].Kind, entries[i].Epoch)
		if _, err := tools.Snapshot(ctx, entries[i].Path, name); err != nil {
			return err
		}
	}
	return placeImageSymlink(dir, entries[len(entries)-1])
}

// copyFile duplicates src to dst, preserving neither ownership nor
// mode beyond the umask, sufficient for merge's staged working copies.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return qmperrors.NewFilesystemError("open %s: %v", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return qmperrors.NewFilesystemError("create %s: %v", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return qmperrors.NewFilesystemError("copy %s to %s: %v", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return qmperrors.NewFilesystemError("close %s: %v", dst, err)
	}
	return nil
}
