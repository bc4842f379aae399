package restore

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/qmpbackup/qmpbackup/layout"
	"github.com/qmpbackup/qmpbackup/qmperrors"
)

// ChainEntry is one backup image file within a restore chain.
type ChainEntry struct {
	Path         string
	Kind         string // FULL, INC, or COPY
	Epoch        int64
	DiskBasename string
	ModTime      time.Time
}

// ScanChain lists dir, rejects any .partial file outright, classifies
// every TargetFilename-shaped entry, and returns them sorted with the
// FULL entry first followed by INCs ascending by epoch (ties broken by
// modification time, per image.py:134-135's getmtime tiebreak).
func ScanChain(dir string) ([]ChainEntry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, qmperrors.NewFilesystemError("read chain directory %s: %v", dir, err)
	}

	var entries []ChainEntry
	var fulls int
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if strings.HasSuffix(name, ".partial") {
			return nil, qmperrors.NewChainError("%s contains an unfinished .partial backup; resolve it before restoring", filepath.Join(dir, name))
		}

		entry, ok := parseEntryName(dir, name)
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, qmperrors.NewFilesystemError("stat %s: %v", name, err)
		}
		entry.ModTime = info.ModTime()
		if entry.Kind == string(layout.LevelFull) {
			fulls++
		}
		entries = append(entries, entry)
	}

	if fulls == 0 {
		return nil, qmperrors.NewChainError("%s contains no FULL backup", dir)
	}
	if fulls > 1 {
		return nil, qmperrors.NewChainError("%s contains more than one FULL backup", dir)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Kind == string(layout.LevelFull) {
			return true
		}
		if entries[j].Kind == string(layout.LevelFull) {
			return false
		}
		if entries[i].Epoch != entries[j].Epoch {
			return entries[i].Epoch < entries[j].Epoch
		}
		return entries[i].ModTime.Before(entries[j].ModTime)
	})
	return entries, nil
}

// parseEntryName splits a "{KIND}-{epoch}-{basename}" filename; files
// that don't match the pattern (the uuid file, a <node>.config
// capture, a prior "image" symlink) are skipped, not errors.
func parseEntryName(dir, name string) (ChainEntry, bool) {
	parts := strings.SplitN(name, "-", 3)
	if len(parts) != 3 {
		return ChainEntry{}, false
	}
	kind := parts[0]
	if kind != string(layout.LevelFull) && kind != string(layout.LevelInc) && kind != string(layout.LevelCopy) {
		return ChainEntry{}, false
	}
	epoch, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ChainEntry{}, false
	}
	return ChainEntry{
		Path:         filepath.Join(dir, name),
		Kind:         kind,
		Epoch:        epoch,
		DiskBasename: parts[2],
	}, true
}

// PlanOpts narrows a scanned chain per the restore CLI's common flags.
type PlanOpts struct {
	Until  string // basename of the last entry to include, inclusive
	Filter string // substring filter; the chain continuity requirement relaxes to "FULL present, remainder sorted"
}

// Plan applies --until and --filter over a scanned chain.
func Plan(dir string, opts PlanOpts) ([]ChainEntry, error) {
	entries, err := ScanChain(dir)
	if err != nil {
		return nil, err
	}

	if opts.Filter != "" {
		var kept []ChainEntry
		for _, e := range entries {
			if e.Kind == string(layout.LevelFull) || strings.Contains(filepath.Base(e.Path), opts.Filter) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}

	if opts.Until != "" {
		idx := -1
		for i, e := range entries {
			if filepath.Base(e.Path) == opts.Until {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil, qmperrors.NewChainError("--until %q does not match any entry in %s", opts.Until, dir)
		}
		entries = entries[:idx+1]
	}

	if len(entries) == 0 || entries[0].Kind != string(layout.LevelFull) {
		return nil, qmperrors.NewChainError("%s has no FULL backup after filtering", dir)
	}
	return entries, nil
}
