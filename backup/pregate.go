package backup

import (
	"github.com/qmpbackup/qmpbackup/device"
	"github.com/qmpbackup/qmpbackup/layout"
	"github.com/qmpbackup/qmpbackup/qmperrors"
)

// resolveRunLevel collapses LevelAuto against the target root's uuid
// file and, under --monthly, whether this epoch's rollover directory
// already exists (spec.md §4.D "level=auto").
func resolveRunLevel(root *layout.Root, rc RunConfig, epoch int64) (Level, error) {
	if rc.Level != LevelAuto {
		return rc.Level, nil
	}

	existing, err := layout.ReadUUID(root.Path)
	if err != nil {
		return "", err
	}
	monthExists, err := root.MonthDirExists(epoch)
	if err != nil {
		return "", err
	}
	return ResolveAuto(existing != "", !monthExists), nil
}

// resolveRunUUID implements the per-level UUID rule: full/auto-to-full
// reuse-or-create the root uuid file; inc and copy require one to
// already exist (inc to match bitmaps against, copy for directory
// naming parity only).
func resolveRunUUID(root *layout.Root, level Level, callerUUID string) (string, error) {
	if level == LevelFull {
		return layout.ResolveUUID(root.Path, callerUUID)
	}

	existing, err := layout.ReadUUID(root.Path)
	if err != nil {
		return "", err
	}
	if existing == "" {
		return "", qmperrors.NewConfigError("level=%s requires an existing uuid file under %s; run a full backup first", level, root.Path)
	}
	return existing, nil
}

// devicePreCheck runs the per-device portion of the pre-run gate after
// devices have been selected: no .partial anywhere in the device's
// directory, and (for inc) a matching, non-busy, recording bitmap plus
// a prior FULL backup. It must run entirely before any hypervisor
// side effect.
func devicePreCheck(root *layout.Root, level Level, dev device.BlockDevice, epoch int64) (dir string, err error) {
	dir = root.DeviceDir(dev.Node, dev.Device, epoch)

	partial, err := layout.HasPartial(dir)
	if err != nil {
		return "", err
	}
	if partial {
		return "", qmperrors.NewFilesystemError("%s contains an unfinished .partial backup; resolve it before running again", dir)
	}

	if level != LevelInc {
		return dir, nil
	}

	full, err := layout.HasFull(dir)
	if err != nil {
		return "", err
	}
	if !full {
		return "", qmperrors.NewConfigError("level=inc requires an existing FULL backup for %s under %s", dev.Device, dir)
	}

	bm, ok := matchingBitmap(dev)
	if !ok {
		return "", qmperrors.NewConfigError("level=inc requires a matching, usable bitmap on %s", dev.Node)
	}
	if bm.Busy {
		return "", qmperrors.NewConfigError("bitmap %s on %s is busy", bm.Name, dev.Node)
	}
	if !bm.Recording {
		return "", qmperrors.NewConfigError("bitmap %s on %s is not recording", bm.Name, dev.Node)
	}
	return dir, nil
}

// matchingBitmap returns the device's bitmap that device.Select
// already identified as belonging to the run's UUID via HasBitmap.
func matchingBitmap(dev device.BlockDevice) (device.Bitmap, bool) {
	if !dev.HasBitmap {
		return device.Bitmap{}, false
	}
	for _, bm := range dev.Bitmaps {
		if bm.Name != "" {
			return bm, true
		}
	}
	return device.Bitmap{}, false
}
