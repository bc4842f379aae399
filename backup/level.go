package backup

import "github.com/qmpbackup/qmpbackup/qmperrors"

// Level is a backup level tag. Per design note §9 ("Polymorphism over
// backup levels"), the three concrete levels differ only in a small,
// fixed set of attributes captured by levelSpecs below instead of one
// branch per call site.
type Level string

const (
	LevelFull Level = "full"
	LevelInc  Level = "inc"
	LevelCopy Level = "copy"
	LevelAuto Level = "auto" // resolved to Full or Inc before the pre-run gate
)

// levelSpec captures what varies across backup levels: whether the
// bitmap created for this level persists across runs, whether a new
// bitmap is created or an existing one is reused/cleared, and the
// blockdev-backup sync mode.
type levelSpec struct {
	BitmapPersistent bool
	CreatesBitmap    bool
	ClearsBitmap     bool
	SyncMode         string
	BitmapPrefix     string
}

var levelSpecs = map[Level]levelSpec{
	LevelFull: {BitmapPersistent: true, CreatesBitmap: true, ClearsBitmap: false, SyncMode: "full", BitmapPrefix: "qmpbackup"},
	LevelInc:  {BitmapPersistent: true, CreatesBitmap: false, ClearsBitmap: true, SyncMode: "incremental", BitmapPrefix: "qmpbackup"},
	LevelCopy: {BitmapPersistent: false, CreatesBitmap: true, ClearsBitmap: false, SyncMode: "full", BitmapPrefix: "qmpbackup-copy"},
}

func specFor(level Level) (levelSpec, error) {
	spec, ok := levelSpecs[level]
	if !ok {
		return levelSpec{}, qmperrors.NewConfigError("unknown backup level %q", level)
	}
	return spec, nil
}

// ResolveAuto collapses LevelAuto to Full or Inc: Full when the target
// directory has no uuid file yet (or --monthly rolled to a new month),
// Inc otherwise (spec.md §4.D).
func ResolveAuto(hasUUID, monthRolled bool) Level {
	if !hasUUID || monthRolled {
		return LevelFull
	}
	return LevelInc
}

// bitmapName builds the per-device bitmap name for a level:
// "qmpbackup-<node>-<uuid>" for full/inc, "qmpbackup-copy-<node>" for
// copy (spec.md §3 Bitmap naming).
func bitmapName(level Level, node, uuid string) string {
	spec := levelSpecs[level]
	if level == LevelCopy {
		return spec.BitmapPrefix + "-" + node
	}
	return spec.BitmapPrefix + "-" + node + "-" + uuid
}
