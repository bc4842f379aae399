// Package layout owns the on-disk target-directory conventions:
// per-device subdirectories, the create-once uuid file, monthly
// rollover directories, TargetFile naming, and the per-device qcow2
// config capture used to recreate source-image format options.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qmpbackup/qmpbackup/qmperrors"
)

// Level is a backup level tag used in target filenames.
type Level string

const (
	LevelFull Level = "FULL"
	LevelInc  Level = "INC"
	LevelCopy Level = "COPY"
)

// Root wraps one backup target directory.
type Root struct {
	Path      string
	NoSubdir  bool
	Monthly   bool
	Timestamp bool // NewRoot always sets this to true; no layout function reads it
}

// NewRoot creates path if it does not exist yet and returns a
// FilesystemError when that fails. It does not check that path is
// writable.
func NewRoot(path string, noSubdir, monthly bool) (*Root, error) {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, qmperrors.NewFilesystemError("create target directory %s: %v", path, err)
	}
	return &Root{Path: path, NoSubdir: noSubdir, Monthly: monthly, Timestamp: true}, nil
}

// DeviceDir returns the subdirectory a device's backups live under,
// falling back to device when node carries the reserved internal
// prefix (synthetic nodes never appear here in practice, but the rule
// is kept for parity with spec.md §4.E).
func (r *Root) DeviceDir(node, deviceFallback string, epoch int64) string {
	name := node
	if strings.HasPrefix(name, "qmpbackup-") {
		name = deviceFallback
	}

	base := r.Path
	if r.Monthly {
		base = filepath.Join(base, monthDir(epoch))
	}
	if r.NoSubdir {
		return base
	}
	return filepath.Join(base, name)
}

func monthDir(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format("2006-01")
}

// MonthDirExists reports whether the monthly rollover directory for
// epoch already exists; used to resolve level=auto's "monthRolled"
// condition without requiring a device list.
func (r *Root) MonthDirExists(epoch int64) (bool, error) {
	if !r.Monthly {
		return true, nil
	}
	_, err := os.Stat(filepath.Join(r.Path, monthDir(epoch)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, qmperrors.NewFilesystemError("stat month directory: %v", err)
}

// EnsureDeviceDir creates the device's subdirectory.
func (r *Root) EnsureDeviceDir(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return qmperrors.NewFilesystemError("create device directory %s: %v", dir, err)
	}
	return nil
}

// HasPartial reports whether any *.partial file exists directly in dir
// (subdirectories are not searched); a true result must abort the run before it touches the monitor
// (spec.md §8 boundary behavior).
func HasPartial(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, qmperrors.NewFilesystemError("scan %s for partial files: %v", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".partial") {
			return true, nil
		}
	}
	return false, nil
}

// HasFull reports whether dir already contains a completed FULL-*
// image (no .partial suffix).
func HasFull(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, qmperrors.NewFilesystemError("scan %s for full backups: %v", dir, err)
	}
	for _, e := range entries {
		n := e.Name()
		if !e.IsDir() && strings.HasPrefix(n, string(LevelFull)+"-") && !strings.HasSuffix(n, ".partial") {
			return true, nil
		}
	}
	return false, nil
}

// TargetFilename builds the "{LEVEL}-{epoch}-{basename}.partial" name.
func TargetFilename(level Level, epoch int64, basename string) string {
	return fmt.Sprintf("%s-%d-%s.partial", level, epoch, filepath.Base(basename))
}

// FinalPath drops the .partial suffix from a target file's path.
func FinalPath(partialPath string) string {
	return strings.TrimSuffix(partialPath, ".partial")
}

// Rename atomically drops the .partial suffix once a job has
// completed and the monitor session has been torn down.
func Rename(partialPath string) (string, error) {
	final := FinalPath(partialPath)
	if err := os.Rename(partialPath, final); err != nil {
		return "", qmperrors.NewFilesystemError("rename %s to %s: %v", partialPath, final, err)
	}
	return final, nil
}

// Symlink places a "FULL-<basename>" symlink alongside a full/copy
// backup created with --no-timestamp.
func Symlink(target, deviceDir, basename string) error {
	link := filepath.Join(deviceDir, fmt.Sprintf("%s-%s", LevelFull, filepath.Base(basename)))
	_ = os.Remove(link)
	if err := os.Symlink(target, link); err != nil {
		return qmperrors.NewFilesystemError("symlink %s -> %s: %v", link, target, err)
	}
	return nil
}

// UUIDFilePath is the fixed create-once/read-many uuid file at the
// root of a backup target directory.
func UUIDFilePath(root string) string {
	return filepath.Join(root, "uuid")
}

// ReadUUID reads the run's persisted UUID, or ("", nil) if the file
// does not exist yet.
func ReadUUID(root string) (string, error) {
	data, err := os.ReadFile(UUIDFilePath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", qmperrors.NewFilesystemError("read uuid file: %v", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteUUID creates the uuid file. Callers must ensure it does not
// already exist; the uuid file is create-once, never rewritten.
func WriteUUID(root, id string) error {
	path := UUIDFilePath(root)
	if _, err := os.Stat(path); err == nil {
		return qmperrors.NewFilesystemError("uuid file %s already exists", path)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return qmperrors.NewFilesystemError("write uuid file: %v", err)
	}
	return nil
}

// ResolveUUID implements the level=full UUID resolution rule: reuse an
// existing uuid file, or create one from caller (if non-empty and
// valid) or a fresh v4, and persist it.
func ResolveUUID(root, caller string) (string, error) {
	existing, err := ReadUUID(root)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}

	id := caller
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return "", qmperrors.NewConfigError("invalid --uuid value %q: %v", caller, err)
	}

	if err := WriteUUID(root, id); err != nil {
		return "", err
	}
	return id, nil
}

// ConfigFilePath is where a device's captured qemu-img info JSON is
// stored: directly in the target root, whatever the device directory
// layout (image.py:35-47).
func ConfigFilePath(root, node string) string {
	return filepath.Join(root, node+".config")
}

// SaveConfig persists raw qemu-img info JSON for later reuse when
// creating a target image with matching qcow2 options.
func SaveConfig(root, node string, info []byte) error {
	if err := os.WriteFile(ConfigFilePath(root, node), info, 0o640); err != nil {
		return qmperrors.NewFilesystemError("save image config for %s: %v", node, err)
	}
	return nil
}

// LoadConfig reads back a previously saved qemu-img info JSON blob.
func LoadConfig(root, node string) ([]byte, error) {
	data, err := os.ReadFile(ConfigFilePath(root, node))
	if err != nil {
		return nil, qmperrors.NewFilesystemError("load image config for %s: %v", node, err)
	}
	return data, nil
}
