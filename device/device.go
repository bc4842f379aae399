// Package device turns a raw query-block payload into the filtered,
// ordered set of backup-eligible BlockDevices, resolving the format,
// filename, and bitmap-state derivations described in spec.md §4.C.
package device

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/qmpbackup/qmpbackup/qmperrors"
)

// ReservedNodePrefix marks node names owned by the orchestrator's own
// fleecing topology (fleece, CBW filter, snapshot-access, target); such
// nodes are never themselves backup candidates.
const ReservedNodePrefix = "qmpbackup-"

// Bitmap is one dirty-bitmap entry reported for a device.
type Bitmap struct {
	Name        string
	Recording   bool
	Persistent  bool
	Granularity int64
	Busy        bool
}

// BlockDevice is one hypervisor block node considered for backup.
type BlockDevice struct {
	Node         string
	Device       string
	Filename     string
	Format       string
	VirtualSize  int64
	HasFullBackup bool
	HasBitmap    bool
	Bitmaps      []Bitmap
	Qdev         string
	Driver       string // inner file.driver, set for RBD-style json: filenames
	BackingImage bool
}

// SelectOptions parameterizes device selection.
type SelectOptions struct {
	Include    []string // whitelist by device id, falling back to node
	Exclude    []string // blacklist by device id, falling back to node
	IncludeRaw bool
	UUID       string // resolved run UUID; empty for level=full with no prior chain
}

// Select implements the five ordering rules of spec.md §4.C over the
// raw query-block return payload.
func Select(raw []byte, opts SelectOptions) ([]BlockDevice, error) {
	if len(opts.Include) > 0 && len(opts.Exclude) > 0 {
		return nil, qmperrors.NewConfigError("--include and --exclude are mutually exclusive")
	}

	entries := gjson.ParseBytes(raw).Array()
	var out []BlockDevice
	for _, entry := range entries {
		bd, ok, err := fromEntry(entry, opts)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, bd)
	}

	if len(opts.Include) > 0 {
		out = filterInclude(out, opts.Include)
		if err := requireAllMatched(out, opts.Include); err != nil {
			return nil, err
		}
	} else if len(opts.Exclude) > 0 {
		out = filterExclude(out, opts.Exclude)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Node < out[j].Node })

	if len(out) == 0 {
		return nil, qmperrors.NewConfigError("no backup-eligible devices remain after filtering")
	}
	return out, nil
}

// fromEntry converts one query-block array entry into a BlockDevice.
// The second return value is false when the entry must be dropped
// outright (rule 1), before include/exclude filtering runs.
func fromEntry(entry gjson.Result, opts SelectOptions) (BlockDevice, bool, error) {
	inserted := entry.Get("inserted")
	if !inserted.Exists() {
		return BlockDevice{}, false, nil
	}

	node := inserted.Get("node-name").String()
	if node == "" {
		node = entry.Get("qdev").String()
	}
	if strings.HasPrefix(node, ReservedNodePrefix) {
		return BlockDevice{}, false, nil
	}

	if entry.Get("removable").Bool() && entry.Get("ro").Bool() {
		return BlockDevice{}, false, nil // read-only removable media (mounted ISO)
	}

	format, filename, driver, backingImage := resolveImage(inserted)
	if filename == "" {
		return BlockDevice{}, false, nil
	}

	if format == "raw" && !opts.IncludeRaw {
		return BlockDevice{}, false, nil
	}

	bitmaps, hasBitmap := resolveBitmaps(inserted, entry, node, opts.UUID)

	bd := BlockDevice{
		Node:         node,
		Device:       entry.Get("device").String(),
		Filename:     filename,
		Format:       format,
		VirtualSize:  inserted.Get("image.virtual-size").Int(),
		HasBitmap:    hasBitmap,
		Bitmaps:      bitmaps,
		Qdev:         entry.Get("qdev").String(),
		Driver:       driver,
		BackingImage: backingImage,
	}
	return bd, true, nil
}

// resolveImage resolves format/filename following the original
// implementation's backing-image and RBD/json:-encoded-filename
// branches (vm.py:79-114).
func resolveImage(inserted gjson.Result) (format, filename, driver string, backingImage bool) {
	if backing := inserted.Get("image.backing-image"); backing.Exists() {
		format = backing.Get("format").String()
		filename = backing.Get("filename").String()
		backingImage = true
	} else {
		format = inserted.Get("image.format").String()
		filename = inserted.Get("image.filename").String()
	}

	if !strings.HasPrefix(filename, "json:") {
		return format, filename, driver, backingImage
	}

	var encoded map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(filename, "json:")), &encoded); err != nil {
		return format, "", driver, backingImage
	}
	file, _ := encoded["file"].(map[string]any)
	if file == nil {
		return format, "", driver, backingImage
	}
	if d, _ := file["driver"].(string); d == "rbd" {
		driver = "rbd"
		if img, ok := file["image"].(string); ok {
			filename = img
		}
		return format, filename, driver, backingImage
	}
	if next, ok := file["next"].(map[string]any); ok {
		if fn, ok := next["filename"].(string); ok {
			filename = fn
		}
	} else {
		filename = ""
	}
	return format, filename, driver, backingImage
}

// resolveBitmaps normalizes the status/recording split described in
// lib.py's check_bitmap_state and matches the bitmap belonging to uuid.
func resolveBitmaps(inserted, entry gjson.Result, node, uuid string) ([]Bitmap, bool) {
	list := inserted.Get("dirty-bitmaps")
	if !list.Exists() {
		list = entry.Get("dirty-bitmaps")
	}

	var bitmaps []Bitmap
	hasBitmap := false
	list.ForEach(func(_, b gjson.Result) bool {
		recording := b.Get("recording").Bool()
		if status := b.Get("status"); status.Exists() {
			recording = status.String() == "active"
		}
		bm := Bitmap{
			Name:        b.Get("name").String(),
			Recording:   recording,
			Persistent:  b.Get("persistent").Bool(),
			Granularity: b.Get("granularity").Int(),
			Busy:        b.Get("busy").Bool(),
		}
		bitmaps = append(bitmaps, bm)
		if uuid != "" && strings.HasSuffix(bm.Name, uuid) {
			hasBitmap = true
		}
		return true
	})

	if uuid == "" && len(bitmaps) > 0 {
		hasBitmap = true
	}
	_ = node
	return bitmaps, hasBitmap
}

func filterInclude(devices []BlockDevice, include []string) []BlockDevice {
	set := toSet(include)
	var out []BlockDevice
	for _, d := range devices {
		if set[d.Device] || set[d.Node] {
			out = append(out, d)
		}
	}
	return out
}

func filterExclude(devices []BlockDevice, exclude []string) []BlockDevice {
	set := toSet(exclude)
	var out []BlockDevice
	for _, d := range devices {
		if set[d.Device] || set[d.Node] {
			continue
		}
		out = append(out, d)
	}
	return out
}

func requireAllMatched(matched []BlockDevice, include []string) error {
	present := make(map[string]bool, len(matched)*2)
	for _, d := range matched {
		present[d.Device] = true
		present[d.Node] = true
	}
	for _, name := range include {
		if !present[name] {
			return qmperrors.NewConfigError("included device %q does not exist", name)
		}
	}
	return nil
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, i := range items {
		s[i] = true
	}
	return s
}
