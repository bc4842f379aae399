// Package qmpops provides typed wrappers over the monitor verbs the
// backup orchestrator and the qmpbackup CLI rely on: query commands,
// dirty-bitmap lifecycle, blockdev graph mutation, the backup job
// driver, and transactional grouping. Every builder follows the
// teacher's sjson field-by-field construction idiom so each verb stays
// a pure function from arguments to a JSON document.
package qmpops

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/qmpbackup/qmpbackup/qmperrors"
)

// caller is the subset of monitor.Client used by qmpops; kept as an
// interface so callers can substitute a fake in tests without pulling
// in a live monitor connection.
type caller interface {
	Command(name string, arguments string) (gjson.Result, error)
	Raw(doc string) (gjson.Result, error)
}

// QueryBlock runs query-block and returns the raw device array.
func QueryBlock(c caller) (gjson.Result, error) {
	return c.Command("query-block", "")
}

// QueryNamedBlockNodes runs query-named-block-nodes.
func QueryNamedBlockNodes(c caller) (gjson.Result, error) {
	return c.Command("query-named-block-nodes", "")
}

// QueryBlockJobs runs query-block-jobs and returns the raw job array.
func QueryBlockJobs(c caller) (gjson.Result, error) {
	return c.Command("query-block-jobs", "")
}

// QueryVersion runs query-version.
func QueryVersion(c caller) (gjson.Result, error) {
	return c.Command("query-version", "")
}

// QueryName runs query-name.
func QueryName(c caller) (gjson.Result, error) {
	return c.Command("query-name", "")
}

// QueryStatus runs query-status.
func QueryStatus(c caller) (gjson.Result, error) {
	return c.Command("query-status", "")
}

// BitmapAddOpts configures block-dirty-bitmap-add.
type BitmapAddOpts struct {
	Node        string
	Name        string
	Persistent  bool
	Granularity int64 // 0 means "let the hypervisor choose"
}

// BitmapAdd creates a dirty bitmap on node.
func BitmapAdd(c caller, opts BitmapAddOpts) (gjson.Result, error) {
	doc := `{}`
	doc, _ = sjson.Set(doc, "node", opts.Node)
	doc, _ = sjson.Set(doc, "name", opts.Name)
	doc, _ = sjson.Set(doc, "persistent", opts.Persistent)
	if opts.Granularity > 0 {
		doc, _ = sjson.Set(doc, "granularity", opts.Granularity)
	}
	return c.Command("block-dirty-bitmap-add", doc)
}

// BitmapRemove deletes a dirty bitmap.
func BitmapRemove(c caller, node, name string) (gjson.Result, error) {
	doc, _ := sjson.Set(`{}`, "node", node)
	doc, _ = sjson.Set(doc, "name", name)
	return c.Command("block-dirty-bitmap-remove", doc)
}

// BitmapClear clears (resets) a dirty bitmap without deleting it.
func BitmapClear(c caller, node, name string) (gjson.Result, error) {
	doc, _ := sjson.Set(`{}`, "node", node)
	doc, _ = sjson.Set(doc, "name", name)
	return c.Command("block-dirty-bitmap-clear", doc)
}

// BitmapDisable stops recording writes into a dirty bitmap.
func BitmapDisable(c caller, node, name string) (gjson.Result, error) {
	doc, _ := sjson.Set(`{}`, "node", node)
	doc, _ = sjson.Set(doc, "name", name)
	return c.Command("block-dirty-bitmap-disable", doc)
}

// BitmapEnable resumes recording writes into a dirty bitmap.
func BitmapEnable(c caller, node, name string) (gjson.Result, error) {
	doc, _ := sjson.Set(`{}`, "node", node)
	doc, _ = sjson.Set(doc, "name", name)
	return c.Command("block-dirty-bitmap-enable", doc)
}

// BlockdevAddOpts configures blockdev-add for the drivers the
// orchestrator needs: qcow2 (fleece/target images) and the
// copy-before-write / snapshot-access filters.
type BlockdevAddOpts struct {
	NodeName string
	Driver   string // "qcow2", "copy-before-write", "snapshot-access", "raw"
	Filename string // for file-backed drivers
	// CBW filter fields.
	FileNode   string // driver="copy-before-write": the node being filtered
	TargetNode string // driver="copy-before-write": the fleece target
	// snapshot-access fields.
	SnapshotOfNode string // driver="snapshot-access": the CBW filter node
	CacheDisable   bool
	AIO            string // "threads" or "io_uring"
}

// BlockdevAdd builds and sends the appropriate blockdev-add document
// for the given driver.
func BlockdevAdd(c caller, opts BlockdevAddOpts) (gjson.Result, error) {
	doc := `{}`
	doc, _ = sjson.Set(doc, "node-name", opts.NodeName)
	doc, _ = sjson.Set(doc, "driver", opts.Driver)

	switch opts.Driver {
	case "copy-before-write":
		doc, _ = sjson.Set(doc, "file", opts.FileNode)
		doc, _ = sjson.Set(doc, "target", opts.TargetNode)
	case "snapshot-access":
		doc, _ = sjson.Set(doc, "file", opts.SnapshotOfNode)
	default:
		doc, _ = sjson.Set(doc, "file.driver", "file")
		doc, _ = sjson.Set(doc, "file.filename", opts.Filename)
		if opts.CacheDisable {
			doc, _ = sjson.Set(doc, "cache.direct", true)
			doc, _ = sjson.Set(doc, "cache.no-flush", false)
		}
		if opts.AIO != "" {
			doc, _ = sjson.Set(doc, "file.aio", opts.AIO)
		}
	}
	return c.Command("blockdev-add", doc)
}

// BlockdevDel removes a node previously added with BlockdevAdd.
func BlockdevDel(c caller, nodeName string) (gjson.Result, error) {
	doc, _ := sjson.Set(`{}`, "node-name", nodeName)
	return c.Command("blockdev-del", doc)
}

// BlockdevReopen atomically swaps the top node of device (identified
// by node-name) to newNode, splicing in the CBW filter without racing
// guest I/O.
func BlockdevReopen(c caller, node, newNode string) (gjson.Result, error) {
	doc, _ := sjson.Set(`{}`, "options.0.node-name", node)
	doc, _ = sjson.Set(doc, "options.0.driver", newNode)
	return c.Command("blockdev-reopen", doc)
}

// BlockdevBackupOpts configures blockdev-backup for one job.
type BlockdevBackupOpts struct {
	JobID         string
	Device        string
	Target        string
	Sync          string // "full" or "incremental"
	Bitmap        string // required when Sync == "incremental"
	BitmapMode    string // e.g. "on-success", used with Sync == "incremental"
	Compress      bool
	Speed         int64 // bytes/s; 0 means unlimited
	AutoFinalize  bool
	AutoDismiss   bool
}

// BlockdevBackup starts one block-backup job.
func BlockdevBackup(c caller, opts BlockdevBackupOpts) (gjson.Result, error) {
	return c.Command("blockdev-backup", buildBackupArgs(opts))
}

func buildBackupArgs(opts BlockdevBackupOpts) string {
	doc := `{}`
	doc, _ = sjson.Set(doc, "job-id", opts.JobID)
	doc, _ = sjson.Set(doc, "device", opts.Device)
	doc, _ = sjson.Set(doc, "target", opts.Target)
	doc, _ = sjson.Set(doc, "sync", opts.Sync)
	if opts.Bitmap != "" {
		doc, _ = sjson.Set(doc, "bitmap", opts.Bitmap)
	}
	if opts.BitmapMode != "" {
		doc, _ = sjson.Set(doc, "bitmap-mode", opts.BitmapMode)
	}
	doc, _ = sjson.Set(doc, "compress", opts.Compress)
	doc, _ = sjson.Set(doc, "speed", opts.Speed)
	doc, _ = sjson.Set(doc, "auto-finalize", opts.AutoFinalize)
	doc, _ = sjson.Set(doc, "auto-dismiss", opts.AutoDismiss)
	return doc
}

// BlockJobCancel cancels a running block job by device/job-id.
func BlockJobCancel(c caller, device string, force bool) (gjson.Result, error) {
	doc, _ := sjson.Set(`{}`, "device", device)
	doc, _ = sjson.Set(doc, "force", force)
	return c.Command("block-job-cancel", doc)
}

// BlockJobSetSpeed adjusts the throughput ceiling of a running job.
func BlockJobSetSpeed(c caller, device string, speed int64) (gjson.Result, error) {
	doc, _ := sjson.Set(`{}`, "device", device)
	doc, _ = sjson.Set(doc, "speed", speed)
	return c.Command("block-job-set-speed", doc)
}

// BlockJobFinalize issues job-finalize, used after JOB_STATUS_CHANGE
// pending fires for a job started with auto-finalize=false.
func BlockJobFinalize(c caller, jobID string) (gjson.Result, error) {
	doc, _ := sjson.Set(`{}`, "id", jobID)
	return c.Command("job-finalize", doc)
}

// Action is one step of a transaction: a monitor verb plus its
// arguments document, mirroring the original implementation's
// transaction_action() helper (qmpcommon.py).
type Action struct {
	Type string
	Data string // arguments document, as produced by the per-verb builders above
}

// BitmapAddAction builds a transaction action for block-dirty-bitmap-add.
func BitmapAddAction(opts BitmapAddOpts) Action {
	doc := `{}`
	doc, _ = sjson.Set(doc, "node", opts.Node)
	doc, _ = sjson.Set(doc, "name", opts.Name)
	doc, _ = sjson.Set(doc, "persistent", opts.Persistent)
	return Action{Type: "block-dirty-bitmap-add", Data: doc}
}

// BitmapClearAction builds a transaction action for block-dirty-bitmap-clear.
func BitmapClearAction(node, name string) Action {
	doc, _ := sjson.Set(`{}`, "node", node)
	doc, _ = sjson.Set(doc, "name", name)
	return Action{Type: "block-dirty-bitmap-clear", Data: doc}
}

// BackupAction builds a transaction action for blockdev-backup.
func BackupAction(opts BlockdevBackupOpts) Action {
	return Action{Type: "blockdev-backup", Data: buildBackupArgs(opts)}
}

// Transaction sends a mixed sequence of actions as one atomic
// transaction; on failure the whole batch is rolled back by the
// hypervisor and a single qmperrors.CommandError is returned.
func Transaction(c caller, actions []Action) (gjson.Result, error) {
	doc := `{"execute":"transaction","arguments":{"actions":[]}}`
	for i, a := range actions {
		path := fmt.Sprintf("arguments.actions.%d", i)
		doc, _ = sjson.Set(doc, path+".type", a.Type)
		doc, _ = sjson.SetRaw(doc, path+".data", a.Data)
	}
	return c.Raw(doc)
}

// AsCommandError extracts a *qmperrors.CommandError from err, if any.
func AsCommandError(err error) (*qmperrors.CommandError, bool) {
	ce, ok := err.(*qmperrors.CommandError)
	return ce, ok
}
