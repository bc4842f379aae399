package backup

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/qmpbackup/qmpbackup/imgtool"
	"github.com/qmpbackup/qmpbackup/layout"
)

// captureSourceConfigs runs qemu-img info against every device's source
// file and persists the result under the target root (image.py's
// save_info), so create() can later recreate the target with matching
// qcow2 options even if the process restarts between the two steps.
// A device whose info query fails is logged and skipped, never fatal:
// the corresponding create() call just falls back to qemu-img defaults.
func captureSourceConfigs(ctx context.Context, tools *imgtool.Runner, root *layout.Root, runs []*deviceRun) {
	for _, r := range runs {
		info, err := tools.Info(ctx, r.dev.Filename)
		if err != nil {
			log.Warn("unable to get qemu image info", "device", r.dev.Device, "error", err)
			continue
		}
		if err := layout.SaveConfig(root.Path, r.dev.Node, info); err != nil {
			log.Warn("unable to save qemu image info", "device", r.dev.Device, "error", err)
		}
	}
}

// loadQcowCreateOptions reads back the config saved by
// captureSourceConfigs and extracts the compat/cluster_size/
// lazy_refcounts fields create() threads into qemu-img create
// (image.py:65-98). A missing or malformed config file yields the zero
// value for all three, which Runner.Create treats as "omit this -o".
func loadQcowCreateOptions(root *layout.Root, node string) (compat string, clusterSize int64, lazyRefcounts bool) {
	info, err := layout.LoadConfig(root.Path, node)
	if err != nil {
		return "", 0, false
	}
	parsed := gjson.ParseBytes(info)
	compat = parsed.Get("format-specific.data.compat").String()
	clusterSize = parsed.Get("cluster-size").Int()
	lazyRefcounts = parsed.Get("format-specific.data.lazy-refcounts").Bool()
	return compat, clusterSize, lazyRefcounts
}
