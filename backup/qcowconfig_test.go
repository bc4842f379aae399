package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmpbackup/qmpbackup/device"
	"github.com/qmpbackup/qmpbackup/imgtool"
	"github.com/qmpbackup/qmpbackup/layout"
)

const fakeQcowInfoJSON = `{
  "cluster-size": 65536,
  "format-specific": {
    "type": "qcow2",
    "data": {
      "compat": "1.1",
      "lazy-refcounts": true
    }
  }
}`

func writeFakeQemuImgInfo(t *testing.T, stdout string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-qemu-img")
	script := "#!/bin/sh\nprintf '%s' '" + stdout + "'\nexit 0\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestCaptureSourceConfigsSavesInfoPerDevice(t *testing.T) {
	dir := t.TempDir()
	root, err := layout.NewRoot(dir, false, false)
	require.NoError(t, err)

	tools := &imgtool.Runner{Binary: writeFakeQemuImgInfo(t, fakeQcowInfoJSON)}
	runs := []*deviceRun{
		{dev: device.BlockDevice{Node: "drive0", Device: "drive0", Filename: "/vms/disk0.qcow2"}},
	}

	captureSourceConfigs(context.Background(), tools, root, runs)

	saved, err := layout.LoadConfig(root.Path, "drive0")
	require.NoError(t, err)
	assert.Contains(t, string(saved), "lazy-refcounts")
}

func TestLoadQcowCreateOptionsParsesSavedConfig(t *testing.T) {
	dir := t.TempDir()
	root, err := layout.NewRoot(dir, false, false)
	require.NoError(t, err)
	require.NoError(t, layout.SaveConfig(root.Path, "drive0", []byte(fakeQcowInfoJSON)))

	compat, clusterSize, lazyRefcounts := loadQcowCreateOptions(root, "drive0")
	assert.Equal(t, "1.1", compat)
	assert.Equal(t, int64(65536), clusterSize)
	assert.True(t, lazyRefcounts)
}

func TestLoadQcowCreateOptionsToleratesMissingConfig(t *testing.T) {
	dir := t.TempDir()
	root, err := layout.NewRoot(dir, false, false)
	require.NoError(t, err)

	compat, clusterSize, lazyRefcounts := loadQcowCreateOptions(root, "never-saved")
	assert.Empty(t, compat)
	assert.Zero(t, clusterSize)
	assert.False(t, lazyRefcounts)
}
