package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/qmpbackup/qmpbackup/device"
	"github.com/qmpbackup/qmpbackup/imgtool"
	"github.com/qmpbackup/qmpbackup/layout"
	"github.com/qmpbackup/qmpbackup/qmperrors"
)

const oneDeviceFixture = `[
  {
    "device": "drive0",
    "qdev": "virtio-disk0",
    "inserted": {
      "node-name": "drive0",
      "image": {
        "filename": "/var/lib/vms/disk0.qcow2",
        "format": "qcow2",
        "virtual-size": 10737418240
      }
    }
  }
]`

// fakeMonitor implements backup.Monitor without a real hypervisor.
// WaitForEvent resolves deterministically against jobIDs instead of
// racing goroutines against a real event stream.
type fakeMonitor struct {
	queryBlockRaw string
	jobIDs        []string
	transactions  []string
	finalized     []string
}

func (m *fakeMonitor) Command(name, arguments string) (gjson.Result, error) {
	switch name {
	case "query-block":
		return gjson.Parse(m.queryBlockRaw), nil
	case "job-finalize":
		m.finalized = append(m.finalized, gjson.Get(arguments, "id").String())
		return gjson.Parse("{}"), nil
	default:
		return gjson.Parse("{}"), nil
	}
}

func (m *fakeMonitor) Raw(doc string) (gjson.Result, error) {
	m.transactions = append(m.transactions, doc)
	return gjson.Parse("{}"), nil
}

func (m *fakeMonitor) WaitForEvent(ctx context.Context, kind string, pred func(gjson.Result) bool) (gjson.Result, error) {
	switch kind {
	case "JOB_STATUS_CHANGE":
		for _, id := range m.jobIDs {
			r := gjson.Parse(`{"id":"` + id + `","status":"pending"}`)
			if pred(r) {
				return r, nil
			}
		}
	case "BLOCK_JOB_COMPLETED":
		for _, id := range m.jobIDs {
			r := gjson.Parse(`{"device":"` + id + `"}`)
			if pred(r) {
				return r, nil
			}
		}
	}
	<-ctx.Done()
	return gjson.Result{}, ctx.Err()
}

func (m *fakeMonitor) Close() error { return nil }

// writeFakeQemuImg creates a shell stand-in for qemu-img that touches
// every absolute-path argument it is given, so "create" leaves behind
// the empty target/fleece files the orchestrator's rename step expects.
func writeFakeQemuImg(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-qemu-img")
	script := "#!/bin/sh\nfor a in \"$@\"; do\n  case \"$a\" in\n    /*) : > \"$a\" ;;\n  esac\ndone\nexit 0\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestRunFullBackupEndToEnd(t *testing.T) {
	dir := t.TempDir()
	root, err := layout.NewRoot(dir, false, false)
	require.NoError(t, err)

	m := &fakeMonitor{queryBlockRaw: oneDeviceFixture, jobIDs: []string{"qmpbackup-drive0"}}
	tools := &imgtool.Runner{Binary: writeFakeQemuImg(t)}
	_, cancel := NewCancellation(context.Background())

	rc := RunConfig{Level: LevelFull, Epoch: 1700000000}
	result, err := Run(context.Background(), m, tools, root, rc, cancel)
	require.NoError(t, err)

	assert.Equal(t, LevelFull, result.Level)
	require.Len(t, result.Devices, 1)
	assert.Equal(t, "drive0", result.Devices[0].Node)
	assert.False(t, strings.HasSuffix(result.Devices[0].TargetPath, ".partial"))
	_, statErr := os.Stat(result.Devices[0].TargetPath)
	assert.NoError(t, statErr)

	uuid, err := layout.ReadUUID(root.Path)
	require.NoError(t, err)
	assert.NotEmpty(t, uuid)
	assert.Equal(t, uuid, result.UUID)

	assert.Len(t, m.transactions, 1)
	assert.Len(t, m.finalized, 1)
}

func TestRunRejectsCompressWithRawDevice(t *testing.T) {
	dir := t.TempDir()
	root, err := layout.NewRoot(dir, false, false)
	require.NoError(t, err)

	rawFixture := `[{"device":"drive0","qdev":"virtio-disk0","inserted":{"node-name":"drive0","image":{"filename":"/vms/disk0.img","format":"raw","virtual-size":1048576}}}]`
	m := &fakeMonitor{queryBlockRaw: rawFixture}
	tools := &imgtool.Runner{Binary: writeFakeQemuImg(t)}
	_, cancel := NewCancellation(context.Background())

	rc := RunConfig{Level: LevelFull, IncludeRaw: true, Compress: true, Epoch: 1700000000}
	_, err = Run(context.Background(), m, tools, root, rc, cancel)
	require.Error(t, err)
	var configErr *qmperrors.ConfigError
	assert.True(t, errors.As(err, &configErr))
}

func TestDevicePreCheckRejectsExistingPartial(t *testing.T) {
	dir := t.TempDir()
	root, err := layout.NewRoot(dir, false, false)
	require.NoError(t, err)

	deviceDir := filepath.Join(dir, "drive0")
	require.NoError(t, os.MkdirAll(deviceDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(deviceDir, "FULL-1-disk0.qcow2.partial"), nil, 0o640))

	dev := device.BlockDevice{Node: "drive0", Device: "drive0"}
	_, err = devicePreCheck(root, LevelFull, dev, 1700000000)
	require.Error(t, err)
}

func TestDevicePreCheckIncRequiresFullAndBitmap(t *testing.T) {
	dir := t.TempDir()
	root, err := layout.NewRoot(dir, false, false)
	require.NoError(t, err)

	deviceDir := filepath.Join(dir, "drive0")
	require.NoError(t, os.MkdirAll(deviceDir, 0o750))

	dev := device.BlockDevice{Node: "drive0", Device: "drive0"}
	_, err = devicePreCheck(root, LevelInc, dev, 1700000000)
	require.Error(t, err, "inc with no prior FULL must fail")

	require.NoError(t, os.WriteFile(filepath.Join(deviceDir, "FULL-1-disk0.qcow2"), nil, 0o640))
	_, err = devicePreCheck(root, LevelInc, dev, 1700000000)
	require.Error(t, err, "inc with a FULL but no matching bitmap must still fail")

	dev.HasBitmap = true
	dev.Bitmaps = []device.Bitmap{{Name: "qmpbackup-drive0-uuid", Recording: true, Busy: false}}
	dir2, err := devicePreCheck(root, LevelInc, dev, 1700000000)
	require.NoError(t, err)
	assert.Equal(t, deviceDir, dir2)
}
