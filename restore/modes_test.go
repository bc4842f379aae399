package restore

import (
	"context"
	"crypto/md5"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmpbackup/qmpbackup/imgtool"
)

// writeFakeQemuImg writes a stub "qemu-img" that appends its argv to
// logPath and exits 0, never touching file contents.
func writeFakeQemuImg(t *testing.T, logPath string) string {
	t.Helper()
	script := "#!/bin/sh\necho \"$@\" >> " + logPath + "\nexit 0\n"
	path := filepath.Join(t.TempDir(), "qemu-img")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func md5Of(t *testing.T, path string) [16]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return md5.Sum(data)
}

func newFixtureChain(t *testing.T) (dir string, tools *imgtool.Runner, logPath string) {
	t.Helper()
	dir = t.TempDir()
	writeEntry(t, dir, "FULL-1700000000-disk1.qcow2", time.Now())
	writeEntry(t, dir, "INC-1700003600-disk1.qcow2", time.Now())
	writeEntry(t, dir, "INC-1700007200-disk1.qcow2", time.Now())

	logPath = filepath.Join(t.TempDir(), "invocations.log")
	require.NoError(t, os.WriteFile(logPath, nil, 0o640))
	tools = &imgtool.Runner{Binary: writeFakeQemuImg(t, logPath)}
	return dir, tools, logPath
}

func TestRebaseDryRunMakesNoToolInvocations(t *testing.T) {
	dir, tools, logPath := newFixtureChain(t)
	tools.Binary = "/bin/false" // any real invocation must fail the test

	err := Rebase(context.Background(), tools, dir, RunOpts{DryRun: true, SkipCheck: true})
	require.NoError(t, err)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestRebasePlacesImageSymlinkAtTip(t *testing.T) {
	dir, tools, _ := newFixtureChain(t)
	err := Rebase(context.Background(), tools, dir, RunOpts{SkipCheck: true})
	require.NoError(t, err)

	link := filepath.Join(filepath.Dir(dir), "image")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "INC-1700007200-disk1.qcow2"), target)
}

func TestCommitCollapsesNewestFirst(t *testing.T) {
	dir, tools, logPath := newFixtureChain(t)
	err := Commit(context.Background(), tools, dir, RunOpts{SkipCheck: true})
	require.NoError(t, err)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "commit")

	newest := strings.Index(string(data), "commit "+filepath.Join(dir, "INC-1700007200-disk1.qcow2"))
	older := strings.Index(string(data), "commit "+filepath.Join(dir, "INC-1700003600-disk1.qcow2"))
	require.GreaterOrEqual(t, newest, 0)
	assert.Less(t, newest, older)
}

func TestMergeLeavesOriginalsByteIdentical(t *testing.T) {
	dir, tools, _ := newFixtureChain(t)
	before := map[string][16]byte{}
	entries, err := ScanChain(dir)
	require.NoError(t, err)
	for _, e := range entries {
		before[e.Path] = md5Of(t, e.Path)
	}

	target := filepath.Join(t.TempDir(), "out.qcow2")
	err = Merge(context.Background(), tools, dir, target, RunOpts{SkipCheck: true})
	require.NoError(t, err)

	for _, e := range entries {
		assert.Equal(t, before[e.Path], md5Of(t, e.Path), "original %s must be unchanged", e.Path)
	}
	assert.FileExists(t, target)
}

func TestSnapshotRebaseNamesFirstSnapshotFullBackup(t *testing.T) {
	dir, tools, logPath := newFixtureChain(t)
	err := SnapshotRebase(context.Background(), tools, dir, RunOpts{SkipCheck: true})
	require.NoError(t, err)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "FULL-BACKUP")
}

func TestCheckChainPropagatesNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "FULL-1700000000-disk1.qcow2", time.Now())

	failScript := filepath.Join(t.TempDir(), "qemu-img")
	require.NoError(t, os.WriteFile(failScript, []byte("#!/bin/sh\nexit 1\n"), 0o755))
	tools := &imgtool.Runner{Binary: failScript}

	err := Rebase(context.Background(), tools, dir, RunOpts{})
	require.Error(t, err)
}
