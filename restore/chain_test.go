package restore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEntry(t *testing.T, dir, name string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("qcow2-stub"), 0o640))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestScanChainOrdersFullFirstThenEpochAscending(t *testing.T) {
	dir := t.TempDir()
	base := time.Unix(1_700_000_000, 0)
	writeEntry(t, dir, "FULL-1700000000-disk1.qcow2", base)
	writeEntry(t, dir, "INC-1700003600-disk1.qcow2", base.Add(time.Hour))
	writeEntry(t, dir, "INC-1700007200-disk1.qcow2", base.Add(2*time.Hour))

	entries, err := ScanChain(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "FULL", entries[0].Kind)
	assert.Equal(t, int64(1700003600), entries[1].Epoch)
	assert.Equal(t, int64(1700007200), entries[2].Epoch)
}

func TestScanChainTiebreaksEqualEpochByModTime(t *testing.T) {
	dir := t.TempDir()
	base := time.Unix(1_700_000_000, 0)
	writeEntry(t, dir, "FULL-1700000000-disk1.qcow2", base)
	writeEntry(t, dir, "INC-1700003600-disk1.qcow2", base.Add(2*time.Hour))
	writeEntry(t, dir, "INC-1700003600-disk1-b.qcow2", base.Add(time.Hour))

	entries, err := ScanChain(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "disk1-b.qcow2", entries[1].DiskBasename)
	assert.Equal(t, "disk1.qcow2", entries[2].DiskBasename)
}

func TestScanChainRejectsPartialFile(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "FULL-1700000000-disk1.qcow2", time.Now())
	writeEntry(t, dir, "FULL-1700003600-disk2.qcow2.partial", time.Now())

	_, err := ScanChain(dir)
	require.Error(t, err)
}

func TestScanChainRejectsMissingOrDuplicateFull(t *testing.T) {
	emptyDir := t.TempDir()
	writeEntry(t, emptyDir, "INC-1700000000-disk1.qcow2", time.Now())
	_, err := ScanChain(emptyDir)
	require.Error(t, err)

	dupDir := t.TempDir()
	writeEntry(t, dupDir, "FULL-1700000000-disk1.qcow2", time.Now())
	writeEntry(t, dupDir, "FULL-1700003600-disk1.qcow2", time.Now())
	_, err = ScanChain(dupDir)
	require.Error(t, err)
}

func TestScanChainIgnoresNonChainFiles(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "FULL-1700000000-disk1.qcow2", time.Now())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "uuid"), []byte("abc\n"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "drive0.config"), []byte("{}"), 0o640))

	entries, err := ScanChain(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPlanUntilTruncatesInclusive(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "FULL-1700000000-disk1.qcow2", time.Now())
	writeEntry(t, dir, "INC-1700003600-disk1.qcow2", time.Now())
	writeEntry(t, dir, "INC-1700007200-disk1.qcow2", time.Now())

	entries, err := Plan(dir, PlanOpts{Until: "INC-1700003600-disk1.qcow2"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1700003600), entries[1].Epoch)
}

func TestPlanFilterKeepsFullAndMatchingEntries(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "FULL-1700000000-disk1.qcow2", time.Now())
	writeEntry(t, dir, "INC-1700003600-disk1.qcow2", time.Now())
	writeEntry(t, dir, "INC-1700007200-disk2.qcow2", time.Now())

	entries, err := Plan(dir, PlanOpts{Filter: "disk1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "FULL", entries[0].Kind)
	assert.Equal(t, "disk1.qcow2", entries[1].DiskBasename)
}

func TestPlanUntilUnknownNameIsChainError(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "FULL-1700000000-disk1.qcow2", time.Now())

	_, err := Plan(dir, PlanOpts{Until: "does-not-exist.qcow2"})
	require.Error(t, err)
}
