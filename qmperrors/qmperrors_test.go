package qmperrors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/qmpbackup/qmpbackup/qmperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsIsMatchesByType(t *testing.T) {
	err := qmperrors.NewConfigError("include and exclude both set")
	assert.True(t, errors.Is(err, &qmperrors.ConfigError{}))
	assert.False(t, errors.Is(err, &qmperrors.MonitorError{}))
}

func TestCommandErrorFormatsClassAndDesc(t *testing.T) {
	err := qmperrors.NewCommandError("GenericError", "Node not found")
	require.ErrorContains(t, err, "GenericError")
	require.ErrorContains(t, err, "Node not found")

	var cmdErr *qmperrors.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "GenericError", cmdErr.Class)
}

func TestWrappedErrorsStillMatch(t *testing.T) {
	base := qmperrors.NewFilesystemError("uuid file missing: %s", "/backups/uuid")
	wrapped := fmt.Errorf("pre-run gate: %w", base)
	assert.True(t, errors.Is(wrapped, &qmperrors.FilesystemError{}))
}

func TestJobErrorCarriesDeviceAndEvent(t *testing.T) {
	err := qmperrors.NewJobError("BLOCK_JOB_ERROR", "qmpbackup-drive0", map[string]any{"operation": "write"})
	var jobErr *qmperrors.JobError
	require.True(t, errors.As(err, &jobErr))
	assert.Equal(t, "qmpbackup-drive0", jobErr.Device)
}
