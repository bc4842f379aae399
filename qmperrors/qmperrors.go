// Package qmperrors defines the typed error taxonomy shared by every
// qmpbackup component: configuration mistakes, monitor/transport
// failures, QMP command errors, block-job failures, filesystem errors,
// signal-caught aborts, restore-chain errors and external-tool errors.
package qmperrors

import "fmt"

type baseError struct {
	msg string
}

func (b *baseError) Error() string { return b.msg }

// ConfigError reports a bad flag combination or invalid configuration
// detected before any side effect (monitor connect, file creation) has
// occurred.
type ConfigError struct{ baseError }

func (e *ConfigError) Is(target error) bool {
	_, ok := target.(*ConfigError)
	return ok
}

// NewConfigError builds a ConfigError.
func NewConfigError(format string, a ...any) error {
	return &ConfigError{baseError{fmt.Sprintf(format, a...)}}
}

// MonitorError reports a connect/handshake failure or an unexpected
// monitor disconnection. Always fatal to the run.
type MonitorError struct{ baseError }

func (e *MonitorError) Is(target error) bool {
	_, ok := target.(*MonitorError)
	return ok
}

// NewMonitorError builds a MonitorError.
func NewMonitorError(format string, a ...any) error {
	return &MonitorError{baseError{fmt.Sprintf(format, a...)}}
}

// CommandError wraps a QMP {"error": {"class", "desc"}} response.
type CommandError struct {
	Class string
	Desc  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("qmp command error: %s: %s", e.Class, e.Desc)
}

func (e *CommandError) Is(target error) bool {
	_, ok := target.(*CommandError)
	return ok
}

// NewCommandError builds a CommandError.
func NewCommandError(class, desc string) error {
	return &CommandError{Class: class, Desc: desc}
}

// JobError reports a terminal BLOCK_JOB_ERROR or BLOCK_JOB_CANCELLED
// event for one of the run's block-backup jobs.
type JobError struct {
	Event  string
	Device string
	Data   map[string]any
}

func (e *JobError) Error() string {
	return fmt.Sprintf("block job %q failed for device %q: %v", e.Event, e.Device, e.Data)
}

func (e *JobError) Is(target error) bool {
	_, ok := target.(*JobError)
	return ok
}

// NewJobError builds a JobError.
func NewJobError(event, device string, data map[string]any) error {
	return &JobError{Event: event, Device: device, Data: data}
}

// FilesystemError reports a directory/file operation failure:
// mkdir, rename, symlink, unlink, uuid read/write.
type FilesystemError struct{ baseError }

func (e *FilesystemError) Is(target error) bool {
	_, ok := target.(*FilesystemError)
	return ok
}

// NewFilesystemError builds a FilesystemError.
func NewFilesystemError(format string, a ...any) error {
	return &FilesystemError{baseError{fmt.Sprintf(format, a...)}}
}

// SignalCaught indicates the run was aborted because a terminating
// signal was received; never wraps another error.
type SignalCaught struct{ baseError }

func (e *SignalCaught) Is(target error) bool {
	_, ok := target.(*SignalCaught)
	return ok
}

// NewSignalCaught builds a SignalCaught error.
func NewSignalCaught(signal string) error {
	return &SignalCaught{baseError{fmt.Sprintf("aborted: signal %s caught", signal)}}
}

// ChainError reports a restore-chain validation failure: missing or
// duplicate FULL, a stray .partial file, broken continuity, or a
// failed consistency check.
type ChainError struct{ baseError }

func (e *ChainError) Is(target error) bool {
	_, ok := target.(*ChainError)
	return ok
}

// NewChainError builds a ChainError.
func NewChainError(format string, a ...any) error {
	return &ChainError{baseError{fmt.Sprintf(format, a...)}}
}

// ToolError reports a non-zero exit from an external image tool
// invocation (qemu-img).
type ToolError struct {
	Argv     []string
	ExitCode int
	Stderr   []byte
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %v exited %d: %s", e.Argv, e.ExitCode, string(e.Stderr))
}

func (e *ToolError) Is(target error) bool {
	_, ok := target.(*ToolError)
	return ok
}

// NewToolError builds a ToolError.
func NewToolError(argv []string, exitCode int, stderr []byte) error {
	return &ToolError{Argv: argv, ExitCode: exitCode, Stderr: stderr}
}
