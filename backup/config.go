package backup

import "github.com/qmpbackup/qmpbackup/device"

// RunConfig is the transient run state for one backup invocation,
// generalizing the teacher's flat Config struct (the original
// SocketFile/BackupFile/DeviceToBackup/IncLevel fields) into the full
// set spec.md §3 "BackupRun" names: a run now spans every selected
// device rather than a single -device flag.
type RunConfig struct {
	Level Level

	Include []string
	Exclude []string

	Compress     bool
	SpeedLimit   int64 // bytes/s, 0 = unlimited
	AIO          string // "threads" or "io_uring"
	CacheDisable bool
	IncludeRaw   bool

	TargetRoot  string
	NoSubdir    bool
	NoTimestamp bool
	NoSymlink   bool
	Monthly     bool

	RemoveDelaySeconds int

	UUID string // caller-supplied, or resolved/generated during the pre-run gate

	AgentSocket string
	Quiesce     bool

	Epoch int64 // resolved once per run, shared by every device's target filename
}

// SelectOptions translates the run's include/exclude/raw flags into
// device.SelectOptions.
func (rc RunConfig) SelectOptions(resolvedUUID string) device.SelectOptions {
	return device.SelectOptions{
		Include:    rc.Include,
		Exclude:    rc.Exclude,
		IncludeRaw: rc.IncludeRaw,
		UUID:       resolvedUUID,
	}
}
