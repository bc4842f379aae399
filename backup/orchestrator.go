package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/qmpbackup/qmpbackup/device"
	"github.com/qmpbackup/qmpbackup/guestagent"
	"github.com/qmpbackup/qmpbackup/imgtool"
	"github.com/qmpbackup/qmpbackup/layout"
	"github.com/qmpbackup/qmpbackup/qmperrors"
	"github.com/qmpbackup/qmpbackup/qmpops"
)

// DeviceResult is the outcome of one device's backup within a run.
type DeviceResult struct {
	Device     string
	Node       string
	TargetPath string // final path, .partial suffix already dropped
}

// RunResult is the outcome of one backup invocation.
type RunResult struct {
	UUID    string
	Level   Level
	Devices []DeviceResult
}

// deviceRun carries one device's state through the run past the
// pre-run gate.
type deviceRun struct {
	dev  device.BlockDevice
	dir  string
	topo Topology
}

// Run executes one backup invocation end to end: pre-run gate, image
// fleecing topology construction, transactional job start, progress
// tracking, completion wait, fixed teardown, and conditional rename
// (spec.md §4.D). m must already be connected; Run does not close it.
func Run(ctx context.Context, m Monitor, tools *imgtool.Runner, root *layout.Root, rc RunConfig, cancel *Cancellation) (RunResult, error) {
	epoch := rc.Epoch
	if epoch == 0 {
		epoch = time.Now().Unix()
	}

	level, err := resolveRunLevel(root, rc, epoch)
	if err != nil {
		return RunResult{}, err
	}
	runUUID, err := resolveRunUUID(root, level, rc.UUID)
	if err != nil {
		return RunResult{}, err
	}

	blockRaw, err := qmpops.QueryBlock(m)
	if err != nil {
		return RunResult{}, err
	}
	devices, err := device.Select([]byte(blockRaw.Raw), rc.SelectOptions(runUUID))
	if err != nil {
		return RunResult{}, err
	}

	runs := make([]*deviceRun, 0, len(devices))
	for _, dev := range devices {
		if rc.Compress && dev.Format == "raw" {
			return RunResult{}, qmperrors.NewConfigError("--compress cannot be used with raw-format device %s", dev.Device)
		}
		dir, err := devicePreCheck(root, level, dev, epoch)
		if err != nil {
			return RunResult{}, err
		}
		runs = append(runs, &deviceRun{dev: dev, dir: dir})
	}

	captureSourceConfigs(ctx, tools, root, runs)

	stack := &teardownStack{}
	if rc.Quiesce && rc.AgentSocket != "" {
		tryFreeze(ctx, rc.AgentSocket, stack)
	}

	jobIDs := make([]string, 0, len(runs))
	runErr := startTopologiesAndJobs(ctx, m, tools, root, level, runUUID, rc, epoch, runs, stack)
	if runErr == nil {
		for _, r := range runs {
			jobIDs = append(jobIDs, r.topo.JobID)
		}
		runErr = awaitCompletion(ctx, m, jobIDs)
	}

	if runErr == nil {
		sleepRemoveDelay(ctx, rc.RemoveDelaySeconds)
	}
	teardownErr := stack.run(ctx)

	if runErr == nil {
		runErr = teardownErr
	}

	if runErr != nil || cancel.Caught() {
		return RunResult{}, firstNonNil(runErr, qmperrors.NewSignalCaught("interrupt"))
	}

	result := RunResult{UUID: runUUID, Level: level}
	for _, r := range runs {
		final, err := layout.Rename(r.topo.TargetPath)
		if err != nil {
			return RunResult{}, err
		}
		if !rc.NoSymlink && level != LevelInc && rc.NoTimestamp {
			if err := layout.Symlink(final, r.dir, r.dev.Filename); err != nil {
				return RunResult{}, err
			}
		}
		result.Devices = append(result.Devices, DeviceResult{
			Device: r.dev.Device, Node: r.dev.Node, TargetPath: final,
		})
	}
	return result, nil
}

// sleepRemoveDelay pauses before teardown removes the fleecing state,
// giving anything still reading the snapshot-access node (e.g. a
// monitoring tool polling query-block) a grace window (spec.md §3
// "remove-delay seconds", §9 "sleeping for remove-delay" as a named
// suspension point). Cancellation cuts the sleep short; a non-positive
// delay is a no-op.
func sleepRemoveDelay(ctx context.Context, seconds int) {
	if seconds <= 0 {
		return
	}
	log.Info("waiting remove-delay before teardown", "seconds", seconds)
	timer := time.NewTimer(time.Duration(seconds) * time.Second)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func firstNonNil(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

const guestAgentPingTimeout = 5 * time.Second

// tryFreeze attempts a best-effort guest filesystem freeze; failure is
// a warning, never an abort (spec.md §6 "Guest-agent socket"). It
// probes the agent with Ping and Info/SupportsFreeze first so an agent
// that is unreachable or lacks the fsfreeze commands never reaches the
// freeze call itself. It pushes a thaw onto stack once a freeze has
// been attempted, whether or not that freeze succeeded; an agent that
// failed the dial, ping or capability probe gets no thaw.
func tryFreeze(ctx context.Context, socket string, stack *teardownStack) bool {
	client, err := guestagent.Dial(ctx, socket)
	if err != nil {
		log.Warn("guest agent dial failed, continuing unquiesced", "error", err)
		return false
	}

	if err := client.Ping(guestAgentPingTimeout); err != nil {
		log.Warn("guest agent ping failed, continuing unquiesced", "error", err)
		_ = client.Close()
		return false
	}

	if commands, err := client.Info(); err != nil {
		log.Warn("guest agent capability query failed, attempting freeze anyway", "error", err)
	} else if !guestagent.SupportsFreeze(commands) {
		log.Warn("guest agent does not support filesystem freeze, continuing unquiesced")
		_ = client.Close()
		return false
	}

	frozen := false
	if _, err := client.Freeze(); err != nil {
		log.Warn("guest filesystem freeze failed, continuing unquiesced", "error", err)
	} else {
		frozen = true
	}

	stack.push("thaw guest filesystem", true, func(ctx context.Context) error {
		defer client.Close()
		_, err := client.Thaw()
		return err
	})
	return frozen
}

// startTopologiesAndJobs builds the fleecing topology for every device
// and starts its backup job inside one transaction per device,
// pushing every teardown step as it goes so a failure partway through
// one device still unwinds everything built so far.
func startTopologiesAndJobs(ctx context.Context, m Monitor, tools *imgtool.Runner, root *layout.Root, level Level, runUUID string, rc RunConfig, epoch int64, runs []*deviceRun, stack *teardownStack) error {
	spec, err := specFor(level)
	if err != nil {
		return err
	}

	for _, r := range runs {
		if err := root.EnsureDeviceDir(r.dir); err != nil {
			return err
		}

		basename := filepath.Base(r.dev.Filename)
		targetName := layout.TargetFilename(toLayoutLevel(level), epoch, basename)
		targetPath := filepath.Join(r.dir, targetName)
		fleecePath := filepath.Join(r.dir, "."+targetName+".fleece")

		topo := newTopology(r.dev, level, runUUID, fleecePath, targetPath)
		r.topo = topo

		compat, clusterSize, lazyRefcounts := loadQcowCreateOptions(root, r.dev.Node)
		if _, err := tools.Create(ctx, imgtool.CreateOpts{
			Format: r.dev.Format, Target: targetPath, SizeBytes: r.dev.VirtualSize,
			Compat: compat, ClusterSize: clusterSize, LazyRefcounts: lazyRefcounts,
		}); err != nil {
			return qmperrors.NewFilesystemError("create target image %s: %v", targetPath, err)
		}

		if err := buildFleeceImage(ctx, m, tools, topo, r.dev.VirtualSize, stack); err != nil {
			return err
		}
		if err := spliceCBWFilter(m, topo, stack); err != nil {
			return err
		}
		if err := addSnapshotAccessNode(m, topo, stack); err != nil {
			return err
		}
		if err := addTargetImage(m, topo, r.dev.Format, rc.AIO, rc.CacheDisable, stack); err != nil {
			return err
		}

		actions := buildTransactionActions(spec, topo, rc)
		if _, err := qmpops.Transaction(m, actions); err != nil {
			return err
		}
		if level == LevelCopy {
			stack.push("remove copy bitmap "+topo.BitmapName, true, func(ctx context.Context) error {
				_, err := qmpops.BitmapRemove(m, r.dev.Node, topo.BitmapName)
				return err
			})
		}
	}
	return nil
}

// buildTransactionActions translates one levelSpec into the ordered
// action list for a single device's transaction (spec.md §4.D
// "Transactional start").
func buildTransactionActions(spec levelSpec, topo Topology, rc RunConfig) []qmpops.Action {
	var actions []qmpops.Action
	if spec.CreatesBitmap {
		actions = append(actions, qmpops.BitmapAddAction(qmpops.BitmapAddOpts{
			Node: topo.Device.Node, Name: topo.BitmapName, Persistent: spec.BitmapPersistent,
		}))
	}

	backupOpts := qmpops.BlockdevBackupOpts{
		JobID: topo.JobID, Device: topo.AccessNode, Target: topo.TargetNode,
		Sync: spec.SyncMode, Compress: rc.Compress, Speed: rc.SpeedLimit,
	}
	if spec.SyncMode == "incremental" {
		backupOpts.Bitmap = topo.BitmapName
		if spec.ClearsBitmap {
			backupOpts.BitmapMode = "on-success"
		}
	} else if spec.CreatesBitmap && spec.BitmapPersistent {
		backupOpts.Bitmap = topo.BitmapName
	}
	actions = append(actions, qmpops.BackupAction(backupOpts))
	return actions
}

// awaitCompletion tracks progress in the background and waits for
// every job to reach pending. All per-job pending/cancelled/error
// listeners are registered up front, concurrently, before any of them
// can fire: jobs started in the same transaction batch progress
// independently, so a strictly sequential wait would miss events that
// arrive for job N+1 while still waiting on job N (spec.md §9). Once
// every job has reached pending, each is finalized in turn; finalize
// is safe to do sequentially because BLOCK_JOB_COMPLETED for a job
// only fires after this code issues that job's own finalize command.
func awaitCompletion(ctx context.Context, m Monitor, jobIDs []string) error {
	progressCtx, stopProgress := context.WithCancel(ctx)
	defer stopProgress()

	var wg sync.WaitGroup
	wg.Go(func() { trackProgress(progressCtx, m, jobIDs, defaultProgressInterval) })
	defer func() {
		stopProgress()
		wg.Wait()
	}()

	outcomes := make([]jobOutcome, len(jobIDs))
	var pending sync.WaitGroup
	pending.Add(len(jobIDs))
	for i, id := range jobIDs {
		go func(i int, id string) {
			defer pending.Done()
			outcomes[i] = waitJobPending(ctx, m, id)
		}(i, id)
	}
	pending.Wait()

	for i, outcome := range outcomes {
		if outcome.Status != "pending" {
			return fmt.Errorf("job %s did not complete: %w", jobIDs[i], outcome.Err)
		}
	}

	for _, id := range jobIDs {
		if err := finalizeJob(ctx, m, id); err != nil {
			return err
		}
	}
	return nil
}

func toLayoutLevel(level Level) layout.Level {
	switch level {
	case LevelInc:
		return layout.LevelInc
	case LevelCopy:
		return layout.LevelCopy
	default:
		return layout.LevelFull
	}
}
