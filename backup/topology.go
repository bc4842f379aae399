package backup

import (
	"context"
	"os"

	"github.com/qmpbackup/qmpbackup/device"
	"github.com/qmpbackup/qmpbackup/imgtool"
	"github.com/qmpbackup/qmpbackup/qmperrors"
	"github.com/qmpbackup/qmpbackup/qmpops"
)

// Topology is the deterministic set of node names the orchestrator
// wires up per device to implement image fleecing (spec.md §4.D):
//
//	guest -> [CBW filter] -> original disk node
//	                 |
//	                 +-> fleece (qcow2, temporary)
//	                              |
//	                              +-> snapshot-access node -> [backup job source]
//	                                                                |
//	                                                                v
//	                                                           target image
type Topology struct {
	Device device.BlockDevice

	CBWNode      string
	FleeceNode   string
	AccessNode   string
	TargetNode   string
	JobID        string

	FleecePath string // scratch qcow2, deleted on teardown regardless of outcome
	TargetPath string // the .partial target image path
	BitmapName string // attached to Device.Node, not to any fleecing node
}

// newTopology derives the deterministic internal node names for dev.
// All names carry device.ReservedNodePrefix so the device selector
// never re-selects them and the signal handler can cancel jobs by
// matching that same prefix (design note §9 "Event correlation").
func newTopology(dev device.BlockDevice, level Level, uuid, fleecePath, targetPath string) Topology {
	return Topology{
		Device:     dev,
		CBWNode:    device.ReservedNodePrefix + "cbw-" + dev.Node,
		FleeceNode: device.ReservedNodePrefix + "fleece-" + dev.Node,
		AccessNode: device.ReservedNodePrefix + "access-" + dev.Node,
		TargetNode: device.ReservedNodePrefix + "target-" + dev.Node,
		JobID:      device.ReservedNodePrefix + dev.Node,
		FleecePath: fleecePath,
		TargetPath: targetPath,
		BitmapName: bitmapName(level, dev.Node, uuid),
	}
}

// teardownStep is one entry of the LIFO teardown stack (design note §9
// "Scoped acquisition"): a release action plus whether its failure is
// tolerated (logged as a warning) or fatal.
type teardownStep struct {
	name     string
	fn       func(ctx context.Context) error
	tolerate bool
}

// teardownStack accumulates release actions in acquisition order and
// runs them in reverse, never stopping early on a tolerated failure.
type teardownStack struct {
	steps []teardownStep
}

func (s *teardownStack) push(name string, tolerate bool, fn func(ctx context.Context) error) {
	s.steps = append(s.steps, teardownStep{name: name, fn: fn, tolerate: tolerate})
}

// run executes every pushed step in reverse order. It returns the
// first non-tolerated error, if any, but always runs every step.
func (s *teardownStack) run(ctx context.Context) error {
	var firstFatal error
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		if err := step.fn(ctx); err != nil {
			if step.tolerate {
				log.Warn("teardown step failed, continuing", "step", step.name, "error", err)
				continue
			}
			log.Error("teardown step failed", "step", step.name, "error", err)
			if firstFatal == nil {
				firstFatal = err
			}
		}
	}
	return firstFatal
}

// buildFleeceImage creates the scratch qcow2 used as the CBW
// old-data destination and registers it as a blockdev, pushing its
// own teardown (blockdev-del + unlink) onto stack.
func buildFleeceImage(ctx context.Context, m Monitor, tools *imgtool.Runner, topo Topology, virtualSize int64, stack *teardownStack) error {
	if _, err := tools.Create(ctx, imgtool.CreateOpts{
		Format: "qcow2", Target: topo.FleecePath, SizeBytes: virtualSize,
	}); err != nil {
		return qmperrors.NewFilesystemError("create fleece image %s: %v", topo.FleecePath, err)
	}

	if _, err := qmpops.BlockdevAdd(m, qmpops.BlockdevAddOpts{
		NodeName: topo.FleeceNode, Driver: "qcow2", Filename: topo.FleecePath,
	}); err != nil {
		_ = os.Remove(topo.FleecePath)
		return err
	}

	stack.push("remove fleece blockdev "+topo.FleeceNode, true, func(ctx context.Context) error {
		_, err := qmpops.BlockdevDel(m, topo.FleeceNode)
		return err
	})
	stack.push("unlink fleece file "+topo.FleecePath, true, func(ctx context.Context) error {
		if err := os.Remove(topo.FleecePath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
	return nil
}

// spliceCBWFilter inserts the copy-before-write filter as the device's
// new top node via blockdev-reopen and registers the reverse splice
// (restore the original top node) and filter removal on stack.
func spliceCBWFilter(m Monitor, topo Topology, stack *teardownStack) error {
	if _, err := qmpops.BlockdevAdd(m, qmpops.BlockdevAddOpts{
		NodeName: topo.CBWNode, Driver: "copy-before-write",
		FileNode: topo.Device.Node, TargetNode: topo.FleeceNode,
	}); err != nil {
		return err
	}

	if _, err := qmpops.BlockdevReopen(m, topo.Device.Node, topo.CBWNode); err != nil {
		_, _ = qmpops.BlockdevDel(m, topo.CBWNode)
		return err
	}

	stack.push("restore top node for "+topo.Device.Node, true, func(ctx context.Context) error {
		_, err := qmpops.BlockdevReopen(m, topo.CBWNode, topo.Device.Node)
		return err
	})
	stack.push("remove cbw filter "+topo.CBWNode, true, func(ctx context.Context) error {
		_, err := qmpops.BlockdevDel(m, topo.CBWNode)
		return err
	})
	return nil
}

// addSnapshotAccessNode exposes the CBW filter's point-in-time view as
// the backup job's read source.
func addSnapshotAccessNode(m Monitor, topo Topology, stack *teardownStack) error {
	if _, err := qmpops.BlockdevAdd(m, qmpops.BlockdevAddOpts{
		NodeName: topo.AccessNode, Driver: "snapshot-access", SnapshotOfNode: topo.CBWNode,
	}); err != nil {
		return err
	}
	stack.push("remove snapshot-access node "+topo.AccessNode, true, func(ctx context.Context) error {
		_, err := qmpops.BlockdevDel(m, topo.AccessNode)
		return err
	})
	return nil
}

// addTargetImage registers the on-disk target file (already created by
// startTopologiesAndJobs) as a blockdev.
func addTargetImage(m Monitor, topo Topology, format string, aio string, cacheDisable bool, stack *teardownStack) error {
	if _, err := qmpops.BlockdevAdd(m, qmpops.BlockdevAddOpts{
		NodeName: topo.TargetNode, Driver: format, Filename: topo.TargetPath,
		AIO: aio, CacheDisable: cacheDisable,
	}); err != nil {
		return err
	}
	stack.push("remove target blockdev "+topo.TargetNode, true, func(ctx context.Context) error {
		_, err := qmpops.BlockdevDel(m, topo.TargetNode)
		return err
	})
	return nil
}
