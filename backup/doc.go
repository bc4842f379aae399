// Package backup implements the backup orchestrator: bitmap lifecycle,
// image-fleecing topology construction, transactional job start,
// progress tracking, and the fixed teardown sequence that runs on
// every exit path (success, error, cancellation).
//
// It drives the monitor and command-facade packages (monitor, qmpops)
// against the devices reported by the device package, and writes
// target images through the layout package's naming conventions.
//
// A run is started with Run, given a RunConfig and the devices
// selected for it; the level table in level.go captures what differs
// between full/incremental/copy levels so Run stays level-agnostic.
package backup
