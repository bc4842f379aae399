// Package restore implements chain scan/validate/plan and the four
// collapsing modes over a directory of qmpbackup target images:
// rebase (in place), commit (rebase then collapse), merge
// (non-destructive commit into a copy), and snapshotrebase (rebase
// plus a named internal snapshot per chain entry).
//
// A chain is one FULL-* image followed by zero or more INC-* images,
// each backed by its predecessor once rebased. ScanChain enforces the
// invariants spec.md §4.F requires before any mode runs: no stray
// .partial file, exactly one FULL, INCs ordered by epoch.
package restore
