// Package scheduler owns the task table.
//
// A Controller accepts descriptors, tracks every record through its
// lifecycle, promotes Pending records once their dependencies complete and
// feeds Ready records to the engine's worker pool through a tiered queue.
// Snapshots go to an optional storage.Store on an interval and on Stop; the
// last snapshot is restored when the Controller is built.
package scheduler
