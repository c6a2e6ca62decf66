// Package task defines the data model shared by the scheduling pipeline.
//
// A Descriptor is what callers submit; a Record is the runtime view the
// scheduler keeps for it. Status transitions are validated by Transition so
// every component agrees on the same lifecycle:
//
//	Pending -> Ready -> Running -> Completed | Retrying | Failed | Cancelled
//	Retrying -> Ready
//
// Any non-terminal status may also move to Cancelled.
package task
