// Package executive owns the task table and the cooperative scheduler:
// round-robin rotation of READY tasks, SVC dispatch via internal/svc,
// wait/wake queues for mailbox and timer suspension, and HXE loading.
// This generalizes vm/run.go's single-VM run loop
// (RunAndReturnError / step-until-halt) into a
// multi-task, one-instruction-per-task-per-rotation scheduler.
package executive

import (
	"hsx/internal/hsxerr"
	"hsx/internal/hxe"
	"hsx/internal/mailbox"
	"hsx/internal/minivm"
	"hsx/internal/svc"
)

// State is a task's lifecycle state in the task data model.
type State int

const (
	StateReady State = iota
	StateRunning
	StateWaitMbx
	StateWaitTime
	StatePaused // TRAP_BRK: removed from READY until explicitly resumed
	StateExit
	StateFault
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateWaitMbx:
		return "WAIT_MBX"
	case StateWaitTime:
		return "WAIT_TIME"
	case StatePaused:
		return "PAUSED"
	case StateExit:
		return "EXIT"
	case StateFault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

// WaitKey identifies what a waiting task is blocked on.
type WaitKey struct {
	Kind        svc.WaitKind
	Handle      mailbox.Handle
	MaxLen      int
	BufAddr     uint32 // destination for a blocked RECV's eventual data
	InfoAddr    uint32 // optional info_out address for a blocked RECV, 0 if none
	Deadline    int64  // absolute tick; used by both WAIT_MBX timeouts and WAIT_TIME
	HasDeadline bool
}

// Accounting mirrors the scheduler's per-task counters.
type Accounting struct {
	StepsExecuted uint64
	Switches      uint64
	Blocks        uint64
	Wakes         uint64
}

// Task is the in-memory PCB. Ctx is the pointer MiniVM binds directly
// to on this task's rotation turn: swapping reg_base rebinds the
// register window, nothing is copied.
type Task struct {
	PID   int32
	Ctx   *minivm.Context
	State State
	Wait  WaitKey

	Image    *hxe.Image
	AppName  string
	FDStdin  mailbox.Handle
	FDStdout mailbox.Handle
	FDStderr mailbox.Handle

	Accounting Accounting

	LastFault *hsxerr.Fault

	// skipBreakValid/skipBreakPC let a single resume step past a
	// breakpoint address without retriggering it immediately, the same
	// "lastBreakLine" dedup vm/run.go's RunProgramDebugMode uses
	// (vm/run.go) before it re-arms on the next visit to that address.
	skipBreakValid bool
	skipBreakPC    uint32
}
