package minivm

import "hsx/internal/hsxerr"

// ResultKind tags the outcome of a single Step call. MiniVM never
// raises an exception for guest-level conditions — every outcome,
// including faults, is returned as one of these tagged variants rather
// than as a Go error, so the Executive can switch on it without a type
// assertion.
type ResultKind int

const (
	// ResultOK means the instruction retired normally; the scheduler
	// should continue rotating this task.
	ResultOK ResultKind = iota
	// ResultTrapSVC means an SVC instruction executed; PC already
	// points past the trap. The Executive must resolve it via the SVC
	// dispatcher before stepping this task again.
	ResultTrapSVC
	// ResultTrapBRK means a breakpoint instruction executed. BRKAddr is
	// the address of the BRK instruction itself, for event/debugger
	// display; PC (in the Context) has already advanced past it so a
	// resumed task does not re-trap on the same instruction.
	ResultTrapBRK
	// ResultFault means the task must be terminated; Fault describes
	// why.
	ResultFault
)

// Result is MiniVM's step() return value.
type Result struct {
	Kind ResultKind

	SVCMod uint8
	SVCFn  uint8

	BRKAddr uint32

	Fault *hsxerr.Fault
}

func ok() Result { return Result{Kind: ResultOK} }

func trapSVC(mod, fn uint8) Result {
	return Result{Kind: ResultTrapSVC, SVCMod: mod, SVCFn: fn}
}

func trapBRK(addr uint32) Result {
	return Result{Kind: ResultTrapBRK, BRKAddr: addr}
}

func fault(kind hsxerr.FaultKind, pc uint32, note string) Result {
	return Result{Kind: ResultFault, Fault: &hsxerr.Fault{Kind: kind, PC: pc, Note: note}}
}
