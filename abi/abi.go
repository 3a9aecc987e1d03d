// Package abi holds the constants shared between the MiniVM core and any
// external toolchain that emits HSXE images: SVC module/function IDs and
// mailbox status codes. This is the single authoritative table referenced
// by internal/svc and internal/mailbox; nothing in this package imports
// another hsx package, the same way vm/bytecode.go's opcode table
// sits underneath everything else
// without importing back up the stack.
package abi

// SVC module IDs. Argument registers and result conventions are defined
// by internal/svc.
const (
	ModMailbox uint8 = 0x05
	ModExec    uint8 = 0x06
	ModStdio   uint8 = 0x0A
)

// Mailbox (module 0x05) function IDs.
const (
	MailboxOpen  uint8 = 0
	MailboxBind  uint8 = 1
	MailboxSend  uint8 = 2
	MailboxRecv  uint8 = 3
	MailboxPeek  uint8 = 4
	MailboxTap   uint8 = 5
	MailboxClose uint8 = 6
)

// Exec (module 0x06) function IDs.
const (
	ExecGetVersion uint8 = 0
	ExecExit       uint8 = 1
	ExecYield      uint8 = 2
	ExecSleepMs    uint8 = 3
	ExecGetTick    uint8 = 4
)

// Stdio (module 0x0A) function IDs. These resolve to mailbox operations
// against the caller's stdio descriptors (fd 0/1/2).
const (
	StdioWrite uint8 = 0
	StdioRead  uint8 = 1
)

// Mailbox namespace tags, as used in descriptor keys and RPC responses.
const (
	NamespacePID    uint8 = 0x00
	NamespaceSVC    uint8 = 0x01
	NamespaceApp    uint8 = 0x02
	NamespaceShared uint8 = 0x03
)

// Mailbox mode mask bits. ModeFANOUTDrop/ModeFANOUTBlock govern what
// happens when a FANOUT message's retention bound is hit (a slow
// subscriber hasn't consumed it yet); ModeSendDrop/ModeSendBlock govern
// the default (non-fanout) queue's overflow policy: DROP discards
// oldest or returns OVERRUN; BLOCK suspends the caller; default is a
// non-blocking error.
const (
	ModeRDONLY      uint32 = 1 << 0
	ModeRDWR        uint32 = 1 << 1
	ModeTAP         uint32 = 1 << 2
	ModeFANOUT      uint32 = 1 << 3
	ModeFANOUTDrop  uint32 = 1 << 4
	ModeFANOUTBlock uint32 = 1 << 5
	ModeCreate      uint32 = 1 << 6
	ModeSendDrop    uint32 = 1 << 7
	ModeSendBlock   uint32 = 1 << 8
)

// MailboxStatus is the result code returned in R0 from mailbox SVCs, and
// used verbatim in RPC mailbox.* responses.
type MailboxStatus int32

const (
	StatusOK MailboxStatus = iota
	StatusEmpty
	StatusFull
	StatusTimeout
	StatusOverrun
	StatusNoDescriptor
	StatusPermission
	StatusInternalError
)

func (s MailboxStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusEmpty:
		return "EMPTY"
	case StatusFull:
		return "FULL"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusOverrun:
		return "OVERRUN"
	case StatusNoDescriptor:
		return "NO_DESCRIPTOR"
	case StatusPermission:
		return "PERMISSION"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// RecvTimeout selects blocking behaviour for MAILBOX.RECV.
type RecvTimeout int32

const (
	// TimeoutPoll never blocks: returns StatusEmpty immediately.
	TimeoutPoll RecvTimeout = 0
	// TimeoutInfinite blocks until a message arrives.
	TimeoutInfinite RecvTimeout = -1
	// Any non-negative, non-zero value is a finite tick count.
)

// Standard file descriptors wired to per-task stdio mailboxes at load time.
const (
	FDStdin  = 0
	FDStdout = 1
	FDStderr = 2
)
