// Package svc implements the SVC trap dispatcher: a fixed (module, fn)
// table routing TRAP_SVC results from MiniVM.Step to a handler with
// read/write access to the trapping task's registers, memory, and the
// mailbox manager. This generalizes vm/devices.go's HardwareDevice bus
// (vm/devices.go's GetInfo/TrySend/Reset/Close dispatched by interrupt
// address) into a (module, function) keyed table dispatched by SVC
// trap.
package svc

import (
	"hsx/abi"
	"hsx/internal/hsxerr"
	"hsx/internal/mailbox"
	"hsx/internal/memory"
)

// WaitKind tags what an Outcome is asking the Executive to suspend the
// task on.
type WaitKind int

const (
	WaitNone WaitKind = iota
	WaitMailboxRecv
	WaitMailboxSend
	WaitTime
)

// Outcome is a handler's verdict, handed back to the Executive after
// Dispatch. Register side effects (R0/R1) are already applied to
// memory by the time Dispatch returns; Outcome only carries what the
// Executive itself must act on.
type Outcome struct {
	Wait         WaitKind
	WaitDeadline int64 // absolute tick, valid when Wait == WaitTime
	WaitHandle   mailbox.Handle
	WaitMaxLen   int
	WaitBufAddr  uint32 // destination address for a blocked RECV's eventual data
	WaitInfoAddr uint32 // optional info_out address for a blocked RECV, 0 if none
	WaitSendBuf  []byte

	Exit     bool
	ExitCode int32
}

// HandlerContext is everything a handler needs: the trapping task's
// identity, its four argument registers (R1..R4), its stack position
// for reading overflow arguments beyond R4, and the services it may
// call into.
type HandlerContext struct {
	PID        int32
	RegBase    uint32
	Args       [4]uint32 // R1..R4
	StackBase  uint32
	StackLimit uint32
	SP16       uint16
	RAM        *memory.RAM
	Mailbox    *mailbox.Manager
	Tick       int64
}

func (c *HandlerContext) setResult(r0, r1 uint32) {
	c.RAM.WriteRegister(c.RegBase, 0, r0)
	c.RAM.WriteRegister(c.RegBase, 1, r1)
}

func (c *HandlerContext) readString(ptr, length uint32) string {
	b, err := c.RAM.ReadBlock(ptr, length)
	if err != nil {
		return ""
	}
	return string(b)
}

// stackArg reads the nth overflow argument (0-based) beyond R1..R4, at
// [sp+12], [sp+16], ... per the ABI's "overflow arguments on the stack"
// rule. It returns 0 if the address would fall outside the task's
// stack region, so a stray pointer can't be used to read arbitrary RAM.
func (c *HandlerContext) stackArg(n int) uint32 {
	off := int32(int16(c.SP16)) + 12 + 4*int32(n)
	addr := c.StackBase + uint32(off)
	if addr < c.StackLimit || addr >= c.StackBase {
		return 0
	}
	v, err := c.RAM.Read32(addr)
	if err != nil {
		return 0
	}
	return v
}

// Handler implements one (module, function) pair.
type Handler func(ctx *HandlerContext) Outcome

// Dispatcher owns the fixed module/function table and the per-task
// stdio fd mapping the Executive wires in at load time.
type Dispatcher struct {
	table map[uint8]map[uint8]Handler
	stdio map[int32][3]mailbox.Handle // pid -> {stdin, stdout, stderr}
}

// NewDispatcher builds the fixed module/function dispatch table.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		table: make(map[uint8]map[uint8]Handler),
		stdio: make(map[int32][3]mailbox.Handle),
	}
	d.table[abi.ModMailbox] = map[uint8]Handler{
		abi.MailboxOpen:  d.mailboxOpen,
		abi.MailboxBind:  d.mailboxBind,
		abi.MailboxSend:  d.mailboxSend,
		abi.MailboxRecv:  d.mailboxRecv,
		abi.MailboxPeek:  d.mailboxPeek,
		abi.MailboxTap:   d.mailboxTap,
		abi.MailboxClose: d.mailboxClose,
	}
	d.table[abi.ModExec] = map[uint8]Handler{
		abi.ExecGetVersion: d.execGetVersion,
		abi.ExecExit:       d.execExit,
		abi.ExecYield:      d.execYield,
		abi.ExecSleepMs:    d.execSleepMs,
		abi.ExecGetTick:    d.execGetTick,
	}
	d.table[abi.ModStdio] = map[uint8]Handler{
		abi.StdioWrite: d.stdioWrite,
		abi.StdioRead:  d.stdioRead,
	}
	return d
}

// RegisterStdio wires the fd 0/1/2 -> handle mapping the Executive
// creates at task load time ("create per-task
// stdio mailboxes ... and wire FDs 0/1/2").
func (d *Dispatcher) RegisterStdio(pid int32, stdin, stdout, stderr mailbox.Handle) {
	d.stdio[pid] = [3]mailbox.Handle{stdin, stdout, stderr}
}

// ForgetTask drops a terminated task's fd mapping.
func (d *Dispatcher) ForgetTask(pid int32) {
	delete(d.stdio, pid)
}

// Dispatch routes (mod, fn) to its handler. An unknown module or
// function is itself an SVC-level error (abi error convention: negative
// R0), distinct from a mailbox-level abi.MailboxStatus.
func (d *Dispatcher) Dispatch(mod, fn uint8, ctx *HandlerContext) Outcome {
	modTable, ok := d.table[mod]
	if !ok {
		code := hsxerr.SvcBadModule
		ctx.setResult(uint32(code), 0)
		return Outcome{}
	}
	handler, ok := modTable[fn]
	if !ok {
		code := hsxerr.SvcBadFunction
		ctx.setResult(uint32(code), 0)
		return Outcome{}
	}
	return handler(ctx)
}
