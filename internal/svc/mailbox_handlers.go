package svc

import (
	"encoding/binary"

	"hsx/abi"
	"hsx/internal/mailbox"
	"hsx/internal/memory"
)

func mailboxHandle(raw uint32) mailbox.Handle { return mailbox.Handle(raw) }

// recvInfoSize is the wire size of the RECV info_out struct: five
// packed uint32 fields, {length, flags, channel, src_pid, status}, in
// that order.
const recvInfoSize = 20

// WriteRecvInfo writes a RECV info_out struct to addr if addr is
// non-zero. flags is currently always 0: nothing in the mailbox model
// yet produces a per-message flag to report. A write failure (bad
// pointer) is silently ignored, matching the ABI's "if pointer
// non-null" conditionality rather than faulting the task over a
// diagnostics-only output.
func WriteRecvInfo(ram *memory.RAM, addr uint32, length int, flags uint32, channel uint32, srcPID int32, status abi.MailboxStatus) {
	if addr == 0 {
		return
	}
	var buf [recvInfoSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(length))
	binary.LittleEndian.PutUint32(buf[4:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], channel)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(srcPID))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(status))
	_ = ram.WriteBlock(addr, buf[:])
}

// mailboxOpen: R1=target_ptr, R2=target_len, R3=mode_mask. Result:
// R0=status, R1=handle.
func (d *Dispatcher) mailboxOpen(ctx *HandlerContext) Outcome {
	target := ctx.readString(ctx.Args[0], ctx.Args[1])
	handle, _, status := ctx.Mailbox.Open(ctx.PID, target, ctx.Args[2])
	ctx.setResult(uint32(status), uint32(handle))
	return Outcome{}
}

// mailboxBind: R1=target_ptr, R2=target_len, R3=capacity, R4=mode_mask.
// Result: R0=status, R1=handle.
func (d *Dispatcher) mailboxBind(ctx *HandlerContext) Outcome {
	target := ctx.readString(ctx.Args[0], ctx.Args[1])
	handle, _, status := ctx.Mailbox.Bind(ctx.PID, target, int(ctx.Args[2]), ctx.Args[3])
	ctx.setResult(uint32(status), uint32(handle))
	return Outcome{}
}

// mailboxSend: R1=handle, R2=buf_ptr, R3=buf_len, R4=flags (currently
// unused; overflow policy is carried on the descriptor's own mode mask
// set at OPEN/BIND time rather than per-SEND). Result: R0=status; on
// block, the Executive parks the task and the eventual completion is
// applied from mailbox.Manager.Drain.
func (d *Dispatcher) mailboxSend(ctx *HandlerContext) Outcome {
	handle := mailboxHandle(ctx.Args[0])
	buf, err := ctx.RAM.ReadBlock(ctx.Args[1], ctx.Args[2])
	if err != nil {
		ctx.setResult(uint32(abi.StatusInternalError), 0)
		return Outcome{}
	}
	status, blocked := ctx.Mailbox.Send(ctx.PID, handle, buf, ctx.Tick)
	if blocked {
		return Outcome{Wait: WaitMailboxSend, WaitHandle: handle, WaitSendBuf: buf}
	}
	ctx.setResult(uint32(status), 0)
	return Outcome{}
}

// mailboxRecv: R1=handle, R2=buf_ptr, R3=max_len, R4=timeout (the
// RecvTimeout encoding: 0=POLL, -1=INFINITE, else finite ticks), plus
// an optional 5th argument, info_out, arriving as a stack overflow
// argument at [sp+12] since only R1..R4 are available. When info_out
// is non-null, {length, flags, channel, src_pid, status} is written to
// it on completion; R0=status and R1=length either way.
func (d *Dispatcher) mailboxRecv(ctx *HandlerContext) Outcome {
	handle := mailboxHandle(ctx.Args[0])
	maxLen := int(ctx.Args[2])
	timeout := abi.RecvTimeout(int32(ctx.Args[3]))
	infoAddr := ctx.stackArg(0)
	status, msg, blocked := ctx.Mailbox.Recv(ctx.PID, handle, maxLen, timeout, ctx.Tick)
	if blocked {
		return Outcome{Wait: WaitMailboxRecv, WaitHandle: handle, WaitMaxLen: maxLen, WaitBufAddr: ctx.Args[1], WaitInfoAddr: infoAddr}
	}
	if status == abi.StatusOK {
		if err := ctx.RAM.WriteBlock(ctx.Args[1], msg.Data); err != nil {
			ctx.setResult(uint32(abi.StatusInternalError), 0)
			return Outcome{}
		}
	}
	WriteRecvInfo(ctx.RAM, infoAddr, len(msg.Data), 0, msg.Channel, msg.SrcPID, status)
	ctx.setResult(uint32(status), uint32(len(msg.Data)))
	return Outcome{}
}

// mailboxPeek: R1=handle. Result: R0=status, R1=length.
func (d *Dispatcher) mailboxPeek(ctx *HandlerContext) Outcome {
	handle := mailboxHandle(ctx.Args[0])
	status, length, _, _ := ctx.Mailbox.Peek(ctx.PID, handle)
	ctx.setResult(uint32(status), uint32(length))
	return Outcome{}
}

// mailboxTap: R1=handle, R2=on (nonzero enables). Result: R0=status.
func (d *Dispatcher) mailboxTap(ctx *HandlerContext) Outcome {
	handle := mailboxHandle(ctx.Args[0])
	status := ctx.Mailbox.Tap(ctx.PID, handle, ctx.Args[1] != 0)
	ctx.setResult(uint32(status), 0)
	return Outcome{}
}

// mailboxClose: R1=handle. Result: R0=status.
func (d *Dispatcher) mailboxClose(ctx *HandlerContext) Outcome {
	handle := mailboxHandle(ctx.Args[0])
	status := ctx.Mailbox.Close(ctx.PID, handle)
	ctx.setResult(uint32(status), 0)
	return Outcome{}
}
