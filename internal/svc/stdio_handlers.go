package svc

import (
	"hsx/abi"
	"hsx/internal/mailbox"
)

// stdioWrite: R1=fd, R2=buf_ptr, R3=buf_len. Resolves to MAILBOX.SEND
// on the task's stdout/stderr descriptor — a convenience wrapper around
// the underlying mailbox operation.
func (d *Dispatcher) stdioWrite(ctx *HandlerContext) Outcome {
	handle, ok := d.resolveFd(ctx.PID, ctx.Args[0])
	if !ok {
		ctx.setResult(uint32(abi.StatusNoDescriptor), 0)
		return Outcome{}
	}
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

// stdioRead: R1=fd, R2=buf_ptr, R3=max_len. Resolves to a blocking
// MAILBOX.RECV (INFINITE) on the task's stdin descriptor.
func (d *Dispatcher) stdioRead(ctx *HandlerContext) Outcome {
	handle, ok := d.resolveFd(ctx.PID, ctx.Args[0])
	if !ok {
		ctx.setResult(uint32(abi.StatusNoDescriptor), 0)
		return Outcome{}
	}
	maxLen := int(ctx.Args[2])
	status, msg, blocked := ctx.Mailbox.Recv(ctx.PID, handle, maxLen, abi.TimeoutInfinite, ctx.Tick)
	if blocked {
		return Outcome{Wait: WaitMailboxRecv, WaitHandle: handle, WaitMaxLen: maxLen, WaitBufAddr: ctx.Args[1]}
	}
	if status == abi.StatusOK {
		if err := ctx.RAM.WriteBlock(ctx.Args[1], msg.Data); err != nil {
			ctx.setResult(uint32(abi.StatusInternalError), 0)
			return Outcome{}
		}
	}
	ctx.setResult(uint32(status), uint32(len(msg.Data)))
	return Outcome{}
}

func (d *Dispatcher) resolveFd(pid int32, fd uint32) (mailbox.Handle, bool) {
	fds, ok := d.stdio[pid]
	if !ok || fd > abi.FDStderr {
		return 0, false
	}
	return fds[fd], true
}
