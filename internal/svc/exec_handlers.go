package svc

import "hsx/abi"

// coreVersion is the ABI/runtime version GET_VERSION reports.
const coreVersion = 0x0001

func (d *Dispatcher) execGetVersion(ctx *HandlerContext) Outcome {
	ctx.setResult(uint32(abi.StatusOK), coreVersion)
	return Outcome{}
}

// execExit: R1=exit code.
func (d *Dispatcher) execExit(ctx *HandlerContext) Outcome {
	return Outcome{Exit: true, ExitCode: int32(ctx.Args[0])}
}

// execYield is a no-op under the strict one-instruction-per-task
// round-robin scheduler: every task already yields the CPU after each
// instruction, so there is nothing additional to relinquish.
func (d *Dispatcher) execYield(ctx *HandlerContext) Outcome {
	ctx.setResult(uint32(abi.StatusOK), 0)
	return Outcome{}
}

// execSleepMs: R1=milliseconds. SLEEP_MS is a specialization of
// WAIT_TIME; one tick is defined as one
// millisecond of guest wall-clock time.
func (d *Dispatcher) execSleepMs(ctx *HandlerContext) Outcome {
	ms := int64(ctx.Args[0])
	return Outcome{Wait: WaitTime, WaitDeadline: ctx.Tick + ms}
}

func (d *Dispatcher) execGetTick(ctx *HandlerContext) Outcome {
	ctx.setResult(uint32(abi.StatusOK), uint32(ctx.Tick))
	return Outcome{}
}
