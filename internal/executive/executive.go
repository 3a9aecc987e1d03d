package executive

import (
	"container/heap"
	"fmt"

	"hsx/abi"
	"hsx/internal/eventbus"
	"hsx/internal/hsxerr"
	"hsx/internal/hxe"
	"hsx/internal/mailbox"
	"hsx/internal/memory"
	"hsx/internal/minivm"
	"hsx/internal/svc"
)

// DefaultStackSize is the per-task stack region size used when Load is
// called with stackSize == 0.
const DefaultStackSize = 4096

// Executive is the scheduler: it owns the shared RAM, the single VM
// instance every task's turn is bound to in sequence, the mailbox
// manager, the SVC dispatcher, and the event bus. There is exactly one
// Executive per running instance, matching vm/vm.go's single
// *VirtualMachine per process model generalized to many tasks sharing
// it (vm/run.go).
type Executive struct {
	ram        *memory.RAM
	vm         *minivm.VM
	mbox       *mailbox.Manager
	dispatcher *svc.Dispatcher
	bus        *eventbus.Bus

	tasks   map[int32]*Task
	nextPID int32
	ready   []int32
	names   map[string]int32 // live app instance name -> owning pid

	allocCursor uint32 // bump allocator watermark into ram

	tick      int64
	rotations uint64

	timers timerHeap

	breakpoints map[int32]map[uint32]bool
}

// New creates an Executive over a freshly allocated RAM of ramSize
// bytes, publishing scheduler/task events onto bus.
func New(ramSize uint32, bus *eventbus.Bus) *Executive {
	ram := memory.New(ramSize)
	return &Executive{
		ram:        ram,
		vm:         minivm.New(ram),
		mbox:       mailbox.NewManager(),
		dispatcher: svc.NewDispatcher(),
		bus:        bus,
		tasks:       make(map[int32]*Task),
		names:       make(map[string]int32),
		nextPID:     1,
		breakpoints: make(map[int32]map[uint32]bool),
	}
}

// SetBreakpoint arms a software breakpoint at addr for pid, generalizing
// vm/run.go's RunProgramDebugMode breakAtLines map from a
// single in-process debug session to per-PID addresses reachable over
// RPC.
func (e *Executive) SetBreakpoint(pid int32, addr uint32) {
	if e.breakpoints[pid] == nil {
		e.breakpoints[pid] = make(map[uint32]bool)
	}
	e.breakpoints[pid][addr] = true
}

// ClearBreakpoint disarms a previously set breakpoint. It reports
// whether one was present.
func (e *Executive) ClearBreakpoint(pid int32, addr uint32) bool {
	bps := e.breakpoints[pid]
	if !bps[addr] {
		return false
	}
	delete(bps, addr)
	return true
}

// ListBreakpoints returns every armed address for pid, in no
// particular order.
func (e *Executive) ListBreakpoints(pid int32) []uint32 {
	bps := e.breakpoints[pid]
	out := make([]uint32, 0, len(bps))
	for addr := range bps {
		out = append(out, addr)
	}
	return out
}

// Tick returns the current scheduler tick.
func (e *Executive) Tick() int64 { return e.tick }

// Rotations returns the total number of single-instruction steps
// retired across every task since startup.
func (e *Executive) Rotations() uint64 { return e.rotations }

// Task looks up a task by PID, for RPC info/inspection handlers.
func (e *Executive) Task(pid int32) (*Task, bool) {
	t, ok := e.tasks[pid]
	return t, ok
}

// Tasks lists every known task, live or terminated, in PID order.
func (e *Executive) Tasks() []*Task {
	out := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].PID < out[j-1].PID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Mailbox exposes the mailbox manager for the mailbox.* RPC handlers.
func (e *Executive) Mailbox() *mailbox.Manager { return e.mbox }

// RAM exposes the shared address space for mem.read/mem.write handlers.
func (e *Executive) RAM() *memory.RAM { return e.ram }

// Load decodes an HSXE image, allocates its task's memory regions out
// of the shared RAM via a bump allocator, wires its stdio mailboxes,
// and enqueues it READY. stackSize of 0 selects DefaultStackSize.
//
// Per-task layout within the shared RAM (low to high): register bank,
// .bss, rodata copy, then the stack region (stack_limit..stack_base).
// There is no reclamation of a terminated task's region; the allocator
// only ever advances.
func (e *Executive) Load(data []byte, stackSize uint32) (pid int32, appName string, err error) {
	img, err := hxe.Decode(data)
	if err != nil {
		return 0, "", err
	}
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}

	name, err := e.claimName(img.Header)
	if err != nil {
		return 0, "", err
	}

	regBase := e.allocCursor
	bssBase := regBase + memory.RegisterBankBytes
	rodataBase := bssBase + img.Header.BSSSize
	stackLimit := rodataBase + img.Header.RodataLen
	stackBase := stackLimit + stackSize

	if uint64(stackBase) > uint64(e.ram.Size()) {
		return 0, "", fmt.Errorf("%w: task needs %d bytes, %d remain",
			hsxerr.ErrNoCapacity, stackBase-e.allocCursor, e.ram.Size()-e.allocCursor)
	}
	if len(img.Rodata) > 0 {
		if err := e.ram.WriteBlock(rodataBase, img.Rodata); err != nil {
			return 0, "", fmt.Errorf("%w: %s", hsxerr.ErrNoCapacity, err)
		}
	}
	e.allocCursor = stackBase

	pid = e.nextPID
	e.nextPID++

	ctx := &minivm.Context{
		PC:         img.Header.EntryPC,
		RegBase:    regBase,
		StackBase:  stackBase,
		StackLimit: stackLimit,
	}
	task := &Task{PID: pid, Ctx: ctx, State: StateReady, Image: img, AppName: name}

	task.FDStdin, _ = e.mbox.OpenStdio(pid, "in")
	task.FDStdout, _ = e.mbox.OpenStdio(pid, "out")
	task.FDStderr, _ = e.mbox.OpenStdio(pid, "err")
	e.dispatcher.RegisterStdio(pid, task.FDStdin, task.FDStdout, task.FDStderr)

	e.tasks[pid] = task
	e.names[name] = pid
	e.ready = append(e.ready, pid)
	e.publish(eventbus.CategoryTaskState, pid, map[string]any{"state": StateReady.String(), "app": name})

	return pid, name, nil
}

// claimName resolves the app name collision rule: a bare collision is rejected unless the image's header opts into
// multiple instances, in which case a "_#n" suffix is appended until a
// free name is found.
func (e *Executive) claimName(h hxe.Header) (string, error) {
	base := h.AppName
	if base == "" {
		base = "app"
	}
	if _, taken := e.names[base]; !taken {
		return base, nil
	}
	if !h.AllowsMultipleInstances() {
		return "", fmt.Errorf("%w: %q", hsxerr.ErrNameCollision, base)
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_#%d", base, n)
		if _, taken := e.names[candidate]; !taken {
			return candidate, nil
		}
	}
}

// StepOnce dequeues the head of the READY queue and retires exactly one
// of its instructions. It reports false when there was nothing READY to
// run.
func (e *Executive) StepOnce() bool {
	if len(e.ready) == 0 {
		return false
	}
	pid := e.ready[0]
	e.ready = e.ready[1:]
	e.runOne(pid)
	return true
}

// StepTask steps pid out of turn (used by the debugger's targeted
// single-step), removing it from wherever it currently sits in the
// READY queue. It reports false if pid is not presently READY.
func (e *Executive) StepTask(pid int32) bool {
	for i, p := range e.ready {
		if p == pid {
			e.ready = append(e.ready[:i], e.ready[i+1:]...)
			e.runOne(pid)
			return true
		}
	}
	return false
}

// runOne is the six-step rotation body from : bind,
// step, and branch on the tagged Result.
func (e *Executive) runOne(pid int32) {
	task := e.tasks[pid]

	if bps := e.breakpoints[pid]; len(bps) > 0 && bps[task.Ctx.PC] {
		if !(task.skipBreakValid && task.skipBreakPC == task.Ctx.PC) {
			task.State = StatePaused
			task.skipBreakValid = true
			task.skipBreakPC = task.Ctx.PC
			e.publish(eventbus.CategoryDebugBreak, pid, map[string]any{"addr": task.Ctx.PC, "source": "breakpoint"})
			return
		}
	}
	task.skipBreakValid = false

	task.State = StateRunning
	pcBefore := task.Ctx.PC

	e.vm.Bind(task.Ctx, task.Image.Code)
	result := e.vm.Step()
	task.Accounting.StepsExecuted++
	e.rotations++
	e.publish(eventbus.CategoryTraceStep, pid, map[string]any{"pc": pcBefore})

	switch result.Kind {
	case minivm.ResultOK:
		task.State = StateReady
		e.ready = append(e.ready, pid)
	case minivm.ResultTrapSVC:
		e.dispatchSVC(task, result)
	case minivm.ResultTrapBRK:
		task.State = StatePaused
		e.publish(eventbus.CategoryDebugBreak, pid, map[string]any{"addr": result.BRKAddr})
	case minivm.ResultFault:
		task.State = StateFault
		task.LastFault = result.Fault
		e.terminate(task)
		e.publish(eventbus.CategoryTaskState, pid, map[string]any{
			"state": StateFault.String(), "fault": result.Fault.Error(),
		})
	}
}

// Resume moves a PAUSED (BRK-trapped) task back onto the READY queue.
func (e *Executive) Resume(pid int32) bool {
	task, ok := e.tasks[pid]
	if !ok || task.State != StatePaused {
		return false
	}
	task.State = StateReady
	e.ready = append(e.ready, pid)
	return true
}

func (e *Executive) dispatchSVC(task *Task, result minivm.Result) {
	hctx := &svc.HandlerContext{
		PID: task.PID, RegBase: task.Ctx.RegBase,
		StackBase: task.Ctx.StackBase, StackLimit: task.Ctx.StackLimit, SP16: task.Ctx.SP16,
		RAM: e.ram, Mailbox: e.mbox, Tick: e.tick,
	}
	for i := 0; i < 4; i++ {
		v, _ := e.ram.ReadRegister(task.Ctx.RegBase, uint8(i+1))
		hctx.Args[i] = v
	}
	outcome := e.dispatcher.Dispatch(result.SVCMod, result.SVCFn, hctx)

	switch {
	case outcome.Exit:
		task.State = StateExit
		e.terminate(task)
		e.publish(eventbus.CategoryTaskState, task.PID, map[string]any{
			"state": StateExit.String(), "code": outcome.ExitCode,
		})
	case outcome.Wait == svc.WaitMailboxRecv:
		task.State = StateWaitMbx
		task.Wait = WaitKey{Kind: outcome.Wait, Handle: outcome.WaitHandle, MaxLen: outcome.WaitMaxLen, BufAddr: outcome.WaitBufAddr, InfoAddr: outcome.WaitInfoAddr}
		task.Accounting.Blocks++
		e.publish(eventbus.CategoryMailboxWait, task.PID, map[string]any{"handle": outcome.WaitHandle})
	case outcome.Wait == svc.WaitMailboxSend:
		task.State = StateWaitMbx
		task.Wait = WaitKey{Kind: outcome.Wait, Handle: outcome.WaitHandle}
		task.Accounting.Blocks++
		e.publish(eventbus.CategoryMailboxWait, task.PID, map[string]any{"handle": outcome.WaitHandle})
	case outcome.Wait == svc.WaitTime:
		task.State = StateWaitTime
		task.Wait = WaitKey{Kind: outcome.Wait, Deadline: outcome.WaitDeadline, HasDeadline: true}
		task.Accounting.Blocks++
		heap.Push(&e.timers, timerEntry{pid: task.PID, deadline: outcome.WaitDeadline})
		e.publish(eventbus.CategoryMailboxWait, task.PID, map[string]any{"deadline": outcome.WaitDeadline})
	default:
		task.State = StateReady
		e.ready = append(e.ready, task.PID)
	}
}

// terminate releases a task's stdio descriptors and drops it from the
// SVC dispatcher's fd table. The Task record itself is kept in e.tasks
// (state EXIT/FAULT) so ps/info can still report on it.
func (e *Executive) terminate(task *Task) {
	e.mbox.Close(task.PID, task.FDStdin)
	e.mbox.Close(task.PID, task.FDStdout)
	e.mbox.Close(task.PID, task.FDStderr)
	e.dispatcher.ForgetTask(task.PID)
}

// Run advances the scheduler by n full rotations: one rotation first
// advances the tick counter, then steps every task that was READY at the
// rotation's start exactly once (strict round-robin), then applies
// timer and mailbox wakeups. A task woken at the end of a rotation
// (including one that blocked earlier in that same rotation) runs again
// in the next one.
func (e *Executive) Run(rotations int) {
	for r := 0; r < rotations; r++ {
		e.tick++
		n := len(e.ready)
		for i := 0; i < n; i++ {
			if !e.StepOnce() {
				break
			}
		}
		e.wakeTimers()
		e.mbox.Tick(e.tick)
		for _, c := range e.mbox.Drain() {
			e.applyCompletion(c)
		}
		e.publish(eventbus.CategoryScheduler, 0, map[string]any{"tick": e.tick, "ready": len(e.ready)})
	}
}

// StepN retires exactly n single instructions total, distributed
// round-robin over the READY deque one StepOnce at a time (so n
// instructions across k READY tasks gives each task floor(n/k) or
// ceil(n/k) turns, not n per task — the no-pid form of clock.step needs
// this instead of Run, which counts whole rotations). Round bookkeeping
// (tick advance, timer wakeups, mailbox drain) only fires when a batch
// of steps completes a full pass over the tasks that were READY at that
// batch's start; a final partial batch (n not a multiple of the READY
// count) leaves its bookkeeping for the next call, the same way Run
// never finalizes a rotation it hasn't fully run. It returns the number
// of instructions actually retired, which is less than n once nothing
// remains READY.
func (e *Executive) StepN(n int) int {
	stepped := 0
	for stepped < n && len(e.ready) > 0 {
		fullRound := len(e.ready)
		toRun := fullRound
		if remaining := n - stepped; toRun > remaining {
			toRun = remaining
		}
		for i := 0; i < toRun; i++ {
			if !e.StepOnce() {
				return stepped
			}
			stepped++
		}
		if toRun == fullRound {
			e.tick++
			e.wakeTimers()
			e.mbox.Tick(e.tick)
			for _, c := range e.mbox.Drain() {
				e.applyCompletion(c)
			}
			e.publish(eventbus.CategoryScheduler, 0, map[string]any{"tick": e.tick, "ready": len(e.ready)})
		}
	}
	return stepped
}

// RunUntilIdle repeatedly advances one rotation at a time until no task
// remains READY (every task is blocked, paused, exited, or faulted) or
// maxRounds is reached, whichever comes first. It returns the number of
// rounds actually run. This generalizes vm/run.go's free-run mode
// (vm/run.go's RunProgram, which disables the GC and loops until
// vm.errcode is set) to a scheduler with no single halting instruction
// of its own.
func (e *Executive) RunUntilIdle(maxRounds int) int {
	rounds := 0
	for rounds < maxRounds && len(e.ready) > 0 {
		e.Run(1)
		rounds++
	}
	return rounds
}

func (e *Executive) wakeTimers() {
	for e.timers.Len() > 0 && e.timers[0].deadline <= e.tick {
		te := heap.Pop(&e.timers).(timerEntry)
		task, ok := e.tasks[te.pid]
		if !ok || task.State != StateWaitTime {
			continue // stale entry: task already exited or was woken some other way
		}
		task.State = StateReady
		task.Accounting.Wakes++
		e.ready = append(e.ready, te.pid)
		e.publish(eventbus.CategoryMailboxWake, te.pid, map[string]any{"reason": "timer"})
	}
}

// applyCompletion writes a finished mailbox RECV/SEND back into the
// waiting task's result registers (and, for RECV, its destination
// buffer) and moves it back to READY.
func (e *Executive) applyCompletion(c mailbox.Completion) {
	task, ok := e.tasks[c.PID]
	if !ok || task.State != StateWaitMbx {
		return
	}
	status := c.Status
	if status == abi.StatusOK && task.Wait.Kind == svc.WaitMailboxRecv && c.Data != nil {
		if err := e.ram.WriteBlock(task.Wait.BufAddr, c.Data); err != nil {
			status = abi.StatusInternalError
		}
	}
	if task.Wait.Kind == svc.WaitMailboxRecv {
		svc.WriteRecvInfo(e.ram, task.Wait.InfoAddr, c.Length, 0, c.Channel, c.SrcPID, status)
	}
	e.ram.WriteRegister(task.Ctx.RegBase, 0, uint32(status))
	e.ram.WriteRegister(task.Ctx.RegBase, 1, uint32(c.Length))
	task.State = StateReady
	task.Accounting.Wakes++
	e.ready = append(e.ready, c.PID)
	e.publish(eventbus.CategoryMailboxWake, c.PID, map[string]any{"status": status.String()})
}

func (e *Executive) publish(cat eventbus.Category, pid int32, data map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(e.tick, cat, pid, data)
}
