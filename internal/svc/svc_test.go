package svc

import (
	"testing"

	"hsx/abi"
	"hsx/internal/mailbox"
	"hsx/internal/memory"
)

const (
	testRegBase = 0x100
	bufAddr     = 0x1000
)

func newTestCtx(t *testing.T, pid int32, mbox *mailbox.Manager) (*HandlerContext, *memory.RAM) {
	t.Helper()
	ram := memory.New(0x4000)
	return &HandlerContext{PID: pid, RegBase: testRegBase, RAM: ram, Mailbox: mbox}, ram
}

func TestDispatchUnknownModuleAndFunction(t *testing.T) {
	d := NewDispatcher()
	ctx, ram := newTestCtx(t, 1, mailbox.NewManager())

	d.Dispatch(0x7F, 0, ctx)
	r0, _ := ram.ReadRegister(testRegBase, 0)
	if int32(r0) != -1 {
		t.Fatalf("unknown module: R0 = %d, want -1", int32(r0))
	}

	d.Dispatch(abi.ModExec, 0x7F, ctx)
	r0, _ = ram.ReadRegister(testRegBase, 0)
	if int32(r0) != -2 {
		t.Fatalf("unknown function: R0 = %d, want -2", int32(r0))
	}
}

func TestDispatchExecGetVersionAndExit(t *testing.T) {
	d := NewDispatcher()
	ctx, ram := newTestCtx(t, 1, mailbox.NewManager())

	d.Dispatch(abi.ModExec, abi.ExecGetVersion, ctx)
	r0, r1 := regs(ram)
	if abi.MailboxStatus(r0) != abi.StatusOK || r1 != coreVersion {
		t.Fatalf("GET_VERSION: R0=%d R1=%d", r0, r1)
	}

	ctx.Args[0] = 7
	outcome := d.Dispatch(abi.ModExec, abi.ExecExit, ctx)
	if !outcome.Exit || outcome.ExitCode != 7 {
		t.Fatalf("EXIT outcome = %+v", outcome)
	}
}

func TestDispatchExecSleepMsBlocksOnTime(t *testing.T) {
	d := NewDispatcher()
	ctx, _ := newTestCtx(t, 1, mailbox.NewManager())
	ctx.Tick = 100
	ctx.Args[0] = 50

	outcome := d.Dispatch(abi.ModExec, abi.ExecSleepMs, ctx)
	if outcome.Wait != WaitTime || outcome.WaitDeadline != 150 {
		t.Fatalf("SLEEP_MS outcome = %+v", outcome)
	}
}

func TestDispatchMailboxBindSendRecvRoundTrip(t *testing.T) {
	mbox := mailbox.NewManager()
	d := NewDispatcher()

	consumerCtx, consumerRAM := newTestCtx(t, 1, mbox)
	writeTargetName(t, consumerRAM, "app:procon")
	consumerCtx.Args = [4]uint32{0, uint32(len("app:procon")), 64, abi.ModeRDWR}
	d.Dispatch(abi.ModMailbox, abi.MailboxBind, consumerCtx)
	status, handle := regs(consumerRAM)
	if abi.MailboxStatus(status) != abi.StatusOK {
		t.Fatalf("BIND status = %d", status)
	}

	infinite := int32(abi.TimeoutInfinite)
	consumerCtx.Args = [4]uint32{handle, bufAddr, 64, uint32(infinite)}
	outcome := d.Dispatch(abi.ModMailbox, abi.MailboxRecv, consumerCtx)
	if outcome.Wait != WaitMailboxRecv {
		t.Fatalf("RECV on empty mailbox should block, got %+v", outcome)
	}

	producerCtx, producerRAM := newTestCtx(t, 2, mbox)
	writeTargetName(t, producerRAM, "app:procon")
	producerCtx.Args = [4]uint32{0, uint32(len("app:procon")), abi.ModeRDWR, 0}
	d.Dispatch(abi.ModMailbox, abi.MailboxOpen, producerCtx)
	openStatus, producerHandle := regs(producerRAM)
	if abi.MailboxStatus(openStatus) != abi.StatusOK {
		t.Fatalf("OPEN status = %d", openStatus)
	}

	payload := []byte("hello")
	if err := producerRAM.WriteBlock(bufAddr, payload); err != nil {
		t.Fatal(err)
	}
	producerCtx.Args = [4]uint32{producerHandle, bufAddr, uint32(len(payload)), 0}
	sendOutcome := d.Dispatch(abi.ModMailbox, abi.MailboxSend, producerCtx)
	if sendOutcome.Wait != WaitNone {
		t.Fatalf("SEND should not block into empty-capacity mailbox: %+v", sendOutcome)
	}
	sendStatus, _ := regs(producerRAM)
	if abi.MailboxStatus(sendStatus) != abi.StatusOK {
		t.Fatalf("SEND status = %d", sendStatus)
	}

	completions := mbox.Drain()
	if len(completions) != 1 || completions[0].PID != 1 || string(completions[0].Data) != "hello" {
		t.Fatalf("unexpected completions: %+v", completions)
	}
}

func writeTargetName(t *testing.T, ram *memory.RAM, name string) {
	t.Helper()
	if err := ram.WriteBlock(0, []byte(name)); err != nil {
		t.Fatal(err)
	}
}

func regs(ram *memory.RAM) (uint32, uint32) {
	r0, _ := ram.ReadRegister(testRegBase, 0)
	r1, _ := ram.ReadRegister(testRegBase, 1)
	return r0, r1
}
