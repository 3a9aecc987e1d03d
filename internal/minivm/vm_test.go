package minivm

import (
	"testing"

	"hsx/internal/hsxerr"
	"hsx/internal/isa"
	"hsx/internal/memory"
)

const (
	testRegBase = 0x1000
	testStack   = 0x2000
)

func newTestVM(t *testing.T, code []uint32, stackSize uint32) (*VM, *Context) {
	t.Helper()
	ram := memory.New(0x4000)
	ctx := &Context{
		RegBase:    testRegBase,
		StackBase:  testStack,
		StackLimit: testStack - stackSize,
	}
	vm := New(ram)
	vm.Bind(ctx, code)
	return vm, ctx
}

func mustStepOK(t *testing.T, vm *VM) Result {
	t.Helper()
	r := vm.Step()
	if r.Kind != ResultOK {
		t.Fatalf("expected ResultOK, got kind=%d fault=%v", r.Kind, r.Fault)
	}
	return r
}

func TestStepADDSetsFlags(t *testing.T) {
	code := []uint32{
		isa.Encode(isa.OpLDI, 1, 0, 0, 5),
		isa.Encode(isa.OpLDI, 2, 0, 0, 3),
		isa.Encode(isa.OpADD, 3, 1, 2, 0),
	}
	vm, ctx := newTestVM(t, code, 64)
	mustStepOK(t, vm)
	mustStepOK(t, vm)
	mustStepOK(t, vm)

	got, err := vm.ram.ReadRegister(testRegBase, 3)
	if err != nil || got != 8 {
		t.Fatalf("r3 = %d, err = %v, want 8", got, err)
	}
	if ctx.Z() {
		t.Fatalf("Z should be clear for nonzero result")
	}
}

func TestStepSUBSetsZeroFlag(t *testing.T) {
	code := []uint32{
		isa.Encode(isa.OpLDI, 1, 0, 0, 7),
		isa.Encode(isa.OpLDI, 2, 0, 0, 7),
		isa.Encode(isa.OpSUB, 3, 1, 2, 0),
	}
	vm, ctx := newTestVM(t, code, 64)
	mustStepOK(t, vm)
	mustStepOK(t, vm)
	mustStepOK(t, vm)
	if !ctx.Z() {
		t.Fatalf("Z should be set when a - a == 0")
	}
}

func TestStepDivideByZeroFaults(t *testing.T) {
	code := []uint32{
		isa.Encode(isa.OpLDI, 1, 0, 0, 10),
		isa.Encode(isa.OpLDI, 2, 0, 0, 0),
		isa.Encode(isa.OpDIV, 3, 1, 2, 0),
	}
	vm, _ := newTestVM(t, code, 64)
	mustStepOK(t, vm)
	mustStepOK(t, vm)
	r := vm.Step()
	if r.Kind != ResultFault || r.Fault.Kind != hsxerr.FaultDivideByZero {
		t.Fatalf("expected divide_by_zero fault, got %+v", r)
	}
}

func TestStepUnknownOpcodeFaults(t *testing.T) {
	// opcode field max value (6 bits = 63) is beyond opcodeCount, so this
	// word decodes to an invalid opcode regardless of ISA growth.
	vm, _ := newTestVM(t, []uint32{0xFC000000}, 64)
	r := vm.Step()
	if r.Kind != ResultFault || r.Fault.Kind != hsxerr.FaultUnknownOpcode {
		t.Fatalf("expected unknown_opcode fault, got %+v", r)
	}
}

// TestStepStackOverflow mirrors the stack-overflow scenario: a 16-byte
// stack can hold exactly four 4-byte pushes (via CALL) before the fifth
// violates the stack_limit guard.
func TestStepStackOverflow(t *testing.T) {
	callTarget := uint16(0) // CALL to address 0 is fine; we only care about the push guard
	code := make([]uint32, 0, 6)
	for i := 0; i < 5; i++ {
		code = append(code, isa.Encode(isa.OpCALL, 0, 0, 0, callTarget))
	}
	vm, _ := newTestVM(t, code, 16)

	for i := 0; i < 4; i++ {
		r := vm.Step()
		if r.Kind != ResultOK {
			t.Fatalf("push %d: expected ResultOK, got %+v", i, r)
		}
	}
	r := vm.Step()
	if r.Kind != ResultFault || r.Fault.Kind != hsxerr.FaultStackOverflow {
		t.Fatalf("5th push: expected stack_overflow fault, got %+v", r)
	}
}

func TestStepRetUnderflowFaults(t *testing.T) {
	vm, _ := newTestVM(t, []uint32{isa.Encode(isa.OpRET, 0, 0, 0, 0)}, 64)
	r := vm.Step()
	if r.Kind != ResultFault || r.Fault.Kind != hsxerr.FaultStackUnderflow {
		t.Fatalf("expected stack_underflow fault, got %+v", r)
	}
}

func TestStepCallRetRoundTrip(t *testing.T) {
	// instruction 0: CALL +8 (skip the next word, land on instr at
	// byte offset 0+8=8, i.e. index 2)
	code := []uint32{
		isa.Encode(isa.OpCALL, 0, 0, 0, uint16(8)),
		isa.Encode(isa.OpBRK, 0, 0, 0, 0), // should be skipped
		isa.Encode(isa.OpRET, 0, 0, 0, 0),
	}
	vm, ctx := newTestVM(t, code, 64)
	r := mustStepOK(t, vm)
	_ = r
	if ctx.PC != 8 {
		t.Fatalf("after CALL, PC = 0x%x, want 0x8", ctx.PC)
	}
	r = mustStepOK(t, vm)
	if ctx.PC != 4 {
		t.Fatalf("after RET, PC = 0x%x, want 0x4 (return address)", ctx.PC)
	}
}

// TestStepJMPBoundary mirrors the JMP boundary scenario: JMP to 0x0A10
// lands PC exactly on 0x0A10.
func TestStepJMPBoundary(t *testing.T) {
	code := make([]uint32, 0x0A10/4+1)
	code[0] = isa.Encode(isa.OpJMP, 0, 0, 0, uint16(0x0A10))
	vm, ctx := newTestVM(t, code, 64)
	mustStepOK(t, vm)
	if ctx.PC != 0x0A10 {
		t.Fatalf("PC = 0x%x, want 0x0A10", ctx.PC)
	}
}

func TestStepJZTakenAndNotTaken(t *testing.T) {
	code := []uint32{
		isa.Encode(isa.OpLDI, 1, 0, 0, 0),
		isa.Encode(isa.OpJZ, 1, 0, 0, uint16(0x100)),
	}
	vm, ctx := newTestVM(t, code, 64)
	mustStepOK(t, vm)
	mustStepOK(t, vm)
	if ctx.PC != 0x100 {
		t.Fatalf("JZ on zero register should jump, PC = 0x%x", ctx.PC)
	}

	code2 := []uint32{
		isa.Encode(isa.OpLDI, 1, 0, 0, 1),
		isa.Encode(isa.OpJZ, 1, 0, 0, uint16(0x100)),
	}
	vm2, ctx2 := newTestVM(t, code2, 64)
	mustStepOK(t, vm2)
	mustStepOK(t, vm2)
	if ctx2.PC != 8 {
		t.Fatalf("JZ on nonzero register should fall through, PC = 0x%x", ctx2.PC)
	}
}

func TestStepLDI32ConsumesDataWord(t *testing.T) {
	code := []uint32{
		isa.Encode(isa.OpLDI32, 1, 0, 0, 0),
		0xDEADBEEF,
		isa.Encode(isa.OpADD, 2, 1, 1, 0),
	}
	vm, ctx := newTestVM(t, code, 64)
	mustStepOK(t, vm)
	if ctx.PC != 8 {
		t.Fatalf("LDI32 should advance PC past the data word, PC = 0x%x", ctx.PC)
	}
	got, err := vm.ram.ReadRegister(testRegBase, 1)
	if err != nil || got != 0xDEADBEEF {
		t.Fatalf("r1 = 0x%x, err = %v, want 0xDEADBEEF", got, err)
	}
}

func TestStepLDSTRoundTrip(t *testing.T) {
	code := []uint32{
		isa.Encode(isa.OpLDI, 1, 0, 0, 0x100), // base address
		isa.Encode(isa.OpLDI, 2, 0, 0, 42),    // value
		isa.Encode(isa.OpST, 2, 1, 0, 0),
		isa.Encode(isa.OpLD, 3, 1, 0, 0),
	}
	vm, _ := newTestVM(t, code, 64)
	mustStepOK(t, vm)
	mustStepOK(t, vm)
	mustStepOK(t, vm)
	mustStepOK(t, vm)
	got, err := vm.ram.ReadRegister(testRegBase, 3)
	if err != nil || got != 42 {
		t.Fatalf("r3 = %d, err = %v, want 42", got, err)
	}
}

func TestStepSVCTrapReportsModAndFn(t *testing.T) {
	vm, _ := newTestVM(t, []uint32{isa.Encode(isa.OpSVC, 0, 5, 2, 0)}, 64)
	r := vm.Step()
	if r.Kind != ResultTrapSVC || r.SVCMod != 5 || r.SVCFn != 2 {
		t.Fatalf("expected TrapSVC{5,2}, got %+v", r)
	}
}

func TestStepBRKLeavesPCAdvanced(t *testing.T) {
	code := []uint32{isa.Encode(isa.OpBRK, 0, 0, 0, 0), isa.Encode(isa.OpADD, 0, 0, 0, 0)}
	vm, ctx := newTestVM(t, code, 64)
	r := vm.Step()
	if r.Kind != ResultTrapBRK || r.BRKAddr != 0 {
		t.Fatalf("expected TrapBRK at addr 0, got %+v", r)
	}
	if ctx.PC != 4 {
		t.Fatalf("BRK should leave PC advanced past itself, PC = 0x%x", ctx.PC)
	}
}

func TestStepHalfFloatRoundTrip(t *testing.T) {
	// 1.5 in binary16 is 0x3E00
	code := []uint32{
		isa.Encode(isa.OpLDI, 1, 0, 0, 0), // placeholder, overwritten below
	}
	vm, _ := newTestVM(t, code, 64)
	if err := vm.ram.WriteRegister(testRegBase, 1, 0x3E00); err != nil {
		t.Fatal(err)
	}
	if err := vm.ram.WriteRegister(testRegBase, 2, 0x3E00); err != nil {
		t.Fatal(err)
	}
	d := isa.Decode(isa.Encode(isa.OpFADD, 3, 1, 2, 0))
	r := vm.execFloatBinOp(d)
	if r.Kind != ResultOK {
		t.Fatalf("FADD failed: %+v", r)
	}
	got, _ := vm.ram.ReadRegister(testRegBase, 3)
	if got != 0x4200 { // 1.5 + 1.5 = 3.0 -> 0x4200
		t.Fatalf("1.5+1.5 half result = 0x%x, want 0x4200", got)
	}
}

func TestStepPCOutOfRangeFaults(t *testing.T) {
	vm, ctx := newTestVM(t, []uint32{isa.Encode(isa.OpADD, 0, 0, 0, 0)}, 64)
	ctx.PC = 0x1000
	r := vm.Step()
	if r.Kind != ResultFault || r.Fault.Kind != hsxerr.FaultPCOutOfRange {
		t.Fatalf("expected pc_out_of_range fault, got %+v", r)
	}
}

func TestStepUnalignedPCFaults(t *testing.T) {
	vm, ctx := newTestVM(t, []uint32{isa.Encode(isa.OpADD, 0, 0, 0, 0), 0}, 64)
	ctx.PC = 1
	r := vm.Step()
	if r.Kind != ResultFault || r.Fault.Kind != hsxerr.FaultUnalignedAccess {
		t.Fatalf("expected unaligned_access fault, got %+v", r)
	}
}
