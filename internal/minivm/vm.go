// Package minivm is the single-task bytecode interpreter: fetch/decode
// one instruction, execute it against the currently bound Context, and
// return a tagged Result. It never calls back into the Executive and
// never blocks; blocking is an Executive-level concept layered on top
// of the TrapSVC result (/5).
//
// This generalizes vm/exec.go's execNextInstruction: same "decode,
// switch on opcode, mutate state" shape, but against a fixed 32-bit
// instruction word instead of a variable-length stack-machine bytecode,
// and returning a tagged Result
// instead of writing into a shared vm.errcode field.
package minivm

import (
	"math"

	"hsx/internal/hsxerr"
	"hsx/internal/isa"
	"hsx/internal/memory"
)

// VM executes one task's instruction stream against its Context. VM
// itself holds no per-task state beyond the currently bound pointers;
// switching tasks is Bind, not a new VM.
type VM struct {
	ram  *memory.RAM
	ctx  *Context
	code []uint32 // the bound task's code section, word-indexed
}

// New creates a VM bound to the given shared RAM. Call Bind before the
// first Step.
func New(ram *memory.RAM) *VM {
	return &VM{ram: ram}
}

// Bind rebinds the VM to a different task's context and code section.
// This is the entirety of a context switch: no register bank is
// copied "Context switch contract".
func (vm *VM) Bind(ctx *Context, code []uint32) {
	vm.ctx = ctx
	vm.code = code
}

// Step executes exactly one instruction against the currently bound
// context and returns a tagged Result describing what happened.
func (vm *VM) Step() Result {
	ctx := vm.ctx
	instrAddr := ctx.PC

	if instrAddr%4 != 0 {
		return fault(hsxerr.FaultUnalignedAccess, instrAddr, "pc not word-aligned")
	}
	idx := instrAddr / 4
	if idx >= uint32(len(vm.code)) {
		return fault(hsxerr.FaultPCOutOfRange, instrAddr, "pc beyond code section")
	}
	word := vm.code[idx]
	ctx.PC = instrAddr + 4 // fetch always advances past the retired instruction

	d := isa.Decode(word)
	if !isa.IsValid(d.Opcode) {
		return fault(hsxerr.FaultUnknownOpcode, instrAddr, isa.Mnemonic(d.Opcode))
	}

	switch d.Opcode {
	case isa.OpADD, isa.OpSUB, isa.OpMUL, isa.OpDIV, isa.OpMOD,
		isa.OpAND, isa.OpOR, isa.OpXOR, isa.OpSHL, isa.OpSHR, isa.OpSAR,
		isa.OpADC, isa.OpSBC:
		return vm.execALU(instrAddr, d)
	case isa.OpNOT:
		return vm.execNot(d)
	case isa.OpCMP:
		return vm.execCmp(d)
	case isa.OpLDI:
		return vm.execLDI(d)
	case isa.OpLDI32:
		return vm.execLDI32(instrAddr, d)
	case isa.OpLD:
		return vm.execLD(instrAddr, d)
	case isa.OpST:
		return vm.execST(instrAddr, d)
	case isa.OpJMP:
		ctx.PC = isa.ZeroExtendImm12(d.Imm12)
		return ok()
	case isa.OpJZ, isa.OpJNZ:
		return vm.execJcc(d)
	case isa.OpCALL:
		return vm.execCall(instrAddr, d)
	case isa.OpRET:
		return vm.execRet(instrAddr)
	case isa.OpBRK:
		return trapBRK(instrAddr)
	case isa.OpFADD, isa.OpFSUB, isa.OpFMUL, isa.OpFDIV:
		return vm.execFloatBinOp(d)
	case isa.OpF2I:
		return vm.execF2I(d)
	case isa.OpI2F:
		return vm.execI2F(d)
	case isa.OpH2F:
		return vm.execH2F(d)
	case isa.OpF2H:
		return vm.execF2H(d)
	case isa.OpSVC:
		return trapSVC(d.RS1, d.RS2)
	default:
		return fault(hsxerr.FaultUnknownOpcode, instrAddr, isa.Mnemonic(d.Opcode))
	}
}

func (vm *VM) reg(idx uint8) (uint32, Result, bool) {
	v, err := vm.ram.ReadRegister(vm.ctx.RegBase, idx)
	if err != nil {
		return 0, fault(hsxerr.FaultBadMemory, vm.ctx.PC, err.Error()), false
	}
	return v, Result{}, true
}

func (vm *VM) setReg(idx uint8, v uint32) Result {
	if err := vm.ram.WriteRegister(vm.ctx.RegBase, idx, v); err != nil {
		return fault(hsxerr.FaultBadMemory, vm.ctx.PC, err.Error())
	}
	return ok()
}

func (vm *VM) execALU(instrAddr uint32, d isa.Decoded) Result {
	a, r, okA := vm.reg(d.RS1)
	if !okA {
		return r
	}
	b, r, okB := vm.reg(d.RS2)
	if !okB {
		return r
	}
	ctx := vm.ctx

	var result uint32
	switch d.Opcode {
	case isa.OpADD:
		wide := uint64(a) + uint64(b)
		result = uint32(wide)
		ctx.setFlag(FlagC, wide > 0xFFFFFFFF)
		ctx.setFlag(FlagV, addOverflows(a, b, result))
	case isa.OpSUB:
		result = a - b
		ctx.setFlag(FlagC, a < b)
		ctx.setFlag(FlagV, subOverflows(a, b, result))
	case isa.OpADC:
		cin := uint64(0)
		if ctx.C() {
			cin = 1
		}
		wide := uint64(a) + uint64(b) + cin
		result = uint32(wide)
		ctx.setFlag(FlagC, wide > 0xFFFFFFFF)
		ctx.setFlag(FlagV, addOverflows(a, b, result))
	case isa.OpSBC:
		bin := uint32(0)
		if ctx.C() {
			bin = 1
		}
		result = a - b - bin
		ctx.setFlag(FlagC, uint64(a) < uint64(b)+uint64(bin))
		ctx.setFlag(FlagV, subOverflows(a, b, result))
	case isa.OpMUL:
		wide := int64(int32(a)) * int64(int32(b))
		result = uint32(wide)
		overflow := wide != int64(int32(result))
		ctx.setFlag(FlagV, overflow)
		ctx.setFlag(FlagC, overflow)
	case isa.OpDIV:
		if b == 0 {
			return fault(hsxerr.FaultDivideByZero, instrAddr, "DIV by zero")
		}
		sa, sb := int32(a), int32(b)
		if sa == math.MinInt32 && sb == -1 {
			result = uint32(sa)
			ctx.setFlag(FlagV, true)
		} else {
			result = uint32(sa / sb)
			ctx.setFlag(FlagV, false)
		}
		ctx.setFlag(FlagC, false)
	case isa.OpMOD:
		if b == 0 {
			return fault(hsxerr.FaultDivideByZero, instrAddr, "MOD by zero")
		}
		sa, sb := int32(a), int32(b)
		if sa == math.MinInt32 && sb == -1 {
			result = 0
		} else {
			result = uint32(sa % sb)
		}
		ctx.setFlag(FlagC, false)
		ctx.setFlag(FlagV, false)
	case isa.OpAND:
		result = a & b
		ctx.setFlag(FlagC, false)
		ctx.setFlag(FlagV, false)
	case isa.OpOR:
		result = a | b
		ctx.setFlag(FlagC, false)
		ctx.setFlag(FlagV, false)
	case isa.OpXOR:
		result = a ^ b
		ctx.setFlag(FlagC, false)
		ctx.setFlag(FlagV, false)
	case isa.OpSHL:
		sh := b & 0x1F
		result = a << sh
		ctx.setFlag(FlagC, sh != 0 && (a>>(32-sh))&1 != 0)
		ctx.setFlag(FlagV, false)
	case isa.OpSHR:
		sh := b & 0x1F
		result = a >> sh
		ctx.setFlag(FlagC, sh != 0 && (a>>(sh-1))&1 != 0)
		ctx.setFlag(FlagV, false)
	case isa.OpSAR:
		sh := b & 0x1F
		result = uint32(int32(a) >> sh)
		ctx.setFlag(FlagC, sh != 0 && (a>>(sh-1))&1 != 0)
		ctx.setFlag(FlagV, false)
	}
	ctx.setZNFromResult(result)
	return vm.setReg(d.RD, result)
}

func addOverflows(a, b, result uint32) bool {
	return (int32(a) >= 0) == (int32(b) >= 0) && (int32(result) >= 0) != (int32(a) >= 0)
}

func subOverflows(a, b, result uint32) bool {
	return (int32(a) >= 0) != (int32(b) >= 0) && (int32(result) >= 0) != (int32(a) >= 0)
}

func (vm *VM) execNot(d isa.Decoded) Result {
	a, r, okA := vm.reg(d.RS1)
	if !okA {
		return r
	}
	result := ^a
	vm.ctx.setZNFromResult(result)
	vm.ctx.setFlag(FlagC, false)
	vm.ctx.setFlag(FlagV, false)
	return vm.setReg(d.RD, result)
}

func (vm *VM) execCmp(d isa.Decoded) Result {
	a, r, okA := vm.reg(d.RS1)
	if !okA {
		return r
	}
	b, r, okB := vm.reg(d.RS2)
	if !okB {
		return r
	}
	result := a - b
	vm.ctx.setZNFromResult(result)
	vm.ctx.setFlag(FlagC, a < b)
	vm.ctx.setFlag(FlagV, subOverflows(a, b, result))
	return ok()
}

func (vm *VM) execLDI(d isa.Decoded) Result {
	return vm.setReg(d.RD, uint32(isa.SignExtendImm12(d.Imm12)))
}

func (vm *VM) execLDI32(instrAddr uint32, d isa.Decoded) Result {
	idx := vm.ctx.PC / 4
	if vm.ctx.PC%4 != 0 {
		return fault(hsxerr.FaultUnalignedAccess, instrAddr, "LDI32 data word misaligned")
	}
	if idx >= uint32(len(vm.code)) {
		return fault(hsxerr.FaultPCOutOfRange, instrAddr, "LDI32 data word beyond code section")
	}
	value := vm.code[idx]
	vm.ctx.PC += 4
	return vm.setReg(d.RD, value)
}

func (vm *VM) execLD(instrAddr uint32, d isa.Decoded) Result {
	base, r, okBase := vm.reg(d.RS1)
	if !okBase {
		return r
	}
	addr := base + uint32(isa.SignExtendImm12(d.Imm12))
	v, err := vm.ram.Read32(addr)
	if err != nil {
		return fault(hsxerr.FaultBadMemory, instrAddr, err.Error())
	}
	return vm.setReg(d.RD, v)
}

func (vm *VM) execST(instrAddr uint32, d isa.Decoded) Result {
	base, r, okBase := vm.reg(d.RS1)
	if !okBase {
		return r
	}
	value, r, okVal := vm.reg(d.RD)
	if !okVal {
		return r
	}
	addr := base + uint32(isa.SignExtendImm12(d.Imm12))
	if err := vm.ram.Write32(addr, value); err != nil {
		return fault(hsxerr.FaultBadMemory, instrAddr, err.Error())
	}
	return ok()
}

func (vm *VM) execJcc(d isa.Decoded) Result {
	v, r, okV := vm.reg(d.RD)
	if !okV {
		return r
	}
	target := isa.ZeroExtendImm12(d.Imm12)
	takeJz := d.Opcode == isa.OpJZ && v == 0
	takeJnz := d.Opcode == isa.OpJNZ && v != 0
	if takeJz || takeJnz {
		vm.ctx.PC = target
	}
	return ok()
}

func (vm *VM) execCall(instrAddr uint32, d isa.Decoded) Result {
	returnAddr := vm.ctx.PC // already instrAddr+4: exactly "pc+4"
	if res := vm.push(instrAddr, returnAddr); res.Kind == ResultFault {
		return res
	}
	// Signed PC-relative from the CALL instruction's own address,
	// masked to the 16-bit address space, resolving 	// open question (ii).
	target := uint32(int64(instrAddr)+int64(isa.SignExtendImm12(d.Imm12))) & 0xFFFF
	vm.ctx.PC = target
	return ok()
}

func (vm *VM) execRet(instrAddr uint32) Result {
	v, res := vm.pop(instrAddr)
	if res.Kind == ResultFault {
		return res
	}
	vm.ctx.PC = v
	return ok()
}

// push writes v onto the guest stack, enforcing the low-water guard
// from "Stack discipline".
func (vm *VM) push(instrAddr, v uint32) Result {
	ctx := vm.ctx
	newSP16 := ctx.SP16 - 4
	addr := ctx.StackBase + uint32(int32(int16(newSP16)))
	if addr < ctx.StackLimit {
		return fault(hsxerr.FaultStackOverflow, instrAddr, "stack guard violated on push")
	}
	if err := vm.ram.Write32(addr, v); err != nil {
		return fault(hsxerr.FaultBadMemory, instrAddr, err.Error())
	}
	ctx.SP16 = newSP16
	return ok()
}

// pop reads the top of the guest stack, enforcing non-underflow against
// the initial stack top (SP16 == 0 means nothing has been pushed).
func (vm *VM) pop(instrAddr uint32) (uint32, Result) {
	ctx := vm.ctx
	if ctx.SP16 == 0 {
		return 0, fault(hsxerr.FaultStackUnderflow, instrAddr, "pop from empty stack")
	}
	addr := ctx.StackBase + uint32(int32(int16(ctx.SP16)))
	v, err := vm.ram.Read32(addr)
	if err != nil {
		return 0, fault(hsxerr.FaultBadMemory, instrAddr, err.Error())
	}
	ctx.SP16 += 4
	return v, ok()
}

func (vm *VM) execFloatBinOp(d isa.Decoded) Result {
	a, r, okA := vm.reg(d.RS1)
	if !okA {
		return r
	}
	b, r, okB := vm.reg(d.RS2)
	if !okB {
		return r
	}
	fa := math.Float32frombits(halfToFloat32Bits(uint16(a)))
	fb := math.Float32frombits(halfToFloat32Bits(uint16(b)))
	var result float32
	switch d.Opcode {
	case isa.OpFADD:
		result = fa + fb
	case isa.OpFSUB:
		result = fa - fb
	case isa.OpFMUL:
		result = fa * fb
	case isa.OpFDIV:
		result = fa / fb
	}
	return vm.setReg(d.RD, uint32(float32BitsToHalf(math.Float32bits(result))))
}

func (vm *VM) execF2I(d isa.Decoded) Result {
	a, r, okA := vm.reg(d.RS1)
	if !okA {
		return r
	}
	f := math.Float32frombits(a)
	return vm.setReg(d.RD, uint32(int32(f)))
}

func (vm *VM) execI2F(d isa.Decoded) Result {
	a, r, okA := vm.reg(d.RS1)
	if !okA {
		return r
	}
	bits := math.Float32bits(float32(int32(a)))
	return vm.setReg(d.RD, bits)
}

func (vm *VM) execH2F(d isa.Decoded) Result {
	a, r, okA := vm.reg(d.RS1)
	if !okA {
		return r
	}
	return vm.setReg(d.RD, halfToFloat32Bits(uint16(a)))
}

func (vm *VM) execF2H(d isa.Decoded) Result {
	a, r, okA := vm.reg(d.RS1)
	if !okA {
		return r
	}
	return vm.setReg(d.RD, uint32(float32BitsToHalf(a)))
}
