package proc

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// maxInstructionLength is the maximum length of an x86-64 instruction.
const maxInstructionLength = 15

// AsmInstruction represents one assembly instruction.
type AsmInstruction struct {
	Addr       uint64
	Bytes      []byte
	Breakpoint bool
	AtPC       bool

	Size int
	Kind AsmInstructionKind
	// DestAddr is the target of direct calls and jumps, 0 otherwise.
	DestAddr uint64

	inst *x86asm.Inst
}

type AsmInstructionKind uint8

const (
	OtherInstruction AsmInstructionKind = iota
	CallInstruction
	RetInstruction
	JmpInstruction
	HardBreakInstruction
)

func (instr *AsmInstruction) IsCall() bool {
	return instr.Kind == CallInstruction
}

func (instr *AsmInstruction) IsRet() bool {
	return instr.Kind == RetInstruction
}

// AssemblyFlavour is the assembly syntax to display.
type AssemblyFlavour int

const (
	// IntelFlavour will display Intel assembly syntax.
	IntelFlavour = AssemblyFlavour(iota)
	// GNUFlavour will display GNU assembly syntax.
	GNUFlavour
	// GoFlavour will display Go assembly syntax.
	GoFlavour
)

// ParseAssemblyFlavour converts a configuration string into a flavour,
// defaulting to Intel.
func ParseAssemblyFlavour(s string) AssemblyFlavour {
	switch strings.ToLower(s) {
	case "gnu", "att":
		return GNUFlavour
	case "go":
		return GoFlavour
	}
	return IntelFlavour
}

// Text will return the assembly instruction in human readable format
// according to the flavour specified.
func (instr *AsmInstruction) Text(flavour AssemblyFlavour, symLookup func(uint64) (string, uint64)) string {
	if instr.inst == nil {
		return "?"
	}
	switch flavour {
	case GNUFlavour:
		return x86asm.GNUSyntax(*instr.inst, instr.Addr, symLookup)
	case GoFlavour:
		return x86asm.GoSyntax(*instr.inst, instr.Addr, symLookup)
	default:
		return x86asm.IntelSyntax(*instr.inst, instr.Addr, symLookup)
	}
}

// Disassemble disassembles target memory between startAddr and endAddr,
// marking the instruction at pc. Bytes patched by breakpoints are replaced
// with their original value before decoding.
func Disassemble(mem MemoryReader, breakpoints *BreakpointTable, pc, startAddr, endAddr uint64) ([]AsmInstruction, error) {
	return disassemble(mem, breakpoints, pc, startAddr, endAddr, false)
}

func disassemble(memrd MemoryReader, breakpoints *BreakpointTable, curpc, startAddr, endAddr uint64, singleInstr bool) ([]AsmInstruction, error) {
	if endAddr <= startAddr {
		return nil, nil
	}
	mem, err := memrd.ReadMemory(startAddr, int(endAddr-startAddr))
	if err != nil {
		return nil, &MemoryAccessError{Addr: startAddr, Err: err}
	}

	var bps map[uint64]byte
	if breakpoints != nil {
		bps = make(map[uint64]byte)
		for _, bp := range breakpoints.Breakpoints() {
			if bp.Addr >= startAddr && bp.Addr < endAddr {
				bps[bp.Addr] = bp.OriginalData
			}
		}
	}

	r := make([]AsmInstruction, 0, len(mem)/4)
	pc := startAddr
	for len(mem) > 0 {
		var inst AsmInstruction
		inst.Addr = pc
		inst.AtPC = curpc == pc
		if orig, atbp := bps[pc]; atbp {
			mem[0] = orig
			inst.Breakpoint = true
		}

		decodeX86(&inst, mem)

		r = append(r, inst)
		pc += uint64(inst.Size)
		mem = mem[inst.Size:]

		if singleInstr {
			break
		}
	}
	return r, nil
}

// decodeX86 decodes the instruction starting at mem[0:] into asmInst. It
// assumes the Addr field has already been filled.
func decodeX86(asmInst *AsmInstruction, mem []byte) {
	inst, err := x86asm.Decode(mem, 64)
	if err != nil {
		asmInst.inst = nil
		asmInst.Size = 1
		asmInst.Bytes = mem[:asmInst.Size]
		return
	}

	asmInst.Size = inst.Len
	asmInst.Bytes = mem[:asmInst.Size]
	asmInst.inst = &inst
	asmInst.Kind = OtherInstruction

	switch inst.Op {
	case x86asm.JMP, x86asm.LJMP:
		asmInst.Kind = JmpInstruction
	case x86asm.CALL, x86asm.LCALL:
		asmInst.Kind = CallInstruction
	case x86asm.RET, x86asm.LRET:
		asmInst.Kind = RetInstruction
	case x86asm.INT:
		asmInst.Kind = HardBreakInstruction
	}

	if asmInst.Kind == CallInstruction || asmInst.Kind == JmpInstruction {
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			asmInst.DestAddr = uint64(int64(asmInst.Addr) + int64(inst.Len) + int64(rel))
		}
	}
}

// instructionAt decodes the single instruction at addr. Breakpoints in the
// table are hidden.
func instructionAt(mem MemoryReader, breakpoints *BreakpointTable, addr uint64) (*AsmInstruction, error) {
	var text []AsmInstruction
	var err error
	// the instruction may end close to an unmapped page, retry with shorter
	// reads.
	for size := uint64(maxInstructionLength); size > 0; size-- {
		text, err = disassemble(mem, breakpoints, addr, addr, addr+size, true)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return &text[0], nil
}

// isPushRBP returns true if instr is `push rbp`.
func isPushRBP(instr *AsmInstruction) bool {
	if instr.inst == nil || instr.inst.Op != x86asm.PUSH {
		return false
	}
	reg, ok := instr.inst.Args[0].(x86asm.Reg)
	return ok && reg == x86asm.RBP
}
