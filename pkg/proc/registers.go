package proc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// TrapFlag is the EFLAGS bit that makes the CPU raise a single step trap
// after the next instruction.
const TrapFlag uint64 = 1 << 8

// Registers is the amd64 general purpose register set of a thread.
type Registers struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp, Rsp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	Rip    uint64
	Rflags uint64

	Cs, Ss, Ds, Es, Fs, Gs uint64
	FsBase, GsBase         uint64
}

// PC returns the current program counter, i.e. the RIP CPU register.
func (r *Registers) PC() uint64 { return r.Rip }

// SP returns the stack pointer location, i.e. the RSP register.
func (r *Registers) SP() uint64 { return r.Rsp }

// BP returns the frame pointer, i.e. the RBP register.
func (r *Registers) BP() uint64 { return r.Rbp }

// SetPC sets RIP.
func (r *Registers) SetPC(pc uint64) { r.Rip = pc }

// TrapFlag returns true if the single step flag is set.
func (r *Registers) TrapFlag() bool { return r.Rflags&TrapFlag != 0 }

// SetTrapFlag sets or clears the single step flag.
func (r *Registers) SetTrapFlag(on bool) {
	if on {
		r.Rflags |= TrapFlag
	} else {
		r.Rflags &^= TrapFlag
	}
}

// Copy returns a copy of the registers.
func (r *Registers) Copy() *Registers {
	cpy := *r
	return &cpy
}

// ErrUnknownRegister is returned when the value of an unknown
// register is requested.
var ErrUnknownRegister = errors.New("unknown register")

// Get returns a register by name.
func (r *Registers) Get(name string) (uint64, error) {
	for _, reg := range r.named() {
		if reg.name == strings.ToLower(name) {
			return reg.value, nil
		}
	}
	return 0, ErrUnknownRegister
}

type namedReg struct {
	name  string
	value uint64
}

func (r *Registers) named() []namedReg {
	return []namedReg{
		{"rip", r.Rip},
		{"rsp", r.Rsp},
		{"rax", r.Rax},
		{"rbx", r.Rbx},
		{"rcx", r.Rcx},
		{"rdx", r.Rdx},
		{"rdi", r.Rdi},
		{"rsi", r.Rsi},
		{"rbp", r.Rbp},
		{"r8", r.R8},
		{"r9", r.R9},
		{"r10", r.R10},
		{"r11", r.R11},
		{"r12", r.R12},
		{"r13", r.R13},
		{"r14", r.R14},
		{"r15", r.R15},
		{"eflags", r.Rflags},
		{"cs", r.Cs},
		{"ss", r.Ss},
		{"ds", r.Ds},
		{"es", r.Es},
		{"fs", r.Fs},
		{"gs", r.Gs},
		{"fs_base", r.FsBase},
		{"gs_base", r.GsBase},
	}
}

// Register represents a CPU register.
type Register struct {
	Name  string
	Bytes []byte
	Value string
}

// Slice returns the registers as a list of (name, value) pairs.
func (r *Registers) Slice() []Register {
	named := r.named()
	out := make([]Register, 0, len(named))
	for _, reg := range named {
		switch reg.name {
		case "eflags":
			out = AppendEflagReg(out, reg.name, reg.value)
		case "cs", "ss", "ds", "es", "fs", "gs":
			out = AppendWordReg(out, reg.name, uint16(reg.value))
		default:
			out = AppendQwordReg(out, reg.name, reg.value)
		}
	}
	return out
}

// AppendWordReg appends a word (16 bit) register to regs.
func AppendWordReg(regs []Register, name string, value uint16) []Register {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, value)
	return append(regs, Register{name, buf.Bytes(), fmt.Sprintf("%#04x", value)})
}

// AppendQwordReg appends a quad word (64 bit) register to regs.
func AppendQwordReg(regs []Register, name string, value uint64) []Register {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, value)
	return append(regs, Register{name, buf.Bytes(), fmt.Sprintf("%#016x", value)})
}

// AppendEflagReg appends EFLAG register to regs.
func AppendEflagReg(regs []Register, name string, value uint64) []Register {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, value)
	return append(regs, Register{name, buf.Bytes(), eflagsDescription.Describe(value, 64)})
}

type flagRegisterDescr []flagDescr
type flagDescr struct {
	name string
	mask uint64
}

var eflagsDescription flagRegisterDescr = []flagDescr{
	{"CF", 1 << 0},
	{"", 1 << 1},
	{"PF", 1 << 2},
	{"AF", 1 << 4},
	{"ZF", 1 << 6},
	{"SF", 1 << 7},
	{"TF", 1 << 8},
	{"IF", 1 << 9},
	{"DF", 1 << 10},
	{"OF", 1 << 11},
	{"IOPL", 1<<12 | 1<<13},
	{"NT", 1 << 14},
	{"RF", 1 << 16},
	{"VM", 1 << 17},
	{"AC", 1 << 18},
	{"VIF", 1 << 19},
	{"VIP", 1 << 20},
	{"ID", 1 << 21},
}

func (descr flagRegisterDescr) Mask() uint64 {
	var r uint64
	for _, f := range descr {
		r = r | f.mask
	}
	return r
}

func (descr flagRegisterDescr) Describe(reg uint64, bitsize int) string {
	var r []string
	for _, f := range descr {
		if f.name == "" {
			continue
		}
		// rbm is f.mask with only the right-most bit set:
		// 0001 1100 -> 0000 0100
		rbm := f.mask & -f.mask
		if rbm == f.mask {
			if reg&f.mask != 0 {
				r = append(r, f.name)
			}
		} else {
			x := (reg & f.mask) >> uint64(math.Log2(float64(rbm)))
			r = append(r, fmt.Sprintf("%s=%x", f.name, x))
		}
	}
	if reg & ^descr.Mask() != 0 {
		r = append(r, fmt.Sprintf("unknown_flags=%x", reg&^descr.Mask()))
	}
	return fmt.Sprintf("%#0*x\t[%s]", bitsize/4, reg, strings.Join(r, " "))
}
