// Package emu implements an emulated target: a tiny x86-64 machine that
// executes programs assembled from a YAML description. It provides both
// the ProcessControl and the SymbolProvider capabilities, so a debug
// session can run without a real process.
package emu

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/ndbg/ndbg/pkg/proc"
)

const (
	defaultBase       = 0x1000
	defaultStackTop   = 0x7ffff000
	defaultStackSize  = 64 * 1024
	defaultLoaderTrap = 0x10
	defaultPid        = 4242
)

// Program is the description of an emulated program.
type Program struct {
	// Path is the image path reported in the process creation event.
	Path string `yaml:"path"`
	Pid  int    `yaml:"pid"`
	// Base is the address of the first function laid out without an
	// explicit address.
	Base uint64 `yaml:"base"`
	// Entry is the function execution starts at, "main" by default.
	Entry string `yaml:"entry"`
	// LoaderTrap is the address of the breakpoint trap delivered before the
	// program runs.
	LoaderTrap uint64 `yaml:"loader-trap"`
	// Libraries are reported as module load events, they carry no symbols.
	Libraries []Library `yaml:"libraries"`
	// Sources holds the text of every source file.
	Sources map[string]string `yaml:"sources"`
	Funcs   []Function        `yaml:"functions"`

	layout *layout
}

// Library is a module without debug information.
type Library struct {
	Path string `yaml:"path"`
	Base uint64 `yaml:"base"`
}

// Function is an emulated function.
type Function struct {
	Name   string      `yaml:"name"`
	File   string      `yaml:"file"`
	Addr   uint64      `yaml:"addr"`
	Locals []Local     `yaml:"locals"`
	Body   []Statement `yaml:"body"`
}

// Local is a stack variable at rbp+Offset.
type Local struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Offset int64  `yaml:"offset"`
}

// Statement is one source line of a function. Op is one of:
//
//	enter [N]       push rbp; mov rbp, rsp; sub rsp, N
//	set OFF VAL     mov qword ptr [rbp+OFF], VAL
//	call NAME       call NAME
//	print TEXT      write TEXT as a debug string
//	return VAL      mov eax, VAL; leave; ret
//	exit CODE       terminate the process
//	leave | ret | nop
type Statement struct {
	Line int    `yaml:"line"`
	Addr uint64 `yaml:"addr"`
	Op   string `yaml:"op"`
}

// LoadProgram reads a program description from a YAML file.
func LoadProgram(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseProgram(data)
}

// ParseProgram parses and assembles a YAML program description.
func ParseProgram(data []byte) (*Program, error) {
	var prog Program
	if err := yaml.UnmarshalStrict(data, &prog); err != nil {
		return nil, fmt.Errorf("parsing program: %w", err)
	}
	if err := prog.Assemble(); err != nil {
		return nil, err
	}
	return &prog, nil
}

// Assemble lays out the program in memory. Called by ParseProgram; Go
// callers building a Program by hand must call it before use.
func (prog *Program) Assemble() error {
	if prog.Path == "" {
		prog.Path = "/emu/a.out"
	}
	if prog.Pid == 0 {
		prog.Pid = defaultPid
	}
	if prog.Base == 0 {
		prog.Base = defaultBase
	}
	if prog.Entry == "" {
		prog.Entry = "main"
	}
	if prog.LoaderTrap == 0 {
		prog.LoaderTrap = defaultLoaderTrap
	}
	l, err := assemble(prog)
	if err != nil {
		return err
	}
	prog.layout = l
	if _, ok := l.functions[prog.Entry]; !ok {
		return fmt.Errorf("entry function %s not defined", prog.Entry)
	}
	return nil
}

type opKind uint8

const (
	opNop opKind = iota
	opPushRBP
	opMovRBPRSP
	opSubRSP
	opStore
	opCall
	opJmp
	opLeave
	opRet
	opMovEAX
	opMovEDI
	opSyscall
)

type instruction struct {
	addr  uint64
	bytes []byte
	kind  opKind
	imm   int64
	disp  int64
	// target is the callee of a call instruction.
	target string
	// text is the payload of a print statement.
	text string
	line int
	fn   *function
}

func (in *instruction) end() uint64 { return in.addr + uint64(len(in.bytes)) }

type function struct {
	proc.Function
	file   string
	locals []proc.LocalVariable
	lines  []proc.LineRecord
}

type layout struct {
	instrs    map[uint64]*instruction
	functions map[string]*function
	sorted    []*function // by entry
	files     map[string][]proc.LineRecord
	codeStart uint64
	code      []byte
}

func assemble(prog *Program) (*layout, error) {
	l := &layout{
		instrs:    make(map[uint64]*instruction),
		functions: make(map[string]*function),
		files:     make(map[string][]proc.LineRecord),
	}
	var all []*instruction
	cursor := prog.Base
	for i := range prog.Funcs {
		pf := &prog.Funcs[i]
		if pf.Name == "" {
			return nil, fmt.Errorf("function %d has no name", i)
		}
		if _, dup := l.functions[pf.Name]; dup {
			return nil, fmt.Errorf("function %s defined twice", pf.Name)
		}
		if len(pf.Body) == 0 {
			return nil, fmt.Errorf("function %s has no body", pf.Name)
		}
		if pf.Addr != 0 {
			if pf.Addr < cursor {
				return nil, fmt.Errorf("function %s at %#x overlaps previous code (ends at %#x)", pf.Name, pf.Addr, cursor)
			}
			cursor = pf.Addr
		}
		fn := &function{file: pf.File}
		fn.Name = pf.Name
		fn.Entry = cursor
		for _, lv := range pf.Locals {
			fn.locals = append(fn.locals, proc.LocalVariable{Name: lv.Name, Type: parseType(lv.Type), Offset: lv.Offset, FrameBase: proc.FrameBaseRBP})
		}

		var prev *instruction
		for j, st := range pf.Body {
			if st.Addr != 0 {
				if st.Addr < cursor {
					return nil, fmt.Errorf("%s line %d at %#x overlaps previous code (ends at %#x)", pf.Name, st.Line, st.Addr, cursor)
				}
				if st.Addr > cursor && j > 0 {
					if filler := fillGap(cursor, st.Addr, prev); filler != nil {
						all = append(all, filler)
						l.instrs[filler.addr] = filler
					}
				}
				cursor = st.Addr
				if j == 0 {
					fn.Entry = cursor
				}
			}
			instrs, err := encodeStatement(st, cursor)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: %w", pf.Name, st.Line, err)
			}
			fn.lines = append(fn.lines, proc.LineRecord{Line: st.Line, Addr: cursor})
			for _, in := range instrs {
				in.line = st.Line
				in.fn = fn
				l.instrs[in.addr] = in
				all = append(all, in)
				cursor = in.end()
				prev = in
			}
		}
		fn.End = cursor
		l.functions[fn.Name] = fn
		l.sorted = append(l.sorted, fn)
		if fn.file != "" {
			l.files[fn.file] = append(l.files[fn.file], fn.lines...)
		}
	}

	sort.Slice(l.sorted, func(i, j int) bool { return l.sorted[i].Entry < l.sorted[j].Entry })
	for i := 1; i < len(l.sorted); i++ {
		if l.sorted[i].Entry < l.sorted[i-1].End {
			return nil, fmt.Errorf("function %s overlaps %s", l.sorted[i].Name, l.sorted[i-1].Name)
		}
	}

	// resolve call targets
	for _, in := range all {
		if in.kind != opCall {
			continue
		}
		callee, ok := l.functions[in.target]
		if !ok {
			return nil, fmt.Errorf("call to undefined function %s at %#x", in.target, in.addr)
		}
		binary.LittleEndian.PutUint32(in.bytes[1:], uint32(int32(int64(callee.Entry)-int64(in.end()))))
	}

	if len(all) > 0 {
		l.codeStart = all[0].addr
		end := all[0].end()
		for _, in := range all {
			if in.addr < l.codeStart {
				l.codeStart = in.addr
			}
			if in.end() > end {
				end = in.end()
			}
		}
		l.code = make([]byte, end-l.codeStart)
		for i := range l.code {
			l.code[i] = 0x90
		}
		for _, in := range all {
			copy(l.code[in.addr-l.codeStart:], in.bytes)
		}
	}
	return l, nil
}

// fillGap returns a jump over [start, end) attributed to the line of prev.
// Gaps too small for a jump are left as nops.
func fillGap(start, end uint64, prev *instruction) *instruction {
	if end-start < 5 || prev == nil {
		return nil
	}
	in := &instruction{addr: start, kind: opJmp, line: prev.line, fn: prev.fn}
	in.bytes = make([]byte, 5)
	in.bytes[0] = 0xe9
	binary.LittleEndian.PutUint32(in.bytes[1:], uint32(int32(int64(end)-int64(start+5))))
	in.imm = int64(end)
	return in
}

func encodeStatement(st Statement, addr uint64) ([]*instruction, error) {
	fields := strings.Fields(st.Op)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty statement")
	}
	var out []*instruction
	emit := func(kind opKind, bytes ...byte) *instruction {
		in := &instruction{addr: addr, kind: kind, bytes: bytes}
		addr += uint64(len(bytes))
		out = append(out, in)
		return in
	}
	args := fields[1:]
	switch fields[0] {
	case "nop":
		emit(opNop, 0x90)
	case "enter":
		emit(opPushRBP, 0x55)
		emit(opMovRBPRSP, 0x48, 0x89, 0xe5)
		if len(args) > 0 {
			n, err := strconv.ParseInt(args[0], 0, 64)
			if err != nil || n < 0 || n > 127 {
				return nil, fmt.Errorf("bad frame size %q", args[0])
			}
			if n > 0 {
				emit(opSubRSP, 0x48, 0x83, 0xec, byte(n)).imm = n
			}
		}
	case "set":
		if len(args) != 2 {
			return nil, fmt.Errorf("usage: set OFFSET VALUE")
		}
		off, err := strconv.ParseInt(args[0], 0, 64)
		if err != nil || off < -128 || off > 127 {
			return nil, fmt.Errorf("bad offset %q", args[0])
		}
		val, err := strconv.ParseInt(args[1], 0, 64)
		if err != nil || val < -1<<31 || val >= 1<<31 {
			return nil, fmt.Errorf("bad value %q", args[1])
		}
		in := emit(opStore, 0x48, 0xc7, 0x45, byte(int8(off)), 0, 0, 0, 0)
		binary.LittleEndian.PutUint32(in.bytes[4:], uint32(int32(val)))
		in.disp, in.imm = off, val
	case "call":
		if len(args) != 1 {
			return nil, fmt.Errorf("usage: call FUNCTION")
		}
		emit(opCall, 0xe8, 0, 0, 0, 0).target = args[0]
	case "print":
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(st.Op), "print"))
		emitImm32(emit(opMovEAX, 0xb8, 0, 0, 0, 0), 1)
		emit(opSyscall, 0x0f, 0x05).text = text
	case "return":
		val := int64(0)
		if len(args) > 0 {
			v, err := strconv.ParseInt(args[0], 0, 32)
			if err != nil {
				return nil, fmt.Errorf("bad return value %q", args[0])
			}
			val = v
		}
		emitImm32(emit(opMovEAX, 0xb8, 0, 0, 0, 0), val)
		emit(opLeave, 0xc9)
		emit(opRet, 0xc3)
	case "exit":
		code := int64(0)
		if len(args) > 0 {
			v, err := strconv.ParseInt(args[0], 0, 32)
			if err != nil {
				return nil, fmt.Errorf("bad exit code %q", args[0])
			}
			code = v
		}
		emitImm32(emit(opMovEDI, 0xbf, 0, 0, 0, 0), code)
		emitImm32(emit(opMovEAX, 0xb8, 0, 0, 0, 0), 60)
		emit(opSyscall, 0x0f, 0x05)
	case "leave":
		emit(opLeave, 0xc9)
	case "ret":
		emit(opRet, 0xc3)
	default:
		return nil, fmt.Errorf("unknown operation %q", fields[0])
	}
	return out, nil
}

func emitImm32(in *instruction, v int64) {
	binary.LittleEndian.PutUint32(in.bytes[1:], uint32(int32(v)))
	in.imm = v
}

// parseType maps a C type name to the type description used by the
// variable formatter.
func parseType(name string) proc.VariableType {
	t := proc.VariableType{Name: name}
	if strings.HasSuffix(name, "*") {
		t.Kind, t.Size = proc.PointerType, 8
		return t
	}
	switch name {
	case "char":
		t.Kind, t.Size = proc.CharType, 1
	case "bool", "_Bool":
		t.Kind, t.Size = proc.BoolType, 1
	case "short":
		t.Kind, t.Size = proc.IntType, 2
	case "int":
		t.Kind, t.Size = proc.IntType, 4
	case "long", "long long", "int64_t":
		t.Kind, t.Size = proc.IntType, 8
	case "unsigned char", "uint8_t":
		t.Kind, t.Size = proc.UintType, 1
	case "unsigned short", "uint16_t":
		t.Kind, t.Size = proc.UintType, 2
	case "unsigned", "unsigned int", "uint32_t":
		t.Kind, t.Size = proc.UintType, 4
	case "unsigned long", "size_t", "uint64_t":
		t.Kind, t.Size = proc.UintType, 8
	case "float":
		t.Kind, t.Size = proc.FloatType, 4
	case "double":
		t.Kind, t.Size = proc.FloatType, 8
	default:
		t.Kind = proc.UnsupportedType
	}
	return t
}
