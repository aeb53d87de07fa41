package proc

import (
	"encoding/binary"
	"math"
	"strings"
	"testing"
)

type fakeSymbols struct {
	fns    []Function
	locals map[string][]LocalVariable
}

func (s *fakeSymbols) LoadModule(string, uint64) (ModuleID, error) { return 1, nil }
func (s *fakeSymbols) SourceFiles(ModuleID) ([]string, error) { return nil, nil }
func (s *fakeSymbols) Lines(ModuleID, string) ([]LineRecord, error) { return nil, nil }
func (s *fakeSymbols) ResolveSymbol(name string) (uint64, error) {
	for _, fn := range s.fns {
		if fn.Name == name {
			return fn.Entry, nil
		}
	}
	return 0, &SymbolResolutionError{Name: name}
}

func (s *fakeSymbols) ResolveAddress(addr uint64) (*Function, error) {
	for i := range s.fns {
		if s.fns[i].Contains(addr) {
			fn := s.fns[i]
			return &fn, nil
		}
	}
	return nil, &SymbolResolutionError{Addr: addr}
}

func (s *fakeSymbols) Locals(pc uint64) ([]LocalVariable, error) {
	fn, err := s.ResolveAddress(pc)
	if err != nil {
		return nil, err
	}
	return s.locals[fn.Name], nil
}

var (
	// push rbp; mov rbp, rsp; call helper; ret
	mainCode = []byte{0x55, 0x48, 0x89, 0xe5, 0xe8, 0xf7, 0x00, 0x00, 0x00, 0xc3}
	// push rbp; mov rbp, rsp; nop; leave; ret
	helperCode = []byte{0x55, 0x48, 0x89, 0xe5, 0x90, 0xc9, 0xc3}
)

func newTestTarget() (*fakeMemory, *fakeSymbols) {
	mem := newFakeMemory(0x1000, mainCode)
	for i, b := range helperCode {
		mem.bytes[0x1100+uint64(i)] = b
	}
	for a := uint64(0x8000); a < 0x8100; a++ {
		mem.bytes[a] = 0
	}
	syms := &fakeSymbols{fns: []Function{
		{Name: "main", Entry: 0x1000, End: 0x1100},
		{Name: "helper", Entry: 0x1100, End: 0x1200},
	}}
	return mem, syms
}

func (m *fakeMemory) putUint64(addr, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	for i, b := range buf {
		m.bytes[addr+uint64(i)] = b
	}
}

func TestDisassembleHidesBreakpoints(t *testing.T) {
	mem, _ := newTestTarget()
	bps := NewBreakpointTable(mem, nil)
	if _, err := bps.Set(0x1001, UserBreakpoint); err != nil {
		t.Fatal(err)
	}

	text, err := Disassemble(mem, bps, 0x1004, 0x1000, 0x1000+uint64(len(mainCode)))
	if err != nil {
		t.Fatal(err)
	}
	if len(text) != 4 {
		t.Fatalf("expected 4 instructions, got %d", len(text))
	}
	if !text[1].Breakpoint || text[1].Size != 3 || text[1].Bytes[0] != 0x48 {
		t.Fatalf("breakpoint not hidden: %#v", text[1])
	}
	if s := text[1].Text(IntelFlavour, func(uint64) (string, uint64) { return "", 0 }); !strings.HasPrefix(s, "mov rbp, rsp") {
		t.Fatalf("wrong text %q", s)
	}
	call := text[2]
	if !call.AtPC || !call.IsCall() || call.DestAddr != 0x1100 {
		t.Fatalf("wrong call instruction %#v", call)
	}
	if !text[3].IsRet() {
		t.Fatalf("expected ret")
	}
	if b, _ := mem.ReadMemory(0x1001, 1); b[0] != BreakpointInstruction {
		t.Fatalf("disassembly modified memory")
	}
}

func TestStacktrace(t *testing.T) {
	mem, syms := newTestTarget()
	// main's frame: caller frame pointer 0, return address 0
	mem.putUint64(0x80e0, 0)
	mem.putUint64(0x80e8, 0)
	// helper's frame, after its prologue
	mem.putUint64(0x80c0, 0x80e0)
	mem.putUint64(0x80c8, 0x1009)

	for _, tc := range []struct {
		name string
		regs Registers
	}{
		{"entry", Registers{Rip: 0x1100, Rsp: 0x80c8, Rbp: 0x80e0}},
		{"after push", Registers{Rip: 0x1101, Rsp: 0x80c0, Rbp: 0x80e0}},
		{"body", Registers{Rip: 0x1104, Rsp: 0x80c0, Rbp: 0x80c0}},
		{"at ret", Registers{Rip: 0x1106, Rsp: 0x80c8, Rbp: 0x80e0}},
	} {
		frames, err := Stacktrace(mem, syms, nil, nil, &tc.regs, 10)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(frames) != 2 {
			t.Fatalf("%s: expected 2 frames, got %v", tc.name, frames)
		}
		if frames[0].FunctionName() != "helper" || frames[0].Ret != 0x1009 || frames[0].CFA != 0x80d0 {
			t.Errorf("%s: wrong innermost frame %+v", tc.name, frames[0])
		}
		if frames[1].FunctionName() != "main" || frames[1].PC != 0x1009 || frames[1].CFA != 0x80f0 {
			t.Errorf("%s: wrong outer frame %+v", tc.name, frames[1])
		}
	}

	frames, _ := Stacktrace(mem, syms, nil, nil, &Registers{Rip: 0x1104, Rsp: 0x80c0, Rbp: 0x80c0}, 1)
	if len(frames) != 1 {
		t.Fatalf("depth not honored: %d frames", len(frames))
	}

	// unknown code and a broken frame pointer still yield the top frame
	frames, _ = Stacktrace(mem, syms, nil, nil, &Registers{Rip: 0x5000, Rsp: 0x80c0, Rbp: 0x9000}, 10)
	if len(frames) != 1 || frames[0].Function != nil || frames[0].Err == nil {
		t.Fatalf("unexpected frames %v", frames)
	}
}

func TestReadLocals(t *testing.T) {
	mem, _ := newTestTarget()
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(0xfffffffb))
	for i := 0; i < 4; i++ {
		mem.bytes[0x80b8+uint64(i)] = buf[i]
	}
	mem.putUint64(0x80b0, math.Float64bits(2.5))
	mem.putUint64(0x80a8, 0)
	mem.bytes[0x80a0] = 'a'

	frame := &Stackframe{CFA: 0x80d0}
	locals := []LocalVariable{
		{Name: "i", Type: VariableType{Name: "int", Kind: IntType, Size: 4}, Offset: -8, FrameBase: FrameBaseRBP},
		{Name: "f", Type: VariableType{Name: "double", Kind: FloatType, Size: 8}, Offset: -16, FrameBase: FrameBaseRBP},
		{Name: "p", Type: VariableType{Name: "char *", Kind: PointerType, Size: 8}, Offset: -24, FrameBase: FrameBaseRBP},
		{Name: "c", Type: VariableType{Name: "char", Kind: CharType, Size: 1}, Offset: -32, FrameBase: FrameBaseRBP},
		{Name: "s", Type: VariableType{Name: "struct point", Kind: UnsupportedType, Size: 16}, Offset: -48, FrameBase: FrameBaseRBP},
		{Name: "far", Type: VariableType{Name: "long", Kind: IntType, Size: 8}, Offset: 0x1000, FrameBase: FrameBaseCFA},
	}
	vars := readLocals(mem, frame, locals)
	got := map[string]Variable{}
	for _, v := range vars {
		got[v.Name] = v
	}
	for name, want := range map[string]string{
		"i": "-5",
		"f": "2.5",
		"p": "nil",
		"c": "97 'a'",
		"s": "<unsupported type struct point>",
	} {
		if got[name].Value != want {
			t.Errorf("%s = %q, expected %q", name, got[name].Value, want)
		}
	}
	if got["i"].Addr != 0x80b8 {
		t.Errorf("i at %#x", got["i"].Addr)
	}
	far := got["far"]
	if far.Unreadable == nil || !strings.HasPrefix(far.Value, "<unreadable") {
		t.Errorf("far = %q", far.Value)
	}

	if vars[0].Name != "i" || vars[len(vars)-1].Name != "far" {
		t.Errorf("locals out of declaration order")
	}
}
