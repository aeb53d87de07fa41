package bininfo

import (
	"debug/dwarf"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/ndbg/ndbg/pkg/proc"
)

const fixtureSource = `int add(int a, int b) {
	int sum = a + b;
	return sum;
}

int main(void) {
	int x = add(1, 2);
	return x;
}
`

// buildFixture compiles a small C program with DWARF line and variable
// information and returns the executable and the path of its source.
func buildFixture(t *testing.T) (exe, src string) {
	t.Helper()
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skip("ELF symbols are only supported on linux/amd64")
	}
	gcc, err := exec.LookPath("gcc")
	if err != nil {
		t.Skip("gcc not found")
	}
	dir := t.TempDir()
	src = filepath.Join(dir, "add.c")
	exe = filepath.Join(dir, "add")
	if err := os.WriteFile(src, []byte(fixtureSource), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := exec.Command(gcc, "-g", "-gdwarf-4", "-O0", "-fno-omit-frame-pointer", "-o", exe, src).CombinedOutput()
	if err != nil {
		t.Fatalf("gcc: %v\n%s", err, out)
	}
	return exe, src
}

func loadFixture(t *testing.T) (*BinaryInfo, proc.ModuleID, string) {
	t.Helper()
	exe, src := buildFixture(t)
	bi := New(nil)
	mod, err := bi.LoadModule(exe, 0)
	if err != nil {
		t.Fatalf("LoadModule(%s): %v", exe, err)
	}
	return bi, mod, src
}

func TestLoadExecutable(t *testing.T) {
	bi, mod, src := loadFixture(t)

	entry, err := bi.ResolveSymbol("add")
	if err != nil {
		t.Fatalf("ResolveSymbol: %v", err)
	}
	fn, err := bi.ResolveAddress(entry + 1)
	if err != nil {
		t.Fatalf("ResolveAddress(%#x): %v", entry+1, err)
	}
	if fn.Name != "add" || fn.Entry != entry || fn.End <= entry {
		t.Fatalf("wrong function %#v", fn)
	}
	names := bi.Functions()
	hasMain := false
	for _, name := range names {
		if name == "main" {
			hasMain = true
		}
	}
	if !hasMain {
		t.Fatalf("main not in %v", names)
	}

	files, err := bi.SourceFiles(mod)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range files {
		if f == src {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("%s not in the source files of the executable: %v", src, files)
	}

	recs, err := bi.Lines(mod, src)
	if err != nil {
		t.Fatal(err)
	}
	lines := map[int]bool{}
	for i, r := range recs {
		if i > 0 && r.Addr < recs[i-1].Addr {
			t.Fatalf("line records out of order")
		}
		if fn.Contains(r.Addr) {
			lines[r.Line] = true
		}
	}
	for _, l := range []int{1, 2, 3, 4} {
		if !lines[l] {
			t.Errorf("no line record for line %d inside add: %v", l, recs)
		}
	}
	if lines[7] {
		t.Errorf("line 7 of main attributed to add")
	}

	locals, err := bi.Locals(entry)
	if err != nil {
		t.Fatalf("Locals: %v", err)
	}
	offsets := map[int64]string{}
	for _, lv := range locals {
		if lv.FrameBase != proc.FrameBaseCFA {
			t.Errorf("%s: frame base %d", lv.Name, lv.FrameBase)
		}
		if lv.Type.Name != "int" || lv.Type.Kind != proc.IntType || lv.Type.Size != 4 {
			t.Errorf("%s: type %+v", lv.Name, lv.Type)
		}
		if lv.Offset >= 0 {
			t.Errorf("%s: offset %d above the frame base", lv.Name, lv.Offset)
		}
		if other, dup := offsets[lv.Offset]; dup {
			t.Errorf("%s and %s share offset %d", lv.Name, other, lv.Offset)
		}
		offsets[lv.Offset] = lv.Name
	}
	if len(offsets) != 3 {
		t.Fatalf("locals of add: %+v", locals)
	}
	for _, name := range []string{"a", "b", "sum"} {
		ok := false
		for _, n := range offsets {
			ok = ok || n == name
		}
		if !ok {
			t.Errorf("no local %s in %+v", name, locals)
		}
	}
}

func TestResolveErrors(t *testing.T) {
	bi, mod, _ := loadFixture(t)

	if _, err := bi.ResolveSymbol("no.such.function"); err == nil {
		t.Fatalf("resolved a missing symbol")
	}
	if _, err := bi.ResolveAddress(0); err == nil {
		t.Fatalf("resolved address 0")
	}
	if _, err := bi.Lines(mod, "/no/such/file.c"); err == nil {
		t.Fatalf("lines of a missing file")
	}
	if _, err := bi.SourceFiles(mod + 1); err == nil {
		t.Fatalf("source files of a missing module")
	}
	if _, err := bi.LoadModule("/no/such/binary", 0); err == nil {
		t.Fatalf("loaded a missing binary")
	}
}

func TestSleb128(t *testing.T) {
	for _, tc := range []struct {
		in  []byte
		out int64
		n   int
	}{
		{[]byte{0x02}, 2, 1},
		{[]byte{0x7e}, -2, 1},
		{[]byte{0xff, 0x00}, 127, 2},
		{[]byte{0x81, 0x7f}, -127, 2},
		{[]byte{0x80, 0x01}, 128, 2},
		{[]byte{0x80, 0x7f}, -128, 2},
		{[]byte{0x80}, 0, 0},
	} {
		out, n := sleb128(tc.in)
		if out != tc.out || n != tc.n {
			t.Errorf("sleb128(%x) = %d, %d; expected %d, %d", tc.in, out, n, tc.out, tc.n)
		}
	}
}

func TestConvertType(t *testing.T) {
	intType := &dwarf.IntType{BasicType: dwarf.BasicType{CommonType: dwarf.CommonType{ByteSize: 4, Name: "int"}}}
	for _, tc := range []struct {
		typ  dwarf.Type
		name string
		kind proc.TypeKind
		size int
	}{
		{intType, "int", proc.IntType, 4},
		{&dwarf.UintType{BasicType: dwarf.BasicType{CommonType: dwarf.CommonType{ByteSize: 8, Name: "long unsigned int"}}}, "long unsigned int", proc.UintType, 8},
		{&dwarf.FloatType{BasicType: dwarf.BasicType{CommonType: dwarf.CommonType{ByteSize: 8, Name: "double"}}}, "double", proc.FloatType, 8},
		{&dwarf.CharType{BasicType: dwarf.BasicType{CommonType: dwarf.CommonType{ByteSize: 1, Name: "char"}}}, "char", proc.CharType, 1},
		{&dwarf.TypedefType{CommonType: dwarf.CommonType{Name: "pid_t"}, Type: intType}, "pid_t", proc.IntType, 4},
		{&dwarf.PtrType{CommonType: dwarf.CommonType{ByteSize: 8}, Type: intType}, "*int", proc.PointerType, 8},
		{&dwarf.StructType{CommonType: dwarf.CommonType{ByteSize: 16}, StructName: "point", Kind: "struct"}, "struct point", proc.UnsupportedType, 16},
	} {
		vt := convertType(tc.typ)
		if vt.Name != tc.name || vt.Kind != tc.kind || vt.Size != tc.size {
			t.Errorf("convertType(%s) = %#v", tc.typ, vt)
		}
	}
}
