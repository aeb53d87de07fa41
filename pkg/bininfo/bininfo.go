// Package bininfo implements proc.SymbolProvider for ELF executables and
// shared objects carrying DWARF debug information.
package bininfo

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/ndbg/ndbg/pkg/logflags"
	"github.com/ndbg/ndbg/pkg/proc"
)

const functionCacheSize = 1024

// UnsupportedArchErr is returned for ELF files that are not x86-64.
var UnsupportedArchErr = errors.New("unsupported architecture - only linux/amd64 is supported")

// ErrNoDebugInfo is returned by Locals for functions without DWARF.
var ErrNoDebugInfo = errors.New("no debug information")

// BinaryInfo holds the symbols of every module loaded in the target.
type BinaryInfo struct {
	// DebugInfoDirectories is the list of directories searched for
	// separate debug info files, by build ID.
	DebugInfoDirectories []string

	mu      sync.RWMutex
	modules []*module

	// fnCache maps addresses to the *function containing them.
	fnCache *lru.Cache

	log logflags.Logger
}

type module struct {
	id   proc.ModuleID
	path string
	// bias is the difference between runtime and link time addresses.
	bias uint64

	functions []*function // sorted by entry
	symbols   map[string]uint64
	lines     map[string][]proc.LineRecord
}

type function struct {
	proc.Function
	frameBase proc.FrameBaseKind
	locals    []proc.LocalVariable
	// hasDWARF is false for functions known only from the symbol table.
	hasDWARF bool
}

// New returns an empty BinaryInfo.
func New(debugInfoDirs []string) *BinaryInfo {
	cache, err := lru.New(functionCacheSize)
	if err != nil {
		panic(err)
	}
	return &BinaryInfo{
		DebugInfoDirectories: debugInfoDirs,
		fnCache:              cache,
		log:                  logflags.SymbolsLogger(),
	}
}

// LoadModule reads the symbols of the ELF file at path, loaded at
// baseAddress. For position independent files baseAddress is the runtime
// address of the first loadable segment; it is ignored for fixed address
// executables.
func (bi *BinaryInfo) LoadModule(path string, baseAddress uint64) (proc.ModuleID, error) {
	mod, err := bi.loadModule(path, baseAddress)
	if err != nil {
		return 0, err
	}
	bi.mu.Lock()
	defer bi.mu.Unlock()
	mod.id = proc.ModuleID(len(bi.modules) + 1)
	bi.modules = append(bi.modules, mod)
	bi.fnCache.Purge()
	return mod.id, nil
}

func (bi *BinaryInfo) module(id proc.ModuleID) (*module, error) {
	bi.mu.RLock()
	defer bi.mu.RUnlock()
	if id <= 0 || int(id) > len(bi.modules) {
		return nil, fmt.Errorf("unknown module %d", id)
	}
	return bi.modules[id-1], nil
}

// SourceFiles returns the source files with line information in mod.
func (bi *BinaryInfo) SourceFiles(id proc.ModuleID) ([]string, error) {
	mod, err := bi.module(id)
	if err != nil {
		return nil, err
	}
	files := maps.Keys(mod.lines)
	slices.Sort(files)
	return files, nil
}

// Lines returns the statement addresses of file, relocated.
func (bi *BinaryInfo) Lines(id proc.ModuleID, file string) ([]proc.LineRecord, error) {
	mod, err := bi.module(id)
	if err != nil {
		return nil, err
	}
	recs, ok := mod.lines[file]
	if !ok {
		return nil, &proc.SymbolResolutionError{Name: file}
	}
	return slices.Clone(recs), nil
}

// ResolveSymbol returns the runtime address of the function called name.
func (bi *BinaryInfo) ResolveSymbol(name string) (uint64, error) {
	bi.mu.RLock()
	defer bi.mu.RUnlock()
	for _, mod := range bi.modules {
		if addr, ok := mod.symbols[name]; ok {
			return addr, nil
		}
	}
	return 0, &proc.SymbolResolutionError{Name: name}
}

// Functions returns the names of every function with a symbol, sorted.
func (bi *BinaryInfo) Functions() []string {
	bi.mu.RLock()
	defer bi.mu.RUnlock()
	var names []string
	for _, mod := range bi.modules {
		names = append(names, maps.Keys(mod.symbols)...)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// ResolveAddress returns the function containing addr.
func (bi *BinaryInfo) ResolveAddress(addr uint64) (*proc.Function, error) {
	fn := bi.findFunction(addr)
	if fn == nil {
		return nil, &proc.SymbolResolutionError{Addr: addr}
	}
	r := fn.Function
	return &r, nil
}

// Locals returns the stack variables of the function containing pc.
func (bi *BinaryInfo) Locals(pc uint64) ([]proc.LocalVariable, error) {
	fn := bi.findFunction(pc)
	if fn == nil {
		return nil, &proc.SymbolResolutionError{Addr: pc}
	}
	if !fn.hasDWARF {
		return nil, ErrNoDebugInfo
	}
	return slices.Clone(fn.locals), nil
}

func (bi *BinaryInfo) findFunction(addr uint64) *function {
	if v, ok := bi.fnCache.Get(addr); ok {
		return v.(*function)
	}
	bi.mu.RLock()
	defer bi.mu.RUnlock()
	for _, mod := range bi.modules {
		fns := mod.functions
		i := sort.Search(len(fns), func(i int) bool { return fns[i].End > addr })
		if i < len(fns) && fns[i].Entry <= addr {
			bi.fnCache.Add(addr, fns[i])
			return fns[i]
		}
	}
	return nil
}

// ELF ///////////////////////////////////////////////////////////////

func (bi *BinaryInfo) loadModule(path string, baseAddress uint64) (*module, error) {
	exe, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer exe.Close()
	elfFile, err := elf.NewFile(exe)
	if err != nil {
		return nil, fmt.Errorf("could not parse %s: %w", path, err)
	}
	if elfFile.Machine != elf.EM_X86_64 {
		return nil, UnsupportedArchErr
	}

	mod := &module{
		path:    path,
		symbols: make(map[string]uint64),
		lines:   make(map[string][]proc.LineRecord),
	}
	if elfFile.Type == elf.ET_DYN && baseAddress != 0 {
		mod.bias = baseAddress - firstLoadAddress(elfFile)
	}

	byEntry := make(map[uint64]*function)

	dwarfData, err := elfFile.DWARF()
	if err != nil || elfFile.Section(".debug_info") == nil && elfFile.Section(".zdebug_info") == nil {
		dwarfData, err = bi.openSeparateDebugInfo(elfFile)
	}
	if err != nil {
		bi.log.Debugf("no debug information for %s: %v", path, err)
	} else {
		if err := mod.loadDebugInfo(dwarfData, byEntry); err != nil {
			bi.log.Warnf("reading debug information of %s: %v", path, err)
		}
	}
	mod.loadSymbolTable(elfFile, byEntry)

	mod.functions = maps.Values(byEntry)
	sort.Slice(mod.functions, func(i, j int) bool { return mod.functions[i].Entry < mod.functions[j].Entry })
	for _, recs := range mod.lines {
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].Addr < recs[j].Addr })
	}
	bi.log.Debugf("loaded %s (bias %#x): %d functions, %d source files", path, mod.bias, len(mod.functions), len(mod.lines))
	return mod, nil
}

func firstLoadAddress(f *elf.File) uint64 {
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD {
			return prog.Vaddr &^ (prog.Align - 1)
		}
	}
	return 0
}

// openSeparateDebugInfo looks for the debug info file of f, by build ID, in
// the configured directories.
func (bi *BinaryInfo) openSeparateDebugInfo(f *elf.File) (*dwarf.Data, error) {
	id, err := buildID(f)
	if err != nil {
		return nil, err
	}
	if len(id) < 2 {
		return nil, errors.New("build ID too short")
	}
	for _, dir := range bi.DebugInfoDirectories {
		path := filepath.Join(dir, id[:2], id[2:]+".debug")
		df, err := elf.Open(path)
		if err != nil {
			continue
		}
		data, err := df.DWARF()
		df.Close()
		if err == nil {
			bi.log.Debugf("using separate debug info %s", path)
			return data, nil
		}
	}
	return nil, errors.New("could not find separate debug info file")
}

func buildID(f *elf.File) (string, error) {
	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return "", errors.New("no build ID")
	}
	data, err := sec.Data()
	if err != nil {
		return "", err
	}
	// namesz, descsz, type, "GNU\x00", desc
	if len(data) < 16 {
		return "", errors.New("malformed build ID note")
	}
	namesz := f.ByteOrder.Uint32(data[0:])
	descsz := f.ByteOrder.Uint32(data[4:])
	start := 12 + int((namesz+3)&^3)
	if start+int(descsz) > len(data) {
		return "", errors.New("malformed build ID note")
	}
	return fmt.Sprintf("%x", data[start:start+int(descsz)]), nil
}

func (mod *module) loadSymbolTable(f *elf.File, byEntry map[uint64]*function) {
	syms, err := f.Symbols()
	if err != nil || len(syms) == 0 {
		syms, _ = f.DynamicSymbols()
	}
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 {
			continue
		}
		entry := sym.Value + mod.bias
		if _, ok := mod.symbols[sym.Name]; !ok {
			mod.symbols[sym.Name] = entry
		}
		if _, ok := byEntry[entry]; ok {
			continue
		}
		size := sym.Size
		if size == 0 {
			size = 1
		}
		byEntry[entry] = &function{Function: proc.Function{Name: sym.Name, Entry: entry, End: entry + size}}
	}
}

// DWARF /////////////////////////////////////////////////////////////

func (mod *module) loadDebugInfo(data *dwarf.Data, byEntry map[uint64]*function) error {
	rdr := data.Reader()
	for {
		cu, err := rdr.Next()
		if err != nil {
			return err
		}
		if cu == nil {
			return nil
		}
		if cu.Tag != dwarf.TagCompileUnit {
			rdr.SkipChildren()
			continue
		}
		mod.loadLines(data, cu)
		if !cu.Children {
			continue
		}
		if err := mod.loadFunctions(data, rdr, byEntry); err != nil {
			return err
		}
	}
}

func (mod *module) loadLines(data *dwarf.Data, cu *dwarf.Entry) {
	lr, err := data.LineReader(cu)
	if err != nil || lr == nil {
		return
	}
	var le dwarf.LineEntry
	for {
		if err := lr.Next(&le); err != nil {
			return
		}
		if le.EndSequence || !le.IsStmt || le.File == nil || le.Line <= 0 {
			continue
		}
		mod.lines[le.File.Name] = append(mod.lines[le.File.Name], proc.LineRecord{Line: le.Line, Addr: le.Address + mod.bias})
	}
}

// loadFunctions reads the children of the current compile unit.
func (mod *module) loadFunctions(data *dwarf.Data, rdr *dwarf.Reader, byEntry map[uint64]*function) error {
	depth := 1
	var cur *function
	curDepth := 0
	for depth > 0 {
		e, err := rdr.Next()
		if err != nil {
			return err
		}
		if e == nil {
			return nil
		}
		if e.Tag == 0 {
			depth--
			if cur != nil && depth < curDepth {
				cur = nil
			}
			continue
		}

		switch e.Tag {
		case dwarf.TagSubprogram:
			fn := mod.newFunction(e)
			if fn != nil {
				byEntry[fn.Entry] = fn
				if name, ok := e.Val(dwarf.AttrName).(string); ok {
					if _, exists := mod.symbols[name]; !exists {
						mod.symbols[name] = fn.Entry
					}
				}
				cur, curDepth = fn, depth+1
			}
		case dwarf.TagVariable, dwarf.TagFormalParameter:
			if cur != nil {
				if lv, ok := newLocal(data, e, cur.frameBase); ok {
					cur.locals = append(cur.locals, lv)
				}
			}
		}
		if e.Children {
			depth++
		}
	}
	return nil
}

func (mod *module) newFunction(e *dwarf.Entry) *function {
	name, _ := e.Val(dwarf.AttrName).(string)
	lowpc, ok := e.Val(dwarf.AttrLowpc).(uint64)
	if !ok || name == "" {
		return nil
	}
	var highpc uint64
	switch v := e.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		highpc = v
	case int64:
		highpc = lowpc + uint64(v)
	default:
		return nil
	}
	fn := &function{
		Function:  proc.Function{Name: name, Entry: lowpc + mod.bias, End: highpc + mod.bias},
		frameBase: proc.FrameBaseCFA,
		hasDWARF:  true,
	}
	if fb, ok := e.Val(dwarf.AttrFrameBase).([]byte); ok && len(fb) == 1 {
		switch fb[0] {
		case opReg6:
			fn.frameBase = proc.FrameBaseRBP
		case opCallFrameCFA:
			fn.frameBase = proc.FrameBaseCFA
		}
	}
	return fn
}

const (
	opFbreg        = 0x91
	opReg6         = 0x56 // rbp
	opCallFrameCFA = 0x9c
)

// newLocal returns the variable described by e, if it lives at a fixed
// offset from the frame base.
func newLocal(data *dwarf.Data, e *dwarf.Entry, base proc.FrameBaseKind) (proc.LocalVariable, bool) {
	name, _ := e.Val(dwarf.AttrName).(string)
	loc, ok := e.Val(dwarf.AttrLocation).([]byte)
	if name == "" || !ok || len(loc) < 2 || loc[0] != opFbreg {
		return proc.LocalVariable{}, false
	}
	off, n := sleb128(loc[1:])
	if n != len(loc)-1 {
		return proc.LocalVariable{}, false
	}
	lv := proc.LocalVariable{Name: name, Offset: off, FrameBase: base}
	if typOff, ok := e.Val(dwarf.AttrType).(dwarf.Offset); ok {
		if typ, err := data.Type(typOff); err == nil {
			lv.Type = convertType(typ)
		}
	}
	if lv.Type.Name == "" {
		lv.Type.Name = "?"
	}
	return lv, true
}

func convertType(typ dwarf.Type) proc.VariableType {
	t := proc.VariableType{Name: typ.String(), Size: int(typ.Size())}
	for {
		td, ok := typ.(*dwarf.TypedefType)
		if !ok {
			break
		}
		typ = td.Type
	}
	switch typ.(type) {
	case *dwarf.IntType:
		t.Kind = proc.IntType
	case *dwarf.UintType:
		t.Kind = proc.UintType
	case *dwarf.FloatType:
		t.Kind = proc.FloatType
	case *dwarf.BoolType:
		t.Kind = proc.BoolType
	case *dwarf.CharType, *dwarf.UcharType:
		t.Kind = proc.CharType
	case *dwarf.PtrType:
		t.Kind = proc.PointerType
		t.Size = 8
	default:
		t.Kind = proc.UnsupportedType
	}
	if t.Size <= 0 {
		t.Size = int(typ.Size())
	}
	return t
}

func sleb128(buf []byte) (int64, int) {
	var result int64
	var shift uint
	for i, b := range buf {
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, i + 1
		}
	}
	return 0, 0
}
