package emu

import (
	"sort"
	"strings"

	"github.com/ndbg/ndbg/pkg/proc"
)

const mainModule proc.ModuleID = 1

// LoadModule accepts the program image and its libraries. Libraries have no
// debug information.
func (prog *Program) LoadModule(path string, baseAddress uint64) (proc.ModuleID, error) {
	if path == prog.Path {
		return mainModule, nil
	}
	for i, lib := range prog.Libraries {
		if lib.Path == path {
			return mainModule + 1 + proc.ModuleID(i), nil
		}
	}
	return 0, &proc.SymbolResolutionError{Name: path}
}

func (prog *Program) SourceFiles(mod proc.ModuleID) ([]string, error) {
	if mod != mainModule {
		return nil, nil
	}
	files := make([]string, 0, len(prog.layout.files))
	for file := range prog.layout.files {
		files = append(files, file)
	}
	sort.Strings(files)
	return files, nil
}

func (prog *Program) Lines(mod proc.ModuleID, file string) ([]proc.LineRecord, error) {
	if mod != mainModule {
		return nil, &proc.SymbolResolutionError{Name: file}
	}
	recs, ok := prog.layout.files[file]
	if !ok {
		return nil, &proc.SymbolResolutionError{Name: file}
	}
	return append([]proc.LineRecord(nil), recs...), nil
}

func (prog *Program) ResolveSymbol(name string) (uint64, error) {
	fn, ok := prog.layout.functions[name]
	if !ok {
		return 0, &proc.SymbolResolutionError{Name: name}
	}
	return fn.Entry, nil
}

func (prog *Program) ResolveAddress(addr uint64) (*proc.Function, error) {
	fns := prog.layout.sorted
	i := sort.Search(len(fns), func(i int) bool { return fns[i].End > addr })
	if i < len(fns) && fns[i].Entry <= addr {
		f := fns[i].Function
		return &f, nil
	}
	return nil, &proc.SymbolResolutionError{Addr: addr}
}

func (prog *Program) Locals(pc uint64) ([]proc.LocalVariable, error) {
	fns := prog.layout.sorted
	i := sort.Search(len(fns), func(i int) bool { return fns[i].End > pc })
	if i >= len(fns) || fns[i].Entry > pc {
		return nil, &proc.SymbolResolutionError{Addr: pc}
	}
	return append([]proc.LocalVariable(nil), fns[i].locals...), nil
}

// Functions returns the names of the program's functions, sorted.
func (prog *Program) Functions() []string {
	names := make([]string, 0, len(prog.layout.functions))
	for name := range prog.layout.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReadSource returns the embedded text of file.
func (prog *Program) ReadSource(file string) ([]string, error) {
	text, ok := prog.Sources[file]
	if !ok {
		return nil, &proc.SymbolResolutionError{Name: file}
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n"), nil
}
