package debugger

import (
	"fmt"

	"github.com/ndbg/ndbg/pkg/bininfo"
	"github.com/ndbg/ndbg/pkg/config"
	"github.com/ndbg/ndbg/pkg/proc"
	"github.com/ndbg/ndbg/pkg/proc/emu"
	"github.com/ndbg/ndbg/pkg/proc/native"
)

// Backend bundles the capabilities a debug session runs on.
type Backend struct {
	Process proc.ProcessControl
	Symbols proc.SymbolProvider
	// Sources reads the text of source files, may be nil.
	Sources proc.SourceReader
}

// LaunchConfig describes a native target.
type LaunchConfig struct {
	native.LaunchConfig

	// DebugInfoDirectories is the list of directories to look for
	// when resolving external debug info files.
	DebugInfoDirectories []string
	// SubstitutePath rewrites source paths recorded in the debug
	// information.
	SubstitutePath config.SubstitutePathRules
}

// LaunchNative starts cfg.Args under ptrace. Symbols come from the ELF and
// DWARF sections of the executable, sources from the local file system.
func LaunchNative(cfg LaunchConfig) (Backend, *native.Process, error) {
	p, err := native.Launch(cfg.LaunchConfig)
	if err != nil {
		return Backend{}, nil, fmt.Errorf("could not launch process: %w", err)
	}
	return Backend{
		Process: p,
		Symbols: bininfo.New(cfg.DebugInfoDirectories),
		Sources: &proc.FileSourceReader{Substitute: cfg.SubstitutePath.Substitute},
	}, p, nil
}

// LaunchEmulated starts the emulated program described by the YAML file
// at path. The program provides its own symbols and sources.
func LaunchEmulated(path string) (Backend, *emu.Process, error) {
	prog, err := emu.LoadProgram(path)
	if err != nil {
		return Backend{}, nil, fmt.Errorf("could not load program: %w", err)
	}
	p, err := emu.Launch(prog)
	if err != nil {
		return Backend{}, nil, fmt.Errorf("could not launch program: %w", err)
	}
	return Backend{Process: p, Symbols: prog, Sources: prog}, p, nil
}
