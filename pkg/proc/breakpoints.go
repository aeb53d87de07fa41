package proc

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/atomic"
)

// BreakpointInstruction is the x86 int3 opcode.
const BreakpointInstruction byte = 0xCC

// BreakpointKind determines the lifetime of a breakpoint.
type BreakpointKind uint8

const (
	// UserBreakpoint is set by a controller and persists across hits.
	UserBreakpoint BreakpointKind = iota
	// TransientBreakpoint is set by the engine (entry point, stepping) and
	// is discarded the first time it is hit.
	TransientBreakpoint
)

func (k BreakpointKind) String() string {
	switch k {
	case UserBreakpoint:
		return "user"
	case TransientBreakpoint:
		return "transient"
	}
	return fmt.Sprintf("BreakpointKind(%d)", uint8(k))
}

// Breakpoint represents a software breakpoint. Stores information on the
// byte that was replaced by the trap instruction.
type Breakpoint struct {
	// File & line information for printing.
	FunctionName string
	File         string
	Line         int

	Addr         uint64 // Address breakpoint is set for.
	OriginalData byte   // Instruction byte replaced by the breakpoint.
	Kind         BreakpointKind
	ID           int // Monotonically increasing for user breakpoints, negative for transient ones.

	HitCount uint64
}

func (bp *Breakpoint) String() string {
	return fmt.Sprintf("Breakpoint %d at %#x %s:%d (%d)", bp.ID, bp.Addr, bp.File, bp.Line, bp.HitCount)
}

// BreakpointExistsError is returned when trying to set a breakpoint at
// an address that already has a breakpoint of a different kind.
type BreakpointExistsError struct {
	File string
	Line int
	Addr uint64
	Kind BreakpointKind
}

func (bpe BreakpointExistsError) Error() string {
	return fmt.Sprintf("Breakpoint exists at %s:%d at %#x (%s)", bpe.File, bpe.Line, bpe.Addr, bpe.Kind)
}

// NoBreakpointError is returned when trying to
// clear a breakpoint that does not exist.
type NoBreakpointError struct {
	Addr uint64
}

func (nbp NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint at %#x", nbp.Addr)
}

// Locator annotates a breakpoint address with its source position.
type Locator func(addr uint64) (fn, file string, line int)

// breakpointMemory is the part of ProcessControl the table needs.
type breakpointMemory interface {
	ReadMemory(addr uint64, size int) ([]byte, error)
	WriteMemory(addr uint64, data []byte) error
	FlushInstructionCache(addr uint64, size int) error
}

// BreakpointTable owns every breakpoint inserted in the target. Memory
// at Addr holds BreakpointInstruction exactly while the breakpoint is in
// the table.
type BreakpointTable struct {
	mu     sync.Mutex
	m      map[uint64]*Breakpoint
	mem    breakpointMemory
	locate Locator

	userID      atomic.Int64
	transientID atomic.Int64
}

// NewBreakpointTable returns an empty table patching the memory of mem.
// locate may be nil.
func NewBreakpointTable(mem breakpointMemory, locate Locator) *BreakpointTable {
	return &BreakpointTable{
		m:      make(map[uint64]*Breakpoint),
		mem:    mem,
		locate: locate,
	}
}

// Set inserts a breakpoint of the given kind at addr.
// Setting a breakpoint of the same kind at an address that already has one
// returns the existing breakpoint without touching memory, so the recorded
// original byte is never a trap instruction.
func (t *BreakpointTable) Set(addr uint64, kind BreakpointKind) (*Breakpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if bp, ok := t.m[addr]; ok {
		if bp.Kind != kind {
			return nil, BreakpointExistsError{bp.File, bp.Line, bp.Addr, bp.Kind}
		}
		return bp, nil
	}

	orig, err := t.patch(addr)
	if err != nil {
		return nil, err
	}
	return t.insert(addr, orig, kind), nil
}

// Reinsert arms bp again keeping its identity (ID, kind, hit count). Used
// to re-arm a breakpoint after the target executed the instruction it
// covers. If the address already has a breakpoint of the same kind that
// breakpoint is returned.
func (t *BreakpointTable) Reinsert(bp *Breakpoint) (*Breakpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.m[bp.Addr]; ok {
		if cur.Kind != bp.Kind {
			return nil, BreakpointExistsError{cur.File, cur.Line, cur.Addr, cur.Kind}
		}
		return cur, nil
	}
	orig, err := t.patch(bp.Addr)
	if err != nil {
		return nil, err
	}
	cpy := *bp
	cpy.OriginalData = orig
	t.m[bp.Addr] = &cpy
	return &cpy, nil
}

// patch replaces the byte at addr with the trap instruction and returns the
// original byte. Memory is unchanged on error unless the rollback failed
// too, in which case both errors are reported.
func (t *BreakpointTable) patch(addr uint64) (byte, error) {
	orig, err := t.mem.ReadMemory(addr, 1)
	if err != nil {
		return 0, &MemoryAccessError{Addr: addr, Err: err}
	}
	if len(orig) != 1 {
		return 0, &MemoryAccessError{Addr: addr, Err: fmt.Errorf("short read (%d bytes)", len(orig))}
	}
	if err := t.mem.WriteMemory(addr, []byte{BreakpointInstruction}); err != nil {
		return 0, &MemoryAccessError{Addr: addr, Write: true, Err: err}
	}
	if err := t.mem.FlushInstructionCache(addr, 1); err != nil {
		if rerr := t.mem.WriteMemory(addr, orig); rerr != nil {
			err = errors.Join(err, fmt.Errorf("restoring original byte: %w", rerr))
		}
		return 0, &MemoryAccessError{Addr: addr, Write: true, Err: err}
	}
	return orig[0], nil
}

func (t *BreakpointTable) insert(addr uint64, orig byte, kind BreakpointKind) *Breakpoint {
	bp := &Breakpoint{Addr: addr, OriginalData: orig, Kind: kind}
	if t.locate != nil {
		bp.FunctionName, bp.File, bp.Line = t.locate(addr)
	}
	t.assignID(bp)
	t.m[addr] = bp
	return bp
}

func (t *BreakpointTable) assignID(bp *Breakpoint) {
	if bp.Kind == UserBreakpoint {
		bp.ID = int(t.userID.Inc())
	} else {
		bp.ID = -int(t.transientID.Inc())
	}
}

// Remove restores the original byte at addr and erases the entry. A
// failed restore is reported as *MemoryAccessError, the entry is erased
// regardless.
func (t *BreakpointTable) Remove(addr uint64) (*Breakpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bp, ok := t.m[addr]
	if !ok {
		return nil, NoBreakpointError{Addr: addr}
	}
	delete(t.m, addr)

	if err := t.mem.WriteMemory(addr, []byte{bp.OriginalData}); err != nil {
		return bp, &MemoryAccessError{Addr: addr, Write: true, Err: err}
	}
	if err := t.mem.FlushInstructionCache(addr, 1); err != nil {
		return bp, &MemoryAccessError{Addr: addr, Write: true, Err: err}
	}
	return bp, nil
}

// Promote turns the transient breakpoint at addr into a user breakpoint.
func (t *BreakpointTable) Promote(addr uint64) (*Breakpoint, error) {
	return t.reclassify(addr, UserBreakpoint)
}

// Demote turns the user breakpoint at addr into a transient breakpoint.
func (t *BreakpointTable) Demote(addr uint64) (*Breakpoint, error) {
	return t.reclassify(addr, TransientBreakpoint)
}

func (t *BreakpointTable) reclassify(addr uint64, kind BreakpointKind) (*Breakpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bp, ok := t.m[addr]
	if !ok {
		return nil, NoBreakpointError{Addr: addr}
	}
	if bp.Kind != kind {
		bp.Kind = kind
		t.assignID(bp)
	}
	return bp, nil
}

// Find returns the breakpoint at addr, if any.
func (t *BreakpointTable) Find(addr uint64) (*Breakpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bp, ok := t.m[addr]
	return bp, ok
}

// Len returns the number of breakpoints in the table.
func (t *BreakpointTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// Breakpoints returns a copy of every breakpoint, sorted by address.
func (t *BreakpointTable) Breakpoints() []Breakpoint {
	t.mu.Lock()
	r := make([]Breakpoint, 0, len(t.m))
	for _, bp := range t.m {
		r = append(r, *bp)
	}
	t.mu.Unlock()
	sort.Slice(r, func(i, j int) bool { return r[i].Addr < r[j].Addr })
	return r
}

// ClearTransient removes every transient breakpoint. The first restore
// error is returned after all entries have been processed.
func (t *BreakpointTable) ClearTransient() error {
	return t.clear(func(bp *Breakpoint) bool { return bp.Kind == TransientBreakpoint })
}

// ClearAll removes every breakpoint, restoring the original code.
func (t *BreakpointTable) ClearAll() error {
	return t.clear(func(*Breakpoint) bool { return true })
}

func (t *BreakpointTable) clear(match func(*Breakpoint) bool) error {
	t.mu.Lock()
	var addrs []uint64
	for addr, bp := range t.m {
		if match(bp) {
			addrs = append(addrs, addr)
		}
	}
	t.mu.Unlock()
	var firstErr error
	for _, addr := range addrs {
		if _, err := t.Remove(addr); err != nil && firstErr == nil {
			if _, ok := err.(NoBreakpointError); !ok {
				firstErr = err
			}
		}
	}
	return firstErr
}
