package debugger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ndbg/ndbg/pkg/proc"
)

// Location is a resolved breakpoint or list location.
type Location struct {
	Addr     uint64
	File     string
	Line     int
	Function string
}

// LocationSpec is a parsed location string.
type LocationSpec interface {
	Find(d *Debugger) (Location, error)
}

// NormalLocationSpec is either <function> or <file>:<line>.
type NormalLocationSpec struct {
	Base string
	// LineOffset is -1 when no line was specified.
	LineOffset int
}

// LineLocationSpec is a line of the current file.
type LineLocationSpec struct {
	Line int
}

// AddrLocationSpec is *<address>.
type AddrLocationSpec struct {
	Addr uint64
}

// OffsetLocationSpec is a line relative to the current one.
type OffsetLocationSpec struct {
	Offset int
}

// ParseLocationSpec parses the location syntax shared by the terminal and
// the DAP server:
//
//	<function>
//	<file>:<line>
//	<line>        line of the current file
//	+<n>, -<n>    line relative to the current one
//	*<address>
func ParseLocationSpec(locStr string) (LocationSpec, error) {
	rest := locStr

	malformed := func(reason string) error {
		return fmt.Errorf("Malformed breakpoint location \"%s\" at %d: %s", locStr, len(locStr)-len(rest), reason)
	}

	if len(rest) <= 0 {
		return nil, malformed("empty string")
	}

	switch rest[0] {
	case '+', '-':
		offset, err := strconv.Atoi(rest)
		if err != nil {
			return nil, malformed(err.Error())
		}
		return &OffsetLocationSpec{offset}, nil

	case '*':
		rest = rest[1:]
		addr, err := strconv.ParseUint(rest, 0, 64)
		if err != nil {
			return nil, malformed(err.Error())
		}
		return &AddrLocationSpec{addr}, nil
	}

	i := strings.LastIndex(rest, ":")
	if i < 0 {
		if n, err := strconv.ParseInt(rest, 0, 64); err == nil {
			return &LineLocationSpec{int(n)}, nil
		}
		return &NormalLocationSpec{Base: rest, LineOffset: -1}, nil
	}

	spec := &NormalLocationSpec{Base: rest[:i]}
	rest = rest[i+1:]
	var err error
	spec.LineOffset, err = strconv.Atoi(rest)
	if err != nil || spec.LineOffset < 0 {
		return nil, malformed("line offset negative or not a number")
	}
	return spec, nil
}

func (loc *NormalLocationSpec) Find(d *Debugger) (Location, error) {
	if loc.LineOffset >= 0 {
		return d.lineLocation(loc.Base, loc.LineOffset)
	}
	addr, err := d.backend.Symbols.ResolveSymbol(loc.Base)
	if err != nil {
		if _, ferr := d.engine.Lines().FindFile(loc.Base); ferr == nil {
			return Location{}, fmt.Errorf("location %q needs a line number", loc.Base)
		}
		return Location{}, err
	}
	return d.addrLocation(addr), nil
}

func (loc *LineLocationSpec) Find(d *Debugger) (Location, error) {
	file, _, err := d.currentLine()
	if err != nil {
		return Location{}, err
	}
	return d.lineLocation(file, loc.Line)
}

func (loc *OffsetLocationSpec) Find(d *Debugger) (Location, error) {
	file, line, err := d.currentLine()
	if err != nil {
		return Location{}, err
	}
	return d.lineLocation(file, line+loc.Offset)
}

func (loc *AddrLocationSpec) Find(d *Debugger) (Location, error) {
	return d.addrLocation(loc.Addr), nil
}

func (d *Debugger) currentLine() (string, int, error) {
	snap := d.engine.Snapshot()
	if snap == nil || snap.Line == nil {
		return "", 0, fmt.Errorf("no current source line")
	}
	return snap.Line.File, snap.Line.Index, nil
}

func (d *Debugger) lineLocation(file string, line int) (Location, error) {
	lines := d.engine.Lines()
	name, err := lines.FindFile(file)
	if err != nil {
		return Location{}, err
	}
	addr, err := lines.AddrForLine(name, line)
	if err != nil {
		return Location{}, err
	}
	loc := d.addrLocation(addr)
	loc.File, loc.Line = name, line
	return loc, nil
}

func (d *Debugger) addrLocation(addr uint64) Location {
	loc := Location{Addr: addr}
	var entry uint64
	if fn, err := d.backend.Symbols.ResolveAddress(addr); err == nil {
		loc.Function, entry = fn.Name, fn.Entry
	}
	if line, ok := d.engine.Lines().LineContaining(addr, entry); ok {
		loc.File, loc.Line = line.File, line.Index
	}
	return loc
}

// LocationOf returns the function and source line containing addr.
func (d *Debugger) LocationOf(addr uint64) Location {
	return d.addrLocation(addr)
}

// FindLocation resolves a location string.
func (d *Debugger) FindLocation(locStr string) (Location, error) {
	spec, err := ParseLocationSpec(locStr)
	if err != nil {
		return Location{}, err
	}
	return spec.Find(d)
}

// lineFor is used to render breakpoints without a source line.
func lineFor(bp *proc.Breakpoint) string {
	if bp.File == "" {
		return fmt.Sprintf("%#x", bp.Addr)
	}
	return fmt.Sprintf("%s:%d", bp.File, bp.Line)
}
