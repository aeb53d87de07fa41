package proc

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ErrNoNextLine is returned by NextLineAfter when no mapped line follows
// the given address.
var ErrNoNextLine = errors.New("no line after address")

// SourceLine is one line of a source file. Addr is the lowest address
// generated for the line, 0 if no code maps to it.
type SourceLine struct {
	Index int // 1-based
	Addr  uint64
	Text  string
	File  string
}

func (l *SourceLine) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Index)
}

// LineIndex maps addresses to source lines and files to their lines.
// Every address of a line is a key; lines without code are only reachable
// through FileLines.
type LineIndex struct {
	mu     sync.RWMutex
	byAddr map[uint64]*SourceLine
	addrs  []uint64 // sorted keys of byAddr
	files  map[string][]*SourceLine
}

// NewLineIndex returns an empty index.
func NewLineIndex() *LineIndex {
	return &LineIndex{
		byAddr: make(map[uint64]*SourceLine),
		files:  make(map[string][]*SourceLine),
	}
}

// BuildLineIndex merges the literal text of files with the line records of
// the symbol provider.
func BuildLineIndex(files map[string][]string, records map[string][]LineRecord) *LineIndex {
	idx := NewLineIndex()
	idx.Extend(files, records)
	return idx
}

// Extend adds the files of another module to the index. Files already
// present are replaced.
func (idx *LineIndex) Extend(files map[string][]string, records map[string][]LineRecord) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	names := maps.Keys(files)
	for name := range records {
		if _, ok := files[name]; !ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	for _, name := range names {
		if old, ok := idx.files[name]; ok {
			idx.dropFile(old)
		}
		text := files[name]
		lines := make([]*SourceLine, len(text))
		for i := range text {
			lines[i] = &SourceLine{Index: i + 1, Text: text[i], File: name}
		}
		for _, rec := range records[name] {
			if rec.Line <= 0 {
				continue
			}
			for len(lines) < rec.Line {
				lines = append(lines, &SourceLine{Index: len(lines) + 1, File: name})
			}
			line := lines[rec.Line-1]
			if line.Addr == 0 || rec.Addr < line.Addr {
				line.Addr = rec.Addr
			}
			if _, dup := idx.byAddr[rec.Addr]; !dup {
				idx.addrs = append(idx.addrs, rec.Addr)
			}
			idx.byAddr[rec.Addr] = line
		}
		idx.files[name] = lines
	}
	slices.Sort(idx.addrs)
}

func (idx *LineIndex) dropFile(lines []*SourceLine) {
	owned := make(map[*SourceLine]bool, len(lines))
	for _, l := range lines {
		owned[l] = true
	}
	kept := idx.addrs[:0]
	for _, addr := range idx.addrs {
		if owned[idx.byAddr[addr]] {
			delete(idx.byAddr, addr)
			continue
		}
		kept = append(kept, addr)
	}
	idx.addrs = kept
}

// LineAt returns the line whose code contains exactly addr as a key.
func (idx *LineIndex) LineAt(addr uint64) (*SourceLine, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	l, ok := idx.byAddr[addr]
	return l, ok
}

// LineContaining returns the line of the closest key at or below addr,
// without crossing fnEntry. Used for PCs in the middle of a line.
func (idx *LineIndex) LineContaining(addr, fnEntry uint64) (*SourceLine, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	i := sort.Search(len(idx.addrs), func(i int) bool { return idx.addrs[i] > addr })
	if i == 0 {
		return nil, false
	}
	key := idx.addrs[i-1]
	if key < fnEntry {
		return nil, false
	}
	return idx.byAddr[key], true
}

// NextLineAfter returns the smallest key strictly greater than addr and
// its line.
func (idx *LineIndex) NextLineAfter(addr uint64) (uint64, *SourceLine, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	i := sort.Search(len(idx.addrs), func(i int) bool { return idx.addrs[i] > addr })
	if i >= len(idx.addrs) {
		return 0, nil, ErrNoNextLine
	}
	key := idx.addrs[i]
	return key, idx.byAddr[key], nil
}

// LinesBetween returns every key in [start, end), in address order.
func (idx *LineIndex) LinesBetween(start, end uint64) []uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	i := sort.Search(len(idx.addrs), func(i int) bool { return idx.addrs[i] >= start })
	var r []uint64
	for ; i < len(idx.addrs) && idx.addrs[i] < end; i++ {
		r = append(r, idx.addrs[i])
	}
	return r
}

// Files returns the indexed file names, sorted.
func (idx *LineIndex) Files() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	r := maps.Keys(idx.files)
	slices.Sort(r)
	return r
}

// FileLines returns the lines of file, nil if the file is unknown.
func (idx *LineIndex) FileLines(file string) []*SourceLine {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return slices.Clone(idx.files[file])
}

// Sources returns a copy of the file → lines map.
func (idx *LineIndex) Sources() map[string][]*SourceLine {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	r := make(map[string][]*SourceLine, len(idx.files))
	for k, v := range idx.files {
		r[k] = slices.Clone(v)
	}
	return r
}

// FindFile resolves a user supplied file name: an exact match wins,
// otherwise the name must match a unique path suffix.
func (idx *LineIndex) FindFile(name string) (string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if _, ok := idx.files[name]; ok {
		return name, nil
	}
	var candidates []string
	for file := range idx.files {
		if filepath.Base(file) == name || strings.HasSuffix(file, "/"+strings.TrimPrefix(name, "/")) {
			candidates = append(candidates, file)
		}
	}
	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("could not find file %s", name)
	case 1:
		return candidates[0], nil
	}
	slices.Sort(candidates)
	return "", fmt.Errorf("ambiguous file name %s: %s", name, strings.Join(candidates, ", "))
}

// AddrForLine returns the address of file:line.
func (idx *LineIndex) AddrForLine(file string, line int) (uint64, error) {
	name, err := idx.FindFile(file)
	if err != nil {
		return 0, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	lines := idx.files[name]
	if line <= 0 || line > len(lines) {
		return 0, fmt.Errorf("line %d out of range for %s (%d lines)", line, name, len(lines))
	}
	if lines[line-1].Addr == 0 {
		return 0, fmt.Errorf("no code at %s:%d", name, line)
	}
	return lines[line-1].Addr, nil
}
