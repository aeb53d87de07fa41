package proc

import (
	"bufio"
	"os"
	"strings"
)

// FileSourceReader reads source files from the local file system.
type FileSourceReader struct {
	// Substitute rewrites the paths recorded in the debug information, may
	// be nil.
	Substitute func(string) string
}

// ReadSource returns the lines of file, without line terminators.
func (r *FileSourceReader) ReadSource(file string) ([]string, error) {
	if r.Substitute != nil {
		file = r.Substitute(file)
	}
	fh, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	var lines []string
	s := bufio.NewScanner(fh)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		lines = append(lines, strings.TrimSuffix(s.Text(), "\r"))
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// StaticSourceReader serves sources from memory.
type StaticSourceReader map[string][]string

func (r StaticSourceReader) ReadSource(file string) ([]string, error) {
	lines, ok := r[file]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: file, Err: os.ErrNotExist}
	}
	return lines, nil
}
