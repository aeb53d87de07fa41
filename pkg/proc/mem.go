package proc

import (
	"encoding/binary"
	"fmt"
)

const cacheEnabled = true

// MemoryReader is the read half of ProcessControl.
type MemoryReader interface {
	ReadMemory(addr uint64, size int) ([]byte, error)
}

// MemoryAccessError is returned when the target's memory could not be read
// or written.
type MemoryAccessError struct {
	Addr  uint64
	Write bool
	Err   error
}

func (err *MemoryAccessError) Error() string {
	op := "read"
	if err.Write {
		op = "write"
	}
	return fmt.Sprintf("could not %s memory at %#x: %v", op, err.Addr, err.Err)
}

func (err *MemoryAccessError) Unwrap() error { return err.Err }

type memCache struct {
	cacheAddr uint64
	cache     []byte
	mem       MemoryReader
}

func (m *memCache) contains(addr uint64, size int) bool {
	return addr >= m.cacheAddr && addr+uint64(size) <= m.cacheAddr+uint64(len(m.cache))
}

func (m *memCache) ReadMemory(addr uint64, size int) ([]byte, error) {
	if m.contains(addr, size) {
		data := make([]byte, size)
		copy(data, m.cache[addr-m.cacheAddr:])
		return data, nil
	}
	return m.mem.ReadMemory(addr, size)
}

// cacheMemory reads [addr, addr+size) once and serves later reads inside
// that range from the copy. Falls back to mem if the range is unreadable.
func cacheMemory(mem MemoryReader, addr uint64, size int) MemoryReader {
	if !cacheEnabled {
		return mem
	}
	if size <= 0 {
		return mem
	}
	if cacheMem, isCache := mem.(*memCache); isCache {
		if cacheMem.contains(addr, size) {
			return mem
		}
		mem = cacheMem.mem
	}
	cache, err := mem.ReadMemory(addr, size)
	if err != nil || len(cache) != size {
		return mem
	}
	return &memCache{addr, cache, mem}
}

func readUint64(mem MemoryReader, addr uint64) (uint64, error) {
	buf, err := mem.ReadMemory(addr, 8)
	if err != nil {
		return 0, &MemoryAccessError{Addr: addr, Err: err}
	}
	if len(buf) < 8 {
		return 0, &MemoryAccessError{Addr: addr, Err: fmt.Errorf("short read (%d bytes)", len(buf))}
	}
	return binary.LittleEndian.Uint64(buf), nil
}
