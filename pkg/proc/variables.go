package proc

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// Variable is a formatted local variable of the innermost frame.
type Variable struct {
	Name  string
	Type  string
	Addr  uint64
	Value string
	// Unreadable is set when the variable's memory could not be read.
	Unreadable error
}

func (v *Variable) String() string {
	return fmt.Sprintf("%s %s = %s", v.Name, v.Type, v.Value)
}

// readLocals reads and formats every local of frame.
func readLocals(mem MemoryReader, frame *Stackframe, locals []LocalVariable) []Variable {
	r := make([]Variable, 0, len(locals))
	for _, lv := range locals {
		addr := uint64(int64(frame.FrameBase(lv.FrameBase)) + lv.Offset)
		r = append(r, newVariable(mem, lv, addr))
	}
	return r
}

func newVariable(mem MemoryReader, lv LocalVariable, addr uint64) Variable {
	v := Variable{Name: lv.Name, Type: lv.Type.Name, Addr: addr}
	if v.Type == "" {
		v.Type = "?"
	}
	size, ok := formattableSize(lv.Type)
	if !ok {
		v.Value = fmt.Sprintf("<unsupported type %s>", v.Type)
		return v
	}
	buf, err := mem.ReadMemory(addr, size)
	if err == nil && len(buf) != size {
		err = fmt.Errorf("short read (%d bytes)", len(buf))
	}
	if err != nil {
		v.Unreadable = &MemoryAccessError{Addr: addr, Err: err}
		v.Value = fmt.Sprintf("<unreadable: %v>", err)
		return v
	}
	v.Value = formatValue(lv.Type, buf)
	return v
}

func formattableSize(t VariableType) (int, bool) {
	switch t.Kind {
	case IntType, UintType:
		switch t.Size {
		case 1, 2, 4, 8:
			return t.Size, true
		}
	case FloatType:
		switch t.Size {
		case 4, 8:
			return t.Size, true
		}
	case BoolType, CharType:
		if t.Size == 0 {
			return 1, true
		}
		if t.Size == 1 || t.Size == 2 || t.Size == 4 {
			return t.Size, true
		}
	case PointerType:
		return 8, true
	}
	return 0, false
}

func readUnsigned(buf []byte) uint64 {
	switch len(buf) {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		return binary.LittleEndian.Uint64(buf)
	}
	return 0
}

func readSigned(buf []byte) int64 {
	u := readUnsigned(buf)
	switch len(buf) {
	case 1:
		return int64(int8(u))
	case 2:
		return int64(int16(u))
	case 4:
		return int64(int32(u))
	}
	return int64(u)
}

func formatValue(t VariableType, buf []byte) string {
	switch t.Kind {
	case IntType:
		return strconv.FormatInt(readSigned(buf), 10)
	case UintType:
		return strconv.FormatUint(readUnsigned(buf), 10)
	case FloatType:
		if len(buf) == 4 {
			return strconv.FormatFloat(float64(math.Float32frombits(uint32(readUnsigned(buf)))), 'g', -1, 32)
		}
		return strconv.FormatFloat(math.Float64frombits(readUnsigned(buf)), 'g', -1, 64)
	case BoolType:
		return strconv.FormatBool(readUnsigned(buf) != 0)
	case CharType:
		c := readUnsigned(buf)
		return fmt.Sprintf("%d %s", c, strconv.QuoteRune(rune(c)))
	case PointerType:
		p := readUnsigned(buf)
		if p == 0 {
			return "nil"
		}
		return fmt.Sprintf("(%s) %#x", t.Name, p)
	}
	return fmt.Sprintf("<unsupported type %s>", t.Name)
}
