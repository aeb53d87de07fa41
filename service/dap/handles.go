package dap

const startHandle = 1000

// handlesMap maps arbitrary values to unique sequential ids.
// This provides convenient abstraction of references, offering
// opacity and allowing simplification of complex identifiers.
// Based on
// https://github.com/microsoft/vscode-debugadapter-node/blob/master/adapter/src/handles.ts
type handlesMap struct {
	nextHandle  int
	handleToVal map[int]interface{}
}

func newHandlesMap() *handlesMap {
	return &handlesMap{startHandle, make(map[int]interface{})}
}

func (hs *handlesMap) reset() {
	hs.nextHandle = startHandle
	hs.handleToVal = make(map[int]interface{})
}

func (hs *handlesMap) create(value interface{}) int {
	next := hs.nextHandle
	hs.nextHandle++
	hs.handleToVal[next] = value
	return next
}

func (hs *handlesMap) get(handle int) (interface{}, bool) {
	v, ok := hs.handleToVal[handle]
	return v, ok
}

// scopeKind selects the variables listed under a scope.
type scopeKind int

const (
	localsScope scopeKind = iota
	registersScope
)

func (k scopeKind) String() string {
	if k == registersScope {
		return "Registers"
	}
	return "Locals"
}

type variablesHandlesMap struct {
	m *handlesMap
}

func newVariablesHandlesMap() *variablesHandlesMap {
	return &variablesHandlesMap{newHandlesMap()}
}

func (hs *variablesHandlesMap) create(kind scopeKind) int {
	return hs.m.create(kind)
}

func (hs *variablesHandlesMap) get(handle int) (scopeKind, bool) {
	v, ok := hs.m.get(handle)
	if !ok {
		return 0, false
	}
	return v.(scopeKind), true
}

func (hs *variablesHandlesMap) reset() {
	hs.m.reset()
}
