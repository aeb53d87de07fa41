// Package proc is the core of the debugger: it drives a target process
// through the ProcessControl capability and keeps the debugger's view of
// it consistent.
//
// proc implements:
// * the breakpoint table (software breakpoints, 0xCC patching)
// * the address to source line index
// * the debug event state machine (continue, step over, step into)
// * register, stack and local variable snapshots taken at every stop
// * the control channel between controllers and the debug loop
//
package proc
