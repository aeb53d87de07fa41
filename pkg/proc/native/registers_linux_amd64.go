package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/ndbg/ndbg/pkg/proc"
)

func registersFromPtrace(regs *sys.PtraceRegs) *proc.Registers {
	return &proc.Registers{
		Rax: regs.Rax, Rbx: regs.Rbx, Rcx: regs.Rcx, Rdx: regs.Rdx,
		Rsi: regs.Rsi, Rdi: regs.Rdi, Rbp: regs.Rbp, Rsp: regs.Rsp,
		R8: regs.R8, R9: regs.R9, R10: regs.R10, R11: regs.R11,
		R12: regs.R12, R13: regs.R13, R14: regs.R14, R15: regs.R15,

		Rip:    regs.Rip,
		Rflags: regs.Eflags,

		Cs: regs.Cs, Ss: regs.Ss, Ds: regs.Ds, Es: regs.Es, Fs: regs.Fs, Gs: regs.Gs,
		FsBase: regs.Fs_base, GsBase: regs.Gs_base,
	}
}

// copyToPtrace writes the general purpose registers of r into regs. Fields
// not described by proc.Registers (orig_rax) are left untouched.
func copyToPtrace(regs *sys.PtraceRegs, r *proc.Registers) {
	regs.Rax, regs.Rbx, regs.Rcx, regs.Rdx = r.Rax, r.Rbx, r.Rcx, r.Rdx
	regs.Rsi, regs.Rdi, regs.Rbp, regs.Rsp = r.Rsi, r.Rdi, r.Rbp, r.Rsp
	regs.R8, regs.R9, regs.R10, regs.R11 = r.R8, r.R9, r.R10, r.R11
	regs.R12, regs.R13, regs.R14, regs.R15 = r.R12, r.R13, r.R14, r.R15
	regs.Rip = r.Rip
	regs.Eflags = r.Rflags
	regs.Cs, regs.Ss, regs.Ds, regs.Es, regs.Fs, regs.Gs = r.Cs, r.Ss, r.Ds, r.Es, r.Fs, r.Gs
	regs.Fs_base, regs.Gs_base = r.FsBase, r.GsBase
}
