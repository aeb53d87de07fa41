package terminal

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/ndbg/ndbg/pkg/proc"
)

// asmLine is an instruction with its source position resolved.
type asmLine struct {
	proc.AsmInstruction
	File string
	Line int
	Text string
}

func disasmPrint(dv []asmLine, fn *proc.Function, out io.Writer, showHeader bool) {
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	if len(dv) > 0 && fn != nil && showHeader {
		fmt.Fprintf(bw, "TEXT %s %s\n", fn.Name, dv[0].File)
	}
	tw := tabwriter.NewWriter(bw, 1, 8, 1, '\t', 0)
	defer tw.Flush()
	for _, inst := range dv {
		atbp := ""
		if inst.Breakpoint {
			atbp = "*"
		}
		atpc := ""
		if inst.AtPC {
			atpc = "=>"
		}
		loc := "?"
		if inst.File != "" {
			loc = fmt.Sprintf("%s:%d", filepath.Base(inst.File), inst.Line)
		}
		fmt.Fprintf(tw, "%s\t%s\t%#x%s\t%x\t%s\n", atpc, loc, inst.Addr, atbp, inst.Bytes, inst.Text)
	}
}
