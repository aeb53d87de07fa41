package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

func init() {
	buildInfo = moduleBuildInfo
}

// moduleBuildInfo lists the main module and its dependencies, one per
// line, replacements after an arrow.
func moduleBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "not built in module mode"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, " mod\t%s\t%s\n", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		fmt.Fprintf(&sb, " dep\t%s\t%s", dep.Path, dep.Version)
		if r := dep.Replace; r != nil {
			fmt.Fprintf(&sb, "\t=> %s\t%s", r.Path, r.Version)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
