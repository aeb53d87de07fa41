package main

import (
	"os"

	"github.com/ndbg/ndbg/cmd/ndbg/cmds"
	"github.com/ndbg/ndbg/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.NdbgVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
