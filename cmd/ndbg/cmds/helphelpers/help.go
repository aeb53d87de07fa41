package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Prepare prepares cmd flag set for the invocation of its usage function by
// hiding flags that we want cobra to parse but we don't want to show to the
// user.
// We do this because not all flags associated with the root command are
// valid for all subcommands but we don't want to move them out of the root
// command and into subcommands, since that would change how cobra parses
// the command line.
//
// For example:
//
//	ndbg --tty=pty sim demo.yml
//
// must parse successfully even though the tty flag is not applicable
// to emulated targets.
//
// Prepare is a destructive command, cmd can not be reused after it has been
// called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "ndbg", "help", "version", "log":
		hideAllFlags(cmd)
	case "exec":
		// All flags apply
	case "sim":
		hideFlag(cmd, "disable-aslr")
		hideFlag(cmd, "tty")
		hideFlag(cmd, "wd")
	case "dap":
		hideFlag(cmd, "continue")
		hideFlag(cmd, "init")
	}
}

func hideAllFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
}

func hideFlag(cmd *cobra.Command, name string) {
	if cmd == nil {
		return
	}
	for _, fs := range []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags()} {
		if flag := fs.Lookup(name); flag != nil {
			flag.Hidden = true
			return
		}
	}
	hideFlag(cmd.Parent(), name)
}
