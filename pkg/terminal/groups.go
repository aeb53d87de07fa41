package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	breakCmds
	runCmds
	dataCmds
	stackCmds
	sourceCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Running the program", runCmds},
	{"Manipulating breakpoints", breakCmds},
	{"Viewing program variables and registers", dataCmds},
	{"Viewing the call stack", stackCmds},
	{"Browsing source code and instructions", sourceCmds},
	{"Other commands", otherCmds},
}
