package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	threadCmds
	stackCmds
	coroutineCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Listing and switching between threads", threadCmds},
	{"Viewing the call stack and selecting frames", stackCmds},
	{"Inspecting suspended coroutines", coroutineCmds},
	{"Other commands", otherCmds},
}
