// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/go-delve/asyncstack/pkg/config"
	"github.com/go-delve/asyncstack/pkg/coroutine"
	"github.com/go-delve/asyncstack/pkg/remote"
)

type callContext struct {
	// Frame is the frame the command operates on.
	Frame int
}

type cmdfunc func(t *Term, ctx callContext, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for dlv-async terminal process.
type Commands struct {
	cmds []command
	// names indexes every alias for completion.
	names *trie.Trie
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"threads"}, group: threadCmds, cmdFn: threads, helpMsg: `Print out info for every thread of the target.

	threads

The selected thread is marked with an asterisk.`},
		{aliases: []string{"thread", "tr"}, group: threadCmds, cmdFn: thread, helpMsg: `Switch to the specified thread.

	thread <id|name>

Without arguments prints the selected thread.`},
		{aliases: []string{"stack", "bt"}, group: stackCmds, cmdFn: stackCommand, helpMsg: `Print stack trace.

	[frame <m>] stack [<depth>]

Prints the physical frames of the selected thread, innermost first.`},
		{aliases: []string{"frame"}, group: stackCmds, cmdFn: c.frameCommand, helpMsg: `Set the current frame, or execute command on a different frame.

	frame <m>
	frame <m> <command>

The first form sets frame used by evaluation commands such as continuation
and async-stack. The second form runs the command on the given frame.`},
		{aliases: []string{"up"}, group: stackCmds, cmdFn: c.upCommand, helpMsg: `Move the current frame up.

	up [<m>]

Move the current frame up by <m>.`},
		{aliases: []string{"down"}, group: stackCmds, cmdFn: c.downCommand, helpMsg: `Move the current frame down.

	down [<m>]

Move the current frame down by <m>.`},
		{aliases: []string{"continuation", "k"}, group: coroutineCmds, cmdFn: continuationCommand, helpMsg: `Print the continuation of the current frame.

	[frame <m>] continuation

The continuation is the receiver of invokeSuspend for suspend lambdas and
the $continuation argument for suspend functions. Continuations read from a
local variable stay pinned until exit.`},
		{aliases: []string{"completion"}, group: coroutineCmds, cmdFn: completionCommand, helpMsg: `Print the completion of the continuation of the current frame.

	[frame <m>] completion

The completion is the continuation that resumes once the current one
finishes.`},
		{aliases: []string{"async-stack", "as"}, group: coroutineCmds, cmdFn: asyncStackCommand, helpMsg: `Print the logical stack of the coroutine suspended in the current frame.

	[frame <m>] async-stack [<depth>]

Follows the completion chain starting at the continuation of the current
frame, printing the class and line each continuation will resume at. The
default depth is max-async-depth.`},
		{aliases: []string{"find"}, group: coroutineCmds, cmdFn: findCommand, helpMsg: `Find the continuation of a logical frame.

	[frame <m>] find <class>:<line>

Walks the completion chain starting at the continuation of the current frame
and prints the node matching the logical frame identified by class and line.
Class names containing spaces can be surrounded by double quotes.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of dlv-async commands.

	source <path>

If path ends with the .star extension it will be interpreted as a starlark script.
If path is a single '-' character an interactive starlark interpreter will start instead. Type 'exit' to exit.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.

	exit

Unpins every reference pinned during the session and closes the connection.
The target is left suspended.`},
	}

	sort.Sort(ByFirstAlias(c.cmds))
	c.index()
	return c
}

// index rebuilds the completion trie.
func (c *Commands) index() {
	c.names = trie.New()
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.names.Add(alias, nil)
		}
	}
}

// complete returns the aliases starting with line.
func (c *Commands) complete(line string) []string {
	if strings.ContainsAny(line, " \t") {
		return nil
	}
	r := c.names.PrefixSearch(strings.ToLower(line))
	sort.Strings(r)
	return r
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			c.cmds[i].helpMsg = helpMsg
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
	c.names.Add(cmdstr, nil)
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it will do nothing.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// CallWithContext takes a command and a context that command should be executed in.
func (c *Commands) CallWithContext(cmdstr string, t *Term, ctx callContext) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	if cmdname != "" {
		t.log.Debugf("command %q frame %d", cmdstr, ctx.Frame)
	}
	return c.Find(cmdname)(t, ctx, args)
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	return c.CallWithContext(cmdstr, t, callContext{Frame: t.frame})
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.index()
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, ctx callContext, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, ctx callContext, args string) error {
	return nil
}

func (c *Commands) help(t *Term, ctx callContext, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			if cmd.match(args) {
				fmt.Fprintln(t.stdout, cmd.helpMsg)
				return nil
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits args like a shell would. Command substitution is not
// supported.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal arguments '%s'", args)
	}
	return v[0], nil
}

// optionalInt parses the only argument of a command, returning def if there
// is none.
func optionalInt(cmdname, args string, def int) (int, error) {
	v, err := splitArgs(args)
	if err != nil {
		return 0, err
	}
	switch len(v) {
	case 0:
		return def, nil
	case 1:
		n, err := strconv.Atoi(v[0])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("argument of %s must be a positive number", cmdname)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("too many arguments to %s", cmdname)
	}
}

func threads(t *Term, ctx callContext, args string) error {
	cur, err := t.currentThread()
	if err != nil {
		return err
	}
	threads, err := t.vm.Threads()
	if err != nil {
		return err
	}
	sort.Sort(byThreadID(threads))
	for _, th := range threads {
		prefix := "  "
		if th.ID == cur.ID {
			prefix = "* "
		}
		t.Println(prefix, fmt.Sprintf("Thread %d %s", th.ID, th.Name))
	}
	return nil
}

func thread(t *Term, ctx callContext, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	switch len(v) {
	case 0:
		th, err := t.currentThread()
		if err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "Thread %d %s\n", th.ID, th.Name)
		return nil
	case 1:
	default:
		return errors.New("too many arguments to thread")
	}
	old := t.thread
	if err := t.SelectThread(v[0]); err != nil {
		return err
	}
	oldName := "<none>"
	if old.ID != 0 {
		oldName = old.Name
	}
	fmt.Fprintf(t.stdout, "Switched from %s to %s\n", oldName, t.thread.Name)
	return nil
}

type byThreadID []remote.Thread

func (a byThreadID) Len() int           { return len(a) }
func (a byThreadID) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byThreadID) Less(i, j int) bool { return a[i].ID < a[j].ID }

func stackCommand(t *Term, ctx callContext, args string) error {
	depth, err := optionalInt("stack", args, -1)
	if err != nil {
		return err
	}
	_, frames, err := t.currentFrames()
	if err != nil {
		return err
	}
	if depth >= 0 && depth+1 < len(frames) {
		frames = frames[:depth+1]
	}
	printStack(t, frames, ctx.Frame)
	return nil
}

func printStack(t *Term, frames []remote.StackFrame, cur int) {
	d := digits(len(frames) - 1)
	for i := range frames {
		prefix := "  "
		if i == cur {
			prefix = "=>"
		}
		t.Println(prefix, fmt.Sprintf("%*d  %s", d, i, frames[i].Location))
	}
}

func digits(n int) int {
	if n <= 0 {
		return 1
	}
	return len(strconv.Itoa(n))
}

func (c *Commands) frameCommand(t *Term, ctx callContext, argstr string) error {
	args := split2PartsBySpace(argstr)
	if args[0] == "" {
		return errors.New("not enough arguments")
	}
	frame, err := strconv.Atoi(args[0])
	if err != nil {
		return err
	}
	_, frames, err := t.currentFrames()
	if err != nil {
		return err
	}
	if frame < 0 || frame >= len(frames) {
		return fmt.Errorf("invalid frame %d", frame)
	}
	if len(args) > 1 {
		ctx.Frame = frame
		return c.CallWithContext(args[1], t, ctx)
	}
	t.frame = frame
	printFrame(t, frames, frame)
	return nil
}

func (c *Commands) upCommand(t *Term, ctx callContext, args string) error {
	return c.moveFrame(t, args, 1)
}

func (c *Commands) downCommand(t *Term, ctx callContext, args string) error {
	return c.moveFrame(t, args, -1)
}

func (c *Commands) moveFrame(t *Term, args string, direction int) error {
	n, err := optionalInt("up/down", args, 1)
	if err != nil {
		return err
	}
	_, frames, err := t.currentFrames()
	if err != nil {
		return err
	}
	frame := t.frame + direction*n
	if frame < 0 || frame >= len(frames) {
		return errors.New("invalid frame")
	}
	t.frame = frame
	printFrame(t, frames, frame)
	return nil
}

func printFrame(t *Term, frames []remote.StackFrame, n int) {
	fmt.Fprintf(t.stdout, "Frame %d: %s\n", n, frames[n].Location)
}

// locate returns the continuation of frame n, nil if the frame is not
// running a suspend function.
func locate(t *Term, n int) (*remote.ExecutionContext, *coroutine.Continuation, func(), error) {
	ec, done, err := t.query(n)
	if err != nil {
		return nil, nil, nil, err
	}
	cont, err := coroutine.LookupCurrentFrame(ec)
	if err != nil {
		done()
		return nil, nil, nil, err
	}
	return ec, cont, done, nil
}

// describe returns the logical frame of a single continuation.
func describe(ec *remote.ExecutionContext, c *coroutine.Continuation) (*coroutine.AsyncFrame, error) {
	frames, err := coroutine.AsyncStack(ec, c, 1)
	if err != nil || len(frames) == 0 {
		return nil, err
	}
	return &frames[0], nil
}

func printContinuation(t *Term, ec *remote.ExecutionContext, c *coroutine.Continuation) error {
	f, err := describe(ec, c)
	if err != nil {
		return err
	}
	if f == nil {
		fmt.Fprintf(t.stdout, "%s (not a continuation)\n", c)
		return nil
	}
	fmt.Fprintf(t.stdout, "%s %s at %s\n", c, f.Type.Name(), f.Position)
	return nil
}

var errNoContinuation = errors.New("no continuation for the current frame")

func continuationCommand(t *Term, ctx callContext, args string) error {
	ec, cont, done, err := locate(t, ctx.Frame)
	if err != nil {
		return err
	}
	defer done()
	if cont == nil {
		return errNoContinuation
	}
	return printContinuation(t, ec, cont)
}

func completionCommand(t *Term, ctx callContext, args string) error {
	ec, cont, done, err := locate(t, ctx.Frame)
	if err != nil {
		return err
	}
	defer done()
	if cont == nil {
		return errNoContinuation
	}
	completion, err := cont.FindCompletion()
	if err != nil {
		return err
	}
	if completion == nil {
		fmt.Fprintln(t.stdout, "no completion")
		return nil
	}
	return printContinuation(t, ec, completion)
}

func asyncStackCommand(t *Term, ctx callContext, args string) error {
	depth, err := optionalInt("async-stack", args, t.conf.AsyncDepth())
	if err != nil {
		return err
	}
	ec, cont, done, err := locate(t, ctx.Frame)
	if err != nil {
		return err
	}
	defer done()
	if cont == nil {
		return errNoContinuation
	}
	frames, err := coroutine.AsyncStack(ec, cont, depth)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		fmt.Fprintln(t.stdout, "(empty)")
		return nil
	}
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)
	d := digits(len(frames) - 1)
	for i, f := range frames {
		fmt.Fprintf(w, "%*d  %s\t%s\n", d, i, f.Position, f.Type.Name())
	}
	return w.Flush()
}

// parseClassLine parses a logical frame written as class:line.
func parseClassLine(args string) (coroutine.ClassLine, error) {
	v := config.SplitQuotedFields(args, '"')
	if len(v) != 1 {
		return coroutine.UnknownClassLine, errors.New("wrong number of arguments, expected <class>:<line>")
	}
	i := strings.LastIndex(v[0], ":")
	if i <= 0 {
		return coroutine.UnknownClassLine, fmt.Errorf("malformed logical frame %q, expected <class>:<line>", v[0])
	}
	line, err := strconv.Atoi(v[0][i+1:])
	if err != nil {
		return coroutine.UnknownClassLine, fmt.Errorf("malformed line number in %q", v[0])
	}
	return coroutine.NewClassLine(v[0][:i], line), nil
}

func findCommand(t *Term, ctx callContext, args string) error {
	target, err := parseClassLine(args)
	if err != nil {
		return err
	}
	ec, cont, done, err := locate(t, ctx.Frame)
	if err != nil {
		return err
	}
	defer done()
	if cont == nil {
		return errNoContinuation
	}
	found, err := coroutine.LookupForFrame(ec, cont, target)
	if err != nil {
		return err
	}
	if found == nil {
		fmt.Fprintf(t.stdout, "no continuation found for %s\n", target)
		return nil
	}
	return printContinuation(t, ec, found)
}

func (c *Commands) sourceCommand(t *Term, ctx callContext, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 1 {
		return errors.New("wrong number of arguments: source <filename>")
	}
	if v[0] == "-" {
		return t.starlarkEnv.REPL(t.line)
	}
	return c.sourceFile(t, v[0])
}

// sourceFile executes path as a starlark script or as a list of commands,
// depending on its extension.
func (c *Commands) sourceFile(t *Term, path string) error {
	if filepath.Ext(path) == ".star" {
		_, err := t.starlarkEnv.Execute(path, nil, "main", nil)
		return err
	}
	return c.executeFile(t, path)
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}

// ExitRequestError is returned when the user
// exits dlv-async.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, ctx callContext, args string) error {
	return ExitRequestError{}
}

func split2PartsBySpace(s string) []string {
	v := strings.SplitN(s, " ", 2)
	for i := range v {
		v[i] = strings.TrimSpace(v[i])
	}
	return v
}

// ByFirstAlias will sort by the first
// alias of a command.
type ByFirstAlias []command

func (a ByFirstAlias) Len() int           { return len(a) }
func (a ByFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a ByFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }
