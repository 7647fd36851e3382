package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/go-delve/liner"

	"github.com/go-delve/asyncstack/pkg/config"
	"github.com/go-delve/asyncstack/pkg/logflags"
	"github.com/go-delve/asyncstack/pkg/remote"
	"github.com/go-delve/asyncstack/pkg/terminal/starbind"
)

const (
	historyFile   string = ".dbg_history"
	defaultPrompt string = "(dlv-async) "
)

// Term represents the terminal running dlv-async.
type Term struct {
	vm       remote.VM
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	dumb     bool
	stdout   io.Writer
	InitFile string

	// session owns the references pinned by every query of this terminal.
	session *remote.ExecutionContext
	thread  remote.Thread
	frame   int

	starlarkEnv *starbind.Env
	log         logflags.Logger

	queryMu     sync.Mutex
	cancelQuery context.CancelFunc
}

// New returns a new Term inspecting vm.
func New(vm remote.VM, conf *config.Config) *Term {
	cmds := DebugCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if conf == nil {
		conf = &config.Config{}
	}

	var w io.Writer

	dumb := isDumbTerminal(os.Stdout)
	if dumb {
		w = os.Stdout
	} else {
		w = getColorableWriter()
	}

	if !validPromptColor(conf.PromptColor) {
		conf.PromptColor = ansiBlue
	}

	prompt := defaultPrompt
	if !dumb {
		prompt = fmt.Sprintf(terminalHighlightEscapeCode, conf.PromptColor) + defaultPrompt + terminalResetEscapeCode
	}

	t := &Term{
		vm:      vm,
		conf:    conf,
		prompt:  prompt,
		line:    liner.NewLiner(),
		cmds:    cmds,
		dumb:    dumb,
		stdout:  w,
		session: remote.NewExecutionContext(context.Background(), vm, nil),
		log:     logflags.TerminalLogger(),
	}
	t.starlarkEnv = starbind.New(starlarkContext{t}, w)
	return t
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

// SetStdout redirects the output of commands and scripts to w.
func (t *Term) SetStdout(w io.Writer) {
	t.stdout = w
	t.starlarkEnv.Redirect(w)
}

// sigintGuard aborts the running query or script on SIGINT. The target is
// never resumed or stopped by us.
func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		if t.cancelRunningQuery() {
			fmt.Fprintln(t.stdout, "received SIGINT, aborting query")
		}
		t.starlarkEnv.Cancel()
	}
}

// Run begins running dlv-async in the terminal.
func (t *Term) Run() (int, error) {
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	go t.sigintGuard(ch)

	t.line.SetCompleter(func(line string) []string {
		return t.cmds.complete(line)
	})

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}

	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.cmds.sourceFile(t, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			if remote.IsTransport(err) && !t.queryCancelled(err) {
				fmt.Fprintf(os.Stderr, "Connection to the target lost: %v\n", err)
				code, _ := t.handleExit()
				return code, err
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// Println prints str prefixed by a highlighted prefix.
func (t *Term) Println(prefix, str string) {
	if !t.dumb {
		terminalColorEscapeCode := fmt.Sprintf(terminalHighlightEscapeCode, t.conf.PromptColor)
		prefix = fmt.Sprintf("%s%s%s", terminalColorEscapeCode, prefix, terminalResetEscapeCode)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

// handleExit saves the history, unpins every reference pinned during the
// session and closes the connection. The target stays suspended.
func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}

	return t.detach()
}

func (t *Term) detach() (int, error) {
	t.cancelRunningQuery()
	if err := t.session.Release(); err != nil {
		t.log.Warnf("could not release pinned references: %v", err)
	}
	if err := t.vm.Close(); err != nil {
		return 1, err
	}
	return 0, nil
}

// currentThread returns the selected thread. If none was selected yet the
// thread called "main" is selected, or the first thread if there is no such
// thread.
func (t *Term) currentThread() (remote.Thread, error) {
	if t.thread.ID != 0 {
		return t.thread, nil
	}
	threads, err := t.vm.Threads()
	if err != nil {
		return remote.Thread{}, err
	}
	if len(threads) == 0 {
		return remote.Thread{}, fmt.Errorf("the target has no threads")
	}
	t.thread = threads[0]
	for _, th := range threads {
		if th.Name == "main" {
			t.thread = th
			break
		}
	}
	return t.thread, nil
}

// SelectThread selects the thread with the given name or numeric ID.
func (t *Term) SelectThread(arg string) error {
	threads, err := t.vm.Threads()
	if err != nil {
		return err
	}
	for _, th := range threads {
		if th.Name == arg || fmt.Sprintf("%d", th.ID) == arg {
			t.thread = th
			t.frame = 0
			return nil
		}
	}
	return fmt.Errorf("unknown thread %q", arg)
}

// currentFrames returns the stack of the selected thread.
func (t *Term) currentFrames() (remote.Thread, []remote.StackFrame, error) {
	th, err := t.currentThread()
	if err != nil {
		return th, nil, err
	}
	frames, err := t.vm.Frames(th.ID)
	return th, frames, err
}

// query returns an ExecutionContext evaluating in frame n of the selected
// thread. The context stays valid until done is called or the user
// interrupts it, references pinned through it are released on exit.
func (t *Term) query(n int) (ec *remote.ExecutionContext, done func(), err error) {
	_, frames, err := t.currentFrames()
	if err != nil {
		return nil, nil, err
	}
	if n < 0 || n >= len(frames) {
		return nil, nil, fmt.Errorf("frame %d does not exist", n)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.queryMu.Lock()
	t.cancelQuery = cancel
	t.queryMu.Unlock()
	done = func() {
		t.queryMu.Lock()
		t.cancelQuery = nil
		t.queryMu.Unlock()
		cancel()
	}
	return t.session.WithContext(ctx).WithFrame(&frames[n]), done, nil
}

func (t *Term) cancelRunningQuery() bool {
	t.queryMu.Lock()
	defer t.queryMu.Unlock()
	if t.cancelQuery == nil {
		return false
	}
	t.cancelQuery()
	t.cancelQuery = nil
	return true
}

// queryCancelled returns true if err was caused by the user interrupting a
// query, as opposed to a failure of the connection.
func (t *Term) queryCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
