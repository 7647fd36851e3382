package starbind

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"
	"sync"

	startime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/go-delve/asyncstack/pkg/coroutine"
	"github.com/go-delve/asyncstack/pkg/remote"
)

const (
	dlvCommandBuiltinName = "dlv_command"
	threadsBuiltinName    = "threads"
	stackBuiltinName      = "stack"
	locateBuiltinName     = "locate"
	asyncStackBuiltinName = "async_stack"
	findFrameBuiltinName  = "find_frame"
	helpBuiltinName       = "help"
	commandPrefix         = "command_"
	dlvContextName        = "dlv_context"
)

func init() {
	resolve.AllowNestedDef = true
	resolve.AllowLambda = true
	resolve.AllowFloat = true
	resolve.AllowSet = true
	resolve.AllowBitwise = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

// Context is the context in which starlark scripts are evaluated.
// It gives access to the target and to the commands of the terminal.
type Context interface {
	// Threads returns the threads of the target.
	Threads() ([]remote.Thread, error)
	// Stack returns the frames of the selected thread.
	Stack() ([]remote.StackFrame, error)
	// CurrentFrame returns the index of the selected frame.
	CurrentFrame() int
	// Query returns an ExecutionContext for the given frame of the selected
	// thread. done must be called once the query is finished.
	Query(frame int) (ec *remote.ExecutionContext, done func(), err error)
	// AsyncDepth is the default depth of async_stack.
	AsyncDepth() int
	RegisterCommand(name, helpMsg string, cmdfn func(args string) error)
	CallCommand(cmdstr string) error
}

// Env is the environment used to evaluate starlark scripts.
type Env struct {
	env       starlark.StringDict
	contextMu sync.Mutex
	thread    *starlark.Thread
	cancelfn  context.CancelFunc

	ctx Context
	out io.Writer
}

type builtinFn func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

// New creates a new starlark binding environment.
func New(ctx Context, out io.Writer) *Env {
	env := &Env{
		env: starlark.StringDict{},
		ctx: ctx,
		out: out,
	}

	// Make the "time" module available to Starlark scripts.
	starlark.Universe["time"] = startime.Module

	doc := map[string]string{}
	builtin := func(name, args, descr string, fn builtinFn) {
		env.env[name] = starlark.NewBuiltin(name, fn)
		doc[name] = name + args + "\n\n" + name + " " + descr
	}

	builtin(dlvCommandBuiltinName, "(Command)", "executes a command of the terminal.", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := isCancelled(thread); err != nil {
			return starlark.None, err
		}
		argstrs := make([]string, len(args))
		for i := range args {
			a, ok := args[i].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("argument of dlv_command is not a string")
			}
			argstrs[i] = string(a)
		}
		return starlark.None, decorateError(thread, env.ctx.CallCommand(strings.Join(argstrs, " ")))
	})

	builtin(threadsBuiltinName, "()", "returns the list of threads of the target.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
			return nil, err
		}
		threads, err := env.ctx.Threads()
		if err != nil {
			return nil, decorateError(thread, err)
		}
		r := make([]starlark.Value, len(threads))
		for i := range threads {
			r[i] = threadToStarlark(threads[i])
		}
		return starlark.NewList(r), nil
	})

	builtin(stackBuiltinName, "()", "returns the frames of the selected thread, innermost first.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
			return nil, err
		}
		frames, err := env.ctx.Stack()
		if err != nil {
			return nil, decorateError(thread, err)
		}
		r := make([]starlark.Value, len(frames))
		for i := range frames {
			r[i] = frameToStarlark(i, frames[i])
		}
		return starlark.NewList(r), nil
	})

	builtin(locateBuiltinName, "(Frame)", "returns the continuation of a frame, None if the frame is not running a suspend function. Frame defaults to the selected frame.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		frame := env.ctx.CurrentFrame()
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "frame?", &frame); err != nil {
			return nil, err
		}
		var r starlark.Value = starlark.None
		err := env.withContinuation(thread, frame, func(ec *remote.ExecutionContext, c *coroutine.Continuation) error {
			frames, err := coroutine.AsyncStack(ec, c, 1)
			if err != nil {
				return err
			}
			if len(frames) > 0 {
				r = asyncFrameToStarlark(frames[0])
			}
			return nil
		})
		return r, decorateError(thread, err)
	})

	builtin(asyncStackBuiltinName, "(Frame, Depth)", "returns the completion chain of the continuation of a frame, most recent first.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		frame, depth := env.ctx.CurrentFrame(), env.ctx.AsyncDepth()
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "frame?", &frame, "depth?", &depth); err != nil {
			return nil, err
		}
		r := starlark.NewList(nil)
		err := env.withContinuation(thread, frame, func(ec *remote.ExecutionContext, c *coroutine.Continuation) error {
			frames, err := coroutine.AsyncStack(ec, c, depth)
			if err != nil {
				return err
			}
			for _, f := range frames {
				r.Append(asyncFrameToStarlark(f))
			}
			return nil
		})
		return r, decorateError(thread, err)
	})

	builtin(findFrameBuiltinName, "(Class, Line, Frame)", "returns the continuation matching the logical frame Class:Line in the completion chain of the continuation of Frame, or None.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			className string
			line      int
		)
		frame := env.ctx.CurrentFrame()
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "class_name", &className, "line", &line, "frame?", &frame); err != nil {
			return nil, err
		}
		var r starlark.Value = starlark.None
		err := env.withContinuation(thread, frame, func(ec *remote.ExecutionContext, c *coroutine.Continuation) error {
			found, err := coroutine.LookupForFrame(ec, c, coroutine.NewClassLine(className, line))
			if err != nil || found == nil {
				return err
			}
			frames, err := coroutine.AsyncStack(ec, found, 1)
			if err != nil {
				return err
			}
			if len(frames) > 0 {
				r = asyncFrameToStarlark(frames[0])
			}
			return nil
		})
		return r, decorateError(thread, err)
	})

	builtin(helpBuiltinName, "(Object)", "prints help for Object.", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		switch len(args) {
		case 0:
			fmt.Fprintln(env.out, "Available builtins:")
			bins := make([]string, 0, len(env.env))
			for name, value := range env.env {
				if _, ok := value.(*starlark.Builtin); ok {
					bins = append(bins, name)
				}
			}
			sort.Strings(bins)
			for _, bin := range bins {
				fmt.Fprintf(env.out, "\t%s\n", bin)
			}
		case 1:
			switch x := args[0].(type) {
			case *starlark.Builtin:
				if doc[x.Name()] != "" {
					fmt.Fprintf(env.out, "%s\n", doc[x.Name()])
				} else {
					fmt.Fprintf(env.out, "no help for builtin %s\n", x.Name())
				}
			case *starlark.Function:
				fmt.Fprintf(env.out, "user defined function %s\n", x.Name())
				if doc := x.Doc(); doc != "" {
					fmt.Fprintln(env.out, doc)
				}
			default:
				fmt.Fprintf(env.out, "no help for object of type %T\n", args[0])
			}
		default:
			fmt.Fprintln(env.out, "wrong number of arguments ", len(args))
		}
		return starlark.None, nil
	})

	return env
}

// withContinuation locates the continuation of frame and calls fn with it.
// fn is not called if the frame has no continuation.
func (env *Env) withContinuation(thread *starlark.Thread, frame int, fn func(*remote.ExecutionContext, *coroutine.Continuation) error) error {
	if err := isCancelled(thread); err != nil {
		return err
	}
	ec, done, err := env.ctx.Query(frame)
	if err != nil {
		return err
	}
	defer done()
	c, err := coroutine.LookupCurrentFrame(ec)
	if err != nil || c == nil {
		return err
	}
	return fn(ec, c)
}

// Redirect redirects starlark output to out.
func (env *Env) Redirect(out io.Writer) {
	env.out = out
	if env.thread != nil {
		env.thread.Print = env.printFunc()
	}
}

func (env *Env) printFunc() func(_ *starlark.Thread, msg string) {
	return func(_ *starlark.Thread, msg string) { fmt.Fprintln(env.out, msg) }
}

// Execute executes a script. Path is the name of the file to execute and
// source is the source code to execute.
// Source can be either a []byte, a string or a io.Reader. If source is nil
// Execute will execute the file specified by 'path'.
// After the file is executed if a function named mainFnName exists it will be called, passing args to it.
func (env *Env) Execute(path string, source interface{}, mainFnName string, args []interface{}) (_ starlark.Value, _err error) {
	defer func() {
		err := recover()
		if err == nil {
			return
		}
		_err = fmt.Errorf("panic executing starlark script: %v", err)
		fmt.Fprintf(env.out, "panic executing starlark script: %v\n", err)
		for i := 0; ; i++ {
			pc, file, line, ok := runtime.Caller(i)
			if !ok {
				break
			}
			fname := "<unknown>"
			fn := runtime.FuncForPC(pc)
			if fn != nil {
				fname = fn.Name()
			}
			fmt.Fprintf(env.out, "%s\n\tin %s:%d\n", fname, file, line)
		}
	}()

	thread := env.newThread()
	globals, err := starlark.ExecFile(thread, path, source, env.env)
	if err != nil {
		return starlark.None, err
	}

	err = env.exportGlobals(globals)
	if err != nil {
		return starlark.None, err
	}

	return env.callMain(thread, globals, mainFnName, args)
}

// exportGlobals saves globals with a name starting with a capital letter
// into the environment and creates commands from globals with a name
// starting with "command_"
func (env *Env) exportGlobals(globals starlark.StringDict) error {
	for name, val := range globals {
		switch {
		case strings.HasPrefix(name, commandPrefix):
			err := env.createCommand(name, val)
			if err != nil {
				return err
			}
		case name[0] >= 'A' && name[0] <= 'Z':
			env.env[name] = val
		}
	}
	return nil
}

// Cancel cancels the execution of a currently running script or function.
func (env *Env) Cancel() {
	if env == nil {
		return
	}
	env.contextMu.Lock()
	if env.cancelfn != nil {
		env.cancelfn()
		env.cancelfn = nil
	}
	if env.thread != nil {
		env.thread.Cancel("user interrupt")
	}
	env.contextMu.Unlock()
}

func (env *Env) newThread() *starlark.Thread {
	thread := &starlark.Thread{
		Print: env.printFunc(),
	}
	env.contextMu.Lock()
	var ctx context.Context
	ctx, env.cancelfn = context.WithCancel(context.Background())
	env.thread = thread
	env.contextMu.Unlock()
	thread.SetLocal(dlvContextName, ctx)
	return thread
}

func (env *Env) createCommand(name string, val starlark.Value) error {
	fnval, ok := val.(*starlark.Function)
	if !ok {
		return nil
	}

	name = name[len(commandPrefix):]

	helpMsg := fnval.Doc()
	if helpMsg == "" {
		helpMsg = "user defined"
	}

	if fnval.NumParams() == 1 {
		if p0, _ := fnval.Param(0); p0 == "args" {
			env.ctx.RegisterCommand(name, helpMsg, func(args string) error {
				_, err := starlark.Call(env.newThread(), fnval, starlark.Tuple{starlark.String(args)}, nil)
				return err
			})
			return nil
		}
	}

	env.ctx.RegisterCommand(name, helpMsg, func(args string) error {
		thread := env.newThread()
		argval, err := starlark.Eval(thread, "<input>", "("+args+")", env.env)
		if err != nil {
			return err
		}
		argtuple, ok := argval.(starlark.Tuple)
		if !ok {
			argtuple = starlark.Tuple{argval}
		}
		_, err = starlark.Call(thread, fnval, argtuple, nil)
		return err
	})
	return nil
}

// callMain calls the main function in globals, if one was defined.
func (env *Env) callMain(thread *starlark.Thread, globals starlark.StringDict, mainFnName string, args []interface{}) (starlark.Value, error) {
	if mainFnName == "" {
		return starlark.None, nil
	}
	mainval := globals[mainFnName]
	if mainval == nil {
		return starlark.None, nil
	}
	mainfn, ok := mainval.(*starlark.Function)
	if !ok {
		return starlark.None, fmt.Errorf("%s is not a function", mainFnName)
	}
	if mainfn.NumParams() != len(args) {
		return starlark.None, fmt.Errorf("wrong number of arguments for %s", mainFnName)
	}
	argtuple := make(starlark.Tuple, len(args))
	for i := range args {
		v, err := toStarlarkValue(args[i])
		if err != nil {
			return starlark.None, err
		}
		argtuple[i] = v
	}
	return starlark.Call(thread, mainfn, argtuple, nil)
}

func isCancelled(thread *starlark.Thread) error {
	if ctx, ok := thread.Local(dlvContextName).(context.Context); ok {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func decorateError(thread *starlark.Thread, err error) error {
	if err == nil {
		return nil
	}
	pos := thread.CallFrame(1).Pos
	if pos.Col > 0 {
		return fmt.Errorf("%s:%d:%d: %w", pos.Filename(), pos.Line, pos.Col, err)
	}
	return fmt.Errorf("%s:%d: %w", pos.Filename(), pos.Line, err)
}
