package terminal

import (
	"github.com/go-delve/asyncstack/pkg/remote"
	"github.com/go-delve/asyncstack/pkg/terminal/starbind"
)

type starlarkContext struct {
	term *Term
}

var _ starbind.Context = starlarkContext{}

func (ctx starlarkContext) Threads() ([]remote.Thread, error) {
	return ctx.term.vm.Threads()
}

func (ctx starlarkContext) Stack() ([]remote.StackFrame, error) {
	_, frames, err := ctx.term.currentFrames()
	return frames, err
}

func (ctx starlarkContext) CurrentFrame() int {
	return ctx.term.frame
}

func (ctx starlarkContext) Query(frame int) (*remote.ExecutionContext, func(), error) {
	return ctx.term.query(frame)
}

func (ctx starlarkContext) AsyncDepth() int {
	return ctx.term.conf.AsyncDepth()
}

func (ctx starlarkContext) RegisterCommand(name, helpMsg string, fn func(args string) error) {
	cmdfn := func(t *Term, ctx callContext, args string) error {
		return fn(args)
	}
	ctx.term.cmds.Register(name, cmdfn, helpMsg)
}

func (ctx starlarkContext) CallCommand(cmdstr string) error {
	return ctx.term.cmds.Call(cmdstr, ctx.term)
}
