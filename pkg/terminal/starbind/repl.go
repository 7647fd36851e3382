package starbind

// Code in this file is derived from go.starlark.net/repl/repl.go
// Which is licensed under the following copyright:
//
// Copyright (c) 2017 The Bazel Authors.  All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are
// met:
//
// 1. Redistributions of source code must retain the above copyright
//    notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
//    notice, this list of conditions and the following disclaimer in the
//    documentation and/or other materials provided with the
//    distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived
//    from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS
// "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT
// LIMITED TO, THE IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR
// A PARTICULAR PURPOSE ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT
// HOLDER OR CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT
// LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE,
// DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER CAUSED AND ON ANY
// THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT
// (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/go-delve/liner"
)

const (
	normalPrompt = ">>> "
	extraPrompt  = "... "

	exitCommand = "exit"

	// lastValueName is bound to the value of the last expression evaluated
	// by the REPL.
	lastValueName = "_"
)

// Prompter is the line source of an interactive session. *liner.State
// implements it.
type Prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// REPL reads statements from in and executes them until in is exhausted or
// the user types exit. Every statement runs on its own thread: Cancel aborts
// the statement being evaluated, along with the continuation walk it may be
// waiting on, and the session goes on with the next one.
// Globals starting with a capital letter or with "command_" are exported
// to the environment when the session ends.
func (env *Env) REPL(in Prompter) error {
	globals := make(starlark.StringDict, len(env.env)+1)
	for k, v := range env.env {
		globals[k] = v
	}
	globals[lastValueName] = starlark.None

	for {
		err := env.rep(in, globals)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	fmt.Fprintln(env.out)
	delete(globals, lastValueName)
	return env.exportGlobals(globals)
}

// rep reads, evaluates and prints one statement. It returns io.EOF at the
// end of the input, evaluation errors are printed.
func (env *Env) rep(in Prompter, globals starlark.StringDict) error {
	var eof, aborted bool

	prompt := normalPrompt
	readline := func() ([]byte, error) {
		line, err := in.Prompt(prompt)
		switch {
		case err == io.EOF:
			eof = true
			return nil, err
		case errors.Is(err, liner.ErrPromptAborted):
			aborted = true
			return nil, err
		case err != nil:
			return nil, err
		}
		if prompt == normalPrompt && strings.TrimSpace(line) == exitCommand {
			eof = true
			return nil, io.EOF
		}
		in.AppendHistory(line)
		prompt = extraPrompt
		return []byte(line + "\n"), nil
	}

	f, err := syntax.ParseCompoundStmt("<stdin>", readline)
	switch {
	case eof:
		return io.EOF
	case aborted:
		// ctrl-c at the prompt discards the pending input
		fmt.Fprintln(env.out)
		return nil
	case err != nil:
		env.printError(err)
		return nil
	}

	thread := env.newThread()

	if expr := soleExpr(f); expr != nil {
		v, err := starlark.EvalExpr(thread, expr, globals)
		if err != nil {
			env.printError(err)
			return nil
		}
		if v != starlark.None {
			fmt.Fprintln(env.out, v)
			globals[lastValueName] = v
		}
		return nil
	}

	prog, err := starlark.FileProgram(f, globals.Has)
	if err != nil {
		env.printError(err)
		return nil
	}
	// globals are not frozen, later statements may reassign them
	res, err := prog.Init(thread, globals)
	if err != nil {
		env.printError(err)
	}
	for k, v := range res {
		globals[k] = v
	}
	return nil
}

func soleExpr(f *syntax.File) syntax.Expr {
	if len(f.Stmts) == 1 {
		if stmt, ok := f.Stmts[0].(*syntax.ExprStmt); ok {
			return stmt.X
		}
	}
	return nil
}

// printError prints err, with its starlark backtrace if it has one.
func (env *Env) printError(err error) {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		fmt.Fprintln(env.out, evalErr.Backtrace())
		return
	}
	fmt.Fprintln(env.out, err)
}
