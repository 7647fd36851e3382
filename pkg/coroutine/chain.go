package coroutine

import (
	"fmt"

	"github.com/go-delve/asyncstack/pkg/logflags"
	"github.com/go-delve/asyncstack/pkg/remote"
)

const (
	stackTraceElementClass = "java.lang.StackTraceElement"

	getStackTraceElementMethod    = "getStackTraceElement"
	getStackTraceElementSignature = "()Ljava/lang/StackTraceElement;"
	getClassNameMethod            = "getClassName"
	getClassNameSignature         = "()Ljava/lang/String;"
	getLineNumberMethod           = "getLineNumber"
	getLineNumberSignature        = "()I"
)

// ClassLine identifies a logical frame by the name of its declaring class
// and its source line.
type ClassLine struct {
	ClassName string
	Line      int
	known     bool
}

// UnknownClassLine is the position of a continuation that could not be
// described. It matches nothing, not even itself.
var UnknownClassLine = ClassLine{}

// NewClassLine returns a known position.
func NewClassLine(className string, line int) ClassLine {
	return ClassLine{ClassName: className, Line: line, known: true}
}

// Known returns false for UnknownClassLine.
func (cl ClassLine) Known() bool {
	return cl.known
}

// Matches returns true if cl and other are both known and equal.
func (cl ClassLine) Matches(other ClassLine) bool {
	return cl.known && other.known && cl.ClassName == other.ClassName && cl.Line == other.Line
}

func (cl ClassLine) String() string {
	if !cl.known {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:%d", cl.ClassName, cl.Line)
}

// walkState is the state of LookupForFrame. previous is the position of the
// node that was current before the last advance, current is the node that
// advance reached.
type walkState struct {
	previous ClassLine
	current  *Continuation
	visited  map[remote.ObjectID]bool
}

// advance describes the current node and moves to its completion. It
// returns false when the chain ends.
func (st *walkState) advance(ctx *remote.ExecutionContext) (bool, error) {
	position, err := describeFrame(ctx, st.current)
	if err != nil {
		return false, err
	}
	next, err := st.current.FindCompletion()
	if err != nil || next == nil {
		return false, err
	}
	if st.visited[next.ref] {
		return false, nil
	}
	st.visited[next.ref] = true
	st.previous = position
	st.current = next
	return true, nil
}

// LookupForFrame walks the completion chain starting at start and returns
// the continuation reached right after the node whose position matches
// frame.
//
// The comparison lags one step behind the walk: the position of a node is
// compared with frame only after moving to its completion, and when it
// matches the completion is returned. The position of start itself is
// therefore never the result; the first candidate is start's completion.
//
// LookupForFrame returns nil if the chain ends or reaches an object that is
// not a continuation before a match is found.
func LookupForFrame(ctx *remote.ExecutionContext, start *Continuation, frame ClassLine) (*Continuation, error) {
	if start == nil {
		return nil, nil
	}
	valid, err := start.Valid()
	if err != nil || !valid {
		return nil, err
	}
	log := logflags.CoroutineLogger().WithField("target", frame.String())
	st := walkState{current: start, visited: map[remote.ObjectID]bool{start.ref: true}}
	for {
		ok, err := st.advance(ctx)
		if err != nil || !ok {
			return nil, err
		}
		valid, err := st.current.Valid()
		if err != nil || !valid {
			return nil, err
		}
		if st.previous.Matches(frame) {
			log.Debugf("matched %s after %s", st.current, st.previous)
			return st.current, nil
		}
	}
}

// describeFrame returns the position of continuation c as reported by its
// getStackTraceElement method. If the method is missing, fails or returns
// null the result is UnknownClassLine. Only transport failures are returned
// as errors.
// The StackTraceElement is pinned only while its accessors are invoked.
func describeFrame(ctx *remote.ExecutionContext, c *Continuation) (ClassLine, error) {
	vm := ctx.VM()
	t, err := c.ReferenceType()
	if err != nil || t == nil {
		return UnknownClassLine, err
	}
	m, err := remote.ConcreteMethodByName(vm, t, getStackTraceElementMethod, getStackTraceElementSignature)
	if err != nil || m == nil {
		return UnknownClassLine, notFound(err)
	}
	v, err := ctx.InvokeMethod(c.ref, m, nil)
	if err != nil {
		return UnknownClassLine, notFound(err)
	}
	ste, ok := v.ObjectRef()
	if !ok {
		return UnknownClassLine, nil
	}
	// ste is only reachable through our handle and the next two calls let
	// the target run.
	if err := ctx.KeepReference(ste); err != nil {
		return UnknownClassLine, notFound(err)
	}
	defer func() {
		if err := ctx.ReleaseReference(ste); err != nil {
			logflags.CoroutineLogger().WithObject("ste", uint64(ste)).Debugf("could not release: %v", err)
		}
	}()

	steType, err := ctx.FindClass(stackTraceElementClass)
	if err != nil || steType == nil {
		return UnknownClassLine, notFound(err)
	}
	getClassName, err := remote.ConcreteMethodByName(vm, steType, getClassNameMethod, getClassNameSignature)
	if err != nil || getClassName == nil {
		return UnknownClassLine, notFound(err)
	}
	getLineNumber, err := remote.ConcreteMethodByName(vm, steType, getLineNumberMethod, getLineNumberSignature)
	if err != nil || getLineNumber == nil {
		return UnknownClassLine, notFound(err)
	}

	v, err = ctx.InvokeMethod(ste, getClassName, nil)
	if err != nil {
		return UnknownClassLine, notFound(err)
	}
	nameObj, ok := v.ObjectRef()
	if !ok {
		return UnknownClassLine, nil
	}
	className, err := vm.StringValue(nameObj)
	if err != nil {
		return UnknownClassLine, notFound(err)
	}

	v, err = ctx.InvokeMethod(ste, getLineNumber, nil)
	if err != nil {
		return UnknownClassLine, notFound(err)
	}
	line, ok := v.Int()
	if !ok {
		return UnknownClassLine, nil
	}
	return NewClassLine(className, int(line)), nil
}

// AsyncFrame is a logical frame of a suspended coroutine.
type AsyncFrame struct {
	Continuation *Continuation
	Type         *remote.Type
	Position     ClassLine
}

// AsyncStack describes the completion chain starting at start, most recent
// continuation first. The walk stops at the root of the chain, at the first
// object that is not a continuation or after maxDepth frames.
func AsyncStack(ctx *remote.ExecutionContext, start *Continuation, maxDepth int) ([]AsyncFrame, error) {
	var frames []AsyncFrame
	visited := map[remote.ObjectID]bool{}
	for cur := start; cur != nil && len(frames) < maxDepth && !visited[cur.ref]; {
		visited[cur.ref] = true
		valid, err := cur.Valid()
		if err != nil {
			return nil, err
		}
		if !valid {
			break
		}
		t, err := cur.ReferenceType()
		if err != nil {
			return nil, err
		}
		pos, err := describeFrame(ctx, cur)
		if err != nil {
			return nil, err
		}
		frames = append(frames, AsyncFrame{Continuation: cur, Type: t, Position: pos})
		cur, err = cur.FindCompletion()
		if err != nil {
			return nil, err
		}
	}
	return frames, nil
}
