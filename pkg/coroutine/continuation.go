// Package coroutine reconstructs the logical call chain of a suspended
// coroutine from the continuation objects living in a paused target VM.
//
// A suspended coroutine is a linked list of continuations: every
// continuation derived from BaseContinuationImpl stores, in its completion
// field, the continuation that resumes after it. Lookup finds the
// continuation belonging to a physical stack frame, LookupForFrame walks the
// completion chain looking for the node matching a logical frame and
// AsyncStack describes the whole chain.
//
// All lookups report "not found" as a nil result with a nil error. The only
// errors returned are transport failures (see remote.IsTransport).
package coroutine

import (
	"fmt"

	"github.com/go-delve/asyncstack/pkg/logflags"
	"github.com/go-delve/asyncstack/pkg/remote"
)

const (
	// BaseContinuationImplClass is the ancestor of every continuation
	// recognized by this package.
	BaseContinuationImplClass = "kotlin.coroutines.jvm.internal.BaseContinuationImpl"

	completionFieldName = "completion"
)

// Continuation is a handle to a continuation object in the target.
type Continuation struct {
	ctx *remote.ExecutionContext
	ref remote.ObjectID
}

// NewContinuation wraps obj. The object is not checked, use Valid to find
// out if it really is a continuation.
func NewContinuation(ctx *remote.ExecutionContext, obj remote.ObjectID) *Continuation {
	return &Continuation{ctx: ctx, ref: obj}
}

// Object returns the wrapped reference.
func (c *Continuation) Object() remote.ObjectID {
	return c.ref
}

func (c *Continuation) String() string {
	return fmt.Sprintf("continuation@%#x", uint64(c.ref))
}

// ReferenceType returns the runtime class of the continuation, or nil if
// the object is not an instance of a class.
func (c *Continuation) ReferenceType() (*remote.Type, error) {
	if c.ref == 0 {
		return nil, nil
	}
	t, err := c.ctx.VM().ObjectType(c.ref)
	if err != nil {
		return nil, notFound(err)
	}
	if !t.IsClass() {
		return nil, nil
	}
	return t, nil
}

// Field reads field f of the continuation. The second return value is
// false if f does not apply to the object.
func (c *Continuation) Field(f *remote.Field) (remote.Value, bool, error) {
	vals, err := c.ctx.VM().GetValues(c.ref, []*remote.Field{f})
	if err != nil {
		return remote.Value{}, false, notFound(err)
	}
	if len(vals) != 1 {
		return remote.Value{}, false, nil
	}
	return vals[0], true, nil
}

// Valid returns true if the runtime type of the continuation derives from
// BaseContinuationImplClass.
func (c *Continuation) Valid() (bool, error) {
	t, err := c.ReferenceType()
	if err != nil || t == nil {
		return false, err
	}
	return IsRecognizedContinuationType(c.ctx.VM(), t)
}

// IsRecognizedContinuationType returns true if t is a class extending
// BaseContinuationImplClass.
func IsRecognizedContinuationType(vm remote.VM, t *remote.Type) (bool, error) {
	if !t.IsClass() {
		return false, nil
	}
	ok, err := remote.IsSubtype(vm, t, BaseContinuationImplClass)
	if err != nil {
		return false, notFound(err)
	}
	return ok, nil
}

// findBaseContinuationSupertype returns the BaseContinuationImplClass type
// in the superclass chain of the continuation's runtime type.
func (c *Continuation) findBaseContinuationSupertype() (*remote.Type, error) {
	t, err := c.ReferenceType()
	if err != nil || t == nil {
		return nil, err
	}
	st, err := remote.FindSuperclass(c.ctx.VM(), t, BaseContinuationImplClass)
	if err != nil {
		return nil, notFound(err)
	}
	return st, nil
}

// FindCompletion returns the continuation that resumes after c, read from
// the completion field of BaseContinuationImplClass. It returns nil at the
// root of the chain and when c is not a continuation.
func (c *Continuation) FindCompletion() (*Continuation, error) {
	st, err := c.findBaseContinuationSupertype()
	if err != nil || st == nil {
		return nil, err
	}
	f, err := remote.DeclaredField(c.ctx.VM(), st, completionFieldName)
	if err != nil {
		return nil, notFound(err)
	}
	if f == nil {
		return nil, nil
	}
	v, ok, err := c.Field(f)
	if err != nil || !ok {
		return nil, err
	}
	obj, ok := v.ObjectRef()
	if !ok {
		return nil, nil
	}
	return &Continuation{ctx: c.ctx, ref: obj}, nil
}

// notFound discards every error except transport failures: a refused
// command or an exception thrown by the target only means that what we were
// looking for is not there.
func notFound(err error) error {
	if err == nil || remote.IsTransport(err) {
		return err
	}
	if logflags.Coroutine() {
		logflags.CoroutineLogger().Debugf("treating %v as not found", err)
	}
	return nil
}
