package coroutine

import (
	"strings"

	"github.com/go-delve/asyncstack/pkg/logflags"
	"github.com/go-delve/asyncstack/pkg/remote"
)

const (
	invokeSuspendMethodName      = "invokeSuspend"
	invokeSuspendMethodSignature = "(Ljava/lang/Object;)Ljava/lang/Object;"

	// continuationParameterSuffix is found in the signature of every
	// suspend function: the continuation is passed as the last argument.
	continuationParameterSuffix = "Lkotlin/coroutines/Continuation;)"

	// ContinuationVariableName is the name of the local variable holding the
	// continuation argument of a suspend function.
	ContinuationVariableName = "$continuation"
)

// SuspendLambdaClasses are the base classes of suspend lambdas.
var SuspendLambdaClasses = []string{
	"kotlin.coroutines.jvm.internal.SuspendLambda",
	"kotlin.coroutines.jvm.internal.RestrictedSuspendLambda",
}

// LookupCurrentFrame is Lookup for the method of the frame ctx is
// evaluating in.
func LookupCurrentFrame(ctx *remote.ExecutionContext) (*Continuation, error) {
	frame := ctx.Frame()
	if frame == nil {
		return nil, nil
	}
	return Lookup(ctx, frame.Location.Method)
}

// Lookup returns the continuation of the frame ctx is evaluating in, which
// is executing method. There are two cases:
//
//   - method is the invokeSuspend entry point of a suspend lambda: the
//     receiver is the continuation, provided that it really is a suspend
//     lambda and not some other invoker;
//   - method is a suspend function: the continuation is passed as the last
//     argument and can be read from the $continuation local variable. The
//     reference is pinned for the rest of the session.
//
// Lookup returns nil if neither case applies.
func Lookup(ctx *remote.ExecutionContext, method *remote.Method) (*Continuation, error) {
	if method == nil {
		return nil, nil
	}
	log := logflags.CoroutineLogger().WithField("method", method.String())
	switch {
	case isInvokeSuspendMethod(method):
		this, err := ctx.ThisObject()
		if err != nil {
			return nil, notFound(err)
		}
		obj, ok := this.ObjectRef()
		if !ok {
			return nil, nil
		}
		t, err := ctx.VM().ObjectType(obj)
		if err != nil {
			return nil, notFound(err)
		}
		ok, err = isSuspendLambda(ctx.VM(), t)
		if err != nil || !ok {
			if err == nil {
				log.Debugf("receiver of type %s is not a suspend lambda", t)
			}
			return nil, err
		}
		return &Continuation{ctx: ctx, ref: obj}, nil

	case isContinuationProvider(method):
		v, err := ctx.VisibleVariableByName(ContinuationVariableName)
		if err != nil || v == nil {
			return nil, notFound(err)
		}
		val, err := ctx.LocalValue(v)
		if err != nil {
			return nil, notFound(err)
		}
		obj, ok := val.ObjectRef()
		if !ok {
			return nil, nil
		}
		if err := ctx.KeepReference(obj); err != nil {
			return nil, notFound(err)
		}
		log.WithObject("continuation", uint64(obj)).Debugf("read from %s", ContinuationVariableName)
		return &Continuation{ctx: ctx, ref: obj}, nil
	}
	return nil, nil
}

func isInvokeSuspendMethod(method *remote.Method) bool {
	return method.Name == invokeSuspendMethodName && method.Signature == invokeSuspendMethodSignature
}

func isContinuationProvider(method *remote.Method) bool {
	return strings.Contains(method.Signature, continuationParameterSuffix)
}

func isSuspendLambda(vm remote.VM, t *remote.Type) (bool, error) {
	for _, name := range SuspendLambdaClasses {
		ok, err := remote.IsSubtype(vm, t, name)
		if err != nil {
			return false, notFound(err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
