package remote_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/go-delve/asyncstack/pkg/remote"
	"github.com/go-delve/asyncstack/pkg/remote/heap"
)

func TestSignatureConversion(t *testing.T) {
	tests := []struct {
		sig  string
		name string
	}{
		{"Ljava/lang/String;", "java.lang.String"},
		{"Ldemo/MainKt$main$1;", "demo.MainKt$main$1"},
		{"[I", "int[]"},
		{"[[Ljava/lang/Object;", "java.lang.Object[][]"},
		{"Z", "boolean"},
	}
	for _, tc := range tests {
		if got := remote.SignatureToName(tc.sig); got != tc.name {
			t.Errorf("SignatureToName(%q) = %q, expected %q", tc.sig, got, tc.name)
		}
		if strings.HasSuffix(tc.sig, ";") {
			if got := remote.NameToSignature(tc.name); got != tc.sig {
				t.Errorf("NameToSignature(%q) = %q, expected %q", tc.name, got, tc.sig)
			}
		}
	}
}

func TestValues(t *testing.T) {
	if !remote.Null.IsNull() {
		t.Errorf("Null is not null")
	}
	if _, ok := remote.Null.ObjectRef(); ok {
		t.Errorf("Null has an object")
	}
	if obj, ok := (remote.Value{Tag: remote.TagString, Object: 3}).ObjectRef(); !ok || obj != 3 {
		t.Errorf("string reference: %v %v", obj, ok)
	}
	if n, ok := remote.IntValue(-5).Int(); !ok || n != -5 {
		t.Errorf("IntValue(-5).Int() = %d %v", n, ok)
	}
	if _, ok := remote.ObjectValue(4).Int(); ok {
		t.Errorf("object reference converted to int")
	}
	for _, tc := range []struct {
		v    remote.Value
		want string
	}{
		{remote.Null, "null"},
		{remote.IntValue(42), "42"},
		{remote.Value{Tag: remote.TagBoolean, Bits: 1}, "true"},
		{remote.ObjectValue(0x10), "L@0x10"},
	} {
		if got := tc.v.String(); got != tc.want {
			t.Errorf("%#v.String() = %q, expected %q", tc.v, got, tc.want)
		}
	}
	if remote.TagForSignature("Ljava/lang/String;") != remote.TagString || remote.TagForSignature("[I") != remote.TagArray || remote.TagForSignature("J") != remote.TagLong {
		t.Errorf("TagForSignature")
	}
}

func TestErrorKinds(t *testing.T) {
	terr := &remote.TransportError{Op: "Frames", Err: errors.New("connection reset")}
	wrapped := fmt.Errorf("listing frames: %w", terr)
	if !remote.IsTransport(wrapped) {
		t.Errorf("wrapped transport error not recognized")
	}
	if remote.IsTransport(&remote.CommandError{Op: "GetValues", Code: remote.ErrCodeInvalidFieldID}) {
		t.Errorf("command error recognized as transport error")
	}
	if remote.IsTransport(&remote.InvocationError{Method: "toString()Ljava/lang/String;"}) {
		t.Errorf("invocation error recognized as transport error")
	}
	if remote.IsTransport(nil) {
		t.Errorf("nil is a transport error")
	}
	if got := remote.ErrCodeVMDead.String(); got != "VM_DEAD" {
		t.Errorf("VM_DEAD name: %q", got)
	}
	if got := remote.ErrorCode(7).String(); got != "error 7" {
		t.Errorf("unknown code name: %q", got)
	}
}

func newHierarchy(t *testing.T) (*heap.VM, *heap.Class) {
	vm := heap.New()
	a := vm.DefineClass("demo.A", "java.lang.Object", "x")
	a.DefineMethod("f", "()I", heap.Constant(remote.IntValue(1)))
	a.DefineMethod("g", "()I", heap.Constant(remote.IntValue(1)))
	b := vm.DefineClass("demo.B", "demo.A", "y")
	b.DefineMethod("f", "()I", heap.Constant(remote.IntValue(2)))
	b.DefineMethod("g", "()I", nil)
	c := vm.DefineClass("demo.C", "demo.B")
	return vm, c
}

func TestHierarchy(t *testing.T) {
	vm, c := newHierarchy(t)

	var names []string
	err := remote.WalkSuperclasses(vm, c.Type(), func(t *remote.Type) bool {
		names = append(names, t.Name())
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(names) != "[demo.C demo.B demo.A java.lang.Object]" {
		t.Errorf("superclass chain: %v", names)
	}

	for _, tc := range []struct {
		name string
		want bool
	}{
		{"demo.A", true},
		{"demo.C", true},
		{"java.lang.Object", true},
		{"java.lang.String", false},
	} {
		ok, err := remote.IsSubtype(vm, c.Type(), tc.name)
		if err != nil || ok != tc.want {
			t.Errorf("IsSubtype(demo.C, %s) = %v, %v", tc.name, ok, err)
		}
	}

	if f, _ := remote.DeclaredField(vm, c.Type(), "x"); f != nil {
		t.Errorf("inherited field reported as declared")
	}
	b, _ := remote.FindSuperclass(vm, c.Type(), "demo.B")
	if f, _ := remote.DeclaredField(vm, b, "y"); f == nil || f.Name != "y" {
		t.Errorf("declared field y not found")
	}

	m, err := remote.ConcreteMethodByName(vm, c.Type(), "f", "()I")
	if err != nil || m == nil || m.Declaring != b.ID {
		t.Errorf("f should dispatch to demo.B: %v %v", m, err)
	}
	// the abstract override in demo.B hides demo.A.g
	if m, _ := remote.ConcreteMethodByName(vm, c.Type(), "g", "()I"); m != nil {
		t.Errorf("g should be abstract, got %v", m)
	}
}

func TestHierarchyTransportFailure(t *testing.T) {
	vm, c := newHierarchy(t)
	vm.SetFault(func(op string) error {
		if op == "Superclass" {
			return &remote.TransportError{Op: op, Err: errors.New("timeout")}
		}
		return nil
	})
	if _, err := remote.IsSubtype(vm, c.Type(), "demo.A"); !remote.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if _, err := remote.ConcreteMethodByName(vm, c.Type(), "nope", "()V"); !remote.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func newContext(t *testing.T, ctx context.Context) (*heap.VM, *remote.ExecutionContext, remote.ObjectID) {
	vm := heap.New()
	vm.DefineClass("demo.A", "java.lang.Object")
	vm.DefineClass("demo.MainKt", "java.lang.Object")
	obj, err := vm.NewObject("demo.A", nil)
	if err != nil {
		t.Fatal(err)
	}
	tid := vm.NewThread("main")
	frame, err := vm.PushFrame(tid, "demo.MainKt", "main", "()V", 3, remote.Null, map[string]remote.Value{"a": remote.ObjectValue(obj)})
	if err != nil {
		t.Fatal(err)
	}
	return vm, remote.NewExecutionContext(ctx, vm, frame), obj
}

func TestExecutionContextPinning(t *testing.T) {
	vm, ec, obj := newContext(t, context.Background())
	if err := ec.KeepReference(obj); err != nil {
		t.Fatal(err)
	}
	if err := ec.KeepReference(0); err != nil {
		t.Fatal(err)
	}
	other := ec.WithFrame(ec.Frame())
	if len(other.Pinned()) != 1 {
		t.Fatalf("pins not shared: %v", other.Pinned())
	}
	if !vm.Pinned(obj) {
		t.Fatalf("object not pinned")
	}
	if err := other.Release(); err != nil {
		t.Fatal(err)
	}
	if vm.Pinned(obj) || len(ec.Pinned()) != 0 {
		t.Fatalf("object still pinned after Release")
	}
}

func TestExecutionContextReleaseReference(t *testing.T) {
	vm, ec, obj := newContext(t, context.Background())
	for i := 0; i < 2; i++ {
		if err := ec.KeepReference(obj); err != nil {
			t.Fatal(err)
		}
	}
	if err := ec.ReleaseReference(obj); err != nil {
		t.Fatal(err)
	}
	if !vm.Pinned(obj) || len(ec.Pinned()) != 1 {
		t.Fatalf("second pin lost: %v", ec.Pinned())
	}
	if err := ec.ReleaseReference(obj); err != nil {
		t.Fatal(err)
	}
	if vm.Pinned(obj) || len(ec.Pinned()) != 0 {
		t.Fatalf("object still pinned: %v", ec.Pinned())
	}
	// not pinned through ec, nothing to do
	vm.ResetCalls()
	if err := ec.ReleaseReference(obj); err != nil {
		t.Fatal(err)
	}
	if n := vm.Calls("EnableCollection"); n != 0 {
		t.Fatalf("EnableCollection called %d times for an unpinned object", n)
	}
}

func TestExecutionContextLocals(t *testing.T) {
	_, ec, obj := newContext(t, context.Background())
	v, err := ec.VisibleVariableByName("a")
	if err != nil || v == nil {
		t.Fatalf("variable a not found: %v", err)
	}
	val, err := ec.LocalValue(v)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := val.ObjectRef(); got != obj {
		t.Fatalf("a = %v", val)
	}
	if v, err := ec.VisibleVariableByName("b"); err != nil || v != nil {
		t.Fatalf("unexpected variable b: %v %v", v, err)
	}
	if typ, err := ec.FindClass("demo.A"); err != nil || typ == nil {
		t.Fatalf("FindClass(demo.A): %v %v", typ, err)
	}
	if typ, err := ec.FindClass("demo.Missing"); err != nil || typ != nil {
		t.Fatalf("FindClass(demo.Missing): %v %v", typ, err)
	}
}

func TestExecutionContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	vm, ec, obj := newContext(t, ctx)
	if err := ec.KeepReference(obj); err != nil {
		t.Fatal(err)
	}
	cancel()
	vm.ResetCalls()
	_, err := ec.VM().ObjectType(obj)
	if !remote.IsTransport(err) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to be a transport error, got %v", err)
	}
	if vm.Calls("ObjectType") != 0 {
		t.Fatalf("request sent after cancellation")
	}
	if err := ec.Release(); err != nil {
		t.Fatalf("Release after cancellation: %v", err)
	}
	if vm.Pinned(obj) {
		t.Fatalf("object still pinned")
	}
}

func TestExecutionContextWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	vm, session, obj := newContext(t, context.Background())
	query := session.WithContext(ctx)
	if err := query.KeepReference(obj); err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, err := query.VM().ObjectType(obj); !remote.IsTransport(err) {
		t.Fatalf("expected cancelled query to fail, got %v", err)
	}
	if _, err := session.VM().ObjectType(obj); err != nil {
		t.Fatalf("session cancelled with the query: %v", err)
	}
	if len(session.Pinned()) != 1 {
		t.Fatalf("pins not shared with the session: %v", session.Pinned())
	}
	if err := session.Release(); err != nil {
		t.Fatal(err)
	}
	if vm.Pinned(obj) {
		t.Fatalf("object still pinned")
	}
}
