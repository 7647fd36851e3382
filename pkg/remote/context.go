package remote

import (
	"context"
	"errors"
	"sync"
)

// ExecutionContext is the context a continuation query is evaluated in: a
// VM, the suspended thread and frame the user selected, and the references
// pinned on behalf of the query.
//
// An ExecutionContext lives for one debugger session; Release must be called
// when the session ends so that pinned objects become collectable again.
type ExecutionContext struct {
	ctx    context.Context
	vm     VM
	frame  *StackFrame
	thread ThreadID

	pins *pinSet
}

// pinSet is the list of references pinned during a session, shared by all
// contexts derived from the same session.
type pinSet struct {
	mu     sync.Mutex
	pinned []ObjectID
}

// NewExecutionContext returns an ExecutionContext evaluating in frame. If
// ctx is cancelled or its deadline expires every subsequent remote operation
// fails with a TransportError.
func NewExecutionContext(ctx context.Context, vm VM, frame *StackFrame) *ExecutionContext {
	if ctx == nil {
		ctx = context.Background()
	}
	ec := &ExecutionContext{ctx: ctx, vm: vm, frame: frame, pins: &pinSet{}}
	if frame != nil {
		ec.thread = frame.Thread
	}
	return ec
}

// WithFrame returns a new ExecutionContext for a different frame sharing the
// VM, the cancellation context and the pinned references of ec.
func (ec *ExecutionContext) WithFrame(frame *StackFrame) *ExecutionContext {
	return &ExecutionContext{ctx: ec.ctx, vm: ec.vm, frame: frame, thread: frame.Thread, pins: ec.pins}
}

// WithContext returns a new ExecutionContext for the same frame that is
// cancelled by ctx instead. Pinned references are shared with ec.
func (ec *ExecutionContext) WithContext(ctx context.Context) *ExecutionContext {
	return &ExecutionContext{ctx: ctx, vm: ec.vm, frame: ec.frame, thread: ec.thread, pins: ec.pins}
}

// VM returns the VM of the context. Calls made through it fail with a
// TransportError once the context is done.
func (ec *ExecutionContext) VM() VM {
	return guardedVM{ec.ctx, ec.vm}
}

// Frame returns the frame the context evaluates in.
func (ec *ExecutionContext) Frame() *StackFrame {
	return ec.frame
}

// Thread returns the thread used for method invocations.
func (ec *ExecutionContext) Thread() ThreadID {
	return ec.thread
}

func checkContext(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: op, Err: err}
	}
	return nil
}

// InvokeMethod invokes m on obj in the thread of the context.
func (ec *ExecutionContext) InvokeMethod(obj ObjectID, m *Method, args []Value) (Value, error) {
	return ec.VM().InvokeMethod(ec.thread, obj, m, args)
}

// KeepReference pins obj so that it stays valid until Release is called.
func (ec *ExecutionContext) KeepReference(obj ObjectID) error {
	if obj == 0 {
		return nil
	}
	if err := ec.VM().DisableCollection(obj); err != nil {
		return err
	}
	ec.pins.mu.Lock()
	ec.pins.pinned = append(ec.pins.pinned, obj)
	ec.pins.mu.Unlock()
	return nil
}

// Pinned returns the references pinned so far.
func (ec *ExecutionContext) Pinned() []ObjectID {
	ec.pins.mu.Lock()
	defer ec.pins.mu.Unlock()
	r := make([]ObjectID, len(ec.pins.pinned))
	copy(r, ec.pins.pinned)
	return r
}

// ReleaseReference unpins obj, pinned earlier through KeepReference. Objects
// that are not pinned are ignored.
func (ec *ExecutionContext) ReleaseReference(obj ObjectID) error {
	if obj == 0 {
		return nil
	}
	ec.pins.mu.Lock()
	found := false
	for i, p := range ec.pins.pinned {
		if p == obj {
			ec.pins.pinned = append(ec.pins.pinned[:i], ec.pins.pinned[i+1:]...)
			found = true
			break
		}
	}
	ec.pins.mu.Unlock()
	if !found {
		return nil
	}
	return ec.vm.EnableCollection(obj)
}

// FindClass returns a loaded class called name, or nil if no such class is
// loaded.
func (ec *ExecutionContext) FindClass(name string) (*Type, error) {
	types, err := ec.VM().ClassesByName(name)
	if err != nil {
		return nil, err
	}
	for _, t := range types {
		if t.IsClass() {
			return t, nil
		}
	}
	return nil, nil
}

// ThisObject returns the receiver of the current frame.
func (ec *ExecutionContext) ThisObject() (Value, error) {
	if ec.frame == nil {
		return Null, nil
	}
	return ec.VM().ThisObject(ec.frame)
}

// VisibleVariableByName returns the local variable called name that is in
// scope at the current location of the frame. It returns nil if there is
// no such variable or the method has no variable table.
func (ec *ExecutionContext) VisibleVariableByName(name string) (*LocalVariable, error) {
	if ec.frame == nil || ec.frame.Location.Method == nil {
		return nil, nil
	}
	vars, err := ec.VM().VariableTable(ec.frame.Location.Method)
	if err != nil {
		var cerr *CommandError
		if errors.As(err, &cerr) {
			return nil, nil
		}
		return nil, err
	}
	var found *LocalVariable
	for _, v := range vars {
		if v.Name == name && v.VisibleAt(ec.frame.Location.Index) {
			found = v
		}
	}
	return found, nil
}

// LocalValue reads the value of a local variable of the current frame.
func (ec *ExecutionContext) LocalValue(v *LocalVariable) (Value, error) {
	vals, err := ec.VM().GetLocalValues(ec.frame, []*LocalVariable{v})
	if err != nil {
		return Value{}, err
	}
	if len(vals) != 1 {
		return Value{}, &CommandError{Op: "StackFrame.GetValues", Code: ErrCodeInvalidLength}
	}
	return vals[0], nil
}

// Release unpins every reference pinned through KeepReference. It uses the
// underlying VM directly so that it still works after the query context was
// cancelled.
func (ec *ExecutionContext) Release() error {
	ec.pins.mu.Lock()
	pinned := ec.pins.pinned
	ec.pins.pinned = nil
	ec.pins.mu.Unlock()
	var firstErr error
	for _, obj := range pinned {
		if err := ec.vm.EnableCollection(obj); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// guardedVM fails every call with a TransportError once ctx is done.
type guardedVM struct {
	ctx context.Context
	vm  VM
}

func (g guardedVM) ClassesByName(name string) ([]*Type, error) {
	if err := checkContext(g.ctx, "ClassesByName"); err != nil {
		return nil, err
	}
	return g.vm.ClassesByName(name)
}

func (g guardedVM) ObjectType(obj ObjectID) (*Type, error) {
	if err := checkContext(g.ctx, "ObjectType"); err != nil {
		return nil, err
	}
	return g.vm.ObjectType(obj)
}

func (g guardedVM) Superclass(t *Type) (*Type, error) {
	if err := checkContext(g.ctx, "Superclass"); err != nil {
		return nil, err
	}
	return g.vm.Superclass(t)
}

func (g guardedVM) Fields(t *Type) ([]*Field, error) {
	if err := checkContext(g.ctx, "Fields"); err != nil {
		return nil, err
	}
	return g.vm.Fields(t)
}

func (g guardedVM) Methods(t *Type) ([]*Method, error) {
	if err := checkContext(g.ctx, "Methods"); err != nil {
		return nil, err
	}
	return g.vm.Methods(t)
}

func (g guardedVM) GetValues(obj ObjectID, fields []*Field) ([]Value, error) {
	if err := checkContext(g.ctx, "GetValues"); err != nil {
		return nil, err
	}
	return g.vm.GetValues(obj, fields)
}

func (g guardedVM) InvokeMethod(thread ThreadID, obj ObjectID, m *Method, args []Value) (Value, error) {
	if err := checkContext(g.ctx, "InvokeMethod"); err != nil {
		return Value{}, err
	}
	return g.vm.InvokeMethod(thread, obj, m, args)
}

func (g guardedVM) StringValue(obj ObjectID) (string, error) {
	if err := checkContext(g.ctx, "StringValue"); err != nil {
		return "", err
	}
	return g.vm.StringValue(obj)
}

func (g guardedVM) DisableCollection(obj ObjectID) error {
	if err := checkContext(g.ctx, "DisableCollection"); err != nil {
		return err
	}
	return g.vm.DisableCollection(obj)
}

func (g guardedVM) EnableCollection(obj ObjectID) error {
	return g.vm.EnableCollection(obj)
}

func (g guardedVM) Threads() ([]Thread, error) {
	if err := checkContext(g.ctx, "Threads"); err != nil {
		return nil, err
	}
	return g.vm.Threads()
}

func (g guardedVM) Frames(thread ThreadID) ([]StackFrame, error) {
	if err := checkContext(g.ctx, "Frames"); err != nil {
		return nil, err
	}
	return g.vm.Frames(thread)
}

func (g guardedVM) ThisObject(frame *StackFrame) (Value, error) {
	if err := checkContext(g.ctx, "ThisObject"); err != nil {
		return Value{}, err
	}
	return g.vm.ThisObject(frame)
}

func (g guardedVM) VariableTable(m *Method) ([]*LocalVariable, error) {
	if err := checkContext(g.ctx, "VariableTable"); err != nil {
		return nil, err
	}
	return g.vm.VariableTable(m)
}

func (g guardedVM) GetLocalValues(frame *StackFrame, vars []*LocalVariable) ([]Value, error) {
	if err := checkContext(g.ctx, "GetLocalValues"); err != nil {
		return nil, err
	}
	return g.vm.GetLocalValues(frame, vars)
}

func (g guardedVM) Close() error {
	return g.vm.Close()
}
