// Package heap implements remote.VM on top of an in-memory object graph.
//
// A VM is populated either programmatically (DefineClass, NewObject,
// NewThread, PushFrame) or from a YAML snapshot (LoadSnapshot). It behaves
// like a paused JDWP target: methods are dispatched through the superclass
// chain, fields that do not belong to an object's class are refused with a
// CommandError, and pinned objects are tracked. Faults can be injected with
// SetFault to simulate a target that stops answering.
package heap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-delve/asyncstack/pkg/logflags"
	"github.com/go-delve/asyncstack/pkg/remote"
)

const (
	objectClass = "java.lang.Object"
	stringClass = "java.lang.String"
)

// ErrClosed is wrapped in the TransportError returned after Close.
var ErrClosed = errors.New("vm closed")

// MethodFunc implements a method of the in-memory VM.
type MethodFunc func(vm *VM, this remote.ObjectID, args []remote.Value) (remote.Value, error)

type class struct {
	typ     *remote.Type
	super   *class
	fields  []*remote.Field
	methods []*method
}

type method struct {
	m    *remote.Method
	impl MethodFunc
	vars []*remote.LocalVariable
}

type object struct {
	id     remote.ObjectID
	class  *class
	fields map[remote.FieldID]remote.Value
	str    string
}

type frame struct {
	sf     remote.StackFrame
	method *method
	this   remote.Value
	locals map[string]remote.Value
}

type thread struct {
	t      remote.Thread
	frames []*frame // innermost first
}

// VM is an in-memory remote.VM.
type VM struct {
	mu sync.Mutex

	nextID  uint64
	classes map[remote.TypeID]*class
	byName  map[string]*class
	methods map[remote.MethodID]*method
	objects map[remote.ObjectID]*object
	threads []*thread
	frames  map[remote.FrameID]*frame
	pinned  map[remote.ObjectID]int

	fault  func(op string) error
	calls  map[string]int
	closed bool

	log logflags.Logger
}

var _ remote.VM = &VM{}

// New returns an empty VM where java.lang.Object and java.lang.String are
// already defined.
func New() *VM {
	vm := &VM{
		classes: make(map[remote.TypeID]*class),
		byName:  make(map[string]*class),
		methods: make(map[remote.MethodID]*method),
		objects: make(map[remote.ObjectID]*object),
		frames:  make(map[remote.FrameID]*frame),
		pinned:  make(map[remote.ObjectID]int),
		calls:   make(map[string]int),
		log:     logflags.HeapLogger(),
	}
	vm.DefineClass(objectClass, "")
	vm.DefineClass(stringClass, objectClass)
	return vm
}

func (vm *VM) newID() uint64 {
	vm.nextID++
	return vm.nextID
}

// Class is a class defined in a VM.
type Class struct {
	vm *VM
	c  *class
}

// DefineClass defines a class called name extending super. An empty super
// defines a root class. Fields are declared with the generic object
// signature; use DefineField for other signatures. Defining an existing
// class returns the existing definition.
func (vm *VM) DefineClass(name, super string, fields ...string) *Class {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if c, ok := vm.byName[name]; ok {
		return &Class{vm, c}
	}
	c := &class{typ: &remote.Type{ID: remote.TypeID(vm.newID()), Tag: remote.TypeTagClass, Signature: remote.NameToSignature(name)}}
	if super != "" {
		sc, ok := vm.byName[super]
		if !ok {
			panic(fmt.Sprintf("superclass %s of %s not defined", super, name))
		}
		c.super = sc
	}
	vm.classes[c.typ.ID] = c
	vm.byName[name] = c
	cls := &Class{vm, c}
	for _, f := range fields {
		vm.defineFieldLocked(c, f, "Ljava/lang/Object;")
	}
	return cls
}

// Lookup returns the class called name, or nil.
func (vm *VM) Lookup(name string) *Class {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	c, ok := vm.byName[name]
	if !ok {
		return nil
	}
	return &Class{vm, c}
}

// Type returns the remote type of the class.
func (cls *Class) Type() *remote.Type {
	return cls.c.typ
}

func (vm *VM) defineFieldLocked(c *class, name, signature string) *remote.Field {
	for _, f := range c.fields {
		if f.Name == name {
			return f
		}
	}
	f := &remote.Field{ID: remote.FieldID(vm.newID()), Declaring: c.typ.ID, Name: name, Signature: signature}
	c.fields = append(c.fields, f)
	return f
}

// DefineField declares a field with the given signature.
func (cls *Class) DefineField(name, signature string) *remote.Field {
	cls.vm.mu.Lock()
	defer cls.vm.mu.Unlock()
	return cls.vm.defineFieldLocked(cls.c, name, signature)
}

// Field returns the field called name declared by the class, or nil.
func (cls *Class) Field(name string) *remote.Field {
	for _, f := range cls.c.fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// DefineMethod declares a method. A nil impl declares an abstract method.
func (cls *Class) DefineMethod(name, signature string, impl MethodFunc) *remote.Method {
	cls.vm.mu.Lock()
	defer cls.vm.mu.Unlock()
	return cls.vm.defineMethodLocked(cls.c, name, signature, impl).m
}

func (vm *VM) defineMethodLocked(c *class, name, signature string, impl MethodFunc) *method {
	for _, m := range c.methods {
		if m.m.Name == name && m.m.Signature == signature {
			m.impl = impl
			m.m.Modifiers = methodModifiers(impl)
			return m
		}
	}
	m := &method{m: &remote.Method{ID: remote.MethodID(vm.newID()), Declaring: c.typ.ID, Name: name, Signature: signature, Modifiers: methodModifiers(impl)}, impl: impl}
	c.methods = append(c.methods, m)
	vm.methods[m.m.ID] = m
	return m
}

func methodModifiers(impl MethodFunc) uint32 {
	const abstract = 0x0400
	if impl == nil {
		return abstract
	}
	return 0
}

// FieldGetter returns a MethodFunc that returns the value of field name of
// the receiver.
func FieldGetter(name string) MethodFunc {
	return func(vm *VM, this remote.ObjectID, args []remote.Value) (remote.Value, error) {
		return vm.FieldValue(this, name)
	}
}

// Constant returns a MethodFunc that always returns v.
func Constant(v remote.Value) MethodFunc {
	return func(vm *VM, this remote.ObjectID, args []remote.Value) (remote.Value, error) {
		return v, nil
	}
}

// Throws returns a MethodFunc that always throws.
func Throws(name string) MethodFunc {
	return func(vm *VM, this remote.ObjectID, args []remote.Value) (remote.Value, error) {
		return remote.Value{}, &remote.InvocationError{Method: name, Exception: this}
	}
}

// NewObject allocates an instance of className and sets the named fields,
// which can be declared by the class or any of its superclasses.
func (vm *VM) NewObject(className string, fields map[string]remote.Value) (remote.ObjectID, error) {
	vm.mu.Lock()
	c, ok := vm.byName[className]
	if !ok {
		vm.mu.Unlock()
		return 0, fmt.Errorf("class %s not defined", className)
	}
	obj := &object{id: remote.ObjectID(vm.newID()), class: c, fields: make(map[remote.FieldID]remote.Value)}
	vm.objects[obj.id] = obj
	vm.mu.Unlock()
	for name, v := range fields {
		if err := vm.SetField(obj.id, name, v); err != nil {
			return 0, err
		}
	}
	return obj.id, nil
}

// NewString allocates a java.lang.String and returns a reference to it.
func (vm *VM) NewString(s string) remote.Value {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	obj := &object{id: remote.ObjectID(vm.newID()), class: vm.byName[stringClass], str: s}
	vm.objects[obj.id] = obj
	return remote.Value{Tag: remote.TagString, Object: obj.id}
}

func (c *class) lookupField(name string) *remote.Field {
	for ; c != nil; c = c.super {
		for _, f := range c.fields {
			if f.Name == name {
				return f
			}
		}
	}
	return nil
}

func (c *class) extends(id remote.TypeID) bool {
	for ; c != nil; c = c.super {
		if c.typ.ID == id {
			return true
		}
	}
	return false
}

// SetField sets field name of obj.
func (vm *VM) SetField(obj remote.ObjectID, name string, v remote.Value) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	o, ok := vm.objects[obj]
	if !ok {
		return fmt.Errorf("object %#x does not exist", uint64(obj))
	}
	f := o.class.lookupField(name)
	if f == nil {
		return fmt.Errorf("class %s has no field %s", o.class.typ.Name(), name)
	}
	o.fields[f.ID] = v
	return nil
}

// FieldValue returns the value of field name of obj.
func (vm *VM) FieldValue(obj remote.ObjectID, name string) (remote.Value, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	o, ok := vm.objects[obj]
	if !ok {
		return remote.Value{}, &remote.CommandError{Op: "FieldValue", Code: remote.ErrCodeInvalidObject}
	}
	f := o.class.lookupField(name)
	if f == nil {
		return remote.Value{}, &remote.CommandError{Op: "FieldValue", Code: remote.ErrCodeInvalidFieldID}
	}
	return o.fieldValue(f), nil
}

func (o *object) fieldValue(f *remote.Field) remote.Value {
	if v, ok := o.fields[f.ID]; ok {
		return v
	}
	return remote.Value{Tag: remote.TagForSignature(f.Signature)}
}

// NewThread creates a thread with an empty stack.
func (vm *VM) NewThread(name string) remote.ThreadID {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	th := &thread{t: remote.Thread{ID: remote.ThreadID(vm.newID()), Name: name}}
	vm.threads = append(vm.threads, th)
	return th.t.ID
}

// PushFrame pushes a new innermost frame executing
// className.methodName(signature) on thread. The method is declared on the
// class if it does not exist yet. Locals become the variable table of the
// method.
func (vm *VM) PushFrame(tid remote.ThreadID, className, methodName, signature string, line int, this remote.Value, locals map[string]remote.Value) (*remote.StackFrame, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	var th *thread
	for _, t := range vm.threads {
		if t.t.ID == tid {
			th = t
		}
	}
	if th == nil {
		return nil, fmt.Errorf("thread %d does not exist", tid)
	}
	c, ok := vm.byName[className]
	if !ok {
		return nil, fmt.Errorf("class %s not defined", className)
	}
	var m *method
	for _, cm := range c.methods {
		if cm.m.Name == methodName && cm.m.Signature == signature {
			m = cm
		}
	}
	if m == nil {
		m = vm.defineMethodLocked(c, methodName, signature, Constant(remote.Null))
	}
	for name, v := range locals {
		found := false
		for _, lv := range m.vars {
			if lv.Name == name {
				found = true
			}
		}
		if !found {
			sig := "Ljava/lang/Object;"
			if !v.Tag.IsReference() {
				sig = string(v.Tag)
			}
			m.vars = append(m.vars, &remote.LocalVariable{Name: name, Signature: sig, Slot: len(m.vars), CodeIndex: 0, Length: 1 << 16})
		}
	}
	if this.Tag == 0 {
		this = remote.Null
	}
	fr := &frame{
		sf: remote.StackFrame{
			ID:       remote.FrameID(vm.newID()),
			Thread:   tid,
			Location: remote.Location{Type: c.typ, Method: m.m, Index: uint64(line), Line: line},
		},
		method: m,
		this:   this,
		locals: locals,
	}
	vm.frames[fr.sf.ID] = fr
	th.frames = append([]*frame{fr}, th.frames...)
	sf := fr.sf
	return &sf, nil
}

// SetFault installs a function called before every VM operation. If it
// returns an error the operation fails with it.
func (vm *VM) SetFault(fault func(op string) error) {
	vm.mu.Lock()
	vm.fault = fault
	vm.mu.Unlock()
}

// Calls returns how many times the operation op was requested.
func (vm *VM) Calls(op string) int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.calls[op]
}

// ResetCalls zeroes all operation counters.
func (vm *VM) ResetCalls() {
	vm.mu.Lock()
	vm.calls = make(map[string]int)
	vm.mu.Unlock()
}

// Pinned returns true if obj is currently protected from collection.
func (vm *VM) Pinned(obj remote.ObjectID) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.pinned[obj] > 0
}

// enter must be called with vm.mu held.
func (vm *VM) enter(op string) error {
	vm.calls[op]++
	if vm.closed {
		return &remote.TransportError{Op: op, Err: ErrClosed}
	}
	if vm.log.Enabled() {
		vm.log.Debugf("%s", op)
	}
	if vm.fault != nil {
		return vm.fault(op)
	}
	return nil
}

func (vm *VM) objectLocked(op string, obj remote.ObjectID) (*object, error) {
	o, ok := vm.objects[obj]
	if !ok {
		return nil, &remote.CommandError{Op: op, Code: remote.ErrCodeInvalidObject}
	}
	return o, nil
}

func (vm *VM) classLocked(op string, t *remote.Type) (*class, error) {
	if t == nil {
		return nil, &remote.CommandError{Op: op, Code: remote.ErrCodeInvalidClass}
	}
	c, ok := vm.classes[t.ID]
	if !ok {
		return nil, &remote.CommandError{Op: op, Code: remote.ErrCodeInvalidClass}
	}
	return c, nil
}

func (vm *VM) ClassesByName(name string) ([]*remote.Type, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.enter("ClassesByName"); err != nil {
		return nil, err
	}
	c, ok := vm.byName[name]
	if !ok {
		return nil, nil
	}
	return []*remote.Type{c.typ}, nil
}

func (vm *VM) ObjectType(obj remote.ObjectID) (*remote.Type, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.enter("ObjectType"); err != nil {
		return nil, err
	}
	o, err := vm.objectLocked("ObjectType", obj)
	if err != nil {
		return nil, err
	}
	return o.class.typ, nil
}

func (vm *VM) Superclass(t *remote.Type) (*remote.Type, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.enter("Superclass"); err != nil {
		return nil, err
	}
	c, err := vm.classLocked("Superclass", t)
	if err != nil {
		return nil, err
	}
	if c.super == nil {
		return nil, nil
	}
	return c.super.typ, nil
}

func (vm *VM) Fields(t *remote.Type) ([]*remote.Field, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.enter("Fields"); err != nil {
		return nil, err
	}
	c, err := vm.classLocked("Fields", t)
	if err != nil {
		return nil, err
	}
	return append([]*remote.Field(nil), c.fields...), nil
}

func (vm *VM) Methods(t *remote.Type) ([]*remote.Method, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.enter("Methods"); err != nil {
		return nil, err
	}
	c, err := vm.classLocked("Methods", t)
	if err != nil {
		return nil, err
	}
	r := make([]*remote.Method, len(c.methods))
	for i := range c.methods {
		r[i] = c.methods[i].m
	}
	return r, nil
}

func (vm *VM) GetValues(obj remote.ObjectID, fields []*remote.Field) ([]remote.Value, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.enter("GetValues"); err != nil {
		return nil, err
	}
	o, err := vm.objectLocked("GetValues", obj)
	if err != nil {
		return nil, err
	}
	r := make([]remote.Value, len(fields))
	for i, f := range fields {
		if f == nil || !o.class.extends(f.Declaring) {
			return nil, &remote.CommandError{Op: "GetValues", Code: remote.ErrCodeInvalidFieldID}
		}
		r[i] = o.fieldValue(f)
	}
	return r, nil
}

func (vm *VM) InvokeMethod(tid remote.ThreadID, obj remote.ObjectID, m *remote.Method, args []remote.Value) (remote.Value, error) {
	vm.mu.Lock()
	if err := vm.enter("InvokeMethod"); err != nil {
		vm.mu.Unlock()
		return remote.Value{}, err
	}
	impl, err := vm.resolveInvokeLocked(tid, obj, m)
	vm.mu.Unlock()
	if err != nil {
		return remote.Value{}, err
	}
	return impl(vm, obj, args)
}

func (vm *VM) resolveInvokeLocked(tid remote.ThreadID, obj remote.ObjectID, m *remote.Method) (MethodFunc, error) {
	const op = "InvokeMethod"
	found := false
	for _, th := range vm.threads {
		if th.t.ID == tid {
			found = true
		}
	}
	if !found {
		return nil, &remote.CommandError{Op: op, Code: remote.ErrCodeInvalidThread}
	}
	o, err := vm.objectLocked(op, obj)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, &remote.CommandError{Op: op, Code: remote.ErrCodeInvalidMethodID}
	}
	meth, ok := vm.methods[m.ID]
	if !ok || !o.class.extends(m.Declaring) {
		return nil, &remote.CommandError{Op: op, Code: remote.ErrCodeInvalidMethodID}
	}
	if meth.impl == nil {
		return nil, &remote.InvocationError{Method: m.String(), Exception: 0}
	}
	return meth.impl, nil
}

func (vm *VM) StringValue(obj remote.ObjectID) (string, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.enter("StringValue"); err != nil {
		return "", err
	}
	o, err := vm.objectLocked("StringValue", obj)
	if err != nil {
		return "", err
	}
	if o.class.typ.Name() != stringClass {
		return "", &remote.CommandError{Op: "StringValue", Code: remote.ErrCodeInvalidObject}
	}
	return o.str, nil
}

func (vm *VM) DisableCollection(obj remote.ObjectID) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.enter("DisableCollection"); err != nil {
		return err
	}
	if _, err := vm.objectLocked("DisableCollection", obj); err != nil {
		return err
	}
	vm.pinned[obj]++
	return nil
}

func (vm *VM) EnableCollection(obj remote.ObjectID) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.enter("EnableCollection"); err != nil {
		return err
	}
	if vm.pinned[obj] > 0 {
		vm.pinned[obj]--
	}
	return nil
}

func (vm *VM) Threads() ([]remote.Thread, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.enter("Threads"); err != nil {
		return nil, err
	}
	r := make([]remote.Thread, len(vm.threads))
	for i := range vm.threads {
		r[i] = vm.threads[i].t
	}
	return r, nil
}

func (vm *VM) Frames(tid remote.ThreadID) ([]remote.StackFrame, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.enter("Frames"); err != nil {
		return nil, err
	}
	for _, th := range vm.threads {
		if th.t.ID == tid {
			r := make([]remote.StackFrame, len(th.frames))
			for i := range th.frames {
				r[i] = th.frames[i].sf
			}
			return r, nil
		}
	}
	return nil, &remote.CommandError{Op: "Frames", Code: remote.ErrCodeInvalidThread}
}

func (vm *VM) frameLocked(op string, sf *remote.StackFrame) (*frame, error) {
	if sf == nil {
		return nil, &remote.CommandError{Op: op, Code: remote.ErrCodeInvalidFrameID}
	}
	fr, ok := vm.frames[sf.ID]
	if !ok {
		return nil, &remote.CommandError{Op: op, Code: remote.ErrCodeInvalidFrameID}
	}
	return fr, nil
}

func (vm *VM) ThisObject(sf *remote.StackFrame) (remote.Value, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.enter("ThisObject"); err != nil {
		return remote.Value{}, err
	}
	fr, err := vm.frameLocked("ThisObject", sf)
	if err != nil {
		return remote.Value{}, err
	}
	return fr.this, nil
}

func (vm *VM) VariableTable(m *remote.Method) ([]*remote.LocalVariable, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.enter("VariableTable"); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, &remote.CommandError{Op: "VariableTable", Code: remote.ErrCodeInvalidMethodID}
	}
	meth, ok := vm.methods[m.ID]
	if !ok {
		return nil, &remote.CommandError{Op: "VariableTable", Code: remote.ErrCodeInvalidMethodID}
	}
	if len(meth.vars) == 0 {
		return nil, &remote.CommandError{Op: "VariableTable", Code: remote.ErrCodeAbsentInformation}
	}
	return append([]*remote.LocalVariable(nil), meth.vars...), nil
}

func (vm *VM) GetLocalValues(sf *remote.StackFrame, vars []*remote.LocalVariable) ([]remote.Value, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.enter("GetLocalValues"); err != nil {
		return nil, err
	}
	fr, err := vm.frameLocked("GetLocalValues", sf)
	if err != nil {
		return nil, err
	}
	r := make([]remote.Value, len(vars))
	for i, v := range vars {
		val, ok := fr.locals[v.Name]
		if !ok {
			return nil, &remote.CommandError{Op: "GetLocalValues", Code: remote.ErrCodeInvalidSlot}
		}
		r[i] = val
	}
	return r, nil
}

// Close marks the VM as disconnected, every later operation fails with a
// TransportError.
func (vm *VM) Close() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.closed = true
	return nil
}
