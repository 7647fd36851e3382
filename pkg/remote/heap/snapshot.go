package heap

import (
	"fmt"
	"io/ioutil"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/asyncstack/pkg/remote"
)

// Snapshot is the YAML description of a paused VM.
//
//	classes:
//	  - name: demo.Foo
//	    super: java.lang.Object
//	    fields: [completion, "lineNumber:I"]
//	    methods:
//	      - {name: getLineNumber, signature: "()I", returns-field: lineNumber}
//	objects:
//	  - {id: foo1, class: demo.Foo, fields: {completion: {ref: foo2}}}
//	threads:
//	  - name: main
//	    frames:
//	      - {class: demo.Foo, method: run, signature: "()V", line: 3}
//
// Frames are listed innermost first. Fields are declared as "name" or
// "name:signature".
type Snapshot struct {
	Classes []ClassSpec  `yaml:"classes"`
	Objects []ObjectSpec `yaml:"objects"`
	Threads []ThreadSpec `yaml:"threads"`
}

// ClassSpec describes a class.
type ClassSpec struct {
	Name    string       `yaml:"name"`
	Super   string       `yaml:"super"`
	Fields  []string     `yaml:"fields"`
	Methods []MethodSpec `yaml:"methods"`
}

// MethodSpec describes a method. Exactly one of ReturnsField, Returns,
// Throws and Abstract should be set; a method with none of them returns
// null.
type MethodSpec struct {
	Name         string     `yaml:"name"`
	Signature    string     `yaml:"signature"`
	ReturnsField string     `yaml:"returns-field,omitempty"`
	Returns      *ValueSpec `yaml:"returns,omitempty"`
	Throws       bool       `yaml:"throws,omitempty"`
	Abstract     bool       `yaml:"abstract,omitempty"`
}

// ObjectSpec describes an object. ID is a symbolic name used by ValueSpec.Ref.
type ObjectSpec struct {
	ID     string               `yaml:"id"`
	Class  string               `yaml:"class"`
	Fields map[string]ValueSpec `yaml:"fields"`
}

// ThreadSpec describes a thread and its stack.
type ThreadSpec struct {
	Name   string      `yaml:"name"`
	Frames []FrameSpec `yaml:"frames"`
}

// FrameSpec describes a stack frame.
type FrameSpec struct {
	Class     string               `yaml:"class"`
	Method    string               `yaml:"method"`
	Signature string               `yaml:"signature"`
	Line      int                  `yaml:"line"`
	This      *ValueSpec           `yaml:"this,omitempty"`
	Locals    map[string]ValueSpec `yaml:"locals"`
}

// ValueSpec describes a value. An empty ValueSpec is null.
type ValueSpec struct {
	Ref    string  `yaml:"ref,omitempty"`
	String *string `yaml:"string,omitempty"`
	Int    *int64  `yaml:"int,omitempty"`
	Bool   *bool   `yaml:"bool,omitempty"`
}

// ParseSnapshot decodes a YAML snapshot.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadSnapshot reads the snapshot at path and builds a VM from it.
func LoadSnapshot(path string) (*VM, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := ParseSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("could not parse snapshot %s: %v", path, err)
	}
	return s.Build()
}

// Build creates a VM populated with the contents of the snapshot.
func (s *Snapshot) Build() (*VM, error) {
	vm := New()
	if err := s.defineClasses(vm); err != nil {
		return nil, err
	}

	ids := make(map[string]remote.ObjectID)
	for _, o := range s.Objects {
		if o.ID == "" {
			return nil, fmt.Errorf("object of class %s has no id", o.Class)
		}
		if _, dup := ids[o.ID]; dup {
			return nil, fmt.Errorf("duplicate object id %q", o.ID)
		}
		id, err := vm.NewObject(o.Class, nil)
		if err != nil {
			return nil, fmt.Errorf("object %s: %v", o.ID, err)
		}
		ids[o.ID] = id
	}
	for _, o := range s.Objects {
		for name, vs := range o.Fields {
			v, err := vs.value(vm, ids)
			if err != nil {
				return nil, fmt.Errorf("object %s field %s: %v", o.ID, name, err)
			}
			if err := vm.SetField(ids[o.ID], name, v); err != nil {
				return nil, fmt.Errorf("object %s: %v", o.ID, err)
			}
		}
	}

	for _, ts := range s.Threads {
		tid := vm.NewThread(ts.Name)
		// frames are listed innermost first, push them outermost first
		for i := len(ts.Frames) - 1; i >= 0; i-- {
			fs := ts.Frames[i]
			this := remote.Null
			if fs.This != nil {
				v, err := fs.This.value(vm, ids)
				if err != nil {
					return nil, fmt.Errorf("thread %s frame %d: %v", ts.Name, i, err)
				}
				this = v
			}
			locals := make(map[string]remote.Value, len(fs.Locals))
			for name, vs := range fs.Locals {
				v, err := vs.value(vm, ids)
				if err != nil {
					return nil, fmt.Errorf("thread %s frame %d local %s: %v", ts.Name, i, name, err)
				}
				locals[name] = v
			}
			if _, err := vm.PushFrame(tid, fs.Class, fs.Method, fs.Signature, fs.Line, this, locals); err != nil {
				return nil, fmt.Errorf("thread %s frame %d: %v", ts.Name, i, err)
			}
		}
	}
	return vm, nil
}

// defineClasses defines classes in dependency order, so that a class can be
// listed before its superclass.
func (s *Snapshot) defineClasses(vm *VM) error {
	pending := append([]ClassSpec(nil), s.Classes...)
	for len(pending) > 0 {
		var next []ClassSpec
		for _, cs := range pending {
			super := cs.Super
			if super == "" {
				super = objectClass
			}
			if cs.Name == objectClass {
				super = ""
			}
			if super != "" && vm.Lookup(super) == nil {
				next = append(next, cs)
				continue
			}
			cls := vm.DefineClass(cs.Name, super)
			for _, f := range cs.Fields {
				name, sig := f, "Ljava/lang/Object;"
				if i := strings.Index(f, ":"); i >= 0 {
					name, sig = f[:i], f[i+1:]
				}
				cls.DefineField(name, sig)
			}
			for _, ms := range cs.Methods {
				impl, err := ms.impl()
				if err != nil {
					return fmt.Errorf("class %s method %s: %v", cs.Name, ms.Name, err)
				}
				cls.DefineMethod(ms.Name, ms.Signature, impl)
			}
		}
		if len(next) == len(pending) {
			names := make([]string, len(next))
			for i := range next {
				names[i] = next[i].Name + " extends " + next[i].Super
			}
			return fmt.Errorf("undefined superclasses: %s", strings.Join(names, ", "))
		}
		pending = next
	}
	return nil
}

func (ms *MethodSpec) impl() (MethodFunc, error) {
	switch {
	case ms.Abstract:
		return nil, nil
	case ms.Throws:
		return Throws(ms.Name + ms.Signature), nil
	case ms.ReturnsField != "":
		return FieldGetter(ms.ReturnsField), nil
	case ms.Returns != nil:
		if ms.Returns.Ref != "" {
			return nil, fmt.Errorf("methods can not return object references")
		}
		rv := *ms.Returns
		return func(vm *VM, this remote.ObjectID, args []remote.Value) (remote.Value, error) {
			return rv.value(vm, nil)
		}, nil
	}
	return Constant(remote.Null), nil
}

func (vs ValueSpec) value(vm *VM, ids map[string]remote.ObjectID) (remote.Value, error) {
	switch {
	case vs.Ref != "":
		id, ok := ids[vs.Ref]
		if !ok {
			return remote.Value{}, fmt.Errorf("reference to undefined object %q", vs.Ref)
		}
		return remote.ObjectValue(id), nil
	case vs.String != nil:
		return vm.NewString(*vs.String), nil
	case vs.Int != nil:
		return remote.IntValue(int32(*vs.Int)), nil
	case vs.Bool != nil:
		v := remote.Value{Tag: remote.TagBoolean}
		if *vs.Bool {
			v.Bits = 1
		}
		return v, nil
	}
	return remote.Null, nil
}
