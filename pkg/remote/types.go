// Package remote describes the object graph of a paused target virtual
// machine as seen through a remote debugging connection.
//
// Every value in this package is a handle: it names something that lives in
// the target process and is only meaningful for the lifetime of the
// connection that produced it. The VM interface is the channel used to
// dereference handles; ExecutionContext binds a VM to the thread and frame a
// query is evaluated in.
package remote

import (
	"fmt"
	"strings"
)

// ObjectID is the address of an object in the target heap. The zero value is
// the null reference.
type ObjectID uint64

// TypeID identifies a loaded reference type.
type TypeID uint64

// FieldID identifies a field of a reference type.
type FieldID uint64

// MethodID identifies a method of a reference type.
type MethodID uint64

// ThreadID identifies a thread of the target.
type ThreadID uint64

// FrameID identifies a stack frame of a suspended thread.
type FrameID uint64

// TypeTag is the kind of a reference type.
type TypeTag uint8

const (
	TypeTagClass     TypeTag = 1
	TypeTagInterface TypeTag = 2
	TypeTagArray     TypeTag = 3
)

func (tag TypeTag) String() string {
	switch tag {
	case TypeTagClass:
		return "class"
	case TypeTagInterface:
		return "interface"
	case TypeTagArray:
		return "array"
	default:
		return fmt.Sprintf("typetag(%d)", uint8(tag))
	}
}

// Type is a reference type loaded in the target.
type Type struct {
	ID        TypeID
	Tag       TypeTag
	Signature string // JNI signature, for example "Ljava/lang/String;"
}

// Name returns the fully qualified name of the type, for example
// "java.lang.String".
func (t *Type) Name() string {
	if t == nil {
		return ""
	}
	return SignatureToName(t.Signature)
}

// IsClass returns true if t is a class type.
func (t *Type) IsClass() bool {
	return t != nil && t.Tag == TypeTagClass
}

func (t *Type) String() string {
	if t == nil {
		return "<nil type>"
	}
	return t.Name()
}

// Field is a field declared by a reference type.
type Field struct {
	ID        FieldID
	Declaring TypeID
	Name      string
	Signature string
	Modifiers uint32
}

// Method is a method declared by a reference type.
type Method struct {
	ID        MethodID
	Declaring TypeID
	Name      string
	Signature string
	Modifiers uint32
}

const (
	modStatic   = 0x0008
	modAbstract = 0x0400
)

// IsAbstract returns true if the method has no implementation.
func (m *Method) IsAbstract() bool {
	return m.Modifiers&modAbstract != 0
}

// IsStatic returns true if m is a static method.
func (m *Method) IsStatic() bool {
	return m.Modifiers&modStatic != 0
}

func (m *Method) String() string {
	if m == nil {
		return "<nil method>"
	}
	return m.Name + m.Signature
}

// Thread is a thread of the target.
type Thread struct {
	ID   ThreadID
	Name string
}

// Location is a code position inside a method.
type Location struct {
	Type   *Type
	Method *Method
	Index  uint64
	Line   int // -1 if unknown
}

func (loc Location) String() string {
	line := "?"
	if loc.Line >= 0 {
		line = fmt.Sprintf("%d", loc.Line)
	}
	if loc.Method == nil {
		return fmt.Sprintf("%s:%s", loc.Type.Name(), line)
	}
	return fmt.Sprintf("%s.%s:%s", loc.Type.Name(), loc.Method.Name, line)
}

// StackFrame is a physical frame of a suspended thread.
type StackFrame struct {
	ID       FrameID
	Thread   ThreadID
	Location Location
}

// LocalVariable is an entry of a method's variable table.
type LocalVariable struct {
	Name      string
	Signature string
	Slot      int
	CodeIndex uint64
	Length    uint32
}

// VisibleAt returns true if the variable is in scope at code index idx.
func (v *LocalVariable) VisibleAt(idx uint64) bool {
	return idx >= v.CodeIndex && idx < v.CodeIndex+uint64(v.Length)
}

// SignatureToName converts a JNI type signature into a qualified type name.
// Strings that are not signatures are returned unchanged.
func SignatureToName(sig string) string {
	switch {
	case strings.HasPrefix(sig, "L") && strings.HasSuffix(sig, ";"):
		return strings.Replace(sig[1:len(sig)-1], "/", ".", -1)
	case strings.HasPrefix(sig, "["):
		return SignatureToName(sig[1:]) + "[]"
	}
	switch sig {
	case "Z":
		return "boolean"
	case "B":
		return "byte"
	case "C":
		return "char"
	case "S":
		return "short"
	case "I":
		return "int"
	case "J":
		return "long"
	case "F":
		return "float"
	case "D":
		return "double"
	case "V":
		return "void"
	}
	return sig
}

// NameToSignature converts a qualified class name into its JNI signature.
func NameToSignature(name string) string {
	if strings.HasSuffix(name, "[]") {
		return "[" + NameToSignature(name[:len(name)-2])
	}
	return "L" + strings.Replace(name, ".", "/", -1) + ";"
}
