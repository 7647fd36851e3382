package remote

// VM is a connection to a paused target virtual machine.
//
// Every method is a blocking round trip to the target. Implementations
// return a *TransportError when the target can not be reached and a
// *CommandError when the target refuses an individual request. Lookups that
// legitimately find nothing (no superclass, no such class) return a nil
// result and a nil error.
type VM interface {
	// ClassesByName returns the loaded reference types with the given
	// qualified name. There can be more than one if multiple class loaders
	// loaded the same class.
	ClassesByName(name string) ([]*Type, error)
	// ObjectType returns the runtime type of obj.
	ObjectType(obj ObjectID) (*Type, error)
	// Superclass returns the direct superclass of the class t, or nil.
	Superclass(t *Type) (*Type, error)
	// Fields returns the fields declared by t, inherited fields excluded.
	Fields(t *Type) ([]*Field, error)
	// Methods returns the methods declared by t, inherited methods excluded.
	Methods(t *Type) ([]*Method, error)
	// GetValues reads instance fields of obj.
	GetValues(obj ObjectID, fields []*Field) ([]Value, error)
	// InvokeMethod calls m on obj in thread. The thread must have been
	// suspended by an event. If the method throws an *InvocationError is
	// returned.
	InvokeMethod(thread ThreadID, obj ObjectID, m *Method, args []Value) (Value, error)
	// StringValue returns the contents of a java.lang.String object.
	StringValue(obj ObjectID) (string, error)
	// DisableCollection prevents obj from being garbage collected.
	DisableCollection(obj ObjectID) error
	// EnableCollection undoes DisableCollection.
	EnableCollection(obj ObjectID) error

	// Threads returns all live threads.
	Threads() ([]Thread, error)
	// Frames returns the stack of a suspended thread, innermost frame first.
	Frames(thread ThreadID) ([]StackFrame, error)
	// ThisObject returns the receiver of frame, or Null for static methods.
	ThisObject(frame *StackFrame) (Value, error)
	// VariableTable returns the local variables declared by m.
	VariableTable(m *Method) ([]*LocalVariable, error)
	// GetLocalValues reads local variables of frame.
	GetLocalValues(frame *StackFrame, vars []*LocalVariable) ([]Value, error)

	// Close releases the connection. It never resumes the target.
	Close() error
}
