package remote

// maxHierarchyDepth bounds superclass walks so that a misbehaving target
// can not make us loop forever.
const maxHierarchyDepth = 1024

// WalkSuperclasses calls fn for t and then for each of its superclasses,
// nearest first, until fn returns false or the chain ends.
func WalkSuperclasses(vm VM, t *Type, fn func(*Type) bool) error {
	for depth := 0; t != nil && depth < maxHierarchyDepth; depth++ {
		if !fn(t) {
			return nil
		}
		if !t.IsClass() {
			return nil
		}
		var err error
		t, err = vm.Superclass(t)
		if err != nil {
			return err
		}
	}
	return nil
}

// FindSuperclass returns the first type in the superclass chain of t,
// starting with t itself, whose qualified name is name. It returns nil if
// no such type exists.
func FindSuperclass(vm VM, t *Type, name string) (*Type, error) {
	var found *Type
	err := WalkSuperclasses(vm, t, func(t *Type) bool {
		if t.Name() == name {
			found = t
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// IsSubtype returns true if the class t is, or extends, the class named
// name. Only the superclass chain is consulted, interfaces are not.
func IsSubtype(vm VM, t *Type, name string) (bool, error) {
	st, err := FindSuperclass(vm, t, name)
	return st != nil, err
}

// DeclaredField returns the field called name declared directly by t, or
// nil.
func DeclaredField(vm VM, t *Type, name string) (*Field, error) {
	fields, err := vm.Fields(t)
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, nil
}

// ConcreteMethodByName returns the non-abstract method with the given name
// and signature that an instance of t would dispatch to, searching t and
// then its superclasses. It returns nil if there is none.
func ConcreteMethodByName(vm VM, t *Type, name, signature string) (*Method, error) {
	var found *Method
	var ferr error
	err := WalkSuperclasses(vm, t, func(t *Type) bool {
		methods, err := vm.Methods(t)
		if err != nil {
			ferr = err
			return false
		}
		for _, m := range methods {
			if m.Name == name && m.Signature == signature {
				if !m.IsAbstract() {
					found = m
				}
				return false
			}
		}
		return true
	})
	if ferr != nil {
		return nil, ferr
	}
	if err != nil {
		return nil, err
	}
	return found, nil
}
