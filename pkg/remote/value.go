package remote

import (
	"fmt"
	"math"
)

// Tag describes the kind of a Value. The values match the JDWP tag bytes.
type Tag byte

const (
	TagArray       Tag = '['
	TagByte        Tag = 'B'
	TagChar        Tag = 'C'
	TagObject      Tag = 'L'
	TagFloat       Tag = 'F'
	TagDouble      Tag = 'D'
	TagInt         Tag = 'I'
	TagLong        Tag = 'J'
	TagShort       Tag = 'S'
	TagVoid        Tag = 'V'
	TagBoolean     Tag = 'Z'
	TagString      Tag = 's'
	TagThread      Tag = 't'
	TagThreadGroup Tag = 'g'
	TagClassLoader Tag = 'l'
	TagClassObject Tag = 'c'
)

// IsReference returns true if values with this tag are object references.
func (tag Tag) IsReference() bool {
	switch tag {
	case TagArray, TagObject, TagString, TagThread, TagThreadGroup, TagClassLoader, TagClassObject:
		return true
	}
	return false
}

// TagForSignature returns the tag used for values of the type with the
// given signature.
func TagForSignature(sig string) Tag {
	if sig == "" {
		return TagVoid
	}
	switch sig[0] {
	case '[':
		return TagArray
	case 'L':
		if sig == "Ljava/lang/String;" {
			return TagString
		}
		return TagObject
	}
	return Tag(sig[0])
}

// Value is a value read from the target. Reference values carry the
// referenced object in Object, primitive values carry their bits in Bits.
type Value struct {
	Tag    Tag
	Object ObjectID
	Bits   uint64
}

// Null is the null object reference.
var Null = Value{Tag: TagObject}

// ObjectValue returns a reference value for obj.
func ObjectValue(obj ObjectID) Value {
	return Value{Tag: TagObject, Object: obj}
}

// IntValue returns an int value.
func IntValue(n int32) Value {
	return Value{Tag: TagInt, Bits: uint64(uint32(n))}
}

// IsNull returns true if v is a reference value holding null.
func (v Value) IsNull() bool {
	return v.Tag.IsReference() && v.Object == 0
}

// ObjectRef returns the referenced object and true if v is a non-null
// object reference.
func (v Value) ObjectRef() (ObjectID, bool) {
	if !v.Tag.IsReference() || v.Object == 0 {
		return 0, false
	}
	return v.Object, true
}

// Int returns the value of an integral primitive and true, or false if v is
// not an integral primitive.
func (v Value) Int() (int64, bool) {
	switch v.Tag {
	case TagByte:
		return int64(int8(v.Bits)), true
	case TagShort:
		return int64(int16(v.Bits)), true
	case TagChar:
		return int64(uint16(v.Bits)), true
	case TagInt:
		return int64(int32(v.Bits)), true
	case TagLong:
		return int64(v.Bits), true
	}
	return 0, false
}

func (v Value) String() string {
	switch {
	case v.Tag.IsReference():
		if v.Object == 0 {
			return "null"
		}
		return fmt.Sprintf("%c@%#x", v.Tag, uint64(v.Object))
	case v.Tag == TagVoid:
		return "void"
	case v.Tag == TagBoolean:
		return fmt.Sprintf("%v", v.Bits != 0)
	case v.Tag == TagFloat:
		return fmt.Sprintf("%g", math.Float32frombits(uint32(v.Bits)))
	case v.Tag == TagDouble:
		return fmt.Sprintf("%g", math.Float64frombits(v.Bits))
	}
	n, _ := v.Int()
	return fmt.Sprintf("%d", n)
}
