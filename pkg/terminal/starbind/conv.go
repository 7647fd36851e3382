package starbind

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/go-delve/asyncstack/pkg/coroutine"
	"github.com/go-delve/asyncstack/pkg/remote"
)

func makeStruct(fields starlark.StringDict) *starlarkstruct.Struct {
	return starlarkstruct.FromStringDict(starlarkstruct.Default, fields)
}

func threadToStarlark(th remote.Thread) starlark.Value {
	return makeStruct(starlark.StringDict{
		"ID":   starlark.MakeUint64(uint64(th.ID)),
		"Name": starlark.String(th.Name),
	})
}

// frameToStarlark converts frame i of a stack. Line is -1 when the line
// table of the method is not available.
func frameToStarlark(i int, frame remote.StackFrame) starlark.Value {
	loc := frame.Location
	method := ""
	if loc.Method != nil {
		method = loc.Method.Name
	}
	return makeStruct(starlark.StringDict{
		"Index":  starlark.MakeInt(i),
		"Class":  starlark.String(loc.Type.Name()),
		"Method": starlark.String(method),
		"Line":   starlark.MakeInt(loc.Line),
	})
}

// asyncFrameToStarlark converts a logical frame. Class and Line are None if
// the continuation could not describe its position.
func asyncFrameToStarlark(f coroutine.AsyncFrame) starlark.Value {
	var class, line starlark.Value = starlark.None, starlark.None
	if f.Position.Known() {
		class = starlark.String(f.Position.ClassName)
		line = starlark.MakeInt(f.Position.Line)
	}
	return makeStruct(starlark.StringDict{
		"Object": starlark.MakeUint64(uint64(f.Continuation.Object())),
		"Type":   starlark.String(f.Type.Name()),
		"Class":  class,
		"Line":   line,
	})
}

// toStarlarkValue converts the arguments passed to the main function of a
// script.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch v := v.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return v, nil
	case bool:
		return starlark.Bool(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case uint64:
		return starlark.MakeUint64(v), nil
	case string:
		return starlark.String(v), nil
	case []string:
		r := make([]starlark.Value, len(v))
		for i := range v {
			r[i] = starlark.String(v[i])
		}
		return starlark.NewList(r), nil
	}
	return nil, fmt.Errorf("can not convert %T to a starlark value", v)
}
