package jdwp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-delve/asyncstack/pkg/remote"
)

var errTruncated = errors.New("truncated reply")

// writer encodes the payload of a command packet. All quantities are big
// endian, identifiers use the sizes negotiated during the handshake.
type writer struct {
	buf   []byte
	sizes *idSizes
}

func (w *writer) byte(b byte) *writer {
	w.buf = append(w.buf, b)
	return w
}

func (w *writer) int32(v int32) *writer {
	w.buf = append(w.buf, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(w.buf[len(w.buf)-4:], uint32(v))
	return w
}

func (w *writer) int64(v int64) *writer {
	w.buf = append(w.buf, 0, 0, 0, 0, 0, 0, 0, 0)
	binary.BigEndian.PutUint64(w.buf[len(w.buf)-8:], uint64(v))
	return w
}

func (w *writer) id(size int, v uint64) *writer {
	for i := size - 1; i >= 0; i-- {
		w.buf = append(w.buf, byte(v>>(8*uint(i))))
	}
	return w
}

func (w *writer) object(obj remote.ObjectID) *writer {
	return w.id(w.sizes.object, uint64(obj))
}

func (w *writer) refType(t remote.TypeID) *writer {
	return w.id(w.sizes.refType, uint64(t))
}

func (w *writer) method(m remote.MethodID) *writer {
	return w.id(w.sizes.method, uint64(m))
}

func (w *writer) field(f remote.FieldID) *writer {
	return w.id(w.sizes.field, uint64(f))
}

func (w *writer) frame(f remote.FrameID) *writer {
	return w.id(w.sizes.frame, uint64(f))
}

func (w *writer) string(s string) *writer {
	w.int32(int32(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

// value writes a tagged value.
func (w *writer) value(v remote.Value) *writer {
	w.byte(byte(v.Tag))
	if v.Tag.IsReference() {
		return w.object(v.Object)
	}
	return w.id(primitiveSize(v.Tag), v.Bits)
}

func primitiveSize(tag remote.Tag) int {
	switch tag {
	case remote.TagByte, remote.TagBoolean:
		return 1
	case remote.TagChar, remote.TagShort:
		return 2
	case remote.TagInt, remote.TagFloat:
		return 4
	case remote.TagLong, remote.TagDouble:
		return 8
	}
	return 0
}

// reader decodes the payload of a reply packet. The first decoding error is
// remembered and every following read returns a zero value, callers check
// it once with done.
type reader struct {
	buf   []byte
	off   int
	sizes *idSizes
	err   error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = errTruncated
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) int32() int32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *reader) int64() int64 {
	b := r.next(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *reader) id(size int) uint64 {
	b := r.next(size)
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func (r *reader) object() remote.ObjectID {
	return remote.ObjectID(r.id(r.sizes.object))
}

func (r *reader) refType() remote.TypeID {
	return remote.TypeID(r.id(r.sizes.refType))
}

func (r *reader) method() remote.MethodID {
	return remote.MethodID(r.id(r.sizes.method))
}

func (r *reader) field() remote.FieldID {
	return remote.FieldID(r.id(r.sizes.field))
}

func (r *reader) frame() remote.FrameID {
	return remote.FrameID(r.id(r.sizes.frame))
}

func (r *reader) count() int {
	n := r.int32()
	if n < 0 {
		r.err = fmt.Errorf("negative count %d", n)
		return 0
	}
	return int(n)
}

func (r *reader) string() string {
	return string(r.next(r.count()))
}

// value reads a tagged value.
func (r *reader) value() remote.Value {
	return r.untagged(remote.Tag(r.byte()))
}

func (r *reader) untagged(tag remote.Tag) remote.Value {
	if tag.IsReference() {
		return remote.Value{Tag: tag, Object: r.object()}
	}
	switch tag {
	case remote.TagByte, remote.TagBoolean, remote.TagChar, remote.TagShort, remote.TagInt, remote.TagFloat, remote.TagLong, remote.TagDouble, remote.TagVoid:
		return remote.Value{Tag: tag, Bits: r.id(primitiveSize(tag))}
	}
	if r.err == nil {
		r.err = fmt.Errorf("unknown value tag %#x", byte(tag))
	}
	return remote.Value{}
}

// done returns a TransportError if the reply could not be decoded.
func (r *reader) done(context string) error {
	if r.err != nil {
		return &remote.TransportError{Op: context, Err: fmt.Errorf("malformed reply: %v", r.err)}
	}
	return nil
}
