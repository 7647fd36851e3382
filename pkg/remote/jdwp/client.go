// Package jdwp implements remote.VM on top of the Java Debug Wire Protocol.
//
// The client never resumes the target: the only command that lets target
// code run is ObjectReference.InvokeMethod, which is always issued with
// INVOKE_SINGLE_THREADED so that only the invoking thread runs.
package jdwp

import (
	"net"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/asyncstack/pkg/logflags"
	"github.com/go-delve/asyncstack/pkg/remote"
)

const invokeSingleThreaded = 0x01

// Client is a JDWP connection to a suspended VM.
type Client struct {
	conn *jdwpConn

	// cache holds type metadata, which does not change while a class is
	// loaded.
	cache *lru.Cache

	log logflags.Logger
}

var _ remote.VM = &Client{}

type cacheKind uint8

const (
	cacheType cacheKind = iota
	cacheSuper
	cacheFields
	cacheMethods
	cacheLines
)

// cacheKey identifies a cached entry. Method IDs are only unique within
// their declaring type, so method-scoped entries carry it in decl.
type cacheKey struct {
	kind cacheKind
	id   uint64
	decl remote.TypeID
}

func typeKey(kind cacheKind, t remote.TypeID) cacheKey {
	return cacheKey{kind: kind, id: uint64(t)}
}

func methodKey(kind cacheKind, m *remote.Method) cacheKey {
	return cacheKey{kind: kind, id: uint64(m.ID), decl: m.Declaring}
}

type lineEntry struct {
	index uint64
	line  int
}

// Dial connects to the JDWP agent listening at addr. Every request, the
// connection included, fails with a TransportError if it takes longer than
// timeout.
func Dial(addr string, timeout time.Duration, cacheSize int) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, &remote.TransportError{Op: "dial", Err: err}
	}
	c, err := NewClient(conn, timeout, cacheSize)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient performs the JDWP handshake over conn.
func NewClient(conn net.Conn, timeout time.Duration, cacheSize int) (*Client, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	c := &Client{conn: newConn(conn, timeout), cache: cache, log: logflags.JDWPLogger()}
	if err := c.conn.handshake(); err != nil {
		return nil, err
	}
	c.log.Debugf("connected to %s, id sizes %+v", conn.RemoteAddr(), c.conn.sizes)
	return c, nil
}

// InvalidateCaches discards cached type metadata. It must be called if the
// target was resumed by somebody else, since classes may have been unloaded.
func (c *Client) InvalidateCaches() {
	c.cache.Purge()
}

func (c *Client) cached(key cacheKey) (interface{}, bool) {
	return c.cache.Get(key)
}

func (c *Client) remember(key cacheKey, v interface{}) {
	c.cache.Add(key, v)
}

// typeOf returns the type with the given tag and ID, fetching its signature
// if it was not seen before.
func (c *Client) typeOf(tag remote.TypeTag, id remote.TypeID) (*remote.Type, error) {
	if v, ok := c.cached(typeKey(cacheType, id)); ok {
		return v.(*remote.Type), nil
	}
	rd, err := c.conn.exec(csReferenceType, cmdRTSignature, c.conn.packet().refType(id), "ReferenceType.Signature")
	if err != nil {
		return nil, err
	}
	t := &remote.Type{ID: id, Tag: tag, Signature: rd.string()}
	if err := rd.done("ReferenceType.Signature"); err != nil {
		return nil, err
	}
	c.remember(typeKey(cacheType, id), t)
	return t, nil
}

func (c *Client) ClassesByName(name string) ([]*remote.Type, error) {
	sig := remote.NameToSignature(name)
	rd, err := c.conn.exec(csVirtualMachine, cmdVMClassesBySignature, c.conn.packet().string(sig), "VirtualMachine.ClassesBySignature")
	if err != nil {
		return nil, err
	}
	n := rd.count()
	r := make([]*remote.Type, 0, n)
	for i := 0; i < n; i++ {
		t := &remote.Type{Tag: remote.TypeTag(rd.byte()), ID: rd.refType(), Signature: sig}
		rd.int32() // status
		r = append(r, t)
	}
	if err := rd.done("VirtualMachine.ClassesBySignature"); err != nil {
		return nil, err
	}
	for _, t := range r {
		c.remember(typeKey(cacheType, t.ID), t)
	}
	return r, nil
}

func (c *Client) ObjectType(obj remote.ObjectID) (*remote.Type, error) {
	rd, err := c.conn.exec(csObjectReference, cmdORReferenceType, c.conn.packet().object(obj), "ObjectReference.ReferenceType")
	if err != nil {
		return nil, err
	}
	tag := remote.TypeTag(rd.byte())
	id := rd.refType()
	if err := rd.done("ObjectReference.ReferenceType"); err != nil {
		return nil, err
	}
	return c.typeOf(tag, id)
}

func (c *Client) Superclass(t *remote.Type) (*remote.Type, error) {
	if v, ok := c.cached(typeKey(cacheSuper, t.ID)); ok {
		return v.(*remote.Type), nil
	}
	rd, err := c.conn.exec(csClassType, cmdCTSuperclass, c.conn.packet().refType(t.ID), "ClassType.Superclass")
	if err != nil {
		return nil, err
	}
	id := rd.refType()
	if err := rd.done("ClassType.Superclass"); err != nil {
		return nil, err
	}
	var super *remote.Type
	if id != 0 {
		super, err = c.typeOf(remote.TypeTagClass, id)
		if err != nil {
			return nil, err
		}
	}
	c.remember(typeKey(cacheSuper, t.ID), super)
	return super, nil
}

func (c *Client) Fields(t *remote.Type) ([]*remote.Field, error) {
	if v, ok := c.cached(typeKey(cacheFields, t.ID)); ok {
		return v.([]*remote.Field), nil
	}
	rd, err := c.conn.exec(csReferenceType, cmdRTFields, c.conn.packet().refType(t.ID), "ReferenceType.Fields")
	if err != nil {
		return nil, err
	}
	n := rd.count()
	r := make([]*remote.Field, 0, n)
	for i := 0; i < n; i++ {
		f := &remote.Field{Declaring: t.ID}
		f.ID = rd.field()
		f.Name = rd.string()
		f.Signature = rd.string()
		f.Modifiers = uint32(rd.int32())
		r = append(r, f)
	}
	if err := rd.done("ReferenceType.Fields"); err != nil {
		return nil, err
	}
	c.remember(typeKey(cacheFields, t.ID), r)
	return r, nil
}

func (c *Client) Methods(t *remote.Type) ([]*remote.Method, error) {
	if v, ok := c.cached(typeKey(cacheMethods, t.ID)); ok {
		return v.([]*remote.Method), nil
	}
	rd, err := c.conn.exec(csReferenceType, cmdRTMethods, c.conn.packet().refType(t.ID), "ReferenceType.Methods")
	if err != nil {
		return nil, err
	}
	n := rd.count()
	r := make([]*remote.Method, 0, n)
	for i := 0; i < n; i++ {
		m := &remote.Method{Declaring: t.ID}
		m.ID = rd.method()
		m.Name = rd.string()
		m.Signature = rd.string()
		m.Modifiers = uint32(rd.int32())
		r = append(r, m)
	}
	if err := rd.done("ReferenceType.Methods"); err != nil {
		return nil, err
	}
	c.remember(typeKey(cacheMethods, t.ID), r)
	return r, nil
}

func (c *Client) GetValues(obj remote.ObjectID, fields []*remote.Field) ([]remote.Value, error) {
	pkt := c.conn.packet().object(obj).int32(int32(len(fields)))
	for _, f := range fields {
		pkt.field(f.ID)
	}
	rd, err := c.conn.exec(csObjectReference, cmdORGetValues, pkt, "ObjectReference.GetValues")
	if err != nil {
		return nil, err
	}
	n := rd.count()
	r := make([]remote.Value, 0, n)
	for i := 0; i < n; i++ {
		r = append(r, rd.value())
	}
	if err := rd.done("ObjectReference.GetValues"); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Client) InvokeMethod(thread remote.ThreadID, obj remote.ObjectID, m *remote.Method, args []remote.Value) (remote.Value, error) {
	pkt := c.conn.packet().object(obj).object(remote.ObjectID(thread)).refType(m.Declaring).method(m.ID)
	pkt.int32(int32(len(args)))
	for _, arg := range args {
		pkt.value(arg)
	}
	pkt.int32(invokeSingleThreaded)
	rd, err := c.conn.exec(csObjectReference, cmdORInvokeMethod, pkt, "ObjectReference.InvokeMethod")
	if err != nil {
		return remote.Value{}, err
	}
	ret := rd.value()
	exc := rd.value()
	if err := rd.done("ObjectReference.InvokeMethod"); err != nil {
		return remote.Value{}, err
	}
	if exc.Object != 0 {
		return remote.Value{}, &remote.InvocationError{Method: m.String(), Exception: exc.Object}
	}
	return ret, nil
}

func (c *Client) StringValue(obj remote.ObjectID) (string, error) {
	rd, err := c.conn.exec(csStringReference, cmdSRValue, c.conn.packet().object(obj), "StringReference.Value")
	if err != nil {
		return "", err
	}
	s := rd.string()
	return s, rd.done("StringReference.Value")
}

func (c *Client) DisableCollection(obj remote.ObjectID) error {
	_, err := c.conn.exec(csObjectReference, cmdORDisableCollection, c.conn.packet().object(obj), "ObjectReference.DisableCollection")
	return err
}

func (c *Client) EnableCollection(obj remote.ObjectID) error {
	_, err := c.conn.exec(csObjectReference, cmdOREnableCollection, c.conn.packet().object(obj), "ObjectReference.EnableCollection")
	return err
}

func (c *Client) Threads() ([]remote.Thread, error) {
	rd, err := c.conn.exec(csVirtualMachine, cmdVMAllThreads, nil, "VirtualMachine.AllThreads")
	if err != nil {
		return nil, err
	}
	n := rd.count()
	ids := make([]remote.ThreadID, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, remote.ThreadID(rd.object()))
	}
	if err := rd.done("VirtualMachine.AllThreads"); err != nil {
		return nil, err
	}
	r := make([]remote.Thread, 0, len(ids))
	for _, id := range ids {
		rd, err := c.conn.exec(csThreadReference, cmdTRName, c.conn.packet().object(remote.ObjectID(id)), "ThreadReference.Name")
		if err != nil {
			if remote.IsTransport(err) {
				return nil, err
			}
			// the thread died since AllThreads
			continue
		}
		th := remote.Thread{ID: id, Name: rd.string()}
		if err := rd.done("ThreadReference.Name"); err != nil {
			return nil, err
		}
		r = append(r, th)
	}
	return r, nil
}

func (c *Client) Frames(thread remote.ThreadID) ([]remote.StackFrame, error) {
	pkt := c.conn.packet().object(remote.ObjectID(thread)).int32(0).int32(-1)
	rd, err := c.conn.exec(csThreadReference, cmdTRFrames, pkt, "ThreadReference.Frames")
	if err != nil {
		return nil, err
	}
	type rawFrame struct {
		id     remote.FrameID
		tag    remote.TypeTag
		class  remote.TypeID
		method remote.MethodID
		index  uint64
	}
	n := rd.count()
	raw := make([]rawFrame, 0, n)
	for i := 0; i < n; i++ {
		var fr rawFrame
		fr.id = rd.frame()
		fr.tag = remote.TypeTag(rd.byte())
		fr.class = rd.refType()
		fr.method = rd.method()
		fr.index = uint64(rd.int64())
		raw = append(raw, fr)
	}
	if err := rd.done("ThreadReference.Frames"); err != nil {
		return nil, err
	}

	r := make([]remote.StackFrame, 0, len(raw))
	for _, fr := range raw {
		t, err := c.typeOf(fr.tag, fr.class)
		if err != nil {
			return nil, err
		}
		loc := remote.Location{Type: t, Index: fr.index, Line: -1}
		methods, err := c.Methods(t)
		if err != nil {
			return nil, err
		}
		for _, m := range methods {
			if m.ID == fr.method {
				loc.Method = m
				break
			}
		}
		if loc.Method != nil {
			loc.Line, err = c.lineForIndex(loc.Method, fr.index)
			if err != nil {
				return nil, err
			}
		}
		r = append(r, remote.StackFrame{ID: fr.id, Thread: thread, Location: loc})
	}
	return r, nil
}

// lineForIndex returns the source line of code index idx of m, or -1 if the
// method has no line number information.
func (c *Client) lineForIndex(m *remote.Method, idx uint64) (int, error) {
	var lines []lineEntry
	if v, ok := c.cached(methodKey(cacheLines, m)); ok {
		lines = v.([]lineEntry)
	} else {
		pkt := c.conn.packet().refType(m.Declaring).method(m.ID)
		rd, err := c.conn.exec(csMethod, cmdMLineTable, pkt, "Method.LineTable")
		if err != nil {
			if remote.IsTransport(err) {
				return -1, err
			}
			// native or abstract method, or compiled without line numbers
			lines = []lineEntry{}
		} else {
			rd.int64() // start
			rd.int64() // end
			n := rd.count()
			for i := 0; i < n; i++ {
				lines = append(lines, lineEntry{index: uint64(rd.int64()), line: int(rd.int32())})
			}
			if err := rd.done("Method.LineTable"); err != nil {
				return -1, err
			}
			sort.Slice(lines, func(i, j int) bool { return lines[i].index < lines[j].index })
		}
		c.remember(methodKey(cacheLines, m), lines)
	}
	line := -1
	for _, e := range lines {
		if e.index > idx {
			break
		}
		line = e.line
	}
	return line, nil
}

func (c *Client) ThisObject(frame *remote.StackFrame) (remote.Value, error) {
	pkt := c.conn.packet().object(remote.ObjectID(frame.Thread)).frame(frame.ID)
	rd, err := c.conn.exec(csStackFrame, cmdSFThisObject, pkt, "StackFrame.ThisObject")
	if err != nil {
		return remote.Value{}, err
	}
	v := rd.value()
	return v, rd.done("StackFrame.ThisObject")
}

func (c *Client) VariableTable(m *remote.Method) ([]*remote.LocalVariable, error) {
	pkt := c.conn.packet().refType(m.Declaring).method(m.ID)
	rd, err := c.conn.exec(csMethod, cmdMVariableTable, pkt, "Method.VariableTable")
	if err != nil {
		return nil, err
	}
	rd.int32() // argCnt
	n := rd.count()
	r := make([]*remote.LocalVariable, 0, n)
	for i := 0; i < n; i++ {
		v := &remote.LocalVariable{}
		v.CodeIndex = uint64(rd.int64())
		v.Name = rd.string()
		v.Signature = rd.string()
		v.Length = uint32(rd.int32())
		v.Slot = int(rd.int32())
		r = append(r, v)
	}
	if err := rd.done("Method.VariableTable"); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Client) GetLocalValues(frame *remote.StackFrame, vars []*remote.LocalVariable) ([]remote.Value, error) {
	pkt := c.conn.packet().object(remote.ObjectID(frame.Thread)).frame(frame.ID).int32(int32(len(vars)))
	for _, v := range vars {
		pkt.int32(int32(v.Slot))
		sig := byte(remote.TagObject)
		if v.Signature != "" {
			sig = v.Signature[0]
		}
		pkt.byte(sig)
	}
	rd, err := c.conn.exec(csStackFrame, cmdSFGetValues, pkt, "StackFrame.GetValues")
	if err != nil {
		return nil, err
	}
	n := rd.count()
	r := make([]remote.Value, 0, n)
	for i := 0; i < n; i++ {
		r = append(r, rd.value())
	}
	if err := rd.done("StackFrame.GetValues"); err != nil {
		return nil, err
	}
	return r, nil
}

// Close closes the connection. Pinned objects must be released before.
func (c *Client) Close() error {
	c.cache.Purge()
	return c.conn.close()
}
