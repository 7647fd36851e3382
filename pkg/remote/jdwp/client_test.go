package jdwp

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-delve/asyncstack/pkg/remote"
)

// noReply makes the fake agent swallow a command.
const noReply remote.ErrorCode = 0xffff

type command [2]byte

type handler func(rd *reader, w *writer) remote.ErrorCode

// fakeAgent is a minimal JDWP agent serving canned replies over a pipe.
type fakeAgent struct {
	conn      net.Conn
	sizes     idSizes
	handshake string
	events    bool // send an event packet before every reply

	mu       sync.Mutex
	handlers map[command]handler
	calls    map[command]int
}

func newAgent(handlers map[command]handler) *fakeAgent {
	return &fakeAgent{
		sizes:     idSizes{field: 8, method: 8, object: 8, refType: 8, frame: 8},
		handshake: handshake,
		handlers:  handlers,
		calls:     make(map[command]int),
	}
}

func (a *fakeAgent) callCount(cmdset, cmd byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[command{cmdset, cmd}]
}

func (a *fakeAgent) serve() {
	buf := make([]byte, len(handshake))
	if _, err := io.ReadFull(a.conn, buf); err != nil {
		return
	}
	if _, err := io.WriteString(a.conn, a.handshake); err != nil {
		return
	}
	for {
		var hdr [headerSize]byte
		if _, err := io.ReadFull(a.conn, hdr[:]); err != nil {
			return
		}
		data := make([]byte, binary.BigEndian.Uint32(hdr[0:])-headerSize)
		if _, err := io.ReadFull(a.conn, data); err != nil {
			return
		}
		id := binary.BigEndian.Uint32(hdr[4:])
		key := command{hdr[9], hdr[10]}

		a.mu.Lock()
		a.calls[key]++
		h := a.handlers[key]
		events := a.events
		a.mu.Unlock()

		w := &writer{sizes: &a.sizes}
		code := remote.ErrCodeNotImplemented
		switch {
		case key == command{csVirtualMachine, cmdVMIDSizes}:
			w.int32(int32(a.sizes.field)).int32(int32(a.sizes.method)).int32(int32(a.sizes.object)).int32(int32(a.sizes.refType)).int32(int32(a.sizes.frame))
			code = remote.ErrCodeNone
		case h != nil:
			code = h(&reader{buf: data, sizes: &a.sizes}, w)
		}
		if code == noReply {
			continue
		}
		if events {
			// VM_DEATH composite event
			a.write(0, 0, []byte{64, 100}, []byte{0})
		}
		var errcode [2]byte
		binary.BigEndian.PutUint16(errcode[:], uint16(code))
		if a.write(id, flagReply, errcode[:], w.buf) != nil {
			return
		}
	}
}

func (a *fakeAgent) write(id uint32, flags byte, tail []byte, payload []byte) error {
	pkt := make([]byte, 9, headerSize+len(payload))
	binary.BigEndian.PutUint32(pkt[0:], uint32(headerSize+len(payload)))
	binary.BigEndian.PutUint32(pkt[4:], id)
	pkt[8] = flags
	pkt = append(pkt, tail...)
	pkt = append(pkt, payload...)
	_, err := a.conn.Write(pkt)
	return err
}

func startAgent(t *testing.T, a *fakeAgent, timeout time.Duration) (*Client, error) {
	t.Helper()
	client, server := net.Pipe()
	a.conn = server
	go a.serve()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return NewClient(client, timeout, 64)
}

func mustStart(t *testing.T, a *fakeAgent) *Client {
	t.Helper()
	c, err := startAgent(t, a, 5*time.Second)
	if err != nil {
		t.Fatalf("could not connect to fake agent: %v", err)
	}
	return c
}

func signatureHandler(sigs map[remote.TypeID]string) handler {
	return func(rd *reader, w *writer) remote.ErrorCode {
		sig, ok := sigs[rd.refType()]
		if !ok {
			return remote.ErrCodeInvalidClass
		}
		w.string(sig)
		return remote.ErrCodeNone
	}
}

func TestHandshake(t *testing.T) {
	a := newAgent(nil)
	a.sizes = idSizes{field: 4, method: 4, object: 8, refType: 8, frame: 8}
	c := mustStart(t, a)
	if c.conn.sizes != a.sizes {
		t.Fatalf("id sizes %+v, expected %+v", c.conn.sizes, a.sizes)
	}
}

func TestBadHandshake(t *testing.T) {
	a := newAgent(nil)
	a.handshake = "SSH-2.0-Open.."
	_, err := startAgent(t, a, 5*time.Second)
	if !remote.IsTransport(err) || !errors.Is(err, ErrBadHandshake) {
		t.Fatalf("expected bad handshake, got %v", err)
	}
}

func TestObjectTypeIsCached(t *testing.T) {
	a := newAgent(map[command]handler{
		{csObjectReference, cmdORReferenceType}: func(rd *reader, w *writer) remote.ErrorCode {
			if rd.object() != 42 {
				return remote.ErrCodeInvalidObject
			}
			w.byte(byte(remote.TypeTagClass)).refType(100)
			return remote.ErrCodeNone
		},
		{csReferenceType, cmdRTSignature}: signatureHandler(map[remote.TypeID]string{100: "Ldemo/Foo$fetch$1;"}),
	})
	c := mustStart(t, a)
	for i := 0; i < 3; i++ {
		typ, err := c.ObjectType(42)
		if err != nil {
			t.Fatal(err)
		}
		if typ.Name() != "demo.Foo$fetch$1" || !typ.IsClass() {
			t.Fatalf("wrong type %v", typ)
		}
	}
	if n := a.callCount(csReferenceType, cmdRTSignature); n != 1 {
		t.Errorf("signature requested %d times", n)
	}
	c.InvalidateCaches()
	if _, err := c.ObjectType(42); err != nil {
		t.Fatal(err)
	}
	if n := a.callCount(csReferenceType, cmdRTSignature); n != 2 {
		t.Errorf("signature requested %d times after InvalidateCaches", n)
	}

	var cerr *remote.CommandError
	if _, err := c.ObjectType(7); !errors.As(err, &cerr) || cerr.Code != remote.ErrCodeInvalidObject || remote.IsTransport(err) {
		t.Fatalf("expected INVALID_OBJECT, got %v", err)
	}
}

func TestSuperclassChain(t *testing.T) {
	supers := map[remote.TypeID]remote.TypeID{100: 101, 101: 102, 102: 0}
	a := newAgent(map[command]handler{
		{csClassType, cmdCTSuperclass}: func(rd *reader, w *writer) remote.ErrorCode {
			w.refType(supers[rd.refType()])
			return remote.ErrCodeNone
		},
		{csReferenceType, cmdRTSignature}: signatureHandler(map[remote.TypeID]string{
			100: "Ldemo/Foo$fetch$1;",
			101: "Lkotlin/coroutines/jvm/internal/ContinuationImpl;",
			102: "Lkotlin/coroutines/jvm/internal/BaseContinuationImpl;",
		}),
	})
	c := mustStart(t, a)
	start := &remote.Type{ID: 100, Tag: remote.TypeTagClass, Signature: "Ldemo/Foo$fetch$1;"}
	for i := 0; i < 2; i++ {
		ok, err := remote.IsSubtype(c, start, "kotlin.coroutines.jvm.internal.BaseContinuationImpl")
		if err != nil || !ok {
			t.Fatalf("IsSubtype: %v %v", ok, err)
		}
	}
	if n := a.callCount(csClassType, cmdCTSuperclass); n != 2 {
		t.Errorf("superclass requested %d times", n)
	}
}

func TestFieldsAndValues(t *testing.T) {
	a := newAgent(map[command]handler{
		{csReferenceType, cmdRTFields}: func(rd *reader, w *writer) remote.ErrorCode {
			w.int32(2)
			w.field(1).string("completion").string("Lkotlin/coroutines/Continuation;").int32(0x12)
			w.field(2).string("label").string("I").int32(0)
			return remote.ErrCodeNone
		},
		{csObjectReference, cmdORGetValues}: func(rd *reader, w *writer) remote.ErrorCode {
			rd.object()
			n := rd.count()
			w.int32(int32(n))
			for i := 0; i < n; i++ {
				switch rd.field() {
				case 1:
					w.value(remote.ObjectValue(55))
				case 2:
					w.value(remote.IntValue(3))
				default:
					return remote.ErrCodeInvalidFieldID
				}
			}
			return remote.ErrCodeNone
		},
	})
	c := mustStart(t, a)
	typ := &remote.Type{ID: 100, Tag: remote.TypeTagClass}
	f, err := remote.DeclaredField(c, typ, "completion")
	if err != nil || f == nil {
		t.Fatalf("completion field: %v %v", f, err)
	}
	if f.Declaring != 100 {
		t.Errorf("declaring type %d", f.Declaring)
	}
	label, _ := remote.DeclaredField(c, typ, "label")
	vals, err := c.GetValues(9, []*remote.Field{f, label})
	if err != nil {
		t.Fatal(err)
	}
	if obj, ok := vals[0].ObjectRef(); !ok || obj != 55 {
		t.Errorf("completion = %v", vals[0])
	}
	if n, ok := vals[1].Int(); !ok || n != 3 {
		t.Errorf("label = %v", vals[1])
	}
	if _, err := c.GetValues(9, []*remote.Field{{ID: 3}}); err == nil || remote.IsTransport(err) {
		t.Errorf("expected command error, got %v", err)
	}
}

func TestInvokeMethod(t *testing.T) {
	var gotOptions int32
	a := newAgent(map[command]handler{
		{csObjectReference, cmdORInvokeMethod}: func(rd *reader, w *writer) remote.ErrorCode {
			rd.object() // object
			rd.object() // thread
			rd.refType()
			m := rd.method()
			rd.int32() // no arguments
			gotOptions = rd.int32()
			switch m {
			case 1:
				w.value(remote.Value{Tag: remote.TagString, Object: 77})
				w.value(remote.Null)
			case 2:
				w.value(remote.Null)
				w.value(remote.ObjectValue(88))
			}
			return remote.ErrCodeNone
		},
		{csStringReference, cmdSRValue}: func(rd *reader, w *writer) remote.ErrorCode {
			if rd.object() != 77 {
				return remote.ErrCodeInvalidObject
			}
			w.string("demo.Foo")
			return remote.ErrCodeNone
		},
	})
	c := mustStart(t, a)
	v, err := c.InvokeMethod(1, 9, &remote.Method{ID: 1, Declaring: 100, Name: "getClassName", Signature: "()Ljava/lang/String;"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if gotOptions != invokeSingleThreaded {
		t.Errorf("invoke options %#x", gotOptions)
	}
	s, err := c.StringValue(v.Object)
	if err != nil || s != "demo.Foo" {
		t.Fatalf("StringValue: %q %v", s, err)
	}

	_, err = c.InvokeMethod(1, 9, &remote.Method{ID: 2, Declaring: 100, Name: "getStackTraceElement"}, nil)
	var ierr *remote.InvocationError
	if !errors.As(err, &ierr) || ierr.Exception != 88 || remote.IsTransport(err) {
		t.Fatalf("expected invocation error, got %v", err)
	}
}

func TestThreadsAndFrames(t *testing.T) {
	a := newAgent(map[command]handler{
		{csVirtualMachine, cmdVMAllThreads}: func(rd *reader, w *writer) remote.ErrorCode {
			w.int32(2).object(1).object(2)
			return remote.ErrCodeNone
		},
		{csThreadReference, cmdTRName}: func(rd *reader, w *writer) remote.ErrorCode {
			if rd.object() != 1 {
				return remote.ErrCodeInvalidThread
			}
			w.string("main")
			return remote.ErrCodeNone
		},
		{csThreadReference, cmdTRFrames}: func(rd *reader, w *writer) remote.ErrorCode {
			w.int32(2)
			w.frame(11).byte(byte(remote.TypeTagClass)).refType(100).method(5).int64(12)
			w.frame(12).byte(byte(remote.TypeTagClass)).refType(100).method(6).int64(0)
			return remote.ErrCodeNone
		},
		{csReferenceType, cmdRTSignature}: signatureHandler(map[remote.TypeID]string{100: "Ldemo/MainKt;"}),
		{csReferenceType, cmdRTMethods}: func(rd *reader, w *writer) remote.ErrorCode {
			w.int32(2)
			w.method(5).string("run").string("(Lkotlin/coroutines/Continuation;)Ljava/lang/Object;").int32(0x11)
			w.method(6).string("main").string("([Ljava/lang/String;)V").int32(0x109)
			return remote.ErrCodeNone
		},
		{csMethod, cmdMLineTable}: func(rd *reader, w *writer) remote.ErrorCode {
			rd.refType()
			if rd.method() != 5 {
				return remote.ErrCodeAbsentInformation
			}
			w.int64(0).int64(20).int32(3)
			w.int64(15).int32(12)
			w.int64(0).int32(10)
			w.int64(8).int32(11)
			return remote.ErrCodeNone
		},
		{csMethod, cmdMVariableTable}: func(rd *reader, w *writer) remote.ErrorCode {
			w.int32(1).int32(1)
			w.int64(0).string("$continuation").string("Lkotlin/coroutines/Continuation;").int32(20).int32(1)
			return remote.ErrCodeNone
		},
		{csStackFrame, cmdSFGetValues}: func(rd *reader, w *writer) remote.ErrorCode {
			rd.object()
			rd.frame()
			rd.count()
			rd.int32()
			if rd.byte() != 'L' {
				return remote.ErrCodeTypeMismatch
			}
			w.int32(1).value(remote.ObjectValue(9))
			return remote.ErrCodeNone
		},
		{csStackFrame, cmdSFThisObject}: func(rd *reader, w *writer) remote.ErrorCode {
			w.value(remote.Null)
			return remote.ErrCodeNone
		},
	})
	c := mustStart(t, a)

	threads, err := c.Threads()
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 1 || threads[0].Name != "main" {
		t.Fatalf("threads %v", threads)
	}

	frames, err := c.Frames(threads[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames", len(frames))
	}
	if got := frames[0].Location.String(); got != "demo.MainKt.run:11" {
		t.Errorf("frame 0 at %s", got)
	}
	if got := frames[1].Location.String(); got != "demo.MainKt.main:?" {
		t.Errorf("frame 1 at %s", got)
	}
	if !frames[1].Location.Method.IsStatic() || frames[1].Thread != threads[0].ID {
		t.Errorf("frame 1: %+v", frames[1])
	}

	this, err := c.ThisObject(&frames[0])
	if err != nil || !this.IsNull() {
		t.Fatalf("ThisObject: %v %v", this, err)
	}
	vars, err := c.VariableTable(frames[0].Location.Method)
	if err != nil || len(vars) != 1 || vars[0].Name != "$continuation" {
		t.Fatalf("VariableTable: %v %v", vars, err)
	}
	vals, err := c.GetLocalValues(&frames[0], vars)
	if err != nil {
		t.Fatal(err)
	}
	if obj, _ := vals[0].ObjectRef(); obj != 9 {
		t.Errorf("$continuation = %v", vals[0])
	}
}

func TestLineTablePerDeclaringType(t *testing.T) {
	lines := map[remote.TypeID]int32{1: 10, 2: 99}
	a := newAgent(map[command]handler{
		{csThreadReference, cmdTRFrames}: func(rd *reader, w *writer) remote.ErrorCode {
			w.int32(2)
			w.frame(11).byte(byte(remote.TypeTagClass)).refType(1).method(7).int64(0)
			w.frame(12).byte(byte(remote.TypeTagClass)).refType(2).method(7).int64(0)
			return remote.ErrCodeNone
		},
		{csReferenceType, cmdRTSignature}: signatureHandler(map[remote.TypeID]string{1: "Ldemo/Foo;", 2: "Ldemo/Bar;"}),
		{csReferenceType, cmdRTMethods}: func(rd *reader, w *writer) remote.ErrorCode {
			w.int32(1)
			w.method(7).string("invokeSuspend").string("(Ljava/lang/Object;)Ljava/lang/Object;").int32(0x11)
			return remote.ErrCodeNone
		},
		{csMethod, cmdMLineTable}: func(rd *reader, w *writer) remote.ErrorCode {
			line, ok := lines[rd.refType()]
			if !ok || rd.method() != 7 {
				return remote.ErrCodeInvalidMethodID
			}
			w.int64(0).int64(10).int32(1)
			w.int64(0).int32(line)
			return remote.ErrCodeNone
		},
	})
	c := mustStart(t, a)

	frames, err := c.Frames(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames", len(frames))
	}
	if frames[0].Location.Line != 10 || frames[1].Location.Line != 99 {
		t.Fatalf("lines %d %d, expected 10 99", frames[0].Location.Line, frames[1].Location.Line)
	}
	if n := a.callCount(csMethod, cmdMLineTable); n != 2 {
		t.Errorf("LineTable requested %d times", n)
	}

	if _, err := c.Frames(1); err != nil {
		t.Fatal(err)
	}
	if n := a.callCount(csMethod, cmdMLineTable); n != 2 {
		t.Errorf("line tables not cached, %d requests", n)
	}
}

func TestTransportFailures(t *testing.T) {
	t.Run("vm dead", func(t *testing.T) {
		a := newAgent(map[command]handler{
			{csVirtualMachine, cmdVMAllThreads}: func(rd *reader, w *writer) remote.ErrorCode {
				return remote.ErrCodeVMDead
			},
		})
		c := mustStart(t, a)
		_, err := c.Threads()
		if !remote.IsTransport(err) || !errors.Is(err, ErrVMDead) {
			t.Fatalf("expected VM_DEAD transport error, got %v", err)
		}
		var cerr *remote.CommandError
		if errors.As(err, &cerr) {
			t.Fatalf("VM_DEAD reported as a command error")
		}
		if _, err := c.Threads(); !errors.Is(err, ErrVMDead) {
			t.Fatalf("expected VM_DEAD again, got %v", err)
		}
		if n := a.callCount(csVirtualMachine, cmdVMAllThreads); n != 1 {
			t.Errorf("AllThreads sent %d times to a dead VM", n)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		a := newAgent(map[command]handler{
			{csVirtualMachine, cmdVMAllThreads}: func(rd *reader, w *writer) remote.ErrorCode {
				return noReply
			},
		})
		c, err := startAgent(t, a, 200*time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		_, err = c.Threads()
		var nerr net.Error
		if !remote.IsTransport(err) || !errors.As(err, &nerr) || !nerr.Timeout() {
			t.Fatalf("expected timeout, got %v", err)
		}
		// the reply may arrive later, the stream can not be trusted anymore
		if _, err := c.StringValue(1); !remote.IsTransport(err) || !errors.As(err, &nerr) || !nerr.Timeout() {
			t.Fatalf("expected the connection to stay broken, got %v", err)
		}
		if n := a.callCount(csStringReference, cmdSRValue); n != 0 {
			t.Errorf("command sent on a broken connection")
		}
	})

	t.Run("closed", func(t *testing.T) {
		a := newAgent(nil)
		c := mustStart(t, a)
		a.conn.Close()
		if _, err := c.ObjectType(1); !remote.IsTransport(err) {
			t.Fatalf("expected transport error, got %v", err)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		a := newAgent(map[command]handler{
			{csStringReference, cmdSRValue}: func(rd *reader, w *writer) remote.ErrorCode {
				w.int32(100).byte('x')
				return remote.ErrCodeNone
			},
		})
		c := mustStart(t, a)
		if _, err := c.StringValue(1); !remote.IsTransport(err) {
			t.Fatalf("expected transport error, got %v", err)
		}
	})
}

func TestEventsAreSkipped(t *testing.T) {
	a := newAgent(map[command]handler{
		{csStringReference, cmdSRValue}: func(rd *reader, w *writer) remote.ErrorCode {
			w.string("ok")
			return remote.ErrCodeNone
		},
	})
	c := mustStart(t, a)
	a.mu.Lock()
	a.events = true
	a.mu.Unlock()
	s, err := c.StringValue(1)
	if err != nil || s != "ok" {
		t.Fatalf("StringValue: %q %v", s, err)
	}
}

func TestPacketRoundTrip(t *testing.T) {
	sizes := &idSizes{field: 4, method: 8, object: 6, refType: 8, frame: 8}
	w := &writer{sizes: sizes}
	w.object(0x0102030405).value(remote.Value{Tag: remote.TagLong, Bits: 1 << 40}).value(remote.Value{Tag: remote.TagBoolean, Bits: 1}).string("héllo").field(7)
	rd := &reader{buf: w.buf, sizes: sizes}
	if obj := rd.object(); obj != 0x0102030405 {
		t.Errorf("object %#x", obj)
	}
	if v := rd.value(); v.Tag != remote.TagLong || v.Bits != 1<<40 {
		t.Errorf("long %v", v)
	}
	if v := rd.value(); v.Tag != remote.TagBoolean || v.Bits != 1 {
		t.Errorf("boolean %v", v)
	}
	if s := rd.string(); s != "héllo" {
		t.Errorf("string %q", s)
	}
	if f := rd.field(); f != 7 {
		t.Errorf("field %d", f)
	}
	if err := rd.done("test"); err != nil {
		t.Fatal(err)
	}
	rd.byte()
	if err := rd.done("test"); err == nil || !remote.IsTransport(err) {
		t.Fatalf("reading past the end: %v", err)
	}
}
