package jdwp

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-delve/asyncstack/pkg/logflags"
	"github.com/go-delve/asyncstack/pkg/remote"
)

const (
	handshake = "JDWP-Handshake"

	headerSize     = 11
	flagReply      = 0x80
	jdwpWireMaxLen = 120
)

// Command sets and commands used by the client.
const (
	csVirtualMachine  = 1
	csReferenceType   = 2
	csClassType       = 3
	csMethod          = 6
	csObjectReference = 9
	csStringReference = 10
	csThreadReference = 11
	csStackFrame      = 16

	cmdVMClassesBySignature = 2
	cmdVMAllThreads         = 4
	cmdVMIDSizes            = 7

	cmdRTSignature = 1
	cmdRTFields    = 4
	cmdRTMethods   = 5

	cmdCTSuperclass = 1

	cmdMLineTable     = 1
	cmdMVariableTable = 2

	cmdORReferenceType     = 1
	cmdORGetValues         = 2
	cmdORInvokeMethod      = 6
	cmdORDisableCollection = 7
	cmdOREnableCollection  = 8

	cmdSRValue = 1

	cmdTRName   = 1
	cmdTRFrames = 6

	cmdSFGetValues  = 1
	cmdSFThisObject = 3
)

// ErrBadHandshake is returned when the remote end does not speak JDWP.
var ErrBadHandshake = errors.New("bad JDWP handshake")

// ErrVMDead is returned once the target VM has terminated.
var ErrVMDead = errors.New("target VM is dead")

// ErrShortPacket is returned for packets shorter than their header.
var ErrShortPacket = errors.New("JDWP packet too short")

// idSizes are the sizes of the variably sized identifiers, as reported by
// VirtualMachine.IDSizes.
type idSizes struct {
	field, method, object, refType, frame int
}

// jdwpConn is a connection to a JDWP agent. Only one command is in flight
// at any given time.
type jdwpConn struct {
	mu sync.Mutex

	conn net.Conn
	rdr  *bufio.Reader

	nextID  uint32
	timeout time.Duration // per request, 0 means no deadline
	sizes   idSizes

	// broken is the I/O error that left the stream in an unknown state.
	// Once set every command fails with it.
	broken error

	log logflags.Logger
}

func newConn(conn net.Conn, timeout time.Duration) *jdwpConn {
	return &jdwpConn{
		conn:    conn,
		rdr:     bufio.NewReader(conn),
		timeout: timeout,
		log:     logflags.JDWPLogger(),
	}
}

// handshake exchanges the handshake string and reads the identifier sizes.
func (conn *jdwpConn) handshake() error {
	conn.setDeadline()
	if _, err := io.WriteString(conn.conn, handshake); err != nil {
		return &remote.TransportError{Op: "handshake", Err: err}
	}
	buf := make([]byte, len(handshake))
	if _, err := io.ReadFull(conn.rdr, buf); err != nil {
		return &remote.TransportError{Op: "handshake", Err: err}
	}
	if string(buf) != handshake {
		return &remote.TransportError{Op: "handshake", Err: ErrBadHandshake}
	}

	rd, err := conn.exec(csVirtualMachine, cmdVMIDSizes, nil, "IDSizes")
	if err != nil {
		return err
	}
	conn.sizes = idSizes{
		field:   int(rd.int32()),
		method:  int(rd.int32()),
		object:  int(rd.int32()),
		refType: int(rd.int32()),
		frame:   int(rd.int32()),
	}
	if err := rd.done("IDSizes"); err != nil {
		return err
	}
	for _, sz := range []int{conn.sizes.field, conn.sizes.method, conn.sizes.object, conn.sizes.refType, conn.sizes.frame} {
		if sz <= 0 || sz > 8 {
			return &remote.TransportError{Op: "IDSizes", Err: fmt.Errorf("unsupported identifier size %d", sz)}
		}
	}
	return nil
}

func (conn *jdwpConn) setDeadline() {
	if conn.timeout > 0 {
		conn.conn.SetDeadline(time.Now().Add(conn.timeout))
	}
}

// packet returns a writer for the payload of a command.
func (conn *jdwpConn) packet() *writer {
	return &writer{sizes: &conn.sizes}
}

// exec sends a command and waits for its reply. Errors reported by the
// target become a *remote.CommandError, everything else, including VM_DEAD,
// a *remote.TransportError.
func (conn *jdwpConn) exec(cmdset, cmd byte, payload *writer, context string) (*reader, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.broken != nil {
		return nil, &remote.TransportError{Op: context, Err: conn.broken}
	}

	conn.nextID++
	id := conn.nextID
	conn.setDeadline()
	if err := conn.send(id, cmdset, cmd, payload); err != nil {
		conn.broken = err
		return nil, &remote.TransportError{Op: context, Err: err}
	}
	code, data, err := conn.recv(id)
	if err != nil {
		conn.broken = err
		return nil, &remote.TransportError{Op: context, Err: err}
	}
	switch remote.ErrorCode(code) {
	case remote.ErrCodeNone:
		return &reader{buf: data, sizes: &conn.sizes}, nil
	case remote.ErrCodeVMDead:
		conn.broken = ErrVMDead
		return nil, &remote.TransportError{Op: context, Err: ErrVMDead}
	}
	return nil, &remote.CommandError{Op: context, Code: remote.ErrorCode(code)}
}

func (conn *jdwpConn) send(id uint32, cmdset, cmd byte, payload *writer) error {
	var data []byte
	if payload != nil {
		data = payload.buf
	}
	pkt := make([]byte, headerSize, headerSize+len(data))
	binary.BigEndian.PutUint32(pkt[0:], uint32(headerSize+len(data)))
	binary.BigEndian.PutUint32(pkt[4:], id)
	pkt[8] = 0
	pkt[9] = cmdset
	pkt[10] = cmd
	pkt = append(pkt, data...)
	if logflags.JDWPWire() {
		conn.log.WithPacket(id, cmdset, cmd).Debugf("<- %s", wireDump(data))
	}
	_, err := conn.conn.Write(pkt)
	return err
}

// recv reads packets until the reply to command id arrives. Commands sent
// by the target (events) are discarded: the target is expected to stay
// suspended and we never requested any event.
func (conn *jdwpConn) recv(id uint32) (uint16, []byte, error) {
	var hdr [headerSize]byte
	for {
		if _, err := io.ReadFull(conn.rdr, hdr[:]); err != nil {
			return 0, nil, err
		}
		length := binary.BigEndian.Uint32(hdr[0:])
		if length < headerSize {
			return 0, nil, ErrShortPacket
		}
		data := make([]byte, length-headerSize)
		if _, err := io.ReadFull(conn.rdr, data); err != nil {
			return 0, nil, err
		}
		pktID := binary.BigEndian.Uint32(hdr[4:])
		if hdr[8]&flagReply == 0 {
			if logflags.JDWPWire() {
				conn.log.WithPacket(pktID, hdr[9], hdr[10]).Debugf("-> event ignored")
			}
			continue
		}
		code := binary.BigEndian.Uint16(hdr[9:])
		if logflags.JDWPWire() {
			conn.log.WithField("id", pktID).Debugf("-> error=%d %s", code, wireDump(data))
		}
		if pktID != id {
			// reply to another command
			continue
		}
		return code, data, nil
	}
}

func wireDump(data []byte) string {
	if len(data) > jdwpWireMaxLen {
		return fmt.Sprintf("%x...", data[:jdwpWireMaxLen])
	}
	return fmt.Sprintf("%x", data)
}

func (conn *jdwpConn) close() error {
	return conn.conn.Close()
}
