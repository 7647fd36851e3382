package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"
)

var jdwpWire = false
var coroutine = false
var heap = false
var terminal = false

var logOut io.WriteCloser

// JDWPWire returns true if the jdwp package should log all the packets
// exchanged with the target.
func JDWPWire() bool {
	return jdwpWire
}

// JDWPLogger returns a configured logger for the JDWP wire protocol.
func JDWPLogger() Logger {
	return newLogger("jdwp", jdwpWire)
}

// Coroutine returns true if continuation lookups should be logged.
func Coroutine() bool {
	return coroutine
}

// CoroutineLogger returns a logger for the coroutine package.
func CoroutineLogger() Logger {
	return newLogger("coroutine", coroutine)
}

// Heap returns true if calls into the in-memory VM should be logged.
func Heap() bool {
	return heap
}

// HeapLogger returns a logger for the in-memory VM.
func HeapLogger() Logger {
	return newLogger("heap", heap)
}

// Terminal returns true if the terminal should log executed commands.
func Terminal() bool {
	return terminal
}

// TerminalLogger returns a logger for the terminal.
func TerminalLogger() Logger {
	return newLogger("terminal", terminal)
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "dlv-async-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "coroutine"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "jdwp":
			jdwpWire = true
		case "coroutine":
			coroutine = true
		case "heap":
			heap = true
		case "terminal":
			terminal = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'dlv-async help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
