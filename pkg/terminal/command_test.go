package terminal

import (
	"bytes"
	"errors"
	"flag"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-delve/asyncstack/pkg/config"
	"github.com/go-delve/asyncstack/pkg/logflags"
	"github.com/go-delve/asyncstack/pkg/remote"
	"github.com/go-delve/asyncstack/pkg/remote/heap"
	"github.com/go-delve/asyncstack/pkg/remote/heap/heaptest"
)

func TestMain(m *testing.M) {
	var logConf string
	flag.StringVar(&logConf, "log", "", "configures logging")
	flag.Parse()
	logflags.Setup(logConf != "", logConf, "")
	os.Exit(m.Run())
}

type FakeTerminal struct {
	*Term
	vm  *heap.VM
	out bytes.Buffer
	t   testing.TB
}

func (ft *FakeTerminal) Exec(cmdstr string) (string, error) {
	ft.out.Reset()
	err := ft.cmds.Call(cmdstr, ft.Term)
	return ft.out.String(), err
}

func (ft *FakeTerminal) MustExec(cmdstr string) string {
	ft.t.Helper()
	outstr, err := ft.Exec(cmdstr)
	if err != nil {
		ft.t.Fatalf("Error executing <%s>: %v", cmdstr, err)
	}
	return outstr
}

func (ft *FakeTerminal) AssertExecError(cmdstr, tgterr string) {
	ft.t.Helper()
	_, err := ft.Exec(cmdstr)
	if err == nil {
		ft.t.Fatalf("Expected error executing %q", cmdstr)
	}
	if !strings.Contains(err.Error(), tgterr) {
		ft.t.Fatalf("Expected error %q executing %q, got error %q", tgterr, cmdstr, err.Error())
	}
}

func withTestTerminal(name string, t testing.TB, fn func(*FakeTerminal)) {
	t.Helper()
	withTestTerminalConfig(name, t, &config.Config{}, fn)
}

func withTestTerminalConfig(name string, t testing.TB, conf *config.Config, fn func(*FakeTerminal)) {
	t.Helper()
	vm := heaptest.LoadFixture(t, name)
	term := New(vm, conf)
	defer term.Close()
	ft := &FakeTerminal{Term: term, vm: vm, t: t}
	ft.dumb = true
	ft.SetStdout(&ft.out)
	fn(ft)
}

func lines(s string) []string {
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

func TestCommandDefault(t *testing.T) {
	withTestTerminal("async", t, func(term *FakeTerminal) {
		_, err := term.Exec("nonexistent")
		if err != errNoCmd {
			t.Fatalf("wrong error: %v", err)
		}
		if out := term.MustExec(""); out != "" {
			t.Fatalf("empty command printed %q", out)
		}
	})
}

func TestHelp(t *testing.T) {
	withTestTerminal("async", t, func(term *FakeTerminal) {
		out := term.MustExec("help")
		for _, tgt := range []string{"Inspecting suspended coroutines:", "async-stack (alias: as)", "exit (alias: quit | q)"} {
			if !strings.Contains(out, tgt) {
				t.Errorf("help output does not contain %q:\n%s", tgt, out)
			}
		}
		out = term.MustExec("help as")
		if !strings.HasPrefix(out, "Print the logical stack") {
			t.Errorf("wrong help for as: %q", out)
		}
		term.AssertExecError("help nonexistent", "command not available")
	})
}

func TestThreads(t *testing.T) {
	withTestTerminal("async", t, func(term *FakeTerminal) {
		out := lines(term.MustExec("threads"))
		if len(out) != 2 {
			t.Fatalf("expected two threads, got %q", out)
		}
		if !strings.HasPrefix(out[0], "* ") || !strings.HasSuffix(out[0], " main") {
			t.Errorf("main is not the selected thread: %q", out)
		}
		if !strings.HasSuffix(out[1], " DefaultDispatcher-worker-1") {
			t.Errorf("wrong second thread: %q", out)
		}

		out2 := term.MustExec("thread DefaultDispatcher-worker-1")
		if out2 != "Switched from main to DefaultDispatcher-worker-1\n" {
			t.Errorf("wrong output switching thread: %q", out2)
		}
		if out := term.MustExec("stack"); out != "=>0  demo.MainKt.main:3\n" {
			t.Errorf("wrong stack for worker thread: %q", out)
		}
		term.AssertExecError("thread nonexistent", "unknown thread")
		term.AssertExecError("thread a b", "too many arguments")
	})
}

func TestStackAndFrame(t *testing.T) {
	withTestTerminal("async", t, func(term *FakeTerminal) {
		out := lines(term.MustExec("bt"))
		want := []string{
			"=>0  demo.Bar.load:20",
			"  1  demo.Foo.fetch:10",
			"  2  demo.MainKt$main$1.invokeSuspend:5",
			"  3  kotlin.coroutines.jvm.internal.BaseContinuationImpl.resumeWith:33",
			"  4  demo.MainKt.main:3",
		}
		if strings.Join(out, "\n") != strings.Join(want, "\n") {
			t.Fatalf("wrong stack:\n%s\nexpected:\n%s", strings.Join(out, "\n"), strings.Join(want, "\n"))
		}
		if out := lines(term.MustExec("stack 1")); len(out) != 2 {
			t.Errorf("stack 1 printed %d frames", len(out))
		}

		if out := term.MustExec("frame 2"); out != "Frame 2: demo.MainKt$main$1.invokeSuspend:5\n" {
			t.Errorf("wrong output for frame: %q", out)
		}
		if term.frame != 2 {
			t.Fatalf("frame not selected")
		}
		term.MustExec("up")
		term.MustExec("down 3")
		if term.frame != 0 {
			t.Fatalf("expected frame 0 after up/down, got %d", term.frame)
		}
		term.AssertExecError("down", "invalid frame")
		term.AssertExecError("frame 5", "invalid frame")
		term.AssertExecError("stack x", "must be a positive number")
	})
}

func TestContinuationCommands(t *testing.T) {
	withTestTerminal("async", t, func(term *FakeTerminal) {
		out := term.MustExec("continuation")
		if !strings.HasSuffix(out, " demo.Bar$load$1 at demo.Bar:20\n") {
			t.Errorf("wrong continuation of frame 0: %q", out)
		}
		if len(term.session.Pinned()) == 0 {
			t.Errorf("$continuation was not pinned")
		}

		out = term.MustExec("completion")
		if !strings.HasSuffix(out, " demo.Foo$fetch$1 at demo.Foo:10\n") {
			t.Errorf("wrong completion of frame 0: %q", out)
		}

		out = term.MustExec("frame 2 k")
		if !strings.HasSuffix(out, " demo.MainKt$main$1 at demo.MainKt$main$1:5\n") {
			t.Errorf("wrong continuation of frame 2: %q", out)
		}
		if term.frame != 0 {
			t.Errorf("frame prefix changed the selected frame")
		}

		term.AssertExecError("frame 3 continuation", errNoContinuation.Error())
		term.AssertExecError("frame 4 as", errNoContinuation.Error())
	})
}

func TestAsyncStackCommand(t *testing.T) {
	withTestTerminal("async", t, func(term *FakeTerminal) {
		out := lines(term.MustExec("async-stack"))
		want := []string{"demo.Bar:20", "demo.Foo:10", "demo.MainKt$main$1:5"}
		if len(out) != len(want) {
			t.Fatalf("wrong async stack: %q", out)
		}
		for i := range want {
			if fields := strings.Fields(out[i]); len(fields) != 3 || fields[1] != want[i] {
				t.Errorf("frame %d: got %q expected position %s", i, out[i], want[i])
			}
		}

		if out := lines(term.MustExec("as 2")); len(out) != 2 {
			t.Errorf("depth not honored: %q", out)
		}

		s := term.MustExec("frame 1 as")
		if len(lines(s)) != 2 || !strings.Contains(s, "demo.Foo:10") {
			t.Errorf("wrong async stack from frame 1: %q", s)
		}
	})
}

func TestAsyncStackDepthFromConfig(t *testing.T) {
	depth := 1
	withTestTerminalConfig("async", t, &config.Config{MaxAsyncDepth: &depth}, func(term *FakeTerminal) {
		if out := lines(term.MustExec("as")); len(out) != 1 {
			t.Errorf("max-async-depth not honored: %q", out)
		}
	})
}

func TestFindCommand(t *testing.T) {
	withTestTerminal("async", t, func(term *FakeTerminal) {
		// the node returned is the one resuming after the matching frame
		out := term.MustExec("find demo.Bar:20")
		if !strings.Contains(out, "demo.Foo$fetch$1 at demo.Foo:10") {
			t.Errorf("wrong result for demo.Bar:20: %q", out)
		}
		out = term.MustExec(`find "demo.Foo":10`)
		if !strings.Contains(out, "demo.MainKt$main$1 at demo.MainKt$main$1:5") {
			t.Errorf("wrong result for demo.Foo:10: %q", out)
		}
		if out := term.MustExec("find demo.Nowhere:1"); out != "no continuation found for demo.Nowhere:1\n" {
			t.Errorf("wrong output for unknown frame: %q", out)
		}

		term.AssertExecError("find", "wrong number of arguments")
		term.AssertExecError("find demo.Bar", "malformed logical frame")
		term.AssertExecError("find demo.Bar:x", "malformed line number")
	})
}

func TestTransportErrorsSurface(t *testing.T) {
	withTestTerminal("async", t, func(term *FakeTerminal) {
		dead := &remote.TransportError{Op: "InvokeMethod", Err: errors.New("connection reset")}
		term.vm.SetFault(func(op string) error {
			if op == "InvokeMethod" {
				return dead
			}
			return nil
		})
		_, err := term.Exec("as")
		if !remote.IsTransport(err) {
			t.Fatalf("expected transport error, got %v", err)
		}
	})
}

func TestSourceCommands(t *testing.T) {
	withTestTerminal("async", t, func(term *FakeTerminal) {
		path := filepath.Join(t.TempDir(), "init")
		script := "# select the lambda\nframe 2\n\nnonexistent\nthread main\n"
		if err := ioutil.WriteFile(path, []byte(script), 0600); err != nil {
			t.Fatal(err)
		}
		out := term.MustExec("source " + path)
		if !strings.Contains(out, path+":4: command not available") {
			t.Errorf("error not reported with its line: %q", out)
		}
		if term.thread.Name != "main" || term.frame != 0 {
			t.Errorf("script not executed, thread %q frame %d", term.thread.Name, term.frame)
		}
		term.AssertExecError("source", "wrong number of arguments")
		term.AssertExecError("source `ls`", "backtick not supported")
	})
}

func TestConfigCommand(t *testing.T) {
	withTestTerminal("async", t, func(term *FakeTerminal) {
		term.MustExec("config max-async-depth 2")
		if term.conf.AsyncDepth() != 2 {
			t.Fatalf("max-async-depth not set: %d", term.conf.AsyncDepth())
		}
		term.MustExec("config request-timeout 3s")
		if term.conf.RequestTimeout != "3s" {
			t.Fatalf("request-timeout not set: %q", term.conf.RequestTimeout)
		}
		term.AssertExecError("config request-timeout soon", "must be a duration")
		term.AssertExecError("config max-async-depth -1", "greater than zero")
		term.AssertExecError("config nonexistent 1", "is not a configuration parameter")

		out := term.MustExec("config -list")
		for _, tgt := range []string{"max-async-depth 2", "request-timeout 3s", "type-cache-size <not defined>"} {
			if !strings.Contains(out, tgt) {
				t.Errorf("config -list does not contain %q:\n%s", tgt, out)
			}
		}

		term.MustExec("config alias async-stack chain")
		if out := lines(term.MustExec("chain")); len(out) != 2 {
			t.Errorf("alias not registered: %q", out)
		}
		term.MustExec("config alias chain")
		term.AssertExecError("chain", "command not available")
	})
}

func TestExitReleasesAndCloses(t *testing.T) {
	withTestTerminal("async", t, func(term *FakeTerminal) {
		term.MustExec("continuation")
		pinned := term.session.Pinned()
		if len(pinned) == 0 {
			t.Fatalf("nothing pinned")
		}
		_, err := term.Exec("exit")
		if _, ok := err.(ExitRequestError); !ok {
			t.Fatalf("exit returned %v", err)
		}
		if code, err := term.detach(); code != 0 || err != nil {
			t.Fatalf("detach: %d %v", code, err)
		}
		for _, obj := range pinned {
			if term.vm.Pinned(obj) {
				t.Errorf("%#x still pinned after exit", obj)
			}
		}
		if _, err := term.vm.Threads(); !remote.IsTransport(err) {
			t.Errorf("connection not closed: %v", err)
		}
	})
}
