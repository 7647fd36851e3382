package cmds

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-delve/asyncstack/pkg/config"
	"github.com/go-delve/asyncstack/pkg/logflags"
	"github.com/go-delve/asyncstack/pkg/remote"
	"github.com/go-delve/asyncstack/pkg/remote/heap"
	"github.com/go-delve/asyncstack/pkg/remote/jdwp"
	"github.com/go-delve/asyncstack/pkg/terminal"
	"github.com/go-delve/asyncstack/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// initFile is the path to initialization file.
	initFile string
	// threadName selects the initial thread of the session.
	threadName string
	// verbose makes the version command print build information.
	verbose bool

	rootCommand *cobra.Command

	conf *config.Config
)

const dlvAsyncCommandLongDesc = `dlv-async inspects the suspended coroutines of a paused JVM.

It attaches to a Java virtual machine through the Java Debug Wire Protocol
and rebuilds the logical chain of Kotlin continuations waiting on the
physical frames of a thread. The target is never resumed, stopped or
modified beyond the temporary pinning of the objects it reads.

Start the target with the JDWP agent listening, for example:

` + "`java -agentlib:jdwp=transport=dt_socket,server=y,suspend=y,address=5005 -jar app.jar`" + `
` + "`dlv-async connect localhost:5005`" + `
`

func addLogFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&log, "log", "", false, "Enable logging.")
	fs.StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'dlv-async help log')`)
	fs.StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'dlv-async help log').")
}

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main dlv-async root command.
	rootCommand = &cobra.Command{
		Use:   "dlv-async",
		Short: "dlv-async reconstructs the coroutine stacks of a paused JVM.",
		Long:  dlvAsyncCommandLongDesc,
	}

	addLogFlags(rootCommand.PersistentFlags())
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal client.")

	// 'connect' subcommand.
	connectCommand := &cobra.Command{
		Use:   "connect addr",
		Short: "Connect to a JVM started with the JDWP agent.",
		Long: `Connect to a JVM listening for debugger connections.

The target must have been started with the jdwp agent in server mode and must
already be suspended. The connection is closed when the session ends, the
target is left suspended.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide an address as the first argument")
			}
			return nil
		},
		Run: connectCmd,
	}
	connectCommand.Flags().StringVar(&threadName, "thread", "", "Name or ID of the thread selected at startup.")
	rootCommand.AddCommand(connectCommand)

	// 'replay' subcommand.
	replayCommand := &cobra.Command{
		Use:   "replay snapshot",
		Short: "Examine a recorded VM snapshot.",
		Long: `Examine a recorded VM snapshot.

The replay command loads a YAML description of a suspended VM (classes,
objects and thread stacks) and opens a session on it as if it were a live
target.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a snapshot")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(func() (remote.VM, error) {
				return openSnapshot(args[0])
			}))
		},
	}
	replayCommand.Flags().StringVar(&threadName, "thread", "", "Name or ID of the thread selected at startup.")
	rootCommand.AddCommand(replayCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dlv-async\n%s\n", version.DlvAsyncVersion)
			if verbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	jdwp		Log all JDWP packets
	coroutine	Log continuation chain lookups
	heap		Log operations on replayed snapshots
	terminal	Log terminal commands

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func connectCmd(cmd *cobra.Command, args []string) {
	addr := args[0]
	if addr == "" {
		fmt.Fprint(os.Stderr, "An empty address was provided. You must provide an address as the first argument.\n")
		os.Exit(1)
	}
	os.Exit(execute(func() (remote.VM, error) {
		return jdwp.Dial(addr, conf.Timeout(), conf.CacheSize())
	}))
}

func openSnapshot(path string) (remote.VM, error) {
	vm, err := heap.LoadSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("could not load snapshot %s: %w", path, err)
	}
	return vm, nil
}

// execute opens the target and runs a terminal session on it, returning the
// exit status of the process.
func execute(open func() (remote.VM, error)) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	vm, err := open()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logflags.TerminalLogger().Debugf("target opened")

	term, err := newTerminal(vm)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	status, err := term.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return status
}

func newTerminal(vm remote.VM) (*terminal.Term, error) {
	term := terminal.New(vm, conf)
	term.InitFile = initFile
	if threadName != "" {
		if err := term.SelectThread(threadName); err != nil {
			term.Close()
			vm.Close()
			return nil, err
		}
	}
	return term, nil
}
