// Command workerrun is the Worker Launcher of spec.md §6: it resolves a
// process name against the catalogue rooted at --run-path, execs the
// underlying program, and (unless --no-server is given) reports its
// lifecycle back to a running supervisord over the worker endpoint.
//
// Arguments for the inner program are never passed on workerrun's own
// argv; they are read as a single line from standard input and split
// shell-style, the same convention the original process launcher used
// (a bash here-doc, a pipe, or input redirection all work):
//
//	workerrun build.deploy --server-socket /tmp/bend/worker.sock <<< '--fast --retries 3'
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-isatty"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/ridersdiscount/bend/pkg/catalogue"
	"github.com/ridersdiscount/bend/pkg/log"
	"github.com/ridersdiscount/bend/pkg/workerrt"
	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "workerrun PROCESS_NAME",
	Short: "Launch and supervise one worker process",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorker,
}

func init() {
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().String("server-name", "", "Supervisor instance name; resolves to its conventional worker socket. Mutually exclusive with --server-socket and --no-server.")
	rootCmd.Flags().String("server-socket", "", "Supervisor worker endpoint socket path. Mutually exclusive with --server-name and --no-server.")
	rootCmd.Flags().Bool("no-server", false, "Run standalone without reporting to a supervisor. Mutually exclusive with --server-name, --server-socket and --server-token.")
	rootCmd.Flags().String("server-token", "", "Token issued by the supervisor when it spawned this process; required unless --no-server.")
	rootCmd.Flags().String("run-path", ".", "Run-time data directory: holds the pidfile and is scanned for worker descriptors.")
	rootCmd.Flags().String("tmp-path", "", "Scratch directory exposed to the child as BEND_TMP_DIR.")
	rootCmd.Flags().String("var-path", "", "Persistent data directory exposed to the child as BEND_VAR_DIR.")
	rootCmd.Flags().Bool("debug", false, "Disable pidfile reuse-refusal and enable debug logging.")
	rootCmd.Flags().Bool("inline", false, "Accepted for CLI parity; workerrun always runs its child in the foreground.")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.Flags().GetString("log-level")
	logJSON, _ := rootCmd.Flags().GetBool("log-json")
	debug, _ := rootCmd.Flags().GetBool("debug")
	if debug {
		logLevel = "debug"
	}
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runWorker(cmd *cobra.Command, args []string) error {
	name := args[0]
	if !catalogue.ValidName(name) {
		return fmt.Errorf("workerrun: %q is not a valid process name", name)
	}

	serverName, _ := cmd.Flags().GetString("server-name")
	serverSocket, _ := cmd.Flags().GetString("server-socket")
	noServer, _ := cmd.Flags().GetBool("no-server")
	serverToken, _ := cmd.Flags().GetString("server-token")
	runPath, _ := cmd.Flags().GetString("run-path")
	tmpPath, _ := cmd.Flags().GetString("tmp-path")
	varPath, _ := cmd.Flags().GetString("var-path")
	debug, _ := cmd.Flags().GetBool("debug")

	if noServer && (serverName != "" || serverSocket != "" || serverToken != "") {
		return fmt.Errorf("workerrun: --no-server is mutually exclusive with --server-name, --server-socket and --server-token")
	}
	if serverName != "" && serverSocket != "" {
		return fmt.Errorf("workerrun: --server-name and --server-socket are mutually exclusive")
	}

	socketPath := serverSocket
	if socketPath == "" && serverName != "" {
		socketPath = filepath.Join(os.TempDir(), "bend", serverName, "worker.sock")
	}
	if noServer {
		socketPath = ""
	}

	cat := catalogue.New(runPath, "@every 1h")
	if err := cat.Start(); err != nil {
		return fmt.Errorf("workerrun: scanning %s: %w", runPath, err)
	}
	defer cat.Stop()
	desc, err := cat.Get(name)
	if err != nil {
		return fmt.Errorf("workerrun: %w", err)
	}
	if !desc.Spawnable() {
		return fmt.Errorf("workerrun: worker %q has no command or path", name)
	}

	innerArgs, err := readStdinArgs()
	if err != nil {
		return fmt.Errorf("workerrun: parsing stdin args: %w", err)
	}

	path := desc.Path
	if desc.Command != "" {
		path = desc.Command
	}

	rt := workerrt.New(workerrt.Config{
		Name:       name,
		Args:       innerArgs,
		Path:       path,
		SocketPath: socketPath,
		Token:      serverToken,
		RunDir:     runPath,
		TmpDir:     tmpPath,
		VarDir:     varPath,
		Debug:      debug,
	})

	exitCode, err := rt.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("workerrun: %w", err)
	}
	os.Exit(exitCode)
	return nil
}

// readStdinArgs reads a single line of shell-quoted arguments for the
// inner program from standard input, per spec.md §6. A terminal stdin
// (no redirection or pipe) means no args were supplied.
func readStdinArgs() ([]string, error) {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		return nil, nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return nil, nil
	}
	return shellwords.Parse(line)
}
