// Command supervisord is the Supervisor Core daemon of spec.md §6: it
// binds the client and worker endpoints, scans the catalogue, and spawns
// cmd/workerrun as a detached child for every run() call.
//
// Shutdown sequencing follows cmd/warren/main.go's clusterInitCmd:
// a signal or a fatal accept-loop error both route through the same
// select, then a single context cancellation stops every collaborator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ridersdiscount/bend/pkg/config"
	"github.com/ridersdiscount/bend/pkg/eventsink"
	"github.com/ridersdiscount/bend/pkg/log"
	"github.com/ridersdiscount/bend/pkg/statusapi"
	"github.com/ridersdiscount/bend/pkg/supervisor"
	"github.com/ridersdiscount/bend/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "supervisord",
	Short:   "Run the worker supervisor daemon",
	Version: Version,
	RunE:    runSupervisor,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("supervisord version %s\nCommit: %s\n", Version, Commit))

	rootCmd.Flags().String("config", "", "Path to a YAML config file")
	rootCmd.Flags().String("env", "", "Path to a .env overlay file")
	rootCmd.Flags().String("name", "", "Supervisor instance name")
	rootCmd.Flags().String("client-port", "", "TCP port the client endpoint listens on (overrides config client_addr's port)")
	rootCmd.Flags().String("run-prefix", "", "Directory scanned for worker descriptors")
	rootCmd.Flags().String("tmp-prefix", "", "Root directory for per-instance scratch directories")
	rootCmd.Flags().String("var-prefix", "", "Root directory for the sqlite event sink")
	rootCmd.Flags().String("worker-bin", "", "Path to the workerrun binary; defaults to a 'workerrun' sibling of this executable")
	rootCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().Bool("debug", false, "Expose the debug status/metrics HTTP endpoint")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.Flags().GetString("log-level")
	logJSON, _ := rootCmd.Flags().GetBool("log-json")
	if logLevel == "" {
		logLevel = "info"
	}
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runSupervisor(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	envPath, _ := cmd.Flags().GetString("env")

	cfg, err := config.Load(configPath, envPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	if err := os.MkdirAll(cfg.VarPrefix, 0o755); err != nil {
		return fmt.Errorf("supervisord: creating var prefix: %w", err)
	}
	sink, err := eventsink.Open(filepath.Join(cfg.VarPrefix, "events.db"))
	if err != nil {
		return fmt.Errorf("supervisord: opening event sink: %w", err)
	}
	defer sink.Close()

	workerBin, _ := cmd.Flags().GetString("worker-bin")
	launcher := newExecLauncher(workerBin, cfg)

	core := supervisor.New(cfg, sink, launcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		if err := core.Run(ctx); err != nil {
			errCh <- fmt.Errorf("supervisor core: %w", err)
		}
	}()

	var status *statusapi.Server
	if cfg.Debug {
		status = statusapi.New(cfg.StatusAddr, core)
		go func() {
			if err := status.Start(ctx); err != nil {
				errCh <- fmt.Errorf("status endpoint: %w", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("fatal error, shutting down")
	}

	cancel()
	fmt.Println("supervisord: shutdown complete")
	return nil
}

// applyFlagOverrides layers explicit CLI flags over the loaded config,
// the highest-precedence source per pkg/config's doc comment.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("name"); v != "" {
		cfg.Name = v
	}
	if v, _ := cmd.Flags().GetString("client-port"); v != "" {
		host := "0.0.0.0"
		if idx := strings.LastIndex(cfg.ClientAddr, ":"); idx >= 0 {
			host = cfg.ClientAddr[:idx]
		}
		cfg.ClientAddr = host + ":" + v
	}
	if v, _ := cmd.Flags().GetString("run-prefix"); v != "" {
		cfg.RunPrefix = v
	}
	if v, _ := cmd.Flags().GetString("tmp-prefix"); v != "" {
		cfg.TmpPrefix = v
	}
	if v, _ := cmd.Flags().GetString("var-prefix"); v != "" {
		cfg.VarPrefix = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetBool("log-json"); v {
		cfg.LogJSON = v
	}
	if v, _ := cmd.Flags().GetBool("debug"); v {
		cfg.Debug = v
	}
}

// execLauncher is the production supervisor.WorkerLauncher: it re-execs
// the workerrun binary as a detached child per run() call, the way
// cmd/warren's manager hands worker-side work to a dedicated subcommand
// rather than running it inline.
type execLauncher struct {
	binPath string
	cfg     config.Config
}

func newExecLauncher(binPath string, cfg config.Config) *execLauncher {
	if binPath == "" {
		binPath = "workerrun"
		if self, err := os.Executable(); err == nil {
			sibling := filepath.Join(filepath.Dir(self), "workerrun")
			if _, err := os.Stat(sibling); err == nil {
				binPath = sibling
			}
		}
	}
	return &execLauncher{binPath: binPath, cfg: cfg}
}

func (l *execLauncher) Launch(desc types.WorkerDescriptor, inst types.Instance, scratchDir string) (int, error) {
	args := []string{
		inst.Name,
		"--server-socket", l.cfg.WorkerSocket,
		"--server-token", inst.Token,
		"--run-path", l.cfg.RunPrefix,
		"--tmp-path", scratchDir,
		"--var-path", l.cfg.VarPrefix,
	}
	if inst.Debug {
		args = append(args, "--debug")
	}

	cmd := exec.Command(l.binPath, args...)
	cmd.Stdin = strings.NewReader(joinShellArgs(inst.Args) + "\n")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("execLauncher: starting %s: %w", l.binPath, err)
	}
	go func() { _ = cmd.Wait() }()

	return cmd.Process.Pid, nil
}

// joinShellArgs renders args back into the single shell-quoted line
// cmd/workerrun's stdin reader expects, quoting any argument that is empty
// or contains a space, tab, single quote, double quote or backslash.
func joinShellArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t'\"\\") {
			quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			quoted[i] = a
		}
	}
	return strings.Join(quoted, " ")
}
