package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/tracksync/internal/services"
	"github.com/desertthunder/tracksync/internal/shared"
	"github.com/desertthunder/tracksync/internal/tasks"
)

const defaultConfigPath = "config.toml"

func defaultCleanupLockPath() string {
	return filepath.Join(os.TempDir(), "tracksync-cleanup.lock")
}

// BackendOpener connects to the catalog store and library selected by the configuration.
type BackendOpener func(ctx context.Context, cfg *shared.Config, logger *log.Logger) (*services.Backend, error)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
type Runner struct {
	config     *shared.Config
	configPath string
	logger     *log.Logger
	output     io.Writer
	open       BackendOpener
	pipeline   tasks.Pipeline
	exitCode   int
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	// Config replaces the configuration file when set.
	Config     *shared.Config
	ConfigPath string
	Logger     *log.Logger
	Output     io.Writer
	Open       BackendOpener
	// Pipeline replaces the configured external command when set.
	Pipeline tasks.Pipeline
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Open == nil {
		opts.Open = services.OpenBackend
	}

	return &Runner{
		config:     opts.Config,
		configPath: opts.ConfigPath,
		logger:     opts.Logger,
		output:     opts.Output,
		open:       opts.Open,
		pipeline:   opts.Pipeline,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		syncAllCommand, batchCommand, statusCommand, cleanupLocksCommand, setupCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// ExitCode is the process status of the last command.
func (r *Runner) ExitCode() int {
	return r.exitCode
}

// SetLogger replaces the logger, e.g. to keep log lines out of the TUI.
func (r *Runner) SetLogger(l *log.Logger) {
	r.logger = l
}

// loadConfig resolves the configuration for a command: an injected config, the --config file, or the embedded
// defaults when the default path does not exist. The file's [log] section reconfigures the logger.
func (r *Runner) loadConfig(cmd *cli.Command) (*shared.Config, error) {
	if r.config != nil {
		cfg := *r.config
		return &cfg, nil
	}

	path := r.configPath
	if cmd.IsSet("config") || path == "" {
		path = cmd.String("config")
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if cmd.IsSet("config") {
			return nil, fmt.Errorf("%w: config file %s not found", shared.ErrMissingConfig, path)
		}
		r.logger.Debug("config file not found, using defaults", "path", path)
		return shared.DefaultConfig(), nil
	}

	cfg, err := shared.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	r.logger = shared.NewLoggerFromConfig(cfg.Log, nil)
	return cfg, nil
}

// applyOverrides copies run flags onto cfg and validates the result.
func applyOverrides(cfg *shared.Config, cmd *cli.Command) error {
	if cmd.IsSet("workers") {
		cfg.Sync.Workers = cmd.Int("workers")
	}
	if cmd.Bool("sequential") {
		cfg.Sync.Workers = 1
	}
	if cmd.IsSet("page-size") {
		cfg.Sync.PageSize = cmd.Int("page-size")
	}
	return cfg.Validate()
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error

	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
