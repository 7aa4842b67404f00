package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vellum/internal/app"
	"github.com/ternarybob/vellum/internal/common"
)

// Exit codes
const (
	exitOK          = 0
	exitFailures    = 1 // permanent failures were recorded by this invocation
	exitInterrupted = 2
	exitUnreachable = 3 // the service could not be reached at startup
	exitFatal       = 4 // configuration or bookkeeping error
)

// Options is the root command. Sub-commands are selected by go-flags struct tags.
type Options struct {
	Config []string `short:"c" long:"config" description:"Configuration file (repeatable, later files override earlier ones)"`

	Run     RunCmd     `command:"run" description:"Transcribe pending documents synchronously"`
	Batch   BatchCmd   `command:"batch" description:"Asynchronous bulk submission"`
	Version VersionCmd `command:"version" description:"Print version information"`
}

var opts Options

// exitError carries a process exit code out of a command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

func main() {
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var flagsErr *flags.Error
	if errors.As(err, &flagsErr) {
		if flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, flagsErr.Message)
			return exitOK
		}
		fmt.Fprintln(os.Stderr, flagsErr.Message)
		return exitFatal
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", exit.err)
		}
		return exit.code
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitFatal
}

// overrides are the command-line values that take priority over configuration
type overrides struct {
	budget  float64 // negative leaves the configured value
	workers int     // zero leaves the configured value
}

// loadConfig loads configuration (defaults -> file1 -> file2 -> ... -> env -> CLI)
func loadConfig(o overrides) (*common.Config, error) {
	paths := opts.Config
	if len(paths) == 0 {
		if _, err := os.Stat("vellum.toml"); err == nil {
			paths = append(paths, "vellum.toml")
		}
	}

	config, err := common.LoadFromFiles(paths...)
	if err != nil {
		return nil, exitWith(exitFatal, err)
	}
	common.ApplyFlagOverrides(config, o.budget, o.workers)

	if err := config.Validate(); err != nil {
		return nil, exitWith(exitFatal, fmt.Errorf("invalid configuration: %w", err))
	}
	return config, nil
}

// startApp loads configuration, initializes the logger and builds the application
func startApp(o overrides, appOpts app.Options, showBanner bool) (*app.App, arbor.ILogger, error) {
	config, err := loadConfig(o)
	if err != nil {
		return nil, nil, err
	}

	logger := common.InitLogger(config)
	if showBanner {
		common.PrintBanner(common.GetVersion())
	}

	logger.Debug().
		Strs("config_files", opts.Config).
		Str("source_dir", config.Source.Dir).
		Str("output_dir", config.Output.Dir).
		Str("provider", string(config.LLM.DefaultProvider)).
		Str("log_level", config.Logging.Level).
		Msg("Resolved configuration (sanitized)")

	application, err := app.New(context.Background(), config, logger, appOpts)
	if err != nil {
		return nil, logger, exitWith(exitFatal, err)
	}
	return application, logger, nil
}

// signalContext returns a context cancelled by the first interrupt. In-flight calls
// finish after that; a second interrupt exits immediately.
func signalContext(logger arbor.ILogger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	common.SafeGo(logger, "signal-handler", func() {
		select {
		case <-sigChan:
		case <-done:
			return
		}
		logger.Warn().Msg("Interrupt received, finishing in-flight requests (interrupt again to exit immediately)")
		cancel()

		select {
		case <-sigChan:
			logger.Error().Msg("Second interrupt received, exiting without waiting")
			os.Exit(exitInterrupted)
		case <-done:
		}
	})

	return ctx, func() {
		signal.Stop(sigChan)
		close(done)
		cancel()
	}
}
