package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thediveo/enumflag/v2"

	"github.com/zhuzhuor/saedeploy/internal/config"
	"github.com/zhuzhuor/saedeploy/internal/deploy"
	"github.com/zhuzhuor/saedeploy/internal/metrics"
	"github.com/zhuzhuor/saedeploy/internal/retry"
	"github.com/zhuzhuor/saedeploy/internal/svn"
)

const (
	exitFailure             = 1
	exitMissingCredentials  = 2
	exitMissingPrerequisite = 3
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Command-line options of the root command
	opts = newOptions()
)

// logFormat selects the slog handler
type logFormat enumflag.Flag

const (
	textFormat logFormat = iota
	jsonFormat
)

var logFormatIDs = map[logFormat][]string{
	textFormat: {"text"},
	jsonFormat: {"json"},
}

var logLevelIDs = map[slog.Level][]string{
	slog.LevelDebug: {"debug"},
	slog.LevelInfo:  {"info"},
	slog.LevelWarn:  {"warn", "warning"},
	slog.LevelError: {"error"},
}

// envFlags fill in flags not given on the command line
var envFlags = map[string]string{
	"username": "SAEDEPLOY_USERNAME",
	"password": "SAEDEPLOY_PASSWORD",
}

type options struct {
	username      string
	password      string
	verbose       bool
	trustCert     bool
	localCache    bool
	cacheDir      string
	ignore        string
	server        string
	message       string
	retryAttempts int
	retryDelay    time.Duration
	dryRun        bool
	diff          bool
	metricsFile   string
	svnBinary     string
	logLevel      slog.Level
	logFormat     logFormat
}

func newOptions() *options {
	return &options{logLevel: slog.LevelInfo, logFormat: textFormat}
}

// exitError carries the process exit status for a failed run
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return exitFailure
}

var rootCmd = &cobra.Command{
	Use:   "saedeploy [path]",
	Short: "Deploy an application directory to Sina App Engine",
	Long: `saedeploy mirrors a local application directory into the Subversion
repository of a Sina App Engine application and commits the result.

The application name and version are read from config.yaml in the
application directory. The working copy is checked out into a temporary
workspace, or into a persistent cache with --local-cache.

Default arguments can be stored one option per line in a .saedeploy file in
the application directory. Options given on the command line take precedence,
followed by the SAEDEPLOY_USERNAME and SAEDEPLOY_PASSWORD environment
variables.`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE:         runDeploy,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("saedeploy %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	bindFlags(rootCmd.Flags(), opts)
	rootCmd.AddCommand(versionCmd)
}

// bindFlags registers the deployment options on fs
func bindFlags(fs *pflag.FlagSet, o *options) {
	fs.StringVarP(&o.username, "username", "u", "", "repository username")
	fs.StringVarP(&o.password, "password", "p", "", "repository password")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "show svn output and debug logs")
	fs.BoolVar(&o.trustCert, "trust-cert", false, "accept the server certificate without verification")
	fs.BoolVar(&o.localCache, "local-cache", false, "keep the working copy in the cache directory between runs")
	fs.StringVar(&o.cacheDir, "cache-dir", "", "cache directory for --local-cache (default $HOME/.saedeploy)")
	fs.StringVar(&o.ignore, "ignore", "", "comma-separated file or directory names to leave untouched")
	fs.StringVar(&o.server, "server", svn.DefaultServer, "Subversion server URL")
	fs.StringVar(&o.message, "message", svn.DefaultCommitMessage, "commit message")
	fs.IntVar(&o.retryAttempts, "retry-attempts", retry.DefaultPolicy.Attempts, "number of attempts per svn command")
	fs.DurationVar(&o.retryDelay, "retry-delay", retry.DefaultPolicy.InitialDelay, "delay before the first retry, doubled after each failure")
	fs.BoolVar(&o.dryRun, "dry-run", false, "show what would be deployed without committing")
	fs.BoolVar(&o.diff, "diff", false, "with --dry-run, print unified diffs of changed files")
	fs.StringVar(&o.metricsFile, "metrics-file", "", "write Prometheus metrics to this file")
	fs.StringVar(&o.svnBinary, "svn", svn.DefaultBinary, "svn executable")
	fs.Var(enumflag.New(&o.logLevel, "level", logLevelIDs, enumflag.EnumCaseInsensitive),
		"log-level", "log level (debug, info, warn, error)")
	fs.Var(enumflag.New(&o.logFormat, "format", logFormatIDs, enumflag.EnumCaseInsensitive),
		"log-format", "log format (text, json)")
}

// mergeDefaults fills flags not set on the command line from the
// environment, then from the option file in dir.
func mergeDefaults(flags *pflag.FlagSet, dir string) error {
	for name, env := range envFlags {
		value := os.Getenv(env)
		if value == "" || flags.Changed(name) {
			continue
		}
		if err := flags.Set(name, value); err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
	}

	args, err := config.ReadOptionFile(dir)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}

	fileFlags := pflag.NewFlagSet(config.OptionFile, pflag.ContinueOnError)
	fileFlags.SetOutput(io.Discard)
	bindFlags(fileFlags, newOptions())
	if err := fileFlags.Parse(args); err != nil {
		return fmt.Errorf("invalid option file %s: %w", filepath.Join(dir, config.OptionFile), err)
	}

	var setErr error
	fileFlags.Visit(func(f *pflag.Flag) {
		if setErr != nil || flags.Changed(f.Name) {
			return
		}
		setErr = flags.Set(f.Name, f.Value.String())
	})
	return setErr
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	return run(ctx, cmd.Flags(), opts, dir, cmd.OutOrStdout())
}

func run(ctx context.Context, flags *pflag.FlagSet, o *options, dir string, out io.Writer) error {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return &exitError{code: exitFailure, err: fmt.Errorf("failed to resolve source directory: %w", err)}
	}
	if err := mergeDefaults(flags, dir); err != nil {
		return &exitError{code: exitFailure, err: err}
	}

	logger := setupLogger(o, out)

	svnVersion, err := svn.CheckInstalled(ctx, o.svnBinary)
	if err != nil {
		logger.Error("svn is required", "error", err)
		return &exitError{code: exitMissingPrerequisite, err: err}
	}
	logger.Debug("found svn", "version", svnVersion)

	creds := svn.Credentials{Username: o.username, Password: o.password}
	if !creds.Complete() {
		return &exitError{code: exitMissingCredentials, err: config.ErrMissingCredentials}
	}

	cfg, err := loadConfig(logger, o, dir, creds)
	if err != nil {
		if errors.Is(err, config.ErrMissingCredentials) {
			return &exitError{code: exitMissingCredentials, err: err}
		}
		return &exitError{code: exitFailure, err: err}
	}

	rec := metrics.New()
	executor := svn.NewExecutor(svn.ExecutorOptions{
		Binary:    o.svnBinary,
		Verbose:   cfg.Verbose,
		TrustCert: cfg.TrustCert,
		Retry:     cfg.Retry,
		Stdout:    out,
	}, logger, rec)
	client := svn.NewShellClient(executor, cfg.Server)
	deployer := deploy.New(cfg, client, logger, rec, deploy.WithOutput(out))

	logger.Info("starting deployment", "app", cfg.App.Name, "version", cfg.App.Version, "dry_run", cfg.DryRun)
	_, runErr := deployer.Run(ctx)

	if cfg.MetricsFile != "" {
		if err := rec.WriteTextfile(cfg.MetricsFile); err != nil {
			logger.Warn("failed to write metrics", "path", cfg.MetricsFile, "error", err)
		}
	}

	if runErr != nil {
		return &exitError{code: exitFailure, err: runErr}
	}
	return nil
}

func setupLogger(o *options, w io.Writer) *slog.Logger {
	level := o.logLevel
	if o.verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	handlerOpts := &slog.HandlerOptions{Level: level}

	if o.logFormat == jsonFormat {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return slog.New(handler)
}

// loadConfig builds the run configuration from the options and the
// application descriptor in dir.
func loadConfig(logger *slog.Logger, o *options, dir string, creds svn.Credentials) (*config.Config, error) {
	logger.Debug("loading application descriptor", "path", filepath.Join(dir, config.DescriptorFile))

	app, err := config.LoadApp(dir)
	if err != nil {
		return nil, err
	}

	cfg := &config.Config{
		SourceDir:   dir,
		Server:      o.server,
		Credentials: creds,
		Ignore:      config.SplitList(o.ignore),
		Verbose:     o.verbose,
		TrustCert:   o.trustCert,
		LocalCache:  o.localCache,
		CacheDir:    o.cacheDir,
		DryRun:      o.dryRun,
		Diff:        o.diff,
		Message:     o.message,
		Retry:       retry.Policy{Attempts: o.retryAttempts, InitialDelay: o.retryDelay},
		MetricsFile: o.metricsFile,
		App:         *app,
	}
	if err := cfg.Prepare(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Debug("configuration loaded",
		"app", cfg.App.Name,
		"version", cfg.App.Version,
		"server", cfg.Server,
		"local_cache", cfg.LocalCache,
		"ignore", cfg.Ignore)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
