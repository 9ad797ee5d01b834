package svn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/zhuzhuor/saedeploy/internal/metrics"
	"github.com/zhuzhuor/saedeploy/internal/retry"
)

// DefaultBinary is the svn executable looked up on PATH.
const DefaultBinary = "svn"

// stderrTail bounds how much error output is kept for ExternalCommandError.
const stderrTail = 4096

// credentialFlags take a secret value as their next argument.
var credentialFlags = map[string]bool{
	"--username": true,
	"--password": true,
}

// ExecutorOptions configures how svn is invoked.
type ExecutorOptions struct {
	Binary    string
	Verbose   bool
	TrustCert bool
	Retry     retry.Policy
	// Stdout receives the command's standard output. Nil discards it.
	Stdout io.Writer
}

// Executor runs svn subcommands, retrying failures with exponential backoff.
type Executor struct {
	opts    ExecutorOptions
	logger  *slog.Logger
	metrics *metrics.Recorder

	// run starts cmd and waits for it; replaced in tests.
	run func(cmd *exec.Cmd) error
	// newTimer supplies the wait timer for one Execute call; nil uses real time.
	newTimer func() retry.Timer
}

// NewExecutor creates an Executor. rec may be nil.
func NewExecutor(opts ExecutorOptions, logger *slog.Logger, rec *metrics.Recorder) *Executor {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	return &Executor{
		opts:    opts,
		logger:  logger,
		metrics: rec,
		run:     (*exec.Cmd).Run,
	}
}

// Execute runs `svn <global flags> subcommand [-q] args...`. A non-zero exit
// status is a failure and is retried according to the retry policy. The final
// failure is returned as an *ExternalCommandError.
func (e *Executor) Execute(ctx context.Context, subcommand string, args ...string) error {
	argv := e.commandLine(subcommand, args)
	shown, secrets := redact(argv)
	e.logger.Debug(">>> " + e.opts.Binary + " " + strings.Join(shown, " "))

	attempt := 0
	op := func() error {
		attempt++
		e.metrics.CommandAttempt(subcommand)
		err := e.runOnce(ctx, subcommand, argv, secrets)
		if err != nil && ctx.Err() != nil {
			return retry.Permanent(err)
		}
		return err
	}

	opts := []retry.Option{
		retry.WithNotify(func(err error, wait time.Duration) {
			e.logger.Warn("svn command failed, retrying",
				"subcommand", subcommand,
				"attempt", attempt,
				"error", err,
				"retry_in", wait)
		}),
	}
	if e.newTimer != nil {
		opts = append(opts, retry.WithTimer(e.newTimer()))
	}

	err := retry.Do(ctx, e.opts.Retry, op, opts...)
	if err == nil {
		return nil
	}

	e.metrics.CommandFailed(subcommand)
	var cmdErr *ExternalCommandError
	if errors.As(err, &cmdErr) {
		return cmdErr
	}
	// Cancelled while waiting between attempts.
	return &ExternalCommandError{Subcommand: subcommand, ExitCode: -1, Err: err}
}

// commandLine assembles the global flags, the subcommand and its arguments.
func (e *Executor) commandLine(subcommand string, args []string) []string {
	argv := make([]string, 0, len(args)+5)
	argv = append(argv, "--non-interactive", "--no-auth-cache")
	if e.opts.TrustCert {
		argv = append(argv, "--trust-server-cert")
	}
	argv = append(argv, subcommand)
	if !e.opts.Verbose && subcommand != "info" && subcommand != "cleanup" {
		argv = append(argv, "-q")
	}
	return append(argv, args...)
}

func (e *Executor) runOnce(ctx context.Context, subcommand string, argv, secrets []string) error {
	cmd := exec.CommandContext(ctx, e.opts.Binary, argv...)
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stdout = e.opts.Stdout
	cmd.Stderr = stderr

	err := e.run(cmd)
	if err == nil {
		return nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return &ExternalCommandError{
		Subcommand: subcommand,
		ExitCode:   exitCode,
		Stderr:     scrub(string(stderr.buf), secrets),
		Err:        err,
	}
}

// redact drops credential flags and their values from argv. It returns the
// remaining arguments and the removed secret values.
func redact(argv []string) (shown, secrets []string) {
	shown = make([]string, 0, len(argv))
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		if credentialFlags[arg] {
			if i+1 < len(argv) {
				secrets = append(secrets, argv[i+1])
				i++
			}
			continue
		}
		if flag, value, ok := strings.Cut(arg, "="); ok && credentialFlags[flag] {
			secrets = append(secrets, value)
			continue
		}
		shown = append(shown, arg)
	}
	return shown, secrets
}

// scrub replaces every secret value occurring in s.
func scrub(s string, secrets []string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, "[redacted]")
	}
	return s
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}
