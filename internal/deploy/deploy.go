// Package deploy runs one deployment: it acquires a working copy, mirrors the
// source tree into the version subtree, commits, and always cleans up the
// workspace afterwards.
//
// The cached workspace used in local-cache mode is shared by every run on the
// machine and is not locked; concurrent runs against it are unsafe.
package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/zhuzhuor/saedeploy/internal/config"
	"github.com/zhuzhuor/saedeploy/internal/metrics"
	"github.com/zhuzhuor/saedeploy/internal/svn"
	"github.com/zhuzhuor/saedeploy/internal/sync"
)

// State is a step of a deployment run
type State int

const (
	Init State = iota
	Acquire
	Sync
	Commit
	Cleanup
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Acquire:
		return "ACQUIRE"
	case Sync:
		return "SYNC"
	case Commit:
		return "COMMIT"
	case Cleanup:
		return "CLEANUP"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Report describes a finished run
type Report struct {
	App        string
	Version    string
	Workspace  string
	State      State
	States     []State // every state entered, in order
	Operations []sync.Operation
	Committed  bool
	Duration   time.Duration
}

// Deployer orchestrates a single deployment
type Deployer struct {
	cfg     *config.Config
	client  svn.Client
	logger  *slog.Logger
	metrics *metrics.Recorder
	out     io.Writer

	mkdirTemp func(dir, pattern string) (string, error)
	mkdirAll  func(path string, perm os.FileMode) error
	removeAll func(path string) error
}

// Option configures a Deployer
type Option func(*Deployer)

// WithOutput sets where the dry-run plan and diffs are written.
func WithOutput(w io.Writer) Option {
	return func(d *Deployer) { d.out = w }
}

// New creates a Deployer for a prepared configuration
func New(cfg *config.Config, client svn.Client, logger *slog.Logger, rec *metrics.Recorder, opts ...Option) *Deployer {
	d := &Deployer{
		cfg:       cfg,
		client:    client,
		logger:    logger,
		metrics:   rec,
		out:       os.Stdout,
		mkdirTemp: os.MkdirTemp,
		mkdirAll:  os.MkdirAll,
		removeAll: os.RemoveAll,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes the deployment. The report is returned even when the run
// fails; its State is then Failed.
func (d *Deployer) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{
		App:     d.cfg.App.Name,
		Version: d.cfg.App.Version,
	}

	d.enter(report, Init)
	workspace, err := d.prepareWorkspace()
	if err != nil {
		d.enter(report, Failed)
		d.finish(report, start)
		return report, err
	}
	report.Workspace = workspace

	runErr := d.deploy(ctx, workspace, report)
	if runErr != nil {
		d.logger.Error("deployment failed", "state", report.State, "error", runErr)
	}

	d.enter(report, Cleanup)
	d.cleanup(workspace)

	if runErr != nil {
		d.enter(report, Failed)
		d.finish(report, start)
		return report, runErr
	}

	d.enter(report, Done)
	d.finish(report, start)
	d.logger.Info("deployment complete",
		"app", report.App,
		"version", report.Version,
		"operations", len(report.Operations),
		"committed", report.Committed,
		"duration", report.Duration)
	return report, nil
}

// deploy runs the ACQUIRE, SYNC and COMMIT steps
func (d *Deployer) deploy(ctx context.Context, workspace string, report *Report) error {
	wc := svn.NewWorkingCopy(workspace, d.cfg.App.Name, d.cfg.App.Version)

	d.enter(report, Acquire)
	d.logger.Info("acquiring working copy", "app", wc.App, "path", wc.Root)
	if err := d.client.Acquire(ctx, wc, d.cfg.Credentials); err != nil {
		return fmt.Errorf("failed to acquire working copy: %w", err)
	}

	d.enter(report, Sync)
	rules, err := sync.NewIgnoreRules(d.cfg.Ignore, sync.DefaultArtifactPatterns)
	if err != nil {
		return err
	}
	syncer := sync.New(d.client, rules, d.logger, sync.WithDryRun(d.cfg.DryRun))
	ops, err := syncer.Synchronize(ctx, d.cfg.SourceDir, wc.VersionDir())
	report.Operations = ops
	if !d.cfg.DryRun {
		for _, op := range ops {
			d.metrics.SyncOperation(op.Kind.String())
		}
	}
	if err != nil {
		return fmt.Errorf("failed to synchronize version %s: %w", wc.Version, err)
	}

	d.enter(report, Commit)
	if d.cfg.DryRun {
		d.logger.Info("dry run, skipping commit", "operations", len(ops))
		return d.writePlan(ops)
	}

	if d.cfg.Verbose {
		if err := d.client.Status(ctx, wc.Root); err != nil {
			d.logger.Warn("failed to list pending changes", "error", err)
		}
	}

	d.logger.Info("committing", "app", wc.App, "version", wc.Version, "operations", len(ops))
	if err := d.client.Commit(ctx, wc.Root, d.cfg.Credentials, d.cfg.Message); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	report.Committed = true

	return nil
}

func (d *Deployer) writePlan(ops []sync.Operation) error {
	if err := sync.WritePlan(d.out, ops); err != nil {
		return err
	}
	if d.cfg.Diff {
		return sync.WriteDiffs(d.out, ops)
	}
	return nil
}

// prepareWorkspace returns the directory holding the working copy
func (d *Deployer) prepareWorkspace() (string, error) {
	if ws := d.cfg.Workspace(); ws != "" {
		if err := d.mkdirAll(ws, 0755); err != nil {
			return "", fmt.Errorf("failed to create cache directory: %w", err)
		}
		d.logger.Debug("using cached workspace", "path", ws)
		return ws, nil
	}

	dir, err := d.mkdirTemp("", "saedeploy-")
	if err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	d.logger.Debug("created workspace", "path", dir)
	return dir, nil
}

// cleanup removes an ephemeral workspace. Failures are only logged.
func (d *Deployer) cleanup(workspace string) {
	if d.cfg.LocalCache {
		d.logger.Debug("keeping cached workspace", "path", workspace)
		return
	}

	if err := d.removeAll(workspace); err != nil {
		d.logger.Warn("failed to remove workspace", "path", workspace, "error", err)
		return
	}
	d.logger.Debug("removed workspace", "path", workspace)
}

func (d *Deployer) enter(report *Report, next State) {
	if len(report.States) > 0 {
		d.logger.Debug("state transition", "from", report.State, "to", next)
	}
	report.State = next
	report.States = append(report.States, next)
}

func (d *Deployer) finish(report *Report, start time.Time) {
	report.Duration = time.Since(start)

	outcome := "success"
	if report.State == Failed {
		outcome = "failure"
	}
	d.metrics.DeployFinished(report.App, outcome, start)
}
