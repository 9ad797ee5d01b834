package deploy

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zhuzhuor/saedeploy/internal/config"
	"github.com/zhuzhuor/saedeploy/internal/metrics"
	"github.com/zhuzhuor/saedeploy/internal/svn"
	"github.com/zhuzhuor/saedeploy/internal/sync"
	"github.com/zhuzhuor/saedeploy/internal/testutil"
)

// mockClient implements svn.Client for testing.
type mockClient struct {
	acquireErr error
	commitErr  error
	statusErr  error

	// onAcquire runs in place of a checkout
	onAcquire func(wc svn.WorkingCopy)

	acquired  []svn.WorkingCopy
	added     []string
	deleted   []string
	statuses  []string
	commits   []string
	messages  []string
	creds     []svn.Credentials
	callOrder []string
}

func (m *mockClient) Acquire(_ context.Context, wc svn.WorkingCopy, creds svn.Credentials) error {
	m.callOrder = append(m.callOrder, "acquire")
	m.acquired = append(m.acquired, wc)
	m.creds = append(m.creds, creds)
	if m.acquireErr != nil {
		return m.acquireErr
	}
	if m.onAcquire != nil {
		m.onAcquire(wc)
	} else if err := os.MkdirAll(wc.Root, 0755); err != nil {
		return err
	}
	return nil
}

func (m *mockClient) Add(_ context.Context, path string) error {
	m.callOrder = append(m.callOrder, "add")
	m.added = append(m.added, path)
	return nil
}

func (m *mockClient) Delete(_ context.Context, path string) error {
	m.callOrder = append(m.callOrder, "delete")
	m.deleted = append(m.deleted, path)
	return nil
}

func (m *mockClient) Status(_ context.Context, path string) error {
	m.callOrder = append(m.callOrder, "status")
	m.statuses = append(m.statuses, path)
	return m.statusErr
}

func (m *mockClient) Commit(_ context.Context, root string, _ svn.Credentials, message string) error {
	m.callOrder = append(m.callOrder, "commit")
	m.commits = append(m.commits, root)
	m.messages = append(m.messages, message)
	return m.commitErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	src := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{
		"config.yaml": "name: blog\nversion: 1\n",
		"index.py":    "print('hello')",
		"static/a.js": "alert(1)",
	})

	cfg := &config.Config{
		SourceDir:   src,
		Credentials: svn.Credentials{Username: "u", Password: "p"},
		App:         config.App{Name: "blog", Version: "1"},
		CacheDir:    filepath.Join(t.TempDir(), "cache"),
	}
	if err := cfg.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return cfg
}

// newTestDeployer places ephemeral workspaces under a test directory and
// counts workspace removals.
func newTestDeployer(t *testing.T, cfg *config.Config, client svn.Client, rec *metrics.Recorder, opts ...Option) (*Deployer, *int) {
	t.Helper()
	d := New(cfg, client, testLogger(), rec, opts...)
	base := t.TempDir()
	d.mkdirTemp = func(_, pattern string) (string, error) {
		return os.MkdirTemp(base, pattern)
	}
	removals := 0
	d.removeAll = func(path string) error {
		removals++
		return os.RemoveAll(path)
	}
	return d, &removals
}

func assertRuns(t *testing.T, rec *metrics.Recorder, outcome string) {
	t.Helper()
	expected := `
# HELP saedeploy_deploy_runs_total Total number of deployment runs by outcome
# TYPE saedeploy_deploy_runs_total counter
saedeploy_deploy_runs_total{app="blog",outcome="` + outcome + `"} 1
`
	if err := promtest.GatherAndCompare(rec.Gatherer(), strings.NewReader(expected), "saedeploy_deploy_runs_total"); err != nil {
		t.Error(err)
	}
}

func countState(states []State, s State) int {
	n := 0
	for _, st := range states {
		if st == s {
			n++
		}
	}
	return n
}

func TestRun_Success(t *testing.T) {
	cfg := testConfig(t)
	client := &mockClient{}
	rec := metrics.New()
	d, removals := newTestDeployer(t, cfg, client, rec)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []State{Init, Acquire, Sync, Commit, Cleanup, Done}
	if diff := cmp.Diff(want, report.States); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	if report.State != Done || !report.Committed {
		t.Errorf("expected committed DONE report, got %+v", report)
	}

	wc := svn.NewWorkingCopy(report.Workspace, "blog", "1")
	if diff := cmp.Diff([]string{wc.VersionDir()}, client.added); diff != "" {
		t.Errorf("staged additions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{wc.Root}, client.commits); diff != "" {
		t.Errorf("commits mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{svn.DefaultCommitMessage}, client.messages); diff != "" {
		t.Errorf("commit messages mismatch (-want +got):\n%s", diff)
	}
	if len(client.statuses) != 0 {
		t.Errorf("status must only run when verbose, got %v", client.statuses)
	}

	if *removals != 1 {
		t.Errorf("expected workspace removed once, got %d", *removals)
	}
	if _, err := os.Stat(report.Workspace); !os.IsNotExist(err) {
		t.Errorf("expected workspace %s removed", report.Workspace)
	}

	expected := `
# HELP saedeploy_sync_operations_total Total number of filesystem edits applied to the working copy
# TYPE saedeploy_sync_operations_total counter
saedeploy_sync_operations_total{kind="add"} 1
`
	if err := promtest.GatherAndCompare(rec.Gatherer(), strings.NewReader(expected), "saedeploy_sync_operations_total"); err != nil {
		t.Error(err)
	}
	assertRuns(t, rec, "success")
}

func TestRun_CleanupExactlyOnceOnFailure(t *testing.T) {
	errRemote := &svn.ExternalCommandError{Subcommand: "checkout", ExitCode: 1}
	errCommit := &svn.ExternalCommandError{Subcommand: "commit", ExitCode: 1}

	tests := []struct {
		name       string
		client     *mockClient
		wantStates []State
		wantErr    func(error) bool
		wantCommit bool
	}{
		{
			name:       "acquire",
			client:     &mockClient{acquireErr: errRemote},
			wantStates: []State{Init, Acquire, Cleanup, Failed},
			wantErr:    func(err error) bool { return errors.Is(err, errRemote) },
		},
		{
			name: "sync",
			client: &mockClient{onAcquire: func(wc svn.WorkingCopy) {
				// A file where the version subtree belongs cannot be synchronized.
				_ = os.MkdirAll(wc.Root, 0755)
				_ = os.WriteFile(wc.VersionDir(), []byte("not a dir"), 0644)
			}},
			wantStates: []State{Init, Acquire, Sync, Cleanup, Failed},
			wantErr:    func(err error) bool { return errors.Is(err, sync.ErrAnomalousEntry) },
		},
		{
			name:       "commit",
			client:     &mockClient{commitErr: errCommit},
			wantStates: []State{Init, Acquire, Sync, Commit, Cleanup, Failed},
			wantErr:    func(err error) bool { return errors.Is(err, errCommit) },
			wantCommit: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			rec := metrics.New()
			d, removals := newTestDeployer(t, cfg, tt.client, rec)

			report, err := d.Run(context.Background())
			if err == nil || !tt.wantErr(err) {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.wantStates, report.States); diff != "" {
				t.Errorf("states mismatch (-want +got):\n%s", diff)
			}
			if n := countState(report.States, Cleanup); n != 1 {
				t.Errorf("expected CLEANUP once, got %d", n)
			}
			if *removals != 1 {
				t.Errorf("expected workspace removed once, got %d", *removals)
			}
			if report.Committed {
				t.Error("failed run must not be reported as committed")
			}
			if got := len(tt.client.commits) > 0; got != tt.wantCommit {
				t.Errorf("commit attempted = %v, want %v", got, tt.wantCommit)
			}
			assertRuns(t, rec, "failure")
		})
	}
}

func TestRun_WorkspaceCreationFailure(t *testing.T) {
	cfg := testConfig(t)
	client := &mockClient{}
	d, removals := newTestDeployer(t, cfg, client, nil)
	errTemp := errors.New("disk full")
	d.mkdirTemp = func(string, string) (string, error) { return "", errTemp }

	report, err := d.Run(context.Background())
	if !errors.Is(err, errTemp) {
		t.Fatalf("expected workspace error, got %v", err)
	}
	if diff := cmp.Diff([]State{Init, Failed}, report.States); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	if *removals != 0 || len(client.acquired) != 0 {
		t.Errorf("expected nothing to run, got removals=%d acquired=%v", *removals, client.acquired)
	}
}

func TestRun_CleanupFailureIsOnlyLogged(t *testing.T) {
	cfg := testConfig(t)
	d, _ := newTestDeployer(t, cfg, &mockClient{}, nil)
	d.removeAll = func(string) error { return errors.New("busy") }

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.State != Done {
		t.Errorf("expected DONE, got %s", report.State)
	}
}

func TestRun_LocalCachePreservesWorkspace(t *testing.T) {
	cfg := testConfig(t)
	cfg.LocalCache = true
	client := &mockClient{}
	d, removals := newTestDeployer(t, cfg, client, nil)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Workspace != cfg.CacheDir {
		t.Errorf("expected workspace %s, got %s", cfg.CacheDir, report.Workspace)
	}
	if *removals != 0 {
		t.Errorf("cached workspace must not be removed, got %d removals", *removals)
	}

	wc := svn.NewWorkingCopy(cfg.CacheDir, "blog", "1")
	got := testutil.ReadTree(t, wc.VersionDir())
	want := map[string]string{
		"config.yaml": "name: blog\nversion: 1\n",
		"index.py":    "print('hello')",
		"static/a.js": "alert(1)",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("cached version subtree mismatch (-want +got):\n%s", diff)
	}

	// A second run against the cache finds nothing to do.
	client2 := &mockClient{}
	d2, _ := newTestDeployer(t, cfg, client2, nil)
	report2, err := d2.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(report2.Operations) != 0 {
		t.Errorf("expected no operations on cached rerun, got %v", report2.Operations)
	}
	if len(client2.commits) != 1 {
		t.Errorf("expected a commit on rerun, got %v", client2.commits)
	}
}

func TestRun_VerboseListsStatusBeforeCommit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Verbose = true
	cfg.Message = "release"
	client := &mockClient{statusErr: errors.New("status failed")}
	d, _ := newTestDeployer(t, cfg, client, nil)

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"acquire", "add", "status", "commit"}
	if diff := cmp.Diff(want, client.callOrder); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"release"}, client.messages); diff != "" {
		t.Errorf("commit messages mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_DryRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.DryRun = true
	cfg.Diff = true
	client := &mockClient{onAcquire: func(wc svn.WorkingCopy) {
		testutil.WriteTree(t, wc.VersionDir(), map[string]string{
			"config.yaml": "name: blog\nversion: 1\n",
			"index.py":    "print('old version')",
			"obsolete.py": "pass",
		})
	}}
	var out bytes.Buffer
	d, _ := newTestDeployer(t, cfg, client, nil, WithOutput(&out))

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Committed || len(client.commits) != 0 {
		t.Error("dry run must not commit")
	}
	if len(client.added) != 0 || len(client.deleted) != 0 {
		t.Errorf("dry run must not stage, got added=%v deleted=%v", client.added, client.deleted)
	}
	if diff := cmp.Diff([]State{Init, Acquire, Sync, Commit, Cleanup, Done}, report.States); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}

	text := out.String()
	for _, want := range []string{"obsolete.py", "static", "-print('old version')", "+print('hello')"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestStateString(t *testing.T) {
	names := map[State]string{
		Init:      "INIT",
		Acquire:   "ACQUIRE",
		Sync:      "SYNC",
		Commit:    "COMMIT",
		Cleanup:   "CLEANUP",
		Done:      "DONE",
		Failed:    "FAILED",
		State(42): "State(42)",
	}
	for s, want := range names {
		if got := s.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
