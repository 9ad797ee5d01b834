package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder_Counters(t *testing.T) {
	r := New()

	r.CommandAttempt("commit")
	r.CommandAttempt("commit")
	r.CommandFailed("commit")
	r.SyncOperation("add")
	r.SyncOperation("add")
	r.SyncOperation("delete")

	if got := testutil.ToFloat64(r.commandAttempts.WithLabelValues("commit")); got != 2 {
		t.Errorf("expected 2 commit attempts, got %v", got)
	}
	if got := testutil.ToFloat64(r.commandFailures.WithLabelValues("commit")); got != 1 {
		t.Errorf("expected 1 commit failure, got %v", got)
	}
	if got := testutil.ToFloat64(r.syncOperations.WithLabelValues("add")); got != 2 {
		t.Errorf("expected 2 add operations, got %v", got)
	}
	if got := testutil.ToFloat64(r.syncOperations.WithLabelValues("delete")); got != 1 {
		t.Errorf("expected 1 delete operation, got %v", got)
	}
}

func TestRecorder_DeployFinished(t *testing.T) {
	r := New()
	r.DeployFinished("myapp", "success", time.Now().Add(-time.Second))

	if got := testutil.ToFloat64(r.deployRuns.WithLabelValues("myapp", "success")); got != 1 {
		t.Errorf("expected 1 successful run, got %v", got)
	}
	if got := testutil.ToFloat64(r.lastDeployEnd.WithLabelValues("myapp", "success")); got <= 0 {
		t.Errorf("expected end timestamp to be set, got %v", got)
	}
}

func TestRecorder_Nil(t *testing.T) {
	var r *Recorder
	r.CommandAttempt("update")
	r.CommandFailed("update")
	r.SyncOperation("modify")
	r.DeployFinished("app", "failure", time.Now())
	if err := r.WriteTextfile(filepath.Join(t.TempDir(), "never.prom")); err != nil {
		t.Fatalf("nil recorder should not fail: %v", err)
	}
}

func TestRecorder_WriteTextfile(t *testing.T) {
	r := New()
	r.CommandAttempt("checkout")

	path := filepath.Join(t.TempDir(), "saedeploy.prom")
	if err := r.WriteTextfile(path); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `saedeploy_svn_command_attempts_total{subcommand="checkout"} 1`) {
		t.Errorf("textfile missing checkout counter:\n%s", data)
	}
}
