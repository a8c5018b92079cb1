package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"transcodeq/internal/models"
)

type env struct {
	t      *testing.T
	config string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TRANSCODEQ_DB_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", filepath.Join(dir, "cli.db"))
	t.Setenv("TRANSCODEQ_LOG_LEVEL", "error")
	return &env{t: t, config: filepath.Join(dir, "absent.yaml")}
}

func (e *env) run(args ...string) (string, error) {
	e.t.Helper()
	app := &App{}
	defer app.Close()

	root := NewRootCmd(app)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", e.config}, args...))
	err := root.Execute()
	return out.String(), err
}

func (e *env) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	if err != nil {
		e.t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

func TestMigrateReportsVersion(t *testing.T) {
	e := newEnv(t)
	out := e.mustRun("migrate")
	if !strings.Contains(out, "schema version 2") {
		t.Fatalf("output = %q", out)
	}
}

func TestJobsLifecycle(t *testing.T) {
	e := newEnv(t)

	var job models.TranscodeJob
	out := e.mustRun("jobs", "enqueue", "--video", "v1", "--input", "originals/v1/upload.mp4", "--output", "videos/v1/")
	if err := json.Unmarshal([]byte(out), &job); err != nil {
		t.Fatalf("enqueue output %q: %v", out, err)
	}
	if job.Status != models.JobQueued {
		t.Fatalf("status = %s", job.Status)
	}

	if out := e.mustRun("jobs", "list", "--video", "v1"); !strings.Contains(out, job.ID) {
		t.Fatalf("list missing job: %q", out)
	}

	e.mustRun("jobs", "status", job.ID, "running")
	e.mustRun("jobs", "asset", job.ID, "hls", "failed")
	e.mustRun("jobs", "status", job.ID, "failed", "--error", "encoder crashed")

	out = e.mustRun("jobs", "get", job.ID)
	if err := json.Unmarshal([]byte(out), &job); err != nil {
		t.Fatalf("get output: %v", err)
	}
	if job.Status != models.JobFailed || job.Error != "encoder crashed" || job.HLSStatus != models.AssetFailed {
		t.Fatalf("bad failed job: %+v", job)
	}

	e.mustRun("jobs", "retry", job.ID)
	if out := e.mustRun("jobs", "stats"); !strings.Contains(out, "queued") || !strings.Contains(out, "total") {
		t.Fatalf("stats output = %q", out)
	}
	if out := e.mustRun("jobs", "delete-video", "v1"); !strings.Contains(out, "deleted 1 job") {
		t.Fatalf("delete-video output = %q", out)
	}
}

func TestJobsRejectsBadInput(t *testing.T) {
	e := newEnv(t)

	if _, err := e.run("jobs", "list", "--status", "paused"); err == nil {
		t.Fatal("expected error for unknown status")
	}
	if _, err := e.run("jobs", "get", "missing"); err == nil {
		t.Fatal("expected error for missing job")
	}
	if _, err := e.run("jobs", "retry"); err == nil {
		t.Fatal("expected error for missing argument")
	}
}

func TestReapWithNothingStale(t *testing.T) {
	e := newEnv(t)
	if out := e.mustRun("jobs", "reap"); !strings.Contains(out, "requeued 0 job(s)") {
		t.Fatalf("output = %q", out)
	}
}
