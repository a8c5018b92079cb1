package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"transcodeq/internal/events"
	"transcodeq/internal/logger"
	"transcodeq/internal/models"
	"transcodeq/internal/queue"
	"transcodeq/internal/storage"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newTestServer(t *testing.T) (*Server, *queue.Service) {
	t.Helper()
	store, err := storage.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	svc := queue.NewService(store, events.NopPublisher{}, logger.Discard())
	return NewServer(":0", svc, logger.Discard()), svc
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (%s)", rec.Code, status, rec.Body.String())
	}
	if got := decode[errorResponse](t, rec); got.Code != code {
		t.Fatalf("code = %q, want %q", got.Code, code)
	}
}

func createJob(t *testing.T, s *Server, videoID string) models.TranscodeJob {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/jobs", queue.CreateRequest{
		VideoID: videoID, InputKey: "originals/" + videoID + "/upload.mp4", OutputPrefix: "videos/" + videoID + "/",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	return decode[models.TranscodeJob](t, rec)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	if rec := do(t, s, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newTestServer(t)
	job := createJob(t, s, "v1")
	if job.Status != models.JobQueued || job.HLSStatus != models.AssetPending {
		t.Fatalf("bad created job: %+v", job)
	}

	rec := do(t, s, http.MethodGet, "/api/jobs/"+job.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	if got := decode[models.TranscodeJob](t, rec); got.ID != job.ID || got.VideoID != "v1" {
		t.Fatalf("got %+v", got)
	}

	expectError(t, do(t, s, http.MethodGet, "/api/jobs/missing", nil), http.StatusNotFound, CodeNotFound)
}

func TestCreateRejectsIncompleteBody(t *testing.T) {
	s, _ := newTestServer(t)
	expectError(t, do(t, s, http.MethodPost, "/api/jobs", map[string]string{"videoId": "v1"}), http.StatusBadRequest, CodeBadRequest)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	expectError(t, rec, http.StatusBadRequest, CodeBadRequest)
}

func TestListFilters(t *testing.T) {
	s, svc := newTestServer(t)
	createJob(t, s, "v1")
	createJob(t, s, "v2")
	createJob(t, s, "v2")
	if _, err := svc.Claim(context.Background(), "w"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	rec := do(t, s, http.MethodGet, "/api/jobs", nil)
	if got := decode[[]models.TranscodeJob](t, rec); len(got) != 3 {
		t.Fatalf("all: %d jobs", len(got))
	}
	rec = do(t, s, http.MethodGet, "/api/jobs?videoId=v2", nil)
	if got := decode[[]models.TranscodeJob](t, rec); len(got) != 2 {
		t.Fatalf("by video: %d jobs", len(got))
	}
	rec = do(t, s, http.MethodGet, "/api/jobs?status=running", nil)
	if got := decode[[]models.TranscodeJob](t, rec); len(got) != 1 || got[0].VideoID != "v1" {
		t.Fatalf("running: %+v", got)
	}
	rec = do(t, s, http.MethodGet, "/api/jobs?limit=1", nil)
	if got := decode[[]models.TranscodeJob](t, rec); len(got) != 1 {
		t.Fatalf("limited: %d jobs", len(got))
	}

	for _, q := range []string{"status=paused", "limit=0", "limit=101", "limit=ten"} {
		expectError(t, do(t, s, http.MethodGet, "/api/jobs?"+q, nil), http.StatusBadRequest, CodeBadRequest)
	}
}

func TestStatusTransitions(t *testing.T) {
	s, _ := newTestServer(t)
	job := createJob(t, s, "v1")
	path := "/api/jobs/" + job.ID + "/status"

	expectError(t, do(t, s, http.MethodPut, path, statusRequest{Status: "done"}), http.StatusConflict, CodeInvalidState)
	expectError(t, do(t, s, http.MethodPut, path, statusRequest{Status: "archived"}), http.StatusBadRequest, CodeBadRequest)
	expectError(t, do(t, s, http.MethodPut, path, map[string]string{}), http.StatusBadRequest, CodeBadRequest)

	rec := do(t, s, http.MethodPut, path, statusRequest{Status: "running"})
	if rec.Code != http.StatusOK {
		t.Fatalf("queued->running: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, s, http.MethodPut, path, statusRequest{Status: "failed", Error: "bad input"})
	if got := decode[models.TranscodeJob](t, rec); got.Status != models.JobFailed || got.Error != "bad input" || got.FinishedAt == nil {
		t.Fatalf("running->failed: %+v", got)
	}

	expectError(t, do(t, s, http.MethodPut, "/api/jobs/missing/status", statusRequest{Status: "running"}), http.StatusNotFound, CodeNotFound)
}

func TestUpdateAsset(t *testing.T) {
	s, _ := newTestServer(t)
	job := createJob(t, s, "v1")

	rec := do(t, s, http.MethodPut, "/api/jobs/"+job.ID+"/assets/hoverPreview", assetRequest{Status: "done"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[models.TranscodeJob](t, rec); got.HoverPreviewStatus != models.AssetDone {
		t.Fatalf("hover = %s", got.HoverPreviewStatus)
	}

	expectError(t, do(t, s, http.MethodPut, "/api/jobs/"+job.ID+"/assets/thumbnail", assetRequest{Status: "done"}), http.StatusBadRequest, CodeBadRequest)
	expectError(t, do(t, s, http.MethodPut, "/api/jobs/"+job.ID+"/assets/hls", assetRequest{Status: "ok"}), http.StatusBadRequest, CodeBadRequest)
	expectError(t, do(t, s, http.MethodPut, "/api/jobs/missing/assets/hls", assetRequest{Status: "done"}), http.StatusNotFound, CodeNotFound)
}

func TestRetry(t *testing.T) {
	s, svc := newTestServer(t)
	ctx := context.Background()
	job := createJob(t, s, "v1")

	expectError(t, do(t, s, http.MethodPost, "/api/jobs/"+job.ID+"/retry", nil), http.StatusConflict, CodeInvalidState)

	if _, err := svc.Claim(ctx, "w"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := svc.ReportOutcome(ctx, job.ID, models.JobFailed, "encoder error"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	rec := do(t, s, http.MethodPost, "/api/jobs/"+job.ID+"/retry", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[models.TranscodeJob](t, rec); got.Status != models.JobQueued || got.Attempts != 1 || got.Error != "" {
		t.Fatalf("retried: %+v", got)
	}
}

func TestDelete(t *testing.T) {
	s, _ := newTestServer(t)
	job := createJob(t, s, "v1")

	for i := 0; i < 2; i++ {
		if rec := do(t, s, http.MethodDelete, "/api/jobs/"+job.ID, nil); rec.Code != http.StatusNoContent {
			t.Fatalf("delete #%d: %d", i+1, rec.Code)
		}
	}
}

func TestDeleteVideoJobs(t *testing.T) {
	s, _ := newTestServer(t)
	createJob(t, s, "v1")
	createJob(t, s, "v1")

	rec := do(t, s, http.MethodDelete, "/api/videos/v1/jobs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode[map[string]int64](t, rec); got["deleted"] != 2 {
		t.Fatalf("deleted = %v", got)
	}
}

func TestStats(t *testing.T) {
	s, _ := newTestServer(t)
	createJob(t, s, "v1")
	createJob(t, s, "v2")

	rec := do(t, s, http.MethodGet, "/api/jobs/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode[models.Stats](t, rec); got.Queued != 2 || got.Total != 2 {
		t.Fatalf("stats = %+v", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("op: %w", models.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{fmt.Errorf("op: %w", models.ErrInvalidState), http.StatusConflict, CodeInvalidState},
		{fmt.Errorf("op: %w: %w", models.ErrStorageUnavailable, errors.New("dial tcp")), http.StatusServiceUnavailable, CodeStorageUnavailable},
		{errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tc := range cases {
		status, code := classify(tc.err)
		if status != tc.status || code != tc.code {
			t.Errorf("classify(%v) = %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
		}
	}
}
