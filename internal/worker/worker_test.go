package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"transcodeq/internal/events"
	"transcodeq/internal/logger"
	"transcodeq/internal/models"
	"transcodeq/internal/queue"
	"transcodeq/internal/storage"
)

type fakeProcessor struct {
	mu      sync.Mutex
	calls   []models.AssetKind
	fail    map[models.AssetKind]error
	block   chan struct{}
	started chan struct{}

	active    atomic.Int32
	maxActive atomic.Int32
}

func (p *fakeProcessor) Process(ctx context.Context, job *models.TranscodeJob, kind models.AssetKind) error {
	p.mu.Lock()
	p.calls = append(p.calls, kind)
	p.mu.Unlock()

	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		peak := p.maxActive.Load()
		if n <= peak || p.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}

	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.fail[kind]
}

func (p *fakeProcessor) called() []models.AssetKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.AssetKind(nil), p.calls...)
}

func newTestQueue(t *testing.T) *queue.Service {
	t.Helper()
	store, err := storage.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "worker.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return queue.NewService(store, events.NopPublisher{}, logger.Discard())
}

func enqueue(t *testing.T, svc *queue.Service, videoID string) *models.TranscodeJob {
	t.Helper()
	job, err := svc.Create(context.Background(), queue.CreateRequest{
		VideoID: videoID, InputKey: "originals/" + videoID + "/upload.mp4", OutputPrefix: "videos/" + videoID + "/",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return job
}

func testOptions() Options {
	return Options{ID: "test-worker", Concurrency: 2, PollInterval: 10 * time.Millisecond, HeartbeatInterval: 20 * time.Millisecond}
}

// startWorker runs w in the background and returns a stop func that waits for Run to return.
func startWorker(t *testing.T, w *Worker) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("run: %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Error("worker did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func waitForStatus(t *testing.T, svc *queue.Service, id string, want models.JobStatus) *models.TranscodeJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := svc.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if job.Status == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %s, want %s", id, job.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkerCompletesAllAssets(t *testing.T) {
	svc := newTestQueue(t)
	job := enqueue(t, svc, "v1")
	proc := &fakeProcessor{}

	startWorker(t, New(svc, proc, testOptions(), logger.Discard(), nil))

	got := waitForStatus(t, svc, job.ID, models.JobDone)
	for _, k := range models.AssetKinds {
		if got.Asset(k) != models.AssetDone {
			t.Fatalf("asset %s = %s", k, got.Asset(k))
		}
	}
	if calls := proc.called(); len(calls) != 4 || calls[0] != models.AssetHLS {
		t.Fatalf("calls = %v, want hls first of 4", calls)
	}
}

func TestWorkerFailsJobWhenHLSFails(t *testing.T) {
	svc := newTestQueue(t)
	job := enqueue(t, svc, "v1")
	proc := &fakeProcessor{fail: map[models.AssetKind]error{models.AssetHLS: errors.New("ffmpeg exited 1")}}

	startWorker(t, New(svc, proc, testOptions(), logger.Discard(), nil))

	got := waitForStatus(t, svc, job.ID, models.JobFailed)
	if got.HLSStatus != models.AssetFailed || got.Error == "" {
		t.Fatalf("bad failed state: %+v", got)
	}
	if got.PosterStatus != models.AssetPending {
		t.Fatalf("optional assets should be skipped after hls failure, poster = %s", got.PosterStatus)
	}
	if calls := proc.called(); len(calls) != 1 {
		t.Fatalf("calls = %v, want only hls", calls)
	}
}

func TestWorkerPartialSuccess(t *testing.T) {
	svc := newTestQueue(t)
	job := enqueue(t, svc, "v1")
	proc := &fakeProcessor{fail: map[models.AssetKind]error{models.AssetPoster: errors.New("no frame")}}

	startWorker(t, New(svc, proc, testOptions(), logger.Discard(), nil))

	got := waitForStatus(t, svc, job.ID, models.JobDone)
	if got.PosterStatus != models.AssetFailed || got.HLSStatus != models.AssetDone {
		t.Fatalf("bad partial state: %+v", got)
	}
}

func TestWorkerSkipsAssetsAlreadyDone(t *testing.T) {
	svc := newTestQueue(t)
	ctx := context.Background()
	job := enqueue(t, svc, "v1")
	if _, err := svc.ReportAssetStatus(ctx, job.ID, models.AssetHLS, models.AssetDone); err != nil {
		t.Fatalf("seed hls: %v", err)
	}
	if _, err := svc.ReportAssetStatus(ctx, job.ID, models.AssetPoster, models.AssetDone); err != nil {
		t.Fatalf("seed poster: %v", err)
	}
	proc := &fakeProcessor{}

	startWorker(t, New(svc, proc, testOptions(), logger.Discard(), nil))

	waitForStatus(t, svc, job.ID, models.JobDone)
	for _, k := range proc.called() {
		if k == models.AssetHLS || k == models.AssetPoster {
			t.Fatalf("reprocessed %s", k)
		}
	}
}

func TestWorkerRespectsConcurrency(t *testing.T) {
	svc := newTestQueue(t)
	for i := 0; i < 6; i++ {
		enqueue(t, svc, "v")
	}
	proc := &fakeProcessor{block: make(chan struct{}), started: make(chan struct{}, 1)}
	opts := testOptions()
	opts.Concurrency = 2

	w := New(svc, proc, opts, logger.Discard(), nil)
	startWorker(t, w)

	<-proc.started
	time.Sleep(100 * time.Millisecond)
	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Running != 2 || stats.Queued != 4 {
		t.Fatalf("stats = %+v, want 2 running", stats)
	}
	close(proc.block)

	deadline := time.Now().Add(5 * time.Second)
	for {
		stats, err := svc.Stats(context.Background())
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Done == 6 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stats = %+v, want 6 done", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if peak := proc.maxActive.Load(); peak > 2 {
		t.Fatalf("max concurrent = %d, want <= 2", peak)
	}
}

func TestWorkerDrainsOnShutdown(t *testing.T) {
	svc := newTestQueue(t)
	job := enqueue(t, svc, "v1")
	proc := &fakeProcessor{block: make(chan struct{}), started: make(chan struct{}, 1)}

	w := New(svc, proc, testOptions(), logger.Discard(), nil)
	stop := startWorker(t, w)
	<-proc.started

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("worker stopped before its job finished")
	case <-time.After(100 * time.Millisecond):
	}
	close(proc.block)
	<-stopped

	waitForStatus(t, svc, job.ID, models.JobDone)
}

func TestWorkerDropsJobWhenLeaseLost(t *testing.T) {
	svc := newTestQueue(t)
	job := enqueue(t, svc, "v1")
	proc := &fakeProcessor{block: make(chan struct{}), started: make(chan struct{}, 1)}

	w := New(svc, proc, testOptions(), logger.Discard(), nil)
	startWorker(t, w)
	<-proc.started

	if err := svc.Delete(context.Background(), job.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for w.Tracker().Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("job was not abandoned after its lease vanished")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if calls := proc.called(); len(calls) != 1 {
		t.Fatalf("calls = %v, want processing to stop after hls", calls)
	}
}

func TestWorkerWakesOnSignal(t *testing.T) {
	svc := newTestQueue(t)
	opts := testOptions()
	opts.PollInterval = time.Hour
	wake := make(chan struct{}, 1)

	startWorker(t, New(svc, &fakeProcessor{}, opts, logger.Discard(), wake))
	time.Sleep(20 * time.Millisecond)

	job := enqueue(t, svc, "v1")
	wake <- struct{}{}
	waitForStatus(t, svc, job.ID, models.JobDone)
}

func TestTrackerSnapshot(t *testing.T) {
	tr := NewTracker()
	job := &models.TranscodeJob{ID: "j1", VideoID: "v1", Attempts: 1, HLSStatus: models.AssetDone}
	tr.Add(job)
	tr.Update("j1", models.AssetPoster, models.AssetProcessing)
	tr.Update("unknown", models.AssetPoster, models.AssetDone)

	snaps := tr.Snapshot()
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d", len(snaps))
	}
	s := snaps[0]
	if s.Completed != 1 || s.Total != 4 {
		t.Fatalf("progress = %d/%d", s.Completed, s.Total)
	}
	if s.Assets[models.AssetHLS] != "done" {
		t.Fatalf("hls = %q", s.Assets[models.AssetHLS])
	}
	tr.LogStatus(logger.Discard())

	tr.Remove("j1")
	if tr.Len() != 0 {
		t.Fatal("job not removed")
	}
}
