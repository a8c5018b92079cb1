package worker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"transcodeq/internal/models"
)

type trackedAsset struct {
	status    models.AssetStatus
	startedAt time.Time
}

type trackedJob struct {
	id        string
	videoID   string
	attempt   int
	startedAt time.Time
	assets    map[models.AssetKind]trackedAsset
}

// Tracker is the worker's in-memory view of the jobs it is running.
type Tracker struct {
	mu   sync.Mutex
	jobs map[string]*trackedJob
}

func NewTracker() *Tracker {
	return &Tracker{jobs: make(map[string]*trackedJob)}
}

func (t *Tracker) Add(job *models.TranscodeJob) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tj := &trackedJob{
		id:        job.ID,
		videoID:   job.VideoID,
		attempt:   job.Attempts,
		startedAt: time.Now(),
		assets:    make(map[models.AssetKind]trackedAsset, len(models.AssetKinds)),
	}
	for _, k := range models.AssetKinds {
		tj.assets[k] = trackedAsset{status: job.Asset(k)}
	}
	t.jobs[job.ID] = tj
}

func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, id)
}

func (t *Tracker) Update(id string, kind models.AssetKind, status models.AssetStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tj, ok := t.jobs[id]
	if !ok {
		return
	}
	a := tj.assets[kind]
	if status == models.AssetProcessing && a.startedAt.IsZero() {
		a.startedAt = time.Now()
	}
	a.status = status
	tj.assets[kind] = a
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// JobSnapshot is a point-in-time summary of one running job.
type JobSnapshot struct {
	ID        string
	VideoID   string
	Attempt   int
	Elapsed   time.Duration
	Completed int
	Total     int
	Assets    map[models.AssetKind]string
}

func (t *Tracker) Snapshot() []JobSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]JobSnapshot, 0, len(t.jobs))
	for _, tj := range t.jobs {
		snap := JobSnapshot{
			ID:      tj.id,
			VideoID: tj.videoID,
			Attempt: tj.attempt,
			Elapsed: time.Since(tj.startedAt).Truncate(time.Second),
			Total:   len(models.AssetKinds),
			Assets:  make(map[models.AssetKind]string, len(tj.assets)),
		}
		for kind, a := range tj.assets {
			if a.status == models.AssetDone {
				snap.Completed++
			}
			snap.Assets[kind] = describe(a)
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func describe(a trackedAsset) string {
	switch a.status {
	case models.AssetPending:
		return "waiting"
	case models.AssetProcessing:
		if !a.startedAt.IsZero() {
			return fmt.Sprintf("running %s", time.Since(a.startedAt).Truncate(time.Second))
		}
		return "running"
	}
	return string(a.status)
}

// LogStatus writes one summary line plus one line per running job.
func (t *Tracker) LogStatus(logger *log.Logger) {
	jobs := t.Snapshot()
	if len(jobs) == 0 {
		logger.Info("worker status: idle", "active_jobs", 0)
		return
	}

	logger.Info("worker status", "active_jobs", len(jobs))
	for _, j := range jobs {
		logger.Info("active job",
			"job_id", j.ID,
			"video_id", j.VideoID,
			"attempt", j.Attempt,
			"elapsed", j.Elapsed,
			"progress", fmt.Sprintf("%d/%d", j.Completed, j.Total),
			"hls", j.Assets[models.AssetHLS],
			"poster", j.Assets[models.AssetPoster],
			"scrubber", j.Assets[models.AssetScrubberPreview],
			"hover", j.Assets[models.AssetHoverPreview],
		)
	}
}
