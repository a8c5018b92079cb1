package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

var JobStatuses = []JobStatus{JobQueued, JobRunning, JobDone, JobFailed}

func ParseJobStatus(raw string) (JobStatus, error) {
	s := JobStatus(raw)
	switch s {
	case JobQueued, JobRunning, JobDone, JobFailed:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown job status %q", ErrBadRequest, raw)
}

// Terminal reports whether no worker may hold the job any more.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed
}

// AssetStatus is the lifecycle of one derived artifact: pending -> processing -> {done, failed}.
type AssetStatus string

const (
	AssetPending    AssetStatus = "pending"
	AssetProcessing AssetStatus = "processing"
	AssetDone       AssetStatus = "done"
	AssetFailed     AssetStatus = "failed"
)

func ParseAssetStatus(raw string) (AssetStatus, error) {
	s := AssetStatus(raw)
	switch s {
	case AssetPending, AssetProcessing, AssetDone, AssetFailed:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown asset status %q", ErrBadRequest, raw)
}

// AssetKind is the closed set of artifacts a transcode job produces.
type AssetKind string

const (
	AssetHLS             AssetKind = "hls"
	AssetPoster          AssetKind = "poster"
	AssetScrubberPreview AssetKind = "scrubberPreview"
	AssetHoverPreview    AssetKind = "hoverPreview"
)

// AssetKinds lists every kind, mandatory first.
var AssetKinds = []AssetKind{AssetHLS, AssetPoster, AssetScrubberPreview, AssetHoverPreview}

// MandatoryAsset must be done for a job to be done.
const MandatoryAsset = AssetHLS

func ParseAssetKind(raw string) (AssetKind, error) {
	k := AssetKind(raw)
	switch k {
	case AssetHLS, AssetPoster, AssetScrubberPreview, AssetHoverPreview:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown asset kind %q", ErrBadRequest, raw)
}

// Column is the persisted column holding the kind's status. Kinds are validated
// on construction so this never sees arbitrary input.
func (k AssetKind) Column() string {
	switch k {
	case AssetHLS:
		return "hls_status"
	case AssetPoster:
		return "poster_status"
	case AssetScrubberPreview:
		return "scrubber_preview_status"
	case AssetHoverPreview:
		return "hover_preview_status"
	}
	panic(fmt.Sprintf("models: unknown asset kind %q", string(k)))
}

// MaxErrorLen bounds the stored failure message.
const MaxErrorLen = 2000

type TranscodeJob struct {
	ID           string     `json:"id" db:"id"`
	VideoID      string     `json:"videoId" db:"video_id"`
	InputKey     string     `json:"inputKey" db:"input_key"`
	OutputPrefix string     `json:"outputPrefix" db:"output_prefix"`
	Status       JobStatus  `json:"status" db:"status"`
	Attempts     int        `json:"attempts" db:"attempts"`
	Error        string     `json:"error,omitempty" db:"error"`
	WorkerID     string     `json:"workerId,omitempty" db:"worker_id"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time  `json:"updatedAt" db:"updated_at"`
	StartedAt    *time.Time `json:"startedAt,omitempty" db:"started_at"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty" db:"finished_at"`
	HeartbeatAt  *time.Time `json:"heartbeatAt,omitempty" db:"heartbeat_at"`
	// Individual asset status
	HLSStatus             AssetStatus `json:"hlsStatus" db:"hls_status"`
	PosterStatus          AssetStatus `json:"posterStatus" db:"poster_status"`
	ScrubberPreviewStatus AssetStatus `json:"scrubberPreviewStatus" db:"scrubber_preview_status"`
	HoverPreviewStatus    AssetStatus `json:"hoverPreviewStatus" db:"hover_preview_status"`
}

func (j *TranscodeJob) Asset(kind AssetKind) AssetStatus {
	switch kind {
	case AssetHLS:
		return j.HLSStatus
	case AssetPoster:
		return j.PosterStatus
	case AssetScrubberPreview:
		return j.ScrubberPreviewStatus
	case AssetHoverPreview:
		return j.HoverPreviewStatus
	}
	return ""
}

func (j *TranscodeJob) SetAsset(kind AssetKind, status AssetStatus) {
	switch kind {
	case AssetHLS:
		j.HLSStatus = status
	case AssetPoster:
		j.PosterStatus = status
	case AssetScrubberPreview:
		j.ScrubberPreviewStatus = status
	case AssetHoverPreview:
		j.HoverPreviewStatus = status
	}
}

// Progress counts finished assets out of the total.
func (j *TranscodeJob) Progress() (completed, total int) {
	total = len(AssetKinds)
	for _, k := range AssetKinds {
		if j.Asset(k) == AssetDone {
			completed++
		}
	}
	return completed, total
}

// TerminalStatus applies the partial-success policy: the job follows the
// mandatory asset, other assets never decide it. ok is false while the
// mandatory asset is still pending or processing.
func (j *TranscodeJob) TerminalStatus() (status JobStatus, ok bool) {
	switch j.Asset(MandatoryAsset) {
	case AssetDone:
		return JobDone, true
	case AssetFailed:
		return JobFailed, true
	}
	return "", false
}

type Stats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// Add folds a per-status count into the rollup.
func (s *Stats) Add(status JobStatus, n int) {
	switch status {
	case JobQueued:
		s.Queued += n
	case JobRunning:
		s.Running += n
	case JobDone:
		s.Done += n
	case JobFailed:
		s.Failed += n
	}
	s.Total += n
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

type ListFilter struct {
	Status  *JobStatus
	VideoID string
	Limit   int
}

// Normalize clamps the limit into [1, MaxListLimit], defaulting when unset.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return f
}

// TruncateError makes msg valid UTF-8 and cuts it to MaxErrorLen bytes on a rune boundary.
func TruncateError(msg string) string {
	msg = strings.ToValidUTF8(msg, "\uFFFD")
	if len(msg) <= MaxErrorLen {
		return msg
	}
	cut := MaxErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
