package events

import (
	"context"
	"time"

	"transcodeq/internal/models"
)

type Type string

const (
	JobCreated  Type = "job.created"
	JobClaimed  Type = "job.claimed"
	JobAsset    Type = "job.asset"
	JobFinished Type = "job.finished"
	JobRetried  Type = "job.retried"
	JobRequeued Type = "job.requeued"
	JobDeleted  Type = "job.deleted"
)

// Wakes reports whether the event means a queued job just became claimable.
func (t Type) Wakes() bool {
	return t == JobCreated || t == JobRetried || t == JobRequeued
}

type Event struct {
	Type        Type               `json:"type"`
	JobID       string             `json:"jobId"`
	VideoID     string             `json:"videoId,omitempty"`
	Status      models.JobStatus   `json:"status,omitempty"`
	Asset       models.AssetKind   `json:"asset,omitempty"`
	AssetStatus models.AssetStatus `json:"assetStatus,omitempty"`
	Attempts    int                `json:"attempts"`
	At          time.Time          `json:"at"`
}

func ForJob(t Type, job *models.TranscodeJob) Event {
	return Event{
		Type:     t,
		JobID:    job.ID,
		VideoID:  job.VideoID,
		Status:   job.Status,
		Attempts: job.Attempts,
		At:       time.Now().UTC(),
	}
}

// Publisher delivers job events. Delivery is best-effort: the job store stays
// the source of truth and callers never undo a transition on a publish error.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
