package job

import (
	"context"
	"time"
)

// TemplateChecker validates that a job's template reference resolves and
// that its variable mapping satisfies the template placeholders. Wired in
// by the caller so the store does not depend on the template engine.
type TemplateChecker func(j *Job) error

// ListFilter selects jobs for read-only listing.
type ListFilter struct {
	State      State
	CampaignID string
	Limit      int
	Offset     int
}

// Summary aggregates per-state counts for one campaign.
type Summary struct {
	CampaignID string `json:"campaign_id"`
	Total      int64  `json:"total"`
	Pending    int64  `json:"pending"`
	InFlight   int64  `json:"in_flight"`
	Sent       int64  `json:"sent"`
	Failed     int64  `json:"failed"`
	Cancelled  int64  `json:"cancelled"`
}

// Stats aggregates per-state counts across the whole store.
type Stats struct {
	Total           int64 `json:"total"`
	Pending         int64 `json:"pending"`
	InFlight        int64 `json:"in_flight"`
	Sent            int64 `json:"sent"`
	FailedTransient int64 `json:"failed_transient"`
	FailedPermanent int64 `json:"failed_permanent"`
	Cancelled       int64 `json:"cancelled"`
}

// Store is the durable table of delivery jobs. It is the single source of
// truth for job state; all mutation goes through these operations.
type Store interface {
	// Create persists a new job in pending. Returns ValidationError for a
	// bad recipient or a variable mapping missing template placeholders.
	Create(ctx context.Context, j *Job) error

	// CreateRejected persists a job directly in failed_permanent. Used by
	// the campaign expander to record invalid rows without blocking the
	// rest of the campaign.
	CreateRejected(ctx context.Context, j *Job, reason string) error

	// Get retrieves a job by ID. Returns nil, nil when not found.
	Get(ctx context.Context, id string) (*Job, error)

	// FetchDue returns pending jobs with not_before <= now, ordered by
	// not_before then created_at ascending, at most limit of them.
	FetchDue(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// MarkInFlight atomically claims a pending job for dispatch and
	// increments its attempt count. Returns false if the job is no longer
	// pending (already claimed or cancelled).
	MarkInFlight(ctx context.Context, id string) (bool, error)

	// RecordResult applies the outcome of a dispatch attempt to a job in
	// in_flight. Any other starting state yields InvariantViolationError.
	RecordResult(ctx context.Context, id string, out Outcome) error

	// ScheduleRetry moves a failed_transient job back to pending with the
	// given not_before.
	ScheduleRetry(ctx context.Context, id string, notBefore time.Time) error

	// Requeue returns an in_flight job to pending without recording an
	// outcome. Used when dispatch was aborted before the transport was
	// invoked, and during startup recovery.
	Requeue(ctx context.Context, id string, notBefore time.Time) error

	// Cancel transitions pending -> cancelled. Returns false if the job is
	// in flight or already terminal.
	Cancel(ctx context.Context, id string) (bool, error)

	// List returns jobs matching the filter. Read-only.
	List(ctx context.Context, filter ListFilter) ([]*Job, error)

	// CampaignSummary aggregates per-state counts for a campaign.
	CampaignSummary(ctx context.Context, campaignID string) (*Summary, error)

	// Stats returns per-state counts across all jobs.
	Stats(ctx context.Context) (*Stats, error)

	// Recover requeues jobs stranded in in_flight or failed_transient by a
	// previous process crash. Returns the number of jobs requeued.
	Recover(ctx context.Context) (int, error)

	// Close releases the underlying storage.
	Close() error
}
