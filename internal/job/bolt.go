package job

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs = []byte("jobs")
	bucketDue  = []byte("due")
)

// BoltStore implements Store using BoltDB. The due index bucket holds
// fixed-width keys sorted by (not_before, created_at, id) so a forward
// cursor yields oldest-due-first order with a stable tie-break.
type BoltStore struct {
	db      *bolt.DB
	checker TemplateChecker
}

// NewBoltStore opens (or creates) the job database at path. checker may be
// nil to skip template variable validation on Create.
func NewBoltStore(path string, checker TemplateChecker) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketDue} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, checker: checker}, nil
}

// Create persists a new job in pending.
func (s *BoltStore) Create(ctx context.Context, j *Job) error {
	if err := ValidateRecipient(j.Recipient); err != nil {
		return err
	}
	if err := ValidateAttachments(j.Attachments); err != nil {
		return err
	}
	if s.checker != nil {
		if err := s.checker(j); err != nil {
			return &ValidationError{Reason: err.Error()}
		}
	}

	now := time.Now()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	j.State = StatePending
	j.AttemptCount = 0
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.NotBefore.IsZero() {
		j.NotBefore = now
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJob(tx, j); err != nil {
			return err
		}
		return tx.Bucket(bucketDue).Put(dueKey(j), []byte(j.ID))
	})
}

// CreateRejected persists a job directly in failed_permanent.
func (s *BoltStore) CreateRejected(ctx context.Context, j *Job, reason string) error {
	now := time.Now()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	j.State = StateFailedPermanent
	j.LastError = reason
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.NotBefore.IsZero() {
		j.NotBefore = now
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return putJob(tx, j)
	})
}

// Get retrieves a job by ID.
func (s *BoltStore) Get(ctx context.Context, id string) (*Job, error) {
	var j *Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return nil
		}
		j = &Job{}
		return json.Unmarshal(data, j)
	})
	return j, err
}

// FetchDue returns due pending jobs, oldest first.
func (s *BoltStore) FetchDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	var due []*Job

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		c := tx.Bucket(bucketDue).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			nb, ok := dueKeyTime(k)
			if !ok {
				// Unparseable index entry, drop it.
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}
			if nb.After(now) {
				break // everything after this is in the future
			}

			data := jobs.Get(v)
			if data == nil {
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}

			var j Job
			if err := json.Unmarshal(data, &j); err != nil {
				return fmt.Errorf("failed to unmarshal job %s: %w", v, err)
			}
			if j.State != StatePending {
				// Stale index entry left behind by an older write.
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}

			due = append(due, &j)
			if limit > 0 && len(due) >= limit {
				break
			}
		}
		return nil
	})

	return due, err
}

// MarkInFlight atomically claims a pending job. The attempt counter is
// incremented here, before the attempt is made, so a crash mid-attempt is
// still visible as a recorded attempt.
func (s *BoltStore) MarkInFlight(ctx context.Context, id string) (bool, error) {
	claimed := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		j, err := getJob(tx, id)
		if err != nil || j == nil {
			return err
		}
		if j.State != StatePending {
			return nil
		}

		if err := tx.Bucket(bucketDue).Delete(dueKey(j)); err != nil {
			return err
		}

		j.State = StateInFlight
		j.AttemptCount++
		j.UpdatedAt = time.Now()
		if err := putJob(tx, j); err != nil {
			return err
		}

		claimed = true
		return nil
	})

	return claimed, err
}

// RecordResult applies the outcome of an attempt to an in_flight job.
func (s *BoltStore) RecordResult(ctx context.Context, id string, out Outcome) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		j, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if j == nil {
			return fmt.Errorf("job not found: %s", id)
		}

		var to State
		switch out.Result {
		case ResultSent:
			to = StateSent
		case ResultTransient:
			to = StateFailedTransient
		case ResultPermanent:
			to = StateFailedPermanent
		default:
			return fmt.Errorf("unknown outcome result: %q", out.Result)
		}

		if j.State != StateInFlight {
			return &InvariantViolationError{JobID: id, From: j.State, To: to}
		}

		j.State = to
		j.LastError = out.Err
		j.UpdatedAt = time.Now()
		return putJob(tx, j)
	})
}

// ScheduleRetry moves a failed_transient job back to pending.
func (s *BoltStore) ScheduleRetry(ctx context.Context, id string, notBefore time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		j, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if j == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		if j.State != StateFailedTransient {
			return &InvariantViolationError{JobID: id, From: j.State, To: StatePending}
		}
		return requeue(tx, j, notBefore)
	})
}

// Requeue returns an in_flight job to pending.
func (s *BoltStore) Requeue(ctx context.Context, id string, notBefore time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		j, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if j == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		if j.State != StateInFlight {
			return &InvariantViolationError{JobID: id, From: j.State, To: StatePending}
		}
		return requeue(tx, j, notBefore)
	})
}

// Cancel transitions pending -> cancelled.
func (s *BoltStore) Cancel(ctx context.Context, id string) (bool, error) {
	cancelled := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		j, err := getJob(tx, id)
		if err != nil || j == nil {
			return err
		}
		if j.State != StatePending {
			return nil
		}

		if err := tx.Bucket(bucketDue).Delete(dueKey(j)); err != nil {
			return err
		}

		j.State = StateCancelled
		j.UpdatedAt = time.Now()
		if err := putJob(tx, j); err != nil {
			return err
		}

		cancelled = true
		return nil
	})

	return cancelled, err
}

// List returns jobs matching the filter.
func (s *BoltStore) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	var jobs []*Job

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}

			if filter.State != "" && j.State != filter.State {
				continue
			}
			if filter.CampaignID != "" && j.CampaignID != filter.CampaignID {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}

			jobs = append(jobs, &j)
			count++
			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}
		return nil
	})

	return jobs, err
}

// CampaignSummary aggregates per-state counts for a campaign.
func (s *BoltStore) CampaignSummary(ctx context.Context, campaignID string) (*Summary, error) {
	sum := &Summary{CampaignID: campaignID}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}
			if j.CampaignID != campaignID {
				continue
			}
			sum.Total++
			switch j.State {
			case StatePending, StateFailedTransient:
				sum.Pending++
			case StateInFlight:
				sum.InFlight++
			case StateSent:
				sum.Sent++
			case StateFailedPermanent:
				sum.Failed++
			case StateCancelled:
				sum.Cancelled++
			}
		}
		return nil
	})

	return sum, err
}

// Stats returns per-state counts across all jobs.
func (s *BoltStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}
			stats.Total++
			switch j.State {
			case StatePending:
				stats.Pending++
			case StateInFlight:
				stats.InFlight++
			case StateSent:
				stats.Sent++
			case StateFailedTransient:
				stats.FailedTransient++
			case StateFailedPermanent:
				stats.FailedPermanent++
			case StateCancelled:
				stats.Cancelled++
			}
		}
		return nil
	})

	return stats, err
}

// Recover requeues jobs stranded by a crash. in_flight jobs had their
// attempt recorded before the attempt was made, so requeueing does not
// lose accounting; failed_transient jobs simply never got their retry
// scheduled.
func (s *BoltStore) Recover(ctx context.Context) (int, error) {
	recovered := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)

		var stranded []*Job
		c := jobs.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}
			if j.State == StateInFlight || j.State == StateFailedTransient {
				stranded = append(stranded, &j)
			}
		}

		now := time.Now()
		for _, j := range stranded {
			if err := requeue(tx, j, now); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})

	return recovered, err
}

// CleanupTerminal deletes terminal jobs older than maxAge. Returns the
// number of jobs deleted.
func (s *BoltStore) CleanupTerminal(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		c := jobs.Cursor()

		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}
			if j.State.Terminal() && j.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, bytes.Clone(k))
			}
		}

		for _, k := range toDelete {
			if err := jobs.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance.
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

func getJob(tx *bolt.Tx, id string) (*Job, error) {
	data := tx.Bucket(bucketJobs).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	j := &Job{}
	if err := json.Unmarshal(data, j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return j, nil
}

func putJob(tx *bolt.Tx, j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", j.ID, err)
	}
	return tx.Bucket(bucketJobs).Put([]byte(j.ID), data)
}

// requeue moves a job to pending inside an open transaction.
func requeue(tx *bolt.Tx, j *Job, notBefore time.Time) error {
	j.State = StatePending
	j.NotBefore = notBefore
	j.UpdatedAt = time.Now()
	if err := putJob(tx, j); err != nil {
		return err
	}
	return tx.Bucket(bucketDue).Put(dueKey(j), []byte(j.ID))
}

// dueKey builds a fixed-width sortable index key. Zero-padded nanosecond
// timestamps keep lexicographic and chronological order identical.
func dueKey(j *Job) []byte {
	return []byte(fmt.Sprintf("%020d/%020d/%s",
		j.NotBefore.UnixNano(), j.CreatedAt.UnixNano(), j.ID))
}

// dueKeyTime extracts the not_before instant from an index key.
func dueKeyTime(key []byte) (time.Time, bool) {
	s := string(key)
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
