package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func newTestStore(t *testing.T, checker TemplateChecker) *BoltStore {
	t.Helper()

	store, err := NewBoltStore(filepath.Join(t.TempDir(), "jobs.db"), checker)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustCreate(t *testing.T, store *BoltStore, j *Job) *Job {
	t.Helper()
	if err := store.Create(context.Background(), j); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	return j
}

func mustGet(t *testing.T, store *BoltStore, id string) *Job {
	t.Helper()
	j, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get job %s: %v", id, err)
	}
	if j == nil {
		t.Fatalf("job %s not found", id)
	}
	return j
}

func claim(t *testing.T, store *BoltStore, id string) {
	t.Helper()
	claimed, err := store.MarkInFlight(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to claim job %s: %v", id, err)
	}
	if !claimed {
		t.Fatalf("job %s was not claimable", id)
	}
}

func TestCreateDefaults(t *testing.T) {
	store := newTestStore(t, nil)

	before := time.Now()
	j := mustCreate(t, store, &Job{
		Recipient: "user@example.com",
		Subject:   "hi",
		BodyText:  "hello",
	})

	if j.ID == "" {
		t.Error("expected generated ID")
	}
	if j.State != StatePending {
		t.Errorf("state = %s, want pending", j.State)
	}
	if j.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want 0", j.AttemptCount)
	}
	if j.NotBefore.Before(before) {
		t.Errorf("not_before = %v, want filled with creation time", j.NotBefore)
	}

	got := mustGet(t, store, j.ID)
	if got.Recipient != "user@example.com" {
		t.Errorf("recipient = %q", got.Recipient)
	}
}

func TestCreateRejectsInvalidRecipient(t *testing.T) {
	store := newTestStore(t, nil)

	err := store.Create(context.Background(), &Job{Recipient: "not-an-address"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}

func TestCreateTemplateChecker(t *testing.T) {
	store := newTestStore(t, func(j *Job) error {
		return fmt.Errorf("variable %q is not defined", "Name")
	})

	err := store.Create(context.Background(), &Job{
		Recipient: "user@example.com",
		Subject:   "hi {{.Name}}",
		BodyText:  "x",
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}

func TestCreateRejected(t *testing.T) {
	store := newTestStore(t, nil)

	j := &Job{Recipient: "broken", CampaignID: "c1"}
	if err := store.CreateRejected(context.Background(), j, "invalid recipient"); err != nil {
		t.Fatalf("CreateRejected: %v", err)
	}

	got := mustGet(t, store, j.ID)
	if got.State != StateFailedPermanent {
		t.Errorf("state = %s, want failed_permanent", got.State)
	}
	if got.LastError != "invalid recipient" {
		t.Errorf("last error = %q", got.LastError)
	}

	// Rejected jobs never become due.
	due, err := store.FetchDue(context.Background(), time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("FetchDue returned %d jobs, want 0", len(due))
	}
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t, nil)

	j, err := store.Get(context.Background(), "no-such-id")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j != nil {
		t.Errorf("Get = %+v, want nil", j)
	}
}

func TestFetchDueOrdering(t *testing.T) {
	store := newTestStore(t, nil)
	now := time.Now()

	// Created out of schedule order on purpose.
	late := mustCreate(t, store, &Job{Recipient: "late@example.com", Subject: "s", BodyText: "b", NotBefore: now.Add(-time.Minute)})
	early := mustCreate(t, store, &Job{Recipient: "early@example.com", Subject: "s", BodyText: "b", NotBefore: now.Add(-time.Hour)})
	future := mustCreate(t, store, &Job{Recipient: "future@example.com", Subject: "s", BodyText: "b", NotBefore: now.Add(time.Hour)})

	due, err := store.FetchDue(context.Background(), now, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("FetchDue returned %d jobs, want 2", len(due))
	}
	if due[0].ID != early.ID || due[1].ID != late.ID {
		t.Errorf("order = [%s %s], want [%s %s]", due[0].ID, due[1].ID, early.ID, late.ID)
	}
	for _, j := range due {
		if j.ID == future.ID {
			t.Error("future job returned as due")
		}
	}
}

func TestFetchDueTieBreak(t *testing.T) {
	store := newTestStore(t, nil)
	at := time.Now().Add(-time.Hour)

	first := mustCreate(t, store, &Job{Recipient: "a@example.com", Subject: "s", BodyText: "b", NotBefore: at})
	time.Sleep(2 * time.Millisecond)
	second := mustCreate(t, store, &Job{Recipient: "b@example.com", Subject: "s", BodyText: "b", NotBefore: at})

	due, err := store.FetchDue(context.Background(), time.Now(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("FetchDue returned %d jobs, want 2", len(due))
	}
	// Same not_before, earlier creation wins.
	if due[0].ID != first.ID || due[1].ID != second.ID {
		t.Errorf("order = [%s %s], want [%s %s]", due[0].ID, due[1].ID, first.ID, second.ID)
	}
}

func TestFetchDueLimit(t *testing.T) {
	store := newTestStore(t, nil)
	at := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		mustCreate(t, store, &Job{
			Recipient: fmt.Sprintf("user%d@example.com", i),
			Subject:   "s", BodyText: "b", NotBefore: at,
		})
	}

	due, err := store.FetchDue(context.Background(), time.Now(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 3 {
		t.Errorf("FetchDue returned %d jobs, want 3", len(due))
	}
}

func TestFetchDueCleansStaleEntries(t *testing.T) {
	store := newTestStore(t, nil)

	j := mustCreate(t, store, &Job{Recipient: "user@example.com", Subject: "s", BodyText: "b", NotBefore: time.Now().Add(-time.Hour)})

	// Flip the job terminal behind the index's back, leaving a stale entry.
	err := store.DB().Update(func(tx *bolt.Tx) error {
		j.State = StateSent
		data, err := json.Marshal(j)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put([]byte(j.ID), data)
	})
	if err != nil {
		t.Fatal(err)
	}

	due, err := store.FetchDue(context.Background(), time.Now(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("FetchDue returned %d jobs, want 0", len(due))
	}

	// The stale entry is gone from the index.
	err = store.DB().View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketDue).Get(dueKey(j)); v != nil {
			t.Error("stale due entry survived the fetch")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMarkInFlight(t *testing.T) {
	store := newTestStore(t, nil)
	j := mustCreate(t, store, &Job{Recipient: "user@example.com", Subject: "s", BodyText: "b"})

	claimed, err := store.MarkInFlight(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("first claim failed")
	}

	got := mustGet(t, store, j.ID)
	if got.State != StateInFlight {
		t.Errorf("state = %s, want in_flight", got.State)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", got.AttemptCount)
	}

	// Second claim loses.
	claimed, err = store.MarkInFlight(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Error("second claim succeeded, want refusal")
	}
}

func TestMarkInFlightConcurrent(t *testing.T) {
	store := newTestStore(t, nil)
	j := mustCreate(t, store, &Job{Recipient: "user@example.com", Subject: "s", BodyText: "b"})

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.MarkInFlight(context.Background(), j.ID)
			if err != nil {
				t.Errorf("MarkInFlight: %v", err)
				return
			}
			if claimed {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	if n := len(wins); n != 1 {
		t.Errorf("%d workers claimed the job, want exactly 1", n)
	}

	got := mustGet(t, store, j.ID)
	if got.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", got.AttemptCount)
	}
}

func TestRecordResult(t *testing.T) {
	tests := []struct {
		name      string
		outcome   Outcome
		wantState State
	}{
		{"sent", Outcome{Result: ResultSent}, StateSent},
		{"transient", Outcome{Result: ResultTransient, Err: "451 greylisted"}, StateFailedTransient},
		{"permanent", Outcome{Result: ResultPermanent, Err: "550 no such user"}, StateFailedPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t, nil)
			j := mustCreate(t, store, &Job{Recipient: "user@example.com", Subject: "s", BodyText: "b"})
			claim(t, store, j.ID)

			if err := store.RecordResult(context.Background(), j.ID, tt.outcome); err != nil {
				t.Fatalf("RecordResult: %v", err)
			}

			got := mustGet(t, store, j.ID)
			if got.State != tt.wantState {
				t.Errorf("state = %s, want %s", got.State, tt.wantState)
			}
			if got.LastError != tt.outcome.Err {
				t.Errorf("last error = %q, want %q", got.LastError, tt.outcome.Err)
			}
		})
	}
}

func TestRecordResultIllegalTransition(t *testing.T) {
	store := newTestStore(t, nil)
	j := mustCreate(t, store, &Job{Recipient: "user@example.com", Subject: "s", BodyText: "b"})

	// Still pending, never claimed.
	err := store.RecordResult(context.Background(), j.ID, Outcome{Result: ResultSent})
	var ierr *InvariantViolationError
	if !errors.As(err, &ierr) {
		t.Fatalf("error = %v, want InvariantViolationError", err)
	}
	if ierr.From != StatePending || ierr.To != StateSent {
		t.Errorf("transition = %s -> %s, want pending -> sent", ierr.From, ierr.To)
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	store := newTestStore(t, nil)
	j := mustCreate(t, store, &Job{Recipient: "user@example.com", Subject: "s", BodyText: "b"})
	claim(t, store, j.ID)
	if err := store.RecordResult(context.Background(), j.ID, Outcome{Result: ResultSent}); err != nil {
		t.Fatal(err)
	}

	var ierr *InvariantViolationError
	if err := store.RecordResult(context.Background(), j.ID, Outcome{Result: ResultTransient}); !errors.As(err, &ierr) {
		t.Errorf("RecordResult on sent job = %v, want InvariantViolationError", err)
	}
	if err := store.Requeue(context.Background(), j.ID, time.Now()); !errors.As(err, &ierr) {
		t.Errorf("Requeue on sent job = %v, want InvariantViolationError", err)
	}
	cancelled, err := store.Cancel(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled {
		t.Error("Cancel on sent job succeeded, want refusal")
	}
}

func TestScheduleRetry(t *testing.T) {
	store := newTestStore(t, nil)
	j := mustCreate(t, store, &Job{Recipient: "user@example.com", Subject: "s", BodyText: "b"})
	claim(t, store, j.ID)
	if err := store.RecordResult(context.Background(), j.ID, Outcome{Result: ResultTransient, Err: "451"}); err != nil {
		t.Fatal(err)
	}

	retryAt := time.Now().Add(30 * time.Second)
	if err := store.ScheduleRetry(context.Background(), j.ID, retryAt); err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}

	got := mustGet(t, store, j.ID)
	if got.State != StatePending {
		t.Errorf("state = %s, want pending", got.State)
	}
	if !got.NotBefore.Equal(retryAt) {
		t.Errorf("not_before = %v, want %v", got.NotBefore, retryAt)
	}

	// Not due until retryAt.
	due, err := store.FetchDue(context.Background(), time.Now(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("job due before its retry time")
	}
	due, err = store.FetchDue(context.Background(), retryAt.Add(time.Second), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Errorf("job not due after its retry time")
	}
}

func TestScheduleRetryIllegalFromPending(t *testing.T) {
	store := newTestStore(t, nil)
	j := mustCreate(t, store, &Job{Recipient: "user@example.com", Subject: "s", BodyText: "b"})

	err := store.ScheduleRetry(context.Background(), j.ID, time.Now())
	var ierr *InvariantViolationError
	if !errors.As(err, &ierr) {
		t.Fatalf("error = %v, want InvariantViolationError", err)
	}
}

func TestRequeue(t *testing.T) {
	store := newTestStore(t, nil)
	j := mustCreate(t, store, &Job{Recipient: "user@example.com", Subject: "s", BodyText: "b"})
	claim(t, store, j.ID)

	if err := store.Requeue(context.Background(), j.ID, time.Now()); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	got := mustGet(t, store, j.ID)
	if got.State != StatePending {
		t.Errorf("state = %s, want pending", got.State)
	}
	// The claim's attempt stays counted.
	if got.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", got.AttemptCount)
	}
}

func TestCancel(t *testing.T) {
	store := newTestStore(t, nil)
	j := mustCreate(t, store, &Job{Recipient: "user@example.com", Subject: "s", BodyText: "b"})

	cancelled, err := store.Cancel(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !cancelled {
		t.Fatal("Cancel on pending job failed")
	}

	got := mustGet(t, store, j.ID)
	if got.State != StateCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}

	// Cancelled jobs never come due.
	due, err := store.FetchDue(context.Background(), time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("cancelled job returned as due")
	}

	cancelled, err = store.Cancel(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled {
		t.Error("second Cancel succeeded, want refusal")
	}
}

func TestList(t *testing.T) {
	store := newTestStore(t, nil)

	for i := 0; i < 3; i++ {
		mustCreate(t, store, &Job{
			Recipient: fmt.Sprintf("a%d@example.com", i),
			Subject:   "s", BodyText: "b",
			CampaignID: "camp-1",
		})
	}
	other := mustCreate(t, store, &Job{Recipient: "b@example.com", Subject: "s", BodyText: "b"})
	claim(t, store, other.ID)

	byCampaign, err := store.List(context.Background(), ListFilter{CampaignID: "camp-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byCampaign) != 3 {
		t.Errorf("campaign filter returned %d jobs, want 3", len(byCampaign))
	}

	inFlight, err := store.List(context.Background(), ListFilter{State: StateInFlight})
	if err != nil {
		t.Fatal(err)
	}
	if len(inFlight) != 1 || inFlight[0].ID != other.ID {
		t.Errorf("state filter returned %d jobs, want the claimed one", len(inFlight))
	}

	limited, err := store.List(context.Background(), ListFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limit 2 returned %d jobs", len(limited))
	}

	page2, err := store.List(context.Background(), ListFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 {
		t.Errorf("offset page returned %d jobs, want 2", len(page2))
	}
}

func TestCampaignSummary(t *testing.T) {
	store := newTestStore(t, nil)

	sent := mustCreate(t, store, &Job{Recipient: "a@example.com", Subject: "s", BodyText: "b", CampaignID: "c1"})
	claim(t, store, sent.ID)
	if err := store.RecordResult(context.Background(), sent.ID, Outcome{Result: ResultSent}); err != nil {
		t.Fatal(err)
	}

	transient := mustCreate(t, store, &Job{Recipient: "b@example.com", Subject: "s", BodyText: "b", CampaignID: "c1"})
	claim(t, store, transient.ID)
	if err := store.RecordResult(context.Background(), transient.ID, Outcome{Result: ResultTransient, Err: "451"}); err != nil {
		t.Fatal(err)
	}

	mustCreate(t, store, &Job{Recipient: "c@example.com", Subject: "s", BodyText: "b", CampaignID: "c1"})

	rejected := &Job{Recipient: "broken", CampaignID: "c1"}
	if err := store.CreateRejected(context.Background(), rejected, "bad address"); err != nil {
		t.Fatal(err)
	}

	// Different campaign stays out.
	mustCreate(t, store, &Job{Recipient: "d@example.com", Subject: "s", BodyText: "b", CampaignID: "c2"})

	sum, err := store.CampaignSummary(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Total != 4 {
		t.Errorf("total = %d, want 4", sum.Total)
	}
	// failed_transient counts as pending: it will be retried.
	if sum.Pending != 2 {
		t.Errorf("pending = %d, want 2", sum.Pending)
	}
	if sum.Sent != 1 {
		t.Errorf("sent = %d, want 1", sum.Sent)
	}
	if sum.Failed != 1 {
		t.Errorf("failed = %d, want 1", sum.Failed)
	}
}

func TestStats(t *testing.T) {
	store := newTestStore(t, nil)

	mustCreate(t, store, &Job{Recipient: "a@example.com", Subject: "s", BodyText: "b"})
	sent := mustCreate(t, store, &Job{Recipient: "b@example.com", Subject: "s", BodyText: "b"})
	claim(t, store, sent.ID)
	if err := store.RecordResult(context.Background(), sent.ID, Outcome{Result: ResultSent}); err != nil {
		t.Fatal(err)
	}

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 || stats.Pending != 1 || stats.Sent != 1 {
		t.Errorf("stats = %+v, want total 2, pending 1, sent 1", stats)
	}
}

func TestRecover(t *testing.T) {
	store := newTestStore(t, nil)

	stranded := mustCreate(t, store, &Job{Recipient: "a@example.com", Subject: "s", BodyText: "b"})
	claim(t, store, stranded.ID)

	unscheduled := mustCreate(t, store, &Job{Recipient: "b@example.com", Subject: "s", BodyText: "b"})
	claim(t, store, unscheduled.ID)
	if err := store.RecordResult(context.Background(), unscheduled.ID, Outcome{Result: ResultTransient, Err: "451"}); err != nil {
		t.Fatal(err)
	}

	done := mustCreate(t, store, &Job{Recipient: "c@example.com", Subject: "s", BodyText: "b"})
	claim(t, store, done.ID)
	if err := store.RecordResult(context.Background(), done.ID, Outcome{Result: ResultSent}); err != nil {
		t.Fatal(err)
	}

	n, err := store.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered %d jobs, want 2", n)
	}

	for _, id := range []string{stranded.ID, unscheduled.ID} {
		got := mustGet(t, store, id)
		if got.State != StatePending {
			t.Errorf("job %s state = %s, want pending", id, got.State)
		}
	}
	if got := mustGet(t, store, done.ID); got.State != StateSent {
		t.Errorf("sent job state = %s, want sent untouched", got.State)
	}

	// Recovered jobs are immediately fetchable.
	due, err := store.FetchDue(context.Background(), time.Now(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Errorf("FetchDue after recover returned %d jobs, want 2", len(due))
	}
}

func TestCleanupTerminal(t *testing.T) {
	store := newTestStore(t, nil)

	old := mustCreate(t, store, &Job{Recipient: "a@example.com", Subject: "s", BodyText: "b"})
	claim(t, store, old.ID)
	if err := store.RecordResult(context.Background(), old.ID, Outcome{Result: ResultSent}); err != nil {
		t.Fatal(err)
	}

	// Age the terminal job past the cutoff.
	err := store.DB().Update(func(tx *bolt.Tx) error {
		j, err := getJob(tx, old.ID)
		if err != nil {
			return err
		}
		j.UpdatedAt = time.Now().Add(-48 * time.Hour)
		return putJob(tx, j)
	})
	if err != nil {
		t.Fatal(err)
	}

	kept := mustCreate(t, store, &Job{Recipient: "b@example.com", Subject: "s", BodyText: "b"})

	n, err := store.CleanupTerminal(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupTerminal: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d jobs, want 1", n)
	}

	if j, err := store.Get(context.Background(), old.ID); err != nil || j != nil {
		t.Errorf("aged terminal job survived cleanup: %+v, %v", j, err)
	}
	mustGet(t, store, kept.ID)
}
