package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/reach-scheduler/internal/queue"
	"github.com/ignite/reach-scheduler/internal/store"
)

type fakeStore struct {
	campaigns  []*store.Campaign
	dispatches []*store.Dispatch
	statuses   map[uuid.UUID]store.CampaignStatus

	existing map[string]bool // keyed by recipient email
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		statuses: make(map[uuid.UUID]store.CampaignStatus),
		existing: make(map[string]bool),
	}
}

func (f *fakeStore) CreateCampaign(_ context.Context, c *store.Campaign) error {
	f.campaigns = append(f.campaigns, c)
	return nil
}

func (f *fakeStore) CreateDispatch(_ context.Context, d *store.Dispatch) error {
	if f.existing[d.RecipientEmail] {
		return &pq.Error{Code: "23505"}
	}
	f.existing[d.RecipientEmail] = true
	f.dispatches = append(f.dispatches, d)
	return nil
}

func (f *fakeStore) UpdateCampaignStatus(_ context.Context, id uuid.UUID, status store.CampaignStatus) error {
	f.statuses[id] = status
	return nil
}

type enqueued struct {
	id      string
	payload queue.TaskPayload
	delay   time.Duration
}

type fakeQueue struct {
	tasks []enqueued
	err   error
}

func (f *fakeQueue) Enqueue(_ context.Context, id string, payload queue.TaskPayload, delay time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, enqueued{id, payload, delay})
	return nil
}

func setupScheduler(t *testing.T) (*Scheduler, *fakeStore, *fakeQueue, time.Time) {
	t.Helper()
	st := newFakeStore()
	q := &fakeQueue{}
	s := New(st, q, 2000, 50)

	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, st, q, now
}

func validRequest(now time.Time) CreateCampaignRequest {
	return CreateCampaignRequest{
		UserID:          uuid.New().String(),
		Subject:         "Welcome",
		Body:            "Hello there",
		RecipientEmails: []string{"a@x.io", "b@x.io"},
		StartTime:       now.Add(time.Minute),
	}
}

func TestCreateCampaign_DelaySpacing(t *testing.T) {
	s, st, q, now := setupScheduler(t)

	res, err := s.CreateCampaign(context.Background(), validRequest(now))
	if err != nil {
		t.Fatalf("CreateCampaign error: %v", err)
	}

	if res.DispatchCount != 2 || res.TotalEmails != 2 || res.Failed != 0 {
		t.Errorf("result = %+v, want 2 created / 2 total / 0 failed", res)
	}
	if res.Campaign.Status != store.CampaignInProgress {
		t.Errorf("campaign status = %q, want IN_PROGRESS", res.Campaign.Status)
	}
	if st.statuses[res.Campaign.ID] != store.CampaignInProgress {
		t.Error("campaign row should be marked IN_PROGRESS")
	}

	if len(q.tasks) != 2 {
		t.Fatalf("enqueued %d tasks, want 2", len(q.tasks))
	}
	// First recipient waits until start time; second adds the 2s spacing.
	if q.tasks[0].delay != time.Minute {
		t.Errorf("first delay = %v, want 1m", q.tasks[0].delay)
	}
	if q.tasks[1].delay != time.Minute+2*time.Second {
		t.Errorf("second delay = %v, want 1m2s", q.tasks[1].delay)
	}

	// Task ids are derived from the dispatch rows.
	if want := queue.TaskIDFor(st.dispatches[0].ID); q.tasks[0].id != want {
		t.Errorf("task id = %q, want %q", q.tasks[0].id, want)
	}
	if q.tasks[0].payload.RecipientEmail != "a@x.io" {
		t.Errorf("payload recipient = %q, want a@x.io", q.tasks[0].payload.RecipientEmail)
	}
}

func TestCreateCampaign_DedupesRecipients(t *testing.T) {
	s, st, _, now := setupScheduler(t)

	req := validRequest(now)
	req.RecipientEmails = []string{"a@x.io", "b@x.io", "a@x.io"}

	res, err := s.CreateCampaign(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateCampaign error: %v", err)
	}
	if res.TotalEmails != 2 {
		t.Errorf("totalEmails = %d, want 2 after dedup", res.TotalEmails)
	}
	if res.DispatchCount != 2 {
		t.Errorf("dispatchCount = %d, want 2", res.DispatchCount)
	}
	if len(st.dispatches) != 2 {
		t.Errorf("created %d dispatch rows, want 2", len(st.dispatches))
	}
}

func TestCreateCampaign_PastStartTime(t *testing.T) {
	s, _, _, now := setupScheduler(t)

	req := validRequest(now)
	req.StartTime = now.Add(-2 * time.Minute)

	_, err := s.CreateCampaign(context.Background(), req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Details["startTime"] != "Start time cannot be in the past" {
		t.Errorf("startTime detail = %q", verr.Details["startTime"])
	}
}

func TestCreateCampaign_SkewToleranceAccepted(t *testing.T) {
	s, _, q, now := setupScheduler(t)

	req := validRequest(now)
	req.StartTime = now.Add(-30 * time.Second)

	res, err := s.CreateCampaign(context.Background(), req)
	if err != nil {
		t.Fatalf("start time 30s in the past should be accepted: %v", err)
	}
	if res.DispatchCount != 2 {
		t.Errorf("dispatchCount = %d, want 2", res.DispatchCount)
	}
	// Elapsed start clamps to immediate dispatch, spacing still applies.
	if q.tasks[0].delay != 0 {
		t.Errorf("first delay = %v, want 0", q.tasks[0].delay)
	}
	if q.tasks[1].delay != 2*time.Second {
		t.Errorf("second delay = %v, want 2s", q.tasks[1].delay)
	}
}

func TestCreateCampaign_ValidationDetails(t *testing.T) {
	s, _, _, now := setupScheduler(t)

	req := CreateCampaignRequest{
		UserID:          "not-a-uuid",
		Subject:         "  ",
		Body:            "",
		RecipientEmails: []string{"not-an-email"},
		StartTime:       now.Add(time.Minute),
	}

	_, err := s.CreateCampaign(context.Background(), req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, field := range []string{"userId", "subject", "body", "recipientEmails"} {
		if verr.Details[field] == "" {
			t.Errorf("missing validation detail for %s", field)
		}
	}
}

func TestCreateCampaign_SubjectLengthCountsRunes(t *testing.T) {
	s, _, _, now := setupScheduler(t)

	// 400 multibyte runes exceed 500 bytes but stay within the 500-character
	// limit and must be accepted.
	req := validRequest(now)
	req.Subject = strings.Repeat("é", 400)
	if _, err := s.CreateCampaign(context.Background(), req); err != nil {
		t.Fatalf("400-rune subject should be accepted: %v", err)
	}

	req = validRequest(now)
	req.Subject = strings.Repeat("a", 501)
	_, err := s.CreateCampaign(context.Background(), req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("501-rune subject should be rejected, got %v", err)
	}
	if verr.Details["subject"] == "" {
		t.Error("missing validation detail for subject")
	}
}

func TestCreateCampaign_DuplicateRowsSkipped(t *testing.T) {
	s, st, q, now := setupScheduler(t)
	st.existing["a@x.io"] = true

	res, err := s.CreateCampaign(context.Background(), validRequest(now))
	if err != nil {
		t.Fatalf("CreateCampaign error: %v", err)
	}
	if res.DispatchCount != 1 || res.Failed != 1 {
		t.Errorf("result = %+v, want 1 created / 1 failed", res)
	}
	if len(q.tasks) != 1 {
		t.Errorf("enqueued %d tasks, want 1", len(q.tasks))
	}
}

func TestCreateCampaign_AllDuplicates(t *testing.T) {
	s, st, _, now := setupScheduler(t)
	st.existing["a@x.io"] = true
	st.existing["b@x.io"] = true

	_, err := s.CreateCampaign(context.Background(), validRequest(now))
	if err != ErrNoDispatches {
		t.Errorf("error = %v, want ErrNoDispatches", err)
	}
}

func TestCreateCampaign_Overrides(t *testing.T) {
	s, _, _, now := setupScheduler(t)

	delay := int64(5000)
	limit := 10
	req := validRequest(now)
	req.DelayBetweenMS = &delay
	req.HourlyLimit = &limit

	res, err := s.CreateCampaign(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateCampaign error: %v", err)
	}
	if res.Campaign.DelayBetweenMS != 5000 {
		t.Errorf("delayBetweenMs = %d, want 5000", res.Campaign.DelayBetweenMS)
	}
	if res.Campaign.HourlyLimit != 10 {
		t.Errorf("hourlyLimit = %d, want 10", res.Campaign.HourlyLimit)
	}
	// Defaults apply when the request has no override.
	res2, err := s.CreateCampaign(context.Background(), CreateCampaignRequest{
		UserID:          uuid.New().String(),
		Subject:         "Second",
		Body:            "Body",
		RecipientEmails: []string{"c@x.io"},
		StartTime:       now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateCampaign error: %v", err)
	}
	if res2.Campaign.DelayBetweenMS != 2000 || res2.Campaign.HourlyLimit != 50 {
		t.Errorf("defaults = %d/%d, want 2000/50",
			res2.Campaign.DelayBetweenMS, res2.Campaign.HourlyLimit)
	}
}

func TestDedupe(t *testing.T) {
	got := dedupe([]string{"a@x.io", "b@x.io", "a@x.io", "c@x.io", "b@x.io"})
	want := []string{"a@x.io", "b@x.io", "c@x.io"}
	if len(got) != len(want) {
		t.Fatalf("dedupe returned %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dedupe[%d] = %q, want %q (order must be preserved)", i, got[i], want[i])
		}
	}
}
