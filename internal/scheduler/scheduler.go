package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ignite/reach-scheduler/internal/queue"
	"github.com/ignite/reach-scheduler/internal/store"
)

// clockSkewTolerance is how far in the past a start time may lie before the
// request is rejected.
const clockSkewTolerance = 60 * time.Second

// emailPattern is the recipient validation rule. Deliberately permissive;
// the (campaign_id, recipient_email) unique constraint is the authoritative
// dedup mechanism.
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidationError carries per-field details back to the caller. Never
// retried.
type ValidationError struct {
	Details map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for field, msg := range e.Details {
		parts = append(parts, field+": "+msg)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ErrNoDispatches is returned when every recipient was a duplicate and the
// campaign produced no work.
var ErrNoDispatches = errors.New("no new dispatches created")

// CreateCampaignRequest is the ingress payload.
type CreateCampaignRequest struct {
	UserID          string    `json:"userId"`
	Subject         string    `json:"subject"`
	Body            string    `json:"body"`
	RecipientEmails []string  `json:"recipientEmails"`
	StartTime       time.Time `json:"startTime"`
	DelayBetweenMS  *int64    `json:"delayBetweenMs,omitempty"`
	HourlyLimit     *int      `json:"hourlyLimit,omitempty"`
}

// CreateCampaignResult reports what the ingress produced. TotalEmails counts
// recipients after dedup; Failed counts skipped rows.
type CreateCampaignResult struct {
	Campaign      *store.Campaign `json:"campaign"`
	DispatchCount int             `json:"dispatchCount"`
	TotalEmails   int             `json:"totalEmails"`
	Failed        int             `json:"failed"`
}

// CampaignStore is the relational surface the ingress needs.
type CampaignStore interface {
	CreateCampaign(ctx context.Context, c *store.Campaign) error
	CreateDispatch(ctx context.Context, d *store.Dispatch) error
	UpdateCampaignStatus(ctx context.Context, id uuid.UUID, status store.CampaignStatus) error
}

// TaskQueue is the enqueue surface the ingress needs.
type TaskQueue interface {
	Enqueue(ctx context.Context, id string, payload queue.TaskPayload, delay time.Duration) error
}

// Scheduler converts campaigns into per-recipient dispatch rows and delayed
// delivery tasks.
type Scheduler struct {
	store CampaignStore
	queue TaskQueue

	defaultDelayMS     int64
	defaultHourlyLimit int

	now func() time.Time
}

// New creates a Scheduler. defaultDelayMS is the configured minimum
// inter-email spacing; defaultHourlyLimit the per-sender ceiling applied when
// the request has no override.
func New(st CampaignStore, q TaskQueue, defaultDelayMS int64, defaultHourlyLimit int) *Scheduler {
	return &Scheduler{
		store:              st,
		queue:              q,
		defaultDelayMS:     defaultDelayMS,
		defaultHourlyLimit: defaultHourlyLimit,
		now:                time.Now,
	}
}

// CreateCampaign validates the request, persists the campaign and one
// dispatch row per unique recipient, and enqueues one delayed delivery task
// per dispatch. Per-row failures never abort the batch: the uniqueness
// constraint is the authoritative dedup mechanism and duplicate rows are
// recorded as skipped.
func (s *Scheduler) CreateCampaign(ctx context.Context, req CreateCampaignRequest) (*CreateCampaignResult, error) {
	now := s.now()

	userID, verr := s.validate(req, now)
	if verr != nil {
		return nil, verr
	}

	recipients := dedupe(req.RecipientEmails)

	delayBetween := s.defaultDelayMS
	if req.DelayBetweenMS != nil {
		delayBetween = *req.DelayBetweenMS
	}
	hourlyLimit := s.defaultHourlyLimit
	if req.HourlyLimit != nil {
		hourlyLimit = *req.HourlyLimit
	}

	campaign := &store.Campaign{
		ID:             uuid.New(),
		UserID:         userID,
		Subject:        req.Subject,
		Body:           req.Body,
		StartTime:      req.StartTime,
		DelayBetweenMS: delayBetween,
		HourlyLimit:    hourlyLimit,
		Status:         store.CampaignScheduled,
	}
	if err := s.store.CreateCampaign(ctx, campaign); err != nil {
		return nil, fmt.Errorf("creating campaign: %w", err)
	}

	baseDelay := req.StartTime.Sub(now)
	if baseDelay < 0 {
		baseDelay = 0
	}

	created := 0
	failed := 0

	for i, recipient := range recipients {
		delay := baseDelay + time.Duration(int64(i)*delayBetween)*time.Millisecond
		scheduledAt := now.Add(delay)

		dispatch := &store.Dispatch{
			ID:             uuid.New(),
			CampaignID:     campaign.ID,
			RecipientEmail: recipient,
			Subject:        req.Subject,
			Body:           req.Body,
			ScheduledTime:  scheduledAt,
			Status:         store.DispatchScheduled,
		}

		if err := s.store.CreateDispatch(ctx, dispatch); err != nil {
			if store.IsDuplicateDispatch(err) {
				log.Printf("[Scheduler] Skipping duplicate recipient %s for campaign %s", recipient, campaign.ID)
			} else {
				log.Printf("[Scheduler] Dispatch insert failed for %s: %v", recipient, err)
			}
			failed++
			continue
		}

		payload := queue.TaskPayload{
			DispatchID:     dispatch.ID,
			CampaignID:     campaign.ID,
			RecipientEmail: recipient,
			Subject:        req.Subject,
			Body:           req.Body,
			ScheduledAt:    scheduledAt,
		}
		if err := s.queue.Enqueue(ctx, queue.TaskIDFor(dispatch.ID), payload, delay); err != nil {
			log.Printf("[Scheduler] Enqueue failed for dispatch %s: %v", dispatch.ID, err)
			failed++
			continue
		}
		created++
	}

	if created == 0 {
		return nil, ErrNoDispatches
	}

	if err := s.store.UpdateCampaignStatus(ctx, campaign.ID, store.CampaignInProgress); err != nil {
		log.Printf("[Scheduler] Failed to mark campaign %s IN_PROGRESS: %v", campaign.ID, err)
	} else {
		campaign.Status = store.CampaignInProgress
	}

	log.Printf("[Scheduler] Campaign %s: %d dispatches enqueued, %d skipped", campaign.ID, created, failed)

	return &CreateCampaignResult{
		Campaign:      campaign,
		DispatchCount: created,
		TotalEmails:   len(recipients),
		Failed:        failed,
	}, nil
}

func (s *Scheduler) validate(req CreateCampaignRequest, now time.Time) (uuid.UUID, error) {
	details := map[string]string{}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		details["userId"] = "must be a valid UUID"
	}
	if strings.TrimSpace(req.Subject) == "" {
		details["subject"] = "must not be empty"
	} else if utf8.RuneCountInString(req.Subject) > 500 {
		details["subject"] = "must be at most 500 characters"
	}
	if strings.TrimSpace(req.Body) == "" {
		details["body"] = "must not be empty"
	}
	if len(req.RecipientEmails) == 0 {
		details["recipientEmails"] = "at least one recipient is required"
	} else {
		for _, email := range req.RecipientEmails {
			if !emailPattern.MatchString(email) {
				details["recipientEmails"] = fmt.Sprintf("invalid email address: %s", email)
				break
			}
		}
	}
	if req.StartTime.IsZero() {
		details["startTime"] = "must be provided"
	} else if req.StartTime.Before(now.Add(-clockSkewTolerance)) {
		details["startTime"] = "Start time cannot be in the past"
	}

	if len(details) > 0 {
		return uuid.Nil, &ValidationError{Details: details}
	}
	return userID, nil
}

// dedupe removes duplicate recipients preserving first-seen order.
func dedupe(emails []string) []string {
	seen := make(map[string]struct{}, len(emails))
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}
