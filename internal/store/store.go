package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the relational database holding campaigns, dispatches and
// sender accounts.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	return db, nil
}

// Ping is the liveness probe used by the status reporter.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

// IsDuplicateDispatch reports whether err is a unique-constraint violation
// on (campaign_id, recipient_email). Expected during ingest; the duplicate
// row is recorded as skipped, not an error.
func IsDuplicateDispatch(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// ── Campaigns ────────────────────────────────────────────────────────────

// CreateCampaign inserts a campaign row.
func (s *Store) CreateCampaign(ctx context.Context, c *Campaign) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mail_campaigns (
			id, user_id, subject, body, start_time, delay_between_ms,
			hourly_limit, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ID, c.UserID, c.Subject, c.Body, c.StartTime, c.DelayBetweenMS,
		c.HourlyLimit, c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting campaign: %w", err)
	}
	return nil
}

// GetCampaign loads a campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	c := &Campaign{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, subject, body, start_time, delay_between_ms,
		       hourly_limit, status, created_at, updated_at
		FROM mail_campaigns WHERE id = $1
	`, id).Scan(&c.ID, &c.UserID, &c.Subject, &c.Body, &c.StartTime,
		&c.DelayBetweenMS, &c.HourlyLimit, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading campaign: %w", err)
	}
	return c, nil
}

// ListCampaignsByUser returns a user's campaigns, newest first.
func (s *Store) ListCampaignsByUser(ctx context.Context, userID uuid.UUID) ([]*Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, subject, body, start_time, delay_between_ms,
		       hourly_limit, status, created_at, updated_at
		FROM mail_campaigns
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c := &Campaign{}
		if err := rows.Scan(&c.ID, &c.UserID, &c.Subject, &c.Body, &c.StartTime,
			&c.DelayBetweenMS, &c.HourlyLimit, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// UpdateCampaignStatus sets the campaign lifecycle state.
func (s *Store) UpdateCampaignStatus(ctx context.Context, id uuid.UUID, status CampaignStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mail_campaigns SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	return err
}

// CompleteIdleCampaigns marks IN_PROGRESS campaigns COMPLETED once every one
// of their dispatches has reached a terminal state. COMPLETED is advisory;
// correctness does not depend on it.
func (s *Store) CompleteIdleCampaigns(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mail_campaigns c
		SET status = 'COMPLETED', updated_at = NOW()
		WHERE c.status = 'IN_PROGRESS'
		  AND NOT EXISTS (
			SELECT 1 FROM mail_dispatches d
			WHERE d.campaign_id = c.id
			  AND d.status NOT IN ('SENT', 'FAILED')
		  )
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ── Dispatches ───────────────────────────────────────────────────────────

// CreateDispatch inserts a dispatch row. A unique-constraint violation on
// (campaign_id, recipient_email) is surfaced unchanged so callers can detect
// it with IsDuplicateDispatch.
func (s *Store) CreateDispatch(ctx context.Context, d *Dispatch) error {
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mail_dispatches (
			id, campaign_id, recipient_email, subject, body,
			scheduled_time, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, d.ID, d.CampaignID, d.RecipientEmail, d.Subject, d.Body,
		d.ScheduledTime, d.Status, d.CreatedAt, d.UpdatedAt)
	return err
}

const dispatchColumns = `id, campaign_id, recipient_email, subject, body,
	scheduled_time, sent_time, status, error_message, sender_email,
	created_at, updated_at`

func scanDispatch(row interface{ Scan(...interface{}) error }) (*Dispatch, error) {
	d := &Dispatch{}
	var sentTime sql.NullTime
	var errMsg, senderEmail sql.NullString

	err := row.Scan(&d.ID, &d.CampaignID, &d.RecipientEmail, &d.Subject, &d.Body,
		&d.ScheduledTime, &sentTime, &d.Status, &errMsg, &senderEmail,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if sentTime.Valid {
		t := sentTime.Time
		d.SentTime = &t
	}
	d.ErrorMessage = errMsg.String
	d.SenderEmail = senderEmail.String
	return d, nil
}

// GetDispatch loads a dispatch by id.
func (s *Store) GetDispatch(ctx context.Context, id uuid.UUID) (*Dispatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+dispatchColumns+`
		FROM mail_dispatches WHERE id = $1
	`, id)

	d, err := scanDispatch(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading dispatch: %w", err)
	}
	return d, nil
}

// ListDispatchesByCampaign returns every dispatch of a campaign in
// scheduled order.
func (s *Store) ListDispatchesByCampaign(ctx context.Context, campaignID uuid.UUID) ([]*Dispatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+dispatchColumns+`
		FROM mail_dispatches
		WHERE campaign_id = $1
		ORDER BY scheduled_time ASC
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("listing dispatches: %w", err)
	}
	defer rows.Close()
	return collectDispatches(rows)
}

// ListDispatchesByUserAndStatus returns a user's dispatches across all their
// campaigns, filtered to the given statuses.
func (s *Store) ListDispatchesByUserAndStatus(ctx context.Context, userID uuid.UUID, statuses []DispatchStatus) ([]*Dispatch, error) {
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.campaign_id, d.recipient_email, d.subject, d.body,
		       d.scheduled_time, d.sent_time, d.status, d.error_message,
		       d.sender_email, d.created_at, d.updated_at
		FROM mail_dispatches d
		JOIN mail_campaigns c ON c.id = d.campaign_id
		WHERE c.user_id = $1 AND d.status = ANY($2)
		ORDER BY d.scheduled_time ASC
	`, userID, pq.Array(values))
	if err != nil {
		return nil, fmt.Errorf("listing dispatches by status: %w", err)
	}
	defer rows.Close()
	return collectDispatches(rows)
}

func collectDispatches(rows *sql.Rows) ([]*Dispatch, error) {
	var dispatches []*Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		dispatches = append(dispatches, d)
	}
	return dispatches, rows.Err()
}

// MarkDispatchSending transitions a dispatch into SENDING. Dispatches that
// already reached SENT are left untouched; the worker's replay guard checks
// the loaded status before calling this.
func (s *Store) MarkDispatchSending(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mail_dispatches
		SET status = 'SENDING', updated_at = NOW()
		WHERE id = $1 AND status <> 'SENT'
	`, id)
	return err
}

// MarkDispatchSent records a successful transport acceptance.
func (s *Store) MarkDispatchSent(ctx context.Context, id uuid.UUID, messageID string, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mail_dispatches
		SET status = 'SENT', sent_time = $2, sender_email = $3, updated_at = NOW()
		WHERE id = $1
	`, id, sentAt, messageID)
	return err
}

// MarkDispatchFailed records a transport failure. The queue's retry policy
// decides whether another attempt follows.
func (s *Store) MarkDispatchFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE mail_dispatches
		SET status = 'FAILED', error_message = $2, updated_at = NOW()
		WHERE id = $1
	`, id, errMsg)
	return err
}

// MarkDispatchRateLimited returns a dispatch to the rate-limited loop state
// with the next hour window as its new scheduled instant.
func (s *Store) MarkDispatchRateLimited(ctx context.Context, id uuid.UUID, resetAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mail_dispatches
		SET status = 'RATE_LIMITED', scheduled_time = $2, updated_at = NOW()
		WHERE id = $1
	`, id, resetAt)
	return err
}

// ── Sender accounts ──────────────────────────────────────────────────────

// ActiveSenderAccount picks one of the active sender rows for a send
// attempt. Returns (nil, nil) when none are configured; the transport
// falls back to the configured SMTP identity.
func (s *Store) ActiveSenderAccount(ctx context.Context) (*SenderAccount, error) {
	a := &SenderAccount{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password, smtp_host, smtp_port, is_active
		FROM sender_accounts
		WHERE is_active = TRUE
		ORDER BY random()
		LIMIT 1
	`).Scan(&a.ID, &a.Email, &a.Password, &a.SMTPHost, &a.SMTPPort, &a.IsActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading sender account: %w", err)
	}
	return a, nil
}
