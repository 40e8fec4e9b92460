package store

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignScheduled  CampaignStatus = "SCHEDULED"
	CampaignInProgress CampaignStatus = "IN_PROGRESS"
	CampaignCompleted  CampaignStatus = "COMPLETED"
	CampaignPaused     CampaignStatus = "PAUSED"
	CampaignCancelled  CampaignStatus = "CANCELLED"
)

// DispatchStatus is the delivery state of a single dispatch.
type DispatchStatus string

const (
	DispatchPending     DispatchStatus = "PENDING"
	DispatchScheduled   DispatchStatus = "SCHEDULED"
	DispatchSending     DispatchStatus = "SENDING"
	DispatchSent        DispatchStatus = "SENT"
	DispatchFailed      DispatchStatus = "FAILED"
	DispatchRateLimited DispatchStatus = "RATE_LIMITED"
)

// Terminal reports whether the status ends the current run of a dispatch.
// RATE_LIMITED is a loop state: the dispatch returns to SCHEDULED with a new
// scheduled instant.
func (s DispatchStatus) Terminal() bool {
	return s == DispatchSent || s == DispatchFailed
}

// Campaign is one bulk-send configuration: one subject/body aimed at N
// recipients with a start time and per-email spacing.
type Campaign struct {
	ID             uuid.UUID      `json:"id"`
	UserID         uuid.UUID      `json:"userId"`
	Subject        string         `json:"subject"`
	Body           string         `json:"body"`
	StartTime      time.Time      `json:"startTime"`
	DelayBetweenMS int64          `json:"delayBetweenMs"`
	HourlyLimit    int            `json:"hourlyLimit"`
	Status         CampaignStatus `json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Dispatch is the record of one email to one recipient within one campaign.
// Subject and body are denormalized snapshots so in-flight tasks are immune
// to later campaign edits.
type Dispatch struct {
	ID             uuid.UUID      `json:"id"`
	CampaignID     uuid.UUID      `json:"campaignId"`
	RecipientEmail string         `json:"recipientEmail"`
	Subject        string         `json:"subject"`
	Body           string         `json:"body"`
	ScheduledTime  time.Time      `json:"scheduledTime"`
	SentTime       *time.Time     `json:"sentTime,omitempty"`
	Status         DispatchStatus `json:"status"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
	SenderEmail    string         `json:"senderEmail,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// SenderAccount is an SMTP identity usable for outbound delivery. One of the
// active rows is chosen at send time.
type SenderAccount struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email"`
	Password string    `json:"-"`
	SMTPHost string    `json:"smtpHost"`
	SMTPPort int       `json:"smtpPort"`
	IsActive bool      `json:"isActive"`
}

// User is an owning account. Session establishment is handled elsewhere;
// the scheduler only needs the id for campaign ownership.
type User struct {
	ID        uuid.UUID `json:"id"`
	GoogleID  string    `json:"googleId"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Avatar    string    `json:"avatar,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
