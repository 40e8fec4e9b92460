package queue

import (
	"time"

	"github.com/google/uuid"
)

// TaskType identifies the one task kind this queue carries.
// Compatibility-critical with other consumers of the namespace.
const TaskType = "deliverEmailTask"

// taskIDPrefix makes task ids deterministic from dispatch ids, which is what
// makes re-enqueue attempts for the same dispatch no-ops.
const taskIDPrefix = "emailTask-"

// TaskIDFor returns the deterministic task id for a dispatch.
func TaskIDFor(dispatchID uuid.UUID) string {
	return taskIDPrefix + dispatchID.String()
}

// TaskPayload is the queue-side snapshot of a dispatch. Subject and body are
// carried so in-flight work is immune to later campaign edits.
type TaskPayload struct {
	DispatchID     uuid.UUID `json:"dispatchId"`
	CampaignID     uuid.UUID `json:"campaignId"`
	RecipientEmail string    `json:"recipientEmail"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	ScheduledAt    time.Time `json:"scheduledAt"`
	SenderID       string    `json:"senderId,omitempty"`
}

// Task is a reserved queue item. Identity survives rescheduling; the attempt
// count only advances through Fail.
type Task struct {
	ID       string
	Payload  TaskPayload
	Attempts int
}

// Metrics is a point-in-time snapshot of queue depths.
type Metrics struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}
