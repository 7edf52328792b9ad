package admission

import "time"

const (
	StatusImmediate = "queued-immediate"
	StatusDelayed   = "queued-delayed"
)

const (
	ErrMissingUserID   = "user_id is required"
	ErrInvalidJSON     = "invalid_json"
	ErrUnavailable     = "store_unavailable"
	ErrInternal        = "Internal server error"
	MessageImmediate   = "Task queued for immediate processing"
	messageDelayedForm = "Task queued with %dms delay due to rate limit"
	MessageDuplicate   = "Task already queued"
)

// RetryAfter is sent with 503 responses.
const RetryAfter = time.Second

// Request is one admission attempt. JobID is optional; when set, repeated
// requests with the same id are queued at most once while the job is active.
type Request struct {
	Identity string
	JobID    string
}

type Result struct {
	Status      string
	DelayMillis int64
	Identity    string
	JobID       string
	Window      string
	Duplicate   bool
}

type TaskRequest struct {
	UserID string `json:"user_id"`
	JobID  string `json:"job_id,omitempty"`
}

type TaskResponse struct {
	Status    string `json:"status"`
	DelayMS   int64  `json:"delay_ms"`
	UserID    string `json:"user_id"`
	JobID     string `json:"job_id"`
	Message   string `json:"message"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// TaskPayload is the job payload handed to executors.
type TaskPayload struct {
	UserID string `json:"user_id"`
}
