package domain

// SubRequest statuses.
const (
	SubPending     = "PENDING"
	SubSent        = "SENT"
	SubBlocked     = "BLOCKED"
	SubNeedsReview = "NEEDS_REVIEW"
	SubDone        = "DONE"
)

// Flow statuses.
const (
	FlowActive    = "ACTIVE"
	FlowCompleted = "COMPLETED"
)

// Reply verdicts.
const (
	VerdictConfirmed = "CONFIRMED"
	VerdictRejected  = "REJECTED"
	VerdictUnclear   = "UNCLEAR"
)

type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	RoleKey string `json:"role_key"`
	IsAdmin bool   `json:"is_admin"`
}

// KeywordGroup is one named keyword bucket inside a RoleMapping.
type KeywordGroup struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords"`
}

// RoleMapping is advisory vocabulary for the decomposition engine; it
// carries no delegation semantics of its own.
type RoleMapping struct {
	ID       string         `json:"id"`
	Role     string         `json:"role"`
	Groups   []KeywordGroup `json:"groups"`
	Contexts []string       `json:"contexts,omitempty"`
}

type SubRequest struct {
	ID              string  `json:"id"`
	FlowID          string  `json:"flow_id"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	TaskType        string  `json:"task_type,omitempty"`
	AssigneeID      string  `json:"assignee_id"`
	AssignedRoleKey string  `json:"assigned_role_key"`
	Status          string  `json:"status" enum:"PENDING,SENT,BLOCKED,NEEDS_REVIEW,DONE"`
	DueDate         string  `json:"due_date" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
	ReplySummary    *string `json:"reply_summary,omitempty"`
	ReplyVerdict    *string `json:"reply_verdict,omitempty" enum:"CONFIRMED,REJECTED,UNCLEAR"`
	SentCopy        *string `json:"sent_copy,omitempty"`
	IsBroadcast     bool    `json:"is_broadcast"`
}

type Flow struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	CreatorID   string       `json:"creator_id"`
	Status      string       `json:"status" enum:"ACTIVE,COMPLETED"`
	Tags        []string     `json:"tags,omitempty"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
	SubRequests []SubRequest `json:"sub_requests"`
}

type SavedAnalysis struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	ImagePreview string `json:"image_preview,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	FlowID     string `json:"flow_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
