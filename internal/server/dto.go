package server

import (
	"encoding/json"

	"flowrequest/internal/domain"
)

// Request payloads

type ProposalRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	TaskType    string `json:"task_type,omitempty"`
	RoleKey     string `json:"role_key,omitempty"`
	AssigneeID  string `json:"assignee_id,omitempty"`
	Broadcast   bool   `json:"broadcast,omitempty"`
	DueDate     string `json:"due_date,omitempty" format:"date-time"`
	Urgent      bool   `json:"urgent,omitempty"`
}

type CreateFlowRequest struct {
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Proposals   []ProposalRequest `json:"proposals"`
}

type DecomposeRequest struct {
	Input         string `json:"input"`
	ImageBase64   string `json:"image_base64,omitempty"`
	ImageMimeType string `json:"image_mime_type,omitempty"`
}

type ReplyRequest struct {
	Text    string `json:"text"`
	Verdict string `json:"verdict,omitempty" enum:"CONFIRMED,REJECTED"`
}

type InboundRequest struct {
	FlowID      string `json:"flow_id"`
	SenderEmail string `json:"sender_email"`
	Text        string `json:"text"`
}

type UserRequest struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	RoleKey string `json:"role_key"`
	IsAdmin bool   `json:"is_admin,omitempty"`
}

type KeywordGroupRequest struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords"`
}

type MappingRequest struct {
	ID     string                `json:"id,omitempty"`
	Role   string                `json:"role"`
	Groups []KeywordGroupRequest `json:"groups,omitempty"`
}

type KeywordRequest struct {
	Group   string `json:"group"`
	Keyword string `json:"keyword"`
}

type RunAnalysisRequest struct {
	Input         string `json:"input"`
	Title         string `json:"title,omitempty"`
	Save          bool   `json:"save,omitempty"`
	ImageBase64   string `json:"image_base64,omitempty"`
	ImageMimeType string `json:"image_mime_type,omitempty"`
}

// Response payloads

type SubRequestResponse struct {
	ID              string  `json:"id"`
	FlowID          string  `json:"flow_id"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	TaskType        string  `json:"task_type,omitempty"`
	AssigneeID      string  `json:"assignee_id"`
	AssignedRoleKey string  `json:"assigned_role_key,omitempty"`
	Status          string  `json:"status" enum:"PENDING,SENT,BLOCKED,NEEDS_REVIEW,DONE"`
	DueDate         string  `json:"due_date,omitempty" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
	ReplySummary    *string `json:"reply_summary,omitempty"`
	ReplyVerdict    *string `json:"reply_verdict,omitempty" enum:"CONFIRMED,REJECTED,UNCLEAR"`
	SentCopy        *string `json:"sent_copy,omitempty"`
	IsBroadcast     bool    `json:"is_broadcast"`
}

type FlowResponse struct {
	ID          string               `json:"id"`
	Title       string               `json:"title"`
	Description string               `json:"description,omitempty"`
	CreatorID   string               `json:"creator_id"`
	Status      string               `json:"status" enum:"ACTIVE,COMPLETED"`
	Tags        []string             `json:"tags"`
	CreatedAt   string               `json:"created_at" format:"date-time"`
	Stale       bool                 `json:"stale"`
	SubRequests []SubRequestResponse `json:"sub_requests"`
}

type UserResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	RoleKey string `json:"role_key"`
	IsAdmin bool   `json:"is_admin"`
}

type MappingResponse struct {
	ID     string                `json:"id"`
	Role   string                `json:"role"`
	Groups []KeywordGroupRequest `json:"groups"`
}

type AnalysisResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	MimeType  string `json:"mime_type,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type BreakdownResponse struct {
	Title    string            `json:"title"`
	Subtasks []ProposalRequest `json:"subtasks"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	FlowID     string         `json:"flow_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Conversion helpers

func subRequestResponse(s domain.SubRequest) SubRequestResponse {
	return SubRequestResponse{
		ID:              s.ID,
		FlowID:          s.FlowID,
		Title:           s.Title,
		Description:     s.Description,
		TaskType:        s.TaskType,
		AssigneeID:      s.AssigneeID,
		AssignedRoleKey: s.AssignedRoleKey,
		Status:          s.Status,
		DueDate:         s.DueDate,
		CompletedAt:     s.CompletedAt,
		ReplySummary:    s.ReplySummary,
		ReplyVerdict:    s.ReplyVerdict,
		SentCopy:        s.SentCopy,
		IsBroadcast:     s.IsBroadcast,
	}
}

func flowResponse(f domain.Flow, stale bool) FlowResponse {
	subs := make([]SubRequestResponse, 0, len(f.SubRequests))
	for _, s := range f.SubRequests {
		subs = append(subs, subRequestResponse(s))
	}
	return FlowResponse{
		ID:          f.ID,
		Title:       f.Title,
		Description: f.Description,
		CreatorID:   f.CreatorID,
		Status:      f.Status,
		Tags:        nonNilSlice(f.Tags),
		CreatedAt:   f.CreatedAt,
		Stale:       stale,
		SubRequests: subs,
	}
}

func userResponse(u domain.User) UserResponse {
	return UserResponse(u)
}

func mappingResponse(m domain.RoleMapping) MappingResponse {
	groups := make([]KeywordGroupRequest, 0, len(m.Groups))
	for _, g := range m.Groups {
		groups = append(groups, KeywordGroupRequest{Name: g.Name, Keywords: nonNilSlice(g.Keywords)})
	}
	return MappingResponse{ID: m.ID, Role: m.Role, Groups: groups}
}

func analysisResponse(a domain.SavedAnalysis) AnalysisResponse {
	return AnalysisResponse{
		ID:        a.ID,
		Title:     a.Title,
		Content:   a.Content,
		MimeType:  a.MimeType,
		CreatedAt: a.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		FlowID:     e.FlowID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
