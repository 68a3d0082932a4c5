package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"flowrequest/internal/ai"
	"flowrequest/internal/config"
	"flowrequest/internal/domain"
	"flowrequest/internal/events"
	"flowrequest/internal/notify"
	"flowrequest/internal/repo"
	"flowrequest/internal/roster"
)

var (
	ErrReplyNotAllowed  = errors.New("reply allowed only on a SENT sub-request")
	ErrToggleNotAllowed = errors.New("approval toggle allowed only on SENT, NEEDS_REVIEW or DONE sub-requests")
	ErrNotFlowCreator   = errors.New("only the flow creator may approve or reopen tasks")
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Decomposer ai.Decomposer
	Classifier ai.Classifier
	Analyst    ai.Analyst
	Notifier   notify.Notifier
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Decomposer: ai.Static{},
		Classifier: ai.Static{},
		Analyst:    ai.Static{},
		Notifier:   notify.Discard{},
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// DueDate returns the deadline for a new sub-request: the urgent preset or
// the normal one, counted from now.
func (e Engine) DueDate(urgent bool) string {
	days := e.Config.Deadlines.NormalDays
	if urgent {
		days = e.Config.Deadlines.UrgentDays
	}
	return e.now().UTC().Add(time.Duration(days) * 24 * time.Hour).Format(time.RFC3339)
}

// Decompose asks the external engine for a task breakdown of the input,
// passing the directory and keyword rules through as advisory context.
func (e Engine) Decompose(ctx context.Context, input string, image *ai.Image, requesterID string) (ai.Breakdown, error) {
	if strings.TrimSpace(input) == "" && image == nil {
		return ai.Breakdown{}, errors.New("input is required")
	}
	requester, err := e.Repo.GetUser(ctx, requesterID)
	if err != nil {
		return ai.Breakdown{}, err
	}
	directory, err := e.Repo.ListUsers(ctx)
	if err != nil {
		return ai.Breakdown{}, err
	}
	mappings, err := e.Repo.ListMappings(ctx)
	if err != nil {
		return ai.Breakdown{}, err
	}
	return e.Decomposer.Decompose(ctx, input, image, directory, mappings, requester)
}

// FlowCreateOptions are parameters for creating a flow.
type FlowCreateOptions struct {
	Title       string
	Description string
	Tags        []string
	Proposals   []roster.Proposal
	CreatorID   string
	// Progress, when set, is called after each dispatch attempt with the
	// percentage of recipients processed.
	Progress func(percent int)
}

// CreateFlow validates, expands broadcasts, dispatches every expanded
// sub-request independently and persists the flow with all children as one
// atomic unit. Dispatch failures mark the affected sub-request BLOCKED and
// never abort the batch.
func (e Engine) CreateFlow(ctx context.Context, opts FlowCreateOptions) (domain.Flow, error) {
	if e.Config == nil {
		return domain.Flow{}, errors.New("config not loaded")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Flow{}, errors.New("title is required")
	}
	creator, err := e.Repo.GetUser(ctx, opts.CreatorID)
	if err != nil {
		return domain.Flow{}, fmt.Errorf("creator: %w", err)
	}
	directory, err := e.Repo.ListUsers(ctx)
	if err != nil {
		return domain.Flow{}, err
	}
	for i := range opts.Proposals {
		if opts.Proposals[i].DueDate == "" {
			opts.Proposals[i].DueDate = e.DueDate(false)
		}
	}
	subs, err := roster.Expand(opts.Proposals, directory)
	if err != nil {
		return domain.Flow{}, err
	}
	if len(subs) == 0 {
		return domain.Flow{}, errors.New("no sub-requests to dispatch after expansion")
	}

	now := e.now().UTC().Format(time.RFC3339)
	flow := domain.Flow{
		ID:          "f-" + uuid.NewString(),
		Title:       opts.Title,
		Description: opts.Description,
		CreatorID:   creator.ID,
		Status:      domain.FlowActive,
		Tags:        opts.Tags,
		CreatedAt:   now,
	}
	for i := range subs {
		subs[i].FlowID = flow.ID
	}
	flow.SubRequests = subs

	for i := range flow.SubRequests {
		sub := &flow.SubRequests[i]
		subject, body, err := notify.ComposeAssignment(*sub, flow, directory)
		if err != nil {
			sub.Status = domain.SubBlocked
		} else {
			recipient, _ := userByID(directory, sub.AssigneeID)
			if sendErr := e.Notifier.Send(ctx, recipient.Email, subject, body); sendErr != nil {
				sub.Status = domain.SubBlocked
			} else {
				sub.Status = domain.SubSent
				sub.SentCopy = &body
			}
		}
		if opts.Progress != nil {
			opts.Progress((i + 1) * 100 / len(flow.SubRequests))
		}
	}
	flow.Status = DeriveStatus(flow.SubRequests)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Flow{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertFlow(ctx, tx, flow); err != nil {
		return domain.Flow{}, err
	}
	for i, sub := range flow.SubRequests {
		if err := e.Repo.InsertSubRequest(ctx, tx, sub, i); err != nil {
			return domain.Flow{}, err
		}
		evtType := "dispatch.sent"
		if sub.Status == domain.SubBlocked {
			evtType = "dispatch.blocked"
		}
		if err := e.Events.Append(ctx, tx, evtType, flow.ID, "sub_request", sub.ID, creator.ID, events.EventPayload{
			"assignee_id": sub.AssigneeID, "broadcast": sub.IsBroadcast,
		}); err != nil {
			return domain.Flow{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "flow.created", flow.ID, "flow", flow.ID, creator.ID, events.EventPayload{
		"title": flow.Title, "sub_requests": len(flow.SubRequests),
	}); err != nil {
		return domain.Flow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Flow{}, err
	}
	return flow, nil
}

// RecordReply ingests an assignee reply. A direct verdict (fixed-choice
// confirm/reject control) is taken verbatim with the text as summary;
// otherwise the classifier is consulted and any classification failure
// degrades to an UNCLEAR assessment.
func (e Engine) RecordReply(ctx context.Context, flowID, subID, text, directVerdict, actorID string) (domain.Flow, error) {
	flow, err := e.Repo.GetFlow(ctx, flowID)
	if err != nil {
		return domain.Flow{}, err
	}
	sub, ok := subByID(flow.SubRequests, subID)
	if !ok {
		return domain.Flow{}, repo.ErrNotFound
	}
	if sub.Status != domain.SubSent {
		return domain.Flow{}, ErrReplyNotAllowed
	}

	var assessment ai.ReplyAssessment
	switch directVerdict {
	case domain.VerdictConfirmed, domain.VerdictRejected:
		assessment = ai.ReplyAssessment{Summary: text, Verdict: directVerdict}
	case "":
		assessment, err = e.Classifier.Classify(ctx, text)
		if err != nil {
			assessment = ai.FallbackAssessment()
		}
	default:
		return domain.Flow{}, fmt.Errorf("invalid verdict %q", directVerdict)
	}

	sub.Status = domain.SubNeedsReview
	sub.ReplySummary = &assessment.Summary
	sub.ReplyVerdict = &assessment.Verdict

	return e.applySubMutation(ctx, flow, sub, "reply.recorded", actorID, events.EventPayload{
		"verdict": assessment.Verdict,
	})
}

// RecordInboundReply resolves the sender by e-mail address to their SENT
// sub-request within the flow and records a classified reply.
func (e Engine) RecordInboundReply(ctx context.Context, flowID, senderEmail, text string) (domain.Flow, error) {
	sender, err := e.Repo.GetUserByEmail(ctx, senderEmail)
	if err != nil {
		return domain.Flow{}, fmt.Errorf("sender %s: %w", senderEmail, err)
	}
	flow, err := e.Repo.GetFlow(ctx, flowID)
	if err != nil {
		return domain.Flow{}, err
	}
	for _, sub := range flow.SubRequests {
		if sub.AssigneeID == sender.ID && sub.Status == domain.SubSent {
			return e.RecordReply(ctx, flowID, sub.ID, text, "", sender.ID)
		}
	}
	return domain.Flow{}, fmt.Errorf("no awaiting sub-request for %s in flow %s: %w", senderEmail, flowID, ErrReplyNotAllowed)
}

// ToggleApproval flips a sub-request between DONE and SENT. Only the flow
// creator closes or reopens tasks; the stored verdict is left untouched, so
// a rejected-then-approved task stays distinguishable in the archive.
func (e Engine) ToggleApproval(ctx context.Context, flowID, subID, actorID string) (domain.Flow, error) {
	flow, err := e.Repo.GetFlow(ctx, flowID)
	if err != nil {
		return domain.Flow{}, err
	}
	if actorID != flow.CreatorID {
		return domain.Flow{}, ErrNotFlowCreator
	}
	sub, ok := subByID(flow.SubRequests, subID)
	if !ok {
		return domain.Flow{}, repo.ErrNotFound
	}
	switch sub.Status {
	case domain.SubDone:
		sub.Status = domain.SubSent
		sub.CompletedAt = nil
	case domain.SubSent, domain.SubNeedsReview:
		sub.Status = domain.SubDone
		now := e.now().UTC().Format(time.RFC3339)
		sub.CompletedAt = &now
	default:
		return domain.Flow{}, ErrToggleNotAllowed
	}
	return e.applySubMutation(ctx, flow, sub, "subrequest.toggled", actorID, events.EventPayload{
		"status": sub.Status,
	})
}

// applySubMutation writes the mutated sub-request, recomputes the derived
// flow status and appends the audit events in one transaction.
func (e Engine) applySubMutation(ctx context.Context, flow domain.Flow, sub domain.SubRequest, evtType, actorID string, payload events.EventPayload) (domain.Flow, error) {
	for i := range flow.SubRequests {
		if flow.SubRequests[i].ID == sub.ID {
			flow.SubRequests[i] = sub
		}
	}
	oldStatus := flow.Status
	flow.Status = DeriveStatus(flow.SubRequests)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Flow{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateSubRequest(ctx, tx, sub); err != nil {
		return domain.Flow{}, err
	}
	if err := e.Repo.UpdateFlowStatus(ctx, tx, flow.ID, flow.Status); err != nil {
		return domain.Flow{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, flow.ID, "sub_request", sub.ID, actorID, payload); err != nil {
		return domain.Flow{}, err
	}
	if oldStatus != flow.Status && flow.Status == domain.FlowCompleted {
		if err := e.Events.Append(ctx, tx, "flow.completed", flow.ID, "flow", flow.ID, actorID, events.EventPayload{}); err != nil {
			return domain.Flow{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Flow{}, err
	}
	return flow, nil
}

// DeriveStatus is the only source of a flow's status: COMPLETED iff every
// sub-request is DONE, otherwise ACTIVE.
func DeriveStatus(subs []domain.SubRequest) string {
	if len(subs) == 0 {
		return domain.FlowActive
	}
	for _, s := range subs {
		if s.Status != domain.SubDone {
			return domain.FlowActive
		}
	}
	return domain.FlowCompleted
}

func subByID(subs []domain.SubRequest, id string) (domain.SubRequest, bool) {
	for _, s := range subs {
		if s.ID == id {
			return s, true
		}
	}
	return domain.SubRequest{}, false
}

func userByID(directory []domain.User, id string) (domain.User, bool) {
	for _, u := range directory {
		if u.ID == id {
			return u, true
		}
	}
	return domain.User{}, false
}
