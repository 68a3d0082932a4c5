// Package ai is the boundary to the external decomposition, classification
// and analysis engine. Callers treat it as a black box: text in, structured
// result out.
package ai

import (
	"context"
	"strings"
	"unicode/utf8"

	"flowrequest/internal/domain"
)

// Scope values for a proposed subtask.
const (
	ScopeIndividual = "INDIVIDUAL"
	ScopeAllOfRole  = "ALL_OF_ROLE"
)

// Image is an attached document or photo, base64-encoded.
type Image struct {
	Data     string
	MimeType string
}

type ProposedSubtask struct {
	Title             string `json:"title"`
	Description       string `json:"description"`
	TaskType          string `json:"task_type"`
	RoleKey           string `json:"role_key"`
	Scope             string `json:"scope"`
	SuggestedDeadline string `json:"suggested_deadline,omitempty"`
}

// Breakdown is the decomposition result for one request.
type Breakdown struct {
	Title    string            `json:"title"`
	Subtasks []ProposedSubtask `json:"subtasks"`
}

type ReplyAssessment struct {
	Summary string `json:"summary"`
	Verdict string `json:"verdict"`
}

type Decomposer interface {
	Decompose(ctx context.Context, input string, image *Image, directory []domain.User, mappings []domain.RoleMapping, requester domain.User) (Breakdown, error)
}

type Classifier interface {
	Classify(ctx context.Context, replyText string) (ReplyAssessment, error)
}

type Analyst interface {
	Analyze(ctx context.Context, input string, image *Image) (string, error)
}

// FallbackAssessment is what reply ingestion records when the classifier
// cannot produce a verdict; ingestion itself never fails on classification.
func FallbackAssessment() ReplyAssessment {
	return ReplyAssessment{Summary: "Zpracování odpovědi selhalo", Verdict: domain.VerdictUnclear}
}

// Static is an offline engine for environments without API credentials.
// Decomposition addresses the requester's own role; classification is a
// keyword heuristic over common Czech reply phrasings.
type Static struct{}

func (Static) Decompose(_ context.Context, input string, _ *Image, _ []domain.User, _ []domain.RoleMapping, requester domain.User) (Breakdown, error) {
	title := truncate(input, 60)
	return Breakdown{
		Title: strings.TrimSpace(title),
		Subtasks: []ProposedSubtask{{
			Title:       strings.TrimSpace(title),
			Description: input,
			TaskType:    "Úkol",
			RoleKey:     requester.RoleKey,
			Scope:       ScopeIndividual,
		}},
	}, nil
}

func (Static) Classify(_ context.Context, replyText string) (ReplyAssessment, error) {
	lowered := strings.ToLower(replyText)
	verdict := domain.VerdictUnclear
	switch {
	case containsAny(lowered, "hotovo", "potvrzuji", "zvládnu", "ano", "ok", "domluveno"):
		verdict = domain.VerdictConfirmed
	case containsAny(lowered, "nemohu", "nestíhám", "bohužel", "nelze", "ne,"):
		verdict = domain.VerdictRejected
	}
	summary := truncate(strings.TrimSpace(replyText), 140)
	return ReplyAssessment{Summary: summary, Verdict: verdict}, nil
}

func (Static) Analyze(_ context.Context, input string, _ *Image) (string, error) {
	return "## Analýza\n\n" + strings.TrimSpace(input), nil
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
