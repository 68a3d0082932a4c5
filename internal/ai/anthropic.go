package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"flowrequest/internal/domain"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 1 * time.Second
	defaultCallTimeout    = 60 * time.Second
	defaultMaxTokens      = 2048
)

var errAPIKeyRequired = errors.New("API key required")

// AnthropicConfig selects models for the three engine roles.
type AnthropicConfig struct {
	APIKey         string
	DecomposeModel string
	ClassifyModel  string
	AnalyzeModel   string
	MaxTokens      int
	CallTimeout    time.Duration
}

// Anthropic implements Decomposer, Classifier and Analyst against the
// Anthropic Messages API.
type Anthropic struct {
	client         anthropic.Client
	cfg            AnthropicConfig
	maxRetries     int
	initialBackoff time.Duration
}

// NewAnthropic creates the client. Env var ANTHROPIC_API_KEY takes
// precedence over the configured key.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		cfg.APIKey = envKey
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or configure ai in flowrequest.yml", errAPIKeyRequired)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &Anthropic{
		client:         anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:            cfg,
		maxRetries:     defaultMaxRetries,
		initialBackoff: defaultInitialBackoff,
	}, nil
}

func (a *Anthropic) Decompose(ctx context.Context, input string, image *Image, directory []domain.User, mappings []domain.RoleMapping, requester domain.User) (Breakdown, error) {
	prompt := decomposePrompt(input, directory, mappings, requester)
	text, err := a.callWithRetry(ctx, a.cfg.DecomposeModel, prompt, image)
	if err != nil {
		return Breakdown{}, err
	}
	var raw struct {
		Title    string `json:"title"`
		Subtasks []struct {
			Title             string `json:"title"`
			Description       string `json:"description"`
			TaskType          string `json:"task_type"`
			RoleKey           string `json:"role_key"`
			Scope             string `json:"scope"`
			SuggestedDeadline string `json:"suggested_deadline"`
		} `json:"subtasks"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &raw); err != nil {
		return Breakdown{}, fmt.Errorf("malformed breakdown response: %w", err)
	}
	b := Breakdown{Title: raw.Title}
	for _, s := range raw.Subtasks {
		scope := s.Scope
		if scope != ScopeAllOfRole {
			scope = ScopeIndividual
		}
		b.Subtasks = append(b.Subtasks, ProposedSubtask{
			Title:             s.Title,
			Description:       s.Description,
			TaskType:          s.TaskType,
			RoleKey:           s.RoleKey,
			Scope:             scope,
			SuggestedDeadline: s.SuggestedDeadline,
		})
	}
	return b, nil
}

func (a *Anthropic) Classify(ctx context.Context, replyText string) (ReplyAssessment, error) {
	prompt := fmt.Sprintf(`Analyzuj odpověď na pracovní úkol: %q.
Odpověz pouze JSON objektem {"summary": "<krátké shrnutí v češtině>", "verdict": "CONFIRMED"|"REJECTED"|"UNCLEAR"}.
CONFIRMED pokud příjemce úkol přijímá nebo hlásí hotovo, REJECTED pokud odmítá, jinak UNCLEAR.`, replyText)
	text, err := a.callWithRetry(ctx, a.cfg.ClassifyModel, prompt, nil)
	if err != nil {
		return ReplyAssessment{}, err
	}
	var res ReplyAssessment
	if err := json.Unmarshal([]byte(extractJSON(text)), &res); err != nil {
		return ReplyAssessment{}, fmt.Errorf("malformed assessment response: %w", err)
	}
	switch res.Verdict {
	case domain.VerdictConfirmed, domain.VerdictRejected, domain.VerdictUnclear:
	default:
		res.Verdict = domain.VerdictUnclear
	}
	if res.Summary == "" {
		res.Summary = FallbackAssessment().Summary
	}
	return res, nil
}

func (a *Anthropic) Analyze(ctx context.Context, input string, image *Image) (string, error) {
	prompt := fmt.Sprintf("Analyzuj přiložený vstup. Odpovídej v češtině, formátuj jako profesionální Markdown. Vstup: %q", input)
	text, err := a.callWithRetry(ctx, a.cfg.AnalyzeModel, prompt, image)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "Analýza nevrátila žádný výsledek.", nil
	}
	return text, nil
}

func (a *Anthropic) callWithRetry(ctx context.Context, model, prompt string, image *Image) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	blocks := []anthropic.ContentBlockParamUnion{}
	if image != nil {
		blocks = append(blocks, anthropic.NewImageBlockBase64(image.MimeType, image.Data))
	}
	blocks = append(blocks, anthropic.NewTextBlock(prompt))
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(a.cfg.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := a.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return "", fmt.Errorf("unexpected response format: no content blocks")
			}
			content := message.Content[0]
			if content.Type != "text" {
				return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return content.Text, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}
	return "", fmt.Errorf("failed after %d retries: %w", a.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

// extractJSON strips markdown fences and surrounding prose from a model
// response that was asked for a JSON document.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			return s[start : end+1]
		}
	}
	return s
}

func decomposePrompt(input string, directory []domain.User, mappings []domain.RoleMapping, requester domain.User) string {
	var roleRules []string
	for _, u := range directory {
		roleRules = append(roleRules, u.RoleKey+":"+u.Role)
	}
	var mappingRules []string
	for _, m := range mappings {
		var keywords []string
		for _, g := range m.Groups {
			keywords = append(keywords, g.Keywords...)
		}
		mappingRules = append(mappingRules, fmt.Sprintf("%s:[%s]", m.Role, strings.Join(keywords, ",")))
	}
	return fmt.Sprintf(`Jsi AI dispečer pro aplikaci FlowRequest v obchodní firmě.
Autorem požadavku je často obchodník, který koordinuje zakázku a deleguje úkoly na specialisty.
Zadavatel: %s, Role: %s.

PRAVIDLA DELEGOVÁNÍ:
1. PROVOZNÍ TECHNIK (role PROVOZNI_TECHNIK) řeší: technické výpočty, výkazy výměr, výpočty spotřeby lepidel/omítek/cihel podle projektové dokumentace.
2. PRODUKT MANAŽEŘI (role PM_*) řeší: vyjednávání nákupních cen s výrobci, schvalování objektových slev, marže, dostupnost zboží u výrobce a logistiku expedice. Také zajišťují vzorkovníky od výrobců.
3. OBCHODNÍCI (role OBCHODNIK_*) řeší: samotný prodej klientovi, tvorbu finálních nabídek, komunikaci se zákazníkem.
4. HROMADNÉ ÚKOLY (scope ALL_OF_ROLE): pokud zadavatel žádá o "štiky", "schůzky" nebo "CRM hlášení", vytvoř úkol pro rodinu rolí OBCHODNIK se scope ALL_OF_ROLE.

Role: %s
Mapování: %s
Vstup: %q

Odpověz pouze JSON objektem:
{"title": "...", "subtasks": [{"title": "...", "description": "...", "task_type": "...", "role_key": "...", "scope": "INDIVIDUAL"|"ALL_OF_ROLE", "suggested_deadline": "NORMAL"|"URGENT"}]}`,
		requester.Name, requester.RoleKey,
		strings.Join(roleRules, "|"), strings.Join(mappingRules, "\n"), input)
}
