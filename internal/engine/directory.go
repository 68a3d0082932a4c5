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
	"flowrequest/internal/domain"
	"flowrequest/internal/events"
)

// ErrUserHasOpenWork blocks directory removal while the user still has
// assignments that are not DONE.
var ErrUserHasOpenWork = errors.New("user still has open assignments")

// AddUser registers a team member. An empty ID gets a generated one.
func (e Engine) AddUser(ctx context.Context, u domain.User, actorID string) (domain.User, error) {
	if err := validateUser(u); err != nil {
		return domain.User{}, err
	}
	if u.ID == "" {
		u.ID = "u-" + uuid.NewString()
	}
	return u, e.mutate(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpsertUserTx(ctx, tx, u); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "team.added", "", "user", u.ID, actorID, events.EventPayload{
			"role_key": u.RoleKey,
		})
	})
}

func (e Engine) UpdateUser(ctx context.Context, u domain.User, actorID string) (domain.User, error) {
	if err := validateUser(u); err != nil {
		return domain.User{}, err
	}
	if _, err := e.Repo.GetUser(ctx, u.ID); err != nil {
		return domain.User{}, err
	}
	return u, e.mutate(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpsertUserTx(ctx, tx, u); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "team.updated", "", "user", u.ID, actorID, nil)
	})
}

// RemoveUser deletes a team member unless they still hold open assignments.
func (e Engine) RemoveUser(ctx context.Context, userID, actorID string) error {
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return err
	}
	open, err := e.Repo.CountOpenAssignments(ctx, userID)
	if err != nil {
		return err
	}
	if open > 0 {
		return fmt.Errorf("%w: %d open", ErrUserHasOpenWork, open)
	}
	return e.mutate(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteUser(ctx, tx, userID); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "team.removed", "", "user", userID, actorID, nil)
	})
}

func validateUser(u domain.User) error {
	if strings.TrimSpace(u.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(u.Email) == "" {
		return errors.New("email is required")
	}
	if strings.TrimSpace(u.RoleKey) == "" {
		return errors.New("role_key is required")
	}
	return nil
}

// UpsertMapping stores a delegation rule. An empty ID gets a generated one.
func (e Engine) UpsertMapping(ctx context.Context, m domain.RoleMapping, actorID string) (domain.RoleMapping, error) {
	if strings.TrimSpace(m.Role) == "" {
		return domain.RoleMapping{}, errors.New("role is required")
	}
	if m.ID == "" {
		m.ID = "m-" + uuid.NewString()
	}
	return m, e.mutate(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpsertMappingTx(ctx, tx, m); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "rules.upserted", "", "role_mapping", m.ID, actorID, nil)
	})
}

func (e Engine) DeleteMapping(ctx context.Context, mappingID, actorID string) error {
	if _, err := e.Repo.GetMapping(ctx, mappingID); err != nil {
		return err
	}
	return e.mutate(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteMapping(ctx, tx, mappingID); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "rules.deleted", "", "role_mapping", mappingID, actorID, nil)
	})
}

// AddKeyword appends a keyword to the named group, creating the group when
// absent. Duplicate keywords within the group are ignored.
func (e Engine) AddKeyword(ctx context.Context, mappingID, group, keyword, actorID string) (domain.RoleMapping, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return domain.RoleMapping{}, errors.New("keyword is required")
	}
	m, err := e.Repo.GetMapping(ctx, mappingID)
	if err != nil {
		return domain.RoleMapping{}, err
	}
	idx := -1
	for i, g := range m.Groups {
		if g.Name == group {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.Groups = append(m.Groups, domain.KeywordGroup{Name: group})
		idx = len(m.Groups) - 1
	}
	for _, k := range m.Groups[idx].Keywords {
		if strings.EqualFold(k, keyword) {
			return m, nil
		}
	}
	m.Groups[idx].Keywords = append(m.Groups[idx].Keywords, keyword)
	return e.UpsertMapping(ctx, m, actorID)
}

// RemoveKeyword drops a keyword from the named group; empty groups are kept.
func (e Engine) RemoveKeyword(ctx context.Context, mappingID, group, keyword, actorID string) (domain.RoleMapping, error) {
	m, err := e.Repo.GetMapping(ctx, mappingID)
	if err != nil {
		return domain.RoleMapping{}, err
	}
	for i, g := range m.Groups {
		if g.Name != group {
			continue
		}
		kept := g.Keywords[:0]
		for _, k := range g.Keywords {
			if !strings.EqualFold(k, keyword) {
				kept = append(kept, k)
			}
		}
		m.Groups[i].Keywords = kept
	}
	return e.UpsertMapping(ctx, m, actorID)
}

// RunAnalysis feeds the input through the analyst model and optionally
// persists the result under the given title.
func (e Engine) RunAnalysis(ctx context.Context, input string, image *ai.Image, title, actorID string, save bool) (string, *domain.SavedAnalysis, error) {
	if strings.TrimSpace(input) == "" && image == nil {
		return "", nil, errors.New("input is required")
	}
	content, err := e.Analyst.Analyze(ctx, input, image)
	if err != nil {
		return "", nil, err
	}
	if !save {
		return content, nil, nil
	}
	if strings.TrimSpace(title) == "" {
		title = "Analýza " + e.now().Format("2.1.2006 15:04")
	}
	a := domain.SavedAnalysis{Title: title, Content: content}
	if image != nil {
		a.ImagePreview = image.Data
		a.MimeType = image.MimeType
	}
	saved, err := e.SaveAnalysis(ctx, a, actorID)
	if err != nil {
		return "", nil, err
	}
	return content, &saved, nil
}

func (e Engine) SaveAnalysis(ctx context.Context, a domain.SavedAnalysis, actorID string) (domain.SavedAnalysis, error) {
	if strings.TrimSpace(a.Title) == "" {
		return domain.SavedAnalysis{}, errors.New("title is required")
	}
	if a.ID == "" {
		a.ID = "sa-" + uuid.NewString()
	}
	if a.CreatedAt == "" {
		a.CreatedAt = e.now().UTC().Format(time.RFC3339)
	}
	return a, e.mutate(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAnalysis(ctx, tx, a); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "analysis.saved", "", "analysis", a.ID, actorID, nil)
	})
}

func (e Engine) DeleteAnalysis(ctx context.Context, analysisID, actorID string) error {
	if _, err := e.Repo.GetAnalysis(ctx, analysisID); err != nil {
		return err
	}
	return e.mutate(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteAnalysis(ctx, tx, analysisID); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "analysis.deleted", "", "analysis", analysisID, actorID, nil)
	})
}

// mutate runs fn inside one transaction.
func (e Engine) mutate(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
