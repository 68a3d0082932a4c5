// Package roster resolves role targets against the team directory and
// performs broadcast fan-out of role-scoped task proposals.
package roster

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"flowrequest/internal/domain"
)

// RoleTarget is a parsed role key. A key without a specialization separator
// ("OBCHODNIK") addresses the whole family by prefix; a compound key
// ("OBCHODNIK_ZDIVO") addresses exactly one role.
type RoleTarget struct {
	Key    string
	Family bool
}

func ParseRoleKey(key string) RoleTarget {
	key = strings.TrimSpace(key)
	return RoleTarget{Key: key, Family: !strings.Contains(key, "_")}
}

func (t RoleTarget) Matches(userKey string) bool {
	if t.Key == "" {
		return false
	}
	if t.Family {
		return strings.HasPrefix(userKey, t.Key)
	}
	return userKey == t.Key
}

// Proposal is one sub-task suggestion prior to expansion. Either AssigneeID
// names a concrete user, or RoleKey names the target role; Broadcast widens
// the role to every matching member.
type Proposal struct {
	Title       string
	Description string
	TaskType    string
	RoleKey     string
	AssigneeID  string
	Broadcast   bool
	DueDate     string
}

// Expand turns proposals into dispatch-ready sub-requests, every one with a
// concrete assignee. Expansion preserves proposal order and, within a
// broadcast, directory order. A broadcast matching nobody expands to zero
// sub-requests; an individual proposal that cannot be resolved is an error.
func Expand(proposals []Proposal, directory []domain.User) ([]domain.SubRequest, error) {
	var out []domain.SubRequest
	for i, p := range proposals {
		if strings.TrimSpace(p.Title) == "" {
			return nil, fmt.Errorf("proposal %d: title is required", i+1)
		}
		if p.Broadcast {
			target := ParseRoleKey(p.RoleKey)
			for _, u := range directory {
				if !target.Matches(u.RoleKey) {
					continue
				}
				out = append(out, newSubRequest(p, u, true))
			}
			continue
		}
		u, err := resolveIndividual(p, directory)
		if err != nil {
			return nil, fmt.Errorf("proposal %d (%s): %w", i+1, p.Title, err)
		}
		out = append(out, newSubRequest(p, u, false))
	}
	return out, nil
}

func resolveIndividual(p Proposal, directory []domain.User) (domain.User, error) {
	if p.AssigneeID != "" {
		for _, u := range directory {
			if u.ID == p.AssigneeID {
				return u, nil
			}
		}
		return domain.User{}, fmt.Errorf("assignee %s not in directory", p.AssigneeID)
	}
	key := strings.TrimSpace(p.RoleKey)
	if key == "" {
		return domain.User{}, fmt.Errorf("no assignee or role key")
	}
	// First exact match wins; duplicate role keys are a data-quality issue.
	for _, u := range directory {
		if u.RoleKey == key {
			return u, nil
		}
	}
	return domain.User{}, fmt.Errorf("no user with role key %s", key)
}

func newSubRequest(p Proposal, u domain.User, broadcast bool) domain.SubRequest {
	return domain.SubRequest{
		ID:              "t-" + uuid.NewString(),
		Title:           p.Title,
		Description:     p.Description,
		TaskType:        p.TaskType,
		AssigneeID:      u.ID,
		AssignedRoleKey: u.RoleKey,
		Status:          domain.SubPending,
		DueDate:         p.DueDate,
		IsBroadcast:     broadcast,
	}
}
