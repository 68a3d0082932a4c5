package notify

import (
	"fmt"
	"strings"
	"time"

	"flowrequest/internal/domain"
)

// ComposeAssignment builds the subject and body for one task assignment.
// The body gives the assignee full situational awareness: their task, the
// deadline, the original request context, and which other roles collaborate
// on the same flow (deduplicated, current task excluded).
func ComposeAssignment(task domain.SubRequest, flow domain.Flow, directory []domain.User) (subject, body string, err error) {
	recipient, ok := findUser(directory, task.AssigneeID)
	if !ok {
		return "", "", fmt.Errorf("no recipient for user id %q", task.AssigneeID)
	}

	var otherRoles []string
	seen := map[string]bool{}
	for _, s := range flow.SubRequests {
		if s.ID == task.ID {
			continue
		}
		u, ok := findUser(directory, s.AssigneeID)
		if !ok || seen[u.Role] {
			continue
		}
		seen[u.Role] = true
		otherRoles = append(otherRoles, u.Role)
	}
	collaboration := "Žádné další role"
	if len(otherRoles) > 0 {
		collaboration = strings.Join(otherRoles, ", ")
	}

	subject = fmt.Sprintf("[FR-%s] %s – %s", flow.ID, flow.Title, task.TaskType)
	body = strings.TrimSpace(fmt.Sprintf(`Dobrý den, %s,

V systému FlowRequest Vám byl přidělen úkol v rámci zakázky: %s

VAŠE ZADÁNÍ:
----------------------------------------------------------------------
%s

Termín odpovědi: %s
----------------------------------------------------------------------

SOUVISLOSTI PROJEKTU:
%s

TÝMOVÁ SPOLUPRÁCE:
Na tomto projektu se dále podílí: %s

Pro potvrzení stačí odpovědět na tento e-mail.

S pozdravem,
FlowRequest Engine`,
		recipient.Name, flow.Title, task.Description, formatDueDate(task.DueDate), flow.Description, collaboration))
	return subject, body, nil
}

func findUser(directory []domain.User, id string) (domain.User, bool) {
	for _, u := range directory {
		if u.ID == id {
			return u, true
		}
	}
	return domain.User{}, false
}

func formatDueDate(iso string) string {
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return iso
	}
	return t.Format("2.1.2006")
}
