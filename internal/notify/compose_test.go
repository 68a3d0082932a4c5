package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowrequest/internal/domain"
)

func TestComposeAssignment(t *testing.T) {
	directory := []domain.User{
		{ID: "u1", Name: "Mojmír Trtík", Email: "zdivo@testfirma.cz", Role: "Obchodník Zdivo"},
		{ID: "u2", Name: "Jan Novák", Email: "fasady@testfirma.cz", Role: "Obchodník Fasády & ETICS"},
		{ID: "u3", Name: "Petr Dvořák", Email: "pm@testfirma.cz", Role: "PM Sádrokartony"},
	}
	flow := domain.Flow{
		ID:          "f-1",
		Title:       "Zakázka Brno",
		Description: "Novostavba bytového domu, 12 pater.",
		SubRequests: []domain.SubRequest{
			{ID: "t-1", AssigneeID: "u1", TaskType: "Nabídka", Description: "Nacenit zdivo", DueDate: "2026-09-08T00:00:00Z"},
			{ID: "t-2", AssigneeID: "u2", TaskType: "Nabídka"},
			{ID: "t-3", AssigneeID: "u3", TaskType: "Nákup"},
		},
	}

	subject, body, err := ComposeAssignment(flow.SubRequests[0], flow, directory)
	require.NoError(t, err)

	assert.Equal(t, "[FR-f-1] Zakázka Brno – Nabídka", subject)
	assert.Contains(t, body, "Dobrý den, Mojmír Trtík")
	assert.Contains(t, body, "Zakázka Brno")
	assert.Contains(t, body, "Nacenit zdivo")
	assert.Contains(t, body, "8.9.2026")
	assert.Contains(t, body, "Novostavba bytového domu")
	assert.Contains(t, body, "Obchodník Fasády & ETICS")
	assert.Contains(t, body, "PM Sádrokartony")
	assert.NotContains(t, body, "Obchodník Zdivo")
}

func TestComposeAssignmentDeduplicatesRoles(t *testing.T) {
	directory := []domain.User{
		{ID: "u1", Name: "A", Role: "Obchodník Zdivo"},
		{ID: "u2", Name: "B", Role: "Obchodník Fasády"},
		{ID: "u3", Name: "C", Role: "Obchodník Fasády"},
	}
	flow := domain.Flow{
		ID:    "f-2",
		Title: "Hromadný úkol",
		SubRequests: []domain.SubRequest{
			{ID: "t-1", AssigneeID: "u1"},
			{ID: "t-2", AssigneeID: "u2"},
			{ID: "t-3", AssigneeID: "u3"},
		},
	}
	_, body, err := ComposeAssignment(flow.SubRequests[0], flow, directory)
	require.NoError(t, err)
	assert.Equal(t, 1, countOccurrences(body, "Obchodník Fasády"))
}

func TestComposeAssignmentNoCollaborators(t *testing.T) {
	directory := []domain.User{{ID: "u1", Name: "A", Role: "Ředitel pobočky"}}
	flow := domain.Flow{
		ID:          "f-3",
		Title:       "Solo",
		SubRequests: []domain.SubRequest{{ID: "t-1", AssigneeID: "u1"}},
	}
	_, body, err := ComposeAssignment(flow.SubRequests[0], flow, directory)
	require.NoError(t, err)
	assert.Contains(t, body, "Žádné další role")
}

func TestComposeAssignmentUnknownRecipient(t *testing.T) {
	flow := domain.Flow{ID: "f-4", SubRequests: []domain.SubRequest{{ID: "t-1", AssigneeID: "ghost"}}}
	_, _, err := ComposeAssignment(flow.SubRequests[0], flow, nil)
	require.Error(t, err)
}

func countOccurrences(s, sub string) int {
	count := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			count++
		}
	}
	return count
}
