package roster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowrequest/internal/domain"
)

var directory = []domain.User{
	{ID: "u1", Name: "Mojmír Trtík", RoleKey: "OBCHODNIK_ZDIVO"},
	{ID: "u2", Name: "Jan Novák", RoleKey: "OBCHODNIK_FASADY"},
	{ID: "u3", Name: "Petr Dvořák", RoleKey: "PM_SADROKARTON"},
}

func TestParseRoleKey(t *testing.T) {
	assert.True(t, ParseRoleKey("OBCHODNIK").Family)
	assert.False(t, ParseRoleKey("OBCHODNIK_ZDIVO").Family)
	assert.False(t, ParseRoleKey("PM_SADROKARTON").Family)
}

func TestFamilyPrefixMatching(t *testing.T) {
	target := ParseRoleKey("OBCHODNIK")
	assert.True(t, target.Matches("OBCHODNIK_ZDIVO"))
	assert.True(t, target.Matches("OBCHODNIK_FASADY"))
	assert.False(t, target.Matches("PM_SADROKARTON"))

	specific := ParseRoleKey("OBCHODNIK_ZDIVO")
	assert.True(t, specific.Matches("OBCHODNIK_ZDIVO"))
	assert.False(t, specific.Matches("OBCHODNIK_ZDIVO_EXTRA"))
}

func TestBroadcastFanOut(t *testing.T) {
	subs, err := Expand([]Proposal{
		{Title: "Nacenit zdivo", RoleKey: "OBCHODNIK", Broadcast: true, DueDate: "2026-09-08T00:00:00Z"},
	}, directory)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "u1", subs[0].AssigneeID)
	assert.Equal(t, "u2", subs[1].AssigneeID)
	for _, s := range subs {
		assert.True(t, s.IsBroadcast)
		assert.Equal(t, domain.SubPending, s.Status)
		assert.NotEqual(t, "u3", s.AssigneeID)
	}
	assert.NotEqual(t, subs[0].ID, subs[1].ID)
}

func TestExpandPreservesProposalOrder(t *testing.T) {
	subs, err := Expand([]Proposal{
		{Title: "first", RoleKey: "PM_SADROKARTON"},
		{Title: "second", RoleKey: "OBCHODNIK", Broadcast: true},
		{Title: "third", AssigneeID: "u1"},
	}, directory)
	require.NoError(t, err)
	require.Len(t, subs, 4)
	assert.Equal(t, "first", subs[0].Title)
	assert.Equal(t, "second", subs[1].Title)
	assert.Equal(t, "second", subs[2].Title)
	assert.Equal(t, "third", subs[3].Title)
}

func TestZeroMatchBroadcastExpandsToNothing(t *testing.T) {
	subs, err := Expand([]Proposal{
		{Title: "nobody home", RoleKey: "REDITEL", Broadcast: true},
	}, directory)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestUnresolvedIndividualIsAnError(t *testing.T) {
	_, err := Expand([]Proposal{
		{Title: "orphan", RoleKey: "NEEXISTUJE_ROLE"},
	}, directory)
	require.Error(t, err)

	_, err = Expand([]Proposal{
		{Title: "ghost", AssigneeID: "u99"},
	}, directory)
	require.Error(t, err)
}

func TestUntitledProposalIsAnError(t *testing.T) {
	_, err := Expand([]Proposal{{Title: "  ", RoleKey: "OBCHODNIK_ZDIVO"}}, directory)
	require.Error(t, err)
}
