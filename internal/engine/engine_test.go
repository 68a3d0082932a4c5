package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowrequest/internal/ai"
	"flowrequest/internal/config"
	"flowrequest/internal/db"
	"flowrequest/internal/domain"
	"flowrequest/internal/migrate"
	"flowrequest/internal/roster"
)

var testClock = time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

type sentMessage struct {
	Recipient string
	Subject   string
	Body      string
}

// fakeNotifier records outgoing messages and fails for chosen recipients.
type fakeNotifier struct {
	sent    []sentMessage
	failFor map[string]bool
}

func (f *fakeNotifier) Send(_ context.Context, recipient, subject, body string) error {
	if f.failFor[recipient] {
		return errors.New("relay unreachable")
	}
	f.sent = append(f.sent, sentMessage{recipient, subject, body})
	return nil
}

type failingClassifier struct{}

func (failingClassifier) Classify(context.Context, string) (ai.ReplyAssessment, error) {
	return ai.ReplyAssessment{}, errors.New("model unavailable")
}

func newTestEnv(t *testing.T) (Engine, *fakeNotifier) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	eng := New(conn, config.Default("testfirma"))
	eng.Now = func() time.Time { return testClock }
	eng.Events.Now = eng.Now
	notifier := &fakeNotifier{failFor: map[string]bool{}}
	eng.Notifier = notifier

	ctx := context.Background()
	for _, u := range []domain.User{
		{ID: "u1", Name: "Mojmír Trtík", Email: "zdivo@testfirma.cz", Role: "Obchodník Zdivo", RoleKey: "OBCHODNIK_ZDIVO"},
		{ID: "u2", Name: "Jan Novák", Email: "fasady@testfirma.cz", Role: "Obchodník Fasády", RoleKey: "OBCHODNIK_FASADY"},
		{ID: "u3", Name: "Petr Dvořák", Email: "pm@testfirma.cz", Role: "PM Sádrokartony", RoleKey: "PM_SADROKARTON"},
		{ID: "u5", Name: "Eva Malá", Email: "reditel@testfirma.cz", Role: "Ředitel pobočky", RoleKey: "REDITEL_POBOCKY"},
	} {
		require.NoError(t, eng.Repo.UpsertUser(ctx, u))
	}
	return eng, notifier
}

func broadcastFlow(t *testing.T, eng Engine) domain.Flow {
	t.Helper()
	flow, err := eng.CreateFlow(context.Background(), FlowCreateOptions{
		Title:       "Štiky týdne",
		Description: "Hlášení tří nejžhavějších obchodních případů.",
		CreatorID:   "u5",
		Proposals: []roster.Proposal{
			{Title: "Nahlásit štiky", Description: "Pošlete tři případy.", TaskType: "CRM", RoleKey: "OBCHODNIK", Broadcast: true},
		},
	})
	require.NoError(t, err)
	return flow
}

func TestCreateFlowBroadcastFansOutAndDispatches(t *testing.T) {
	eng, notifier := newTestEnv(t)

	flow := broadcastFlow(t, eng)

	require.Len(t, flow.SubRequests, 2)
	for _, s := range flow.SubRequests {
		assert.Equal(t, domain.SubSent, s.Status)
		require.NotNil(t, s.SentCopy)
		assert.True(t, s.IsBroadcast)
	}
	assert.Equal(t, domain.FlowActive, flow.Status)
	require.Len(t, notifier.sent, 2)
	assert.Equal(t, "zdivo@testfirma.cz", notifier.sent[0].Recipient)
	assert.Equal(t, "fasady@testfirma.cz", notifier.sent[1].Recipient)
	assert.Contains(t, notifier.sent[0].Body, "Dobrý den, Mojmír Trtík")

	persisted, err := eng.Repo.GetFlow(context.Background(), flow.ID)
	require.NoError(t, err)
	assert.Len(t, persisted.SubRequests, 2)
	assert.Equal(t, flow.SubRequests[0].ID, persisted.SubRequests[0].ID)
}

func TestCreateFlowDispatchFailureBlocksWithoutAborting(t *testing.T) {
	eng, notifier := newTestEnv(t)
	notifier.failFor["zdivo@testfirma.cz"] = true

	flow := broadcastFlow(t, eng)

	require.Len(t, flow.SubRequests, 2)
	assert.Equal(t, domain.SubBlocked, flow.SubRequests[0].Status)
	assert.Nil(t, flow.SubRequests[0].SentCopy)
	assert.Equal(t, domain.SubSent, flow.SubRequests[1].Status)
	assert.Equal(t, domain.FlowActive, flow.Status)
}

func TestCreateFlowRequiresTitleAndRecipients(t *testing.T) {
	eng, _ := newTestEnv(t)
	ctx := context.Background()

	_, err := eng.CreateFlow(ctx, FlowCreateOptions{CreatorID: "u5"})
	require.Error(t, err)

	// A broadcast with zero family members expands to nothing.
	_, err = eng.CreateFlow(ctx, FlowCreateOptions{
		Title:     "Prázdná rodina",
		CreatorID: "u5",
		Proposals: []roster.Proposal{{Title: "X", RoleKey: "SKLADNIK", Broadcast: true}},
	})
	require.ErrorContains(t, err, "no sub-requests")
}

func TestCreateFlowAppendsEvents(t *testing.T) {
	eng, _ := newTestEnv(t)
	flow := broadcastFlow(t, eng)

	evts, err := eng.Repo.LatestEvents(context.Background(), 10, flow.ID, "", "", "")
	require.NoError(t, err)
	types := map[string]int{}
	for _, e := range evts {
		types[e.Type]++
	}
	assert.Equal(t, 1, types["flow.created"])
	assert.Equal(t, 2, types["dispatch.sent"])
}

func TestRecordReplyClassifiesIntoNeedsReview(t *testing.T) {
	eng, _ := newTestEnv(t)
	ctx := context.Background()
	flow := broadcastFlow(t, eng)
	sub := flow.SubRequests[0]

	updated, err := eng.RecordReply(ctx, flow.ID, sub.ID, "Potvrzuji, zvládnu to do pátku.", "", "u1")
	require.NoError(t, err)

	got, ok := subByID(updated.SubRequests, sub.ID)
	require.True(t, ok)
	assert.Equal(t, domain.SubNeedsReview, got.Status)
	require.NotNil(t, got.ReplyVerdict)
	assert.Equal(t, domain.VerdictConfirmed, *got.ReplyVerdict)
	require.NotNil(t, got.ReplySummary)
	assert.Equal(t, domain.FlowActive, updated.Status)
}

func TestRecordReplyDirectVerdictTakenVerbatim(t *testing.T) {
	eng, _ := newTestEnv(t)
	ctx := context.Background()
	flow := broadcastFlow(t, eng)

	updated, err := eng.RecordReply(ctx, flow.ID, flow.SubRequests[1].ID, "Bohužel nestíhám.", domain.VerdictRejected, "u2")
	require.NoError(t, err)
	got, _ := subByID(updated.SubRequests, flow.SubRequests[1].ID)
	assert.Equal(t, domain.VerdictRejected, *got.ReplyVerdict)
	assert.Equal(t, "Bohužel nestíhám.", *got.ReplySummary)
}

func TestRecordReplyDirectVerdictConfirmOrRejectOnly(t *testing.T) {
	eng, _ := newTestEnv(t)
	ctx := context.Background()
	flow := broadcastFlow(t, eng)

	// UNCLEAR is a classifier outcome, not a fixed-choice answer.
	_, err := eng.RecordReply(ctx, flow.ID, flow.SubRequests[0].ID, "Nevím.", domain.VerdictUnclear, "u1")
	assert.ErrorContains(t, err, "invalid verdict")

	stored, err := eng.Repo.GetFlow(ctx, flow.ID)
	require.NoError(t, err)
	got, _ := subByID(stored.SubRequests, flow.SubRequests[0].ID)
	assert.Equal(t, domain.SubSent, got.Status)
}

func TestRecordReplyOnlyFromSent(t *testing.T) {
	eng, _ := newTestEnv(t)
	ctx := context.Background()
	flow := broadcastFlow(t, eng)
	sub := flow.SubRequests[0]

	_, err := eng.RecordReply(ctx, flow.ID, sub.ID, "Hotovo.", "", "u1")
	require.NoError(t, err)

	// A second reply to the same task is rejected: it is no longer SENT.
	_, err = eng.RecordReply(ctx, flow.ID, sub.ID, "Ještě jednou.", "", "u1")
	assert.ErrorIs(t, err, ErrReplyNotAllowed)
}

func TestRecordReplyClassifierFailureDegradesToUnclear(t *testing.T) {
	eng, _ := newTestEnv(t)
	eng.Classifier = failingClassifier{}
	ctx := context.Background()
	flow := broadcastFlow(t, eng)

	updated, err := eng.RecordReply(ctx, flow.ID, flow.SubRequests[0].ID, "???", "", "u1")
	require.NoError(t, err)
	got, _ := subByID(updated.SubRequests, flow.SubRequests[0].ID)
	assert.Equal(t, domain.SubNeedsReview, got.Status)
	assert.Equal(t, domain.VerdictUnclear, *got.ReplyVerdict)
}

func TestRecordInboundReplyResolvesSenderByEmail(t *testing.T) {
	eng, _ := newTestEnv(t)
	ctx := context.Background()
	flow := broadcastFlow(t, eng)

	updated, err := eng.RecordInboundReply(ctx, flow.ID, "Fasady@Testfirma.CZ", "Potvrzuji účast.")
	require.NoError(t, err)
	got, _ := subByID(updated.SubRequests, flow.SubRequests[1].ID)
	assert.Equal(t, domain.SubNeedsReview, got.Status)

	// Same sender again: no SENT task left for them.
	_, err = eng.RecordInboundReply(ctx, flow.ID, "fasady@testfirma.cz", "Ještě já.")
	assert.ErrorIs(t, err, ErrReplyNotAllowed)
}

func TestToggleApprovalCompletesAndReopens(t *testing.T) {
	eng, _ := newTestEnv(t)
	ctx := context.Background()
	flow := broadcastFlow(t, eng)

	var err error
	for _, s := range flow.SubRequests {
		flow, err = eng.ToggleApproval(ctx, flow.ID, s.ID, "u5")
		require.NoError(t, err)
	}
	assert.Equal(t, domain.FlowCompleted, flow.Status)
	for _, s := range flow.SubRequests {
		assert.Equal(t, domain.SubDone, s.Status)
		require.NotNil(t, s.CompletedAt)
	}

	// Reopening one child flips the flow back to ACTIVE.
	flow, err = eng.ToggleApproval(ctx, flow.ID, flow.SubRequests[0].ID, "u5")
	require.NoError(t, err)
	assert.Equal(t, domain.FlowActive, flow.Status)
	got, _ := subByID(flow.SubRequests, flow.SubRequests[0].ID)
	assert.Equal(t, domain.SubSent, got.Status)
	assert.Nil(t, got.CompletedAt)

	evts, err := eng.Repo.LatestEvents(ctx, 20, flow.ID, "flow.completed", "", "")
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestToggleApprovalCreatorOnly(t *testing.T) {
	eng, _ := newTestEnv(t)
	ctx := context.Background()
	flow := broadcastFlow(t, eng)
	sub := flow.SubRequests[0]

	// The assignee cannot close their own task; only the creator reviews.
	_, err := eng.ToggleApproval(ctx, flow.ID, sub.ID, "u1")
	assert.ErrorIs(t, err, ErrNotFlowCreator)

	stored, err := eng.Repo.GetFlow(ctx, flow.ID)
	require.NoError(t, err)
	got, _ := subByID(stored.SubRequests, sub.ID)
	assert.Equal(t, domain.SubSent, got.Status)

	_, err = eng.ToggleApproval(ctx, flow.ID, sub.ID, "u5")
	require.NoError(t, err)
}

func TestToggleApprovalRejectedForBlocked(t *testing.T) {
	eng, notifier := newTestEnv(t)
	notifier.failFor["zdivo@testfirma.cz"] = true
	flow := broadcastFlow(t, eng)

	_, err := eng.ToggleApproval(context.Background(), flow.ID, flow.SubRequests[0].ID, "u5")
	assert.ErrorIs(t, err, ErrToggleNotAllowed)
}

func TestDeriveStatus(t *testing.T) {
	assert.Equal(t, domain.FlowActive, DeriveStatus(nil))
	assert.Equal(t, domain.FlowActive, DeriveStatus([]domain.SubRequest{
		{Status: domain.SubDone}, {Status: domain.SubBlocked},
	}))
	assert.Equal(t, domain.FlowCompleted, DeriveStatus([]domain.SubRequest{
		{Status: domain.SubDone}, {Status: domain.SubDone},
	}))
}

func TestListFlowsBucketsMineView(t *testing.T) {
	eng, _ := newTestEnv(t)
	ctx := context.Background()

	broadcastFlow(t, eng)

	reviewed := broadcastFlow(t, eng)
	_, err := eng.RecordReply(ctx, reviewed.ID, reviewed.SubRequests[0].ID, "Hotovo.", "", "u1")
	require.NoError(t, err)

	archived := broadcastFlow(t, eng)
	for _, s := range archived.SubRequests {
		_, err = eng.ToggleApproval(ctx, archived.ID, s.ID, "u5")
		require.NoError(t, err)
	}

	toAction, err := eng.ListFlows(ctx, ListOptions{ViewerID: "u5", View: ViewMine, Bucket: BucketToAction})
	require.NoError(t, err)
	require.Len(t, toAction, 1)
	assert.Equal(t, reviewed.ID, toAction[0].ID)

	activeOnly, err := eng.ListFlows(ctx, ListOptions{ViewerID: "u5", View: ViewMine, Bucket: BucketActive})
	require.NoError(t, err)
	assert.Len(t, activeOnly, 2)

	archive, err := eng.ListFlows(ctx, ListOptions{ViewerID: "u5", View: ViewMine, Bucket: BucketArchive})
	require.NoError(t, err)
	require.Len(t, archive, 1)
	assert.Equal(t, archived.ID, archive[0].ID)
}

func TestListFlowsTeamView(t *testing.T) {
	eng, _ := newTestEnv(t)
	ctx := context.Background()
	flow := broadcastFlow(t, eng)

	// u1 still owes an answer.
	owed, err := eng.ListFlows(ctx, ListOptions{ViewerID: "u1", View: ViewTeam, Bucket: BucketToAction})
	require.NoError(t, err)
	require.Len(t, owed, 1)

	_, err = eng.RecordReply(ctx, flow.ID, flow.SubRequests[0].ID, "Potvrzuji.", "", "u1")
	require.NoError(t, err)

	owed, err = eng.ListFlows(ctx, ListOptions{ViewerID: "u1", View: ViewTeam, Bucket: BucketToAction})
	require.NoError(t, err)
	assert.Empty(t, owed)

	// The creator has no assignments, so the team view is empty for them.
	none, err := eng.ListFlows(ctx, ListOptions{ViewerID: "u5", View: ViewTeam, Bucket: BucketAll})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListFlowsSearchIsCaseInsensitive(t *testing.T) {
	eng, _ := newTestEnv(t)
	ctx := context.Background()
	broadcastFlow(t, eng)

	found, err := eng.ListFlows(ctx, ListOptions{ViewerID: "u5", View: ViewMine, Search: "štiky"})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	found, err = eng.ListFlows(ctx, ListOptions{ViewerID: "u5", View: ViewMine, Search: "neexistuje"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestStalenessIsViewerRelative(t *testing.T) {
	eng, _ := newTestEnv(t)
	flow := broadcastFlow(t, eng)

	fresh := testClock.Add(1 * time.Hour)
	old := testClock.Add(49 * time.Hour)

	assert.False(t, eng.IsStale(flow, "u5", fresh))
	assert.True(t, eng.IsStale(flow, "u5", old))
	assert.False(t, eng.IsStale(flow, "u1", old))

	// The window is inclusive: stale at exactly 48h, not a second before.
	assert.True(t, eng.IsStale(flow, "u5", testClock.Add(48*time.Hour)))
	assert.False(t, eng.IsStale(flow, "u5", testClock.Add(48*time.Hour-time.Second)))

	flow.Status = domain.FlowCompleted
	assert.False(t, eng.IsStale(flow, "u5", old))
}

func TestDueDatePresets(t *testing.T) {
	eng, _ := newTestEnv(t)
	assert.Equal(t, testClock.Add(7*24*time.Hour).Format(time.RFC3339), eng.DueDate(false))
	assert.Equal(t, testClock.Add(2*24*time.Hour).Format(time.RFC3339), eng.DueDate(true))
}

func TestRemoveUserBlockedByOpenAssignments(t *testing.T) {
	eng, _ := newTestEnv(t)
	ctx := context.Background()
	flow := broadcastFlow(t, eng)

	err := eng.RemoveUser(ctx, "u1", "u5")
	assert.ErrorIs(t, err, ErrUserHasOpenWork)

	// Close the assignment, then removal goes through.
	_, err = eng.ToggleApproval(ctx, flow.ID, flow.SubRequests[0].ID, "u5")
	require.NoError(t, err)
	require.NoError(t, eng.RemoveUser(ctx, "u1", "u5"))
}

func TestKeywordMaintenance(t *testing.T) {
	eng, _ := newTestEnv(t)
	ctx := context.Background()

	m, err := eng.UpsertMapping(ctx, domain.RoleMapping{
		Role:   "Obchodník Zdivo",
		Groups: []domain.KeywordGroup{{Name: "Materiály", Keywords: []string{"cihly"}}},
	}, "u5")
	require.NoError(t, err)
	assert.True(t, len(m.ID) > 2 && m.ID[:2] == "m-")

	m, err = eng.AddKeyword(ctx, m.ID, "Materiály", "překlady", "u5")
	require.NoError(t, err)
	assert.Equal(t, []string{"cihly", "překlady"}, m.Groups[0].Keywords)

	// Duplicates are ignored case-insensitively.
	m, err = eng.AddKeyword(ctx, m.ID, "Materiály", "CIHLY", "u5")
	require.NoError(t, err)
	assert.Len(t, m.Groups[0].Keywords, 2)

	m, err = eng.RemoveKeyword(ctx, m.ID, "Materiály", "cihly", "u5")
	require.NoError(t, err)
	assert.Equal(t, []string{"překlady"}, m.Groups[0].Keywords)
}

func TestAnalysisLifecycle(t *testing.T) {
	eng, _ := newTestEnv(t)
	ctx := context.Background()

	content, saved, err := eng.RunAnalysis(ctx, "výkaz výměr", nil, "Výkaz", "u5", true)
	require.NoError(t, err)
	assert.Contains(t, content, "výkaz výměr")
	require.NotNil(t, saved)
	assert.True(t, len(saved.ID) > 3 && saved.ID[:3] == "sa-")

	list, err := eng.Repo.ListAnalyses(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, eng.DeleteAnalysis(ctx, saved.ID, "u5"))
	list, err = eng.Repo.ListAnalyses(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
