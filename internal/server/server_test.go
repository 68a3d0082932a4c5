package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowrequest/internal/config"
	"flowrequest/internal/db"
	"flowrequest/internal/domain"
	"flowrequest/internal/engine"
	"flowrequest/internal/migrate"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	eng := engine.New(conn, config.Default("testfirma"))
	eng.Now = func() time.Time { return time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC) }
	eng.Events.Now = eng.Now

	ctx := context.Background()
	for _, u := range []domain.User{
		{ID: "u8", Name: "Admin Systému", Email: "admin@testfirma.cz", Role: "Administrátor", RoleKey: "ADMIN", IsAdmin: true},
		{ID: "u1", Name: "Mojmír Trtík", Email: "zdivo@testfirma.cz", Role: "Obchodník Zdivo", RoleKey: "OBCHODNIK_ZDIVO"},
		{ID: "u10", Name: "Jan Novák", Email: "fasady@testfirma.cz", Role: "Obchodník Fasády", RoleKey: "OBCHODNIK_FASADY"},
		{ID: "u5", Name: "Eva Malá", Email: "reditel@testfirma.cz", Role: "Ředitel pobočky", RoleKey: "REDITEL_POBOCKY"},
	} {
		require.NoError(t, eng.Repo.UpsertUser(ctx, u))
	}

	handler, err := New(Config{
		Engine: eng,
		Auth:   AuthConfig{AllowLocalUserHeader: true},
	})
	require.NoError(t, err)
	return handler
}

func doJSON(t *testing.T, h http.Handler, method, path, userID string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func doJSONList(t *testing.T, h http.Handler, path, userID string) (int, []map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-User-Id", userID)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out []map[string]any
	if rec.Body.Len() > 0 && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func createBroadcastFlow(t *testing.T, h http.Handler) map[string]any {
	t.Helper()
	status, body := doJSON(t, h, http.MethodPost, "/v0/flows", "u5", map[string]any{
		"title":       "Štiky týdne",
		"description": "Hlášení obchodních případů.",
		"proposals": []map[string]any{
			{"title": "Nahlásit štiky", "description": "Pošlete tři případy.", "task_type": "CRM", "role_key": "OBCHODNIK", "broadcast": true},
		},
	})
	require.Equal(t, http.StatusCreated, status, "create flow: %v", body)
	return body
}

func TestHealthNeedsNoAuth(t *testing.T) {
	h := newTestServer(t)
	status, body := doJSON(t, h, http.MethodGet, "/v0/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	h := newTestServer(t)
	status, body := doJSON(t, h, http.MethodGet, "/v0/flows", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "error envelope expected: %v", body)
	assert.Equal(t, "unauthorized", errObj["code"])
}

func TestMe(t *testing.T) {
	h := newTestServer(t)
	status, body := doJSON(t, h, http.MethodGet, "/v0/me", "u1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Mojmír Trtík", body["name"])
	assert.Equal(t, "OBCHODNIK_ZDIVO", body["role_key"])
}

func TestCreateFlowFansOut(t *testing.T) {
	h := newTestServer(t)
	flow := createBroadcastFlow(t, h)

	assert.Equal(t, "ACTIVE", flow["status"])
	subs, ok := flow["sub_requests"].([]any)
	require.True(t, ok)
	require.Len(t, subs, 2)
	for _, raw := range subs {
		sub := raw.(map[string]any)
		assert.Equal(t, "SENT", sub["status"])
		assert.Equal(t, true, sub["is_broadcast"])
	}

	status, list := doJSONList(t, h, "/v0/flows?view=mine&bucket=active", "u5")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, list, 1)
}

func TestReplyAndToggleLifecycle(t *testing.T) {
	h := newTestServer(t)
	flow := createBroadcastFlow(t, h)
	flowID := flow["id"].(string)
	subs := flow["sub_requests"].([]any)
	subID := subs[0].(map[string]any)["id"].(string)

	status, body := doJSON(t, h, http.MethodPost, "/v0/flows/"+flowID+"/sub_requests/"+subID+"/reply", "u1", map[string]any{
		"text": "Potvrzuji, zvládnu to.",
	})
	require.Equal(t, http.StatusOK, status, "reply: %v", body)
	got := body["sub_requests"].([]any)[0].(map[string]any)
	assert.Equal(t, "NEEDS_REVIEW", got["status"])
	assert.Equal(t, "CONFIRMED", got["reply_verdict"])

	// Replying twice conflicts: the task is no longer awaiting an answer.
	status, body = doJSON(t, h, http.MethodPost, "/v0/flows/"+flowID+"/sub_requests/"+subID+"/reply", "u1", map[string]any{
		"text": "Ještě jednou.",
	})
	assert.Equal(t, http.StatusConflict, status, "double reply: %v", body)

	// Approval belongs to the creator; the assignee gets a 403.
	status, body = doJSON(t, h, http.MethodPost, "/v0/flows/"+flowID+"/sub_requests/"+subID+"/toggle", "u1", nil)
	assert.Equal(t, http.StatusForbidden, status, "assignee toggle: %v", body)

	status, body = doJSON(t, h, http.MethodPost, "/v0/flows/"+flowID+"/sub_requests/"+subID+"/toggle", "u5", nil)
	require.Equal(t, http.StatusOK, status)
	got = body["sub_requests"].([]any)[0].(map[string]any)
	assert.Equal(t, "DONE", got["status"])
}

func TestInboundResolvesSenderByEmail(t *testing.T) {
	h := newTestServer(t)
	flow := createBroadcastFlow(t, h)
	flowID := flow["id"].(string)

	status, body := doJSON(t, h, http.MethodPost, "/v0/inbound", "u8", map[string]any{
		"flow_id":      flowID,
		"sender_email": "Fasady@Testfirma.CZ",
		"text":         "Potvrzuji účast.",
	})
	require.Equal(t, http.StatusOK, status, "inbound: %v", body)
	got := body["sub_requests"].([]any)[1].(map[string]any)
	assert.Equal(t, "NEEDS_REVIEW", got["status"])
}

func TestTeamManagementRequiresAdmin(t *testing.T) {
	h := newTestServer(t)

	newUser := map[string]any{
		"name": "Petra Krátká", "email": "sdk@testfirma.cz",
		"role": "Obchodník Sádrokartony", "role_key": "OBCHODNIK_SDK",
	}
	status, body := doJSON(t, h, http.MethodPost, "/v0/team", "u1", newUser)
	assert.Equal(t, http.StatusForbidden, status, "non-admin: %v", body)

	status, body = doJSON(t, h, http.MethodPost, "/v0/team", "u8", newUser)
	require.Equal(t, http.StatusCreated, status, "admin: %v", body)
	assert.NotEmpty(t, body["id"])

	status, list := doJSONList(t, h, "/v0/team", "u1")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, list, 5)
}

func TestRulesKeywordMaintenance(t *testing.T) {
	h := newTestServer(t)

	status, body := doJSON(t, h, http.MethodPost, "/v0/rules", "u8", map[string]any{
		"role": "Obchodník Zdivo",
		"groups": []map[string]any{
			{"name": "Materiály", "keywords": []string{"cihly"}},
		},
	})
	require.Equal(t, http.StatusCreated, status, "upsert rule: %v", body)
	mappingID := body["id"].(string)

	status, body = doJSON(t, h, http.MethodPost, "/v0/rules/"+mappingID+"/keywords", "u8", map[string]any{
		"group": "Materiály", "keyword": "překlady",
	})
	require.Equal(t, http.StatusOK, status)
	groups := body["groups"].([]any)
	keywords := groups[0].(map[string]any)["keywords"].([]any)
	assert.Len(t, keywords, 2)
}

func TestEventsTail(t *testing.T) {
	h := newTestServer(t)
	createBroadcastFlow(t, h)

	status, body := doJSON(t, h, http.MethodGet, "/v0/events?limit=50", "u5", nil)
	require.Equal(t, http.StatusOK, status)
	items := body["items"].([]any)
	assert.NotEmpty(t, items)
}
