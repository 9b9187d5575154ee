package app

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

	"aipwatch/api/internal/auth"
	"aipwatch/api/internal/authpw"
	"aipwatch/api/internal/store"
)

func tokenFor(t *testing.T, svc *Service, actor Session) string {
	t.Helper()
	// Expiry is anchored to the test clock, not the wall clock, so the
	// suite stays green regardless of the date it runs on.
	token, err := auth.IssueToken([]byte(svc.cfg.Auth.JWTSecret), auth.Claims{
		Sub:       actor.UserID,
		Name:      actor.UserName,
		Role:      actor.Role,
		ScopeKind: actor.ScopeKind,
		ScopeID:   actor.ScopeID,
		JTI:       "jti-test",
		Exp:       testEpoch.Add(24 * time.Hour).Unix(),
	})
	require.NoError(t, err)
	return token
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeJSON(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), target))
}

func TestHealthAndReady(t *testing.T) {
	svc := newTestService(newFakeStore(), nil)
	handler := NewHTTPServer(svc, "*").Handler()

	recorder := doJSON(t, handler, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)

	recorder = doJSON(t, handler, http.MethodGet, "/api/ready", "", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.NotEmpty(t, recorder.Header().Get("X-Request-ID"))
}

func TestSignInRefreshLogoutFlow(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	svc.sessions = newFakeSessions()
	handler := NewHTTPServer(svc, "*").Handler()

	_, err := svc.AuthPasswordService().SignUp(context.Background(), authpw.SignUpRequest{
		Email:       "official@example.test",
		Password:    "correct-horse",
		DisplayName: "Bgy Official",
		Role:        "barangay_official",
		ScopeKind:   "barangay",
		ScopeID:     "bgy-1",
	})
	require.NoError(t, err)

	recorder := doJSON(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]string{
		"email": "official@example.test", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = doJSON(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]string{
		"email": "official@example.test", "password": "correct-horse",
	})
	require.Equal(t, http.StatusOK, recorder.Code)
	var signin struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
		Role         string `json:"role"`
		ScopeID      string `json:"scopeId"`
	}
	decodeJSON(t, recorder, &signin)
	require.NotEmpty(t, signin.Token)
	require.NotEmpty(t, signin.RefreshToken)
	assert.Equal(t, "barangay_official", signin.Role)
	assert.Equal(t, "bgy-1", signin.ScopeID)

	recorder = doJSON(t, handler, http.MethodGet, "/api/session", signin.Token, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	var session struct {
		Authenticated bool   `json:"authenticated"`
		UserName      string `json:"userName"`
	}
	decodeJSON(t, recorder, &session)
	assert.True(t, session.Authenticated)
	assert.Equal(t, "Bgy Official", session.UserName)

	// Refresh rotates: the new token works, the old one is revoked.
	recorder = doJSON(t, handler, http.MethodPost, "/api/session/refresh", "", map[string]string{"refreshToken": signin.RefreshToken})
	require.Equal(t, http.StatusOK, recorder.Code)
	var refreshed struct {
		RefreshToken string `json:"refreshToken"`
	}
	decodeJSON(t, recorder, &refreshed)
	require.NotEmpty(t, refreshed.RefreshToken)

	recorder = doJSON(t, handler, http.MethodPost, "/api/session/refresh", "", map[string]string{"refreshToken": signin.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = doJSON(t, handler, http.MethodPost, "/api/session/logout", "", map[string]string{"refreshToken": refreshed.RefreshToken})
	assert.Equal(t, http.StatusOK, recorder.Code)
	recorder = doJSON(t, handler, http.MethodPost, "/api/session/refresh", "", map[string]string{"refreshToken": refreshed.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestWorkflowEndpointsReturnResultPayloads(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	handler := NewHTTPServer(svc, "*").Handler()
	seedUser(fs, actorOwner)
	seedBarangayAip(fs, "aip-1", store.StatusDraft)
	seedCurrentUpload(fs, "aip-1", actorOwner.UserID)

	recorder := doJSON(t, handler, http.MethodPost, "/api/aips/aip-1/workflow/submit", "", map[string]string{})
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	// Business failures come back as HTTP 200 with ok=false.
	recorder = doJSON(t, handler, http.MethodPost, "/api/aips/aip-1/workflow/submit", tokenFor(t, svc, actorCtz), map[string]string{})
	require.Equal(t, http.StatusOK, recorder.Code)
	var result Result
	decodeJSON(t, recorder, &result)
	assert.False(t, result.OK)
	assert.Equal(t, "Unauthorized.", result.Message)

	recorder = doJSON(t, handler, http.MethodPost, "/api/aips/aip-1/workflow/submit", tokenFor(t, svc, actorOwner), map[string]string{})
	require.Equal(t, http.StatusOK, recorder.Code)
	decodeJSON(t, recorder, &result)
	assert.True(t, result.OK)
	assert.Equal(t, "AIP submitted for review.", result.Message)

	recorder = doJSON(t, handler, http.MethodPost, "/api/aips/aip-1/workflow/cancel", tokenFor(t, svc, actorOwner), nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	decodeJSON(t, recorder, &result)
	assert.True(t, result.OK)

	recorder = doJSON(t, handler, http.MethodPost, "/api/aips/aip-1/workflow/unknown", tokenFor(t, svc, actorOwner), nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestWorkflowSubmitCarriesUnresolvedAiCount(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	handler := NewHTTPServer(svc, "*").Handler()
	seedBarangayAip(fs, "aip-1", store.StatusDraft)
	seedCurrentUpload(fs, "aip-1", actorOwner.UserID)
	_ = fs.CreateLineItem(context.Background(), store.AipLineItem{
		ID: "li-1", AipID: "aip-1", ProjectRefCode: "prj-1",
		ReviewStatus: store.LineReviewAIFlagged, CreatedAt: testEpoch,
	})

	recorder := doJSON(t, handler, http.MethodPost, "/api/aips/aip-1/workflow/submit", tokenFor(t, svc, actorOwner), map[string]string{})
	require.Equal(t, http.StatusOK, recorder.Code)
	var payload map[string]any
	decodeJSON(t, recorder, &payload)
	assert.Equal(t, false, payload["ok"])
	assert.Equal(t, float64(1), payload["unresolvedAiCount"])
}

func TestGetAipVisibilityOverHTTP(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	handler := NewHTTPServer(svc, "*").Handler()
	seedBarangayAip(fs, "aip-pub", store.StatusPublished)
	seedBarangayAip(fs, "aip-draft", store.StatusDraft)

	recorder := doJSON(t, handler, http.MethodGet, "/api/aips/aip-pub", "", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)

	recorder = doJSON(t, handler, http.MethodGet, "/api/aips/aip-draft", "", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	recorder = doJSON(t, handler, http.MethodGet, "/api/aips/aip-draft", tokenFor(t, svc, actorOwner), nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestCyclesEndpoint(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	handler := NewHTTPServer(svc, "*").Handler()
	seedUser(fs, actorOwner)
	seedBarangayAip(fs, "aip-1", store.StatusForRevision)
	seedRevisionRequest(fs, "aip-1", "rev-1", testEpoch.Add(time.Minute))
	seedReplyRow(fs, "aip-1", "fb-1", actorOwner.UserID, testEpoch.Add(2*time.Minute))

	recorder := doJSON(t, handler, http.MethodGet, "/api/aips/aip-1/cycles", tokenFor(t, svc, actorOwner), nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	var payload struct {
		Cycles []struct {
			CycleID string `json:"cycleId"`
			Replies []struct {
				ID string `json:"id"`
			} `json:"replies"`
		} `json:"cycles"`
	}
	decodeJSON(t, recorder, &payload)
	require.Len(t, payload.Cycles, 1)
	assert.Equal(t, "rev-1", payload.Cycles[0].CycleID)
	require.Len(t, payload.Cycles[0].Replies, 1)
	assert.Equal(t, "fb-1", payload.Cycles[0].Replies[0].ID)
}

func TestFeedbackThreadEndpoints(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	handler := NewHTTPServer(svc, "*").Handler()
	seedBarangayAip(fs, "aip-1", store.StatusPublished)

	recorder := doJSON(t, handler, http.MethodPost, "/api/feedback/threads", tokenFor(t, svc, actorCtz), map[string]string{
		"targetType": "aip", "aipId": "aip-1", "kind": "concern", "body": "Phase 2 budget looks double-counted.",
	})
	require.Equal(t, http.StatusCreated, recorder.Code)
	var root store.FeedbackRow
	decodeJSON(t, recorder, &root)
	require.NotEmpty(t, root.ID)

	recorder = doJSON(t, handler, http.MethodPost, "/api/feedback/threads/"+root.ID+"/replies", tokenFor(t, svc, actorOwner), map[string]string{
		"body": "Thanks, we are correcting it.",
	})
	require.Equal(t, http.StatusCreated, recorder.Code)

	recorder = doJSON(t, handler, http.MethodGet, "/api/feedback/threads?targetType=aip&aipId=aip-1", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	var listed struct {
		Threads []struct {
			Root    store.FeedbackRow   `json:"root"`
			Replies []store.FeedbackRow `json:"replies"`
		} `json:"threads"`
	}
	decodeJSON(t, recorder, &listed)
	require.Len(t, listed.Threads, 1)
	assert.Len(t, listed.Threads[0].Replies, 1)

	recorder = doJSON(t, handler, http.MethodGet, "/api/feedback/threads/"+root.ID+"/messages", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	var messages struct {
		Messages []store.FeedbackRow `json:"messages"`
	}
	decodeJSON(t, recorder, &messages)
	assert.Len(t, messages.Messages, 2)

	// Validation failures surface as 422 domain errors.
	recorder = doJSON(t, handler, http.MethodPost, "/api/feedback/threads", tokenFor(t, svc, actorCtz), map[string]string{
		"targetType": "aip", "aipId": "aip-1", "kind": "lgu_note", "body": "nope",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, recorder.Code)
}

func TestInboxEndpoint(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	handler := NewHTTPServer(svc, "*").Handler()
	seedBarangayAip(fs, "aip-1", store.StatusPublished)
	seedThreadRow(fs, "fb-1", "aip-1", nil, true, testEpoch.Add(time.Minute))

	recorder := doJSON(t, handler, http.MethodGet, "/api/inbox/threads", "", nil)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = doJSON(t, handler, http.MethodGet, "/api/inbox/threads", tokenFor(t, svc, actorCtz), nil)
	assert.Equal(t, http.StatusForbidden, recorder.Code)

	recorder = doJSON(t, handler, http.MethodGet, "/api/inbox/threads", tokenFor(t, svc, actorOwner), nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	var listed struct {
		Threads []struct {
			Root store.FeedbackRow `json:"root"`
		} `json:"threads"`
	}
	decodeJSON(t, recorder, &listed)
	require.Len(t, listed.Threads, 1)
}

func TestUnknownRouteReturns404(t *testing.T) {
	svc := newTestService(newFakeStore(), nil)
	handler := NewHTTPServer(svc, "*").Handler()

	recorder := doJSON(t, handler, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	var payload map[string]any
	decodeJSON(t, recorder, &payload)
	assert.Equal(t, "NOT_FOUND", payload["code"])
}

// Tokens minted and validated by the service share its clock, so sessions
// opened under an injected test clock stay valid no matter when the suite
// runs.
func TestSessionFromTokenUsesServiceClock(t *testing.T) {
	svc := newTestService(newFakeStore(), nil)

	token, err := auth.IssueToken([]byte(svc.cfg.Auth.JWTSecret), auth.Claims{
		Sub: "usr-1", Name: "Official", Role: "citizen", JTI: "jti-1",
		Exp: testEpoch.Add(2 * time.Hour).Unix(),
	})
	require.NoError(t, err)
	session, err := svc.SessionFromToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "usr-1", session.UserID)

	stale, err := auth.IssueToken([]byte(svc.cfg.Auth.JWTSecret), auth.Claims{
		Sub: "usr-1", Name: "Official", Role: "citizen", JTI: "jti-2",
		Exp: testEpoch.Unix(),
	})
	require.NoError(t, err)
	_, err = svc.SessionFromToken(context.Background(), stale)
	assert.ErrorIs(t, err, auth.ErrExpiredToken)
}
