package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/overlayworks/pointsqueue/internal/audit"
	"github.com/overlayworks/pointsqueue/internal/auth"
	"github.com/overlayworks/pointsqueue/internal/hub"
	"github.com/overlayworks/pointsqueue/internal/ingest"
	"github.com/overlayworks/pointsqueue/internal/policy"
	"github.com/overlayworks/pointsqueue/internal/queue"
)

const (
	testBroadcaster = "broadcaster-1"

	opAlpha = "3a9d4e5f-1b2c-4d6e-8f90-a1b2c3d4e5f6"
	opBeta  = "4b8c5d6e-2c3d-4e7f-9a01-b2c3d4e5f6a7"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

type testStack struct {
	handler  http.Handler
	database *gorm.DB
	tokens   *auth.StreamTokens
	executor *queue.Executor
}

func mustStack(t *testing.T) *testStack {
	t.Helper()
	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(
		&queue.Broadcaster{}, &queue.StateIndex{}, &queue.CommandLogEntry{},
		&queue.QueueEntry{}, &queue.DailyCounter{}, &queue.BackfillCheckpoint{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	store, err := queue.NewStore(queue.StoreConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	executor, err := queue.NewExecutor(queue.ExecutorConfig{Database: database, IDProvider: queue.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	snapshots, err := queue.NewSnapshotBuilder(queue.SnapshotBuilderConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to create snapshot builder: %v", err)
	}
	distribution := hub.NewHub(hub.Config{})
	ingestService, err := ingest.NewService(ingest.ServiceConfig{
		Store:    store,
		Executor: executor,
		Policy:   policy.NewEngine(policy.EngineConfig{}),
		Hub:      distribution,
	})
	if err != nil {
		t.Fatalf("failed to create ingest service: %v", err)
	}
	tokens, err := auth.NewStreamTokens(auth.StreamTokenConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "pointsqueue",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create stream tokens: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:    tokens,
		Executor:  executor,
		Snapshots: snapshots,
		Store:     store,
		Ingest:    ingestService,
		Hub:       distribution,
		Tap:       audit.NewHub(),
		Heartbeat: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &testStack{handler: handler, database: database, tokens: tokens, executor: executor}
}

func (s *testStack) seed(t *testing.T) {
	t.Helper()
	request := ingestBody("seed-redemption", "2023-11-14T00:00:00Z")
	s.mustRequest(t, http.MethodPost, "/v1/broadcasters/"+testBroadcaster+"/events", request, "", http.StatusOK)
	if err := s.database.Model(&queue.Broadcaster{}).
		Where("id = ?", testBroadcaster).
		Update("settings_json", `{"policy":{"target_rewards":["reward-1"],"anti_spam_window_sec":0}}`).Error; err != nil {
		t.Fatalf("failed to set settings: %v", err)
	}
}

func (s *testStack) adminToken(t *testing.T, broadcasterID string) string {
	t.Helper()
	token, _, err := s.tokens.Issue(broadcasterID, auth.AudienceAdmin)
	if err != nil {
		t.Fatalf("failed to issue admin token: %v", err)
	}
	return token
}

func (s *testStack) mustRequest(t *testing.T, method, path string, body []byte, token string, wantStatus int) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	if recorder.Code != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, wantStatus, recorder.Code, recorder.Body.String())
	}
	return recorder
}

func ingestBody(redemptionID, redeemedAt string) []byte {
	return []byte(fmt.Sprintf(`{
		"subscription": {"type": "channel.channel_points_custom_reward_redemption.add"},
		"event": {
			"id": %q,
			"broadcaster_user_id": %q,
			"user_id": "user-1",
			"user_login": "viewer",
			"user_name": "Viewer",
			"status": "UNFULFILLED",
			"redeemed_at": %q,
			"reward": {"id": "reward-1", "title": "Join", "cost": 100}
		}
	}`, redemptionID, testBroadcaster, redeemedAt))
}

func (s *testStack) enqueuedEntryID(t *testing.T, redemptionID string) string {
	t.Helper()
	var entry queue.QueueEntry
	if err := s.database.Where("broadcaster_id = ? AND redemption_id = ?", testBroadcaster, redemptionID).Take(&entry).Error; err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	return entry.ID
}

func TestAdminRoutesRequireMatchingToken(t *testing.T) {
	stack := mustStack(t)
	stack.seed(t)

	path := "/v1/broadcasters/" + testBroadcaster + "/queue/entry-1/complete"
	stack.mustRequest(t, http.MethodPost, path, []byte(`{"op_id":"`+opAlpha+`"}`), "", http.StatusUnauthorized)

	otherToken := stack.adminToken(t, "someone-else")
	stack.mustRequest(t, http.MethodPost, path, []byte(`{"op_id":"`+opAlpha+`"}`), otherToken, http.StatusForbidden)

	overlayToken, _, err := stack.tokens.Issue(testBroadcaster, auth.AudienceOverlay)
	if err != nil {
		t.Fatalf("failed to issue overlay token: %v", err)
	}
	stack.mustRequest(t, http.MethodPost, path, []byte(`{"op_id":"`+opAlpha+`"}`), overlayToken, http.StatusUnauthorized)
}

func TestQueueCompleteIsIdempotentOverHTTP(t *testing.T) {
	stack := mustStack(t)
	stack.seed(t)
	stack.mustRequest(t, http.MethodPost, "/v1/broadcasters/"+testBroadcaster+"/events", ingestBody("redemption-1", "2023-11-14T01:00:00Z"), "", http.StatusOK)
	entryID := stack.enqueuedEntryID(t, "redemption-1")
	token := stack.adminToken(t, testBroadcaster)
	path := "/v1/broadcasters/" + testBroadcaster + "/queue/" + entryID + "/complete"

	first := stack.mustRequest(t, http.MethodPost, path, []byte(`{"op_id":"`+opAlpha+`"}`), token, http.StatusOK)
	var firstBody struct {
		Version   int64 `json:"version"`
		Duplicate bool  `json:"duplicate"`
	}
	if err := json.Unmarshal(first.Body.Bytes(), &firstBody); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if firstBody.Duplicate {
		t.Fatalf("first call must not be a duplicate")
	}

	replay := stack.mustRequest(t, http.MethodPost, path, []byte(`{"op_id":"`+opAlpha+`"}`), token, http.StatusOK)
	var replayBody struct {
		Version   int64 `json:"version"`
		Duplicate bool  `json:"duplicate"`
	}
	if err := json.Unmarshal(replay.Body.Bytes(), &replayBody); err != nil {
		t.Fatalf("failed to decode replay response: %v", err)
	}
	if !replayBody.Duplicate || replayBody.Version != firstBody.Version {
		t.Fatalf("expected idempotent replay, got %#v vs %#v", replayBody, firstBody)
	}

	conflict := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(`{"op_id":"`+opBeta+`"}`)))
	conflict.Header.Set("Content-Type", "application/json")
	conflict.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	stack.handler.ServeHTTP(recorder, conflict)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("completing a non-queued entry must conflict, got %d", recorder.Code)
	}
}

func TestStateEndpointReturnsSnapshot(t *testing.T) {
	stack := mustStack(t)
	stack.seed(t)
	stack.mustRequest(t, http.MethodPost, "/v1/broadcasters/"+testBroadcaster+"/events", ingestBody("redemption-1", "2023-11-14T01:00:00Z"), "", http.StatusOK)

	token := stack.adminToken(t, testBroadcaster)
	response := stack.mustRequest(t, http.MethodGet, "/v1/broadcasters/"+testBroadcaster+"/state", nil, token, http.StatusOK)

	var snapshot queue.StateSnapshot
	if err := json.Unmarshal(response.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snapshot.Version == 0 {
		t.Fatalf("expected a non-zero version")
	}
	if len(snapshot.Queue) != 1 {
		t.Fatalf("expected one queued entry, got %d", len(snapshot.Queue))
	}
}

func TestSettingsEndpointRejectsNonObjectPatch(t *testing.T) {
	stack := mustStack(t)
	stack.seed(t)
	token := stack.adminToken(t, testBroadcaster)

	path := "/v1/broadcasters/" + testBroadcaster + "/settings"
	request := httptest.NewRequest(http.MethodPatch, path, bytes.NewReader([]byte(`{"op_id":"`+opAlpha+`","patch":"nope"}`)))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	stack.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-object patch, got %d", recorder.Code)
	}
}

func TestSettingsEndpointAppliesMergePatch(t *testing.T) {
	stack := mustStack(t)
	stack.seed(t)
	token := stack.adminToken(t, testBroadcaster)

	body := []byte(`{"op_id":"`+opAlpha+`","patch":{"overlay_theme":"neon"}}`)
	stack.mustRequest(t, http.MethodPatch, "/v1/broadcasters/"+testBroadcaster+"/settings", body, token, http.StatusOK)

	response := stack.mustRequest(t, http.MethodGet, "/v1/broadcasters/"+testBroadcaster+"/state", nil, token, http.StatusOK)
	var snapshot queue.StateSnapshot
	if err := json.Unmarshal(response.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snapshot.Settings.OverlayTheme != "neon" {
		t.Fatalf("expected merged theme, got %q", snapshot.Settings.OverlayTheme)
	}
}

func TestAdminRejectsMalformedOpID(t *testing.T) {
	stack := mustStack(t)
	stack.seed(t)
	stack.mustRequest(t, http.MethodPost, "/v1/broadcasters/"+testBroadcaster+"/events", ingestBody("redemption-1", "2023-11-14T01:00:00Z"), "", http.StatusOK)
	entryID := stack.enqueuedEntryID(t, "redemption-1")
	token := stack.adminToken(t, testBroadcaster)

	path := "/v1/broadcasters/" + testBroadcaster + "/queue/" + entryID + "/complete"
	stack.mustRequest(t, http.MethodPost, path, []byte(`{"op_id":"not-a-uuid"}`), token, http.StatusBadRequest)
}

func TestStateEndpointValidatesScope(t *testing.T) {
	stack := mustStack(t)
	stack.seed(t)
	token := stack.adminToken(t, testBroadcaster)

	base := "/v1/broadcasters/" + testBroadcaster + "/state"
	stack.mustRequest(t, http.MethodGet, base+"?scope=session", nil, token, http.StatusOK)
	stack.mustRequest(t, http.MethodGet, base+"?scope=since&since=2023-11-14T00:30:00Z", nil, token, http.StatusOK)
	stack.mustRequest(t, http.MethodGet, base+"?scope=since", nil, token, http.StatusBadRequest)
	stack.mustRequest(t, http.MethodGet, base+"?scope=everything", nil, token, http.StatusBadRequest)
}

func TestIngestEndpointRejectsMalformedBody(t *testing.T) {
	stack := mustStack(t)

	stack.mustRequest(t, http.MethodPost, "/v1/broadcasters/"+testBroadcaster+"/events", []byte(`{"event":{}}`), "", http.StatusBadRequest)
}

func TestHealthEndpoint(t *testing.T) {
	stack := mustStack(t)
	stack.mustRequest(t, http.MethodGet, "/healthz", nil, "", http.StatusOK)
}
