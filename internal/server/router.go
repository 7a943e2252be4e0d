package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/overlayworks/pointsqueue/internal/audit"
	"github.com/overlayworks/pointsqueue/internal/auth"
	"github.com/overlayworks/pointsqueue/internal/backfill"
	"github.com/overlayworks/pointsqueue/internal/events"
	"github.com/overlayworks/pointsqueue/internal/hub"
	"github.com/overlayworks/pointsqueue/internal/ingest"
	"github.com/overlayworks/pointsqueue/internal/metrics"
	"github.com/overlayworks/pointsqueue/internal/queue"
)

const claimsContextKey = "pointsqueue_stream_claims"

var (
	errMissingTokens    = errors.New("stream tokens dependency required")
	errMissingExecutor  = errors.New("executor dependency required")
	errMissingSnapshots = errors.New("snapshot builder dependency required")
	errMissingIngest    = errors.New("ingest service dependency required")
	errMissingHub       = errors.New("hub dependency required")
)

// Dependencies wires the HTTP surface to the rest of the service.
type Dependencies struct {
	Tokens     *auth.StreamTokens
	Executor   *queue.Executor
	Snapshots  *queue.SnapshotBuilder
	Store      *queue.Store
	Ingest     *ingest.Service
	Hub        *hub.Hub
	Tap        *audit.Hub
	Reconciler *backfill.Reconciler
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Heartbeat  time.Duration
}

// NewHTTPHandler builds the gin router with all routes registered.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}
	if deps.Executor == nil {
		return nil, errMissingExecutor
	}
	if deps.Snapshots == nil {
		return nil, errMissingSnapshots
	}
	if deps.Ingest == nil {
		return nil, errMissingIngest
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", headerLastEventID},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:            deps.Tokens,
		executor:          deps.Executor,
		snapshots:         deps.Snapshots,
		ingest:            deps.Ingest,
		hub:               deps.Hub,
		tap:               deps.Tap,
		reconciler:        deps.Reconciler,
		logger:            logger,
		heartbeatInterval: heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	v1 := router.Group("/v1")
	v1.POST("/broadcasters/:broadcaster_id/events", handler.handleIngestEvent)
	v1.GET("/broadcasters/:broadcaster_id/stream/overlay", handler.streamHandler(hub.AudienceOverlay))
	v1.GET("/broadcasters/:broadcaster_id/stream/admin", handler.streamHandler(hub.AudienceAdmin))

	admin := v1.Group("/broadcasters/:broadcaster_id")
	admin.Use(handler.authorizeAdmin)
	admin.GET("/state", handler.handleState)
	admin.POST("/queue/:entry_id/complete", handler.handleQueueComplete)
	admin.POST("/queue/:entry_id/remove", handler.handleQueueRemove)
	admin.PATCH("/settings", handler.handleSettingsUpdate)
	admin.POST("/backfill", handler.handleBackfillTrigger)
	admin.GET("/backfill", handler.handleBackfillStatus)

	if deps.Tap != nil {
		v1.GET("/tap", handler.authorizeAnyAdmin, handler.handleTap)
	}

	return router, nil
}

type httpHandler struct {
	tokens            *auth.StreamTokens
	executor          *queue.Executor
	snapshots         *queue.SnapshotBuilder
	ingest            *ingest.Service
	hub               *hub.Hub
	tap               *audit.Hub
	reconciler        *backfill.Reconciler
	logger            *zap.Logger
	heartbeatInterval time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// bearerToken accepts the Authorization header or, for EventSource clients
// that cannot set headers, the access_token query parameter.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("access_token"))
}

// authorizeAdmin requires an admin token scoped to the broadcaster in the path.
func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	claims, err := h.tokens.Verify(bearerToken(c), auth.AudienceAdmin)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if claims.BroadcasterID != c.Param("broadcaster_id") {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

// authorizeAnyAdmin requires a valid admin token without binding it to a
// path broadcaster. The tap is a service-wide diagnostic surface.
func (h *httpHandler) authorizeAnyAdmin(c *gin.Context) {
	if _, err := h.tokens.Verify(bearerToken(c), auth.AudienceAdmin); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

type ingestEventPayload struct {
	Subscription struct {
		Type string `json:"type"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

func (h *httpHandler) handleIngestEvent(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var payload ingestEventPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Subscription.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.ingest.ProcessRaw(c.Request.Context(), payload.Subscription.Type, body)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type queueCompletePayload struct {
	OpID string `json:"op_id"`
}

func (h *httpHandler) handleQueueComplete(c *gin.Context) {
	var payload queueCompletePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	broadcasterID := c.Param("broadcaster_id")

	outcome, err := h.executor.ExecuteAdmin(c.Request.Context(), broadcasterID, payload.OpID, queue.QueueCompleteCommand{
		BroadcasterID: broadcasterID,
		EntryID:       c.Param("entry_id"),
		Source:        queue.SourceAdmin,
		IssuedAt:      time.Now().UTC(),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.broadcastOutcome(broadcasterID, outcome)
	c.JSON(http.StatusOK, adminResponse(outcome))
}

type queueRemovePayload struct {
	OpID           string `json:"op_id"`
	Reason         string `json:"reason"`
	DecrementCount bool   `json:"decrement_count"`
}

func (h *httpHandler) handleQueueRemove(c *gin.Context) {
	var payload queueRemovePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	reason := queue.RemovalUndo
	if payload.Reason != "" {
		parsed, ok := queue.ParseRemovalReason(payload.Reason)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_reason"})
			return
		}
		reason = parsed
	}
	broadcasterID := c.Param("broadcaster_id")

	outcome, err := h.executor.ExecuteAdmin(c.Request.Context(), broadcasterID, payload.OpID, queue.QueueRemoveCommand{
		BroadcasterID:  broadcasterID,
		EntryID:        c.Param("entry_id"),
		Reason:         reason,
		DecrementCount: payload.DecrementCount,
		Source:         queue.SourceAdmin,
		IssuedAt:       time.Now().UTC(),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.broadcastOutcome(broadcasterID, outcome)
	c.JSON(http.StatusOK, adminResponse(outcome))
}

type settingsUpdatePayload struct {
	OpID  string          `json:"op_id"`
	Patch json.RawMessage `json:"patch"`
}

func (h *httpHandler) handleSettingsUpdate(c *gin.Context) {
	var payload settingsUpdatePayload
	if err := c.ShouldBindJSON(&payload); err != nil || len(payload.Patch) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	broadcasterID := c.Param("broadcaster_id")

	outcome, err := h.executor.ExecuteAdmin(c.Request.Context(), broadcasterID, payload.OpID, queue.SettingsUpdateCommand{
		BroadcasterID: broadcasterID,
		Patch:         []byte(payload.Patch),
		Source:        queue.SourceAdmin,
		IssuedAt:      time.Now().UTC(),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.broadcastOutcome(broadcasterID, outcome)
	c.JSON(http.StatusOK, adminResponse(outcome))
}

func (h *httpHandler) handleState(c *gin.Context) {
	scope := queue.Scope{}
	switch strings.TrimSpace(c.Query("scope")) {
	case "", "session":
	case "since":
		since, err := time.Parse(time.RFC3339, strings.TrimSpace(c.Query("since")))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		since = since.UTC()
		scope.Since = &since
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope"})
		return
	}

	snapshot, err := h.snapshots.Build(c.Request.Context(), c.Param("broadcaster_id"), scope)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// streamHandler returns the SSE handler for one audience. The token must
// match both the audience of the route and the broadcaster in the path.
func (h *httpHandler) streamHandler(audience hub.Audience) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := h.tokens.Verify(bearerToken(c), string(audience))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		broadcasterID := c.Param("broadcaster_id")
		if claims.BroadcasterID != broadcasterID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		since, ok := resumeVersion(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_since_version"})
			return
		}
		kinds, ok := patchKindFilter(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_types"})
			return
		}

		subscription := h.hub.Subscribe(broadcasterID, audience, since, kinds)

		// A client without a resume point, or one that fell behind the
		// retained ring, starts from a full snapshot.
		var initial []hub.Message
		if since == nil || subscription.RingMiss {
			snapshot, err := h.snapshots.Build(c.Request.Context(), broadcasterID, queue.Scope{})
			if err != nil {
				subscription.Close()
				h.respondError(c, err)
				return
			}
			replace, err := (queue.Projector{}).StateReplace(time.Now().UTC(), snapshot)
			if err != nil {
				subscription.Close()
				h.respondError(c, err)
				return
			}
			payload, err := json.Marshal(replace)
			if err != nil {
				subscription.Close()
				h.respondError(c, err)
				return
			}
			initial = []hub.Message{{Version: replace.Version, Kind: replace.Kind, Payload: payload}}
			subscription.Backlog = nil
		}

		h.streamSubscription(c, subscription, initial)
	}
}

func (h *httpHandler) handleTap(c *gin.Context) {
	stages, ok := audit.ParseStageList(c.Query("stages"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_stages"})
		return
	}

	stream, cleanup := h.tap.Subscribe(c.Request.Context(), stages)
	defer cleanup()
	writeSSEHeaders(c)

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	done := c.Request.Context().Done()
	sequence := int64(0)
	for {
		select {
		case <-done:
			return
		case message := <-stream:
			sequence++
			writeSSEMessage(c.Writer, sequence, message.Payload)
			c.Writer.Flush()
		case <-heartbeat.C:
			if _, err := c.Writer.WriteString(": hb\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) handleBackfillTrigger(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "backfill_disabled"})
		return
	}
	h.reconciler.Trigger(c.Param("broadcaster_id"))
	c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
}

func (h *httpHandler) handleBackfillStatus(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "backfill_disabled"})
		return
	}
	checkpoint, err := h.reconciler.Checkpoint(c.Request.Context(), c.Param("broadcaster_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":             checkpoint.Status,
		"cursor":             checkpoint.Cursor,
		"last_redemption_id": checkpoint.LastRedemptionID,
		"last_seen_at":       checkpoint.LastSeenAt,
		"last_error":         checkpoint.LastError,
		"updated_at":         checkpoint.UpdatedAt,
	})
}

// broadcastOutcome fans admin patches out to streams. Replays carry no
// patches, so clients never see a version twice.
func (h *httpHandler) broadcastOutcome(broadcasterID string, outcome queue.AdminOutcome) {
	for _, patch := range outcome.Patches {
		if err := h.hub.Broadcast(broadcasterID, patch); err != nil {
			h.logger.Error("patch broadcast failed",
				zap.String("broadcaster_id", broadcasterID),
				zap.Int64("version", patch.Version),
				zap.Error(err))
		}
	}
}

func adminResponse(outcome queue.AdminOutcome) gin.H {
	return gin.H{"version": outcome.Version, "duplicate": outcome.Duplicate}
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, queue.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "not_queued"})
	case errors.Is(err, queue.ErrOpConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "op_conflict"})
	case errors.Is(err, queue.ErrDuplicateRedemption):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_redemption"})
	case errors.Is(err, queue.ErrInvalidOpID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_op_id"})
	case errors.Is(err, queue.ErrInvalidSettingsPatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_settings_patch"})
	case errors.Is(err, queue.ErrInvalidTimezone):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_timezone"})
	case errors.Is(err, events.ErrMissingEvent), errors.Is(err, events.ErrMissingField), errors.Is(err, events.ErrInvalidTimestamp):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}
