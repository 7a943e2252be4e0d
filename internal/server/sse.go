package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/overlayworks/pointsqueue/internal/hub"
	"github.com/overlayworks/pointsqueue/internal/queue"
)

const (
	ssePatchEvent     = "patch"
	sseRetryMillis    = 3000
	defaultHeartbeat  = 15 * time.Second
	headerLastEventID = "Last-Event-ID"
)

// resumeVersion extracts the client's resume point, preferring the standard
// Last-Event-ID header over the since_version query parameter.
func resumeVersion(c *gin.Context) (*int64, bool) {
	raw := strings.TrimSpace(c.GetHeader(headerLastEventID))
	if raw == "" {
		raw = strings.TrimSpace(c.Query("since_version"))
	}
	if raw == "" {
		return nil, true
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || version < 0 {
		return nil, false
	}
	return &version, true
}

// patchKindFilter parses the comma-separated types query parameter.
func patchKindFilter(c *gin.Context) ([]queue.PatchKind, bool) {
	raw := strings.TrimSpace(c.Query("types"))
	if raw == "" {
		return nil, true
	}
	known := map[queue.PatchKind]struct{}{
		queue.PatchQueueEnqueued:     {},
		queue.PatchQueueCompleted:    {},
		queue.PatchQueueRemoved:      {},
		queue.PatchCounterUpdated:    {},
		queue.PatchSettingsUpdated:   {},
		queue.PatchRedemptionUpdated: {},
		queue.PatchStateReplace:      {},
	}
	var kinds []queue.PatchKind
	for _, part := range strings.Split(raw, ",") {
		kind := queue.PatchKind(strings.TrimSpace(part))
		if _, ok := known[kind]; !ok {
			return nil, false
		}
		kinds = append(kinds, kind)
	}
	return kinds, true
}

func writeSSEHeaders(c *gin.Context) {
	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	fmt.Fprintf(c.Writer, "retry: %d\n\n", sseRetryMillis)
	c.Writer.Flush()
}

func writeSSEMessage(w io.Writer, version int64, payload []byte) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", version, ssePatchEvent, payload)
}

// streamSubscription drains the backlog and then relays live messages until
// the client disconnects. Heartbeat comments keep idle connections open
// through proxies.
func (h *httpHandler) streamSubscription(c *gin.Context, subscription *hub.Subscription, initial []hub.Message) {
	defer subscription.Close()
	writeSSEHeaders(c)

	for _, message := range initial {
		writeSSEMessage(c.Writer, message.Version, message.Payload)
	}
	for _, message := range subscription.Backlog {
		writeSSEMessage(c.Writer, message.Version, message.Payload)
	}
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			return
		case message, ok := <-subscription.Live:
			if !ok {
				return
			}
			writeSSEMessage(c.Writer, message.Version, message.Payload)
			c.Writer.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": hb\n\n"); err != nil {
				h.logger.Debug("heartbeat write failed", zap.Error(err))
				return
			}
			c.Writer.Flush()
		}
	}
}
