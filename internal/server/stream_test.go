package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/overlayworks/pointsqueue/internal/auth"
	"github.com/overlayworks/pointsqueue/internal/queue"
)

type sseEvent struct {
	id    string
	event string
	data  string
}

// readSSEEvent reads one complete event from the stream, skipping comments.
func readSSEEvent(t *testing.T, reader *bufio.Reader, timeout time.Duration) sseEvent {
	t.Helper()
	type lineResult struct {
		line string
		err  error
	}
	deadline := time.After(timeout)
	current := sseEvent{}
	for {
		resultCh := make(chan lineResult, 1)
		go func() {
			line, err := reader.ReadString('\n')
			resultCh <- lineResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for stream event")
		case result := <-resultCh:
			if result.err != nil {
				t.Fatalf("failed to read stream: %v", result.err)
			}
			line := strings.TrimRight(result.line, "\n")
			switch {
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "retry:"):
			case strings.HasPrefix(line, "id:"):
				current.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			case strings.HasPrefix(line, "event:"):
				current.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				current.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "":
				if current.data != "" {
					return current
				}
				current = sseEvent{}
			}
		}
	}
}

func TestStreamStartsWithSnapshotAndDeliversPatches(t *testing.T) {
	stack := mustStack(t)
	stack.seed(t)

	server := httptest.NewServer(stack.handler)
	t.Cleanup(server.Close)

	overlayToken, _, err := stack.tokens.Issue(testBroadcaster, auth.AudienceOverlay)
	if err != nil {
		t.Fatalf("failed to issue overlay token: %v", err)
	}

	streamURL := server.URL + "/v1/broadcasters/" + testBroadcaster + "/stream/overlay?access_token=" + overlayToken
	response, err := http.Get(streamURL)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); contentType != "text/event-stream" {
		t.Fatalf("unexpected content type %q", contentType)
	}
	reader := bufio.NewReader(response.Body)

	first := readSSEEvent(t, reader, 5*time.Second)
	var firstPatch queue.Patch
	if err := json.Unmarshal([]byte(first.data), &firstPatch); err != nil {
		t.Fatalf("failed to decode first event: %v", err)
	}
	if firstPatch.Kind != queue.PatchStateReplace {
		t.Fatalf("expected initial %s, got %s", queue.PatchStateReplace, firstPatch.Kind)
	}

	ingestResponse, err := http.Post(
		server.URL+"/v1/broadcasters/"+testBroadcaster+"/events",
		"application/json",
		bytes.NewReader(ingestBody("redemption-live", "2023-11-14T01:00:00Z")),
	)
	if err != nil {
		t.Fatalf("ingest request failed: %v", err)
	}
	_ = ingestResponse.Body.Close()
	if ingestResponse.StatusCode != http.StatusOK {
		t.Fatalf("unexpected ingest status %d", ingestResponse.StatusCode)
	}

	next := readSSEEvent(t, reader, 5*time.Second)
	var patch queue.Patch
	if err := json.Unmarshal([]byte(next.data), &patch); err != nil {
		t.Fatalf("failed to decode patch: %v", err)
	}
	if patch.Kind != queue.PatchQueueEnqueued {
		t.Fatalf("expected %s, got %s", queue.PatchQueueEnqueued, patch.Kind)
	}
	if next.id == "" || next.event != ssePatchEvent {
		t.Fatalf("unexpected wire framing: %#v", next)
	}
}

func TestStreamResumeReplaysMissedVersions(t *testing.T) {
	stack := mustStack(t)
	stack.seed(t)

	server := httptest.NewServer(stack.handler)
	t.Cleanup(server.Close)

	ingestResponse, err := http.Post(
		server.URL+"/v1/broadcasters/"+testBroadcaster+"/events",
		"application/json",
		bytes.NewReader(ingestBody("redemption-1", "2023-11-14T01:00:00Z")),
	)
	if err != nil {
		t.Fatalf("ingest request failed: %v", err)
	}
	_ = ingestResponse.Body.Close()

	adminToken := stack.adminToken(t, testBroadcaster)
	streamURL := server.URL + "/v1/broadcasters/" + testBroadcaster + "/stream/admin?access_token=" + adminToken + "&since_version=1"
	response, err := http.Get(streamURL)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	reader := bufio.NewReader(response.Body)

	replayed := readSSEEvent(t, reader, 5*time.Second)
	var patch queue.Patch
	if err := json.Unmarshal([]byte(replayed.data), &patch); err != nil {
		t.Fatalf("failed to decode replayed patch: %v", err)
	}
	if patch.Version <= 1 {
		t.Fatalf("expected a version after the resume point, got %d", patch.Version)
	}
	if patch.Kind == queue.PatchStateReplace {
		t.Fatalf("a resumable client must not be reset to a snapshot")
	}
}

func TestStreamRejectsBadResumeParameter(t *testing.T) {
	stack := mustStack(t)
	stack.seed(t)

	overlayToken, _, err := stack.tokens.Issue(testBroadcaster, auth.AudienceOverlay)
	if err != nil {
		t.Fatalf("failed to issue overlay token: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet,
		"/v1/broadcasters/"+testBroadcaster+"/stream/overlay?access_token="+overlayToken+"&since_version=abc", nil)
	recorder := httptest.NewRecorder()
	stack.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid since_version, got %d", recorder.Code)
	}
}
