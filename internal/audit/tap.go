package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
)

// Stage names a checkpoint in the event pipeline.
type Stage string

const (
	StageIngress   Stage = "ingress"
	StageNormalize Stage = "normalize"
	StagePolicy    Stage = "policy"
	StageCommand   Stage = "command"
	StageProject   Stage = "project"
	StageBroadcast Stage = "broadcast"
)

var knownStages = map[Stage]struct{}{
	StageIngress:   {},
	StageNormalize: {},
	StagePolicy:    {},
	StageCommand:   {},
	StageProject:   {},
	StageBroadcast: {},
}

// ParseStageList parses a comma-separated stage filter. An empty input
// selects every stage.
func ParseStageList(value string) ([]Stage, bool) {
	if strings.TrimSpace(value) == "" {
		return nil, true
	}
	var stages []Stage
	for _, part := range strings.Split(value, ",") {
		stage := Stage(strings.TrimSpace(part))
		if _, ok := knownStages[stage]; !ok {
			return nil, false
		}
		stages = append(stages, stage)
	}
	return stages, true
}

// StageEvent is one pipeline observation. Detail must be JSON-encodable and
// already redacted; the tap republishes it verbatim.
type StageEvent struct {
	TraceID       string    `json:"trace_id"`
	Stage         Stage     `json:"stage"`
	BroadcasterID string    `json:"broadcaster_id"`
	At            time.Time `json:"at"`
	Detail        any       `json:"detail,omitempty"`
}

// Message is a serialized stage event ready for a tap stream.
type Message struct {
	Stage   Stage
	Payload []byte
}

type tapSubscriber struct {
	id     int64
	stream chan Message
	stages map[Stage]struct{}
}

func (s *tapSubscriber) wants(stage Stage) bool {
	if len(s.stages) == 0 {
		return true
	}
	_, ok := s.stages[stage]
	return ok
}

// Hub fans pipeline observations out to attached tap clients. Publishing
// never blocks; a slow tap drops messages silently.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int64]*tapSubscriber
	nextID      int64
	bufferSize  int
}

// NewHub builds an empty tap hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[int64]*tapSubscriber), bufferSize: 64}
}

// Publish serializes the event once and delivers it to interested taps.
// Serialization failures are swallowed; the tap is diagnostic only and must
// never disturb the pipeline.
func (h *Hub) Publish(event StageEvent) {
	h.mu.RLock()
	if len(h.subscribers) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*tapSubscriber, 0, len(h.subscribers))
	for _, subscriber := range h.subscribers {
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()

	payload, err := gojson.Marshal(event)
	if err != nil {
		return
	}
	message := Message{Stage: event.Stage, Payload: payload}
	for _, subscriber := range copies {
		if !subscriber.wants(event.Stage) {
			continue
		}
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Subscribe attaches a tap limited to the given stages; nil means all.
// The subscription ends when ctx is done or the cleanup func runs.
func (h *Hub) Subscribe(ctx context.Context, stages []Stage) (<-chan Message, func()) {
	filter := make(map[Stage]struct{}, len(stages))
	for _, stage := range stages {
		filter[stage] = struct{}{}
	}

	h.mu.Lock()
	h.nextID++
	subscriber := &tapSubscriber{
		id:     h.nextID,
		stream: make(chan Message, h.bufferSize),
		stages: filter,
	}
	h.subscribers[subscriber.id] = subscriber
	h.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, subscriber.id)
			h.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}
