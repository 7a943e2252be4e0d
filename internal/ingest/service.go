package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"

	"github.com/overlayworks/pointsqueue/internal/audit"
	"github.com/overlayworks/pointsqueue/internal/events"
	"github.com/overlayworks/pointsqueue/internal/hub"
	"github.com/overlayworks/pointsqueue/internal/metrics"
	"github.com/overlayworks/pointsqueue/internal/policy"
	"github.com/overlayworks/pointsqueue/internal/queue"
)

const (
	traceIDLength = 12

	// ActionApplied, ActionDuplicate, and ActionIgnored mirror the policy
	// verdicts; stream handling reuses them for its own outcomes.
	ActionApplied   = string(policy.ActionApplied)
	ActionDuplicate = string(policy.ActionDuplicate)
	ActionIgnored   = string(policy.ActionIgnored)

	reasonNoCommands  = "no_commands"
	reasonStreamClear = "stream_start_clear"

	outcomeApplied     = "applied"
	outcomeDuplicate   = "duplicate"
	outcomeIgnored     = "ignored"
	outcomeFailed      = "failed"
	outcomeUnsupported = "unsupported"
)

var errMissingDependency = errors.New("ingest: missing dependency")

// ServiceConfig bundles pipeline dependencies.
type ServiceConfig struct {
	Store    *queue.Store
	Executor *queue.Executor
	Policy   *policy.Engine
	Hub      *hub.Hub
	Tap      *audit.Hub
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Service runs incoming events through normalization, policy, the command
// executor, and finally the distribution hub.
type Service struct {
	store    *queue.Store
	executor *queue.Executor
	policy   *policy.Engine
	hub      *hub.Hub
	tap      *audit.Hub
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clock    func() time.Time
}

// NewService validates dependencies and builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil || cfg.Executor == nil || cfg.Policy == nil || cfg.Hub == nil {
		return nil, errMissingDependency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:    cfg.Store,
		executor: cfg.Executor,
		policy:   cfg.Policy,
		hub:      cfg.Hub,
		tap:      cfg.Tap,
		metrics:  cfg.Metrics,
		logger:   logger,
		clock:    clock,
	}, nil
}

// Result summarizes what one event did to the system.
type Result struct {
	TraceID  string  `json:"trace_id"`
	Action   string  `json:"action"`
	Reason   string  `json:"reason,omitempty"`
	Versions []int64 `json:"versions,omitempty"`
}

// ProcessRaw normalizes a raw notification and processes it.
func (service *Service) ProcessRaw(ctx context.Context, eventType string, payload json.RawMessage) (Result, error) {
	traceID := service.newTraceID()
	service.publishStage(audit.StageEvent{
		TraceID: traceID,
		Stage:   audit.StageIngress,
		At:      service.clock().UTC(),
		Detail:  map[string]any{"event_type": eventType},
	})

	event, err := events.Normalize(eventType, payload)
	if err != nil {
		if errors.Is(err, events.ErrUnsupportedEventType) {
			service.countIngress(eventType, outcomeUnsupported)
			return Result{TraceID: traceID, Action: ActionIgnored, Reason: policy.ReasonEventNotSupported}, nil
		}
		service.countIngress(eventType, outcomeFailed)
		return Result{TraceID: traceID}, err
	}
	service.publishStage(audit.StageEvent{
		TraceID:       traceID,
		Stage:         audit.StageNormalize,
		BroadcasterID: event.Broadcaster(),
		At:            service.clock().UTC(),
		Detail:        map[string]any{"kind": string(event.Kind())},
	})

	result, err := service.process(ctx, traceID, event)
	if err != nil {
		service.countIngress(string(event.Kind()), outcomeFailed)
		return Result{TraceID: traceID}, err
	}
	service.countIngress(string(event.Kind()), actionOutcome(result.Action))
	return result, nil
}

// Process runs an already-normalized event through the pipeline. Backfill
// reconciliation feeds synthesized events through this entry point.
func (service *Service) Process(ctx context.Context, event events.Event) (Result, error) {
	return service.process(ctx, service.newTraceID(), event)
}

func (service *Service) process(ctx context.Context, traceID string, event events.Event) (Result, error) {
	broadcasterID := event.Broadcaster()
	if err := service.store.EnsureBroadcaster(ctx, broadcasterID, "", ""); err != nil {
		return Result{TraceID: traceID}, err
	}
	_, settings, err := service.store.LoadBroadcaster(ctx, broadcasterID)
	if err != nil {
		return Result{TraceID: traceID}, err
	}

	switch typed := event.(type) {
	case events.StreamOnline:
		return service.processStreamOnline(ctx, traceID, typed, settings)
	case events.StreamOffline:
		return Result{TraceID: traceID, Action: ActionIgnored, Reason: reasonNoCommands}, nil
	case events.RedemptionUpdate:
		return service.processRedemptionUpdate(ctx, traceID, typed)
	default:
		return service.processWithPolicy(ctx, traceID, event, settings)
	}
}

func (service *Service) processWithPolicy(ctx context.Context, traceID string, event events.Event, settings queue.Settings) (Result, error) {
	outcome := service.policy.Evaluate(settings, event, service.clock().UTC())
	service.publishStage(audit.StageEvent{
		TraceID:       traceID,
		Stage:         audit.StagePolicy,
		BroadcasterID: event.Broadcaster(),
		At:            service.clock().UTC(),
		Detail:        map[string]any{"action": string(outcome.Action), "reason": outcome.Reason},
	})
	if len(outcome.Commands) == 0 {
		return Result{TraceID: traceID, Action: string(outcome.Action), Reason: outcome.Reason}, nil
	}

	patches, err := service.execute(ctx, traceID, event.Broadcaster(), outcome.Commands)
	if errors.Is(err, queue.ErrDuplicateRedemption) {
		// The redemption is already in the queue from an earlier delivery.
		// Record the skip so clients and the upstream settlement agree.
		add, ok := event.(events.RedemptionAdd)
		if !ok {
			return Result{TraceID: traceID}, err
		}
		skip := queue.RedemptionUpdateCommand{
			BroadcasterID: add.BroadcasterID,
			RedemptionID:  add.RedemptionID,
			Mode:          queue.ModeConsume,
			Applicable:    false,
			Result:        queue.ResultSkipped,
			Source:        queue.SourceSystem,
			IssuedAt:      service.clock().UTC(),
		}
		patches, err = service.execute(ctx, traceID, add.BroadcasterID, []queue.Command{skip})
		if err != nil {
			return Result{TraceID: traceID}, err
		}
		service.broadcast(traceID, add.BroadcasterID, patches)
		return Result{TraceID: traceID, Action: ActionDuplicate, Reason: "redemption_already_queued", Versions: versionsOf(patches)}, nil
	}
	if err != nil {
		return Result{TraceID: traceID}, err
	}

	service.broadcast(traceID, event.Broadcaster(), patches)
	return Result{TraceID: traceID, Action: string(outcome.Action), Reason: outcome.Reason, Versions: versionsOf(patches)}, nil
}

func (service *Service) processRedemptionUpdate(ctx context.Context, traceID string, event events.RedemptionUpdate) (Result, error) {
	command := queue.RedemptionUpdateCommand{
		BroadcasterID: event.BroadcasterID,
		RedemptionID:  event.RedemptionID,
		Mode:          queue.ModeConsume,
		Applicable:    false,
		Result:        queue.ResultOK,
		Source:        queue.SourceSystem,
		IssuedAt:      service.clock().UTC(),
	}
	patches, err := service.execute(ctx, traceID, event.BroadcasterID, []queue.Command{command})
	if err != nil {
		return Result{TraceID: traceID}, err
	}
	service.broadcast(traceID, event.BroadcasterID, patches)
	return Result{TraceID: traceID, Action: ActionApplied, Versions: versionsOf(patches)}, nil
}

// processStreamOnline clears the queue at stream start when the broadcaster
// opted in, so leftovers from the previous session never greet new viewers.
func (service *Service) processStreamOnline(ctx context.Context, traceID string, event events.StreamOnline, settings queue.Settings) (Result, error) {
	if !settings.ClearOnStreamStart {
		return Result{TraceID: traceID, Action: ActionIgnored, Reason: reasonNoCommands}, nil
	}

	entries, err := service.store.ListQueuedEntries(ctx, event.BroadcasterID)
	if err != nil {
		return Result{TraceID: traceID}, err
	}
	if len(entries) == 0 {
		return Result{TraceID: traceID, Action: ActionIgnored, Reason: reasonNoCommands}, nil
	}

	issuedAt := service.clock().UTC()
	commands := make([]queue.Command, 0, len(entries))
	for _, entry := range entries {
		commands = append(commands, queue.QueueRemoveCommand{
			BroadcasterID:  event.BroadcasterID,
			EntryID:        entry.ID,
			Reason:         queue.RemovalStreamStartClear,
			DecrementCount: settings.ClearDecrementCounts,
			Source:         queue.SourceSystem,
			IssuedAt:       issuedAt,
		})
	}
	patches, err := service.execute(ctx, traceID, event.BroadcasterID, commands)
	if err != nil {
		return Result{TraceID: traceID}, err
	}
	service.broadcast(traceID, event.BroadcasterID, patches)
	return Result{TraceID: traceID, Action: ActionApplied, Reason: reasonStreamClear, Versions: versionsOf(patches)}, nil
}

func (service *Service) execute(ctx context.Context, traceID, broadcasterID string, commands []queue.Command) ([]queue.Patch, error) {
	for _, command := range commands {
		payload := command.Payload()
		if redactable, ok := command.(queue.Redactable); ok {
			payload = redactable.RedactedPayload()
		}
		service.publishStage(audit.StageEvent{
			TraceID:       traceID,
			Stage:         audit.StageCommand,
			BroadcasterID: broadcasterID,
			At:            service.clock().UTC(),
			Detail:        map[string]any{"command_type": command.CommandType(), "payload": payload},
		})
	}

	started := time.Now()
	patches, err := service.executor.Execute(ctx, broadcasterID, commands)
	if service.metrics != nil {
		service.metrics.ExecuteSeconds.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		return nil, err
	}

	for _, patch := range patches {
		service.publishStage(audit.StageEvent{
			TraceID:       traceID,
			Stage:         audit.StageProject,
			BroadcasterID: broadcasterID,
			At:            service.clock().UTC(),
			Detail:        map[string]any{"version": patch.Version, "type": string(patch.Kind)},
		})
	}
	return patches, nil
}

func (service *Service) broadcast(traceID, broadcasterID string, patches []queue.Patch) {
	for _, patch := range patches {
		if err := service.hub.Broadcast(broadcasterID, patch); err != nil {
			service.logger.Error("patch broadcast failed",
				zap.String("broadcaster_id", broadcasterID),
				zap.Int64("version", patch.Version),
				zap.Error(err))
			continue
		}
		service.publishStage(audit.StageEvent{
			TraceID:       traceID,
			Stage:         audit.StageBroadcast,
			BroadcasterID: broadcasterID,
			At:            service.clock().UTC(),
			Detail:        map[string]any{"version": patch.Version, "type": string(patch.Kind)},
		})
	}
}

func (service *Service) publishStage(event audit.StageEvent) {
	if service.tap == nil {
		return
	}
	service.tap.Publish(event)
}

func (service *Service) countIngress(eventType, outcome string) {
	if service.metrics == nil {
		return
	}
	service.metrics.IngressTotal.WithLabelValues(eventType, outcome).Inc()
}

func (service *Service) newTraceID() string {
	traceID, err := gonanoid.New(traceIDLength)
	if err != nil {
		return "trace-unavailable"
	}
	return traceID
}

func actionOutcome(action string) string {
	switch action {
	case ActionApplied:
		return outcomeApplied
	case ActionDuplicate:
		return outcomeDuplicate
	default:
		return outcomeIgnored
	}
}

func versionsOf(patches []queue.Patch) []int64 {
	if len(patches) == 0 {
		return nil
	}
	versions := make([]int64, 0, len(patches))
	for _, patch := range patches {
		versions = append(versions, patch.Version)
	}
	return versions
}
