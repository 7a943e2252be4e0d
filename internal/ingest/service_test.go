package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/overlayworks/pointsqueue/internal/audit"
	"github.com/overlayworks/pointsqueue/internal/hub"
	"github.com/overlayworks/pointsqueue/internal/metrics"
	"github.com/overlayworks/pointsqueue/internal/policy"
	"github.com/overlayworks/pointsqueue/internal/queue"
)

const testBroadcaster = "broadcaster-1"

type pipeline struct {
	service  *Service
	database *gorm.DB
	hub      *hub.Hub
	tap      *audit.Hub
	executor *queue.Executor
}

func mustPipeline(t *testing.T) *pipeline {
	t.Helper()
	dsn := fmt.Sprintf("file:ingest_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(
		&queue.Broadcaster{}, &queue.StateIndex{}, &queue.CommandLogEntry{},
		&queue.QueueEntry{}, &queue.DailyCounter{}, &queue.BackfillCheckpoint{},
	))

	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }
	store, err := queue.NewStore(queue.StoreConfig{Database: database, Clock: clock})
	require.NoError(t, err)
	executor, err := queue.NewExecutor(queue.ExecutorConfig{
		Database:   database,
		Clock:      clock,
		IDProvider: queue.NewUUIDProvider(),
	})
	require.NoError(t, err)

	distribution := hub.NewHub(hub.Config{Clock: clock})
	tap := audit.NewHub()
	service, err := NewService(ServiceConfig{
		Store:    store,
		Executor: executor,
		Policy:   policy.NewEngine(policy.EngineConfig{Clock: clock}),
		Hub:      distribution,
		Tap:      tap,
		Metrics:  metrics.New("test", time.Unix(1700000000, 0).UTC()),
		Clock:    clock,
	})
	require.NoError(t, err)

	return &pipeline{service: service, database: database, hub: distribution, tap: tap, executor: executor}
}

func (p *pipeline) targetReward(t *testing.T, extra string) {
	t.Helper()
	require.NoError(t, p.database.Model(&queue.Broadcaster{}).
		Where("id = ?", testBroadcaster).
		Update("settings_json", `{"policy":{"target_rewards":["reward-1"]`+extra+`}}`).Error)
}

func redemptionPayload(redemptionID, redeemedAt string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
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

const redemptionAddType = "channel.channel_points_custom_reward_redemption.add"

func TestProcessRawAppliesFreshRedemption(t *testing.T) {
	p := mustPipeline(t)
	_, err := p.service.ProcessRaw(context.Background(), redemptionAddType, redemptionPayload("seed", "2023-11-14T00:00:00Z"))
	require.NoError(t, err)
	p.targetReward(t, "")

	sub := p.hub.Subscribe(testBroadcaster, hub.AudienceAdmin, nil, nil)
	defer sub.Close()

	result, err := p.service.ProcessRaw(context.Background(), redemptionAddType, redemptionPayload("redemption-1", "2023-11-14T01:00:00Z"))
	require.NoError(t, err)
	require.Equal(t, ActionApplied, result.Action)
	require.Len(t, result.Versions, 2)

	first := <-sub.Live
	require.Equal(t, queue.PatchQueueEnqueued, first.Kind)
	second := <-sub.Live
	require.Equal(t, queue.PatchRedemptionUpdated, second.Kind)

	var entry queue.QueueEntry
	require.NoError(t, p.database.Where("broadcaster_id = ? AND redemption_id = ?", testBroadcaster, "redemption-1").Take(&entry).Error)
	require.Equal(t, queue.StatusQueued, entry.Status)
}

func TestProcessRawSuppressesDuplicateWithinWindow(t *testing.T) {
	p := mustPipeline(t)
	_, err := p.service.ProcessRaw(context.Background(), redemptionAddType, redemptionPayload("seed", "2023-11-14T00:00:00Z"))
	require.NoError(t, err)
	p.targetReward(t, "")

	first, err := p.service.ProcessRaw(context.Background(), redemptionAddType, redemptionPayload("redemption-1", "2023-11-14T01:00:00Z"))
	require.NoError(t, err)
	require.Equal(t, ActionApplied, first.Action)

	second, err := p.service.ProcessRaw(context.Background(), redemptionAddType, redemptionPayload("redemption-2", "2023-11-14T01:00:30Z"))
	require.NoError(t, err)
	require.Equal(t, ActionDuplicate, second.Action)
	require.Equal(t, policy.ReasonDuplicateWithinWindow, second.Reason)
	require.Len(t, second.Versions, 1)

	var count int64
	require.NoError(t, p.database.Model(&queue.QueueEntry{}).
		Where("broadcaster_id = ? AND status = ?", testBroadcaster, queue.StatusQueued).
		Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestProcessRawRetriesKnownRedemptionAsUpdate(t *testing.T) {
	p := mustPipeline(t)
	_, err := p.service.ProcessRaw(context.Background(), redemptionAddType, redemptionPayload("seed", "2023-11-14T00:00:00Z"))
	require.NoError(t, err)
	p.targetReward(t, ",\"anti_spam_window_sec\":0")

	first, err := p.service.ProcessRaw(context.Background(), redemptionAddType, redemptionPayload("redemption-1", "2023-11-14T01:00:00Z"))
	require.NoError(t, err)
	require.Equal(t, ActionApplied, first.Action)

	redelivery, err := p.service.ProcessRaw(context.Background(), redemptionAddType, redemptionPayload("redemption-1", "2023-11-14T02:00:00Z"))
	require.NoError(t, err)
	require.Equal(t, ActionDuplicate, redelivery.Action)
	require.Equal(t, "redemption_already_queued", redelivery.Reason)

	var count int64
	require.NoError(t, p.database.Model(&queue.QueueEntry{}).
		Where("broadcaster_id = ?", testBroadcaster).
		Count(&count).Error)
	require.Equal(t, int64(1), count, "redelivery must not add a second entry")
}

func TestTapCommandStageMasksUserIdentity(t *testing.T) {
	p := mustPipeline(t)
	_, err := p.service.ProcessRaw(context.Background(), redemptionAddType, redemptionPayload("seed", "2023-11-14T00:00:00Z"))
	require.NoError(t, err)
	p.targetReward(t, "")

	stream, cleanup := p.tap.Subscribe(context.Background(), []audit.Stage{audit.StageCommand})
	defer cleanup()

	_, err = p.service.ProcessRaw(context.Background(), redemptionAddType, redemptionPayload("redemption-1", "2023-11-14T01:00:00Z"))
	require.NoError(t, err)

	sawEnqueue := false
	for len(stream) > 0 {
		message := <-stream
		var event map[string]any
		require.NoError(t, json.Unmarshal(message.Payload, &event))
		detail := event["detail"].(map[string]any)
		if detail["command_type"] != queue.CommandTypeEnqueue {
			continue
		}
		sawEnqueue = true
		payload := detail["payload"].(map[string]any)
		user := payload["user"].(map[string]any)
		require.Equal(t, "user-1", user["id"])
		require.Equal(t, "***", user["login"])
		require.Equal(t, "***", user["display_name"])
	}
	require.True(t, sawEnqueue, "expected an enqueue command stage event")
}

func TestProcessRawIgnoresUnsupportedEventTypes(t *testing.T) {
	p := mustPipeline(t)

	result, err := p.service.ProcessRaw(context.Background(), "channel.follow", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Equal(t, ActionIgnored, result.Action)
	require.Equal(t, policy.ReasonEventNotSupported, result.Reason)
}

func TestStreamOnlineClearsQueueWhenEnabled(t *testing.T) {
	p := mustPipeline(t)
	_, err := p.service.ProcessRaw(context.Background(), redemptionAddType, redemptionPayload("seed", "2023-11-14T00:00:00Z"))
	require.NoError(t, err)
	p.targetReward(t, ",\"anti_spam_window_sec\":0")
	require.NoError(t, p.database.Model(&queue.Broadcaster{}).
		Where("id = ?", testBroadcaster).
		Update("settings_json", `{"policy":{"target_rewards":["reward-1"],"anti_spam_window_sec":0},"clear_on_stream_start":true,"clear_decrement_counts":true}`).Error)

	_, err = p.service.ProcessRaw(context.Background(), redemptionAddType, redemptionPayload("redemption-1", "2023-11-14T01:00:00Z"))
	require.NoError(t, err)
	_, err = p.service.ProcessRaw(context.Background(), redemptionAddType, redemptionPayload("redemption-2", "2023-11-14T01:10:00Z"))
	require.NoError(t, err)

	result, err := p.service.ProcessRaw(context.Background(), "stream.online",
		json.RawMessage(fmt.Sprintf(`{"event": {"broadcaster_user_id": %q, "started_at": "2023-11-14T02:00:00Z"}}`, testBroadcaster)))
	require.NoError(t, err)
	require.Equal(t, ActionApplied, result.Action)
	require.Equal(t, reasonStreamClear, result.Reason)

	var queued int64
	require.NoError(t, p.database.Model(&queue.QueueEntry{}).
		Where("broadcaster_id = ? AND status = ?", testBroadcaster, queue.StatusQueued).
		Count(&queued).Error)
	require.Equal(t, int64(0), queued)

	var removed queue.QueueEntry
	require.NoError(t, p.database.Where("broadcaster_id = ? AND redemption_id = ?", testBroadcaster, "redemption-1").Take(&removed).Error)
	require.NotNil(t, removed.StatusReason)
	require.Equal(t, string(queue.RemovalStreamStartClear), *removed.StatusReason)
}

func TestStreamOnlineNoOpWhenDisabled(t *testing.T) {
	p := mustPipeline(t)

	result, err := p.service.ProcessRaw(context.Background(), "stream.online",
		json.RawMessage(fmt.Sprintf(`{"event": {"broadcaster_user_id": %q, "started_at": "2023-11-14T02:00:00Z"}}`, testBroadcaster)))
	require.NoError(t, err)
	require.Equal(t, ActionIgnored, result.Action)
	require.Equal(t, reasonNoCommands, result.Reason)
}
