package hub

import (
	"sync"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/overlayworks/pointsqueue/internal/metrics"
	"github.com/overlayworks/pointsqueue/internal/queue"
)

// Audience separates the overlay surface from the moderation console.
type Audience string

const (
	AudienceOverlay Audience = "overlay"
	AudienceAdmin   Audience = "admin"
)

// ParseAudience validates a caller-supplied audience.
func ParseAudience(value string) (Audience, bool) {
	switch Audience(value) {
	case AudienceOverlay, AudienceAdmin:
		return Audience(value), true
	default:
		return "", false
	}
}

const (
	defaultRingMaxEntries = 256
	defaultRingTTL        = 5 * time.Minute
	defaultBufferSize     = 32
)

// Message is one serialized patch ready for the wire.
type Message struct {
	Version     int64
	Kind        queue.PatchKind
	Payload     []byte
	PublishedAt time.Time
}

// Config bundles hub dependencies and tuning.
type Config struct {
	RingMaxEntries int
	RingTTL        time.Duration
	BufferSize     int
	Clock          func() time.Time
	Metrics        *metrics.Metrics
}

type channelKey struct {
	broadcasterID string
	audience      Audience
}

type subscriber struct {
	id      int64
	stream  chan Message
	allowed map[queue.PatchKind]struct{}
}

func (s *subscriber) wants(kind queue.PatchKind) bool {
	if len(s.allowed) == 0 {
		return true
	}
	_, ok := s.allowed[kind]
	return ok
}

type channel struct {
	ring        []Message
	lastVersion int64
	subscribers map[int64]*subscriber
}

// Hub retains recent patches per broadcaster and audience and fans new ones
// out to connected subscribers. Sends never block: a subscriber that cannot
// keep up drops messages and recovers through a snapshot on its next resume.
type Hub struct {
	mu             sync.Mutex
	channels       map[channelKey]*channel
	nextID         int64
	ringMaxEntries int
	ringTTL        time.Duration
	bufferSize     int
	clock          func() time.Time
	metrics        *metrics.Metrics
}

// NewHub builds a Hub, applying defaults for unset tuning values.
func NewHub(cfg Config) *Hub {
	ringMax := cfg.RingMaxEntries
	if ringMax <= 0 {
		ringMax = defaultRingMaxEntries
	}
	ringTTL := cfg.RingTTL
	if ringTTL <= 0 {
		ringTTL = defaultRingTTL
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Hub{
		channels:       make(map[channelKey]*channel),
		ringMaxEntries: ringMax,
		ringTTL:        ringTTL,
		bufferSize:     bufferSize,
		clock:          clock,
		metrics:        cfg.Metrics,
	}
}

// Broadcast serializes the patch once and delivers it to both audiences.
func (h *Hub) Broadcast(broadcasterID string, patch queue.Patch) error {
	payload, err := gojson.Marshal(patch)
	if err != nil {
		return err
	}
	now := h.clock().UTC()
	message := Message{Version: patch.Version, Kind: patch.Kind, Payload: payload, PublishedAt: now}

	started := time.Now()
	h.mu.Lock()
	for _, audience := range []Audience{AudienceOverlay, AudienceAdmin} {
		ch := h.channel(channelKey{broadcasterID: broadcasterID, audience: audience})
		ch.ring = append(ch.ring, message)
		ch.lastVersion = message.Version
		h.evictLocked(ch, now)
		for _, sub := range ch.subscribers {
			if !sub.wants(message.Kind) {
				continue
			}
			select {
			case sub.stream <- message:
			default:
			}
		}
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.PatchesTotal.WithLabelValues(string(patch.Kind)).Inc()
		h.metrics.BroadcastSeconds.Observe(time.Since(started).Seconds())
	}
	return nil
}

// Subscription is a live attachment to one broadcaster and audience.
// Backlog holds retained messages after the resume point and must be
// consumed before Live. RingMiss reports that the resume point has been
// evicted, so the caller needs a full snapshot before streaming.
type Subscription struct {
	Backlog  []Message
	Live     <-chan Message
	RingMiss bool
	close    func()
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	s.close()
}

// Subscribe attaches a subscriber. A nil since requests only new messages.
// kinds narrows delivery to the named patch types; empty means all.
func (h *Hub) Subscribe(broadcasterID string, audience Audience, since *int64, kinds []queue.PatchKind) *Subscription {
	allowed := make(map[queue.PatchKind]struct{}, len(kinds))
	for _, kind := range kinds {
		allowed[kind] = struct{}{}
	}

	h.mu.Lock()
	h.nextID++
	sub := &subscriber{
		id:      h.nextID,
		stream:  make(chan Message, h.bufferSize),
		allowed: allowed,
	}
	key := channelKey{broadcasterID: broadcasterID, audience: audience}
	ch := h.channel(key)
	h.evictLocked(ch, h.clock().UTC())

	var backlog []Message
	ringMiss := false
	if since != nil {
		if *since < ch.lastVersion {
			if len(ch.ring) == 0 || ch.ring[0].Version > *since+1 {
				ringMiss = true
			} else {
				for _, message := range ch.ring {
					if message.Version > *since && sub.wants(message.Kind) {
						backlog = append(backlog, message)
					}
				}
			}
		}
	}
	ch.subscribers[sub.id] = sub
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.StreamClients.WithLabelValues(string(audience)).Inc()
		if ringMiss {
			h.metrics.RingMissesTotal.Inc()
		}
	}

	var once sync.Once
	closeFn := func() {
		once.Do(func() {
			h.mu.Lock()
			if current, ok := h.channels[key]; ok {
				delete(current.subscribers, sub.id)
				if len(current.subscribers) == 0 && len(current.ring) == 0 {
					delete(h.channels, key)
				}
			}
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.StreamClients.WithLabelValues(string(audience)).Dec()
			}
		})
	}
	return &Subscription{Backlog: backlog, Live: sub.stream, RingMiss: ringMiss, close: closeFn}
}

// channel returns the channel for key, creating it on first use.
// Callers hold the mutex.
func (h *Hub) channel(key channelKey) *channel {
	ch, ok := h.channels[key]
	if !ok {
		ch = &channel{subscribers: make(map[int64]*subscriber)}
		h.channels[key] = ch
	}
	return ch
}

// evictLocked drops ring entries beyond the size cap or past their TTL.
// Callers hold the mutex.
func (h *Hub) evictLocked(ch *channel, now time.Time) {
	if overflow := len(ch.ring) - h.ringMaxEntries; overflow > 0 {
		ch.ring = append(ch.ring[:0:0], ch.ring[overflow:]...)
	}
	expired := 0
	for expired < len(ch.ring) && now.Sub(ch.ring[expired].PublishedAt) > h.ringTTL {
		expired++
	}
	if expired > 0 {
		ch.ring = append(ch.ring[:0:0], ch.ring[expired:]...)
	}
}
