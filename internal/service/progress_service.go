package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/stagerun-api/internal/dto"
	"github.com/noah-isme/stagerun-api/internal/observability"
)

const (
	progressBufferSize = 16
	// recentEnvelopeLimit bounds how many remote envelope ids are remembered for de-duplication.
	recentEnvelopeLimit = 1024
)

// ProgressPublisher emits stage progress events.
type ProgressPublisher interface {
	Publish(ctx context.Context, event dto.StageProgressEvent) error
}

// ProgressService fans stage progress events out to connected learners on every instance.
type ProgressService interface {
	ProgressPublisher
	Subscribe(userID string) (<-chan dto.StageProgressEvent, func())
	Start(ctx context.Context)
}

type progressService struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	broker       *progressBroker
	nodeID       string
	seen         *recentIDs
}

type progressEnvelope struct {
	ID     string                 `json:"id"`
	Source string                 `json:"source"`
	Event  dto.StageProgressEvent `json:"event"`
	SentAt time.Time              `json:"sent_at"`
}

type progressBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan dto.StageProgressEvent]struct{}
}

type recentIDs struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	limit int
}

// NewProgressService constructs a progress service. Redis and NATS are optional; when both are
// given, events travel over NATS only.
func NewProgressService(redisClient *redis.Client, channel string, natsConn *nats.Conn, logger zerolog.Logger) ProgressService {
	subject := ""
	if channel != "" {
		subject = strings.ReplaceAll(channel, ":", ".")
	}

	logger = logger.With().Str("component", "progress_service").Logger()
	if natsConn != nil && subject != "" && redisClient != nil {
		logger.Info().Msg("nats configured, progress events skip redis")
		redisClient = nil
	}

	return &progressService{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger,
		broker: &progressBroker{
			subscribers: make(map[string]map[chan dto.StageProgressEvent]struct{}),
		},
		nodeID: uuid.NewString(),
		seen:   &recentIDs{ids: make(map[string]struct{}), limit: recentEnvelopeLimit},
	}
}

func (s *progressService) Start(ctx context.Context) {
	if s.redis != nil && s.redisChannel != "" {
		pubsub := s.redis.Subscribe(ctx, s.redisChannel)
		// Confirm the subscription before returning.
		if _, err := pubsub.Receive(ctx); err != nil {
			s.logger.Error().Err(err).Msg("failed to subscribe to redis progress channel")
			_ = pubsub.Close()
		} else {
			go s.consumeRedis(ctx, pubsub)
		}
	}
	if s.nats != nil && s.natsSubject != "" {
		s.consumeNATS(ctx)
	}
}

func (s *progressService) Publish(ctx context.Context, event dto.StageProgressEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	s.broker.broadcast(event.UserID, event)
	observability.ProgressEvents().WithLabelValues("local").Inc()

	envelope := progressEnvelope{
		ID:     uuid.NewString(),
		Source: s.nodeID,
		Event:  event,
		SentAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	if s.redis != nil && s.redisChannel != "" {
		if err := s.redis.Publish(ctx, s.redisChannel, payload).Err(); err != nil {
			return err
		}
	}

	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

func (s *progressService) Subscribe(userID string) (<-chan dto.StageProgressEvent, func()) {
	channel := make(chan dto.StageProgressEvent, progressBufferSize)

	s.broker.subscribe(userID, channel)
	observability.StreamClientsActive().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.broker.unsubscribe(userID, channel)
			observability.StreamClientsActive().Dec()
		})
	}

	return channel, cleanup
}

func (s *progressService) consumeRedis(ctx context.Context, pubsub *redis.PubSub) {
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("progress redis subscription closed")
			return
		}
		s.handleEnvelope([]byte(msg.Payload), "redis")
	}
}

func (s *progressService) consumeNATS(ctx context.Context) {
	// Plain subscription: every instance must see every event.
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleEnvelope(msg.Data, "nats")
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats progress subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain progress nats subscription")
		}
	}()
}

func (s *progressService) handleEnvelope(payload []byte, origin string) {
	var envelope progressEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		s.logger.Warn().Err(err).Msg("invalid progress event payload")
		return
	}

	if envelope.Source == s.nodeID {
		return
	}
	if envelope.ID != "" && !s.seen.add(envelope.ID) {
		return
	}

	observability.ProgressEvents().WithLabelValues(origin).Inc()
	s.broker.broadcast(envelope.Event.UserID, envelope.Event)
}

func (b *progressBroker) subscribe(userID string, ch chan dto.StageProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[userID]; !exists {
		b.subscribers[userID] = make(map[chan dto.StageProgressEvent]struct{})
	}
	b.subscribers[userID][ch] = struct{}{}
}

func (b *progressBroker) unsubscribe(userID string, ch chan dto.StageProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[userID]; ok {
		if _, exists := subscribers[ch]; !exists {
			return
		}
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, userID)
		}
	}
}

func (b *progressBroker) broadcast(userID string, event dto.StageProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[userID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// add records id and reports whether it was new. The oldest ids are forgotten past the limit.
func (r *recentIDs) add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.limit {
		delete(r.ids, r.order[0])
		r.order = r.order[1:]
	}
	return true
}
