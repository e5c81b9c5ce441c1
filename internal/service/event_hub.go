package service

import (
	"classroom_qa_backend/pkg/logger"
	"classroom_qa_backend/pkg/monitoring"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type EventType string

const (
	EventQuestionCreated      EventType = "question.created"
	EventQuestionStateChanged EventType = "question.state_changed"
	EventSessionEnded         EventType = "session.ended"
)

const (
	subscriberBuffer   = 64
	eventChannelPrefix = "session:"
	eventChannelSuffix = ":events"
)

// Event 面向教师看板的会话事件。投递为至少一次，消费方应按 ID 去重。
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	SessionID  string    `json:"session_id"`
	QuestionID string    `json:"question_id,omitempty"`
	Resolved   *bool     `json:"resolved,omitempty"`
	At         time.Time `json:"at"`
	Origin     string    `json:"origin,omitempty"`
}

// Publisher 事件发布接口，intake/resolution 只依赖它
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// EventHub 进程内按会话扇出；配置了 redis 时同时跨实例转发
type EventHub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	redis  *redis.Client
	nodeID string
	done   chan struct{}

	stopOnce sync.Once
}

func NewEventHub(rdb *redis.Client) *EventHub {
	return &EventHub{
		subs:   make(map[string]map[chan Event]struct{}),
		redis:  rdb,
		nodeID: uuid.New().String(),
		done:   make(chan struct{}),
	}
}

func sessionEventChannel(sessionID string) string {
	return eventChannelPrefix + sessionID + eventChannelSuffix
}

func (h *EventHub) Publish(ctx context.Context, evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	evt.Origin = h.nodeID

	h.broadcast(evt)

	if h.redis != nil {
		payload, err := json.Marshal(evt)
		if err != nil {
			return
		}
		if err := h.redis.Publish(ctx, sessionEventChannel(evt.SessionID), payload).Err(); err != nil {
			logger.Log.Warn("publish session event to redis failed", zap.String("sessionId", evt.SessionID), zap.Error(err))
		}
	}
}

// broadcast 订阅者缓冲满时丢弃，订阅方可通过重新拉取列表补齐
func (h *EventHub) broadcast(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[evt.SessionID] {
		select {
		case ch <- evt:
		default:
			logger.Log.Debug("session event dropped for slow subscriber", zap.String("sessionId", evt.SessionID))
		}
	}
}

// Subscribe 返回事件通道与取消函数，取消后通道关闭
func (h *EventHub) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan Event]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()
	monitoring.EventSubscribers.Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[sessionID], ch)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			h.mu.Unlock()
			close(ch)
			monitoring.EventSubscribers.Dec()
		})
	}
	return ch, cancel
}

func (h *EventHub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Run 订阅 redis 上所有会话事件并转发给本地订阅者，忽略本节点发出的事件
func (h *EventHub) Run(ctx context.Context) {
	if h.redis == nil {
		return
	}
	pubsub := h.redis.PSubscribe(ctx, eventChannelPrefix+"*"+eventChannelSuffix)
	defer pubsub.Close()
	msgs := pubsub.Channel()
	for {
		select {
		case <-h.done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if !strings.HasSuffix(msg.Channel, eventChannelSuffix) {
				continue
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				logger.Log.Warn("invalid session event payload", zap.Error(err))
				continue
			}
			if evt.Origin == h.nodeID {
				continue
			}
			h.broadcast(evt)
		}
	}
}

func (h *EventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}
