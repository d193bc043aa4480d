package bus

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/permgate/internal/logger"
	"go.uber.org/zap"
)

// EventBus 事件总线
// 发布永不阻塞：订阅者缓冲区满时丢弃事件
type EventBus struct {
	subs       map[string]*Subscription
	mu         sync.RWMutex
	closed     bool
	bufferSize int
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{
		subs:       make(map[string]*Subscription),
		bufferSize: bufferSize,
	}
}

// Publish 发布事件，返回成功投递的订阅者数量
func (b *EventBus) Publish(topic string, payload interface{}) (int, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return 0, fmt.Errorf("event topic is empty")
	}

	evt := &Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, ErrBusClosed
	}

	sent := 0
	for id, sub := range b.subs {
		if !MatchTopic(sub.topics, topic) {
			continue
		}
		// 非阻塞发送，避免一个慢订阅者阻塞其他订阅者
		select {
		case sub.ch <- evt:
			sent++
		default:
			logger.Warn("Subscriber channel full, event dropped",
				zap.String("subscription_id", id),
				zap.String("topic", topic),
				zap.Int("queue_len", len(sub.ch)))
		}
	}

	logger.Debug("Event published",
		zap.String("topic", topic),
		zap.Int("sent_to", sent))
	return sent, nil
}

// Subscribe 订阅事件；不传 topic 表示订阅全部
func (b *EventBus) Subscribe(topics ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan *Event)
		close(ch)
		return &Subscription{C: ch, ch: ch}
	}

	ch := make(chan *Event, b.bufferSize)
	sub := &Subscription{
		ID:     uuid.New().String(),
		C:      ch,
		ch:     ch,
		topics: append([]string(nil), topics...),
		bus:    b,
	}
	b.subs[sub.ID] = sub

	logger.Debug("New event subscriber",
		zap.String("subscription_id", sub.ID),
		zap.Strings("topics", topics),
		zap.Int("total_subscribers", len(b.subs)))
	return sub
}

// unsubscribe 取消订阅
func (b *EventBus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// SubscriberCount 获取订阅者数量
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close 关闭事件总线
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	// 关闭所有订阅者的 channel
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	return nil
}

// IsClosed 检查是否已关闭
func (b *EventBus) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Subscription 事件订阅
type Subscription struct {
	ID     string
	C      <-chan *Event
	ch     chan *Event
	topics []string
	bus    *EventBus
}

// Topics returns the subscribed topic filters.
func (s *Subscription) Topics() []string {
	return append([]string(nil), s.topics...)
}

// Unsubscribe 取消订阅
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.unsubscribe(s.ID)
}

// Errors
var (
	ErrBusClosed = &BusError{Message: "event bus is closed"}
)

// BusError 总线错误
type BusError struct {
	Message string
}

func (e *BusError) Error() string {
	return e.Message
}
