package event

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"baton-attendance/backend/pkg/metrics"
)

// DefaultBufferSize 每个订阅者的缓冲事件数
const DefaultBufferSize = 64

// Hub 进程内按会话分发事件。
// 同一会话的事件按 Publish 调用顺序投递到每个订阅者；
// 订阅者缓冲区满时直接断开，不跳过事件。
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	bufSize int
	logger  *zap.Logger
}

// NewHub 创建 Hub，bufSize <= 0 时使用 DefaultBufferSize
func NewHub(bufSize int, logger *zap.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Hub{
		subs:    make(map[string]map[*Subscription]struct{}),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Subscription 一个会话订阅；C 关闭表示订阅已结束
type Subscription struct {
	C <-chan Event

	sessionID string
	hub       *Hub
	ch        chan Event
	mu        sync.Mutex
	closed    bool
	dropped   bool
}

// Subscribe 订阅某会话的事件
func (h *Hub) Subscribe(sessionID string) *Subscription {
	ch := make(chan Event, h.bufSize)
	sub := &Subscription{C: ch, sessionID: sessionID, hub: h, ch: ch}

	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	metrics.EventSubscribers.Inc()
	return sub
}

// Publish 投递到该会话的全部订阅者，从不阻塞；Final 事件投递后关闭会话订阅
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs[ev.SessionID]))
	for sub := range h.subs[ev.SessionID] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		if !sub.offer(ev) {
			h.logger.Warn("订阅者缓冲区已满，断开连接",
				zap.String("session_id", ev.SessionID),
				zap.String("event", string(ev.Type)),
			)
			metrics.EventsDropped.Inc()
			sub.drop()
		}
	}
	if ev.Final {
		h.CloseSession(ev.SessionID)
	}
	return nil
}

// SubscriberCount 某会话当前订阅数
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// CloseSession 结束某会话的全部订阅
func (h *Hub) CloseSession(sessionID string) {
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs[sessionID]))
	for sub := range h.subs[sessionID] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		sub.Close()
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.sessionID]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.sessionID)
	}
	metrics.EventSubscribers.Dec()
}

// offer 非阻塞投递，缓冲区满返回 false
func (s *Subscription) offer(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) drop() {
	s.mu.Lock()
	s.dropped = true
	s.mu.Unlock()
	s.Close()
}

// Dropped 订阅是否因缓冲区溢出被断开
func (s *Subscription) Dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close 取消订阅，可重复调用
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.hub.remove(s)
}
