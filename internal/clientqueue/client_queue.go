// Package clientqueue 保存待投递给客户端或共享订阅组的消息
package clientqueue

import (
	"slices"
	"sync"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/logger"
	"github.com/puzpuzpuz/xsync/v4"
)

// Message 排队中的一条 PUBLISH
type Message struct {
	PacketID                uint16
	Topic                   string
	Payload                 []byte
	QoS                     database.QoS
	Retain                  bool
	PayloadFormatIndicator  *byte
	ContentType             string
	ResponseTopic           string
	CorrelationData         []byte
	UserProperties          []database.UserProperty
	SubscriptionIdentifiers []int32
	Publisher               string
	Timestamp               int64
	// ExpiresAt 毫秒时间戳，0 表示不过期
	ExpiresAt int64
}

func (m Message) Expired(now int64) bool {
	return m.ExpiresAt > 0 && now >= m.ExpiresAt
}

type queueKey struct {
	id     string
	shared bool
}

type queue struct {
	mu       sync.Mutex
	messages []Message
}

type Manager struct {
	queues       *xsync.Map[queueKey, *queue]
	limits       *xsync.Map[string, uint64]
	packetIDs    *xsync.Map[string, *PacketIDManager]
	defaultLimit uint64
}

// NewManager defaultLimit 为每个队列的默认上限，0 表示不限制
func NewManager(defaultLimit uint64) *Manager {
	return &Manager{
		queues:       xsync.NewMap[queueKey, *queue](),
		limits:       xsync.NewMap[string, uint64](),
		packetIDs:    xsync.NewMap[string, *PacketIDManager](),
		defaultLimit: defaultLimit,
	}
}

// SetQueueLimit 设置客户端的队列上限，nil 恢复默认值
func (m *Manager) SetQueueLimit(clientID string, limit *uint64) {
	if limit == nil {
		m.limits.Delete(clientID)
		return
	}
	m.limits.Store(clientID, *limit)
}

func (m *Manager) limitOf(key queueKey) uint64 {
	if !key.shared {
		if limit, ok := m.limits.Load(key.id); ok {
			return limit
		}
	}
	return m.defaultLimit
}

func (m *Manager) getQueue(key queueKey) *queue {
	q, _ := m.queues.LoadOrCompute(key, func() (*queue, bool) {
		return &queue{}, false
	})
	return q
}

// Add 入队，队列已满时丢弃并返回 false
func (m *Manager) Add(id string, shared bool, msg Message) bool {
	key := queueKey{id: id, shared: shared}
	limit := m.limitOf(key)
	q := m.getQueue(key)

	q.mu.Lock()
	defer q.mu.Unlock()
	if limit > 0 && uint64(len(q.messages)) >= limit {
		logger.DebugF("[%s] Queue full (%d), dropping message on %s", id, limit, msg.Topic)
		return false
	}
	q.messages = append(q.messages, msg)
	return true
}

// Poll 取出最多 max 条消息，max <= 0 表示全部；客户端队列中 QoS > 0 的消息会分配 packet id
func (m *Manager) Poll(id string, shared bool, max int) []Message {
	q, ok := m.queues.Load(queueKey{id: id, shared: shared})
	if !ok {
		return nil
	}

	q.mu.Lock()
	n := len(q.messages)
	if max > 0 && max < n {
		n = max
	}
	polled := slices.Clone(q.messages[:n])
	q.messages = slices.Delete(q.messages, 0, n)
	q.mu.Unlock()

	if shared {
		return polled
	}
	ids := m.PacketIDs(id)
	for i := range polled {
		if polled[i].QoS == database.AtMostOnce {
			continue
		}
		packetID, err := ids.NextID()
		if err != nil {
			// 放回未能分配 id 的消息
			logger.WarnF("[%s] %v, %d messages stay queued", id, err, len(polled)-i)
			q.mu.Lock()
			q.messages = append(slices.Clone(polled[i:]), q.messages...)
			q.mu.Unlock()
			return polled[:i]
		}
		polled[i].PacketID = packetID
	}
	return polled
}

// Acknowledge 客户端确认后释放 packet id
func (m *Manager) Acknowledge(clientID string, packetID uint16) {
	if ids, ok := m.packetIDs.Load(clientID); ok {
		ids.ReleaseID(packetID)
	}
}

func (m *Manager) PacketIDs(clientID string) *PacketIDManager {
	ids, _ := m.packetIDs.LoadOrCompute(clientID, func() (*PacketIDManager, bool) {
		return NewPacketIDManager(), false
	})
	return ids
}

// RemoveAllQos0Messages 删除 QoS 0 消息，返回删除数量
func (m *Manager) RemoveAllQos0Messages(id string, shared bool) int {
	q, ok := m.queues.Load(queueKey{id: id, shared: shared})
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	before := len(q.messages)
	q.messages = slices.DeleteFunc(q.messages, func(msg Message) bool {
		return msg.QoS == database.AtMostOnce
	})
	return before - len(q.messages)
}

// Clear 删除队列以及客户端的 packet id 状态
func (m *Manager) Clear(id string, shared bool) {
	m.queues.Delete(queueKey{id: id, shared: shared})
	if !shared {
		m.packetIDs.Delete(id)
	}
}

func (m *Manager) Size(id string, shared bool) int {
	q, ok := m.queues.Load(queueKey{id: id, shared: shared})
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// CleanUp 删除已过期的消息，include 为 nil 时处理全部队列
func (m *Manager) CleanUp(now int64, include func(id string, shared bool) bool) int {
	removed := 0
	m.queues.Range(func(key queueKey, q *queue) bool {
		if include != nil && !include(key.id, key.shared) {
			return true
		}
		q.mu.Lock()
		before := len(q.messages)
		q.messages = slices.DeleteFunc(q.messages, func(msg Message) bool {
			return msg.Expired(now)
		})
		removed += before - len(q.messages)
		q.mu.Unlock()
		return true
	})
	if removed > 0 {
		logger.DebugF("Removed %d expired queued messages", removed)
	}
	return removed
}
