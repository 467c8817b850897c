// Package persistence 实现会话与订阅的持久化核心：按 client 分片的单写者执行、会话状态机、订阅双写、共享订阅解析与缓存、遗嘱延迟投递以及分块遍历
package persistence

import (
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/database"
)

// TopicIndex 消息分发使用的主题匹配索引，由 subscription.TopicTree 实现
type TopicIndex interface {
	AddTopicSubscriber(sub database.Subscription) (bool, error)
	RemoveSubscriber(clientID, filter, sharedGroup string) bool
	GetSharedSubscriber(sharedGroup, filter string) []database.Subscription
}

type ConnectionRegistry interface {
	GetConnection(clientID string) (*connection.Connection, bool)
}

// PayloadStore 引用计数的消息体存储
type PayloadStore interface {
	Add(payload []byte, refs int64) int64
	Decrement(id int64)
}

type ClientQueue interface {
	SetQueueLimit(clientID string, limit *uint64)
	RemoveAllQos0Messages(id string, shared bool) int
	Clear(id string, shared bool)
	CleanUp(now int64, include func(id string, shared bool) bool) int
}

type SharedPublishPoller interface {
	PollSharedPublishesForClient(clientID, sharedSubID string, qos database.QoS, subID *int32)
}

type WillPublisher interface {
	SendWill(clientID string, will *database.ClientSessionWill) error
}

type EventLog interface {
	ClientSessionExpired(expiredAt int64, clientID string)
	ClientWasDisconnected(clientID, reason string)
	WillPublished(clientID string, err error)
}
