// Package publish 将消息按订阅树分发到客户端队列，共享订阅先进入组队列再轮询投递给在线成员
package publish

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/clientqueue"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/payload"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/subscription"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/utils"
	"github.com/puzpuzpuz/xsync/v4"
)

var ErrPayloadMissing = errors.New("will payload not found")

// SharedSubscriberLookup 按 "group/filter" 查询共享组成员
type SharedSubscriberLookup interface {
	GetSharedSubscriber(sharedSubscription string) []database.Subscription
}

type Publish struct {
	Topic                  string
	Payload                []byte
	QoS                    database.QoS
	Retain                 bool
	MessageExpiryInterval  uint32
	PayloadFormatIndicator *byte
	ContentType            string
	ResponseTopic          string
	CorrelationData        []byte
	UserProperties         []database.UserProperty
	// Publisher 发布者 client id，用于 no-local
	Publisher string
}

type Result struct {
	Delivered int
	Dropped   int
	// SharedQueued 进入共享组队列的消息数
	SharedQueued int
}

type Service struct {
	tree        *subscription.TopicTree
	shared      SharedSubscriberLookup
	queues      *clientqueue.Manager
	connections *connection.ConnectionManager
	payloads    *payload.Store
	clock       utils.Clock
	pollBatch   int
	roundRobin  *xsync.Map[string, *atomic.Uint64]
	willCount   atomic.Int64
}

func NewService(
	tree *subscription.TopicTree,
	shared SharedSubscriberLookup,
	queues *clientqueue.Manager,
	connections *connection.ConnectionManager,
	payloads *payload.Store,
	pollBatch int,
) *Service {
	if pollBatch <= 0 {
		pollBatch = 50
	}
	return &Service{
		tree:        tree,
		shared:      shared,
		queues:      queues,
		connections: connections,
		payloads:    payloads,
		clock:       utils.NowMillis,
		pollBatch:   pollBatch,
		roundRobin:  xsync.NewMap[string, *atomic.Uint64](),
	}
}

func (s *Service) message(p Publish, qos database.QoS, sub database.Subscription) clientqueue.Message {
	now := s.clock()
	msg := clientqueue.Message{
		Topic:                  p.Topic,
		Payload:                p.Payload,
		QoS:                    qos,
		Retain:                 p.Retain && sub.Flags.RetainAsPublished(),
		PayloadFormatIndicator: p.PayloadFormatIndicator,
		ContentType:            p.ContentType,
		ResponseTopic:          p.ResponseTopic,
		CorrelationData:        p.CorrelationData,
		UserProperties:         p.UserProperties,
		Publisher:              p.Publisher,
		Timestamp:              now,
	}
	if p.MessageExpiryInterval > 0 {
		msg.ExpiresAt = now + int64(p.MessageExpiryInterval)*1000
	}
	if sub.SubscriptionIdentifier != nil {
		msg.SubscriptionIdentifiers = []int32{*sub.SubscriptionIdentifier}
	}
	return msg
}

// Publish 匹配订阅并入队
func (s *Service) Publish(p Publish) (Result, error) {
	if err := subscription.ValidateTopicName(p.Topic); err != nil {
		return Result{}, err
	}
	var result Result
	groups := make(map[string]database.Subscription)
	for _, sub := range s.tree.MatchTopic(p.Topic) {
		if sub.Flags.Shared() {
			groups[sub.SharedGroup+"/"+sub.TopicName] = sub
			continue
		}
		if sub.Flags.NoLocal() && sub.ClientID == p.Publisher {
			continue
		}
		if s.queues.Add(sub.ClientID, false, s.message(p, min(p.QoS, sub.QoSLevel), sub)) {
			result.Delivered++
		} else {
			result.Dropped++
		}
	}

	for sharedSubID, sub := range groups {
		// 共享队列中的 QoS 在投递给成员时再按成员订阅降级
		if !s.queues.Add(sharedSubID, true, s.message(p, p.QoS, database.Subscription{Flags: sub.Flags})) {
			result.Dropped++
			continue
		}
		result.SharedQueued++
		result.Delivered += s.drainShared(sharedSubID)
	}
	return result, nil
}

// drainShared 将共享队列中的消息轮询分配给在线成员，没有在线成员时保留在队列中
func (s *Service) drainShared(sharedSubID string) int {
	var online []database.Subscription
	for _, member := range s.shared.GetSharedSubscriber(sharedSubID) {
		if _, ok := s.connections.GetConnection(member.ClientID); ok {
			online = append(online, member)
		}
	}
	if len(online) == 0 {
		return 0
	}
	counter, _ := s.roundRobin.LoadOrCompute(sharedSubID, func() (*atomic.Uint64, bool) {
		return &atomic.Uint64{}, false
	})

	delivered := 0
	for {
		batch := s.queues.Poll(sharedSubID, true, s.pollBatch)
		if len(batch) == 0 {
			return delivered
		}
		for _, msg := range batch {
			member := online[counter.Add(1)%uint64(len(online))]
			if s.enqueueShared(member.ClientID, msg, member.QoSLevel, member.SubscriptionIdentifier) {
				delivered++
			}
		}
	}
}

func (s *Service) enqueueShared(clientID string, msg clientqueue.Message, qos database.QoS, subID *int32) bool {
	msg.QoS = min(msg.QoS, qos)
	msg.SubscriptionIdentifiers = nil
	if subID != nil {
		msg.SubscriptionIdentifiers = []int32{*subID}
	}
	return s.queues.Add(clientID, false, msg)
}

// PollSharedPublishesForClient 新成员加入共享组后立即取走组队列中已缓存的消息
func (s *Service) PollSharedPublishesForClient(clientID, sharedSubID string, qos database.QoS, subID *int32) {
	if _, ok := s.connections.GetConnection(clientID); !ok {
		return
	}
	moved := 0
	for {
		batch := s.queues.Poll(sharedSubID, true, s.pollBatch)
		if len(batch) == 0 {
			break
		}
		for _, msg := range batch {
			if s.enqueueShared(clientID, msg, qos, subID) {
				moved++
			}
		}
	}
	if moved > 0 {
		logger.DebugF("[%s] Polled %d queued messages of shared subscription %s", clientID, moved, sharedSubID)
	}
}

// SendWill 根据遗嘱构造 PUBLISH 并分发，payload 不在这里释放
func (s *Service) SendWill(clientID string, will *database.ClientSessionWill) error {
	data := will.Payload
	if data == nil {
		stored, ok := s.payloads.Get(will.PublishID)
		if !ok {
			return fmt.Errorf("%w: client %s, publish id %d", ErrPayloadMissing, clientID, will.PublishID)
		}
		data = stored
	}
	result, err := s.Publish(Publish{
		Topic:                  will.Topic,
		Payload:                data,
		QoS:                    will.QoS,
		Retain:                 will.Retain,
		MessageExpiryInterval:  will.MessageExpiryInterval,
		PayloadFormatIndicator: will.PayloadFormatIndicator,
		ContentType:            will.ContentType,
		ResponseTopic:          will.ResponseTopic,
		CorrelationData:        slices.Clone(will.CorrelationData),
		UserProperties:         slices.Clone(will.UserProperties),
		Publisher:              clientID,
	})
	if err != nil {
		return fmt.Errorf("publish will of %s failed: %w", clientID, err)
	}
	s.willCount.Add(1)
	logger.DebugF("[%s] Will published on %s to %d subscribers", clientID, will.Topic, result.Delivered)
	return nil
}

// WillsPublished 已发送的遗嘱数量
func (s *Service) WillsPublished() int64 {
	return s.willCount.Load()
}
