package persistence

import (
	"context"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/singlewriter"
)

const sharedSubscriptionPrefix = "$share/"

var sharedSubscriptionPattern = regexp.MustCompile(`^\$share/(.*?)/(.*)$`)

// SharedSubscription $share/<ShareName>/<TopicFilter>
type SharedSubscription struct {
	TopicFilter string
	ShareName   string
}

type sharedSubscriptionSource interface {
	GetSharedSubscriptions(clientID string) *singlewriter.Future[[]database.Topic]
}

// SharedSubscriptionService 解析共享订阅语法并缓存两类查询：
// "group/filter" -> 组成员，clientID -> 该客户端的共享订阅
type SharedSubscriptionService struct {
	index   TopicIndex
	source  sharedSubscriptionSource
	timeout time.Duration

	subscriberCache   atomic.Pointer[expirable.LRU[string, []database.Subscription]]
	subscriptionCache atomic.Pointer[expirable.LRU[string, []database.Topic]]
}

func NewSharedSubscriptionService(index TopicIndex) *SharedSubscriptionService {
	return &SharedSubscriptionService{index: index, timeout: 10 * time.Second}
}

// Init 创建缓存，调用前的查询返回空结果
func (s *SharedSubscriptionService) Init(size int, ttl time.Duration) {
	if size <= 0 {
		size = 10000
	}
	s.subscriberCache.Store(expirable.NewLRU[string, []database.Subscription](size, nil, ttl))
	s.subscriptionCache.Store(expirable.NewLRU[string, []database.Topic](size, nil, ttl))
	logger.DebugF("Shared subscription caches initialized (size=%d, ttl=%s)", size, ttl)
}

func (s *SharedSubscriptionService) bindSource(source sharedSubscriptionSource) {
	s.source = source
}

// CheckForSharedSubscription 解析 $share/<group>/<filter>，非共享订阅返回 false
func (s *SharedSubscriptionService) CheckForSharedSubscription(topic string) (SharedSubscription, bool) {
	return parseSharedSubscription(topic)
}

func parseSharedSubscription(topic string) (SharedSubscription, bool) {
	if !strings.HasPrefix(topic, sharedSubscriptionPrefix) {
		return SharedSubscription{}, false
	}
	match := sharedSubscriptionPattern.FindStringSubmatch(topic)
	if match == nil {
		return SharedSubscription{}, false
	}
	return SharedSubscription{ShareName: match[1], TopicFilter: match[2]}, true
}

// CreateSubscription 生成写入主题索引的订阅，共享订阅去掉前缀并把 QoS 2 降为 QoS 1
func (s *SharedSubscriptionService) CreateSubscription(clientID string, topic database.Topic) database.Subscription {
	sub := database.Subscription{
		ClientID:               clientID,
		TopicName:              topic.Filter,
		QoSLevel:               topic.QoS,
		SubscriptionIdentifier: topic.SubscriptionIdentifier,
	}
	shared, ok := parseSharedSubscription(topic.Filter)
	if !ok {
		sub.Flags = database.NewSubscriptionFlags(false, topic.RetainAsPublished, topic.NoLocal)
		return sub
	}
	sub.TopicName = shared.TopicFilter
	sub.SharedGroup = shared.ShareName
	sub.QoSLevel = downgradeSharedQoS(topic.QoS)
	sub.Flags = database.NewSubscriptionFlags(true, topic.RetainAsPublished, topic.NoLocal)
	return sub
}

func downgradeSharedQoS(qos database.QoS) database.QoS {
	if qos == database.ExactlyOnce {
		return database.AtLeastOnce
	}
	return qos
}

// GetSharedSubscriber 返回 "group/filter" 的全部成员
func (s *SharedSubscriptionService) GetSharedSubscriber(sharedSubscription string) []database.Subscription {
	cache := s.subscriberCache.Load()
	if cache == nil {
		return nil
	}
	if members, ok := cache.Get(sharedSubscription); ok {
		return members
	}
	group, filter, ok := SplitTopicAndGroup(sharedSubscription)
	if !ok {
		return nil
	}
	members := s.index.GetSharedSubscriber(group, filter)
	cache.Add(sharedSubscription, members)
	return members
}

// GetSharedSubscriptions 返回客户端的全部共享订阅，Filter 带 $share 前缀。
// 会等待 bucket 读取完成，不能在 bucket 任务内调用
func (s *SharedSubscriptionService) GetSharedSubscriptions(clientID string) []database.Topic {
	cache := s.subscriptionCache.Load()
	if cache == nil || s.source == nil {
		return nil
	}
	if topics, ok := cache.Get(clientID); ok {
		return topics
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	topics, err := s.source.GetSharedSubscriptions(clientID).Get(ctx)
	if err != nil {
		logger.ErrorF("[%s] Loading shared subscriptions failed: %v", clientID, err)
		return nil
	}
	cache.Add(clientID, topics)
	return topics
}

func (s *SharedSubscriptionService) InvalidateSharedSubscriberCache(sharedSubscription string) {
	if cache := s.subscriberCache.Load(); cache != nil {
		cache.Remove(sharedSubscription)
	}
}

func (s *SharedSubscriptionService) InvalidateSharedSubscriptionCache(clientID string) {
	if cache := s.subscriptionCache.Load(); cache != nil {
		cache.Remove(clientID)
	}
}

// SplitTopicAndGroup 将 "group/filter" 在第一个 '/' 处拆开
func SplitTopicAndGroup(sharedSubscription string) (group, filter string, ok bool) {
	group, filter, ok = strings.Cut(sharedSubscription, "/")
	if !ok || filter == "" {
		return "", "", false
	}
	return group, filter, true
}

// RemovePrefix 去掉 $share/ 前缀
func RemovePrefix(topic string) string {
	return strings.TrimPrefix(topic, sharedSubscriptionPrefix)
}

// sharedSubscriptionID 组队列与成员缓存使用的 key
func sharedSubscriptionID(group, filter string) string {
	return group + "/" + filter
}
