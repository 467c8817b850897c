package persistence

import (
	"context"
	"fmt"
	"slices"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/singlewriter"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/utils"
)

const emptySharedTopicReason = "Sent shared subscription with empty topic"

// SubscriptionStore 每个客户端一条订阅记录。订阅同时写入主题索引（同步，不经过 bucket）
// 和持久化记录（经过 client 所在 bucket）
type SubscriptionStore struct {
	engine      *singlewriter.Engine
	backend     database.Backend
	index       TopicIndex
	shared      *SharedSubscriptionService
	connections ConnectionRegistry
	poller      SharedPublishPoller
	events      EventLog
	clock       utils.Clock
}

// prepared 一条已解析的订阅请求
type prepared struct {
	topic    database.Topic // 写入持久化记录，共享订阅保留 $share 前缀
	sub      database.Subscription
	isShared bool
}

func (s *SubscriptionStore) prepare(clientID string, topic database.Topic) prepared {
	sub := s.shared.CreateSubscription(clientID, topic)
	p := prepared{topic: topic, sub: sub, isShared: sub.Flags.Shared()}
	if p.isShared {
		p.topic.QoS = sub.QoSLevel
	}
	return p
}

func (p prepared) result(existed bool) *database.SubscriptionResult {
	topic := p.topic
	if p.isShared {
		topic.Filter = p.sub.TopicName
	}
	return &database.SubscriptionResult{Topic: topic, SubscriptionExisted: existed, SharedGroup: p.sub.SharedGroup}
}

// hasEmptySharedFilter "$share/<group>/" 属于协议错误
func hasEmptySharedFilter(filter string) bool {
	shared, ok := parseSharedSubscription(filter)
	return ok && shared.TopicFilter == ""
}

func (s *SubscriptionStore) disconnectSharedSubscriberWithEmptyTopic(clientID string) {
	conn, ok := s.connections.GetConnection(clientID)
	if !ok {
		return
	}
	logger.WarnF("[%s] %s, disconnecting", clientID, emptySharedTopicReason)
	s.events.ClientWasDisconnected(clientID, emptySharedTopicReason)
	if err := conn.Close(emptySharedTopicReason); err != nil {
		logger.ErrorF("[%s] Closing connection failed: %v", clientID, err)
	}
}

// addToIndex 写入主题索引，失败时回滚本批次新增的条目
func (s *SubscriptionStore) addToIndex(batch []prepared) ([]bool, error) {
	existed := make([]bool, len(batch))
	for i, p := range batch {
		ok, err := s.index.AddTopicSubscriber(p.sub)
		if err != nil {
			for j := 0; j < i; j++ {
				if !existed[j] {
					s.index.RemoveSubscriber(batch[j].sub.ClientID, batch[j].sub.TopicName, batch[j].sub.SharedGroup)
				}
			}
			return nil, err
		}
		existed[i] = ok
	}
	return existed, nil
}

func (s *SubscriptionStore) removeFromIndex(batch []prepared) {
	for _, p := range batch {
		s.index.RemoveSubscriber(p.sub.ClientID, p.sub.TopicName, p.sub.SharedGroup)
	}
}

// persist 在一次提交中合并写入多条订阅；会话已不存在时不写入，在同一任务中执行 rollback 并返回 false
func (s *SubscriptionStore) persist(clientID string, topics []database.Topic, rollback func()) *singlewriter.Future[bool] {
	now := s.clock()
	return singlewriter.Submit(s.engine, clientID, func(bucket int) (bool, error) {
		ctx := context.Background()
		session, found, err := s.backend.GetSession(ctx, bucket, clientID)
		if err != nil {
			return false, fmt.Errorf("read session of %s failed: %w", clientID, err)
		}
		if !found || session.Session == nil || session.Session.IsExpired(now-session.Timestamp) || !session.Session.IsExistent() {
			if rollback != nil {
				rollback()
			}
			return false, nil
		}
		entry, _, err := s.backend.GetSubscriptions(ctx, bucket, clientID)
		if err != nil {
			return false, fmt.Errorf("read subscriptions of %s failed: %w", clientID, err)
		}
		for _, topic := range topics {
			entry.Topics = upsertTopic(entry.Topics, topic)
		}
		entry.ClientID = clientID
		entry.Timestamp = now
		if err := s.backend.PutSubscriptions(ctx, bucket, entry); err != nil {
			return false, fmt.Errorf("write subscriptions of %s failed: %w", clientID, err)
		}
		return true, nil
	})
}

// upsertTopic 同一 filter（含 $share 前缀）只保留一条
func upsertTopic(topics []database.Topic, topic database.Topic) []database.Topic {
	if i := slices.IndexFunc(topics, func(t database.Topic) bool { return t.Filter == topic.Filter }); i >= 0 {
		topics[i] = topic
		return topics
	}
	return append(topics, topic)
}

// AddSubscription 会话不存在或共享订阅的 filter 为空时返回 nil 结果
func (s *SubscriptionStore) AddSubscription(clientID string, topic database.Topic) *singlewriter.Future[*database.SubscriptionResult] {
	added := s.AddSubscriptions(clientID, []database.Topic{topic})
	return singlewriter.Then(added, func(results []*database.SubscriptionResult) (*database.SubscriptionResult, error) {
		if len(results) == 0 {
			return nil, nil
		}
		return results[0], nil
	})
}

// AddSubscriptions 在调用方 goroutine 中写主题索引并提交唯一的持久化任务，
// 与同一客户端随后提交的操作保持顺序。会话在任务执行时不存在则撤销本批次新增的索引条目。
// 结果顺序与 topics 一致
func (s *SubscriptionStore) AddSubscriptions(clientID string, topics []database.Topic) *singlewriter.Future[[]*database.SubscriptionResult] {
	if clientID == "" {
		return singlewriter.Failed[[]*database.SubscriptionResult](database.ErrClientIDEmpty)
	}
	if len(topics) == 0 {
		return singlewriter.Resolved[[]*database.SubscriptionResult](nil)
	}

	batch := make([]prepared, 0, len(topics))
	var sharedSubs []database.Subscription
	for _, topic := range topics {
		if hasEmptySharedFilter(topic.Filter) {
			s.disconnectSharedSubscriberWithEmptyTopic(clientID)
			return singlewriter.Resolved[[]*database.SubscriptionResult](nil)
		}
		p := s.prepare(clientID, topic)
		if p.isShared {
			sharedSubs = append(sharedSubs, p.sub)
		}
		batch = append(batch, p)
	}

	existed, err := s.addToIndex(batch)
	if err != nil {
		return singlewriter.Failed[[]*database.SubscriptionResult](fmt.Errorf("subscribe %s failed: %w", clientID, err))
	}

	stored := make([]database.Topic, len(batch))
	for i, p := range batch {
		stored[i] = p.topic
	}
	rollback := func() {
		logger.DebugF("[%s] Subscribe without session ignored", clientID)
		for i, p := range batch {
			if !existed[i] {
				s.index.RemoveSubscriber(p.sub.ClientID, p.sub.TopicName, p.sub.SharedGroup)
			}
		}
	}
	return singlewriter.Then(s.persist(clientID, stored, rollback), func(persisted bool) ([]*database.SubscriptionResult, error) {
		if !persisted {
			return nil, nil
		}
		s.InvalidateSharedSubscriptionCacheAndPoll(clientID, sharedSubs)
		results := make([]*database.SubscriptionResult, len(batch))
		for i, p := range batch {
			results[i] = p.result(existed[i])
		}
		return results, nil
	})
}

// RemoveSubscription topic 为客户端原始的 filter（共享订阅带 $share 前缀）
func (s *SubscriptionStore) RemoveSubscription(clientID, topic string) *singlewriter.Future[none] {
	return s.RemoveSubscriptions(clientID, []string{topic})
}

// RemoveSubscriptions 先从主题索引删除，再用一次提交删除持久化记录中的条目
func (s *SubscriptionStore) RemoveSubscriptions(clientID string, topics []string) *singlewriter.Future[none] {
	if clientID == "" {
		return singlewriter.Failed[none](database.ErrClientIDEmpty)
	}
	batch := make([]prepared, 0, len(topics))
	for _, topic := range topics {
		if hasEmptySharedFilter(topic) {
			s.disconnectSharedSubscriberWithEmptyTopic(clientID)
			return singlewriter.Resolved(none{})
		}
		batch = append(batch, s.prepare(clientID, database.Topic{Filter: topic}))
	}
	s.removeFromIndex(batch)

	now := s.clock()
	removed := singlewriter.Submit(s.engine, clientID, func(bucket int) (none, error) {
		ctx := context.Background()
		entry, found, err := s.backend.GetSubscriptions(ctx, bucket, clientID)
		if err != nil {
			return none{}, fmt.Errorf("read subscriptions of %s failed: %w", clientID, err)
		}
		if !found {
			return none{}, nil
		}
		entry.Topics = slices.DeleteFunc(entry.Topics, func(t database.Topic) bool {
			return slices.Contains(topics, t.Filter)
		})
		if len(entry.Topics) == 0 {
			err = s.backend.DeleteSubscriptions(ctx, bucket, clientID)
		} else {
			entry.Timestamp = now
			err = s.backend.PutSubscriptions(ctx, bucket, entry)
		}
		if err != nil {
			return none{}, fmt.Errorf("write subscriptions of %s failed: %w", clientID, err)
		}
		return none{}, nil
	})

	return singlewriter.Then(removed, func(none) (none, error) {
		s.invalidateShared(clientID, batch)
		return none{}, nil
	})
}

func (s *SubscriptionStore) invalidateShared(clientID string, batch []prepared) {
	shared := false
	for _, p := range batch {
		if p.isShared {
			shared = true
			s.shared.InvalidateSharedSubscriberCache(sharedSubscriptionID(p.sub.SharedGroup, p.sub.TopicName))
		}
	}
	if shared {
		s.shared.InvalidateSharedSubscriptionCache(clientID)
	}
}

// RemoveAll 删除客户端的全部订阅，主题索引与持久化记录在同一个任务中清理
func (s *SubscriptionStore) RemoveAll(clientID string) *singlewriter.Future[none] {
	removed := singlewriter.Submit(s.engine, clientID, func(bucket int) ([]prepared, error) {
		ctx := context.Background()
		entry, found, err := s.backend.GetSubscriptions(ctx, bucket, clientID)
		if err != nil {
			return nil, fmt.Errorf("read subscriptions of %s failed: %w", clientID, err)
		}
		if !found {
			return nil, nil
		}
		batch := make([]prepared, 0, len(entry.Topics))
		for _, topic := range entry.Topics {
			batch = append(batch, s.prepare(clientID, topic))
		}
		s.removeFromIndex(batch)
		if err := s.backend.DeleteSubscriptions(ctx, bucket, clientID); err != nil {
			return nil, fmt.Errorf("delete subscriptions of %s failed: %w", clientID, err)
		}
		return batch, nil
	})
	return singlewriter.Then(removed, func(batch []prepared) (none, error) {
		s.invalidateShared(clientID, batch)
		return none{}, nil
	})
}

// RemoveAllLocally 只删除持久化记录，不修改主题索引
func (s *SubscriptionStore) RemoveAllLocally(clientID string) *singlewriter.Future[none] {
	return singlewriter.Submit(s.engine, clientID, func(bucket int) (none, error) {
		if err := s.backend.DeleteSubscriptions(context.Background(), bucket, clientID); err != nil {
			return none{}, fmt.Errorf("delete subscriptions of %s failed: %w", clientID, err)
		}
		return none{}, nil
	})
}

func (s *SubscriptionStore) GetSubscriptions(clientID string) *singlewriter.Future[[]database.Topic] {
	return singlewriter.Submit(s.engine, clientID, func(bucket int) ([]database.Topic, error) {
		entry, _, err := s.backend.GetSubscriptions(context.Background(), bucket, clientID)
		if err != nil {
			return nil, fmt.Errorf("read subscriptions of %s failed: %w", clientID, err)
		}
		return entry.Topics, nil
	})
}

// GetSharedSubscriptions 只返回共享订阅
func (s *SubscriptionStore) GetSharedSubscriptions(clientID string) *singlewriter.Future[[]database.Topic] {
	return singlewriter.Then(s.GetSubscriptions(clientID), func(topics []database.Topic) ([]database.Topic, error) {
		var shared []database.Topic
		for _, topic := range topics {
			if _, ok := parseSharedSubscription(topic.Filter); ok {
				shared = append(shared, topic)
			}
		}
		return shared, nil
	})
}

// InvalidateSharedSubscriptionCacheAndPoll 新加入共享组的在线客户端立即取走组队列中的消息
func (s *SubscriptionStore) InvalidateSharedSubscriptionCacheAndPoll(clientID string, sharedSubs []database.Subscription) {
	if len(sharedSubs) == 0 {
		return
	}
	s.shared.InvalidateSharedSubscriptionCache(clientID)
	for _, sub := range sharedSubs {
		s.shared.InvalidateSharedSubscriberCache(sharedSubscriptionID(sub.SharedGroup, sub.TopicName))
	}

	conn, ok := s.connections.GetConnection(clientID)
	if !ok {
		return
	}
	for _, sub := range sharedSubs {
		if s.poller != nil {
			s.poller.PollSharedPublishesForClient(clientID, sharedSubscriptionID(sub.SharedGroup, sub.TopicName), sub.QoSLevel, sub.SubscriptionIdentifier)
		}
	}
	conn.SetNoSharedSubscription(false)
}

// CleanUp 删除 bucket 中没有会话的订阅记录，同时从主题索引移除
func (s *SubscriptionStore) CleanUp(bucket int) *singlewriter.Future[int] {
	return singlewriter.SubmitBucket(s.engine, bucket, func(bucket int) (int, error) {
		ctx := context.Background()
		entries, err := s.backend.ScanSubscriptions(ctx, bucket, "", 0)
		if err != nil {
			return 0, fmt.Errorf("scan subscriptions of bucket %d failed: %w", bucket, err)
		}
		removed := 0
		for _, entry := range entries {
			_, found, err := s.backend.GetSession(ctx, bucket, entry.ClientID)
			if err != nil {
				return removed, fmt.Errorf("read session of %s failed: %w", entry.ClientID, err)
			}
			if found && len(entry.Topics) > 0 {
				continue
			}
			batch := make([]prepared, 0, len(entry.Topics))
			for _, topic := range entry.Topics {
				batch = append(batch, s.prepare(entry.ClientID, topic))
			}
			s.removeFromIndex(batch)
			if err := s.backend.DeleteSubscriptions(ctx, bucket, entry.ClientID); err != nil {
				return removed, fmt.Errorf("delete subscriptions of %s failed: %w", entry.ClientID, err)
			}
			removed++
		}
		if removed > 0 {
			logger.DebugF("Removed %d orphaned subscription records from bucket %d", removed, bucket)
		}
		return removed, nil
	})
}

// GetAllSubscribersChunk 分块读取订阅记录
func (s *SubscriptionStore) GetAllSubscribersChunk(cursor ChunkCursor, maxSize int) *singlewriter.Future[Chunk[database.SubscriptionEntry]] {
	return getChunk(s.engine, cursor, maxSize,
		func(bucket int, afterKey string, limit int) ([]database.SubscriptionEntry, error) {
			return s.backend.ScanSubscriptions(context.Background(), bucket, afterKey, limit)
		},
		func(entry database.SubscriptionEntry) string { return entry.ClientID },
		func(entry database.SubscriptionEntry) (database.SubscriptionEntry, bool) {
			return entry, len(entry.Topics) > 0
		},
	)
}

// RestoreTopicIndex 启动时用持久化的订阅重建主题索引
func (s *SubscriptionStore) RestoreTopicIndex(ctx context.Context, chunkSize int) (int, error) {
	restored := 0
	err := Iterate(ctx, func(cursor ChunkCursor) *singlewriter.Future[Chunk[database.SubscriptionEntry]] {
		return s.GetAllSubscribersChunk(cursor, chunkSize)
	}, func(entries []database.SubscriptionEntry) error {
		for _, entry := range entries {
			for _, topic := range entry.Topics {
				if _, err := s.index.AddTopicSubscriber(s.shared.CreateSubscription(entry.ClientID, topic)); err != nil {
					logger.WarnF("[%s] Skipping invalid stored subscription %s: %v", entry.ClientID, topic.Filter, err)
					continue
				}
				restored++
			}
		}
		return nil
	})
	if err != nil {
		return restored, fmt.Errorf("restore topic index failed: %w", err)
	}
	return restored, nil
}
