package persistence

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/singlewriter"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/utils"
)

type none = struct{}

// SessionStore 会话状态机。所有对 backend 的访问都在 client 所在 bucket 的任务中执行，
// 清理订阅、队列等后续操作在任务完成后再发起
type SessionStore struct {
	engine        *singlewriter.Engine
	backend       database.SessionBackend
	subscriptions *SubscriptionStore
	wills         *PendingWills
	queues        ClientQueue
	payloads      PayloadStore
	connections   ConnectionRegistry
	publisher     WillPublisher
	events        EventLog
	clock         utils.Clock
}

type previousSession struct {
	session   *database.ClientSession
	timestamp int64
}

func (s *SessionStore) releaseWill(will *database.ClientSessionWill) {
	if will != nil {
		s.payloads.Decrement(will.PublishID)
	}
}

// publishWill 发送遗嘱并释放 payload 引用，失败只记录
func (s *SessionStore) publishWill(clientID string, will *database.ClientSessionWill) {
	err := s.publisher.SendWill(clientID, will)
	s.events.WillPublished(clientID, err)
	s.releaseWill(will)
}

func (s *SessionStore) cleanClientData(clientID string) *singlewriter.Future[none] {
	s.queues.Clear(clientID, false)
	return s.subscriptions.RemoveAll(clientID)
}

// ClientConnected 先取消未发送的遗嘱，再在同一个任务里读取旧会话并写入新会话；
// cleanStart 或旧会话已过期时，任务完成后清理订阅和队列
func (s *SessionStore) ClientConnected(clientID string, cleanStart bool, expiry uint32, will *database.ClientSessionWill, queueLimit *uint64) *singlewriter.Future[none] {
	if clientID == "" {
		return singlewriter.Failed[none](database.ErrClientIDEmpty)
	}
	s.wills.CancelWill(clientID)

	session := database.NewClientSession(true, expiry)
	if queueLimit != nil {
		limit := *queueLimit
		session.QueueLimit = &limit
	}
	if will != nil {
		w := will.Copy()
		w.PublishID = s.payloads.Add(w.Payload, 1)
		w.Payload = nil
		session.Will = w
	}

	now := s.clock()
	written := singlewriter.Submit(s.engine, clientID, func(bucket int) (*previousSession, error) {
		ctx := context.Background()
		previous, found, err := s.backend.GetSession(ctx, bucket, clientID)
		if err != nil {
			s.releaseWill(session.Will)
			return nil, fmt.Errorf("read session of %s failed: %w", clientID, err)
		}
		entry := database.SessionEntry{ClientID: clientID, Session: session, Timestamp: now}
		if err := s.backend.PutSession(ctx, bucket, entry); err != nil {
			s.releaseWill(session.Will)
			return nil, fmt.Errorf("write session of %s failed: %w", clientID, err)
		}
		s.queues.SetQueueLimit(clientID, session.QueueLimit)
		if !found || previous.Session == nil {
			return nil, nil
		}
		// 新会话整体替换旧会话，旧遗嘱的引用在这里释放
		s.releaseWill(previous.Session.Will)
		return &previousSession{session: previous.Session, timestamp: previous.Timestamp}, nil
	})

	return singlewriter.Chain(written, func(previous *previousSession) *singlewriter.Future[none] {
		if cleanStart {
			return s.cleanClientData(clientID)
		}
		if previous != nil && previous.session.IsExpired(now-previous.timestamp) {
			// 使用旧会话的过期时间，描述的是旧会话实际失效的时刻
			expiredAt := previous.timestamp + int64(previous.session.SessionExpiryInterval)*1000
			s.events.ClientSessionExpired(expiredAt, clientID)
			return s.cleanClientData(clientID)
		}
		return singlewriter.Resolved(none{})
	})
}

// ClientDisconnected expiry 为 database.SessionExpiryNotSet 时保留会话原有的过期时间
func (s *SessionStore) ClientDisconnected(clientID string, sendWill bool, expiry int64) *singlewriter.Future[none] {
	if clientID == "" {
		return singlewriter.Failed[none](database.ErrClientIDEmpty)
	}
	if expiry < database.SessionExpiryNotSet || expiry > math.MaxUint32 {
		return singlewriter.Failed[none](fmt.Errorf("%w: %d", ErrInvalidSessionExpiryInterval, expiry))
	}

	now := s.clock()
	disconnected := singlewriter.Submit(s.engine, clientID, func(bucket int) (uint32, error) {
		ctx := context.Background()
		entry, found, err := s.backend.GetSession(ctx, bucket, clientID)
		if err != nil {
			return 0, fmt.Errorf("read session of %s failed: %w", clientID, err)
		}
		session := entry.Session
		if !found || session == nil {
			// 未知客户端写入立即过期的墓碑，由下一次清理删除
			session = database.NewClientSession(false, database.SessionExpireOnDisconnect)
		}
		var dropped *database.ClientSessionWill
		if !sendWill {
			dropped = session.Will
			session.Will = nil
		}
		if expiry != database.SessionExpiryNotSet {
			session.SessionExpiryInterval = uint32(expiry)
		}
		session.Connected = false

		var immediate *database.ClientSessionWill
		if sendWill && session.Will != nil && pendingWillDelay(session) == 0 {
			immediate = session.Will
			session.Will = nil
		}

		if err := s.backend.PutSession(ctx, bucket, database.SessionEntry{ClientID: clientID, Session: session, Timestamp: now}); err != nil {
			return 0, fmt.Errorf("write session of %s failed: %w", clientID, err)
		}

		s.releaseWill(dropped)
		if immediate != nil {
			s.publishWill(clientID, immediate)
		} else if sendWill {
			s.wills.AddWill(clientID, session, now)
		}
		removed := s.queues.RemoveAllQos0Messages(clientID, false)
		logger.DebugF("[%s] Session disconnected (expiry=%d, removed %d qos 0 messages)", clientID, session.SessionExpiryInterval, removed)
		return session.SessionExpiryInterval, nil
	})

	return singlewriter.Chain(disconnected, func(expiry uint32) *singlewriter.Future[none] {
		if expiry == database.SessionExpireOnDisconnect {
			return s.subscriptions.RemoveAll(clientID)
		}
		return singlewriter.Resolved(none{})
	})
}

// GetSession 已过期的会话返回 nil
func (s *SessionStore) GetSession(clientID string) *singlewriter.Future[*database.ClientSession] {
	now := s.clock()
	return singlewriter.Submit(s.engine, clientID, func(bucket int) (*database.ClientSession, error) {
		entry, found, err := s.backend.GetSession(context.Background(), bucket, clientID)
		if err != nil {
			return nil, fmt.Errorf("read session of %s failed: %w", clientID, err)
		}
		if !found || entry.Session == nil || entry.Session.IsExpired(now-entry.Timestamp) {
			return nil, nil
		}
		return entry.Session, nil
	})
}

func (s *SessionStore) IsExistent(clientID string) *singlewriter.Future[bool] {
	return singlewriter.Then(s.GetSession(clientID), func(session *database.ClientSession) (bool, error) {
		return session.IsExistent(), nil
	})
}

// GetSessionExpiryInterval 会话不存在时返回 nil
func (s *SessionStore) GetSessionExpiryInterval(clientID string) *singlewriter.Future[*uint32] {
	return singlewriter.Then(s.GetSession(clientID), func(session *database.ClientSession) (*uint32, error) {
		if session == nil {
			return nil, nil
		}
		expiry := session.SessionExpiryInterval
		return &expiry, nil
	})
}

// SetSessionExpiryInterval 返回会话是否存在；设置为 0 时同时删除全部订阅
func (s *SessionStore) SetSessionExpiryInterval(clientID string, expiry int64) *singlewriter.Future[bool] {
	if expiry < 0 || expiry > math.MaxUint32 {
		return singlewriter.Failed[bool](fmt.Errorf("%w: %d", ErrInvalidSessionExpiryInterval, expiry))
	}
	now := s.clock()
	updated := singlewriter.Submit(s.engine, clientID, func(bucket int) (bool, error) {
		ctx := context.Background()
		entry, found, err := s.backend.GetSession(ctx, bucket, clientID)
		if err != nil {
			return false, fmt.Errorf("read session of %s failed: %w", clientID, err)
		}
		session := entry.Session
		if !found || session == nil {
			return false, nil
		}
		if !session.Connected && session.SessionExpiryInterval == database.SessionExpireOnDisconnect {
			return false, nil
		}
		if session.IsExpired(now - entry.Timestamp) {
			return false, nil
		}
		session.SessionExpiryInterval = uint32(expiry)
		if err := s.backend.PutSession(ctx, bucket, entry); err != nil {
			return false, fmt.Errorf("write session of %s failed: %w", clientID, err)
		}
		return true, nil
	})

	return singlewriter.Chain(updated, func(existed bool) *singlewriter.Future[bool] {
		if !existed || expiry != int64(database.SessionExpireOnDisconnect) {
			return singlewriter.Resolved(existed)
		}
		return singlewriter.Then(s.subscriptions.RemoveAll(clientID), func(none) (bool, error) {
			return true, nil
		})
	})
}

// InvalidateSession 将过期时间设为 0，会话存在时强制断开
func (s *SessionStore) InvalidateSession(clientID string, source DisconnectSource) *singlewriter.Future[bool] {
	return singlewriter.Chain(s.SetSessionExpiryInterval(clientID, 0), func(existed bool) *singlewriter.Future[bool] {
		if !existed {
			return singlewriter.Resolved(false)
		}
		return s.ForceDisconnectClient(clientID, false, source, "")
	})
}

// ForceDisconnectClient 没有会话或没有在线连接时返回 false；
// 返回的 future 在连接真正关闭后才完成
func (s *SessionStore) ForceDisconnectClient(clientID string, preventWill bool, source DisconnectSource, reason string) *singlewriter.Future[bool] {
	return singlewriter.Chain(s.GetSession(clientID), func(session *database.ClientSession) *singlewriter.Future[bool] {
		if session == nil {
			logger.DebugF("[%s] No session found, skipping forced disconnect", clientID)
			return singlewriter.Resolved(false)
		}
		if preventWill {
			s.wills.CancelWill(clientID)
		}
		conn, ok := s.connections.GetConnection(clientID)
		if !ok {
			logger.DebugF("[%s] Client is not connected, skipping forced disconnect", clientID)
			return singlewriter.Resolved(false)
		}

		conn.SetPreventWill(preventWill)
		conn.SetSessionExpiryInterval(session.SessionExpiryInterval)

		s.events.ClientWasDisconnected(clientID, source.reason())
		if reason == "" {
			reason = source.reason()
		}
		if err := conn.Close(reason); err != nil {
			return singlewriter.Failed[bool](fmt.Errorf("close connection of %s failed: %w", clientID, err))
		}

		closed := singlewriter.NewFuture[bool]()
		conn.OnClosed(func() { closed.Complete(true, nil) })
		return closed
	})
}

// GetAllClients 返回全部 bucket 中的 client id
func (s *SessionStore) GetAllClients() *singlewriter.Future[[]string] {
	perBucket := singlewriter.SubmitToAllQueues(s.engine, func(bucket int) ([]string, error) {
		entries, err := s.backend.ScanSessions(context.Background(), bucket, "", 0)
		if err != nil {
			return nil, fmt.Errorf("scan sessions of bucket %d failed: %w", bucket, err)
		}
		ids := make([]string, 0, len(entries))
		for _, entry := range entries {
			ids = append(ids, entry.ClientID)
		}
		return ids, nil
	})
	return singlewriter.Then(singlewriter.AllOf(perBucket), func(buckets [][]string) ([]string, error) {
		var ids []string
		for _, bucketIDs := range buckets {
			ids = append(ids, bucketIDs...)
		}
		slices.Sort(ids)
		return ids, nil
	})
}

// PendingWills 扫描离线且仍有遗嘱的会话，用于启动时重建延迟遗嘱
func (s *SessionStore) PendingWills() *singlewriter.Future[map[string]PendingWill] {
	perBucket := singlewriter.SubmitToAllQueues(s.engine, func(bucket int) (map[string]PendingWill, error) {
		entries, err := s.backend.ScanSessions(context.Background(), bucket, "", 0)
		if err != nil {
			return nil, fmt.Errorf("scan sessions of bucket %d failed: %w", bucket, err)
		}
		wills := make(map[string]PendingWill)
		for _, entry := range entries {
			session := entry.Session
			if session == nil || session.Connected || session.Will == nil {
				continue
			}
			wills[entry.ClientID] = PendingWill{DelayInterval: pendingWillDelay(session), StartTime: entry.Timestamp}
		}
		return wills, nil
	})
	return singlewriter.Then(singlewriter.AllOf(perBucket), func(buckets []map[string]PendingWill) (map[string]PendingWill, error) {
		all := make(map[string]PendingWill)
		for _, wills := range buckets {
			for clientID, will := range wills {
				all[clientID] = will
			}
		}
		return all, nil
	})
}

// DeleteWill 删除离线会话的遗嘱，在线会话不受影响
func (s *SessionStore) DeleteWill(clientID string) *singlewriter.Future[none] {
	return singlewriter.Submit(s.engine, clientID, func(bucket int) (none, error) {
		ctx := context.Background()
		entry, found, err := s.backend.GetSession(ctx, bucket, clientID)
		if err != nil {
			return none{}, fmt.Errorf("read session of %s failed: %w", clientID, err)
		}
		if !found || entry.Session == nil || entry.Session.Connected || entry.Session.Will == nil {
			return none{}, nil
		}
		will := entry.Session.Will
		entry.Session.Will = nil
		if err := s.backend.PutSession(ctx, bucket, entry); err != nil {
			return none{}, fmt.Errorf("write session of %s failed: %w", clientID, err)
		}
		s.releaseWill(will)
		return none{}, nil
	})
}

// sendPendingWill 由遗嘱扫描调用；与 connect 在同一 bucket 中串行，已重连的客户端不会收到遗嘱
func (s *SessionStore) sendPendingWill(clientID string) *singlewriter.Future[bool] {
	return singlewriter.Submit(s.engine, clientID, func(bucket int) (bool, error) {
		ctx := context.Background()
		entry, found, err := s.backend.GetSession(ctx, bucket, clientID)
		if err != nil {
			return false, fmt.Errorf("read session of %s failed: %w", clientID, err)
		}
		if !found || entry.Session == nil || entry.Session.Connected || entry.Session.Will == nil {
			return false, nil
		}
		will := entry.Session.Will
		entry.Session.Will = nil
		if err := s.backend.PutSession(ctx, bucket, entry); err != nil {
			return false, fmt.Errorf("write session of %s failed: %w", clientID, err)
		}
		s.publishWill(clientID, will)
		return true, nil
	})
}

// CleanUp 删除 bucket 中已过期的会话，并清理它们的订阅和队列，返回被删除的 client id
func (s *SessionStore) CleanUp(bucket int) *singlewriter.Future[[]string] {
	now := s.clock()
	expired := singlewriter.SubmitBucket(s.engine, bucket, func(bucket int) ([]string, error) {
		ctx := context.Background()
		entries, err := s.backend.ScanSessions(ctx, bucket, "", 0)
		if err != nil {
			return nil, fmt.Errorf("scan sessions of bucket %d failed: %w", bucket, err)
		}
		var ids []string
		var errs []error
		for _, entry := range entries {
			session := entry.Session
			if session != nil && !session.IsExpired(now-entry.Timestamp) {
				continue
			}
			if err := s.backend.DeleteSession(ctx, bucket, entry.ClientID); err != nil {
				errs = append(errs, fmt.Errorf("delete session of %s failed: %w", entry.ClientID, err))
				continue
			}
			ids = append(ids, entry.ClientID)
			if session == nil {
				continue
			}
			s.events.ClientSessionExpired(entry.Timestamp+int64(session.SessionExpiryInterval)*1000, entry.ClientID)
			if session.Will != nil {
				// 会话先于延迟到期，遗嘱随会话失效一并发送
				s.wills.CancelWill(entry.ClientID)
				s.publishWill(entry.ClientID, session.Will)
			}
		}
		for _, err := range errs {
			logger.ErrorF("Session clean up of bucket %d: %v", bucket, err)
		}
		return ids, nil
	})

	return singlewriter.Chain(expired, func(ids []string) *singlewriter.Future[[]string] {
		if len(ids) == 0 {
			return singlewriter.Resolved(ids)
		}
		cleaned := make([]*singlewriter.Future[none], 0, len(ids))
		for _, clientID := range ids {
			cleaned = append(cleaned, s.cleanClientData(clientID))
		}
		return singlewriter.Then(singlewriter.AllOf(cleaned), func([]none) ([]string, error) {
			logger.DebugF("Removed %d expired sessions from bucket %d", len(ids), bucket)
			return ids, nil
		})
	})
}

// GetAllClientsChunk 分块读取会话，不包含已过期的会话，遗嘱不随结果返回
func (s *SessionStore) GetAllClientsChunk(cursor ChunkCursor, maxSize int) *singlewriter.Future[Chunk[database.SessionEntry]] {
	return getChunk(s.engine, cursor, maxSize,
		func(bucket int, afterKey string, limit int) ([]database.SessionEntry, error) {
			return s.backend.ScanSessions(context.Background(), bucket, afterKey, limit)
		},
		func(entry database.SessionEntry) string { return entry.ClientID },
		func(entry database.SessionEntry) (database.SessionEntry, bool) {
			if entry.Session == nil || entry.Session.IsExpired(s.clock()-entry.Timestamp) {
				return entry, false
			}
			entry.Session.Will = nil
			return entry, true
		},
	)
}

// pendingWillDelay 遗嘱延迟不超过会话过期时间
func pendingWillDelay(session *database.ClientSession) uint32 {
	if session.Will == nil {
		return 0
	}
	return min(session.Will.DelayInterval, session.SessionExpiryInterval)
}
