package database

import "context"

// SessionBackend 按 bucket 组织的会话持久化。同一 bucket 的调用只会来自该 bucket 的单写者上下文
type SessionBackend interface {
	GetSession(ctx context.Context, bucket int, clientID string) (SessionEntry, bool, error)
	PutSession(ctx context.Context, bucket int, entry SessionEntry) error
	DeleteSession(ctx context.Context, bucket int, clientID string) error
	// ScanSessions 返回 bucket 内 client_id 大于 afterKey 的记录，按 client_id 升序，limit <= 0 表示不限
	ScanSessions(ctx context.Context, bucket int, afterKey string, limit int) ([]SessionEntry, error)
}

type SubscriptionBackend interface {
	GetSubscriptions(ctx context.Context, bucket int, clientID string) (SubscriptionEntry, bool, error)
	PutSubscriptions(ctx context.Context, bucket int, entry SubscriptionEntry) error
	DeleteSubscriptions(ctx context.Context, bucket int, clientID string) error
	ScanSubscriptions(ctx context.Context, bucket int, afterKey string, limit int) ([]SubscriptionEntry, error)
}

type Backend interface {
	SessionBackend
	SubscriptionBackend
	Name() string
	Close(ctx context.Context) error
}

// CloseCallback 将 Backend 注册到 event.Cleaner
type CloseCallback struct {
	backend Backend
}

func NewCloseCallback(backend Backend) *CloseCallback {
	return &CloseCallback{backend: backend}
}

func (cc *CloseCallback) Invoke(ctx context.Context) error {
	return cc.backend.Close(ctx)
}
