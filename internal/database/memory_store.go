package database

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

type memoryBucket struct {
	sessions      map[string]SessionEntry
	subscriptions map[string]SubscriptionEntry
}

// MemoryStore 进程内 Backend，不做额外加锁，依赖单写者保证同一 bucket 串行访问
type MemoryStore struct {
	buckets []*memoryBucket
}

func NewMemoryStore(bucketCount int) *MemoryStore {
	ms := &MemoryStore{buckets: make([]*memoryBucket, bucketCount)}
	for i := range ms.buckets {
		ms.buckets[i] = &memoryBucket{
			sessions:      make(map[string]SessionEntry),
			subscriptions: make(map[string]SubscriptionEntry),
		}
	}
	return ms
}

func (ms *MemoryStore) Name() string {
	return "memory"
}

func (ms *MemoryStore) bucket(idx int) (*memoryBucket, error) {
	if idx < 0 || idx >= len(ms.buckets) {
		return nil, fmt.Errorf("memory store has no bucket %d", idx)
	}
	return ms.buckets[idx], nil
}

func (ms *MemoryStore) GetSession(_ context.Context, bucket int, clientID string) (SessionEntry, bool, error) {
	b, err := ms.bucket(bucket)
	if err != nil {
		return SessionEntry{}, false, err
	}
	entry, ok := b.sessions[clientID]
	if !ok {
		return SessionEntry{}, false, nil
	}
	entry.Session = entry.Session.Copy()
	return entry, true, nil
}

func (ms *MemoryStore) PutSession(_ context.Context, bucket int, entry SessionEntry) error {
	if entry.ClientID == "" {
		return ErrClientIDEmpty
	}
	b, err := ms.bucket(bucket)
	if err != nil {
		return err
	}
	entry.Session = entry.Session.Copy()
	b.sessions[entry.ClientID] = entry
	return nil
}

func (ms *MemoryStore) DeleteSession(_ context.Context, bucket int, clientID string) error {
	b, err := ms.bucket(bucket)
	if err != nil {
		return err
	}
	delete(b.sessions, clientID)
	return nil
}

func (ms *MemoryStore) ScanSessions(_ context.Context, bucket int, afterKey string, limit int) ([]SessionEntry, error) {
	b, err := ms.bucket(bucket)
	if err != nil {
		return nil, err
	}
	keys := sortedKeysAfter(b.sessions, afterKey, limit)
	result := make([]SessionEntry, 0, len(keys))
	for _, k := range keys {
		entry := b.sessions[k]
		entry.Session = entry.Session.Copy()
		result = append(result, entry)
	}
	return result, nil
}

func (ms *MemoryStore) GetSubscriptions(_ context.Context, bucket int, clientID string) (SubscriptionEntry, bool, error) {
	b, err := ms.bucket(bucket)
	if err != nil {
		return SubscriptionEntry{}, false, err
	}
	entry, ok := b.subscriptions[clientID]
	if !ok {
		return SubscriptionEntry{}, false, nil
	}
	entry.Topics = slices.Clone(entry.Topics)
	return entry, true, nil
}

func (ms *MemoryStore) PutSubscriptions(_ context.Context, bucket int, entry SubscriptionEntry) error {
	if entry.ClientID == "" {
		return ErrClientIDEmpty
	}
	b, err := ms.bucket(bucket)
	if err != nil {
		return err
	}
	entry.Topics = slices.Clone(entry.Topics)
	b.subscriptions[entry.ClientID] = entry
	return nil
}

func (ms *MemoryStore) DeleteSubscriptions(_ context.Context, bucket int, clientID string) error {
	b, err := ms.bucket(bucket)
	if err != nil {
		return err
	}
	delete(b.subscriptions, clientID)
	return nil
}

func (ms *MemoryStore) ScanSubscriptions(_ context.Context, bucket int, afterKey string, limit int) ([]SubscriptionEntry, error) {
	b, err := ms.bucket(bucket)
	if err != nil {
		return nil, err
	}
	keys := sortedKeysAfter(b.subscriptions, afterKey, limit)
	result := make([]SubscriptionEntry, 0, len(keys))
	for _, k := range keys {
		entry := b.subscriptions[k]
		entry.Topics = slices.Clone(entry.Topics)
		result = append(result, entry)
	}
	return result, nil
}

func (ms *MemoryStore) Close(_ context.Context) error {
	return nil
}

func sortedKeysAfter[V any](m map[string]V, afterKey string, limit int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if strings.Compare(k, afterKey) > 0 {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}
