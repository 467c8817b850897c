package database

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/logger"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	badgerSessionPrefix      byte = 's'
	badgerSubscriptionPrefix byte = 'u'
)

var badgerBucketCountKey = []byte("meta/bucket_count")

var ErrBucketCountMismatch = errors.New("stored bucket count does not match configuration")

// BadgerStore 嵌入式持久化，key = 类型前缀 + 4 字节 bucket + client_id，value 为 msgpack
type BadgerStore struct {
	db *badger.DB
}

type BadgerOptions struct {
	Dir         string
	InMemory    bool
	BucketCount int
}

func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badger dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger failed: %w", err)
	}
	store := &BadgerStore{db: db}
	if err := store.checkBucketCount(opts.BucketCount); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.InfoF("Badger store opened (dir=%q, in_memory=%v)", opts.Dir, opts.InMemory)
	return store, nil
}

// checkBucketCount 记录首次启动的 bucket 数，之后不允许变更，否则已有数据会落在错误的 bucket
func (bs *BadgerStore) checkBucketCount(bucketCount int) error {
	return bs.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerBucketCountKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set(badgerBucketCountKey, []byte(strconv.Itoa(bucketCount)))
		}
		if err != nil {
			return err
		}
		stored, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(stored) != strconv.Itoa(bucketCount) {
			return fmt.Errorf("%w: stored=%s configured=%d", ErrBucketCountMismatch, stored, bucketCount)
		}
		return nil
	})
}

func (bs *BadgerStore) Name() string {
	return "badger"
}

func bucketPrefix(kind byte, bucket int) []byte {
	p := make([]byte, 5)
	p[0] = kind
	binary.BigEndian.PutUint32(p[1:], uint32(bucket))
	return p
}

func badgerKey(kind byte, bucket int, clientID string) []byte {
	return append(bucketPrefix(kind, bucket), clientID...)
}

func (bs *BadgerStore) get(kind byte, bucket int, clientID string, out any) (bool, error) {
	if clientID == "" {
		return false, ErrClientIDEmpty
	}
	var val []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(kind, bucket, clientID))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger read failed: %w", err)
	}
	if err := msgpack.Unmarshal(val, out); err != nil {
		return false, fmt.Errorf("decode %s failed: %w", clientID, err)
	}
	return true, nil
}

func (bs *BadgerStore) put(kind byte, bucket int, clientID string, value any) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s failed: %w", clientID, err)
	}
	if err := bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(kind, bucket, clientID), data)
	}); err != nil {
		return fmt.Errorf("badger write failed: %w", err)
	}
	return nil
}

func (bs *BadgerStore) delete(kind byte, bucket int, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	err := bs.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(kind, bucket, clientID))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("badger delete failed: %w", err)
	}
	return nil
}

// scan 遍历 bucket 前缀下 client_id > afterKey 的记录
func (bs *BadgerStore) scan(kind byte, bucket int, afterKey string, limit int, fn func(clientID string, val []byte) error) error {
	prefix := bucketPrefix(kind, bucket)
	return bs.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		count := 0
		for it.Seek(badgerKey(kind, bucket, afterKey)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			clientID := string(item.Key()[len(prefix):])
			if clientID <= afterKey {
				continue
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(clientID, val); err != nil {
				return err
			}
			count++
			if limit > 0 && count >= limit {
				return nil
			}
		}
		return nil
	})
}

func (bs *BadgerStore) GetSession(_ context.Context, bucket int, clientID string) (SessionEntry, bool, error) {
	var entry SessionEntry
	found, err := bs.get(badgerSessionPrefix, bucket, clientID, &entry)
	if err != nil || !found {
		return SessionEntry{}, false, err
	}
	entry.ClientID = clientID
	return entry, true, nil
}

func (bs *BadgerStore) PutSession(_ context.Context, bucket int, entry SessionEntry) error {
	return bs.put(badgerSessionPrefix, bucket, entry.ClientID, entry)
}

func (bs *BadgerStore) DeleteSession(_ context.Context, bucket int, clientID string) error {
	return bs.delete(badgerSessionPrefix, bucket, clientID)
}

func (bs *BadgerStore) ScanSessions(_ context.Context, bucket int, afterKey string, limit int) ([]SessionEntry, error) {
	var result []SessionEntry
	err := bs.scan(badgerSessionPrefix, bucket, afterKey, limit, func(clientID string, val []byte) error {
		var entry SessionEntry
		if err := msgpack.Unmarshal(val, &entry); err != nil {
			return fmt.Errorf("decode %s failed: %w", clientID, err)
		}
		entry.ClientID = clientID
		result = append(result, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger scan failed: %w", err)
	}
	return result, nil
}

func (bs *BadgerStore) GetSubscriptions(_ context.Context, bucket int, clientID string) (SubscriptionEntry, bool, error) {
	var entry SubscriptionEntry
	found, err := bs.get(badgerSubscriptionPrefix, bucket, clientID, &entry)
	if err != nil || !found {
		return SubscriptionEntry{}, false, err
	}
	entry.ClientID = clientID
	return entry, true, nil
}

func (bs *BadgerStore) PutSubscriptions(_ context.Context, bucket int, entry SubscriptionEntry) error {
	return bs.put(badgerSubscriptionPrefix, bucket, entry.ClientID, entry)
}

func (bs *BadgerStore) DeleteSubscriptions(_ context.Context, bucket int, clientID string) error {
	return bs.delete(badgerSubscriptionPrefix, bucket, clientID)
}

func (bs *BadgerStore) ScanSubscriptions(_ context.Context, bucket int, afterKey string, limit int) ([]SubscriptionEntry, error) {
	var result []SubscriptionEntry
	err := bs.scan(badgerSubscriptionPrefix, bucket, afterKey, limit, func(clientID string, val []byte) error {
		var entry SubscriptionEntry
		if err := msgpack.Unmarshal(val, &entry); err != nil {
			return fmt.Errorf("decode %s failed: %w", clientID, err)
		}
		entry.ClientID = clientID
		result = append(result, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger scan failed: %w", err)
	}
	return result, nil
}

func (bs *BadgerStore) Close(_ context.Context) error {
	logger.Info("Closing badger store")
	return bs.db.Close()
}

// badgerLogger 把 badger 的日志转到项目 logger，屏蔽 info/debug
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{})   { logger.ErrorF("[badger] "+f, v...) }
func (badgerLogger) Warningf(f string, v ...interface{}) { logger.WarnF("[badger] "+f, v...) }
func (badgerLogger) Infof(string, ...interface{})        {}
func (badgerLogger) Debugf(string, ...interface{})       {}
