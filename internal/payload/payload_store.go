// Package payload 保存消息体，按 id 寻址并做引用计数，引用归零时释放
package payload

import (
	"slices"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/logger"
	"github.com/puzpuzpuz/xsync/v4"
)

type entry struct {
	payload []byte
	refs    int64
}

type Store struct {
	nextID  atomic.Int64
	entries *xsync.Map[int64, entry]
}

func NewStore() *Store {
	return &Store{entries: xsync.NewMap[int64, entry]()}
}

// Add 保存 payload 并设置初始引用数，返回 publish id
func (s *Store) Add(payload []byte, refs int64) int64 {
	id := s.nextID.Add(1)
	if refs <= 0 {
		refs = 1
	}
	s.entries.Store(id, entry{payload: slices.Clone(payload), refs: refs})
	return id
}

func (s *Store) Get(id int64) ([]byte, bool) {
	e, ok := s.entries.Load(id)
	if !ok {
		return nil, false
	}
	return slices.Clone(e.payload), true
}

// Increment 增加引用，id 不存在时返回 false
func (s *Store) Increment(id int64) bool {
	_, ok := s.entries.Compute(id, func(old entry, loaded bool) (entry, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		old.refs++
		return old, xsync.UpdateOp
	})
	return ok
}

// Decrement 释放一次引用，归零后删除
func (s *Store) Decrement(id int64) {
	s.entries.Compute(id, func(old entry, loaded bool) (entry, xsync.ComputeOp) {
		if !loaded {
			logger.DebugF("Payload %d already released", id)
			return old, xsync.CancelOp
		}
		old.refs--
		if old.refs <= 0 {
			return old, xsync.DeleteOp
		}
		return old, xsync.UpdateOp
	})
}

func (s *Store) RefCount(id int64) int64 {
	e, ok := s.entries.Load(id)
	if !ok {
		return 0
	}
	return e.refs
}

func (s *Store) Size() int {
	return s.entries.Size()
}
