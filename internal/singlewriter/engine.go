// Package singlewriter 按 key 将任务分片到固定数量的 bucket，每个 bucket 由单个 goroutine 顺序执行
package singlewriter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/logger"
	"github.com/zeebo/xxh3"
)

// Task 在 bucket 的执行上下文中运行，bucket 为当前分片下标
type Task[R any] func(bucket int) (R, error)

type FullPolicy int

const (
	// PolicyBlock 队列满时阻塞提交方直到有空位
	PolicyBlock FullPolicy = iota
	// PolicyReject 队列满时立即以 ErrQueueFull 失败
	PolicyReject
)

func ParseFullPolicy(s string) (FullPolicy, bool) {
	switch s {
	case "block", "":
		return PolicyBlock, true
	case "reject":
		return PolicyReject, true
	default:
		return PolicyBlock, false
	}
}

// Recorder 接收执行统计，nil 表示不记录
type Recorder interface {
	TaskFinished(bucket int, wait, run time.Duration, err error)
	QueueDepth(bucket int, depth int)
}

type Options struct {
	BucketCount int
	// QueueLimit 每个 bucket 的最大排队任务数，0 表示不限制
	QueueLimit int
	Policy     FullPolicy
	Recorder   Recorder
}

type job struct {
	enqueued time.Time
	run      func(enqueued time.Time)
}

type bucket struct {
	index    int
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	tasks    *queue.Queue
	limit    int
	policy   FullPolicy
	closed   bool
}

type Engine struct {
	buckets  []*bucket
	recorder Recorder
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(opts Options) *Engine {
	if opts.BucketCount <= 0 {
		opts.BucketCount = 1
	}
	e := &Engine{
		buckets:  make([]*bucket, opts.BucketCount),
		recorder: opts.Recorder,
	}
	for i := range e.buckets {
		b := &bucket{
			index:  i,
			tasks:  queue.New(),
			limit:  opts.QueueLimit,
			policy: opts.Policy,
		}
		b.notEmpty = sync.NewCond(&b.mu)
		b.notFull = sync.NewCond(&b.mu)
		e.buckets[i] = b
		e.wg.Add(1)
		go e.loop(b)
	}
	logger.DebugF("Single writer engine started with %d buckets", opts.BucketCount)
	return e
}

func (e *Engine) BucketCount() int {
	return len(e.buckets)
}

// BucketIndex 返回 key 所属的 bucket
func (e *Engine) BucketIndex(key string) int {
	return int(xxh3.HashString(key) % uint64(len(e.buckets)))
}

func (e *Engine) loop(b *bucket) {
	defer e.wg.Done()
	for {
		b.mu.Lock()
		for b.tasks.Length() == 0 && !b.closed {
			b.notEmpty.Wait()
		}
		if b.tasks.Length() == 0 {
			b.mu.Unlock()
			return
		}
		j := b.tasks.Remove().(*job)
		depth := b.tasks.Length()
		b.notFull.Signal()
		b.mu.Unlock()

		if e.recorder != nil {
			e.recorder.QueueDepth(b.index, depth)
		}
		j.run(j.enqueued)
	}
}

func (b *bucket) push(j *job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for !b.closed && b.limit > 0 && b.tasks.Length() >= b.limit {
		if b.policy == PolicyReject {
			return ErrQueueFull
		}
		b.notFull.Wait()
	}
	if b.closed {
		return ErrEngineClosed
	}
	b.tasks.Add(j)
	b.notEmpty.Signal()
	return nil
}

// Submit 将任务提交到 key 所在的 bucket，同一 key 的任务按提交顺序串行执行
func Submit[R any](e *Engine, key string, task Task[R]) *Future[R] {
	return SubmitBucket(e, e.BucketIndex(key), task)
}

// SubmitBucket 直接向指定 bucket 提交任务
func SubmitBucket[R any](e *Engine, bucketIndex int, task Task[R]) *Future[R] {
	f := NewFuture[R]()
	if bucketIndex < 0 || bucketIndex >= len(e.buckets) {
		var zero R
		f.Complete(zero, fmt.Errorf("%w: %d", ErrInvalidBucket, bucketIndex))
		return f
	}

	j := &job{enqueued: time.Now()}
	j.run = func(enqueued time.Time) {
		start := time.Now()
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
				logger.ErrorF("Task in bucket %d panicked: %v", bucketIndex, r)
				var zero R
				f.Complete(zero, err)
			}
			if e.recorder != nil {
				e.recorder.TaskFinished(bucketIndex, start.Sub(enqueued), time.Since(start), err)
			}
		}()
		var value R
		value, err = task(bucketIndex)
		f.Complete(value, err)
	}

	if err := e.buckets[bucketIndex].push(j); err != nil {
		var zero R
		f.Complete(zero, err)
	}
	return f
}

// SubmitToAllQueues 将同一任务分发到每个 bucket，由调用方合并结果
func SubmitToAllQueues[R any](e *Engine, task Task[R]) []*Future[R] {
	futures := make([]*Future[R], len(e.buckets))
	for i := range e.buckets {
		futures[i] = SubmitBucket(e, i, task)
	}
	return futures
}

// Close 停止接收新任务并等待已排队任务执行完毕
func (e *Engine) Close(ctx context.Context) error {
	e.stopOnce.Do(func() {
		for _, b := range e.buckets {
			b.mu.Lock()
			b.closed = true
			b.notEmpty.Broadcast()
			b.notFull.Broadcast()
			b.mu.Unlock()
		}
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Debug("Single writer engine drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for bucket queues to drain: %w", ctx.Err())
	}
}

// Invoke 使 Engine 可以注册到 event.Cleaner
func (e *Engine) Invoke(ctx context.Context) error {
	return e.Close(ctx)
}
