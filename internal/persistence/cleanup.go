package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/singlewriter"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/utils"
	"golang.org/x/sync/errgroup"
)

const (
	CleanUpSessions = iota
	CleanUpSubscriptions
	CleanUpClientQueues

	cleanUpKinds = 3
)

// CleanUpService 轮流对每个 bucket 的会话、订阅、客户端队列执行清理，
// 每次只处理一个 (bucket, kind)，处理完成后再安排下一次
type CleanUpService struct {
	engine        *singlewriter.Engine
	sessions      *SessionStore
	subscriptions *SubscriptionStore
	queues        ClientQueue
	clock         utils.Clock
	interval      time.Duration
	parallelism   int

	mu     sync.Mutex
	bucket int
	kind   int

	cancel context.CancelFunc
	group  *errgroup.Group
}

func newCleanUpService(engine *singlewriter.Engine, sessions *SessionStore, subscriptions *SubscriptionStore, queues ClientQueue, clock utils.Clock, interval time.Duration, parallelism int) *CleanUpService {
	if interval <= 0 {
		interval = 4 * time.Second
	}
	if parallelism <= 0 {
		parallelism = 1
	}
	return &CleanUpService{
		engine:        engine,
		sessions:      sessions,
		subscriptions: subscriptions,
		queues:        queues,
		clock:         clock,
		interval:      interval,
		parallelism:   parallelism,
	}
}

// next 返回下一个待清理的 (bucket, kind)，kind 轮完一圈后 bucket 前进
func (c *CleanUpService) next() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, kind := c.bucket, c.kind
	c.kind = (c.kind + 1) % cleanUpKinds
	if c.kind == 0 {
		c.bucket = (c.bucket + 1) % c.engine.BucketCount()
	}
	return bucket, kind
}

// CleanUp 对单个 bucket 执行一种清理
func (c *CleanUpService) CleanUp(ctx context.Context, bucket, kind int) error {
	switch kind {
	case CleanUpSessions:
		_, err := c.sessions.CleanUp(bucket).Get(ctx)
		return err
	case CleanUpSubscriptions:
		_, err := c.subscriptions.CleanUp(bucket).Get(ctx)
		return err
	case CleanUpClientQueues:
		now := c.clock()
		c.queues.CleanUp(now, func(id string, _ bool) bool {
			return c.engine.BucketIndex(id) == bucket
		})
		return nil
	default:
		return fmt.Errorf("unknown clean up kind %d", kind)
	}
}

// Start 启动 parallelism 个清理循环
func (c *CleanUpService) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	c.cancel = cancel
	c.group = group
	for i := 0; i < c.parallelism; i++ {
		group.Go(func() error {
			return c.loop(ctx)
		})
	}
	logger.DebugF("Clean up scheduled every %s with %d workers", c.interval, c.parallelism)
}

func (c *CleanUpService) loop(ctx context.Context) error {
	timer := time.NewTimer(c.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		bucket, kind := c.next()
		if err := c.CleanUp(ctx, bucket, kind); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorF("Exception during clean up of bucket %d (kind %d): %v", bucket, kind, err)
		}
		timer.Reset(c.interval)
	}
}

// Invoke 停止清理循环，使 CleanUpService 可以注册到 event.Cleaner
func (c *CleanUpService) Invoke(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	done := make(chan error, 1)
	go func() {
		done <- c.group.Wait()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for clean up workers to stop: %w", ctx.Err())
	}
}
