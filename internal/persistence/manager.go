package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/singlewriter"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/utils"
)

var ErrMissingDependency = errors.New("missing persistence dependency")

type Options struct {
	Engine      *singlewriter.Engine
	Backend     database.Backend
	TopicIndex  TopicIndex
	Shared      *SharedSubscriptionService
	Connections ConnectionRegistry
	Payloads    PayloadStore
	Queues      ClientQueue
	Poller      SharedPublishPoller
	Publisher   WillPublisher
	Events      EventLog
	Clock       utils.Clock

	WillCheckInterval  time.Duration
	CleanUpInterval    time.Duration
	CleanUpParallelism int
	// PendingWillGauge 可选，遗嘱表大小变化时回调
	PendingWillGauge func(n int)
}

// Manager 组装会话、订阅、共享订阅、遗嘱与清理组件，它们共用同一个 Engine，同一 client 的操作落在同一个 bucket
type Manager struct {
	Sessions      *SessionStore
	Subscriptions *SubscriptionStore
	Shared        *SharedSubscriptionService
	Wills         *PendingWills
	CleanUp       *CleanUpService
}

type nopEventLog struct{}

func (nopEventLog) ClientSessionExpired(int64, string)   {}
func (nopEventLog) ClientWasDisconnected(string, string) {}
func (nopEventLog) WillPublished(string, error)          {}

func NewManager(opts Options) (*Manager, error) {
	switch {
	case opts.Engine == nil:
		return nil, errors.Join(ErrMissingDependency, errors.New("engine"))
	case opts.Backend == nil:
		return nil, errors.Join(ErrMissingDependency, errors.New("backend"))
	case opts.TopicIndex == nil:
		return nil, errors.Join(ErrMissingDependency, errors.New("topic index"))
	case opts.Connections == nil, opts.Payloads == nil, opts.Queues == nil, opts.Publisher == nil:
		return nil, errors.Join(ErrMissingDependency, errors.New("connections, payloads, queues and publisher are required"))
	}
	if opts.Events == nil {
		opts.Events = nopEventLog{}
	}
	if opts.Clock == nil {
		opts.Clock = utils.NowMillis
	}
	if opts.Shared == nil {
		opts.Shared = NewSharedSubscriptionService(opts.TopicIndex)
	}

	sessions := &SessionStore{
		engine:      opts.Engine,
		backend:     opts.Backend,
		queues:      opts.Queues,
		payloads:    opts.Payloads,
		connections: opts.Connections,
		publisher:   opts.Publisher,
		events:      opts.Events,
		clock:       opts.Clock,
	}
	subscriptions := &SubscriptionStore{
		engine:      opts.Engine,
		backend:     opts.Backend,
		index:       opts.TopicIndex,
		shared:      opts.Shared,
		connections: opts.Connections,
		poller:      opts.Poller,
		events:      opts.Events,
		clock:       opts.Clock,
	}
	wills := newPendingWills(opts.Clock, opts.WillCheckInterval, opts.PendingWillGauge)

	sessions.subscriptions = subscriptions
	sessions.wills = wills
	wills.sessions = sessions
	opts.Shared.bindSource(subscriptions)

	return &Manager{
		Sessions:      sessions,
		Subscriptions: subscriptions,
		Shared:        opts.Shared,
		Wills:         wills,
		CleanUp:       newCleanUpService(opts.Engine, sessions, subscriptions, opts.Queues, opts.Clock, opts.CleanUpInterval, opts.CleanUpParallelism),
	}, nil
}

// Start 重建主题索引与延迟遗嘱表，然后启动遗嘱扫描和定期清理；遗嘱加载失败时返回错误
func (m *Manager) Start(ctx context.Context, chunkSize int) error {
	if _, err := m.Subscriptions.RestoreTopicIndex(ctx, chunkSize); err != nil {
		return err
	}
	if err := m.Wills.Reset(ctx); err != nil {
		return err
	}
	m.Wills.Start()
	m.CleanUp.Start()
	return nil
}

// Invoke 停止后台任务，Engine 与 Backend 由各自的回调关闭
func (m *Manager) Invoke(ctx context.Context) error {
	return errors.Join(m.CleanUp.Invoke(ctx), m.Wills.Invoke(ctx))
}
