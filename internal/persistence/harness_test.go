package persistence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/clientqueue"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/payload"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/singlewriter"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/subscription"
	"github.com/stretchr/testify/require"
)

const testStart int64 = 1_700_000_000_000

type fakeClock struct {
	now atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.now.Store(testStart)
	return c
}

func (c *fakeClock) Now() int64 {
	return c.now.Load()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now.Add(d.Milliseconds())
}

type sentWill struct {
	clientID string
	topic    string
	payload  []byte
}

type recordingPublisher struct {
	mu       sync.Mutex
	payloads *payload.Store
	sent     []sentWill
	failFor  map[string]error
}

func (p *recordingPublisher) SendWill(clientID string, will *database.ClientSessionWill) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failFor[clientID]; err != nil {
		return err
	}
	data, _ := p.payloads.Get(will.PublishID)
	p.sent = append(p.sent, sentWill{clientID: clientID, topic: will.Topic, payload: data})
	return nil
}

func (p *recordingPublisher) Sent() []sentWill {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentWill(nil), p.sent...)
}

type expiredEvent struct {
	clientID  string
	expiredAt int64
}

type recordingEvents struct {
	mu           sync.Mutex
	expired      []expiredEvent
	disconnected map[string]string
	willErrors   int
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{disconnected: make(map[string]string)}
}

func (e *recordingEvents) ClientSessionExpired(expiredAt int64, clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expired = append(e.expired, expiredEvent{clientID: clientID, expiredAt: expiredAt})
}

func (e *recordingEvents) ClientWasDisconnected(clientID, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnected[clientID] = reason
}

func (e *recordingEvents) WillPublished(_ string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.willErrors++
	}
}

func (e *recordingEvents) Expired() []expiredEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]expiredEvent(nil), e.expired...)
}

func (e *recordingEvents) DisconnectReason(clientID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reason, ok := e.disconnected[clientID]
	return reason, ok
}

// faultyBackend 在指定操作上返回错误
type faultyBackend struct {
	*database.MemoryStore
	putSessionErr error
	scanErr       error
}

func (b *faultyBackend) PutSession(ctx context.Context, bucket int, entry database.SessionEntry) error {
	if b.putSessionErr != nil {
		return b.putSessionErr
	}
	return b.MemoryStore.PutSession(ctx, bucket, entry)
}

func (b *faultyBackend) ScanSessions(ctx context.Context, bucket int, afterKey string, limit int) ([]database.SessionEntry, error) {
	if b.scanErr != nil {
		return nil, b.scanErr
	}
	return b.MemoryStore.ScanSessions(ctx, bucket, afterKey, limit)
}

var errInjected = errors.New("injected failure")

type harness struct {
	clock     *fakeClock
	engine    *singlewriter.Engine
	backend   *faultyBackend
	tree      *subscription.TopicTree
	conns     *connection.ConnectionManager
	payloads  *payload.Store
	queues    *clientqueue.Manager
	publisher *recordingPublisher
	events    *recordingEvents
	poller    SharedPublishPoller
	manager   *Manager
}

type harnessOption func(*harness, *Options)

func withRecorder(r singlewriter.Recorder) harnessOption {
	return func(h *harness, _ *Options) {
		h.engine = singlewriter.New(singlewriter.Options{BucketCount: 4, Recorder: r})
	}
}

func withCleanUpInterval(interval time.Duration) harnessOption {
	return func(_ *harness, opts *Options) {
		opts.CleanUpInterval = interval
		opts.CleanUpParallelism = 2
	}
}

func newHarness(t *testing.T, options ...harnessOption) *harness {
	t.Helper()
	bucketCount := 4
	h := &harness{
		clock:    newFakeClock(),
		backend:  &faultyBackend{MemoryStore: database.NewMemoryStore(bucketCount)},
		tree:     subscription.NewTopicTree(),
		conns:    connection.NewConnectionManager(),
		payloads: payload.NewStore(),
		queues:   clientqueue.NewManager(0),
		events:   newRecordingEvents(),
	}
	h.publisher = &recordingPublisher{payloads: h.payloads, failFor: make(map[string]error)}

	opts := Options{}
	for _, option := range options {
		option(h, &opts)
	}
	if h.engine == nil {
		h.engine = singlewriter.New(singlewriter.Options{BucketCount: bucketCount})
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.engine.Close(ctx)
	})

	opts.Engine = h.engine
	opts.Backend = h.backend
	opts.TopicIndex = h.tree
	opts.Connections = h.conns
	opts.Payloads = h.payloads
	opts.Queues = h.queues
	opts.Publisher = h.publisher
	opts.Events = h.events
	opts.Clock = h.clock.Now

	m, err := NewManager(opts)
	require.NoError(t, err)
	h.manager = m
	return h
}

func await[R any](t *testing.T, f *singlewriter.Future[R]) R {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	value, err := f.Get(ctx)
	require.NoError(t, err)
	return value
}

func (h *harness) connect(t *testing.T, clientID string, cleanStart bool, expiry uint32, will *database.ClientSessionWill) *connection.Connection {
	t.Helper()
	await(t, h.manager.Sessions.ClientConnected(clientID, cleanStart, expiry, will, nil))
	conn := connection.NewConnection(clientID, 5, nil)
	h.conns.AddConnection(conn)
	return conn
}

func (h *harness) disconnect(t *testing.T, clientID string, sendWill bool, expiry int64) {
	t.Helper()
	if conn, ok := h.conns.GetConnection(clientID); ok {
		h.conns.RemoveConnection(conn)
	}
	await(t, h.manager.Sessions.ClientDisconnected(clientID, sendWill, expiry))
}

func (h *harness) subscribe(t *testing.T, clientID string, filters ...string) []*database.SubscriptionResult {
	t.Helper()
	topics := make([]database.Topic, 0, len(filters))
	for _, filter := range filters {
		topics = append(topics, database.Topic{Filter: filter, QoS: database.AtLeastOnce})
	}
	return await(t, h.manager.Subscriptions.AddSubscriptions(clientID, topics))
}

func (h *harness) storedSession(t *testing.T, clientID string) (database.SessionEntry, bool) {
	t.Helper()
	type result struct {
		entry database.SessionEntry
		found bool
	}
	r := await(t, singlewriter.Submit(h.engine, clientID, func(bucket int) (result, error) {
		entry, found, err := h.backend.GetSession(context.Background(), bucket, clientID)
		return result{entry: entry, found: found}, err
	}))
	return r.entry, r.found
}

func (h *harness) storedTopics(t *testing.T, clientID string) []database.Topic {
	t.Helper()
	return await(t, h.manager.Subscriptions.GetSubscriptions(clientID))
}

func will(topic string, delay uint32, data string) *database.ClientSessionWill {
	return &database.ClientSessionWill{Topic: topic, DelayInterval: delay, QoS: database.AtLeastOnce, Payload: []byte(data)}
}

func (h *harness) putSubscriptions(t *testing.T, entry database.SubscriptionEntry) {
	t.Helper()
	await(t, singlewriter.Submit(h.engine, entry.ClientID, func(bucket int) (none, error) {
		return none{}, h.backend.PutSubscriptions(context.Background(), bucket, entry)
	}))
}
