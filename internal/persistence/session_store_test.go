package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/clientqueue"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/database"
	"github.com/stretchr/testify/require"
)

func TestReconnectWithinExpiryKeepsState(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "c1", false, 60, nil)
	h.subscribe(t, "c1", "a/b")
	require.True(t, h.queues.Add("c1", false, clientqueue.Message{Topic: "a/b", QoS: database.AtLeastOnce}))

	h.disconnect(t, "c1", true, database.SessionExpiryNotSet)
	entry, found := h.storedSession(t, "c1")
	require.True(t, found)
	require.False(t, entry.Session.Connected)
	require.EqualValues(t, 60, entry.Session.SessionExpiryInterval)

	h.clock.Advance(30 * time.Second)
	h.connect(t, "c1", false, 60, nil)

	require.Len(t, h.storedTopics(t, "c1"), 1)
	require.Len(t, h.tree.MatchTopic("a/b"), 1)
	require.Equal(t, 1, h.queues.Size("c1", false))
	require.Empty(t, h.events.Expired())
}

func TestCleanStartClearsState(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "c1", false, 60, nil)
	h.subscribe(t, "c1", "a/b", "$share/g/a/+")
	h.queues.Add("c1", false, clientqueue.Message{Topic: "a/b", QoS: database.AtLeastOnce})

	h.connect(t, "c1", true, 60, nil)

	require.Empty(t, h.storedTopics(t, "c1"))
	require.Empty(t, h.tree.MatchTopic("a/b"))
	require.Zero(t, h.queues.Size("c1", false))

	// 没有旧会话时 cleanStart 同样成立
	h.connect(t, "fresh", true, 0, nil)
	require.Empty(t, h.storedTopics(t, "fresh"))
}

func TestReconnectAfterExpiryReportsPreviousExpiry(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "c1", false, 10, nil)
	h.subscribe(t, "c1", "a/b")
	h.disconnect(t, "c1", true, database.SessionExpiryNotSet)

	h.clock.Advance(11 * time.Second)
	h.connect(t, "c1", false, 100, nil)

	require.Equal(t, []expiredEvent{{clientID: "c1", expiredAt: testStart + 10_000}}, h.events.Expired())
	require.Empty(t, h.storedTopics(t, "c1"))
	require.Empty(t, h.tree.MatchTopic("a/b"))
}

func TestIsExistent(t *testing.T) {
	h := newHarness(t)
	sessions := h.manager.Sessions

	require.False(t, await(t, sessions.IsExistent("nobody")))

	h.connect(t, "online", false, 0, nil)
	require.True(t, await(t, sessions.IsExistent("online")))

	h.connect(t, "persistent", false, 30, nil)
	h.disconnect(t, "persistent", true, database.SessionExpiryNotSet)
	require.True(t, await(t, sessions.IsExistent("persistent")))

	h.disconnect(t, "online", true, database.SessionExpiryNotSet)
	entry, found := h.storedSession(t, "online")
	require.True(t, found)
	require.False(t, entry.Session.Connected)
	require.False(t, await(t, sessions.IsExistent("online")))
}

func TestDisconnectUnknownClientWritesTombstone(t *testing.T) {
	h := newHarness(t)
	h.disconnect(t, "ghost", true, database.SessionExpiryNotSet)

	entry, found := h.storedSession(t, "ghost")
	require.True(t, found)
	require.False(t, entry.Session.Connected)
	require.Equal(t, database.SessionExpireOnDisconnect, entry.Session.SessionExpiryInterval)
	require.False(t, await(t, h.manager.Sessions.IsExistent("ghost")))

	h.clock.Advance(time.Millisecond)
	removed := await(t, h.manager.Sessions.CleanUp(h.engine.BucketIndex("ghost")))
	require.Equal(t, []string{"ghost"}, removed)
	_, found = h.storedSession(t, "ghost")
	require.False(t, found)
}

func TestDisconnectWithZeroExpiryRemovesSubscriptions(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "c1", false, 60, nil)
	h.subscribe(t, "c1", "a/b")

	h.disconnect(t, "c1", true, 0)

	require.Empty(t, h.storedTopics(t, "c1"))
	require.Empty(t, h.tree.MatchTopic("a/b"))
}

func TestDisconnectDropsQos0Messages(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "c1", false, 60, nil)
	h.queues.Add("c1", false, clientqueue.Message{Topic: "t", QoS: database.AtMostOnce})
	h.queues.Add("c1", false, clientqueue.Message{Topic: "t", QoS: database.AtLeastOnce})

	h.disconnect(t, "c1", true, database.SessionExpiryNotSet)

	require.Equal(t, 1, h.queues.Size("c1", false))
}

func TestDisconnectRejectsInvalidExpiry(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.Sessions.ClientDisconnected("c1", true, -2).Wait()
	require.ErrorIs(t, err, ErrInvalidSessionExpiryInterval)

	_, err = h.manager.Sessions.ClientDisconnected("", true, 0).Wait()
	require.ErrorIs(t, err, database.ErrClientIDEmpty)
}

func TestImmediateWillIsPublishedOnDisconnect(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "c1", false, 60, will("status/c1", 0, "offline"))
	require.Equal(t, 1, h.payloads.Size())

	h.disconnect(t, "c1", true, database.SessionExpiryNotSet)

	require.Equal(t, []sentWill{{clientID: "c1", topic: "status/c1", payload: []byte("offline")}}, h.publisher.Sent())
	require.Zero(t, h.manager.Wills.Len())
	require.Zero(t, h.payloads.Size())
	require.Zero(t, h.manager.Wills.Sweep())

	entry, _ := h.storedSession(t, "c1")
	require.Nil(t, entry.Session.Will)
}

func TestDisconnectWithoutWillReleasesPayload(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "c1", false, 60, will("status/c1", 10, "offline"))

	h.disconnect(t, "c1", false, database.SessionExpiryNotSet)

	require.Empty(t, h.publisher.Sent())
	require.Zero(t, h.manager.Wills.Len())
	require.Zero(t, h.payloads.Size())
}

func TestReconnectReplacesWill(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "c1", false, 60, will("status/c1", 0, "first"))
	h.connect(t, "c1", false, 60, will("status/c1", 0, "second"))
	require.Equal(t, 1, h.payloads.Size())

	h.disconnect(t, "c1", true, database.SessionExpiryNotSet)
	require.Equal(t, []byte("second"), h.publisher.Sent()[0].payload)
}

func TestDelayedWillIsSentBySweep(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "c1", false, 60, will("status/c1", 10, "offline"))
	h.disconnect(t, "c1", true, database.SessionExpiryNotSet)

	require.Equal(t, map[string]PendingWill{"c1": {DelayInterval: 10, StartTime: testStart}}, h.manager.Wills.Pending())
	require.Zero(t, h.manager.Wills.Sweep())
	require.Empty(t, h.publisher.Sent())

	h.clock.Advance(10 * time.Second)
	require.Equal(t, 1, h.manager.Wills.Sweep())
	require.Len(t, h.publisher.Sent(), 1)
	require.Zero(t, h.manager.Wills.Len())
	require.Zero(t, h.payloads.Size())

	entry, _ := h.storedSession(t, "c1")
	require.Nil(t, entry.Session.Will)
}

func TestWillDelayIsCappedBySessionExpiry(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "c1", false, 5, will("status/c1", 30, "offline"))
	h.disconnect(t, "c1", true, database.SessionExpiryNotSet)

	require.Equal(t, uint32(5), h.manager.Wills.Pending()["c1"].DelayInterval)
}

func TestReconnectCancelsPendingWill(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "c1", false, 60, will("status/c1", 30, "offline"))
	h.disconnect(t, "c1", true, database.SessionExpiryNotSet)

	h.clock.Advance(5 * time.Second)
	h.connect(t, "c1", false, 60, nil)
	require.Zero(t, h.manager.Wills.Len())

	h.clock.Advance(60 * time.Second)
	require.Zero(t, h.manager.Wills.Sweep())
	require.Empty(t, h.publisher.Sent())
	require.Zero(t, h.payloads.Size())
}

func TestSendPendingWillSkipsReconnectedClient(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "c1", false, 60, will("status/c1", 30, "offline"))
	h.disconnect(t, "c1", true, database.SessionExpiryNotSet)
	h.connect(t, "c1", false, 60, will("status/c1", 30, "again"))

	require.False(t, await(t, h.manager.Sessions.sendPendingWill("c1")))
	require.Empty(t, h.publisher.Sent())
}

func TestSweepIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a", "b"} {
		h.connect(t, id, false, 60, will("status/"+id, 1, "offline"))
		h.disconnect(t, id, true, database.SessionExpiryNotSet)
	}
	h.publisher.failFor["a"] = errInjected

	h.clock.Advance(2 * time.Second)
	h.manager.Wills.Sweep()

	sent := h.publisher.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "b", sent[0].clientID)
	require.Equal(t, 1, h.events.willErrors)
	require.Zero(t, h.manager.Wills.Len())
	// 发送失败的遗嘱同样释放 payload
	require.Zero(t, h.payloads.Size())
}

func TestResetRebuildsPendingWills(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "c1", false, 60, will("status/c1", 10, "offline"))
	h.disconnect(t, "c1", true, database.SessionExpiryNotSet)
	h.connect(t, "online", false, 60, will("status/online", 10, "offline"))
	h.manager.Wills.CancelWill("c1")

	require.NoError(t, h.manager.Wills.Reset(context.Background()))
	require.Equal(t, map[string]PendingWill{"c1": {DelayInterval: 10, StartTime: testStart}}, h.manager.Wills.Pending())
}

func TestResetFailureAbortsStart(t *testing.T) {
	h := newHarness(t)
	h.backend.scanErr = errInjected

	err := h.manager.Wills.Reset(context.Background())
	require.ErrorIs(t, err, errInjected)
	require.ErrorContains(t, err, "exception when reading pending will messages")

	require.ErrorIs(t, h.manager.Start(context.Background(), 10), errInjected)
}

func TestDeleteWill(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "c1", false, 60, will("status/c1", 10, "offline"))

	// 在线会话不受影响
	await(t, h.manager.Sessions.DeleteWill("c1"))
	entry, _ := h.storedSession(t, "c1")
	require.NotNil(t, entry.Session.Will)

	h.disconnect(t, "c1", true, database.SessionExpiryNotSet)
	await(t, h.manager.Sessions.DeleteWill("c1"))
	entry, _ = h.storedSession(t, "c1")
	require.Nil(t, entry.Session.Will)
	require.Zero(t, h.payloads.Size())
}

func TestSetSessionExpiryInterval(t *testing.T) {
	h := newHarness(t)
	sessions := h.manager.Sessions

	require.False(t, await(t, sessions.SetSessionExpiryInterval("nobody", 10)))

	_, err := sessions.SetSessionExpiryInterval("c1", -1).Wait()
	require.ErrorIs(t, err, ErrInvalidSessionExpiryInterval)
	_, err = sessions.SetSessionExpiryInterval("c1", 1<<32).Wait()
	require.ErrorIs(t, err, ErrInvalidSessionExpiryInterval)

	h.connect(t, "c1", false, 60, nil)
	require.True(t, await(t, sessions.SetSessionExpiryInterval("c1", 120)))
	expiry := await(t, sessions.GetSessionExpiryInterval("c1"))
	require.NotNil(t, expiry)
	require.EqualValues(t, 120, *expiry)

	h.subscribe(t, "c1", "a/b")
	require.True(t, await(t, sessions.SetSessionExpiryInterval("c1", 0)))
	require.Empty(t, h.storedTopics(t, "c1"))
	require.Empty(t, h.tree.MatchTopic("a/b"))

	h.disconnect(t, "ghost", true, database.SessionExpiryNotSet)
	require.False(t, await(t, sessions.SetSessionExpiryInterval("ghost", 10)))

	h.connect(t, "short", false, 1, nil)
	h.disconnect(t, "short", true, database.SessionExpiryNotSet)
	h.clock.Advance(2 * time.Second)
	require.False(t, await(t, sessions.SetSessionExpiryInterval("short", 10)))
	require.Nil(t, await(t, sessions.GetSessionExpiryInterval("short")))
}

func TestInvalidateSession(t *testing.T) {
	h := newHarness(t)
	require.False(t, await(t, h.manager.Sessions.InvalidateSession("nobody", DisconnectSourceServer)))

	conn := h.connect(t, "c1", false, 60, nil)
	require.True(t, await(t, h.manager.Sessions.InvalidateSession("c1", DisconnectSourceServer)))

	reason, ok := h.events.DisconnectReason("c1")
	require.True(t, ok)
	require.Equal(t, "Disconnected by server", reason)
	require.Equal(t, "Disconnected by server", conn.DisconnectReason())
	expiry, set := conn.SessionExpiryInterval()
	require.True(t, set)
	require.Zero(t, expiry)
}

func TestForceDisconnectWaitsForClose(t *testing.T) {
	h := newHarness(t)
	await(t, h.manager.Sessions.ClientConnected("c1", false, 60, will("status/c1", 10, "offline"), nil))
	conn := connection.NewConnection("c1", 5, func() error { return nil })
	h.conns.AddConnection(conn)

	f := h.manager.Sessions.ForceDisconnectClient("c1", true, DisconnectSourceExtension, "maintenance")
	require.Never(t, f.IsDone, 100*time.Millisecond, 10*time.Millisecond)

	conn.MarkClosed()
	require.True(t, await(t, f))
	require.True(t, conn.PreventWill())
	require.Equal(t, "maintenance", conn.DisconnectReason())
	reason, _ := h.events.DisconnectReason("c1")
	require.Equal(t, "Disconnected via extension system", reason)
}

func TestForceDisconnectAlreadyClosedTransport(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "c1", false, 60, nil)

	// closer 为 nil 时 Close 立即完成关闭，回调在注册时直接执行
	require.True(t, await(t, h.manager.Sessions.ForceDisconnectClient("c1", false, DisconnectSourceServer, "")))
	require.Equal(t, "Disconnected by server", conn.DisconnectReason())
}

func TestForceDisconnectWithoutConnection(t *testing.T) {
	h := newHarness(t)
	require.False(t, await(t, h.manager.Sessions.ForceDisconnectClient("nobody", false, DisconnectSourceServer, "")))

	await(t, h.manager.Sessions.ClientConnected("c1", false, 60, nil, nil))
	require.False(t, await(t, h.manager.Sessions.ForceDisconnectClient("c1", false, DisconnectSourceServer, "")))
	_, ok := h.events.DisconnectReason("c1")
	require.False(t, ok)
}

func TestGetAllClients(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"b", "c", "a"} {
		h.connect(t, id, false, 60, nil)
	}
	require.Equal(t, []string{"a", "b", "c"}, await(t, h.manager.Sessions.GetAllClients()))
}

func TestSessionCleanUp(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "c1", false, 10, will("status/c1", 60, "offline"))
	h.subscribe(t, "c1", "a/b")
	h.queues.Add("c1", false, clientqueue.Message{Topic: "a/b", QoS: database.AtLeastOnce})
	h.disconnect(t, "c1", true, database.SessionExpiryNotSet)
	h.connect(t, "alive", false, 60, nil)

	bucket := h.engine.BucketIndex("c1")
	require.Empty(t, await(t, h.manager.Sessions.CleanUp(bucket)))

	h.clock.Advance(11 * time.Second)
	require.Equal(t, []string{"c1"}, await(t, h.manager.Sessions.CleanUp(bucket)))

	_, found := h.storedSession(t, "c1")
	require.False(t, found)
	require.Empty(t, h.storedTopics(t, "c1"))
	require.Empty(t, h.tree.MatchTopic("a/b"))
	require.Zero(t, h.queues.Size("c1", false))
	require.Equal(t, []expiredEvent{{clientID: "c1", expiredAt: testStart + 10_000}}, h.events.Expired())
	require.Len(t, h.publisher.Sent(), 1)
	require.Zero(t, h.manager.Wills.Len())
	require.Zero(t, h.payloads.Size())

	_, found = h.storedSession(t, "alive")
	require.True(t, found)
}

func TestConnectFailureReleasesWillPayload(t *testing.T) {
	h := newHarness(t)
	h.backend.putSessionErr = errInjected

	_, err := h.manager.Sessions.ClientConnected("c1", false, 60, will("status/c1", 0, "offline"), nil).Wait()
	require.ErrorIs(t, err, errInjected)
	require.Zero(t, h.payloads.Size())

	_, err = h.manager.Sessions.ClientConnected("", false, 60, nil, nil).Wait()
	require.ErrorIs(t, err, database.ErrClientIDEmpty)
}

func TestQueueLimitIsApplied(t *testing.T) {
	h := newHarness(t)
	limit := uint64(1)
	await(t, h.manager.Sessions.ClientConnected("c1", false, 60, nil, &limit))

	require.True(t, h.queues.Add("c1", false, clientqueue.Message{Topic: "t", QoS: database.AtLeastOnce}))
	require.False(t, h.queues.Add("c1", false, clientqueue.Message{Topic: "t", QoS: database.AtLeastOnce}))

	entry, _ := h.storedSession(t, "c1")
	require.NotNil(t, entry.Session.QueueLimit)
	require.EqualValues(t, 1, *entry.Session.QueueLimit)
}

func TestParseDisconnectSource(t *testing.T) {
	source, ok := ParseDisconnectSource(1)
	require.True(t, ok)
	require.Equal(t, DisconnectSourceServer, source)
	require.Equal(t, "server", source.String())

	_, ok = ParseDisconnectSource(7)
	require.False(t, ok)
	require.Equal(t, "unknown", DisconnectSource(7).String())
}
