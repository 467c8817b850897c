package clientqueue

import (
	"testing"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/database"
	"github.com/stretchr/testify/require"
)

func TestAddPollAssignsPacketIDs(t *testing.T) {
	m := NewManager(0)
	require.True(t, m.Add("c1", false, Message{Topic: "a", QoS: database.AtMostOnce}))
	require.True(t, m.Add("c1", false, Message{Topic: "b", QoS: database.AtLeastOnce}))
	require.True(t, m.Add("c1", false, Message{Topic: "c", QoS: database.ExactlyOnce}))

	polled := m.Poll("c1", false, 2)
	require.Len(t, polled, 2)
	require.Equal(t, "a", polled[0].Topic)
	require.Zero(t, polled[0].PacketID)
	require.Equal(t, uint16(1), polled[1].PacketID)
	require.Equal(t, 1, m.Size("c1", false))

	rest := m.Poll("c1", false, 0)
	require.Len(t, rest, 1)
	require.Equal(t, uint16(2), rest[0].PacketID)

	m.Acknowledge("c1", 1)
	require.Equal(t, 1, m.PacketIDs("c1").InFlight())
}

func TestQueueLimit(t *testing.T) {
	m := NewManager(2)
	require.True(t, m.Add("c1", false, Message{Topic: "a"}))
	require.True(t, m.Add("c1", false, Message{Topic: "b"}))
	require.False(t, m.Add("c1", false, Message{Topic: "c"}))

	limit := uint64(3)
	m.SetQueueLimit("c1", &limit)
	require.True(t, m.Add("c1", false, Message{Topic: "c"}))
	require.False(t, m.Add("c1", false, Message{Topic: "d"}))

	m.SetQueueLimit("c1", nil)
	require.Equal(t, 3, m.Size("c1", false))

	// 客户端上限不影响同名的共享队列
	require.True(t, m.Add("c1", true, Message{Topic: "x"}))
}

func TestRemoveAllQos0AndClear(t *testing.T) {
	m := NewManager(0)
	m.Add("c1", false, Message{Topic: "a", QoS: database.AtMostOnce})
	m.Add("c1", false, Message{Topic: "b", QoS: database.AtLeastOnce})
	m.Add("c1", false, Message{Topic: "c", QoS: database.AtMostOnce})
	m.Add("g/t", true, Message{Topic: "t", QoS: database.AtMostOnce})

	require.Equal(t, 2, m.RemoveAllQos0Messages("c1", false))
	require.Equal(t, 1, m.Size("c1", false))
	require.Equal(t, 1, m.Size("g/t", true))
	require.Zero(t, m.RemoveAllQos0Messages("unknown", false))

	m.Clear("c1", false)
	require.Zero(t, m.Size("c1", false))
	require.Nil(t, m.Poll("c1", false, 0))
}

func TestSharedQueueHasNoPacketIDs(t *testing.T) {
	m := NewManager(0)
	m.Add("g/t", true, Message{Topic: "t", QoS: database.AtLeastOnce})
	polled := m.Poll("g/t", true, 10)
	require.Len(t, polled, 1)
	require.Zero(t, polled[0].PacketID)
}

func TestCleanUpExpired(t *testing.T) {
	m := NewManager(0)
	m.Add("c1", false, Message{Topic: "old", ExpiresAt: 100})
	m.Add("c1", false, Message{Topic: "new", ExpiresAt: 1000})
	m.Add("c1", false, Message{Topic: "forever"})
	m.Add("c2", false, Message{Topic: "old", ExpiresAt: 100})

	removed := m.CleanUp(500, func(id string, shared bool) bool { return id == "c1" })
	require.Equal(t, 1, removed)
	require.Equal(t, 2, m.Size("c1", false))
	require.Equal(t, 1, m.Size("c2", false))

	require.Equal(t, 1, m.CleanUp(500, nil))
}
