package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBadgerStore(t *testing.T) {
	store, err := OpenBadger(BadgerOptions{InMemory: true, BucketCount: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	exerciseBackend(t, store)
}

func TestBadgerStoreKeepsWillWithoutPayload(t *testing.T) {
	store, err := OpenBadger(BadgerOptions{InMemory: true, BucketCount: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	ctx := context.Background()
	session := NewClientSession(false, 100)
	session.Will = &ClientSessionWill{DelayInterval: 5, Topic: "t", QoS: AtLeastOnce, PublishID: 7, Payload: []byte("bytes")}
	require.NoError(t, store.PutSession(ctx, 0, SessionEntry{ClientID: "c", Session: session, Timestamp: 99}))

	entry, found, err := store.GetSession(ctx, 0, "c")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(7), entry.Session.Will.PublishID)
	require.Nil(t, entry.Session.Will.Payload)
	require.Equal(t, int64(99), entry.Timestamp)
}

func TestBadgerStoreBucketCountMismatch(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenBadger(BadgerOptions{Dir: dir, BucketCount: 4})
	require.NoError(t, err)
	require.NoError(t, store.Close(context.Background()))

	_, err = OpenBadger(BadgerOptions{Dir: dir, BucketCount: 8})
	require.ErrorIs(t, err, ErrBucketCountMismatch)
}

func TestBadgerKeyLayout(t *testing.T) {
	key := badgerKey(badgerSessionPrefix, 3, "abc")
	require.Equal(t, []byte{'s', 0, 0, 0, 3, 'a', 'b', 'c'}, key)
}
