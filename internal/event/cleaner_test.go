package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanRunsInReverseOrderOnce(t *testing.T) {
	c := newCleaner()
	var order []int
	for i := 1; i <= 3; i++ {
		c.Add(CallableFunc(func(ctx context.Context) error {
			order = append(order, i)
			return nil
		}))
	}

	require.NoError(t, c.Clean())
	require.Equal(t, []int{3, 2, 1}, order)

	require.NoError(t, c.Clean())
	require.Len(t, order, 3)

	// 清理开始后不再接受注册
	c.Add(CallableFunc(func(ctx context.Context) error { return nil }))
	require.Len(t, c.cleaners, 3)
}

func TestCleanCollectsErrors(t *testing.T) {
	c := newCleaner()
	boom := errors.New("boom")
	called := false
	c.Add(CallableFunc(func(ctx context.Context) error {
		called = true
		return nil
	}))
	c.Add(CallableFunc(func(ctx context.Context) error { return boom }))

	err := c.Clean()
	require.ErrorIs(t, err, boom)
	require.True(t, called)
}

func TestShutdownExitsWithCode(t *testing.T) {
	c := newCleaner()
	code := -1
	c.exit = func(n int) { code = n }
	loggerClosed := false
	c.loggerShutdown = CallableFunc(func(ctx context.Context) error {
		loggerClosed = true
		return nil
	})

	c.Shutdown(2)
	require.Equal(t, 2, code)
	require.True(t, loggerClosed)
}

type countingSink struct {
	expired, disconnected, wills, failed int
}

func (s *countingSink) SessionExpired()     { s.expired++ }
func (s *countingSink) ClientDisconnected() { s.disconnected++ }
func (s *countingSink) WillPublished(err error) {
	if err != nil {
		s.failed++
		return
	}
	s.wills++
}

func TestLogCounts(t *testing.T) {
	sink := &countingSink{}
	l := NewLog(sink)
	l.ClientSessionExpired(0, "c1")
	l.ClientWasDisconnected("c1", "test")
	l.WillPublished("c1", nil)
	l.WillPublished("c1", errors.New("x"))
	require.Equal(t, countingSink{expired: 1, disconnected: 1, wills: 1, failed: 1}, *sink)

	NewLog(nil).ClientSessionExpired(0, "c2")
}
