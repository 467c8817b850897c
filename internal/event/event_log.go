// Package event 负责进程生命周期清理以及会话事件记录
package event

import (
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/logger"
)

// Counter 事件计数，由 metrics.Collector 实现
type Counter interface {
	SessionExpired()
	ClientDisconnected()
	WillPublished(err error)
}

// Log 将会话事件写入日志并计数
type Log struct {
	counter Counter
}

// NewLog counter 可为 nil
func NewLog(counter Counter) *Log {
	return &Log{counter: counter}
}

// ClientSessionExpired expiredAt 为会话实际过期时刻（毫秒）
func (l *Log) ClientSessionExpired(expiredAt int64, clientID string) {
	logger.InfoF("[%s] Client session expired at %s", clientID, time.UnixMilli(expiredAt).Format(time.RFC3339))
	if l.counter != nil {
		l.counter.SessionExpired()
	}
}

func (l *Log) ClientWasDisconnected(clientID, reason string) {
	logger.InfoF("[%s] Client was disconnected: %s", clientID, reason)
	if l.counter != nil {
		l.counter.ClientDisconnected()
	}
}

func (l *Log) WillPublished(clientID string, err error) {
	if err != nil {
		logger.ErrorF("[%s] Publish of will message failed: %v", clientID, err)
	} else {
		logger.DebugF("[%s] Will message published", clientID)
	}
	if l.counter != nil {
		l.counter.WillPublished(err)
	}
}
