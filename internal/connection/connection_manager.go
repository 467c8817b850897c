// Package connection 实现了客户端连接的注册与管理
package connection

import (
	"sync"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/logger"
	"github.com/puzpuzpuz/xsync/v4"
)

// ConnectionManager 连接管理器，clientID -> 当前连接
type ConnectionManager struct {
	connections *xsync.Map[string, *Connection]
}

var (
	instance *ConnectionManager
	once     sync.Once
)

// GetConnectionManager 获取进程级连接管理器实例
func GetConnectionManager() *ConnectionManager {
	once.Do(func() {
		instance = NewConnectionManager()
	})
	return instance
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{connections: xsync.NewMap[string, *Connection]()}
}

// AddConnection 注册连接，返回被替换的旧连接（会话接管）
func (cm *ConnectionManager) AddConnection(conn *Connection) (*Connection, bool) {
	previous, loaded := cm.connections.LoadAndStore(conn.ClientID, conn)
	logger.InfoF("[%s] Client connected (conn=%s)", conn.ClientID, conn.ConnID)
	return previous, loaded
}

// RemoveConnection 仅当注册的仍是 conn 时才移除，避免误删接管后的新连接
func (cm *ConnectionManager) RemoveConnection(conn *Connection) bool {
	removed := false
	cm.connections.Compute(conn.ClientID, func(current *Connection, loaded bool) (*Connection, xsync.ComputeOp) {
		if !loaded || current != conn {
			return current, xsync.CancelOp
		}
		removed = true
		return nil, xsync.DeleteOp
	})
	if removed {
		logger.InfoF("[%s] Client disconnected (conn=%s)", conn.ClientID, conn.ConnID)
	}
	return removed
}

// GetConnection 获取连接
func (cm *ConnectionManager) GetConnection(clientID string) (*Connection, bool) {
	return cm.connections.Load(clientID)
}

func (cm *ConnectionManager) Count() int {
	return cm.connections.Size()
}
