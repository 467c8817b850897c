package connection

import (
	"sync"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/logger"
)

// Connection 表示一个客户端连接及其在断开流程中需要的状态
type Connection struct {
	ClientID        string
	ConnID          string
	ProtocolVersion byte

	mu                   sync.Mutex
	preventWill          bool
	sessionExpiry        uint32
	sessionExpirySet     bool
	noSharedSubscription bool
	disconnectReason     string

	closer    func() error
	closeOnce sync.Once
	closedCh  chan struct{}
	closed    bool
	onClosed  []func()
}

// NewConnection closer 为传输层关闭函数，传输层真正关闭后需调用 MarkClosed；closer 为 nil 时 Close 立即视为已关闭
func NewConnection(clientID string, protocolVersion byte, closer func() error) *Connection {
	return &Connection{
		ClientID:        clientID,
		ConnID:          uuid.NewString(),
		ProtocolVersion: protocolVersion,
		closer:          closer,
		closedCh:        make(chan struct{}),
	}
}

func (c *Connection) SetPreventWill(prevent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preventWill = prevent
}

func (c *Connection) PreventWill() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preventWill
}

func (c *Connection) SetSessionExpiryInterval(expiry uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionExpiry = expiry
	c.sessionExpirySet = true
}

// SessionExpiryInterval 返回断开时覆盖的过期时间，未设置时 ok 为 false
func (c *Connection) SessionExpiryInterval() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionExpiry, c.sessionExpirySet
}

func (c *Connection) SetNoSharedSubscription(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noSharedSubscription = v
}

func (c *Connection) NoSharedSubscription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noSharedSubscription
}

func (c *Connection) DisconnectReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectReason
}

// Close 请求关闭连接，只生效一次
func (c *Connection) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.disconnectReason = reason
		c.mu.Unlock()
		logger.DebugF("[%s] Closing connection %s: %s", c.ClientID, c.ConnID, reason)
		if c.closer == nil {
			c.MarkClosed()
			return
		}
		err = c.closer()
	})
	return err
}

// MarkClosed 由传输层在连接真正关闭后调用，依次执行 OnClosed 注册的回调
func (c *Connection) MarkClosed() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	callbacks := c.onClosed
	c.onClosed = nil
	close(c.closedCh)
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// OnClosed 连接关闭后执行 fn，已关闭时立即执行
func (c *Connection) OnClosed(fn func()) {
	c.mu.Lock()
	if !c.closed {
		c.onClosed = append(c.onClosed, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

func (c *Connection) Closed() <-chan struct{} {
	return c.closedCh
}
