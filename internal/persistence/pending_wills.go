package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/singlewriter"
	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/utils"
	"github.com/puzpuzpuz/xsync/v4"
)

// PendingWill 延迟发送的遗嘱，StartTime 为断开时刻（毫秒）
type PendingWill struct {
	DelayInterval uint32
	StartTime     int64
}

func (w PendingWill) Due(now int64) bool {
	return w.StartTime+int64(w.DelayInterval)*1000 <= now
}

// PendingWills 内存中的延迟遗嘱表，启动时从会话存储重建，定时扫描到期的遗嘱并发送
type PendingWills struct {
	sessions *SessionStore
	pending  *xsync.Map[string, PendingWill]
	clock    utils.Clock
	interval time.Duration
	gauge    func(n int)

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func newPendingWills(clock utils.Clock, interval time.Duration, gauge func(n int)) *PendingWills {
	if interval <= 0 {
		interval = time.Second
	}
	return &PendingWills{
		pending:  xsync.NewMap[string, PendingWill](),
		clock:    clock,
		interval: interval,
		gauge:    gauge,
		stopCh:   make(chan struct{}),
	}
}

// AddWill 登记延迟遗嘱；延迟为 0 时不登记并返回 false，由调用方立即发送
func (p *PendingWills) AddWill(clientID string, session *database.ClientSession, start int64) bool {
	if session == nil || session.Will == nil {
		return false
	}
	delay := pendingWillDelay(session)
	if delay == 0 {
		return false
	}
	p.pending.Store(clientID, PendingWill{DelayInterval: delay, StartTime: start})
	logger.DebugF("[%s] Will delayed by %ds", clientID, delay)
	return true
}

func (p *PendingWills) CancelWill(clientID string) {
	if _, ok := p.pending.LoadAndDelete(clientID); ok {
		logger.DebugF("[%s] Pending will cancelled", clientID)
	}
}

// Reset 清空内存表并从会话存储重新加载，失败时启动应当中止
func (p *PendingWills) Reset(ctx context.Context) error {
	p.pending.Clear()
	wills, err := p.sessions.PendingWills().Get(ctx)
	if err != nil {
		return fmt.Errorf("exception when reading pending will messages: %w", err)
	}
	for clientID, will := range wills {
		p.pending.Store(clientID, will)
	}
	logger.InfoF("Loaded %d pending will messages", len(wills))
	p.report()
	return nil
}

// Sweep 发送全部到期的遗嘱，单个遗嘱失败不影响其余遗嘱，返回成功发送的数量
func (p *PendingWills) Sweep() int {
	now := p.clock()
	due := make(map[string]PendingWill)
	p.pending.Range(func(clientID string, will PendingWill) bool {
		if will.Due(now) {
			due[clientID] = will
		}
		return true
	})

	sends := make(map[string]*singlewriter.Future[bool], len(due))
	for clientID, will := range due {
		claimed := false
		// 仅当登记内容未被替换或取消时才取走
		p.pending.Compute(clientID, func(current PendingWill, loaded bool) (PendingWill, xsync.ComputeOp) {
			if !loaded || current != will {
				return current, xsync.CancelOp
			}
			claimed = true
			return current, xsync.DeleteOp
		})
		if claimed {
			sends[clientID] = p.sessions.sendPendingWill(clientID)
		}
	}

	sent := 0
	for clientID, f := range sends {
		ok, err := f.Wait()
		if err != nil {
			logger.ErrorF("[%s] Sending pending will failed: %v", clientID, err)
			continue
		}
		if ok {
			sent++
		}
	}
	p.report()
	return sent
}

func (p *PendingWills) Pending() map[string]PendingWill {
	snapshot := make(map[string]PendingWill, p.pending.Size())
	p.pending.Range(func(clientID string, will PendingWill) bool {
		snapshot[clientID] = will
		return true
	})
	return snapshot
}

func (p *PendingWills) Len() int {
	return p.pending.Size()
}

func (p *PendingWills) report() {
	if p.gauge != nil {
		p.gauge(p.pending.Size())
	}
}

// Start 启动定时扫描
func (p *PendingWills) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ticker := time.NewTicker(p.interval)
			defer ticker.Stop()
			for {
				select {
				case <-p.stopCh:
					return
				case <-ticker.C:
					func() {
						defer func() {
							if r := recover(); r != nil {
								logger.ErrorF("Exception while checking pending will messages: %v", r)
							}
						}()
						p.Sweep()
					}()
				}
			}
		}()
		logger.DebugF("Pending will check started (interval=%s)", p.interval)
	})
}

// Invoke 停止定时扫描，使 PendingWills 可以注册到 event.Cleaner
func (p *PendingWills) Invoke(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for pending will check to stop: %w", ctx.Err())
	}
}
