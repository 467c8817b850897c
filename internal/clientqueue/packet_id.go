package clientqueue

import (
	"errors"
	"sync"
)

var ErrPacketIDExhausted = errors.New("no free packet id")

// PacketIDManager 为单个客户端分配 packet id，每个客户端各自一份
type PacketIDManager struct {
	mu        sync.Mutex
	currentID uint16
	released  map[uint16]struct{}
	inUse     map[uint16]struct{}
}

func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		currentID: 1, // 起始值为1
		released:  make(map[uint16]struct{}),
		inUse:     make(map[uint16]struct{}),
	}
}

// NextID 获取下一个可用ID，65535 个全部占用时返回 ErrPacketIDExhausted
func (m *PacketIDManager) NextID() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 优先使用已释放的ID
	for id := range m.released {
		delete(m.released, id)
		m.inUse[id] = struct{}{}
		return id, nil
	}

	if len(m.inUse) >= 65535 {
		return 0, ErrPacketIDExhausted
	}
	for {
		id := m.currentID
		m.currentID++
		if m.currentID == 0 { // 溢出处理
			m.currentID = 1
		}
		if _, used := m.inUse[id]; !used {
			m.inUse[id] = struct{}{}
			return id, nil
		}
	}
}

// ReleaseID 释放ID（收到确认后调用），未分配的 id 忽略
func (m *PacketIDManager) ReleaseID(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inUse[id]; !ok {
		return
	}
	delete(m.inUse, id)
	m.released[id] = struct{}{}
}

func (m *PacketIDManager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inUse)
}

// EncodePacketID 编码为字节流（大端序）
func EncodePacketID(id uint16) []byte {
	return []byte{byte(id >> 8), byte(id & 0xFF)}
}

// DecodePacketID 从字节流解码
func DecodePacketID(data []byte) uint16 {
	if len(data) < 2 {
		return 0
	}
	return uint16(data[0])<<8 | uint16(data[1])
}
