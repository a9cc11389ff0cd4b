package gate

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DeviceConn 一台在线设备的连接；Send 是独立发送队列，写泵单协程消费
type DeviceConn struct {
	UserID   string
	DeviceID string
	Conn     *websocket.Conn
	Send     chan []byte

	JoinedAt time.Time

	mu     sync.Mutex // 串行化 enqueue 与 close，踢线时不会往已关通道发送
	closed bool
}

// enqueue 非阻塞入队；连接已关按离线处理
func (d *DeviceConn) enqueue(payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errDeviceOffline
	}
	select {
	case d.Send <- payload:
		return nil
	default:
		return errSendQueueFull
	}
}

func (d *DeviceConn) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.Send)
	d.mu.Unlock()

	if d.Conn != nil {
		_ = d.Conn.Close()
	}
}

// Manager 本节点的连接注册表：userID -> (deviceID -> conn)。
// 同时实现 fanout.Presence 与 fanout.Push。
type Manager struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*DeviceConn
}

func NewManager() *Manager {
	return &Manager{byUser: make(map[string]map[string]*DeviceConn)}
}

var (
	errDeviceOffline = errors.New("device not connected")
	errSendQueueFull = errors.New("send queue full")
)

// Register 同一 user+device 重连时踢掉旧连接
func (m *Manager) Register(c *DeviceConn) {
	m.mu.Lock()
	old := m.byUser[c.UserID][c.DeviceID]
	if m.byUser[c.UserID] == nil {
		m.byUser[c.UserID] = make(map[string]*DeviceConn)
	}
	m.byUser[c.UserID][c.DeviceID] = c
	m.mu.Unlock()

	if old != nil {
		old.close()
	}
}

func (m *Manager) Unregister(c *DeviceConn) {
	m.mu.Lock()
	if mm := m.byUser[c.UserID]; mm != nil && mm[c.DeviceID] == c {
		delete(mm, c.DeviceID)
		if len(mm) == 0 {
			delete(m.byUser, c.UserID)
		}
	}
	m.mu.Unlock()
	c.close()
}

// ReachableDevices 实现 fanout.Presence
func (m *Manager) ReachableDevices(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm := m.byUser[userID]
	if len(mm) == 0 {
		return nil
	}
	out := make([]string, 0, len(mm))
	for dev := range mm {
		out = append(out, dev)
	}
	return out
}

// Push 实现 fanout.Push：入队即成功；队列满视为慢客户端，按不可达处理
func (m *Manager) Push(userID, deviceID string, payload []byte) error {
	m.mu.RLock()
	c := m.byUser[userID][deviceID]
	m.mu.RUnlock()
	if c == nil {
		return errDeviceOffline
	}
	return c.enqueue(payload)
}

func (m *Manager) Close() {
	m.mu.Lock()
	conns := make([]*DeviceConn, 0)
	for _, mm := range m.byUser {
		for _, c := range mm {
			conns = append(conns, c)
		}
	}
	m.byUser = make(map[string]map[string]*DeviceConn)
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
