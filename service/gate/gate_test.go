package gate

import (
	"sort"
	"sync"
	"testing"
	"time"
)

func conn(user, device string) *DeviceConn {
	return &DeviceConn{
		UserID:   user,
		DeviceID: device,
		Send:     make(chan []byte, 4),
		JoinedAt: time.Now(),
	}
}

func TestRegisterAndPresence(t *testing.T) {
	m := NewManager()
	m.Register(conn("bob", "d1"))
	m.Register(conn("bob", "d2"))

	devs := m.ReachableDevices("bob")
	sort.Strings(devs)
	if len(devs) != 2 || devs[0] != "d1" || devs[1] != "d2" {
		t.Fatalf("devices = %v", devs)
	}
	if devs := m.ReachableDevices("nobody"); devs != nil {
		t.Fatalf("unknown user devices = %v", devs)
	}
}

func TestPush(t *testing.T) {
	m := NewManager()
	c := conn("bob", "d1")
	m.Register(c)

	if err := m.Push("bob", "d1", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-c.Send:
		if string(got) != "hello" {
			t.Fatalf("payload = %q", got)
		}
	default:
		t.Fatal("nothing queued")
	}

	if err := m.Push("bob", "dX", []byte("x")); err == nil {
		t.Fatal("want error for unknown device")
	}
}

func TestPushQueueFull(t *testing.T) {
	m := NewManager()
	c := conn("bob", "d1")
	m.Register(c)

	for i := 0; i < cap(c.Send); i++ {
		if err := m.Push("bob", "d1", []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	// 慢客户端：满队列按不可达处理，调用方走离线降级
	if err := m.Push("bob", "d1", []byte("overflow")); err == nil {
		t.Fatal("want error when queue full")
	}
}

func TestReconnectKicksOldConn(t *testing.T) {
	m := NewManager()
	old := conn("bob", "d1")
	m.Register(old)
	m.Register(conn("bob", "d1"))

	select {
	case _, ok := <-old.Send:
		if ok {
			t.Fatal("old send channel still open with data")
		}
	default:
		t.Fatal("old connection not closed")
	}
	if devs := m.ReachableDevices("bob"); len(devs) != 1 {
		t.Fatalf("devices = %v", devs)
	}
}

// 扇出 worker 持续 Push 的同时设备反复重连踢线，
// 不能出现向已关 Send 通道发送导致的 panic
func TestPushDuringReconnectKick(t *testing.T) {
	m := NewManager()
	m.Register(conn("bob", "d1"))

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					_ = m.Push("bob", "d1", []byte("x"))
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		m.Register(conn("bob", "d1"))
	}
	close(done)
	wg.Wait()

	if devs := m.ReachableDevices("bob"); len(devs) != 1 {
		t.Fatalf("devices = %v", devs)
	}
}

func TestPushAfterKickReportsOffline(t *testing.T) {
	m := NewManager()
	old := conn("bob", "d1")
	m.Register(old)
	m.Register(conn("bob", "d1"))

	// 旧连接句柄直接 enqueue 也只会拿到离线错误
	if err := old.enqueue([]byte("x")); err != errDeviceOffline {
		t.Fatalf("err = %v, want device offline", err)
	}
}

func TestUnregister(t *testing.T) {
	m := NewManager()
	c := conn("bob", "d1")
	m.Register(c)
	m.Unregister(c)

	if devs := m.ReachableDevices("bob"); devs != nil {
		t.Fatalf("devices after unregister = %v", devs)
	}
	// 重复注销幂等
	m.Unregister(c)
}
