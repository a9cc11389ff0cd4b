package gate

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"PSync/logger"
	"PSync/module/sync/fanout"
	"PSync/tools/safe"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
	sendQueue  = 256
)

// Server WebSocket 面：设备长连 + 上线补投
type Server struct {
	mgr  *Manager
	disp *fanout.Dispatcher
}

func NewServer(mgr *Manager, disp *fanout.Dispatcher) *Server {
	return &Server{mgr: mgr, disp: disp}
}

// HandleWS GET /ws?user_id=&device_id=
// device_id 缺省时临时发一个（该设备的同步状态不会跨连接延续）
func (s *Server) HandleWS(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "user_id required"})
		return
	}
	deviceID := c.Query("device_id")
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade error user=%s err=%v", userID, err)
		return
	}

	conn := &DeviceConn{
		UserID:   userID,
		DeviceID: deviceID,
		Conn:     ws,
		Send:     make(chan []byte, sendQueue),
		JoinedAt: time.Now(),
	}
	s.mgr.Register(conn)
	safe.Go(func() { s.writePump(conn) })

	// 上线先补投离线队列（队列裁掉的部分客户端走 /sync/difference 追）
	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if n, err := s.disp.Resume(ctx, userID, deviceID, 0); err != nil {
			logger.Warnf("[ws] resume failed user=%s device=%s err=%v", userID, deviceID, err)
		} else if n > 0 {
			logger.Infof("[ws] resumed user=%s device=%s delivered=%d", userID, deviceID, n)
		}
		cancel()
	}

	s.readLoop(conn)
	s.mgr.Unregister(conn)
}

// readLoop 只读不写；客户端无上行业务帧，读循环只消化 ping/close
func (s *Server) readLoop(c *DeviceConn) {
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed user=%s device=%s", c.UserID, c.DeviceID)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout user=%s device=%s", c.UserID, c.DeviceID)
			} else {
				logger.Infof("[ws] read err user=%s device=%s err=%v", c.UserID, c.DeviceID, err)
			}
			return
		}
	}
}

func (s *Server) writePump(c *DeviceConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case payload, ok := <-c.Send:
			if !ok {
				_ = c.Conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Infof("[ws] write err user=%s device=%s err=%v", c.UserID, c.DeviceID, err)
				return
			}
		case <-ticker.C:
			if err := c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
