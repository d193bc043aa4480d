package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/smallnest/permgate/bus"
	"github.com/smallnest/permgate/internal/logger"
	"github.com/smallnest/permgate/jsonrpc"
	"github.com/smallnest/permgate/permission"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 网关只监听本地地址，由 token 负责鉴权
		return true
	},
}

// Options 网关配置
type Options struct {
	Host           string
	Port           int
	Path           string
	Token          string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

// DefaultOptions 默认网关配置
func DefaultOptions() Options {
	return Options{
		Host:           "127.0.0.1",
		Port:           18790,
		Path:           "/ws",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		MaxMessageSize: 10 * 1024 * 1024, // 10MB
	}
}

// Server HTTP/WebSocket 网关服务器
type Server struct {
	opts          Options
	bus           *bus.EventBus
	handler       *Handler
	mux           *http.ServeMux
	server        *http.Server
	listener      net.Listener
	mu            sync.RWMutex
	running       bool
	connections   map[string]*Connection
	connectionsMu sync.RWMutex
}

// NewServer 创建网关服务器
func NewServer(opts Options, broker Broker, lc Lifecycle, eventBus *bus.EventBus) *Server {
	defaults := DefaultOptions()
	if opts.Path == "" {
		opts.Path = defaults.Path
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaults.PongTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaults.MaxMessageSize
	}

	s := &Server{
		opts:        opts,
		bus:         eventBus,
		handler:     NewHandler(broker, lc),
		connections: make(map[string]*Connection),
	}
	s.handler.SetSubscriber(s)

	s.mux = http.NewServeMux()
	// 健康检查端点
	s.mux.HandleFunc("/health", s.handleHealth)
	// WebSocket 端点
	s.mux.HandleFunc(opts.Path, s.handleWebSocket)
	return s
}

// Handler returns the HTTP handler serving /health and the WebSocket path.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	addr := net.JoinHostPort(s.opts.Host, fmt.Sprintf("%d", s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:     s.mux,
		ReadTimeout: s.opts.ReadTimeout,
		// hijacked WebSocket connections manage their own deadlines
		ReadHeaderTimeout: s.opts.ReadTimeout,
	}
	s.running = true
	srv := s.server
	s.mu.Unlock()

	go func() {
		logger.Info("Gateway server started",
			zap.String("addr", ln.Addr().String()),
			zap.String("path", s.opts.Path),
			zap.Bool("auth", s.opts.Token != ""))

		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("Gateway server error", zap.Error(err))
		}
	}()

	// 监听上下文取消
	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop 停止服务器
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.mu.Unlock()

	// 关闭所有 WebSocket 连接
	s.closeAllConnections()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown gateway server", zap.Error(err))
		_ = srv.Close()
	}

	logger.Info("Gateway server stopped")
	return nil
}

// IsRunning 检查是否运行中
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ConnectionCount returns the number of open WebSocket connections.
func (s *Server) ConnectionCount() int {
	s.connectionsMu.RLock()
	defer s.connectionsMu.RUnlock()
	return len(s.connections)
}

// closeAllConnections 关闭所有 WebSocket 连接
func (s *Server) closeAllConnections() {
	s.connectionsMu.Lock()
	conns := make([]*Connection, 0, len(s.connections))
	for id, conn := range s.connections {
		conns = append(conns, conn)
		delete(s.connections, id)
	}
	s.connectionsMu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// addConnection 添加连接
func (s *Server) addConnection(conn *Connection) {
	s.connectionsMu.Lock()
	defer s.connectionsMu.Unlock()
	s.connections[conn.ID] = conn
}

// removeConnection 移除连接
func (s *Server) removeConnection(id string) {
	s.connectionsMu.Lock()
	defer s.connectionsMu.Unlock()
	delete(s.connections, id)
}

// getConnection 获取连接
func (s *Server) getConnection(id string) (*Connection, bool) {
	s.connectionsMu.RLock()
	defer s.connectionsMu.RUnlock()
	conn, ok := s.connections[id]
	return conn, ok
}

// Subscribe points a connection at a single notification channel,
// replacing its previous subscription.
func (s *Server) Subscribe(connID, channel string) error {
	conn, ok := s.getConnection(connID)
	if !ok {
		return fmt.Errorf("connection %s not found", connID)
	}

	sub := s.bus.Subscribe(channel)
	var previous []string
	if old := conn.swapSubscription(sub); old != nil {
		previous = old.Topics()
		old.Unsubscribe()
	}
	select {
	case <-conn.done:
		// closed while subscribing
		sub.Unsubscribe()
		return fmt.Errorf("connection %s closed", connID)
	default:
	}
	go s.pump(conn, sub)

	logger.Debug("Connection subscribed",
		zap.String("conn_id", connID),
		zap.String("channel", channel),
		zap.Strings("previous", previous))
	return nil
}

// pump forwards prompt events of one subscription to the connection until
// the subscription is closed.
func (s *Server) pump(conn *Connection, sub *bus.Subscription) {
	for evt := range sub.C {
		prompt, ok := evt.Payload.(permission.PromptEvent)
		if !ok {
			continue
		}
		notif := jsonrpc.NewNotification(NotificationPrompt, PromptNotification{
			Channel: evt.Topic,
			Prompt:  prompt,
		})
		if err := conn.SendJSON(notif); err != nil {
			logger.Debug("Failed to push prompt notification",
				zap.String("conn_id", conn.ID),
				zap.String("prompt_id", prompt.PromptID),
				zap.Error(err))
			// 停止接收，避免后续发布堆满缓冲区
			sub.Unsubscribe()
			return
		}
	}
}

// handleHealth 健康检查处理器
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// 总线关闭后提示无法送达 UI
	status, code := "ok", http.StatusOK
	if s.bus.IsClosed() {
		status, code = "unavailable", http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      status,
		"sessions":    len(s.handler.broker.Sessions()),
		"connections": s.ConnectionCount(),
		"time":        time.Now().Unix(),
	})
}

// handleWebSocket WebSocket 连接处理器
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// 检查认证
	if s.opts.Token != "" && !s.authenticate(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// 升级到 WebSocket
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade to WebSocket", zap.Error(err))
		return
	}

	conn := NewConnection(ws, s.opts)
	s.addConnection(conn)

	logger.Info("WebSocket connection established",
		zap.String("conn_id", conn.ID),
		zap.String("remote_addr", r.RemoteAddr))

	// 默认订阅全局频道
	if err := s.Subscribe(conn.ID, permission.GlobalChannel); err != nil {
		logger.Error("Failed to subscribe connection", zap.String("conn_id", conn.ID), zap.Error(err))
	}

	// 发送欢迎消息
	welcome := jsonrpc.NewNotification("connected", map[string]interface{}{
		"connection_id": conn.ID,
		"version":       ProtocolVersion,
		"channel":       permission.GlobalChannel,
	})
	if err := conn.SendJSON(welcome); err != nil {
		logger.Debug("Failed to send welcome", zap.String("conn_id", conn.ID), zap.Error(err))
	}

	// 启动心跳
	go conn.heartbeat()

	// 处理消息
	go s.handleWebSocketMessages(conn)
}

// authenticate 验证连接 token（查询参数或 Bearer 头）
func (s *Server) authenticate(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimSpace(auth[len("Bearer "):])
		}
	}

	if token == "" {
		return false
	}

	// 使用恒定时间比较防止时序攻击
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.Token)) == 1
}

// handleWebSocketMessages 处理 WebSocket 消息
func (s *Server) handleWebSocketMessages(conn *Connection) {
	defer func() {
		_ = conn.Close()
		s.removeConnection(conn.ID)
		logger.Info("WebSocket connection closed", zap.String("conn_id", conn.ID))
	}()

	conn.SetReadLimit(s.opts.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket error",
					zap.String("conn_id", conn.ID),
					zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		// 只处理文本消息
		if messageType != websocket.TextMessage {
			continue
		}

		// 解析请求
		req, err := jsonrpc.ParseRequest(data)
		if err != nil {
			logger.Warn("Failed to parse WebSocket message",
				zap.String("conn_id", conn.ID),
				zap.Error(err))
			_ = conn.SendJSON(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorParseError, "Parse error"))
			continue
		}

		logger.Debug("WebSocket request",
			zap.String("conn_id", conn.ID),
			zap.String("method", req.Method))

		// 处理请求
		resp := s.handler.HandleRequest(conn.ID, req)
		if resp == nil {
			continue
		}

		// 发送响应
		if err := conn.SendJSON(resp); err != nil {
			logger.Warn("Failed to send WebSocket response",
				zap.String("conn_id", conn.ID),
				zap.Error(err))
		}
	}
}

// Connection WebSocket 连接
type Connection struct {
	*websocket.Conn
	ID           string
	pingInterval time.Duration
	writeTimeout time.Duration
	mu           sync.Mutex

	subMu sync.Mutex
	sub   *bus.Subscription

	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection 创建连接
func NewConnection(ws *websocket.Conn, opts Options) *Connection {
	return &Connection{
		Conn:         ws,
		ID:           uuid.New().String(),
		pingInterval: opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
		done:         make(chan struct{}),
	}
}

// SendJSON 发送 JSON 消息
func (c *Connection) SendJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.WriteJSON(v)
}

func (c *Connection) swapSubscription(sub *bus.Subscription) *bus.Subscription {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	old := c.sub
	c.sub = sub
	return old
}

// heartbeat 心跳
func (c *Connection) heartbeat() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if err := c.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.mu.Unlock()
				return
			}
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}
	}
}

// Close 关闭连接；可重复调用
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if sub := c.swapSubscription(nil); sub != nil {
			sub.Unsubscribe()
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		// 发送关闭帧
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))

		// 关闭连接
		err = c.Conn.Close()
	})
	return err
}
