package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"docsync/auth"
	"docsync/protocol"
	"docsync/session"
)

// Config 구조체는 연결 계층의 동작 설정을 담습니다.
type Config struct {
	// SendQueueSize는 클라이언트별 송신 큐의 최대 길이입니다.
	// 큐가 가득 찬 클라이언트는 느린 소비자로 퇴출됩니다.
	SendQueueSize int

	// MaxFrameBytes는 수신 프레임 하나의 최대 크기입니다.
	MaxFrameBytes int64

	// OpsPerSecond와 OpsBurst는 클라이언트별 연산 빈도 제한입니다.
	OpsPerSecond float64
	OpsBurst     int

	// BytesPerSecond와 BytesBurst는 클라이언트별 수신 바이트 예산입니다.
	// BytesBurst는 MaxFrameBytes보다 작으면 안 됩니다.
	BytesPerSecond float64
	BytesBurst     int

	// PingInterval은 ping 메시지 전송 간격, PongTimeout은 마지막 pong
	// 이후 연결을 살아 있다고 간주하는 최대 시간입니다.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// WriteTimeout은 프레임 하나를 쓰는 데 허용하는 최대 시간입니다.
	WriteTimeout time.Duration

	// JoinTimeout은 세션 참여가 완료되기를 기다리는 최대 시간입니다.
	JoinTimeout time.Duration
}

// DefaultConfig는 기본 연결 설정을 반환합니다.
func DefaultConfig() Config {
	return Config{
		SendQueueSize:  256,
		MaxFrameBytes:  1 << 20,
		OpsPerSecond:   64,
		OpsBurst:       128,
		BytesPerSecond: 256 << 10,
		BytesBurst:     1 << 20,
		PingInterval:   15 * time.Second,
		PongTimeout:    45 * time.Second,
		WriteTimeout:   10 * time.Second,
		JoinTimeout:    10 * time.Second,
	}
}

// withDefaults는 설정되지 않은 필드를 기본값으로 채웁니다.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.OpsPerSecond <= 0 {
		c.OpsPerSecond = d.OpsPerSecond
	}
	if c.OpsBurst <= 0 {
		c.OpsBurst = d.OpsBurst
	}
	if c.BytesPerSecond <= 0 {
		c.BytesPerSecond = d.BytesPerSecond
	}
	if c.BytesBurst <= 0 {
		c.BytesBurst = d.BytesBurst
	}
	if c.BytesBurst < int(c.MaxFrameBytes) {
		c.BytesBurst = int(c.MaxFrameBytes)
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	return c
}

// closeRequest는 쓰기 고루틴에 전달되는 연결 종료 요청입니다.
type closeRequest struct {
	code   int
	reason string
}

// Conn 구조체는 단일 WebSocket 연결을 나타냅니다.
// 수신 고루틴은 프레임을 검사해 세션 메일박스로 넘기고, 송신 고루틴은
// 송신 큐와 ping 전송, 종료 프레임 쓰기를 담당합니다.
type Conn struct {
	id       string
	ws       *websocket.Conn
	sess     *session.Session
	identity *auth.Identity
	logger   *zap.Logger
	cfg      Config

	outbound chan protocol.ServerMessage
	closeReq chan closeRequest
	closed   chan struct{}
	once     sync.Once

	opLimiter   *rate.Limiter
	byteLimiter *rate.Limiter
	lastPong    atomic.Int64
}

// newConn은 업그레이드된 WebSocket 연결을 감쌉니다.
func newConn(id string, ws *websocket.Conn, sess *session.Session, identity *auth.Identity, logger *zap.Logger, cfg Config) *Conn {
	c := &Conn{
		id:          id,
		ws:          ws,
		sess:        sess,
		identity:    identity,
		logger:      logger,
		cfg:         cfg,
		outbound:    make(chan protocol.ServerMessage, cfg.SendQueueSize),
		closeReq:    make(chan closeRequest, 1),
		closed:      make(chan struct{}),
		opLimiter:   rate.NewLimiter(rate.Limit(cfg.OpsPerSecond), cfg.OpsBurst),
		byteLimiter: rate.NewLimiter(rate.Limit(cfg.BytesPerSecond), cfg.BytesBurst),
	}
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// start는 수신과 송신 고루틴을 시작합니다.
func (c *Conn) start() {
	go c.readPump()
	go c.writePump()
}

// TrySend는 메시지를 송신 큐에 넣습니다. 큐가 가득 차면 false를 반환합니다.
func (c *Conn) TrySend(msg protocol.ServerMessage) bool {
	select {
	case <-c.closed:
		return true // 종료 중인 연결은 조용히 버림
	default:
	}
	select {
	case c.outbound <- msg:
		return true
	default:
		return false
	}
}

// Kick은 지정한 코드의 종료 프레임을 보내고 연결을 닫도록 요청합니다.
// 세션 액터가 호출하므로 블로킹하지 않습니다.
func (c *Conn) Kick(code int, reason string) {
	select {
	case c.closeReq <- closeRequest{code: code, reason: reason}:
	default:
	}
}

// shutdown은 연결을 정리합니다. 여러 번 호출해도 안전합니다.
func (c *Conn) shutdown() {
	c.once.Do(func() {
		close(c.closed)
		c.sess.Leave(c.id)
		_ = c.ws.Close()

		c.logger.Info("Connection closed",
			zap.String("doc_id", c.sess.DocID()),
			zap.String("client_id", c.id),
			zap.String("user_id", c.identity.UserID))
	})
}

// readPump은 수신 프레임을 검사해 세션으로 전달합니다.
func (c *Conn) readPump() {
	defer c.shutdown()

	c.ws.SetReadLimit(c.cfg.MaxFrameBytes)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.String("client_id", c.id),
					zap.Error(err))
			}
			return
		}

		// 수신 바이트 예산을 넘는 프레임은 버리고 소프트 오류로 알림
		if !c.byteLimiter.AllowN(time.Now(), len(data)) {
			c.TrySend(protocol.NewError(protocol.ErrKindThrottled, "byte budget exceeded"))
			continue
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.logger.Warn("Protocol violation",
				zap.String("client_id", c.id),
				zap.Error(err))
			c.closeAndWait(protocol.CloseProtocolViolation, "malformed message")
			return
		}

		switch msg.Type {
		case protocol.TypeOp:
			if !c.opLimiter.Allow() {
				// 빈도 제한에 걸린 연산은 버리고 소프트 오류로 알림
				c.TrySend(protocol.NewError(protocol.ErrKindThrottled, "operation rate limit exceeded"))
				continue
			}
			op, err := msg.Operation()
			if err != nil {
				// 디코딩 실패는 세션이 재동기화로 처리하도록 nil을 전달
				op = nil
			}
			c.sess.SubmitOp(c.id, msg.BaseVersion, op, msg.ClientSeq)

		case protocol.TypeCursor:
			c.sess.UpdateCursor(c.id, int(msg.Line), int(msg.Column), msg.Selection, msg.AtVersion)

		case protocol.TypePong:
			c.lastPong.Store(time.Now().UnixNano())
		}
	}
}

// writePump은 송신 큐를 비우고 주기적으로 ping을 보냅니다.
func (c *Conn) writePump() {
	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	var nonce uint64
	for {
		select {
		case msg := <-c.outbound:
			if err := c.write(msg); err != nil {
				c.shutdown()
				return
			}

		case <-ping.C:
			if time.Since(time.Unix(0, c.lastPong.Load())) > c.cfg.PongTimeout {
				c.logger.Warn("Pong timeout",
					zap.String("client_id", c.id))
				c.writeClose(protocol.CloseNormal, "pong timeout")
				c.shutdown()
				return
			}
			nonce++
			if err := c.write(protocol.NewPing(nonce)); err != nil {
				c.shutdown()
				return
			}

		case req := <-c.closeReq:
			// 큐에 남은 메시지보다 종료 프레임을 우선합니다.
			c.writeClose(req.code, req.reason)
			c.shutdown()
			return

		case <-c.closed:
			return
		}
	}
}

// write는 메시지 하나를 쓰기 시한과 함께 전송합니다.
func (c *Conn) write(msg protocol.ServerMessage) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteJSON(msg)
}

// writeClose는 종료 프레임을 전송합니다.
func (c *Conn) writeClose(code int, reason string) {
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// closeAndWait는 종료 프레임이 전송될 때까지 기다립니다.
// 수신 고루틴에서 호출되며 쓰기는 송신 고루틴이 수행합니다.
func (c *Conn) closeAndWait(code int, reason string) {
	c.Kick(code, reason)
	select {
	case <-c.closed:
	case <-time.After(c.cfg.WriteTimeout):
	}
}
