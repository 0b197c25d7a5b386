package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"docsync/auth"
	"docsync/protocol"
	"docsync/session"
)

// joinAttempts는 종료 경합으로 참여가 거부됐을 때 재시도하는 횟수입니다.
const joinAttempts = 3

// Handler 구조체는 WebSocket 업그레이드와 세션 참여를 처리합니다.
type Handler struct {
	registry *session.Registry
	verifier auth.Verifier
	logger   *zap.Logger
	cfg      Config
	upgrader websocket.Upgrader
}

// NewHandler는 새로운 WebSocket 핸들러를 생성합니다.
func NewHandler(registry *session.Registry, verifier auth.Verifier, logger *zap.Logger, cfg Config) *Handler {
	return &Handler{
		registry: registry,
		verifier: verifier,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 모든 오리진 허용
			},
		},
	}
}

// ServeHTTP는 /ws?doc=<id>&token=<jwt> 요청을 처리합니다.
// 인증 실패는 업그레이드 후 4401 종료 프레임으로 알립니다. 업그레이드
// 전에 끊으면 브라우저 클라이언트가 실패 원인을 구분할 수 없기 때문입니다.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Query().Get("doc")
	if docID == "" {
		http.Error(w, "doc is required", http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get("token")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			zap.String("doc_id", docID),
			zap.Error(err))
		return
	}

	identity, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		h.logger.Warn("Authentication failed",
			zap.String("doc_id", docID),
			zap.String("ip", r.RemoteAddr),
			zap.Error(err))
		h.reject(ws, protocol.CloseUnauthorized, "unauthorized")
		return
	}

	clientID := uuid.NewString()
	info := session.ClientInfo{
		ID:     clientID,
		UserID: identity.UserID,
		Name:   identity.Name,
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.JoinTimeout)
	defer cancel()

	// 세션이 종료 중이면 레지스트리가 새 세션을 만들 때까지 재시도합니다.
	for attempt := 0; attempt < joinAttempts; attempt++ {
		sess, err := h.registry.GetOrCreate(ctx, docID)
		if err != nil {
			h.logger.Error("Failed to acquire session",
				zap.String("doc_id", docID),
				zap.Error(err))
			h.reject(ws, websocket.CloseInternalServerErr, "session unavailable")
			return
		}

		conn := newConn(clientID, ws, sess, identity, h.logger, h.cfg)
		err = sess.Join(ctx, info, conn)
		if errors.Is(err, session.ErrSessionClosed) {
			continue
		}
		if err != nil {
			h.logger.Error("Failed to join session",
				zap.String("doc_id", docID),
				zap.String("client_id", clientID),
				zap.Error(err))
			h.reject(ws, websocket.CloseInternalServerErr, "join failed")
			return
		}

		h.logger.Info("Connection established",
			zap.String("doc_id", docID),
			zap.String("client_id", clientID),
			zap.String("user_id", identity.UserID))
		conn.start()
		return
	}

	h.reject(ws, websocket.CloseTryAgainLater, "session draining")
}

// reject는 참여에 실패한 연결에 종료 프레임을 보내고 닫습니다.
func (h *Handler) reject(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(h.cfg.WriteTimeout)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}
