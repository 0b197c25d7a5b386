package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"

	"docsync/auth"
	"docsync/session"
)

// Server 구조체는 문서 동기화 HTTP 서버입니다.
type Server struct {
	addr     string
	registry *session.Registry
	router   *http.ServeMux
	server   *http.Server
	listener net.Listener
	logger   *zap.Logger
	cfg      Config
}

// NewServer는 새로운 서버를 생성합니다.
func NewServer(addr string, registry *session.Registry, verifier auth.Verifier, logger *zap.Logger, cfg Config) *Server {
	s := &Server{
		addr:     addr,
		registry: registry,
		router:   http.NewServeMux(),
		logger:   logger,
		cfg:      cfg.withDefaults(),
	}
	s.setupRoutes(verifier)
	return s
}

// setupRoutes는 HTTP 라우트를 설정합니다.
func (s *Server) setupRoutes(verifier auth.Verifier) {
	s.router.Handle("/ws", NewHandler(s.registry, verifier, s.logger, s.cfg))
	s.router.HandleFunc("/healthz", s.handleHealth)
	s.router.HandleFunc("/stats", s.handleStats)
}

// Start는 서버 리스닝을 시작합니다. 블로킹하지 않습니다.
func (s *Server) Start() error {
	// 미들웨어 적용
	handler := MiddlewareChain(s.router,
		func(h http.Handler) http.Handler { return LoggingMiddleware(s.logger, h) },
		func(h http.Handler) http.Handler { return RecoveryMiddleware(s.logger, h) },
		RequestIDMiddleware,
		CORSMiddleware,
	)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.server = &http.Server{Handler: handler}

	go func() {
		s.logger.Info("Server started", zap.String("addr", listener.Addr().String()))
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr는 서버가 실제로 바인딩된 주소를 반환합니다.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Shutdown은 모든 세션을 정리하고 서버를 종료합니다.
// 세션을 먼저 닫아야 클라이언트가 종료 프레임을 받은 뒤 리스너가 닫힙니다.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	if err := s.registry.Shutdown(ctx); err != nil {
		s.logger.Error("Registry shutdown error", zap.Error(err))
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Error("Server shutdown error", zap.Error(err))
			return err
		}
	}

	s.logger.Info("Server stopped")
	return nil
}

// handleHealth는 서버 상태를 반환합니다.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStats는 활성 세션의 통계를 반환합니다.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := s.registry.Stats(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.Error("Failed to encode stats", zap.Error(err))
	}
}
