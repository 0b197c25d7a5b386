package transport

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// responseWriter는 http.ResponseWriter를 래핑하여 상태 코드를 추적합니다.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// newResponseWriter는 새로운 responseWriter를 생성합니다.
func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader는 상태 코드를 설정하고 원래 ResponseWriter에 전달합니다.
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack은 WebSocket 업그레이드를 위해 내부 연결을 넘겨줍니다.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

// RequestIDMiddleware는 요청 ID를 생성하는 미들웨어입니다.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 요청 ID가 없으면 생성
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set("X-Request-ID", requestID)
		}

		// 응답 헤더에 요청 ID 설정
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware는 HTTP 요청과 응답을 로깅하는 미들웨어입니다.
func LoggingMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 응답 래핑
		rw := newResponseWriter(w)

		next.ServeHTTP(rw, r)

		// 요청 처리 시간 계산
		duration := time.Since(start)

		// 로그 레벨 결정
		logLevel := zap.InfoLevel
		if rw.statusCode >= 400 {
			logLevel = zap.WarnLevel
		}
		if rw.statusCode >= 500 {
			logLevel = zap.ErrorLevel
		}

		logger.Check(logLevel, fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)).Write(
			zap.Int("status", rw.statusCode),
			zap.Duration("duration", duration),
			zap.String("ip", r.RemoteAddr),
			zap.String("request_id", r.Header.Get("X-Request-ID")),
		)
	})
}

// RecoveryMiddleware는 패닉을 복구하고 로깅하는 미들웨어입니다.
func RecoveryMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				// 스택 트레이스 캡처
				stack := string(debug.Stack())

				logger.Error("HTTP handler panic",
					zap.Any("error", err),
					zap.String("stack", stack),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("ip", r.RemoteAddr),
				)

				// 클라이언트에 500 응답
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware는 CORS 헤더를 추가하는 미들웨어입니다.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// OPTIONS 요청 처리
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// MiddlewareChain은 여러 미들웨어를 체인으로 연결합니다.
func MiddlewareChain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for _, middleware := range middlewares {
		h = middleware(h)
	}
	return h
}
