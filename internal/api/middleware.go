package api

import (
	"log/slog"
	"net/http"
	"time"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// instrument 记录每个请求的耗时与状态码，按路由模式聚合。
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("HTTP 处理异常", slog.String("path", r.URL.Path), slog.Any("panic", p))
				writeJSON(rec, http.StatusInternalServerError, errorBody{Error: errorDetail{Code: "UNKNOWN", Message: "internal error"}})
			}
			elapsed := time.Since(start)
			pattern := r.Pattern
			if pattern == "" {
				pattern = "unmatched"
			}
			if s.deps.Metrics != nil {
				s.deps.Metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, elapsed)
			}
			s.logger.Debug("HTTP 请求",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("elapsed", elapsed))
		}()
		next.ServeHTTP(rec, r)
	})
}
