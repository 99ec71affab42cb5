package server

import (
	"net/http"

	"github.com/felixge/httpsnoop"
	"go.uber.org/zap"
)

// accessLog logs one line per request. httpsnoop keeps the Hijacker of the
// underlying writer, so websocket upgrades still work through it.
func accessLog(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics := httpsnoop.CaptureMetrics(next, w, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", metrics.Code),
			zap.Int64("bytes", metrics.Written),
			zap.Duration("duration", metrics.Duration))
	})
}
