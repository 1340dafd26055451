package middleware

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/SkynetNext/xsk-fastpath/internal/metrics"
	"github.com/SkynetNext/xsk-fastpath/internal/observability"
	"github.com/SkynetNext/xsk-fastpath/pkg/xlog"
)

// TracingMiddleware traces, logs and counts admin requests
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks are polled constantly; keep them out of traces and logs
		if IsHealthCheck(r) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := observability.ExtractTraceContext(r.Context(), r)
		ctx, span := observability.StartSpan(ctx, "fastpath.admin",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()

		// Add K8s Pod metadata to span
		if podName := os.Getenv("POD_NAME"); podName != "" {
			span.SetAttributes(
				attribute.String("k8s.pod.name", podName),
				attribute.String("k8s.namespace", os.Getenv("POD_NAMESPACE")),
				attribute.String("k8s.node.name", os.Getenv("NODE_NAME")),
			)
		}

		if traceID := trace.SpanContextFromContext(ctx).TraceID(); traceID.IsValid() {
			w.Header().Set("X-Request-ID", traceID.String())
		}
		observability.InjectTraceContext(ctx, w.Header())

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		duration := time.Since(start)

		span.SetAttributes(
			attribute.Int("http.status_code", ww.statusCode),
			attribute.Int64("http.duration_ms", duration.Milliseconds()),
		)
		metrics.RecordAdminRequest(r.URL.Path, strconv.Itoa(ww.statusCode), duration.Seconds())
		xlog.Debugf("admin %s %s status=%d duration=%v client=%s",
			r.Method, r.URL.Path, ww.statusCode, duration, r.RemoteAddr)
	})
}

// IsHealthCheck reports whether r is a K8s liveness or readiness check
func IsHealthCheck(r *http.Request) bool {
	switch r.URL.Path {
	case "/health", "/ready":
		return true
	}
	return r.Header.Get("User-Agent") == "kube-probe/1.0"
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
