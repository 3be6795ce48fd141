package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	gwerrors "github.com/sark-io/sark/internal/errors"
	"github.com/sark-io/sark/internal/identity"
	"github.com/sark-io/sark/internal/logging"
)

func init() {
	// Every request mints an id; the pool amortizes entropy reads.
	uuid.EnableRandPool()
}

// middleware wraps a handler. chain applies them outermost-first.
type middleware func(http.Handler) http.Handler

func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type ctxKeyRequestID struct{}

// requestIDMW trusts a sane inbound X-Request-ID or mints one, and
// exposes it on the context and both header directions.
func requestIDMW() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			r.Header.Set("X-Request-ID", id)
			w.Header().Set("X-Request-ID", id)
			ctx := context.WithValue(r.Context(), ctxKeyRequestID{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestID returns the id assigned by requestIDMW.
func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(ctxKeyRequestID{}).(string); ok {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// recoveryMW converts handler panics into a JSON 500 after logging the
// stack. The pipeline recovers its own panics; this guards everything
// around it.
func recoveryMW() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logging.Error("Panic recovered",
						zap.Any("error", rec),
						zap.String("request_id", requestID(r)),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					gwerrors.ErrInternalServer.
						WithDetails(fmt.Sprintf("panic: %v", rec)).
						WithRequestID(requestID(r)).
						WriteJSON(w)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// loggingResponseWriter captures status and size for the access line
// while passing flushes through for streaming responses.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

var lrwPool = sync.Pool{
	New: func() any { return &loggingResponseWriter{} },
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.bytes += n
	return n, err
}

func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (lw *loggingResponseWriter) Unwrap() http.ResponseWriter { return lw.ResponseWriter }

// accessLogMW writes one structured line per request. skip suppresses
// noisy probe paths.
func accessLogMW(skip map[string]bool) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			lw := lrwPool.Get().(*loggingResponseWriter)
			lw.ResponseWriter = w
			lw.status = 0
			lw.bytes = 0

			start := time.Now()
			next.ServeHTTP(lw, r)

			logging.Info("HTTP request",
				zap.String("request_id", requestID(r)),
				zap.String("remote_addr", identity.ClientIP(r)),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", lw.status),
				zap.Int("body_bytes", lw.bytes),
				zap.Duration("response_time", time.Since(start)),
				zap.String("user_agent", r.UserAgent()),
			)

			lw.ResponseWriter = nil
			lrwPool.Put(lw)
		})
	}
}

// bodyLimitMW rejects oversized requests up front and caps reads for
// the ones that lie about their length.
func bodyLimitMW(max int64) middleware {
	return func(next http.Handler) http.Handler {
		if max <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > max {
				gwerrors.ErrRequestEntityTooLarge.WithRequestID(requestID(r)).WriteJSON(w)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

// corsMW answers preflight and stamps allow headers for configured
// origins. Session cookies mean credentials are always in play, so the
// wildcard origin is intentionally unsupported; origins match exactly
// or by "*.suffix" wildcard.
func corsMW(origins []string) middleware {
	allowed := func(origin string) bool {
		for _, o := range origins {
			if o == origin {
				return true
			}
			if strings.HasPrefix(o, "*.") && strings.HasSuffix(origin, o[1:]) {
				return true
			}
		}
		return false
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || !allowed(origin) {
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
				h.Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
