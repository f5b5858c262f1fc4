package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

// Environment is stamped on every http_request event.
type Environment struct {
	Service string
	Version string
	Commit  string
	Region  string
}

type ctxKey struct{}

type RequestFields struct {
	mu     sync.Mutex
	fields map[string]any
}

func NewJSONLoggerTo(w io.Writer, level string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(h)
}

// ParseLevel maps debug|info|warn|error to a slog level; anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Transport logs one http_request event per outbound round trip. Request and
// response bodies are never logged.
func Transport(base http.RoundTripper, logger *slog.Logger, env Environment) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &loggingTransport{base: base, logger: logger, env: env}
}

type loggingTransport struct {
	base   http.RoundTripper
	logger *slog.Logger
	env    Environment
}

func (t *loggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()
	reqID := r.Header.Get(RequestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
		r = r.Clone(r.Context())
		r.Header.Set(RequestIDHeader, reqID)
	}

	resp, err := t.base.RoundTrip(r)

	event := t.env.event(reqID, r.Method, r.URL.Path)
	event["host"] = r.URL.Host
	event["duration_ms"] = time.Since(start).Milliseconds()
	switch {
	case err != nil:
		event["outcome"] = "error"
		event["error"] = err.Error()
	case resp.StatusCode >= 500:
		event["status_code"] = resp.StatusCode
		event["outcome"] = "error"
	default:
		event["status_code"] = resp.StatusCode
		event["outcome"] = "success"
	}
	t.logger.Info("http_request", slog.Any("event", event))
	return resp, err
}

// Middleware is the inbound counterpart of Transport, used by test ledgers.
func Middleware(logger *slog.Logger, env Environment) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := r.Header.Get(RequestIDHeader)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			fields := &RequestFields{fields: map[string]any{}}
			ctx := context.WithValue(r.Context(), ctxKey{}, fields)
			r = r.WithContext(ctx)

			ww := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			panicVal := any(nil)

			func() {
				defer func() {
					if recovered := recover(); recovered != nil {
						panicVal = recovered
						ww.statusCode = http.StatusInternalServerError
						http.Error(ww, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
						AddField(r.Context(), "panic", true)
						AddField(r.Context(), "stack", string(debug.Stack()))
					}
				}()
				next.ServeHTTP(ww, r)
			}()

			event := env.event(reqID, r.Method, r.URL.Path)
			event["remote_addr"] = r.RemoteAddr
			event["status_code"] = ww.statusCode
			event["duration_ms"] = time.Since(start).Milliseconds()
			event["response_size"] = ww.bytes
			if ww.statusCode >= 500 {
				event["outcome"] = "error"
			} else {
				event["outcome"] = "success"
			}
			for k, v := range snapshotFields(fields) {
				event[k] = v
			}
			logger.Info("http_request", slog.Any("event", event))

			if panicVal != nil {
				panic(panicVal)
			}
		})
	}
}

func (env Environment) event(reqID, method, path string) map[string]any {
	return map[string]any{
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		"service":    env.Service,
		"version":    env.Version,
		"commit":     env.Commit,
		"region":     env.Region,
		"request_id": reqID,
		"method":     method,
		"path":       path,
	}
}

func AddField(ctx context.Context, key string, value any) {
	fields, ok := ctx.Value(ctxKey{}).(*RequestFields)
	if !ok || fields == nil {
		return
	}
	fields.mu.Lock()
	defer fields.mu.Unlock()
	fields.fields[key] = value
}

func snapshotFields(fields *RequestFields) map[string]any {
	if fields == nil {
		return nil
	}
	fields.mu.Lock()
	defer fields.mu.Unlock()
	out := make(map[string]any, len(fields.fields))
	for k, v := range fields.fields {
		out[k] = v
	}
	return out
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}
