package logging

import (
	"context"
	"net/http"
	"reflect"
	"time"

	"github.com/dpup/wxauth/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const stackSize = 5

// Middleware returns HTTP middleware that attaches a request scoped logger
// derived from root to each request, recovers panics, and writes one log
// line per request carrying every field added with Track.
func Middleware(root Logger) func(http.Handler) http.Handler {
	if z, ok := root.(*ZapLogger); ok {
		// Stack traces of the middleware itself aren't useful. Errors that carry
		// stacks are added as fields by TrackError.
		root = &ZapLogger{z: z.z.Desugar().WithOptions(
			zap.AddStacktrace(zapcore.PanicLevel),
		).Sugar()}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := r.Header.Get("X-Request-Id")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			ctx := With(r.Context(), root.Named(r.URL.Path).With("http.request_id", reqID))
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				if p := recover(); p != nil {
					Track(ctx, "error.panic", true)
					TrackError(ctx, errors.Wrap(p, 2))
					http.Error(rec, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
				l := FromContext(ctx).
					With("http.method", r.Method).
					With("http.status", rec.status).
					With("http.duration_ms", time.Since(start).Milliseconds())
				switch {
				case rec.status >= 500:
					l.Error("request finished")
				case rec.status >= 400:
					l.Warn("request finished")
				default:
					l.Info("request finished")
				}
			}()

			next.ServeHTTP(rec, r.WithContext(ctx))
		})
	}
}

// TrackError records error details on the request scope so they appear on the
// final request log line.
func TrackError(ctx context.Context, err error) {
	c, ok := ctx.Value(ctxkey{}).(*ctxkey)
	if !ok || err == nil {
		return
	}
	c.logger = c.logger.
		With("error", err.Error()).
		With("error.type", reflect.TypeOf(err).String()).
		With("error.http_status", errors.HTTPStatusCode(err))

	var e *errors.Error
	if errors.As(err, &e) {
		c.logger = c.logger.
			With("error.stack_trace", e.MinimalStack(0, stackSize)).
			With("error.original_type", e.TypeName())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Flush lets streaming handlers and gzip work through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
