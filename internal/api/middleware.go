package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	headerRequestID = "X-Request-ID"
	headerUserID    = "X-User-ID"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxRequestID
)

// RequestLogger assigns a request id and logs method, path, status and latency.
func RequestLogger(next http.Handler, logger *zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get(headerRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, reqID)
		r = r.WithContext(context.WithValue(r.Context(), ctxRequestID, reqID))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ev := logger.Info()
		if rec.status >= http.StatusInternalServerError {
			ev = logger.Error()
		}
		ev.Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withUser requires the authenticated caller id set by the upstream gateway.
func (s *Server) withUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get(headerUserID), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusUnauthorized, codeUnauthenticated, "missing or invalid "+headerUserID+" header")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxUserID, id)))
	}
}

func userID(ctx context.Context) int64 {
	id, _ := ctx.Value(ctxUserID).(int64)
	return id
}

// viewerID is the optional caller id on read-only routes.
func viewerID(r *http.Request) int64 {
	id, err := strconv.ParseInt(r.Header.Get(headerUserID), 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
