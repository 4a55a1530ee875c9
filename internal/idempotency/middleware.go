package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/procura/internal/observability"
	"github.com/pitabwire/procura/model"
)

// HeaderKey is the request header carrying the client's key.
const HeaderKey = "Idempotency-Key"

// ReplayedHeader marks a response served from the store.
const ReplayedHeader = "Idempotent-Replayed"

// maxKeyLength bounds the header value.
const maxKeyLength = 255

// inFlightTTL bounds how long a reservation outlives a request that never
// finished, such as one lost to a crash.
const inFlightTTL = 5 * time.Minute

// ErrorWriter renders an error response.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware deduplicates POST requests that carry an Idempotency-Key. It
// must run after authentication so keys are scoped to the caller. The key
// is reserved before the handler runs, so a concurrent duplicate gets a
// CONFLICT instead of a second execution. Only 2xx responses are stored; a
// failed request releases the key and can be retried with it.
type Middleware struct {
	store    Store
	ttl      time.Duration
	writeErr ErrorWriter
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewMiddleware creates the idempotency middleware.
func NewMiddleware(store Store, ttl time.Duration, writeErr ErrorWriter, metrics *observability.Metrics, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{store: store, ttl: ttl, writeErr: writeErr, metrics: metrics, logger: logger}
}

// Handler wraps next.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headerKey := r.Header.Get(HeaderKey)
		if r.Method != http.MethodPost || headerKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(headerKey) > maxKeyLength {
			m.writeErr(w, r, model.NewFieldError(HeaderKey, "MAX", "must be at most 255 characters"))
			return
		}
		ac := model.AuthContextFrom(r.Context())
		if ac == nil {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			m.writeErr(w, r, model.NewBadRequestError("unable to read request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		key := Key(ac.OrgID, ac.UserID, r.URL.Path, headerKey)
		hash := inputHash(r.Method, r.URL.Path, body)
		logger := observability.RequestLogger(r.Context(), m.logger)

		cached, err := m.store.Reserve(r.Context(), key, hash, inFlightTTL)
		if model.AsEnvelope(err) != nil {
			m.writeErr(w, r, err)
			return
		}
		if err != nil {
			// Run the request uncached when the store is unavailable.
			logger.Warn("idempotency lookup failed", zap.String("key", key), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if cached != nil {
			m.metrics.RecordIdempotencyReplay()
			logger.Debug("idempotent replay", zap.String("key", key))
			if cached.ContentType != "" {
				w.Header().Set("Content-Type", cached.ContentType)
			}
			w.Header().Set(ReplayedHeader, "true")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}

		// The outcome is recorded even when the client has gone away.
		ctx := context.WithoutCancel(r.Context())
		saved := false
		defer func() {
			if saved {
				return
			}
			if err := m.store.Release(ctx, key); err != nil {
				logger.Warn("idempotency release failed", zap.String("key", key), zap.Error(err))
			}
		}()

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status < 200 || rec.status >= 300 {
			return
		}
		resp := Response{Status: rec.status, ContentType: rec.Header().Get("Content-Type"), Body: rec.body.Bytes()}
		if err := m.store.Save(ctx, key, hash, resp, m.ttl); err != nil {
			logger.Warn("idempotency save failed", zap.String("key", key), zap.Error(err))
			return
		}
		saved = true
	})
}

func inputHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// recorder passes the response through while keeping a copy.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
