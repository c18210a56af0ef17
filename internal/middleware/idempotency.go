package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/creditledger/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// maxFingerprintBody caps how much of a keyed request is buffered.
const maxFingerprintBody = 1 << 20

// idempotencyKeyContextKey is the context key for storing the idempotency key.
type idempotencyKeyContextKey struct{}

// idempotencyResponseWriter is a custom response writer that captures the response.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
	written    bool
}

// newIdempotencyResponseWriter creates a new idempotency response writer.
func newIdempotencyResponseWriter(w http.ResponseWriter) *idempotencyResponseWriter {
	return &idempotencyResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
	}
}

// WriteHeader captures the status code.
func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if !w.written {
		w.statusCode = statusCode
		w.written = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the response body.
func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b)
	return n, err
}

// Unwrap returns the underlying writer.
func (w *idempotencyResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// SetIdempotencyKey stores the idempotency key in the context.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// GetIdempotencyKey retrieves the idempotency key from context. Returns empty string if not present.
func GetIdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyContextKey{}).(string); ok {
		return key
	}
	return ""
}

// writeMiddlewareError writes the API error envelope from inside middleware,
// which cannot import the api package.
func writeMiddlewareError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	ctx := SetErrorCode(r.Context(), code)
	UpdateResponseContext(w, ctx)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
}

// Idempotency returns a middleware that replays cached responses for repeated
// POST requests carrying the same Idempotency-Key from the same user. The header
// is optional: requests without it pass through. It must run after
// authentication, since keys are scoped by user id. A key reused for a
// different method, path or body is rejected with 422. metrics may be nil.
func Idempotency(repo idempotency.Repository, metrics *Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if err := idempotency.ValidateKey(key); err != nil {
				code, message := "invalid_idempotency_key", "Invalid Idempotency-Key format"
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					code = "idempotency_key_too_long"
					message = "Idempotency-Key exceeds maximum length of 64 characters"
				}
				writeMiddlewareError(w, r, http.StatusBadRequest, code, message)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFingerprintBody))
			if err != nil {
				writeMiddlewareError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", "Request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			userID := GetUserID(r.Context())
			fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)
			ctx := SetIdempotencyKey(r.Context(), key)
			r = r.WithContext(ctx)

			existing, err := repo.Get(ctx, userID, key)
			switch {
			case err == nil && !existing.Intact():
				logger.WarnContext(ctx, "cached idempotent response failed its integrity check",
					slog.String("key", key))
				writeMiddlewareError(w, r, http.StatusConflict, "idempotency_key_unusable",
					"Idempotency-Key cannot be replayed; retry with a new key")
				return
			case err == nil && existing.Fingerprint != fingerprint:
				writeMiddlewareError(w, r, http.StatusUnprocessableEntity, "idempotency_key_reused",
					"Idempotency-Key was already used for a different request")
				return
			case err == nil:
				metrics.IncIdempotentReplays(normalizePath(r.URL.Path))
				logger.InfoContext(ctx, "idempotency key found, returning cached response",
					slog.String("key", key),
					slog.Int("status", existing.ResponseStatusCode))
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(existing.ResponseStatusCode)
				_, _ = w.Write([]byte(existing.ResponseBody))
				return
			case !errors.Is(err, idempotency.ErrKeyNotFound):
				// Storage is down: serve the request without replay protection.
				logger.ErrorContext(ctx, "failed to check idempotency key",
					slog.String("key", key),
					slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}

			captureWriter := newIdempotencyResponseWriter(w)
			next.ServeHTTP(captureWriter, r)

			// Only 2xx responses are replayable.
			if captureWriter.statusCode < 200 || captureWriter.statusCode >= 300 {
				return
			}
			record := idempotency.NewRecord(userID, key, fingerprint, captureWriter.statusCode, captureWriter.body.String())
			if err := repo.Store(ctx, record); err != nil {
				// Response already sent
				logger.ErrorContext(ctx, "failed to store idempotency key",
					slog.String("key", key),
					slog.String("error", err.Error()))
			}
		})
	}
}
