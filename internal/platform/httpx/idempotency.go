package httpx

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/billhub/billhub/internal/shared"
)

// IdempotencyHeader carries the client supplied key.
const IdempotencyHeader = "Idempotency-Key"

const maxIdempotencyKey = 128

// ReplayRecorder counts replayed responses.
type ReplayRecorder interface {
	IdempotentReplay()
}

// Idempotency replays the stored response of mutating requests that repeat an
// Idempotency-Key. It must run after authentication since keys are tenant scoped.
func Idempotency(store *shared.IdempotencyStore, recorder ReplayRecorder, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
			if key == "" || !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKey {
				RespondError(w, shared.NewValidationError(IdempotencyHeader, "must be at most 128 characters"))
				return
			}
			principal, ok := shared.PrincipalFromContext(r.Context())
			if !ok {
				RespondError(w, shared.ErrUnauthorized)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				RespondError(w, shared.NewValidationError("body", "unreadable"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fingerprint := Fingerprint(r.Method, r.URL.RequestURI(), principal.Subject, body)

			stored, err := store.Begin(r.Context(), principal.TenantID, key, fingerprint)
			if err != nil {
				RespondError(w, err)
				return
			}
			if stored != nil {
				if recorder != nil {
					recorder.IdempotentReplay()
				}
				if stored.ContentType != "" {
					w.Header().Set("Content-Type", stored.ContentType)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(stored.Status)
				_, _ = w.Write(stored.Body)
				return
			}

			// The request context may already be cancelled by a timeout or a client
			// disconnect; the key must still leave the pending state.
			ctx := context.WithoutCancel(r.Context())
			completed := false
			defer func() {
				if completed {
					return
				}
				if err := store.Release(ctx, principal.TenantID, key); err != nil {
					logger.WarnContext(ctx, "idempotency release failed", slog.Any("error", err))
				}
			}()

			capture := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.status >= http.StatusInternalServerError {
				return
			}
			if err := store.Complete(ctx, principal.TenantID, key, shared.IdempotentResponse{
				Fingerprint: fingerprint,
				Status:      capture.status,
				ContentType: capture.Header().Get("Content-Type"),
				Body:        capture.body.Bytes(),
			}); err != nil {
				logger.WarnContext(ctx, "idempotency store failed", slog.Any("error", err))
				return
			}
			completed = true
		})
	}
}

// Fingerprint derives a stable name-based UUID for a request.
func Fingerprint(method, uri, subject string, body []byte) string {
	data := make([]byte, 0, len(method)+len(uri)+len(subject)+len(body)+3)
	data = append(data, method...)
	data = append(data, '\n')
	data = append(data, uri...)
	data = append(data, '\n')
	data = append(data, subject...)
	data = append(data, '\n')
	data = append(data, body...)
	return uuid.NewSHA1(uuid.NameSpaceURL, data).String()
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}
