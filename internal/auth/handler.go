package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/billhub/billhub/internal/platform/httpx"
	"github.com/billhub/billhub/internal/shared"
)

const bearerPrefix = "bearer "

// Middleware rejects requests without a valid bearer token and stores the principal in the
// request context.
func Middleware(tokens *Tokens, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
				httpx.RespondError(w, ErrMissingToken)
				return
			}
			principal, err := tokens.Parse(header[len(bearerPrefix):])
			if err != nil {
				logger.DebugContext(r.Context(), "bearer token rejected", slog.Any("error", err))
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), principal)))
		})
	}
}
