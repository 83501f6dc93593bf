package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/auth"
)

// APIKeyHeader carries back-office API keys. A bearer token is accepted as
// well.
const APIKeyHeader = "X-API-Key"

type apiKeyCtxKey struct{}

// APIKeyFromContext returns the key that authenticated the request, if any.
func APIKeyFromContext(ctx context.Context) (*auth.APIKeyInfo, bool) {
	info, ok := ctx.Value(apiKeyCtxKey{}).(*auth.APIKeyInfo)
	return info, ok
}

// RequireScope rejects requests whose API key is missing, unknown or lacks
// scope. The authenticated key id is attached to the request logger.
func (h *Handler) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := requestAPIKey(r)
			if key == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			ctx := r.Context()
			info, err := h.keys.Authenticate(ctx, key, scope)
			if err != nil {
				writeDomainError(ctx, w, err)
				return
			}

			ctx = context.WithValue(ctx, apiKeyCtxKey{}, info)
			ctx = zctx.With(ctx, zap.String("api_key_id", info.ID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requestAPIKey(r *http.Request) string {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
