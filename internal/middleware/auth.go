package middleware

import (
	"context"
	"net/http"

	"github.com/zhouzirui/sales-assistant/backend/internal/service/identity"
	"github.com/zhouzirui/sales-assistant/backend/pkg/utils"
)

type ownerKey struct{}

// RequireOwner rejects requests without a verified bearer token and stores the owner id.
func RequireOwner(resolver *identity.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, err := resolver.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
		})
	}
}

// OwnerFrom returns the owner stored by RequireOwner.
func OwnerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}
