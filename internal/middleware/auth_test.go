package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/sales-assistant/backend/internal/service/identity"
)

type staticExchanger struct{}

func (staticExchanger) ExchangeToken(_ context.Context, token string) (string, error) {
	if token == "good" {
		return "owner-9", nil
	}
	return "", errors.New("rejected")
}

func TestRequireOwner(t *testing.T) {
	resolver := identity.NewResolver(staticExchanger{}, "fallback-owner", time.Minute, nil)
	var seen string
	h := RequireOwner(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = OwnerFrom(r.Context())
	}))

	cases := []struct {
		name   string
		header string
		status int
		owner  string
	}{
		{name: "missing token ignores default owner", header: "", status: http.StatusUnauthorized},
		{name: "rejected token", header: "Bearer bad", status: http.StatusUnauthorized},
		{name: "verified token", header: "bearer good", status: http.StatusOK, owner: "owner-9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.owner, seen)
		})
	}
}
