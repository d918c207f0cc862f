// Package middleware holds HTTP middleware shared by the API routes.
package middleware

import (
	"net/http"
	"strings"
)

// ExposedHeaders are the diagnostic headers browsers may read from chat replies.
var ExposedHeaders = []string{
	"X-Session-Id",
	"X-Session-Synthesized",
	"X-Owner-Resolved",
	"X-Auto-Reply",
	"X-Knowledge",
	"X-Persist",
	"X-Deferred",
	"X-Reply-Source",
	"X-Message-Id",
	"X-Contact-Trigger",
	"X-Retrieved-Context-Chars",
	"X-Finish-Status",
}

// CORS 允许浏览器跨域访问接口，并处理预检请求。
// 只有 allowedOrigins 中的来源会被回显并允许携带凭证，其余来源按通配处理。
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	exposed := strings.Join(ExposedHeaders, ", ")
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.ToLower(strings.TrimSpace(o))] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			origin := r.Header.Get("Origin")
			if _, ok := allowed[strings.ToLower(origin)]; ok && origin != "" {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Vary", "Origin, Access-Control-Request-Headers, Access-Control-Request-Method")
			} else {
				h.Set("Access-Control-Allow-Origin", "*")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")

			reqHeaders := r.Header.Get("Access-Control-Request-Headers")
			if reqHeaders == "" {
				reqHeaders = "Content-Type, Authorization, Accept"
			}
			h.Set("Access-Control-Allow-Headers", reqHeaders)
			h.Set("Access-Control-Expose-Headers", exposed)
			h.Set("Access-Control-Max-Age", "600")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
