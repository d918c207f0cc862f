package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/sales-assistant/backend/internal/handler/chat"
	"github.com/zhouzirui/sales-assistant/backend/internal/handler/knowledge"
	"github.com/zhouzirui/sales-assistant/backend/internal/handler/leads"
	"github.com/zhouzirui/sales-assistant/backend/internal/handler/settings"
	middlewarePkg "github.com/zhouzirui/sales-assistant/backend/internal/middleware"
	"github.com/zhouzirui/sales-assistant/backend/internal/repository"
	chatService "github.com/zhouzirui/sales-assistant/backend/internal/service/chat"
	"github.com/zhouzirui/sales-assistant/backend/internal/service/identity"
	knowledgeService "github.com/zhouzirui/sales-assistant/backend/internal/service/knowledge"
	"github.com/zhouzirui/sales-assistant/backend/pkg/utils"
)

// Services are the collaborators behind the HTTP routes. Store and Knowledge may be nil.
type Services struct {
	Chat      *chatService.Service
	Identity  *identity.Resolver
	Knowledge *knowledgeService.Service
	Store     repository.Store
	MaxBody   int64
	Logger    *slog.Logger

	// AllowedOrigins may call the API with credentials.
	AllowedOrigins []string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(svc Services) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(svc.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// 接口层只依赖存储的窄接口，未配置存储时保持 nil 接口
	var settingsStore settings.Store
	var leadStore leads.Store
	if svc.Store != nil {
		settingsStore = svc.Store
		leadStore = svc.Store
	}

	r.Route("/api", func(api chi.Router) {
		chat.New(svc.Chat, svc.MaxBody, svc.Logger).RegisterRoutes(api)
		settings.New(settingsStore, svc.Identity, svc.Logger).RegisterRoutes(api)
		knowledge.New(svc.Knowledge, svc.Identity, svc.Logger).RegisterRoutes(api)
		leads.New(leadStore, svc.Identity, svc.Logger).RegisterRoutes(api)
	})

	return r
}
