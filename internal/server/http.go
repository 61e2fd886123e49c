// Package server assembles the HTTP surface: routing, middleware ordering, and
// the small public endpoints that belong to no domain.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	adminhandler "llm-platform-backend/internal/admin/handler"
	authhandler "llm-platform-backend/internal/auth/handler"
	chathandler "llm-platform-backend/internal/chat/handler"
	"llm-platform-backend/internal/config"
	"llm-platform-backend/internal/metrics"
	"llm-platform-backend/internal/server/middleware"
	"llm-platform-backend/internal/server/respond"
)

const apiPrefix = "/api/v1"

// Deps holds everything the router mounts.
type Deps struct {
	Config  *config.Config
	Metrics *metrics.Metrics
	Auth    *middleware.AuthMiddleware
	AuthH   *authhandler.Handler
	AdminH  *adminhandler.Handler
	ChatH   *chathandler.Handler
	DB      *sql.DB
}

// NewRouter builds the full HTTP handler.
//
// Route groups, outermost first: unauthenticated (/healthz, /metrics, login,
// public config), then everything behind the session authenticator, then the
// admin routes behind the admin guard on top of that.
func NewRouter(d Deps) http.Handler {
	root := mux.NewRouter()
	root.Use(middleware.CORS(d.Config.AllowedOriginsList()))

	root.HandleFunc("/healthz", healthz(d.DB)).Methods(http.MethodGet)
	root.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)

	api := root.PathPrefix(apiPrefix).Subrouter()
	d.AuthH.RegisterPublic(api)
	api.HandleFunc("/config", publicConfig(d.Config.MaxModelLen)).Methods(http.MethodGet)

	protected := api.NewRoute().Subrouter()
	protected.Use(d.Auth.Require)
	d.AuthH.RegisterProtected(protected)
	d.ChatH.Register(protected)

	admin := protected.NewRoute().Subrouter()
	admin.Use(middleware.RequireAdmin)
	d.AdminH.Register(admin)

	return root
}

// healthz reports liveness, including a short database ping.
func healthz(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			respond.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// publicConfig serves the sizing values the frontend needs before login.
// Nothing here is sensitive.
func publicConfig(maxModelLen int) http.HandlerFunc {
	if maxModelLen <= 0 {
		maxModelLen = 4096
	}
	// Reserve a share of the context window for the response, growing with
	// the window so long-context models can answer at length.
	reserved := 512
	switch {
	case maxModelLen > 32768:
		reserved = 2048
	case maxModelLen > 8192:
		reserved = 1024
	}
	return func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]int{
			"max_model_len":          maxModelLen,
			"reserved_output_tokens": reserved,
			"max_input_tokens":       maxModelLen - reserved,
		})
	}
}
