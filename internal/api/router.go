package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/core"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/device"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/metrics"
)

// defaultHandlerDeadline bounds every non-streaming handler.
const defaultHandlerDeadline = 10 * time.Second

// RouterConfig holds router configuration.
type RouterConfig struct {
	Logger      *slog.Logger
	HubEndpoint string
}

// NewRouter creates the chi router with all middleware and routes.
func NewRouter(cfg *RouterConfig, coreService *core.Service, deviceService *device.Service) chi.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := metrics.NewControlPlaneMetrics()

	agentHandler := NewAgentHandler(coreService, cfg.HubEndpoint, m)
	adminHandler := NewAdminHandler(coreService, deviceService)
	clientHandler := NewClientHandler(deviceService)
	streamHandler := NewStreamHandler(coreService, m)

	tokens := coreService.Tokens()
	proj := coreService.Projection()

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.RealIP)

	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))

	// Agent protocol.
	r.Group(func(r chi.Router) {
		r.Use(DeadlineMiddleware(defaultHandlerDeadline))
		r.Post("/api/v1/agent/register", agentHandler.Register)
	})
	r.Group(func(r chi.Router) {
		r.Use(NodeAuthMiddleware(proj))
		r.With(DeadlineMiddleware(30 * time.Second)).Post("/api/v1/agent/sync", agentHandler.Sync)
		r.With(DeadlineMiddleware(defaultHandlerDeadline)).Post("/api/v1/agent/heartbeat", agentHandler.Heartbeat)
	})

	// Access evaluation and the event stream accept either credential.
	r.Group(func(r chi.Router) {
		r.Use(NodeOrAdminAuthMiddleware(tokens, proj))
		r.With(DeadlineMiddleware(defaultHandlerDeadline)).Post("/api/v1/access/evaluate", agentHandler.Evaluate)
		r.Get("/api/v1/events", streamHandler.Events)
	})

	// Admin surface.
	r.Group(func(r chi.Router) {
		r.Use(AdminAuthMiddleware(tokens))
		r.Use(DeadlineMiddleware(defaultHandlerDeadline))

		r.Route("/api/v1/admin", func(r chi.Router) {
			r.Get("/nodes", adminHandler.ListNodes)
			r.Get("/nodes/{id}", adminHandler.GetNode)
			r.Post("/nodes/{id}/approve", adminHandler.Approve)
			r.Post("/nodes/{id}/suspend", adminHandler.Suspend)
			r.Post("/nodes/{id}/resume", adminHandler.Resume)
			r.Post("/nodes/{id}/revoke", adminHandler.Revoke)
			r.Get("/nodes/{id}/trust", adminHandler.TrustHistory)
			r.Get("/ipam/stats", adminHandler.IpamStats)
			r.Get("/events", adminHandler.Events)
			r.Get("/audit", adminHandler.AuditTrail)
			r.Get("/audit/stats", adminHandler.AuditStats)
		})

		r.Route("/api/v1/access", func(r chi.Router) {
			r.Post("/users", adminHandler.CreateUser)
			r.Get("/users", adminHandler.ListUsers)
			r.Get("/users/{id}", adminHandler.GetUser)
			r.Put("/users/{id}", adminHandler.UpdateUser)
			r.Delete("/users/{id}", adminHandler.DeleteUser)

			r.Post("/groups", adminHandler.CreateGroup)
			r.Get("/groups", adminHandler.ListGroups)
			r.Get("/groups/{id}", adminHandler.GetGroup)
			r.Delete("/groups/{id}", adminHandler.DeleteGroup)
			r.Post("/groups/{id}/members", adminHandler.AddGroupMember)
			r.Delete("/groups/{id}/members/{userId}", adminHandler.RemoveGroupMember)

			r.Post("/policies", adminHandler.CreateAccessPolicy)
			r.Get("/policies", adminHandler.ListAccessPolicies)
			r.Put("/policies/{id}", adminHandler.UpdateAccessPolicy)
			r.Delete("/policies/{id}", adminHandler.DeleteAccessPolicy)

			r.Post("/network-policies", adminHandler.CreateNetworkPolicy)
			r.Get("/network-policies", adminHandler.ListNetworkPolicies)
			r.Put("/network-policies/{id}", adminHandler.UpdateNetworkPolicy)
			r.Delete("/network-policies/{id}", adminHandler.DeleteNetworkPolicy)
		})

		r.Post("/api/v1/client/devices", adminHandler.CreateDevice)
		r.Get("/api/v1/client/devices", adminHandler.ListDevices)
		r.Delete("/api/v1/client/devices/{id}", adminHandler.RevokeDevice)
	})

	// One-shot config delivery; the token in the path is the credential.
	r.Group(func(r chi.Router) {
		r.Use(DeadlineMiddleware(defaultHandlerDeadline))
		r.Get("/api/v1/client/config/{token}", clientHandler.GetConfig)
		r.Get("/api/v1/client/config/{token}/raw", clientHandler.GetConfigRaw)
		r.Get("/api/v1/client/config/{token}/qr", clientHandler.GetConfigQR)
	})

	return r
}

// handleHealth returns liveness.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
