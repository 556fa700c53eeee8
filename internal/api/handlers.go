package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/core"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/policy"
	apierrors "github.com/maithanhduyan/zero-trust-netwoking/pkg/errors"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/metrics"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// =============================================================================
// Common Helpers
// =============================================================================

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON reads and decodes a JSON request body.
func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		return err
	}
	defer func() { _ = r.Body.Close() }()
	return json.Unmarshal(body, v)
}

// handleError writes the appropriate error response based on error type.
func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apierrors.ErrNotApproved):
		writeJSON(w, http.StatusForbidden, map[string]string{"status": string(models.NodeStatusPending)})
	case errors.Is(err, apierrors.ErrPoolExhausted):
		w.Header().Set("Retry-After", "3600")
		writeJSONError(w, http.StatusServiceUnavailable, "POOL_EXHAUSTED", err.Error())
	case errors.Is(err, apierrors.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, apierrors.ErrUnauthorized):
		writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
	case errors.Is(err, apierrors.ErrForbidden):
		writeJSONError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, apierrors.ErrKeyBlacklisted):
		writeJSONError(w, http.StatusForbidden, "KEY_BLACKLISTED", err.Error())
	case errors.Is(err, apierrors.ErrInvalidInput):
		writeJSONError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, apierrors.ErrConflict):
		writeJSONError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, apierrors.ErrTokenExpired), errors.Is(err, apierrors.ErrTokenConsumed):
		writeJSONError(w, http.StatusGone, "TOKEN_GONE", err.Error())
	case errors.Is(err, apierrors.ErrDeviceLimitReached):
		writeJSONError(w, http.StatusConflict, "DEVICE_LIMIT", err.Error())
	case errors.Is(err, apierrors.ErrTransient):
		w.Header().Set("Retry-After", "5")
		writeJSONError(w, http.StatusServiceUnavailable, "TRANSIENT", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// getPaginationParams extracts limit and offset from query params.
func getPaginationParams(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return
}

// =============================================================================
// Agent Handler
// =============================================================================

// AgentHandler serves register, sync, heartbeat, and evaluate.
type AgentHandler struct {
	core        *core.Service
	hubEndpoint string
	metrics     *metrics.ControlPlaneMetrics
}

// NewAgentHandler creates an agent protocol handler.
func NewAgentHandler(coreService *core.Service, hubEndpoint string, m *metrics.ControlPlaneMetrics) *AgentHandler {
	return &AgentHandler{core: coreService, hubEndpoint: hubEndpoint, metrics: m}
}

// RegisterRequest is the registration payload.
type RegisterRequest struct {
	Hostname     string          `json:"hostname"`
	Role         models.NodeRole `json:"role"`
	PublicKey    string          `json:"public_key"`
	RealIP       string          `json:"real_ip,omitempty"`
	AgentVersion string          `json:"agent_version,omitempty"`
	OSInfo       string          `json:"os_info,omitempty"`
}

// RegisterResponse is what an agent needs to bring up its tunnel. The
// bearer token appears once the node is approved; pending agents poll the
// endpoint idempotently until it does.
type RegisterResponse struct {
	NodeID       string            `json:"node_id"`
	Status       models.NodeStatus `json:"status"`
	OverlayIP    string            `json:"overlay_ip"`
	NodeToken    string            `json:"node_token,omitempty"`
	HubPublicKey string            `json:"hub_public_key,omitempty"`
	HubEndpoint  string            `json:"hub_endpoint,omitempty"`
	ServerTime   time.Time         `json:"server_time"`
}

// Register handles POST /api/v1/agent/register.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}

	result, err := h.core.RegisterNode(r.Context(), core.RegisterRequest{
		Hostname:     req.Hostname,
		Role:         req.Role,
		PublicKey:    req.PublicKey,
		RealIP:       req.RealIP,
		AgentVersion: req.AgentVersion,
		OSInfo:       req.OSInfo,
	})
	if err != nil {
		handleError(w, err)
		return
	}

	resp := RegisterResponse{
		NodeID:      result.Node.ID,
		Status:      result.Node.Status,
		OverlayIP:   result.Node.OverlayIP,
		HubEndpoint: h.hubEndpoint,
		ServerTime:  time.Now().UTC(),
	}
	for _, hub := range h.core.Projection().NodesByRole(models.RoleHub) {
		resp.HubPublicKey = hub.PublicKey
		break
	}
	if result.Node.Status == models.NodeStatusActive {
		if bearer, ok := h.core.Projection().TokenForNode(result.Node.ID); ok {
			resp.NodeToken = bearer
		}
	}

	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// SyncResponse carries the compiled plan and its hash.
type SyncResponse struct {
	PlanHash      string                 `json:"plan_hash"`
	Interface     models.InterfaceConfig `json:"interface"`
	Peers         []models.PeerConfig    `json:"peers"`
	FirewallRules []models.FirewallRule  `json:"firewall_rules"`
	Directives    []models.Directive     `json:"directives,omitempty"`
}

// Sync handles POST /api/v1/agent/sync. An If-None-Match header matching the
// current plan hash short-circuits with 304 and an empty body.
func (h *AgentHandler) Sync(w http.ResponseWriter, r *http.Request) {
	node, ok := nodeFrom(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	result, err := h.core.SyncPlan(r.Context(), node.ID)
	if err != nil {
		h.metrics.SyncsServed.WithLabelValues("error").Inc()
		handleError(w, err)
		return
	}
	h.metrics.PlanCompiles.Inc()

	if match := r.Header.Get("If-None-Match"); match != "" && match == result.Hash {
		h.metrics.SyncsServed.WithLabelValues("unchanged").Inc()
		w.Header().Set("ETag", result.Hash)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.metrics.SyncsServed.WithLabelValues("changed").Inc()
	w.Header().Set("ETag", result.Hash)
	writeJSON(w, http.StatusOK, SyncResponse{
		PlanHash:      result.Hash,
		Interface:     result.Plan.Interface,
		Peers:         result.Plan.Peers,
		FirewallRules: result.Plan.FirewallRules,
		Directives:    result.Plan.Directives,
	})
}

// HeartbeatRequest carries agent liveness and metrics.
type HeartbeatRequest struct {
	RealIP  string                  `json:"real_ip,omitempty"`
	Metrics models.HeartbeatMetrics `json:"metrics"`
}

// HeartbeatResponse acknowledges and schedules the next beat.
type HeartbeatResponse struct {
	Ack          bool `json:"ack"`
	NextInterval int  `json:"next_interval"`
}

// Heartbeat handles POST /api/v1/agent/heartbeat.
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	node, ok := nodeFrom(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	var req HeartbeatRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}

	next, err := h.core.Heartbeat(r.Context(), node.ID, req.RealIP, req.Metrics)
	if err != nil {
		handleError(w, err)
		return
	}
	h.metrics.TrustRecomputes.Inc()

	writeJSON(w, http.StatusOK, HeartbeatResponse{
		Ack:          true,
		NextInterval: int(next.Seconds()),
	})
}

// EvaluateRequest asks for an access decision.
type EvaluateRequest struct {
	Subject  string          `json:"subject"` // external user id
	Resource models.Resource `json:"resource"`
}

// Evaluate handles POST /api/v1/access/evaluate. It is a pure function over
// the current projection.
func (h *AgentHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	if req.Subject == "" || req.Resource.Type == "" {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "subject and resource are required")
		return
	}

	result := policy.Evaluate(h.core.Projection(), req.Subject, req.Resource)
	writeJSON(w, http.StatusOK, result)
}
