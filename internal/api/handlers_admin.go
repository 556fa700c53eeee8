package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/audit"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/core"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/device"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// AdminHandler serves identity, policy, and node lifecycle administration.
type AdminHandler struct {
	core    *core.Service
	devices *device.Service
	audit   *audit.Service
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(coreService *core.Service, deviceService *device.Service) *AdminHandler {
	return &AdminHandler{
		core:    coreService,
		devices: deviceService,
		audit:   audit.NewService(coreService.Store()),
	}
}

const adminActor = "admin"

// =============================================================================
// Nodes
// =============================================================================

// ListNodes handles GET /api/v1/admin/nodes.
func (h *AdminHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.core.Projection().Nodes()
	if role := r.URL.Query().Get("role"); role != "" {
		filtered := nodes[:0]
		for _, n := range nodes {
			if n.Role == models.NodeRole(role) {
				filtered = append(filtered, n)
			}
		}
		nodes = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "total": len(nodes)})
}

// GetNode handles GET /api/v1/admin/nodes/{id}.
func (h *AdminHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	node, ok := h.core.Projection().Node(chi.URLParam(r, "id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "node not found")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// Approve handles POST /api/v1/admin/nodes/{id}/approve.
func (h *AdminHandler) Approve(w http.ResponseWriter, r *http.Request) {
	node, err := h.core.ApproveNode(r.Context(), chi.URLParam(r, "id"), adminActor)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// Suspend handles POST /api/v1/admin/nodes/{id}/suspend.
func (h *AdminHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = readJSON(r, &body)

	node, err := h.core.SuspendNode(r.Context(), chi.URLParam(r, "id"), adminActor, body.Reason)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// Resume handles POST /api/v1/admin/nodes/{id}/resume.
func (h *AdminHandler) Resume(w http.ResponseWriter, r *http.Request) {
	node, err := h.core.ResumeNode(r.Context(), chi.URLParam(r, "id"), adminActor)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// Revoke handles POST /api/v1/admin/nodes/{id}/revoke.
func (h *AdminHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = readJSON(r, &body)

	node, err := h.core.RevokeNode(r.Context(), chi.URLParam(r, "id"), adminActor, body.Reason)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// TrustHistory handles GET /api/v1/admin/nodes/{id}/trust.
func (h *AdminHandler) TrustHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.core.Projection().Node(id); !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "node not found")
		return
	}
	limit, _ := getPaginationParams(r)
	history := h.core.Projection().TrustHistoryForNode(id, limit)

	trend := "stable"
	if len(history) >= 2 {
		half := len(history) / 2
		recent, older := 0, 0
		for _, t := range history[:half] {
			recent += t.Score
		}
		for _, t := range history[half:] {
			older += t.Score
		}
		recentAvg := recent / half
		olderAvg := older / (len(history) - half)
		switch {
		case recentAvg > olderAvg+10:
			trend = "improving"
		case recentAvg < olderAvg-10:
			trend = "declining"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"trend": trend, "history": history})
}

// IpamStats handles GET /api/v1/admin/ipam/stats.
func (h *AdminHandler) IpamStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.core.Allocator().Stats())
}

// Events handles GET /api/v1/admin/events: an operator range read of the log.
func (h *AdminHandler) Events(w http.ResponseWriter, r *http.Request) {
	limit, _ := getPaginationParams(r)
	var since int64
	if s := r.URL.Query().Get("since_id"); s != "" {
		since, _ = strconv.ParseInt(s, 10, 64)
	}
	events, err := h.core.Store().ReadRange(r.Context(), since, limit)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": len(events)})
}

// AuditTrail handles GET /api/v1/admin/audit: the event log rendered as an
// audit trail with payload and chain hashes.
func (h *AdminHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	limit, _ := getPaginationParams(r)
	var since int64
	if s := r.URL.Query().Get("since_id"); s != "" {
		since, _ = strconv.ParseInt(s, 10, 64)
	}

	params := audit.QueryParams{
		SinceID: since,
		Actor:   r.URL.Query().Get("actor"),
		Verb:    r.URL.Query().Get("verb"),
		Limit:   limit,
	}

	if format := r.URL.Query().Get("format"); format != "" {
		data, err := h.audit.Export(r.Context(), params, audit.ExportFormat(format))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_FORMAT", err.Error())
			return
		}
		if audit.ExportFormat(format) == audit.ExportFormatCSV {
			w.Header().Set("Content-Type", "text/csv")
		} else {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	records, err := h.audit.Query(r.Context(), params)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "total": len(records)})
}

// AuditStats handles GET /api/v1/admin/audit/stats.
func (h *AdminHandler) AuditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.audit.GetStats(r.Context(), 0)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// =============================================================================
// Users
// =============================================================================

// UserRequest is the user create/update payload.
type UserRequest struct {
	ExternalID  string            `json:"external_id"`
	Email       string            `json:"email,omitempty"`
	DisplayName string            `json:"display_name,omitempty"`
	Department  string            `json:"department,omitempty"`
	Status      models.UserStatus `json:"status,omitempty"`
}

// CreateUser handles POST /api/v1/access/users.
func (h *AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	user, err := h.core.CreateUser(r.Context(), models.User{
		ExternalID:  req.ExternalID,
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Department:  req.Department,
	}, adminActor)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// ListUsers handles GET /api/v1/access/users.
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users := h.core.Projection().Users()
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "total": len(users)})
}

// GetUser handles GET /api/v1/access/users/{id}.
func (h *AdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, ok := h.core.Projection().User(chi.URLParam(r, "id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UpdateUser handles PUT /api/v1/access/users/{id}.
func (h *AdminHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	user, err := h.core.UpdateUser(r.Context(), chi.URLParam(r, "id"), models.User{
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Department:  req.Department,
		Status:      req.Status,
	}, adminActor)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// DeleteUser handles DELETE /api/v1/access/users/{id}.
func (h *AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.core.DeleteUser(r.Context(), chi.URLParam(r, "id"), adminActor); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Groups
// =============================================================================

// GroupRequest is the group create payload.
type GroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CreateGroup handles POST /api/v1/access/groups.
func (h *AdminHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req GroupRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	group, err := h.core.CreateGroup(r.Context(), models.Group{
		Name:        req.Name,
		Description: req.Description,
	}, adminActor)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

// ListGroups handles GET /api/v1/access/groups.
func (h *AdminHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups := h.core.Projection().Groups()
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups, "total": len(groups)})
}

// GetGroup handles GET /api/v1/access/groups/{id}.
func (h *AdminHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	group, ok := h.core.Projection().Group(chi.URLParam(r, "id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "group not found")
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// DeleteGroup handles DELETE /api/v1/access/groups/{id}.
func (h *AdminHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.core.DeleteGroup(r.Context(), chi.URLParam(r, "id"), adminActor); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddGroupMember handles POST /api/v1/access/groups/{id}/members.
func (h *AdminHandler) AddGroupMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := readJSON(r, &req); err != nil || req.UserID == "" {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "user_id is required")
		return
	}
	if err := h.core.AddGroupMember(r.Context(), chi.URLParam(r, "id"), req.UserID, adminActor); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveGroupMember handles DELETE /api/v1/access/groups/{id}/members/{userId}.
func (h *AdminHandler) RemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	if err := h.core.RemoveGroupMember(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "userId"), adminActor); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Access Policies
// =============================================================================

// AccessPolicyRequest is the policy create/update payload.
type AccessPolicyRequest struct {
	Name     string              `json:"name"`
	Subject  models.Subject      `json:"subject"`
	Resource models.Resource     `json:"resource"`
	Action   models.PolicyAction `json:"action"`
	Priority int                 `json:"priority"`
	Enabled  *bool               `json:"enabled,omitempty"`
}

func (req *AccessPolicyRequest) toModel() models.AccessPolicy {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return models.AccessPolicy{
		Name:     req.Name,
		Subject:  req.Subject,
		Resource: req.Resource,
		Action:   req.Action,
		Priority: req.Priority,
		Enabled:  enabled,
	}
}

// CreateAccessPolicy handles POST /api/v1/access/policies.
func (h *AdminHandler) CreateAccessPolicy(w http.ResponseWriter, r *http.Request) {
	var req AccessPolicyRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	created, err := h.core.CreateAccessPolicy(r.Context(), req.toModel(), adminActor)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListAccessPolicies handles GET /api/v1/access/policies.
func (h *AdminHandler) ListAccessPolicies(w http.ResponseWriter, r *http.Request) {
	policies := h.core.Projection().AccessPolicies()
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies, "total": len(policies)})
}

// UpdateAccessPolicy handles PUT /api/v1/access/policies/{id}.
func (h *AdminHandler) UpdateAccessPolicy(w http.ResponseWriter, r *http.Request) {
	var req AccessPolicyRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	updated, err := h.core.UpdateAccessPolicy(r.Context(), chi.URLParam(r, "id"), req.toModel(), adminActor)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteAccessPolicy handles DELETE /api/v1/access/policies/{id}.
func (h *AdminHandler) DeleteAccessPolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.core.DeleteAccessPolicy(r.Context(), chi.URLParam(r, "id"), adminActor); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Network Policies
// =============================================================================

// NetworkPolicyRequest is the firewall rule create/update payload.
type NetworkPolicyRequest struct {
	Name     string            `json:"name"`
	SrcRole  models.NodeRole   `json:"src_role"`
	DstRole  models.NodeRole   `json:"dst_role"`
	Protocol models.Protocol   `json:"protocol"`
	Port     string            `json:"port,omitempty"`
	Action   models.RuleAction `json:"action"`
	Priority int               `json:"priority"`
	Enabled  *bool             `json:"enabled,omitempty"`
}

func (req *NetworkPolicyRequest) toModel() models.NetworkPolicy {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return models.NetworkPolicy{
		Name:     req.Name,
		SrcRole:  req.SrcRole,
		DstRole:  req.DstRole,
		Protocol: req.Protocol,
		Port:     req.Port,
		Action:   req.Action,
		Priority: req.Priority,
		Enabled:  enabled,
	}
}

// CreateNetworkPolicy handles POST /api/v1/access/network-policies.
func (h *AdminHandler) CreateNetworkPolicy(w http.ResponseWriter, r *http.Request) {
	var req NetworkPolicyRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	created, err := h.core.CreateNetworkPolicy(r.Context(), req.toModel(), adminActor)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListNetworkPolicies handles GET /api/v1/access/network-policies.
func (h *AdminHandler) ListNetworkPolicies(w http.ResponseWriter, r *http.Request) {
	policies := h.core.Projection().NetworkPolicies()
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies, "total": len(policies)})
}

// UpdateNetworkPolicy handles PUT /api/v1/access/network-policies/{id}.
func (h *AdminHandler) UpdateNetworkPolicy(w http.ResponseWriter, r *http.Request) {
	var req NetworkPolicyRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	updated, err := h.core.UpdateNetworkPolicy(r.Context(), chi.URLParam(r, "id"), req.toModel(), adminActor)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteNetworkPolicy handles DELETE /api/v1/access/network-policies/{id}.
func (h *AdminHandler) DeleteNetworkPolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.core.DeleteNetworkPolicy(r.Context(), chi.URLParam(r, "id"), adminActor); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Client Devices
// =============================================================================

// CreateDeviceRequest provisions a client device.
type CreateDeviceRequest struct {
	UserID      string            `json:"user_id"`
	Name        string            `json:"name"`
	Type        models.DeviceType `json:"type"`
	TunnelMode  models.TunnelMode `json:"tunnel_mode"`
	ExpiresDays int               `json:"expires_days,omitempty"`
}

// CreateDevice handles POST /api/v1/client/devices.
func (h *AdminHandler) CreateDevice(w http.ResponseWriter, r *http.Request) {
	var req CreateDeviceRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}

	var expiresIn time.Duration
	if req.ExpiresDays > 0 {
		expiresIn = time.Duration(req.ExpiresDays) * 24 * time.Hour
	}

	result, err := h.devices.Create(r.Context(), device.CreateRequest{
		UserID:     req.UserID,
		Name:       req.Name,
		Type:       req.Type,
		TunnelMode: req.TunnelMode,
		ExpiresIn:  expiresIn,
	}, adminActor)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ListDevices handles GET /api/v1/client/devices.
func (h *AdminHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices := h.core.Projection().Devices()
	if user := r.URL.Query().Get("user_id"); user != "" {
		devices = h.core.Projection().DevicesForUser(user)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "total": len(devices)})
}

// RevokeDevice handles DELETE /api/v1/client/devices/{id}.
func (h *AdminHandler) RevokeDevice(w http.ResponseWriter, r *http.Request) {
	if err := h.devices.Revoke(r.Context(), chi.URLParam(r, "id"), adminActor, "admin revocation"); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
