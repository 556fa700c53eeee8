package postgres

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// SnapshotWriter mirrors committed events into the normalized snapshot
// tables (nodes, users, groups, policies, client_devices, trust_history,
// ipam_allocations). It is a write-through consumer: the event log stays the
// source of truth and the tables are rebuildable at any time.
type SnapshotWriter struct {
	db     *DB
	logger *slog.Logger
}

// NewSnapshotWriter creates a snapshot writer.
func NewSnapshotWriter(db *DB, logger *slog.Logger) *SnapshotWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotWriter{db: db, logger: logger}
}

// Apply mirrors one event. Failures are logged, not fatal: snapshots are a
// convenience view and replay repairs them.
func (w *SnapshotWriter) Apply(ctx context.Context, e *models.Event) {
	var err error
	switch e.Type {
	case models.EventNodeCreated:
		err = w.nodeCreated(ctx, e)
	case models.EventNodeApproved, models.EventNodeSuspended, models.EventNodeResumed, models.EventNodeRevoked:
		err = w.nodeLifecycle(ctx, e)
	case models.EventNodeHeartbeat:
		err = w.nodeHeartbeat(ctx, e)
	case models.EventTrustScoreChanged:
		err = w.trustChanged(ctx, e)
	case models.EventUserCreated, models.EventUserUpdated:
		err = w.userUpsert(ctx, e)
	case models.EventUserDeleted:
		_, err = w.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, e.AggregateID)
	case models.EventGroupCreated, models.EventGroupUpdated:
		err = w.groupUpsert(ctx, e)
	case models.EventGroupDeleted:
		_, err = w.db.ExecContext(ctx, `DELETE FROM groups WHERE id = $1`, e.AggregateID)
	case models.EventGroupMemberAdded:
		err = w.groupMember(ctx, e, true)
	case models.EventGroupMemberRemoved:
		err = w.groupMember(ctx, e, false)
	case models.EventAccessPolicyCreated, models.EventAccessPolicyUpdated:
		err = w.accessPolicyUpsert(ctx, e)
	case models.EventAccessPolicyDeleted:
		_, err = w.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, e.AggregateID)
	case models.EventNetworkPolicyCreated, models.EventNetworkPolicyUpdated:
		err = w.networkPolicyUpsert(ctx, e)
	case models.EventNetworkPolicyDeleted:
		_, err = w.db.ExecContext(ctx, `DELETE FROM network_policies WHERE id = $1`, e.AggregateID)
	case models.EventDeviceCreated:
		err = w.deviceCreated(ctx, e)
	case models.EventDeviceRevoked:
		_, err = w.db.ExecContext(ctx,
			`UPDATE client_devices SET status = 'revoked' WHERE id = $1`, e.AggregateID)
	case models.EventIPAllocated:
		err = w.ipAllocated(ctx, e)
	case models.EventIPReleased:
		err = w.ipReleased(ctx, e)
	}
	if err != nil {
		w.logger.WarnContext(ctx, "snapshot apply failed", "event_id", e.ID, "type", e.Type, "error", err)
	}
}

func (w *SnapshotWriter) nodeCreated(ctx context.Context, e *models.Event) error {
	var payload models.NodeCreatedPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	n := payload.Node
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO nodes (id, hostname, role, public_key, real_ip, overlay_ip, status,
			trust_score, risk_level, agent_version, os_info, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO NOTHING`,
		n.ID, n.Hostname, n.Role, n.PublicKey, nullable(n.RealIP), nullable(n.OverlayIP),
		n.Status, n.TrustScore, n.RiskLevel, nullable(n.AgentVersion), nullable(n.OSInfo),
		n.CreatedAt, n.UpdatedAt,
	)
	return err
}

func (w *SnapshotWriter) nodeLifecycle(ctx context.Context, e *models.Event) error {
	var payload models.NodeLifecyclePayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	_, err := w.db.ExecContext(ctx,
		`UPDATE nodes SET status = $2, approved_by = COALESCE(NULLIF($3, ''), approved_by), updated_at = $4
		 WHERE id = $1`,
		e.AggregateID, payload.To, payload.ApprovedBy, e.CreatedAt,
	)
	return err
}

func (w *SnapshotWriter) nodeHeartbeat(ctx context.Context, e *models.Event) error {
	var payload models.NodeHeartbeatPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	_, err := w.db.ExecContext(ctx,
		`UPDATE nodes SET last_heartbeat_at = $2, real_ip = COALESCE(NULLIF($3, ''), real_ip) WHERE id = $1`,
		e.AggregateID, payload.SeenAt, payload.RealIP,
	)
	return err
}

func (w *SnapshotWriter) trustChanged(ctx context.Context, e *models.Event) error {
	var payload models.TrustScoreChangedPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	inputs, _ := json.Marshal(payload.Inputs)
	if _, err := w.db.ExecContext(ctx,
		`UPDATE nodes SET trust_score = $2, risk_level = $3 WHERE id = $1`,
		e.AggregateID, payload.Score, payload.RiskLevel,
	); err != nil {
		return err
	}
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO trust_history (node_id, score, previous_score, risk_level, action_taken, inputs, calculated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.AggregateID, payload.Score, payload.PreviousScore, payload.RiskLevel,
		payload.ActionTaken, inputs, e.CreatedAt,
	)
	return err
}

func (w *SnapshotWriter) userUpsert(ctx context.Context, e *models.Event) error {
	var payload models.UserPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	u := payload.User
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO users (id, external_id, email, display_name, department, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email, display_name = EXCLUDED.display_name,
			department = EXCLUDED.department, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		u.ID, u.ExternalID, nullable(u.Email), nullable(u.DisplayName),
		nullable(u.Department), u.Status, u.CreatedAt, u.UpdatedAt,
	)
	return err
}

func (w *SnapshotWriter) groupUpsert(ctx context.Context, e *models.Event) error {
	var payload models.GroupPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	g := payload.Group
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO groups (id, name, description, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description, updated_at = EXCLUDED.updated_at`,
		g.ID, g.Name, nullable(g.Description), g.CreatedAt, g.UpdatedAt,
	)
	return err
}

func (w *SnapshotWriter) groupMember(ctx context.Context, e *models.Event, add bool) error {
	var payload models.GroupMemberPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	if add {
		_, err := w.db.ExecContext(ctx,
			`INSERT INTO group_members (group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			e.AggregateID, payload.UserID,
		)
		return err
	}
	_, err := w.db.ExecContext(ctx,
		`DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`,
		e.AggregateID, payload.UserID,
	)
	return err
}

func (w *SnapshotWriter) accessPolicyUpsert(ctx context.Context, e *models.Event) error {
	var payload models.AccessPolicyPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	p := payload.Policy
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO policies (id, name, subject_type, subject_id, resource_type, resource_value,
			action, priority, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, subject_type = EXCLUDED.subject_type, subject_id = EXCLUDED.subject_id,
			resource_type = EXCLUDED.resource_type, resource_value = EXCLUDED.resource_value,
			action = EXCLUDED.action, priority = EXCLUDED.priority, enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, p.Subject.Type, p.Subject.ID, p.Resource.Type, p.Resource.Value,
		p.Action, p.Priority, p.Enabled, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (w *SnapshotWriter) networkPolicyUpsert(ctx context.Context, e *models.Event) error {
	var payload models.NetworkPolicyPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	p := payload.Policy
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO network_policies (id, name, src_role, dst_role, protocol, port,
			action, priority, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, src_role = EXCLUDED.src_role, dst_role = EXCLUDED.dst_role,
			protocol = EXCLUDED.protocol, port = EXCLUDED.port, action = EXCLUDED.action,
			priority = EXCLUDED.priority, enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, p.SrcRole, p.DstRole, p.Protocol, nullable(p.Port),
		p.Action, p.Priority, p.Enabled, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (w *SnapshotWriter) deviceCreated(ctx context.Context, e *models.Event) error {
	var payload models.DeviceCreatedPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	d := payload.Device
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO client_devices (id, user_id, name, device_type, public_key, overlay_ip,
			tunnel_mode, status, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		d.ID, d.UserID, nullable(d.Name), d.Type, d.PublicKey, nullable(d.OverlayIP),
		d.TunnelMode, d.Status, d.ExpiresAt, d.CreatedAt,
	)
	return err
}

func (w *SnapshotWriter) ipAllocated(ctx context.Context, e *models.Event) error {
	var payload models.IPAllocationPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO ipam_allocations (ip_address, pool, owner_id, allocated_at, released_at)
		 VALUES ($1, $2, $3, $4, NULL)
		 ON CONFLICT (ip_address) DO UPDATE SET
			pool = EXCLUDED.pool, owner_id = EXCLUDED.owner_id,
			allocated_at = EXCLUDED.allocated_at, released_at = NULL`,
		payload.IP, payload.Pool, payload.OwnerID, e.CreatedAt,
	)
	return err
}

func (w *SnapshotWriter) ipReleased(ctx context.Context, e *models.Event) error {
	var payload models.IPAllocationPayload
	if err := e.DecodePayload(&payload); err != nil {
		return err
	}
	_, err := w.db.ExecContext(ctx,
		`UPDATE ipam_allocations SET owner_id = NULL, released_at = $2 WHERE ip_address = $1`,
		payload.IP, e.CreatedAt,
	)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
