package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Migration is one forward-only schema step.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns all database migrations in order.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create event_store table",
			SQL: `CREATE TABLE IF NOT EXISTS event_store (
				id BIGSERIAL PRIMARY KEY,
				aggregate_type VARCHAR(50) NOT NULL,
				aggregate_id VARCHAR(100) NOT NULL,
				aggregate_version BIGINT NOT NULL,
				event_type VARCHAR(100) NOT NULL,
				payload JSONB NOT NULL,
				actor VARCHAR(255) NOT NULL DEFAULT '',
				client_request_id VARCHAR(255),
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE(aggregate_type, aggregate_id, aggregate_version)
			);
			CREATE INDEX IF NOT EXISTS ix_event_store_aggregate
				ON event_store(aggregate_type, aggregate_id, aggregate_version);
			CREATE UNIQUE INDEX IF NOT EXISTS ix_event_store_request
				ON event_store(aggregate_id, client_request_id)
				WHERE client_request_id IS NOT NULL`,
		},
		{
			Version:     2,
			Description: "Create nodes snapshot table",
			SQL: `CREATE TABLE IF NOT EXISTS nodes (
				id VARCHAR(100) PRIMARY KEY,
				hostname VARCHAR(63) NOT NULL UNIQUE,
				role VARCHAR(20) NOT NULL,
				public_key VARCHAR(44) NOT NULL,
				real_ip VARCHAR(45),
				overlay_ip VARCHAR(18),
				status VARCHAR(20) NOT NULL,
				trust_score INT NOT NULL DEFAULT 100,
				risk_level VARCHAR(20) NOT NULL DEFAULT 'low',
				agent_version VARCHAR(50),
				os_info VARCHAR(200),
				approved_by VARCHAR(255),
				last_heartbeat_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			);
			CREATE INDEX IF NOT EXISTS ix_nodes_role_status ON nodes(role, status)`,
		},
		{
			Version:     3,
			Description: "Create users and groups tables",
			SQL: `CREATE TABLE IF NOT EXISTS users (
				id VARCHAR(100) PRIMARY KEY,
				external_id VARCHAR(255) NOT NULL UNIQUE,
				email VARCHAR(255),
				display_name VARCHAR(255),
				department VARCHAR(100),
				status VARCHAR(20) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			);
			CREATE TABLE IF NOT EXISTS groups (
				id VARCHAR(100) PRIMARY KEY,
				name VARCHAR(100) NOT NULL UNIQUE,
				description TEXT,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			);
			CREATE TABLE IF NOT EXISTS group_members (
				group_id VARCHAR(100) NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
				user_id VARCHAR(100) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				PRIMARY KEY(group_id, user_id)
			)`,
		},
		{
			Version:     4,
			Description: "Create policies tables",
			SQL: `CREATE TABLE IF NOT EXISTS policies (
				id VARCHAR(100) PRIMARY KEY,
				name VARCHAR(100) NOT NULL,
				subject_type VARCHAR(20) NOT NULL,
				subject_id VARCHAR(100) NOT NULL,
				resource_type VARCHAR(20) NOT NULL,
				resource_value VARCHAR(255) NOT NULL,
				action VARCHAR(10) NOT NULL,
				priority INT NOT NULL DEFAULT 100,
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			);
			CREATE INDEX IF NOT EXISTS ix_policies_subject ON policies(subject_type, subject_id);
			CREATE TABLE IF NOT EXISTS network_policies (
				id VARCHAR(100) PRIMARY KEY,
				name VARCHAR(100) NOT NULL,
				src_role VARCHAR(20) NOT NULL,
				dst_role VARCHAR(20) NOT NULL,
				protocol VARCHAR(10) NOT NULL,
				port VARCHAR(20),
				action VARCHAR(10) NOT NULL,
				priority INT NOT NULL DEFAULT 100,
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
		},
		{
			Version:     5,
			Description: "Create client_devices and trust_history tables",
			SQL: `CREATE TABLE IF NOT EXISTS client_devices (
				id VARCHAR(100) PRIMARY KEY,
				user_id VARCHAR(100) NOT NULL,
				name VARCHAR(100),
				device_type VARCHAR(20) NOT NULL,
				public_key VARCHAR(44) NOT NULL,
				overlay_ip VARCHAR(18),
				tunnel_mode VARCHAR(10) NOT NULL,
				status VARCHAR(20) NOT NULL,
				expires_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL
			);
			CREATE INDEX IF NOT EXISTS ix_devices_user ON client_devices(user_id);
			CREATE TABLE IF NOT EXISTS trust_history (
				id BIGSERIAL PRIMARY KEY,
				node_id VARCHAR(100) NOT NULL,
				score INT NOT NULL,
				previous_score INT NOT NULL,
				risk_level VARCHAR(20) NOT NULL,
				action_taken VARCHAR(20) NOT NULL,
				inputs JSONB,
				calculated_at TIMESTAMPTZ NOT NULL
			);
			CREATE INDEX IF NOT EXISTS ix_trust_history_node ON trust_history(node_id, calculated_at)`,
		},
		{
			Version:     6,
			Description: "Create ipam_allocations table",
			SQL: `CREATE TABLE IF NOT EXISTS ipam_allocations (
				ip_address VARCHAR(15) PRIMARY KEY,
				pool VARCHAR(20) NOT NULL,
				owner_id VARCHAR(100),
				allocated_at TIMESTAMPTZ,
				released_at TIMESTAMPTZ
			)`,
		},
	}
}

// RunMigrations applies pending migrations in order. Each applied migration
// is also recorded as an event in the event_store so the log captures schema
// history.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INT PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range Migrations() {
		var exists bool
		if err := db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if exists {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`,
			m.Version, m.Description,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		payload, _ := json.Marshal(map[string]any{
			"version":     m.Version,
			"description": m.Description,
		})
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_store (aggregate_type, aggregate_id, aggregate_version, event_type, payload, actor, created_at)
			 VALUES ('system', 'migrations', $1, 'system.migration_applied', $2, 'migrator', $3)`,
			m.Version, payload, time.Now().UTC(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration event %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
