package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

const logColumns = `id, COALESCE(actor_id, ''), entity_type, entity_id, action, outcome, created_at,
	COALESCE(request_id, ''), COALESCE(ip_address, ''), COALESCE(user_agent, '')`

// PostgresRepository stores audit logs in the audit_logs table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Log inserts an audit row.
func (r *PostgresRepository) Log(ctx context.Context, entry Entry) (*Log, error) {
	outcome := entry.Outcome
	if outcome == "" {
		outcome = OutcomeSuccess
	}
	log := &Log{
		ID:         uuid.New().String(),
		ActorID:    entry.ActorID,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Action:     entry.Action,
		Outcome:    outcome,
		RequestID:  entry.RequestID,
		IPAddress:  entry.IPAddress,
		UserAgent:  entry.UserAgent,
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO audit_logs (id, actor_id, entity_type, entity_id, action, outcome, request_id, ip_address, user_agent)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''))
		RETURNING created_at
	`, log.ID, log.ActorID, log.EntityType, log.EntityID, log.Action, log.Outcome,
		log.RequestID, log.IPAddress, log.UserAgent).Scan(&log.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert audit log: %w", err)
	}
	return log, nil
}

// QueryByEntity returns logs for an entity, newest first.
func (r *PostgresRepository) QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Log, error) {
	return r.query(ctx, `SELECT `+logColumns+` FROM audit_logs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC
		LIMIT NULLIF($3, 0)`, entityType, entityID, limit)
}

// QueryByActor returns logs written by a user, newest first.
func (r *PostgresRepository) QueryByActor(ctx context.Context, actorID string, limit int) ([]*Log, error) {
	return r.query(ctx, `SELECT `+logColumns+` FROM audit_logs
		WHERE actor_id = $1
		ORDER BY created_at DESC
		LIMIT NULLIF($2, 0)`, actorID, limit)
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...any) ([]*Log, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var out []*Log
	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.ID, &l.ActorID, &l.EntityType, &l.EntityID, &l.Action, &l.Outcome,
			&l.CreatedAt, &l.RequestID, &l.IPAddress, &l.UserAgent); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
