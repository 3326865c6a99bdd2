package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"meshtalk-backend/internal/domain"
)

// CallRepository handles call record persistence in CockroachDB
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts a pending call record and fills in RecordID/CreatedAt.
func (r *CallRepository) Create(ctx context.Context, record *domain.CallRecord) error {
	if record.RecordID == uuid.Nil {
		record.RecordID = uuid.New()
	}

	query := `
		INSERT INTO call_records (
			record_id, room_id, caller_id, receiver_id, group_id,
			call_type, status, duration
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err := r.pool.QueryRow(ctx, query,
		record.RecordID,
		record.RoomID,
		record.CallerID,
		record.ReceiverID,
		record.GroupID,
		record.CallType,
		record.Status,
		record.Duration,
	).Scan(&record.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create call record: %w", err)
	}

	return nil
}

// MarkStarted stamps started_at on a pending record. A record whose
// started_at is already set is left untouched, so the signal is
// idempotent.
func (r *CallRepository) MarkStarted(ctx context.Context, recordID uuid.UUID, startedAt time.Time) error {
	query := `
		UPDATE call_records
		SET started_at = $2
		WHERE record_id = $1 AND started_at IS NULL AND status = 'pending'
	`

	_, err := r.pool.Exec(ctx, query, recordID, startedAt)
	if err != nil {
		return fmt.Errorf("failed to mark call started: %w", err)
	}

	return nil
}

// Finalize writes the terminal status, ended_at and duration. The
// WHERE clause only matches pending records, so the first terminal
// write wins and later ones report false.
func (r *CallRepository) Finalize(ctx context.Context, recordID uuid.UUID, status domain.CallStatus, endedAt time.Time, duration int) (bool, error) {
	query := `
		UPDATE call_records
		SET status = $2, ended_at = $3, duration = $4
		WHERE record_id = $1 AND status = 'pending'
	`

	tag, err := r.pool.Exec(ctx, query, recordID, status, endedAt, duration)
	if err != nil {
		return false, fmt.Errorf("failed to finalize call record: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// GetByID retrieves a call record by ID
func (r *CallRepository) GetByID(ctx context.Context, recordID uuid.UUID) (*domain.CallRecord, error) {
	query := `
		SELECT record_id, room_id, caller_id, receiver_id, group_id,
		       call_type, status, started_at, ended_at, duration, created_at
		FROM call_records
		WHERE record_id = $1
	`

	record := &domain.CallRecord{}
	err := r.pool.QueryRow(ctx, query, recordID).Scan(
		&record.RecordID,
		&record.RoomID,
		&record.CallerID,
		&record.ReceiverID,
		&record.GroupID,
		&record.CallType,
		&record.Status,
		&record.StartedAt,
		&record.EndedAt,
		&record.Duration,
		&record.CreatedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("call record not found")
		}
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}

	return record, nil
}

// ListByUser retrieves a user's call history, newest first.
func (r *CallRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	query := `
		SELECT record_id, room_id, caller_id, receiver_id, group_id,
		       call_type, status, started_at, ended_at, duration, created_at
		FROM call_records
		WHERE caller_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list call records: %w", err)
	}
	defer rows.Close()

	var records []*domain.CallRecord
	for rows.Next() {
		record := &domain.CallRecord{}
		err := rows.Scan(
			&record.RecordID,
			&record.RoomID,
			&record.CallerID,
			&record.ReceiverID,
			&record.GroupID,
			&record.CallType,
			&record.Status,
			&record.StartedAt,
			&record.EndedAt,
			&record.Duration,
			&record.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		records = append(records, record)
	}

	return records, nil
}

// CountByUser returns the number of call records involving userID.
func (r *CallRepository) CountByUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM call_records
		WHERE caller_id = $1 OR receiver_id = $1
	`

	var count int64
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count call records: %w", err)
	}

	return count, nil
}

// ListStalePending returns pending records older than cutoff. Used by
// the startup sweep to close records orphaned by a process restart.
func (r *CallRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*domain.CallRecord, error) {
	query := `
		SELECT record_id, room_id, caller_id, receiver_id, group_id,
		       call_type, status, started_at, ended_at, duration, created_at
		FROM call_records
		WHERE status = 'pending' AND created_at < $1
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending records: %w", err)
	}
	defer rows.Close()

	var records []*domain.CallRecord
	for rows.Next() {
		record := &domain.CallRecord{}
		err := rows.Scan(
			&record.RecordID,
			&record.RoomID,
			&record.CallerID,
			&record.ReceiverID,
			&record.GroupID,
			&record.CallType,
			&record.Status,
			&record.StartedAt,
			&record.EndedAt,
			&record.Duration,
			&record.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		records = append(records, record)
	}

	return records, nil
}
