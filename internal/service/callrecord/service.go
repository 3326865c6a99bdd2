// Package callrecord is the thin lifecycle wrapper over the durable
// call-record store. It validates status enums and page bounds; all
// transition decisions belong to the call coordinators.
package callrecord

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"meshtalk-backend/internal/domain"
	"meshtalk-backend/pkg/pagination"
)

// Store is the persistence boundary for call records.
type Store interface {
	Create(ctx context.Context, record *domain.CallRecord) error
	MarkStarted(ctx context.Context, recordID uuid.UUID, startedAt time.Time) error
	Finalize(ctx context.Context, recordID uuid.UUID, status domain.CallStatus, endedAt time.Time, duration int) (bool, error)
	GetByID(ctx context.Context, recordID uuid.UUID) (*domain.CallRecord, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error)
	CountByUser(ctx context.Context, userID uuid.UUID) (int64, error)
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*domain.CallRecord, error)
}

// Service handles call record lifecycle bookkeeping
type Service struct {
	store Store
}

// NewService creates a new call record service
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create persists a pending record for a fresh call attempt.
func (s *Service) Create(ctx context.Context, record *domain.CallRecord) error {
	if !domain.ValidCallType(record.CallType) {
		return fmt.Errorf("invalid call type %q", record.CallType)
	}

	record.Status = domain.CallStatusPending
	record.Duration = 0

	if err := s.store.Create(ctx, record); err != nil {
		return fmt.Errorf("failed to create call record: %w", err)
	}

	return nil
}

// MarkStarted stamps started_at once the peers report a media
// connection. Safe to call more than once; only the first stamp lands.
func (s *Service) MarkStarted(ctx context.Context, recordID uuid.UUID) error {
	return s.store.MarkStarted(ctx, recordID, time.Now().UTC())
}

// Finalize writes the terminal status with ended_at and duration.
// Duration is derived from started_at when the call ever connected,
// zero otherwise. Returns false when the record already reached a
// terminal status, in which case nothing is overwritten.
func (s *Service) Finalize(ctx context.Context, recordID uuid.UUID, status domain.CallStatus) (bool, error) {
	if !domain.ValidCallStatus(status) || !status.Terminal() {
		return false, fmt.Errorf("invalid terminal status %q", status)
	}

	record, err := s.store.GetByID(ctx, recordID)
	if err != nil {
		return false, fmt.Errorf("failed to load call record: %w", err)
	}

	endedAt := time.Now().UTC()
	duration := 0
	if record.StartedAt != nil {
		duration = int(endedAt.Sub(*record.StartedAt).Seconds())
		if duration < 0 {
			duration = 0
		}
	}

	applied, err := s.store.Finalize(ctx, recordID, status, endedAt, duration)
	if err != nil {
		return false, fmt.Errorf("failed to finalize call record: %w", err)
	}

	return applied, nil
}

// SweepStalePending finalizes pending records older than cutoff as
// missed. Run once at startup to close records orphaned by a crash;
// in-memory call state did not survive, so nothing will ever finalize
// them otherwise.
func (s *Service) SweepStalePending(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	stale, err := s.store.ListStalePending(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale pending records: %w", err)
	}

	swept := 0
	for _, record := range stale {
		applied, err := s.Finalize(ctx, record.RecordID, domain.CallStatusMissed)
		if err != nil {
			return swept, err
		}
		if applied {
			swept++
		}
	}

	return swept, nil
}

// ListHistory returns a page of the user's call history plus the total
// count for pagination.
func (s *Service) ListHistory(ctx context.Context, userID uuid.UUID, page, limit int) ([]*domain.CallRecord, int64, error) {
	if page < 1 {
		page = pagination.DefaultPage
	}
	if limit < pagination.MinLimit || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}

	offset := pagination.CalculateOffset(page, limit)

	records, err := s.store.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list call history: %w", err)
	}

	total, err := s.store.CountByUser(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count call history: %w", err)
	}

	return records, total, nil
}
