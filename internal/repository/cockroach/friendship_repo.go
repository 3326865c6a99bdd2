package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// FriendshipRepository answers friendship queries against CockroachDB.
// Friend management (requests, accepts, blocks) lives in the social
// service; this core only checks the accepted edges.
type FriendshipRepository struct {
	pool *pgxpool.Pool
}

// NewFriendshipRepository creates a new FriendshipRepository
func NewFriendshipRepository(pool *pgxpool.Pool) *FriendshipRepository {
	return &FriendshipRepository{pool: pool}
}

// IsFriend reports whether an accepted friendship exists between the
// two users, in either direction.
func (r *FriendshipRepository) IsFriend(ctx context.Context, userA, userB uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM friendships
			WHERE status = 'accepted'
			  AND ((user_id = $1 AND friend_id = $2) OR (user_id = $2 AND friend_id = $1))
		)
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, userA, userB).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check friendship: %w", err)
	}

	return exists, nil
}

// FriendIDsOf returns the IDs of all accepted friends of userID.
func (r *FriendshipRepository) FriendIDsOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT CASE WHEN user_id = $1 THEN friend_id ELSE user_id END
		FROM friendships
		WHERE status = 'accepted' AND (user_id = $1 OR friend_id = $1)
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list friend ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan friend id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}
