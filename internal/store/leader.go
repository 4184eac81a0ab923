package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// leaderSingletonKey is the fixed primary key of the one row the
// leader_election table ever holds — the table only needs one lease
// because a single queue deployment has a single leader.
const leaderSingletonKey = "global"

// TryAcquireLeadership attempts to become leader. It succeeds either when
// no lease exists, the existing lease has expired, or the caller already
// holds it (so a renew-via-acquire racing its own heartbeat is safe).
func (s *Store) TryAcquireLeadership(ctx context.Context, instanceID string, leaseDuration time.Duration) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (singleton_key, leader_id, elected_at, expires_at)
		VALUES ($1, $2, now(), now() + $3 * interval '1 millisecond')
		ON CONFLICT (singleton_key) DO UPDATE SET
			leader_id  = EXCLUDED.leader_id,
			elected_at = now(),
			expires_at = EXCLUDED.expires_at
		WHERE %[1]s.expires_at < now() OR %[1]s.leader_id = EXCLUDED.leader_id
		RETURNING leader_id`, s.table("leader_election"))

	row := s.pool.QueryRow(ctx, query, leaderSingletonKey, instanceID, leaseDuration.Milliseconds())
	var leaderID string
	if err := row.Scan(&leaderID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("try acquire leadership: %w", err)
	}
	return leaderID == instanceID, nil
}

// RenewLeadership extends the lease. It returns false — not an error —
// when the caller no longer holds the lease, which the leader election
// component treats as "leadership lost".
func (s *Store) RenewLeadership(ctx context.Context, instanceID string, leaseDuration time.Duration) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET expires_at = now() + $3 * interval '1 millisecond'
		WHERE singleton_key = $1 AND leader_id = $2`, s.table("leader_election"))
	tag, err := s.pool.Exec(ctx, query, leaderSingletonKey, instanceID, leaseDuration.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("renew leadership: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLeadership best-effort relinquishes the lease. A caller that no
// longer holds it is not an error.
func (s *Store) ReleaseLeadership(ctx context.Context, instanceID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE singleton_key = $1 AND leader_id = $2`, s.table("leader_election"))
	_, err := s.pool.Exec(ctx, query, leaderSingletonKey, instanceID)
	if err != nil {
		return fmt.Errorf("release leadership: %w", err)
	}
	return nil
}
