package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease takes or refreshes a named heartbeat lease. It succeeds
// when no lease exists, when the caller already owns it, or when the
// holder's heartbeat is older than ttl. Exactly one owner can hold a
// name at a time, which is what keeps score passes single flight.
func (q *Queries) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error) {
	var expiry = now.Add(-ttl)
	var res, err = q.ext.ExecContext(ctx, `
INSERT INTO engine_leases (name, owner, heartbeat_at) VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
    owner = excluded.owner,
    heartbeat_at = excluded.heartbeat_at
WHERE engine_leases.owner = excluded.owner OR engine_leases.heartbeat_at < ?`,
		name, owner, now, expiry)
	if err != nil {
		return false, fmt.Errorf("acquiring lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RenewLease advances the heartbeat of a held lease. Returns false when
// the caller no longer owns it.
func (q *Queries) RenewLease(ctx context.Context, name, owner string, now time.Time) (bool, error) {
	var res, err = q.ext.ExecContext(ctx, `
UPDATE engine_leases SET heartbeat_at = ? WHERE name = ? AND owner = ?`, now, name, owner)
	if err != nil {
		return false, fmt.Errorf("renewing lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if the caller still owns it.
func (q *Queries) ReleaseLease(ctx context.Context, name, owner string) error {
	if _, err := q.ext.ExecContext(ctx, `
DELETE FROM engine_leases WHERE name = ? AND owner = ?`, name, owner); err != nil {
		return fmt.Errorf("releasing lease %s: %w", name, err)
	}
	return nil
}
