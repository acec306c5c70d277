package postgres

import (
	"context"
	"fmt"

	"github.com/concord-lab/concord-ledger/internal/signing"
)

// ListActiveByAccount returns an account's active signing identities in
// creation order.
func (a *Adapter) ListActiveByAccount(ctx context.Context, accountID string) ([]signing.Identity, error) {
	rows, err := a.db.QueryContext(ctx, queryListActiveIdentities, accountID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list signing identities: %w", err)
	}
	defer rows.Close()

	var identities []signing.Identity
	for rows.Next() {
		var identity signing.Identity
		if err := rows.Scan(
			&identity.ID, &identity.AccountID, &identity.KeyRef,
			&identity.PublicKeyPEM, &identity.PublicKeyID, &identity.Status,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan signing identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate signing identities: %w", err)
	}
	return identities, nil
}

// InsertIdentity persists a newly provisioned signing identity.
func (a *Adapter) InsertIdentity(ctx context.Context, identity signing.Identity) error {
	status := identity.Status
	if status == "" {
		status = "active"
	}
	_, err := a.db.ExecContext(ctx, queryInsertIdentity,
		identity.ID, identity.AccountID, identity.KeyRef,
		identity.PublicKeyPEM, identity.PublicKeyID, status)
	if err != nil {
		return fmt.Errorf("postgres: insert signing identity: %w", err)
	}
	return nil
}
