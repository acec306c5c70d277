package postgres

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/concord-lab/concord-ledger/internal/signing"
)

func TestListActiveByAccount(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	mock.ExpectQuery(regexp.QuoteMeta(queryListActiveIdentities)).
		WithArgs("acct_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "account_id", "key_ref", "public_key_pem", "public_key_id", "status",
		}).
			AddRow("sid_1", "acct_1", "key-a", "PEM-A", "pk-a", "active").
			AddRow("sid_2", "acct_1", "key-b", "PEM-B", "pk-b", "active"))

	identities, err := adapter.ListActiveByAccount(context.Background(), "acct_1")
	require.NoError(t, err)
	require.Len(t, identities, 2)
	require.Equal(t, "sid_1", identities[0].ID)
	require.Equal(t, "key-b", identities[1].KeyRef)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIdentity_DefaultsStatusActive(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	mock.ExpectExec(regexp.QuoteMeta(queryInsertIdentity)).
		WithArgs("sid_1", "acct_1", "key-a", "PEM-A", "pk-a", "active").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := adapter.InsertIdentity(context.Background(), signing.Identity{
		ID:           "sid_1",
		AccountID:    "acct_1",
		KeyRef:       "key-a",
		PublicKeyPEM: "PEM-A",
		PublicKeyID:  "pk-a",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
