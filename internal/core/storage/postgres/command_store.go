package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/concord-lab/concord-ledger/internal/command"
)

// txFrom unwraps the command.Tx handle the store threaded through the
// command layer.
func txFrom(tx command.Tx) (*sql.Tx, error) {
	sqlTx, ok := tx.(*sql.Tx)
	if !ok || sqlTx == nil {
		return nil, fmt.Errorf("postgres: tx is not a *sql.Tx")
	}
	return sqlTx, nil
}

func marshalJSONB(value map[string]interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal jsonb: %w", err)
	}
	return string(encoded), nil
}

func unmarshalJSONB(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil
	}
	return decoded
}

func nullableString(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

// WithCommandTransaction runs fn inside one transaction holding the
// per-resource advisory lock, so commands against the same resource
// serialize across instances.
func (a *Adapter) WithCommandTransaction(ctx context.Context, accountID, resourceID string, fn func(tx command.Tx) error) error {
	sqlTx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin command transaction: %w", err)
	}

	lockKey := accountID + ":" + resourceID
	if _, err := sqlTx.ExecContext(ctx, queryAdvisoryLock, lockKey); err != nil {
		sqlTx.Rollback()
		return fmt.Errorf("postgres: acquire command lock: %w", err)
	}

	if err := fn(sqlTx); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit command transaction: %w", err)
	}
	return nil
}

// GetIdempotencyForUpdate reads and row-locks one idempotency row. Returns
// nil when the key has not been seen.
func (a *Adapter) GetIdempotencyForUpdate(ctx context.Context, tx command.Tx, ref command.IdempotencyRef) (*command.IdempotencyRecord, error) {
	sqlTx, err := txFrom(tx)
	if err != nil {
		return nil, err
	}

	row := sqlTx.QueryRowContext(ctx, queryGetIdempotency,
		ref.AccountID, ref.RouteTemplate, ref.ResourceID, ref.IdempotencyKey)

	var record command.IdempotencyRecord
	var status string
	var httpStatus sql.NullInt64
	var responseBody, errorBody []byte
	var errorCode, eventID sql.NullString
	var expiresAt sql.NullTime
	err = row.Scan(
		&record.AccountID, &record.RouteTemplate, &record.ResourceID, &record.IdempotencyKey,
		&record.RequestHash, &status, &httpStatus, &responseBody,
		&errorCode, &errorBody, &eventID, &expiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: read idempotency row: %w", err)
	}

	record.Status = command.IdempotencyStatus(status)
	record.HTTPStatus = int(httpStatus.Int64)
	record.ResponseBody = unmarshalJSONB(responseBody)
	record.ErrorCode = errorCode.String
	record.ErrorBody = unmarshalJSONB(errorBody)
	record.EventID = eventID.String
	if expiresAt.Valid {
		record.ExpiresAt = expiresAt.Time
	}
	return &record, nil
}

// CreateIdempotencyInProgress inserts a fresh in_progress lease.
func (a *Adapter) CreateIdempotencyInProgress(ctx context.Context, tx command.Tx, ref command.IdempotencyRef, requestHash string, responseBody map[string]interface{}) error {
	sqlTx, err := txFrom(tx)
	if err != nil {
		return err
	}
	body, err := marshalJSONB(responseBody)
	if err != nil {
		return err
	}
	_, err = sqlTx.ExecContext(ctx, queryCreateIdempotency,
		ref.AccountID, ref.RouteTemplate, ref.ResourceID, ref.IdempotencyKey,
		requestHash, body, int(a.ttls.InProgress/time.Second))
	if err != nil {
		return fmt.Errorf("postgres: create idempotency lease: %w", err)
	}
	return nil
}

// RestartIdempotencyInProgress takes over an expired lease in place.
func (a *Adapter) RestartIdempotencyInProgress(ctx context.Context, tx command.Tx, ref command.IdempotencyRef, requestHash string, responseBody map[string]interface{}) error {
	sqlTx, err := txFrom(tx)
	if err != nil {
		return err
	}
	body, err := marshalJSONB(responseBody)
	if err != nil {
		return err
	}
	_, err = sqlTx.ExecContext(ctx, queryRestartIdempotency,
		ref.AccountID, ref.RouteTemplate, ref.ResourceID, ref.IdempotencyKey,
		requestHash, body, int(a.ttls.InProgress/time.Second))
	if err != nil {
		return fmt.Errorf("postgres: restart idempotency lease: %w", err)
	}
	return nil
}

// CompleteIdempotency records a successful outcome for replay.
func (a *Adapter) CompleteIdempotency(ctx context.Context, tx command.Tx, ref command.IdempotencyRef, requestHash string, httpStatus int, responseBody map[string]interface{}, eventID string) error {
	sqlTx, err := txFrom(tx)
	if err != nil {
		return err
	}
	body, err := marshalJSONB(responseBody)
	if err != nil {
		return err
	}
	_, err = sqlTx.ExecContext(ctx, queryCompleteIdempotency,
		ref.AccountID, ref.RouteTemplate, ref.ResourceID, ref.IdempotencyKey,
		requestHash, httpStatus, body, nullableString(eventID), int(a.ttls.Success/time.Second))
	if err != nil {
		return fmt.Errorf("postgres: complete idempotency row: %w", err)
	}
	return nil
}

// FailIdempotency records a failed outcome for replay.
func (a *Adapter) FailIdempotency(ctx context.Context, tx command.Tx, ref command.IdempotencyRef, requestHash string, httpStatus int, errorCode string, errorBody, responseBody map[string]interface{}) error {
	sqlTx, err := txFrom(tx)
	if err != nil {
		return err
	}
	response, err := marshalJSONB(responseBody)
	if err != nil {
		return err
	}
	if errorBody == nil {
		errorBody = map[string]interface{}{}
	}
	errBody, err := marshalJSONB(errorBody)
	if err != nil {
		return err
	}
	if errorCode == "" {
		errorCode = command.CodeCommandFailed
	}
	_, err = sqlTx.ExecContext(ctx, queryFailIdempotency,
		ref.AccountID, ref.RouteTemplate, ref.ResourceID, ref.IdempotencyKey,
		requestHash, httpStatus, response, errorCode, errBody, int(a.ttls.Failure/time.Second))
	if err != nil {
		return fmt.Errorf("postgres: fail idempotency row: %w", err)
	}
	return nil
}

// GetLedgerHead reads and row-locks the stream head. A resource with no
// receipts yields an empty head at version zero.
func (a *Adapter) GetLedgerHead(ctx context.Context, tx command.Tx, accountID, resourceID string) (command.LedgerHead, error) {
	sqlTx, err := txFrom(tx)
	if err != nil {
		return command.LedgerHead{}, err
	}

	row := sqlTx.QueryRowContext(ctx, queryGetLedgerHead, accountID, resourceID)
	var head command.LedgerHead
	var lastEventID, lastHash sql.NullString
	err = row.Scan(&head.AccountID, &head.ResourceID, &lastEventID, &lastHash, &head.StreamVersion)
	if err == sql.ErrNoRows {
		return command.LedgerHead{AccountID: accountID, ResourceID: resourceID}, nil
	}
	if err != nil {
		return command.LedgerHead{}, fmt.Errorf("postgres: read ledger head: %w", err)
	}
	head.LastEventID = lastEventID.String
	head.LastHash = lastHash.String
	return head, nil
}

// UpsertLedgerHead advances the stream head.
func (a *Adapter) UpsertLedgerHead(ctx context.Context, tx command.Tx, head command.LedgerHead) error {
	sqlTx, err := txFrom(tx)
	if err != nil {
		return err
	}
	_, err = sqlTx.ExecContext(ctx, queryUpsertLedgerHead,
		head.AccountID, head.ResourceID,
		nullableString(head.LastEventID), nullableString(head.LastHash), head.StreamVersion)
	if err != nil {
		return fmt.Errorf("postgres: upsert ledger head: %w", err)
	}
	return nil
}

// InsertReceipt appends one receipt to the index.
func (a *Adapter) InsertReceipt(ctx context.Context, tx command.Tx, receipt command.ReceiptRow) error {
	sqlTx, err := txFrom(tx)
	if err != nil {
		return err
	}
	_, err = sqlTx.ExecContext(ctx, queryInsertReceipt,
		receipt.AccountID, receipt.ResourceID, receipt.EventID, receipt.StreamVersion,
		receipt.EventType, receipt.CreatedAt, nullableString(receipt.PrevHash), receipt.Hash,
		receipt.Body, receipt.SigningIdentityID, receipt.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("postgres: insert receipt: %w", err)
	}
	return nil
}
