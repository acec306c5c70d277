// Package command executes ledger commands exactly once: each request is
// gated by an idempotency row held under a transactional lease, and its
// side effect is a signed receipt appended to the resource's hash-chained
// event stream under optimistic concurrency. All persistence and signing
// is injected; the package itself performs no I/O and imposes no retries.
package command

import (
	"context"
	"time"
)

// IdempotencyStatus is the lifecycle state of one idempotency row.
type IdempotencyStatus string

const (
	StatusInProgress IdempotencyStatus = "in_progress"
	StatusSucceeded  IdempotencyStatus = "succeeded"
	StatusFailed     IdempotencyStatus = "failed"
)

// IdempotencyRef identifies one idempotency row.
type IdempotencyRef struct {
	AccountID      string
	RouteTemplate  string
	ResourceID     string
	IdempotencyKey string
}

// IdempotencyRecord is one persisted idempotency row.
type IdempotencyRecord struct {
	IdempotencyRef
	RequestHash  string
	Status       IdempotencyStatus
	HTTPStatus   int
	ResponseBody map[string]interface{}
	ErrorCode    string
	ErrorBody    map[string]interface{}
	EventID      string
	ExpiresAt    time.Time
}

// LedgerHead is the current tip of a resource's receipt stream. A resource
// with no receipts has empty ids and version zero.
type LedgerHead struct {
	AccountID     string
	ResourceID    string
	LastEventID   string
	LastHash      string
	StreamVersion int
}

// ReceiptRow is the indexed form of one appended receipt.
type ReceiptRow struct {
	AccountID         string
	ResourceID        string
	EventID           string
	StreamVersion     int
	EventType         string
	CreatedAt         string
	PrevHash          string
	Hash              string
	Body              string
	SigningIdentityID string
	IdempotencyKey    string
}

// Tx is the ambient transaction handle the Store threads through one
// command. Its concrete type belongs to the adapter.
type Tx interface{}

// Store is the command persistence port. Every method inside
// WithCommandTransaction runs in the same transaction; GetIdempotencyForUpdate
// and GetLedgerHead must lock their rows for the transaction's duration.
type Store interface {
	WithCommandTransaction(ctx context.Context, accountID, resourceID string, fn func(tx Tx) error) error

	GetIdempotencyForUpdate(ctx context.Context, tx Tx, ref IdempotencyRef) (*IdempotencyRecord, error)
	CreateIdempotencyInProgress(ctx context.Context, tx Tx, ref IdempotencyRef, requestHash string, responseBody map[string]interface{}) error
	RestartIdempotencyInProgress(ctx context.Context, tx Tx, ref IdempotencyRef, requestHash string, responseBody map[string]interface{}) error
	CompleteIdempotency(ctx context.Context, tx Tx, ref IdempotencyRef, requestHash string, httpStatus int, responseBody map[string]interface{}, eventID string) error
	FailIdempotency(ctx context.Context, tx Tx, ref IdempotencyRef, requestHash string, httpStatus int, errorCode string, errorBody, responseBody map[string]interface{}) error

	GetLedgerHead(ctx context.Context, tx Tx, accountID, resourceID string) (LedgerHead, error)
	UpsertLedgerHead(ctx context.Context, tx Tx, head LedgerHead) error
	InsertReceipt(ctx context.Context, tx Tx, row ReceiptRow) error
}

// Signature is a detached signature over a receipt digest.
type Signature struct {
	Signature string
	Algorithm string
}

// Signer is the signing port. HashCanonical must agree with the ledger's
// canonical codec so receipt hashes are reproducible from stored bodies.
type Signer interface {
	HashCanonical(value interface{}) (string, error)
	CanonicalBytes(value interface{}) ([]byte, error)
	SignDigest(ctx context.Context, keyRef, digestHex string) (Signature, error)
	ValidateSignatureFormat(signature string) bool
}

// SigningIdentity is a resolved signing identity.
type SigningIdentity struct {
	ID          string
	PublicKeyID string
	KeyRef      string
}

// IdentityResolver resolves the signing identity for a command, falling
// back to the account default when no explicit identity is requested.
type IdentityResolver interface {
	ResolveForCommand(ctx context.Context, accountID, requestedSigningIdentityID string) (SigningIdentity, error)
}
