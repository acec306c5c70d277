package command

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// receiptSchemaVersion is bumped when the receipt core shape changes.
const receiptSchemaVersion = 1

// AppendInput describes one receipt append. A nil ExpectedPrevHash skips
// the optimistic concurrency check; an empty string asserts an empty
// stream.
type AppendInput struct {
	AccountID        string
	ResourceID       string
	EventType        string
	Payload          map[string]interface{}
	IdempotencyKey   string
	Identity         SigningIdentity
	ExpectedPrevHash *string
}

// AppendResult is the outcome of one receipt append.
type AppendResult struct {
	EventID       string
	StreamVersion int
	PrevHash      string
	Hash          string
	CreatedAt     string
	Receipt       map[string]interface{}
}

// Writer appends signed, hash-chained receipts to resource event streams.
// Each receipt commits to its own content plus the previous receipt's
// hash, so a stream is tamper-evident in the same way the ledger is.
type Writer struct {
	store  Store
	signer Signer
	now    func() time.Time
}

// NewWriter creates a receipt writer.
func NewWriter(store Store, signer Signer) *Writer {
	if store == nil {
		panic("command: store must not be nil")
	}
	if signer == nil {
		panic("command: signer must not be nil")
	}
	return &Writer{store: store, signer: signer, now: time.Now}
}

// Append writes one receipt inside the caller's transaction. The ledger
// head row is read under lock, so the prev-hash comparison and the head
// update are atomic with respect to concurrent writers.
func (w *Writer) Append(ctx context.Context, tx Tx, input AppendInput) (*AppendResult, error) {
	head, err := w.store.GetLedgerHead(ctx, tx, input.AccountID, input.ResourceID)
	if err != nil {
		return nil, err
	}

	prevHash := strings.TrimSpace(head.LastHash)
	if input.ExpectedPrevHash != nil && strings.TrimSpace(*input.ExpectedPrevHash) != prevHash {
		return nil, Conflict(
			CodeStreamHeadConflict,
			"Resource stream head changed before this write completed.",
			map[string]interface{}{
				"expectedPrevHash": strings.TrimSpace(*input.ExpectedPrevHash),
				"currentPrevHash":  prevHash,
			},
		)
	}

	eventID := "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	streamVersion := head.StreamVersion + 1
	createdAt := w.now().UTC().Format(time.RFC3339Nano)

	payload := input.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	core := map[string]interface{}{
		"eventId": eventID,
		"stream": map[string]interface{}{
			"type":       "resource",
			"accountId":  input.AccountID,
			"resourceId": input.ResourceID,
		},
		"type":      input.EventType,
		"payload":   payload,
		"createdAt": createdAt,
		"issuer": map[string]interface{}{
			"signingIdentityId": input.Identity.ID,
			"publicKeyId":       input.Identity.PublicKeyID,
		},
		"idempotencyKey": input.IdempotencyKey,
		"prevEventId":    nullableTrim(head.LastEventID),
		"prevHash":       nullableTrim(prevHash),
		"schemaVersion":  receiptSchemaVersion,
		"streamVersion":  streamVersion,
	}

	hash, err := w.signer.HashCanonical(core)
	if err != nil {
		return nil, err
	}
	signed, err := w.signer.SignDigest(ctx, input.Identity.KeyRef, hash)
	if err != nil {
		return nil, err
	}
	if !w.signer.ValidateSignatureFormat(signed.Signature) {
		return nil, ServiceUnavailable(CodeSignatureInvalid, "Signer returned an invalid signature.")
	}

	receipt := make(map[string]interface{}, len(core)+3)
	for key, value := range core {
		receipt[key] = value
	}
	receipt["hash"] = hash
	receipt["signature"] = signed.Signature
	receipt["signatureAlgorithm"] = signed.Algorithm

	body, err := w.signer.CanonicalBytes(receipt)
	if err != nil {
		return nil, err
	}

	if err := w.store.UpsertLedgerHead(ctx, tx, LedgerHead{
		AccountID:     input.AccountID,
		ResourceID:    input.ResourceID,
		LastEventID:   eventID,
		LastHash:      hash,
		StreamVersion: streamVersion,
	}); err != nil {
		return nil, err
	}

	if err := w.store.InsertReceipt(ctx, tx, ReceiptRow{
		AccountID:         input.AccountID,
		ResourceID:        input.ResourceID,
		EventID:           eventID,
		StreamVersion:     streamVersion,
		EventType:         input.EventType,
		CreatedAt:         createdAt,
		PrevHash:          prevHash,
		Hash:              hash,
		Body:              string(body),
		SigningIdentityID: input.Identity.ID,
		IdempotencyKey:    input.IdempotencyKey,
	}); err != nil {
		return nil, err
	}

	return &AppendResult{
		EventID:       eventID,
		StreamVersion: streamVersion,
		PrevHash:      prevHash,
		Hash:          hash,
		CreatedAt:     createdAt,
		Receipt:       receipt,
	}, nil
}
