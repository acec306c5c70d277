package command

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Route templates are part of the idempotency key scope and the request
// hash, so they are fixed strings rather than derived from the router.
const (
	CreateRouteTemplate = "POST /v1/resources/commands/create"
	SaveRouteTemplate   = "POST /v1/resources/{id}/commands/save"
)

// Receipt event types.
const (
	EventResourceCreated = "RESOURCE_CREATED"
	EventResourceSave    = "RESOURCE_SAVE"
)

// CreateBody is the normalized body of a create command.
type CreateBody struct {
	OwnerID      string `json:"ownerId"`
	Name         string `json:"name"`
	CollectionID string `json:"collectionId"`
}

// SaveBody is the normalized body of a save command. ExpectedLedgerHead
// takes precedence over ExpectedVersion when both are supplied.
type SaveBody struct {
	Snapshot           map[string]interface{} `json:"payload"`
	ClientLedgerHead   string                 `json:"ledgerHead,omitempty"`
	ExpectedVersion    *int                   `json:"expectedVersion,omitempty"`
	ExpectedLedgerHead *string                `json:"expectedLedgerHead,omitempty"`
}

// CreateRequest creates a resource and appends its first receipt.
type CreateRequest struct {
	AccountID         string
	IdempotencyKey    string
	SigningIdentityID string
	Body              CreateBody
}

// SaveRequest appends a snapshot receipt to an existing resource.
type SaveRequest struct {
	AccountID         string
	ResourceID        string
	IdempotencyKey    string
	SigningIdentityID string
	Body              SaveBody
}

// Response is the command outcome. Data is stored verbatim on the
// idempotency row, so a replayed request returns byte-identical content.
type Response struct {
	HTTPStatus int
	Data       map[string]interface{}
}

// Service executes resource commands with exactly-once semantics.
type Service struct {
	store             Store
	writer            *Writer
	identities        IdentityResolver
	logger            *slog.Logger
	retryAfterSeconds int
}

// NewService creates the command service.
func NewService(store Store, writer *Writer, identities IdentityResolver, logger *slog.Logger, retryAfterSeconds int) *Service {
	if store == nil {
		panic("command: store must not be nil")
	}
	if writer == nil {
		panic("command: writer must not be nil")
	}
	if identities == nil {
		panic("command: identity resolver must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if retryAfterSeconds <= 0 {
		retryAfterSeconds = 2
	}
	return &Service{
		store:             store,
		writer:            writer,
		identities:        identities,
		logger:            logger,
		retryAfterSeconds: retryAfterSeconds,
	}
}

func normalizeCreateBody(body CreateBody) CreateBody {
	normalized := CreateBody{
		OwnerID:      strings.TrimSpace(body.OwnerID),
		Name:         strings.TrimSpace(body.Name),
		CollectionID: strings.TrimSpace(body.CollectionID),
	}
	if normalized.Name == "" {
		normalized.Name = "My Resource"
	}
	if normalized.CollectionID == "" {
		normalized.CollectionID = "primary"
	}
	return normalized
}

func (b CreateBody) hashable() map[string]interface{} {
	return map[string]interface{}{
		"ownerId":      b.OwnerID,
		"name":         b.Name,
		"collectionId": b.CollectionID,
	}
}

func normalizeSaveBody(body SaveBody) (SaveBody, error) {
	if body.Snapshot == nil {
		return SaveBody{}, BadRequest(CodePayloadRequired, "payload must include a resource snapshot.")
	}
	normalized := body
	normalized.ClientLedgerHead = strings.TrimSpace(body.ClientLedgerHead)
	if body.ExpectedLedgerHead != nil {
		trimmed := strings.TrimSpace(*body.ExpectedLedgerHead)
		normalized.ExpectedLedgerHead = &trimmed
	}
	return normalized, nil
}

func (b SaveBody) hashable() map[string]interface{} {
	hashable := map[string]interface{}{
		"payload":    b.Snapshot,
		"ledgerHead": nullableTrim(b.ClientLedgerHead),
	}
	if b.ExpectedVersion != nil {
		hashable["expectedVersion"] = *b.ExpectedVersion
	} else {
		hashable["expectedVersion"] = nil
	}
	if b.ExpectedLedgerHead != nil {
		hashable["expectedLedgerHead"] = *b.ExpectedLedgerHead
	} else {
		hashable["expectedLedgerHead"] = nil
	}
	return hashable
}

// CreateResource executes a create command. The resource id derives from
// the request hash, so a retried create converges on the same resource
// instead of minting a second one.
func (s *Service) CreateResource(ctx context.Context, request CreateRequest) (*Response, error) {
	accountID := strings.TrimSpace(request.AccountID)
	idempotencyKey := strings.TrimSpace(request.IdempotencyKey)
	body := normalizeCreateBody(request.Body)

	requestHash, err := RequestHash(http.MethodPost, CreateRouteTemplate, "", request.SigningIdentityID, body.hashable())
	if err != nil {
		return nil, err
	}
	resourceID := DeriveCreateResourceID(requestHash)
	ref := IdempotencyRef{
		AccountID:      accountID,
		RouteTemplate:  CreateRouteTemplate,
		ResourceID:     resourceID,
		IdempotencyKey: idempotencyKey,
	}

	return s.run(ctx, ref, requestHash, request.SigningIdentityID, func(ctx context.Context, tx Tx, identity SigningIdentity) (map[string]interface{}, string, error) {
		appended, err := s.writer.Append(ctx, tx, AppendInput{
			AccountID:  accountID,
			ResourceID: resourceID,
			EventType:  EventResourceCreated,
			Payload: map[string]interface{}{
				"ownerId":      body.OwnerID,
				"name":         body.Name,
				"collectionId": body.CollectionID,
			},
			IdempotencyKey: idempotencyKey,
			Identity:       identity,
		})
		if err != nil {
			return nil, "", err
		}
		return map[string]interface{}{
			"eventId":       appended.EventID,
			"resourceId":    resourceID,
			"streamVersion": appended.StreamVersion,
			"hash":          appended.Hash,
			"createdAt":     appended.CreatedAt,
		}, appended.EventID, nil
	})
}

// SaveSnapshot executes a save command under optimistic concurrency.
func (s *Service) SaveSnapshot(ctx context.Context, request SaveRequest) (*Response, error) {
	accountID := strings.TrimSpace(request.AccountID)
	resourceID := strings.TrimSpace(request.ResourceID)
	idempotencyKey := strings.TrimSpace(request.IdempotencyKey)
	body, err := normalizeSaveBody(request.Body)
	if err != nil {
		return nil, err
	}

	requestHash, err := RequestHash(http.MethodPost, SaveRouteTemplate, resourceID, request.SigningIdentityID, body.hashable())
	if err != nil {
		return nil, err
	}
	ref := IdempotencyRef{
		AccountID:      accountID,
		RouteTemplate:  SaveRouteTemplate,
		ResourceID:     resourceID,
		IdempotencyKey: idempotencyKey,
	}

	return s.run(ctx, ref, requestHash, request.SigningIdentityID, func(ctx context.Context, tx Tx, identity SigningIdentity) (map[string]interface{}, string, error) {
		head, err := s.store.GetLedgerHead(ctx, tx, accountID, resourceID)
		if err != nil {
			return nil, "", err
		}
		// A resource exists once its create receipt seeded the stream.
		if head.StreamVersion == 0 {
			return nil, "", NotFound(CodeResourceNotFound, "Resource not found.")
		}
		if body.ExpectedLedgerHead != nil && *body.ExpectedLedgerHead != head.LastHash {
			return nil, "", Conflict(
				CodeSnapshotConflict,
				"Resource ledger head conflict. Another writer saved a different state.",
				map[string]interface{}{
					"expectedLedgerHead": *body.ExpectedLedgerHead,
					"currentLedgerHead":  head.LastHash,
				},
			)
		}
		if body.ExpectedLedgerHead == nil && body.ExpectedVersion != nil && *body.ExpectedVersion != head.StreamVersion {
			return nil, "", Conflict(
				CodeSnapshotConflict,
				"Resource has changed since you last synced.",
				map[string]interface{}{
					"expectedVersion": *body.ExpectedVersion,
					"currentVersion":  head.StreamVersion,
				},
			)
		}

		appended, err := s.writer.Append(ctx, tx, AppendInput{
			AccountID:  accountID,
			ResourceID: resourceID,
			EventType:  EventResourceSave,
			Payload: map[string]interface{}{
				"snapshot":         body.Snapshot,
				"clientLedgerHead": nullableTrim(body.ClientLedgerHead),
			},
			IdempotencyKey:   idempotencyKey,
			Identity:         identity,
			ExpectedPrevHash: body.ExpectedLedgerHead,
		})
		if err != nil {
			return nil, "", err
		}
		return map[string]interface{}{
			"eventId":       appended.EventID,
			"resourceId":    resourceID,
			"streamVersion": appended.StreamVersion,
			"hash":          appended.Hash,
			"prevHash":      appended.PrevHash,
			"createdAt":     appended.CreatedAt,
		}, appended.EventID, nil
	})
}

// run executes one command through the idempotency gate: the row is read
// for update inside the transaction, the side effect runs only in the
// create and restart-expired branches, and the outcome is recorded on the
// row before the transaction commits.
func (s *Service) run(
	ctx context.Context,
	ref IdempotencyRef,
	requestHash string,
	signingIdentityID string,
	execute func(ctx context.Context, tx Tx, identity SigningIdentity) (map[string]interface{}, string, error),
) (*Response, error) {
	var response *Response
	var commandErr *Error

	// Domain failures are recorded on the idempotency row and must COMMIT,
	// so they are captured here and returned after the transaction instead
	// of propagating through fn, which would roll the record back.
	txErr := s.store.WithCommandTransaction(ctx, ref.AccountID, ref.ResourceID, func(tx Tx) error {
		record, err := s.store.GetIdempotencyForUpdate(ctx, tx, ref)
		if err != nil {
			return err
		}
		gate, gateErr := evaluateGate(record, requestHash, s.writer.now())
		if gateErr != nil {
			commandErr = Normalize(gateErr)
			return nil
		}

		switch gate.mode {
		case gateReplaySuccess:
			response = &Response{HTTPStatus: gate.httpStatus, Data: gate.responseBody}
			return nil
		case gateReplayFailed:
			commandErr = storedFailure(gate.record)
			return nil
		case gateInProgressActive:
			response = &Response{HTTPStatus: http.StatusAccepted, Data: pendingResponse(ref.IdempotencyKey, s.retryAfterSeconds)}
			return nil
		case gateCreate:
			if err := s.store.CreateIdempotencyInProgress(ctx, tx, ref, requestHash, pendingResponse(ref.IdempotencyKey, s.retryAfterSeconds)); err != nil {
				return err
			}
		case gateRestartExpired:
			if err := s.store.RestartIdempotencyInProgress(ctx, tx, ref, requestHash, pendingResponse(ref.IdempotencyKey, s.retryAfterSeconds)); err != nil {
				return err
			}
		}

		identity, err := s.identities.ResolveForCommand(ctx, ref.AccountID, signingIdentityID)
		if err != nil {
			commandErr, err = s.recordFailure(ctx, tx, ref, requestHash, err)
			return err
		}

		data, eventID, err := execute(ctx, tx, identity)
		if err != nil {
			commandErr, err = s.recordFailure(ctx, tx, ref, requestHash, err)
			return err
		}

		if err := s.store.CompleteIdempotency(ctx, tx, ref, requestHash, http.StatusOK, data, eventID); err != nil {
			return err
		}
		response = &Response{HTTPStatus: http.StatusOK, Data: data}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	if commandErr != nil {
		return nil, commandErr
	}
	return response, nil
}

// recordFailure persists a typed failure on the idempotency row so the row
// replays with identical code, message, and details. Untyped errors are
// infrastructure faults that may have left partial writes behind; those
// propagate as-is so the transaction rolls back unrecorded.
func (s *Service) recordFailure(ctx context.Context, tx Tx, ref IdempotencyRef, requestHash string, cause error) (*Error, error) {
	var typed *Error
	if !errors.As(cause, &typed) {
		return nil, cause
	}
	normalized := Normalize(cause)
	if normalized.StatusCode >= http.StatusInternalServerError {
		s.logger.Error("command failed",
			"account_id", ref.AccountID,
			"resource_id", ref.ResourceID,
			"route_template", ref.RouteTemplate,
			"code", normalized.Code,
			"error", cause,
		)
	}

	details := normalized.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	errorBody := map[string]interface{}{
		"message": normalized.Message,
		"details": details,
	}
	responseBody := map[string]interface{}{
		"ok": false,
		"error": map[string]interface{}{
			"code":    normalized.Code,
			"message": normalized.Message,
			"details": details,
		},
	}
	if err := s.store.FailIdempotency(ctx, tx, ref, requestHash, normalized.StatusCode, normalized.Code, errorBody, responseBody); err != nil {
		return nil, err
	}
	return normalized, nil
}
