package command

import (
	"context"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/concord-lab/concord-ledger/internal/core/canonical"
)

type memData struct {
	idempotency map[IdempotencyRef]*IdempotencyRecord
	heads       map[string]LedgerHead
	receipts    []ReceiptRow
}

func (d *memData) clone() *memData {
	next := &memData{
		idempotency: make(map[IdempotencyRef]*IdempotencyRecord, len(d.idempotency)),
		heads:       make(map[string]LedgerHead, len(d.heads)),
		receipts:    append([]ReceiptRow(nil), d.receipts...),
	}
	for ref, record := range d.idempotency {
		copied := *record
		next.idempotency[ref] = &copied
	}
	for key, head := range d.heads {
		next.heads[key] = head
	}
	return next
}

// memStore is a transactional in-memory Store. Each transaction works on a
// clone that replaces the live data only on a nil return, mirroring
// commit/rollback.
type memStore struct {
	mu   sync.Mutex
	data *memData
	tx   *memData
}

func newMemStore() *memStore {
	return &memStore{data: &memData{
		idempotency: make(map[IdempotencyRef]*IdempotencyRecord),
		heads:       make(map[string]LedgerHead),
	}}
}

func headKey(accountID, resourceID string) string {
	return accountID + ":" + resourceID
}

func (s *memStore) WithCommandTransaction(ctx context.Context, accountID, resourceID string, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tx = s.data.clone()
	err := fn(s.tx)
	if err == nil {
		s.data = s.tx
	}
	s.tx = nil
	return err
}

func (s *memStore) GetIdempotencyForUpdate(ctx context.Context, tx Tx, ref IdempotencyRef) (*IdempotencyRecord, error) {
	record, ok := s.tx.idempotency[ref]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

func (s *memStore) CreateIdempotencyInProgress(ctx context.Context, tx Tx, ref IdempotencyRef, requestHash string, responseBody map[string]interface{}) error {
	s.tx.idempotency[ref] = &IdempotencyRecord{
		IdempotencyRef: ref,
		RequestHash:    requestHash,
		Status:         StatusInProgress,
		HTTPStatus:     http.StatusAccepted,
		ResponseBody:   responseBody,
		ExpiresAt:      time.Now().Add(2 * time.Minute),
	}
	return nil
}

func (s *memStore) RestartIdempotencyInProgress(ctx context.Context, tx Tx, ref IdempotencyRef, requestHash string, responseBody map[string]interface{}) error {
	return s.CreateIdempotencyInProgress(ctx, tx, ref, requestHash, responseBody)
}

func (s *memStore) CompleteIdempotency(ctx context.Context, tx Tx, ref IdempotencyRef, requestHash string, httpStatus int, responseBody map[string]interface{}, eventID string) error {
	s.tx.idempotency[ref] = &IdempotencyRecord{
		IdempotencyRef: ref,
		RequestHash:    requestHash,
		Status:         StatusSucceeded,
		HTTPStatus:     httpStatus,
		ResponseBody:   responseBody,
		EventID:        eventID,
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	return nil
}

func (s *memStore) FailIdempotency(ctx context.Context, tx Tx, ref IdempotencyRef, requestHash string, httpStatus int, errorCode string, errorBody, responseBody map[string]interface{}) error {
	s.tx.idempotency[ref] = &IdempotencyRecord{
		IdempotencyRef: ref,
		RequestHash:    requestHash,
		Status:         StatusFailed,
		HTTPStatus:     httpStatus,
		ResponseBody:   responseBody,
		ErrorCode:      errorCode,
		ErrorBody:      errorBody,
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	return nil
}

func (s *memStore) GetLedgerHead(ctx context.Context, tx Tx, accountID, resourceID string) (LedgerHead, error) {
	if head, ok := s.tx.heads[headKey(accountID, resourceID)]; ok {
		return head, nil
	}
	return LedgerHead{AccountID: accountID, ResourceID: resourceID}, nil
}

func (s *memStore) UpsertLedgerHead(ctx context.Context, tx Tx, head LedgerHead) error {
	s.tx.heads[headKey(head.AccountID, head.ResourceID)] = head
	return nil
}

func (s *memStore) InsertReceipt(ctx context.Context, tx Tx, row ReceiptRow) error {
	s.tx.receipts = append(s.tx.receipts, row)
	return nil
}

// committedHead reads outside any transaction.
func (s *memStore) committedHead(accountID, resourceID string) LedgerHead {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.heads[headKey(accountID, resourceID)]
}

func (s *memStore) committedReceiptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.receipts)
}

func (s *memStore) committedRecord(ref IdempotencyRef) *IdempotencyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.idempotency[ref]
}

func (s *memStore) seed(record *IdempotencyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.idempotency[record.IdempotencyRef] = record
}

type fakeSigner struct{}

func (fakeSigner) HashCanonical(value interface{}) (string, error) {
	return canonical.Hash(value)
}

func (fakeSigner) CanonicalBytes(value interface{}) ([]byte, error) {
	s, err := canonical.Marshal(value)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (fakeSigner) SignDigest(_ context.Context, keyRef, digestHex string) (Signature, error) {
	return Signature{Signature: "sig:" + keyRef + ":" + digestHex, Algorithm: "test"}, nil
}

func (fakeSigner) ValidateSignatureFormat(signature string) bool {
	return strings.HasPrefix(signature, "sig:")
}

type fakeResolver struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeResolver) ResolveForCommand(_ context.Context, accountID, requested string) (SigningIdentity, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	id := requested
	if id == "" {
		id = "sid_default"
	}
	return SigningIdentity{ID: id, PublicKeyID: "pk_" + id, KeyRef: "key_" + id}, nil
}

func newTestService(t *testing.T) (*Service, *memStore, *fakeResolver) {
	t.Helper()
	store := newMemStore()
	resolver := &fakeResolver{}
	writer := NewWriter(store, fakeSigner{})
	service := NewService(store, writer, resolver, slog.Default(), 2)
	return service, store, resolver
}

func createRequest(key string) CreateRequest {
	return CreateRequest{
		AccountID:      "acct_1",
		IdempotencyKey: key,
		Body:           CreateBody{OwnerID: "user_1", Name: "Ledger One"},
	}
}

func TestCreateResource_Succeeds(t *testing.T) {
	service, store, _ := newTestService(t)

	result, err := service.CreateResource(context.Background(), createRequest("idem-1"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, result.HTTPStatus)

	resourceID, ok := result.Data["resourceId"].(string)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(resourceID, "res_"))
	require.Len(t, resourceID, len("res_")+24)
	require.Equal(t, 1, result.Data["streamVersion"])
	require.Equal(t, 1, store.committedReceiptCount())

	head := store.committedHead("acct_1", resourceID)
	require.Equal(t, 1, head.StreamVersion)
	require.Equal(t, result.Data["hash"], head.LastHash)
	require.Equal(t, result.Data["eventId"], head.LastEventID)
}

func TestCreateResource_IdempotentReplay(t *testing.T) {
	service, store, resolver := newTestService(t)

	first, err := service.CreateResource(context.Background(), createRequest("idem-1"))
	require.NoError(t, err)
	second, err := service.CreateResource(context.Background(), createRequest("idem-1"))
	require.NoError(t, err)

	require.Equal(t, first.HTTPStatus, second.HTTPStatus)
	require.True(t, reflect.DeepEqual(first.Data, second.Data), "replay must return the identical cached response")
	require.Equal(t, 1, store.committedReceiptCount(), "side effect must execute exactly once")
	require.Equal(t, 1, resolver.calls)
}

func TestCreateResource_KeyReuseWithDifferentPayload(t *testing.T) {
	service, store, _ := newTestService(t)

	_, err := service.CreateResource(context.Background(), createRequest("idem-1"))
	require.NoError(t, err)

	reused := createRequest("idem-1")
	reused.Body.Name = "Different Name"
	_, err = service.CreateResource(context.Background(), reused)
	require.Error(t, err)
	var commandErr *Error
	require.ErrorAs(t, err, &commandErr)
	require.Equal(t, CodeIdempotencyConflict, commandErr.Code)
	require.Equal(t, http.StatusConflict, commandErr.StatusCode)
	require.Equal(t, 1, store.committedReceiptCount())
}

func TestCreateResource_InProgressReturns202(t *testing.T) {
	service, store, _ := newTestService(t)

	body := normalizeCreateBody(createRequest("idem-1").Body)
	requestHash, err := RequestHash(http.MethodPost, CreateRouteTemplate, "", "", body.hashable())
	require.NoError(t, err)
	store.seed(&IdempotencyRecord{
		IdempotencyRef: IdempotencyRef{
			AccountID:      "acct_1",
			RouteTemplate:  CreateRouteTemplate,
			ResourceID:     DeriveCreateResourceID(requestHash),
			IdempotencyKey: "idem-1",
		},
		RequestHash: requestHash,
		Status:      StatusInProgress,
		HTTPStatus:  http.StatusAccepted,
		ExpiresAt:   time.Now().Add(time.Minute),
	})

	result, err := service.CreateResource(context.Background(), createRequest("idem-1"))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, result.HTTPStatus)
	require.Equal(t, "in_progress", result.Data["status"])
	require.Equal(t, "idem-1", result.Data["idempotencyKey"])
	require.Equal(t, 2, result.Data["retryAfterSeconds"])
	require.Equal(t, 0, store.committedReceiptCount(), "active lease suppresses the side effect")
}

func TestCreateResource_ExpiredLeaseRestarts(t *testing.T) {
	service, store, _ := newTestService(t)

	body := normalizeCreateBody(createRequest("idem-1").Body)
	requestHash, err := RequestHash(http.MethodPost, CreateRouteTemplate, "", "", body.hashable())
	require.NoError(t, err)
	store.seed(&IdempotencyRecord{
		IdempotencyRef: IdempotencyRef{
			AccountID:      "acct_1",
			RouteTemplate:  CreateRouteTemplate,
			ResourceID:     DeriveCreateResourceID(requestHash),
			IdempotencyKey: "idem-1",
		},
		RequestHash: requestHash,
		Status:      StatusInProgress,
		HTTPStatus:  http.StatusAccepted,
		ExpiresAt:   time.Now().Add(-time.Minute),
	})

	result, err := service.CreateResource(context.Background(), createRequest("idem-1"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, result.HTTPStatus)
	require.Equal(t, 1, store.committedReceiptCount())
}

func TestCreateResource_ConcurrentCallersExecuteOnce(t *testing.T) {
	service, store, resolver := newTestService(t)

	const callers = 8
	results := make([]*Response, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = service.CreateResource(context.Background(), createRequest("idem-1"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.True(t, reflect.DeepEqual(results[0].Data, results[i].Data))
	}
	require.Equal(t, 1, store.committedReceiptCount())
	require.Equal(t, 1, resolver.calls)
}

func saveRequest(resourceID, key string, body SaveBody) SaveRequest {
	return SaveRequest{
		AccountID:      "acct_1",
		ResourceID:     resourceID,
		IdempotencyKey: key,
		Body:           body,
	}
}

func createdResource(t *testing.T, service *Service) (string, string) {
	t.Helper()
	result, err := service.CreateResource(context.Background(), createRequest("create-1"))
	require.NoError(t, err)
	return result.Data["resourceId"].(string), result.Data["hash"].(string)
}

func TestSaveSnapshot_AppendsChainedReceipt(t *testing.T) {
	service, store, _ := newTestService(t)
	resourceID, createHash := createdResource(t, service)

	result, err := service.SaveSnapshot(context.Background(), saveRequest(resourceID, "save-1", SaveBody{
		Snapshot:           map[string]interface{}{"format": "concord-ledger"},
		ExpectedLedgerHead: &createHash,
	}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, result.HTTPStatus)
	require.Equal(t, 2, result.Data["streamVersion"])
	require.Equal(t, createHash, result.Data["prevHash"], "receipts are hash-chained")

	head := store.committedHead("acct_1", resourceID)
	require.Equal(t, 2, head.StreamVersion)
	require.Equal(t, result.Data["hash"], head.LastHash)
}

func TestSaveSnapshot_StaleHeadConflictLeavesStreamUnmodified(t *testing.T) {
	service, store, _ := newTestService(t)
	resourceID, _ := createdResource(t, service)
	headBefore := store.committedHead("acct_1", resourceID)

	stale := "not-the-current-hash"
	_, err := service.SaveSnapshot(context.Background(), saveRequest(resourceID, "save-1", SaveBody{
		Snapshot:           map[string]interface{}{"format": "concord-ledger"},
		ExpectedLedgerHead: &stale,
	}))
	require.Error(t, err)
	var commandErr *Error
	require.ErrorAs(t, err, &commandErr)
	require.Equal(t, CodeSnapshotConflict, commandErr.Code)
	require.Equal(t, http.StatusConflict, commandErr.StatusCode)
	require.Equal(t, stale, commandErr.Details["expectedLedgerHead"])
	require.Equal(t, headBefore.LastHash, commandErr.Details["currentLedgerHead"])

	headAfter := store.committedHead("acct_1", resourceID)
	require.Equal(t, headBefore.StreamVersion, headAfter.StreamVersion, "conflicted write must not advance the stream")
	require.Equal(t, headBefore.LastHash, headAfter.LastHash)
}

func TestSaveSnapshot_ExpectedVersionConflict(t *testing.T) {
	service, _, _ := newTestService(t)
	resourceID, _ := createdResource(t, service)

	wrongVersion := 7
	_, err := service.SaveSnapshot(context.Background(), saveRequest(resourceID, "save-1", SaveBody{
		Snapshot:        map[string]interface{}{"format": "concord-ledger"},
		ExpectedVersion: &wrongVersion,
	}))
	var commandErr *Error
	require.ErrorAs(t, err, &commandErr)
	require.Equal(t, CodeSnapshotConflict, commandErr.Code)
	require.Equal(t, 7, commandErr.Details["expectedVersion"])
	require.Equal(t, 1, commandErr.Details["currentVersion"])
}

func TestSaveSnapshot_FailureReplaysIdentically(t *testing.T) {
	service, store, _ := newTestService(t)
	resourceID, _ := createdResource(t, service)

	stale := "stale-head"
	request := saveRequest(resourceID, "save-1", SaveBody{
		Snapshot:           map[string]interface{}{"format": "concord-ledger"},
		ExpectedLedgerHead: &stale,
	})

	_, firstErr := service.SaveSnapshot(context.Background(), request)
	require.Error(t, firstErr)
	_, secondErr := service.SaveSnapshot(context.Background(), request)
	require.Error(t, secondErr)

	var first, second *Error
	require.ErrorAs(t, firstErr, &first)
	require.ErrorAs(t, secondErr, &second)
	require.Equal(t, first.Code, second.Code)
	require.Equal(t, first.Message, second.Message)
	require.Equal(t, first.StatusCode, second.StatusCode)
	require.Equal(t, 1, store.committedReceiptCount(), "failed command is not re-executed")
}

func TestSaveSnapshot_UnknownResourceRejected(t *testing.T) {
	service, store, _ := newTestService(t)

	_, err := service.SaveSnapshot(context.Background(), saveRequest("res_never_created", "save-1", SaveBody{
		Snapshot: map[string]interface{}{"format": "concord-ledger"},
	}))
	var commandErr *Error
	require.ErrorAs(t, err, &commandErr)
	require.Equal(t, CodeResourceNotFound, commandErr.Code)
	require.Equal(t, http.StatusNotFound, commandErr.StatusCode)
	require.Equal(t, 0, store.committedReceiptCount())
}

func TestSaveSnapshot_MissingPayloadRejected(t *testing.T) {
	service, _, _ := newTestService(t)

	_, err := service.SaveSnapshot(context.Background(), saveRequest("res_x", "save-1", SaveBody{}))
	var commandErr *Error
	require.ErrorAs(t, err, &commandErr)
	require.Equal(t, CodePayloadRequired, commandErr.Code)
	require.Equal(t, http.StatusBadRequest, commandErr.StatusCode)
}

func TestRequestHash_Stability(t *testing.T) {
	body := map[string]interface{}{"b": 2, "a": 1}
	first, err := RequestHash("post", SaveRouteTemplate, "res_1", "sid_1", body)
	require.NoError(t, err)
	second, err := RequestHash("POST", SaveRouteTemplate, "res_1", "sid_1", map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	require.Equal(t, first, second)

	different, err := RequestHash("POST", SaveRouteTemplate, "res_2", "sid_1", body)
	require.NoError(t, err)
	require.NotEqual(t, first, different)
}
