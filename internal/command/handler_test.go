package command

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*gin.Engine, *memStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	service, store, _ := newTestService(t)
	router := gin.New()
	service.RegisterRoutes(router)
	return router, store
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, headers map[string]string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func decodeEnvelope(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	return envelope
}

func commandHeaders(key string) map[string]string {
	return map[string]string{
		headerAccountID:      "acct_1",
		headerIdempotencyKey: key,
	}
}

func TestCreateHandler_Success(t *testing.T) {
	router, _ := newTestRouter(t)

	recorder := doJSON(t, router, http.MethodPost, "/v1/resources/commands/create",
		commandHeaders("idem-1"),
		map[string]interface{}{"ownerId": "user_1", "name": "Ledger One"})

	require.Equal(t, http.StatusOK, recorder.Code)
	envelope := decodeEnvelope(t, recorder)
	require.Equal(t, true, envelope["ok"])
	data, ok := envelope["data"].(map[string]interface{})
	require.True(t, ok)
	require.Contains(t, data, "resourceId")
	require.Contains(t, data, "eventId")
	require.Contains(t, data, "hash")
}

func TestCreateHandler_RequiresIdempotencyKey(t *testing.T) {
	router, _ := newTestRouter(t)

	recorder := doJSON(t, router, http.MethodPost, "/v1/resources/commands/create",
		map[string]string{headerAccountID: "acct_1"},
		map[string]interface{}{"ownerId": "user_1"})

	require.Equal(t, http.StatusBadRequest, recorder.Code)
	envelope := decodeEnvelope(t, recorder)
	require.Equal(t, false, envelope["ok"])
	wireError := envelope["error"].(map[string]interface{})
	require.Equal(t, "IDEMPOTENCY_KEY_REQUIRED", wireError["code"])
}

func TestCreateHandler_RequiresOwner(t *testing.T) {
	router, _ := newTestRouter(t)

	recorder := doJSON(t, router, http.MethodPost, "/v1/resources/commands/create",
		commandHeaders("idem-1"),
		map[string]interface{}{"name": "Ledger One"})

	require.Equal(t, http.StatusBadRequest, recorder.Code)
	wireError := decodeEnvelope(t, recorder)["error"].(map[string]interface{})
	require.Equal(t, "OWNER_ID_REQUIRED", wireError["code"])
}

func TestCreateHandler_AccountFromBodyFallback(t *testing.T) {
	router, _ := newTestRouter(t)

	recorder := doJSON(t, router, http.MethodPost, "/v1/resources/commands/create",
		map[string]string{headerIdempotencyKey: "idem-1"},
		map[string]interface{}{"accountId": "acct_body", "ownerId": "user_1"})

	require.Equal(t, http.StatusOK, recorder.Code)
}

func TestSaveHandler_ConflictEnvelope(t *testing.T) {
	router, _ := newTestRouter(t)

	created := doJSON(t, router, http.MethodPost, "/v1/resources/commands/create",
		commandHeaders("create-1"),
		map[string]interface{}{"ownerId": "user_1"})
	require.Equal(t, http.StatusOK, created.Code)
	data := decodeEnvelope(t, created)["data"].(map[string]interface{})
	resourceID := data["resourceId"].(string)

	recorder := doJSON(t, router, http.MethodPost, "/v1/resources/"+resourceID+"/commands/save",
		commandHeaders("save-1"),
		map[string]interface{}{
			"payload":            map[string]interface{}{"format": "concord-ledger"},
			"expectedLedgerHead": "stale-hash",
		})

	require.Equal(t, http.StatusConflict, recorder.Code)
	envelope := decodeEnvelope(t, recorder)
	require.Equal(t, false, envelope["ok"])
	wireError := envelope["error"].(map[string]interface{})
	require.Equal(t, CodeSnapshotConflict, wireError["code"])
	details := wireError["details"].(map[string]interface{})
	require.Equal(t, "stale-hash", details["expectedLedgerHead"])
	require.Equal(t, data["hash"], details["currentLedgerHead"])
}

func TestSaveHandler_InProgressSetsRetryHeaders(t *testing.T) {
	router, store := newTestRouter(t)

	created := doJSON(t, router, http.MethodPost, "/v1/resources/commands/create",
		commandHeaders("create-1"),
		map[string]interface{}{"ownerId": "user_1"})
	data := decodeEnvelope(t, created)["data"].(map[string]interface{})
	resourceID := data["resourceId"].(string)

	body := SaveBody{Snapshot: map[string]interface{}{"format": "concord-ledger"}}
	normalized, err := normalizeSaveBody(body)
	require.NoError(t, err)
	requestHash, err := RequestHash(http.MethodPost, SaveRouteTemplate, resourceID, "", normalized.hashable())
	require.NoError(t, err)
	store.seed(&IdempotencyRecord{
		IdempotencyRef: IdempotencyRef{
			AccountID:      "acct_1",
			RouteTemplate:  SaveRouteTemplate,
			ResourceID:     resourceID,
			IdempotencyKey: "save-1",
		},
		RequestHash: requestHash,
		Status:      StatusInProgress,
		HTTPStatus:  http.StatusAccepted,
		ExpiresAt:   time.Now().Add(time.Minute),
	})

	recorder := doJSON(t, router, http.MethodPost, "/v1/resources/"+resourceID+"/commands/save",
		commandHeaders("save-1"),
		map[string]interface{}{"payload": map[string]interface{}{"format": "concord-ledger"}})

	require.Equal(t, http.StatusAccepted, recorder.Code)
	require.Equal(t, "2", recorder.Header().Get("Retry-After"))
	require.Equal(t, "save-1", recorder.Header().Get(headerIdempotencyKey))
	envelope := decodeEnvelope(t, recorder)
	require.Equal(t, "in_progress", envelope["data"].(map[string]interface{})["status"])
}
