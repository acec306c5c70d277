package command

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// Header names consumed by the command endpoints.
const (
	headerAccountID       = "X-Account-Id"
	headerIdempotencyKey  = "Idempotency-Key"
	headerSigningIdentity = "X-Signing-Identity-Id"
)

// RegisterRoutes registers the command service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/resources/commands/create", s.CreateHandler)
	r.POST("/v1/resources/:id/commands/save", s.SaveHandler)
}

type createWireBody struct {
	AccountID    string `json:"accountId"`
	OwnerID      string `json:"ownerId"`
	Name         string `json:"name"`
	CollectionID string `json:"collectionId"`
}

type saveWireBody struct {
	AccountID          string                 `json:"accountId"`
	Payload            map[string]interface{} `json:"payload"`
	LedgerHead         string                 `json:"ledgerHead"`
	ExpectedVersion    *int                   `json:"expectedVersion"`
	ExpectedLedgerHead *string                `json:"expectedLedgerHead"`
}

func accountIDFrom(c *gin.Context, bodyAccountID string) string {
	if header := strings.TrimSpace(c.GetHeader(headerAccountID)); header != "" {
		return header
	}
	if body := strings.TrimSpace(bodyAccountID); body != "" {
		return body
	}
	return strings.TrimSpace(c.Query("accountId"))
}

func idempotencyKeyFrom(c *gin.Context) (string, *Error) {
	key := strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
	if key == "" {
		return "", BadRequest("IDEMPOTENCY_KEY_REQUIRED", "Idempotency-Key header is required.")
	}
	return key, nil
}

// CreateHandler handles HTTP POST requests that create a resource.
func (s *Service) CreateHandler(c *gin.Context) {
	var body createWireBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, BadRequest("COMMAND_BODY_INVALID", "command body must be a JSON object."))
		return
	}
	accountID := accountIDFrom(c, body.AccountID)
	if accountID == "" {
		writeError(c, BadRequest("ACCOUNT_ID_REQUIRED", "accountId is required."))
		return
	}
	if strings.TrimSpace(body.OwnerID) == "" {
		writeError(c, BadRequest("OWNER_ID_REQUIRED", "ownerId is required."))
		return
	}
	idempotencyKey, badKey := idempotencyKeyFrom(c)
	if badKey != nil {
		writeError(c, badKey)
		return
	}

	result, err := s.CreateResource(c.Request.Context(), CreateRequest{
		AccountID:         accountID,
		IdempotencyKey:    idempotencyKey,
		SigningIdentityID: strings.TrimSpace(c.GetHeader(headerSigningIdentity)),
		Body: CreateBody{
			OwnerID:      body.OwnerID,
			Name:         body.Name,
			CollectionID: body.CollectionID,
		},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeResult(c, idempotencyKey, result, s.retryAfterSeconds)
}

// SaveHandler handles HTTP POST requests that append a snapshot receipt.
func (s *Service) SaveHandler(c *gin.Context) {
	resourceID := strings.TrimSpace(c.Param("id"))
	if resourceID == "" {
		writeError(c, BadRequest("RESOURCE_ID_REQUIRED", "resource id is required."))
		return
	}
	var body saveWireBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, BadRequest("COMMAND_BODY_INVALID", "command body must be a JSON object."))
		return
	}
	accountID := accountIDFrom(c, body.AccountID)
	if accountID == "" {
		writeError(c, BadRequest("ACCOUNT_ID_REQUIRED", "accountId is required."))
		return
	}
	idempotencyKey, badKey := idempotencyKeyFrom(c)
	if badKey != nil {
		writeError(c, badKey)
		return
	}

	result, err := s.SaveSnapshot(c.Request.Context(), SaveRequest{
		AccountID:         accountID,
		ResourceID:        resourceID,
		IdempotencyKey:    idempotencyKey,
		SigningIdentityID: strings.TrimSpace(c.GetHeader(headerSigningIdentity)),
		Body: SaveBody{
			Snapshot:           body.Payload,
			ClientLedgerHead:   body.LedgerHead,
			ExpectedVersion:    body.ExpectedVersion,
			ExpectedLedgerHead: body.ExpectedLedgerHead,
		},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeResult(c, idempotencyKey, result, s.retryAfterSeconds)
}

func writeResult(c *gin.Context, idempotencyKey string, result *Response, retryAfterSeconds int) {
	if result.HTTPStatus == http.StatusAccepted {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		c.Header(headerIdempotencyKey, idempotencyKey)
	}
	c.JSON(result.HTTPStatus, gin.H{"ok": true, "data": result.Data})
}

func writeError(c *gin.Context, err error) {
	normalized := Normalize(err)
	c.JSON(normalized.StatusCode, gin.H{
		"ok": false,
		"error": gin.H{
			"code":    normalized.Code,
			"message": normalized.Message,
			"details": normalized.Details,
		},
	})
}
