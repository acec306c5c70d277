package inspect

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/concord-lab/concord-ledger/internal/command"
	"github.com/concord-lab/concord-ledger/internal/core/ledger"
	"github.com/concord-lab/concord-ledger/internal/registry/encryption"
	"github.com/concord-lab/concord-ledger/internal/registry/identity"
	"github.com/concord-lab/concord-ledger/internal/registry/permission"
)

// RegisterRoutes registers the inspection routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/ledgers/verify", s.VerifyHandler)
	r.POST("/v1/ledgers/permissions/effective", s.EffectivePermissionsHandler)
	r.POST("/v1/ledgers/encryption/explain", s.ExplainEncryptionHandler)
}

type verifyWireBody struct {
	Ledger     json.RawMessage `json:"ledger"`
	StrictSpec bool            `json:"strictSpec"`
}

type effectiveWireBody struct {
	Ledger      json.RawMessage `json:"ledger"`
	LedgerID    string          `json:"ledgerId"`
	PrincipalID string          `json:"principalId"`
	Scope       string          `json:"scope"`
	At          string          `json:"at"`
}

type explainWireBody struct {
	Ledger      json.RawMessage `json:"ledger"`
	PrincipalID string          `json:"principalId"`
}

func parseLedger(raw json.RawMessage) (*ledger.Container, *command.Error) {
	if len(raw) == 0 {
		return nil, command.BadRequest("LEDGER_REQUIRED", "request body must include a ledger container.")
	}
	container, err := ledger.Unpack(raw)
	if err != nil {
		return nil, command.BadRequest("LEDGER_INVALID", err.Error())
	}
	return container, nil
}

// VerifyHandler handles HTTP POST requests that verify an uploaded ledger.
func (s *Service) VerifyHandler(c *gin.Context) {
	var body verifyWireBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, command.BadRequest("INSPECT_BODY_INVALID", "request body must be a JSON object."))
		return
	}
	container, badLedger := parseLedger(body.Ledger)
	if badLedger != nil {
		writeError(c, badLedger)
		return
	}

	report := s.Verify(container, body.StrictSpec)
	if !report.OK {
		s.logger.Info("ledger verification found problems",
			"structure_ok", report.Structure.OK,
			"epochs_ok", report.Epochs.OK,
			"encryption_keys_ok", report.EncryptionKeys.OK,
		)
	}
	writeData(c, report)
}

// EffectivePermissionsHandler resolves a principal's capabilities in a scope.
func (s *Service) EffectivePermissionsHandler(c *gin.Context) {
	var body effectiveWireBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, command.BadRequest("INSPECT_BODY_INVALID", "request body must be a JSON object."))
		return
	}
	container, badLedger := parseLedger(body.Ledger)
	if badLedger != nil {
		writeError(c, badLedger)
		return
	}
	principalID := strings.TrimSpace(body.PrincipalID)
	if principalID == "" {
		writeError(c, command.BadRequest("PRINCIPAL_ID_REQUIRED", "principalId is required."))
		return
	}
	scope := strings.TrimSpace(body.Scope)
	if scope == "" {
		writeError(c, command.BadRequest("SCOPE_REQUIRED", "scope is required."))
		return
	}
	if !s.policy.KnownScope(scope) {
		writeError(c, command.BadRequest("SCOPE_UNKNOWN", "scope is not declared in the permission policy."))
		return
	}

	var at time.Time
	if raw := strings.TrimSpace(body.At); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, command.BadRequest("AT_INVALID", "at must be an RFC 3339 timestamp."))
			return
		}
		at = parsed
	}

	ledgerID := strings.TrimSpace(body.LedgerID)
	if ledgerID == "" {
		ledgerID = container.Head
	}
	caps, err := s.EffectiveCaps(c.Request.Context(), ledgerID, container, principalID, scope, at)
	if err != nil {
		writeError(c, registryError(err))
		return
	}
	writeData(c, gin.H{
		"principalId": principalID,
		"scope":       scope,
		"caps":        caps,
	})
}

// ExplainEncryptionHandler reports per-scope decryptability for a principal.
func (s *Service) ExplainEncryptionHandler(c *gin.Context) {
	var body explainWireBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, command.BadRequest("INSPECT_BODY_INVALID", "request body must be a JSON object."))
		return
	}
	container, badLedger := parseLedger(body.Ledger)
	if badLedger != nil {
		writeError(c, badLedger)
		return
	}
	principalID := strings.TrimSpace(body.PrincipalID)
	if principalID == "" {
		writeError(c, command.BadRequest("PRINCIPAL_ID_REQUIRED", "principalId is required."))
		return
	}

	diagnostics, err := s.ExplainEncryption(container, principalID)
	if err != nil {
		writeError(c, registryError(err))
		return
	}
	writeData(c, gin.H{
		"principalId": principalID,
		"scopes":      diagnostics,
	})
}

func writeData(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": data})
}

// registryError lifts a replay failure into the HTTP envelope. A replay
// failure means the uploaded ledger itself violates a registry invariant,
// so it is the client's data, not a server fault.
func registryError(err error) error {
	var identityErr *identity.Error
	if errors.As(err, &identityErr) {
		return command.NewError(http.StatusUnprocessableEntity, identityErr.Code, identityErr.Message)
	}
	var permissionErr *permission.Error
	if errors.As(err, &permissionErr) {
		return command.NewError(http.StatusUnprocessableEntity, permissionErr.Code, permissionErr.Message)
	}
	var encryptionErr *encryption.Error
	if errors.As(err, &encryptionErr) {
		return command.NewError(http.StatusUnprocessableEntity, encryptionErr.Code, encryptionErr.Message)
	}
	return err
}

func writeError(c *gin.Context, err error) {
	normalized := command.Normalize(err)
	c.JSON(normalized.StatusCode, gin.H{
		"ok": false,
		"error": gin.H{
			"code":    normalized.Code,
			"message": normalized.Message,
			"details": normalized.Details,
		},
	})
}
