package command

import (
	"strings"

	"github.com/concord-lab/concord-ledger/internal/core/canonical"
)

// RequestHash fingerprints the semantic request. The same retry hashes the
// same; reusing an idempotency key with a different payload hashes
// differently and is rejected as key reuse, not silently re-executed.
func RequestHash(method, routeTemplate, resourceID, signingIdentityID string, body interface{}) (string, error) {
	if body == nil {
		body = map[string]interface{}{}
	}
	return canonical.Hash(map[string]interface{}{
		"method":            strings.ToUpper(strings.TrimSpace(method)),
		"routeTemplate":     strings.TrimSpace(routeTemplate),
		"resourceId":        nullableTrim(resourceID),
		"signingIdentityId": nullableTrim(signingIdentityID),
		"body":              body,
	})
}

func nullableTrim(value string) interface{} {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

// DeriveCreateResourceID derives a stable resource id from the request
// hash, so retried creates converge on the same resource.
func DeriveCreateResourceID(requestHash string) string {
	normalized := strings.ToLower(strings.TrimSpace(requestHash))
	if len(normalized) > 24 {
		normalized = normalized[:24]
	}
	return "res_" + normalized
}
