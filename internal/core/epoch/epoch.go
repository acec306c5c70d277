// Package epoch validates the key-rotation chain layered on top of the
// commit DAG. Epoch entries form their own singly-linked list in commit
// order; every link, id, and signer binding is checked independently of the
// generic structural validation in the ledger package.
package epoch

import (
	"regexp"
	"strings"
	"time"

	"github.com/concord-lab/concord-ledger/internal/core/canonical"
	"github.com/concord-lab/concord-ledger/internal/core/ledger"
)

// Tag is mixed into every epoch id derivation so epoch hashes can never
// collide with other canonical payloads.
const Tag = "concord-epoch@1.0"

// KindRotate is the entry kind carrying an epoch rotation.
const KindRotate = "epoch.rotate"

// Stable epoch validation error codes.
const (
	CodeGenesisMissing         = "EPOCH_GENESIS_MISSING"
	CodeGenesisMultiple        = "EPOCH_GENESIS_MULTIPLE"
	CodeChainBroken            = "EPOCH_CHAIN_BROKEN"
	CodePrevNullOutsideGenesis = "EPOCH_PREV_NULL_OUTSIDE_GENESIS"
	CodeIDMismatch             = "EPOCH_ID_MISMATCH"
	CodeSignerKeyIDMismatch    = "SIGNER_KEY_ID_MISMATCH"
	CodeTimestampAfterCommit   = "ENTRY_TIMESTAMP_AFTER_COMMIT"
	CodeCreatedAtMismatch      = "EPOCH_CREATED_AT_MISMATCH"
	CodeSignatureInvalid       = "EPOCH_ENTRY_SIGNATURE_INVALID"
	CodeUnknownEncryptionKey   = "EPOCH_UNKNOWN_ENCRYPTION_KEY"
)

// Finding is one epoch validation failure, pinned to the commit and entry
// that produced it.
type Finding struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	CommitID string `json:"commitId,omitempty"`
	EntryID  string `json:"entryId,omitempty"`
}

// Result aggregates epoch validation findings for one ledger.
type Result struct {
	OK bool `json:"ok"`
	// Errors are surfaced to the operator; epoch failures are fatal for the
	// ledger and never auto-repaired.
	Errors []Finding `json:"errors,omitempty"`
	// LegacyEpochPlacement reports an epoch chain that starts outside the
	// genesis commit, seen in containers written before rotation moved into
	// genesis.
	LegacyEpochPlacement bool `json:"legacyEpochPlacement,omitempty"`
}

// ChainItem is one epoch entry located in the commit chain.
type ChainItem struct {
	EntryID  string
	CommitID string
	Entry    ledger.Entry
}

// VerifySignature optionally checks an epoch entry's signature during
// validation. Signature primitives live behind the command layer's signing
// port, so validation takes the check as a capability.
type VerifySignature func(entry ledger.Entry) (bool, error)

var whitespace = regexp.MustCompile(`\s`)

// CanonicalizeIdentityKey strips all whitespace from a public identity key.
func CanonicalizeIdentityKey(key string) string {
	return whitespace.ReplaceAllString(key, "")
}

// CanonicalizeAgeRecipient normalizes line endings and trims an age
// recipient string.
func CanonicalizeAgeRecipient(recipient string) string {
	normalized := strings.ReplaceAll(recipient, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.TrimSpace(normalized)
}

// DeriveSignerKeyID derives the stable signer key id for a public identity key.
func DeriveSignerKeyID(publicIdentityKey string) string {
	return canonical.HashString(CanonicalizeIdentityKey(publicIdentityKey))
}

// Core carries the fields that an epoch id commits to.
type Core struct {
	SignerKeyID         string
	EncryptionPublicKey string
	PrevEpochID         *string
	CreatedAt           string
}

// DeriveEpochID deterministically derives an epoch id from its core.
func DeriveEpochID(core Core) (string, error) {
	var prev interface{}
	if core.PrevEpochID != nil {
		prev = *core.PrevEpochID
	}
	return canonical.Hash(map[string]interface{}{
		"tag":                 Tag,
		"createdAt":           core.CreatedAt,
		"encryptionPublicKey": CanonicalizeAgeRecipient(core.EncryptionPublicKey),
		"prevEpochId":         prev,
		"signerKeyId":         core.SignerKeyID,
	})
}

// Chain returns epoch entries in commit order.
func Chain(container *ledger.Container) ([]ChainItem, error) {
	chain, err := ledger.CommitChain(container)
	if err != nil {
		return nil, err
	}
	var epochs []ChainItem
	for _, commitID := range chain {
		commit := container.Commits[commitID]
		for _, entryID := range commit.Entries {
			entry, ok := container.Entries[entryID]
			if !ok || entry.Kind != KindRotate {
				continue
			}
			epochs = append(epochs, ChainItem{EntryID: entryID, CommitID: commitID, Entry: entry})
		}
	}
	return epochs, nil
}

// ActiveEpoch returns the newest epoch entry after validating the whole
// chain. A ledger with a broken epoch chain has no active epoch.
func ActiveEpoch(container *ledger.Container, verify VerifySignature) (*ChainItem, *Result, error) {
	result, err := ValidateLedgerEpochs(container, verify)
	if err != nil {
		return nil, nil, err
	}
	if !result.OK {
		return nil, result, nil
	}
	epochs, err := Chain(container)
	if err != nil {
		return nil, nil, err
	}
	if len(epochs) == 0 {
		return nil, &Result{OK: false, Errors: []Finding{{
			Code:    CodeGenesisMissing,
			Message: "ledger has no epoch entries",
		}}}, nil
	}
	newest := epochs[len(epochs)-1]
	return &newest, result, nil
}

func payloadMap(entry ledger.Entry) map[string]interface{} {
	payload, _ := entry.Payload.(map[string]interface{})
	return payload
}

func stringField(payload map[string]interface{}, key string) (string, bool) {
	value, ok := payload[key].(string)
	return value, ok
}

// prevEpochID distinguishes an explicit null from a missing or non-string
// field: (nil, true) means the payload declared prevEpochId: null.
func prevEpochID(payload map[string]interface{}) (*string, bool) {
	raw, present := payload["prevEpochId"]
	if !present {
		return nil, false
	}
	if raw == nil {
		return nil, true
	}
	if s, ok := raw.(string); ok {
		return &s, true
	}
	return nil, false
}

func entryAfterCommit(entryTimestamp, commitTimestamp string) bool {
	entryTime, err := time.Parse(time.RFC3339, entryTimestamp)
	if err != nil {
		return false
	}
	commitTime, err := time.Parse(time.RFC3339, commitTimestamp)
	if err != nil {
		return false
	}
	return entryTime.After(commitTime)
}

// ValidateLedgerEpochs walks epoch entries in commit order and enforces the
// rotation chain invariants: a single null-rooted genesis epoch, contiguous
// prevEpochId links, content-derived epoch ids, signer bindings, and entry
// timestamps never later than their containing commit.
func ValidateLedgerEpochs(container *ledger.Container, verify VerifySignature) (*Result, error) {
	chain, err := ledger.CommitChain(container)
	if err != nil {
		return nil, err
	}
	genesisID := chain[0]

	result := &Result{}
	addFinding := func(code, message, commitID, entryID string) {
		result.Errors = append(result.Errors, Finding{
			Code: code, Message: message, CommitID: commitID, EntryID: entryID,
		})
	}

	for _, commitID := range chain {
		commit := container.Commits[commitID]
		for _, entryID := range commit.Entries {
			entry, ok := container.Entries[entryID]
			if !ok {
				continue
			}
			if entryAfterCommit(entry.Timestamp, commit.Timestamp) {
				addFinding(CodeTimestampAfterCommit,
					"entry timestamp must be on or before its commit timestamp", commitID, entryID)
			}
		}
	}

	epochs, err := Chain(container)
	if err != nil {
		return nil, err
	}
	if len(epochs) == 0 {
		addFinding(CodeGenesisMissing, "ledger has no epoch entries", genesisID, "")
		result.OK = false
		return result, nil
	}

	var lastEpochID string
	genesisEpochs := 0
	for i, item := range epochs {
		payload := payloadMap(item.Entry)
		prev, prevPresent := prevEpochID(payload)

		if prevPresent && prev == nil {
			genesisEpochs++
			if i != 0 {
				addFinding(CodePrevNullOutsideGenesis,
					"epoch prevEpochId must not be null outside the genesis epoch",
					item.CommitID, item.EntryID)
			}
		}
		if i == 0 {
			if item.CommitID != genesisID {
				result.LegacyEpochPlacement = true
			}
			if !prevPresent || prev != nil {
				addFinding(CodeChainBroken,
					"genesis epoch must have prevEpochId null", item.CommitID, item.EntryID)
			}
		} else if lastEpochID != "" && (prev == nil || *prev != lastEpochID) {
			// An omitted or non-string prevEpochId on a non-genesis epoch is
			// as broken a link as a wrong one.
			addFinding(CodeChainBroken,
				"epoch prevEpochId must equal the previous epochId", item.CommitID, item.EntryID)
		}

		signerKeyID := DeriveSignerKeyID(item.Entry.Author)
		if claimed, _ := stringField(payload, "signerKeyId"); claimed != signerKeyID {
			addFinding(CodeSignerKeyIDMismatch,
				"epoch signerKeyId does not match author identity", item.CommitID, item.EntryID)
		}

		encryptionPublicKey, _ := stringField(payload, "encryptionPublicKey")
		createdAt, _ := stringField(payload, "createdAt")
		derivedEpochID, derr := DeriveEpochID(Core{
			SignerKeyID:         signerKeyID,
			EncryptionPublicKey: encryptionPublicKey,
			PrevEpochID:         prev,
			CreatedAt:           createdAt,
		})
		if derr != nil {
			return nil, derr
		}

		epochID, _ := stringField(payload, "epochId")
		if epochID != derivedEpochID {
			addFinding(CodeIDMismatch,
				"epochId does not match deterministic hash", item.CommitID, item.EntryID)
		}
		if keyID, _ := stringField(payload, "encryptionKeyId"); keyID != epochID {
			addFinding(CodeIDMismatch,
				"encryptionKeyId must equal epochId", item.CommitID, item.EntryID)
		}
		if createdAt != item.Entry.Timestamp {
			addFinding(CodeCreatedAtMismatch,
				"epoch createdAt must equal entry timestamp", item.CommitID, item.EntryID)
		}

		if verify != nil {
			ok, verr := verify(item.Entry)
			if verr != nil || !ok {
				addFinding(CodeSignatureInvalid,
					"epoch entry signature invalid", item.CommitID, item.EntryID)
			}
		}

		if epochID != "" {
			lastEpochID = epochID
		}
	}

	if genesisEpochs > 1 {
		addFinding(CodeGenesisMultiple,
			"epoch chain must have exactly one genesis epoch", genesisID, "")
	}
	if genesisEpochs == 0 {
		addFinding(CodeGenesisMissing,
			"no genesis epoch found with prevEpochId null", genesisID, "")
	}

	result.OK = len(result.Errors) == 0
	return result, nil
}

// requiresEncryptionKey reports whether a payload carries content that must
// reference an epoch key.
func requiresEncryptionKey(payload map[string]interface{}) bool {
	for _, key := range []string{"permissionId", "encrypted", "secret"} {
		if _, present := payload[key]; present {
			return true
		}
	}
	return false
}

// ValidateEncryptionKeyIDs cross-checks every payload carrying an
// encryptionKeyId against the set of epochs known at that point in the
// chain. A grant encrypted under a rotated-out key is rejected here.
func ValidateEncryptionKeyIDs(container *ledger.Container) (*Result, error) {
	chain, err := ledger.CommitChain(container)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	knownEpochIDs := make(map[string]struct{})

	for _, commitID := range chain {
		commit := container.Commits[commitID]
		for _, entryID := range commit.Entries {
			entry, ok := container.Entries[entryID]
			if !ok {
				continue
			}
			payload := payloadMap(entry)
			if payload == nil {
				continue
			}
			if entry.Kind == KindRotate {
				if epochID, ok := stringField(payload, "epochId"); ok {
					knownEpochIDs[epochID] = struct{}{}
				}
			}

			encryptionKeyID, hasKey := stringField(payload, "encryptionKeyId")
			if requiresEncryptionKey(payload) && (!hasKey || encryptionKeyID == "") {
				result.Errors = append(result.Errors, Finding{
					Code:     CodeUnknownEncryptionKey,
					Message:  "entry missing encryptionKeyId for encrypted payload",
					CommitID: commitID,
					EntryID:  entryID,
				})
				continue
			}
			if hasKey && encryptionKeyID != "" {
				if _, known := knownEpochIDs[encryptionKeyID]; !known {
					result.Errors = append(result.Errors, Finding{
						Code:     CodeUnknownEncryptionKey,
						Message:  "entry references unknown encryptionKeyId",
						CommitID: commitID,
						EntryID:  entryID,
					})
				}
			}
		}
	}

	result.OK = len(result.Errors) == 0
	return result, nil
}
