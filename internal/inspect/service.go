// Package inspect is the read-side HTTP surface: clients upload a ledger
// container and get back structural verification or registry explanations.
// Nothing here touches storage; every answer is derived from the uploaded
// container alone.
package inspect

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/concord-lab/concord-ledger/internal/core/epoch"
	"github.com/concord-lab/concord-ledger/internal/core/ledger"
	"github.com/concord-lab/concord-ledger/internal/registry/encryption"
	"github.com/concord-lab/concord-ledger/internal/registry/policy"
	"github.com/concord-lab/concord-ledger/internal/registry/replayer"
)

// Service answers ledger inspection queries.
type Service struct {
	replayer *replayer.Replayer
	policy   *policy.Policy
	logger   *slog.Logger
}

// NewService creates the inspection service.
func NewService(rep *replayer.Replayer, pol *policy.Policy, logger *slog.Logger) *Service {
	if rep == nil {
		panic("inspect: replayer must not be nil")
	}
	if pol == nil {
		pol = &policy.Policy{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{replayer: rep, policy: pol, logger: logger}
}

// VerifyReport bundles every verification pass over one container.
type VerifyReport struct {
	OK             bool          `json:"ok"`
	Structure      ledger.Result `json:"structure"`
	Epochs         *epoch.Result `json:"epochs"`
	EncryptionKeys *epoch.Result `json:"encryptionKeys"`
}

// Verify runs the structural walk, the epoch chain validation, and the
// encryption key id validation over the container. Findings accumulate
// rather than short-circuiting, so one report shows everything wrong. A
// commit chain too broken to walk surfaces as findings in the epoch passes
// instead of failing the whole report.
func (s *Service) Verify(container *ledger.Container, strictSpec bool) *VerifyReport {
	structure := ledger.Validate(container, ledger.ValidateOptions{StrictSpec: strictSpec})

	epochs, err := epoch.ValidateLedgerEpochs(container, nil)
	if err != nil {
		epochs = failureResult(err)
	}
	keyIDs, err := epoch.ValidateEncryptionKeyIDs(container)
	if err != nil {
		keyIDs = failureResult(err)
	}

	return &VerifyReport{
		OK:             structure.OK && epochs.OK && keyIDs.OK,
		Structure:      structure,
		Epochs:         epochs,
		EncryptionKeys: keyIDs,
	}
}

func failureResult(err error) *epoch.Result {
	finding := epoch.Finding{Code: ledger.CodeInvalidLedger, Message: err.Error()}
	var protocolErr *ledger.ProtocolError
	if errors.As(err, &protocolErr) {
		finding.Code = protocolErr.Code
	}
	return &epoch.Result{OK: false, Errors: []epoch.Finding{finding}}
}

// EffectiveCaps folds the registries at the container head and returns the
// principal's capability names in the scope, sorted. A zero `at` disables
// expiry filtering.
func (s *Service) EffectiveCaps(ctx context.Context, ledgerID string, container *ledger.Container, principalID, scope string, at time.Time) ([]string, error) {
	snapshot, err := s.replayer.Snapshot(ctx, ledgerID, container, container.Head)
	if err != nil {
		return nil, err
	}
	caps := snapshot.Permissions.EffectiveCaps(principalID, scope, at)
	names := make([]string, 0, len(caps))
	for capability, ok := range caps {
		if ok {
			names = append(names, string(capability))
		}
	}
	sort.Strings(names)
	return names, nil
}

// ExplainEncryption reports, per scope, whether the principal can decrypt at
// the scope's current epoch and which prerequisites are missing.
func (s *Service) ExplainEncryption(container *ledger.Container, principalID string) (map[string]encryption.Diagnostics, error) {
	return encryption.ExplainDecryptability(container, principalID, s.policy.RootAdmins)
}
