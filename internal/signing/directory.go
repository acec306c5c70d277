package signing

import (
	"context"
	"strings"

	"github.com/concord-lab/concord-ledger/internal/command"
)

// Identity is a signing identity bound to an account.
type Identity struct {
	ID           string
	AccountID    string
	KeyRef       string
	PublicKeyPEM string
	PublicKeyID  string
	Status       string
}

// IdentityStore persists signing identities.
type IdentityStore interface {
	ListActiveByAccount(ctx context.Context, accountID string) ([]Identity, error)
	InsertIdentity(ctx context.Context, identity Identity) error
}

// KeyProvisioner exposes public key material for a key reference. LocalSigner
// satisfies it.
type KeyProvisioner interface {
	ResolveKeyMetadata(keyRef string) (KeyMetadata, error)
}

// Directory resolves the signing identity for a command. When an account has
// no identity and a fallback key reference is configured, one is provisioned
// on first use.
type Directory struct {
	store          IdentityStore
	keys           KeyProvisioner
	fallbackKeyRef string
	newID          func() string
}

// NewDirectory creates the identity directory. newID mints identity ids.
func NewDirectory(store IdentityStore, keys KeyProvisioner, fallbackKeyRef string, newID func() string) *Directory {
	if store == nil {
		panic("signing: identity store must not be nil")
	}
	if keys == nil {
		panic("signing: key provisioner must not be nil")
	}
	if newID == nil {
		panic("signing: id generator must not be nil")
	}
	return &Directory{
		store:          store,
		keys:           keys,
		fallbackKeyRef: strings.TrimSpace(fallbackKeyRef),
		newID:          newID,
	}
}

// ResolveForCommand picks the identity a command signs with: the requested
// one when given, the single active identity otherwise. Multiple active
// identities require an explicit request.
func (d *Directory) ResolveForCommand(ctx context.Context, accountID, requestedSigningIdentityID string) (command.SigningIdentity, error) {
	normalizedAccountID := strings.TrimSpace(accountID)
	requestedID := strings.TrimSpace(requestedSigningIdentityID)
	if normalizedAccountID == "" {
		return command.SigningIdentity{}, command.NotFound("ACCOUNT_NOT_FOUND", "Account is required.")
	}

	active, err := d.store.ListActiveByAccount(ctx, normalizedAccountID)
	if err != nil {
		return command.SigningIdentity{}, err
	}
	if requestedID != "" {
		for _, identity := range active {
			if identity.ID == requestedID {
				return toCommandIdentity(identity), nil
			}
		}
		return command.SigningIdentity{}, command.NotFound(
			"SIGNING_IDENTITY_NOT_FOUND",
			"Requested signing identity was not found for account.",
		)
	}
	if len(active) == 1 {
		return toCommandIdentity(active[0]), nil
	}
	if len(active) > 1 {
		return command.SigningIdentity{}, command.BadRequest(
			"SIGNING_IDENTITY_REQUIRED",
			"X-Signing-Identity-Id is required when account has multiple signing identities.",
		)
	}

	if d.fallbackKeyRef == "" {
		return command.SigningIdentity{}, command.NotFound(
			"SIGNING_IDENTITY_NOT_FOUND",
			"No signing identity is configured for this account.",
		)
	}
	metadata, err := d.keys.ResolveKeyMetadata(d.fallbackKeyRef)
	if err != nil {
		return command.SigningIdentity{}, err
	}
	identity := Identity{
		ID:           d.newID(),
		AccountID:    normalizedAccountID,
		KeyRef:       metadata.KeyRef,
		PublicKeyPEM: metadata.PublicKeyPEM,
		PublicKeyID:  metadata.PublicKeyID,
		Status:       "active",
	}
	if err := d.store.InsertIdentity(ctx, identity); err != nil {
		return command.SigningIdentity{}, err
	}
	return toCommandIdentity(identity), nil
}

func toCommandIdentity(identity Identity) command.SigningIdentity {
	return command.SigningIdentity{
		ID:          identity.ID,
		PublicKeyID: identity.PublicKeyID,
		KeyRef:      identity.KeyRef,
	}
}
