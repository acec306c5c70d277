// Package ownership derives current-holder state for assets from per-asset
// transfer chains. Transfers link by prevTransferHash: each transfer names
// the entry id of the transfer it extends, with nil marking the chain root.
package ownership

import "strings"

// Asset status values.
const (
	StatusOwned      = "owned"
	StatusReceived   = "received"
	StatusSent       = "sent"
	StatusUnowned    = "unowned"
	StatusConflicted = "conflicted"
)

// TransferData is the payload of one transfer entry.
type TransferData struct {
	AssetID          string  `json:"assetId"`
	ToPrincipal      string  `json:"toPrincipal"`
	PrevTransferHash *string `json:"prevTransferHash"`
}

// TransferEntry is one transfer in an asset's chain.
type TransferEntry struct {
	EntryID string       `json:"entryId"`
	Author  string       `json:"author"`
	Data    TransferData `json:"data"`
}

// AssetRecord names one asset to resolve.
type AssetRecord struct {
	AssetID string `json:"assetId"`
}

// Resolution is the derived state of one asset.
type Resolution struct {
	AssetID      string         `json:"assetId"`
	Owner        string         `json:"owner"`
	Status       string         `json:"status"`
	Conflict     bool           `json:"conflict"`
	LastTransfer *TransferEntry `json:"lastTransfer,omitempty"`
}

// Input bundles everything Resolve needs.
type Input struct {
	Records       []AssetRecord
	Transfers     []TransferEntry
	DefaultOwners map[string]string
	CurrentKey    string
}

// NormalizeKey strips PEM armor from an identity key so authors and
// recipients compare by raw key material.
func NormalizeKey(key string) string {
	if key == "" {
		return ""
	}
	key = strings.Replace(key, "-----BEGIN PUBLIC KEY-----\n", "", 1)
	key = strings.Replace(key, "\n-----END PUBLIC KEY-----", "", 1)
	return key
}

// Resolve walks each asset's transfer chain from the nil root. Two transfers
// extending the same predecessor, a cycle, or a chain with no root are all
// forks: the asset is reported conflicted rather than picking a winner.
func Resolve(input Input) map[string]Resolution {
	currentKey := NormalizeKey(input.CurrentKey)

	byAsset := make(map[string][]TransferEntry)
	for _, transfer := range input.Transfers {
		assetID := transfer.Data.AssetID
		if assetID == "" {
			continue
		}
		normalized := transfer
		normalized.Author = NormalizeKey(transfer.Author)
		normalized.Data.ToPrincipal = NormalizeKey(transfer.Data.ToPrincipal)
		byAsset[assetID] = append(byAsset[assetID], normalized)
	}

	result := make(map[string]Resolution, len(input.Records))
	for _, record := range input.Records {
		result[record.AssetID] = resolveAsset(record.AssetID, byAsset[record.AssetID], input.DefaultOwners, currentKey)
	}
	return result
}

func resolveAsset(assetID string, transfers []TransferEntry, defaultOwners map[string]string, currentKey string) Resolution {
	const root = ""

	byPrev := make(map[string][]TransferEntry)
	for _, transfer := range transfers {
		prev := root
		if transfer.Data.PrevTransferHash != nil {
			prev = *transfer.Data.PrevTransferHash
		}
		byPrev[prev] = append(byPrev[prev], transfer)
	}

	conflict := false
	for _, siblings := range byPrev {
		if len(siblings) > 1 {
			conflict = true
			break
		}
	}

	owner := NormalizeKey(defaultOwners[assetID])
	if owner == "" {
		owner = currentKey
	}
	var lastTransfer *TransferEntry

	if !conflict && len(transfers) > 0 {
		if _, hasRoot := byPrev[root]; !hasRoot {
			conflict = true
		} else {
			visited := make(map[string]struct{})
			cursor := root
			for {
				siblings, ok := byPrev[cursor]
				if !ok {
					break
				}
				if _, seen := visited[cursor]; seen {
					conflict = true
					break
				}
				visited[cursor] = struct{}{}
				next := siblings[0]
				lastTransfer = &next
				owner = next.Data.ToPrincipal
				cursor = next.EntryID
			}
		}
	}

	status := StatusUnowned
	switch {
	case conflict:
		status = StatusConflicted
	case owner != "" && owner == currentKey:
		if lastTransfer != nil && lastTransfer.Author != currentKey {
			status = StatusReceived
		} else {
			status = StatusOwned
		}
	case owner != "" && owner != currentKey && authoredAny(transfers, currentKey):
		status = StatusSent
	}

	return Resolution{
		AssetID:      assetID,
		Owner:        owner,
		Status:       status,
		Conflict:     conflict,
		LastTransfer: lastTransfer,
	}
}

func authoredAny(transfers []TransferEntry, key string) bool {
	for _, transfer := range transfers {
		if transfer.Author == key {
			return true
		}
	}
	return false
}
