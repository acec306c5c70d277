package ledger

import (
	"bytes"
	"encoding/json"
)

// Pack serializes a container for the persistence boundary. Payloads are
// decoded with json.Number on the way back in, so Unpack(Pack(x)) preserves
// entry and commit ids bit-for-bit.
func Pack(container *Container) ([]byte, error) {
	return json.Marshal(container)
}

// Unpack decodes a container produced by Pack. The shape is checked only to
// the degree needed to index commits and entries; run Validate for the full
// structural check.
func Unpack(data []byte) (*Container, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var container Container
	if err := dec.Decode(&container); err != nil {
		return nil, newError(CodeInvalidLedger, "cannot decode ledger container: %v", err)
	}
	if container.Commits == nil {
		container.Commits = make(map[string]Commit)
	}
	if container.Entries == nil {
		container.Entries = make(map[string]Entry)
	}
	return &container, nil
}
