package ledger

import "fmt"

// Stable protocol error codes. Replay consumers and retry layers branch on
// these, never on message text.
const (
	CodeMissingHead      = "MISSING_HEAD"
	CodeMissingCommit    = "MISSING_COMMIT"
	CodeMissingEntry     = "MISSING_ENTRY"
	CodeCommitChainCycle = "COMMIT_CHAIN_CYCLE"
	CodeCommitIDMismatch = "COMMIT_ID_MISMATCH"
	CodeInvalidParent    = "INVALID_PARENT"
	CodeInvalidEntry     = "INVALID_ENTRY"
	CodeInvalidEntries   = "INVALID_ENTRIES"
	CodeInvalidCommit    = "INVALID_COMMIT"
	CodeInvalidLedger    = "INVALID_LEDGER"
	CodeDuplicateEntry   = "DUPLICATE_ENTRY"
	CodeDuplicateCommit  = "DUPLICATE_COMMIT"
)

// ProtocolError is a fatal structural failure: the container is corrupted,
// tampered with, or malformed. Never retried.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err is a ProtocolError carrying the given code.
func IsCode(err error, code string) bool {
	perr, ok := err.(*ProtocolError)
	return ok && perr.Code == code
}
