package collab

import (
	"errors"
	"fmt"
)

var (
	ErrMissingField           = errors.New("missing required field")
	ErrUnknownKind            = errors.New("unknown operation kind")
	ErrUnknownStrategy        = errors.New("unknown resolution strategy")
	ErrUnknownChoice          = errors.New("manual choice does not match a conflicting operation")
	ErrInverseConstructionGap = errors.New("inverse has no recorded old value")
	ErrNilConflict            = errors.New("nil conflict")
	ErrSessionClosed          = errors.New("session is closed")
	ErrStoreClosed            = errors.New("session store is closed")
	ErrJournalCorrupted       = errors.New("journal entry corrupted")
	ErrJournalClosed          = errors.New("journal is closed")
)

// ValidationError reports an operation rejected before it reached the ledger.
type ValidationError struct {
	OperationID string
	Field       string
	Err         error
}

func (e *ValidationError) Error() string {
	if e.OperationID == "" {
		return fmt.Sprintf("invalid operation: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid operation %s: %s: %v", e.OperationID, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
