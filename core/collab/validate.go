package collab

import "time"

// Validate checks the mandatory fields of op and fills the defaults that may
// be absent on submission. currentVersion is the ledger version before the
// operation is applied.
func Validate(op Operation, currentVersion uint64) (Operation, error) {
	if op.ID == "" {
		return Operation{}, &ValidationError{Field: "id", Err: ErrMissingField}
	}
	if op.Kind == "" {
		return Operation{}, &ValidationError{OperationID: op.ID, Field: "kind", Err: ErrMissingField}
	}
	if !op.Kind.Valid() {
		return Operation{}, &ValidationError{OperationID: op.ID, Field: "kind", Err: ErrUnknownKind}
	}
	if op.UserID == "" {
		return Operation{}, &ValidationError{OperationID: op.ID, Field: "user_id", Err: ErrMissingField}
	}

	out := op.Clone()
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}
	if out.Version == 0 {
		out.Version = currentVersion
	}
	if out.Payload == nil {
		out.Payload = emptyPayload(out.Kind)
	}
	return out, nil
}
