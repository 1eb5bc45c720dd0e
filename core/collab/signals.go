package collab

import "time"

type SignalType int

const (
	SignalOperationApplied SignalType = iota
	SignalConflictDetected
)

var signalTypeNames = map[SignalType]string{
	SignalOperationApplied: "operation-applied",
	SignalConflictDetected: "conflict-detected",
}

func (t SignalType) String() string {
	if name, ok := signalTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Signal is an outbound notification for the transport layer. For
// operation-applied only Operation is set. For conflict-detected Operation is
// the incoming operation, Other the operation it collided with, and UserID the
// submitter.
type Signal struct {
	Type      SignalType
	Operation Operation
	Other     *Operation
	UserID    string
	Timestamp time.Time
}

func operationApplied(op Operation) Signal {
	return Signal{
		Type:      SignalOperationApplied,
		Operation: op,
		UserID:    op.UserID,
		Timestamp: time.Now(),
	}
}

func conflictDetected(op, other Operation, userID string) Signal {
	o := other
	return Signal{
		Type:      SignalConflictDetected,
		Operation: op,
		Other:     &o,
		UserID:    userID,
		Timestamp: time.Now(),
	}
}

// Outbox collects signals until the caller drains them. It is not safe for
// concurrent use; a Session guards its own outbox.
type Outbox struct {
	signals []Signal
}

func (o *Outbox) push(signals ...Signal) {
	o.signals = append(o.signals, signals...)
}

// Drain returns all pending signals in emission order and empties the outbox.
func (o *Outbox) Drain() []Signal {
	out := o.signals
	o.signals = nil
	return out
}

func (o *Outbox) Len() int {
	return len(o.signals)
}
