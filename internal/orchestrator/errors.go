package orchestrator

import "errors"

var (
	// ErrInstanceNotFound is returned when the instance does not exist.
	ErrInstanceNotFound = errors.New("orchestrator: instance not found")
	// ErrInstanceNotActive is returned when an operation needs a live connection.
	ErrInstanceNotActive = errors.New("orchestrator: instance not active")
	// ErrContactNotFound is returned when the contact does not exist or
	// belongs to another instance.
	ErrContactNotFound = errors.New("orchestrator: contact not found")
	// ErrSendFailed is returned when the network rejected an outbound message.
	ErrSendFailed = errors.New("orchestrator: send failed")
	// ErrPersistenceFailed is returned when a store write failed. After a
	// send it means delivery is ambiguous: the network may have accepted the
	// message.
	ErrPersistenceFailed = errors.New("orchestrator: persistence failed")
)

// IngestOutcome is the result of processing one inbound message.
type IngestOutcome int

const (
	// Ingested means a new message was persisted and broadcast.
	Ingested IngestOutcome = iota
	// DuplicateIngestion means the message was already stored; nothing was
	// written or broadcast.
	DuplicateIngestion
	// SkippedSelf means the message was sent by the instance's own account.
	SkippedSelf
	// IngestFailed means a store error dropped the message.
	IngestFailed
)

func (o IngestOutcome) String() string {
	switch o {
	case Ingested:
		return "ingested"
	case DuplicateIngestion:
		return "duplicate"
	case SkippedSelf:
		return "self"
	case IngestFailed:
		return "failed"
	default:
		return "unknown"
	}
}
