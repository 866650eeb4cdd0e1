package orchestrator

import (
	"github.com/billbatista/acasinha-ledger/extraction"
	"github.com/billbatista/acasinha-ledger/session"
	"github.com/google/uuid"
)

// Where a conversation.failed event came from.
const (
	failureExtraction = "extraction"
	failureValidation = "validation"
	failureCommit     = "commit"
	failureSession    = "session"
	failureQuery      = "query"
)

// FailureEvent is recorded whenever a member gets an error reply, so failed
// inputs can be replayed later.
type FailureEvent struct {
	RawInputID uuid.UUID     `json:"raw_input_id"`
	Input      string        `json:"input,omitempty"`
	Source     string        `json:"source"`
	Reply      string        `json:"reply,omitempty"`
	State      session.State `json:"state,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// ExtractionCall accounts for one extraction attempt. Usage says which
// extractor answered and how many tokens it spent.
type ExtractionCall struct {
	Attempt    int              `json:"attempt"`
	Result     string           `json:"result"`
	DurationMS int64            `json:"duration_ms"`
	Usage      extraction.Usage `json:"usage"`
	Error      string           `json:"error,omitempty"`
}
