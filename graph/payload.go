package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/payloadregistry"

	"github.com/c360studio/semintent/audit"
)

// RegisterPayloads adds the graph payloads to reg so envelopes published by
// the Exporter decode back into typed entities.
func RegisterPayloads(reg *payloadregistry.Registry) error {
	return reg.Register(&payloadregistry.Registration{
		Domain:      AuditEntityType.Domain,
		Category:    AuditEntityType.Category,
		Version:     AuditEntityType.Version,
		Description: "Finalized audit log exported as graph triples",
		Factory:     func() any { return &AuditEntity{} },
	})
}

// AuditEntityType is the message type of an exported audit log.
var AuditEntityType = message.Type{Domain: "semintent", Category: "audit_log", Version: "v1"}

// AuditEntity is a finalized audit log as a graph entity.
type AuditEntity struct {
	ID         string              `json:"id"`
	LogID      string              `json:"audit_log_id"`
	Outcome    audit.OutcomeStatus `json:"outcome"`
	TripleData []message.Triple    `json:"triples"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// NewAuditEntity describes a finalized log.
func NewAuditEntity(log *audit.AuditLog, now time.Time) *AuditEntity {
	e := &AuditEntity{
		ID:         AuditLogEntityID(log.ID),
		LogID:      log.ID,
		TripleData: AuditTriples(log, now),
		UpdatedAt:  now,
	}
	if log.FinalOutcome != nil {
		e.Outcome = log.FinalOutcome.Status
	}
	return e
}

func (e *AuditEntity) EntityID() string          { return e.ID }
func (e *AuditEntity) Triples() []message.Triple { return e.TripleData }
func (e *AuditEntity) Schema() message.Type      { return AuditEntityType }

// Validate checks that every triple describes this log and that the intent
// and outcome are present.
func (e *AuditEntity) Validate() error {
	if e.LogID == "" {
		return errors.New("audit log ID is required")
	}
	if e.ID != AuditLogEntityID(e.LogID) {
		return fmt.Errorf("entity ID %q does not match audit log %q", e.ID, e.LogID)
	}
	if e.Outcome == "" {
		return errors.New("audit log is not finalized")
	}

	var hasIntent, hasOutcome bool
	for _, t := range e.TripleData {
		if t.Subject != e.ID {
			return fmt.Errorf("triple %s describes %q, not %q", t.Predicate, t.Subject, e.ID)
		}
		switch t.Predicate {
		case PredicateIntent:
			hasIntent = true
		case PredicateOutcome:
			hasOutcome = true
		}
	}
	if !hasIntent || !hasOutcome {
		return errors.New("intent and outcome triples are required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *AuditEntity) MarshalJSON() ([]byte, error) {
	type Alias AuditEntity
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *AuditEntity) UnmarshalJSON(data []byte) error {
	type Alias AuditEntity
	return json.Unmarshal(data, (*Alias)(e))
}
