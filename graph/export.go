// Package graph publishes finished audit logs to the knowledge graph as
// entity triples, so outcomes can be queried alongside other graph data.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semintent/audit"
)

// Subject for graph ingestion.
const GraphIngestSubject = "graph.ingest.entity"

// StreamName is the JetStream stream carrying GraphIngestSubject.
const StreamName = "GRAPH"

const tripleSource = "semintent.audit"

// Audit log predicates.
const (
	PredicateIntent      = "semintent.audit.intent"
	PredicateUser        = "semintent.audit.user"
	PredicateIntentType  = "semintent.audit.intent_type"
	PredicateOutcome     = "semintent.audit.outcome"
	PredicateOutcomeKind = "semintent.audit.outcome_kind"
	PredicateReplans     = "semintent.audit.replans"
	PredicateSteps       = "semintent.audit.steps"
	PredicateUsedTool    = "semintent.audit.used_tool"
	PredicateCreatedAt   = "semintent.audit.created_at"
	PredicateFinalizedAt = "semintent.audit.finalized_at"
)

// Publisher sends a message to a JetStream subject. *natsclient.Client
// satisfies it.
type Publisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Exporter publishes finalized audit logs.
type Exporter struct {
	pub Publisher
	now func() time.Time
}

// NewExporter creates an Exporter. A nil publisher makes every export a no-op.
func NewExporter(pub Publisher) *Exporter {
	return &Exporter{pub: pub, now: time.Now}
}

// ExportAuditLog publishes log if it is finalized.
func (e *Exporter) ExportAuditLog(ctx context.Context, log *audit.AuditLog) error {
	if e.pub == nil || log == nil || !log.Finalized() {
		return nil
	}

	payload := NewAuditEntity(log, e.now())
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("invalid audit entity: %w", err)
	}

	msg := message.NewBaseMessage(AuditEntityType, payload, tripleSource)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal audit entity: %w", err)
	}
	if err := e.pub.PublishToStream(ctx, GraphIngestSubject, data); err != nil {
		return fmt.Errorf("publish audit entity: %w", err)
	}
	return nil
}

// AuditLogEntityID generates a consistent entity ID for an audit log.
// Format: semintent.local.audit.log.<id>
func AuditLogEntityID(id string) string {
	return "semintent.local.audit.log." + id
}

// AuditTriples describes log as triples.
func AuditTriples(log *audit.AuditLog, now time.Time) []message.Triple {
	id := AuditLogEntityID(log.ID)
	triple := func(predicate string, object any) message.Triple {
		return message.Triple{
			Subject:    id,
			Predicate:  predicate,
			Object:     object,
			Source:     tripleSource,
			Timestamp:  now,
			Confidence: 1.0,
		}
	}

	triples := []message.Triple{
		triple(PredicateIntent, log.Intent),
		triple(PredicateUser, log.UserID),
		triple(PredicateReplans, log.ReplannedCount),
		triple(PredicateSteps, len(log.Steps)),
		triple(PredicateCreatedAt, log.CreatedAt.Format(time.RFC3339)),
	}
	if log.Plan != nil {
		triples = append(triples, triple(PredicateIntentType, string(log.Plan.IntentType)))
	}
	if out := log.FinalOutcome; out != nil {
		triples = append(triples,
			triple(PredicateOutcome, string(out.Status)),
			triple(PredicateFinalizedAt, out.At.Format(time.RFC3339)),
		)
		if out.Kind != "" {
			triples = append(triples, triple(PredicateOutcomeKind, out.Kind))
		}
	}

	seen := make(map[string]bool)
	for _, rec := range log.Steps {
		if rec.Status != audit.StepExecuted || seen[rec.ToolName] {
			continue
		}
		seen[rec.ToolName] = true
		triples = append(triples, triple(PredicateUsedTool, rec.ToolName))
	}
	return triples
}

// EnsureStream creates the graph ingestion stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{GraphIngestSubject},
		MaxAge:   24 * time.Hour,
		Storage:  jetstream.FileStorage,
		Replicas: 1,
	})
	if err != nil {
		return fmt.Errorf("ensure %s stream: %w", StreamName, err)
	}
	return nil
}
