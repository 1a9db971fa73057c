package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/payloadregistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semintent/audit"
	"github.com/c360studio/semintent/plan"
)

type recordingPublisher struct {
	subjects []string
	messages [][]byte
	err      error
}

func (p *recordingPublisher) PublishToStream(_ context.Context, subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.messages = append(p.messages, data)
	return nil
}

var fixedNow = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func finishedLog() *audit.AuditLog {
	log := &audit.AuditLog{
		ID:     "log-1",
		UserID: "u1",
		Intent: "Book dinner in Paris",
		Plan:   &plan.Plan{IntentType: plan.IntentDining},
		Steps: []audit.StepRecord{
			{StepIndex: 0, ToolName: "search_restaurant", Status: audit.StepExecuted},
			{StepIndex: 1, ToolName: "add_calendar_event", Status: audit.StepFailed},
		},
		ReplannedCount: 1,
		CreatedAt:      fixedNow.Add(-time.Minute),
	}
	log.Finalize(audit.OutcomeFailure, "semantic_failure", "calendar rejected the event", fixedNow)
	return log
}

func TestExportAuditLog(t *testing.T) {
	pub := &recordingPublisher{}
	e := NewExporter(pub)
	e.now = func() time.Time { return fixedNow }

	require.NoError(t, e.ExportAuditLog(context.Background(), finishedLog()))
	require.Len(t, pub.messages, 1)
	assert.Equal(t, GraphIngestSubject, pub.subjects[0])

	reg := payloadregistry.New()
	require.NoError(t, RegisterPayloads(reg))
	msg, err := message.NewDecoder(reg).Decode(pub.messages[0])
	require.NoError(t, err)
	assert.Equal(t, AuditEntityType, msg.Type())
	payload, ok := msg.Payload().(*AuditEntity)
	require.True(t, ok, "payload decoded as %T", msg.Payload())
	assert.Equal(t, "semintent.local.audit.log.log-1", payload.EntityID())
	assert.Equal(t, "log-1", payload.LogID)
	assert.Equal(t, audit.OutcomeFailure, payload.Outcome)

	objects := map[string][]any{}
	for _, tr := range payload.Triples() {
		objects[tr.Predicate] = append(objects[tr.Predicate], tr.Object)
	}
	assert.Equal(t, []any{"failure"}, objects[PredicateOutcome])
	assert.Equal(t, []any{"semantic_failure"}, objects[PredicateOutcomeKind])
	assert.Equal(t, []any{"dining"}, objects[PredicateIntentType])
	assert.Equal(t, []any{"search_restaurant"}, objects[PredicateUsedTool], "failed steps are not usage")
}

func TestExportAuditLog_SkipsOpenLogs(t *testing.T) {
	pub := &recordingPublisher{}
	e := NewExporter(pub)

	open := &audit.AuditLog{ID: "open", Intent: "x"}
	require.NoError(t, e.ExportAuditLog(context.Background(), open))
	assert.Empty(t, pub.messages)

	require.NoError(t, NewExporter(nil).ExportAuditLog(context.Background(), finishedLog()))
}

func TestExportAuditLog_PublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("stream not found")}
	err := NewExporter(pub).ExportAuditLog(context.Background(), finishedLog())
	assert.ErrorContains(t, err, "stream not found")
}

func TestAuditEntityValidate(t *testing.T) {
	valid := NewAuditEntity(finishedLog(), fixedNow)
	require.NoError(t, valid.Validate())
	assert.Equal(t, AuditEntityType, valid.Schema())

	tests := []struct {
		name   string
		modify func(*AuditEntity)
		errMsg string
	}{
		{"no log id", func(e *AuditEntity) { e.LogID = "" }, "audit log ID"},
		{"mismatched id", func(e *AuditEntity) { e.ID = "semintent.local.audit.log.other" }, "does not match"},
		{"open log", func(e *AuditEntity) { e.Outcome = "" }, "not finalized"},
		{"foreign triple", func(e *AuditEntity) { e.TripleData[0].Subject = "elsewhere" }, "describes"},
		{"no triples", func(e *AuditEntity) { e.TripleData = nil }, "required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewAuditEntity(finishedLog(), fixedNow)
			tt.modify(e)
			assert.ErrorContains(t, e.Validate(), tt.errMsg)
		})
	}
}

func TestRegisterPayloads(t *testing.T) {
	reg := payloadregistry.New()
	require.NoError(t, RegisterPayloads(reg))
	assert.Error(t, RegisterPayloads(reg), "duplicate registration")

	created := reg.Create(AuditEntityType.Domain, AuditEntityType.Category, AuditEntityType.Version)
	_, ok := created.(*AuditEntity)
	assert.True(t, ok, "factory returned %T", created)
}
