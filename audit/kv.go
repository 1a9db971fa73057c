package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// BucketAuditLogs is the KV bucket holding audit logs keyed by log id.
const BucketAuditLogs = "SEMINTENT_AUDIT_LOGS"

// KVStore persists logs in a NATS JetStream KV bucket. A log's Version is
// the KV revision of its latest entry.
type KVStore struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

// NewKVStore opens the audit bucket, creating it if needed.
func NewKVStore(ctx context.Context, js jetstream.JetStream) (*KVStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketAuditLogs)
	if err != nil {
		return nil, fmt.Errorf("create audit bucket: %w", err)
	}
	return &KVStore{kv: kv, now: time.Now}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "Semintent audit logs",
		History:     5,
	})
}

// Create stores a new log; its version is the first revision.
func (s *KVStore) Create(ctx context.Context, intent, userID string) (*AuditLog, error) {
	l := newLog(uuid.New().String(), intent, userID, s.now())

	data, err := encode(l)
	if err != nil {
		return nil, err
	}
	rev, err := s.kv.Create(ctx, l.ID, data)
	if err != nil {
		return nil, fmt.Errorf("store audit log: %w", err)
	}
	l.Version = rev
	return l, nil
}

// Get loads a log.
func (s *KVStore) Get(ctx context.Context, id string) (*AuditLog, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get audit log: %w", err)
	}
	l, err := decode(entry.Value())
	if err != nil {
		return nil, err
	}
	l.Version = entry.Revision()
	return l, nil
}

// Update writes log only if the stored revision still equals log.Version.
func (s *KVStore) Update(ctx context.Context, l *AuditLog) error {
	prevUpdated := l.UpdatedAt
	l.UpdatedAt = s.now()
	data, err := encode(l)
	if err != nil {
		l.UpdatedAt = prevUpdated
		return err
	}

	rev, err := s.kv.Update(ctx, l.ID, data, l.Version)
	if err != nil {
		l.UpdatedAt = prevUpdated
		if isWrongRevision(err) {
			if _, getErr := s.kv.Get(ctx, l.ID); getErr != nil && isNotFound(getErr) {
				return ErrNotFound
			}
			return fmt.Errorf("%w: revision %d is stale", ErrVersionConflict, l.Version)
		}
		return fmt.Errorf("update audit log: %w", err)
	}
	l.Version = rev
	return nil
}

// ListByUser scans the bucket for logs of userID, newest first.
func (s *KVStore) ListByUser(ctx context.Context, userID string, limit int) ([]*AuditLog, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list audit log keys: %w", err)
	}

	var out []*AuditLog
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue // Skip entries deleted mid-scan
		}
		l, err := decode(entry.Value())
		if err != nil {
			continue
		}
		if l.UserID != userID {
			continue
		}
		l.Version = entry.Revision()
		out = append(out, l)
	}

	sortNewestFirst(out)
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

func isWrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
