//go:build integration

package audit

import (
	"context"
	"testing"

	"github.com/c360studio/semstreams/natsclient"
)

func TestKVStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store {
		tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
		js, err := tc.Client.JetStream()
		if err != nil {
			t.Fatalf("Failed to get JetStream: %v", err)
		}
		s, err := NewKVStore(context.Background(), js)
		if err != nil {
			t.Fatalf("Failed to create store: %v", err)
		}
		return s
	})
}

func TestKVStore_ReopenExistingBucket(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()
	js, err := tc.Client.JetStream()
	if err != nil {
		t.Fatalf("Failed to get JetStream: %v", err)
	}

	first, err := NewKVStore(ctx, js)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	l, err := first.Create(ctx, "book dinner", "u1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	second, err := NewKVStore(ctx, js)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	got, err := second.Get(ctx, l.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Version != l.Version {
		t.Errorf("Version = %d, want %d", got.Version, l.Version)
	}
}
