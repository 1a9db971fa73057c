package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	got := tokenize("The restaurant_search API timed-out for Le Bistrot!")
	assert.True(t, got["restaurant_search"])
	assert.True(t, got["timed"])
	assert.True(t, got["bistrot"])
	assert.False(t, got["the"], "stop word")
	assert.False(t, got["le"], "too short")
}

func TestRank(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []Record{
		{ID: "a", ToolName: "book_ride", Error: "driver unavailable", CreatedAt: base},
		{ID: "b", ToolName: "search_restaurant", Error: "no french restaurant found", CreatedAt: base},
		{ID: "c", ToolName: "search_restaurant", Error: "restaurant closed", CreatedAt: base.Add(time.Hour)},
	}

	got := rank(records, "french restaurant tonight", 5)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID, "two shared words beat one")
	assert.Equal(t, "c", got[1].ID)

	assert.Len(t, rank(records, "restaurant", 1), 1)
	assert.Empty(t, rank(records, "", 5))
	assert.Empty(t, rank(records, "restaurant", 0))
}

func storeSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("relevant filters by caller", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, Record{CallerID: "alice", ToolName: "search_restaurant", Error: "french restaurant unavailable"}))
		require.NoError(t, s.Save(ctx, Record{CallerID: "bob", ToolName: "search_restaurant", Error: "french restaurant unavailable"}))
		require.NoError(t, s.Save(ctx, Record{CallerID: "alice", ToolName: "book_ride", Error: "no drivers"}))

		got, err := s.Relevant(ctx, "dinner at a french restaurant", "alice", 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "alice", got[0].CallerID)
		assert.NotEmpty(t, got[0].ID)
		assert.False(t, got[0].CreatedAt.IsZero())

		all, err := s.Relevant(ctx, "french restaurant", "", 10)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("no match", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, Record{CallerID: "alice", ToolName: "book_ride", Error: "no drivers"}))

		got, err := s.Relevant(ctx, "weather in oslo", "alice", 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("params round trip", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, Record{
			CallerID: "alice",
			ToolName: "get_weather",
			Error:    "city unknown",
			Params:   map[string]any{"city": "Atlantis"},
			Remedy:   "use a real city",
		}))

		got, err := s.Relevant(ctx, "weather city", "alice", 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "Atlantis", got[0].Params["city"])
		assert.Equal(t, "use a real city", got[0].Remedy)
	})
}

func TestMemoryStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store { return NewMemoryStore(0) })
}

func TestMemoryStore_EvictsOldest(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, Record{ID: "1", ToolName: "alpha"}))
	require.NoError(t, s.Save(ctx, Record{ID: "2", ToolName: "bravo"}))
	require.NoError(t, s.Save(ctx, Record{ID: "3", ToolName: "charlie"}))

	assert.Equal(t, 2, s.Len())
	got, err := s.Relevant(ctx, "alpha", "", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store {
		s, err := OpenSQLStore(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
