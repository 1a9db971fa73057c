package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semintent/tools"
)

func newRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	require.NoError(t, Register(r))
	return r
}

func TestRegister(t *testing.T) {
	r := newRegistry(t)

	assert.Equal(t, []string{AddCalendarEvent, BookRide, GetWeather, SearchRestaurant, SendNotification}, r.Names())
	assert.Equal(t, []string{AddCalendarEvent, BookRide, SendNotification}, r.Irreversible())

	assert.Error(t, Register(r), "registering twice must fail")
}

func TestSearchRestaurant(t *testing.T) {
	r := newRegistry(t)

	res, err := r.Invoke(context.Background(), SearchRestaurant, map[string]any{
		"cuisine":  "French",
		"location": "Lyon",
	})
	require.NoError(t, err)

	data := res.Data.(map[string]any)
	assert.Equal(t, "Le Bistrot", data["name"])
	assert.Equal(t, "french", data["cuisine"])
	assert.Equal(t, "12 Market Street, Lyon", data["address"])
	assert.NotEmpty(t, data["restaurant_id"])

	again, err := r.Invoke(context.Background(), SearchRestaurant, map[string]any{
		"cuisine":  "french",
		"location": "Lyon",
	})
	require.NoError(t, err)
	assert.Equal(t, data["restaurant_id"], again.Data.(map[string]any)["restaurant_id"])
}

func TestCalendarEventIsDeterministic(t *testing.T) {
	r := newRegistry(t)
	params := map[string]any{"title": "Dinner at Le Bistrot", "start": "2026-03-01T19:00:00Z"}

	a, err := r.Invoke(context.Background(), AddCalendarEvent, params)
	require.NoError(t, err)
	b, err := r.Invoke(context.Background(), AddCalendarEvent, params)
	require.NoError(t, err)

	id := a.Data.(map[string]any)["event_id"].(string)
	assert.Regexp(t, `^evt_[0-9a-f]{12}$`, id)
	assert.Equal(t, id, b.Data.(map[string]any)["event_id"])

	_, err = r.Invoke(context.Background(), AddCalendarEvent, map[string]any{"title": "x"})
	assert.ErrorIs(t, err, tools.ErrMissingParameter)
}

func TestBookRideSameAddressFails(t *testing.T) {
	r := newRegistry(t)

	_, err := r.Invoke(context.Background(), BookRide, map[string]any{"pickup": "home", "destination": "home"})
	require.Error(t, err)
	assert.True(t, tools.IsExecutionError(err))

	res, err := r.Invoke(context.Background(), BookRide, map[string]any{"pickup": "home", "destination": "work"})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Data.(map[string]any)["eta_minutes"])
}

func TestNotificationAndWeather(t *testing.T) {
	r := newRegistry(t)

	res, err := r.Invoke(context.Background(), SendNotification, map[string]any{"recipient": "sam", "message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, true, res.Data.(map[string]any)["delivered"])

	res, err = r.Invoke(context.Background(), GetWeather, map[string]any{"city": "Oslo"})
	require.NoError(t, err)
	assert.Equal(t, "Oslo", res.Data.(map[string]any)["city"])
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, tool := range All() {
		_, err := tool.Execute(ctx, map[string]any{})
		assert.ErrorIs(t, err, context.Canceled, tool.Definition().Name)
	}
}
