// Package sim provides deterministic stand-ins for the external services the
// engine calls: restaurant search, calendar, ride booking, notifications and
// weather. They let the engine run end to end without credentials.
package sim

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/c360studio/semintent/tools"
)

// Tool names.
const (
	SearchRestaurant = "search_restaurant"
	AddCalendarEvent = "add_calendar_event"
	BookRide         = "book_ride"
	SendNotification = "send_notification"
	GetWeather       = "get_weather"
)

// namespace seeds the deterministic identifiers the tools hand out.
var namespace = uuid.MustParse("6f1d3c2a-3f4e-4b7a-9c0d-5e8f7a6b1c2d")

// All returns every simulated tool.
func All() []tools.Tool {
	return []tools.Tool{
		&restaurantSearch{},
		&calendar{},
		&rides{},
		&notifier{},
		&weather{},
	}
}

// Register adds every simulated tool to r.
func Register(r *tools.Registry) error {
	for _, t := range All() {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func stringParam(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func deterministicID(prefix string, parts ...string) string {
	id := uuid.NewSHA1(namespace, []byte(strings.Join(parts, "|")))
	return prefix + "_" + strings.ReplaceAll(id.String(), "-", "")[:12]
}

func canceled(ctx context.Context) (*tools.Result, error) {
	return nil, ctx.Err()
}

// restaurantSearch finds a restaurant matching cuisine and location.
type restaurantSearch struct{}

var restaurantsByCuisine = map[string]string{
	"french":   "Le Bistrot",
	"italian":  "Trattoria Roma",
	"japanese": "Sushi Kaito",
	"thai":     "Bangkok Garden",
	"indian":   "Saffron House",
}

func (restaurantSearch) Definition() tools.Definition {
	return tools.Definition{
		Name:               SearchRestaurant,
		Description:        "Find a restaurant by cuisine and location",
		Optional:           []string{"cuisine", "location", "party_size", "time"},
		RateLimitPerMinute: 1000,
	}
}

func (restaurantSearch) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	if ctx.Err() != nil {
		return canceled(ctx)
	}
	cuisine := strings.ToLower(stringParam(params, "cuisine"))
	location := stringParam(params, "location")
	if location == "" {
		location = "Downtown"
	}

	name, ok := restaurantsByCuisine[cuisine]
	if !ok {
		name = "Corner Table"
		if cuisine == "" {
			cuisine = "modern"
		}
	}

	return &tools.Result{
		Success: true,
		Data: map[string]any{
			"restaurant_id": deterministicID("rest", name, location),
			"name":          name,
			"address":       fmt.Sprintf("12 Market Street, %s", location),
			"cuisine":       cuisine,
			"rating":        4.5,
		},
	}, nil
}

// calendar creates events.
type calendar struct{}

func (calendar) Definition() tools.Definition {
	return tools.Definition{
		Name:               AddCalendarEvent,
		Description:        "Add an event to the user's calendar",
		Required:           []string{"title", "start"},
		Optional:           []string{"location", "participants", "duration_minutes"},
		Irreversible:       true,
		RateLimitPerMinute: 1000,
	}
}

func (calendar) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	if ctx.Err() != nil {
		return canceled(ctx)
	}
	title := stringParam(params, "title")
	start := stringParam(params, "start")

	data := map[string]any{
		"event_id": deterministicID("evt", title, start),
		"title":    title,
		"start":    start,
	}
	if loc := stringParam(params, "location"); loc != "" {
		data["location"] = loc
	}
	return &tools.Result{Success: true, Data: data}, nil
}

// rides books a car between two addresses.
type rides struct{}

func (rides) Definition() tools.Definition {
	return tools.Definition{
		Name:               BookRide,
		Description:        "Book a ride between two addresses",
		Required:           []string{"pickup", "destination"},
		Optional:           []string{"time"},
		Irreversible:       true,
		RateLimitPerMinute: 100,
	}
}

func (rides) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	if ctx.Err() != nil {
		return canceled(ctx)
	}
	pickup := stringParam(params, "pickup")
	dest := stringParam(params, "destination")
	if pickup == dest {
		return &tools.Result{Success: false, Error: "pickup and destination are the same"}, nil
	}

	return &tools.Result{
		Success: true,
		Data: map[string]any{
			"ride_id":     deterministicID("ride", pickup, dest, stringParam(params, "time")),
			"pickup":      pickup,
			"destination": dest,
			"eta_minutes": 7,
		},
	}, nil
}

// notifier sends a message to a recipient.
type notifier struct{}

func (notifier) Definition() tools.Definition {
	return tools.Definition{
		Name:         SendNotification,
		Description:  "Send a notification message to a recipient",
		Required:     []string{"recipient", "message"},
		Irreversible: true,
	}
}

func (notifier) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	if ctx.Err() != nil {
		return canceled(ctx)
	}
	recipient := stringParam(params, "recipient")
	return &tools.Result{
		Success: true,
		Data: map[string]any{
			"message_id": deterministicID("msg", recipient, stringParam(params, "message")),
			"recipient":  recipient,
			"delivered":  true,
		},
	}, nil
}

// weather reports a forecast for a city.
type weather struct{}

func (weather) Definition() tools.Definition {
	return tools.Definition{
		Name:               GetWeather,
		Description:        "Get the weather forecast for a city",
		Required:           []string{"city"},
		Optional:           []string{"date"},
		RateLimitPerMinute: 60,
	}
}

func (weather) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	if ctx.Err() != nil {
		return canceled(ctx)
	}
	city := stringParam(params, "city")
	return &tools.Result{
		Success: true,
		Data: map[string]any{
			"city":          city,
			"forecast":      "clear",
			"temperature_c": 18,
		},
	}, nil
}
