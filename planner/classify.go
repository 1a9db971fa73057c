package planner

import (
	"regexp"
	"strings"
)

// Route is the coarse category of an intent.
type Route string

const (
	RouteCalendar Route = "calendar"
	RouteSearch   Route = "search"
	RouteSimple   Route = "simple"
)

var (
	calendarWords = regexp.MustCompile(`\b(book|calendar|event|schedule|add to)\b`)
	searchWords   = regexp.MustCompile(`\b(find|search|where|look for|nearby)\b`)
)

// Classify routes an intent by keyword. Calendar words win over search words;
// anything else is simple.
func Classify(intent string) Route {
	normalized := strings.ToLower(strings.TrimSpace(intent))
	switch {
	case calendarWords.MatchString(normalized):
		return RouteCalendar
	case searchWords.MatchString(normalized):
		return RouteSearch
	}
	return RouteSimple
}
