package domain

import "time"

// Event is a bus notification. Sequence is assigned at emission and is
// strictly increasing for the lifetime of the bus that produced it.
type Event struct {
	Sequence  uint64            `json:"sequence"`
	Type      string            `json:"type"`
	Data      any               `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Route     map[string]string `json:"route,omitempty"`
}

// RouteValue returns a routing hint or "" when absent.
func (e Event) RouteValue(key string) string {
	if e.Route == nil {
		return ""
	}
	return e.Route[key]
}
