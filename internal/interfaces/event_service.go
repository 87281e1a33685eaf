package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

// Inbound events consumed by the pipeline core
const (
	EventGenerationRequested EventType = "generation.requested"
	EventGenerationCancelled EventType = "generation.cancelled"
	EventPreparationComplete EventType = "preparation.complete"
	EventUnitGenerated       EventType = "unit.generated"
	EventUnitDecision        EventType = "unit.decision"
	EventAssemblyComplete    EventType = "assembly.complete"
	EventScoringComplete     EventType = "scoring.complete"
)

// Outbound events published by the pipeline core to collaborators
const (
	EventPreparationStart EventType = "preparation.start"
	EventUnitGenerate     EventType = "unit.generate"
	EventUnitConsult      EventType = "unit.consult"
	EventAssemblyStart    EventType = "assembly.start"
	EventScoringStart     EventType = "scoring.start"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers asynchronously
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}

// PayloadString safely extracts a string from a map payload
func PayloadString(payload map[string]interface{}, key string) string {
	if val, ok := payload[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// PayloadInt safely extracts an int from a map payload.
// JSON round-trips turn numbers into float64, so both are accepted.
func PayloadInt(payload map[string]interface{}, key string) (int, bool) {
	val, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// PayloadBool safely extracts a bool from a map payload
func PayloadBool(payload map[string]interface{}, key string) (bool, bool) {
	val, ok := payload[key]
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// PayloadMap asserts an event payload to a map, returning nil when it is not one
func PayloadMap(event Event) map[string]interface{} {
	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		return nil
	}
	return payload
}
