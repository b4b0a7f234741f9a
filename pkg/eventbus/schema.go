package eventbus

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// PayloadSchema lists the payload fields an event type must carry.
type PayloadSchema struct {
	EventType string
	Required  []string
}

// SchemaRegistry validates inbound payloads before they reach a handler.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]PayloadSchema
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]PayloadSchema)}
}

// Register adds or replaces the schema for schema.EventType.
func (r *SchemaRegistry) Register(schema PayloadSchema) error {
	if schema.EventType == "" {
		return fmt.Errorf("eventbus: schema event type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schema.EventType] = schema
	return nil
}

// EventTypes returns the registered event types, sorted.
func (r *SchemaRegistry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.schemas))
	for eventType := range r.schemas {
		types = append(types, eventType)
	}
	sort.Strings(types)
	return types
}

// Validate checks env's payload against its schema. Unknown event types pass; routing them is
// the dispatcher's concern.
func (r *SchemaRegistry) Validate(env Envelope) error {
	r.mu.RLock()
	schema, ok := r.schemas[env.EventType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &fields); err != nil {
		return fmt.Errorf("eventbus: invalid %s payload json: %w", env.EventType, err)
	}
	for _, field := range schema.Required {
		value, ok := fields[field]
		if !ok || string(value) == "null" {
			return fmt.Errorf("eventbus: required %s payload field %q missing", env.EventType, field)
		}
	}
	return nil
}
