package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDone    EventKind = "done"
)

// Event is one notification from the host's download manager. Fields holds
// whatever subset of the download record the host chose to send.
type Event struct {
	Kind   EventKind       `json:"kind"`
	ID     string          `json:"id"`
	Fields json.RawMessage `json:"fields,omitempty"`
}

type EventSource interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// NormalizeEventKind maps the host's event names onto the three kinds the
// subscriber understands. Unknown names come back empty.
func NormalizeEventKind(kind string) EventKind {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "created", "new-download", "new":
		return EventCreated
	case "updated", "progressed", "progress":
		return EventUpdated
	case "done", "completed", "finished":
		return EventDone
	default:
		return ""
	}
}

const defaultEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["kind", "id"],
  "properties": {
    "kind": {"type": "string", "minLength": 1},
    "id": {"type": "string", "minLength": 1},
    "fields": {"type": ["object", "null"]}
  }
}`

// EventValidator checks raw events against a JSON schema.
type EventValidator struct {
	schema *jsonschema.Schema
}

func NewDefaultEventValidator() (*EventValidator, error) {
	return NewEventValidator([]byte(defaultEventSchema))
}

func LoadEventValidator(path string) (*EventValidator, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewDefaultEventValidator()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event schema: %w", err)
	}
	return NewEventValidator(data)
}

func NewEventValidator(schemaJSON []byte) (*EventValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse event schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("event.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add event schema: %w", err)
	}
	schema, err := compiler.Compile("event.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &EventValidator{schema: schema}, nil
}

func (v *EventValidator) Validate(raw []byte) error {
	if v == nil || v.schema == nil {
		return nil
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := v.schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// ValidateEvent validates the wire form of ev.
func (v *EventValidator) ValidateEvent(ev Event) error {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return v.Validate(raw)
}
