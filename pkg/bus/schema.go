package bus

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaSources maps every known message kind to the JSON schema its
// content must satisfy. Kinds not listed here are rejected at construction.
var schemaSources = map[string]string{
	KindTerminalOutput: `{
		"type": "object",
		"required": ["text"],
		"properties": {"text": {"type": "string"}}
	}`,
	KindApprovalRequest: `{
		"type": "object",
		"required": ["text", "options", "request_id"],
		"properties": {
			"text": {"type": "string"},
			"options": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"request_id": {"type": "string"}
		}
	}`,
	KindDiffDisplay: `{
		"type": "object",
		"required": ["text", "files", "request_id"],
		"properties": {
			"text": {"type": "string"},
			"files": {"type": "array", "items": {"type": "string"}},
			"request_id": {"type": "string"}
		}
	}`,
	KindInteractiveDiff: `{
		"type": "object",
		"required": ["files", "summary", "request_id"],
		"properties": {
			"files": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["filename", "before", "after", "changes"],
					"properties": {
						"filename": {"type": "string"},
						"before": {"type": "string"},
						"after": {"type": "string"},
						"changes": {"type": "array"}
					}
				}
			},
			"summary": {"type": "string"},
			"request_id": {"type": "string"}
		}
	}`,
	KindInteractiveApproval: `{
		"type": "object",
		"required": ["title", "description", "options", "request_id"],
		"properties": {
			"title": {"type": "string"},
			"description": {"type": "string"},
			"options": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["id", "label"],
					"properties": {
						"id": {"type": "string"},
						"label": {"type": "string"}
					}
				}
			},
			"request_id": {"type": "string"}
		}
	}`,
	KindProgressIndicator: `{
		"type": "object",
		"required": ["title", "percentage"],
		"properties": {
			"title": {"type": "string"},
			"percentage": {"type": "number", "minimum": 0, "maximum": 100}
		}
	}`,
	KindProgressResponse: `{
		"type": "object",
		"required": ["action"],
		"properties": {"action": {"enum": ["cancel", "pause", "resume", "stop"]}}
	}`,
	KindWorkflowControl: `{
		"type": "object",
		"required": ["action"],
		"properties": {"action": {"enum": ["pause", "resume", "stop", "cancel"]}}
	}`,
	KindWorkflowStatus: `{
		"type": "object",
		"required": ["status"],
		"properties": {
			"status": {"enum": ["running", "paused", "stopped", "completed", "failed"]},
			"phase": {"type": "string"},
			"message": {"type": "string"},
			"can_pause": {"type": "boolean"},
			"can_resume": {"type": "boolean"},
			"can_stop": {"type": "boolean"}
		}
	}`,
	KindCommand: `{
		"type": "object",
		"required": ["command"],
		"properties": {"command": {"type": "string"}}
	}`,
	KindCommandResult: `{
		"type": "object",
		"required": ["success"],
		"properties": {
			"success": {"type": "boolean"},
			"output": {"type": "string"},
			"exit_code": {"type": "integer"}
		}
	}`,
	KindStreamStart: `{
		"type": "object",
		"required": ["stream_id"],
		"properties": {
			"stream_id": {"type": "string"},
			"title": {"type": "string"}
		}
	}`,
	KindStreamContent: `{
		"type": "object",
		"required": ["stream_id", "content"],
		"properties": {
			"stream_id": {"type": "string"},
			"content": {"type": "string"}
		}
	}`,
	KindStreamInteractive: `{
		"type": "object",
		"required": ["stream_id"],
		"properties": {
			"stream_id": {"type": "string"},
			"prompt": {"type": "string"},
			"options": {"type": "array"}
		}
	}`,
	KindStreamEnd: `{
		"type": "object",
		"required": ["stream_id"],
		"properties": {"stream_id": {"type": "string"}}
	}`,
	KindAuthenticate: `{
		"type": "object",
		"required": ["token"],
		"properties": {
			"token": {"type": "string"},
			"resume_token": {"type": "string"}
		}
	}`,
	KindConnectionEstablished: `{
		"type": "object",
		"properties": {
			"client_id": {"type": "string"},
			"server_version": {"type": "string"}
		}
	}`,
	KindErrorNotification: `{
		"type": "object",
		"required": ["message"],
		"properties": {
			"message": {"type": "string"},
			"code": {"type": "string"}
		}
	}`,
	KindBatch: `{
		"type": "object",
		"required": ["messages"],
		"properties": {"messages": {"type": "array", "minItems": 1}}
	}`,
}

var schemaRegistry = struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}{schemas: make(map[string]*jsonschema.Schema)}

func init() {
	for kind, src := range schemaSources {
		if err := RegisterSchema(kind, src); err != nil {
			panic(fmt.Sprintf("bus: built-in schema for %q: %v", kind, err))
		}
	}
}

// RegisterSchema compiles and registers a content schema for a message
// kind. Registering an existing kind replaces its schema, which lets new
// kinds be added without touching existing ones.
func RegisterSchema(kind, source string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return fmt.Errorf("parse schema for %s: %w", kind, err)
	}

	compiler := jsonschema.NewCompiler()
	url := "schema:///" + kind + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("add schema resource for %s: %w", kind, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", kind, err)
	}

	schemaRegistry.mu.Lock()
	schemaRegistry.schemas[kind] = schema
	schemaRegistry.mu.Unlock()
	return nil
}

// Kinds returns the sorted list of registered message kinds.
func Kinds() []string {
	schemaRegistry.mu.RLock()
	defer schemaRegistry.mu.RUnlock()
	kinds := make([]string, 0, len(schemaRegistry.schemas))
	for kind := range schemaRegistry.schemas {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// validateContent checks content against the schema registered for kind.
func validateContent(kind string, content map[string]any) error {
	schemaRegistry.mu.RLock()
	schema, ok := schemaRegistry.schemas[kind]
	schemaRegistry.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, kind)
	}
	// The validator expects decoded JSON values, so normalize nil content.
	var value any = content
	if content == nil {
		value = map[string]any{}
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %s content: %v", ErrInvalidMessage, kind, err)
	}
	return nil
}
