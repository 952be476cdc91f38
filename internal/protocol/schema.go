package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Frame payloads from remote agents are untrusted input; the envelope and
// the two payloads that feed controller bookkeeping (REGISTER, TASK_RESULT)
// are checked against JSON Schemas before any state is touched.

const envelopeSchemaJSON = `{
  "type": "object",
  "required": ["type", "client_id", "message_id", "timestamp"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "client_id": {"type": "string", "minLength": 1},
    "target_id": {"type": "string"},
    "message_id": {"type": "integer", "minimum": 0},
    "correlation_id": {"type": "integer", "minimum": 0},
    "timestamp": {"type": "string"},
    "payload": {}
  }
}`

const registerSchemaJSON = `{
  "type": "object",
  "required": ["client_id", "client_type"],
  "properties": {
    "client_id": {"type": "string", "minLength": 1},
    "client_type": {"enum": ["DEVICE", "CONSTELLATION"]},
    "platform": {"type": "string"},
    "system_info": {
      "type": "object",
      "properties": {
        "platform": {"type": "string"},
        "os_version": {"type": "string"},
        "cpu_count": {"type": "integer", "minimum": 0},
        "memory_total_gb": {"type": "number", "minimum": 0},
        "hostname": {"type": "string"},
        "ip_address": {"type": "string"},
        "supported_features": {"type": "array", "items": {"type": "string"}},
        "platform_type": {"type": "string"},
        "schema_version": {"type": "string"},
        "custom_metadata": {"type": "object"},
        "tags": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

const taskResultSchemaJSON = `{
  "type": "object",
  "required": ["task_id", "status"],
  "properties": {
    "task_id": {"type": "string", "minLength": 1},
    "status": {"enum": ["COMPLETED", "FAILED", "CANCELLED"]},
    "result": {},
    "error": {
      "type": "object",
      "required": ["message"],
      "properties": {
        "code": {"type": "string"},
        "message": {"type": "string"},
        "retriable": {"type": "boolean"}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	schemaErr      error
	envelopeSchema *jsonschema.Schema
	registerSchema *jsonschema.Schema
	resultSchema   *jsonschema.Schema
)

func compileSchemas() {
	compile := func(name, src string) *jsonschema.Schema {
		if schemaErr != nil {
			return nil
		}
		// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
		// validator requires.
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal %s schema: %w", name, err)
			return nil
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name, doc); err != nil {
			schemaErr = fmt.Errorf("add %s schema: %w", name, err)
			return nil
		}
		s, err := c.Compile(name)
		if err != nil {
			schemaErr = fmt.Errorf("compile %s schema: %w", name, err)
			return nil
		}
		return s
	}
	envelopeSchema = compile("envelope.json", envelopeSchemaJSON)
	registerSchema = compile("register.json", registerSchemaJSON)
	resultSchema = compile("task_result.json", taskResultSchemaJSON)
}

func validate(schema *jsonschema.Schema, raw []byte, what string) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%s is not valid JSON: %w", what, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%s failed validation: %w", what, err)
	}
	return nil
}

// ValidateFrame checks a raw inbound frame against the envelope schema plus
// the payload schema for types whose payloads drive controller state. It
// returns the decoded envelope on success.
func ValidateFrame(raw []byte) (Message, error) {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return Message{}, schemaErr
	}

	if err := validate(envelopeSchema, raw, "frame"); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if !KnownType(msg.Type) {
		return Message{}, fmt.Errorf("unknown frame type %q", msg.Type)
	}

	switch msg.Type {
	case TypeRegister:
		if err := validate(registerSchema, msg.Payload, "REGISTER payload"); err != nil {
			return Message{}, err
		}
	case TypeTaskResult:
		if err := validate(resultSchema, msg.Payload, "TASK_RESULT payload"); err != nil {
			return Message{}, err
		}
	}
	return msg, nil
}
