package doclist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const changeEventSchema = `{
  "type": "object",
  "required": ["type", "documentId", "cursor"],
  "properties": {
    "type": {"enum": ["record.changed", "record.deleted"]},
    "documentId": {"type": "string", "minLength": 1},
    "documentVersion": {"type": "integer", "minimum": 0},
    "row": {"type": ["object", "null"]},
    "cursor": {"type": "string", "minLength": 1},
    "occurredAt": {"type": "string"},
    "clientRequestId": {"type": "string"}
  }
}`

const filterSchema = `{
  "type": "object",
  "properties": {
    "predicates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "operator"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "operator": {"enum": ["eq", "ne", "in", "notIn", "lt", "lte", "gt", "gte", "between", "isEmpty", "isNotEmpty"]}
        }
      }
    },
    "join": {"enum": ["", "and", "or"]},
    "query": {"type": "string"}
  }
}`

type schemas struct {
	changeEvent *jsonschema.Schema
	filter      *jsonschema.Schema
}

var loadSchemas = sync.OnceValues(func() (*schemas, error) {
	c := jsonschema.NewCompiler()
	for name, text := range map[string]string{
		"change-event.json": changeEventSchema,
		"filter.json":       filterSchema,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, err
		}
	}
	event, err := c.Compile("change-event.json")
	if err != nil {
		return nil, err
	}
	filter, err := c.Compile("filter.json")
	if err != nil {
		return nil, err
	}
	return &schemas{changeEvent: event, filter: filter}, nil
})

func validate(data []byte, pick func(*schemas) *jsonschema.Schema) error {
	s, err := loadSchemas()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := pick(s).Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// DecodeChangeEvent validates one raw feed frame before trusting it.
func DecodeChangeEvent(data []byte) (ChangeEvent, error) {
	if err := validate(data, func(s *schemas) *jsonschema.Schema { return s.changeEvent }); err != nil {
		return ChangeEvent{}, err
	}
	var event ChangeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return event, nil
}

// DecodeFilter validates a raw filter document and types its predicates.
func DecodeFilter(data []byte) (FilterSpec, error) {
	if err := validate(data, func(s *schemas) *jsonschema.Schema { return s.filter }); err != nil {
		return FilterSpec{}, err
	}
	var raw RawFilter
	if err := json.Unmarshal(data, &raw); err != nil {
		return FilterSpec{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return ParseFilter(raw)
}
