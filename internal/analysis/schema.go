package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// PageSchema is the JSON schema every stored page record must satisfy.
const PageSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["page_number", "content"],
  "properties": {
    "page_number": {"type": "integer", "minimum": 1},
    "content": {"type": "string"},
    "metadata": {"type": ["object", "null"]}
  }
}`

var compilePageSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("page.json", bytes.NewReader([]byte(PageSchema))); err != nil {
		return nil, fmt.Errorf("failed to load page schema: %w", err)
	}
	schema, err := compiler.Compile("page.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile page schema: %w", err)
	}
	return schema, nil
})

// ValidatePage checks a page record against PageSchema.
func ValidatePage(p PageRecord) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode page %d: %w", p.PageNumber, err)
	}
	return ValidatePageJSON(raw)
}

// ValidatePageJSON checks raw page JSON against PageSchema.
func ValidatePageJSON(raw []byte) error {
	schema, err := compilePageSchema()
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to decode page for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("page does not match schema: %w", err)
	}
	return nil
}
