// Package schemas validates JSON documents against JSON Schema: plugin
// config, input and output contracts, and workflow definition files.
package schemas

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError represents a schema validation error with field paths
type ValidationError struct {
	Schema string
	Errors []FieldError
}

// FieldError represents a single validation error at a specific field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (ve *ValidationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s validation failed:", ve.Schema)
	for i, err := range ve.Errors {
		fmt.Fprintf(&sb, "\n  %d. %s: %s", i+1, err.Field, err.Message)
	}
	return sb.String()
}

// SchemaLoadError represents errors loading or parsing the schema itself
type SchemaLoadError struct {
	Name    string
	Message string
	Cause   error
}

func (e *SchemaLoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to load schema %s: %s: %v", e.Name, e.Message, e.Cause)
	}
	return fmt.Sprintf("failed to load schema %s: %s", e.Name, e.Message)
}

func (e *SchemaLoadError) Unwrap() error {
	return e.Cause
}

// Schema is a compiled JSON Schema.
type Schema struct {
	name   string
	schema *gojsonschema.Schema
}

// Compile parses schema content. name is used in error messages.
func Compile(name, content string) (*Schema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(content))
	if err != nil {
		return nil, &SchemaLoadError{Name: name, Message: "invalid schema", Cause: err}
	}
	return &Schema{name: name, schema: compiled}, nil
}

// Name returns the schema name given to Compile.
func (s *Schema) Name() string {
	return s.name
}

// Validate checks a JSON document. Empty input is validated as null.
func (s *Schema) Validate(document []byte) error {
	if len(strings.TrimSpace(string(document))) == 0 {
		document = []byte("null")
	}
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return fmt.Errorf("failed to validate against %s: %w", s.name, err)
	}
	if result.Valid() {
		return nil
	}

	// Build structured error
	validationErr := &ValidationError{
		Schema: s.name,
		Errors: make([]FieldError, 0, len(result.Errors())),
	}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		validationErr.Errors = append(validationErr.Errors, FieldError{
			Field:   field,
			Message: desc.Description(),
		})
	}
	return validationErr
}

// ValidateJSONString validates JSON string content against schema string content
func ValidateJSONString(schemaContent, jsonContent string) error {
	s, err := Compile("(string schema)", schemaContent)
	if err != nil {
		return err
	}
	return s.Validate([]byte(jsonContent))
}

// Cache compiles each distinct schema string once.
type Cache struct {
	mu      sync.Mutex
	schemas map[string]*Schema
}

// NewCache creates an empty schema cache.
func NewCache() *Cache {
	return &Cache{schemas: make(map[string]*Schema)}
}

// Get returns the compiled schema for content, compiling it on first use.
func (c *Cache) Get(name, content string) (*Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.schemas[content]; ok {
		return s, nil
	}
	s, err := Compile(name, content)
	if err != nil {
		return nil, err
	}
	c.schemas[content] = s
	return s, nil
}

//go:embed workflow.schema.json
var workflowSchema string

var (
	workflowOnce     sync.Once
	workflowCompiled *Schema
	workflowErr      error
)

// Workflow returns the schema of workflow definition documents.
func Workflow() (*Schema, error) {
	workflowOnce.Do(func() {
		workflowCompiled, workflowErr = Compile("workflow", workflowSchema)
	})
	return workflowCompiled, workflowErr
}
