package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const personSchema = `{
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string"},
    "age": {"type": "integer", "minimum": 0}
  }
}`

func TestCompile_InvalidSchema(t *testing.T) {
	_, err := Compile("broken", `{"type": 12}`)
	require.Error(t, err)

	var loadErr *SchemaLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "broken", loadErr.Name)
}

func TestSchema_Validate(t *testing.T) {
	s, err := Compile("person", personSchema)
	require.NoError(t, err)

	assert.NoError(t, s.Validate([]byte(`{"name":"ada","age":36}`)))

	err = s.Validate([]byte(`{"age":-1}`))
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "person", ve.Schema)
	assert.Len(t, ve.Errors, 2)
	assert.Contains(t, err.Error(), "person validation failed")
}

func TestSchema_ValidateEmptyDocumentAsNull(t *testing.T) {
	s, err := Compile("anything", `{}`)
	require.NoError(t, err)
	assert.NoError(t, s.Validate(nil))

	obj, err := Compile("object", `{"type":"object"}`)
	require.NoError(t, err)
	assert.Error(t, obj.Validate(nil))
}

func TestValidateJSONString_TypeMismatch(t *testing.T) {
	err := ValidateJSONString(personSchema, `{"name": 5}`)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "name", ve.Errors[0].Field)
}

func TestCache_ReusesCompiledSchema(t *testing.T) {
	c := NewCache()
	a, err := c.Get("person", personSchema)
	require.NoError(t, err)
	b, err := c.Get("other-name", personSchema)
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestWorkflowSchema(t *testing.T) {
	s, err := Workflow()
	require.NoError(t, err)

	valid := `{
	  "name": "digest",
	  "owner": "alice",
	  "schedule": "0 * * * *",
	  "source": {"plugin_id": "static-source", "config": {"items": []}},
	  "pipeline": {"steps": [{"step_id": "tag", "plugin_id": "set-fields"}]}
	}`
	assert.NoError(t, s.Validate([]byte(valid)))

	reserved := `{
	  "name": "digest",
	  "owner": "alice",
	  "source": {"plugin_id": "static-source"},
	  "pipeline": {"steps": [{"step_id": "source", "plugin_id": "set-fields"}]}
	}`
	assert.Error(t, s.Validate([]byte(reserved)))

	assert.Error(t, s.Validate([]byte(`{"name": "x", "owner": "y"}`)))
}
