// Package builtin provides the plugins that ship with the runner.
package builtin

import "github.com/jonathan/workflow-runner/internal/plugin"

// Plugin ids
const (
	StaticSourceID = "static-source"
	AsyncSourceID  = "async-source"
	SetFieldsID    = "set-fields"
	HTTPFetchID    = "http-fetch"
)

// Register adds every built-in plugin to reg.
func Register(reg *plugin.Registry) error {
	for id, factory := range map[string]plugin.Factory{
		StaticSourceID: func() plugin.Plugin { return &StaticSource{} },
		AsyncSourceID:  func() plugin.Plugin { return &AsyncSource{} },
		SetFieldsID:    func() plugin.Plugin { return &SetFields{} },
		HTTPFetchID:    func() plugin.Plugin { return &HTTPFetch{} },
	} {
		if err := reg.Register(id, factory); err != nil {
			return err
		}
	}
	return nil
}

const sourceOutputSchema = `{
  "type": "object",
  "required": ["items"],
  "properties": {
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["externalId"],
        "properties": {"externalId": {"type": "string", "minLength": 1}}
      }
    },
    "nextLastProcessedState": {}
  }
}`

const recordsSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["externalId"],
    "properties": {"externalId": {"type": "string", "minLength": 1}, "data": {}}
  }
}`
