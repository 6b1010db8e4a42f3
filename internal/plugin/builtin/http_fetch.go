package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonathan/workflow-runner/internal/fetch"
	"github.com/jonathan/workflow-runner/internal/plugin"
	"github.com/jonathan/workflow-runner/internal/types"
)

const httpFetchConfigSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "urlField": {"type": "string", "minLength": 1},
    "method": {"enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "timeoutSeconds": {"type": "integer", "minimum": 1},
    "selector": {"type": "string"},
    "field": {"type": "string", "minLength": 1}
  },
  "anyOf": [{"required": ["url"]}, {"required": ["urlField"]}]
}`

// HTTPFetch requests a URL and stores the response under a field of its
// input object. The URL comes from config or from a string field of the
// input. JSON bodies are embedded as JSON; HTML bodies are reduced to text,
// optionally narrowed by a CSS selector.
type HTTPFetch struct {
	config struct {
		URL            string            `json:"url"`
		URLField       string            `json:"urlField"`
		Method         string            `json:"method"`
		Headers        map[string]string `json:"headers"`
		Body           json.RawMessage   `json:"body"`
		TimeoutSeconds int               `json:"timeoutSeconds"`
		Selector       string            `json:"selector"`
		Field          string            `json:"field"`
	}
	opts *fetch.Options
}

// HTTPResponse is the value HTTPFetch stores in its output.
type HTTPResponse struct {
	URL         string          `json:"url"`
	Status      int             `json:"status"`
	ContentType string          `json:"contentType,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Text        string          `json:"text,omitempty"`
}

func (h *HTTPFetch) ID() string { return HTTPFetchID }

func (h *HTTPFetch) Schemas() plugin.Schemas {
	return plugin.Schemas{
		Config: httpFetchConfigSchema,
		Input:  `{"type": ["object", "null"]}`,
		Output: `{"type": "object"}`,
	}
}

func (h *HTTPFetch) Initialize(_ context.Context, config json.RawMessage) error {
	if err := json.Unmarshal(config, &h.config); err != nil {
		return fmt.Errorf("invalid http-fetch config: %w", err)
	}
	if h.config.URL == "" && h.config.URLField == "" {
		return errors.New("http-fetch requires url or urlField")
	}
	if h.config.Field == "" {
		h.config.Field = "response"
	}

	opts := fetch.DefaultOptions()
	if h.config.Method != "" {
		opts.Method = h.config.Method
	}
	if h.config.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(h.config.TimeoutSeconds) * time.Second
	}
	opts.Headers = h.config.Headers
	if !types.IsNullJSON(h.config.Body) {
		opts.Body = h.config.Body
		if _, ok := opts.Headers["Content-Type"]; !ok {
			headers := map[string]string{"Content-Type": "application/json"}
			for k, v := range h.config.Headers {
				headers[k] = v
			}
			opts.Headers = headers
		}
	}
	h.opts = opts
	return nil
}

func (h *HTTPFetch) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	merged := map[string]json.RawMessage{}
	if !types.IsNullJSON(input) {
		if err := json.Unmarshal(input, &merged); err != nil {
			return nil, fmt.Errorf("http-fetch input must be an object: %w", err)
		}
	}

	target := h.config.URL
	if h.config.URLField != "" {
		raw, ok := merged[h.config.URLField]
		if !ok || json.Unmarshal(raw, &target) != nil || strings.TrimSpace(target) == "" {
			return nil, fmt.Errorf("http-fetch input field %q must be a non-empty string", h.config.URLField)
		}
	}

	result, err := fetch.URL(ctx, target, h.opts)
	if err != nil {
		var fetchErr *fetch.Error
		if errors.As(err, &fetchErr) && fetchErr.Temporary() {
			return nil, plugin.Retryable(err)
		}
		return nil, err
	}

	resp := HTTPResponse{URL: result.URL, Status: result.StatusCode, ContentType: result.ContentType}
	switch {
	case result.IsJSON() && json.Valid(result.Body):
		resp.Body = result.Body
	case result.IsHTML():
		text, err := fetch.ExtractText(string(result.Body), h.config.Selector)
		if err != nil {
			return nil, err
		}
		resp.Text = text
	default:
		resp.Text = string(result.Body)
	}

	encoded, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	merged[h.config.Field] = encoded
	return json.Marshal(merged)
}
