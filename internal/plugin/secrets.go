package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// SecretHydrator resolves secret placeholders in a plugin config.
type SecretHydrator interface {
	Hydrate(ctx context.Context, raw json.RawMessage) (json.RawMessage, error)
}

// NoopHydrator returns configs unchanged.
type NoopHydrator struct{}

func (NoopHydrator) Hydrate(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
	return raw, nil
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// EnvHydrator replaces {{NAME}} placeholders inside JSON string values with
// the value of the environment variable NAME.
type EnvHydrator struct {
	// Lookup defaults to os.LookupEnv.
	Lookup func(name string) (string, bool)
}

// Hydrate walks the JSON document and substitutes every placeholder. All
// missing variables are reported together.
func (h EnvHydrator) Hydrate(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 || !placeholder.Match(raw) {
		return raw, nil
	}
	lookup := h.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	missing := map[string]bool{}
	doc = substitute(doc, lookup, missing)
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("missing secrets: %s", strings.Join(names, ", "))
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode hydrated config: %w", err)
	}
	return out, nil
}

func substitute(v any, lookup func(string) (string, bool), missing map[string]bool) any {
	switch val := v.(type) {
	case string:
		return placeholder.ReplaceAllStringFunc(val, func(match string) string {
			name := placeholder.FindStringSubmatch(match)[1]
			secret, ok := lookup(name)
			if !ok {
				missing[name] = true
				return match
			}
			return secret
		})
	case map[string]any:
		for k, child := range val {
			val[k] = substitute(child, lookup, missing)
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = substitute(child, lookup, missing)
		}
		return val
	default:
		return v
	}
}
