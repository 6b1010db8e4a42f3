// Package definition reads workflow definitions from YAML files and applies
// them to a repository.
package definition

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jonathan/workflow-runner/internal/repository"
	"github.com/jonathan/workflow-runner/internal/types"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Document is the YAML shape of a workflow definition.
//
//	name: nightly-import
//	owner: ops
//	schedule: "0 2 * * *"
//	source:
//	  plugin: static-source
//	  config: {items: [...]}
//	pipeline:
//	  - id: tag
//	    plugin: set-fields
//	    config: {fields: {imported: true}}
type Document struct {
	Name     string         `yaml:"name"`
	Owner    string         `yaml:"owner"`
	Schedule string         `yaml:"schedule"`
	Status   string         `yaml:"status"`
	Source   SourceDocument `yaml:"source"`
	Pipeline []StepDocument `yaml:"pipeline"`
}

// SourceDocument is the source section of a definition.
type SourceDocument struct {
	Plugin string `yaml:"plugin"`
	Config any    `yaml:"config"`
	Search any    `yaml:"search"`
}

// StepDocument is one pipeline step of a definition.
type StepDocument struct {
	ID     string `yaml:"id"`
	Plugin string `yaml:"plugin"`
	Config any    `yaml:"config"`
}

// File pairs a parsed definition with its on-disk source.
type File struct {
	Workflow types.WorkflowInput
	Path     string
}

// ParseWorkflowYAML decodes and validates a single workflow definition.
func ParseWorkflowYAML(data []byte) (*types.WorkflowInput, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("definition: payload is empty")
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("definition: decode: %w", err)
	}
	in, err := doc.WorkflowInput()
	if err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("definition: %s: %w", doc.Name, err)
	}
	if in.Schedule != nil {
		if err := ValidateSchedule(*in.Schedule); err != nil {
			return nil, fmt.Errorf("definition: %s: %w", doc.Name, err)
		}
	}
	return in, nil
}

// ValidateSchedule checks a five-field cron expression or descriptor such as
// "@hourly".
func ValidateSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}

// WorkflowInput converts the document to a repository create payload.
func (d *Document) WorkflowInput() (*types.WorkflowInput, error) {
	in := &types.WorkflowInput{
		Name:   strings.TrimSpace(d.Name),
		Owner:  strings.TrimSpace(d.Owner),
		Status: types.WorkflowStatus(strings.ToUpper(strings.TrimSpace(d.Status))),
		Source: types.SourceConfig{PluginID: strings.TrimSpace(d.Source.Plugin)},
	}
	if s := strings.TrimSpace(d.Schedule); s != "" {
		in.Schedule = &s
	}

	var err error
	if in.Source.Config, err = toJSON(d.Source.Config); err != nil {
		return nil, fmt.Errorf("definition: source config: %w", err)
	}
	if in.Source.Search, err = toJSON(d.Source.Search); err != nil {
		return nil, fmt.Errorf("definition: source search: %w", err)
	}
	for i, step := range d.Pipeline {
		config, err := toJSON(step.Config)
		if err != nil {
			return nil, fmt.Errorf("definition: step %d config: %w", i, err)
		}
		in.Pipeline.Steps = append(in.Pipeline.Steps, types.PipelineStep{
			StepID:   strings.TrimSpace(step.ID),
			PluginID: strings.TrimSpace(step.Plugin),
			Config:   config,
		})
	}
	return in, nil
}

// LoadFile reads a YAML file from disk and returns the parsed definition.
func LoadFile(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("definition: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("definition: %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("definition: read %s: %w", path, err)
	}
	in, err := ParseWorkflowYAML(data)
	if err != nil {
		return File{}, fmt.Errorf("definition: %s: %w", path, err)
	}
	return File{Workflow: *in, Path: filepath.Clean(path)}, nil
}

// LoadDir scans a directory for *.yaml and *.yml definitions, sorted by path.
// A missing directory holds no definitions.
func LoadDir(dir string) ([]File, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("definition: read %s: %w", trimmed, err)
	}
	var files []File
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		f, err := LoadFile(filepath.Join(trimmed, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Load reads path as a single file or, when it is a directory, every
// definition inside it.
func Load(path string) ([]File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("definition: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	f, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return []File{f}, nil
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

// toJSON converts a decoded YAML value to JSON. A nil value stays nil.
func toJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize rewrites map[any]any, which encoding/json cannot marshal, into
// map[string]any.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprint(k)
			}
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return v, nil
	}
}

// ----------------------------------------------------------------------------
// Apply
// ----------------------------------------------------------------------------

// Store is the part of the repository Apply needs.
type Store interface {
	ListWorkflows(ctx context.Context, filter repository.WorkflowFilter) ([]types.WorkflowSummary, error)
	CreateWorkflow(ctx context.Context, in *types.WorkflowInput) (*types.Workflow, error)
	UpdateWorkflow(ctx context.Context, id uuid.UUID, patch *types.WorkflowPatch) (*types.Workflow, error)
}

// Apply creates the workflow, or updates the one with the same name and
// owner. It reports whether a new workflow was created.
func Apply(ctx context.Context, store Store, in *types.WorkflowInput) (*types.Workflow, bool, error) {
	existing, err := store.ListWorkflows(ctx, repository.WorkflowFilter{Owner: in.Owner})
	if err != nil {
		return nil, false, fmt.Errorf("failed to list workflows: %w", err)
	}
	for _, summary := range existing {
		if summary.Name != in.Name {
			continue
		}
		patch := &types.WorkflowPatch{
			Source:   &in.Source,
			Pipeline: &in.Pipeline,
		}
		if in.Schedule != nil {
			patch.Schedule = in.Schedule
		} else {
			patch.ClearSchedule = true
		}
		if in.Status != "" {
			patch.Status = &in.Status
		}
		wf, err := store.UpdateWorkflow(ctx, summary.ID, patch)
		if err != nil {
			return nil, false, fmt.Errorf("failed to update workflow %s: %w", in.Name, err)
		}
		return wf, false, nil
	}

	wf, err := store.CreateWorkflow(ctx, in)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create workflow %s: %w", in.Name, err)
	}
	return wf, true, nil
}
