// Package memstore is an in-memory implementation of repository.Repository
// built on go-memdb. It backs unit tests and the runner's --memory mode.
package memstore

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/jonathan/workflow-runner/internal/repository"
)

const (
	tableWorkflows     = "workflows"
	tableRuns          = "workflow_runs"
	tableItems         = "source_items"
	tablePluginRuns    = "plugin_runs"
	tableWorkflowItems = "workflow_items"
	tableRunItems      = "run_items"
)

var _ repository.Repository = (*Store)(nil)

// Store holds every entity in a single go-memdb database. Write transactions
// are serialized by memdb, which makes each method atomic.
type Store struct {
	db  *memdb.MemDB
	now func() time.Time
}

// New creates an empty store.
func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("failed to create memdb: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func schema() *memdb.DBSchema {
	byID := func(field string) *memdb.IndexSchema {
		return &memdb.IndexSchema{Name: "id", Unique: true, Indexer: &uuidIndex{Field: field}}
	}
	byRef := func(name, field string) *memdb.IndexSchema {
		return &memdb.IndexSchema{Name: name, Indexer: &uuidIndex{Field: field}}
	}
	pair := func(a, b string) *memdb.IndexSchema {
		return &memdb.IndexSchema{
			Name:   "id",
			Unique: true,
			Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
				&uuidIndex{Field: a},
				&uuidIndex{Field: b},
			}},
		}
	}

	return &memdb.DBSchema{Tables: map[string]*memdb.TableSchema{
		tableWorkflows: {
			Name:    tableWorkflows,
			Indexes: map[string]*memdb.IndexSchema{"id": byID("ID")},
		},
		tableRuns: {
			Name: tableRuns,
			Indexes: map[string]*memdb.IndexSchema{
				"id":       byID("ID"),
				"workflow": byRef("workflow", "WorkflowID"),
			},
		},
		tableItems: {
			Name: tableItems,
			Indexes: map[string]*memdb.IndexSchema{
				"id": byID("ID"),
				"external_id": {
					Name:    "external_id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ExternalID"},
				},
			},
		},
		tablePluginRuns: {
			Name: tablePluginRuns,
			Indexes: map[string]*memdb.IndexSchema{
				"id":  byID("ID"),
				"run": byRef("run", "WorkflowRunID"),
			},
		},
		tableWorkflowItems: {
			Name: tableWorkflowItems,
			Indexes: map[string]*memdb.IndexSchema{
				"id":       pair("WorkflowID", "SourceItemID"),
				"workflow": byRef("workflow", "WorkflowID"),
				"item":     byRef("item", "SourceItemID"),
			},
		},
		tableRunItems: {
			Name: tableRunItems,
			Indexes: map[string]*memdb.IndexSchema{
				"id":   pair("WorkflowRunID", "SourceItemID"),
				"run":  byRef("run", "WorkflowRunID"),
				"item": byRef("item", "SourceItemID"),
			},
		},
	}}
}

// uuidIndex indexes a uuid.UUID struct field by its 16 raw bytes.
type uuidIndex struct {
	Field string
}

func (u *uuidIndex) FromObject(obj any) (bool, []byte, error) {
	v := reflect.Indirect(reflect.ValueOf(obj))
	fv := v.FieldByName(u.Field)
	if !fv.IsValid() {
		return false, nil, fmt.Errorf("field %q not found on %T", u.Field, obj)
	}
	switch id := fv.Interface().(type) {
	case uuid.UUID:
		return true, uuidBytes(id), nil
	case *uuid.UUID:
		if id == nil {
			return false, nil, nil
		}
		return true, uuidBytes(*id), nil
	default:
		return false, nil, fmt.Errorf("field %q is %T, not uuid.UUID", u.Field, fv.Interface())
	}
}

func (u *uuidIndex) FromArgs(args ...any) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide only a single argument")
	}
	id, ok := args[0].(uuid.UUID)
	if !ok {
		return nil, fmt.Errorf("argument must be a uuid.UUID: %#v", args[0])
	}
	return uuidBytes(id), nil
}

func uuidBytes(id uuid.UUID) []byte {
	b := make([]byte, len(id))
	copy(b, id[:])
	return b
}

func cloneRaw(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

func timePtr(t time.Time) *time.Time {
	return &t
}
