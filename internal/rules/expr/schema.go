package expr

import (
	"fmt"
	"sync"
)

// Schema describes the filterable fields of one target record type,
// identified by its logical data source (db context) and entity name.
type Schema struct {
	DbContext string
	Entity    string
	fields    map[string]struct{}
}

// NewSchema builds a schema for the given record type.
func NewSchema(dbContext, entity string, fields ...string) *Schema {
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return &Schema{DbContext: dbContext, Entity: entity, fields: set}
}

// HasField reports whether the record type exposes the named field.
func (s *Schema) HasField(name string) bool {
	_, ok := s.fields[name]
	return ok
}

// Name returns the qualified record type name.
func (s *Schema) Name() string {
	return s.DbContext + "/" + s.Entity
}

// Registry resolves (db context, entity) pairs to schemas. Populated once at
// startup with every record type rules may target.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register adds or replaces a schema.
func (r *Registry) Register(s *Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Name()] = s
}

// Find resolves a schema; a miss is a compile error since the rule group
// names a record type the system does not know.
func (r *Registry) Find(dbContext, entity string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[dbContext+"/"+entity]
	if !ok {
		return nil, &CompileError{Reason: fmt.Sprintf("unknown record type %s/%s", dbContext, entity)}
	}
	return s, nil
}
