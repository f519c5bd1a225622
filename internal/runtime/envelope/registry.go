package envelope

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	errspkg "github.com/drblury/hubflow/internal/runtime/errors"
)

// Schema is one registered payload schema. Definition is a serialized
// descriptorpb.FileDescriptorSet holding the message's file and its imports.
type Schema struct {
	ID         uint32
	Subject    string
	Version    int
	Definition []byte
}

// Registry assigns ids to schemas and resolves them again. Subjects are full
// protobuf message names.
//
// Lookup and LatestID wrap errors.ErrSchemaNotFound for unknown ids or
// subjects. Failures to reach the registry are *errors.TransportError.
type Registry interface {
	Register(ctx context.Context, subject string, definition []byte) (uint32, error)
	Lookup(ctx context.Context, id uint32) (Schema, error)
	LatestID(ctx context.Context, subject string) (uint32, error)
}

// MemoryRegistry keeps schemas in process memory. Registering an unchanged
// definition again returns the existing id.
type MemoryRegistry struct {
	mu        sync.RWMutex
	nextID    uint32
	byID      map[uint32]Schema
	bySubject map[string][]uint32
}

// NewMemoryRegistry returns an empty registry. Ids start at 1.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byID:      make(map[uint32]Schema),
		bySubject: make(map[string][]uint32),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, subject string, definition []byte) (uint32, error) {
	if subject == "" {
		return 0, &errspkg.SchemaError{Err: fmt.Errorf("subject is required")}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.bySubject[subject]
	for _, id := range versions {
		if bytes.Equal(r.byID[id].Definition, definition) {
			return id, nil
		}
	}

	r.nextID++
	id := r.nextID
	r.byID[id] = Schema{
		ID:         id,
		Subject:    subject,
		Version:    len(versions) + 1,
		Definition: bytes.Clone(definition),
	}
	r.bySubject[subject] = append(versions, id)
	return id, nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, id uint32) (Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schema, ok := r.byID[id]
	if !ok {
		return Schema{}, fmt.Errorf("schema id %d: %w", id, errspkg.ErrSchemaNotFound)
	}
	return schema, nil
}

func (r *MemoryRegistry) LatestID(_ context.Context, subject string) (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.bySubject[subject]
	if len(versions) == 0 {
		return 0, fmt.Errorf("subject %s: %w", subject, errspkg.ErrSchemaNotFound)
	}
	return versions[len(versions)-1], nil
}
