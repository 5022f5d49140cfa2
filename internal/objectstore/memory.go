package objectstore

import (
	"context"
	"path"
	"sync"
)

// Memory keeps objects in process memory. The service falls back to it when
// no credentials are configured.
type Memory struct {
	name string

	mu      sync.Mutex
	objects map[string]Object
}

func NewMemory(name string) *Memory {
	return &Memory{name: name, objects: make(map[string]Object)}
}

func (m *Memory) Put(ctx context.Context, obj Object) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	id := path.Join(obj.Folder, obj.Key)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[id] = obj
	return Ref{ID: id, URL: "memory://" + m.name + "/" + id}, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, id)
	return nil
}

// Has reports whether an object with the given id is stored.
func (m *Memory) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[id]
	return ok
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
