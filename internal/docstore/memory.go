package docstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

type memDoc struct {
	version   int64
	data      []byte
	updatedAt time.Time
}

type memEvent struct {
	record  OutboxRecord
	sent    bool
	blocked time.Time
}

type memoryBackend struct {
	mu     sync.Mutex
	docs   map[string]memDoc
	outbox []*memEvent
	nextID int64
}

// NewMemory returns a Store kept in process memory. It has the same
// transaction semantics as the Postgres backend and is used for local runs
// and tests.
func NewMemory(opts Options) *Store {
	return newStore(&memoryBackend{docs: make(map[string]memDoc)}, opts)
}

func (m *memoryBackend) load(_ context.Context, path string) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.docs[path]
	if !ok {
		return Snapshot{}, false, nil
	}
	return Snapshot{Path: path, Version: d.version, Data: append([]byte(nil), d.data...), UpdatedAt: d.updatedAt}, true, nil
}

func (m *memoryBackend) list(_ context.Context, collection string) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Snapshot
	for path, d := range m.docs {
		if Collection(path) != collection {
			continue
		}
		out = append(out, Snapshot{Path: path, Version: d.version, Data: append([]byte(nil), d.data...), UpdatedAt: d.updatedAt})
	}
	return out, nil
}

func (m *memoryBackend) commit(_ context.Context, reads map[string]int64, ops []op, events []pendingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, path := range sortedReads(reads) {
		if m.docs[path].version != reads[path] {
			return errConflict
		}
	}

	// Validate on a copy so a failed op leaves the store untouched.
	staged := make(map[string]*memDoc)
	current := func(path string) (memDoc, bool) {
		if d, ok := staged[path]; ok {
			return *d, d.data != nil
		}
		d, ok := m.docs[path]
		return d, ok
	}

	now := time.Now().UTC()
	for _, o := range ops {
		prev, exists := current(o.path)
		switch o.kind {
		case opCreate:
			if exists {
				return ErrAlreadyExists
			}
			staged[o.path] = &memDoc{version: prev.version + 1, data: o.data, updatedAt: now}
		case opSet:
			staged[o.path] = &memDoc{version: prev.version + 1, data: o.data, updatedAt: now}
		case opMerge:
			merged, err := mergeJSON(prev.data, o.data)
			if err != nil {
				return err
			}
			staged[o.path] = &memDoc{version: prev.version + 1, data: merged, updatedAt: now}
		case opDelete:
			staged[o.path] = &memDoc{version: prev.version}
		}
	}

	for path, d := range staged {
		if d.data == nil {
			delete(m.docs, path)
			continue
		}
		m.docs[path] = *d
	}
	for _, e := range events {
		m.nextID++
		m.outbox = append(m.outbox, &memEvent{record: OutboxRecord{
			ID:        m.nextID,
			EventID:   e.eventID,
			EventType: e.eventType,
			Payload:   e.payload,
		}})
	}
	return nil
}

func mergeJSON(base, patch []byte) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if len(base) > 0 {
		if err := json.Unmarshal(base, &fields); err != nil {
			return nil, err
		}
	}
	var update map[string]json.RawMessage
	if err := json.Unmarshal(patch, &update); err != nil {
		return nil, err
	}
	for k, v := range update {
		fields[k] = v
	}
	return json.Marshal(fields)
}

func (m *memoryBackend) claimOutbox(_ context.Context, limit int, lease time.Duration) ([]OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []OutboxRecord
	for _, e := range m.outbox {
		if len(out) >= limit {
			break
		}
		if e.sent || e.blocked.After(now) {
			continue
		}
		e.blocked = now.Add(lease)
		out = append(out, e.record)
	}
	return out, nil
}

func (m *memoryBackend) markSent(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.outbox {
		if e.record.ID == id {
			e.sent = true
		}
	}
	return nil
}

func (m *memoryBackend) markRetry(_ context.Context, id int64, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.outbox {
		if e.record.ID == id {
			e.record.Attempts++
			e.blocked = next
		}
	}
	return nil
}

// PendingEvents lists unsent outbox events of the given type. An empty type
// matches everything.
func (s *Store) PendingEvents(eventType string) []OutboxRecord {
	m, ok := s.backend.(*memoryBackend)
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []OutboxRecord
	for _, e := range m.outbox {
		if e.sent || (eventType != "" && !strings.EqualFold(e.record.EventType, eventType)) {
			continue
		}
		out = append(out, e.record)
	}
	return out
}
