// Package docstore is a hierarchically keyed document database with
// multi-document optimistic transactions and a transactional outbox.
//
// A document lives at a slash separated path such as
// "categories/maths/subjects/class10/notes/<id>". Its collection is the path
// without the last segment. Every document carries a version that is bumped on
// each write; a transaction records the version of everything it read and
// commits only if none of those versions moved in the meantime.
package docstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"notemart/internal/apperr"
)

var (
	ErrAlreadyExists  = errors.New("document already exists")
	ErrReadAfterWrite = errors.New("transaction reads must precede writes")

	errConflict = errors.New("concurrent modification")
)

// Snapshot is a stored document as returned by Get and List.
type Snapshot struct {
	Path      string
	Version   int64
	Data      json.RawMessage
	UpdatedAt time.Time
}

// Decode unmarshals the document body into dst.
func (s Snapshot) Decode(dst any) error {
	return json.Unmarshal(s.Data, dst)
}

// Path joins segments into a document or collection path.
func Path(segments ...string) string {
	return strings.Join(segments, "/")
}

// Collection returns the parent collection of a document path.
func Collection(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}

type opKind int

const (
	opCreate opKind = iota
	opSet
	opMerge
	opDelete
)

type op struct {
	kind opKind
	path string
	data []byte
}

type pendingEvent struct {
	eventID   string
	eventType string
	payload   []byte
}

type backend interface {
	load(ctx context.Context, path string) (Snapshot, bool, error)
	list(ctx context.Context, collection string) ([]Snapshot, error)
	commit(ctx context.Context, reads map[string]int64, ops []op, events []pendingEvent) error

	claimOutbox(ctx context.Context, limit int, lease time.Duration) ([]OutboxRecord, error)
	markSent(ctx context.Context, id int64) error
	markRetry(ctx context.Context, id int64, next time.Time) error
}

type Options struct {
	MaxAttempts int
	// Timeout bounds every attempt of a transaction, including the closure.
	Timeout time.Duration
	Backoff time.Duration
	Logger  logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Backoff <= 0 {
		o.Backoff = 20 * time.Millisecond
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		o.Logger = l
	}
	return o
}

type Store struct {
	backend backend
	opts    Options
}

func newStore(b backend, opts Options) *Store {
	return &Store{backend: b, opts: opts.withDefaults()}
}

// RunTransaction runs fn against a fresh transaction and commits its writes
// atomically. If another writer changed anything fn read, the commit is
// rejected and fn runs again with fresh reads. Errors returned by fn abort the
// transaction without retry. fn must therefore be safe to run more than once.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	for attempt := 1; ; attempt++ {
		err := s.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errConflict) {
			return err
		}
		if attempt >= s.opts.MaxAttempts {
			return apperr.Wrap(apperr.ErrTransactionConflict, err, "document transaction")
		}

		s.opts.Logger.WithField("attempt", attempt).Debug("document transaction conflict, retrying")

		select {
		case <-ctx.Done():
			return apperr.Upstream(ctx.Err(), "document transaction")
		case <-time.After(time.Duration(attempt) * s.opts.Backoff):
		}
	}
}

func (s *Store) attempt(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	tx := &Tx{backend: s.backend, reads: make(map[string]int64)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if len(tx.ops) == 0 && len(tx.events) == 0 {
		return nil
	}
	return s.backend.commit(ctx, tx.reads, tx.ops, tx.events)
}

// Get reads a single document outside any transaction.
func (s *Store) Get(ctx context.Context, path string, dst any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	snap, ok, err := s.backend.load(ctx, path)
	if err != nil || !ok {
		return false, err
	}
	if dst != nil {
		if err := snap.Decode(dst); err != nil {
			return false, errors.Wrapf(err, "decode %s", path)
		}
	}
	return true, nil
}

// List returns the documents directly inside collection, ordered by path.
func (s *Store) List(ctx context.Context, collection string) ([]Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	snaps, err := s.backend.list(ctx, collection)
	if err != nil {
		return nil, err
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Path < snaps[j].Path })
	return snaps, nil
}

// Tx buffers reads and writes of one transaction attempt.
type Tx struct {
	backend backend
	reads   map[string]int64
	ops     []op
	events  []pendingEvent
}

// Get reads path into dst and records its version for the commit check.
// A missing document is recorded as version 0, so a concurrent creation also
// counts as a conflict.
func (tx *Tx) Get(ctx context.Context, path string, dst any) (bool, error) {
	if len(tx.ops) > 0 || len(tx.events) > 0 {
		return false, ErrReadAfterWrite
	}
	snap, ok, err := tx.backend.load(ctx, path)
	if err != nil {
		return false, err
	}
	if !ok {
		tx.reads[path] = 0
		return false, nil
	}
	tx.reads[path] = snap.Version
	if dst != nil {
		if err := snap.Decode(dst); err != nil {
			return false, errors.Wrapf(err, "decode %s", path)
		}
	}
	return true, nil
}

// Create inserts a new document; the commit fails with ErrAlreadyExists if
// the path is taken.
func (tx *Tx) Create(path string, v any) error {
	return tx.write(opCreate, path, v)
}

// Set replaces the whole document at path.
func (tx *Tx) Set(path string, v any) error {
	return tx.write(opSet, path, v)
}

// Merge writes the given top-level fields, creating the document if needed.
func (tx *Tx) Merge(path string, fields map[string]any) error {
	return tx.write(opMerge, path, fields)
}

func (tx *Tx) Delete(path string) {
	tx.ops = append(tx.ops, op{kind: opDelete, path: path})
}

// Emit queues an outbox event that is committed together with the writes.
func (tx *Tx) Emit(eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "marshal %s event", eventType)
	}
	tx.events = append(tx.events, pendingEvent{eventID: uuid.NewString(), eventType: eventType, payload: body})
	return nil
}

func (tx *Tx) write(kind opKind, path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", path)
	}
	tx.ops = append(tx.ops, op{kind: kind, path: path, data: body})
	return nil
}

func sortedReads(reads map[string]int64) []string {
	paths := make([]string, 0, len(reads))
	for p := range reads {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
