package store

import (
	"context"
	"sync"
)

// Memory keeps every keyspace in process memory. Units for the same identifier are
// serialized by a per-identifier mutex; commits apply atomically under the data lock.
type Memory struct {
	lockMu sync.Mutex
	locks  map[string]*idLock

	mu   sync.RWMutex
	data map[Keyspace]map[string][]byte
	logs map[string][]LogRecord
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	m := &Memory{
		locks: make(map[string]*idLock),
		data:  make(map[Keyspace]map[string][]byte),
		logs:  make(map[string][]LogRecord),
	}
	for _, ks := range Keyspaces() {
		m.data[ks] = make(map[string][]byte)
	}
	return m
}

// idLock is a per-identifier mutex shared by the units currently waiting on it.
type idLock struct {
	mu   sync.Mutex
	refs int
}

// acquire locks id and returns the matching release. The entry is dropped once no unit
// holds or waits on it, so the lock table only grows with concurrent identifiers.
func (m *Memory) acquire(id string) func() {
	m.lockMu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &idLock{}
		m.locks[id] = l
	}
	l.refs++
	m.lockMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.lockMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.lockMu.Unlock()
	}
}

func (m *Memory) lockCount() int {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	return len(m.locks)
}

func (m *Memory) Update(ctx context.Context, id string, fn func(ctx context.Context, tx Txn) error) error {
	if ok, err := join(ctx, m, id, true, fn); ok {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	release := m.acquire(id)
	defer release()

	tx := &memTxn{store: m, id: id, staged: make(map[Keyspace][]byte)}
	if err := fn(withActive(ctx, m, id, tx, false), tx); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *Memory) View(ctx context.Context, id string, fn func(ctx context.Context, tx Txn) error) error {
	if ok, err := join(ctx, m, id, false, fn); ok {
		return err
	}
	tx := &memTxn{store: m, id: id, readOnly: true}
	return fn(withActive(ctx, m, id, tx, true), tx)
}

func (m *Memory) commit(tx *memTxn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ks, v := range tx.staged {
		m.data[ks][tx.id] = v
	}
	if len(tx.pending) > 0 {
		m.logs[tx.id] = append(m.logs[tx.id], tx.pending...)
	}
}

type memTxn struct {
	store    *Memory
	id       string
	readOnly bool
	staged   map[Keyspace][]byte
	pending  []LogRecord
}

func (t *memTxn) ID() string { return t.id }

func (t *memTxn) Get(_ context.Context, ks Keyspace) ([]byte, error) {
	if v, ok := t.staged[ks]; ok {
		return clone(v), nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	v, ok := t.store.data[ks][t.id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (t *memTxn) Put(_ context.Context, ks Keyspace, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.staged[ks] = clone(value)
	return nil
}

func (t *memTxn) Insert(ctx context.Context, ks Keyspace, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, err := t.Get(ctx, ks); err == nil {
		return ErrExists
	}
	return t.Put(ctx, ks, value)
}

func (t *memTxn) Append(_ context.Context, data []byte) (int64, error) {
	if t.readOnly {
		return 0, ErrReadOnly
	}
	t.store.mu.RLock()
	committed := len(t.store.logs[t.id])
	t.store.mu.RUnlock()

	seq := int64(committed+len(t.pending)) + 1
	t.pending = append(t.pending, LogRecord{Seq: seq, Data: clone(data)})
	return seq, nil
}

func (t *memTxn) Log(_ context.Context) ([]LogRecord, error) {
	t.store.mu.RLock()
	committed := t.store.logs[t.id]
	out := make([]LogRecord, 0, len(committed)+len(t.pending))
	for _, r := range committed {
		out = append(out, LogRecord{Seq: r.Seq, Data: clone(r.Data)})
	}
	t.store.mu.RUnlock()
	for _, r := range t.pending {
		out = append(out, LogRecord{Seq: r.Seq, Data: clone(r.Data)})
	}
	return out, nil
}
