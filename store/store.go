// Package store is the persistence substrate of the escrow core. Every record lives in a
// keyspace keyed by transaction identifier, and every mutation runs inside a unit of work
// scoped to exactly one identifier. Adapters serialize units that share an identifier and
// never lock across identifiers.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound signals the key is absent from the keyspace.
	ErrNotFound = errors.New("store: not found")
	// ErrExists signals an insert hit an existing key.
	ErrExists = errors.New("store: key already exists")
	// ErrConflict signals a concurrent unit of work committed first. The core never retries it.
	ErrConflict = errors.New("store: concurrent update conflict")
	// ErrReadOnly signals a write attempted inside View.
	ErrReadOnly = errors.New("store: write inside read-only view")
)

// Keyspace separates entity types that share a transaction identifier.
type Keyspace string

const (
	KeyspaceAgreement   Keyspace = "agreement"
	KeyspaceTransaction Keyspace = "transaction"
	KeyspaceDispute     Keyspace = "dispute"
)

// Keyspaces lists every record keyspace. The audit log has its own append-only storage.
func Keyspaces() []Keyspace {
	return []Keyspace{KeyspaceAgreement, KeyspaceTransaction, KeyspaceDispute}
}

// LogRecord is one element of a per-identifier append-only log.
type LogRecord struct {
	Seq  int64
	Data []byte
}

// Txn is a unit of work bound to one transaction identifier. Writes become visible to other
// units only when the unit commits.
type Txn interface {
	ID() string
	Get(ctx context.Context, ks Keyspace) ([]byte, error)
	Put(ctx context.Context, ks Keyspace, value []byte) error
	// Insert writes value only if the key is absent, otherwise ErrExists.
	Insert(ctx context.Context, ks Keyspace, value []byte) error
	// Append adds data to the identifier's log and returns its 1-based sequence number.
	Append(ctx context.Context, data []byte) (int64, error)
	Log(ctx context.Context) ([]LogRecord, error)
}

// Store runs units of work. fn receives a context carrying the active unit; nested
// Update/View calls for the same identifier on the same Store join it instead of opening
// a second one. If fn returns an error nothing is committed.
type Store interface {
	Update(ctx context.Context, id string, fn func(ctx context.Context, tx Txn) error) error
	View(ctx context.Context, id string, fn func(ctx context.Context, tx Txn) error) error
}

type activeKey struct{}

type active struct {
	owner    Store
	id       string
	tx       Txn
	readOnly bool
	parent   *active
}

func withActive(ctx context.Context, owner Store, id string, tx Txn, readOnly bool) context.Context {
	parent, _ := ctx.Value(activeKey{}).(*active)
	return context.WithValue(ctx, activeKey{}, &active{owner: owner, id: id, tx: tx, readOnly: readOnly, parent: parent})
}

// joined returns the unit already running for (owner, id) in ctx, if any.
func joined(ctx context.Context, owner Store, id string) (*active, bool) {
	a, _ := ctx.Value(activeKey{}).(*active)
	for ; a != nil; a = a.parent {
		if a.owner == owner && a.id == id {
			return a, true
		}
	}
	return nil, false
}

// join runs fn in the unit already open for id. ok is false when there is none.
func join(ctx context.Context, owner Store, id string, write bool, fn func(context.Context, Txn) error) (bool, error) {
	a, found := joined(ctx, owner, id)
	if !found {
		return false, nil
	}
	if write && a.readOnly {
		return true, ErrReadOnly
	}
	return true, fn(ctx, a.tx)
}

// InUnit reports whether ctx already carries a unit of work for id on s.
func InUnit(ctx context.Context, s Store, id string) bool {
	_, ok := joined(ctx, s, id)
	return ok
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
