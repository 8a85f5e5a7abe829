package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const (
	lockExpiry     = 10 * time.Second
	lockTries      = 64
	lockRetryDelay = 20 * time.Millisecond
)

// Redis keeps each record under escrow:<keyspace>:<id> and the audit log in the list
// escrow:audit:<id>. Writers for one identifier queue on a RedLock mutex at
// escrow:lock:<id>, then WATCH every key of the identifier and commit with MULTI/EXEC. A
// unit whose keys change under it anyway (an expired lock or a foreign writer) fails with
// ErrConflict.
type Redis struct {
	client redis.UniversalClient
	locks  *redsync.Redsync
	prefix string
}

var _ Store = (*Redis)(nil)

// NewRedis wraps client. An empty prefix defaults to "escrow".
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "escrow"
	}
	return &Redis{
		client: client,
		locks:  redsync.New(goredis.NewPool(client)),
		prefix: prefix,
	}
}

func (r *Redis) lockKey(id string) string {
	return r.prefix + ":lock:" + id
}

func (r *Redis) recordKey(ks Keyspace, id string) string {
	return r.prefix + ":" + string(ks) + ":" + id
}

func (r *Redis) logKey(id string) string {
	return r.prefix + ":audit:" + id
}

func (r *Redis) keys(id string) []string {
	keys := make([]string, 0, len(Keyspaces())+1)
	for _, ks := range Keyspaces() {
		keys = append(keys, r.recordKey(ks, id))
	}
	return append(keys, r.logKey(id))
}

func (r *Redis) Update(ctx context.Context, id string, fn func(ctx context.Context, tx Txn) error) error {
	if ok, err := join(ctx, r, id, true, fn); ok {
		return err
	}

	mutex := r.locks.NewMutex(r.lockKey(id),
		redsync.WithExpiry(lockExpiry),
		redsync.WithTries(lockTries),
		redsync.WithRetryDelay(lockRetryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: lock %s: %v", ErrConflict, id, err)
	}
	defer func() { _, _ = mutex.UnlockContext(context.WithoutCancel(ctx)) }()

	err := r.client.Watch(ctx, func(rtx *redis.Tx) error {
		t := &redisTxn{store: r, rtx: rtx, id: id, staged: make(map[Keyspace][]byte)}
		if err := fn(withActive(ctx, r, id, t, false), t); err != nil {
			return err
		}
		if len(t.staged) == 0 && len(t.pending) == 0 {
			return nil
		}
		_, err := rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for ks, v := range t.staged {
				p.Set(ctx, r.recordKey(ks, id), v, 0)
			}
			for _, rec := range t.pending {
				p.RPush(ctx, r.logKey(id), rec.Data)
			}
			return nil
		})
		return err
	}, r.keys(id)...)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (r *Redis) View(ctx context.Context, id string, fn func(ctx context.Context, tx Txn) error) error {
	if ok, err := join(ctx, r, id, false, fn); ok {
		return err
	}
	t := &redisTxn{store: r, reader: r.client, id: id, readOnly: true}
	return fn(withActive(ctx, r, id, t, true), t)
}

// reader is the subset of commands a unit issues directly; *redis.Tx and clients both
// provide it.
type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

type redisTxn struct {
	store    *Redis
	rtx      *redis.Tx
	reader   reader
	id       string
	readOnly bool
	staged   map[Keyspace][]byte
	pending  []LogRecord
}

func (t *redisTxn) cmd() reader {
	if t.rtx != nil {
		return t.rtx
	}
	return t.reader
}

func (t *redisTxn) ID() string { return t.id }

func (t *redisTxn) Get(ctx context.Context, ks Keyspace) ([]byte, error) {
	if v, ok := t.staged[ks]; ok {
		return clone(v), nil
	}
	v, err := t.cmd().Get(ctx, t.store.recordKey(ks, t.id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get %s/%s: %w", ks, t.id, err)
	}
	return v, nil
}

func (t *redisTxn) Put(_ context.Context, ks Keyspace, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.staged[ks] = clone(value)
	return nil
}

func (t *redisTxn) Insert(ctx context.Context, ks Keyspace, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, err := t.Get(ctx, ks); err == nil {
		return ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return t.Put(ctx, ks, value)
}

func (t *redisTxn) Append(ctx context.Context, data []byte) (int64, error) {
	if t.readOnly {
		return 0, ErrReadOnly
	}
	n, err := t.cmd().LLen(ctx, t.store.logKey(t.id)).Result()
	if err != nil {
		return 0, fmt.Errorf("store: audit length %s: %w", t.id, err)
	}
	seq := n + int64(len(t.pending)) + 1
	t.pending = append(t.pending, LogRecord{Seq: seq, Data: clone(data)})
	return seq, nil
}

func (t *redisTxn) Log(ctx context.Context) ([]LogRecord, error) {
	items, err := t.cmd().LRange(ctx, t.store.logKey(t.id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list audit %s: %w", t.id, err)
	}
	out := make([]LogRecord, 0, len(items)+len(t.pending))
	for i, item := range items {
		out = append(out, LogRecord{Seq: int64(i) + 1, Data: []byte(item)})
	}
	for _, rec := range t.pending {
		out = append(out, LogRecord{Seq: rec.Seq, Data: clone(rec.Data)})
	}
	return out, nil
}
