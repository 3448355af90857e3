// Package storage implements the Merkle-proofed key-value engine:
// versioned tree selection, durable sqlite backing, the height counter and
// event-id base, the subresource allocator, and migration/hotfix hooks
// (spec.md §4.4).
package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/liftedinit/many-go/pkg/address"
	"github.com/liftedinit/many-go/pkg/manyerr"
)

// WriteMode selects when a batch becomes durable (spec.md §4.4.2).
type WriteMode int

const (
	// Immediate flushes every mutation to disk as it is applied.
	Immediate WriteMode = iota
	// Blockchain defers durability to an explicit Commit call.
	Blockchain
)

// Op is a single batched mutation.
type Op struct {
	Key    string
	Value  []byte // value to store; ignored when Delete is set
	Delete bool
}

// Engine is the versioned Merkle-backed KV store.
type Engine struct {
	mu      sync.RWMutex
	db      *sql.DB
	version TreeVersion
	mode    WriteMode

	snapshot map[string][]byte // in-memory mirror, kept in sync with sqlite
	batch    []Op
	root     []byte

	logger *slog.Logger
}

// Open opens (or creates) a sqlite-backed engine at path with the given
// tree version and write mode.
func Open(ctx context.Context, path string, version TreeVersion, mode WriteMode) (*Engine, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value BLOB)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create kv table: %w", err)
	}

	e := &Engine{
		db:       db,
		version:  version,
		mode:     mode,
		snapshot: make(map[string][]byte),
		logger:   slog.Default().With("component", "storage"),
	}
	if err := e.loadSnapshot(ctx); err != nil {
		db.Close()
		return nil, err
	}
	e.recomputeRoot()
	e.logger.InfoContext(ctx, "storage engine opened", "path", path, "tree_version", version, "mode", mode)
	return e, nil
}

func (e *Engine) loadSnapshot(ctx context.Context) error {
	rows, err := e.db.QueryContext(ctx, `SELECT key, value FROM kv`)
	if err != nil {
		return fmt.Errorf("storage: query kv: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("storage: scan kv row: %w", err)
		}
		e.snapshot[k] = v
	}
	return rows.Err()
}

// Close releases the underlying sqlite handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Version reports the tree version this engine was opened with.
func (e *Engine) Version() TreeVersion {
	return e.version
}

// Get returns the current value for key (batched or committed), or false.
func (e *Engine) Get(key string) ([]byte, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := len(e.batch) - 1; i >= 0; i-- {
		if e.batch[i].Key == key {
			if e.batch[i].Delete {
				return nil, false
			}
			return e.batch[i].Value, true
		}
	}
	v, ok := e.snapshot[key]
	return v, ok
}

// Apply stages a batch of puts/deletes atomically in memory. In Immediate
// mode it also commits immediately.
func (e *Engine) Apply(ctx context.Context, ops []Op) error {
	e.mu.Lock()
	e.batch = append(e.batch, ops...)
	immediate := e.mode == Immediate
	e.mu.Unlock()

	if immediate {
		return e.Commit(ctx)
	}
	return nil
}

// Commit durably flushes the staged batch inside a single SQL transaction
// and recomputes the root hash.
func (e *Engine) Commit(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.batch) == 0 {
		return nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}

	for _, op := range e.batch {
		if op.Delete {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, op.Key); err != nil {
				tx.Rollback()
				return fmt.Errorf("storage: delete %q: %w", op.Key, err)
			}
			delete(e.snapshot, op.Key)
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, op.Key, op.Value); err != nil {
			tx.Rollback()
			return fmt.Errorf("storage: put %q: %w", op.Key, err)
		}
		e.snapshot[op.Key] = op.Value
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	n := len(e.batch)
	e.batch = nil
	e.recomputeRoot()
	e.logger.InfoContext(ctx, "committed batch", "ops", n, "root", fmt.Sprintf("%x", e.root))
	return nil
}

func (e *Engine) recomputeRoot() {
	e.root = rootHash(e.version, e.snapshot)
}

// RootHash returns the current Merkle root.
func (e *Engine) RootHash() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.root
}

// Prove returns an inclusion proof for key against the currently committed
// snapshot. Fails with manyerr if queried against the wrong tree version.
func (e *Engine) Prove(version TreeVersion, key string) (*Proof, error) {
	if version != e.version {
		return nil, manyerr.New(manyerr.CodeUnknown,
			"proof query version {want} does not match opened tree version {have}",
			map[string]string{"want": fmt.Sprint(version), "have": fmt.Sprint(e.version)})
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return buildProof(e.version, e.snapshot, key)
}

// Height reads the current block height from /height (0 if unset).
func (e *Engine) Height() uint64 {
	v, ok := e.Get(KeyHeight)
	if !ok || len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

// IncHeight writes height+1 and returns the previous height (spec.md §4.4.3).
func (e *Engine) IncHeight(ctx context.Context) (uint64, error) {
	prev := e.Height()
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, prev+1)
	if err := e.Apply(ctx, []Op{{Key: KeyHeight, Value: buf}}); err != nil {
		return 0, err
	}
	if e.mode == Blockchain {
		if err := e.Commit(ctx); err != nil {
			return 0, err
		}
	}
	return prev, nil
}

// LatestTID derives the latest event id from the stored height:
// max(0, height-1) << 32.
func (e *Engine) LatestTID() uint64 {
	h := e.Height()
	if h == 0 {
		return 0
	}
	return (h - 1) << 32
}

// ParentIdentity reads /config/identity, the server's own address, used as
// the default subresource-allocator parent.
func (e *Engine) ParentIdentity() (address.Address, error) {
	v, ok := e.Get(KeyConfigIdentity)
	if !ok {
		return address.Address{}, fmt.Errorf("storage: /config/identity not set")
	}
	return address.FromBytes(v)
}

// SetParentIdentity persists the server's own address under /config/identity.
func (e *Engine) SetParentIdentity(ctx context.Context, addr address.Address) error {
	return e.Apply(ctx, []Op{{Key: KeyConfigIdentity, Value: addr.ToBytes()}})
}
