// Package db layers named tables of JSON values over the same response store
// that holds cache bodies. Each table is a dedicated store named
// "ngsw:db:<table>"; a value for key k is stored as the response to a
// synthesized request for "/k". JSON is the only serialization format.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/o-tero/swproxy/adapter"
)

const tablePrefix = "ngsw:db:"

// ErrNotFound tags reads of absent keys so callers can branch on a miss
// without string matching.
var ErrNotFound = errors.New("db: key not found")

// Database manages named tables over a CacheStorage. Open is idempotent and
// cached; concurrent use is safe.
type Database struct {
	storage adapter.CacheStorage
	log     *zap.Logger

	mu     sync.Mutex
	tables map[string]*Table
}

// New builds a Database over storage. A nil logger disables logging.
func New(storage adapter.CacheStorage, log *zap.Logger) *Database {
	if log == nil {
		log = zap.NewNop()
	}
	return &Database{
		storage: storage,
		log:     log.Named("db"),
		tables:  make(map[string]*Table),
	}
}

// Open returns the named table, creating its backing store if needed.
func (d *Database) Open(ctx context.Context, name string) (*Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tables[name]; ok {
		return t, nil
	}
	cache, err := d.storage.Open(ctx, tablePrefix+name)
	if err != nil {
		return nil, fmt.Errorf("open table %q: %w", name, err)
	}
	t := &Table{name: name, cache: cache}
	d.tables[name] = t
	return t, nil
}

// Delete removes the named table and all its entries.
func (d *Database) Delete(ctx context.Context, name string) error {
	d.mu.Lock()
	delete(d.tables, name)
	d.mu.Unlock()
	if err := d.storage.Delete(ctx, tablePrefix+name); err != nil {
		return fmt.Errorf("delete table %q: %w", name, err)
	}
	d.log.Debug("table deleted", zap.String("table", name))
	return nil
}

// List returns the names of all tables present in the storage.
func (d *Database) List(ctx context.Context) ([]string, error) {
	names, err := d.storage.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	tables := make([]string, 0, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, tablePrefix) {
			tables = append(tables, strings.TrimPrefix(name, tablePrefix))
		}
	}
	sort.Strings(tables)
	return tables, nil
}

// Table is one named directory of key to JSON value entries.
type Table struct {
	name  string
	cache adapter.Cache
}

// Name returns the table name without the store prefix.
func (t *Table) Name() string { return t.name }

func keyRequest(key string) *adapter.Request {
	return adapter.NewRequest(http.MethodGet, "/"+key)
}

// Read unmarshals the value stored under key into out. Returns ErrNotFound
// (wrapped) when the key is absent.
func (t *Table) Read(ctx context.Context, key string, out any) error {
	res, err := t.cache.Match(ctx, keyRequest(key))
	if err != nil {
		return fmt.Errorf("table %q: read %q: %w", t.name, key, err)
	}
	if res == nil {
		return fmt.Errorf("table %q: read %q: %w", t.name, key, ErrNotFound)
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return fmt.Errorf("table %q: decode %q: %w", t.name, key, err)
	}
	return nil
}

// Write stores value under key, replacing any previous entry.
func (t *Table) Write(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("table %q: encode %q: %w", t.name, key, err)
	}
	res := adapter.NewResponse(http.StatusOK, data)
	res.Header.Set("Content-Type", "application/json")
	if err := t.cache.Put(ctx, keyRequest(key), res); err != nil {
		return fmt.Errorf("table %q: write %q: %w", t.name, key, err)
	}
	return nil
}

// Delete removes key and reports whether it existed.
func (t *Table) Delete(ctx context.Context, key string) (bool, error) {
	ok, err := t.cache.Delete(ctx, keyRequest(key))
	if err != nil {
		return false, fmt.Errorf("table %q: delete %q: %w", t.name, key, err)
	}
	return ok, nil
}

// Keys lists the keys present in the table.
func (t *Table) Keys(ctx context.Context) ([]string, error) {
	reqs, err := t.cache.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("table %q: list keys: %w", t.name, err)
	}
	keys := make([]string, 0, len(reqs))
	for _, req := range reqs {
		keys = append(keys, strings.TrimPrefix(req.URL, "/"))
	}
	return keys, nil
}
