// Package services contains the built-in services shipped with the keeld
// binary: durable storage, the AI completion client, the workspace file
// watcher, and the outbound webhook notifier. Each is a service.Service
// registered with the lifecycle manager under a well-known name.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/keelframework/keel/errors"
	"github.com/keelframework/keel/event"
	"github.com/keelframework/keel/pkg/pool"
	"github.com/keelframework/keel/service"
)

// StorageName is the name the storage service registers under.
const StorageName = "storage"

// StorageConfig configures the SQLite-backed storage service.
type StorageConfig struct {
	// Path is the SQLite database file. ":memory:" works for tests.
	Path string `json:"path"`

	// PoolSize bounds concurrent database connections. Defaults to the
	// pool settings in the top-level configuration.
	PoolSize int `json:"pool_size"`

	// AcquireTimeout bounds how long a caller waits for a connection.
	AcquireTimeout time.Duration `json:"acquire_timeout"`

	// AuditEvents persists every bus event to the audit log. Defaults to
	// true.
	AuditEvents *bool `json:"audit_events"`
}

func (c StorageConfig) auditEnabled() bool {
	return c.AuditEvents == nil || *c.AuditEvents
}

// UnmarshalJSON accepts durations as strings ("5s") as well as integer
// nanoseconds.
func (c *StorageConfig) UnmarshalJSON(data []byte) error {
	type Alias StorageConfig

	aux := &struct {
		AcquireTimeout json.RawMessage `json:"acquire_timeout,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if len(aux.AcquireTimeout) > 0 {
		timeout, err := parseDurationField(aux.AcquireTimeout, "acquire_timeout")
		if err != nil {
			return err
		}
		c.AcquireTimeout = timeout
	}
	return nil
}

// Storage is a durable key-value document store over SQLite. Access goes
// through a bounded connection pool so a slow query cannot starve the rest
// of the process of file handles.
type Storage struct {
	*service.BaseService

	cfg  StorageConfig
	deps *service.Dependencies

	db    *sql.DB
	conns *pool.Pool[*sql.Conn]

	unsubscribe func()
}

// NewStorage is the storage service constructor.
func NewStorage(rawConfig json.RawMessage, deps *service.Dependencies) (service.Service, error) {
	cfg := StorageConfig{
		PoolSize:       deps.Config.Pool.MaxSize,
		AcquireTimeout: deps.Config.Pool.AcquireTimeout,
	}
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "storage", "New", "parsing config")
		}
	}
	if cfg.Path == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "storage", "New", "path is required")
	}
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}

	return &Storage{
		BaseService: service.NewBaseService(StorageName,
			service.WithBaseLogger(deps.Logger.With("service", StorageName))),
		cfg:  cfg,
		deps: deps,
	}, nil
}

// Start opens the database, applies the schema, and builds the connection
// pool.
func (s *Storage) Start(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", s.cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return errors.WrapFatal(err, "storage", "Start", "opening database")
	}
	db.SetMaxOpenConns(s.cfg.PoolSize)
	db.SetConnMaxLifetime(0)

	schema := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			kind   TEXT NOT NULL,
			source TEXT NOT NULL,
			key    TEXT NOT NULL,
			detail TEXT,
			at     TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS events_at ON events (at)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return errors.WrapFatal(err, "storage", "Start", "applying schema")
		}
	}

	conns, err := pool.New(
		func(ctx context.Context) (*sql.Conn, error) { return db.Conn(ctx) },
		s.cfg.PoolSize,
		s.cfg.AcquireTimeout,
		pool.WithHealthCheck(func(c *sql.Conn) bool {
			return c.PingContext(context.Background()) == nil
		}),
		pool.WithCloser(func(c *sql.Conn) error { return c.Close() }),
		pool.WithEvents[*sql.Conn](s.deps.Bus, StorageName),
		pool.WithMetrics[*sql.Conn](s.deps.Metrics, "storage"),
	)
	if err != nil {
		_ = db.Close()
		return errors.Wrap(err, "storage", "Start", "building connection pool")
	}

	s.db = db
	s.conns = conns

	if s.cfg.auditEnabled() {
		s.unsubscribe = s.deps.Bus.SubscribeFunc(event.KindAny, s.audit)
	}

	s.MarkStarted()
	s.Logger().Info("storage ready",
		"path", s.cfg.Path,
		"pool_size", s.cfg.PoolSize,
		"audit", s.cfg.auditEnabled())
	return nil
}

// Stop stops the audit subscription and closes the pool and the database.
func (s *Storage) Stop(_ time.Duration) error {
	s.MarkStopped()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.conns != nil {
		_ = s.conns.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return errors.Wrap(err, "storage", "Stop", "closing database")
		}
	}
	return nil
}

// Put stores a document under key, replacing any previous value.
func (s *Storage) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "storage", "Put", "key cannot be empty")
	}
	return pool.WithResource(ctx, s.conns, func(c *sql.Conn) error {
		_, err := c.ExecContext(ctx,
			`INSERT INTO documents (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, time.Now().UTC())
		if err != nil {
			return errors.WrapTransient(err, "storage", "Put", key)
		}
		return nil
	})
}

// Get returns the document stored under key.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := pool.WithResource(ctx, s.conns, func(c *sql.Conn) error {
		row := c.QueryRowContext(ctx, `SELECT value FROM documents WHERE key = ?`, key)
		if err := row.Scan(&value); err != nil {
			if err == sql.ErrNoRows {
				return errors.WrapInvalid(errors.ErrNotFound, "storage", "Get", key)
			}
			return errors.WrapTransient(err, "storage", "Get", key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete removes a document. Deleting an absent key is not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	return pool.WithResource(ctx, s.conns, func(c *sql.Conn) error {
		if _, err := c.ExecContext(ctx, `DELETE FROM documents WHERE key = ?`, key); err != nil {
			return errors.WrapTransient(err, "storage", "Delete", key)
		}
		return nil
	})
}

// Keys lists stored keys with the given prefix, in lexical order.
func (s *Storage) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := pool.WithResource(ctx, s.conns, func(c *sql.Conn) error {
		rows, err := c.QueryContext(ctx,
			`SELECT key FROM documents WHERE key LIKE ? || '%' ORDER BY key`, prefix)
		if err != nil {
			return errors.WrapTransient(err, "storage", "Keys", prefix)
		}
		defer rows.Close()

		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return errors.WrapTransient(err, "storage", "Keys", prefix)
			}
			keys = append(keys, key)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// SaveEvent appends one event to the audit log.
func (s *Storage) SaveEvent(ctx context.Context, evt event.Event) error {
	var detail []byte
	if evt.Detail != nil {
		var err error
		detail, err = json.Marshal(evt.Detail)
		if err != nil {
			return errors.WrapInvalid(err, "storage", "SaveEvent", "encoding detail")
		}
	}

	return pool.WithResource(ctx, s.conns, func(c *sql.Conn) error {
		_, err := c.ExecContext(ctx,
			`INSERT INTO events (kind, source, key, detail, at) VALUES (?, ?, ?, ?, ?)`,
			string(evt.Kind), evt.Source, evt.Key, detail, evt.Timestamp.UTC())
		if err != nil {
			return errors.WrapTransient(err, "storage", "SaveEvent", string(evt.Kind))
		}
		return nil
	})
}

// EventsSince returns audited events with a timestamp at or after since, in
// insertion order.
func (s *Storage) EventsSince(ctx context.Context, since time.Time) ([]event.Event, error) {
	var events []event.Event
	err := pool.WithResource(ctx, s.conns, func(c *sql.Conn) error {
		rows, err := c.QueryContext(ctx,
			`SELECT kind, source, key, detail, at FROM events WHERE at >= ? ORDER BY id`,
			since.UTC())
		if err != nil {
			return errors.WrapTransient(err, "storage", "EventsSince", "querying events")
		}
		defer rows.Close()

		for rows.Next() {
			var (
				evt    event.Event
				kind   string
				detail []byte
			)
			if err := rows.Scan(&kind, &evt.Source, &evt.Key, &detail, &evt.Timestamp); err != nil {
				return errors.WrapTransient(err, "storage", "EventsSince", "scanning event")
			}
			evt.Kind = event.Kind(kind)
			if len(detail) > 0 {
				if err := json.Unmarshal(detail, &evt.Detail); err != nil {
					return errors.WrapInvalid(err, "storage", "EventsSince", "decoding detail")
				}
			}
			events = append(events, evt)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// PruneBefore drops audited events older than cutoff and reports how many
// were removed.
func (s *Storage) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var pruned int64
	err := pool.WithResource(ctx, s.conns, func(c *sql.Conn) error {
		res, err := c.ExecContext(ctx, `DELETE FROM events WHERE at < ?`, cutoff.UTC())
		if err != nil {
			return errors.WrapTransient(err, "storage", "PruneBefore", "deleting events")
		}
		pruned, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

// audit persists one bus event. Best-effort: a failure is logged, never
// propagated back to the publisher.
func (s *Storage) audit(evt event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.SaveEvent(ctx, evt); err != nil {
		s.Logger().Warn("audit write failed", "kind", evt.Kind, "error", err)
	}
}

// PoolStats exposes connection pool counters for the status API.
func (s *Storage) PoolStats() pool.Stats {
	if s.conns == nil {
		return pool.Stats{}
	}
	return s.conns.Stats()
}
