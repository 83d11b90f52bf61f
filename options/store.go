package options

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/ghpreview/dbopen"
	"github.com/hazyhaar/ghpreview/watch"
)

// Schema creates the options table.
const Schema = `
CREATE TABLE IF NOT EXISTS origin_options (
	origin     TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// Store persists Options in SQLite and caches what it read.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	cache    map[string]Options
	onChange []func()
}

// NewStore creates the table if needed.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("options: schema: %w", err)
	}
	return &Store{db: db, logger: logger, now: time.Now, cache: make(map[string]Options)}, nil
}

// GetAll returns the settings of origin, defaults filled in. The first read
// is cached until Set, Update or Invalidate.
func (s *Store) GetAll(ctx context.Context, origin string) (Options, error) {
	s.mu.Lock()
	if o, ok := s.cache[origin]; ok {
		s.mu.Unlock()
		return o, nil
	}
	s.mu.Unlock()

	o, err := s.load(ctx, s.db, origin)
	if err != nil {
		return Options{}, err
	}

	s.mu.Lock()
	s.cache[origin] = o
	s.mu.Unlock()
	return o, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) load(ctx context.Context, q queryer, origin string) (Options, error) {
	o := Defaults()
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM origin_options WHERE origin = ?`, origin).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return o, nil
	}
	if err != nil {
		return Options{}, fmt.Errorf("options: load %s: %w", origin, err)
	}
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return Options{}, fmt.Errorf("options: decode %s: %w", origin, err)
	}
	return o, nil
}

// Set replaces the settings of origin.
func (s *Store) Set(ctx context.Context, origin string, o Options) error {
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.write(ctx, tx, origin, o)
	})
	s.forget(origin)
	s.changed()
	return err
}

// Update changes one field of origin, read and written in one transaction.
func (s *Store) Update(ctx context.Context, origin, key, value string) (Options, error) {
	var out Options
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		o, err := s.load(ctx, tx, origin)
		if err != nil {
			return err
		}
		if err := o.Apply(key, value); err != nil {
			return err
		}
		out = o
		return s.write(ctx, tx, origin, o)
	})
	s.forget(origin)
	s.changed()
	return out, err
}

func (s *Store) write(ctx context.Context, tx *sql.Tx, origin string, o Options) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("options: encode: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO origin_options (origin, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(origin) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		origin, string(data), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("options: save %s: %w", origin, err)
	}
	return nil
}

// Origins lists every configured origin.
func (s *Store) Origins(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT origin FROM origin_options ORDER BY origin`)
	if err != nil {
		return nil, fmt.Errorf("options: list: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Token returns the personal token of origin, empty when unset.
func (s *Store) Token(ctx context.Context, origin string) (string, error) {
	o, err := s.GetAll(ctx, origin)
	if err != nil {
		return "", err
	}
	return o.PersonalToken, nil
}

// HasToken reports whether origin has a personal token.
func (s *Store) HasToken(ctx context.Context, origin string) bool {
	t, err := s.Token(ctx, origin)
	return err == nil && t != ""
}

// TokenFor returns the token of the origin serving rawURL. It fits
// fetcher.TokenFunc; lookup errors mean no token.
func (s *Store) TokenFor(ctx context.Context, rawURL string) string {
	t, err := s.Token(ctx, Origin(rawURL))
	if err != nil {
		s.logger.Warn("options: token lookup", "origin", Origin(rawURL), "error", err)
		return ""
	}
	return t
}

// OnChange registers fn to run after settings changed, through this
// Store or, while Watch runs, another process.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

func (s *Store) changed() {
	s.mu.Lock()
	fns := append([]func(){}, s.onChange...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Invalidate drops the whole cache.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[string]Options)
	s.mu.Unlock()
}

func (s *Store) forget(origin string) {
	s.mu.Lock()
	delete(s.cache, origin)
	s.mu.Unlock()
}

// Watch invalidates the cache whenever another process writes the table.
// It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, interval time.Duration) {
	w := watch.New(s.db, watch.Options{
		Interval: interval,
		Detector: watch.MaxColumnDetector("origin_options", "updated_at"),
		Logger:   s.logger,
	})
	w.OnChange(ctx, func() error {
		s.Invalidate()
		s.changed()
		s.logger.Info("options: reloaded")
		return nil
	})
}
