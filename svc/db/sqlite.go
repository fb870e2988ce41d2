package db

import (
	"context"
	"database/sql"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"pasteir/pkg/domain"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 25
	defaultMaxIdleConns = 5
	defaultQueryTimeout = 5 * time.Second
)

const (
	DriverMattn   = "sqlite3"
	DriverModernc = "sqlite"
)

// SQLite is the default paste store. Timestamps are stored as unix
// nanoseconds so range predicates compare numerically on either driver.
type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

type SQLiteOpts struct {
	Driver       string
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, SQLiteOpts{})
}

func NewSQLiteWithConfig(path string, o SQLiteOpts) (*SQLite, error) {
	if o.Driver == "" {
		o.Driver = DriverMattn
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = defaultMaxOpenConns
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = defaultMaxIdleConns
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = defaultQueryTimeout
	}
	dsn, err := sqliteDSN(o.Driver, path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(o.Driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	if path == ":memory:" {
		o.MaxOpenConns, o.MaxIdleConns = 1, 1
	}
	db.SetMaxOpenConns(o.MaxOpenConns)
	db.SetMaxIdleConns(o.MaxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: o.QueryTimeout,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// sqliteDSN attaches per-connection pragmas in the syntax each driver expects.
func sqliteDSN(driver, path string) (string, error) {
	var params []string
	switch driver {
	case DriverMattn:
		params = []string{"_busy_timeout=5000", "_foreign_keys=1", "_synchronous=FULL"}
		if path != ":memory:" {
			params = append(params, "_journal_mode=WAL")
		}
	case DriverModernc:
		params = []string{"_pragma=busy_timeout(5000)", "_pragma=foreign_keys(1)", "_pragma=synchronous(FULL)"}
		if path != ":memory:" {
			params = append(params, "_pragma=journal_mode(WAL)")
		}
	default:
		return "", errors.Errorf("unknown sqlite driver %q", driver)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(params, "&"), nil
}
func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return domain.Transient("circuit", ErrCircuitOpen)
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}
func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}
func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS languages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		displayname TEXT NOT NULL,
		alias TEXT NOT NULL UNIQUE
	);
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		created INTEGER NOT NULL,
		expires INTEGER,
		one_time INTEGER NOT NULL DEFAULT 0,
		view_count INTEGER NOT NULL DEFAULT 0,
		ciphertext TEXT NOT NULL,
		salt TEXT,
		iv TEXT,
		lang_id INTEGER REFERENCES languages(id) ON DELETE SET NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_created_expires ON pastes(created, expires);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires ON pastes(expires);
	CREATE INDEX IF NOT EXISTS idx_pastes_one_time_views ON pastes(one_time, view_count);
	`
	if _, err := s.db.Exec(query); err != nil {
		return err
	}
	for _, l := range domain.DefaultLanguages {
		_, err := s.db.Exec(`INSERT INTO languages (displayname, alias) VALUES (?, ?) ON CONFLICT(alias) DO NOTHING`,
			l.DisplayName, l.Alias)
		if err != nil {
			return errors.Wrap(err, "seed languages")
		}
	}
	return nil
}

// fail records err against the breaker and converts it to a transient error.
func (s *SQLite) fail(op string, err error) error {
	s.recordError(err)
	if err == nil {
		return nil
	}
	return domain.Transient(op, errors.Wrap(err, op))
}
func (s *SQLite) Insert(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (id, created, expires, one_time, view_count, ciphertext, salt, iv, lang_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING
	`
	res, err := s.db.ExecContext(queryCtx, q,
		p.ID, p.Created.UnixNano(), nullNanos(p.Expires), p.OneTime, p.ViewCount,
		p.Ciphertext, nullString(p.Salt), nullString(p.IV), p.LangID(),
	)
	if err != nil {
		return s.fail("db insert", err)
	}
	s.recordError(nil)
	n, err := res.RowsAffected()
	if err != nil {
		return s.fail("db insert", err)
	}
	if n == 0 {
		return domain.ErrDuplicateID
	}
	return nil
}
func (s *SQLite) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT p.id, p.created, p.expires, p.one_time, p.view_count, p.ciphertext, p.salt, p.iv,
		l.id, l.displayname, l.alias
	FROM pastes p LEFT JOIN languages l ON l.id = p.lang_id
	WHERE p.id = ?
	`
	var (
		p                   domain.Paste
		created             int64
		expires, langID     sql.NullInt64
		salt, iv            sql.NullString
		langName, langAlias sql.NullString
	)
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(
		&p.ID, &created, &expires, &p.OneTime, &p.ViewCount, &p.Ciphertext, &salt, &iv,
		&langID, &langName, &langAlias,
	)
	if err == sql.ErrNoRows {
		s.recordError(nil)
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, s.fail("db get", err)
	}
	s.recordError(nil)
	p.Created = time.Unix(0, created).UTC()
	if expires.Valid {
		t := time.Unix(0, expires.Int64).UTC()
		p.Expires = &t
	}
	p.Salt, p.IV = salt.String, iv.String
	if langID.Valid {
		p.Lang = &domain.Language{ID: langID.Int64, DisplayName: langName.String, Alias: langAlias.String}
	}
	return &p, nil
}
func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	err := s.db.QueryRowContext(queryCtx, `SELECT 1 FROM pastes WHERE id = ? LIMIT 1`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		s.recordError(nil)
		return false, nil
	}
	if err != nil {
		return false, s.fail("exists check", err)
	}
	s.recordError(nil)
	return exists == 1, nil
}

// IncrementViewCount atomically bumps view_count and returns the new value.
func (s *SQLite) IncrementViewCount(ctx context.Context, id string) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var count int
	err := s.db.QueryRowContext(queryCtx,
		`UPDATE pastes SET view_count = view_count + 1 WHERE id = ? RETURNING view_count`, id,
	).Scan(&count)
	if err == sql.ErrNoRows {
		s.recordError(nil)
		return 0, domain.ErrPasteNotFound
	}
	if err != nil {
		return 0, s.fail("incr views", err)
	}
	s.recordError(nil)
	return count, nil
}
func (s *SQLite) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id)
	if err != nil {
		return false, s.fail("delete paste", err)
	}
	s.recordError(nil)
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FindExpiredOrExhausted returns up to limit ids greater than after whose
// rows are expired at now or are one-time pastes read more than once.
func (s *SQLite) FindExpiredOrExhausted(ctx context.Context, now time.Time, after string, limit int) ([]string, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id FROM (
		SELECT id FROM pastes WHERE expires IS NOT NULL AND expires <= ? AND id > ?
		UNION
		SELECT id FROM pastes WHERE one_time = 1 AND view_count > 1 AND id > ?
	) ORDER BY id LIMIT ?
	`
	rows, err := s.db.QueryContext(queryCtx, q, now.UnixNano(), after, after, limit)
	if err != nil {
		return nil, s.fail("find reapable", err)
	}
	defer rows.Close()
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, s.fail("find reapable", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("find reapable", err)
	}
	s.recordError(nil)
	return ids, nil
}

// ListByIDs returns id and creation time for the given ids that still exist, newest first.
func (s *SQLite) ListByIDs(ctx context.Context, ids []string) ([]domain.HistoryEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := `SELECT id, created FROM pastes WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `) ORDER BY created DESC, id`
	rows, err := s.db.QueryContext(queryCtx, q, args...)
	if err != nil {
		return nil, s.fail("list history", err)
	}
	defer rows.Close()
	var out []domain.HistoryEntry
	for rows.Next() {
		var (
			e       domain.HistoryEntry
			created int64
		)
		if err := rows.Scan(&e.ID, &created); err != nil {
			return nil, s.fail("list history", err)
		}
		e.Created = time.Unix(0, created).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list history", err)
	}
	s.recordError(nil)
	return out, nil
}
func (s *SQLite) Languages(ctx context.Context) ([]domain.Language, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `SELECT id, displayname, alias FROM languages ORDER BY displayname`)
	if err != nil {
		return nil, s.fail("list languages", err)
	}
	defer rows.Close()
	var out []domain.Language
	for rows.Next() {
		var l domain.Language
		if err := rows.Scan(&l.ID, &l.DisplayName, &l.Alias); err != nil {
			return nil, s.fail("list languages", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list languages", err)
	}
	s.recordError(nil)
	return out, nil
}

// LanguageByAlias returns nil without error when the alias is unknown.
func (s *SQLite) LanguageByAlias(ctx context.Context, alias string) (*domain.Language, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var l domain.Language
	err := s.db.QueryRowContext(queryCtx, `SELECT id, displayname, alias FROM languages WHERE alias = ?`, alias).
		Scan(&l.ID, &l.DisplayName, &l.Alias)
	if err == sql.ErrNoRows {
		s.recordError(nil)
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("language lookup", err)
	}
	s.recordError(nil)
	return &l, nil
}
func (s *SQLite) Close() error {
	return s.db.Close()
}
func nullNanos(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
