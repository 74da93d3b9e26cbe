package store

import (
	"context"
	"database/sql"
	"io/fs"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/het0814/SD-voice-ai-service/internal/db"
)

// sqliteTimeLayout is fixed width and always UTC so text comparison orders
// timestamps correctly.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// sqliteParams are applied to every pooled connection. Immediate
// transactions take the write lock at BEGIN, which is what serializes
// row "locks" on SQLite.
const sqliteParams = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	Reader
	db *sql.DB
}

var sqliteDialect = dialect{
	name:         "sqlite",
	offsetOnly:   " LIMIT -1",
	timeArg:      func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
	scanTime:     func(p *time.Time) any { return sqliteTime{p: p} },
	scanNullTime: func(p **time.Time) any { return sqliteNullTime{p: p} },
}

type sqliteTime struct{ p *time.Time }

func (t sqliteTime) Scan(src any) error {
	v, err := parseSQLiteTime(src)
	if err != nil {
		return err
	}
	if v == nil {
		return eris.New("sqlite: unexpected NULL timestamp")
	}
	*t.p = *v
	return nil
}

type sqliteNullTime struct{ p **time.Time }

func (t sqliteNullTime) Scan(src any) error {
	v, err := parseSQLiteTime(src)
	if err != nil {
		return err
	}
	*t.p = v
	return nil
}

func parseSQLiteTime(src any) (*time.Time, error) {
	var s string
	switch v := src.(type) {
	case nil:
		return nil, nil
	case time.Time:
		u := v.UTC()
		return &u, nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return nil, eris.Errorf("sqlite: cannot scan %T into time", src)
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	parsed = parsed.UTC()
	return &parsed, nil
}

// sqlQuerier is satisfied by *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteConn struct {
	q sqlQuerier
}

var pgPlaceholder = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $N placeholders into SQLite's ?N form.
func rebind(query string) string {
	return pgPlaceholder.ReplaceAllString(query, "?$1")
}

func (c sqliteConn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.q.ExecContext(ctx, rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c sqliteConn) query(ctx context.Context, query string, args ...any) (rowIter, error) {
	rows, err := c.q.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (c sqliteConn) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return c.q.QueryRowContext(ctx, rebind(query), args...)
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() {
	_ = r.Rows.Close()
}

// NewSQLite opens a SQLite database at path with foreign keys, WAL and
// immediate transactions enabled.
func NewSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&" + sqliteParams
	} else {
		dsn += "?" + sqliteParams
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	return &SQLiteStore{
		Reader: &queries{c: sqliteConn{q: sqlDB}, d: sqliteDialect},
		db:     sqlDB,
	}, nil
}

// InTx runs fn inside an immediate SQLite transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	if err := fn(&queries{c: sqliteConn{q: tx}, d: sqliteDialect}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// Migrate applies the embedded SQLite migrations not yet recorded.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "sqlite.migrate"))

	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return eris.Wrap(err, "sqlite: ensure migration table")
	}

	sub, err := fs.Sub(migrationFS, "migrations/sqlite")
	if err != nil {
		return eris.Wrap(err, "sqlite: migrations fs")
	}
	names, err := db.MigrationFiles(sub)
	if err != nil {
		return err
	}

	for _, name := range names {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`, name).Scan(&exists)
		if err != nil {
			return eris.Wrapf(err, "sqlite: check migration %s", name)
		}
		if exists > 0 {
			continue
		}

		data, err := fs.ReadFile(sub, name)
		if err != nil {
			return eris.Wrapf(err, "sqlite: read migration %s", name)
		}
		log.Info("applying migration", zap.String("file", name))
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "sqlite: apply migration %s", name)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`,
			name, time.Now().UTC().Format(sqliteTimeLayout),
		); err != nil {
			return eris.Wrapf(err, "sqlite: record migration %s", name)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
