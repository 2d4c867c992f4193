package inbox

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type engine int

const (
	engineSQLite engine = iota
	enginePostgres
)

// dialect owns the few spots where the two engines diverge: placeholder
// style, serial-column DDL, and column introspection. Everything else is
// shared SQL.
type dialect struct {
	engine engine
}

func openDatabase(dsn string) (*sql.DB, dialect, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, dialect{}, fmt.Errorf("%w: empty storage DSN", ErrInvalidInput)
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, dialect{}, err
		}
		return db, dialect{engine: enginePostgres}, nil
	}

	path := strings.TrimPrefix(dsn, "file://")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, dialect{}, err
	}
	// Pragmas are per-connection; pinning the pool to one connection keeps
	// them in force and sidesteps writer contention.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, dialect{}, err
		}
	}
	return db, dialect{engine: engineSQLite}, nil
}

// rebind converts ?-style placeholders to the engine's native style.
// Statements are written with ? throughout; lib/pq needs $N.
func (d dialect) rebind(query string) string {
	if d.engine != enginePostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation reports whether err is a unique-constraint failure from
// either engine. lib/pq exposes SQLSTATE 23505; modernc.org/sqlite only gives
// us the constraint message.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

func (d dialect) serialPK() string {
	if d.engine == enginePostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// tableColumns returns the set of column names currently on a table, empty
// when the table does not exist yet.
func (d dialect) tableColumns(db *sql.DB, table string) (map[string]struct{}, error) {
	columns := map[string]struct{}{}
	if d.engine == enginePostgres {
		rows, err := db.Query(
			"SELECT column_name FROM information_schema.columns WHERE table_name = $1 AND table_schema = current_schema()",
			table,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return nil, err
			}
			columns[name] = struct{}{}
		}
		return columns, rows.Err()
	}

	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid          int
			name, ctype  string
			notNull, pk  int
			defaultValue sql.NullString
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultValue, &pk); err != nil {
			return nil, err
		}
		columns[name] = struct{}{}
	}
	return columns, rows.Err()
}
