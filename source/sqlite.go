// Package source reads append-only SQLite tables as ordered event batches.
// Detection is rowid-cursor based: a row is "new" when its rowid exceeds the
// caller's cursor, never when its timestamp looks recent, so out-of-order
// insertion batches and reimports cannot confuse discovery.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/mattn/go-sqlite3"

	"github.com/windscada/scadafeed/feed"
)

// timestampColumnPattern picks out timestamp-like columns for ResolveRowID.
var timestampColumnPattern = regexp.MustCompile(`(?i)timestamp|datetime|date|time|created_at|ts`)

// SQLite watches one table in one SQLite database file.
type SQLite struct {
	name    string
	table   string
	db      *sql.DB
	dialect goqu.DialectWrapper
	columns *columnCache
}

// Open opens a read-only handle on the database. When table is empty, the
// first user table is used, matching the original loader layout where each
// database holds a single data table.
func Open(name, path, table string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open source %s at %s: %w", name, path, err)
	}

	s := &SQLite{
		name:    name,
		table:   table,
		db:      db,
		dialect: goqu.Dialect("sqlite3"),
		columns: newColumnCache(),
	}

	if s.table == "" {
		tbl, err := s.firstUserTable(context.Background())
		if err != nil {
			db.Close()
			return nil, err
		}
		s.table = tbl
	}

	return s, nil
}

// Name returns the configured source name.
func (s *SQLite) Name() string { return s.name }

// Table returns the watched table.
func (s *SQLite) Table() string { return s.table }

// firstUserTable resolves the first non-internal table in the database.
func (s *SQLite) firstUserTable(ctx context.Context) (string, error) {
	const q = `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name LIMIT 1`

	var table string
	if err := s.db.QueryRowContext(ctx, q).Scan(&table); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("source %s: no user table found", s.name)
		}
		return "", fmt.Errorf("source %s: failed to detect table: %w", s.name, err)
	}
	return table, nil
}

// FetchAfter returns rows with rowid strictly greater than `after`, in
// ascending rowid order, at most limit rows. Values come back stringified
// the way the rendering client expects: NULL stays nil, everything else
// becomes text.
func (s *SQLite) FetchAfter(ctx context.Context, after uint64, limit int) ([]feed.Event, error) {
	cols, err := s.tableColumns(ctx)
	if err != nil {
		return nil, err
	}

	selection := make([]any, 0, len(cols)+1)
	selection = append(selection, goqu.L("rowid"))
	for _, c := range cols {
		selection = append(selection, goqu.C(c))
	}

	query, args, err := s.dialect.
		From(s.table).
		Select(selection...).
		Where(goqu.L("rowid").Gt(after)).
		Order(goqu.L("rowid").Asc()).
		Limit(uint(limit)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("source %s: failed to build query: %w", s.name, err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("source %s: query failed: %w", s.name, err)
	}
	defer rows.Close()

	events := make([]feed.Event, 0, limit)
	scan := make([]any, len(cols)+1)
	var rowid uint64
	scan[0] = &rowid
	values := make([]any, len(cols))
	for i := range values {
		scan[i+1] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("source %s: scan failed: %w", s.name, err)
		}

		record := make(map[string]any, len(cols))
		for i, c := range cols {
			record[c] = stringify(values[i])
		}

		events = append(events, feed.Event{
			RowID:  rowid,
			Table:  s.table,
			Record: record,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source %s: row iteration failed: %w", s.name, err)
	}

	return events, nil
}

// ResolveRowID maps a millisecond epoch to the first rowid whose
// timestamp-like column is at or after it. Handles epoch seconds, epoch
// milliseconds and ISO-style text storage. Returns ok=false when no
// candidate column or row matches.
func (s *SQLite) ResolveRowID(ctx context.Context, sinceMS int64) (uint64, bool, error) {
	cols, err := s.tableColumns(ctx)
	if err != nil {
		return 0, false, err
	}

	for _, col := range cols {
		if !timestampColumnPattern.MatchString(col) {
			continue
		}

		q := fmt.Sprintf(
			`SELECT rowid FROM %q WHERE ((CAST(%q AS INTEGER) >= ?) OR ((CAST(%q AS INTEGER) * 1000) >= ?) OR ((strftime('%%s', %q) IS NOT NULL) AND (strftime('%%s', %q) * 1000 >= ?))) ORDER BY rowid ASC LIMIT 1`,
			s.table, col, col, col, col,
		)

		var rowid uint64
		err := s.db.QueryRowContext(ctx, q, sinceMS, sinceMS, sinceMS).Scan(&rowid)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			// Column not castable the way we hoped; try the next candidate.
			continue
		}
		return rowid, true, nil
	}

	return 0, false, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// stringify converts a scanned SQLite value to the wire representation.
func stringify(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}
