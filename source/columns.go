package source

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// columnCacheSize bounds cached table layouts. Sources watch one table each,
// so this mostly guards against unbounded growth under reconfiguration.
const columnCacheSize = 32

// columnCache caches column name lists per table. Source schemas are fixed
// by the loader, so entries never need invalidation within a process.
type columnCache struct {
	cache *lru.Cache[string, []string]
}

func newColumnCache() *columnCache {
	c, err := lru.New[string, []string](columnCacheSize)
	if err != nil {
		// lru.New only fails on size <= 0
		panic(err)
	}
	return &columnCache{cache: c}
}

// tableColumns returns the watched table's column names in declaration order.
func (s *SQLite) tableColumns(ctx context.Context) ([]string, error) {
	if cols, ok := s.columns.cache.Get(s.table); ok {
		return cols, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?) ORDER BY cid`, s.table)
	if err != nil {
		return nil, fmt.Errorf("source %s: failed to read table info: %w", s.name, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("source %s: failed to scan column name: %w", s.name, err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("source %s: table %s has no columns", s.name, s.table)
	}

	s.columns.cache.Add(s.table, cols)
	return cols, nil
}
