package store

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
    id                 TEXT PRIMARY KEY,
    display_name       TEXT NOT NULL DEFAULT '',
    attribution        TEXT NOT NULL DEFAULT '',
    added_at           TEXT NOT NULL DEFAULT '',
    source             TEXT NOT NULL DEFAULT '',
    text               TEXT,
    labels             TEXT NOT NULL DEFAULT '[]',
    label_confidences  TEXT,
    primary_label      TEXT NOT NULL DEFAULT '',
    primary_confidence REAL NOT NULL DEFAULT 0,
    model_tag          TEXT NOT NULL DEFAULT '',
    status             TEXT NOT NULL DEFAULT 'pending'
);

CREATE INDEX IF NOT EXISTS idx_items_status ON items(status);
CREATE INDEX IF NOT EXISTS idx_items_text ON items(text);
CREATE INDEX IF NOT EXISTS idx_items_added_at ON items(added_at);
`

// addedColumns are columns introduced after the first schema version. Older
// databases get them via ALTER TABLE.
var addedColumns = []struct {
	name string
	ddl  string
}{
	{"source", "ALTER TABLE items ADD COLUMN source TEXT NOT NULL DEFAULT ''"},
	{"labels", "ALTER TABLE items ADD COLUMN labels TEXT NOT NULL DEFAULT '[]'"},
	{"label_confidences", "ALTER TABLE items ADD COLUMN label_confidences TEXT"},
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	var cols []struct {
		CID        int     `db:"cid"`
		Name       string  `db:"name"`
		Type       string  `db:"type"`
		NotNull    bool    `db:"notnull"`
		Default    *string `db:"dflt_value"`
		PrimaryKey int     `db:"pk"`
	}
	if err := s.db.SelectContext(ctx, &cols, "PRAGMA table_info(items)"); err != nil {
		return fmt.Errorf("inspect items table: %w", err)
	}
	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[c.Name] = true
	}
	for _, c := range addedColumns {
		if have[c.name] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, c.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", c.name, err)
		}
	}
	return nil
}
