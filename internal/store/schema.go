package store

import (
	"database/sql"
	"fmt"
)

const schema = `
-- Current state: one row per (account, device), overwritten in place
CREATE TABLE IF NOT EXISTS settings_current (
    account TEXT NOT NULL,
    device TEXT NOT NULL,
    revision INTEGER NOT NULL,
    payload_plain TEXT,
    payload_enc TEXT,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (account, device)
);

-- History: append-only per-revision log, pruned to a keep-limit
CREATE TABLE IF NOT EXISTS settings_history (
    account TEXT NOT NULL,
    device TEXT NOT NULL,
    revision INTEGER NOT NULL,
    payload_plain TEXT,
    payload_enc TEXT,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (account, device, revision)
);

CREATE INDEX IF NOT EXISTS idx_history_updated ON settings_history(account, device, updated_at);
`

// columnAddition is a schema evolution applied as check-then-add so
// deployments upgrade in place without a separate migration runner.
type columnAddition struct {
	Table  string
	Column string
	DDL    string
}

var columnAdditions = []columnAddition{
	{
		Table:  "settings_current",
		Column: "device_label",
		DDL:    `ALTER TABLE settings_current ADD COLUMN device_label TEXT NOT NULL DEFAULT ''`,
	},
}

// migrate applies every pending column addition. Safe to run on every
// startup: additions whose column already exists are skipped.
func (s *Store) migrate() error {
	for _, m := range columnAdditions {
		exists, err := s.columnExists(m.Table, m.Column)
		if err != nil {
			return fmt.Errorf("check column %s.%s: %w", m.Table, m.Column, err)
		}
		if exists {
			continue
		}
		if _, err := s.conn.Exec(m.DDL); err != nil {
			return fmt.Errorf("add column %s.%s: %w", m.Table, m.Column, err)
		}
	}
	return nil
}

func (s *Store) columnExists(table, column string) (bool, error) {
	rows, err := s.conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
