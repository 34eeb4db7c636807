package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Current is a device's current-state row.
type Current struct {
	Account     string
	Device      string
	DeviceLabel string
	Revision    int64
	Plain       string // empty means column is NULL
	Enc         string
	UpdatedAt   time.Time
}

// HistoryEntry is one (revision, timestamp) pair from the history log.
type HistoryEntry struct {
	Revision  int64
	UpdatedAt time.Time
}

// Device is a registry listing row.
type Device struct {
	Device      string
	DeviceLabel string
	Revision    int64
	UpdatedAt   time.Time
}

// GetCurrent returns the current row for a device, or nil if the
// device has never pushed.
func (s *Store) GetCurrent(account, device string) (*Current, error) {
	row := s.conn.QueryRow(`
		SELECT account, device, device_label, revision, payload_plain, payload_enc, updated_at
		FROM settings_current WHERE account = ? AND device = ?`,
		account, device)
	return scanCurrent(row)
}

// GetRevision returns a specific historical revision for a device, or
// nil if that revision is no longer retained.
func (s *Store) GetRevision(account, device string, revision int64) (*Current, error) {
	row := s.conn.QueryRow(`
		SELECT account, device, '' AS device_label, revision, payload_plain, payload_enc, updated_at
		FROM settings_history WHERE account = ? AND device = ? AND revision = ?`,
		account, device, revision)
	return scanCurrent(row)
}

func scanCurrent(row *sql.Row) (*Current, error) {
	var c Current
	var plain, enc sql.NullString
	err := row.Scan(&c.Account, &c.Device, &c.DeviceLabel, &c.Revision, &plain, &enc, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Plain = plain.String
	c.Enc = enc.String
	return &c, nil
}

// InsertFirst creates the revision-1 row for a device that has no
// current state. Returns false if a row appeared concurrently, in
// which case the caller should retry through SwapCurrent.
func (s *Store) InsertFirst(account, device, label, plain, enc string, now time.Time) (bool, error) {
	res, err := s.conn.Exec(`
		INSERT INTO settings_current (account, device, device_label, revision, payload_plain, payload_enc, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (account, device) DO NOTHING`,
		account, device, label, nullable(plain), nullable(enc), now)
	if err != nil {
		return false, fmt.Errorf("insert current: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SwapCurrent performs the compare-and-swap write: the revision bump
// and payload overwrite happen in one conditional UPDATE, so there is
// no window between reading the stored revision and writing the new
// one. Returns false when base no longer matches the stored revision.
func (s *Store) SwapCurrent(account, device string, base int64, label, plain, enc string, setLabel bool, now time.Time) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if setLabel {
		res, err = s.conn.Exec(`
			UPDATE settings_current
			SET revision = revision + 1, device_label = ?, payload_plain = ?, payload_enc = ?, updated_at = ?
			WHERE account = ? AND device = ? AND revision = ?`,
			label, nullable(plain), nullable(enc), now, account, device, base)
	} else {
		res, err = s.conn.Exec(`
			UPDATE settings_current
			SET revision = revision + 1, payload_plain = ?, payload_enc = ?, updated_at = ?
			WHERE account = ? AND device = ? AND revision = ?`,
			nullable(plain), nullable(enc), now, account, device, base)
	}
	if err != nil {
		return false, fmt.Errorf("swap current: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AppendHistory records an accepted write in the history log.
func (s *Store) AppendHistory(account, device string, revision int64, plain, enc string, now time.Time) error {
	_, err := s.conn.Exec(`
		INSERT OR REPLACE INTO settings_history (account, device, revision, payload_plain, payload_enc, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		account, device, revision, nullable(plain), nullable(enc), now)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// PruneHistory deletes every history row for the device whose revision
// is not among the keep highest, in a single set-based statement.
func (s *Store) PruneHistory(account, device string, keep int) (int64, error) {
	res, err := s.conn.Exec(`
		DELETE FROM settings_history
		WHERE account = ? AND device = ? AND revision NOT IN (
			SELECT revision FROM settings_history
			WHERE account = ? AND device = ?
			ORDER BY revision DESC LIMIT ?
		)`,
		account, device, account, device, keep)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

// ListHistory returns (revision, updatedAt) pairs newest first.
func (s *Store) ListHistory(account, device string, limit int) ([]HistoryEntry, error) {
	rows, err := s.conn.Query(`
		SELECT revision, updated_at FROM settings_history
		WHERE account = ? AND device = ?
		ORDER BY revision DESC LIMIT ?`,
		account, device, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.Revision, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClearHistory deletes history rows for a device. A non-negative
// keepRevision preserves that single row.
func (s *Store) ClearHistory(account, device string, keepRevision int64) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if keepRevision >= 0 {
		res, err = s.conn.Exec(`
			DELETE FROM settings_history
			WHERE account = ? AND device = ? AND revision != ?`,
			account, device, keepRevision)
	} else {
		res, err = s.conn.Exec(`
			DELETE FROM settings_history WHERE account = ? AND device = ?`,
			account, device)
	}
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return res.RowsAffected()
}

// ListDevices returns every known device for the account, newest
// updated first.
func (s *Store) ListDevices(account string) ([]Device, error) {
	rows, err := s.conn.Query(`
		SELECT device, device_label, revision, updated_at
		FROM settings_current WHERE account = ?
		ORDER BY updated_at DESC, device ASC`,
		account)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.Device, &d.DeviceLabel, &d.Revision, &d.UpdatedAt); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// DeleteDevice removes the device's current row and all of its
// history. Returns the deleted counts.
func (s *Store) DeleteDevice(account, device string) (current int64, history int64, err error) {
	res, err := s.conn.Exec(`
		DELETE FROM settings_current WHERE account = ? AND device = ?`,
		account, device)
	if err != nil {
		return 0, 0, fmt.Errorf("delete current: %w", err)
	}
	current, _ = res.RowsAffected()

	res, err = s.conn.Exec(`
		DELETE FROM settings_history WHERE account = ? AND device = ?`,
		account, device)
	if err != nil {
		return current, 0, fmt.Errorf("delete history: %w", err)
	}
	history, _ = res.RowsAffected()
	return current, history, nil
}

// RenameDevice updates the device's label only. Returns false if the
// device is unknown.
func (s *Store) RenameDevice(account, device, label string) (bool, error) {
	res, err := s.conn.Exec(`
		UPDATE settings_current SET device_label = ? WHERE account = ? AND device = ?`,
		label, account, device)
	if err != nil {
		return false, fmt.Errorf("rename device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// nullable maps the empty string to NULL so absent payload columns
// stay NULL rather than empty text.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
