package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/colegrim/hubdeck/internal/vault"
)

// ============================================================================
// GET /settings/current
// ============================================================================

func (s *Server) handleGetCurrent(w http.ResponseWriter, r *http.Request, account string) {
	q := r.URL.Query()
	if !s.checkAccountParam(w, q.Get("account"), account) {
		return
	}

	device := q.Get("device")
	if !validIdentifier(device) {
		WriteError(w, ErrValidation, "device is required", http.StatusBadRequest)
		return
	}

	var revision int64
	if revStr := q.Get("revision"); revStr != "" {
		rev, err := strconv.ParseInt(revStr, 10, 64)
		if err != nil || rev < 1 {
			WriteError(w, ErrValidation, "revision must be a positive integer", http.StatusBadRequest)
			return
		}
		revision = rev
	}

	row, err := s.loadRow(account, device, revision)
	if err != nil {
		s.writeStoreError(w, err, account, device)
		return
	}
	WriteSuccess(w, row, http.StatusOK)
}

// loadRow fetches the current row (revision 0) or a historical
// revision and resolves its payload via the vault read policy. Returns
// nil when no row exists.
func (s *Server) loadRow(account, device string, revision int64) (*CurrentDTO, error) {
	if revision > 0 {
		c, err := s.store.GetRevision(account, device, revision)
		if err != nil || c == nil {
			return nil, err
		}
		data, err := s.vault.Resolve(c.Plain, c.Enc, account+"/"+device)
		if err != nil {
			return nil, err
		}
		if data == "" {
			data = "null"
		}
		return &CurrentDTO{
			DeviceID:  device,
			Revision:  c.Revision,
			Data:      json.RawMessage(data),
			UpdatedAt: c.UpdatedAt.Format(time.RFC3339),
		}, nil
	}

	c, err := s.store.GetCurrent(account, device)
	if err != nil || c == nil {
		return nil, err
	}
	data, err := s.vault.Resolve(c.Plain, c.Enc, account+"/"+device)
	if err != nil {
		return nil, err
	}
	if data == "" {
		data = "null"
	}
	return &CurrentDTO{
		DeviceID:    device,
		DeviceLabel: c.DeviceLabel,
		Revision:    c.Revision,
		Data:        json.RawMessage(data),
		UpdatedAt:   c.UpdatedAt.Format(time.RFC3339),
	}, nil
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, account, device string) {
	switch {
	case errors.Is(err, vault.ErrNoKey):
		WriteError(w, ErrNoEncryption, "encryption required but no key is configured", http.StatusServiceUnavailable)
	case errors.Is(err, vault.ErrUnreadable):
		WriteError(w, ErrDecrypt, "stored payload unreadable under current key", http.StatusServiceUnavailable)
	default:
		slog.Error("settings store", "err", err, "account", account, "device", device)
		WriteError(w, ErrInternal, "internal server error", http.StatusInternalServerError)
	}
}

// ============================================================================
// PUT /settings/current
// ============================================================================

type putCurrentBody struct {
	Account          string          `json:"account"`
	Device           string          `json:"device"`
	Data             json.RawMessage `json:"data"`
	BaseRevision     int64           `json:"base_revision"`
	HistoryKeepLimit int             `json:"history_keep_limit"`
	DeviceLabel      string          `json:"device_label"`
}

func (s *Server) handlePutCurrent(w http.ResponseWriter, r *http.Request, account string) {
	var body putCurrentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, ErrValidation, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !s.checkAccountParam(w, body.Account, account) {
		return
	}
	if !validIdentifier(body.Device) {
		WriteError(w, ErrValidation, "device is required", http.StatusBadRequest)
		return
	}
	if len(body.Data) == 0 || bytes.Equal(body.Data, []byte("null")) {
		WriteError(w, ErrValidation, "data is required", http.StatusBadRequest)
		return
	}

	plain, enc, err := s.vault.StoredColumns(string(body.Data))
	if err != nil {
		if errors.Is(err, vault.ErrNoKey) {
			WriteError(w, ErrNoEncryption, "encryption required but no key is configured", http.StatusServiceUnavailable)
			return
		}
		slog.Error("encrypt payload", "err", err, "device", body.Device)
		WriteError(w, ErrInternal, "failed to encrypt payload", http.StatusInternalServerError)
		return
	}

	rev, now, conflict, err := s.applyWrite(account, body.Device, body.DeviceLabel, body.DeviceLabel != "",
		plain, enc, body.BaseRevision, s.cfg.ClampKeepLimit(body.HistoryKeepLimit))
	if err != nil {
		slog.Error("write current", "err", err, "account", account, "device", body.Device)
		WriteError(w, ErrInternal, "failed to write settings", http.StatusInternalServerError)
		return
	}
	if conflict != nil {
		WriteErrorDetails(w, ErrConflict,
			fmt.Sprintf("base revision %d does not match server revision %d", body.BaseRevision, *conflict),
			ConflictDTO{Revision: *conflict}, http.StatusConflict)
		return
	}

	WriteSuccess(w, WriteResultDTO{Revision: rev, UpdatedAt: now.Format(time.RFC3339)}, http.StatusOK)
}

// applyWrite runs the accepted-write sequence for one device: first
// insert or compare-and-swap, then the matching history row, then the
// pruning pass. A non-nil conflict return carries the server's
// authoritative revision for a stale base.
func (s *Server) applyWrite(account, device, label string, setLabel bool, plain, enc string, base int64, keep int) (rev int64, now time.Time, conflict *int64, err error) {
	now = time.Now().UTC()

	cur, err := s.store.GetCurrent(account, device)
	if err != nil {
		return 0, now, nil, err
	}

	if cur == nil {
		// First write for this device is unconditionally revision 1.
		ok, err := s.store.InsertFirst(account, device, label, plain, enc, now)
		if err != nil {
			return 0, now, nil, err
		}
		if ok {
			rev = 1
		} else {
			// A concurrent first write won; fall through to CAS
			// against whatever it created.
			cur, err = s.store.GetCurrent(account, device)
			if err != nil {
				return 0, now, nil, err
			}
			if cur == nil {
				return 0, now, nil, fmt.Errorf("current row vanished for %s/%s", account, device)
			}
		}
	}

	if rev == 0 {
		ok, err := s.store.SwapCurrent(account, device, base, label, plain, enc, setLabel, now)
		if err != nil {
			return 0, now, nil, err
		}
		if !ok {
			latest, err := s.store.GetCurrent(account, device)
			if err != nil {
				return 0, now, nil, err
			}
			var serverRev int64
			if latest != nil {
				serverRev = latest.Revision
			}
			return 0, now, &serverRev, nil
		}
		rev = base + 1
	}

	if err := s.store.AppendHistory(account, device, rev, plain, enc, now); err != nil {
		return 0, now, nil, err
	}
	if _, err := s.store.PruneHistory(account, device, keep); err != nil {
		return 0, now, nil, err
	}
	return rev, now, nil, nil
}

// ============================================================================
// GET /settings/history
// ============================================================================

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request, account string) {
	q := r.URL.Query()
	if !s.checkAccountParam(w, q.Get("account"), account) {
		return
	}
	device := q.Get("device")
	if !validIdentifier(device) {
		WriteError(w, ErrValidation, "device is required", http.StatusBadRequest)
		return
	}

	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			WriteError(w, ErrValidation, "limit must be an integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	entries, err := s.store.ListHistory(account, device, limit)
	if err != nil {
		slog.Error("list history", "err", err, "device", device)
		WriteError(w, ErrInternal, "failed to list history", http.StatusInternalServerError)
		return
	}

	WriteSuccess(w, historyToDTOs(entries), http.StatusOK)
}

// ============================================================================
// DELETE /settings/history
// ============================================================================

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request, account string) {
	q := r.URL.Query()
	if !s.checkAccountParam(w, q.Get("account"), account) {
		return
	}
	device := q.Get("device")
	if !validIdentifier(device) {
		WriteError(w, ErrValidation, "device is required", http.StatusBadRequest)
		return
	}

	keepLatest := true
	if v := q.Get("keepLatest"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteError(w, ErrValidation, "keepLatest must be a boolean", http.StatusBadRequest)
			return
		}
		keepLatest = b
	}

	keepRevision := int64(-1)
	if keepLatest {
		cur, err := s.store.GetCurrent(account, device)
		if err != nil {
			slog.Error("get current", "err", err, "device", device)
			WriteError(w, ErrInternal, "failed to clear history", http.StatusInternalServerError)
			return
		}
		if cur != nil {
			keepRevision = cur.Revision
		}
	}

	deleted, err := s.store.ClearHistory(account, device, keepRevision)
	if err != nil {
		slog.Error("clear history", "err", err, "device", device)
		WriteError(w, ErrInternal, "failed to clear history", http.StatusInternalServerError)
		return
	}

	result := map[string]interface{}{"deleted": deleted}
	if keepRevision >= 0 {
		result["kept_revision"] = keepRevision
	}
	WriteSuccess(w, result, http.StatusOK)
}

// ============================================================================
// GET /settings/devices
// ============================================================================

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request, account string) {
	if !s.checkAccountParam(w, r.URL.Query().Get("account"), account) {
		return
	}

	devices, err := s.store.ListDevices(account)
	if err != nil {
		slog.Error("list devices", "err", err, "account", account)
		WriteError(w, ErrInternal, "failed to list devices", http.StatusInternalServerError)
		return
	}

	WriteSuccess(w, devicesToDTOs(devices), http.StatusOK)
}

// ============================================================================
// DELETE /settings/devices
// ============================================================================

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request, account string) {
	q := r.URL.Query()
	if !s.checkAccountParam(w, q.Get("account"), account) {
		return
	}
	device := q.Get("device")
	if !validIdentifier(device) {
		WriteError(w, ErrValidation, "device is required", http.StatusBadRequest)
		return
	}

	current, history, err := s.store.DeleteDevice(account, device)
	if err != nil {
		slog.Error("delete device", "err", err, "device", device)
		WriteError(w, ErrInternal, "failed to delete device", http.StatusInternalServerError)
		return
	}

	WriteSuccess(w, map[string]int64{
		"deleted_current": current,
		"deleted_history": history,
	}, http.StatusOK)
}

// ============================================================================
// PUT /settings/devices/label
// ============================================================================

type renameBody struct {
	Account     string `json:"account"`
	Device      string `json:"device"`
	DeviceLabel string `json:"device_label"`
}

func (s *Server) handleRenameDevice(w http.ResponseWriter, r *http.Request, account string) {
	var body renameBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, ErrValidation, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !s.checkAccountParam(w, body.Account, account) {
		return
	}
	if !validIdentifier(body.Device) {
		WriteError(w, ErrValidation, "device is required", http.StatusBadRequest)
		return
	}

	ok, err := s.store.RenameDevice(account, body.Device, body.DeviceLabel)
	if err != nil {
		slog.Error("rename device", "err", err, "device", body.Device)
		WriteError(w, ErrInternal, "failed to rename device", http.StatusInternalServerError)
		return
	}
	if !ok {
		WriteError(w, ErrNotFound, "unknown device: "+body.Device, http.StatusNotFound)
		return
	}

	WriteSuccess(w, map[string]string{"device_label": body.DeviceLabel}, http.StatusOK)
}

// ============================================================================
// POST /settings/publish
// ============================================================================

type publishBody struct {
	Account          string `json:"account"`
	SourceDevice     string `json:"source_device"`
	TargetDevice     string `json:"target_device"`
	HistoryKeepLimit int    `json:"history_keep_limit"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, account string) {
	var body publishBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, ErrValidation, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !s.checkAccountParam(w, body.Account, account) {
		return
	}
	if !validIdentifier(body.SourceDevice) {
		WriteError(w, ErrValidation, "source_device is required", http.StatusBadRequest)
		return
	}
	if body.TargetDevice == body.SourceDevice && body.TargetDevice != "" {
		WriteError(w, ErrValidation, "target_device must differ from source_device", http.StatusBadRequest)
		return
	}

	source, err := s.store.GetCurrent(account, body.SourceDevice)
	if err != nil {
		slog.Error("get source device", "err", err, "device", body.SourceDevice)
		WriteError(w, ErrInternal, "failed to read source device", http.StatusInternalServerError)
		return
	}
	if source == nil {
		WriteError(w, ErrNotFound, "unknown source device: "+body.SourceDevice, http.StatusNotFound)
		return
	}

	var targets []string
	if body.TargetDevice != "" {
		if !validIdentifier(body.TargetDevice) {
			WriteError(w, ErrValidation, "malformed target_device", http.StatusBadRequest)
			return
		}
		targets = []string{body.TargetDevice}
	} else {
		devices, err := s.store.ListDevices(account)
		if err != nil {
			slog.Error("list devices", "err", err, "account", account)
			WriteError(w, ErrInternal, "failed to list devices", http.StatusInternalServerError)
			return
		}
		for _, d := range devices {
			if d.Device != body.SourceDevice {
				targets = append(targets, d.Device)
			}
		}
	}

	keep := s.cfg.ClampKeepLimit(body.HistoryKeepLimit)
	affected := 0
	for _, target := range targets {
		// Stored columns are copied verbatim; each target advances its
		// own revision chain.
		if err := s.fanOut(account, target, source.Plain, source.Enc, keep); err != nil {
			slog.Error("publish fan-out", "err", err, "target", target)
			WriteError(w, ErrInternal, "failed to publish to "+target, http.StatusInternalServerError)
			return
		}
		affected++
	}

	WriteSuccess(w, map[string]int{"affected": affected}, http.StatusOK)
}

// fanOut applies the source payload to one target through the target's
// own CAS chain, retrying against concurrent writers.
func (s *Server) fanOut(account, target, plain, enc string, keep int) error {
	for attempt := 0; attempt < 3; attempt++ {
		cur, err := s.store.GetCurrent(account, target)
		if err != nil {
			return err
		}
		var base int64
		if cur != nil {
			base = cur.Revision
		}
		rev, _, conflict, err := s.applyWrite(account, target, "", false, plain, enc, base, keep)
		if err != nil {
			return err
		}
		if conflict == nil && rev > 0 {
			return nil
		}
	}
	return fmt.Errorf("publish to %s: retries exhausted", target)
}

// checkAccountParam rejects requests whose body/query account
// identifier mismatches the scoping header. Empty means "not supplied"
// and is allowed.
func (s *Server) checkAccountParam(w http.ResponseWriter, param, account string) bool {
	if param != "" && param != account {
		WriteError(w, ErrForbidden, "account mismatch", http.StatusForbidden)
		return false
	}
	return true
}
