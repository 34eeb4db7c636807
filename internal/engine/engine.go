package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/colegrim/hubdeck/internal/config"
)

// Status is the user-visible synchronization state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusSyncing  Status = "syncing"
	StatusSynced   Status = "synced"
	StatusError    Status = "error"
	StatusConflict Status = "conflict"
)

// ErrOwnDevice is returned when an operation would remove the engine's
// own device.
var ErrOwnDevice = errors.New("engine: cannot remove this device")

// Engine runs on one device and keeps its snapshot in step with the
// server. All mutable state is guarded by mu; the run loop, the TUI,
// and CLI commands may call into it concurrently.
type Engine struct {
	cfg    config.Config
	client *Client
	snap   Snapshotter
	log    *slog.Logger

	mu       sync.Mutex
	state    *config.ClientState
	status   Status
	errMsg   string
	inFlight bool

	// lastRevision is the newest server revision this device knows.
	// lastObserved is the fingerprint of the last collected snapshot;
	// lastUploaded the fingerprint of the last successfully pushed
	// one. Their divergence is what "pending local edit" means.
	lastRevision int64
	lastObserved string
	lastUploaded string

	devices []Device
	history []HistoryEntry
}

// New creates an Engine for the persisted device identity in state.
func New(cfg config.Config, state *config.ClientState, client *Client, snap Snapshotter, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		client: client,
		snap:   snap,
		log:    log,
		state:  state,
		status: StatusIdle,
	}
}

// Info is a point-in-time view of the engine for status display.
type Info struct {
	DeviceID    string
	DeviceLabel string
	Status      Status
	Err         string
	Revision    int64
	Pending     bool
	AutoSync    bool
	Devices     []Device
	History     []HistoryEntry
}

// Info returns the current engine state for display.
func (e *Engine) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{
		DeviceID:    e.state.DeviceID,
		DeviceLabel: e.state.DeviceLabel,
		Status:      e.status,
		Err:         e.errMsg,
		Revision:    e.lastRevision,
		Pending:     e.lastObserved != e.lastUploaded,
		AutoSync:    e.state.AutoSync,
		Devices:     e.devices,
		History:     e.history,
	}
}

// Run bootstraps against the server and then drives the debounce and
// reconciliation timers until ctx is cancelled. Cancelling ctx
// deterministically stops all pending timers.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Bootstrap(ctx); err != nil {
		e.log.Warn("bootstrap failed, will keep polling", "err", err)
	}

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	// Debounce timer starts stopped; local changes arm it.
	debounce := time.NewTimer(e.cfg.DebounceDelay)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if e.detectLocalChange() {
				debounce.Reset(e.cfg.DebounceDelay)
			} else if e.retryPending() {
				// A pending edit whose push failed or conflicted is
				// retried at the poll cadence; the debounce only fires
				// for fresh edits.
				if err := e.push(ctx, false); err != nil {
					e.log.Warn("retry push", "err", err)
				}
			}
			e.reconcile(ctx)
		case <-debounce.C:
			if err := e.push(ctx, false); err != nil {
				e.log.Warn("debounced push", "err", err)
			}
		}
	}
}

// Bootstrap reads server state for this device. A device with no
// server-side state pushes its local snapshot immediately to register
// at revision 1; otherwise the server snapshot is applied and its
// revision adopted. Afterwards the device and history lists are
// refreshed.
func (e *Engine) Bootstrap(ctx context.Context) error {
	raw, err := e.snap.Collect()
	if err != nil {
		return e.fail("collect snapshot", err)
	}
	fp, err := fingerprint(raw)
	if err != nil {
		return e.fail("fingerprint snapshot", err)
	}

	e.mu.Lock()
	// The startup snapshot is the baseline, not an unsynced edit.
	e.lastObserved = fp
	e.lastUploaded = fp
	device := e.state.DeviceID
	e.mu.Unlock()

	cur, err := e.client.GetCurrent(ctx, device, 0)
	if err != nil {
		return e.fail("read server state", err)
	}

	if cur == nil {
		if err := e.push(ctx, true); err != nil {
			return err
		}
	} else {
		e.mu.Lock()
		e.lastRevision = cur.Revision
		e.mu.Unlock()
		e.reconcileApply(cur)
	}

	return e.RefreshLists(ctx)
}

// RefreshLists reloads the device registry and this device's history.
func (e *Engine) RefreshLists(ctx context.Context) error {
	e.mu.Lock()
	device := e.state.DeviceID
	e.mu.Unlock()

	var (
		devices []Device
		history []HistoryEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		devices, err = e.client.ListDevices(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		history, err = e.client.ListHistory(gctx, device, 50)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("refresh lists: %w", err)
	}

	e.mu.Lock()
	e.devices = devices
	e.history = history
	e.mu.Unlock()
	return nil
}

// AdoptBaseline fetches the server's revision for this device without
// touching the local snapshot, so a following push carries the right
// compare-and-swap base. Used by one-shot commands where local edits
// must win.
func (e *Engine) AdoptBaseline(ctx context.Context) error {
	e.mu.Lock()
	device := e.state.DeviceID
	e.mu.Unlock()

	cur, err := e.client.GetCurrent(ctx, device, 0)
	if err != nil {
		return e.fail("read server state", err)
	}
	if cur == nil {
		return nil
	}
	e.mu.Lock()
	e.lastRevision = cur.Revision
	e.mu.Unlock()
	return nil
}

// Pull applies the server's current state locally, replacing local
// edits. The explicit counterpart to the no-clobber reconciliation.
func (e *Engine) Pull(ctx context.Context) error {
	e.mu.Lock()
	device := e.state.DeviceID
	e.mu.Unlock()

	cur, err := e.client.GetCurrent(ctx, device, 0)
	if err != nil {
		return err
	}
	if cur == nil {
		return errors.New("this device has no server-side state yet")
	}
	if err := e.snap.Apply(cur.Data); err != nil {
		return fmt.Errorf("apply server snapshot: %w", err)
	}

	fp, err := fingerprint(cur.Data)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.lastRevision = cur.Revision
	e.lastObserved = fp
	e.lastUploaded = fp
	e.status = StatusSynced
	e.errMsg = ""
	e.mu.Unlock()
	return nil
}

// detectLocalChange collects the snapshot and reports whether a push
// should be scheduled: the serialization changed since last observed
// and differs from what was last uploaded.
func (e *Engine) detectLocalChange() bool {
	raw, err := e.snap.Collect()
	if err != nil {
		e.log.Warn("collect snapshot", "err", err)
		return false
	}
	fp, err := fingerprint(raw)
	if err != nil {
		e.log.Warn("fingerprint snapshot", "err", err)
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if fp == e.lastObserved {
		return false
	}
	e.lastObserved = fp
	return fp != e.lastUploaded && e.state.AutoSync
}

// retryPending reports whether an unsynced edit is stranded behind a
// failed or conflicted push and should be retried.
func (e *Engine) retryPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.AutoSync || e.inFlight {
		return false
	}
	if e.lastObserved == e.lastUploaded {
		return false
	}
	return e.status == StatusError || e.status == StatusConflict
}

// SyncNow pushes immediately, ignoring the debounce and the auto-sync
// flag.
func (e *Engine) SyncNow(ctx context.Context) error {
	return e.push(ctx, true)
}

// push uploads the local snapshot with the last known revision as CAS
// base. The in-flight guard keeps the debounce timer and a manual
// trigger from overlapping.
func (e *Engine) push(ctx context.Context, force bool) error {
	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		return nil
	}
	if !force && !e.state.AutoSync {
		e.mu.Unlock()
		return nil
	}
	e.inFlight = true
	e.status = StatusSyncing
	e.errMsg = ""
	base := e.lastRevision
	device := e.state.DeviceID
	label := e.state.DeviceLabel
	keep := e.state.HistoryKeep
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()

	raw, err := e.snap.Collect()
	if err != nil {
		return e.fail("collect snapshot", err)
	}
	if !e.snap.Valid(raw) {
		return e.fail("validate snapshot", errors.New("snapshot rejected by validator"))
	}
	canon, err := canonicalize(raw)
	if err != nil {
		return e.fail("serialize snapshot", err)
	}
	fp, err := fingerprint(canon)
	if err != nil {
		return e.fail("fingerprint snapshot", err)
	}

	result, err := e.client.PutCurrent(ctx, PushRequest{
		Device:           device,
		Data:             canon,
		BaseRevision:     base,
		HistoryKeepLimit: keep,
		DeviceLabel:      label,
	})

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		// Adopt the server's revision as the new baseline so the next
		// push carries a correct base, but keep the local snapshot.
		e.mu.Lock()
		e.lastRevision = conflict.Revision
		e.status = StatusConflict
		e.errMsg = conflict.Error()
		e.mu.Unlock()
		e.log.Info("push conflict", "device", device, "server_revision", conflict.Revision)
		return nil
	}
	if err != nil {
		return e.fail("push snapshot", err)
	}

	e.mu.Lock()
	e.lastRevision = result.Revision
	e.lastUploaded = fp
	e.lastObserved = fp
	e.status = StatusSynced
	e.mu.Unlock()

	e.log.Debug("pushed snapshot", "device", device, "revision", result.Revision)

	if err := e.RefreshLists(ctx); err != nil {
		e.log.Warn("refresh after push", "err", err)
	}
	return nil
}

// reconcile pulls server state and applies it when it is strictly
// newer and no local edit is pending. Local edits are never silently
// overwritten.
func (e *Engine) reconcile(ctx context.Context) {
	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		return
	}
	device := e.state.DeviceID
	last := e.lastRevision
	e.mu.Unlock()

	cur, err := e.client.GetCurrent(ctx, device, 0)
	if err != nil {
		e.mu.Lock()
		e.status = StatusError
		e.errMsg = err.Error()
		e.mu.Unlock()
		return
	}
	if cur == nil || cur.Revision <= last {
		return
	}
	e.reconcileApply(cur)
}

// reconcileApply applies a strictly newer server state if the local
// snapshot still matches the last upload.
func (e *Engine) reconcileApply(cur *CurrentState) {
	raw, err := e.snap.Collect()
	if err != nil {
		e.log.Warn("collect snapshot", "err", err)
		return
	}
	localFP, err := fingerprint(raw)
	if err != nil {
		e.log.Warn("fingerprint snapshot", "err", err)
		return
	}

	e.mu.Lock()
	if localFP != e.lastUploaded {
		// Pending local edit; skip until it has been pushed or the
		// user explicitly loads server state.
		e.mu.Unlock()
		return
	}
	if cur.Revision < e.lastRevision {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	serverFP, err := fingerprint(cur.Data)
	if err != nil {
		e.log.Warn("fingerprint server snapshot", "err", err)
		return
	}
	if serverFP != localFP {
		if err := e.snap.Apply(cur.Data); err != nil {
			e.log.Warn("apply server snapshot", "err", err)
			return
		}
	}

	e.mu.Lock()
	e.lastRevision = cur.Revision
	e.lastObserved = serverFP
	e.lastUploaded = serverFP
	if e.status != StatusConflict || serverFP == localFP {
		e.status = StatusSynced
		e.errMsg = ""
	}
	e.mu.Unlock()

	e.log.Debug("adopted server snapshot", "revision", cur.Revision)
}

// LoadRevision fetches a historical revision and applies it locally
// without mutating server state. The loaded document counts as a
// local edit until it is pushed.
func (e *Engine) LoadRevision(ctx context.Context, revision int64) error {
	e.mu.Lock()
	device := e.state.DeviceID
	e.mu.Unlock()

	st, err := e.client.GetCurrent(ctx, device, revision)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("revision %d not found for this device", revision)
	}
	if err := e.snap.Apply(st.Data); err != nil {
		return fmt.Errorf("apply revision %d: %w", revision, err)
	}

	fp, err := fingerprint(st.Data)
	if err != nil {
		return err
	}
	e.mu.Lock()
	// Observed but not uploaded: reconciliation must not clobber it.
	e.lastObserved = fp
	e.mu.Unlock()
	return nil
}

// Publish force-pushes this device's state and fans it out to target,
// or to every other known device when target is empty. The fan-out
// always reflects the latest local edits.
func (e *Engine) Publish(ctx context.Context, target string) (int, error) {
	if err := e.push(ctx, true); err != nil {
		return 0, err
	}

	e.mu.Lock()
	device := e.state.DeviceID
	e.mu.Unlock()

	affected, err := e.client.Publish(ctx, device, target)
	if err != nil {
		return 0, err
	}
	if err := e.RefreshLists(ctx); err != nil {
		e.log.Warn("refresh after publish", "err", err)
	}
	return affected, nil
}

// ClearHistory prunes this device's server-side history.
func (e *Engine) ClearHistory(ctx context.Context, keepLatest bool) (int64, error) {
	e.mu.Lock()
	device := e.state.DeviceID
	e.mu.Unlock()

	deleted, err := e.client.ClearHistory(ctx, device, keepLatest)
	if err != nil {
		return 0, err
	}
	if err := e.RefreshLists(ctx); err != nil {
		e.log.Warn("refresh after clear", "err", err)
	}
	return deleted, nil
}

// RenameDevice relabels any known device. Renaming this device also
// updates the persisted local state so the label is mirrored on the
// next push.
func (e *Engine) RenameDevice(ctx context.Context, device, label string) error {
	if err := e.client.RenameDevice(ctx, device, label); err != nil {
		return err
	}

	e.mu.Lock()
	own := device == e.state.DeviceID
	if own {
		e.state.DeviceLabel = label
	}
	st := *e.state
	e.mu.Unlock()

	if own {
		if err := config.SaveClientState(e.cfg.DataDir, &st); err != nil {
			return fmt.Errorf("persist device label: %w", err)
		}
	}
	return e.RefreshLists(ctx)
}

// RemoveDevice deletes another device's state and history. Removing
// the engine's own device is rejected.
func (e *Engine) RemoveDevice(ctx context.Context, device string) error {
	e.mu.Lock()
	own := device == e.state.DeviceID
	e.mu.Unlock()
	if own {
		return ErrOwnDevice
	}

	if err := e.client.DeleteDevice(ctx, device); err != nil {
		return err
	}
	return e.RefreshLists(ctx)
}

// SetAutoSync toggles the debounced/periodic push behavior and
// persists the preference.
func (e *Engine) SetAutoSync(enabled bool) error {
	e.mu.Lock()
	e.state.AutoSync = enabled
	st := *e.state
	e.mu.Unlock()
	return config.SaveClientState(e.cfg.DataDir, &st)
}

func (e *Engine) fail(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	e.mu.Lock()
	e.status = StatusError
	e.errMsg = wrapped.Error()
	e.mu.Unlock()
	return wrapped
}
