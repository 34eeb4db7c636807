// Package logx provides a deduplicating warning logger on top of slog.
// Components that can hit the same degraded condition on every request
// (missing encryption key, undecryptable payload) log through a Warner
// so the condition appears once per distinct context instead of
// flooding the log.
package logx

import (
	"log/slog"
	"sync"
)

// Warner logs each distinct key at most once. Keys are free-form
// strings; callers typically use "component: condition" or include the
// device id when the condition is per-device.
type Warner struct {
	log *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewWarner wraps the given logger. A nil logger uses slog.Default.
func NewWarner(log *slog.Logger) *Warner {
	if log == nil {
		log = slog.Default()
	}
	return &Warner{log: log, seen: map[string]struct{}{}}
}

// WarnOnce logs msg with args at Warn level the first time key is seen.
// Subsequent calls with the same key are dropped.
func (w *Warner) WarnOnce(key, msg string, args ...any) {
	w.mu.Lock()
	_, dup := w.seen[key]
	if !dup {
		w.seen[key] = struct{}{}
	}
	w.mu.Unlock()

	if !dup {
		w.log.Warn(msg, args...)
	}
}

// Reset forgets all seen keys. Used by tests and after a key/mode
// reconfiguration, when previously warned conditions are worth
// re-reporting.
func (w *Warner) Reset() {
	w.mu.Lock()
	w.seen = map[string]struct{}{}
	w.mu.Unlock()
}
