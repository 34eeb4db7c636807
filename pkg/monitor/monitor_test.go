package monitor

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/colegrim/hubdeck/internal/config"
	"github.com/colegrim/hubdeck/internal/engine"
)

func testModel(t *testing.T) Model {
	t.Helper()
	cfg := config.Config{
		DataDir:       t.TempDir(),
		PollInterval:  time.Second,
		DebounceDelay: time.Second,
	}
	state := &config.ClientState{DeviceID: "wallpanel-0000-1111", AutoSync: true}
	eng := engine.New(cfg, state,
		engine.NewClient("http://127.0.0.1:1", "home", ""),
		engine.NewFileSnapshotter(cfg.DataDir), nil)
	return New(context.Background(), eng)
}

func TestViewEmptyState(t *testing.T) {
	m := testModel(t)
	out := m.View()

	for _, want := range []string{"hubdeck monitor", "devices", "none registered", "no saved revisions", "q quit"} {
		if !strings.Contains(out, want) {
			t.Errorf("view missing %q:\n%s", want, out)
		}
	}
}

func TestViewRendersFleet(t *testing.T) {
	m := testModel(t)
	m.info = engine.Info{
		DeviceID:    "wallpanel-0000-1111",
		DeviceLabel: "Kitchen Panel",
		Status:      engine.StatusSynced,
		Revision:    7,
		Devices: []engine.Device{
			{DeviceID: "wallpanel-0000-1111", DeviceLabel: "Kitchen Panel", Revision: 7, UpdatedAt: "2026-01-02T10:00:00Z"},
			{DeviceID: "phone-2222-3333", Revision: 3, UpdatedAt: "2026-01-01T09:00:00Z"},
		},
		History: []engine.HistoryEntry{
			{Revision: 7, UpdatedAt: "2026-01-02T10:00:00Z"},
			{Revision: 6, UpdatedAt: "2026-01-02T09:00:00Z"},
		},
	}

	out := m.View()
	for _, want := range []string{"Kitchen Panel", "phone-2222-33", "rev 7", "rev 6", "synced"} {
		if !strings.Contains(out, want) {
			t.Errorf("view missing %q:\n%s", want, out)
		}
	}
}

func TestViewShowsPendingAndErrors(t *testing.T) {
	m := testModel(t)
	m.info = engine.Info{
		DeviceID: "wallpanel-0000-1111",
		Status:   engine.StatusError,
		Err:      "read server state: connection refused",
		Pending:  true,
	}

	out := m.View()
	if !strings.Contains(out, "pending") {
		t.Errorf("view does not flag pending edits:\n%s", out)
	}
	if !strings.Contains(out, "connection refused") {
		t.Errorf("view does not surface the engine error:\n%s", out)
	}
}

func TestQuitKey(t *testing.T) {
	m := testModel(t)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("q produced no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}
}

func TestWindowSizeStored(t *testing.T) {
	m := testModel(t)

	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	got := updated.(Model)
	if got.width != 120 || got.height != 40 {
		t.Errorf("size = %dx%d, want 120x40", got.width, got.height)
	}
}
