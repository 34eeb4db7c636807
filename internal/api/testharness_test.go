package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/colegrim/hubdeck/internal/config"
	"github.com/colegrim/hubdeck/internal/logx"
	"github.com/colegrim/hubdeck/internal/store"
	"github.com/colegrim/hubdeck/internal/vault"
)

// TestHarness wraps a full Server with a real HTTP listener.
type TestHarness struct {
	t       *testing.T
	Server  *Server
	Store   *store.Store
	BaseURL string
	client  *http.Client
	httpSrv *httptest.Server
}

func newTestHarness(t *testing.T, opts ...func(*config.Config)) *TestHarness {
	t.Helper()

	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	st, err := store.OpenDB(conn)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}

	cfg := config.Config{
		HistoryKeepDefault: 50,
		HistoryKeepMin:     5,
		HistoryKeepMax:     500,
		RateLimitWindow:    time.Minute,
		RateLimitMax:       0, // disabled unless a test opts in
		ShutdownTimeout:    time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv := NewServer(cfg, st, vault.New(cfg, logx.NewWarner(nil)))
	httpSrv := httptest.NewServer(srv.Handler())

	h := &TestHarness{
		t:       t,
		Server:  srv,
		Store:   st,
		BaseURL: httpSrv.URL,
		client:  &http.Client{},
		httpSrv: httpSrv,
	}

	t.Cleanup(func() {
		httpSrv.Close()
		st.Close()
	})

	return h
}

// Do sends an HTTP request with the given account header.
func (h *TestHarness) Do(method, path, account string, body any) *http.Response {
	h.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
	}

	req, err := http.NewRequest(method, h.BaseURL+path, &buf)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if account != "" {
		req.Header.Set(AccountHeader, account)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.t.Fatalf("do request %s %s: %v", method, path, err)
	}
	return resp
}

// envelope mirrors the response wrapper for decoding in tests.
type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

// DoJSON sends a request and decodes the envelope, asserting the
// expected status code.
func (h *TestHarness) DoJSON(method, path, account string, body any, wantStatus int) envelope {
	h.t.Helper()

	resp := h.Do(method, path, account, body)
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		h.t.Fatalf("%s %s: status %d, want %d", method, path, resp.StatusCode, wantStatus)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		h.t.Fatalf("decode envelope: %v", err)
	}
	return env
}

// Push is a helper for the common write-current call.
func (h *TestHarness) Push(account, device string, data string, base int64) envelope {
	h.t.Helper()
	return h.DoJSON(http.MethodPut, "/settings/current", account, map[string]any{
		"device":        device,
		"data":          json.RawMessage(data),
		"base_revision": base,
	}, http.StatusOK)
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	return out
}
