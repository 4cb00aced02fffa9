package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v4"

	"github.com/Factory55/telegram-client/internal/config"
	"github.com/Factory55/telegram-client/internal/filter"
	"github.com/Factory55/telegram-client/internal/log"
	"github.com/Factory55/telegram-client/internal/store"
)

func newTestServer(t *testing.T, jwtSecret string) *httptest.Server {
	t.Helper()
	logger := log.NewLogger()
	dir := t.TempDir()

	chatsPath := filepath.Join(dir, "allowed_chats.txt")
	if err := os.WriteFile(chatsPath, []byte("Team Alpha\n"), 0644); err != nil {
		t.Fatalf("write chats file: %s", err)
	}
	flt, err := filter.New(chatsPath, time.Hour, logger)
	if err != nil {
		t.Fatalf("new filter: %s", err)
	}

	st, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"), 100, logger)
	if err != nil {
		t.Fatalf("new store: %s", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{ManagementJWTSecret: jwtSecret}
	r := chi.NewRouter()
	SetupRouter(r, cfg, st, flt, logger)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %s", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %s", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, "")
	resp := doRequest(t, http.MethodGet, srv.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStats(t *testing.T) {
	srv := newTestServer(t, "")
	resp := doRequest(t, http.MethodGet, srv.URL+"/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Store  store.Stats  `json:"store"`
		Filter filter.Stats `json:"filter"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode stats: %s", err)
	}
	if body.Filter.AllowedChatsCount != 1 {
		t.Fatalf("expected 1 allowed chat in stats, got %d", body.Filter.AllowedChatsCount)
	}
	if body.Store.DatabaseType != "sqlite" {
		t.Fatalf("unexpected database type %q", body.Store.DatabaseType)
	}
}

func TestChatManagement(t *testing.T) {
	srv := newTestServer(t, "")

	resp := doRequest(t, http.MethodPost, srv.URL+"/chats", `{"name":"Team Beta"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add: expected 201, got %d", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/chats", "")
	var list struct {
		Chats []string `json:"chats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %s", err)
	}
	if len(list.Chats) != 2 || list.Chats[1] != "Team Beta" {
		t.Fatalf("unexpected chat list %v", list.Chats)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/chats/test?name=Team+Beta", "")
	var check struct {
		Name    string `json:"name"`
		Allowed bool   `json:"allowed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&check); err != nil {
		t.Fatalf("decode check: %s", err)
	}
	if !check.Allowed || check.Name != "Team Beta" {
		t.Fatalf("added chat not reported allowed: %+v", check)
	}

	resp = doRequest(t, http.MethodDelete, srv.URL+"/chats/Team%20Beta", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodDelete, srv.URL+"/chats/No%20Such%20Chat", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete absent: expected 404, got %d", resp.StatusCode)
	}
}

func TestChatAddValidation(t *testing.T) {
	srv := newTestServer(t, "")

	for _, body := range []string{``, `{}`, `{"name":""}`, `not json`} {
		resp := doRequest(t, http.MethodPost, srv.URL+"/chats", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, resp.StatusCode)
		}
	}

	resp := doRequest(t, http.MethodGet, srv.URL+"/chats/test", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("test without name: expected 400, got %d", resp.StatusCode)
	}
}

func TestManagementAuth(t *testing.T) {
	const secret = "test-secret"
	srv := newTestServer(t, secret)

	// Health and stats stay open.
	if resp := doRequest(t, http.MethodGet, srv.URL+"/health", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("health behind auth: %d", resp.StatusCode)
	}

	resp := doRequest(t, http.MethodGet, srv.URL+"/chats", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %s", err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/chats", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authed request: %s", err)
	}
	defer authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", authed.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/chats", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	bad, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("bad token request: %s", err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with invalid token, got %d", bad.StatusCode)
	}
}
