package accurate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/storefront-settlement/internal/model"
)

type memStore struct {
	mu    sync.Mutex
	s     *model.LedgerSession
	saves int
}

func (m *memStore) LoadLedgerSession(context.Context) (*model.LedgerSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil {
		return nil, errors.New("no session")
	}
	cp := *m.s
	return &cp, nil
}

func (m *memStore) SaveLedgerSession(_ context.Context, s model.LedgerSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = &s
	m.saves++
	return nil
}

func TestAuthorizeURL(t *testing.T) {
	p := NewSessionProvider(OAuthConfig{
		ClientID:    "cid",
		RedirectURL: "https://shop.example/api/accurate/callback",
		AuthURL:     "https://account.accurate.id/oauth/authorize",
	}, &memStore{})

	u, err := url.Parse(p.AuthorizeURL("state-1"))
	require.NoError(t, err)

	assert.Equal(t, "cid", u.Query().Get("client_id"))
	assert.Equal(t, "code", u.Query().Get("response_type"))
	assert.Equal(t, "state-1", u.Query().Get("state"))
	assert.Contains(t, u.Query().Get("scope"), "sales_invoice_save")
}

func TestSession_RequiresOpenDatabase(t *testing.T) {
	store := &memStore{s: &model.LedgerSession{AccessToken: "a", ExpiresAt: time.Now().Add(time.Hour)}}
	p := NewSessionProvider(OAuthConfig{}, store)

	_, err := p.Session(context.Background())
	assert.ErrorIs(t, err, ErrDatabaseNotOpened)
}

func TestSession_RefreshesOnceUnderConcurrency(t *testing.T) {
	var refreshes atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))
		refreshes.Add(1)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	}))
	defer ts.Close()

	store := &memStore{s: &model.LedgerSession{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(time.Minute),
		Host:         "https://zeus.accurate.id",
		SessionID:    "sess",
	}}
	p := NewSessionProvider(OAuthConfig{TokenURL: ts.URL}, store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.Session(context.Background())
			assert.NoError(t, err)
			if s != nil {
				assert.Equal(t, "new-access", s.AccessToken)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, "new-refresh", store.s.RefreshToken)
	assert.Equal(t, "sess", store.s.SessionID)
}

func TestExchangeAndOpenDatabase(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "code-1", r.PostForm.Get("code"))
		user, pass, _ := r.BasicAuth()
		assert.Equal(t, "cid", user)
		assert.Equal(t, "secret", pass)
		_, _ = w.Write([]byte(`{"access_token":"acc","refresh_token":"ref","expires_in":1296000}`))
	})
	mux.HandleFunc("/api/open-db.json", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer acc", r.Header.Get("Authorization"))
		assert.Equal(t, "42", r.URL.Query().Get("id"))
		_, _ = w.Write([]byte(`{"s":true,"host":"https://zeus.accurate.id/","session":"db-session"}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	store := &memStore{}
	p := NewSessionProvider(OAuthConfig{
		ClientID:     "cid",
		ClientSecret: "secret",
		TokenURL:     ts.URL + "/oauth/token",
		BaseURL:      ts.URL,
	}, store)

	ctx := context.Background()
	require.NoError(t, p.Exchange(ctx, "code-1"))

	_, err := p.Session(ctx)
	require.ErrorIs(t, err, ErrDatabaseNotOpened)

	require.NoError(t, p.OpenDatabase(ctx, 42, "Jakarta"))

	s, err := p.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://zeus.accurate.id", s.Host)
	assert.Equal(t, "db-session", s.SessionID)
	assert.Equal(t, "Jakarta", s.BranchName)
	assert.Equal(t, int64(42), s.DatabaseID)
}

func TestSession_ReloadsStoreAfterFailedRefresh(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":             "invalid_grant",
			"error_description": "refresh token expired",
		})
	}))
	defer ts.Close()

	store := &memStore{s: &model.LedgerSession{
		AccessToken:  "stale-access",
		RefreshToken: "revoked-refresh",
		ExpiresAt:    time.Now().Add(-time.Minute),
		Host:         "https://zeus.accurate.id",
		SessionID:    "sess",
	}}
	p := NewSessionProvider(OAuthConfig{TokenURL: ts.URL}, store)

	_, err := p.Session(context.Background())
	require.ErrorIs(t, err, ErrRejected)
	require.Equal(t, int32(1), calls.Load())

	// Администратор переавторизовал интеграцию через другой экземпляр сервиса.
	require.NoError(t, store.SaveLedgerSession(context.Background(), model.LedgerSession{
		AccessToken:  "fresh-access",
		RefreshToken: "fresh-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
		Host:         "https://zeus.accurate.id",
		SessionID:    "sess-2",
	}))

	s, err := p.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", s.AccessToken)
	assert.Equal(t, "sess-2", s.SessionID)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSession_ReloadsStoreAfterDatabaseOpened(t *testing.T) {
	store := &memStore{s: &model.LedgerSession{AccessToken: "a", ExpiresAt: time.Now().Add(time.Hour)}}
	p := NewSessionProvider(OAuthConfig{}, store)

	_, err := p.Session(context.Background())
	require.ErrorIs(t, err, ErrDatabaseNotOpened)

	store.mu.Lock()
	store.s.Host = "https://zeus.accurate.id"
	store.s.SessionID = "sess"
	store.mu.Unlock()

	s, err := p.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess", s.SessionID)
}
