package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/options_breakout/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

func newTokenServer(t *testing.T, calls *int32, expiresIn int, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth/token", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh_token", body["grant_type"])
		assert.Equal(t, "refresh-1", body["refresh_token"])
		assert.Equal(t, "secret-1", body["client_secret"])

		n := atomic.AddInt32(calls, 1)
		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "token-" + string(rune('0'+n)),
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
}

func newTestTokenManager(baseURL string, now *time.Time, mu *sync.Mutex) *TokenManager {
	m := NewTokenManager(Credentials{ClientSecret: "secret-1", RefreshToken: "refresh-1", PaperTrading: true},
		baseURL, nil, DefaultTokenMargin, zap.NewNop())
	m.timeNow = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return *now
	}
	return m
}

func TestTokenManager_ConcurrentCallersShareOneRefresh(t *testing.T) {
	var calls int32
	srv := newTokenServer(t, &calls, 900, 50*time.Millisecond)
	defer srv.Close()

	now := time.Date(2025, 10, 14, 10, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	m := newTestTokenManager(srv.URL, &now, &clockMu)

	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.EnsureValidToken(context.Background())
			if assert.NoError(t, err) {
				tokens[i] = tok.AccessToken
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, tok := range tokens {
		assert.Equal(t, "token-1", tok)
	}
}

func TestTokenManager_RefreshesOnlyInsideMargin(t *testing.T) {
	var calls int32
	srv := newTokenServer(t, &calls, 900, 0)
	defer srv.Close()

	now := time.Date(2025, 10, 14, 10, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	m := newTestTokenManager(srv.URL, &now, &clockMu)
	ctx := context.Background()

	tok, err := m.EnsureValidToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok.AccessToken)

	// 15 minute token: more than 12 minutes remain after 2 minutes.
	clockMu.Lock()
	now = now.Add(2 * time.Minute)
	clockMu.Unlock()
	tok, err = m.EnsureValidToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok.AccessToken)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// Exactly 12 minutes left triggers a refresh.
	clockMu.Lock()
	now = now.Add(time.Minute)
	clockMu.Unlock()
	tok, err = m.EnsureValidToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok.AccessToken)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestTokenManager_Invalidate(t *testing.T) {
	var calls int32
	srv := newTokenServer(t, &calls, 900, 0)
	defer srv.Close()

	now := time.Now()
	var clockMu sync.Mutex
	m := newTestTokenManager(srv.URL, &now, &clockMu)

	_, err := m.EnsureValidToken(context.Background())
	require.NoError(t, err)
	m.Invalidate()
	_, err = m.EnsureValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestTokenManager_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"invalid_grant"}`},
		{"server error", http.StatusInternalServerError, `oops`},
		{"malformed body", http.StatusOK, `{"access_token":`},
		{"missing token", http.StatusOK, `{"expires_in":900}`},
		{"missing expiry", http.StatusOK, `{"access_token":"abc"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.payload))
			}))
			defer srv.Close()

			m := NewTokenManager(Credentials{}, srv.URL, nil, 0, zap.NewNop())
			tok, err := m.EnsureValidToken(context.Background())
			assert.Nil(t, tok)
			assert.ErrorIs(t, err, domain.ErrAuth)
		})
	}
}

func TestTokenManager_CancelledCallerDoesNotAbortRefresh(t *testing.T) {
	var calls int32
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		entered <- struct{}{}
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"shared","token_type":"Bearer","expires_in":900}`))
	}))
	defer srv.Close()

	m := NewTokenManager(Credentials{}, srv.URL, nil, 0, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.EnsureValidToken(ctx)
		firstErr <- err
	}()

	<-entered
	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, domain.ErrAuth)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	second := make(chan *oauth2.Token, 1)
	go func() {
		tok, err := m.EnsureValidToken(context.Background())
		assert.NoError(t, err)
		second <- tok
	}()
	close(release)

	select {
	case tok := <-second:
		require.NotNil(t, tok)
		assert.Equal(t, "shared", tok.AccessToken)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not receive the refreshed token")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
