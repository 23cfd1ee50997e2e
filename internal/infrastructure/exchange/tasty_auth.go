package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/vitos/options_breakout/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultTokenMargin is how long before expiry a token is refreshed.
const DefaultTokenMargin = 12 * time.Minute

// Credentials are the OAuth refresh credentials for one environment.
type Credentials struct {
	ClientSecret string
	RefreshToken string
	PaperTrading bool
}

// TokenManager owns the bearer session and refreshes it through the
// refresh-token exchange. Concurrent callers share one in-flight refresh.
type TokenManager struct {
	creds   Credentials
	baseURL string
	client  *http.Client
	margin  time.Duration
	logger  *zap.Logger
	timeNow func() time.Time

	group singleflight.Group
	mu    sync.RWMutex
	token *oauth2.Token
}

func NewTokenManager(creds Credentials, baseURL string, client *http.Client, margin time.Duration, logger *zap.Logger) *TokenManager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if margin <= 0 {
		margin = DefaultTokenMargin
	}
	return &TokenManager{
		creds:   creds,
		baseURL: baseURL,
		client:  client,
		margin:  margin,
		logger:  logger,
		timeNow: time.Now,
	}
}

// EnsureValidToken returns the current session, refreshing it when it is
// missing or expires within the safety margin. Failures wrap domain.ErrAuth
// and are not retried. The shared refresh is detached from the caller's
// context and bounded by the client timeout; a cancelled caller stops
// waiting without aborting it for the others.
func (m *TokenManager) EnsureValidToken(ctx context.Context) (*oauth2.Token, error) {
	if tok := m.current(); tok != nil {
		return tok, nil
	}

	refreshCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan("refresh", func() (interface{}, error) {
		// A flight that finished just before this one may have refreshed already.
		if tok := m.current(); tok != nil {
			return tok, nil
		}
		return m.refresh(refreshCtx)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for token refresh: %w", domain.ErrAuth, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	}
}

// Invalidate drops the cached session so the next call refreshes.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
}

func (m *TokenManager) current() *oauth2.Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil || m.token.AccessToken == "" {
		return nil
	}
	if !m.timeNow().Before(m.token.Expiry.Add(-m.margin)) {
		return nil
	}
	return m.token
}

func (m *TokenManager) refresh(ctx context.Context) (*oauth2.Token, error) {
	env := "production"
	if m.creds.PaperTrading {
		env = "certification"
	}
	m.logger.Info("Requesting OAuth access token", zap.String("environment", env))

	body, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": m.creds.RefreshToken,
		"client_secret": m.creds.ClientSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/oauth/token", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build token request: %v", domain.ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token exchange: %v", domain.ErrAuth, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read token response: %v", domain.ErrAuth, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: token exchange returned %d: %s", domain.ErrAuth, resp.StatusCode, string(respBody))
	}

	if !gjson.ValidBytes(respBody) {
		return nil, fmt.Errorf("%w: malformed token response: %s", domain.ErrAuth, string(respBody))
	}
	res := gjson.ParseBytes(respBody)
	accessToken := res.Get("access_token").String()
	expiresIn := res.Get("expires_in").Int()
	if accessToken == "" || expiresIn <= 0 {
		return nil, fmt.Errorf("%w: token response missing access_token or expires_in", domain.ErrAuth)
	}

	tok := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   res.Get("token_type").String(),
		Expiry:      m.timeNow().Add(time.Duration(expiresIn) * time.Second),
	}

	m.mu.Lock()
	m.token = tok
	m.mu.Unlock()

	m.logger.Info("Obtained OAuth access token", zap.Time("expires_at", tok.Expiry))
	return tok, nil
}
