package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/jws"
	"golang.org/x/sync/singleflight"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

const (
	// MessagingScope is the OAuth2 scope required by the FCM HTTP v1 API.
	MessagingScope = "https://www.googleapis.com/auth/firebase.messaging"
	// DefaultTokenURL is Google's OAuth2 token endpoint.
	DefaultTokenURL = "https://oauth2.googleapis.com/token"
	// DefaultRefreshMargin is how long before expiry a cached token is replaced.
	DefaultRefreshMargin = 5 * time.Minute

	assertionLifetime = time.Hour
	jwtBearerGrant    = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	maxErrorBody      = 4 << 10
)

// Provider exchanges signed assertions for access tokens and caches the result
// until RefreshMargin before expiry. It is safe for concurrent use; concurrent
// refreshes collapse into one token exchange.
type Provider struct {
	account    *ServiceAccount
	tokenURL   string
	scope      string
	margin     time.Duration
	httpClient *http.Client
	now        func() time.Time
	logger     *slog.Logger

	mu     sync.RWMutex
	cached dispatch.Credential
	flight singleflight.Group
}

type Option func(*Provider)

// WithTokenURL overrides the token endpoint (and the assertion audience).
func WithTokenURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.tokenURL = u
		}
	}
}

func WithScope(scope string) Option {
	return func(p *Provider) {
		if scope != "" {
			p.scope = scope
		}
	}
}

func WithRefreshMargin(d time.Duration) Option {
	return func(p *Provider) {
		if d >= 0 {
			p.margin = d
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProvider creates a Provider for the given service account.
func NewProvider(account *ServiceAccount, logger *slog.Logger, opts ...Option) *Provider {
	p := &Provider{
		account:    account,
		tokenURL:   DefaultTokenURL,
		scope:      MessagingScope,
		margin:     DefaultRefreshMargin,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
		logger:     logger.With("component", "CredentialProvider"),
	}
	if account != nil && account.TokenURI != "" {
		p.tokenURL = account.TokenURI
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Token returns a cached credential or performs a token exchange.
// A cancelled ctx only abandons the wait; the shared exchange keeps running
// for the other callers.
func (p *Provider) Token(ctx context.Context) (dispatch.Credential, error) {
	if c, ok := p.current(); ok {
		return c, nil
	}

	ch := p.flight.DoChan("token", func() (any, error) {
		if c, ok := p.current(); ok {
			return c, nil
		}
		c, err := p.exchange(context.WithoutCancel(ctx))
		if err != nil {
			return dispatch.Credential{}, err
		}
		p.mu.Lock()
		p.cached = c
		p.mu.Unlock()
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return dispatch.Credential{}, res.Err
		}
		return res.Val.(dispatch.Credential), nil
	case <-ctx.Done():
		return dispatch.Credential{}, dispatch.WrapAuth(ctx.Err())
	}
}

func (p *Provider) current() (dispatch.Credential, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cached.ValidFor(p.now(), p.margin) {
		return p.cached, true
	}
	return dispatch.Credential{}, false
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (p *Provider) exchange(ctx context.Context) (dispatch.Credential, error) {
	assertion, err := p.assertion()
	if err != nil {
		return dispatch.Credential{}, err
	}

	form := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return dispatch.Credential{}, dispatch.WrapAuth(fmt.Errorf("build token request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := p.now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Error("Token exchange failed", "err", err)
		return dispatch.Credential{}, dispatch.WrapAuth(fmt.Errorf("token exchange: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var te tokenError
		if json.Unmarshal(body, &te) == nil && te.Error != "" {
			err = fmt.Errorf("token endpoint returned %d: %s %s", resp.StatusCode, te.Error, te.ErrorDescription)
		} else {
			err = fmt.Errorf("token endpoint returned %d", resp.StatusCode)
		}
		p.logger.Error("Token endpoint rejected assertion", "status", resp.StatusCode, "err", err)
		return dispatch.Credential{}, dispatch.WrapAuth(err)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return dispatch.Credential{}, dispatch.WrapAuth(fmt.Errorf("decode token response: %w", err))
	}
	if tr.AccessToken == "" {
		return dispatch.Credential{}, dispatch.WrapAuth(errors.New("token response has no access_token"))
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = assertionLifetime
	}
	c := dispatch.Credential{
		Token:     tr.AccessToken,
		ExpiresAt: start.Add(lifetime),
		Scope:     p.scope,
	}
	p.logger.Debug("Access token refreshed", "expires_at", c.ExpiresAt)
	return c, nil
}

func (p *Provider) assertion() (string, error) {
	if p.account == nil || p.account.key == nil {
		return "", dispatch.WrapAuth(errors.New("no service account key loaded"))
	}

	iat := p.now()
	claims := &jws.ClaimSet{
		Iss:   p.account.ClientEmail,
		Scope: p.scope,
		Aud:   p.tokenURL,
		Iat:   iat.Unix(),
		Exp:   iat.Add(assertionLifetime).Unix(),
	}
	header := &jws.Header{
		Algorithm: "RS256",
		Typ:       "JWT",
		KeyID:     p.account.PrivateKeyID,
	}

	signed, err := jws.Encode(header, claims, p.account.key)
	if err != nil {
		return "", dispatch.WrapAuth(fmt.Errorf("sign assertion: %w", err))
	}
	return signed, nil
}
