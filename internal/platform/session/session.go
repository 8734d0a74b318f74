// Package session holds the credentials used for every outbound request.
// A session is either a pre-issued static token or an OAuth2 password
// grant that is re-run when the cached token is about to expire.
package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/ehr/fhir-importer/internal/config"
)

// PasswordGrant holds the resource-owner credentials.
type PasswordGrant struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
}

// Session hands out bearer tokens.
type Session struct {
	mu     sync.Mutex
	static string
	grant  *PasswordGrant
	oauth  *oauth2.Config
	skew   time.Duration
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time

	token  string
	expiry time.Time
}

type Option func(*Session)

// WithHTTPClient sets the client used to call the token endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) {
		s.client = c
	}
}

// WithRefreshSkew sets how long before expiry a token is replaced.
func WithRefreshSkew(d time.Duration) Option {
	return func(s *Session) {
		s.skew = d
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// NewStatic returns a session that always yields token.
func NewStatic(token string, opts ...Option) *Session {
	s := newSession(opts)
	s.static = token
	if exp, ok := tokenExpiry(token); ok && !exp.After(s.now()) {
		s.logger.Warn().Time("expired_at", exp).Msg("static access token has already expired")
	}
	return s
}

// NewPasswordGrant returns a session that fetches tokens with the OAuth2
// resource-owner password flow.
func NewPasswordGrant(g PasswordGrant, opts ...Option) *Session {
	s := newSession(opts)
	s.grant = &g
	s.oauth = &oauth2.Config{
		ClientID:     g.ClientID,
		ClientSecret: g.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  g.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return s
}

// FromConfig picks the static token when one is configured, otherwise
// the password grant.
func FromConfig(cfg *config.Config, opts ...Option) *Session {
	opts = append([]Option{WithRefreshSkew(cfg.TokenRefreshSkew)}, opts...)
	if cfg.HasStaticToken() {
		return NewStatic(cfg.AccessToken, opts...)
	}
	return NewPasswordGrant(PasswordGrant{
		TokenURL:     cfg.AccessTokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Username:     cfg.Username,
		Password:     cfg.Password,
	}, opts...)
}

func newSession(opts []Option) *Session {
	s := &Session{
		skew:   30 * time.Second,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Token returns a valid access token. Password-grant tokens are cached
// until skew before their expiry, read from the JWT exp claim or, for
// opaque tokens, from the token response.
func (s *Session) Token(ctx context.Context) (string, error) {
	if s.grant == nil {
		return s.static, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && (s.expiry.IsZero() || s.now().Add(s.skew).Before(s.expiry)) {
		return s.token, nil
	}

	if s.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	}
	tok, err := s.oauth.PasswordCredentialsToken(ctx, s.grant.Username, s.grant.Password)
	if err != nil {
		return "", fmt.Errorf("password grant for %s: %w", s.grant.Username, err)
	}

	s.token = tok.AccessToken
	s.expiry = tok.Expiry
	if exp, ok := tokenExpiry(tok.AccessToken); ok {
		s.expiry = exp
	}
	s.logger.Debug().Time("expires_at", s.expiry).Msg("access token refreshed")
	return s.token, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// token is only inspected to schedule a refresh.
func tokenExpiry(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
