// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package jsonbatch

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"gopkg.in/yaml.v3"
)

// Authenticator decorates outgoing dispatcher requests.
type Authenticator interface {
	PrepareRequest(req *http.Request, requestID string) error
	SetProfiler(profiler *Profiler)
}

// AuthProfiler is a helper for emitting authentication profiling events
type AuthProfiler struct {
	profiler *Profiler
	authType string
}

func (ap *AuthProfiler) emit(eventType ProfileEventType, name, requestID string, data map[string]any) string {
	if ap.profiler == nil {
		return ""
	}
	if data == nil {
		data = make(map[string]any)
	}
	data["authType"] = ap.authType
	return ap.profiler.Emit(eventType, name, requestID, "", data)
}

func (ap *AuthProfiler) emitEnd(name, id, parent string, start time.Time) {
	ap.profiler.EmitEnd(EVENT_AUTH_END, name, id, parent, start, map[string]any{"authType": ap.authType})
}

type BaseAuthenticator struct {
	profiler *AuthProfiler
}

func newBase(authType string) *BaseAuthenticator {
	return &BaseAuthenticator{profiler: &AuthProfiler{authType: authType}}
}

func (a *BaseAuthenticator) SetProfiler(profiler *Profiler) {
	a.profiler.profiler = profiler
}

// NoopAuthenticator - no authentication
type NoopAuthenticator struct {
	*BaseAuthenticator
}

func NewNoopAuthenticator() *NoopAuthenticator {
	return &NoopAuthenticator{BaseAuthenticator: newBase("none")}
}

func (NoopAuthenticator) PrepareRequest(*http.Request, string) error {
	return nil
}

type AuthenticatorConfig struct {
	Type string `yaml:"type,omitempty" json:"type,omitempty"` // basic | bearer | oauth | jwt | header

	// Basic auth, also the oauth password flow
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// Bearer auth
	Token string `yaml:"token,omitempty" json:"token,omitempty"`

	OAuth OAuthConfig `yaml:"oauth,omitempty" json:"oauth,omitempty"`
	JWT   JWTConfig   `yaml:"jwt,omitempty" json:"jwt,omitempty"`

	// Header auth
	HeaderName  string `yaml:"header_name,omitempty" json:"header_name,omitempty"`
	HeaderValue string `yaml:"header_value,omitempty" json:"header_value,omitempty"`
}

// BasicAuthenticator - HTTP Basic Authentication
type BasicAuthenticator struct {
	*BaseAuthenticator
	username string
	password string
}

func (a *BasicAuthenticator) PrepareRequest(req *http.Request, requestID string) error {
	authID := a.profiler.emit(EVENT_AUTH_START, "Basic Auth", requestID, map[string]any{
		"username": a.username,
		"password": maskToken(a.password),
	})
	defer a.profiler.emitEnd("Basic Auth Complete", authID, requestID, time.Now())

	req.SetBasicAuth(a.username, a.password)

	a.profiler.emit(EVENT_AUTH_TOKEN_INJECT, "Basic Auth Injected", authID, map[string]any{
		"location": "Authorization header",
		"format":   "Basic",
	})
	return nil
}

// BearerAuthenticator - static bearer token
type BearerAuthenticator struct {
	*BaseAuthenticator
	token string
}

func (a *BearerAuthenticator) PrepareRequest(req *http.Request, requestID string) error {
	authID := a.profiler.emit(EVENT_AUTH_START, "Bearer Auth", requestID, nil)
	defer a.profiler.emitEnd("Bearer Auth Complete", authID, requestID, time.Now())

	req.Header.Set("Authorization", "Bearer "+a.token)

	a.profiler.emit(EVENT_AUTH_TOKEN_INJECT, "Bearer Token Injected", authID, map[string]any{
		"location": "Authorization header",
		"format":   "Bearer",
		"token":    maskToken(a.token),
	})
	return nil
}

// HeaderAuthenticator sets one static header, typically an API key.
type HeaderAuthenticator struct {
	*BaseAuthenticator
	name  string
	value string
}

func (a *HeaderAuthenticator) PrepareRequest(req *http.Request, requestID string) error {
	authID := a.profiler.emit(EVENT_AUTH_START, "Header Auth", requestID, nil)
	defer a.profiler.emitEnd("Header Auth Complete", authID, requestID, time.Now())

	req.Header.Set(a.name, a.value)

	a.profiler.emit(EVENT_AUTH_TOKEN_INJECT, "Header Injected", authID, map[string]any{
		"location": a.name,
		"value":    maskToken(a.value),
	})
	return nil
}

// maskToken masks a token for display, showing only first and last 4 characters
func maskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

type OAuthConfig struct {
	Method       string   `yaml:"method,omitempty" json:"method,omitempty"` // password | client_credentials
	TokenURL     string   `yaml:"token_url,omitempty" json:"token_url,omitempty"`
	ClientID     string   `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// OAuthAuthenticator - OAuth2 authentication
type OAuthAuthenticator struct {
	*BaseAuthenticator
	conf        *oauth2.Config
	clientCreds *clientcredentials.Config
	token       *oauth2.Token
	mu          sync.Mutex
	username    string
	password    string
	method      string
	httpClient  HTTPClient
}

func (a *OAuthAuthenticator) PrepareRequest(req *http.Request, requestID string) error {
	authID := a.profiler.emit(EVENT_AUTH_START, "OAuth2 Auth", requestID, nil)
	defer a.profiler.emitEnd("OAuth2 Auth Complete", authID, requestID, time.Now())

	token, fromCache, err := a.tokenWithCache(req.Context(), authID)
	if err != nil {
		return fmt.Errorf("could not get oauth token: %w", err)
	}
	if fromCache {
		a.profiler.emit(EVENT_AUTH_CACHED, "Using Cached OAuth Token", authID, map[string]any{
			"token": maskToken(token),
		})
	}

	req.Header.Set("Authorization", "Bearer "+token)

	a.profiler.emit(EVENT_AUTH_TOKEN_INJECT, "OAuth Token Injected", authID, map[string]any{
		"location": "Authorization header",
		"format":   "Bearer",
		"token":    maskToken(token),
	})
	return nil
}

// tokenWithCache returns a valid access token and whether it was cached.
func (a *OAuthAuthenticator) tokenWithCache(ctx context.Context, parentID string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != nil && a.token.Valid() {
		return a.token.AccessToken, true, nil
	}

	if a.httpClient != nil {
		if c, ok := a.httpClient.(*http.Client); ok {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, c)
		}
	}

	loginID := a.profiler.emit(EVENT_AUTH_LOGIN_START, "OAuth2 Login Request", parentID, map[string]any{
		"method": a.method,
	})
	start := time.Now()

	var token *oauth2.Token
	var err error
	if a.conf != nil {
		token, err = a.conf.PasswordCredentialsToken(ctx, a.username, a.password)
	} else {
		token, err = a.clientCreds.Token(ctx)
	}

	endData := map[string]any{"method": a.method}
	if err != nil {
		endData["error"] = err.Error()
	} else {
		endData["token"] = maskToken(token.AccessToken)
		if !token.Expiry.IsZero() {
			endData["expiresAt"] = token.Expiry.Format(time.RFC3339)
		}
	}
	a.profiler.profiler.EmitEnd(EVENT_AUTH_LOGIN_END, "OAuth2 Login Complete", loginID, parentID, start, endData)

	if err != nil {
		return "", false, err
	}
	a.token = token
	return token.AccessToken, false, nil
}

type JWTConfig struct {
	Secret     string         `yaml:"secret,omitempty" json:"secret,omitempty"`
	Issuer     string         `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	Subject    string         `yaml:"subject,omitempty" json:"subject,omitempty"`
	Audience   []string       `yaml:"audience,omitempty" json:"audience,omitempty"`
	Claims     map[string]any `yaml:"claims,omitempty" json:"claims,omitempty"`
	TTLSeconds int            `yaml:"ttl_seconds,omitempty" json:"ttl_seconds,omitempty"`
}

const defaultJWTTTL = 5 * time.Minute

// JWTAuthenticator signs HS256 bearer tokens and reuses each token for the
// first half of its lifetime.
type JWTAuthenticator struct {
	*BaseAuthenticator
	config    JWTConfig
	ttl       time.Duration
	now       func() time.Time
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func (a *JWTAuthenticator) PrepareRequest(req *http.Request, requestID string) error {
	authID := a.profiler.emit(EVENT_AUTH_START, "JWT Auth", requestID, nil)
	defer a.profiler.emitEnd("JWT Auth Complete", authID, requestID, time.Now())

	token, cached, err := a.sign()
	if err != nil {
		return fmt.Errorf("could not sign jwt: %w", err)
	}
	if cached {
		a.profiler.emit(EVENT_AUTH_CACHED, "Using Cached JWT", authID, map[string]any{
			"token": maskToken(token),
		})
	}

	req.Header.Set("Authorization", "Bearer "+token)

	a.profiler.emit(EVENT_AUTH_TOKEN_INJECT, "JWT Injected", authID, map[string]any{
		"location": "Authorization header",
		"format":   "Bearer",
		"token":    maskToken(token),
	})
	return nil
}

func (a *JWTAuthenticator) sign() (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if a.token != "" && now.Before(a.expiresAt.Add(-a.ttl/2)) {
		return a.token, true, nil
	}

	expiresAt := now.Add(a.ttl)
	claims := jwt.MapClaims{}
	for k, v := range a.config.Claims {
		claims[k] = v
	}
	claims["iat"] = jwt.NewNumericDate(now)
	claims["exp"] = jwt.NewNumericDate(expiresAt)
	if a.config.Issuer != "" {
		claims["iss"] = a.config.Issuer
	}
	if a.config.Subject != "" {
		claims["sub"] = a.config.Subject
	}
	if len(a.config.Audience) > 0 {
		claims["aud"] = a.config.Audience
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.config.Secret))
	if err != nil {
		return "", false, err
	}
	a.token = signed
	a.expiresAt = expiresAt
	return signed, false, nil
}

// NewAuthenticator creates an authenticator based on the configuration
func NewAuthenticator(config AuthenticatorConfig, httpClient HTTPClient) (Authenticator, error) {
	switch config.Type {
	case "", "none":
		return NewNoopAuthenticator(), nil

	case "basic":
		return &BasicAuthenticator{
			BaseAuthenticator: newBase("basic"),
			username:          config.Username,
			password:          config.Password,
		}, nil

	case "bearer":
		return &BearerAuthenticator{
			BaseAuthenticator: newBase("bearer"),
			token:             config.Token,
		}, nil

	case "header":
		if config.HeaderName == "" {
			return nil, fmt.Errorf("header authentication requires header_name")
		}
		return &HeaderAuthenticator{
			BaseAuthenticator: newBase("header"),
			name:              config.HeaderName,
			value:             config.HeaderValue,
		}, nil

	case "oauth":
		oauth := config.OAuth
		auth := &OAuthAuthenticator{
			BaseAuthenticator: newBase("oauth"),
			username:          config.Username,
			password:          config.Password,
			method:            oauth.Method,
			httpClient:        httpClient,
		}
		switch oauth.Method {
		case "password":
			auth.conf = &oauth2.Config{
				ClientID:     oauth.ClientID,
				ClientSecret: oauth.ClientSecret,
				Endpoint:     oauth2.Endpoint{TokenURL: oauth.TokenURL},
				Scopes:       oauth.Scopes,
			}
		case "client_credentials":
			auth.clientCreds = &clientcredentials.Config{
				ClientID:     oauth.ClientID,
				ClientSecret: oauth.ClientSecret,
				TokenURL:     oauth.TokenURL,
				Scopes:       oauth.Scopes,
			}
		default:
			return nil, fmt.Errorf("unsupported oauth method %q, use 'password' or 'client_credentials'", oauth.Method)
		}
		return auth, nil

	case "jwt":
		if config.JWT.Secret == "" {
			return nil, fmt.Errorf("jwt authentication requires a secret")
		}
		ttl := time.Duration(config.JWT.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = defaultJWTTTL
		}
		return &JWTAuthenticator{
			BaseAuthenticator: newBase("jwt"),
			config:            config.JWT,
			ttl:               ttl,
			now:               time.Now,
		}, nil
	}
	return nil, fmt.Errorf("unsupported authentication type: %s", config.Type)
}

// LoadAuthenticatorConfig reads an authenticator configuration from a YAML
// or JSON file.
func LoadAuthenticatorConfig(path string) (AuthenticatorConfig, error) {
	var config AuthenticatorConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read auth config: %w", err)
	}
	if FormatOf(path) == FormatYAML {
		err = yaml.Unmarshal(data, &config)
	} else {
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return config, fmt.Errorf("failed to parse auth config: %w", err)
	}
	return config, nil
}
