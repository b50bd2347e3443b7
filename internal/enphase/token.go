package enphase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/chrisv1180/envoy-logger/internal/lib/logger/sl"
)

const (
	DefaultEnlightenBase = "https://enlighten.enphaseenergy.com"

	// Tokens closer than this to expiry are fetched again.
	refreshMargin = 24 * time.Hour
)

var ErrMissingCredentials = errors.New("missing enlighten email, password or gateway serial")

type TokenResponse struct {
	GenerationTime int64  `json:"generation_time"`
	Token          string `json:"token"`
	ExpiresAt      int64  `json:"expires_at"`
}

// TokenSource hands out the owner token that authorizes access to the
// local gateway API. Tokens are long lived, so they are cached on disk.
type TokenSource struct {
	log           *slog.Logger
	enlightenBase string
	email         string
	password      string
	serial        string
	cacheDir      string
	timeout       time.Duration
	now           func() time.Time
}

type OptionFunc func(*TokenSource)

func WithEnlightenBase(base string) OptionFunc {
	return func(s *TokenSource) {
		if base != "" {
			s.enlightenBase = strings.TrimRight(base, "/")
		}
	}
}

func WithTimeout(timeout time.Duration) OptionFunc {
	return func(s *TokenSource) {
		s.timeout = timeout
	}
}

func WithClock(now func() time.Time) OptionFunc {
	return func(s *TokenSource) {
		s.now = now
	}
}

func NewTokenSource(log *slog.Logger, email, password, serial, cacheDir string, opts ...OptionFunc) *TokenSource {
	s := &TokenSource{
		log:           log,
		enlightenBase: DefaultEnlightenBase,
		email:         email,
		password:      password,
		serial:        serial,
		cacheDir:      cacheDir,
		timeout:       30 * time.Second,
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *TokenSource) cachePath() string {
	return filepath.Join(s.cacheDir, fmt.Sprintf("token_%s.txt", s.serial))
}

// Token returns a cached token when it is still valid, otherwise a fresh
// one from Enlighten.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if token, ok := s.cached(); ok {
		return token, nil
	}

	s.log.Info("requesting new gateway token from enlighten", slog.String("serial", s.serial))

	token, err := s.fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get token: %w", err)
	}

	if err := s.store(token); err != nil {
		s.log.Warn("failed to cache token", slog.String("path", s.cachePath()), sl.Err(err))
	}

	return token, nil
}

// Invalidate drops the cached token so the next call to Token fetches a
// new one. Used when the gateway rejects the token.
func (s *TokenSource) Invalidate() {
	if s.cacheDir == "" {
		return
	}
	if err := os.Remove(s.cachePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("failed to remove cached token", sl.Err(err))
	}
}

func (s *TokenSource) cached() (string, bool) {
	if s.cacheDir == "" {
		return "", false
	}

	data, err := os.ReadFile(s.cachePath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("failed to read token cache", sl.Err(err))
		}
		return "", false
	}

	token := strings.TrimSpace(string(data))
	expires, err := ExpiresAt(token)
	if err != nil {
		s.log.Warn("discarding unreadable cached token", sl.Err(err))
		return "", false
	}
	if expires.Before(s.now().Add(refreshMargin)) {
		s.log.Info("cached token is about to expire", slog.Time("expires", expires))
		return "", false
	}

	s.log.Debug("using cached token", slog.Time("expires", expires))
	return token, true
}

func (s *TokenSource) store(token string) error {
	if s.cacheDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.cacheDir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.cachePath(), []byte(token), 0o600)
}

func (s *TokenSource) fetch(ctx context.Context) (string, error) {
	if s.email == "" || s.password == "" || s.serial == "" {
		return "", ErrMissingCredentials
	}

	jar, _ := cookiejar.New(nil)
	client := &http.Client{
		Jar:     jar,
		Timeout: s.timeout,
	}

	// Logging in only matters for the session cookie it leaves in the jar.
	form := url.Values{"user[email]": {s.email}, "user[password]": {s.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.enlightenBase+"/login/login", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("login failed: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("login failed: status %d", resp.StatusCode)
	}

	tokenURL := fmt.Sprintf("%s/entrez-auth-token?serial_num=%s", s.enlightenBase, url.QueryEscape(s.serial))
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}

	resp, err = client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token request failed: status %d: %s", resp.StatusCode, string(body))
	}

	var tr TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.Token == "" {
		return "", errors.New("empty token in response")
	}
	if _, err := ExpiresAt(tr.Token); err != nil {
		return "", err
	}

	return tr.Token, nil
}

// ExpiresAt reads the exp claim without verifying the signature; the token
// is only ever checked by the gateway.
func ExpiresAt(rawToken string) (time.Time, error) {
	token, _, err := new(jwt.Parser).ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return time.Time{}, errors.New("invalid or missing claims")
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, fmt.Errorf("invalid or missing 'exp' claim: %+v", claims)
	}
	return time.Unix(int64(exp), 0), nil
}
