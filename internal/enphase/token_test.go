package enphase_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisv1180/envoy-logger/internal/enphase"
	"github.com/chrisv1180/envoy-logger/internal/lib/logger/sl"
)

const serial = "12222999"

func makeToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := map[string]any{
		"aud":         serial,
		"iss":         "Entrez",
		"enphaseUser": "owner",
		"iat":         time.Now().Unix(),
		"exp":         exp.Unix(),
		"username":    "foo",
	}
	data, err := json.Marshal(claims)
	require.NoError(t, err)
	payload := base64.RawURLEncoding.EncodeToString(data)
	return fmt.Sprintf("eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.%s.SflKxwRJSMeKKF2QT4fwpMeJf36POk6yJV_adQssw5c", payload)
}

type enlighten struct {
	server *httptest.Server
	hits   atomic.Int32
	token  string
}

func newEnlighten(t *testing.T, token string) *enlighten {
	e := &enlighten{token: token}
	mux := http.NewServeMux()

	mux.HandleFunc("/login/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Form.Get("user[email]") != "foo" || r.Form.Get("user[password]") != "bar" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "_enlighten_4_session", Value: "baz", Path: "/"})
		_, _ = w.Write([]byte(`{"message":"success","session_id":"baz"}`))
	})

	mux.HandleFunc("/entrez-auth-token", func(w http.ResponseWriter, r *http.Request) {
		e.hits.Add(1)
		c, err := r.Cookie("_enlighten_4_session")
		if err != nil || c.Value != "baz" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("serial_num") != serial {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(enphase.TokenResponse{
			GenerationTime: time.Now().Unix(),
			Token:          e.token,
			ExpiresAt:      time.Now().Add(365 * 24 * time.Hour).Unix(),
		})
	})

	e.server = httptest.NewServer(mux)
	t.Cleanup(e.server.Close)
	return e
}

func TestTokenFetchAndCache(t *testing.T) {
	token := makeToken(t, time.Now().Add(365*24*time.Hour))
	srv := newEnlighten(t, token)
	dir := t.TempDir()

	ts := enphase.NewTokenSource(sl.Discard(), "foo", "bar", serial, dir, enphase.WithEnlightenBase(srv.server.URL))

	got, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token, got)

	cached, err := os.ReadFile(filepath.Join(dir, "token_"+serial+".txt"))
	require.NoError(t, err)
	assert.Equal(t, token, string(cached))

	got, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token, got)
	assert.Equal(t, int32(1), srv.hits.Load(), "second call should be served from cache")
}

func TestTokenRefreshesExpiringCache(t *testing.T) {
	fresh := makeToken(t, time.Now().Add(365*24*time.Hour))
	srv := newEnlighten(t, fresh)
	dir := t.TempDir()

	stale := makeToken(t, time.Now().Add(time.Hour))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "token_"+serial+".txt"), []byte(stale), 0o600))

	ts := enphase.NewTokenSource(sl.Discard(), "foo", "bar", serial, dir, enphase.WithEnlightenBase(srv.server.URL))
	got, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, got)
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestTokenInvalidate(t *testing.T) {
	token := makeToken(t, time.Now().Add(365*24*time.Hour))
	srv := newEnlighten(t, token)
	dir := t.TempDir()

	ts := enphase.NewTokenSource(sl.Discard(), "foo", "bar", serial, dir, enphase.WithEnlightenBase(srv.server.URL))
	_, err := ts.Token(context.Background())
	require.NoError(t, err)

	ts.Invalidate()
	_, err = os.Stat(filepath.Join(dir, "token_"+serial+".txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Removing twice is harmless.
	ts.Invalidate()

	_, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestTokenBadCredentials(t *testing.T) {
	srv := newEnlighten(t, makeToken(t, time.Now().Add(time.Hour)))

	ts := enphase.NewTokenSource(sl.Discard(), "foo", "wrong", serial, "", enphase.WithEnlightenBase(srv.server.URL))
	_, err := ts.Token(context.Background())
	assert.Error(t, err)

	ts = enphase.NewTokenSource(sl.Discard(), "", "", serial, "")
	_, err = ts.Token(context.Background())
	assert.ErrorIs(t, err, enphase.ErrMissingCredentials)
}

func TestExpiresAt(t *testing.T) {
	exp := time.Unix(1893456000, 0)
	got, err := enphase.ExpiresAt(makeToken(t, exp))
	require.NoError(t, err)
	assert.True(t, exp.Equal(got))

	_, err = enphase.ExpiresAt("not-a-jwt")
	assert.Error(t, err)
}
