package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-min-32-chars-long!!!"

type subKey struct{ user, endpoint string }

type memStore struct {
	mu   sync.Mutex
	rows map[subKey]Subscription
	err  error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[subKey]Subscription)}
}

func (m *memStore) Upsert(_ context.Context, s Subscription) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Subscription{}, m.err
	}
	k := subKey{s.UserID, s.Endpoint}
	if prev, ok := m.rows[k]; ok {
		s.ID = prev.ID
	} else {
		s.ID = uuid.New()
	}
	s.Active = true
	s.UpdatedAt = time.Now()
	m.rows[k] = s
	return s, nil
}

func (m *memStore) Deactivate(_ context.Context, userID, endpoint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	k := subKey{userID, endpoint}
	s, ok := m.rows[k]
	if !ok {
		return false, nil
	}
	s.Active = false
	m.rows[k] = s
	return true, nil
}

func signToken(t *testing.T, sub string, exp time.Duration) string {
	t.Helper()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(exp)),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func do(h http.Handler, method, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, Path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func newTestHandler(store Store) *Handler {
	return NewHandler(store, NewJWTVerifier(testSecret), zerolog.Nop())
}

func TestSubscribe_UpsertsByUserAndEndpoint(t *testing.T) {
	store := newMemStore()
	h := newTestHandler(store)
	tok := signToken(t, "user-1", time.Hour)

	rr := do(h, http.MethodPost, tok, `{"endpoint":"https://push.test/a","p256dh":"k1","auth":"a1","tenant_id":"clinic-9"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr = do(h, http.MethodPost, tok, `{"endpoint":"https://push.test/a","p256dh":"k2","auth":"a2"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	require.Len(t, store.rows, 1)
	row := store.rows[subKey{"user-1", "https://push.test/a"}]
	assert.Equal(t, "k2", row.P256dh)
	assert.True(t, row.Active)
}

func TestSubscribe_BrowserKeysShape(t *testing.T) {
	store := newMemStore()
	h := newTestHandler(store)

	rr := do(h, http.MethodPost, signToken(t, "user-1", time.Hour),
		`{"endpoint":"https://push.test/b","keys":{"p256dh":"k","auth":"a"}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "k", store.rows[subKey{"user-1", "https://push.test/b"}].P256dh)
}

func TestUnsubscribe_KeepsRowInactive(t *testing.T) {
	store := newMemStore()
	h := newTestHandler(store)
	tok := signToken(t, "user-1", time.Hour)

	require.Equal(t, http.StatusOK, do(h, http.MethodPost, tok, `{"endpoint":"e1","p256dh":"k","auth":"a"}`).Code)
	rr := do(h, http.MethodDelete, tok, `{"endpoint":"e1"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	row, ok := store.rows[subKey{"user-1", "e1"}]
	require.True(t, ok, "row must be kept")
	assert.False(t, row.Active)
}

func TestUnsubscribe_OtherUserUntouched(t *testing.T) {
	store := newMemStore()
	h := newTestHandler(store)

	require.Equal(t, http.StatusOK, do(h, http.MethodPost, signToken(t, "user-1", time.Hour), `{"endpoint":"e1","p256dh":"k","auth":"a"}`).Code)
	require.Equal(t, http.StatusOK, do(h, http.MethodDelete, signToken(t, "user-2", time.Hour), `{"endpoint":"e1"}`).Code)
	assert.True(t, store.rows[subKey{"user-1", "e1"}].Active)
}

func TestSubscription_Errors(t *testing.T) {
	good := signToken(t, "user-1", time.Hour)
	failing := newMemStore()
	failing.err = errors.New("db down")

	cases := []struct {
		name   string
		store  Store
		method string
		token  string
		body   string
		want   int
	}{
		{"method", newMemStore(), http.MethodGet, good, "", http.StatusMethodNotAllowed},
		{"put", newMemStore(), http.MethodPut, good, "{}", http.StatusMethodNotAllowed},
		{"no token", newMemStore(), http.MethodPost, "", `{"endpoint":"e","p256dh":"k","auth":"a"}`, http.StatusUnauthorized},
		{"bad token", newMemStore(), http.MethodPost, "garbage", `{"endpoint":"e","p256dh":"k","auth":"a"}`, http.StatusUnauthorized},
		{"expired", newMemStore(), http.MethodPost, signToken(t, "user-1", -time.Minute), `{"endpoint":"e","p256dh":"k","auth":"a"}`, http.StatusUnauthorized},
		{"bad json", newMemStore(), http.MethodPost, good, `{`, http.StatusBadRequest},
		{"missing keys", newMemStore(), http.MethodPost, good, `{"endpoint":"e"}`, http.StatusBadRequest},
		{"delete no endpoint", newMemStore(), http.MethodDelete, good, `{}`, http.StatusBadRequest},
		{"store upsert", failing, http.MethodPost, good, `{"endpoint":"e","p256dh":"k","auth":"a"}`, http.StatusInternalServerError},
		{"store delete", failing, http.MethodDelete, good, `{"endpoint":"e"}`, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(newTestHandler(tc.store), tc.method, tc.token, tc.body)
			assert.Equal(t, tc.want, rr.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, false, body["ok"])
		})
	}
}

func TestJWTVerifier_RejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = NewJWTVerifier(testSecret).Verify(context.Background(), tok)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRemoteVerifier(t *testing.T) {
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/user" || r.Header.Get("apikey") != "anon" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"user-7","email":"a@b.c"}`))
	}))
	defer auth.Close()

	v := NewRemoteVerifier(auth.URL+"/", "anon", nil)
	id, err := v.Verify(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "user-7", id)

	_, err = v.Verify(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
