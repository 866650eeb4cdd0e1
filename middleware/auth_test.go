package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/billbatista/acasinha-ledger/user"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBasicAuth(t *testing.T) {
	users := user.NewMemoryRepository()
	u, err := users.Register(context.Background(), "sam@example.com", "Sam", "s3cret")
	require.NoError(t, err)

	var seen uuid.UUID
	handler := BasicAuth(users, zap.NewNop())(RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetUserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	tests := []struct {
		name     string
		email    string
		password string
		noAuth   bool
		want     int
	}{
		{name: "valid", email: "sam@example.com", password: "s3cret", want: http.StatusNoContent},
		{name: "email is case insensitive", email: "SAM@example.com", password: "s3cret", want: http.StatusNoContent},
		{name: "wrong password", email: "sam@example.com", password: "nope", want: http.StatusUnauthorized},
		{name: "unknown user", email: "alex@example.com", password: "s3cret", want: http.StatusUnauthorized},
		{name: "anonymous", noAuth: true, want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = uuid.Nil
			req := httptest.NewRequest(http.MethodGet, "/balance", nil)
			if !tt.noAuth {
				req.SetBasicAuth(tt.email, tt.password)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
				assert.Equal(t, uuid.Nil, seen)
			} else {
				assert.Equal(t, u.ID, seen)
			}
		})
	}
}

func TestAnonymousPassesWithoutRequireAuth(t *testing.T) {
	handler := BasicAuth(user.NewMemoryRepository(), zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, IsAuthenticated(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
