package middleware

import (
	"context"
	"net/http"

	"github.com/billbatista/acasinha-ledger/user"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey string

const UserIDKey contextKey = "user_id"

const realm = `Basic realm="acasinha", charset="UTF-8"`

// BasicAuth resolves HTTP basic credentials to a user and stores the user ID
// on the request context. Requests without valid credentials pass through
// anonymous; RequireAuth decides whether that is acceptable.
func BasicAuth(users user.Repository, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			email, password, ok := r.BasicAuth()
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			u, err := users.GetByEmail(r.Context(), email)
			if err != nil {
				logger.Error("failed to fetch user", zap.Error(err))
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			if u == nil || users.VerifyPassword(u.PasswordHash, password) != nil {
				logger.Info("invalid credentials", zap.String("email", email))
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, u.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects requests BasicAuth could not attach a user to.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAuthenticated(r.Context()) {
			w.Header().Set("WWW-Authenticate", realm)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(UserIDKey).(uuid.UUID)
	return userID, ok
}

func IsAuthenticated(ctx context.Context) bool {
	_, ok := GetUserID(ctx)
	return ok
}
