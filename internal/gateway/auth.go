package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// principalKey is the context key for the authenticated principal.
type principalKey struct{}

// JWTMiddleware authenticates requests with an HS256 bearer token. The
// token's subject claim becomes the rate-limit principal.
type JWTMiddleware struct {
	secret []byte
	logger *slog.Logger
}

func NewJWTMiddleware(secret string, logger *slog.Logger) *JWTMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTMiddleware{secret: []byte(secret), logger: logger}
}

func (m *JWTMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if len(m.secret) == 0 {
			http.Error(w, `{"error":"api authentication not configured"}`, http.StatusServiceUnavailable)
			return
		}

		raw := bearerToken(r)
		if raw == "" {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			return m.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			m.logger.Debug("token rejected", "error", err)
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}

		subject := ""
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			subject, _ = claims.GetSubject()
		}
		if subject == "" {
			http.Error(w, `{"error":"token missing subject"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Principal returns the authenticated subject, or "" before auth ran.
func Principal(ctx context.Context) string {
	if p, ok := ctx.Value(principalKey{}).(string); ok {
		return p
	}
	return ""
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
