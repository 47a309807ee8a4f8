package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/fedchat/chat-server-go/internal/audit"
	apperrors "github.com/fedchat/chat-server-go/internal/errors"
	"github.com/fedchat/chat-server-go/internal/httputil"
	"github.com/fedchat/chat-server-go/internal/model"
	"github.com/fedchat/chat-server-go/internal/repository"
	"github.com/fedchat/chat-server-go/internal/util"
)

type contextKey string

const UserContextKey contextKey = "user"

func GetUser(ctx context.Context) *model.User {
	if user, ok := ctx.Value(UserContextKey).(*model.User); ok {
		return user
	}
	return nil
}

// GetUserID returns the authenticated user id or "".
func GetUserID(ctx context.Context) string {
	if user := GetUser(ctx); user != nil {
		return user.ID
	}
	return ""
}

// Claims issued by the account service. Subject is the user id; Name is
// only consulted the first time a user connects to this server.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// SignToken issues an HS256 token for userID.
func SignToken(secret, userID, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type AuthMiddleware struct {
	users  repository.UserRepository
	secret []byte
}

func NewAuthMiddleware(users repository.UserRepository, secret string) *AuthMiddleware {
	return &AuthMiddleware{users: users, secret: []byte(secret)}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			httputil.WriteError(w, apperrors.AuthRequired())
			return
		}

		claims, err := m.parse(token)
		if err != nil {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"reason": err.Error()},
			})
			httputil.WriteError(w, apperrors.AuthRequired())
			return
		}

		user, err := m.resolve(r.Context(), claims)
		if err != nil {
			log.Error().Err(err).Msg("auth middleware: database error")
			httputil.WriteError(w, apperrors.Database(err))
			return
		}
		if user == nil {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				UserID:  claims.Subject,
				Details: map[string]interface{}{"reason": "unknown user"},
			})
			httputil.WriteError(w, apperrors.AuthRequired())
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// resolve loads the subject, provisioning a local row on first contact when
// the token carries a usable name.
func (m *AuthMiddleware) resolve(ctx context.Context, claims *Claims) (*model.User, error) {
	user, err := m.users.FindByID(ctx, claims.Subject)
	if err != nil || user != nil {
		return user, err
	}
	if !util.IsValidUserName(claims.Name) {
		return nil, nil
	}
	if _, err := m.users.Ensure(ctx, model.User{
		ID:          claims.Subject,
		UserName:    claims.Name,
		DisplayName: claims.Name,
	}); err != nil {
		return nil, err
	}
	return m.users.FindByID(ctx, claims.Subject)
}

// Browsers cannot set headers on a websocket handshake, so the query
// parameter is accepted as well.
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	if token := r.URL.Query().Get("access_token"); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}
