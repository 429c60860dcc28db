// Package middleware содержит HTTP middleware сервиса.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/storefront-settlement/internal/model"
)

type contextKey string

const identityKey contextKey = "identity"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 30 * 24 * time.Hour
)

// Identity описывает аутентифицированного пользователя.
type Identity struct {
	UserID int64
	Role   model.Role
}

// AuthMiddleware выполняет проверку аутентификации пользователя по подписанному cookie.
type AuthMiddleware struct {
	secretKey []byte
	secure    bool
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
// Без ключа используется случайный, и cookie перестают действовать после перезапуска.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// WithSecureCookie включает флаг Secure у cookie авторизации.
func (a *AuthMiddleware) WithSecureCookie(secure bool) *AuthMiddleware {
	a.secure = secure
	return a
}

// Middleware проверяет cookie авторизации и добавляет пользователя в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		id, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole пропускает только пользователей с указанной ролью. Ставится после Middleware.
func RequireRole(role model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := GetIdentityFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			if id.Role != role {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SetAuthCookie устанавливает cookie авторизации для пользователя.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, userID int64, role model.Role) {
	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    a.sign(strconv.FormatInt(userID, 10) + "." + string(role)),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func (a *AuthMiddleware) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return payload + "." + hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (Identity, bool) {
	i := strings.LastIndex(cookieValue, ".")
	if i <= 0 {
		return Identity{}, false
	}
	payload := cookieValue[:i]

	expected := a.sign(payload)
	if !hmac.Equal([]byte(cookieValue), []byte(expected)) {
		return Identity{}, false
	}

	idStr, role, ok := strings.Cut(payload, ".")
	if !ok {
		return Identity{}, false
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return Identity{}, false
	}

	return Identity{UserID: id, Role: model.Role(role)}, true
}

// GetIdentityFromContext извлекает пользователя из контекста запроса.
func GetIdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// GetUserIDFromContext извлекает идентификатор пользователя из контекста запроса.
func GetUserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := GetIdentityFromContext(ctx)
	return id.UserID, ok
}
