package devbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for tokens that do not verify, have expired,
// were revoked, or belong to a removed user.
var ErrInvalidToken = errors.New("devbackend: invalid token")

// Claims are carried by access tokens. Subject is the username and ID is the
// revocation handle.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

// IssueToken signs a token for an existing user.
func (b *Backend) IssueToken(username string) (string, error) {
	role, ok := b.userRole(username)
	if !ok {
		return "", ErrUnknownUser
	}
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(b.opts.TokenTTL)),
			Issuer:    "xybot-devbackend",
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.opts.Secret)
	if err != nil {
		return "", fmt.Errorf("devbackend: sign token: %w", err)
	}
	return signed, nil
}

func (b *Backend) parseToken(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return b.opts.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateToken parses token and checks it has not been revoked and that
// its user still exists. The returned claims carry the user's current role.
func (b *Backend) ValidateToken(token string) (*Claims, error) {
	claims, err := b.parseToken(token)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	_, revoked := b.revoked[claims.ID]
	b.mu.RUnlock()
	if revoked {
		return nil, fmt.Errorf("%w: revoked", ErrInvalidToken)
	}
	role, ok := b.userRole(claims.Subject)
	if !ok {
		return nil, fmt.Errorf("%w: unknown user", ErrInvalidToken)
	}
	claims.Role = role
	return claims, nil
}

// RevokeToken invalidates token and closes sockets opened with it. It
// reports whether the token was valid before the call.
func (b *Backend) RevokeToken(token string) bool {
	claims, err := b.ValidateToken(token)
	if err != nil {
		return false
	}
	b.mu.Lock()
	b.revoked[claims.ID] = struct{}{}
	b.mu.Unlock()
	b.publish(revokeSignal{tokenID: claims.ID}, topicControl)
	b.logger.Info("Token revoked", "user", claims.Subject)
	return true
}

// requestToken reads a Bearer header, falling back to the token query
// parameter that browsers use for sockets.
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func (b *Backend) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := requestToken(r)
		if token == "" {
			sendError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := b.ValidateToken(token)
		if err != nil {
			b.logger.Debug("Rejected token", "path", r.URL.Path, "error", err)
			sendError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func claimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

func (b *Backend) login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Username == "" || in.Password == "" {
		sendError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	acct, err := b.authenticate(in.Username, in.Password)
	if err != nil {
		b.logger.Info("Login failed", "user", in.Username, "error", err)
		sendError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	token, err := b.IssueToken(in.Username)
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	b.logger.Info("Login", "user", in.Username)
	sendJSON(w, http.StatusOK, map[string]string{
		"username": in.Username,
		"role":     acct.role,
		"token":    token,
	})
}

func (b *Backend) logout(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Token == "" {
		sendError(w, http.StatusBadRequest, "token is required")
		return
	}
	sendJSON(w, http.StatusOK, map[string]bool{"success": b.RevokeToken(in.Token)})
}

func (b *Backend) verify(w http.ResponseWriter, r *http.Request) {
	token := requestToken(r)
	if token == "" {
		sendJSON(w, http.StatusUnauthorized, map[string]bool{"valid": false})
		return
	}
	claims, err := b.ValidateToken(token)
	if err != nil {
		sendJSON(w, http.StatusUnauthorized, map[string]bool{"valid": false})
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"valid":    true,
		"username": claims.Subject,
		"role":     claims.Role,
	})
}

func (b *Backend) changePassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username    string `json:"username"`
		OldPassword string `json:"oldPassword"`
		NewPassword string `json:"newPassword"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Username == "" || in.OldPassword == "" || in.NewPassword == "" {
		sendError(w, http.StatusBadRequest, "username, oldPassword and newPassword are required")
		return
	}
	caller := claimsFrom(r.Context())
	if caller.Subject != in.Username && caller.Role != "admin" {
		sendError(w, http.StatusForbidden, "cannot change another user's password")
		return
	}
	if err := b.setPassword(in.Username, in.OldPassword, in.NewPassword); err != nil {
		sendError(w, http.StatusBadRequest, "password change failed, check the username and current password")
		return
	}
	b.logger.Info("Password changed", "user", in.Username, "by", caller.Subject)
	sendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (b *Backend) botStatus(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, b.status())
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v); err != nil {
		sendError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
