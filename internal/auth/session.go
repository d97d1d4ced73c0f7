package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CookieName is the cookie carrying the signed session token.
const CookieName = "plastic_session"

const issuer = "plastic-detection"

type contextKey string

const sessionIDKey contextKey = "sessionID"

// GetSessionID retrieves the browser session identifier from context.
func GetSessionID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(sessionIDKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// WithSessionID stores id in ctx.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// Sessions signs and verifies session tokens. A token only names a session;
// it carries no user identity.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions returns a signer using an HMAC secret.
func NewSessions(secret string, ttl time.Duration) (*Sessions, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("session secret required")
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for sessionID.
func (s *Sessions) Issue(sessionID string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:   issuer,
		Subject:  sessionID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Parse verifies token and returns the session it names.
func (s *Sessions) Parse(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return "", errors.New("invalid session token")
	}
	if claims.Subject == "" {
		return "", errors.New("missing subject")
	}
	return claims.Subject, nil
}

// Middleware resolves the caller's session from its cookie, starting a new
// session when the cookie is absent, expired or tampered with. Each request
// refreshes the cookie so active sessions do not expire.
func (s *Sessions) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := ""
		if raw, err := c.Cookie(CookieName); err == nil && raw != "" {
			if id, err := s.Parse(raw); err == nil {
				sessionID = id
			}
		}
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		token, err := s.Issue(sessionID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "unable to issue session"})
			return
		}
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     CookieName,
			Value:    token,
			Path:     "/",
			MaxAge:   int(s.ttl / time.Second),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})

		c.Request = c.Request.WithContext(WithSessionID(c.Request.Context(), sessionID))
		c.Set(string(sessionIDKey), sessionID)

		c.Next()
	}
}
