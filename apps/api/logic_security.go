package main

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

func (a *App) signToken(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.AppSigningSecret))
}

func (a *App) parseToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(a.cfg.AppSigningSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

func (a *App) createFormSessionToken(sessionID string, form FormKind) (string, error) {
	return a.signToken(jwt.MapClaims{
		"sid":  sessionID,
		"form": string(form),
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(formSessionTokenLifetime).Unix(),
	})
}

func (a *App) verifyFormSessionToken(tokenString string) (string, FormKind, error) {
	claims, err := a.parseToken(tokenString)
	if err != nil {
		return "", "", err
	}
	sid, _ := claims["sid"].(string)
	form, _ := claims["form"].(string)
	if sid == "" || form == "" {
		return "", "", fmt.Errorf("invalid form session payload")
	}
	return sid, FormKind(form), nil
}

func (a *App) createAdminSessionToken(email string) (string, error) {
	return a.signToken(jwt.MapClaims{
		"email": email,
		"role":  "admin",
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(adminSessionDuration).Unix(),
	})
}

func (a *App) verifyAdminSessionToken(tokenString string) (string, error) {
	claims, err := a.parseToken(tokenString)
	if err != nil {
		return "", err
	}
	email, _ := claims["email"].(string)
	role, _ := claims["role"].(string)
	if email == "" || role != "admin" {
		return "", fmt.Errorf("invalid admin session payload")
	}
	return email, nil
}

func (a *App) authenticateAdminCredentials(ctx context.Context, email, password string) error {
	invalid := &apiError{Status: http.StatusUnauthorized, Code: "invalid_credentials", Message: "Invalid credentials"}
	if a.cfg.AdminEmail == "" || a.cfg.AdminPasswordHash == "" {
		return invalid
	}
	emailMatches := subtle.ConstantTimeCompare([]byte(strings.ToLower(email)), []byte(strings.ToLower(a.cfg.AdminEmail))) == 1
	if bcrypt.CompareHashAndPassword([]byte(a.cfg.AdminPasswordHash), []byte(password)) != nil || !emailMatches {
		return invalid
	}
	return nil
}

func (a *App) deriveClientHash(ip string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", ip, a.cfg.AppSigningSecret)))
	return hex.EncodeToString(h[:])
}

func (a *App) checkRateLimit(key string, maxRequests int, window time.Duration, now time.Time) bool {
	a.rateLimiterMu.Lock()
	defer a.rateLimiterMu.Unlock()

	bucket, ok := a.rateBuckets[key]
	if !ok || now.Sub(bucket.start) >= window {
		a.rateBuckets[key] = rateBucket{start: now, count: 1}
		return true
	}
	bucket.count++
	a.rateBuckets[key] = bucket
	return bucket.count <= maxRequests
}

// startStateCleanup periodically drops expired rate buckets and form sessions.
func (a *App) startStateCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				a.pruneRateLimiterState(now)
				if removed := a.sessions.Prune(now); removed > 0 {
					a.log.Info("pruned expired form sessions", "count", removed)
				}
			}
		}
	}()
}

func (a *App) pruneRateLimiterState(now time.Time) {
	a.rateLimiterMu.Lock()
	defer a.rateLimiterMu.Unlock()
	for key, bucket := range a.rateBuckets {
		if now.Sub(bucket.start) >= submitRateLimitWindow {
			delete(a.rateBuckets, key)
		}
	}
}

func sessionTokenFromRequest(c *gin.Context) string {
	queryToken := strings.TrimSpace(c.Query("token"))
	if queryToken != "" {
		return queryToken
	}

	authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
	if authHeader == "" {
		return ""
	}

	const bearerPrefix = "Bearer "
	if len(authHeader) < len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(bearerPrefix):])
}

func (a *App) requireAdminSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(adminCookieName)
		if err != nil {
			writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "Admin session required"})
			c.Abort()
			return
		}
		email, err := a.verifyAdminSessionToken(token)
		if err != nil {
			writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "Admin session required"})
			c.Abort()
			return
		}
		c.Set("adminEmail", email)
		c.Next()
	}
}
