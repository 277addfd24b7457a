package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const contextKeyUserID = "auth_user_id"

// sessionAuth validates the signed session token from the cookie or the
// Authorization header and stores the subject for handlers.
func sessionAuth(cfg Config) gin.HandlerFunc {
	signingKey := []byte(cfg.SessionSigningKey)
	return func(ctx *gin.Context) {
		raw, err := extractToken(ctx, cfg.SessionCookieName)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		claims := jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
			}
			return signingKey, nil
		}, jwt.WithIssuer(cfg.SessionIssuer), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
			return
		}
		if strings.TrimSpace(claims.Subject) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no subject"))
			return
		}
		ctx.Set(contextKeyUserID, claims.Subject)
		ctx.Next()
	}
}

func extractToken(ctx *gin.Context, cookieName string) (string, error) {
	if cookie, err := ctx.Cookie(cookieName); err == nil && cookie != "" {
		return cookie, nil
	}
	header := ctx.GetHeader("Authorization")
	if after, found := strings.CutPrefix(header, "Bearer "); found && after != "" {
		return after, nil
	}
	return "", errors.New("no session token")
}

func currentUserID(ctx *gin.Context) string {
	return ctx.GetString(contextKeyUserID)
}
