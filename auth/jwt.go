package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/neuroroute/neuroroute/models"
)

// Claims are the token claims the gateway recognizes.
type Claims struct {
	Sub   string   `json:"sub"`
	Email string   `json:"email"`
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token carries the given role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// JWTValidator validates HS256 bearer tokens.
type JWTValidator struct {
	secret []byte
}

func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// ValidateToken parses and verifies a token string, Bearer prefix optional.
func (v *JWTValidator) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
		return nil, errors.New("token has expired")
	}
	return claims, nil
}

// Middleware returns a gin middleware that requires a valid bearer token and
// stores the subject and claims in the request context. When enabled is
// false the middleware is a no-op, matching ENABLE_JWT_AUTH.
func Middleware(validator *JWTValidator, enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			unauthorized(c, "missing authorization header")
			return
		}

		claims, err := validator.ValidateToken(header)
		if err != nil {
			unauthorized(c, "invalid token")
			return
		}

		c.Set("user_id", claims.Sub)
		c.Set("claims", claims)
		c.Next()
	}
}

func unauthorized(c *gin.Context, message string) {
	re := models.NewError(models.ErrUnauthorized, "auth", message)
	c.AbortWithStatusJSON(re.StatusCode, gin.H{
		"error":         re.Message,
		"code":          re.Code,
		"statusCode":    re.StatusCode,
		"correlationId": re.CorrelationID,
		"timestamp":     re.Timestamp.Format(time.RFC3339),
	})
}
