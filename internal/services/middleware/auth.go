package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// ServiceAuth authenticates the internal callers of the metering endpoints
// (the search/job pipeline, the dashboard backend) with short-lived HS256
// service tokens. End-user authentication lives upstream in the SaaS and
// never reaches this service.
type ServiceAuth struct {
	secret    []byte
	skipPaths []string
}

func NewServiceAuth(secret string) *ServiceAuth {
	return &ServiceAuth{
		secret: []byte(secret),
		skipPaths: []string{
			"/health",
			"/webhooks",
		},
	}
}

// RequireServiceToken validates the bearer token on every request outside
// the skip paths. An empty secret disables enforcement (dev mode).
func (m *ServiceAuth) RequireServiceToken() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(m.secret) == 0 {
			return c.Next()
		}

		path := c.Path()
		for _, skip := range m.skipPaths {
			if strings.HasPrefix(path, skip) {
				return c.Next()
			}
		}

		header := c.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing bearer token",
			})
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid service token",
			})
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, ok := claims["sub"].(string); ok {
				c.Locals("service_caller", sub)
			}
		}

		return c.Next()
	}
}
