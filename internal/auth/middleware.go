package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/pipagent/internal/metrics"
)

// BearerMiddleware validates channel tokens on the worker's HTTP admin
// surface. A nil issuer disables authentication (development mode).
func BearerMiddleware(jwtIssuer *JWTIssuer, workerID string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if jwtIssuer == nil {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				metrics.AuthAttemptsTotal.WithLabelValues("http", "missing").Inc()
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing or invalid Authorization header",
				})
			}

			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
			claims, err := jwtIssuer.ValidateWorkerToken(tokenStr, workerID)
			if err != nil {
				metrics.AuthAttemptsTotal.WithLabelValues("http", "denied").Inc()
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "invalid token: " + err.Error(),
				})
			}
			metrics.AuthAttemptsTotal.WithLabelValues("http", "ok").Inc()

			c.Set("coordinator", claims.Coordinator)
			return next(c)
		}
	}
}
