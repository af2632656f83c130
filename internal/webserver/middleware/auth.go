package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mdouchement/sensing/internal/webserver/weberror"
)

// Authenticate checks the X-Auth-Token header against the given token.
// An empty token disables the authentication.
func Authenticate(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			if token == "" {
				return next(c)
			}

			provided := c.Request().Header.Get("X-Auth-Token")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				return weberror.New(http.StatusUnauthorized, "authorization failed")
			}

			return next(c)
		}
	}
}
