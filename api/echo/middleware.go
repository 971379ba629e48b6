package echo

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const userIDKey = "auth.userID"

// requireSession authenticates the request's Bearer token against the
// identity provider and stores the resolved user id on the context.
func (a *AuthAPI) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing_token"})
		}

		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid_token"})
		}

		session, err := a.identity.VerifySession(c.Request().Context(), tokenParts[1])
		if err != nil {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid_token"})
		}

		c.Set(userIDKey, session.UserID)
		return next(c)
	}
}

// userID returns the authenticated user id set by requireSession. Empty for
// unauthenticated routes.
func userID(c echo.Context) string {
	id, _ := c.Get(userIDKey).(string)
	return id
}
