package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication and facility scoping.
var publicPaths = map[string]bool{
	"/health":       true,
	"/health/db":    true,
	"/health/ready": true,
}

// AuthSkipper returns true for requests whose path should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
