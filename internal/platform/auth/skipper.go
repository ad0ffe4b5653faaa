package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists route patterns that bypass authentication. The emergency
// access route is public by definition: possession of the code is the
// credential.
var publicPaths = map[string]bool{
	"/health":                              true,
	"/health/db":                           true,
	"/metrics":                             true,
	"/api/v1/emergency-access/:accessCode": true,
}

// AuthSkipper returns true for requests whose matched route should skip
// authentication. Pass it as the Skipper on JWTConfig.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether the given route pattern bypasses auth.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
