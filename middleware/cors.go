package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// CORS allows the dashboard origins to call the API with credentials.
// allowedOrigins is the comma separated ALLOWED_ORIGINS value.
func CORS(allowedOrigins string) fiber.Handler {
	origins := ParseOrigins(allowedOrigins)
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	return cors.New(cors.Config{
		AllowOrigins:     strings.Join(origins, ","),
		AllowCredentials: true,
		AllowMethods:     "GET,POST,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Requested-With,X-Internal-Token",
		ExposeHeaders:    "Content-Length",
		MaxAge:           3600,
	})
}

// ParseOrigins splits a comma separated origin list. A wildcard is dropped
// since browsers reject it together with credentials.
func ParseOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" && origin != "*" {
			origins = append(origins, origin)
		}
	}
	return origins
}
