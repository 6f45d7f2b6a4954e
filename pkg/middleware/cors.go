package middleware

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS builds the cross-origin policy from the comma-separated origins
// string. An empty string falls back to the local development origin; "*"
// opens the API up, with credentials disabled as the CORS spec requires.
func CORS(origins string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()

	allowed := splitOrigins(origins)
	if len(allowed) == 0 {
		allowed = []string{"http://localhost:3000"}
	}

	if len(allowed) == 1 && allowed[0] == "*" {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowed
		cfg.AllowCredentials = true
	}

	cfg.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{
		"Origin", "Content-Type", "Accept",
		"Idempotency-Key", CorrelationIDHeader,
	}
	cfg.ExposeHeaders = []string{
		CorrelationIDHeader, "Idempotent-Replayed",
		"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After",
	}
	cfg.MaxAge = 24 * time.Hour

	return cors.New(cfg)
}

func splitOrigins(origins string) []string {
	var out []string
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
