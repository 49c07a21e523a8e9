package handlers

import (
	"net/http"
	"os"
	"strconv"
	"strings"
)

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

// CORSConfigFromEnv reads CORS_* variables. Browser clients only need the two
// presence routes, so the default method list is GET, POST and OPTIONS.
func CORSConfigFromEnv() CORSConfig {
	return CORSConfig{
		Enabled:          envBool("CORS_ENABLED", true),
		AllowedOrigins:   splitList(envDefault("CORS_ALLOWED_ORIGINS", "*")),
		AllowedMethods:   splitList(envDefault("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS")),
		AllowedHeaders:   splitList(envDefault("CORS_ALLOWED_HEADERS", "Content-Type,X-Request-ID")),
		AllowCredentials: envBool("CORS_ALLOW_CREDENTIALS", false),
		MaxAge:           envInt("CORS_MAX_AGE", 600),
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDefault(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(k)); err == nil {
		return b
	}
	return d
}

func envInt(k string, d int) int {
	if n, err := strconv.Atoi(os.Getenv(k)); err == nil {
		return n
	}
	return d
}

// CORSMiddleware returns a middleware that adds CORS headers and answers preflight
func CORSMiddleware(cfg CORSConfig) func(http.Handler) http.Handler {
	allowedMethods := strings.Join(cfg.AllowedMethods, ", ")
	allowedHeaders := strings.Join(cfg.AllowedHeaders, ", ")
	wildcard := len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*"

	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-CORS request
				next.ServeHTTP(w, r)
				return
			}

			allowOrigin := ""
			if wildcard && !cfg.AllowCredentials {
				allowOrigin = "*"
			} else {
				for _, o := range cfg.AllowedOrigins {
					if o == origin {
						allowOrigin = origin
						break
					}
				}
			}
			if allowOrigin == "" {
				w.WriteHeader(http.StatusForbidden)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			if cfg.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			w.Header().Set("Vary", "Origin")

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
				w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
