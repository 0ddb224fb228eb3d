package handlers

import (
	"context"
	"net/http"
	"time"

	pkghttp "github.com/BradenHooton/visaportal/pkg/http"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Health returns a handler reporting each named dependency as up or down.
// Any failure turns the response into a 503.
func Health(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]string{"status": "healthy"}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "unhealthy"
				body[name] = "down"
				continue
			}
			body[name] = "up"
		}

		pkghttp.WriteJSON(w, status, body)
	}
}
