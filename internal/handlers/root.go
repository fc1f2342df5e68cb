package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/nkiryanov/schoolgate/internal/handlers/render"
	"github.com/nkiryanov/schoolgate/internal/logger"
)

const healthTimeout = 2 * time.Second

func handleRoot(opts Options) http.HandlerFunc {
	type response struct {
		Service string `json:"service"`
		Version string `json:"version"`
		Status  string `json:"status"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, response{Service: opts.Service, Version: opts.Version, Status: "running"})
	}
}

// Health reports every dependency check, failure details go to log only
func handleHealth(checks map[string]func(context.Context) error, l logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		resp := map[string]string{"status": "healthy"}
		code := http.StatusOK

		for name, check := range checks {
			if err := check(ctx); err != nil {
				l.Warn("Health check failed", "check", name, "error", err)
				resp[name] = "error"
				resp["status"] = "unhealthy"
				code = http.StatusServiceUnavailable
				continue
			}
			resp[name] = "ok"
		}

		render.JSONStatus(w, resp, code)
	}
}
