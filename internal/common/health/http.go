package health

import (
	"net/http"

	"github.com/G-Research/experimentd/internal/common/logging"
)

const Path = "/health"

// Handler answers 204 while checker is healthy and 503 with the failure as body otherwise.
func Handler(checker Checker) http.Handler {
	logger := logging.ForComponent("health")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		err := checker.Check()
		if err == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		logger.WithError(err).Warn("Health check failed")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		if r.Method == http.MethodHead {
			return
		}
		if _, err := w.Write([]byte(err.Error())); err != nil {
			logger.WithError(err).Error("Failed to write health check response")
		}
	})
}
