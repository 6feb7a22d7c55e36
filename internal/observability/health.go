package observability

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
)

// HealthHandler serves liveness from the given check: 200 when it passes,
// 503 with the failure text otherwise.
func HealthHandler(check func(ctx context.Context) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := check(r.Context()); err != nil {
			log.Warn().Err(err).Msg("Health check failed")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}
