package httpx

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

type RouterOptions struct {
	CorsAllowedOrigins []string
}

// requestGrace is the time a handler gets past its own deadline to write the
// error response before the router answers 504.
const requestGrace = 2 * time.Second

// bounded caps the routes registered through the returned router. Each
// handler passes its own deadline, so a long resync is not cut off by the
// cap meant for ordinary calls.
func bounded(r chi.Router, d time.Duration) chi.Router {
	if d <= 0 {
		d = defaultCallTimeout
	}
	return r.With(middleware.Timeout(d + requestGrace))
}

func NewRouter(opts RouterOptions) *chi.Mux {
	if len(opts.CorsAllowedOrigins) == 0 {
		opts.CorsAllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(TraceID)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: opts.CorsAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}).Handler)
	r.Use(Metrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
