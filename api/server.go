/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for a browser frontend
  5. Metrics:    Request counts and latency per route (optional)

ROUTE GROUPS:
  /api/items/*          Catalogue and circulation
  /api/account          Calling patron's account
  /api/patrons/*        Librarian desk operations
  /api/scenarios/*      Demo scenarios
  /api/audit            Consistency audit
  /metrics              Prometheus scrape endpoint
  /                     Landing page

SECURITY NOTE:
  Identity is the X-User-ID header, trusted as-is. Put an authenticating
  proxy in front of this for anything beyond a demo.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hinlibs/circulation/metrics"
)

// RouterConfig carries the optional parts of the router.
type RouterConfig struct {
	AllowedOrigins []string

	// Metrics instruments every request when set.
	Metrics *metrics.Metrics
	// Gatherer backs /metrics. Nil means no /metrics route.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", userHeader},
		MaxAge:         300,
	}))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/items", func(r chi.Router) {
			r.Get("/", h.ListItems)
			r.Post("/", h.CreateItem)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetItem)
				r.Delete("/", h.RemoveItem)
				r.Post("/checkout", h.Checkout)
				r.Post("/return", h.ReturnItem)
				r.Get("/holds", h.GetHoldQueue)
				r.Post("/holds", h.PlaceHold)
				r.Delete("/holds", h.CancelHold)
			})
		})

		r.Get("/account", h.GetAccount)

		// Librarian routes
		r.Route("/patrons/{username}", func(r chi.Router) {
			r.Get("/loans", h.GetPatronLoans)
			r.Post("/returns/{itemID}", h.ReturnForPatron)
		})

		r.Get("/audit", h.GetAudit)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(landingPage))
	})

	return r
}

const landingPage = `<!DOCTYPE html>
<html>
<head><title>Circulation Desk</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Circulation Desk API</h1>
<p>Send <code>X-User-ID</code> with every request, e.g. <code>U001</code> (patron) or <code>U006</code> (librarian).</p>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/items">/api/items</a> - Browse the catalogue</li>
<li><a href="/api/account">/api/account</a> - Your loans and holds</li>
<li><a href="/api/scenarios">/api/scenarios</a> - List scenarios</li>
<li><a href="/api/audit">/api/audit</a> - Consistency audit</li>
<li><a href="/metrics">/metrics</a> - Prometheus metrics</li>
</ul>
</body>
</html>`
