package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the full request handler, dedicated routes plus the
// catch-all relay, wrapped in the middleware chain. Exposed so tests can
// serve the gateway over an in-memory listener.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.GET("/", g.handleRoot)
	r.GET("/health", g.handleHealth)
	r.POST("/auth", g.handleAuth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	// Everything else is relayed to the backend verbatim.
	for _, register := range []func(string, fasthttp.RequestHandler){r.GET, r.POST, r.PUT, r.DELETE} {
		register("/{path:*}", g.handleRelay)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8401").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
// No WriteTimeout: model generations stream for minutes and the relay
// enforces its own per-request ceiling upstream.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:            g.Handler(mgmt),
		ReadTimeout:        60 * time.Second,
		StreamRequestBody:  false,
		MaxRequestBodySize: 32 << 20,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleRelay(ctx *fasthttp.RequestCtx) {
	g.dispatchProxy(ctx)
}
