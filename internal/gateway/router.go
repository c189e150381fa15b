package gateway

import (
	"net/http"

	"github.com/gorilla/mux"
)

// routes builds the route table. Task routes require an identity; health,
// capabilities and metrics do not.
//
//	POST /invoke        Task Request  -> Bridge Response
//	POST /batch         Batch Request -> Batch Response
//	POST /stream        Task Request  -> text/event-stream
//	GET  /stream/ws     WebSocket; first message is the Task Request
//	GET  /health        200 healthy, 503 degraded
//	GET  /capabilities  static descriptor
//	GET  /metrics       Prometheus text
func (g *Gateway) routes() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(g.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(g.handleMethodNotAllowed)

	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/capabilities", g.handleCapabilities).Methods(http.MethodGet)
	r.HandleFunc("/metrics", g.handleMetrics).Methods(http.MethodGet)

	task := func(h http.HandlerFunc) http.Handler { return g.identity(h) }
	r.Handle("/invoke", task(g.handleInvoke)).Methods(http.MethodPost)
	r.Handle("/batch", task(g.handleBatch)).Methods(http.MethodPost)
	r.Handle("/stream", task(g.handleStream)).Methods(http.MethodPost)
	r.Handle("/stream/ws", task(g.handleStreamWS)).Methods(http.MethodGet)

	var h http.Handler = r
	h = g.security(h)
	h = g.loggingMiddleware(h)
	h = g.panicRecovery(h)
	return h
}
